package vault

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/mnemexai/mnemex/pkg/log"
)

// Watcher feeds filesystem events from the vault into targeted index
// refreshes, so edits made by the user (or by promotion) appear in search
// without waiting for the next full scan.
type Watcher struct {
	index   *Index
	watcher *fsnotify.Watcher
	logger  zerolog.Logger
	done    chan struct{}
}

// NewWatcher creates a watcher over the index's vault root.
func NewWatcher(index *Index) *Watcher {
	return &Watcher{
		index:  index,
		logger: log.WithComponent("vault-watch"),
		done:   make(chan struct{}),
	}
}

// Start begins watching the vault root and every existing subdirectory.
// New subdirectories are added as they appear. Call Stop to clean up.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fsw

	root := w.index.VaultPath()
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if path == root && os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return fsw.Add(path)
		}
		return nil
	})
	if err != nil {
		fsw.Close()
		return err
	}

	go w.loop(ctx)
	w.logger.Info().Str("vault", root).Msg("watching vault")
	return nil
}

// Stop shuts down the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	if w.watcher != nil {
		w.watcher.Close()
	}
	<-w.done
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	root := w.index.VaultPath()
	for {
		select {
		case evt, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// New directories need their own watch registration.
			if evt.Op&fsnotify.Create != 0 {
				if info, serr := os.Stat(evt.Name); serr == nil && info.IsDir() {
					if !strings.HasPrefix(filepath.Base(evt.Name), ".") {
						w.watcher.Add(evt.Name)
					}
					continue
				}
			}
			rel, rerr := filepath.Rel(root, evt.Name)
			if rerr != nil {
				continue
			}
			if err := w.index.RefreshPath(ctx, rel); err != nil {
				w.logger.Warn().Str("path", rel).Err(err).Msg("targeted refresh failed")
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("watcher error")
		case <-ctx.Done():
			return
		}
	}
}
