// Package vault maintains the long-term memory side of mnemex: an indexed
// view over a directory of markdown notes. The files are the source of
// truth; the index is a rebuildable JSONL cache with the same line
// discipline as the record store.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mnemexai/mnemex/internal/metrics"
	"github.com/mnemexai/mnemex/internal/storage"
	"github.com/mnemexai/mnemex/internal/storage/jsonl"
	"github.com/mnemexai/mnemex/pkg/log"
	"github.com/mnemexai/mnemex/pkg/types"
)

// Index is the incremental LTM note index. Mutations are serialized by a
// writer mutex; readers iterate an atomically swapped snapshot map keyed by
// vault-relative path.
type Index struct {
	vaultPath string
	indexPath string
	logger    zerolog.Logger

	mu   sync.Mutex
	file *jsonl.LineFile
	snap atomic.Pointer[map[string]*types.LTMNote]

	// lastScan wall time of the most recent full refresh, for stats.
	lastScan     atomic.Int64
	lastScanSecs atomic.Value // float64
}

// indexProbe classifies an index line.
type indexProbe struct {
	Path string `json:"path"`
	Tomb bool   `json:"_tomb"`
}

// indexTombstone suppresses an earlier entry for the same path.
type indexTombstone struct {
	Path      string `json:"path"`
	Tomb      bool   `json:"_tomb"`
	DeletedAt int64  `json:"deleted_at"`
}

// OpenIndex loads (or creates) the index file at indexPath for the vault
// rooted at vaultPath. The vault directory itself need not exist yet.
func OpenIndex(indexPath, vaultPath string) (*Index, error) {
	idx := &Index{
		vaultPath: vaultPath,
		indexPath: indexPath,
		logger:    log.WithComponent("vault"),
	}

	entries := make(map[string]*types.LTMNote)
	_, err := jsonl.ScanLines(indexPath, func(offset int64, line []byte) error {
		if len(line) == 0 {
			return nil
		}
		var probe indexProbe
		if jerr := json.Unmarshal(line, &probe); jerr != nil || probe.Path == "" {
			idx.logger.Warn().Int64("offset", offset).Msg("skipping malformed index line")
			return nil
		}
		if probe.Tomb {
			delete(entries, probe.Path)
			return nil
		}
		var note types.LTMNote
		if jerr := json.Unmarshal(line, &note); jerr != nil {
			idx.logger.Warn().Int64("offset", offset).Err(jerr).Msg("skipping malformed index line")
			return nil
		}
		entries[note.Path] = &note
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load ltm index: %w", err)
	}

	if idx.file, err = jsonl.OpenLineFile(indexPath); err != nil {
		return nil, err
	}
	idx.snap.Store(&entries)
	idx.logger.Info().Int("notes", len(entries)).Msg("ltm index loaded")
	return idx, nil
}

// VaultPath returns the vault root this index projects.
func (idx *Index) VaultPath() string { return idx.vaultPath }

// List returns every indexed note, ordered by path. The slice is built from
// one snapshot; entries are shared and must not be mutated.
func (idx *Index) List() []*types.LTMNote {
	entries := *idx.snap.Load()
	out := make([]*types.LTMNote, 0, len(entries))
	for _, n := range entries {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Get returns the entry for a vault-relative path, or nil.
func (idx *Index) Get(relPath string) *types.LTMNote {
	return (*idx.snap.Load())[relPath]
}

// Count returns the number of indexed notes.
func (idx *Index) Count() int {
	return len(*idx.snap.Load())
}

// LastScan reports when the last full refresh finished and how long it
// took. Zero values mean no refresh has run yet.
func (idx *Index) LastScan() (time.Time, time.Duration) {
	sec := idx.lastScan.Load()
	if sec == 0 {
		return time.Time{}, 0
	}
	d, _ := idx.lastScanSecs.Load().(float64)
	return time.Unix(sec, 0), time.Duration(d * float64(time.Second))
}

// Refresh walks the vault and reconciles the index: new and changed files
// are re-parsed, entries whose files vanished are tombstoned, and files
// whose (mtime_ns, size) matches the cached entry are skipped. Work is
// proportional to the number of changes plus one stat per file.
func (idx *Index) Refresh(ctx context.Context) error {
	start := time.Now()

	idx.mu.Lock()
	defer idx.mu.Unlock()

	current := *idx.snap.Load()
	next := make(map[string]*types.LTMNote, len(current))
	for k, v := range current {
		next[k] = v
	}

	seen := make(map[string]struct{})
	rootMissing := false
	walkErr := filepath.WalkDir(idx.vaultPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == idx.vaultPath && os.IsNotExist(err) {
				rootMissing = true
				return filepath.SkipAll
			}
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") && path != idx.vaultPath {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(name, ".md") {
			return nil
		}

		rel, rerr := filepath.Rel(idx.vaultPath, path)
		if rerr != nil {
			return rerr
		}
		rel = filepath.ToSlash(rel)
		seen[rel] = struct{}{}

		info, serr := d.Info()
		if serr != nil {
			return nil // raced with a delete; the tombstone pass handles it
		}
		if cached, ok := next[rel]; ok &&
			cached.MtimeNS == info.ModTime().UnixNano() && cached.Size == info.Size() {
			return nil
		}

		note, perr := idx.parseFile(path, rel, info)
		if perr != nil {
			idx.logger.Warn().Str("path", rel).Err(perr).Msg("skipping unparseable note")
			return nil
		}
		if werr := idx.appendEntryLocked(note); werr != nil {
			return werr
		}
		next[rel] = note
		return nil
	})
	if walkErr != nil {
		if errors.Is(walkErr, context.Canceled) || errors.Is(walkErr, context.DeadlineExceeded) {
			return walkErr
		}
		return fmt.Errorf("%w: vault scan: %v", storage.ErrExternalFailure, walkErr)
	}
	if rootMissing {
		// A vanished root is more likely an unmounted vault than a mass
		// delete; keep the index intact and report.
		return fmt.Errorf("%w: vault root %s does not exist", storage.ErrExternalFailure, idx.vaultPath)
	}

	// Tombstone entries whose files are gone.
	for rel := range next {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, ok := seen[rel]; ok {
			continue
		}
		if err := idx.appendTombstoneLocked(rel); err != nil {
			return err
		}
		delete(next, rel)
	}

	idx.snap.Store(&next)
	elapsed := time.Since(start)
	metrics.VaultScanSeconds.Observe(elapsed.Seconds())
	idx.lastScan.Store(time.Now().Unix())
	idx.lastScanSecs.Store(elapsed.Seconds())
	idx.logger.Debug().Int("notes", len(next)).Dur("elapsed", elapsed).Msg("vault refresh complete")
	return nil
}

// RefreshPath reconciles a single vault-relative path: re-parse if present,
// tombstone if gone. Used by the watcher for event-driven refresh.
func (idx *Index) RefreshPath(ctx context.Context, rel string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rel = filepath.ToSlash(rel)
	if !strings.HasSuffix(rel, ".md") || strings.HasPrefix(filepath.Base(rel), ".") {
		return nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	current := *idx.snap.Load()
	abs := filepath.Join(idx.vaultPath, filepath.FromSlash(rel))
	info, err := os.Stat(abs)

	next := make(map[string]*types.LTMNote, len(current))
	for k, v := range current {
		next[k] = v
	}

	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("stat %s: %w", rel, err)
		}
		if _, ok := next[rel]; !ok {
			return nil
		}
		if terr := idx.appendTombstoneLocked(rel); terr != nil {
			return terr
		}
		delete(next, rel)
		idx.snap.Store(&next)
		return nil
	}

	if cached, ok := next[rel]; ok &&
		cached.MtimeNS == info.ModTime().UnixNano() && cached.Size == info.Size() {
		return nil
	}
	note, perr := idx.parseFile(abs, rel, info)
	if perr != nil {
		idx.logger.Warn().Str("path", rel).Err(perr).Msg("skipping unparseable note")
		return nil
	}
	if werr := idx.appendEntryLocked(note); werr != nil {
		return werr
	}
	next[rel] = note
	idx.snap.Store(&next)
	return nil
}

// Compact rewrites the index file keeping the latest entry per path.
func (idx *Index) Compact(ctx context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	entries := *idx.snap.Load()
	paths := make([]string, 0, len(entries))
	for p := range entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	tmp := idx.indexPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	for _, p := range paths {
		if cerr := ctx.Err(); cerr != nil {
			f.Close()
			os.Remove(tmp)
			return cerr
		}
		line, merr := json.Marshal(entries[p])
		if merr != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("encode index entry %s: %w", p, merr)
		}
		if _, werr := f.Write(append(line, '\n')); werr != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("write %s: %w", tmp, werr)
		}
	}
	if serr := f.Sync(); serr != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsync %s: %w", tmp, serr)
	}
	f.Close()
	if err := idx.file.ReplaceWith(tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Close releases the index file handle.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.file.Close()
}

// parseFile reads and parses one markdown file into an index entry.
func (idx *Index) parseFile(abs, rel string, info fs.FileInfo) (*types.LTMNote, error) {
	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	meta, err := parseNote(content)
	if err != nil {
		return nil, err
	}
	return &types.LTMNote{
		Path:            rel,
		Title:           meta.Title,
		Tags:            meta.Tags,
		Aliases:         meta.Aliases,
		MtimeNS:         info.ModTime().UnixNano(),
		Size:            info.Size(),
		FrontMatterKeys: meta.Keys,
		Snippet:         meta.Snippet,
	}, nil
}

// appendEntryLocked appends one index line. Caller holds mu.
func (idx *Index) appendEntryLocked(note *types.LTMNote) error {
	line, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("encode index entry %s: %w", note.Path, err)
	}
	return idx.file.Append(line)
}

// appendTombstoneLocked appends a tombstone line for rel. Caller holds mu.
func (idx *Index) appendTombstoneLocked(rel string) error {
	line, err := json.Marshal(indexTombstone{Path: rel, Tomb: true, DeletedAt: time.Now().Unix()})
	if err != nil {
		return fmt.Errorf("encode index tombstone %s: %w", rel, err)
	}
	return idx.file.Append(line)
}
