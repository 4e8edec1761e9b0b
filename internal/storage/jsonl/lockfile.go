package jsonl

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/mnemexai/mnemex/internal/storage"
)

// acquireLock writes a pid file at path. If a lock already exists and its
// pid is still alive, the store refuses to open rather than risk two
// writers on the same files. A stale lock (dead pid) is removed.
func acquireLock(path string) error {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(path)
				return fmt.Errorf("write lock %s: %w", path, errOf(werr, cerr))
			}
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("create lock %s: %w", path, err)
		}

		data, rerr := os.ReadFile(path)
		if rerr != nil {
			if os.IsNotExist(rerr) {
				continue // lock vanished between attempts
			}
			return fmt.Errorf("read lock %s: %w", path, rerr)
		}
		pid, perr := strconv.Atoi(strings.TrimSpace(string(data)))
		if perr == nil && pidAlive(pid) {
			return fmt.Errorf("%w: pid %d holds %s", storage.ErrLocked, pid, path)
		}
		// Stale or garbled lock from a dead process.
		if rmerr := os.Remove(path); rmerr != nil && !os.IsNotExist(rmerr) {
			return fmt.Errorf("remove stale lock %s: %w", path, rmerr)
		}
	}
	return fmt.Errorf("%w: could not acquire %s", storage.ErrLocked, path)
}

// releaseLock removes the pid file. Missing files are ignored.
func releaseLock(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock %s: %w", path, err)
	}
	return nil
}

// pidAlive reports whether a process with the given pid exists. Signal 0
// probes without delivering anything.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || err == syscall.EPERM
}

// errOf returns the first non-nil error.
func errOf(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
