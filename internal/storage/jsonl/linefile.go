package jsonl

import (
	"bufio"
	"fmt"
	"io"
	"os"
)

// LineFile wraps one append-only JSONL file. It owns the file handle and
// the append+fsync discipline; callers never edit lines in place.
type LineFile struct {
	path string
	f    *os.File
	size int64
}

// OpenLineFile opens (creating if needed, mode 0600) the file at path for
// appending.
func OpenLineFile(path string) (*LineFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return &LineFile{path: path, f: f, size: info.Size()}, nil
}

// Append writes each line followed by LF, then fsyncs. Lines must not
// contain a newline themselves.
func (lf *LineFile) Append(lines ...[]byte) error {
	buf := make([]byte, 0, 256)
	for _, line := range lines {
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	n, err := lf.f.Write(buf)
	lf.size += int64(n)
	if err != nil {
		return fmt.Errorf("append %s: %w", lf.path, err)
	}
	if err := lf.f.Sync(); err != nil {
		return fmt.Errorf("fsync %s: %w", lf.path, err)
	}
	return nil
}

// Size returns the current file size in bytes as tracked by appends.
func (lf *LineFile) Size() int64 { return lf.size }

// Path returns the underlying file path.
func (lf *LineFile) Path() string { return lf.path }

// Close closes the underlying handle.
func (lf *LineFile) Close() error { return lf.f.Close() }

// ReplaceWith atomically substitutes the file's content with the already
// fsynced temp file at tmpPath, reopening the handle on the new inode.
func (lf *LineFile) ReplaceWith(tmpPath string) error {
	if err := os.Rename(tmpPath, lf.path); err != nil {
		return fmt.Errorf("rename %s over %s: %w", tmpPath, lf.path, err)
	}
	lf.f.Close()
	f, err := os.OpenFile(lf.path, os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("reopen %s: %w", lf.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat %s: %w", lf.path, err)
	}
	lf.f = f
	lf.size = info.Size()
	return nil
}

// ScanResult reports what a full-file scan observed.
type ScanResult struct {
	// Lines is the number of complete lines visited (including malformed).
	Lines int

	// Truncated is true when a partial trailing line (no LF, typically a
	// crash mid-append) was cut off.
	Truncated bool
}

// ScanLines streams every complete line of the file at path to fn along
// with its starting byte offset. A trailing partial line is truncated from
// the file, restoring the invariant that the file ends on a LF.
//
// fn errors abort the scan; io errors are wrapped.
func ScanLines(path string, fn func(offset int64, line []byte) error) (*ScanResult, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		if os.IsNotExist(err) {
			return &ScanResult{}, nil
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	res := &ScanResult{}
	r := bufio.NewReader(f)
	var offset int64
	for {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			if len(line) > 0 {
				// Partial trailing line: a crash between write and fsync.
				if terr := f.Truncate(offset); terr != nil {
					return nil, fmt.Errorf("truncate %s: %w", path, terr)
				}
				if serr := f.Sync(); serr != nil {
					return nil, fmt.Errorf("fsync %s: %w", path, serr)
				}
				res.Truncated = true
			}
			return res, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		res.Lines++
		if fnErr := fn(offset, line[:len(line)-1]); fnErr != nil {
			return nil, fnErr
		}
		offset += int64(len(line))
	}
}

// SyncDir fsyncs the directory at path. Called after startup recovery and
// after compaction and note-promotion renames so truncations and renames
// are durable.
func SyncDir(path string) error {
	d, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open dir %s: %w", path, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("fsync dir %s: %w", path, err)
	}
	return nil
}
