package storage

import (
	"errors"

	"github.com/mnemexai/mnemex/pkg/types"
)

var (
	// ErrNotFound indicates the requested id is absent or tombstoned.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates a field constraint violation, rejected
	// before anything is written.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict indicates a collision that suffix retries could not
	// resolve (e.g. a promoted note filename).
	ErrConflict = errors.New("conflict")

	// ErrCorrupt indicates a malformed line was encountered on read. It is
	// surfaced via stats, never fatal.
	ErrCorrupt = errors.New("corrupt line")

	// ErrExternalFailure indicates an opaque collaborator (embedder, vault
	// scan) failed; callers degrade gracefully.
	ErrExternalFailure = errors.New("external failure")

	// ErrLocked indicates another live process owns the storage root.
	ErrLocked = errors.New("storage locked by another process")
)

// TagMatch selects how a tag filter combines multiple tags.
type TagMatch int

const (
	// TagMatchAny keeps records carrying at least one of the filter tags.
	TagMatchAny TagMatch = iota
	// TagMatchAll keeps records carrying every filter tag.
	TagMatchAll
)

// MemoryFilter narrows ListMemories results. Zero values leave the
// corresponding dimension unconstrained.
type MemoryFilter struct {
	// Status restricts to a single lifecycle state.
	Status types.Status

	// Tags and TagMode select by tag set membership.
	Tags    []string
	TagMode TagMatch

	// CreatedAfter and CreatedBefore bound created_at (inclusive), as
	// seconds since the epoch. Zero means unbounded.
	CreatedAfter  int64
	CreatedBefore int64

	// Limit caps the number of results; 0 means unlimited.
	Limit int
}

// FileStats describes one JSONL file's line accounting.
type FileStats struct {
	// TotalLines counts every line observed at load plus appends since.
	TotalLines int `json:"total_lines"`

	// TombstoneCount counts tombstone lines.
	TombstoneCount int `json:"tombstone_count"`

	// FileSize is the current on-disk size in bytes.
	FileSize int64 `json:"file_size"`

	// MalformedCount counts lines skipped as unparseable at load.
	MalformedCount int `json:"malformed_count"`

	// FirstMalformedOffset is the byte offset of the first malformed line,
	// or -1 when every line parsed.
	FirstMalformedOffset int64 `json:"first_malformed_offset"`
}

// Stats is a point-in-time snapshot of store health.
type Stats struct {
	ActiveCount   int                  `json:"active_count"`
	CountByStatus map[types.Status]int `json:"count_by_status"`
	RelationCount int                  `json:"relation_count"`

	Memories  FileStats `json:"memories"`
	Relations FileStats `json:"relations"`

	// CompactionRecommended is set when the tombstone ratio or the
	// live-bytes amplification heuristic trips.
	CompactionRecommended bool `json:"compaction_recommended"`
}
