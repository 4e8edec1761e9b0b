// Package storage defines the storage contract for the mnemex engine.
//
// The layer is deliberately small: one store owns both record files and all
// mutations funnel through a single writer path, so the interface exposes
// exactly the operations the engine needs and nothing speculative.
package storage

import (
	"context"

	"github.com/mnemexai/mnemex/pkg/types"
)

// Store persists Memory and Relation records. All mutations are atomic with
// respect to a process-wide writer lock; reads observe an immutable snapshot
// of the indices.
type Store interface {
	// PutMemory validates and appends a memory line. An existing id is
	// superseded: the new line wins in every subsequent lookup.
	PutMemory(ctx context.Context, m *types.Memory) error

	// GetMemory returns the latest non-tombstoned record for id, or
	// ErrNotFound.
	GetMemory(ctx context.Context, id string) (*types.Memory, error)

	// DeleteMemory appends a tombstone for id and cascade-deletes every
	// relation referencing it. Deleting a missing id is a no-op.
	DeleteMemory(ctx context.Context, id string) error

	// ListMemories returns records matching the filter, ordered by
	// created_at ascending (ties by id). The result is materialized from a
	// single snapshot.
	ListMemories(ctx context.Context, f MemoryFilter) ([]*types.Memory, error)

	// PutRelation validates and appends a relation line. Both endpoints
	// must currently resolve.
	PutRelation(ctx context.Context, r *types.Relation) error

	// GetRelation returns the relation with id, or ErrNotFound.
	GetRelation(ctx context.Context, id string) (*types.Relation, error)

	// DeleteRelation appends a tombstone for the relation id. Deleting a
	// missing id is a no-op.
	DeleteRelation(ctx context.Context, id string) error

	// ListRelations returns relations touching memoryID (either endpoint),
	// or every relation when memoryID is empty.
	ListRelations(ctx context.Context, memoryID string) ([]*types.Relation, error)

	// ApplyBatch commits a compound mutation: all appends land and the
	// indices advance together, or the batch fails before any index change.
	ApplyBatch(ctx context.Context, b *Batch) error

	// Compact rewrites each file keeping only the latest non-tombstoned
	// line per id, then atomically renames over the original.
	Compact(ctx context.Context) error

	// Stats reports line accounting and the compaction recommendation.
	Stats(ctx context.Context) (*Stats, error)

	// Close releases the pid lock and file handles.
	Close() error
}

// Batch is a compound mutation used by consolidation. The groups are
// applied to the indices in a fixed order regardless of how the batch is
// filled: memory puts, memory deletes (cascading to their relations),
// relation deletes, then relation puts.
type Batch struct {
	PutMemories     []*types.Memory
	PutRelations    []*types.Relation
	DeleteMemories  []string
	DeleteRelations []string
}

// Empty reports whether the batch contains no operations.
func (b *Batch) Empty() bool {
	return len(b.PutMemories) == 0 && len(b.PutRelations) == 0 &&
		len(b.DeleteMemories) == 0 && len(b.DeleteRelations) == 0
}
