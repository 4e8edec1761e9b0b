// Package jsonl implements the append-only JSONL store behind the mnemex
// engine. Two line files hold memories and relations; tombstone lines
// suppress earlier lines with the same id, and periodic compaction reclaims
// superseded garbage. All mutations are serialized by a single writer
// mutex; readers run lock-free over an atomically swapped index snapshot.
package jsonl

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/mnemexai/mnemex/internal/clock"
	"github.com/mnemexai/mnemex/internal/metrics"
	"github.com/mnemexai/mnemex/internal/storage"
	"github.com/mnemexai/mnemex/pkg/log"
	"github.com/mnemexai/mnemex/pkg/types"
)

const (
	memoriesFile  = "memories.jsonl"
	relationsFile = "relations.jsonl"
	lockFile      = ".lock"
)

// Options configures a Store.
type Options struct {
	// Clock supplies timestamps for tombstones. Defaults to the system
	// clock.
	Clock clock.Clock

	// CompactionTombstoneRatio is the tombstone/total-lines ratio above
	// which Stats recommends compaction. Defaults to 0.3.
	CompactionTombstoneRatio float64
}

// fileCounters tracks line accounting for one JSONL file.
type fileCounters struct {
	lines       int
	tombstones  int
	malformed   int
	firstBadOff int64
}

// Store is the JSONL-backed implementation of storage.Store.
type Store struct {
	root string
	opts Options
	log  zerolog.Logger

	// mu is the process-wide writer mutex. It guards the file handles,
	// counters, compaction buffer, and the snapshot swap.
	mu       sync.Mutex
	memFile  *LineFile
	relFile  *LineFile
	memStats fileCounters
	relStats fileCounters

	// While a compaction build phase runs, appends are duplicated here and
	// re-applied to the temp file before it is renamed into place.
	compacting bool
	pendingMem [][]byte
	pendingRel [][]byte

	snap   atomic.Pointer[snapshot]
	closed bool
}

var _ storage.Store = (*Store)(nil)

// Open loads (or creates) the store rooted at dir. Startup replays both
// files to rebuild indices, truncating any partial trailing line and
// skipping malformed lines. The pid lockfile refuses a second live process.
func Open(dir string, opts Options) (*Store, error) {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.CompactionTombstoneRatio <= 0 {
		opts.CompactionTombstoneRatio = 0.3
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	if err := acquireLock(filepath.Join(dir, lockFile)); err != nil {
		return nil, err
	}

	s := &Store{
		root: dir,
		opts: opts,
		log:  log.WithComponent("store"),
	}
	s.memStats.firstBadOff = -1
	s.relStats.firstBadOff = -1

	if err := s.load(); err != nil {
		releaseLock(filepath.Join(dir, lockFile))
		return nil, err
	}
	return s, nil
}

// load replays both files and builds the initial snapshot.
func (s *Store) load() error {
	snap := newSnapshot()

	memPath := filepath.Join(s.root, memoriesFile)
	relPath := filepath.Join(s.root, relationsFile)

	memRes, err := ScanLines(memPath, func(offset int64, line []byte) error {
		s.applyMemoryLine(snap, &s.memStats, offset, line)
		return nil
	})
	if err != nil {
		return fmt.Errorf("recover %s: %w", memoriesFile, err)
	}
	s.memStats.lines = memRes.Lines

	relRes, err := ScanLines(relPath, func(offset int64, line []byte) error {
		s.applyRelationLine(snap, &s.relStats, offset, line)
		return nil
	})
	if err != nil {
		return fmt.Errorf("recover %s: %w", relationsFile, err)
	}
	s.relStats.lines = relRes.Lines

	// Relations whose endpoints did not survive (a crash between a memory
	// tombstone and its cascades) are pruned from the index; compaction
	// drops them from disk. consolidated_from edges are provenance: their
	// targets are tombstoned by design, so only the owning side must live.
	for id, r := range snap.relations {
		if _, ok := snap.memories[r.FromID]; !ok {
			snap.dropRelation(id)
			continue
		}
		if r.Type == types.RelationConsolidatedFrom {
			continue
		}
		if _, ok := snap.memories[r.ToID]; !ok {
			snap.dropRelation(id)
		}
	}

	if memRes.Truncated || relRes.Truncated {
		s.log.Warn().
			Bool("memories_truncated", memRes.Truncated).
			Bool("relations_truncated", relRes.Truncated).
			Msg("truncated partial trailing line during recovery")
	}
	if err := SyncDir(s.root); err != nil {
		return err
	}

	if s.memFile, err = OpenLineFile(memPath); err != nil {
		return err
	}
	if s.relFile, err = OpenLineFile(relPath); err != nil {
		s.memFile.Close()
		return err
	}

	s.snap.Store(snap)
	s.publishGauges(snap)
	s.log.Info().
		Int("memories", len(snap.memories)).
		Int("relations", len(snap.relations)).
		Int("malformed", s.memStats.malformed+s.relStats.malformed).
		Msg("store loaded")
	return nil
}

// lineProbe is the minimal shape needed to classify any line.
type lineProbe struct {
	ID   string `json:"id"`
	Tomb bool   `json:"_tomb"`
}

// tombstoneLine is the sentinel suppressing earlier lines with the same id.
type tombstoneLine struct {
	ID        string `json:"id"`
	Tomb      bool   `json:"_tomb"`
	DeletedAt int64  `json:"deleted_at"`
}

func (s *Store) applyMemoryLine(snap *snapshot, fc *fileCounters, offset int64, line []byte) {
	if len(line) == 0 {
		return
	}
	var probe lineProbe
	if err := json.Unmarshal(line, &probe); err != nil || probe.ID == "" {
		s.markMalformed(fc, memoriesFile, offset, err)
		return
	}
	if probe.Tomb {
		fc.tombstones++
		snap.dropMemory(probe.ID)
		return
	}
	var m types.Memory
	if err := json.Unmarshal(line, &m); err != nil {
		s.markMalformed(fc, memoriesFile, offset, err)
		return
	}
	snap.putMemory(&m, len(line))
}

func (s *Store) applyRelationLine(snap *snapshot, fc *fileCounters, offset int64, line []byte) {
	if len(line) == 0 {
		return
	}
	var probe lineProbe
	if err := json.Unmarshal(line, &probe); err != nil || probe.ID == "" {
		s.markMalformed(fc, relationsFile, offset, err)
		return
	}
	if probe.Tomb {
		fc.tombstones++
		snap.dropRelation(probe.ID)
		return
	}
	var r types.Relation
	if err := json.Unmarshal(line, &r); err != nil {
		s.markMalformed(fc, relationsFile, offset, err)
		return
	}
	snap.putRelation(&r, len(line))
}

func (s *Store) markMalformed(fc *fileCounters, file string, offset int64, err error) {
	fc.malformed++
	if fc.firstBadOff < 0 {
		fc.firstBadOff = offset
	}
	metrics.MalformedLinesTotal.WithLabelValues(file).Inc()
	s.log.Warn().Str("file", file).Int64("offset", offset).Err(err).Msg("skipping malformed line")
}

// PutMemory validates and appends a memory line; an existing id is
// superseded in the indices.
func (s *Store) PutMemory(ctx context.Context, m *types.Memory) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	stored := m.Clone()
	line, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode memory %s: %w", m.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendMemory(line); err != nil {
		return err
	}
	next := s.snap.Load().clone()
	next.putMemory(stored, len(line))
	s.swap(next)
	return nil
}

// GetMemory returns the latest non-tombstoned record for id.
func (s *Store) GetMemory(ctx context.Context, id string) (*types.Memory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, ok := s.snap.Load().memories[id]
	if !ok {
		return nil, fmt.Errorf("memory %s: %w", id, storage.ErrNotFound)
	}
	return m.Clone(), nil
}

// DeleteMemory tombstones id and cascade-deletes relations referencing it.
// Deleting a missing id is a no-op.
func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snap.Load()
	if _, ok := snap.memories[id]; !ok {
		return nil
	}
	next := snap.clone()
	if err := s.deleteMemoryLocked(next, id); err != nil {
		return err
	}
	s.swap(next)
	return nil
}

// deleteMemoryLocked appends the memory tombstone plus one tombstone per
// cascading relation, then applies both to next. Caller holds mu.
func (s *Store) deleteMemoryLocked(next *snapshot, id string) error {
	now := s.opts.Clock.Now().Unix()

	relIDs := next.relationsOf(id)
	sort.Strings(relIDs)
	relLines := make([][]byte, 0, len(relIDs))
	for _, relID := range relIDs {
		line, err := json.Marshal(tombstoneLine{ID: relID, Tomb: true, DeletedAt: now})
		if err != nil {
			return fmt.Errorf("encode relation tombstone %s: %w", relID, err)
		}
		relLines = append(relLines, line)
	}

	memLine, err := json.Marshal(tombstoneLine{ID: id, Tomb: true, DeletedAt: now})
	if err != nil {
		return fmt.Errorf("encode tombstone %s: %w", id, err)
	}

	// The memory tombstone lands first so a crash mid-cascade leaves
	// dangling relations, which recovery prunes.
	if err := s.appendMemory(memLine); err != nil {
		return err
	}
	s.memStats.tombstones++
	if len(relLines) > 0 {
		if err := s.appendRelations(relLines...); err != nil {
			return err
		}
		s.relStats.tombstones += len(relLines)
	}

	next.dropMemory(id)
	for _, relID := range relIDs {
		next.dropRelation(relID)
	}
	return nil
}

// ListMemories returns matching records from a single snapshot, ordered by
// created_at ascending with ties broken by id.
func (s *Store) ListMemories(ctx context.Context, f storage.MemoryFilter) ([]*types.Memory, error) {
	snap := s.snap.Load()

	candidates, err := candidateIDs(snap, f)
	if err != nil {
		return nil, err
	}

	var out []*types.Memory
	for _, id := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m, ok := snap.memories[id]
		if !ok || !matches(m, f) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	cloned := make([]*types.Memory, len(out))
	for i, m := range out {
		cloned[i] = m.Clone()
	}
	return cloned, nil
}

// candidateIDs narrows the scan using the smallest applicable index.
func candidateIDs(snap *snapshot, f storage.MemoryFilter) ([]string, error) {
	switch {
	case len(f.Tags) > 0 && f.TagMode == storage.TagMatchAll:
		// Scan only the rarest tag's set; matches() rechecks the rest.
		smallest := 0
		for i, tag := range f.Tags {
			set := snap.byTag[tag]
			if len(set) == 0 {
				return nil, nil
			}
			if len(set) < len(snap.byTag[f.Tags[smallest]]) {
				smallest = i
			}
		}
		var ids []string
		for id := range snap.byTag[f.Tags[smallest]] {
			ids = append(ids, id)
		}
		return ids, nil
	case len(f.Tags) > 0:
		seen := make(map[string]struct{})
		var ids []string
		for _, tag := range f.Tags {
			for id := range snap.byTag[tag] {
				if _, dup := seen[id]; !dup {
					seen[id] = struct{}{}
					ids = append(ids, id)
				}
			}
		}
		return ids, nil
	case f.Status != "":
		var ids []string
		for id := range snap.byStatus[f.Status] {
			ids = append(ids, id)
		}
		return ids, nil
	default:
		ids := make([]string, 0, len(snap.memories))
		for id := range snap.memories {
			ids = append(ids, id)
		}
		return ids, nil
	}
}

// matches applies the full filter predicate to a candidate record.
func matches(m *types.Memory, f storage.MemoryFilter) bool {
	if f.Status != "" && m.Status != f.Status {
		return false
	}
	if f.CreatedAfter != 0 && m.CreatedAt < f.CreatedAfter {
		return false
	}
	if f.CreatedBefore != 0 && m.CreatedAt > f.CreatedBefore {
		return false
	}
	if len(f.Tags) > 0 {
		have := make(map[string]struct{}, len(m.Tags))
		for _, t := range m.Tags {
			have[t] = struct{}{}
		}
		if f.TagMode == storage.TagMatchAll {
			for _, t := range f.Tags {
				if _, ok := have[t]; !ok {
					return false
				}
			}
		} else {
			any := false
			for _, t := range f.Tags {
				if _, ok := have[t]; ok {
					any = true
					break
				}
			}
			if !any {
				return false
			}
		}
	}
	return true
}

// PutRelation validates and appends a relation line. Both endpoints must
// currently resolve to live memories.
func (s *Store) PutRelation(ctx context.Context, r *types.Relation) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	stored := r.Clone()
	line, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode relation %s: %w", r.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snap.Load()
	if _, ok := snap.memories[r.FromID]; !ok {
		return fmt.Errorf("relation endpoint %s: %w", r.FromID, storage.ErrNotFound)
	}
	if _, ok := snap.memories[r.ToID]; !ok {
		return fmt.Errorf("relation endpoint %s: %w", r.ToID, storage.ErrNotFound)
	}
	if err := s.appendRelations(line); err != nil {
		return err
	}
	next := snap.clone()
	next.putRelation(stored, len(line))
	s.swap(next)
	return nil
}

// GetRelation returns the relation with id.
func (s *Store) GetRelation(ctx context.Context, id string) (*types.Relation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, ok := s.snap.Load().relations[id]
	if !ok {
		return nil, fmt.Errorf("relation %s: %w", id, storage.ErrNotFound)
	}
	return r.Clone(), nil
}

// DeleteRelation tombstones the relation id; missing ids are a no-op.
func (s *Store) DeleteRelation(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snap.Load()
	if _, ok := snap.relations[id]; !ok {
		return nil
	}
	line, err := json.Marshal(tombstoneLine{ID: id, Tomb: true, DeletedAt: s.opts.Clock.Now().Unix()})
	if err != nil {
		return fmt.Errorf("encode tombstone %s: %w", id, err)
	}
	if err := s.appendRelations(line); err != nil {
		return err
	}
	s.relStats.tombstones++
	next := snap.clone()
	next.dropRelation(id)
	s.swap(next)
	return nil
}

// ListRelations returns relations touching memoryID, or all relations when
// memoryID is empty. Results are ordered by created_at then id.
func (s *Store) ListRelations(ctx context.Context, memoryID string) ([]*types.Relation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap := s.snap.Load()

	var out []*types.Relation
	if memoryID == "" {
		for _, r := range snap.relations {
			out = append(out, r.Clone())
		}
	} else {
		for _, id := range snap.relationsOf(memoryID) {
			if r, ok := snap.relations[id]; ok {
				out = append(out, r.Clone())
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ApplyBatch commits a compound mutation atomically with respect to the
// indices: every append lands (memories file first), then the snapshot
// advances once. Validation failures reject the whole batch up front.
func (s *Store) ApplyBatch(ctx context.Context, b *storage.Batch) error {
	if b == nil || b.Empty() {
		return nil
	}
	for _, m := range b.PutMemories {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
		}
	}
	for _, r := range b.PutRelations {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Clock.Now().Unix()
	next := s.snap.Load().clone()

	var memLines, relLines [][]byte
	type memPut struct {
		m    *types.Memory
		size int
	}
	type relPut struct {
		r    *types.Relation
		size int
	}
	var memPuts []memPut
	var relPuts []relPut

	for _, m := range b.PutMemories {
		stored := m.Clone()
		line, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("encode memory %s: %w", m.ID, err)
		}
		memLines = append(memLines, line)
		memPuts = append(memPuts, memPut{stored, len(line)})
	}
	for _, r := range b.PutRelations {
		stored := r.Clone()
		line, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("encode relation %s: %w", r.ID, err)
		}
		relLines = append(relLines, line)
		relPuts = append(relPuts, relPut{stored, len(line)})
	}

	var memTombs, relTombs int
	var cascades []string
	for _, id := range b.DeleteMemories {
		if _, ok := next.memories[id]; !ok {
			continue
		}
		line, err := json.Marshal(tombstoneLine{ID: id, Tomb: true, DeletedAt: now})
		if err != nil {
			return fmt.Errorf("encode tombstone %s: %w", id, err)
		}
		memLines = append(memLines, line)
		memTombs++
		cascades = append(cascades, next.relationsOf(id)...)
	}
	sort.Strings(cascades)
	relDeletes := append(cascades, b.DeleteRelations...)
	seenRelTomb := make(map[string]struct{}, len(relDeletes))
	for _, relID := range relDeletes {
		if _, dup := seenRelTomb[relID]; dup {
			continue
		}
		seenRelTomb[relID] = struct{}{}
		if _, ok := next.relations[relID]; !ok {
			continue
		}
		line, err := json.Marshal(tombstoneLine{ID: relID, Tomb: true, DeletedAt: now})
		if err != nil {
			return fmt.Errorf("encode relation tombstone %s: %w", relID, err)
		}
		relLines = append(relLines, line)
		relTombs++
	}

	if len(memLines) > 0 {
		if err := s.appendMemory(memLines...); err != nil {
			return err
		}
	}
	if len(relLines) > 0 {
		if err := s.appendRelations(relLines...); err != nil {
			return err
		}
	}
	s.memStats.tombstones += memTombs
	s.relStats.tombstones += relTombs

	for _, p := range memPuts {
		next.putMemory(p.m, p.size)
	}
	for _, id := range b.DeleteMemories {
		next.dropMemory(id)
	}
	for relID := range seenRelTomb {
		next.dropRelation(relID)
	}
	for _, p := range relPuts {
		// Endpoint checks run against the post-delete, post-put view so a
		// batch can link records it just created. Provenance edges may
		// point at memories the same batch tombstones.
		if _, ok := next.memories[p.r.FromID]; !ok {
			return fmt.Errorf("relation endpoint %s: %w", p.r.FromID, storage.ErrNotFound)
		}
		if _, ok := next.memories[p.r.ToID]; !ok && p.r.Type != types.RelationConsolidatedFrom {
			return fmt.Errorf("relation endpoint %s: %w", p.r.ToID, storage.ErrNotFound)
		}
		next.putRelation(p.r, p.size)
	}

	s.swap(next)
	return nil
}

// Stats reports line accounting and whether compaction looks worthwhile.
func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snap.Load()
	st := &storage.Stats{
		CountByStatus: make(map[types.Status]int),
		RelationCount: len(snap.relations),
		Memories: storage.FileStats{
			TotalLines:           s.memStats.lines,
			TombstoneCount:       s.memStats.tombstones,
			FileSize:             s.memFile.Size(),
			MalformedCount:       s.memStats.malformed,
			FirstMalformedOffset: s.memStats.firstBadOff,
		},
		Relations: storage.FileStats{
			TotalLines:           s.relStats.lines,
			TombstoneCount:       s.relStats.tombstones,
			FileSize:             s.relFile.Size(),
			MalformedCount:       s.relStats.malformed,
			FirstMalformedOffset: s.relStats.firstBadOff,
		},
	}
	for status, set := range snap.byStatus {
		st.CountByStatus[status] = len(set)
	}
	st.ActiveCount = st.CountByStatus[types.StatusActive]

	st.CompactionRecommended = recommendCompaction(&s.memStats, s.memFile.Size(), snap.liveMemoryBytes(), s.opts.CompactionTombstoneRatio) ||
		recommendCompaction(&s.relStats, s.relFile.Size(), snap.liveRelationBytes(), s.opts.CompactionTombstoneRatio)
	return st, nil
}

// recommendCompaction applies the tombstone-ratio and size-amplification
// heuristics to one file.
func recommendCompaction(fc *fileCounters, fileSize, liveBytes int64, ratio float64) bool {
	if fc.lines > 0 && float64(fc.tombstones)/float64(fc.lines) > ratio {
		return true
	}
	return liveBytes > 0 && fileSize > 10*liveBytes
}

// Close releases the pid lock and both file handles.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var first error
	if err := s.memFile.Close(); err != nil && first == nil {
		first = err
	}
	if err := s.relFile.Close(); err != nil && first == nil {
		first = err
	}
	if err := releaseLock(filepath.Join(s.root, lockFile)); err != nil && first == nil {
		first = err
	}
	return first
}

// appendMemory appends lines to the memories file, mirroring them into the
// compaction buffer when a build phase is running. Caller holds mu.
func (s *Store) appendMemory(lines ...[]byte) error {
	if err := s.memFile.Append(lines...); err != nil {
		return err
	}
	s.memStats.lines += len(lines)
	if s.compacting {
		s.pendingMem = append(s.pendingMem, lines...)
	}
	return nil
}

// appendRelations is the relations-file counterpart of appendMemory.
func (s *Store) appendRelations(lines ...[]byte) error {
	if err := s.relFile.Append(lines...); err != nil {
		return err
	}
	s.relStats.lines += len(lines)
	if s.compacting {
		s.pendingRel = append(s.pendingRel, lines...)
	}
	return nil
}

// swap publishes the successor snapshot. Caller holds mu.
func (s *Store) swap(next *snapshot) {
	s.snap.Store(next)
	s.publishGauges(next)
}

func (s *Store) publishGauges(snap *snapshot) {
	for _, status := range []types.Status{types.StatusActive, types.StatusPromoted, types.StatusArchived, types.StatusDeleted} {
		metrics.ActiveRecords.WithLabelValues(string(status)).Set(float64(len(snap.byStatus[status])))
	}
}
