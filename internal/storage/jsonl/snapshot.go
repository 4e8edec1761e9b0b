package jsonl

import (
	"github.com/mnemexai/mnemex/pkg/types"
)

// snapshot is an immutable view of the in-memory indices. Readers load the
// current snapshot atomically and iterate it without locks; the writer
// builds a successor under the writer mutex and swaps it in whole.
//
// Cloning shallow-copies the outer maps; inner sets are copied only when a
// mutation touches them.
type snapshot struct {
	memories map[string]*types.Memory
	memBytes map[string]int // encoded size of the latest live line per id

	relations map[string]*types.Relation
	relBytes  map[string]int

	byTag    map[string]map[string]struct{}       // tag -> memory ids
	byStatus map[types.Status]map[string]struct{} // status -> memory ids

	relByMem map[string]map[string]struct{} // memory id -> relation ids
}

func newSnapshot() *snapshot {
	return &snapshot{
		memories:  make(map[string]*types.Memory),
		memBytes:  make(map[string]int),
		relations: make(map[string]*types.Relation),
		relBytes:  make(map[string]int),
		byTag:     make(map[string]map[string]struct{}),
		byStatus:  make(map[types.Status]map[string]struct{}),
		relByMem:  make(map[string]map[string]struct{}),
	}
}

// clone shallow-copies every outer map. Inner sets stay shared until a
// mutator copies the specific set it is about to change.
func (s *snapshot) clone() *snapshot {
	c := &snapshot{
		memories:  make(map[string]*types.Memory, len(s.memories)),
		memBytes:  make(map[string]int, len(s.memBytes)),
		relations: make(map[string]*types.Relation, len(s.relations)),
		relBytes:  make(map[string]int, len(s.relBytes)),
		byTag:     make(map[string]map[string]struct{}, len(s.byTag)),
		byStatus:  make(map[types.Status]map[string]struct{}, len(s.byStatus)),
		relByMem:  make(map[string]map[string]struct{}, len(s.relByMem)),
	}
	for k, v := range s.memories {
		c.memories[k] = v
	}
	for k, v := range s.memBytes {
		c.memBytes[k] = v
	}
	for k, v := range s.relations {
		c.relations[k] = v
	}
	for k, v := range s.relBytes {
		c.relBytes[k] = v
	}
	for k, v := range s.byTag {
		c.byTag[k] = v
	}
	for k, v := range s.byStatus {
		c.byStatus[k] = v
	}
	for k, v := range s.relByMem {
		c.relByMem[k] = v
	}
	return c
}

func cloneSet(set map[string]struct{}) map[string]struct{} {
	c := make(map[string]struct{}, len(set)+1)
	for k := range set {
		c[k] = struct{}{}
	}
	return c
}

// addToIndex inserts id into index[key], copying the inner set first.
func addToIndex(index map[string]map[string]struct{}, key, id string) {
	set := cloneSet(index[key])
	set[id] = struct{}{}
	index[key] = set
}

// dropFromIndex removes id from index[key], deleting empty sets.
func dropFromIndex(index map[string]map[string]struct{}, key, id string) {
	old, ok := index[key]
	if !ok {
		return
	}
	set := cloneSet(old)
	delete(set, id)
	if len(set) == 0 {
		delete(index, key)
	} else {
		index[key] = set
	}
}

// putMemory installs m as the latest record for its id, maintaining the
// tag and status indices. Must only be called on a freshly cloned snapshot.
func (s *snapshot) putMemory(m *types.Memory, encodedLen int) {
	if old, ok := s.memories[m.ID]; ok {
		s.unindexMemory(old)
	}
	s.memories[m.ID] = m
	s.memBytes[m.ID] = encodedLen
	for _, tag := range m.Tags {
		addToIndex(s.byTag, tag, m.ID)
	}
	set := cloneSet(s.byStatus[m.Status])
	set[m.ID] = struct{}{}
	s.byStatus[m.Status] = set
}

// dropMemory removes the record for id entirely (tombstone applied).
func (s *snapshot) dropMemory(id string) {
	old, ok := s.memories[id]
	if !ok {
		return
	}
	s.unindexMemory(old)
	delete(s.memories, id)
	delete(s.memBytes, id)
}

func (s *snapshot) unindexMemory(m *types.Memory) {
	for _, tag := range m.Tags {
		dropFromIndex(s.byTag, tag, m.ID)
	}
	old, ok := s.byStatus[m.Status]
	if !ok {
		return
	}
	set := cloneSet(old)
	delete(set, m.ID)
	if len(set) == 0 {
		delete(s.byStatus, m.Status)
	} else {
		s.byStatus[m.Status] = set
	}
}

// putRelation installs r, maintaining the endpoint index.
func (s *snapshot) putRelation(r *types.Relation, encodedLen int) {
	if old, ok := s.relations[r.ID]; ok {
		s.unindexRelation(old)
	}
	s.relations[r.ID] = r
	s.relBytes[r.ID] = encodedLen
	addToIndex(s.relByMem, r.FromID, r.ID)
	if r.ToID != r.FromID {
		addToIndex(s.relByMem, r.ToID, r.ID)
	}
}

// dropRelation removes the relation for id.
func (s *snapshot) dropRelation(id string) {
	old, ok := s.relations[id]
	if !ok {
		return
	}
	s.unindexRelation(old)
	delete(s.relations, id)
	delete(s.relBytes, id)
}

func (s *snapshot) unindexRelation(r *types.Relation) {
	dropFromIndex(s.relByMem, r.FromID, r.ID)
	if r.ToID != r.FromID {
		dropFromIndex(s.relByMem, r.ToID, r.ID)
	}
}

// relationsOf returns the ids of relations touching the given memory id.
func (s *snapshot) relationsOf(memID string) []string {
	set := s.relByMem[memID]
	if len(set) == 0 {
		return nil
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// liveMemoryBytes sums the encoded sizes of the latest live memory lines.
func (s *snapshot) liveMemoryBytes() int64 {
	var total int64
	for _, n := range s.memBytes {
		total += int64(n)
	}
	return total
}

// liveRelationBytes sums the encoded sizes of the latest live relation lines.
func (s *snapshot) liveRelationBytes() int64 {
	var total int64
	for _, n := range s.relBytes {
		total += int64(n)
	}
	return total
}
