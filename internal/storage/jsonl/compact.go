package jsonl

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/mnemexai/mnemex/internal/metrics"
	"github.com/mnemexai/mnemex/pkg/types"
)

// Compact rewrites both files keeping only the latest non-tombstoned line
// per id. The rewrite is built from an index snapshot without holding the
// writer mutex; appends racing the build are mirrored into a pending buffer
// and re-applied to the temp file during the brief commit phase, before the
// atomic rename.
func (s *Store) Compact(ctx context.Context) error {
	s.mu.Lock()
	if s.compacting {
		s.mu.Unlock()
		return fmt.Errorf("compaction already in progress")
	}
	s.compacting = true
	s.pendingMem = nil
	s.pendingRel = nil
	snap := s.snap.Load()
	s.mu.Unlock()

	committed := false
	defer func() {
		if !committed {
			s.mu.Lock()
			s.compacting = false
			s.pendingMem = nil
			s.pendingRel = nil
			s.mu.Unlock()
		}
	}()

	memTmp := s.memFile.Path() + ".tmp"
	relTmp := s.relFile.Path() + ".tmp"

	memLive, err := encodeLiveMemories(ctx, snap)
	if err != nil {
		return err
	}
	relLive, err := encodeLiveRelations(ctx, snap)
	if err != nil {
		return err
	}
	if err := writeTemp(memTmp, memLive); err != nil {
		return err
	}
	if err := writeTemp(relTmp, relLive); err != nil {
		os.Remove(memTmp)
		return err
	}

	// Commit phase: drain racing appends into the temps, then swap inodes.
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := appendTemp(memTmp, s.pendingMem); err != nil {
		os.Remove(memTmp)
		os.Remove(relTmp)
		return err
	}
	if err := appendTemp(relTmp, s.pendingRel); err != nil {
		os.Remove(memTmp)
		os.Remove(relTmp)
		return err
	}
	if err := s.memFile.ReplaceWith(memTmp); err != nil {
		os.Remove(memTmp)
		os.Remove(relTmp)
		return err
	}
	if err := s.relFile.ReplaceWith(relTmp); err != nil {
		os.Remove(relTmp)
		return err
	}
	if err := SyncDir(s.root); err != nil {
		return err
	}

	s.memStats = recount(len(memLive), s.pendingMem)
	s.relStats = recount(len(relLive), s.pendingRel)
	s.compacting = false
	s.pendingMem = nil
	s.pendingRel = nil
	committed = true

	metrics.CompactionsTotal.Inc()
	s.log.Info().
		Int("memory_lines", s.memStats.lines).
		Int("relation_lines", s.relStats.lines).
		Msg("compaction complete")
	return nil
}

// encodeLiveMemories returns one encoded line per live memory, ordered by
// created_at then id so compacted files read chronologically.
func encodeLiveMemories(ctx context.Context, snap *snapshot) ([][]byte, error) {
	records := make([]*types.Memory, 0, len(snap.memories))
	for _, m := range snap.memories {
		records = append(records, m)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt != records[j].CreatedAt {
			return records[i].CreatedAt < records[j].CreatedAt
		}
		return records[i].ID < records[j].ID
	})
	lines := make([][]byte, 0, len(records))
	for _, m := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("encode memory %s: %w", m.ID, err)
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// encodeLiveRelations is the relation counterpart of encodeLiveMemories.
func encodeLiveRelations(ctx context.Context, snap *snapshot) ([][]byte, error) {
	records := make([]*types.Relation, 0, len(snap.relations))
	for _, r := range snap.relations {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt != records[j].CreatedAt {
			return records[i].CreatedAt < records[j].CreatedAt
		}
		return records[i].ID < records[j].ID
	})
	lines := make([][]byte, 0, len(records))
	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("encode relation %s: %w", r.ID, err)
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// writeTemp creates (truncating) a temp file with the given lines and
// fsyncs it.
func writeTemp(path string, lines [][]byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	for _, line := range lines {
		if _, err := f.Write(append(line, '\n')); err != nil {
			f.Close()
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync %s: %w", path, err)
	}
	return f.Close()
}

// appendTemp re-applies buffered racing appends to the temp file.
func appendTemp(path string, lines [][]byte) error {
	if len(lines) == 0 {
		return nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	for _, line := range lines {
		if _, err := f.Write(append(line, '\n')); err != nil {
			f.Close()
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync %s: %w", path, err)
	}
	return f.Close()
}

// recount rebuilds file counters after a compaction: the live lines written
// plus whatever raced in during the build.
func recount(liveLines int, pending [][]byte) fileCounters {
	fc := fileCounters{lines: liveLines + len(pending), firstBadOff: -1}
	for _, line := range pending {
		var probe lineProbe
		if json.Unmarshal(line, &probe) == nil && probe.Tomb {
			fc.tombstones++
		}
	}
	return fc
}
