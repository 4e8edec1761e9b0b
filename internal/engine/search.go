package engine

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/mnemexai/mnemex/internal/embed"
	"github.com/mnemexai/mnemex/internal/storage"
	"github.com/mnemexai/mnemex/pkg/types"
)

// Source-specific rank weights: a short-term hit outranks an equally
// similar vault note because it carries live reinforcement metadata.
const (
	stmRankWeight = 1.0
	ltmRankWeight = 0.8
)

const defaultSearchLimit = 10

// SearchMemory searches the short-term store only.
func (e *Engine) SearchMemory(ctx context.Context, req SearchRequest) ([]SearchResult, error) {
	req.Sources = SourceSTM
	return e.SearchUnified(ctx, req)
}

// SearchUnified runs the blended search across the short-term store and
// the vault index. Ranking uses embedding cosine similarity when both a
// query vector and record vectors are available, and degrades to
// lexical-plus-decay ranking otherwise. Up to blend_ratio of the result
// slots are given to review candidates from the decay danger zone.
func (e *Engine) SearchUnified(ctx context.Context, req SearchRequest) ([]SearchResult, error) {
	k := req.Limit
	if k <= 0 {
		k = defaultSearchLimit
	}
	sources := req.Sources
	if sources == "" {
		sources = SourceBoth
	}
	now := e.clk.Now()

	// The query vector is computed once, outside any store lock. Embedder
	// failure is not search failure; ranking falls back to lexical.
	var queryVec []float32
	if req.Query != "" && e.embedder.Available() {
		if vec, err := e.embedder.Embed(ctx, req.Query); err == nil {
			queryVec = vec
		}
	}

	var raw []SearchResult
	var stmCandidates []*types.Memory
	promotedPaths := make(map[string]struct{})

	if sources == SourceSTM || sources == SourceBoth {
		var err error
		stmCandidates, err = e.stmCandidates(ctx, req)
		if err != nil {
			return nil, err
		}
		for _, m := range stmCandidates {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if m.PromotedTo != "" {
				promotedPaths[m.PromotedTo] = struct{}{}
			}
			score := e.scorer.Score(m, now)
			if score < req.MinScore {
				continue
			}
			if queryVec == nil && req.Query != "" && !containsFold(m.Content, req.Query) {
				continue
			}
			rank := score
			if queryVec != nil && len(m.Embed) > 0 {
				rank = stmRankWeight * embed.Cosine(queryVec, m.Embed)
			}
			raw = append(raw, SearchResult{Kind: KindSTM, Score: rank, Memory: m})
		}
	}

	if (sources == SourceLTM || sources == SourceBoth) && e.ltm != nil {
		notes, err := e.ltmCandidates(ctx, req, queryVec, now)
		if err != nil {
			return nil, err
		}
		for _, res := range notes {
			// A promoted record supersedes its own vault note in results.
			if _, dup := promotedPaths[res.Note.Path]; dup {
				continue
			}
			raw = append(raw, res)
		}
	}

	sort.SliceStable(raw, func(i, j int) bool { return raw[i].Score > raw[j].Score })

	if sources == SourceLTM {
		if len(raw) > k {
			raw = raw[:k]
		}
		return raw, nil
	}
	return e.blendReview(ctx, raw, stmCandidates, k, now)
}

// stmCandidates runs the index-filtered listing across the searchable
// lifecycle states. Promoted records are included so they can supersede
// their vault notes.
func (e *Engine) stmCandidates(ctx context.Context, req SearchRequest) ([]*types.Memory, error) {
	var out []*types.Memory
	for _, status := range []types.Status{types.StatusActive, types.StatusPromoted} {
		records, err := e.store.ListMemories(ctx, storage.MemoryFilter{
			Status:        status,
			Tags:          req.Tags,
			TagMode:       req.TagMode,
			CreatedAfter:  req.CreatedAfter,
			CreatedBefore: req.CreatedBefore,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, records...)
	}
	return out, nil
}

// ltmCandidates filters and ranks vault notes. With a query vector, each
// candidate's snippet is embedded (cached by content) and ranked by
// cosine; otherwise recency stands in, mapped through the decay curve so
// short- and long-term ranks stay on one scale.
func (e *Engine) ltmCandidates(ctx context.Context, req SearchRequest, queryVec []float32, now time.Time) ([]SearchResult, error) {
	var out []SearchResult
	for _, note := range e.ltm.List() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(req.Tags) > 0 && !tagsIntersect(note.Tags, req.Tags) {
			continue
		}
		if req.Query != "" && !noteMatches(note, req.Query) {
			continue
		}
		rank := ltmRankWeight * e.scorer.Factor(now.Sub(time.Unix(0, note.MtimeNS)).Seconds())
		if queryVec != nil && note.Snippet != "" {
			if vec, err := e.embedder.Embed(ctx, note.Snippet); err == nil {
				rank = ltmRankWeight * embed.Cosine(queryVec, vec)
			}
		}
		out = append(out, SearchResult{Kind: KindLTM, Score: rank, Note: note})
	}
	return out, nil
}

// blendReview reserves up to blend_ratio of the k slots for danger-zone
// review candidates absent from the raw results, tagging them so callers
// can surface them as worth revisiting.
func (e *Engine) blendReview(ctx context.Context, raw []SearchResult, stmCandidates []*types.Memory, k int, now time.Time) ([]SearchResult, error) {
	slots := e.reviewer.BlendSlots(k)
	if slots == 0 {
		if len(raw) > k {
			raw = raw[:k]
		}
		return raw, nil
	}

	inRaw := make(map[string]struct{}, len(raw))
	for _, res := range raw {
		if res.Memory != nil {
			inRaw[res.Memory.ID] = struct{}{}
		}
	}

	type reviewHit struct {
		m        *types.Memory
		priority float64
	}
	var review []reviewHit
	for _, m := range stmCandidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, dup := inRaw[m.ID]; dup {
			continue
		}
		if p := e.reviewer.Priority(m, now); p > 0 {
			review = append(review, reviewHit{m: m, priority: p})
		}
	}
	sort.Slice(review, func(i, j int) bool {
		if review[i].priority != review[j].priority {
			return review[i].priority > review[j].priority
		}
		return review[i].m.ID < review[j].m.ID
	})
	if len(review) > slots {
		review = review[:slots]
	}

	keep := k - len(review)
	if keep < 0 {
		keep = 0
	}
	if len(raw) > keep {
		raw = raw[:keep]
	}
	for _, hit := range review {
		raw = append(raw, SearchResult{Kind: KindReview, Score: hit.priority, Memory: hit.m})
	}
	if len(raw) > k {
		raw = raw[:k]
	}
	return raw, nil
}

// containsFold is a case-insensitive substring match.
func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// noteMatches checks the query against title, aliases and snippet.
func noteMatches(note *types.LTMNote, query string) bool {
	if containsFold(note.Title, query) || containsFold(note.Snippet, query) {
		return true
	}
	for _, alias := range note.Aliases {
		if containsFold(alias, query) {
			return true
		}
	}
	return false
}

// tagsIntersect reports whether the sets share at least one tag.
func tagsIntersect(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, t := range a {
		set[t] = struct{}{}
	}
	for _, t := range b {
		if _, ok := set[t]; ok {
			return true
		}
	}
	return false
}
