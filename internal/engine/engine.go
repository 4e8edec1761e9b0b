package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mnemexai/mnemex/internal/clock"
	"github.com/mnemexai/mnemex/internal/config"
	"github.com/mnemexai/mnemex/internal/embed"
	"github.com/mnemexai/mnemex/internal/metrics"
	"github.com/mnemexai/mnemex/internal/storage"
	"github.com/mnemexai/mnemex/internal/vault"
	"github.com/mnemexai/mnemex/pkg/log"
	"github.com/mnemexai/mnemex/pkg/types"
)

// Engine is the top-level service object: it owns the store handle, the
// vault index, the scoring machinery and the embedder guard, and exposes
// the operation surface. All state lives here or in the store; there are
// no package-level singletons.
type Engine struct {
	cfg      *config.Config
	store    storage.Store
	ltm      *vault.Index // nil when no vault is configured
	embedder *embed.Guard // nil when the host supplies no embedder
	clk      clock.Clock
	logger   zerolog.Logger

	scorer    *Scorer
	reviewer  *Reviewer
	clusterer *Clusterer

	// Clusters are ephemeral: a clustering result is held here so a
	// follow-up consolidate call can reference it by id.
	clusterMu sync.Mutex
	clusters  map[string]*Cluster
}

// New assembles an engine. store is required; ltm and embedFn are optional
// capabilities. A nil clk defaults to the system clock.
func New(cfg *config.Config, store storage.Store, ltm *vault.Index, embedFn embed.Func, clk clock.Clock) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if clk == nil {
		clk = clock.System{}
	}
	scorer, err := NewScorer(cfg.Decay, cfg.Lifecycle)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:       cfg,
		store:     store,
		ltm:       ltm,
		embedder: embed.NewGuard(embedFn, embed.Config{
			Timeout:    time.Duration(cfg.Embed.TimeoutSecs) * time.Second,
			RatePerSec: cfg.Embed.RatePerSec,
			CacheSize:  cfg.Embed.CacheSize,
		}),
		clk:       clk,
		logger:    log.WithComponent("engine"),
		scorer:    scorer,
		reviewer:  NewReviewer(scorer, cfg.Review),
		clusterer: NewClusterer(cfg.Cluster),
		clusters:  make(map[string]*Cluster),
	}, nil
}

// Scorer exposes the engine's scorer for callers that need raw scores.
func (e *Engine) Scorer() *Scorer { return e.scorer }

// LTMIndex exposes the vault index, or nil when no vault is configured.
func (e *Engine) LTMIndex() *vault.Index { return e.ltm }

// SaveMemory validates the request, assigns an id, embeds the content on a
// best-effort basis, and persists the record.
func (e *Engine) SaveMemory(ctx context.Context, req SaveMemoryRequest) (*types.Memory, error) {
	if req.Content == "" {
		return nil, fmt.Errorf("%w: content is required", storage.ErrInvalidInput)
	}
	strength := 1.0
	if req.Strength != nil {
		strength = *req.Strength
	}
	now := e.clk.Now().Unix()
	m := &types.Memory{
		ID:        NewMemoryID(),
		Content:   req.Content,
		Tags:      req.Tags,
		Entities:  req.Entities,
		Source:    req.Source,
		Context:   req.Context,
		CreatedAt: now,
		LastUsed:  now,
		UseCount:  1,
		Strength:  strength,
		Status:    types.StatusActive,
	}

	// Embedding runs before the store lock and never blocks a save: a
	// record without a vector still ranks lexically.
	if !req.SkipEmbed && e.embedder.Available() {
		if vec, err := e.embedder.Embed(ctx, req.Content); err == nil {
			m.Embed = vec
		} else if !errors.Is(err, context.Canceled) {
			e.logger.Debug().Err(err).Msg("save without embedding")
		}
	}

	if err := e.store.PutMemory(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// GetMemory returns a record by id.
func (e *Engine) GetMemory(ctx context.Context, id string) (*types.Memory, error) {
	return e.store.GetMemory(ctx, id)
}

// DeleteMemory tombstones a record and its relations.
func (e *Engine) DeleteMemory(ctx context.Context, id string) error {
	return e.store.DeleteMemory(ctx, id)
}

// TouchMemory reinforces a record: last_used moves to now, use_count
// increments, and an optional strength boost applies.
func (e *Engine) TouchMemory(ctx context.Context, id string, boostStrength bool) (*TouchResult, error) {
	return e.reinforce(ctx, id, boostStrength, nil)
}

// ObserveUsage is TouchMemory plus cross-domain detection: when the
// observation's context tags barely overlap the record's own tags, reuse
// in the new domain earns an extra strength boost.
func (e *Engine) ObserveUsage(ctx context.Context, ev types.ObservationEvent) (*TouchResult, error) {
	return e.reinforce(ctx, ev.MemoryID, false, ev.ContextTags)
}

// reinforce is the shared touch/observe path. contextTags non-nil marks an
// observation.
func (e *Engine) reinforce(ctx context.Context, id string, boostStrength bool, contextTags []string) (*TouchResult, error) {
	m, err := e.store.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}
	now := e.clk.Now()
	res := &TouchResult{ID: id, OldScore: e.scorer.Score(m, now)}

	m.LastUsed = now.Unix()
	m.UseCount++
	if boostStrength {
		m.Strength = capStrength(m.Strength + e.cfg.Lifecycle.StrengthBoostDelta)
	}
	if contextTags != nil {
		if Jaccard(contextTags, m.Tags) < e.cfg.Lifecycle.CrossDomainThreshold {
			m.Strength = capStrength(m.Strength + e.cfg.Lifecycle.CrossDomainBoostDelta)
			res.CrossDomain = true
		}
	}

	if err := e.store.PutMemory(ctx, m); err != nil {
		return nil, err
	}
	res.NewScore = e.scorer.Score(m, now)
	res.Strength = m.Strength
	return res, nil
}

func capStrength(s float64) float64 {
	if s > 2 {
		return 2
	}
	return s
}

// OpenMemories fetches specific records, counting each open as a touch
// unless NoTouch is set. Missing ids are skipped rather than failing the
// whole request.
func (e *Engine) OpenMemories(ctx context.Context, req OpenMemoriesRequest) ([]*types.Memory, error) {
	var out []*types.Memory
	for _, id := range req.IDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m, err := e.store.GetMemory(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if !req.NoTouch {
			if _, terr := e.TouchMemory(ctx, id, false); terr != nil && !errors.Is(terr, storage.ErrNotFound) {
				return nil, terr
			}
			if touched, gerr := e.store.GetMemory(ctx, id); gerr == nil {
				m = touched
			}
		}
		out = append(out, m)
	}
	return out, nil
}

// CreateRelation links two records.
func (e *Engine) CreateRelation(ctx context.Context, req CreateRelationRequest) (*types.Relation, error) {
	r := &types.Relation{
		ID:        NewRelationID(),
		FromID:    req.FromID,
		ToID:      req.ToID,
		Type:      req.Type,
		Strength:  req.Strength,
		CreatedAt: e.clk.Now().Unix(),
		Metadata:  req.Metadata,
	}
	if r.Type == "" {
		r.Type = types.RelationRelated
	}
	if err := e.store.PutRelation(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// ReadGraph returns the relation neighborhood of rootID, or every relation
// when rootID is empty.
func (e *Engine) ReadGraph(ctx context.Context, rootID string) (*GraphResult, error) {
	if rootID == "" {
		rels, err := e.store.ListRelations(ctx, "")
		if err != nil {
			return nil, err
		}
		return &GraphResult{Relations: rels}, nil
	}

	root, err := e.store.GetMemory(ctx, rootID)
	if err != nil {
		return nil, err
	}
	rels, err := e.store.ListRelations(ctx, rootID)
	if err != nil {
		return nil, err
	}

	rootNode := &GraphNode{Memory: root}
	neighborIDs := make(map[string]struct{})
	for _, r := range rels {
		if r.FromID == rootID {
			rootNode.Outgoing = append(rootNode.Outgoing, r)
			neighborIDs[r.ToID] = struct{}{}
		}
		if r.ToID == rootID {
			rootNode.Incoming = append(rootNode.Incoming, r)
			neighborIDs[r.FromID] = struct{}{}
		}
	}

	result := &GraphResult{Nodes: []*GraphNode{rootNode}, Relations: rels}
	ids := make([]string, 0, len(neighborIDs))
	for id := range neighborIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m, gerr := e.store.GetMemory(ctx, id)
		if gerr != nil {
			// Consolidation provenance may point at tombstoned sources.
			continue
		}
		result.Nodes = append(result.Nodes, &GraphNode{Memory: m})
	}
	return result, nil
}

// ClusterMemories clusters the current active records (optionally narrowed
// by tags) and caches the result so consolidation can reference a cluster
// by id.
func (e *Engine) ClusterMemories(ctx context.Context, tags []string) ([]*Cluster, error) {
	records, err := e.store.ListMemories(ctx, storage.MemoryFilter{
		Status: types.StatusActive,
		Tags:   tags,
	})
	if err != nil {
		return nil, err
	}
	clusters, err := e.clusterer.BuildClusters(ctx, records)
	if err != nil {
		return nil, err
	}

	e.clusterMu.Lock()
	e.clusters = make(map[string]*Cluster, len(clusters))
	for _, c := range clusters {
		e.clusters[c.ID] = c
	}
	e.clusterMu.Unlock()
	return clusters, nil
}

// ConsolidateMemories previews or applies a merge of a cached cluster.
// Apply commits the new record, the consolidated_from provenance
// relations, and the source tombstones as one batch.
func (e *Engine) ConsolidateMemories(ctx context.Context, req ConsolidateRequest) (*ConsolidateResult, error) {
	e.clusterMu.Lock()
	cluster, ok := e.clusters[req.ClusterID]
	e.clusterMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("cluster %s: %w", req.ClusterID, storage.ErrNotFound)
	}

	var sources []*types.Memory
	for _, id := range cluster.MemberIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m, err := e.store.GetMemory(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue // member deleted since clustering
			}
			return nil, err
		}
		sources = append(sources, m)
	}
	if len(sources) < 2 {
		return nil, fmt.Errorf("%w: cluster %s no longer has enough members", storage.ErrInvalidInput, req.ClusterID)
	}

	proposal, err := buildProposal(cluster, sources, req.Strategy, req.MergedContent)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	result := &ConsolidateResult{Proposal: proposal}

	if req.Mode != ConsolidateApply {
		return result, nil
	}

	now := e.clk.Now()
	merged := consolidatedMemory(proposal, sources, now)
	batch := &storage.Batch{PutMemories: []*types.Memory{merged}}
	for _, src := range sources {
		batch.PutRelations = append(batch.PutRelations, &types.Relation{
			ID:        NewRelationID(),
			FromID:    merged.ID,
			ToID:      src.ID,
			Type:      types.RelationConsolidatedFrom,
			Strength:  cluster.Cohesion,
			CreatedAt: now.Unix(),
		})
		batch.DeleteMemories = append(batch.DeleteMemories, src.ID)
	}
	if err := e.store.ApplyBatch(ctx, batch); err != nil {
		return nil, err
	}
	metrics.ConsolidationsTotal.Inc()

	e.clusterMu.Lock()
	delete(e.clusters, cluster.ID)
	e.clusterMu.Unlock()

	result.Applied = true
	result.NewID = merged.ID
	e.logger.Info().Str("new_id", merged.ID).Int("sources", len(sources)).Msg("cluster consolidated")
	return result, nil
}

// Stats returns combined store and vault statistics.
func (e *Engine) Stats(ctx context.Context) (*EngineStats, error) {
	st, err := e.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	out := &EngineStats{Store: st}
	if e.ltm != nil {
		out.LTMNotes = e.ltm.Count()
		if at, dur := e.ltm.LastScan(); !at.IsZero() {
			out.LastVaultScanUnix = at.Unix()
			out.LastVaultScanSecs = dur.Seconds()
		}
	}
	return out, nil
}

// Compact runs store compaction.
func (e *Engine) Compact(ctx context.Context) error {
	return e.store.Compact(ctx)
}

// RefreshLTM runs a full vault index refresh.
func (e *Engine) RefreshLTM(ctx context.Context) error {
	if e.ltm == nil {
		return fmt.Errorf("%w: no vault configured", storage.ErrExternalFailure)
	}
	return e.ltm.Refresh(ctx)
}

// Close releases the store and the vault index.
func (e *Engine) Close() error {
	var first error
	if err := e.store.Close(); err != nil {
		first = err
	}
	if e.ltm != nil {
		if err := e.ltm.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
