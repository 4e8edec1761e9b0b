package engine

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/mnemexai/mnemex/internal/storage"
	"github.com/mnemexai/mnemex/pkg/types"
)

// NewMemoryID returns a fresh memory record id.
func NewMemoryID() string {
	return fmt.Sprintf("m-%s", uuid.NewString())
}

// NewRelationID returns a fresh relation id.
func NewRelationID() string {
	return fmt.Sprintf("r-%s", uuid.NewString())
}

// SaveMemoryRequest creates a new record.
type SaveMemoryRequest struct {
	Content  string   `json:"content"`
	Tags     []string `json:"tags,omitempty"`
	Entities []string `json:"entities,omitempty"`
	Source   string   `json:"source,omitempty"`
	Context  string   `json:"context,omitempty"`

	// Strength overrides the default of 1.0 when non-nil.
	Strength *float64 `json:"strength,omitempty"`

	// SkipEmbed suppresses the best-effort embedding call.
	SkipEmbed bool `json:"skip_embed,omitempty"`
}

// Search sources.
const (
	SourceSTM  = "stm"
	SourceLTM  = "ltm"
	SourceBoth = "both"
)

// Result kinds.
const (
	KindSTM    = "stm"
	KindLTM    = "ltm"
	KindReview = "review"
)

// SearchRequest queries one or both stores.
type SearchRequest struct {
	Query   string           `json:"query,omitempty"`
	Tags    []string         `json:"tags,omitempty"`
	TagMode storage.TagMatch `json:"tag_mode,omitempty"`

	// CreatedAfter / CreatedBefore bound STM candidates (epoch seconds).
	CreatedAfter  int64 `json:"created_after,omitempty"`
	CreatedBefore int64 `json:"created_before,omitempty"`

	MinScore float64 `json:"min_score,omitempty"`
	Limit    int     `json:"limit,omitempty"`

	// Sources selects stm, ltm, or both (the default).
	Sources string `json:"sources,omitempty"`
}

// SearchResult is one ranked hit. Exactly one of Memory / Note is set,
// according to Kind (review results carry a Memory).
type SearchResult struct {
	Kind   string         `json:"kind"`
	Score  float64        `json:"score"`
	Memory *types.Memory  `json:"memory,omitempty"`
	Note   *types.LTMNote `json:"note,omitempty"`
}

// TouchResult reports the score movement caused by a reinforcement.
type TouchResult struct {
	ID       string  `json:"id"`
	OldScore float64 `json:"old_score"`
	NewScore float64 `json:"new_score"`

	// CrossDomain is set when an observation granted the cross-domain
	// strength boost.
	CrossDomain bool    `json:"cross_domain,omitempty"`
	Strength    float64 `json:"strength"`
}

// CreateRelationRequest links two records.
type CreateRelationRequest struct {
	FromID   string         `json:"from_id"`
	ToID     string         `json:"to_id"`
	Type     string         `json:"relation_type"`
	Strength float64        `json:"strength,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// GraphNode pairs a record with its outgoing and incoming edges.
type GraphNode struct {
	Memory   *types.Memory     `json:"memory"`
	Outgoing []*types.Relation `json:"outgoing,omitempty"`
	Incoming []*types.Relation `json:"incoming,omitempty"`
}

// GraphResult is the relation neighborhood returned by ReadGraph. With a
// root id it contains the root plus its direct neighbors; without one it
// lists every relation in the store.
type GraphResult struct {
	Nodes     []*GraphNode      `json:"nodes,omitempty"`
	Relations []*types.Relation `json:"relations,omitempty"`
}

// OpenMemoriesRequest fetches specific records by id.
type OpenMemoriesRequest struct {
	IDs []string `json:"ids"`

	// NoTouch skips the implicit reinforcement of each opened record.
	NoTouch bool `json:"no_touch,omitempty"`
}

// GCOptions tunes a garbage-collection sweep.
type GCOptions struct {
	// DryRun reports what would happen without mutating anything.
	DryRun bool `json:"dry_run,omitempty"`

	// ArchiveInstead sets status=archived rather than tombstoning.
	ArchiveInstead bool `json:"archive_instead,omitempty"`
}

// GCReport summarizes a sweep.
type GCReport struct {
	Scanned   int      `json:"scanned"`
	Forgotten int      `json:"forgotten"`
	Archived  int      `json:"archived"`
	Pinned    int      `json:"pinned"`
	DryRun    bool     `json:"dry_run"`
	IDs       []string `json:"ids,omitempty"`
}

// PromotionResult reports one promoted record.
type PromotionResult struct {
	STMID       string `json:"stm_id"`
	WrittenPath string `json:"written_path"`

	// DryRun results carry the proposed body instead of touching disk.
	DryRun bool   `json:"dry_run,omitempty"`
	Body   string `json:"body,omitempty"`
}

// ConsolidateRequest merges a previously computed cluster.
type ConsolidateRequest struct {
	ClusterID string `json:"cluster_id"`
	Mode      string `json:"mode"` // preview | apply

	// Strategy selects the merge strategy; defaults to
	// deduplicate_and_merge.
	Strategy string `json:"strategy,omitempty"`

	// MergedContent supplies externally generated content for the
	// summarize / qa_extract strategies.
	MergedContent string `json:"merged_content,omitempty"`
}

// ConsolidateResult carries the proposal and, in apply mode, the new id.
type ConsolidateResult struct {
	Proposal *ConsolidationProposal `json:"proposal"`
	Applied  bool                   `json:"applied"`
	NewID    string                 `json:"new_id,omitempty"`
}

// EngineStats combines store accounting with the vault view.
type EngineStats struct {
	Store *storage.Stats `json:"store"`

	LTMNotes          int     `json:"ltm_notes"`
	LastVaultScanUnix int64   `json:"last_vault_scan_unix,omitempty"`
	LastVaultScanSecs float64 `json:"last_vault_scan_secs,omitempty"`
}
