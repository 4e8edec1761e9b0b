package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mnemexai/mnemex/pkg/types"
)

// Consolidation modes.
const (
	ConsolidatePreview = "preview"
	ConsolidateApply   = "apply"
)

// Merge strategies. Only deduplicate_and_merge runs in-process; the others
// name an external helper and require pre-generated merged content.
const (
	MergeDeduplicate = "deduplicate_and_merge"
	MergeSummarize   = "summarize"
	MergeQAExtract   = "qa_extract"
)

// ConsolidationProposal describes how a cluster would merge, including the
// diff of retained vs discarded sentence-level text.
type ConsolidationProposal struct {
	ClusterID         string   `json:"cluster_id"`
	Strategy          string   `json:"strategy"`
	MergedContent     string   `json:"merged_content"`
	MergedTags        []string `json:"merged_tags"`
	MergedEntities    []string `json:"merged_entities"`
	NewStrength       float64  `json:"new_strength"`
	EarliestCreatedAt int64    `json:"earliest_created_at"`
	LatestLastUsed    int64    `json:"latest_last_used"`
	Provenance        []string `json:"provenance"`
	Retained          []string `json:"retained"`
	Discarded         []string `json:"discarded"`
}

// buildProposal merges the cluster's sources. Sources must be non-empty;
// they are processed in timestamp order regardless of input order. When
// mergedOverride is non-empty (an externally generated merge for the
// summarize / qa_extract strategies) it is used verbatim and the diff is
// left empty.
func buildProposal(cluster *Cluster, sources []*types.Memory, strategy, mergedOverride string) (*ConsolidationProposal, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("cluster %s has no resolvable members", cluster.ID)
	}
	if strategy == "" {
		strategy = MergeDeduplicate
	}

	ordered := make([]*types.Memory, len(sources))
	copy(ordered, sources)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].CreatedAt != ordered[j].CreatedAt {
			return ordered[i].CreatedAt < ordered[j].CreatedAt
		}
		return ordered[i].ID < ordered[j].ID
	})

	p := &ConsolidationProposal{
		ClusterID:         cluster.ID,
		Strategy:          strategy,
		EarliestCreatedAt: ordered[0].CreatedAt,
		NewStrength:       consolidatedStrength(ordered, cluster.Cohesion),
	}

	tagSet := make(map[string]struct{})
	entitySet := make(map[string]struct{})
	for _, src := range ordered {
		p.Provenance = append(p.Provenance, src.ID)
		if src.LastUsed > p.LatestLastUsed {
			p.LatestLastUsed = src.LastUsed
		}
		for _, tag := range src.Tags {
			tagSet[tag] = struct{}{}
		}
		for _, ent := range src.Entities {
			entitySet[ent] = struct{}{}
		}
	}
	p.MergedTags = sortedKeys(tagSet)
	p.MergedEntities = sortedKeys(entitySet)

	switch strategy {
	case MergeDeduplicate:
		p.Retained, p.Discarded = dedupeSentences(ordered)
		p.MergedContent = strings.Join(p.Retained, "\n\n")
	case MergeSummarize, MergeQAExtract:
		if mergedOverride == "" {
			return nil, fmt.Errorf("strategy %s requires pre-generated merged content", strategy)
		}
		p.MergedContent = mergedOverride
	default:
		return nil, fmt.Errorf("unknown merge strategy %q", strategy)
	}
	if p.MergedContent == "" {
		return nil, fmt.Errorf("cluster %s merged to empty content", cluster.ID)
	}
	return p, nil
}

// consolidatedStrength scales the strongest source by cluster cohesion:
// min(2.0, max(strengths) * (1 + (cohesion - 0.75) / 0.5)).
func consolidatedStrength(sources []*types.Memory, cohesion float64) float64 {
	var maxStrength float64
	for _, src := range sources {
		if src.Strength > maxStrength {
			maxStrength = src.Strength
		}
	}
	strength := maxStrength * (1 + (cohesion-0.75)/0.5)
	if strength > 2 {
		strength = 2
	}
	if strength < 0 {
		strength = 0
	}
	return strength
}

// dedupeSentences sentence-splits each source in timestamp order and keeps
// the first occurrence of each normalized sentence.
func dedupeSentences(ordered []*types.Memory) (retained, discarded []string) {
	seen := make(map[string]struct{})
	for _, src := range ordered {
		for _, sentence := range splitSentences(src.Content) {
			key := types.NormalizeContent(sentence)
			if key == "" {
				continue
			}
			if _, dup := seen[key]; dup {
				discarded = append(discarded, sentence)
				continue
			}
			seen[key] = struct{}{}
			retained = append(retained, sentence)
		}
	}
	return retained, discarded
}

// splitSentences breaks text into sentences: paragraph breaks always
// split, and within a line a terminator (. ! ?) followed by whitespace
// splits.
func splitSentences(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		start := 0
		runes := []rune(line)
		for i := 0; i < len(runes); i++ {
			if runes[i] != '.' && runes[i] != '!' && runes[i] != '?' {
				continue
			}
			if i+1 < len(runes) && !isSpace(runes[i+1]) {
				continue
			}
			sentence := strings.TrimSpace(string(runes[start : i+1]))
			if sentence != "" {
				out = append(out, sentence)
			}
			start = i + 1
		}
		if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
			out = append(out, tail)
		}
	}
	return out
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t'
}

// consolidatedMemory materializes the proposal as a new record with a fresh
// id, carrying the earliest source created_at and the latest source
// last_used. Use counts accumulate across sources so the merged record keeps
// the usage evidence that made its parts valuable.
func consolidatedMemory(p *ConsolidationProposal, sources []*types.Memory, now time.Time) *types.Memory {
	useCount := 0
	for _, src := range sources {
		useCount += src.UseCount
	}
	lastUsed := p.LatestLastUsed
	if lastUsed < p.EarliestCreatedAt {
		lastUsed = p.EarliestCreatedAt
	}
	return &types.Memory{
		ID:        NewMemoryID(),
		Content:   p.MergedContent,
		Tags:      p.MergedTags,
		Entities:  p.MergedEntities,
		Source:    "consolidation",
		CreatedAt: p.EarliestCreatedAt,
		LastUsed:  lastUsed,
		UseCount:  useCount,
		Strength:  p.NewStrength,
		Status:    types.StatusActive,
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
