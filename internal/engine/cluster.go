package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"regexp"
	"sort"

	"github.com/google/uuid"

	"github.com/mnemexai/mnemex/internal/config"
	"github.com/mnemexai/mnemex/internal/embed"
	"github.com/mnemexai/mnemex/pkg/types"
)

// Clustering strategies.
const (
	StrategySimilarity = "similarity"
	StrategyTagOverlap = "tag_overlap"
	StrategyTemporal   = "temporal"
	StrategyHybrid     = "hybrid"
)

// Cluster classifications.
const (
	ClassAutoMerge    = "auto_merge"
	ClassReview       = "review"
	ClassKeepSeparate = "keep_separate"
)

// Cluster is a group of near-duplicate memories proposed for
// consolidation.
type Cluster struct {
	ID             string   `json:"id"`
	MemberIDs      []string `json:"member_ids"`
	Cohesion       float64  `json:"cohesion"`
	Classification string   `json:"classification"`
}

// classify maps cohesion to the review disposition.
func classify(cohesion float64) string {
	switch {
	case cohesion >= 0.9:
		return ClassAutoMerge
	case cohesion >= 0.75:
		return ClassReview
	default:
		return ClassKeepSeparate
	}
}

const (
	shingleK    = 5
	minhashSize = 64
)

// minhashSeeds are fixed per-row mixers so signatures are stable across
// runs and processes.
var minhashSeeds = func() [minhashSize]uint64 {
	var seeds [minhashSize]uint64
	state := uint64(0x9e3779b97f4a7c15)
	for i := range seeds {
		state = splitmix64(state)
		seeds[i] = state
	}
	return seeds
}()

// splitmix64 is the finalizer-style mixer used to derive hash rows.
func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	z := x
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// urlQueryRe strips query strings from URLs before shingling, so tracking
// parameters do not defeat duplicate detection.
var urlQueryRe = regexp.MustCompile(`(https?://[^\s?]+)\?\S*`)

// normalizeForCluster extends the store normalization with URL query
// stripping.
func normalizeForCluster(content string) string {
	return types.NormalizeContent(urlQueryRe.ReplaceAllString(content, "$1"))
}

// minhashSignature computes a MinHash signature over k-character shingles
// of the normalized text. Short texts fall back to a single whole-text
// shingle.
func minhashSignature(normalized string) [minhashSize]uint64 {
	var sig [minhashSize]uint64
	for i := range sig {
		sig[i] = ^uint64(0)
	}
	emit := func(shingle string) {
		h := fnv.New64a()
		h.Write([]byte(shingle))
		base := h.Sum64()
		for i := range sig {
			mixed := splitmix64(base ^ minhashSeeds[i])
			if mixed < sig[i] {
				sig[i] = mixed
			}
		}
	}
	runes := []rune(normalized)
	if len(runes) < shingleK {
		if len(runes) > 0 {
			emit(string(runes))
		}
		return sig
	}
	for i := 0; i+shingleK <= len(runes); i++ {
		emit(string(runes[i : i+shingleK]))
	}
	return sig
}

// minhashEstimate estimates the Jaccard similarity of two signatures.
func minhashEstimate(a, b [minhashSize]uint64) float64 {
	match := 0
	for i := range a {
		if a[i] == b[i] {
			match++
		}
	}
	return float64(match) / float64(minhashSize)
}

// clusterItem caches the per-record derived values used by pairwise
// similarity.
type clusterItem struct {
	mem        *types.Memory
	normalized string
	hash       string
	sig        [minhashSize]uint64
}

// Clusterer groups memories into near-duplicate clusters with
// single-linkage connected components under a size cap.
type Clusterer struct {
	cfg config.ClusterConfig
}

// NewClusterer returns a Clusterer for the given configuration.
func NewClusterer(cfg config.ClusterConfig) *Clusterer {
	return &Clusterer{cfg: cfg}
}

// similarity computes the configured pairwise similarity for two items.
func (c *Clusterer) similarity(a, b *clusterItem) float64 {
	switch c.cfg.Strategy {
	case StrategyTagOverlap:
		return Jaccard(a.mem.Tags, b.mem.Tags)
	case StrategyTemporal:
		return c.temporal(a, b)
	case StrategyHybrid:
		return 0.6*c.semantic(a, b) + 0.25*Jaccard(a.mem.Tags, b.mem.Tags) + 0.15*c.temporal(a, b)
	default: // StrategySimilarity
		return c.semantic(a, b)
	}
}

// semantic prefers embedding cosine when both sides carry vectors, falling
// back to the MinHash Jaccard estimate.
func (c *Clusterer) semantic(a, b *clusterItem) float64 {
	if len(a.mem.Embed) > 0 && len(b.mem.Embed) > 0 {
		return embed.Cosine(a.mem.Embed, b.mem.Embed)
	}
	return minhashEstimate(a.sig, b.sig)
}

func (c *Clusterer) temporal(a, b *clusterItem) float64 {
	d := a.mem.CreatedAt - b.mem.CreatedAt
	if d < 0 {
		d = -d
	}
	if d < c.cfg.TemporalWindowSecs {
		return 1
	}
	return 0
}

// BuildClusters groups the given records. Exact duplicates (by normalized
// content hash) auto-cluster with cohesion 1.0; the remainder is linked by
// pairwise similarity at or above the link threshold, capped at the
// configured cluster size by dropping the weakest edges first.
func (c *Clusterer) BuildClusters(ctx context.Context, records []*types.Memory) ([]*Cluster, error) {
	items := make([]*clusterItem, 0, len(records))
	for _, m := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		normalized := normalizeForCluster(m.Content)
		items = append(items, &clusterItem{
			mem:        m,
			normalized: normalized,
			hash:       types.ContentHash(normalized),
			sig:        minhashSignature(normalized),
		})
	}

	var clusters []*Cluster

	// Exact-duplicate prefilter.
	byHash := make(map[string][]*clusterItem)
	for _, it := range items {
		byHash[it.hash] = append(byHash[it.hash], it)
	}
	var rest []*clusterItem
	hashes := make([]string, 0, len(byHash))
	for h := range byHash {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)
	for _, h := range hashes {
		group := byHash[h]
		if len(group) < 2 {
			rest = append(rest, group...)
			continue
		}
		ids := make([]string, len(group))
		for i, it := range group {
			ids[i] = it.mem.ID
		}
		sort.Strings(ids)
		clusters = append(clusters, &Cluster{
			ID:             newClusterID(),
			MemberIDs:      ids,
			Cohesion:       1.0,
			Classification: ClassAutoMerge,
		})
	}

	linked, err := c.linkClusters(ctx, rest)
	if err != nil {
		return nil, err
	}
	clusters = append(clusters, linked...)
	return clusters, nil
}

// edge is one candidate link in the similarity graph.
type edge struct {
	i, j int
	sim  float64
}

// linkClusters runs the pairwise similarity stage: threshold graph, size
// cap via strongest-edge-first union, single-linkage components.
func (c *Clusterer) linkClusters(ctx context.Context, items []*clusterItem) ([]*Cluster, error) {
	n := len(items)
	if n < 2 {
		return nil, nil
	}

	sims := make([][]float64, n)
	for i := range sims {
		sims[i] = make([]float64, n)
	}
	var edges []edge
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for j := i + 1; j < n; j++ {
			sim := c.similarity(items[i], items[j])
			sims[i][j] = sim
			sims[j][i] = sim
			if sim >= c.cfg.LinkThreshold {
				edges = append(edges, edge{i: i, j: j, sim: sim})
			}
		}
	}

	// Strongest links first; refusing a union that would exceed the size
	// cap is equivalent to breaking the weakest edges of the oversized
	// component.
	sort.Slice(edges, func(a, b int) bool {
		if edges[a].sim != edges[b].sim {
			return edges[a].sim > edges[b].sim
		}
		if edges[a].i != edges[b].i {
			return edges[a].i < edges[b].i
		}
		return edges[a].j < edges[b].j
	})

	parent := make([]int, n)
	size := make([]int, n)
	for i := range parent {
		parent[i] = i
		size[i] = 1
	}
	var find func(int) int
	find = func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	for _, e := range edges {
		ri, rj := find(e.i), find(e.j)
		if ri == rj {
			continue
		}
		if size[ri]+size[rj] > c.cfg.MaxClusterSize {
			continue
		}
		parent[rj] = ri
		size[ri] += size[rj]
	}

	members := make(map[int][]int)
	for i := 0; i < n; i++ {
		root := find(i)
		members[root] = append(members[root], i)
	}
	roots := make([]int, 0, len(members))
	for root := range members {
		roots = append(roots, root)
	}
	sort.Ints(roots)

	var clusters []*Cluster
	for _, root := range roots {
		group := members[root]
		if len(group) < 2 {
			continue
		}
		cohesion := meanPairwise(sims, group)
		ids := make([]string, len(group))
		for i, idx := range group {
			ids[i] = items[idx].mem.ID
		}
		sort.Strings(ids)
		clusters = append(clusters, &Cluster{
			ID:             newClusterID(),
			MemberIDs:      ids,
			Cohesion:       cohesion,
			Classification: classify(cohesion),
		})
	}
	return clusters, nil
}

// meanPairwise averages the similarity over every member pair.
func meanPairwise(sims [][]float64, group []int) float64 {
	if len(group) < 2 {
		return 0
	}
	var total float64
	pairs := 0
	for a := 0; a < len(group); a++ {
		for b := a + 1; b < len(group); b++ {
			total += sims[group[a]][group[b]]
			pairs++
		}
	}
	return total / float64(pairs)
}

func newClusterID() string {
	return fmt.Sprintf("c-%s", uuid.NewString())
}
