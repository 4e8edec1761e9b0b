package engine

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemexai/mnemex/internal/clock"
	"github.com/mnemexai/mnemex/internal/config"
	"github.com/mnemexai/mnemex/internal/storage"
	"github.com/mnemexai/mnemex/internal/storage/jsonl"
	"github.com/mnemexai/mnemex/internal/vault"
	"github.com/mnemexai/mnemex/pkg/types"
)

// newTestEngine builds a full engine over a temp store and vault with a
// manual clock pinned to a fixed instant.
func newTestEngine(t *testing.T) (*Engine, *clock.Manual, string) {
	t.Helper()

	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	cfg.Decay.Model = "exponential"
	cfg.Decay.HalfLifeDays = 3
	cfg.Storage.Root = t.TempDir()
	cfg.Storage.VaultPath = t.TempDir()
	cfg.Storage.PromotionSubdir = "memories"

	clk := clock.NewManual(time.Unix(1736275200, 0))
	store, err := jsonl.Open(cfg.Storage.Root, jsonl.Options{Clock: clk})
	require.NoError(t, err)

	ltm, err := vault.OpenIndex(filepath.Join(cfg.Storage.Root, "ltm_index.jsonl"), cfg.Storage.VaultPath)
	require.NoError(t, err)

	eng, err := New(cfg, store, ltm, nil, clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng, clk, cfg.Storage.VaultPath
}

func TestSaveAndGet(t *testing.T) {
	eng, clk, _ := newTestEngine(t)
	ctx := context.Background()

	m, err := eng.SaveMemory(ctx, SaveMemoryRequest{
		Content: "I prefer TypeScript",
		Tags:    []string{"preferences", "typescript"},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(m.ID, "m-"))
	assert.Equal(t, types.StatusActive, m.Status)
	assert.Equal(t, clk.Now().Unix(), m.CreatedAt)
	assert.Equal(t, 1, m.UseCount)
	assert.Equal(t, 1.0, m.Strength)

	got, err := eng.GetMemory(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.Content, got.Content)
}

func TestTouchMonotonicallyIncreasesScore(t *testing.T) {
	eng, clk, _ := newTestEngine(t)
	ctx := context.Background()

	m, err := eng.SaveMemory(ctx, SaveMemoryRequest{Content: "touch me"})
	require.NoError(t, err)

	clk.Advance(48 * time.Hour)
	res, err := eng.TouchMemory(ctx, m.ID, false)
	require.NoError(t, err)
	assert.Greater(t, res.NewScore, res.OldScore, "touch must raise the score")

	got, err := eng.GetMemory(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.UseCount)
	assert.Equal(t, clk.Now().Unix(), got.LastUsed)
	assert.GreaterOrEqual(t, got.LastUsed, got.CreatedAt)

	_, err = eng.TouchMemory(ctx, "m-missing", false)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTouchWithStrengthBoost(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	m, err := eng.SaveMemory(ctx, SaveMemoryRequest{Content: "boost me"})
	require.NoError(t, err)

	res, err := eng.TouchMemory(ctx, m.ID, true)
	require.NoError(t, err)
	assert.InDelta(t, 1.1, res.Strength, 1e-9)

	// Strength caps at 2.0 no matter how often it is boosted.
	for i := 0; i < 20; i++ {
		res, err = eng.TouchMemory(ctx, m.ID, true)
		require.NoError(t, err)
	}
	assert.Equal(t, 2.0, res.Strength)
}

func TestObserveCrossDomainBoost(t *testing.T) {
	eng, clk, _ := newTestEngine(t)
	ctx := context.Background()

	m, err := eng.SaveMemory(ctx, SaveMemoryRequest{
		Content: "JWTs should be short-lived",
		Tags:    []string{"security", "jwt"},
	})
	require.NoError(t, err)

	clk.Advance(time.Hour)
	res, err := eng.ObserveUsage(ctx, types.ObservationEvent{
		MemoryID:    m.ID,
		ObservedAt:  clk.Now().Unix(),
		ContextTags: []string{"api", "frontend"},
	})
	require.NoError(t, err)
	assert.True(t, res.CrossDomain, "disjoint context tags should trigger the cross-domain boost")
	assert.InDelta(t, 1.15, res.Strength, 1e-9)

	got, err := eng.GetMemory(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.UseCount)
	assert.Equal(t, clk.Now().Unix(), got.LastUsed)

	// An in-domain observation reinforces without the extra boost.
	res, err = eng.ObserveUsage(ctx, types.ObservationEvent{
		MemoryID:    m.ID,
		ContextTags: []string{"security", "jwt", "auth"},
	})
	require.NoError(t, err)
	assert.False(t, res.CrossDomain)
	assert.InDelta(t, 1.15, res.Strength, 1e-9)
}

func TestGCForgetsDecayedButNotPinned(t *testing.T) {
	eng, clk, _ := newTestEngine(t)
	ctx := context.Background()

	weak, err := eng.SaveMemory(ctx, SaveMemoryRequest{Content: "fleeting thought"})
	require.NoError(t, err)
	pinnedStrength := 1.9
	pinned, err := eng.SaveMemory(ctx, SaveMemoryRequest{Content: "pinned forever", Strength: &pinnedStrength})
	require.NoError(t, err)

	clk.Advance(30 * 24 * time.Hour)
	fresh, err := eng.SaveMemory(ctx, SaveMemoryRequest{Content: "brand new"})
	require.NoError(t, err)

	report, err := eng.GC(ctx, GCOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, 1, report.Forgotten)
	assert.Equal(t, 1, report.Pinned)

	// Dry run mutates nothing.
	_, err = eng.GetMemory(ctx, weak.ID)
	require.NoError(t, err)

	report, err = eng.GC(ctx, GCOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Forgotten)

	_, err = eng.GetMemory(ctx, weak.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = eng.GetMemory(ctx, pinned.ID)
	assert.NoError(t, err, "pinned record survives GC")
	_, err = eng.GetMemory(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestGCArchiveInstead(t *testing.T) {
	eng, clk, _ := newTestEngine(t)
	ctx := context.Background()

	m, err := eng.SaveMemory(ctx, SaveMemoryRequest{Content: "to the archive"})
	require.NoError(t, err)
	clk.Advance(60 * 24 * time.Hour)

	report, err := eng.GC(ctx, GCOptions{ArchiveInstead: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Archived)

	got, err := eng.GetMemory(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusArchived, got.Status)
}

func TestPromotionWritesNoteAndRedirect(t *testing.T) {
	eng, clk, vaultDir := newTestEngine(t)
	ctx := context.Background()

	m, err := eng.SaveMemory(ctx, SaveMemoryRequest{
		Content: "I prefer TypeScript over JavaScript for all new projects.",
		Tags:    []string{"preferences", "typescript"},
	})
	require.NoError(t, err)

	res, err := eng.PromoteMemory(ctx, m.ID, false)
	require.NoError(t, err)
	assert.Equal(t, m.ID, res.STMID)
	assert.True(t, strings.HasPrefix(res.WrittenPath, "memories/"))
	assert.True(t, strings.HasSuffix(res.WrittenPath, ".md"))

	data, err := os.ReadFile(filepath.Join(vaultDir, filepath.FromSlash(res.WrittenPath)))
	require.NoError(t, err)
	body := string(data)
	assert.True(t, strings.HasPrefix(body, "---\n"))
	assert.Contains(t, body, "id: "+m.ID)
	assert.Contains(t, body, "promoted_from: stm")
	assert.Contains(t, body, "I prefer TypeScript over JavaScript")

	got, err := eng.GetMemory(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPromoted, got.Status)
	assert.Equal(t, res.WrittenPath, got.PromotedTo)
	require.NotNil(t, got.PromotedAt)
	assert.Equal(t, clk.Now().Unix(), *got.PromotedAt)

	// A second promotion of the same record is rejected.
	_, err = eng.PromoteMemory(ctx, m.ID, false)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestPromotionDryRunHasNoSideEffects(t *testing.T) {
	eng, _, vaultDir := newTestEngine(t)
	ctx := context.Background()

	m, err := eng.SaveMemory(ctx, SaveMemoryRequest{Content: "maybe later"})
	require.NoError(t, err)

	before, err := eng.Stats(ctx)
	require.NoError(t, err)

	res, err := eng.PromoteMemory(ctx, m.ID, true)
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.NotEmpty(t, res.Body)
	assert.NotEmpty(t, res.WrittenPath)

	after, err := eng.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Store.Memories.TotalLines, after.Store.Memories.TotalLines)

	entries, err := os.ReadDir(vaultDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "dry run must not touch the vault")

	got, err := eng.GetMemory(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, got.Status)
}

func TestPromoteAutoByUseCount(t *testing.T) {
	eng, clk, _ := newTestEngine(t)
	ctx := context.Background()

	m, err := eng.SaveMemory(ctx, SaveMemoryRequest{Content: "recurring theme"})
	require.NoError(t, err)
	idle, err := eng.SaveMemory(ctx, SaveMemoryRequest{Content: "barely used"})
	require.NoError(t, err)

	// Touch on days 1, 2, 4, 6, 7: use_count reaches 6 within the window.
	for _, day := range []int{1, 1, 2, 2, 1} {
		clk.Advance(time.Duration(day) * 24 * time.Hour)
		_, err = eng.TouchMemory(ctx, m.ID, false)
		require.NoError(t, err)
	}

	// Seven days in, the idle record has decayed out of promotion range
	// while the touched one is still inside its two-week window.
	results, err := eng.PromoteAuto(ctx, false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, m.ID, results[0].STMID)

	_, err = eng.GetMemory(ctx, idle.ID)
	require.NoError(t, err)
}

func TestConsolidateEndToEnd(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	a, err := eng.SaveMemory(ctx, SaveMemoryRequest{Content: "Deploys happen every Friday afternoon"})
	require.NoError(t, err)
	b, err := eng.SaveMemory(ctx, SaveMemoryRequest{Content: "Deploys happen every friday afternoon"})
	require.NoError(t, err)

	clusters, err := eng.ClusterMemories(ctx, nil)
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Equal(t, ClassAutoMerge, clusters[0].Classification)

	preview, err := eng.ConsolidateMemories(ctx, ConsolidateRequest{
		ClusterID: clusters[0].ID,
		Mode:      ConsolidatePreview,
	})
	require.NoError(t, err)
	assert.False(t, preview.Applied)
	assert.NotEmpty(t, preview.Proposal.MergedContent)

	// Preview has no side effects.
	_, err = eng.GetMemory(ctx, a.ID)
	require.NoError(t, err)

	applied, err := eng.ConsolidateMemories(ctx, ConsolidateRequest{
		ClusterID: clusters[0].ID,
		Mode:      ConsolidateApply,
	})
	require.NoError(t, err)
	assert.True(t, applied.Applied)
	require.NotEmpty(t, applied.NewID)

	merged, err := eng.GetMemory(ctx, applied.NewID)
	require.NoError(t, err)
	assert.Equal(t, 2, merged.UseCount)

	for _, id := range []string{a.ID, b.ID} {
		_, err = eng.GetMemory(ctx, id)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}

	graph, err := eng.ReadGraph(ctx, applied.NewID)
	require.NoError(t, err)
	require.Len(t, graph.Nodes[0].Outgoing, 2)
	for _, r := range graph.Nodes[0].Outgoing {
		assert.Equal(t, types.RelationConsolidatedFrom, r.Type)
	}
}

func TestOpenMemoriesTouches(t *testing.T) {
	eng, clk, _ := newTestEngine(t)
	ctx := context.Background()

	m, err := eng.SaveMemory(ctx, SaveMemoryRequest{Content: "open sesame"})
	require.NoError(t, err)

	clk.Advance(time.Hour)
	got, err := eng.OpenMemories(ctx, OpenMemoriesRequest{IDs: []string{m.ID, "m-ghost"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].UseCount)
	assert.Equal(t, clk.Now().Unix(), got[0].LastUsed)

	got, err = eng.OpenMemories(ctx, OpenMemoriesRequest{IDs: []string{m.ID}, NoTouch: true})
	require.NoError(t, err)
	assert.Equal(t, 2, got[0].UseCount, "no_touch must not reinforce")
}

func TestCreateRelationAndReadGraph(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	a, err := eng.SaveMemory(ctx, SaveMemoryRequest{Content: "cause"})
	require.NoError(t, err)
	b, err := eng.SaveMemory(ctx, SaveMemoryRequest{Content: "effect"})
	require.NoError(t, err)

	rel, err := eng.CreateRelation(ctx, CreateRelationRequest{
		FromID: a.ID, ToID: b.ID, Type: types.RelationCauses, Strength: 0.9,
	})
	require.NoError(t, err)

	graph, err := eng.ReadGraph(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, graph.Nodes, 2)
	require.Len(t, graph.Nodes[0].Outgoing, 1)
	assert.Equal(t, rel.ID, graph.Nodes[0].Outgoing[0].ID)

	// Deleting an endpoint cascades the relation.
	require.NoError(t, eng.DeleteMemory(ctx, b.ID))
	graph, err = eng.ReadGraph(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, graph.Nodes[0].Outgoing)
}

func TestScoreHalfLifeThroughEngine(t *testing.T) {
	eng, clk, _ := newTestEngine(t)
	ctx := context.Background()

	m, err := eng.SaveMemory(ctx, SaveMemoryRequest{Content: "half life check"})
	require.NoError(t, err)

	clk.Advance(3 * 24 * time.Hour)
	got, err := eng.GetMemory(ctx, m.ID)
	require.NoError(t, err)
	score := eng.Scorer().Score(got, clk.Now())
	assert.True(t, math.Abs(score-0.5) < 1e-6, "score at one half-life should be 0.5, got %f", score)
}

func TestConsolidateUnknownCluster(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	_, err := eng.ConsolidateMemories(context.Background(), ConsolidateRequest{ClusterID: "c-nope", Mode: ConsolidatePreview})
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}
