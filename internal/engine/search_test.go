package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchLexicalSTM(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.SaveMemory(ctx, SaveMemoryRequest{Content: "The deploy pipeline uses blue-green rollout"})
	require.NoError(t, err)
	_, err = eng.SaveMemory(ctx, SaveMemoryRequest{Content: "Lunch orders go out at noon"})
	require.NoError(t, err)

	results, err := eng.SearchUnified(ctx, SearchRequest{Query: "DEPLOY", Sources: SourceSTM})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, KindSTM, results[0].Kind)
	assert.Contains(t, results[0].Memory.Content, "deploy pipeline")
}

func TestSearchTagAndWindowFilters(t *testing.T) {
	eng, clk, _ := newTestEngine(t)
	ctx := context.Background()

	early, err := eng.SaveMemory(ctx, SaveMemoryRequest{Content: "early note", Tags: []string{"ops"}})
	require.NoError(t, err)
	clk.Advance(48 * time.Hour)
	_, err = eng.SaveMemory(ctx, SaveMemoryRequest{Content: "late note", Tags: []string{"ops"}})
	require.NoError(t, err)

	results, err := eng.SearchUnified(ctx, SearchRequest{
		Tags:          []string{"ops"},
		CreatedBefore: early.CreatedAt + 1,
		Sources:       SourceSTM,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, early.ID, results[0].Memory.ID)

	results, err = eng.SearchUnified(ctx, SearchRequest{Tags: []string{"absent"}, Sources: SourceSTM})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchMinScoreDropsDecayed(t *testing.T) {
	eng, clk, _ := newTestEngine(t)
	ctx := context.Background()

	old, err := eng.SaveMemory(ctx, SaveMemoryRequest{Content: "ancient fact"})
	require.NoError(t, err)
	clk.Advance(30 * 24 * time.Hour)
	fresh, err := eng.SaveMemory(ctx, SaveMemoryRequest{Content: "fresh fact"})
	require.NoError(t, err)

	results, err := eng.SearchUnified(ctx, SearchRequest{MinScore: 0.5, Sources: SourceSTM})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, fresh.ID, results[0].Memory.ID)
	_ = old
}

func TestSearchUnifiedIncludesVaultNotes(t *testing.T) {
	eng, _, vaultDir := newTestEngine(t)
	ctx := context.Background()

	notePath := filepath.Join(vaultDir, "kubernetes.md")
	require.NoError(t, os.WriteFile(notePath, []byte("---\ntitle: Kubernetes Cheatsheet\ntags: [ops]\n---\n\nkubectl get pods and friends.\n"), 0o600))
	require.NoError(t, eng.RefreshLTM(ctx))

	results, err := eng.SearchUnified(ctx, SearchRequest{Query: "kubernetes"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, KindLTM, results[0].Kind)
	assert.Equal(t, "kubernetes.md", results[0].Note.Path)

	// Alias matches count too.
	require.NoError(t, os.WriteFile(filepath.Join(vaultDir, "aliased.md"),
		[]byte("---\ntitle: Orchestration\naliases: [k8s]\n---\n\nbody\n"), 0o600))
	require.NoError(t, eng.RefreshLTM(ctx))
	results, err = eng.SearchUnified(ctx, SearchRequest{Query: "k8s", Sources: SourceLTM})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "aliased.md", results[0].Note.Path)
}

func TestPromotedRecordSuppressesItsNote(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	m, err := eng.SaveMemory(ctx, SaveMemoryRequest{Content: "Graphite dashboards are at ops.example.com"})
	require.NoError(t, err)
	res, err := eng.PromoteMemory(ctx, m.ID, false)
	require.NoError(t, err)
	require.NoError(t, eng.RefreshLTM(ctx))

	results, err := eng.SearchUnified(ctx, SearchRequest{Query: "graphite"})
	require.NoError(t, err)
	require.Len(t, results, 1, "the STM redirect should suppress its own vault note")
	assert.Equal(t, KindSTM, results[0].Kind)
	assert.Equal(t, m.ID, results[0].Memory.ID)
	assert.Equal(t, res.WrittenPath, results[0].Memory.PromotedTo)
}

func TestSearchBlendsReviewCandidates(t *testing.T) {
	eng, clk, _ := newTestEngine(t)
	ctx := context.Background()

	// A record decayed into the danger zone: score 0.25 needs exactly two
	// half-lives, i.e. six days at the 3-day half-life.
	danger, err := eng.SaveMemory(ctx, SaveMemoryRequest{Content: "fading insight about caching"})
	require.NoError(t, err)
	clk.Advance(6 * 24 * time.Hour)

	fresh, err := eng.SaveMemory(ctx, SaveMemoryRequest{Content: "current work on the parser"})
	require.NoError(t, err)

	results, err := eng.SearchUnified(ctx, SearchRequest{Query: "parser", Sources: SourceSTM, Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 2)

	kinds := map[string]string{}
	for _, r := range results {
		kinds[r.Memory.ID] = r.Kind
	}
	assert.Equal(t, KindSTM, kinds[fresh.ID])
	assert.Equal(t, KindReview, kinds[danger.ID], "danger-zone record should blend in tagged as review")
}

func TestSearchLimitRespected(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		_, err := eng.SaveMemory(ctx, SaveMemoryRequest{Content: "note about indexing"})
		require.NoError(t, err)
	}
	results, err := eng.SearchUnified(ctx, SearchRequest{Query: "indexing", Sources: SourceSTM, Limit: 3})
	require.NoError(t, err)
	assert.Len(t, results, 3)
}
