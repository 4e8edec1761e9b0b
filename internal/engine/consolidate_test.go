package engine

import (
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/mnemexai/mnemex/pkg/types"
)

func TestDedupeAndMergeProposal(t *testing.T) {
	// Two identical sources plus one distinct one merge to "A\n\nB" with
	// union tags and cohesion-scaled strength.
	cluster := &Cluster{ID: "c-1", MemberIDs: []string{"m-1", "m-2", "m-3"}, Cohesion: 0.92}
	sources := []*types.Memory{
		{ID: "m-1", Content: "A", Tags: []string{"x"}, CreatedAt: 100, LastUsed: 100, UseCount: 1, Strength: 1.0, Status: types.StatusActive},
		{ID: "m-2", Content: "A", Tags: []string{"y"}, CreatedAt: 200, LastUsed: 250, UseCount: 2, Strength: 0.8, Status: types.StatusActive},
		{ID: "m-3", Content: "B", Tags: []string{"x", "z"}, CreatedAt: 300, LastUsed: 300, UseCount: 1, Strength: 1.0, Status: types.StatusActive},
	}

	p, err := buildProposal(cluster, sources, MergeDeduplicate, "")
	if err != nil {
		t.Fatal(err)
	}
	if p.MergedContent != "A\n\nB" {
		t.Errorf("merged content: got %q, want %q", p.MergedContent, "A\n\nB")
	}
	if !reflect.DeepEqual(p.MergedTags, []string{"x", "y", "z"}) {
		t.Errorf("merged tags: got %v", p.MergedTags)
	}
	if p.EarliestCreatedAt != 100 || p.LatestLastUsed != 300 {
		t.Errorf("timestamps: created=%d last_used=%d", p.EarliestCreatedAt, p.LatestLastUsed)
	}
	if !reflect.DeepEqual(p.Provenance, []string{"m-1", "m-2", "m-3"}) {
		t.Errorf("provenance: got %v", p.Provenance)
	}

	// strength = min(2.0, max(strengths) * (1 + (0.92-0.75)/0.5)) = 1.34
	want := 1.0 * (1 + (0.92-0.75)/0.5)
	if math.Abs(p.NewStrength-want) > 1e-9 {
		t.Errorf("strength: got %.4f, want %.4f", p.NewStrength, want)
	}
	if len(p.Discarded) != 1 {
		t.Errorf("expected one discarded duplicate sentence, got %v", p.Discarded)
	}
}

func TestConsolidatedStrengthCaps(t *testing.T) {
	sources := []*types.Memory{{Strength: 1.9}}
	if got := consolidatedStrength(sources, 0.99); got != 2.0 {
		t.Errorf("strength should cap at 2.0, got %.4f", got)
	}
}

func TestExternalStrategiesRequireContent(t *testing.T) {
	cluster := &Cluster{ID: "c-1", Cohesion: 0.9}
	sources := []*types.Memory{
		{ID: "m-1", Content: "A", CreatedAt: 1, LastUsed: 1, Strength: 1, Status: types.StatusActive},
		{ID: "m-2", Content: "B", CreatedAt: 2, LastUsed: 2, Strength: 1, Status: types.StatusActive},
	}
	if _, err := buildProposal(cluster, sources, MergeSummarize, ""); err == nil {
		t.Error("summarize without pre-generated content should fail")
	}
	p, err := buildProposal(cluster, sources, MergeSummarize, "external summary")
	if err != nil {
		t.Fatal(err)
	}
	if p.MergedContent != "external summary" {
		t.Errorf("external content should pass through, got %q", p.MergedContent)
	}
}

func TestSplitSentences(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"One. Two! Three?", []string{"One.", "Two!", "Three?"}},
		{"No terminator here", []string{"No terminator here"}},
		{"Line one\nLine two", []string{"Line one", "Line two"}},
		{"Version 1.2 is out. Done.", []string{"Version 1.2 is out.", "Done."}},
		{"", nil},
	}
	for _, tc := range cases {
		got := splitSentences(tc.in)
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("splitSentences(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestConsolidatedMemoryAccumulatesUse(t *testing.T) {
	p := &ConsolidationProposal{
		MergedContent:     "merged",
		EarliestCreatedAt: 100,
		LatestLastUsed:    300,
		NewStrength:       1.2,
	}
	sources := []*types.Memory{{UseCount: 2}, {UseCount: 3}}
	m := consolidatedMemory(p, sources, time.Unix(400, 0))
	if m.UseCount != 5 {
		t.Errorf("use counts should accumulate, got %d", m.UseCount)
	}
	if m.CreatedAt != 100 || m.LastUsed != 300 {
		t.Errorf("timestamps: created=%d last_used=%d", m.CreatedAt, m.LastUsed)
	}
	if m.Status != types.StatusActive {
		t.Errorf("merged record should be active, got %s", m.Status)
	}
}
