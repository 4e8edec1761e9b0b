package engine

import (
	"math"
	"testing"
	"time"

	"github.com/mnemexai/mnemex/internal/config"
	"github.com/mnemexai/mnemex/pkg/types"
)

func testReviewer(t *testing.T) (*Reviewer, *Scorer) {
	t.Helper()
	scorer := exponentialScorer(t, 3, 0.6)
	return NewReviewer(scorer, config.ReviewConfig{
		BlendRatio:     0.3,
		DangerZoneLow:  0.15,
		DangerZoneHigh: 0.35,
	}), scorer
}

// memoryWithScore builds a single-use unit-strength record whose score at
// now equals target under the 3-day exponential model.
func memoryWithScore(target float64, now time.Time) *types.Memory {
	// score = exp(-lambda*dt) => dt = -ln(target)/lambda
	lambda := math.Ln2 / (3 * 86400)
	dt := int64(-math.Log(target) / lambda)
	return &types.Memory{
		ID: "m-r", Content: "x",
		CreatedAt: now.Unix() - dt,
		LastUsed:  now.Unix() - dt,
		UseCount:  1, Strength: 1.0, Status: types.StatusActive,
	}
}

func TestPriorityPeaksAtZoneCenter(t *testing.T) {
	r, _ := testReviewer(t)
	now := time.Unix(1736275200, 0)

	center := r.Priority(memoryWithScore(0.25, now), now)
	edge := r.Priority(memoryWithScore(0.16, now), now)
	if center <= edge {
		t.Errorf("priority should peak at the zone center: center=%.4f edge=%.4f", center, edge)
	}
	if math.Abs(center-1.0) > 0.01 {
		t.Errorf("priority at the center should be ~1.0, got %.4f", center)
	}
}

func TestPriorityZeroOutsideZone(t *testing.T) {
	r, _ := testReviewer(t)
	now := time.Unix(1736275200, 0)

	if p := r.Priority(memoryWithScore(0.9, now), now); p != 0 {
		t.Errorf("healthy record should not need review, got %.4f", p)
	}
	if p := r.Priority(memoryWithScore(0.01, now), now); p != 0 {
		t.Errorf("nearly forgotten record scores 0 for review, got %.4f", p)
	}
}

func TestPrioritySuppressesRecentlyTouched(t *testing.T) {
	r, _ := testReviewer(t)
	now := time.Unix(1736275200, 0)

	m := memoryWithScore(0.25, now)
	m.LastUsed = now.Unix() - 600 // touched ten minutes ago
	if p := r.Priority(m, now); p != 0 {
		t.Errorf("recently touched record must be suppressed, got %.4f", p)
	}
}

func TestPriorityIgnoresNonActive(t *testing.T) {
	r, _ := testReviewer(t)
	now := time.Unix(1736275200, 0)

	m := memoryWithScore(0.25, now)
	m.Status = types.StatusArchived
	if p := r.Priority(m, now); p != 0 {
		t.Errorf("archived record should not surface for review, got %.4f", p)
	}
}

func TestBlendSlots(t *testing.T) {
	r, _ := testReviewer(t)
	cases := []struct{ k, want int }{
		{10, 3},
		{5, 2}, // ceil(1.5)
		{1, 1},
		{0, 0},
	}
	for _, tc := range cases {
		if got := r.BlendSlots(tc.k); got != tc.want {
			t.Errorf("BlendSlots(%d) = %d, want %d", tc.k, got, tc.want)
		}
	}
}

func TestJaccard(t *testing.T) {
	cases := []struct {
		a, b []string
		want float64
	}{
		{[]string{"security", "jwt"}, []string{"api", "frontend"}, 0},
		{[]string{"go", "storage"}, []string{"go", "storage"}, 1},
		{[]string{"go", "storage"}, []string{"go"}, 0.5},
		{nil, []string{"go"}, 0},
		{nil, nil, 0},
	}
	for _, tc := range cases {
		if got := Jaccard(tc.a, tc.b); math.Abs(got-tc.want) > 1e-12 {
			t.Errorf("Jaccard(%v, %v) = %.4f, want %.4f", tc.a, tc.b, got, tc.want)
		}
	}
}
