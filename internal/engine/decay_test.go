package engine

import (
	"math"
	"testing"
	"time"

	"github.com/mnemexai/mnemex/internal/config"
	"github.com/mnemexai/mnemex/pkg/types"
)

func defaultLifecycle() config.LifecycleConfig {
	return config.LifecycleConfig{
		ForgetThreshold:       0.05,
		PromoteThreshold:      0.65,
		PromoteUseCount:       5,
		PromoteTimeWindowDays: 14,
		PinnedStrengthFloor:   1.8,
	}
}

func exponentialScorer(t *testing.T, halfLifeDays, beta float64) *Scorer {
	t.Helper()
	s, err := NewScorer(config.DecayConfig{
		Model:        "exponential",
		HalfLifeDays: halfLifeDays,
		Alpha:        1.1,
		Beta:         beta,
	}, defaultLifecycle())
	if err != nil {
		t.Fatalf("scorer: %v", err)
	}
	return s
}

func TestExponentialHalfLife(t *testing.T) {
	// One half-life after last use, a single-use unit-strength record
	// scores exactly 0.5.
	s := exponentialScorer(t, 3, 0.6)
	now := time.Unix(1736275200, 0)
	m := &types.Memory{
		ID: "m-1", Content: "x",
		CreatedAt: now.Unix() - 3*86400,
		LastUsed:  now.Unix() - 3*86400,
		UseCount:  1,
		Strength:  1.0,
		Status:    types.StatusActive,
	}
	score := s.Score(m, now)
	if math.Abs(score-0.5) > 1e-6 {
		t.Errorf("expected 0.500 at one half-life, got %.9f", score)
	}
}

func TestPowerLawHalfLife(t *testing.T) {
	// t0 is derived so that f(halfLife) = 0.5 for any alpha.
	s, err := NewScorer(config.DecayConfig{
		Model:        "power_law",
		HalfLifeDays: 3,
		Alpha:        1.1,
		Beta:         0.6,
	}, defaultLifecycle())
	if err != nil {
		t.Fatal(err)
	}
	if f := s.Factor(3 * 86400); math.Abs(f-0.5) > 1e-9 {
		t.Errorf("power-law f(H) should be 0.5, got %.9f", f)
	}
	if f := s.Factor(0); math.Abs(f-1.0) > 1e-12 {
		t.Errorf("power-law f(0) should be 1.0, got %.9f", f)
	}
}

func TestTwoComponentFactor(t *testing.T) {
	s, err := NewScorer(config.DecayConfig{
		Model:        "two_component",
		HalfLifeDays: 3,
		Alpha:        1.1,
		TCLambdaFast: 1.603e-5,
		TCLambdaSlow: 1.147e-6,
		TCWeightFast: 0.7,
		Beta:         0.6,
	}, defaultLifecycle())
	if err != nil {
		t.Fatal(err)
	}
	dt := 86400.0
	want := 0.7*math.Exp(-1.603e-5*dt) + 0.3*math.Exp(-1.147e-6*dt)
	if got := s.Factor(dt); math.Abs(got-want) > 1e-12 {
		t.Errorf("two-component factor: got %.12f, want %.12f", got, want)
	}
}

func TestClockSkewClampsToZero(t *testing.T) {
	s := exponentialScorer(t, 3, 0.6)
	now := time.Unix(1000, 0)
	m := &types.Memory{
		ID: "m-skew", Content: "x",
		CreatedAt: now.Unix() + 500, // last_used in the future
		LastUsed:  now.Unix() + 500,
		UseCount:  1, Strength: 1.0, Status: types.StatusActive,
	}
	if score := s.Score(m, now); math.Abs(score-1.0) > 1e-9 {
		t.Errorf("future last_used should clamp dt to 0, got score %.9f", score)
	}
}

func TestZeroUseCountScoresAsOne(t *testing.T) {
	s := exponentialScorer(t, 3, 0.6)
	now := time.Unix(1736275200, 0)
	base := &types.Memory{
		ID: "m-z", Content: "x",
		CreatedAt: now.Unix() - 86400, LastUsed: now.Unix() - 86400,
		Strength: 1.0, Status: types.StatusActive,
	}
	zero := base.Clone()
	zero.UseCount = 0
	one := base.Clone()
	one.UseCount = 1
	if s.Score(zero, now) != s.Score(one, now) {
		t.Errorf("use_count 0 should score as 1: %f vs %f", s.Score(zero, now), s.Score(one, now))
	}
}

func TestUseCountSubLinearBoost(t *testing.T) {
	s := exponentialScorer(t, 3, 0.6)
	now := time.Unix(1736275200, 0)
	m := &types.Memory{
		ID: "m-u", Content: "x",
		CreatedAt: now.Unix() - 86400, LastUsed: now.Unix() - 86400,
		UseCount: 4, Strength: 1.0, Status: types.StatusActive,
	}
	single := m.Clone()
	single.UseCount = 1
	ratio := s.Score(m, now) / s.Score(single, now)
	want := math.Pow(4, 0.6)
	if math.Abs(ratio-want) > 1e-9 {
		t.Errorf("use-count weighting: got ratio %.6f, want %.6f", ratio, want)
	}
}

func TestShouldPromoteByUseCount(t *testing.T) {
	// Touched five times within two weeks of creation promotes regardless
	// of the current score.
	s := exponentialScorer(t, 3, 0.6)
	created := time.Unix(0, 0)
	now := created.Add(7 * 24 * time.Hour)
	m := &types.Memory{
		ID: "m-p", Content: "x",
		CreatedAt: created.Unix(),
		LastUsed:  created.Add(6 * 24 * time.Hour).Unix(),
		UseCount:  6,
		Strength:  1.0,
		Status:    types.StatusActive,
	}
	if !s.ShouldPromote(m, now) {
		t.Errorf("use_count %d within window should promote (score %.4f)", m.UseCount, s.Score(m, now))
	}

	// Outside the window the same use count no longer qualifies on its own.
	late := created.Add(60 * 24 * time.Hour)
	m.LastUsed = late.Add(-50 * 24 * time.Hour).Unix()
	if s.ShouldPromote(m, late) {
		t.Error("stale record outside the window should not promote by use count")
	}
}

func TestShouldPromoteByScore(t *testing.T) {
	s := exponentialScorer(t, 3, 0.6)
	now := time.Unix(1736275200, 0)
	m := &types.Memory{
		ID: "m-hot", Content: "x",
		CreatedAt: now.Unix() - 100*86400, // outside the promotion window
		LastUsed:  now.Unix(),
		UseCount:  3,
		Strength:  1.0,
		Status:    types.StatusActive,
	}
	if !s.ShouldPromote(m, now) {
		t.Errorf("score %.3f above threshold should promote", s.Score(m, now))
	}
}

func TestShouldForgetRespectsPinning(t *testing.T) {
	// A pinned record decayed far below the threshold survives GC.
	s := exponentialScorer(t, 3, 0.6)
	now := time.Unix(1736275200, 0)
	m := &types.Memory{
		ID: "m-pinned", Content: "x",
		CreatedAt: now.Unix() - 30*86400,
		LastUsed:  now.Unix() - 30*86400,
		UseCount:  1,
		Strength:  1.9,
		Status:    types.StatusActive,
	}
	if score := s.Score(m, now); score >= s.ForgetThreshold() {
		t.Fatalf("test setup: score %.5f should be below threshold", score)
	}
	if s.ShouldForget(m, now) {
		t.Error("pinned record must be immune to forgetting")
	}

	unpinned := m.Clone()
	unpinned.Strength = 1.0
	if !s.ShouldForget(unpinned, now) {
		t.Error("unpinned decayed record should be forgettable")
	}

	promoted := m.Clone()
	promoted.Strength = 1.0
	promoted.Status = types.StatusPromoted
	at := now.Unix()
	promoted.PromotedAt = &at
	promoted.PromotedTo = "memories/x.md"
	if s.ShouldForget(promoted, now) {
		t.Error("only active records are forgettable")
	}
}
