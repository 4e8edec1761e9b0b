// Package engine implements the temporal memory engine: decay scoring,
// reinforcement, clustering, consolidation, unified search, promotion, and
// maintenance over the JSONL store and the long-term vault index.
package engine

import (
	"fmt"
	"math"
	"time"

	"github.com/mnemexai/mnemex/internal/config"
	"github.com/mnemexai/mnemex/internal/metrics"
	"github.com/mnemexai/mnemex/pkg/types"
)

const (
	secondsPerDay = 86400.0

	// maxDeltaT clamps the decay horizon at ten years; beyond that the
	// factor underflows toward denormals without changing any decision.
	maxDeltaT = 10 * 365 * secondsPerDay
)

// decayModel maps elapsed seconds since last use to a factor in (0, 1].
type decayModel interface {
	factor(deltaT float64) float64
}

// expModel is simple exponential decay: f(dt) = exp(-lambda * dt).
type expModel struct {
	lambda float64
}

func (m expModel) factor(dt float64) float64 {
	return math.Exp(-m.lambda * dt)
}

// powerModel is power-law decay: f(dt) = (1 + dt/t0)^(-alpha). t0 is
// derived from the configured half-life so that f(halfLife) = 0.5.
type powerModel struct {
	alpha float64
	t0    float64
}

func (m powerModel) factor(dt float64) float64 {
	return math.Pow(1+dt/m.t0, -m.alpha)
}

// twoComponentModel mixes a fast and a slow exponential.
type twoComponentModel struct {
	lambdaFast float64
	lambdaSlow float64
	weightFast float64
}

func (m twoComponentModel) factor(dt float64) float64 {
	return m.weightFast*math.Exp(-m.lambdaFast*dt) +
		(1-m.weightFast)*math.Exp(-m.lambdaSlow*dt)
}

// Scorer computes the combined relevance score and the forget/promote
// decisions for memory records.
//
// The combined score at time t is
//
//	score = max(use_count, 1)^beta * f_model(dt) * strength
//
// where dt = max(0, t - last_used) seconds.
type Scorer struct {
	model decayModel
	beta  float64

	forgetThreshold  float64
	promoteThreshold float64
	promoteUseCount  int
	promoteWindow    float64 // seconds
	pinnedFloor      float64
}

// NewScorer builds a Scorer from configuration. The decay model name is
// assumed validated by config.
func NewScorer(decay config.DecayConfig, lifecycle config.LifecycleConfig) (*Scorer, error) {
	halfLifeSecs := decay.HalfLifeDays * secondsPerDay

	var model decayModel
	switch decay.Model {
	case "exponential":
		model = expModel{lambda: math.Ln2 / halfLifeSecs}
	case "power_law":
		model = powerModel{
			alpha: decay.Alpha,
			t0:    halfLifeSecs / (math.Pow(2, 1/decay.Alpha) - 1),
		}
	case "two_component":
		model = twoComponentModel{
			lambdaFast: decay.TCLambdaFast,
			lambdaSlow: decay.TCLambdaSlow,
			weightFast: decay.TCWeightFast,
		}
	default:
		return nil, fmt.Errorf("unknown decay model %q", decay.Model)
	}

	return &Scorer{
		model:            model,
		beta:             decay.Beta,
		forgetThreshold:  lifecycle.ForgetThreshold,
		promoteThreshold: lifecycle.PromoteThreshold,
		promoteUseCount:  lifecycle.PromoteUseCount,
		promoteWindow:    lifecycle.PromoteTimeWindowDays * secondsPerDay,
		pinnedFloor:      lifecycle.PinnedStrengthFloor,
	}, nil
}

// Score returns the combined relevance score for m at time t. Clock skew
// (last_used in the future) clamps dt to zero; a never-touched record
// scores as if used once.
func (s *Scorer) Score(m *types.Memory, t time.Time) float64 {
	dt := float64(t.Unix() - m.LastUsed)
	if dt < 0 {
		dt = 0
	}
	if dt > maxDeltaT {
		dt = maxDeltaT
		metrics.DeltaTClampsTotal.Inc()
	}
	uses := float64(m.UseCount)
	if uses < 1 {
		uses = 1
	}
	return math.Pow(uses, s.beta) * s.model.factor(dt) * m.Strength
}

// ShouldForget reports whether m is eligible for garbage collection at t.
// Records at or above the pinned strength floor are immune.
func (s *Scorer) ShouldForget(m *types.Memory, t time.Time) bool {
	if m.Status != types.StatusActive {
		return false
	}
	if m.Strength >= s.pinnedFloor {
		return false
	}
	return s.Score(m, t) < s.forgetThreshold
}

// ShouldPromote reports whether m qualifies for promotion at t: either the
// score crossed the promotion threshold, or the record was used at least
// promote_use_count times within the promotion time window of creation.
func (s *Scorer) ShouldPromote(m *types.Memory, t time.Time) bool {
	if s.Score(m, t) >= s.promoteThreshold {
		return true
	}
	return m.UseCount >= s.promoteUseCount &&
		float64(t.Unix()-m.CreatedAt) <= s.promoteWindow
}

// Factor exposes the raw decay curve: the model factor for an elapsed
// duration in seconds, with the same clamping as Score.
func (s *Scorer) Factor(deltaT float64) float64 {
	if deltaT < 0 {
		deltaT = 0
	}
	if deltaT > maxDeltaT {
		deltaT = maxDeltaT
	}
	return s.model.factor(deltaT)
}

// ForgetThreshold exposes the configured GC threshold.
func (s *Scorer) ForgetThreshold() float64 { return s.forgetThreshold }

// PromoteThreshold exposes the configured promotion threshold.
func (s *Scorer) PromoteThreshold() float64 { return s.promoteThreshold }
