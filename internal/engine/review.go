package engine

import (
	"math"
	"time"

	"github.com/mnemexai/mnemex/internal/config"
	"github.com/mnemexai/mnemex/pkg/types"
)

// recencySuppression is how recently a record may have been touched and
// still be worth surfacing for review. Anything fresher is suppressed.
const recencySuppression = time.Hour

// Reviewer ranks records for spaced-repetition style review. A record is
// most valuable to resurface while its score sits in the configured danger
// zone: decayed enough to be at risk, not yet forgotten.
type Reviewer struct {
	scorer *Scorer

	zoneLow    float64
	zoneHigh   float64
	blendRatio float64
}

// NewReviewer builds a Reviewer sharing the engine's scorer.
func NewReviewer(scorer *Scorer, cfg config.ReviewConfig) *Reviewer {
	return &Reviewer{
		scorer:     scorer,
		zoneLow:    cfg.DangerZoneLow,
		zoneHigh:   cfg.DangerZoneHigh,
		blendRatio: cfg.BlendRatio,
	}
}

// Priority returns the review priority for m at t. Scores outside the
// danger zone rank zero; inside it, a Gaussian bump peaks at the zone
// center. Records touched within the last hour are suppressed entirely.
func (r *Reviewer) Priority(m *types.Memory, t time.Time) float64 {
	if m.Status != types.StatusActive {
		return 0
	}
	if float64(t.Unix()-m.LastUsed) < recencySuppression.Seconds() {
		return 0
	}
	score := r.scorer.Score(m, t)
	if score < r.zoneLow || score > r.zoneHigh {
		return 0
	}
	center := (r.zoneLow + r.zoneHigh) / 2
	sigma := (r.zoneHigh - r.zoneLow) / 2
	d := (score - center) / sigma
	return math.Exp(-d * d / 2)
}

// BlendSlots returns how many of k result slots may be given to review
// candidates.
func (r *Reviewer) BlendSlots(k int) int {
	if k <= 0 {
		return 0
	}
	return int(math.Ceil(r.blendRatio * float64(k)))
}

// Jaccard returns the Jaccard similarity of two tag sets. Two empty sets
// are fully disjoint contexts rather than identical ones, so the result is
// 0, which errs toward granting the cross-domain boost.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	setA := make(map[string]struct{}, len(a))
	for _, s := range a {
		setA[s] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, s := range b {
		setB[s] = struct{}{}
	}
	inter := 0
	for s := range setA {
		if _, ok := setB[s]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
