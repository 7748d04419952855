package memory

import (
	"math"
	"time"
)

// WeightParams controls unit weight decay and reinforcement. They are fixed
// for the lifetime of a memory session.
type WeightParams struct {
	Beta          float64 `json:"beta" yaml:"beta"`                     // time-decay rate per hour
	Gamma         float64 `json:"gamma" yaml:"gamma"`                   // boost per prior access
	B             float64 `json:"b" yaml:"b"`                           // flat offset subtracted on every update
	InitialWeight float64 `json:"initial_weight" yaml:"initial_weight"` // weight a new unit starts from
	GoldenRatio   float64 `json:"golden_ratio" yaml:"golden_ratio"`     // activation cut, see Select
}

// DefaultWeightParams returns the standard parameters.
func DefaultWeightParams() WeightParams {
	return WeightParams{
		Beta:          0.85,
		Gamma:         0.3,
		B:             0.05,
		InitialWeight: 0.5,
		GoldenRatio:   0.618,
	}
}

// Compute returns the weight after an update at now.
//
// A zero current weight is treated as first-time creation and yields
// InitialWeight - B. Otherwise the weight decays exponentially with the
// hours since lastAccess, is boosted by prior accesses, and loses B:
//
//	w * exp(-Beta * hours) * (1 + Gamma * accessCount) - B
//
// The result is always clamped to [0, 1].
func (p WeightParams) Compute(current float64, lastAccess, now time.Time, accessCount int) float64 {
	if current == 0 {
		return clamp01(p.InitialWeight - p.B)
	}
	hours := now.Sub(lastAccess).Hours()
	if hours < 0 {
		hours = 0
	}
	if accessCount < 0 {
		accessCount = 0
	}
	decay := math.Exp(-p.Beta * hours)
	boost := 1 + p.Gamma*float64(accessCount)
	return clamp01(current*decay*boost - p.B)
}

func clamp01(w float64) float64 {
	if math.IsNaN(w) {
		return 0
	}
	return math.Max(0, math.Min(1, w))
}
