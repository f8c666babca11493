// Package threshold turns continuous anomaly scores into binary labels using a
// quantile of a reference score distribution.
package threshold

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

// DefaultQuantile is the baseline cutoff quantile.
const DefaultQuantile = 0.95

var (
	// ErrEmpty is returned when a quantile is requested over no scores.
	ErrEmpty = errors.New("empty score set")
	// ErrQuantileRange is returned for quantiles outside [0, 1].
	ErrQuantileRange = errors.New("quantile must be within [0, 1]")
)

// Percentile returns the q-quantile of scores, interpolating linearly between
// the two closest ranks: position q*(n-1) in the sorted scores.
// scores is not modified.
func Percentile(scores []float64, q float64) (float64, error) {
	if len(scores) == 0 {
		return 0, ErrEmpty
	}
	sorted := slices.Clone(scores)
	slices.Sort(sorted)
	return PercentileSorted(sorted, q)
}

// PercentileSorted is Percentile for input already sorted ascending.
func PercentileSorted(sorted []float64, q float64) (float64, error) {
	if len(sorted) == 0 {
		return 0, ErrEmpty
	}
	if q < 0 || q > 1 || math.IsNaN(q) {
		return 0, fmt.Errorf("%w: %v", ErrQuantileRange, q)
	}

	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo], nil
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo]), nil
}

// Threshold is a fixed score cutoff. Scores at or above Value are anomalies.
type Threshold struct {
	Quantile float64 `json:"quantile" yaml:"quantile"`
	Value    float64 `json:"value" yaml:"value"`
}

// Fit computes the cutoff at quantile q of the reference scores.
func Fit(reference []float64, q float64) (Threshold, error) {
	v, err := Percentile(reference, q)
	if err != nil {
		return Threshold{}, err
	}
	return Threshold{Quantile: q, Value: v}, nil
}

// IsAnomaly reports whether score is at or above the cutoff.
func (t Threshold) IsAnomaly(score float64) bool {
	return score >= t.Value
}

// Classify returns 1 for an anomalous score and 0 otherwise.
func (t Threshold) Classify(score float64) int {
	if t.IsAnomaly(score) {
		return 1
	}
	return 0
}

// Apply classifies every score.
func (t Threshold) Apply(scores []float64) []int {
	out := make([]int, len(scores))
	for i, s := range scores {
		out[i] = t.Classify(s)
	}
	return out
}
