// Package detectors provides unsupervised anomaly scorers for scaled engine
// feature vectors.
package detectors

import (
	"context"
	"errors"
)

var (
	// ErrNotFitted is returned when scoring with a detector that has not been fitted.
	ErrNotFitted = errors.New("model not fitted")
	// ErrEmptyData is returned when fitting on no samples.
	ErrEmptyData = errors.New("empty training data")
	// ErrDimension is returned when a sample width differs from the fitted width.
	ErrDimension = errors.New("feature dimension mismatch")
)

// Label is a binary verdict.
type Label int

const (
	Normal  Label = 0
	Anomaly Label = 1
)

func (l Label) String() string {
	if l == Anomaly {
		return "anomaly"
	}
	return "normal"
}

// Detector is the common interface for all anomaly detection algorithms.
type Detector interface {
	// Kind names the algorithm, e.g. "autoencoder".
	Kind() string

	// Fit trains the detector on historical data.
	// data is a 2D slice where each row is a sample and each column is a feature.
	Fit(data [][]float64) error

	// Score returns anomaly scores for the given samples.
	// Higher values indicate anomalies.
	Score(data [][]float64) ([]float64, error)

	// ScoreOne returns the anomaly score for a single sample.
	ScoreOne(sample []float64) (float64, error)

	// Predict labels samples using the detector's own decision rule.
	Predict(data [][]float64) ([]Label, error)

	// Threshold returns the score at or above which Predict reports an anomaly.
	Threshold() float64

	// Save serializes the trained model to bytes.
	Save() ([]byte, error)

	// Load deserializes a trained model from bytes.
	Load(data []byte) error
}

// Result represents the verdict for one streamed sample.
type Result struct {
	// Value is the anomaly score.
	Value float64
	// IsAnomaly indicates if the score reaches the cutoff.
	IsAnomaly bool
	// Features contains the original input features.
	Features []float64
	// Err is set when the sample could not be scored.
	Err error
}

// Config holds common configuration for detectors.
type Config struct {
	// Contamination is the expected proportion of anomalies in training data.
	Contamination float64
	// RandomSeed for reproducibility.
	RandomSeed int64
}

// DefaultConfig returns sensible defaults for detector configuration.
func DefaultConfig() Config {
	return Config{
		Contamination: 0.05,
		RandomSeed:    42,
	}
}

// Stream scores samples from input until it is closed or ctx is done.
// A sample is anomalous when its score is at or above cutoff.
func Stream(ctx context.Context, d Detector, cutoff float64, input <-chan []float64, output chan<- Result) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sample, ok := <-input:
			if !ok {
				return nil
			}

			score, err := d.ScoreOne(sample)
			res := Result{
				Value:     score,
				IsAnomaly: err == nil && score >= cutoff,
				Features:  sample,
				Err:       err,
			}

			select {
			case output <- res:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// LabelsFromScores applies a cutoff with the boundary counted as anomalous.
func LabelsFromScores(scores []float64, cutoff float64) []Label {
	out := make([]Label, len(scores))
	for i, s := range scores {
		if s >= cutoff {
			out[i] = Anomaly
		}
	}
	return out
}

// Ints converts labels to 0/1 integers.
func Ints(labels []Label) []int {
	out := make([]int, len(labels))
	for i, l := range labels {
		out[i] = int(l)
	}
	return out
}

// CheckRows validates that data is non-empty and rectangular, returning its width.
func CheckRows(data [][]float64) (int, error) {
	if len(data) == 0 {
		return 0, ErrEmptyData
	}
	width := len(data[0])
	if width == 0 {
		return 0, ErrEmptyData
	}
	for _, row := range data[1:] {
		if len(row) != width {
			return 0, ErrDimension
		}
	}
	return width, nil
}
