package pipeline

import (
	"fmt"

	"github.com/hed1ad/turboguard/pkg/dataset"
	"github.com/hed1ad/turboguard/pkg/io/csv"
	"github.com/hed1ad/turboguard/pkg/scaler"
)

// Split is one loaded and scaled CSV file.
type Split struct {
	Samples []dataset.Sample
	// Features holds the scaled feature rows.
	Features [][]float64
	// Labels is nil when some sample has no known label.
	Labels []int
}

// LoadSamples reads a CSV file and fills in missing RUL and labels.
func LoadSamples(path string, labelWindow int, opts ...csv.Option) ([]dataset.Sample, error) {
	r, err := csv.NewReader(path, opts...)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer r.Close()
	return readSamples(r, path, labelWindow)
}

func readSamples(r *csv.Reader, name string, labelWindow int) ([]dataset.Sample, error) {
	samples, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%s: %w", name, dataset.ErrNoSamples)
	}

	dataset.AssignRUL(samples)
	dataset.AssignLabels(samples, labelWindow)
	return samples, nil
}

// NewSplit scales the samples' features with sc.
func NewSplit(samples []dataset.Sample, sc *scaler.Robust) (*Split, error) {
	features, err := sc.Transform(dataset.Features(samples))
	if err != nil {
		return nil, err
	}
	s := &Split{Samples: samples, Features: features}
	if labels, err := dataset.Labels(samples); err == nil {
		s.Labels = labels
	}
	return s, nil
}
