package pipeline

import (
	"context"
	"fmt"
	"slices"

	"github.com/hed1ad/turboguard/internal/report"
	"github.com/hed1ad/turboguard/pkg/threshold"
)

// Sweep fits every enabled model once and evaluates it on the test split at
// each quantile. Points are ordered by model, then by ascending quantile.
// Nothing is persisted.
func (p *Pipeline) Sweep(ctx context.Context, quantiles []float64) ([]report.SweepPoint, error) {
	if len(quantiles) == 0 {
		quantiles = p.cfg.Threshold.SweepQuantiles
	}
	if len(quantiles) == 0 {
		return nil, fmt.Errorf("no quantiles to sweep")
	}
	qs := slices.Clone(quantiles)
	slices.Sort(qs)
	qs = slices.Compact(qs)

	f, err := p.Fit(ctx)
	if err != nil {
		return nil, err
	}
	if f.Test.Labels == nil {
		return nil, ErrUnlabeled
	}

	var points []report.SweepPoint
	for _, kind := range f.Kinds {
		for _, q := range qs {
			th, err := threshold.Fit(f.TrainScores[kind], q)
			if err != nil {
				return nil, fmt.Errorf("threshold %s at %v: %w", kind, q, err)
			}
			m, err := p.evaluate(kind, th, f.TestScores[kind], f.Test.Labels)
			if err != nil {
				return nil, err
			}
			m.ROC = nil
			points = append(points, report.SweepPoint{Model: kind, Threshold: th, Metrics: m})
		}
	}
	return points, nil
}
