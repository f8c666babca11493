package pipeline

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/hed1ad/turboguard/internal/artifact"
	"github.com/hed1ad/turboguard/pkg/dataset"
	"github.com/hed1ad/turboguard/pkg/detectors"
	tgio "github.com/hed1ad/turboguard/pkg/io"
	"github.com/hed1ad/turboguard/pkg/io/csv"
	"github.com/hed1ad/turboguard/pkg/metrics"
	"github.com/hed1ad/turboguard/pkg/threshold"
)

const streamBuffer = 64

// ScoreOptions selects what Score reads and how.
type ScoreOptions struct {
	// Input is the CSV file to score. It only names the data in logs and
	// errors when Source is set.
	Input string
	// Source, when non-nil, is read instead of opening Input.
	Source io.Reader
	// Model is the saved model kind to use. Empty picks the first saved model.
	Model string
	// Stream scores rows as they are read instead of loading the whole file.
	// Without a RUL or label column, labels are unknown in this mode.
	Stream bool
}

// ScoreSummary describes a finished scoring pass.
type ScoreSummary struct {
	RunID     string
	Model     string
	Threshold threshold.Threshold
	Rows      int
	Flagged   int
	// Metrics is set when every scored row had a known label.
	Metrics *metrics.Metrics
}

// Score restores the saved scaler and model, scores opts.Input and writes one
// result per row to w.
func (p *Pipeline) Score(ctx context.Context, opts ScoreOptions, w tgio.Writer) (*ScoreSummary, error) {
	store, err := artifact.Open(p.cfg.Output.ArtifactDir)
	if err != nil {
		return nil, err
	}
	manifest, err := store.Manifest()
	if err != nil {
		return nil, err
	}
	kind := opts.Model
	if kind == "" {
		if len(manifest.Models) == 0 {
			return nil, fmt.Errorf("%w: manifest lists no models", artifact.ErrNoArtifacts)
		}
		kind = manifest.Models[0].Kind
	}

	bundle, err := store.Load(ctx, kind)
	if err != nil {
		return nil, err
	}
	model, err := bundle.Model(kind)
	if err != nil {
		return nil, err
	}
	if err := bundle.Scaler.CheckSchema(dataset.FeatureNames()); err != nil {
		return nil, err
	}

	window := manifest.LabelWindow
	p.logger.Info("scoring",
		"input", opts.Input,
		"model", kind,
		"run_id", manifest.RunID,
		"threshold", model.Threshold.Value,
		"stream", opts.Stream,
	)

	r, err := p.openInput(opts)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	acc := &accumulator{}
	if opts.Stream {
		err = p.scoreStream(ctx, r, opts.Input, window, bundle, model, w, acc)
	} else {
		err = p.scoreBatch(r, opts.Input, window, bundle, model, w, acc)
	}
	if err != nil {
		return nil, err
	}

	sum := &ScoreSummary{
		RunID:     manifest.RunID,
		Model:     kind,
		Threshold: model.Threshold,
		Rows:      len(acc.scores),
		Flagged:   acc.flagged,
	}
	if acc.labeled() {
		m, err := p.evaluate(kind, model.Threshold, acc.scores, acc.labels)
		if err != nil {
			return nil, err
		}
		sum.Metrics = &m
	}
	p.logger.Info("scoring finished", "rows", sum.Rows, "flagged", sum.Flagged)
	return sum, nil
}

type accumulator struct {
	scores    []float64
	labels    []int
	unlabeled int
	flagged   int
}

func (a *accumulator) add(s dataset.Sample, score float64, anomalous bool) tgio.Result {
	a.scores = append(a.scores, score)
	a.labels = append(a.labels, s.Label)
	if s.Label < 0 {
		a.unlabeled++
	}
	if anomalous {
		a.flagged++
	}
	return tgio.Result{
		Unit:      s.Unit,
		Cycle:     s.Cycle,
		Score:     score,
		IsAnomaly: anomalous,
		Label:     s.Label,
	}
}

func (a *accumulator) labeled() bool {
	return len(a.scores) > 0 && a.unlabeled == 0
}

func (p *Pipeline) openInput(opts ScoreOptions) (*csv.Reader, error) {
	comma := csv.WithComma(p.cfg.Data.Comma())
	if opts.Source != nil {
		r, err := csv.FromReader(opts.Source, comma)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", opts.Input, err)
		}
		return r, nil
	}
	r, err := csv.NewReader(opts.Input, comma)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Input, err)
	}
	return r, nil
}

func (p *Pipeline) scoreBatch(r *csv.Reader, path string, window int, b *artifact.Bundle, m artifact.Model, w tgio.Writer, acc *accumulator) error {
	samples, err := readSamples(r, path, window)
	if err != nil {
		return err
	}
	split, err := NewSplit(samples, b.Scaler)
	if err != nil {
		return fmt.Errorf("scale %s: %w", path, err)
	}
	scores, err := m.Detector.Score(split.Features)
	if err != nil {
		return fmt.Errorf("score %s: %w", path, err)
	}

	results := make([]tgio.Result, len(samples))
	for i, s := range samples {
		results[i] = acc.add(s, scores[i], m.Threshold.IsAnomaly(scores[i]))
	}
	return w.WriteAll(results)
}

// scoreStream pipes rows from the CSV reader through detectors.Stream. Rows
// are scored in order, so results are matched back to their samples FIFO.
func (p *Pipeline) scoreStream(ctx context.Context, r *csv.Reader, path string, window int, b *artifact.Bundle, m artifact.Model, w tgio.Writer, acc *accumulator) error {
	g, ctx := errgroup.WithContext(ctx)
	samples, readErr := r.Stream(ctx)
	pending := make(chan dataset.Sample, 4*streamBuffer)
	input := make(chan []float64, streamBuffer)
	output := make(chan detectors.Result, streamBuffer)

	g.Go(func() error {
		defer close(pending)
		defer close(input)
		for s := range samples {
			one := []dataset.Sample{s}
			dataset.AssignLabels(one, window)
			features, err := b.Scaler.TransformOne(one[0].Features())
			if err != nil {
				return fmt.Errorf("scale unit %d cycle %d: %w", s.Unit, s.Cycle, err)
			}
			select {
			case pending <- one[0]:
			case <-ctx.Done():
				return ctx.Err()
			}
			select {
			case input <- features:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := <-readErr; err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		return nil
	})

	g.Go(func() error {
		defer close(output)
		return detectors.Stream(ctx, m.Detector, m.Threshold.Value, input, output)
	})

	g.Go(func() error {
		for res := range output {
			s, ok := <-pending
			if !ok {
				return fmt.Errorf("stream produced more results than samples")
			}
			if res.Err != nil {
				return fmt.Errorf("score unit %d cycle %d: %w", s.Unit, s.Cycle, res.Err)
			}
			if err := w.Write(acc.add(s, res.Value, res.IsAnomaly)); err != nil {
				return err
			}
		}
		return nil
	})

	return g.Wait()
}
