// Package pipeline wires the dataset, scaler, detectors, thresholds and
// metrics into the train, score and sweep workflows.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hed1ad/turboguard/internal/artifact"
	"github.com/hed1ad/turboguard/internal/config"
	"github.com/hed1ad/turboguard/internal/report"
	"github.com/hed1ad/turboguard/pkg/dataset"
	"github.com/hed1ad/turboguard/pkg/detectors"
	"github.com/hed1ad/turboguard/pkg/io/csv"
	"github.com/hed1ad/turboguard/pkg/metrics"
	"github.com/hed1ad/turboguard/pkg/scaler"
	"github.com/hed1ad/turboguard/pkg/threshold"
)

// ErrUnlabeled is returned when evaluation needs labels the data lacks.
var ErrUnlabeled = errors.New("test data has samples without labels")

// Pipeline runs the workflows for one configuration.
type Pipeline struct {
	cfg    *config.Config
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// WithClock overrides the time source used to stamp runs.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// New creates a Pipeline.
func New(cfg *config.Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Fitted is the state after fitting every enabled model on the training split
// and scoring both splits.
type Fitted struct {
	Scaler      *scaler.Robust
	Train       *Split
	Test        *Split
	Kinds       []string
	Models      map[string]detectors.Detector
	TrainScores map[string][]float64
	TestScores  map[string][]float64
}

// Result is the outcome of Train.
type Result struct {
	Report report.Report
	Fitted *Fitted
	// Thresholds holds the cutoff applied to each model.
	Thresholds map[string]threshold.Threshold
}

// Fit loads both splits, fits the scaler on the training split only, then
// fits and scores every enabled model.
func (p *Pipeline) Fit(ctx context.Context) (*Fitted, error) {
	cfg := p.cfg
	trainSamples, err := LoadSamples(cfg.Data.TrainPath, cfg.Data.LabelWindow, csv.WithComma(cfg.Data.Comma()))
	if err != nil {
		return nil, fmt.Errorf("load training data: %w", err)
	}
	testSamples, err := LoadSamples(cfg.Data.TestPath, cfg.Data.LabelWindow, csv.WithComma(cfg.Data.Comma()))
	if err != nil {
		return nil, fmt.Errorf("load test data: %w", err)
	}

	sc, err := scaler.Fit(dataset.Features(trainSamples), dataset.FeatureNames())
	if err != nil {
		return nil, fmt.Errorf("fit scaler: %w", err)
	}
	train, err := NewSplit(trainSamples, sc)
	if err != nil {
		return nil, fmt.Errorf("scale training data: %w", err)
	}
	test, err := NewSplit(testSamples, sc)
	if err != nil {
		return nil, fmt.Errorf("scale test data: %w", err)
	}
	p.logger.Info("data loaded",
		"train_rows", len(trainSamples),
		"test_rows", len(testSamples),
		"features", sc.Width(),
	)

	kinds := cfg.Models.Enabled
	built := make([]detectors.Detector, len(kinds))
	trainScores := make([][]float64, len(kinds))
	testScores := make([][]float64, len(kinds))

	fitOne := func(ctx context.Context, i int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		kind := kinds[i]
		d, err := Build(cfg, kind, p.logger)
		if err != nil {
			return err
		}

		start := p.now()
		if err := d.Fit(train.Features); err != nil {
			return fmt.Errorf("fit %s: %w", kind, err)
		}
		if trainScores[i], err = d.Score(train.Features); err != nil {
			return fmt.Errorf("score %s on training data: %w", kind, err)
		}
		if testScores[i], err = d.Score(test.Features); err != nil {
			return fmt.Errorf("score %s on test data: %w", kind, err)
		}
		built[i] = d
		p.logger.Info("model fitted", "model", kind, "elapsed", p.now().Sub(start).Round(time.Millisecond))
		return nil
	}

	if cfg.Models.Parallel {
		g, gctx := errgroup.WithContext(ctx)
		for i := range kinds {
			g.Go(func() error { return fitOne(gctx, i) })
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		for i := range kinds {
			if err := fitOne(ctx, i); err != nil {
				return nil, err
			}
		}
	}

	f := &Fitted{
		Scaler:      sc,
		Train:       train,
		Test:        test,
		Kinds:       append([]string(nil), kinds...),
		Models:      make(map[string]detectors.Detector, len(kinds)),
		TrainScores: make(map[string][]float64, len(kinds)),
		TestScores:  make(map[string][]float64, len(kinds)),
	}
	for i, kind := range kinds {
		f.Models[kind] = built[i]
		f.TrainScores[kind] = trainScores[i]
		f.TestScores[kind] = testScores[i]
	}
	return f, nil
}

// Cutoff returns the threshold applied to a fitted model at quantile q.
// Under the native policy the model's own boundary is used and q is ignored.
func (p *Pipeline) Cutoff(d detectors.Detector, trainScores []float64, q float64) (threshold.Threshold, error) {
	if p.cfg.Threshold.Policy == config.PolicyNative {
		return threshold.Threshold{Value: d.Threshold()}, nil
	}
	return threshold.Fit(trainScores, q)
}

// Train fits every enabled model, thresholds it on its training scores,
// evaluates it on the test split and persists the run.
func (p *Pipeline) Train(ctx context.Context) (*Result, error) {
	f, err := p.Fit(ctx)
	if err != nil {
		return nil, err
	}
	if f.Test.Labels == nil {
		return nil, ErrUnlabeled
	}

	rep := report.Report{
		RunID:     uuid.NewString(),
		CreatedAt: p.now().UTC(),
		TrainRows: len(f.Train.Samples),
		TestRows:  len(f.Test.Samples),
		Models:    make(map[string]report.Model, len(f.Kinds)),
	}
	thresholds := make(map[string]threshold.Threshold, len(f.Kinds))

	for _, kind := range f.Kinds {
		th, err := p.Cutoff(f.Models[kind], f.TrainScores[kind], p.cfg.Threshold.Quantile)
		if err != nil {
			return nil, fmt.Errorf("threshold %s: %w", kind, err)
		}
		thresholds[kind] = th

		m, err := p.evaluate(kind, th, f.TestScores[kind], f.Test.Labels)
		if err != nil {
			return nil, err
		}
		rep.Models[kind] = report.Model{Threshold: th, Metrics: m}
		p.logger.Info("model evaluated",
			"model", kind,
			"threshold", th.Value,
			"accuracy", m.Accuracy,
			"flagged", m.Confusion.TP+m.Confusion.FP,
		)
	}

	if !p.cfg.Output.IncludeROC {
		rep = rep.WithoutCurves()
	}

	res := &Result{Report: rep, Fitted: f, Thresholds: thresholds}
	if err := p.persist(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

// evaluate scores the binarized predictions. A single-class truth has no ROC
// curve, so only the label metrics are reported then.
func (p *Pipeline) evaluate(kind string, th threshold.Threshold, scores []float64, labels []int) (metrics.Metrics, error) {
	pred := th.Apply(scores)
	m, err := metrics.Evaluate(pred, labels, scores)
	if errors.Is(err, metrics.ErrSingleClass) {
		p.logger.Warn("test labels hold a single class; skipping ROC", "model", kind)
		m, err = metrics.Evaluate(pred, labels, nil)
	}
	if err != nil {
		return metrics.Metrics{}, fmt.Errorf("evaluate %s: %w", kind, err)
	}
	return m, nil
}

func (p *Pipeline) persist(ctx context.Context, res *Result) error {
	out := p.cfg.Output
	rep := res.Report

	if out.ArtifactDir != "" {
		store, err := artifact.Open(out.ArtifactDir)
		if err != nil {
			return err
		}
		models := make(map[string]artifact.Model, len(res.Fitted.Models))
		for kind, d := range res.Fitted.Models {
			models[kind] = artifact.Model{Detector: d, Threshold: res.Thresholds[kind]}
		}
		manifest := artifact.Manifest{
			RunID:       rep.RunID,
			CreatedAt:   rep.CreatedAt,
			Features:    res.Fitted.Scaler.Names(),
			LabelWindow: p.cfg.Data.LabelWindow,
		}
		if err := store.Save(ctx, manifest, res.Fitted.Scaler, models); err != nil {
			return fmt.Errorf("save artifacts: %w", err)
		}
		p.logger.Info("artifacts saved", "dir", store.Dir(), "run_id", rep.RunID)
	}

	if out.ResultsDB != "" {
		db, err := report.OpenStore(ctx, out.ResultsDB)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Save(ctx, rep); err != nil {
			return err
		}
		p.logger.Debug("run recorded", "db", out.ResultsDB, "run_id", rep.RunID)
	}

	if out.MetricsTextfile != "" {
		if err := report.WriteTextfile(out.MetricsTextfile, rep); err != nil {
			return err
		}
		p.logger.Debug("metrics textfile written", "path", out.MetricsTextfile)
	}
	return nil
}
