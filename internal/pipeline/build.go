package pipeline

import (
	"fmt"
	"log/slog"

	"github.com/hed1ad/turboguard/internal/config"
	"github.com/hed1ad/turboguard/pkg/detectors"
	"github.com/hed1ad/turboguard/pkg/detectors/autoencoder"
	"github.com/hed1ad/turboguard/pkg/detectors/iforest"
	"github.com/hed1ad/turboguard/pkg/detectors/ocsvm"
	"github.com/hed1ad/turboguard/pkg/detectors/robustcov"
)

// Build creates an unfitted detector of the given kind from configuration.
func Build(cfg *config.Config, kind string, logger *slog.Logger) (detectors.Detector, error) {
	seed := cfg.Models.Seed
	switch kind {
	case autoencoder.Kind:
		ae := cfg.Autoencoder
		return autoencoder.New(
			autoencoder.WithHidden(ae.Hidden),
			autoencoder.WithActivation(ae.Activation),
			autoencoder.WithL1(ae.L1),
			autoencoder.WithEpochs(ae.Epochs),
			autoencoder.WithBatchSize(ae.BatchSize),
			autoencoder.WithLearningRate(ae.LearningRate),
			autoencoder.WithValidationSplit(ae.ValidationSplit),
			autoencoder.WithQuantile(cfg.Threshold.Quantile),
			autoencoder.WithSeed(seed),
			autoencoder.WithLogger(logger.With("model", kind)),
		), nil
	case ocsvm.Kind:
		sv := cfg.OCSVM
		return ocsvm.New(
			ocsvm.WithNu(sv.Nu),
			ocsvm.WithGamma(sv.Gamma),
			ocsvm.WithTolerance(sv.Tolerance),
			ocsvm.WithMaxIter(sv.MaxIter),
			ocsvm.WithMaxSamples(sv.MaxSamples),
			ocsvm.WithSeed(seed),
		), nil
	case robustcov.Kind:
		rc := cfg.RobustCovariance
		return robustcov.New(
			robustcov.WithContamination(rc.Contamination),
			robustcov.WithSupportFraction(rc.SupportFraction),
			robustcov.WithTrials(rc.Trials),
			robustcov.WithMaxSamples(rc.MaxSamples),
			robustcov.WithRidge(rc.Ridge),
			robustcov.WithSeed(seed),
		), nil
	case iforest.Kind:
		f := cfg.IsolationForest
		return iforest.New(
			iforest.WithTrees(f.Trees),
			iforest.WithSampleSize(f.SampleSize),
			iforest.WithContamination(f.Contamination),
			iforest.WithSeed(seed),
		), nil
	default:
		return nil, fmt.Errorf("unknown model %q", kind)
	}
}
