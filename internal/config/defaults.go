package config

import (
	"strings"

	"github.com/hed1ad/turboguard/pkg/dataset"
	"github.com/hed1ad/turboguard/pkg/detectors"
	"github.com/hed1ad/turboguard/pkg/detectors/autoencoder"
	"github.com/hed1ad/turboguard/pkg/detectors/ocsvm"
	"github.com/hed1ad/turboguard/pkg/detectors/robustcov"
	"github.com/hed1ad/turboguard/pkg/threshold"
)

// Threshold policies.
const (
	PolicyQuantile = "quantile"
	PolicyNative   = "native"
)

// Default returns the baseline configuration.
func Default() Config {
	common := detectors.DefaultConfig()
	return Config{
		Data: Data{
			LabelWindow: dataset.DefaultLabelWindow,
			Delimiter:   ",",
		},
		Threshold: Threshold{
			Quantile:       threshold.DefaultQuantile,
			SweepQuantiles: []float64{0.9, 0.95, 0.975, 0.99},
			Policy:         PolicyQuantile,
		},
		Models: Models{
			Enabled: []string{autoencoder.Kind, ocsvm.Kind, robustcov.Kind},
			Seed:    common.RandomSeed,
		},
		Autoencoder: Autoencoder{
			Hidden:          12,
			Activation:      autoencoder.Tanh,
			L1:              1e-5,
			Epochs:          20,
			BatchSize:       32,
			LearningRate:    1e-3,
			ValidationSplit: 0.1,
		},
		OCSVM: OCSVM{
			Nu:         common.Contamination,
			Tolerance:  1e-3,
			MaxIter:    100000,
			MaxSamples: 2000,
		},
		RobustCovariance: RobustCovariance{
			Contamination: common.Contamination,
			Trials:        30,
			MaxSamples:    1500,
			Ridge:         1e-6,
		},
		IsolationForest: IsolationForest{
			Trees:         100,
			SampleSize:    256,
			Contamination: common.Contamination,
		},
		Output: Output{
			ArtifactDir:  "artifacts",
			ReportFormat: "table",
		},
		Logging: Logging{
			Format: "auto",
			Level:  "info",
		},
	}
}

func (c *Config) normalize() {
	for i, m := range c.Models.Enabled {
		c.Models.Enabled[i] = strings.ToLower(strings.TrimSpace(m))
	}
	c.Threshold.Policy = strings.ToLower(strings.TrimSpace(c.Threshold.Policy))
	c.Autoencoder.Activation = strings.ToLower(strings.TrimSpace(c.Autoencoder.Activation))
	c.Output.ReportFormat = strings.ToLower(strings.TrimSpace(c.Output.ReportFormat))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
}
