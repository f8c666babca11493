package config

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/hed1ad/turboguard/pkg/detectors/registry"
)

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Data.LabelWindow < 0 {
		add("data.label_window must be >= 0")
	}
	if d := c.Data.Delimiter; d != "" {
		r, size := utf8.DecodeRuneInString(d)
		if size != len(d) || r == utf8.RuneError || r == '\r' || r == '\n' || r == '"' {
			add("data.delimiter must be a single character other than a quote or line break, got %q", d)
		}
	}

	if c.Threshold.Quantile <= 0 || c.Threshold.Quantile >= 1 {
		add("threshold.quantile must be in (0, 1), got %v", c.Threshold.Quantile)
	}
	for _, q := range c.Threshold.SweepQuantiles {
		if q <= 0 || q >= 1 {
			add("threshold.sweep_quantiles: %v is outside (0, 1)", q)
		}
	}

	switch c.Threshold.Policy {
	case PolicyQuantile, PolicyNative:
	default:
		add("threshold.policy: unsupported value %q", c.Threshold.Policy)
	}

	if len(c.Models.Enabled) == 0 {
		add("models.enabled must list at least one model")
	}
	seen := make(map[string]bool)
	for _, m := range c.Models.Enabled {
		if !registry.Known(m) {
			add("models.enabled: unknown model %q (known: %v)", m, registry.Kinds())
		}
		if seen[m] {
			add("models.enabled: %q listed twice", m)
		}
		seen[m] = true
	}

	ae := c.Autoencoder
	if ae.Hidden < 0 {
		add("autoencoder.hidden must be >= 0")
	}
	if ae.Epochs <= 0 || ae.BatchSize <= 0 {
		add("autoencoder.epochs and autoencoder.batch_size must be positive")
	}
	if ae.LearningRate <= 0 {
		add("autoencoder.learning_rate must be positive")
	}
	if ae.L1 < 0 {
		add("autoencoder.l1 must be >= 0")
	}
	if ae.ValidationSplit < 0 || ae.ValidationSplit >= 1 {
		add("autoencoder.validation_split must be in [0, 1)")
	}
	switch ae.Activation {
	case "tanh", "relu", "sigmoid", "linear":
	default:
		add("autoencoder.activation: unsupported value %q", ae.Activation)
	}

	if c.OCSVM.Nu <= 0 || c.OCSVM.Nu > 1 {
		add("ocsvm.nu must be in (0, 1]")
	}
	if c.OCSVM.Gamma < 0 {
		add("ocsvm.gamma must be >= 0")
	}

	rc := c.RobustCovariance
	if rc.Contamination <= 0 || rc.Contamination >= 0.5 {
		add("robust_covariance.contamination must be in (0, 0.5)")
	}
	if rc.SupportFraction < 0 || rc.SupportFraction > 1 {
		add("robust_covariance.support_fraction must be in [0, 1]")
	}
	if rc.Ridge < 0 {
		add("robust_covariance.ridge must be >= 0")
	}

	if c.IsolationForest.Trees <= 0 || c.IsolationForest.SampleSize <= 1 {
		add("isolation_forest.trees must be positive and sample_size > 1")
	}
	if c.IsolationForest.Contamination < 0 || c.IsolationForest.Contamination >= 0.5 {
		add("isolation_forest.contamination must be in [0, 0.5)")
	}

	switch c.Output.ReportFormat {
	case "table", "json", "yaml":
	default:
		add("output.report_format: unsupported value %q", c.Output.ReportFormat)
	}
	switch c.Logging.Format {
	case "auto", "console", "json":
	default:
		add("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level: unsupported value %q", c.Logging.Level)
	}

	return errors.Join(errs...)
}
