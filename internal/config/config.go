package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Data contains input locations and labeling rules.
type Data struct {
	TrainPath   string `toml:"train_path"`
	TestPath    string `toml:"test_path"`
	LabelWindow int    `toml:"label_window"`
	// Delimiter is the single-character field separator of every CSV input.
	Delimiter string `toml:"delimiter"`
}

// Comma returns the CSV field separator, defaulting to ','.
func (d Data) Comma() rune {
	if d.Delimiter == "" {
		return ','
	}
	r, _ := utf8.DecodeRuneInString(d.Delimiter)
	return r
}

// Threshold contains the score cutoff policy.
type Threshold struct {
	// Quantile of the training scores used as the anomaly cutoff. Default: 0.95
	Quantile float64 `toml:"quantile"`
	// SweepQuantiles are evaluated by the sweep command.
	SweepQuantiles []float64 `toml:"sweep_quantiles"`
	// Policy is "quantile" to cut every model at Quantile of its training
	// scores, or "native" to use each model's own decision boundary.
	Policy string `toml:"policy"`
}

// Models selects which detectors run.
type Models struct {
	Enabled  []string `toml:"enabled"`
	Parallel bool     `toml:"parallel"`
	Seed     int64    `toml:"seed"`
}

// Autoencoder contains reconstruction model settings.
type Autoencoder struct {
	Hidden          int     `toml:"hidden"`
	Activation      string  `toml:"activation"`
	L1              float64 `toml:"l1"`
	Epochs          int     `toml:"epochs"`
	BatchSize       int     `toml:"batch_size"`
	LearningRate    float64 `toml:"learning_rate"`
	ValidationSplit float64 `toml:"validation_split"`
}

// OCSVM contains one-class SVM settings.
type OCSVM struct {
	Nu         float64 `toml:"nu"`
	Gamma      float64 `toml:"gamma"` // 0 derives gamma from the data
	Tolerance  float64 `toml:"tolerance"`
	MaxIter    int     `toml:"max_iter"`
	MaxSamples int     `toml:"max_samples"`
}

// RobustCovariance contains elliptic envelope settings.
type RobustCovariance struct {
	Contamination   float64 `toml:"contamination"`
	SupportFraction float64 `toml:"support_fraction"`
	Trials          int     `toml:"trials"`
	MaxSamples      int     `toml:"max_samples"`
	Ridge           float64 `toml:"ridge"`
}

// IsolationForest contains isolation forest settings.
type IsolationForest struct {
	Trees         int     `toml:"trees"`
	SampleSize    int     `toml:"sample_size"`
	Contamination float64 `toml:"contamination"`
}

// Output contains artifact and report destinations.
type Output struct {
	ArtifactDir     string `toml:"artifact_dir"`
	ResultsDB       string `toml:"results_db"`
	MetricsTextfile string `toml:"metrics_textfile"`
	ReportFormat    string `toml:"report_format"`
	IncludeROC      bool   `toml:"include_roc"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for turboguard.
//
// Configuration sections:
//   - Data: train/test CSV paths and the label window
//   - Threshold: cutoff quantile and sweep quantiles
//   - Models: enabled detectors, parallel fitting, seed
//   - Autoencoder, OCSVM, RobustCovariance, IsolationForest: per-model settings
//   - Output: artifact directory, results database, metrics textfile, report format
//   - Logging: log format and level
type Config struct {
	Data             Data             `toml:"data"`
	Threshold        Threshold        `toml:"threshold"`
	Models           Models           `toml:"models"`
	Autoencoder      Autoencoder      `toml:"autoencoder"`
	OCSVM            OCSVM            `toml:"ocsvm"`
	RobustCovariance RobustCovariance `toml:"robust_covariance"`
	IsolationForest  IsolationForest  `toml:"isolation_forest"`
	Output           Output           `toml:"output"`
	Logging          Logging          `toml:"logging"`
}

// Load parses and validates a configuration file. A missing file yields the
// defaults; the returned bool reports whether the file existed.
func Load(path string) (*Config, bool, error) {
	cfg := Default()

	resolved, exists, err := resolvePath(path)
	if err != nil {
		return nil, false, err
	}

	if exists {
		file, err := os.Open(resolved)
		if err != nil {
			return nil, false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, false, fmt.Errorf("parse config %s: %w", resolved, err)
		}
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, false, err
	}

	return &cfg, exists, nil
}

func resolvePath(path string) (string, bool, error) {
	if strings.TrimSpace(path) == "" {
		path = "turboguard.toml"
	}
	expanded, err := ExpandPath(path)
	if err != nil {
		return "", false, err
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return expanded, false, nil
		}
		return "", false, fmt.Errorf("stat config: %w", err)
	}
	if info.IsDir() {
		return "", false, fmt.Errorf("config path %s is a directory", expanded)
	}
	return expanded, true, nil
}

// Sample returns the annotated sample configuration.
func Sample() string {
	return sampleConfig
}

// WriteSample writes the sample configuration to path, refusing to overwrite.
func WriteSample(path string) error {
	expanded, err := ExpandPath(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(expanded); err == nil {
		return fmt.Errorf("config %s already exists", expanded)
	}
	if dir := filepath.Dir(expanded); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	return os.WriteFile(expanded, []byte(sampleConfig), 0o644)
}

// ExpandPath resolves a leading ~ and returns an absolute, cleaned path.
func ExpandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}
