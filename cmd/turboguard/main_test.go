package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/turboguard/internal/report"
	"github.com/hed1ad/turboguard/pkg/dataset"
	"github.com/hed1ad/turboguard/pkg/detectors/iforest"
	"github.com/hed1ad/turboguard/pkg/detectors/robustcov"
)

type cliEnv struct {
	dir        string
	configPath string
	trainPath  string
	testPath   string
	dbPath     string
}

func setupCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	env := &cliEnv{
		dir:        dir,
		configPath: filepath.Join(dir, "turboguard.toml"),
		trainPath:  filepath.Join(dir, "train.csv"),
		testPath:   filepath.Join(dir, "test.csv"),
		dbPath:     filepath.Join(dir, "runs.db"),
	}
	writeUnits(t, env.trainPath, 3, 11)
	writeUnits(t, env.testPath, 2, 12)

	cfg := fmt.Sprintf(`[data]
train_path = %q
test_path = %q

[models]
enabled = [%q, %q]

[robust_covariance]
trials = 4

[isolation_forest]
trees = 25

[output]
artifact_dir = %q
results_db = %q

[logging]
level = "error"
`, env.trainPath, env.testPath, robustcov.Kind, iforest.Kind,
		filepath.Join(dir, "artifacts"), env.dbPath)
	require.NoError(t, os.WriteFile(env.configPath, []byte(cfg), 0o644))
	return env
}

// writeUnits writes units that run to failure over 100 cycles, with the
// first three sensors drifting in the last 30.
func writeUnits(t *testing.T, path string, units int, seed int64) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := append([]string{dataset.ColUnit, dataset.ColCycle}, dataset.FeatureNames()...)
	require.NoError(t, w.Write(header))
	for u := 1; u <= units; u++ {
		for c := 1; c <= 100; c++ {
			rul := 100 - c
			row := []string{strconv.Itoa(u), strconv.Itoa(c), "0.001", "0.0002", "100"}
			for s := 0; s < dataset.NumSensors; s++ {
				v := 400 + float64(s) + rng.NormFloat64()
				if s < 3 && rul < 30 {
					v += 5 + 0.4*float64(30-rul)
				}
				row = append(row, strconv.FormatFloat(v, 'f', 4, 64))
			}
			require.NoError(t, w.Write(row))
		}
	}
	w.Flush()
	require.NoError(t, w.Error())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	return runCLIWithInput(t, nil, args...)
}

func runCLIWithInput(t *testing.T, stdin io.Reader, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	if stdin != nil {
		cmd.SetIn(stdin)
	}
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(t.Context())
	return stdout.String(), stderr.String(), err
}

func TestConfigInitAndValidate(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "turboguard.toml")

	out, _, err := runCLI(t, "config", "init", "--path", target)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote sample configuration")
	assert.FileExists(t, target)

	_, _, err = runCLI(t, "config", "init", "--path", target)
	require.Error(t, err, "init must not overwrite an existing file")

	out, _, err = runCLI(t, "--config", target, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration valid")
	assert.NotContains(t, out, "defaults were used")
}

func TestConfigValidateMissingFile(t *testing.T) {
	out, _, err := runCLI(t, "--config", filepath.Join(t.TempDir(), "none.toml"), "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "defaults were used")
}

func TestConfigValidateRejectsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[threshold]\nquantile = 2\n"), 0o644))

	_, _, err := runCLI(t, "--config", path, "config", "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quantile")
}

func TestConfigShow(t *testing.T) {
	env := setupCLIEnv(t)
	out, _, err := runCLI(t, "--config", env.configPath, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "[threshold]")
	assert.Contains(t, out, robustcov.Kind)
}

func TestTrainRequiresPaths(t *testing.T) {
	_, _, err := runCLI(t, "--config", filepath.Join(t.TempDir(), "none.toml"), "train")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "train and test paths")
}

func TestTrainScoreAndReports(t *testing.T) {
	env := setupCLIEnv(t)

	out, _, err := runCLI(t, "--config", env.configPath, "train", "--format", "json")
	require.NoError(t, err)

	var rep report.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	require.NotEmpty(t, rep.RunID)
	assert.ElementsMatch(t, []string{iforest.Kind, robustcov.Kind}, rep.Kinds())
	assert.Equal(t, 200, rep.TestRows)

	out, _, err = runCLI(t, "--config", env.configPath, "report", "list")
	require.NoError(t, err)
	assert.Contains(t, out, rep.RunID[:8])
	assert.Contains(t, out, robustcov.Kind)

	out, _, err = runCLI(t, "--config", env.configPath, "report", "show", rep.RunID[:8], "--format", "json")
	require.NoError(t, err)
	var shown report.Report
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	assert.Equal(t, rep.RunID, shown.RunID)

	resultPath := filepath.Join(env.dir, "scores.csv")
	_, errOut, err := runCLI(t, "--config", env.configPath, "score", env.testPath,
		"--model", robustcov.Kind, "--output", resultPath)
	require.NoError(t, err)
	assert.Contains(t, errOut, "model "+robustcov.Kind)
	assert.Contains(t, errOut, "ACCURACY", "labeled input prints the metrics table")

	data, err := os.ReadFile(resultPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 201, "header plus one line per row")

	out, _, err = runCLI(t, "--config", env.configPath, "score", env.testPath, "--stream")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 201)
}

func TestScoreUnknownModel(t *testing.T) {
	env := setupCLIEnv(t)
	_, _, err := runCLI(t, "--config", env.configPath, "train", "--format", "json")
	require.NoError(t, err)

	_, _, err = runCLI(t, "--config", env.configPath, "score", env.testPath, "--model", "autoencoder")
	require.Error(t, err)
}

func TestSweep(t *testing.T) {
	env := setupCLIEnv(t)
	out, _, err := runCLI(t, "--config", env.configPath, "sweep", "--quantiles", "0.9,0.99", "--models", robustcov.Kind, "--format", "json")
	require.NoError(t, err)

	var points []report.SweepPoint
	require.NoError(t, json.Unmarshal([]byte(out), &points))
	require.Len(t, points, 2)
	assert.Less(t, points[0].Threshold.Value, points[1].Threshold.Value)
}

func TestReportListEmpty(t *testing.T) {
	env := setupCLIEnv(t)
	out, _, err := runCLI(t, "--config", env.configPath, "report", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No runs recorded")
}

func TestScoreFromStdinWithDelimiter(t *testing.T) {
	env := setupCLIEnv(t)
	_, _, err := runCLI(t, "--config", env.configPath, "train", "--format", "json")
	require.NoError(t, err)

	data, err := os.ReadFile(env.testPath)
	require.NoError(t, err)
	semicolons := strings.ReplaceAll(string(data), ",", ";")

	out, errOut, err := runCLIWithInput(t, strings.NewReader(semicolons),
		"--config", env.configPath, "--delimiter", ";", "score", "-", "--model", robustcov.Kind)
	require.NoError(t, err)
	assert.Contains(t, errOut, "of 200 rows flagged")
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 201)

	_, _, err = runCLIWithInput(t, strings.NewReader(semicolons),
		"--config", env.configPath, "score", "-", "--model", robustcov.Kind)
	require.Error(t, err, "the default comma cannot resolve a semicolon header")
}

func TestBadDelimiterFlag(t *testing.T) {
	env := setupCLIEnv(t)
	_, _, err := runCLI(t, "--config", env.configPath, "--delimiter", "ab", "config", "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data.delimiter")
}
