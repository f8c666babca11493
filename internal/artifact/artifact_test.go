package artifact

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/turboguard/pkg/detectors"
	"github.com/hed1ad/turboguard/pkg/detectors/iforest"
	"github.com/hed1ad/turboguard/pkg/detectors/robustcov"
	"github.com/hed1ad/turboguard/pkg/scaler"
	"github.com/hed1ad/turboguard/pkg/threshold"
)

func fixture(t *testing.T) ([][]float64, *scaler.Robust, map[string]Model) {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	data := make([][]float64, 200)
	for i := range data {
		data[i] = []float64{rng.NormFloat64(), rng.NormFloat64() * 2, rng.NormFloat64() + 5}
	}

	sc, err := scaler.Fit(data, []string{"a", "b", "c"})
	require.NoError(t, err)
	scaled, err := sc.Transform(data)
	require.NoError(t, err)

	forest := iforest.New(iforest.WithTrees(20), iforest.WithSampleSize(64), iforest.WithSeed(1))
	require.NoError(t, forest.Fit(scaled))
	envelope := robustcov.New(robustcov.WithTrials(5), robustcov.WithSeed(1))
	require.NoError(t, envelope.Fit(scaled))

	models := make(map[string]Model)
	for _, d := range []detectors.Detector{forest, envelope} {
		scores, err := d.Score(scaled)
		require.NoError(t, err)
		th, err := threshold.Fit(scores, 0.95)
		require.NoError(t, err)
		models[d.Kind()] = Model{Detector: d, Threshold: th}
	}
	return scaled, sc, models
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := t.Context()
	scaled, sc, models := fixture(t)

	store, err := Open(filepath.Join(t.TempDir(), "run"))
	require.NoError(t, err)

	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(ctx, Manifest{RunID: "run-1", CreatedAt: created, LabelWindow: 30}, sc, models))

	for _, name := range []string{manifestFile, scalerFile, iforest.Kind + ".gob", robustcov.Kind + ".gob"} {
		assert.FileExists(t, filepath.Join(store.Dir(), name))
	}

	manifest, err := store.Manifest()
	require.NoError(t, err)
	assert.Equal(t, "run-1", manifest.RunID)
	assert.True(t, created.Equal(manifest.CreatedAt))
	assert.Equal(t, []string{"a", "b", "c"}, manifest.Features)
	assert.Equal(t, []string{iforest.Kind, robustcov.Kind}, manifest.Kinds())

	bundle, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, sc.Center(), bundle.Scaler.Center())
	assert.Equal(t, sc.Scale(), bundle.Scaler.Scale())

	for kind, want := range models {
		got, err := bundle.Model(kind)
		require.NoError(t, err)
		assert.Equal(t, want.Threshold, got.Threshold)

		wantScores, err := want.Detector.Score(scaled)
		require.NoError(t, err)
		gotScores, err := got.Detector.Score(scaled)
		require.NoError(t, err)
		assert.InDeltaSlice(t, wantScores, gotScores, 1e-12, kind)
	}
}

func TestLoadSubset(t *testing.T) {
	ctx := t.Context()
	_, sc, models := fixture(t)

	store, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, Manifest{RunID: "r"}, sc, models))

	bundle, err := store.Load(ctx, robustcov.Kind)
	require.NoError(t, err)
	assert.Len(t, bundle.Models, 1)

	_, err = bundle.Model(iforest.Kind)
	assert.ErrorIs(t, err, ErrUnknownModel)

	_, err = store.Load(ctx, "autoencoder")
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestLoadEmptyDirectory(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = store.Load(t.Context())
	assert.ErrorIs(t, err, ErrNoArtifacts)
}

func TestLoadCorruptModel(t *testing.T) {
	ctx := t.Context()
	_, sc, models := fixture(t)

	store, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, Manifest{RunID: "r"}, sc, models))

	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), iforest.Kind+".gob"), []byte("junk"), 0o644))
	_, err = store.Load(ctx, iforest.Kind)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode "+iforest.Kind)
}

func TestSaveRespectsLock(t *testing.T) {
	_, sc, models := fixture(t)

	store, err := Open(t.TempDir())
	require.NoError(t, err)

	held := flock.New(filepath.Join(store.Dir(), lockFile))
	ok, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	defer held.Unlock() //nolint:errcheck

	ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	defer cancel()
	err = store.Save(ctx, Manifest{RunID: "r"}, sc, models)
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(store.Dir(), manifestFile))
	assert.True(t, os.IsNotExist(statErr), "no manifest may be written while locked")
}

func TestOpenRejectsEmptyDir(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}
