package report

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(t.Context(), filepath.Join(t.TempDir(), "db", "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreSaveGet(t *testing.T) {
	ctx := t.Context()
	store := openTestStore(t)
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	r := sampleReport(t, "3f2a9c1e-0000-4000-8000-000000000001", created)

	require.NoError(t, store.Save(ctx, r))

	got, err := store.Get(ctx, r.RunID)
	require.NoError(t, err)
	assert.Equal(t, r.RunID, got.RunID)
	assert.True(t, created.Equal(got.CreatedAt))
	assert.Equal(t, r.Kinds(), got.Kinds())
	assert.InDelta(t, *r.Models["autoencoder"].Metrics.AUC, *got.Models["autoencoder"].Metrics.AUC, 1e-12)
	require.NotNil(t, got.Models["autoencoder"].Metrics.ROC, "curve points are stored with the run")
	assert.Equal(t, r.Models["autoencoder"].Metrics.ROC.Thresholds, got.Models["autoencoder"].Metrics.ROC.Thresholds)

	byPrefix, err := store.Get(ctx, "3f2a")
	require.NoError(t, err)
	assert.Equal(t, r.RunID, byPrefix.RunID)

	_, err = store.Get(ctx, "ffff")
	assert.ErrorIs(t, err, ErrNotFound)

	err = store.Save(ctx, r)
	assert.Error(t, err, "duplicate run ids are rejected")
}

func TestStoreGetAmbiguousPrefix(t *testing.T) {
	ctx := t.Context()
	store := openTestStore(t)
	require.NoError(t, store.Save(ctx, sampleReport(t, "abc-1", time.Now())))
	require.NoError(t, store.Save(ctx, sampleReport(t, "abc-2", time.Now())))

	_, err := store.Get(ctx, "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguous")

	got, err := store.Get(ctx, "abc-2")
	require.NoError(t, err)
	assert.Equal(t, "abc-2", got.RunID)
}

func TestStoreGetEscapesWildcards(t *testing.T) {
	ctx := t.Context()
	store := openTestStore(t)
	require.NoError(t, store.Save(ctx, sampleReport(t, "run-1", time.Now())))

	_, err := store.Get(ctx, "r_n")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, "%")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreList(t *testing.T) {
	ctx := t.Context()
	store := openTestStore(t)
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.Save(ctx, sampleReport(t, "old", base)))
	require.NoError(t, store.Save(ctx, sampleReport(t, "mid", base.Add(500*time.Millisecond))))
	require.NoError(t, store.Save(ctx, sampleReport(t, "new", base.Add(time.Hour))))

	all, err := store.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 6)
	assert.Equal(t, "new", all[0].RunID)
	assert.Equal(t, "autoencoder", all[0].Model)
	assert.Equal(t, "one_class_svm", all[1].Model)
	assert.Equal(t, "mid", all[2].RunID)
	assert.Equal(t, "old", all[4].RunID)

	assert.NotNil(t, all[0].AUC)
	assert.Nil(t, all[1].AUC)
	assert.InDelta(t, 0.875, all[0].Accuracy, 1e-12)
	assert.InDelta(t, 0.5, all[0].Cutoff, 1e-12)

	recent, err := store.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "new", recent[0].RunID)
}

func TestStoreReopenKeepsRuns(t *testing.T) {
	ctx := t.Context()
	path := filepath.Join(t.TempDir(), "runs.db")

	store, err := OpenStore(ctx, path)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, sampleReport(t, "persisted", time.Now())))
	require.NoError(t, store.Close())

	store, err = OpenStore(ctx, path)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.Get(ctx, "persisted")
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.RunID)
}
