package scaler

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFit(t *testing.T) {
	tests := []struct {
		name    string
		data    [][]float64
		names   []string
		wantErr error
	}{
		{name: "empty", data: nil, wantErr: ErrEmpty},
		{name: "ragged", data: [][]float64{{1, 2}, {3}}, wantErr: ErrSchemaMismatch},
		{name: "name count mismatch", data: [][]float64{{1, 2}}, names: []string{"a"}, wantErr: ErrSchemaMismatch},
		{name: "single row", data: [][]float64{{1, 2}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Fit(tt.data, tt.names)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestFitStatistics(t *testing.T) {
	data := [][]float64{
		{1, 10, 5},
		{2, 20, 5},
		{3, 30, 5},
		{4, 40, 5},
		{100, 50, 5},
	}

	r, err := Fit(data, []string{"a", "b", "c"})
	require.NoError(t, err)

	assert.Equal(t, []float64{3, 30, 5}, r.Center())
	// IQR: q75 - q25 with linear interpolation; constant column falls back to 1.
	assert.Equal(t, []float64{2, 20, 1}, r.Scale())

	out, err := r.Transform([][]float64{{5, 50, 7}})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1, 2}, out[0])
}

func TestTransformDeterministicAndPure(t *testing.T) {
	train := randomData(200, 4, 1)
	eval := randomData(50, 4, 2)
	evalCopy := cloneRows(eval)

	r, err := Fit(train, nil)
	require.NoError(t, err)
	center := r.Center()

	a, err := r.Transform(eval)
	require.NoError(t, err)
	b, err := r.Transform(eval)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, evalCopy, eval, "input must not be modified")
	assert.Equal(t, center, r.Center(), "transform must not refit")
}

func TestFitDependsOnlyOnTraining(t *testing.T) {
	train := randomData(100, 3, 3)

	r1, err := Fit(train, nil)
	require.NoError(t, err)
	_, err = r1.Transform(randomData(100, 3, 4))
	require.NoError(t, err)

	r2, err := Fit(train, nil)
	require.NoError(t, err)

	assert.Equal(t, r1.Center(), r2.Center())
	assert.Equal(t, r1.Scale(), r2.Scale())
}

func TestSchemaMismatch(t *testing.T) {
	r, err := Fit(randomData(10, 3, 5), []string{"a", "b", "c"})
	require.NoError(t, err)

	_, err = r.Transform([][]float64{{1, 2}})
	assert.ErrorIs(t, err, ErrSchemaMismatch)

	assert.NoError(t, r.CheckSchema([]string{"a", "b", "c"}))
	assert.ErrorIs(t, r.CheckSchema([]string{"a", "c", "b"}), ErrSchemaMismatch)
}

func TestSaveLoad(t *testing.T) {
	data := randomData(100, 5, 7)
	original, err := Fit(data, []string{"a", "b", "c", "d", "e"})
	require.NoError(t, err)

	blob, err := original.Save()
	require.NoError(t, err)

	loaded, err := Load(blob)
	require.NoError(t, err)

	eval := randomData(10, 5, 8)
	want, err := original.Transform(eval)
	require.NoError(t, err)
	got, err := loaded.Transform(eval)
	require.NoError(t, err)

	assert.Equal(t, want, got)
	assert.Equal(t, original.Names(), loaded.Names())
}

func TestSaveUnfitted(t *testing.T) {
	_, err := (&Robust{}).Save()
	assert.ErrorIs(t, err, ErrNotFitted)

	_, err = Load([]byte("garbage"))
	assert.Error(t, err)
}

func randomData(n, features int, seed int64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	data := make([][]float64, n)
	for i := range data {
		data[i] = make([]float64, features)
		for j := range data[i] {
			data[i][j] = rng.NormFloat64()*float64(j+1) + float64(j)
		}
	}
	return data
}

func cloneRows(data [][]float64) [][]float64 {
	out := make([][]float64, len(data))
	for i, row := range data {
		out[i] = append([]float64(nil), row...)
	}
	return out
}
