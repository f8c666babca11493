package iforest

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/turboguard/pkg/detectors"
)

func TestNewIsolationForest(t *testing.T) {
	tests := []struct {
		name       string
		opts       []Option
		wantNTrees int
	}{
		{
			name:       "default configuration",
			opts:       nil,
			wantNTrees: 100,
		},
		{
			name:       "custom trees",
			opts:       []Option{WithTrees(50)},
			wantNTrees: 50,
		},
		{
			name:       "multiple options",
			opts:       []Option{WithTrees(200), WithContamination(0.05), WithSeed(123)},
			wantNTrees: 200,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(tt.opts...)
			assert.Equal(t, tt.wantNTrees, f.nTrees)
			assert.Equal(t, Kind, f.Kind())
		})
	}
}

func TestFit(t *testing.T) {
	tests := []struct {
		name    string
		data    [][]float64
		wantErr bool
	}{
		{
			name:    "empty data",
			data:    [][]float64{},
			wantErr: true,
		},
		{
			name:    "ragged data",
			data:    [][]float64{{1, 2}, {3}},
			wantErr: true,
		},
		{
			name:    "single sample",
			data:    [][]float64{{1.0, 2.0, 3.0}},
			wantErr: false,
		},
		{
			name:    "normal data",
			data:    generateTestData(100, 5, 1),
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(WithTrees(10), WithSeed(42))
			err := f.Fit(tt.data)

			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.True(t, f.trained)
				assert.Len(t, f.trees, f.nTrees)
			}
		})
	}
}

func TestScore(t *testing.T) {
	trainData := generateTestData(500, 5, 2)
	f := New(WithTrees(50), WithSampleSize(100), WithSeed(42))
	require.NoError(t, f.Fit(trainData))

	t.Run("score normal data", func(t *testing.T) {
		testData := generateTestData(100, 5, 3)
		scores, err := f.Score(testData)

		require.NoError(t, err)
		assert.Len(t, scores, len(testData))

		for _, score := range scores {
			assert.GreaterOrEqual(t, score, 0.0)
			assert.LessOrEqual(t, score, 1.0)
		}
	})

	t.Run("score anomalies", func(t *testing.T) {
		anomalies := [][]float64{
			{1000, 1000, 1000, 1000, 1000},
			{-500, -500, -500, -500, -500},
		}
		scores, err := f.Score(anomalies)

		require.NoError(t, err)
		for _, score := range scores {
			assert.Greater(t, score, f.Threshold(), "anomalies should exceed the contamination threshold")
		}

		labels, err := f.Predict(anomalies)
		require.NoError(t, err)
		assert.Equal(t, []detectors.Label{detectors.Anomaly, detectors.Anomaly}, labels)
	})

	t.Run("wrong width", func(t *testing.T) {
		_, err := f.Score([][]float64{{1, 2}})
		assert.ErrorIs(t, err, detectors.ErrDimension)
	})

	t.Run("score before fit", func(t *testing.T) {
		untrained := New()
		_, err := untrained.Score(trainData)
		assert.ErrorIs(t, err, detectors.ErrNotFitted)
	})
}

func TestFitDeterministic(t *testing.T) {
	data := generateTestData(300, 4, 4)
	a := New(WithTrees(20), WithSeed(9))
	b := New(WithTrees(20), WithSeed(9))
	require.NoError(t, a.Fit(data))
	require.NoError(t, b.Fit(data))

	sa, err := a.Score(data[:20])
	require.NoError(t, err)
	sb, err := b.Score(data[:20])
	require.NoError(t, err)
	assert.Equal(t, sa, sb)
}

func TestContaminationThreshold(t *testing.T) {
	data := generateTestData(1000, 3, 5)
	f := New(WithTrees(50), WithContamination(0.1), WithSeed(1))
	require.NoError(t, f.Fit(data))

	labels, err := f.Predict(data)
	require.NoError(t, err)

	flagged := 0
	for _, l := range labels {
		flagged += int(l)
	}
	assert.InDelta(t, 100, flagged, 10)
}

func TestScoreOne(t *testing.T) {
	trainData := generateTestData(200, 3, 6)
	f := New(WithTrees(20), WithSeed(42))
	require.NoError(t, f.Fit(trainData))

	score, err := f.ScoreOne([]float64{0.5, 0.5, 0.5})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, score, 0.0)
	assert.LessOrEqual(t, score, 1.0)
}

func TestStream(t *testing.T) {
	trainData := generateTestData(200, 3, 7)
	f := New(WithTrees(20), WithSeed(42))
	require.NoError(t, f.Fit(trainData))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	input := make(chan []float64, 10)
	output := make(chan detectors.Result, 10)

	testSamples := [][]float64{
		{0.5, 0.5, 0.5},
		{100, 100, 100}, // anomaly
		{0.3, 0.3, 0.3},
	}
	for _, sample := range testSamples {
		input <- sample
	}
	close(input)

	require.NoError(t, detectors.Stream(ctx, f, f.Threshold(), input, output))
	close(output)

	results := make([]detectors.Result, 0, len(testSamples))
	for r := range output {
		require.NoError(t, r.Err)
		results = append(results, r)
	}

	require.Len(t, results, len(testSamples))
	assert.True(t, results[1].IsAnomaly)
}

func TestSaveLoad(t *testing.T) {
	trainData := generateTestData(200, 4, 8)
	original := New(WithTrees(30), WithContamination(0.15), WithSeed(42))
	require.NoError(t, original.Fit(trainData))

	testData := generateTestData(50, 4, 9)
	originalScores, err := original.Score(testData)
	require.NoError(t, err)

	data, err := original.Save()
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	loaded := New()
	require.NoError(t, loaded.Load(data))

	loadedScores, err := loaded.Score(testData)
	require.NoError(t, err)

	assert.Equal(t, originalScores, loadedScores)
	assert.Equal(t, original.Threshold(), loaded.Threshold())
}

func TestSaveUnfitted(t *testing.T) {
	_, err := New().Save()
	assert.ErrorIs(t, err, detectors.ErrNotFitted)
}

func TestThreshold(t *testing.T) {
	f := New()
	f.trained = true

	assert.Equal(t, 0.5, f.Threshold())

	f.SetThreshold(0.7)
	assert.Equal(t, 0.7, f.Threshold())
}

func BenchmarkFit(b *testing.B) {
	data := generateTestData(10000, 10, 1)
	f := New(WithTrees(100), WithSampleSize(256))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Fit(data)
	}
}

func BenchmarkScore(b *testing.B) {
	trainData := generateTestData(5000, 10, 1)
	testData := generateTestData(1000, 10, 2)

	f := New(WithTrees(100), WithSampleSize(256))
	f.Fit(trainData)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Score(testData)
	}
}

func generateTestData(n, features int, seed int64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	data := make([][]float64, n)
	for i := 0; i < n; i++ {
		data[i] = make([]float64, features)
		for j := 0; j < features; j++ {
			data[i][j] = rng.NormFloat64()
		}
	}
	return data
}
