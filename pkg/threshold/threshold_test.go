package threshold

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPercentile(t *testing.T) {
	tests := []struct {
		name    string
		scores  []float64
		q       float64
		want    float64
		wantErr error
	}{
		{name: "median odd", scores: []float64{3, 1, 2}, q: 0.5, want: 2},
		{name: "median even", scores: []float64{4, 1, 3, 2}, q: 0.5, want: 2.5},
		{name: "min", scores: []float64{5, 2, 9}, q: 0, want: 2},
		{name: "max", scores: []float64{5, 2, 9}, q: 1, want: 9},
		{name: "interpolated", scores: []float64{1, 2, 3, 4, 5}, q: 0.95, want: 4.8},
		{name: "single", scores: []float64{7}, q: 0.95, want: 7},
		{name: "empty", scores: nil, q: 0.5, wantErr: ErrEmpty},
		{name: "out of range", scores: []float64{1}, q: 1.5, wantErr: ErrQuantileRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Percentile(tt.scores, tt.q)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-12)
		})
	}
}

func TestPercentileDoesNotMutate(t *testing.T) {
	scores := []float64{3, 1, 2}
	_, err := Percentile(scores, 0.5)
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 1, 2}, scores)
}

func TestThresholdBoundary(t *testing.T) {
	reference := make([]float64, 101)
	for i := range reference {
		reference[i] = float64(i)
	}

	th, err := Fit(reference, DefaultQuantile)
	require.NoError(t, err)
	assert.Equal(t, 95.0, th.Value)

	assert.Equal(t, 1, th.Classify(95), "boundary is anomalous")
	assert.Equal(t, 1, th.Classify(95.0001))
	assert.Equal(t, 0, th.Classify(94.9999))
}

func TestThresholdMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	reference := make([]float64, 500)
	for i := range reference {
		reference[i] = rng.NormFloat64()
	}
	th, err := Fit(reference, 0.95)
	require.NoError(t, err)

	prev := 0
	for s := -5.0; s <= 5.0; s += 0.01 {
		c := th.Classify(s)
		assert.GreaterOrEqual(t, c, prev)
		prev = c
	}
}

func TestFiveOfHundred(t *testing.T) {
	scores := make([]float64, 100)
	for i := range scores {
		scores[i] = float64(i%95) / 100
	}
	for i := 0; i < 5; i++ {
		scores[i*20] = 10 + float64(i)
	}

	th, err := Fit(scores, 0.95)
	require.NoError(t, err)

	labels := th.Apply(scores)
	positives := 0
	for _, l := range labels {
		positives += l
	}
	assert.Equal(t, 5, positives)
	for i := 0; i < 5; i++ {
		assert.Equal(t, 1, labels[i*20])
	}
}
