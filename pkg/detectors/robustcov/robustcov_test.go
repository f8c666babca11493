package robustcov

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/turboguard/pkg/detectors"
)

func TestFitErrors(t *testing.T) {
	assert.ErrorIs(t, New().Fit(nil), detectors.ErrEmptyData)
	assert.Error(t, New(WithContamination(0.6)).Fit(correlated(50, 0, 1)))
}

func TestRobustLocation(t *testing.T) {
	data := correlated(400, 40, 1)
	e := New(WithContamination(0.1), WithSeed(3))
	require.NoError(t, e.Fit(data))

	loc := e.Location()
	require.Len(t, loc, 2)
	// The contaminating cluster at (10, 10) must not drag the center.
	assert.InDelta(t, 0, loc[0], 0.3)
	assert.InDelta(t, 0, loc[1], 0.3)
}

func TestOutliersFlagged(t *testing.T) {
	data := correlated(400, 40, 2)
	e := New(WithContamination(0.1), WithSeed(3))
	require.NoError(t, e.Fit(data))

	labels, err := e.Predict(data)
	require.NoError(t, err)

	for i := 400; i < 440; i++ {
		assert.Equal(t, detectors.Anomaly, labels[i], "row %d", i)
	}

	flagged := 0
	for _, l := range labels {
		flagged += int(l)
	}
	assert.InDelta(t, 44, flagged, 3)
}

func TestContaminatedTraining(t *testing.T) {
	data, drifted := fleet(360, 120, 11)
	e := New(WithTrials(5), WithSeed(4))
	require.NoError(t, e.Fit(data))

	// The drifting quarter must not pull the center along the drifted sensors.
	loc := e.Location()
	for j := 0; j < driftedSensors; j++ {
		assert.InDelta(t, 0, loc[j], 0.5, "column %d", j)
	}

	var normalSum, driftSum, normalMax float64
	dist := make([]float64, len(data))
	for i, row := range data {
		m, err := e.Mahalanobis(row)
		require.NoError(t, err)
		dist[i] = m
		if drifted[i] {
			driftSum += m
		} else {
			normalSum += m
			normalMax = max(normalMax, m)
		}
	}
	normalMean := normalSum / 360
	driftMean := driftSum / 120
	assert.Greater(t, driftMean, 5*normalMean, "normal %.1f, drifted %.1f", normalMean, driftMean)

	above := 0
	for i, m := range dist {
		if drifted[i] && m > normalMax {
			above++
		}
	}
	assert.GreaterOrEqual(t, above, 114, "drifted rows beyond every normal row")
}

func TestConcentrateLeavesSmallStart(t *testing.T) {
	data, _ := fleet(360, 120, 12)
	d := len(data[0])
	e := New()

	start, err := e.fitSubset(data, rand.New(rand.NewSource(1)).Perm(len(data))[:d+1])
	require.NoError(t, err)
	h := supportSize(len(data), d, 0)
	est, dist, err := e.concentrate(data, start, h, 30)
	require.NoError(t, err)

	// The result is fitted on h rows, whatever the start's determinant was.
	again, err := e.fitSubset(data, closest(dist, h))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, again.logDet, est.logDet-1e-9, "C-steps ran until the determinant stopped shrinking")
	assert.Greater(t, est.logDet, start.logDet, "the (d+1)-row start has the smaller, incomparable determinant")
}

func TestCorrelationAware(t *testing.T) {
	e := New(WithSeed(5))
	require.NoError(t, e.Fit(correlated(500, 0, 5)))

	// Same Euclidean distance from the center; (1, 1) follows the correlation, (1, -1) breaks it.
	along, err := e.Mahalanobis([]float64{1, 1})
	require.NoError(t, err)
	across, err := e.Mahalanobis([]float64{1, -1})
	require.NoError(t, err)
	assert.Greater(t, across, along*3)
}

func TestConstantFeature(t *testing.T) {
	data := correlated(200, 0, 6)
	withConst := make([][]float64, len(data))
	for i, row := range data {
		withConst[i] = append([]float64{0}, row...)
	}

	e := New()
	require.NoError(t, e.Fit(withConst), "ridge keeps a constant column invertible")

	inside, err := e.ScoreOne([]float64{0, 0, 0})
	require.NoError(t, err)
	shifted, err := e.ScoreOne([]float64{1, 0, 0})
	require.NoError(t, err)
	assert.Less(t, inside, 0.0)
	assert.Greater(t, shifted, 0.0)
}

func TestScoreSign(t *testing.T) {
	e := New(WithContamination(0.05))
	require.NoError(t, e.Fit(correlated(300, 0, 7)))

	far, err := e.ScoreOne([]float64{6, -6})
	require.NoError(t, err)
	near, err := e.ScoreOne([]float64{0, 0})
	require.NoError(t, err)
	assert.Greater(t, far, 0.0)
	assert.Less(t, near, 0.0)

	_, err = e.ScoreOne([]float64{1})
	assert.ErrorIs(t, err, detectors.ErrDimension)
}

func TestSaveLoad(t *testing.T) {
	e := New()
	require.NoError(t, e.Fit(correlated(300, 10, 8)))

	blob, err := e.Save()
	require.NoError(t, err)

	loaded := New()
	require.NoError(t, loaded.Load(blob))

	eval := correlated(20, 5, 9)
	want, err := e.Score(eval)
	require.NoError(t, err)
	got, err := loaded.Score(eval)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want, got, 1e-9)
	assert.Equal(t, e.Offset(), loaded.Offset())
}

func TestScoreWhileLoading(t *testing.T) {
	a := New(WithContamination(0.05))
	require.NoError(t, a.Fit(correlated(300, 0, 21)))
	b := New(WithContamination(0.2))
	require.NoError(t, b.Fit(correlated(300, 30, 22)))

	blobA, err := a.Save()
	require.NoError(t, err)
	blobB, err := b.Save()
	require.NoError(t, err)

	x := []float64{2, -1}
	wantA, err := a.ScoreOne(x)
	require.NoError(t, err)
	wantB, err := b.ScoreOne(x)
	require.NoError(t, err)

	shared := New()
	require.NoError(t, shared.Load(blobA))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			blob := blobA
			if i%2 == 0 {
				blob = blobB
			}
			if err := shared.Load(blob); err != nil {
				return
			}
		}
	}()

	for i := 0; i < 2000; i++ {
		got, err := shared.ScoreOne(x)
		require.NoError(t, err)
		if math.Abs(got-wantA) > 1e-9 && math.Abs(got-wantB) > 1e-9 {
			t.Fatalf("score %v mixes two models (want %v or %v)", got, wantA, wantB)
		}
	}
	<-done
}

func TestSaveUnfitted(t *testing.T) {
	_, err := New().Save()
	assert.ErrorIs(t, err, detectors.ErrNotFitted)
}

func BenchmarkFit(b *testing.B) {
	data := correlated(5000, 100, 1)
	for i := 0; i < b.N; i++ {
		New().Fit(data)
	}
}

const (
	fleetWidth     = 24
	driftedSensors = 6
)

// fleet returns n standard normal rows of fleetWidth columns followed by k
// rows whose first driftedSensors columns drift upward by 4 to about 13.
// The second result marks the drifted rows.
func fleet(n, k int, seed int64) ([][]float64, []bool) {
	rng := rand.New(rand.NewSource(seed))
	out := make([][]float64, 0, n+k)
	drifted := make([]bool, 0, n+k)
	for i := 0; i < n+k; i++ {
		row := make([]float64, fleetWidth)
		for j := range row {
			row[j] = rng.NormFloat64()
		}
		if i >= n {
			shift := 4 + 0.3*float64((i-n)%30)
			for j := 0; j < driftedSensors; j++ {
				row[j] += shift
			}
		}
		out = append(out, row)
		drifted = append(drifted, i >= n)
	}
	return out, drifted
}

// correlated returns n samples from a 2-D Gaussian with correlation 0.9,
// followed by k samples around (10, 10).
func correlated(n, k int, seed int64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	out := make([][]float64, 0, n+k)
	for i := 0; i < n; i++ {
		a := rng.NormFloat64()
		b := 0.9*a + 0.436*rng.NormFloat64()
		out = append(out, []float64{a, b})
	}
	for i := 0; i < k; i++ {
		out = append(out, []float64{10 + 0.1*rng.NormFloat64(), 10 + 0.1*rng.NormFloat64()})
	}
	return out
}
