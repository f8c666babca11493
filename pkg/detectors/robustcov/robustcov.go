// Package robustcov implements an elliptic envelope: a minimum covariance
// determinant (MCD) estimate of location and scatter, with samples flagged by
// their robust squared Mahalanobis distance.
package robustcov

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"sort"
	"sync"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/hed1ad/turboguard/pkg/detectors"
	"github.com/hed1ad/turboguard/pkg/threshold"
)

// Kind is the registry name of this detector.
const Kind = "robust_covariance"

const (
	defaultTrials     = 30
	defaultCSteps     = 30
	defaultMaxSamples = 1500
	defaultRidge      = 1e-6
)

// ErrSingular is returned when the covariance estimate cannot be inverted.
var ErrSingular = errors.New("covariance matrix is singular")

// EllipticEnvelope fits a robust Gaussian envelope around the training data.
type EllipticEnvelope struct {
	mu sync.RWMutex

	// Configuration
	contamination   float64
	supportFraction float64 // 0 selects (n+d+1)/2 samples
	trials          int
	cSteps          int
	maxSamples      int
	ridge           float64
	seed            int64

	// Trained model
	location  []float64
	precision *mat.SymDense
	logDet    float64
	offset    float64
	nFeatures int
	trained   bool
}

// Option configures an EllipticEnvelope.
type Option func(*EllipticEnvelope)

// WithContamination sets the expected proportion of anomalies.
func WithContamination(c float64) Option {
	return func(e *EllipticEnvelope) {
		e.contamination = c
	}
}

// WithSupportFraction sets the fraction of samples the raw MCD estimate covers.
func WithSupportFraction(f float64) Option {
	return func(e *EllipticEnvelope) {
		e.supportFraction = f
	}
}

// WithTrials sets the number of random (d+1)-row starting subsets. One
// deterministic start around the coordinatewise median is always tried too.
func WithTrials(n int) Option {
	return func(e *EllipticEnvelope) {
		e.trials = n
	}
}

// WithMaxSamples caps the rows used for the subset search; the final
// concentration steps always run on the full data.
func WithMaxSamples(n int) Option {
	return func(e *EllipticEnvelope) {
		e.maxSamples = n
	}
}

// WithRidge adds r to the covariance diagonal, keeping constant features invertible.
func WithRidge(r float64) Option {
	return func(e *EllipticEnvelope) {
		e.ridge = r
	}
}

// WithSeed sets the random seed for subset selection.
func WithSeed(seed int64) Option {
	return func(e *EllipticEnvelope) {
		e.seed = seed
	}
}

// New creates an EllipticEnvelope with the given options.
func New(opts ...Option) *EllipticEnvelope {
	e := &EllipticEnvelope{
		contamination: detectors.DefaultConfig().Contamination,
		trials:        defaultTrials,
		cSteps:        defaultCSteps,
		maxSamples:    defaultMaxSamples,
		ridge:         defaultRidge,
		seed:          detectors.DefaultConfig().RandomSeed,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Kind returns the registry name.
func (e *EllipticEnvelope) Kind() string { return Kind }

// estimate is a location/scatter pair with its factorization.
type estimate struct {
	location []float64
	chol     *mat.Cholesky
	logDet   float64
}

// Fit estimates robust location and covariance, then sets the distance
// offset at the 1-contamination quantile of the training distances.
func (e *EllipticEnvelope) Fit(data [][]float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	d, err := detectors.CheckRows(data)
	if err != nil {
		return err
	}
	if e.contamination < 0 || e.contamination >= 0.5 {
		return fmt.Errorf("contamination must be in [0, 0.5), got %v", e.contamination)
	}
	n := len(data)
	rng := rand.New(rand.NewSource(e.seed))

	h := supportSize(n, d, e.supportFraction)

	// Subset search on at most maxSamples rows.
	search := data
	if e.maxSamples > 0 && n > e.maxSamples {
		idx := rng.Perm(n)[:e.maxSamples]
		search = make([][]float64, len(idx))
		for i, j := range idx {
			search[i] = data[j]
		}
	}
	hs := supportSize(len(search), d, e.supportFraction)

	var best *estimate
	try := func(subset []int) {
		est, err := e.fitSubset(search, subset)
		if err != nil {
			return
		}
		est, _, err = e.concentrate(search, est, hs, e.cSteps)
		if err != nil {
			return
		}
		if best == nil || est.logDet < best.logDet {
			best = est
		}
	}

	if subset, err := medianStart(search, hs); err == nil {
		try(subset)
	}
	trials := max(e.trials, 1)
	start := d + 1
	if start >= len(search) {
		trials, start = 1, len(search)
	}
	for t := 0; t < trials; t++ {
		try(rng.Perm(len(search))[:start])
	}
	if best == nil {
		return ErrSingular
	}

	// Refine on the full data.
	raw, dist, err := e.concentrate(data, best, h, e.cSteps)
	if err != nil {
		return err
	}

	// Consistency correction: scale so the median distance matches chi2(d).
	chi := distuv.ChiSquared{K: float64(d)}
	med, err := threshold.Percentile(dist, 0.5)
	if err != nil {
		return err
	}
	correction := med / chi.Quantile(0.5)
	if correction <= 0 || math.IsNaN(correction) {
		correction = 1
	}
	for i := range dist {
		dist[i] /= correction
	}

	// Reweighting: re-estimate from samples inside the 97.5% chi2 quantile.
	cutoff := chi.Quantile(0.975)
	var inliers []int
	for i, v := range dist {
		if v < cutoff {
			inliers = append(inliers, i)
		}
	}
	final := raw
	if len(inliers) > d {
		if est, err := e.fitSubset(data, inliers); err == nil {
			final = est
		}
	}

	prec := mat.NewSymDense(d, nil)
	if err := final.chol.InverseTo(prec); err != nil {
		return fmt.Errorf("%w: %v", ErrSingular, err)
	}

	e.location = final.location
	e.precision = prec
	e.logDet = final.logDet
	e.nFeatures = d

	trainDist := make([]float64, n)
	for i, row := range data {
		trainDist[i] = e.mahalanobis(row)
	}
	e.offset = math.Inf(1)
	if e.contamination > 0 {
		if e.offset, err = threshold.Percentile(trainDist, 1-e.contamination); err != nil {
			return err
		}
	}
	e.trained = true
	return nil
}

func supportSize(n, d int, fraction float64) int {
	var h int
	if fraction > 0 {
		h = int(math.Ceil(fraction * float64(n)))
	} else {
		h = int(math.Ceil(0.5 * float64(n+d+1)))
	}
	return min(max(h, 1), n)
}

// fitSubset computes the mean and maximum-likelihood covariance of the rows
// selected by idx, plus the ridge.
func (e *EllipticEnvelope) fitSubset(data [][]float64, idx []int) (*estimate, error) {
	d := len(data[0])
	k := len(idx)

	loc := make([]float64, d)
	for _, i := range idx {
		for j, v := range data[i] {
			loc[j] += v
		}
	}
	for j := range loc {
		loc[j] /= float64(k)
	}

	centered := mat.NewDense(k, d, nil)
	for r, i := range idx {
		for j, v := range data[i] {
			centered.Set(r, j, v-loc[j])
		}
	}

	cov := mat.NewSymDense(d, nil)
	cov.SymOuterK(1/float64(k), centered.T())
	for j := 0; j < d; j++ {
		cov.SetSym(j, j, cov.At(j, j)+e.ridge)
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(cov); !ok {
		return nil, ErrSingular
	}
	return &estimate{location: loc, chol: &chol, logDet: chol.LogDet()}, nil
}

// concentrate runs C-steps: keep the h samples closest under the current
// estimate and refit. The first step always replaces est, whose support may
// be a (d+1)-row start and so is not comparable with h-row fits. Later steps
// compare h-row fits and stop once the determinant no longer shrinks. It
// returns the final estimate and the distances of all rows under it.
func (e *EllipticEnvelope) concentrate(data [][]float64, est *estimate, h, steps int) (*estimate, []float64, error) {
	est, err := e.fitSubset(data, closest(distances(data, est), h))
	if err != nil {
		return nil, nil, err
	}
	dist := distances(data, est)
	for s := 1; s < steps; s++ {
		next, err := e.fitSubset(data, closest(dist, h))
		if err != nil || next.logDet >= est.logDet-1e-12 {
			break
		}
		est = next
		dist = distances(data, est)
	}
	return est, dist, nil
}

// closest returns the indices of the h smallest distances.
func closest(dist []float64, h int) []int {
	order := make([]int, len(dist))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return dist[order[a]] < dist[order[b]] })
	return order[:h]
}

// medianStart returns the h rows nearest the coordinatewise median, each
// column scaled by its median absolute deviation (1 when that is zero).
func medianStart(data [][]float64, h int) ([]int, error) {
	d := len(data[0])
	col := make([]float64, len(data))
	dev := make([]float64, len(data))
	dist := make([]float64, len(data))
	for j := 0; j < d; j++ {
		for i, row := range data {
			col[i] = row[j]
		}
		med, err := threshold.Percentile(col, 0.5)
		if err != nil {
			return nil, err
		}
		for i, v := range col {
			dev[i] = math.Abs(v - med)
		}
		mad, err := threshold.Percentile(dev, 0.5)
		if err != nil {
			return nil, err
		}
		if mad <= 0 {
			mad = 1
		}
		for i, v := range col {
			z := (v - med) / mad
			dist[i] += z * z
		}
	}
	return closest(dist, h), nil
}

func distances(data [][]float64, est *estimate) []float64 {
	d := len(est.location)
	diff := mat.NewVecDense(d, nil)
	sol := mat.NewVecDense(d, nil)
	out := make([]float64, len(data))
	for i, row := range data {
		for j, v := range row {
			diff.SetVec(j, v-est.location[j])
		}
		if err := est.chol.SolveVecTo(sol, diff); err != nil {
			out[i] = math.Inf(1)
			continue
		}
		out[i] = mat.Dot(diff, sol)
	}
	return out
}

// mahalanobis returns the squared distance of x under the fitted estimate.
func (e *EllipticEnvelope) mahalanobis(x []float64) float64 {
	diff := make([]float64, len(x))
	for j, v := range x {
		diff[j] = v - e.location[j]
	}
	v := mat.NewVecDense(len(diff), diff)
	return mat.Inner(v, e.precision, v)
}

// check validates x against the fitted model. Callers hold e.mu.
func (e *EllipticEnvelope) check(x []float64) error {
	if !e.trained {
		return detectors.ErrNotFitted
	}
	if len(x) != e.nFeatures {
		return detectors.ErrDimension
	}
	return nil
}

// Mahalanobis returns the robust squared Mahalanobis distance of x.
func (e *EllipticEnvelope) Mahalanobis(x []float64) (float64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.check(x); err != nil {
		return 0, err
	}
	return e.mahalanobis(x), nil
}

// ScoreOne returns the distance minus the contamination offset; positive
// scores lie outside the envelope.
func (e *EllipticEnvelope) ScoreOne(sample []float64) (float64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.check(sample); err != nil {
		return 0, err
	}
	return e.mahalanobis(sample) - e.offset, nil
}

// Score returns ScoreOne for every sample, all under one fitted state.
func (e *EllipticEnvelope) Score(data [][]float64) ([]float64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	scores := make([]float64, len(data))
	for i, row := range data {
		if err := e.check(row); err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		scores[i] = e.mahalanobis(row) - e.offset
	}
	return scores, nil
}

// Predict labels samples outside the envelope as anomalies.
func (e *EllipticEnvelope) Predict(data [][]float64) ([]detectors.Label, error) {
	scores, err := e.Score(data)
	if err != nil {
		return nil, err
	}
	return detectors.LabelsFromScores(scores, e.Threshold()), nil
}

// Threshold is the envelope boundary: a score of zero.
func (e *EllipticEnvelope) Threshold() float64 { return 0 }

// Location returns a copy of the robust center.
func (e *EllipticEnvelope) Location() []float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.location)
}

// Offset returns the squared distance at the contamination quantile.
func (e *EllipticEnvelope) Offset() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.offset
}

type wireModel struct {
	Contamination float64
	NFeatures     int
	Location      []float64
	Precision     []float64
	LogDet        float64
	Offset        float64
}

// Save serializes the trained model.
func (e *EllipticEnvelope) Save() ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.trained {
		return nil, detectors.ErrNotFitted
	}
	d := e.nFeatures
	prec := make([]float64, 0, d*d)
	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			prec = append(prec, e.precision.At(i, j))
		}
	}

	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(wireModel{
		Contamination: e.contamination,
		NFeatures:     d,
		Location:      e.location,
		Precision:     prec,
		LogDet:        e.logDet,
		Offset:        e.offset,
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Load deserializes a trained model.
func (e *EllipticEnvelope) Load(data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var w wireModel
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return fmt.Errorf("decode elliptic envelope: %w", err)
	}
	if len(w.Location) != w.NFeatures || len(w.Precision) != w.NFeatures*w.NFeatures {
		return errors.New("decode elliptic envelope: inconsistent dimensions")
	}

	e.contamination = w.Contamination
	e.nFeatures = w.NFeatures
	e.location = w.Location
	e.precision = mat.NewSymDense(w.NFeatures, w.Precision)
	e.logDet = w.LogDet
	e.offset = w.Offset
	e.trained = true
	return nil
}

var _ detectors.Detector = (*EllipticEnvelope)(nil)
