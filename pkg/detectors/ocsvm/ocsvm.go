// Package ocsvm implements a one-class support vector machine with an RBF
// kernel. The model bounds a high-density region of the training data; nu is
// an upper bound on the fraction of training samples left outside it.
package ocsvm

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/hed1ad/turboguard/pkg/detectors"
)

// Kind is the registry name of this detector.
const Kind = "one_class_svm"

const (
	defaultNu         = 0.05
	defaultTolerance  = 1e-3
	defaultMaxIter    = 100000
	defaultMaxSamples = 2000
)

// OneClassSVM is a kernel one-class boundary fitted with SMO.
type OneClassSVM struct {
	mu sync.RWMutex

	// Configuration
	nu         float64
	gamma      float64 // 0 selects 1 / (d * Var(X))
	tol        float64
	maxIter    int
	maxSamples int
	seed       int64

	// Trained model
	support   [][]float64
	coef      []float64
	rho       float64
	kGamma    float64
	nFeatures int
	trained   bool
	iters     int
}

// Option configures a OneClassSVM.
type Option func(*OneClassSVM)

// WithNu sets the expected outlier fraction, in (0, 1].
func WithNu(nu float64) Option {
	return func(m *OneClassSVM) {
		m.nu = nu
	}
}

// WithGamma sets the RBF kernel coefficient. Zero derives it from the data.
func WithGamma(g float64) Option {
	return func(m *OneClassSVM) {
		m.gamma = g
	}
}

// WithTolerance sets the SMO stopping tolerance.
func WithTolerance(tol float64) Option {
	return func(m *OneClassSVM) {
		m.tol = tol
	}
}

// WithMaxIter caps SMO iterations.
func WithMaxIter(n int) Option {
	return func(m *OneClassSVM) {
		m.maxIter = n
	}
}

// WithMaxSamples caps the number of training rows; larger inputs are subsampled.
// The kernel matrix is held in memory, so this bounds memory at n^2 floats.
func WithMaxSamples(n int) Option {
	return func(m *OneClassSVM) {
		m.maxSamples = n
	}
}

// WithSeed sets the random seed used for subsampling.
func WithSeed(seed int64) Option {
	return func(m *OneClassSVM) {
		m.seed = seed
	}
}

// New creates a OneClassSVM with the given options.
func New(opts ...Option) *OneClassSVM {
	m := &OneClassSVM{
		nu:         defaultNu,
		tol:        defaultTolerance,
		maxIter:    defaultMaxIter,
		maxSamples: defaultMaxSamples,
		seed:       detectors.DefaultConfig().RandomSeed,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Kind returns the registry name.
func (m *OneClassSVM) Kind() string { return Kind }

// Fit solves the one-class dual problem
//
//	min 0.5 a'Qa  s.t.  0 <= a_i <= 1, sum(a) = nu*l
//
// with Q_ij = K(x_i, x_j).
func (m *OneClassSVM) Fit(data [][]float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := detectors.CheckRows(data)
	if err != nil {
		return err
	}
	if m.nu <= 0 || m.nu > 1 {
		return fmt.Errorf("nu must be in (0, 1], got %v", m.nu)
	}

	x := data
	if m.maxSamples > 0 && len(x) > m.maxSamples {
		rng := rand.New(rand.NewSource(m.seed))
		idx := rng.Perm(len(x))[:m.maxSamples]
		x = make([][]float64, len(idx))
		for i, j := range idx {
			x[i] = data[j]
		}
	}

	gamma := m.gamma
	if gamma <= 0 {
		gamma = scaleGamma(x, d)
	}

	l := len(x)
	q := kernelMatrix(x, gamma)

	alpha, iters := initAlpha(l, m.nu), 0
	grad := make([]float64, l)
	for i := 0; i < l; i++ {
		if alpha[i] == 0 {
			continue
		}
		for k := 0; k < l; k++ {
			grad[k] += alpha[i] * q[i][k]
		}
	}

	for ; iters < m.maxIter; iters++ {
		i, j, gap := selectPair(alpha, grad)
		if i < 0 || gap < m.tol {
			break
		}

		quad := q[i][i] + q[j][j] - 2*q[i][j]
		if quad <= 0 {
			quad = 1e-12
		}
		// Move t from a_j to a_i; the unconstrained optimum is (G_j - G_i) / quad.
		t := (grad[j] - grad[i]) / quad
		t = math.Min(t, 1-alpha[i])
		t = math.Min(t, alpha[j])
		if t <= 0 {
			break
		}
		alpha[i] += t
		alpha[j] -= t
		for k := 0; k < l; k++ {
			grad[k] += t * (q[i][k] - q[j][k])
		}
	}

	m.rho = computeRho(alpha, grad)
	m.support = m.support[:0]
	m.coef = m.coef[:0]
	for i, a := range alpha {
		if a > 0 {
			m.support = append(m.support, append([]float64(nil), x[i]...))
			m.coef = append(m.coef, a)
		}
	}
	if len(m.support) == 0 {
		return errors.New("one-class svm: no support vectors")
	}

	m.kGamma = gamma
	m.nFeatures = d
	m.iters = iters
	m.trained = true
	return nil
}

// scaleGamma returns 1 / (d * Var(X)) over all entries of x, or 1/d for constant data.
func scaleGamma(x [][]float64, d int) float64 {
	flat := make([]float64, 0, len(x)*d)
	for _, row := range x {
		flat = append(flat, row...)
	}
	v := stat.PopVariance(flat, nil)
	if v <= 0 || math.IsNaN(v) {
		return 1 / float64(d)
	}
	return 1 / (float64(d) * v)
}

func kernelMatrix(x [][]float64, gamma float64) [][]float64 {
	l := len(x)
	q := make([][]float64, l)
	for i := range q {
		q[i] = make([]float64, l)
	}
	for i := 0; i < l; i++ {
		q[i][i] = 1
		for j := i + 1; j < l; j++ {
			k := rbf(x[i], x[j], gamma)
			q[i][j] = k
			q[j][i] = k
		}
	}
	return q
}

func rbf(a, b []float64, gamma float64) float64 {
	d := floats.Distance(a, b, 2)
	return math.Exp(-gamma * d * d)
}

// initAlpha puts the first floor(nu*l) multipliers at the upper bound and the
// remainder on the next one, so sum(a) = nu*l.
func initAlpha(l int, nu float64) []float64 {
	alpha := make([]float64, l)
	total := nu * float64(l)
	n := int(total)
	for i := 0; i < n && i < l; i++ {
		alpha[i] = 1
	}
	if n < l {
		alpha[n] = total - float64(n)
	}
	return alpha
}

// selectPair returns the maximal violating pair: i can grow (a_i < 1) and has
// the smallest gradient, j can shrink (a_j > 0) and has the largest.
func selectPair(alpha, grad []float64) (int, int, float64) {
	i, j := -1, -1
	gmin, gmax := math.Inf(1), math.Inf(-1)
	for k, a := range alpha {
		if a < 1 && grad[k] < gmin {
			gmin, i = grad[k], k
		}
		if a > 0 && grad[k] > gmax {
			gmax, j = grad[k], k
		}
	}
	if i < 0 || j < 0 {
		return -1, -1, 0
	}
	return i, j, gmax - gmin
}

// computeRho averages the gradient over free multipliers, falling back to the
// midpoint of the feasible interval when none are free.
func computeRho(alpha, grad []float64) float64 {
	var sum float64
	var free int
	ub, lb := math.Inf(1), math.Inf(-1)
	for k, a := range alpha {
		switch {
		case a >= 1:
			lb = math.Max(lb, grad[k])
		case a <= 0:
			ub = math.Min(ub, grad[k])
		default:
			sum += grad[k]
			free++
		}
	}
	if free > 0 {
		return sum / float64(free)
	}
	if math.IsInf(ub, 1) {
		return lb
	}
	if math.IsInf(lb, -1) {
		return ub
	}
	return (ub + lb) / 2
}

// Decision returns sum(a_i K(x_i, x)) - rho; negative values lie outside the boundary.
func (m *OneClassSVM) Decision(sample []float64) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.decision(sample)
}

func (m *OneClassSVM) decision(sample []float64) (float64, error) {
	if !m.trained {
		return 0, detectors.ErrNotFitted
	}
	if len(sample) != m.nFeatures {
		return 0, detectors.ErrDimension
	}
	var f float64
	for i, sv := range m.support {
		f += m.coef[i] * rbf(sv, sample, m.kGamma)
	}
	return f - m.rho, nil
}

// ScoreOne returns the negated decision value, so larger is more anomalous
// and positive scores fall outside the learned boundary.
func (m *OneClassSVM) ScoreOne(sample []float64) (float64, error) {
	f, err := m.Decision(sample)
	return -f, err
}

// Score returns ScoreOne for every sample.
func (m *OneClassSVM) Score(data [][]float64) ([]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	scores := make([]float64, len(data))
	for i, row := range data {
		f, err := m.decision(row)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		scores[i] = -f
	}
	return scores, nil
}

// Predict labels samples outside the boundary as anomalies.
func (m *OneClassSVM) Predict(data [][]float64) ([]detectors.Label, error) {
	scores, err := m.Score(data)
	if err != nil {
		return nil, err
	}
	return detectors.LabelsFromScores(scores, m.Threshold()), nil
}

// Threshold is the boundary itself: a score of zero.
func (m *OneClassSVM) Threshold() float64 { return 0 }

// SupportVectors returns the number of support vectors.
func (m *OneClassSVM) SupportVectors() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.support)
}

// Gamma returns the kernel coefficient used at fit time.
func (m *OneClassSVM) Gamma() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.kGamma
}

type wireModel struct {
	Nu        float64
	Gamma     float64
	Rho       float64
	NFeatures int
	Support   [][]float64
	Coef      []float64
}

// Save serializes the trained model.
func (m *OneClassSVM) Save() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.trained {
		return nil, detectors.ErrNotFitted
	}
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(wireModel{
		Nu:        m.nu,
		Gamma:     m.kGamma,
		Rho:       m.rho,
		NFeatures: m.nFeatures,
		Support:   m.support,
		Coef:      m.coef,
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Load deserializes a trained model.
func (m *OneClassSVM) Load(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var w wireModel
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return fmt.Errorf("decode one-class svm: %w", err)
	}
	if len(w.Support) != len(w.Coef) || len(w.Support) == 0 {
		return errors.New("decode one-class svm: inconsistent support vectors")
	}
	m.nu = w.Nu
	m.kGamma = w.Gamma
	m.rho = w.Rho
	m.nFeatures = w.NFeatures
	m.support = w.Support
	m.coef = w.Coef
	m.trained = true
	return nil
}

var _ detectors.Detector = (*OneClassSVM)(nil)
