// Package autoencoder implements a shallow reconstruction model: one hidden
// layer narrower than the input, an L1 activity penalty on the hidden units,
// and a linear output layer. The anomaly score of a sample is its mean squared
// reconstruction error.
package autoencoder

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"slices"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/hed1ad/turboguard/pkg/dataset"
	"github.com/hed1ad/turboguard/pkg/detectors"
	"github.com/hed1ad/turboguard/pkg/threshold"
)

// Kind is the registry name of this detector.
const Kind = "autoencoder"

// Hidden layer activations.
const (
	Tanh    = "tanh"
	ReLU    = "relu"
	Sigmoid = "sigmoid"
	Linear  = "linear"
)

const (
	adamBeta1 = 0.9
	adamBeta2 = 0.999
	adamEps   = 1e-7
)

// Epoch records the losses after one pass over the training rows.
type Epoch struct {
	Epoch      int     `json:"epoch"`
	TrainLoss  float64 `json:"train_loss"`
	ValLoss    float64 `json:"val_loss"`
	Checkpoint bool    `json:"checkpoint"`
}

// Autoencoder is a single-hidden-layer reconstruction model.
type Autoencoder struct {
	mu sync.RWMutex

	// Configuration
	hidden          int // 0 selects half the input width
	activation      string
	l1              float64
	epochs          int
	batchSize       int
	learningRate    float64
	validationSplit float64
	quantile        float64
	seed            int64
	logger          *slog.Logger

	// Trained model
	w1        *mat.Dense // inputs x hidden
	b1        []float64
	w2        *mat.Dense // hidden x inputs
	b2        []float64
	nFeatures int
	threshold float64
	history   []Epoch
	trained   bool
}

// Option configures an Autoencoder.
type Option func(*Autoencoder)

// WithHidden sets the hidden layer width. It must be smaller than the input width.
func WithHidden(n int) Option {
	return func(a *Autoencoder) {
		a.hidden = n
	}
}

// WithActivation selects the hidden activation: tanh, relu, sigmoid or linear.
func WithActivation(name string) Option {
	return func(a *Autoencoder) {
		a.activation = name
	}
}

// WithL1 sets the activity penalty on hidden activations.
func WithL1(l1 float64) Option {
	return func(a *Autoencoder) {
		a.l1 = l1
	}
}

// WithEpochs sets the number of passes over the training rows.
func WithEpochs(n int) Option {
	return func(a *Autoencoder) {
		a.epochs = n
	}
}

// WithBatchSize sets the mini-batch size.
func WithBatchSize(n int) Option {
	return func(a *Autoencoder) {
		a.batchSize = n
	}
}

// WithLearningRate sets the Adam step size.
func WithLearningRate(lr float64) Option {
	return func(a *Autoencoder) {
		a.learningRate = lr
	}
}

// WithValidationSplit holds out the last fraction of rows for monitoring.
func WithValidationSplit(f float64) Option {
	return func(a *Autoencoder) {
		a.validationSplit = f
	}
}

// WithQuantile sets the training-score quantile used as the Predict cutoff.
func WithQuantile(q float64) Option {
	return func(a *Autoencoder) {
		a.quantile = q
	}
}

// WithSeed sets the random seed for initialization and shuffling.
func WithSeed(seed int64) Option {
	return func(a *Autoencoder) {
		a.seed = seed
	}
}

// WithLogger sets the logger used for per-epoch progress.
func WithLogger(l *slog.Logger) Option {
	return func(a *Autoencoder) {
		a.logger = l
	}
}

// New creates an Autoencoder with the given options.
func New(opts ...Option) *Autoencoder {
	a := &Autoencoder{
		activation:      Tanh,
		l1:              1e-5,
		epochs:          20,
		batchSize:       32,
		learningRate:    1e-3,
		validationSplit: 0.1,
		quantile:        threshold.DefaultQuantile,
		seed:            detectors.DefaultConfig().RandomSeed,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

// Kind returns the registry name.
func (a *Autoencoder) Kind() string { return Kind }

type activationFunc struct {
	f     func(z float64) float64
	deriv func(z, a float64) float64
}

var activations = map[string]activationFunc{
	Tanh: {
		f:     math.Tanh,
		deriv: func(_, a float64) float64 { return 1 - a*a },
	},
	ReLU: {
		f: func(z float64) float64 { return math.Max(0, z) },
		deriv: func(z, _ float64) float64 {
			if z > 0 {
				return 1
			}
			return 0
		},
	},
	Sigmoid: {
		f:     func(z float64) float64 { return 1 / (1 + math.Exp(-z)) },
		deriv: func(_, a float64) float64 { return a * (1 - a) },
	},
	Linear: {
		f:     func(z float64) float64 { return z },
		deriv: func(_, _ float64) float64 { return 1 },
	},
}

// Fit trains on data, whose rows never include a label. The last
// validationSplit of rows is held out and its loss is tracked each epoch;
// the weights from the epoch with the lowest validation loss are kept.
func (a *Autoencoder) Fit(data [][]float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	d, err := detectors.CheckRows(data)
	if err != nil {
		return err
	}
	act, ok := activations[a.activation]
	if !ok {
		return fmt.Errorf("unknown activation %q", a.activation)
	}
	h := a.hidden
	if h == 0 {
		h = max(d/2, 1)
	}
	if h >= d {
		return fmt.Errorf("hidden width %d must be smaller than input width %d", h, d)
	}
	if a.epochs <= 0 || a.batchSize <= 0 {
		return errors.New("epochs and batch size must be positive")
	}

	train, val := dataset.SplitTail(data, a.validationSplit)
	rng := rand.New(rand.NewSource(a.seed))

	a.nFeatures = d
	a.w1 = glorot(rng, d, h)
	a.b1 = make([]float64, h)
	a.w2 = glorot(rng, h, d)
	a.b2 = make([]float64, d)
	a.history = a.history[:0]

	opt := newAdam(a.learningRate, d*h, h, h*d, d)
	var valX *mat.Dense
	if len(val) > 0 {
		valX = toDense(val)
	}

	bestLoss := math.Inf(1)
	var best params
	for epoch := 1; epoch <= a.epochs; epoch++ {
		perm := rng.Perm(len(train))
		var total float64
		for start := 0; start < len(perm); start += a.batchSize {
			end := min(start+a.batchSize, len(perm))
			batch := make([][]float64, 0, end-start)
			for _, i := range perm[start:end] {
				batch = append(batch, train[i])
			}
			loss := a.step(toDense(batch), act, opt)
			total += loss * float64(len(batch))
		}
		trainLoss := total / float64(len(train))

		valLoss := trainLoss
		if valX != nil {
			valLoss = a.loss(valX, act)
		}

		rec := Epoch{Epoch: epoch, TrainLoss: trainLoss, ValLoss: valLoss}
		if valLoss < bestLoss {
			bestLoss = valLoss
			best = a.snapshot()
			rec.Checkpoint = true
		}
		a.history = append(a.history, rec)
		a.logger.Debug("autoencoder epoch",
			"epoch", epoch,
			"train_loss", trainLoss,
			"val_loss", valLoss,
			"checkpoint", rec.Checkpoint)
	}
	if best.w1 != nil {
		a.restore(best)
	}
	a.trained = true

	scores, err := a.score(data)
	if err != nil {
		return err
	}
	if a.threshold, err = threshold.Percentile(scores, a.quantile); err != nil {
		return err
	}
	return nil
}

// step runs forward and backward passes on one batch and applies an Adam
// update. It returns the batch loss before the update.
func (a *Autoencoder) step(x *mat.Dense, act activationFunc, opt *adam) float64 {
	rows, d := x.Dims()
	_, h := a.w1.Dims()

	z1, a1, out := a.forward(x, act)
	loss := a.objective(x, a1, out)

	diff := mat.NewDense(rows, d, nil)
	diff.Sub(out, x)
	dOut := mat.NewDense(rows, d, nil)
	dOut.Scale(2/float64(rows*d), diff)

	dW2 := mat.NewDense(h, d, nil)
	dW2.Mul(a1.T(), dOut)
	db2 := colSums(dOut)

	dA1 := mat.NewDense(rows, h, nil)
	dA1.Mul(dOut, a.w2.T())
	l1 := a.l1 / float64(rows)
	dZ1 := mat.NewDense(rows, h, nil)
	dZ1.Apply(func(i, j int, v float64) float64 {
		g := v + l1*sign(a1.At(i, j))
		return g * act.deriv(z1.At(i, j), a1.At(i, j))
	}, dA1)

	dW1 := mat.NewDense(d, h, nil)
	dW1.Mul(x.T(), dZ1)
	db1 := colSums(dZ1)

	opt.update(
		[][]float64{a.w1.RawMatrix().Data, a.b1, a.w2.RawMatrix().Data, a.b2},
		[][]float64{dW1.RawMatrix().Data, db1, dW2.RawMatrix().Data, db2},
	)
	return loss
}

func (a *Autoencoder) forward(x *mat.Dense, act activationFunc) (z1, a1, out *mat.Dense) {
	rows, _ := x.Dims()
	_, h := a.w1.Dims()

	z1 = mat.NewDense(rows, h, nil)
	z1.Mul(x, a.w1)
	addBias(z1, a.b1)

	a1 = mat.NewDense(rows, h, nil)
	a1.Apply(func(_, _ int, v float64) float64 { return act.f(v) }, z1)

	out = mat.NewDense(rows, a.nFeatures, nil)
	out.Mul(a1, a.w2)
	addBias(out, a.b2)
	return z1, a1, out
}

// objective is the mean squared error plus the per-sample L1 activity penalty.
func (a *Autoencoder) objective(x, a1, out *mat.Dense) float64 {
	rows, d := x.Dims()
	var sse float64
	for i := 0; i < rows; i++ {
		for j := 0; j < d; j++ {
			e := out.At(i, j) - x.At(i, j)
			sse += e * e
		}
	}
	var l1 float64
	if a.l1 != 0 {
		raw := a1.RawMatrix().Data
		for _, v := range raw {
			l1 += math.Abs(v)
		}
		l1 *= a.l1 / float64(rows)
	}
	return sse/float64(rows*d) + l1
}

func (a *Autoencoder) loss(x *mat.Dense, act activationFunc) float64 {
	_, a1, out := a.forward(x, act)
	return a.objective(x, a1, out)
}

// Score returns the mean squared reconstruction error of each sample.
func (a *Autoencoder) Score(data [][]float64) ([]float64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.trained {
		return nil, detectors.ErrNotFitted
	}
	return a.score(data)
}

func (a *Autoencoder) score(data [][]float64) ([]float64, error) {
	if len(data) == 0 {
		return []float64{}, nil
	}
	for i, row := range data {
		if len(row) != a.nFeatures {
			return nil, fmt.Errorf("sample %d: %w", i, detectors.ErrDimension)
		}
	}
	act, ok := activations[a.activation]
	if !ok {
		return nil, fmt.Errorf("unknown activation %q", a.activation)
	}

	x := toDense(data)
	_, _, out := a.forward(x, act)

	scores := make([]float64, len(data))
	for i := range data {
		var sse float64
		for j := 0; j < a.nFeatures; j++ {
			e := out.At(i, j) - x.At(i, j)
			sse += e * e
		}
		scores[i] = sse / float64(a.nFeatures)
	}
	return scores, nil
}

// ScoreOne returns the reconstruction error of a single sample.
func (a *Autoencoder) ScoreOne(sample []float64) (float64, error) {
	scores, err := a.Score([][]float64{sample})
	if err != nil {
		return 0, err
	}
	return scores[0], nil
}

// Predict labels samples whose error reaches the training-score quantile.
func (a *Autoencoder) Predict(data [][]float64) ([]detectors.Label, error) {
	scores, err := a.Score(data)
	if err != nil {
		return nil, err
	}
	return detectors.LabelsFromScores(scores, a.Threshold()), nil
}

// Threshold returns the training-score quantile computed at fit time.
func (a *Autoencoder) Threshold() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.threshold
}

// History returns the per-epoch losses of the last Fit.
func (a *Autoencoder) History() []Epoch {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.history)
}

type params struct {
	w1, w2 *mat.Dense
	b1, b2 []float64
}

func (a *Autoencoder) snapshot() params {
	return params{
		w1: mat.DenseCopyOf(a.w1),
		w2: mat.DenseCopyOf(a.w2),
		b1: slices.Clone(a.b1),
		b2: slices.Clone(a.b2),
	}
}

func (a *Autoencoder) restore(p params) {
	a.w1, a.w2, a.b1, a.b2 = p.w1, p.w2, p.b1, p.b2
}

type wireModel struct {
	Activation string
	Inputs     int
	Hidden     int
	W1         []float64
	B1         []float64
	W2         []float64
	B2         []float64
	Threshold  float64
	Quantile   float64
	History    []Epoch
}

// Save serializes the trained model.
func (a *Autoencoder) Save() ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.trained {
		return nil, detectors.ErrNotFitted
	}
	_, h := a.w1.Dims()

	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(wireModel{
		Activation: a.activation,
		Inputs:     a.nFeatures,
		Hidden:     h,
		W1:         mat.DenseCopyOf(a.w1).RawMatrix().Data,
		B1:         a.b1,
		W2:         mat.DenseCopyOf(a.w2).RawMatrix().Data,
		B2:         a.b2,
		Threshold:  a.threshold,
		Quantile:   a.quantile,
		History:    a.history,
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Load deserializes a trained model.
func (a *Autoencoder) Load(data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var w wireModel
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return fmt.Errorf("decode autoencoder: %w", err)
	}
	d, h := w.Inputs, w.Hidden
	if d <= 0 || h <= 0 || len(w.W1) != d*h || len(w.W2) != h*d || len(w.B1) != h || len(w.B2) != d {
		return errors.New("decode autoencoder: inconsistent dimensions")
	}
	if _, ok := activations[w.Activation]; !ok {
		return fmt.Errorf("decode autoencoder: unknown activation %q", w.Activation)
	}

	a.activation = w.Activation
	a.nFeatures = d
	a.hidden = h
	a.w1 = mat.NewDense(d, h, w.W1)
	a.b1 = w.B1
	a.w2 = mat.NewDense(h, d, w.W2)
	a.b2 = w.B2
	a.threshold = w.Threshold
	a.quantile = w.Quantile
	a.history = w.History
	a.trained = true
	return nil
}

// glorot returns a rows x cols matrix drawn from the Glorot uniform distribution.
func glorot(rng *rand.Rand, rows, cols int) *mat.Dense {
	limit := math.Sqrt(6 / float64(rows+cols))
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = (2*rng.Float64() - 1) * limit
	}
	return mat.NewDense(rows, cols, data)
}

func toDense(rows [][]float64) *mat.Dense {
	d := len(rows[0])
	data := make([]float64, 0, len(rows)*d)
	for _, r := range rows {
		data = append(data, r...)
	}
	return mat.NewDense(len(rows), d, data)
}

func addBias(m *mat.Dense, b []float64) {
	m.Apply(func(_, j int, v float64) float64 { return v + b[j] }, m)
}

func colSums(m *mat.Dense) []float64 {
	rows, cols := m.Dims()
	out := make([]float64, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out[j] += m.At(i, j)
		}
	}
	return out
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

var _ detectors.Detector = (*Autoencoder)(nil)
