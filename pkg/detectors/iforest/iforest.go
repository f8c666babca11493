// Package iforest implements the Isolation Forest algorithm for anomaly detection.
package iforest

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/hed1ad/turboguard/pkg/detectors"
	"github.com/hed1ad/turboguard/pkg/threshold"
)

// Kind is the registry name of this detector.
const Kind = "isolation_forest"

// IsolationForest implements unsupervised anomaly detection using isolation trees.
type IsolationForest struct {
	mu sync.RWMutex

	// Configuration
	nTrees        int
	sampleSize    int
	contamination float64
	seed          int64
	rng           *rand.Rand

	// Trained model
	trees     []tree
	nFeatures int
	trained   bool

	// Statistics from training
	avgPathLength float64
	threshold     float64
}

// tree stores an isolation tree as a flat node array rooted at index 0.
type tree struct {
	Nodes []node
}

// node is a node in the isolation tree. Leaves have Left == -1.
type node struct {
	Feature int
	Split   float64
	Left    int
	Right   int
	// Size is the number of training samples that reached a leaf.
	Size int
}

// Option configures an IsolationForest.
type Option func(*IsolationForest)

// WithTrees sets the number of isolation trees.
func WithTrees(n int) Option {
	return func(f *IsolationForest) {
		f.nTrees = n
	}
}

// WithSampleSize sets the subsample size for each tree.
func WithSampleSize(n int) Option {
	return func(f *IsolationForest) {
		f.sampleSize = n
	}
}

// WithContamination sets the expected proportion of anomalies.
func WithContamination(c float64) Option {
	return func(f *IsolationForest) {
		f.contamination = c
	}
}

// WithSeed sets the random seed for reproducibility.
func WithSeed(seed int64) Option {
	return func(f *IsolationForest) {
		f.seed = seed
	}
}

// New creates a new IsolationForest with the given options.
func New(opts ...Option) *IsolationForest {
	f := &IsolationForest{
		nTrees:        100,
		sampleSize:    256,
		contamination: detectors.DefaultConfig().Contamination,
		seed:          detectors.DefaultConfig().RandomSeed,
		threshold:     0.5,
	}

	for _, opt := range opts {
		opt(f)
	}
	f.rng = rand.New(rand.NewSource(f.seed))

	return f
}

// Kind returns the registry name.
func (f *IsolationForest) Kind() string { return Kind }

// Fit trains the Isolation Forest on the provided data.
func (f *IsolationForest) Fit(data [][]float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	nFeatures, err := detectors.CheckRows(data)
	if err != nil {
		return err
	}
	nSamples := len(data)

	sampleSize := min(f.sampleSize, nSamples)
	maxDepth := int(math.Ceil(math.Log2(float64(max(sampleSize, 2)))))

	f.rng = rand.New(rand.NewSource(f.seed))
	f.trees = make([]tree, f.nTrees)
	for i := range f.trees {
		// Sample without replacement
		indices := f.rng.Perm(nSamples)[:sampleSize]
		sample := make([][]float64, sampleSize)
		for j, idx := range indices {
			sample[j] = data[idx]
		}

		var t tree
		t.build(f.rng, sample, nFeatures, 0, maxDepth)
		f.trees[i] = t
	}

	f.nFeatures = nFeatures
	f.avgPathLength = averagePathLength(float64(sampleSize))
	f.trained = true

	// Set threshold based on contamination
	if f.contamination > 0 {
		scores, err := f.score(data)
		if err != nil {
			return err
		}
		f.threshold, err = threshold.Percentile(scores, 1-f.contamination)
		if err != nil {
			return err
		}
	}

	return nil
}

// build appends the subtree for data and returns its index.
func (t *tree) build(rng *rand.Rand, data [][]float64, nFeatures, depth, maxDepth int) int {
	idx := len(t.Nodes)
	n := len(data)

	// Terminal conditions
	if depth >= maxDepth || n <= 1 {
		t.Nodes = append(t.Nodes, node{Left: -1, Right: -1, Size: n})
		return idx
	}

	feature := rng.Intn(nFeatures)

	minVal, maxVal := data[0][feature], data[0][feature]
	for _, row := range data[1:] {
		minVal = min(minVal, row[feature])
		maxVal = max(maxVal, row[feature])
	}

	// If all values are the same, return leaf
	if minVal == maxVal {
		t.Nodes = append(t.Nodes, node{Left: -1, Right: -1, Size: n})
		return idx
	}

	splitValue := minVal + rng.Float64()*(maxVal-minVal)

	var leftData, rightData [][]float64
	for _, row := range data {
		if row[feature] < splitValue {
			leftData = append(leftData, row)
		} else {
			rightData = append(rightData, row)
		}
	}

	t.Nodes = append(t.Nodes, node{Feature: feature, Split: splitValue})
	left := t.build(rng, leftData, nFeatures, depth+1, maxDepth)
	right := t.build(rng, rightData, nFeatures, depth+1, maxDepth)
	t.Nodes[idx].Left = left
	t.Nodes[idx].Right = right
	return idx
}

// pathLength calculates the path length for a sample in a tree.
func (t *tree) pathLength(sample []float64) float64 {
	i, depth := 0, 0
	for {
		n := t.Nodes[i]
		if n.Left < 0 {
			// Leaf node: add expected path length for remaining isolation
			return float64(depth) + averagePathLength(float64(n.Size))
		}
		if sample[n.Feature] < n.Split {
			i = n.Left
		} else {
			i = n.Right
		}
		depth++
	}
}

// Score returns anomaly scores in [0, 1] for the given samples.
func (f *IsolationForest) Score(data [][]float64) ([]float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil, detectors.ErrNotFitted
	}

	return f.score(data)
}

func (f *IsolationForest) score(data [][]float64) ([]float64, error) {
	scores := make([]float64, len(data))

	for i, sample := range data {
		score, err := f.scoreOne(sample)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		scores[i] = score
	}

	return scores, nil
}

// ScoreOne returns the anomaly score for a single sample.
func (f *IsolationForest) ScoreOne(sample []float64) (float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return 0, detectors.ErrNotFitted
	}

	return f.scoreOne(sample)
}

func (f *IsolationForest) scoreOne(sample []float64) (float64, error) {
	if len(sample) != f.nFeatures {
		return 0, detectors.ErrDimension
	}

	var totalPath float64
	for i := range f.trees {
		totalPath += f.trees[i].pathLength(sample)
	}
	avgPath := totalPath / float64(len(f.trees))

	// Anomaly score: 2^(-avgPath / c(n))
	if f.avgPathLength == 0 {
		return 0.5, nil
	}
	return math.Pow(2, -avgPath/f.avgPathLength), nil
}

// Predict labels samples whose score reaches the contamination threshold.
func (f *IsolationForest) Predict(data [][]float64) ([]detectors.Label, error) {
	scores, err := f.Score(data)
	if err != nil {
		return nil, err
	}
	return detectors.LabelsFromScores(scores, f.Threshold()), nil
}

// averagePathLength returns the average path length of unsuccessful search in BST.
func averagePathLength(n float64) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}
	// c(n) = 2*H(n-1) - 2*(n-1)/n, where H is harmonic number
	// Approximation: H(n) ~ ln(n) + 0.5772156649 (Euler-Mascheroni constant)
	return 2*(math.Log(n-1)+0.5772156649) - 2*(n-1)/n
}

type wireModel struct {
	NTrees        int
	SampleSize    int
	Contamination float64
	Seed          int64
	NFeatures     int
	AvgPathLength float64
	Threshold     float64
	Trees         []tree
}

// Save serializes the trained model.
func (f *IsolationForest) Save() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil, detectors.ErrNotFitted
	}

	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(wireModel{
		NTrees:        f.nTrees,
		SampleSize:    f.sampleSize,
		Contamination: f.contamination,
		Seed:          f.seed,
		NFeatures:     f.nFeatures,
		AvgPathLength: f.avgPathLength,
		Threshold:     f.threshold,
		Trees:         f.trees,
	})
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Load deserializes a trained model.
func (f *IsolationForest) Load(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var w wireModel
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return fmt.Errorf("decode isolation forest: %w", err)
	}

	f.nTrees = w.NTrees
	f.sampleSize = w.SampleSize
	f.contamination = w.Contamination
	f.seed = w.Seed
	f.nFeatures = w.NFeatures
	f.avgPathLength = w.AvgPathLength
	f.threshold = w.Threshold
	f.trees = w.Trees
	f.rng = rand.New(rand.NewSource(f.seed))
	f.trained = true

	return nil
}

// Threshold returns the current anomaly threshold.
func (f *IsolationForest) Threshold() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.threshold
}

// SetThreshold updates the anomaly threshold.
func (f *IsolationForest) SetThreshold(t float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threshold = t
}

var _ detectors.Detector = (*IsolationForest)(nil)
