// Package metrics scores binary anomaly predictions against ground truth.
package metrics

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

var (
	// ErrLengthMismatch is returned when predictions, truth and scores differ in length.
	ErrLengthMismatch = errors.New("length mismatch")
	// ErrNonBinary is returned for labels other than 0 and 1.
	ErrNonBinary = errors.New("labels must be 0 or 1")
	// ErrSingleClass is returned when a ROC curve is requested but truth has one class.
	ErrSingleClass = errors.New("ROC needs both classes in truth")
	// ErrEmpty is returned for empty inputs.
	ErrEmpty = errors.New("no samples")
)

// Confusion holds the four outcome counts of a binary classifier.
type Confusion struct {
	TP int `json:"tp" yaml:"tp"`
	FP int `json:"fp" yaml:"fp"`
	TN int `json:"tn" yaml:"tn"`
	FN int `json:"fn" yaml:"fn"`
}

// ROC is a receiver operating characteristic curve. Points are ordered from
// the strictest cutoff (0, 0) to the loosest (1, 1). Thresholds are finite:
// the cutoff above every score is stored as math.MaxFloat64.
type ROC struct {
	FPR        []float64 `json:"fpr" yaml:"fpr"`
	TPR        []float64 `json:"tpr" yaml:"tpr"`
	Thresholds []float64 `json:"thresholds" yaml:"thresholds"`
}

// Metrics is the evaluation of one model.
type Metrics struct {
	Accuracy  float64   `json:"accuracy" yaml:"accuracy"`
	Precision float64   `json:"precision" yaml:"precision"`
	Recall    float64   `json:"recall" yaml:"recall"`
	F1        float64   `json:"f1" yaml:"f1"`
	Confusion Confusion `json:"confusion" yaml:"confusion"`
	// AUC and ROC are set only when scores were supplied.
	AUC *float64 `json:"auc,omitempty" yaml:"auc,omitempty"`
	ROC *ROC     `json:"roc,omitempty" yaml:"roc,omitempty"`
}

// HasAUC reports whether the area under the ROC curve was computed.
func (m Metrics) HasAUC() bool {
	return m.AUC != nil
}

// Evaluate compares predicted labels with truth. When scores is non-nil, the
// ROC curve and its area are computed as well, treating higher scores as more
// anomalous.
func Evaluate(pred, truth []int, scores []float64) (Metrics, error) {
	c, err := NewConfusion(pred, truth)
	if err != nil {
		return Metrics{}, err
	}

	m := Metrics{
		Accuracy:  c.Accuracy(),
		Precision: c.Precision(),
		Recall:    c.Recall(),
		F1:        c.F1(),
		Confusion: c,
	}

	if scores != nil {
		roc, err := Curve(scores, truth)
		if err != nil {
			return Metrics{}, err
		}
		auc := roc.AUC()
		m.ROC = &roc
		m.AUC = &auc
	}

	return m, nil
}

// NewConfusion tallies prediction outcomes.
func NewConfusion(pred, truth []int) (Confusion, error) {
	if len(pred) != len(truth) {
		return Confusion{}, fmt.Errorf("%w: %d predictions, %d labels", ErrLengthMismatch, len(pred), len(truth))
	}
	if len(pred) == 0 {
		return Confusion{}, ErrEmpty
	}

	var c Confusion
	for i := range pred {
		p, y := pred[i], truth[i]
		if (p != 0 && p != 1) || (y != 0 && y != 1) {
			return Confusion{}, fmt.Errorf("%w: index %d has prediction %d, label %d", ErrNonBinary, i, p, y)
		}
		switch {
		case p == 1 && y == 1:
			c.TP++
		case p == 1 && y == 0:
			c.FP++
		case p == 0 && y == 0:
			c.TN++
		default:
			c.FN++
		}
	}
	return c, nil
}

// Total returns the number of tallied samples.
func (c Confusion) Total() int {
	return c.TP + c.FP + c.TN + c.FN
}

// Accuracy is the fraction of correct predictions.
func (c Confusion) Accuracy() float64 {
	if c.Total() == 0 {
		return 0
	}
	return float64(c.TP+c.TN) / float64(c.Total())
}

// Precision is TP / (TP + FP), or 0 when nothing was predicted positive.
func (c Confusion) Precision() float64 {
	return ratio(c.TP, c.TP+c.FP)
}

// Recall is TP / (TP + FN), or 0 when there are no positives.
func (c Confusion) Recall() float64 {
	return ratio(c.TP, c.TP+c.FN)
}

// F1 is the harmonic mean of precision and recall.
func (c Confusion) F1() float64 {
	p, r := c.Precision(), c.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// Curve computes the ROC curve of scores against binary truth.
func Curve(scores []float64, truth []int) (ROC, error) {
	if len(scores) != len(truth) {
		return ROC{}, fmt.Errorf("%w: %d scores, %d labels", ErrLengthMismatch, len(scores), len(truth))
	}
	if len(scores) == 0 {
		return ROC{}, ErrEmpty
	}

	y := slices.Clone(scores)
	classes := make([]bool, len(truth))
	var pos int
	for i, l := range truth {
		if l != 0 && l != 1 {
			return ROC{}, fmt.Errorf("%w: index %d has label %d", ErrNonBinary, i, l)
		}
		classes[i] = l == 1
		pos += l
	}
	if pos == 0 || pos == len(truth) {
		return ROC{}, ErrSingleClass
	}

	stat.SortWeightedLabeled(y, classes, nil)
	tpr, fpr, thresh := stat.ROC(nil, y, classes, nil)
	for i, v := range thresh {
		if math.IsInf(v, 1) {
			thresh[i] = math.MaxFloat64
		}
	}
	return ROC{FPR: fpr, TPR: tpr, Thresholds: thresh}, nil
}

// AUC integrates the curve with the trapezoidal rule.
func (r ROC) AUC() float64 {
	if len(r.FPR) < 2 {
		return 0
	}
	return integrate.Trapezoidal(r.FPR, r.TPR)
}
