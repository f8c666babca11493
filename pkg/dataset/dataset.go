// Package dataset describes the turbofan engine sensor schema and the sample
// type shared by readers, scalers and detectors.
package dataset

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// NumSettings is the number of operational setting columns.
	NumSettings = 3
	// NumSensors is the number of sensor columns.
	NumSensors = 21
	// NumFeatures is the width of a feature vector (settings + sensors).
	NumFeatures = NumSettings + NumSensors

	// DefaultLabelWindow is the number of cycles before failure labeled anomalous.
	DefaultLabelWindow = 30
)

// Column names outside the feature block.
const (
	ColID    = "id"
	ColUnit  = "unit"
	ColCycle = "cycle"
	ColRUL   = "rul"
	ColLabel = "label"
)

var (
	// ErrMissingColumn is returned when a required column is absent from a header.
	ErrMissingColumn = errors.New("missing column")
	// ErrNoSamples is returned by operations that need at least one sample.
	ErrNoSamples = errors.New("no samples")
)

// Sample is one row of engine telemetry.
type Sample struct {
	ID       int
	Unit     int
	Cycle    int
	Settings [NumSettings]float64
	Sensors  [NumSensors]float64
	// RUL is the remaining useful life in cycles; -1 when unknown.
	RUL int
	// Label is 1 for the pre-failure window, 0 otherwise; -1 when unknown.
	Label int
}

// Features returns the sample's feature vector in schema order.
func (s Sample) Features() []float64 {
	out := make([]float64, 0, NumFeatures)
	out = append(out, s.Settings[:]...)
	out = append(out, s.Sensors[:]...)
	return out
}

// FeatureNames returns the names of the feature columns in schema order.
func FeatureNames() []string {
	names := make([]string, 0, NumFeatures)
	for i := 1; i <= NumSettings; i++ {
		names = append(names, fmt.Sprintf("setting%d", i))
	}
	for i := 1; i <= NumSensors; i++ {
		names = append(names, fmt.Sprintf("s%d", i))
	}
	return names
}

// Columns returns every schema column in file order.
func Columns() []string {
	cols := []string{ColID, ColUnit, ColCycle}
	cols = append(cols, FeatureNames()...)
	return append(cols, ColRUL, ColLabel)
}

// Layout maps schema columns to positions in a particular file header.
// Optional columns that are absent map to -1.
type Layout struct {
	ID       int
	Unit     int
	Cycle    int
	Features [NumFeatures]int
	RUL      int
	Label    int
}

// ResolveLayout matches a header against the schema. Matching ignores case
// and surrounding whitespace. id, RUL and label are optional.
func ResolveLayout(header []string) (Layout, error) {
	index := make(map[string]int, len(header))
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(h))
		if _, dup := index[key]; dup {
			return Layout{}, fmt.Errorf("duplicate column %q", h)
		}
		index[key] = i
	}

	lookup := func(name string, required bool) (int, error) {
		if i, ok := index[name]; ok {
			return i, nil
		}
		if required {
			return -1, fmt.Errorf("%w: %s", ErrMissingColumn, name)
		}
		return -1, nil
	}

	var (
		l   Layout
		err error
	)
	if l.ID, err = lookup(ColID, false); err != nil {
		return Layout{}, err
	}
	if l.Unit, err = lookup(ColUnit, true); err != nil {
		return Layout{}, err
	}
	if l.Cycle, err = lookup(ColCycle, true); err != nil {
		return Layout{}, err
	}
	for i, name := range FeatureNames() {
		if l.Features[i], err = lookup(name, true); err != nil {
			return Layout{}, err
		}
	}
	if l.RUL, err = lookup(ColRUL, false); err != nil {
		return Layout{}, err
	}
	if l.Label, err = lookup(ColLabel, false); err != nil {
		return Layout{}, err
	}
	return l, nil
}

// Features collects the feature vectors of samples into a row-major matrix.
func Features(samples []Sample) [][]float64 {
	out := make([][]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Features()
	}
	return out
}

// Labels returns the binary labels of samples. It fails if any label is unknown.
func Labels(samples []Sample) ([]int, error) {
	out := make([]int, len(samples))
	for i, s := range samples {
		if s.Label != 0 && s.Label != 1 {
			return nil, fmt.Errorf("sample %d (unit %d, cycle %d): label %d is not binary", i, s.Unit, s.Cycle, s.Label)
		}
		out[i] = s.Label
	}
	return out, nil
}

// AssignRUL fills unknown RUL values from each unit's last observed cycle,
// treating the last cycle as the failure point.
func AssignRUL(samples []Sample) {
	maxCycle := make(map[int]int)
	for _, s := range samples {
		if c, ok := maxCycle[s.Unit]; !ok || s.Cycle > c {
			maxCycle[s.Unit] = s.Cycle
		}
	}
	for i := range samples {
		if samples[i].RUL < 0 {
			samples[i].RUL = maxCycle[samples[i].Unit] - samples[i].Cycle
		}
	}
}

// AssignLabels sets unknown labels to 1 when RUL <= window, else 0.
// Samples with unknown RUL keep an unknown label.
func AssignLabels(samples []Sample, window int) {
	for i := range samples {
		s := &samples[i]
		if s.Label >= 0 || s.RUL < 0 {
			continue
		}
		if s.RUL <= window {
			s.Label = 1
		} else {
			s.Label = 0
		}
	}
}

// SplitTail holds out the last fraction of rows. The head keeps at least one
// row; the tail is empty when fraction <= 0.
func SplitTail[T any](rows []T, fraction float64) (head, tail []T) {
	if fraction <= 0 || len(rows) < 2 {
		return rows, nil
	}
	n := int(float64(len(rows)) * fraction)
	if n >= len(rows) {
		n = len(rows) - 1
	}
	cut := len(rows) - n
	return rows[:cut], rows[cut:]
}
