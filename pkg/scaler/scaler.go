// Package scaler standardizes feature columns with statistics that are robust
// to outliers: each column is centered on its median and divided by its
// interquartile range.
package scaler

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"slices"

	"github.com/hed1ad/turboguard/pkg/threshold"
)

var (
	// ErrEmpty is returned when fitting on no rows.
	ErrEmpty = errors.New("empty training data")
	// ErrSchemaMismatch is returned when data does not match the fitted columns.
	ErrSchemaMismatch = errors.New("column schema mismatch")
	// ErrNotFitted is returned when transforming with an unfitted scaler.
	ErrNotFitted = errors.New("scaler not fitted")
)

// Robust holds per-column centers and scales. It is immutable once fitted.
type Robust struct {
	names  []string
	center []float64
	scale  []float64
}

// state is the gob wire form of Robust.
type state struct {
	Names  []string
	Center []float64
	Scale  []float64
}

// Fit computes the median and IQR of each column of data. names labels the
// columns and may be nil; when given, its length must match the row width.
// A column with zero IQR gets scale 1 so it is only centered.
func Fit(data [][]float64, names []string) (*Robust, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	width := len(data[0])
	if width == 0 {
		return nil, fmt.Errorf("%w: rows have no columns", ErrEmpty)
	}
	if names != nil && len(names) != width {
		return nil, fmt.Errorf("%w: %d names for %d columns", ErrSchemaMismatch, len(names), width)
	}

	r := &Robust{
		names:  slices.Clone(names),
		center: make([]float64, width),
		scale:  make([]float64, width),
	}

	col := make([]float64, len(data))
	for j := 0; j < width; j++ {
		for i, row := range data {
			if len(row) != width {
				return nil, fmt.Errorf("%w: row %d has %d columns, want %d", ErrSchemaMismatch, i, len(row), width)
			}
			col[i] = row[j]
		}
		slices.Sort(col)

		// Errors are impossible here: col is non-empty and the quantiles are constant.
		q1, _ := threshold.PercentileSorted(col, 0.25)
		med, _ := threshold.PercentileSorted(col, 0.5)
		q3, _ := threshold.PercentileSorted(col, 0.75)

		r.center[j] = med
		r.scale[j] = q3 - q1
		if r.scale[j] == 0 {
			r.scale[j] = 1
		}
	}

	return r, nil
}

// Width returns the number of fitted columns.
func (r *Robust) Width() int {
	return len(r.center)
}

// Names returns the fitted column names, or nil if none were given.
func (r *Robust) Names() []string {
	return slices.Clone(r.names)
}

// Center returns a copy of the per-column medians.
func (r *Robust) Center() []float64 {
	return slices.Clone(r.center)
}

// Scale returns a copy of the per-column IQRs.
func (r *Robust) Scale() []float64 {
	return slices.Clone(r.scale)
}

// CheckSchema verifies that names match the fitted column names exactly.
func (r *Robust) CheckSchema(names []string) error {
	if r.names == nil {
		if len(names) != r.Width() {
			return fmt.Errorf("%w: got %d columns, fitted %d", ErrSchemaMismatch, len(names), r.Width())
		}
		return nil
	}
	if !slices.Equal(r.names, names) {
		return fmt.Errorf("%w: got %v, fitted %v", ErrSchemaMismatch, names, r.names)
	}
	return nil
}

// Transform returns scaled copies of the rows. data is left untouched.
func (r *Robust) Transform(data [][]float64) ([][]float64, error) {
	if r == nil || len(r.center) == 0 {
		return nil, ErrNotFitted
	}
	out := make([][]float64, len(data))
	for i, row := range data {
		scaled, err := r.TransformOne(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = scaled
	}
	return out, nil
}

// TransformOne scales a single row.
func (r *Robust) TransformOne(row []float64) ([]float64, error) {
	if len(row) != len(r.center) {
		return nil, fmt.Errorf("%w: got %d columns, fitted %d", ErrSchemaMismatch, len(row), len(r.center))
	}
	out := make([]float64, len(row))
	for j, v := range row {
		out[j] = (v - r.center[j]) / r.scale[j]
	}
	return out, nil
}

// Save serializes the fitted scaler.
func (r *Robust) Save() ([]byte, error) {
	if r == nil || len(r.center) == 0 {
		return nil, ErrNotFitted
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(state{Names: r.names, Center: r.center, Scale: r.scale}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Load restores a scaler written by Save.
func Load(data []byte) (*Robust, error) {
	var st state
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode scaler: %w", err)
	}
	if len(st.Center) == 0 || len(st.Center) != len(st.Scale) {
		return nil, errors.New("decode scaler: inconsistent state")
	}
	return &Robust{names: st.Names, center: st.Center, scale: st.Scale}, nil
}
