// Package csv reads turbofan telemetry from comma-separated files and writes
// scored results back out.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode"

	"github.com/hed1ad/turboguard/pkg/dataset"
)

// Reader reads samples from CSV files.
type Reader struct {
	file    io.Closer
	reader  *csv.Reader
	headers []string
	layout  dataset.Layout
	line    int
}

// Option configures a CSV reader.
type Option func(*Reader)

// WithComma sets the field delimiter. Leading-space trimming is turned off
// for whitespace delimiters so empty fields survive.
func WithComma(r rune) Option {
	return func(rd *Reader) {
		rd.reader.Comma = r
		if unicode.IsSpace(r) {
			rd.reader.TrimLeadingSpace = false
		}
	}
}

// NewReader opens filename and validates its header against the dataset schema.
func NewReader(filename string, opts ...Option) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	r, err := newReader(file, file, opts...)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return r, nil
}

// FromReader wraps an arbitrary io.Reader. Close is a no-op for the source.
func FromReader(src io.Reader, opts ...Option) (*Reader, error) {
	return newReader(src, nil, opts...)
}

func newReader(src io.Reader, closer io.Closer, opts ...Option) (*Reader, error) {
	r := &Reader{
		file:   closer,
		reader: csv.NewReader(src),
	}
	r.reader.TrimLeadingSpace = true

	for _, opt := range opts {
		opt(r)
	}

	headers, err := r.reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty file")
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	r.line = 1

	layout, err := dataset.ResolveLayout(headers)
	if err != nil {
		return nil, err
	}
	r.headers = headers
	r.layout = layout
	r.reader.FieldsPerRecord = len(headers)

	return r, nil
}

// Headers returns the column headers.
func (r *Reader) Headers() []string {
	return r.headers
}

// Read returns all remaining samples. Any malformed row aborts the read.
func (r *Reader) Read() ([]dataset.Sample, error) {
	var samples []dataset.Sample

	for {
		s, err := r.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}

	return samples, nil
}

// Stream returns a channel of samples. A malformed row stops the stream and
// is reported on the error channel.
func (r *Reader) Stream(ctx context.Context) (<-chan dataset.Sample, <-chan error) {
	out := make(chan dataset.Sample, 100)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)
		for {
			s, err := r.next()
			if err == io.EOF {
				return
			}
			if err != nil {
				errc <- err
				return
			}

			select {
			case out <- s:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()

	return out, errc
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

func (r *Reader) next() (dataset.Sample, error) {
	record, err := r.reader.Read()
	if err == io.EOF {
		return dataset.Sample{}, io.EOF
	}
	r.line++
	if err != nil {
		return dataset.Sample{}, err
	}

	s, err := parseRow(record, r.layout)
	if err != nil {
		return dataset.Sample{}, fmt.Errorf("line %d: %w", r.line, err)
	}
	return s, nil
}

// parseRow converts a record to a sample using the resolved column layout.
func parseRow(record []string, l dataset.Layout) (dataset.Sample, error) {
	s := dataset.Sample{ID: -1, RUL: -1, Label: -1}

	var err error
	if l.ID >= 0 {
		if s.ID, err = parseInt(record[l.ID]); err != nil {
			return s, fmt.Errorf("id: %w", err)
		}
	}
	if s.Unit, err = parseInt(record[l.Unit]); err != nil {
		return s, fmt.Errorf("unit: %w", err)
	}
	if s.Cycle, err = parseInt(record[l.Cycle]); err != nil {
		return s, fmt.Errorf("cycle: %w", err)
	}

	for i, col := range l.Features {
		v, err := strconv.ParseFloat(strings.TrimSpace(record[col]), 64)
		if err != nil {
			return s, fmt.Errorf("column %d: %w", col+1, err)
		}
		if i < dataset.NumSettings {
			s.Settings[i] = v
		} else {
			s.Sensors[i-dataset.NumSettings] = v
		}
	}

	if l.RUL >= 0 {
		if s.RUL, err = parseInt(record[l.RUL]); err != nil {
			return s, fmt.Errorf("RUL: %w", err)
		}
	}
	if l.Label >= 0 {
		if s.Label, err = parseInt(record[l.Label]); err != nil {
			return s, fmt.Errorf("label: %w", err)
		}
		if s.Label != 0 && s.Label != 1 {
			return s, fmt.Errorf("label: %d is not 0 or 1", s.Label)
		}
	}

	return s, nil
}

// parseInt accepts integral values written as floats ("12.0").
func parseInt(val string) (int, error) {
	val = strings.TrimSpace(val)
	if n, err := strconv.Atoi(val); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, err
	}
	if f != float64(int(f)) {
		return 0, fmt.Errorf("%q is not an integer", val)
	}
	return int(f), nil
}
