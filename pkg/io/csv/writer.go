package csv

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"

	tgio "github.com/hed1ad/turboguard/pkg/io"
)

var resultHeader = []string{"unit", "cycle", "score", "anomaly", "label"}

// Writer writes scored results as CSV.
type Writer struct {
	closer io.Closer
	w      *csv.Writer
}

// Create opens filename for writing and emits the header row.
func Create(filename string) (*Writer, error) {
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	w, err := NewWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.closer = f
	return w, nil
}

// NewWriter wraps dst and emits the header row.
func NewWriter(dst io.Writer) (*Writer, error) {
	w := &Writer{w: csv.NewWriter(dst)}
	if err := w.w.Write(resultHeader); err != nil {
		return nil, err
	}
	return w, nil
}

// Write outputs a single result.
func (w *Writer) Write(r tgio.Result) error {
	anomaly := "0"
	if r.IsAnomaly {
		anomaly = "1"
	}
	label := ""
	if r.Label >= 0 {
		label = strconv.Itoa(r.Label)
	}
	return w.w.Write([]string{
		strconv.Itoa(r.Unit),
		strconv.Itoa(r.Cycle),
		strconv.FormatFloat(r.Score, 'g', -1, 64),
		anomaly,
		label,
	})
}

// WriteAll outputs multiple results.
func (w *Writer) WriteAll(results []tgio.Result) error {
	for _, r := range results {
		if err := w.Write(r); err != nil {
			return err
		}
	}
	w.w.Flush()
	return w.w.Error()
}

// Close flushes buffered rows and closes the underlying file, if any.
func (w *Writer) Close() error {
	w.w.Flush()
	err := w.w.Error()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

var (
	_ tgio.Reader = (*Reader)(nil)
	_ tgio.Writer = (*Writer)(nil)
)
