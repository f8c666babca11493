// Package report summarizes evaluated models, renders them for humans and
// machines, and keeps a history of runs.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"gopkg.in/yaml.v3"

	"github.com/hed1ad/turboguard/pkg/metrics"
	"github.com/hed1ad/turboguard/pkg/threshold"
)

// Output formats.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

// Model is the outcome of one detector on the test split.
type Model struct {
	Threshold threshold.Threshold `json:"threshold" yaml:"threshold"`
	Metrics   metrics.Metrics     `json:"metrics" yaml:"metrics"`
}

// Report is the outcome of one training run.
type Report struct {
	RunID     string           `json:"run_id" yaml:"run_id"`
	CreatedAt time.Time        `json:"created_at" yaml:"created_at"`
	TrainRows int              `json:"train_rows" yaml:"train_rows"`
	TestRows  int              `json:"test_rows" yaml:"test_rows"`
	Models    map[string]Model `json:"models" yaml:"models"`
}

// Kinds returns the model names in sorted order.
func (r Report) Kinds() []string {
	kinds := make([]string, 0, len(r.Models))
	for k := range r.Models {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// WithoutCurves returns a copy with ROC point lists dropped. AUC is kept.
func (r Report) WithoutCurves() Report {
	out := r
	out.Models = make(map[string]Model, len(r.Models))
	for k, m := range r.Models {
		m.Metrics.ROC = nil
		out.Models[k] = m
	}
	return out
}

// Table renders the per-model metrics.
func (r Report) Table() string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.SetTitle(fmt.Sprintf("run %s  train=%d test=%d", r.RunID, r.TrainRows, r.TestRows))
	tw.AppendHeader(table.Row{"Model", "Quantile", "Cutoff", "Accuracy", "Precision", "Recall", "F1", "AUC", "TP", "FP", "TN", "FN"})

	for _, kind := range r.Kinds() {
		m := r.Models[kind]
		c := m.Metrics.Confusion
		tw.AppendRow(table.Row{
			kind,
			formatFloat(m.Threshold.Quantile, 3),
			formatFloat(m.Threshold.Value, 4),
			formatFloat(m.Metrics.Accuracy, 4),
			formatFloat(m.Metrics.Precision, 4),
			formatFloat(m.Metrics.Recall, 4),
			formatFloat(m.Metrics.F1, 4),
			formatAUC(m.Metrics.AUC),
			c.TP, c.FP, c.TN, c.FN,
		})
	}

	tw.SetColumnConfigs(rightAlign(2, 12))
	return tw.Render()
}

// Render writes the report in the requested format.
func (r Report) Render(w io.Writer, format string) error {
	switch format {
	case FormatTable, "":
		_, err := fmt.Fprintln(w, r.Table())
		return err
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("report format: unsupported value %q", format)
	}
}

// SweepPoint is one model evaluated at one cutoff quantile.
type SweepPoint struct {
	Model     string              `json:"model" yaml:"model"`
	Threshold threshold.Threshold `json:"threshold" yaml:"threshold"`
	Metrics   metrics.Metrics     `json:"metrics" yaml:"metrics"`
}

// SweepTable renders sweep points in the order given.
func SweepTable(points []SweepPoint) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Model", "Quantile", "Cutoff", "Accuracy", "Precision", "Recall", "F1", "Flagged"})
	for _, p := range points {
		c := p.Metrics.Confusion
		tw.AppendRow(table.Row{
			p.Model,
			formatFloat(p.Threshold.Quantile, 3),
			formatFloat(p.Threshold.Value, 4),
			formatFloat(p.Metrics.Accuracy, 4),
			formatFloat(p.Metrics.Precision, 4),
			formatFloat(p.Metrics.Recall, 4),
			formatFloat(p.Metrics.F1, 4),
			c.TP + c.FP,
		})
	}
	tw.SetColumnConfigs(rightAlign(2, 8))
	return tw.Render()
}

// RenderSweep writes sweep points in the requested format.
func RenderSweep(w io.Writer, points []SweepPoint, format string) error {
	points = slices.Clone(points)
	for i := range points {
		points[i].Metrics.ROC = nil
	}
	switch format {
	case FormatTable, "":
		_, err := fmt.Fprintln(w, SweepTable(points))
		return err
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(points)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(points); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("report format: unsupported value %q", format)
	}
}

func rightAlign(from, to int) []table.ColumnConfig {
	configs := make([]table.ColumnConfig, 0, to-from+1)
	for i := from; i <= to; i++ {
		configs = append(configs, table.ColumnConfig{
			Number:      i,
			Align:       text.AlignRight,
			AlignHeader: text.AlignLeft,
		})
	}
	return configs
}

func formatFloat(v float64, prec int) string {
	return strconv.FormatFloat(v, 'f', prec, 64)
}

func formatAUC(auc *float64) string {
	if auc == nil {
		return "-"
	}
	return formatFloat(*auc, 4)
}
