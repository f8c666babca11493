package report

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "turboguard"

// WriteTextfile exports the report as gauges in the Prometheus text format,
// for pickup by node_exporter's textfile collector.
func WriteTextfile(path string, r Report) error {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	accuracy := factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "model_accuracy",
		Help:      "Test-split accuracy of the last training run per model",
	}, []string{"model"})
	auc := factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "model_auc",
		Help:      "Test-split ROC AUC of the last training run per model",
	}, []string{"model"})
	cutoff := factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "model_threshold",
		Help:      "Anomaly score cutoff fitted on the training split per model",
	}, []string{"model"})
	flagged := factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "model_flagged_samples",
		Help:      "Test samples flagged as anomalous per model",
	}, []string{"model"})
	lastRun := factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix time of the last training run",
	})
	testRows := factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "test_samples",
		Help:      "Rows in the test split of the last training run",
	})

	for _, kind := range r.Kinds() {
		m := r.Models[kind]
		accuracy.WithLabelValues(kind).Set(m.Metrics.Accuracy)
		if m.Metrics.HasAUC() {
			auc.WithLabelValues(kind).Set(*m.Metrics.AUC)
		}
		cutoff.WithLabelValues(kind).Set(m.Threshold.Value)
		flagged.WithLabelValues(kind).Set(float64(m.Metrics.Confusion.TP + m.Metrics.Confusion.FP))
	}
	lastRun.Set(float64(r.CreatedAt.Unix()))
	testRows.Set(float64(r.TestRows))

	if err := prometheus.WriteToTextfile(path, reg); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
