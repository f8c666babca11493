// Package io provides input/output utilities for engine telemetry.
package io

import (
	"context"

	"github.com/hed1ad/turboguard/pkg/dataset"
)

// Reader is the interface for reading telemetry from various sources.
type Reader interface {
	// Read returns the complete dataset.
	Read() ([]dataset.Sample, error)

	// Stream returns a channel of samples for incremental scoring.
	// The error channel receives at most one value and is closed with the samples channel.
	Stream(ctx context.Context) (<-chan dataset.Sample, <-chan error)

	// Close releases resources.
	Close() error
}

// Writer is the interface for writing detection results.
type Writer interface {
	// Write outputs a single result.
	Write(result Result) error

	// WriteAll outputs multiple results.
	WriteAll(results []Result) error

	// Close flushes and releases resources.
	Close() error
}

// Result represents the anomaly verdict for one sample.
type Result struct {
	Unit      int     `json:"unit"`
	Cycle     int     `json:"cycle"`
	Score     float64 `json:"score"`
	IsAnomaly bool    `json:"is_anomaly"`
	// Label is the ground truth when known, -1 otherwise.
	Label int `json:"label"`
}
