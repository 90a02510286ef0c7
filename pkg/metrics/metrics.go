// Package metrics provides a small recording interface so the daemon's
// instrumentation points do not depend on a particular backend.
package metrics

import "net/http"

// Labels represents a collection of labels (key-value pairs) for a metric.
type Labels map[string]string

// Recorder is the interface the daemon records metrics through.
type Recorder interface {
	// IncCounter increments a counter by 1.
	IncCounter(name string, labels Labels)

	// SetGauge sets the value of a gauge.
	SetGauge(name string, labels Labels, value float64)

	// ObserveHistogram records a new observation for a histogram.
	ObserveHistogram(name string, labels Labels, value float64)

	// Handler returns an http.Handler exposing the metrics for scraping,
	// or nil if the backend has nothing to expose.
	Handler() http.Handler
}

// noopRecorder is used when metrics are disabled, to avoid nil checks.
type noopRecorder struct{}

// NewNoopRecorder returns a recorder that does nothing.
func NewNoopRecorder() Recorder { return &noopRecorder{} }

func (r *noopRecorder) IncCounter(name string, labels Labels) {}

func (r *noopRecorder) SetGauge(name string, labels Labels, value float64) {}

func (r *noopRecorder) ObserveHistogram(name string, labels Labels, value float64) {}

func (r *noopRecorder) Handler() http.Handler { return nil }
