// Package metrics provides metrics collection for query runs.
package metrics

import (
	"time"
)

// Metric names recorded by the harness and the batch runner.
const (
	QueryExecutions   = "cardinal_query_executions_total"
	QueryDuration     = "cardinal_query_duration_seconds"
	ExplainDuration   = "cardinal_explain_duration_seconds"
	HintDegradations  = "cardinal_hint_degraded_total"
	BenchmarkFailures = "cardinal_benchmark_failures_total"
	BenchmarkMean     = "cardinal_benchmark_mean_seconds"
	BatchRows         = "cardinal_batch_rows_total"
)

// Collector defines the interface for collecting metrics.
// Labels are passed as alternating name, value pairs.
type Collector interface {
	// IncrementCounter increments a counter metric.
	IncrementCounter(name string, labels ...string)

	// RecordHistogram records a value in a histogram metric.
	RecordHistogram(name string, value float64, labels ...string)

	// RecordGauge records a gauge metric value.
	RecordGauge(name string, value float64, labels ...string)

	// StartTimer starts a timer whose Stop records into the named histogram.
	StartTimer(name string, labels ...string) Timer
}

// Timer represents a timing measurement.
type Timer interface {
	// Stop stops the timer and returns the duration in seconds.
	Stop() float64
}

// NoOpCollector is a no-op implementation of Collector.
type NoOpCollector struct{}

// NewNoOpCollector creates a new no-op collector.
func NewNoOpCollector() Collector {
	return &NoOpCollector{}
}

// IncrementCounter does nothing.
func (n *NoOpCollector) IncrementCounter(name string, labels ...string) {}

// RecordHistogram does nothing.
func (n *NoOpCollector) RecordHistogram(name string, value float64, labels ...string) {}

// RecordGauge does nothing.
func (n *NoOpCollector) RecordGauge(name string, value float64, labels ...string) {}

// StartTimer returns a timer that only measures.
func (n *NoOpCollector) StartTimer(name string, labels ...string) Timer {
	return &noOpTimer{start: time.Now()}
}

type noOpTimer struct {
	start time.Time
}

// Stop returns the elapsed time in seconds.
func (t *noOpTimer) Stop() float64 {
	return time.Since(t.start).Seconds()
}
