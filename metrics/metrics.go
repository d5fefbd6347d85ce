// Package metrics provides Prometheus metrics for the CoinGecko pipeline.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "coinlake"

// Metrics holds all pipeline metrics.
type Metrics struct {
	// Counters
	RunsTotal     *prometheus.CounterVec
	FlowsTotal    *prometheus.CounterVec
	RowsWritten   *prometheus.CounterVec
	WritesTotal   *prometheus.CounterVec
	HTTPRetries   *prometheus.CounterVec
	VerifyFailure prometheus.Counter

	// Gauges
	LastSuccess prometheus.Gauge

	// Histograms
	RunDuration  prometheus.Histogram
	FlowDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates and registers the pipeline metrics on a private registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs by outcome",
		},
		[]string{"outcome"}, // "completed", "skipped", "aborted", "failed"
	)

	m.FlowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flows_total",
			Help:      "Flow executions by flow and outcome",
		},
		[]string{"flow", "outcome"},
	)

	m.RowsWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_written_total",
			Help:      "Total rows written by table",
		},
		[]string{"table"},
	)

	m.WritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "table_writes_total",
			Help:      "Table writes by table and outcome",
		},
		[]string{"table", "outcome"}, // "created", "merged", "overwritten", "fallback_overwrite"
	)

	m.HTTPRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_retries_total",
			Help:      "Retried CoinGecko requests by endpoint",
		},
		[]string{"endpoint"},
	)

	m.VerifyFailure = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verify_failures_total",
			Help:      "Post-write verifications that found no rows",
		},
	)

	m.LastSuccess = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last completed run",
		},
	)

	m.RunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of a full pipeline run",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		},
	)

	m.FlowDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flow_duration_seconds",
			Help:      "Duration of each flow",
			Buckets:   []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
		},
		[]string{"flow"},
	)

	m.registry.MustRegister(
		m.RunsTotal,
		m.FlowsTotal,
		m.RowsWritten,
		m.WritesTotal,
		m.HTTPRetries,
		m.VerifyFailure,
		m.LastSuccess,
		m.RunDuration,
		m.FlowDuration,
	)
	m.registry.MustRegister(prometheus.NewGoCollector())
	m.registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return m
}

// Handler returns an HTTP handler for metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRetry counts one retried request. It matches the retry callback of the
// API client.
func (m *Metrics) RecordRetry(endpoint string) {
	m.HTTPRetries.WithLabelValues(endpoint).Inc()
}

// RecordFlow records a finished flow.
func (m *Metrics) RecordFlow(flow, outcome string, duration time.Duration) {
	m.FlowsTotal.WithLabelValues(flow, outcome).Inc()
	m.FlowDuration.WithLabelValues(flow).Observe(duration.Seconds())
}

// RecordWrite records a table write and the rows it carried.
func (m *Metrics) RecordWrite(table, outcome string, rows int) {
	m.WritesTotal.WithLabelValues(table, outcome).Inc()
	m.RowsWritten.WithLabelValues(table).Add(float64(rows))
}

// RecordRun records a finished run.
func (m *Metrics) RecordRun(outcome string, started time.Time, duration time.Duration) {
	m.RunsTotal.WithLabelValues(outcome).Inc()
	m.RunDuration.Observe(duration.Seconds())
	if outcome == "completed" {
		m.LastSuccess.Set(float64(started.Unix()))
	}
}

// Push sends the current metrics to a Prometheus Pushgateway. One-shot runs end
// before any scrape could happen.
func (m *Metrics) Push(url, job string) error {
	if err := push.New(url, job).Gatherer(m.registry).Push(); err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", url, err)
	}
	return nil
}
