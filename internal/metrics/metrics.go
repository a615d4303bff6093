// Package metrics provides Prometheus instrumentation for the policy core
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics exports policy delegate metrics for HTTP scraping
type PrometheusMetrics struct {
	enforceTotal    *prometheus.CounterVec
	mutationsTotal  *prometheus.CounterVec
	errorsTotal     *prometheus.CounterVec
	roleCount       prometheus.Gauge
	enforceDuration prometheus.Histogram
	filteredRows    prometheus.Histogram

	registry *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	enforceTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enforce_total",
			Help:      "Total number of enforce decisions by outcome",
		},
		[]string{"decision"},
	)

	mutationsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Total number of policy mutations by operation",
		},
		[]string{"operation"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of delegate errors by operation",
		},
		[]string{"operation"},
	)

	roleCount := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "roles",
			Help:      "Number of roles with a live metadata record",
		},
	)

	enforceDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "enforce_duration_seconds",
			Help:      "Enforce latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		},
	)

	filteredRows := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "enforce_filtered_rows",
			Help:      "Number of policy rows loaded per enforce call",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	registry.MustRegister(enforceTotal, mutationsTotal, errorsTotal, roleCount, enforceDuration, filteredRows)

	return &PrometheusMetrics{
		enforceTotal:    enforceTotal,
		mutationsTotal:  mutationsTotal,
		errorsTotal:     errorsTotal,
		roleCount:       roleCount,
		enforceDuration: enforceDuration,
		filteredRows:    filteredRows,
		registry:        registry,
	}
}

// RecordEnforce records one enforce decision and its cost
func (m *PrometheusMetrics) RecordEnforce(allowed bool, loadedRows int, duration time.Duration) {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	m.enforceTotal.WithLabelValues(decision).Inc()
	m.enforceDuration.Observe(duration.Seconds())
	m.filteredRows.Observe(float64(loadedRows))
}

// RecordMutation records one successful mutation operation
func (m *PrometheusMetrics) RecordMutation(operation string) {
	m.mutationsTotal.WithLabelValues(operation).Inc()
}

// RecordError records a failed delegate operation
func (m *PrometheusMetrics) RecordError(operation string) {
	m.errorsTotal.WithLabelValues(operation).Inc()
}

// SetRoleCount sets the live role gauge
func (m *PrometheusMetrics) SetRoleCount(n int) {
	m.roleCount.Set(float64(n))
}

// AddRoleCount adjusts the live role gauge by delta
func (m *PrometheusMetrics) AddRoleCount(delta int) {
	m.roleCount.Add(float64(delta))
}

// Handler returns an HTTP handler exposing the registry
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
