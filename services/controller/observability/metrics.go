// Copyright (C) 2025 GhostWire (hsmalley@ghostwire.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the controller.
//
// # Description
//
// Metrics cover the RAG pipeline end to end:
//   - Request counters by endpoint and status
//   - Cache hit/miss counters by tier (exact, similar, embed_memo)
//   - Retrieval path counters (index, scan_fallback)
//   - Latency histograms for embedding, retrieval, and full requests
//   - Active stream and index size gauges
//
// # Integration
//
// Exposed via /metrics. Scrape with Prometheus; the ghostwire_* namespace
// keeps dashboards separable from upstream model servers.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all controller metrics.
const metricsNamespace = "ghostwire"

// Metrics holds every Prometheus instrument the controller records.
//
// Initialize once at startup via InitMetrics; handlers reach it through
// DefaultMetrics. Registration panics when called twice.
type Metrics struct {
	// RequestsTotal counts requests by endpoint and status.
	// Labels: endpoint (chat_embedding, rag, retrieve, ...), status
	// (success, error)
	RequestsTotal *prometheus.CounterVec

	// CacheEventsTotal counts cache lookups by tier and outcome.
	// Labels: tier (exact, similar, embed_memo), outcome (hit, miss)
	CacheEventsTotal *prometheus.CounterVec

	// RetrievalsTotal counts retrievals by path.
	// Labels: path (index, scan_fallback, none)
	RetrievalsTotal *prometheus.CounterVec

	// EmbedDurationSeconds measures embedding gateway latency.
	// Labels: source (upstream, memo)
	EmbedDurationSeconds *prometheus.HistogramVec

	// RequestDurationSeconds measures end-to-end request latency.
	// Labels: endpoint, status
	RequestDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks in-flight streaming responses.
	// Labels: endpoint
	ActiveStreams *prometheus.GaugeVec

	// IndexSize tracks the number of vectors in the ANN index.
	IndexSize prometheus.Gauge

	// ErrorsTotal counts errors by endpoint and error code.
	// Labels: endpoint, error_code
	ErrorsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance, set by InitMetrics.
var DefaultMetrics *Metrics

// InitMetrics creates and registers all controller metrics against the
// default Prometheus registry. Call once at startup.
func InitMetrics() *Metrics {
	DefaultMetrics = &Metrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "requests_total",
				Help:      "Total requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		CacheEventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "cache_events_total",
				Help:      "Cache lookups by tier and outcome",
			},
			[]string{"tier", "outcome"},
		),

		RetrievalsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "retrievals_total",
				Help:      "Context retrievals by path",
			},
			[]string{"path"},
		),

		EmbedDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "embed_duration_seconds",
				Help:      "Embedding latency by source",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"source"},
		),

		RequestDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "request_duration_seconds",
				Help:      "End-to-end request latency",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
			},
			[]string{"endpoint", "status"},
		),

		ActiveStreams: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "active_streams",
				Help:      "Currently active streaming responses",
			},
			[]string{"endpoint"},
		),

		IndexSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "index_size",
				Help:      "Vectors currently held by the ANN index",
			},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "errors_total",
				Help:      "Errors by endpoint and error code",
			},
			[]string{"endpoint", "error_code"},
		),
	}
	return DefaultMetrics
}

// =============================================================================
// Recording Helpers
// =============================================================================

// RecordRequest records one completed request.
func (m *Metrics) RecordRequest(endpoint, status string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(endpoint, status).Inc()
	m.RequestDurationSeconds.WithLabelValues(endpoint, status).Observe(seconds)
}

// RecordError records one classified error.
func (m *Metrics) RecordError(endpoint, errorCode string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(endpoint, errorCode).Inc()
}

// RecordCacheEvent records one cache lookup outcome.
func (m *Metrics) RecordCacheEvent(tier string, hit bool) {
	if m == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.CacheEventsTotal.WithLabelValues(tier, outcome).Inc()
}

// RecordRetrieval records which retrieval path served a request.
func (m *Metrics) RecordRetrieval(path string) {
	if m == nil {
		return
	}
	m.RetrievalsTotal.WithLabelValues(path).Inc()
}

// StreamStarted marks a streaming response as in flight.
func (m *Metrics) StreamStarted(endpoint string) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(endpoint).Inc()
}

// StreamEnded marks a streaming response as finished.
func (m *Metrics) StreamEnded(endpoint string) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(endpoint).Dec()
}

// SetIndexSize publishes the current ANN index size.
func (m *Metrics) SetIndexSize(n int) {
	if m == nil {
		return
	}
	m.IndexSize.Set(float64(n))
}
