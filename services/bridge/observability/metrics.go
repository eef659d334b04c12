// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the bridge.
//
// # Description
//
// Metrics cover the full request path: HTTP outcomes, queue depth and
// wait times, CLI execution durations, sandbox conflict retries, and
// rate-limit rejections. All are exposed on /metrics.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "bridge"

// BridgeMetrics holds all Prometheus metrics for the bridge service.
//
// Initialize once at startup via InitMetrics; tests build isolated
// instances with NewMetrics and a private registry.
type BridgeMetrics struct {
	// RequestsTotal counts API requests by endpoint and status.
	// Labels: endpoint (chat, chat_stream, models, health), status
	// (success, error, timeout, rejected)
	RequestsTotal *prometheus.CounterVec

	// ActiveRequests tracks executions currently holding a queue slot.
	ActiveRequests prometheus.Gauge

	// QueuedRequests tracks requests waiting for admission.
	QueuedRequests prometheus.Gauge

	// QueueWaitSeconds measures time from arrival to admission.
	QueueWaitSeconds prometheus.Histogram

	// ExecutionSeconds measures CLI invocation duration by outcome.
	// Labels: status (success, error, timeout)
	ExecutionSeconds *prometheus.HistogramVec

	// ConflictRetriesTotal counts sandbox-conflict retries.
	ConflictRetriesTotal prometheus.Counter

	// RateLimitRejectionsTotal counts requests rejected by the limiter.
	RateLimitRejectionsTotal prometheus.Counter
}

// DefaultMetrics is the singleton instance used by the running service.
// Initialized by InitMetrics().
var DefaultMetrics *BridgeMetrics

// NewMetrics creates a metrics instance registered on reg.
func NewMetrics(reg prometheus.Registerer) *BridgeMetrics {
	factory := promauto.With(reg)
	return &BridgeMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "requests_total",
				Help:      "Total API requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		ActiveRequests: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "active_requests",
				Help:      "Executions currently holding a queue slot",
			},
		),

		QueuedRequests: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "queued_requests",
				Help:      "Requests waiting for queue admission",
			},
		),

		QueueWaitSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "queue_wait_seconds",
				Help:      "Time from request arrival to queue admission in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),

		ExecutionSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "execution_seconds",
				Help:      "CLI invocation duration in seconds by outcome",
				Buckets:   []float64{1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),

		ConflictRetriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "conflict_retries_total",
				Help:      "Total executions retried after a sandbox container name conflict",
			},
		),

		RateLimitRejectionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "rate_limit_rejections_total",
				Help:      "Total requests rejected by the per-client rate limiter",
			},
		),
	}
}

// InitMetrics initializes the default metrics instance on the default
// Prometheus registry. Call once at startup; a second call panics on
// duplicate registration.
func InitMetrics() *BridgeMetrics {
	DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// =============================================================================
// Endpoint Names
// =============================================================================

// Endpoint labels a metrics series with the API surface it came from.
type Endpoint string

const (
	// EndpointChat is the non-streaming chat completions endpoint.
	EndpointChat Endpoint = "chat"

	// EndpointChatStream is the streaming chat completions endpoint.
	EndpointChatStream Endpoint = "chat_stream"

	// EndpointModels is the model listing endpoint.
	EndpointModels Endpoint = "models"

	// EndpointHealth is the health endpoint.
	EndpointHealth Endpoint = "health"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records one completed API request.
func (m *BridgeMetrics) RecordRequest(endpoint Endpoint, status string) {
	m.RequestsTotal.WithLabelValues(string(endpoint), status).Inc()
}

// RecordExecution records one CLI invocation's duration and outcome.
func (m *BridgeMetrics) RecordExecution(status string, seconds float64) {
	m.ExecutionSeconds.WithLabelValues(status).Observe(seconds)
}

// RecordQueueWait records the admission wait of one request.
func (m *BridgeMetrics) RecordQueueWait(seconds float64) {
	m.QueueWaitSeconds.Observe(seconds)
}

// SetQueueDepth updates the active and queued gauges from a stats
// snapshot.
func (m *BridgeMetrics) SetQueueDepth(active, queued int) {
	m.ActiveRequests.Set(float64(active))
	m.QueuedRequests.Set(float64(queued))
}

// RecordConflictRetry increments the conflict retry counter.
func (m *BridgeMetrics) RecordConflictRetry() {
	m.ConflictRetriesTotal.Inc()
}

// RecordRateLimitRejection increments the rate-limit rejection counter.
func (m *BridgeMetrics) RecordRateLimitRejection() {
	m.RateLimitRejectionsTotal.Inc()
}
