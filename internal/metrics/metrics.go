// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics provides Prometheus metrics for rigchat.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stream outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

// Search outcomes.
const (
	SearchSkipped  = "skipped"
	SearchResults  = "results"
	SearchEmpty    = "empty"
	SearchFailed   = "failed"
	SearchDisabled = "disabled"
)

// Metrics holds all Prometheus collectors for one server instance.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Chat streaming
	ChatStreamsTotal  *prometheus.CounterVec
	ActiveStreams     prometheus.Gauge
	FirstTokenLatency prometheus.Histogram
	StreamedFragments prometheus.Counter

	// Search augmentation
	SearchRequestsTotal *prometheus.CounterVec

	// Rate limiting
	RateLimitDenied *prometheus.CounterVec

	ServerStartTime time.Time
}

// New creates a registry and registers all collectors on it. Each Metrics
// value owns its registry so that tests can build servers independently.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		registry:        reg,
		ServerStartTime: time.Now(),
	}

	m.HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rigchat_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	m.HTTPRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rigchat_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	m.ChatStreamsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rigchat_chat_streams_total",
			Help: "Chat completion streams by outcome",
		},
		[]string{"outcome"},
	)

	m.ActiveStreams = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "rigchat_active_streams",
			Help: "Number of chat completion streams currently open",
		},
	)

	m.FirstTokenLatency = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rigchat_stream_first_token_seconds",
			Help:    "Time from stream open to the first content fragment",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32},
		},
	)

	m.StreamedFragments = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "rigchat_stream_fragments_total",
			Help: "Content-delta frames forwarded to clients",
		},
	)

	m.SearchRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rigchat_search_requests_total",
			Help: "Search augmentation attempts by outcome",
		},
		[]string{"outcome"},
	)

	m.RateLimitDenied = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rigchat_ratelimit_denied_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"route"},
	)

	return m
}

// Handler returns the /metrics exposition handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records a finished HTTP request.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, statusClass(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// StreamStarted marks a stream as open. The returned func records the
// outcome and must be called exactly once.
func (m *Metrics) StreamStarted() func(outcome string) {
	if m == nil {
		return func(string) {}
	}
	m.ActiveStreams.Inc()
	return func(outcome string) {
		m.ActiveStreams.Dec()
		m.ChatStreamsTotal.WithLabelValues(outcome).Inc()
	}
}

// RecordFirstToken observes time-to-first-fragment.
func (m *Metrics) RecordFirstToken(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstTokenLatency.Observe(d.Seconds())
}

// RecordFragment counts one forwarded content-delta frame.
func (m *Metrics) RecordFragment() {
	if m == nil {
		return
	}
	m.StreamedFragments.Inc()
}

// RecordSearch counts a search augmentation outcome.
func (m *Metrics) RecordSearch(outcome string) {
	if m == nil {
		return
	}
	m.SearchRequestsTotal.WithLabelValues(outcome).Inc()
}

// RecordRateLimited counts a rate-limit denial for route.
func (m *Metrics) RecordRateLimited(route string) {
	if m == nil {
		return
	}
	m.RateLimitDenied.WithLabelValues(route).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
