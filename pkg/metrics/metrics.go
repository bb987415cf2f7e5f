// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// StreamDuration tracks upstream streaming duration per provider.
	StreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proxy_stream_duration_seconds",
			Help:    "Upstream streaming response duration",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120, 300},
		},
		[]string{"provider", "status"},
	)

	// TokensTotal tracks tokens processed per provider.
	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_tokens_total",
			Help: "Total tokens processed",
		},
		[]string{"provider", "direction"},
	)

	// ConnectRetries counts connect-phase retry attempts per provider.
	ConnectRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_connect_retries_total",
			Help: "Connect-phase retries against upstream providers",
		},
		[]string{"provider"},
	)

	// TerminalEvents counts stream outcomes per provider.
	TerminalEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_terminal_events_total",
			Help: "Terminal stream events by outcome",
		},
		[]string{"provider", "outcome"},
	)

	// BreakerStates reports the current circuit breaker state per upstream key.
	BreakerStates = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "proxy_breaker_state",
			Help: "Circuit breaker state (1 = active state)",
		},
		[]string{"key", "state"},
	)

	// BreakerFastFails counts requests rejected while a breaker is open.
	BreakerFastFails = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_breaker_fast_fails_total",
			Help: "Requests fast-failed by an open circuit breaker",
		},
		[]string{"key"},
	)

	// MuxDroppedEvents counts events dropped for slow sinks.
	MuxDroppedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_mux_dropped_events_total",
			Help: "Events dropped because a sink queue was full",
		},
		[]string{"sink"},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)
)

var breakerStateNames = []string{"closed", "open", "half_open"}

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordStream records metrics for one upstream stream.
func RecordStream(provider, status string, durationSec float64, tokensIn, tokensOut int) {
	StreamDuration.WithLabelValues(provider, status).Observe(durationSec)
	TokensTotal.WithLabelValues(provider, "in").Add(float64(tokensIn))
	TokensTotal.WithLabelValues(provider, "out").Add(float64(tokensOut))
}

// SetBreakerState marks the active breaker state for a key.
func SetBreakerState(key, state string) {
	for _, name := range breakerStateNames {
		v := 0.0
		if name == state {
			v = 1.0
		}
		BreakerStates.WithLabelValues(key, name).Set(v)
	}
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
