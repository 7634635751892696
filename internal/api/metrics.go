// Package api implements the diagnostics/stream surface and the chat
// completion surface: the HTTP boundary the UI talks to. A single
// http.ServeMux serves the tool, event, and chat routes plus /metrics and
// a terse health check.
package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the process-wide counters: total requests, streams, tool
// calls, rate-limited count.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	StreamsTotal     *prometheus.CounterVec
	ToolCallsTotal   *prometheus.CounterVec
	RateLimitedTotal prometheus.Counter
}

// NewMetrics registers the surface's metrics against the default
// Prometheus registry, which is what /metrics serves. Call once at boot.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers against an explicit registerer; tests pass a
// fresh prometheus.NewRegistry so repeated construction never collides.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assistantd_http_requests_total",
				Help: "Total number of HTTP requests by route and status.",
			},
			[]string{"route", "status"},
		),
		StreamsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assistantd_streams_total",
				Help: "Total number of SSE streams opened by route.",
			},
			[]string{"route"},
		),
		ToolCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assistantd_tool_calls_total",
				Help: "Total number of tool invocations by tool name and outcome.",
			},
			[]string{"tool", "outcome"},
		),
		RateLimitedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "assistantd_rate_limited_total",
				Help: "Total number of requests rejected by the rate limiter.",
			},
		),
	}
}
