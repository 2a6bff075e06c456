// Package metrics defines Prometheus collectors for the Tether server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tether_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Sync protocol metrics
	SessionsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tether_sessions_connected",
			Help: "Currently connected sessions across all channels",
		},
	)

	MessagesAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_messages_appended_total",
			Help: "Messages appended to the conversation store",
		},
		[]string{"channel"}, // "ws" or "rest"
	)

	BroadcastsFanned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tether_broadcasts_fanned_total",
			Help: "Sequenced broadcast events fanned out to sessions",
		},
	)

	ReplayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_replay_requests_total",
			Help: "Sync replay requests serviced",
		},
		[]string{"outcome"}, // "ok" or "window_exhausted"
	)

	AuthFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tether_auth_failures_total",
			Help: "Failed session authentication attempts",
		},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_rate_limit_hits_total",
			Help: "Rate limit rejections",
		},
		[]string{"channel"},
	)
)
