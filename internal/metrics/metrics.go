package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codegen_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codegen_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)

	// Relay metrics
	RelayConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "codegen_relay_connections",
			Help: "Currently connected realtime clients",
		},
	)

	RelayEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codegen_relay_events_total",
			Help: "Inbound realtime events by name",
		},
		[]string{"event"},
	)

	RelayDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codegen_relay_dropped_total",
			Help: "Realtime messages dropped",
		},
		[]string{"reason"}, // "rate_limited", "slow_client"
	)

	// AI metrics
	AIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codegen_ai_requests_total",
			Help: "AI proxy calls by outcome",
		},
		[]string{"outcome"}, // "ok", "timeout", "unavailable", "canceled", "error"
	)

	AIRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "codegen_ai_request_duration_seconds",
			Help:    "AI proxy call latency",
			Buckets: []float64{.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
	)

	// Storage metrics
	CacheErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codegen_cache_errors_total",
			Help: "Message cache failures by operation",
		},
		[]string{"op"},
	)

	FileTreeUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codegen_file_tree_updates_total",
			Help: "File tree replacements by source and result",
		},
		[]string{"source", "result"},
	)
)
