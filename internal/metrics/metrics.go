// Package metrics provides Prometheus instrumentation for agentplane.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentplane_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentplane_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Session metrics.
var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentplane_active_sessions",
		Help: "Number of session actors currently resident in memory.",
	})

	PromptQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentplane_prompt_queue_depth",
		Help: "Total pending+processing prompts across resident sessions.",
	})

	PromptsEnqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentplane_prompts_enqueued_total",
		Help: "Total number of prompts enqueued.",
	})
)

// Sandbox metrics.
var (
	SandboxSpawnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentplane_sandbox_spawns_total",
		Help: "Total sandbox spawn attempts by outcome.",
	}, []string{"outcome"})

	SandboxSnapshotsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentplane_sandbox_snapshots_total",
		Help: "Total sandbox snapshot attempts by reason.",
	}, []string{"reason"})

	EventsIngestedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentplane_sandbox_events_total",
		Help: "Total sandbox events ingested by type.",
	}, []string{"type"})
)

// WebSocket metrics.
var (
	WSConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentplane_ws_connections_active",
		Help: "Number of active WebSocket connections.",
	})

	WSMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentplane_ws_messages_total",
		Help: "Total number of WebSocket messages sent.",
	})
)
