package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roomchat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Realtime metrics
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomchat_active_connections",
			Help: "Open websocket connections on this gateway",
		},
	)

	OnlineUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomchat_online_users",
			Help: "Users with at least one live connection on this gateway",
		},
	)

	InboundEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_inbound_events_total",
			Help: "Client events handled",
		},
		[]string{"event", "outcome"}, // outcome: "ok" or an error code
	)

	MessagesPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_messages_persisted_total",
			Help: "Messages written to the log",
		},
		[]string{"type"},
	)

	IdempotentReplays = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomchat_idempotent_replays_total",
			Help: "Sends answered with an existing message",
		},
	)

	BroadcastDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_broadcast_deliveries_total",
			Help: "Frames queued to connections",
		},
		[]string{"scope"}, // "room", "all", "users"
	)

	DroppedConsumers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomchat_dropped_slow_consumers_total",
			Help: "Connections closed because their send buffer was full",
		},
	)

	// Infrastructure metrics
	StorageRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomchat_storage_retries_total",
			Help: "Transient storage failures that were retried",
		},
	)

	BusPublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomchat_bus_publish_errors_total",
			Help: "Events that could not be published to the bus",
		},
	)
)
