package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dm_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dm_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Gateway metrics
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dm_active_connections",
			Help: "Websocket connections currently open on this instance",
		},
	)

	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dm_messages_sent_total",
			Help: "Messages persisted and broadcast",
		},
	)

	SendRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dm_send_rejected_total",
			Help: "Send attempts rejected, by error code",
		},
		[]string{"code"},
	)

	NewConversations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dm_new_conversations_total",
			Help: "First messages between a pair of users",
		},
	)

	DeliveriesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dm_deliveries_dropped_total",
			Help: "Frames dropped because a connection's send buffer was full",
		},
	)

	// Infrastructure metrics
	PersistLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dm_persist_latency_seconds",
			Help:    "Message persistence latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25},
		},
	)
)
