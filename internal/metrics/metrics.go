// Package metrics exposes the process's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "boardchat_active_connections",
			Help: "Currently open WebSocket connections",
		},
	)

	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "boardchat_connections_total",
			Help: "Total accepted WebSocket connections",
		},
	)

	DroppedEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "boardchat_dropped_events_total",
			Help: "Outbound events dropped on full client buffers",
		},
	)

	// Chat metrics
	MessagesPosted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "boardchat_messages_posted_total",
			Help: "Messages accepted into the log",
		},
	)

	MessagesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boardchat_messages_rejected_total",
			Help: "Messages rejected before storage",
		},
		[]string{"reason"}, // "validation", "membership", "rate_limit"
	)

	// Store metrics
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boardchat_store_errors_total",
			Help: "Key-value store operations that failed",
		},
		[]string{"op"},
	)
)
