// Package metrics provides Prometheus instrumentation for the hub. It
// exposes gauges for connection and room counts, counters for signaling and
// verification outcomes, and histograms for latency tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectedUsers tracks the current number of active WebSocket connections.
	ConnectedUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kindred_connected_users",
		Help: "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of live verification rooms.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kindred_active_rooms",
		Help: "Current number of live verification rooms",
	})

	// SignalsRelayed counts connection-setup messages forwarded between room
	// participants.
	SignalsRelayed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kindred_signals_relayed_total",
		Help: "Total connection-setup messages relayed",
	})

	// SignalsDropped counts signals dropped because the room was not active.
	SignalsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kindred_signals_dropped_total",
		Help: "Total connection-setup messages dropped",
	})

	// VerificationsCompleted counts verification sessions where both sides
	// confirmed.
	VerificationsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kindred_verifications_completed_total",
		Help: "Total verification sessions completed",
	})

	// VerificationsFailed counts verification sessions recorded as failed.
	VerificationsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kindred_verifications_failed_total",
		Help: "Total verification sessions failed",
	})

	// RetryAttempts counts reconnect probes fired while a room member waited.
	RetryAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kindred_retry_attempts_total",
		Help: "Total reconnect probes fired for waiting room members",
	})

	// MessagesTotal counts chat messages processed, labeled by outcome:
	// "sent", "rejected", or "rate_limited".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kindred_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"type"})

	// MessageLatency records message persistence and fan-out latency.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kindred_message_latency_seconds",
		Help:    "Message processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectedUsers,
		ActiveRooms,
		SignalsRelayed,
		SignalsDropped,
		VerificationsCompleted,
		VerificationsFailed,
		RetryAttempts,
		MessagesTotal,
		MessageLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
