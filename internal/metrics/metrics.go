// Package metrics provides Prometheus instrumentation for the signaling
// server. It exposes gauges for connection, queue and session counts,
// counters for relay throughput and drops, and histograms for match wait and
// call duration.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of open WebSocket sockets,
	// registered or not.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "signal_connections_total",
		Help: "Current number of open WebSocket connections",
	})

	// RegisteredConnections tracks connections that completed register.
	RegisteredConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "signal_registered_connections",
		Help: "Current number of registered connections",
	})

	// SearchingConnections tracks connections in the Searching state.
	SearchingConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "signal_searching_connections",
		Help: "Current number of connections searching for a partner",
	})

	// MatchQueueSize tracks the matcher's queue length.
	MatchQueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "signal_match_queue_size",
		Help: "Current number of entries in the match queue",
	})

	// ActiveSessions tracks live (Signaling or Active) sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "signal_active_sessions",
		Help: "Current number of live call sessions",
	})

	// MessagesTotal counts relayed messages by type.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "signal_messages_total",
		Help: "Total number of messages relayed between session peers",
	}, []string{"type"}) // type = offer, answer, ice-candidate, chat_message, chat_image

	// RelayDropped counts messages that were not relayed, by reason.
	RelayDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "signal_relay_dropped_total",
		Help: "Total number of messages dropped by the relay",
	}, []string{"reason"}) // reason = no_session, limit, oversize, invalid, blocked, ice_overflow

	// SessionsEnded counts finished sessions by end reason.
	SessionsEnded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "signal_sessions_ended_total",
		Help: "Total number of ended sessions",
	}, []string{"reason"})

	// MatchWait records how long a connection waited in the queue.
	MatchWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "signal_match_wait_seconds",
		Help:    "Time from search to peer found",
		Buckets: []float64{.1, .5, 1, 2, 5, 10, 20, 30, 60, 120},
	})

	// SessionDuration records how long sessions lasted.
	SessionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "signal_session_duration_seconds",
		Help:    "Call session lifetime",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})

	// PresenceBroadcasts counts coalesced presence broadcasts.
	PresenceBroadcasts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signal_presence_broadcasts_total",
		Help: "Total number of presence broadcasts",
	})

	// OracleErrors counts failed balance lookups.
	OracleErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signal_oracle_errors_total",
		Help: "Total number of failed balance oracle lookups",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		RegisteredConnections,
		SearchingConnections,
		MatchQueueSize,
		ActiveSessions,
		MessagesTotal,
		RelayDropped,
		SessionsEnded,
		MatchWait,
		SessionDuration,
		PresenceBroadcasts,
		OracleErrors,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
