// Package metrics provides Prometheus instrumentation for the anonychat
// server: gauges for the presence counts and counters for message and
// pairing throughput.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsCurrent tracks the number of live WebSocket connections.
	ConnectionsCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "anonychat_connections_current",
		Help: "Current number of live WebSocket connections",
	})

	// WaitingCurrent tracks the number of peers in the waiting queue.
	WaitingCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "anonychat_waiting_current",
		Help: "Current number of peers awaiting a partner",
	})

	// PairsCurrent tracks the number of active chat sessions.
	PairsCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "anonychat_pairs_current",
		Help: "Current number of active chat pairs",
	})

	// PairingsTotal counts sessions created since start.
	PairingsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "anonychat_pairings_total",
		Help: "Total number of pairs formed",
	})

	// MessagesTotal counts relayed messages by type.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "anonychat_messages_total",
		Help: "Total number of relayed messages",
	}, []string{"type"})

	// RejectedConnectionsTotal counts sockets refused by the connect throttle.
	RejectedConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "anonychat_rejected_connections_total",
		Help: "Total number of connections rejected by throttling",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsCurrent,
		WaitingCurrent,
		PairsCurrent,
		PairingsTotal,
		MessagesTotal,
		RejectedConnectionsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
