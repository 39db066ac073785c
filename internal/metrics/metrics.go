// Package metrics provides Prometheus instrumentation for the realtime chat
// server: connection and presence gauges, typing-state size, event counters
// and broadcast latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of open WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatrt_connections_total",
		Help: "Current number of open WebSocket connections",
	})

	// OnlineUsers tracks the size of the session registry.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatrt_online_users",
		Help: "Current number of users with a registered live connection",
	})

	// TypingPairs tracks the number of (sender, recipient) pairs in TYPING state.
	TypingPairs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatrt_typing_pairs",
		Help: "Current number of active typing indicators",
	})

	// EventsTotal counts coordinator events by type.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrt_events_total",
		Help: "Total number of realtime events processed",
	}, []string{"type"}) // connect, disconnect, typing_start, typing_stop, force_stop, typing_expired, dropped

	// RejectedConnects counts connect attempts without a usable user id.
	RejectedConnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatrt_rejected_connects_total",
		Help: "Connect attempts rejected for a missing or placeholder user id",
	})

	// PresenceBroadcasts counts getOnlineUsers broadcasts.
	PresenceBroadcasts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatrt_presence_broadcasts_total",
		Help: "Total number of online roster broadcasts",
	})

	// SweepCleared counts senders whose typing state was cleared by the sweeper.
	SweepCleared = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatrt_sweep_cleared_total",
		Help: "Senders cleared by the stale typing-state sweeper",
	})

	// BroadcastLatency records the time spent writing one roster broadcast.
	BroadcastLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatrt_broadcast_seconds",
		Help:    "Time to write one presence broadcast to all connections",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// MessagesPushed counts live pushes of stored messages, labeled by result:
	// "delivered", "offline" or "failed".
	MessagesPushed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrt_messages_pushed_total",
		Help: "Newly created messages pushed over the realtime channel",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		TypingPairs,
		EventsTotal,
		RejectedConnects,
		PresenceBroadcasts,
		SweepCleared,
		BroadcastLatency,
		MessagesPushed,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
