// Package server exposes Prometheus metrics for connections, broadcasts, and
// moderation activity.
package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fireside_active_connections",
		Help: "Number of live WebSocket connections registered with the hub.",
	})
	broadcastsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fireside_broadcasts_total",
		Help: "Outbound broadcasts dispatched, labeled by audience scope.",
	}, []string{"scope"})
	droppedClients = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fireside_dropped_clients_total",
		Help: "Clients removed because their send buffer was full.",
	})
	moderationHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fireside_moderation_interceptions_total",
		Help: "Chat messages intercepted by the banned-keyword filter.",
	})
)

func init() {
	prometheus.MustRegister(activeConnections, broadcastsTotal, droppedClients, moderationHits)
}

func scopeLabel(scope broadcastScope) string {
	switch scope {
	case scopeAll:
		return "all"
	case scopeRoom:
		return "room"
	case scopeUser:
		return "user"
	default:
		return "client"
	}
}
