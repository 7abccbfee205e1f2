package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for Tether.
type Metrics struct {
	ConnectionsTotal  prometheus.Counter
	ActiveConnections prometheus.Gauge
	MessagesStored    prometheus.Counter
	PushesTotal       *prometheus.CounterVec
	BroadcastsTotal   prometheus.Counter
	UnseenSnapshots   prometheus.Counter
	StoreReachable    prometheus.Gauge
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		ConnectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tether_connections_total",
			Help: "Total WebSocket connections handled",
		}),
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tether_active_connections",
			Help: "Current active WebSocket connections",
		}),
		MessagesStored: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tether_messages_stored_total",
			Help: "Total messages persisted",
		}),
		PushesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tether_pushes_total",
			Help: "Real-time push attempts by outcome",
		}, []string{"outcome"}), // delivered, offline, failed
		BroadcastsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tether_online_broadcasts_total",
			Help: "Total online-set broadcasts",
		}),
		UnseenSnapshots: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tether_unseen_snapshots_total",
			Help: "Total unseen-count snapshot queries",
		}),
		StoreReachable: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tether_store_reachable",
			Help: "Message store reachability (1=up, 0=down)",
		}),
	}
}
