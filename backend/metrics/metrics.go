// Package metrics holds the Prometheus instrumentation shared by the engine
// and the heartbeat monitor.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	Participants prometheus.Gauge
	Rooms        prometheus.Gauge

	Relays            prometheus.Counter
	HeartbeatTimeouts prometheus.Counter
	HeartbeatLost     prometheus.Counter
	HeartbeatRestored prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Participants: factory.NewGauge(prometheus.GaugeOpts{
			Name: "signaling_participants",
			Help: "Number of currently connected participants.",
		}),
		Rooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "signaling_rooms",
			Help: "Number of live rooms.",
		}),
		Relays: factory.NewCounter(prometheus.CounterOpts{
			Name: "signaling_relays_total",
			Help: "Signaling payloads relayed between participants.",
		}),
		HeartbeatTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "signaling_heartbeat_timeouts_total",
			Help: "Pings that were not answered in time.",
		}),
		HeartbeatLost: factory.NewCounter(prometheus.CounterOpts{
			Name: "signaling_heartbeat_lost_total",
			Help: "Connections force-closed after heartbeat escalation.",
		}),
		HeartbeatRestored: factory.NewCounter(prometheus.CounterOpts{
			Name: "signaling_heartbeat_restored_total",
			Help: "Connections that recovered after one or more failed pings.",
		}),
	}
}

// Handler serves the exposition endpoint for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
