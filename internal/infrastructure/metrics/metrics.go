package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	Connections      prometheus.Gauge
	EventsEmitted    *prometheus.CounterVec
	EventsRelayed    *prometheus.CounterVec
	EventsDropped    prometheus.Counter
	BrokerReconnects prometheus.Counter
	BrokerPublishErr prometheus.Counter
}

// New registers the gateway collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "portal_realtime",
			Name:      "connections",
			Help:      "Number of currently connected websocket clients.",
		}),
		EventsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal_realtime",
			Name:      "events_emitted_total",
			Help:      "Events emitted by mutation call sites, by kind.",
		}, []string{"kind"}),
		EventsRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal_realtime",
			Name:      "events_relayed_total",
			Help:      "Events relayed to connected clients, by kind.",
		}, []string{"kind"}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "portal_realtime",
			Name:      "events_dropped_total",
			Help:      "Events dropped due to full client send buffers or malformed broker messages.",
		}),
		BrokerReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "portal_realtime",
			Name:      "broker_reconnects_total",
			Help:      "Broker reconnect attempts.",
		}),
		BrokerPublishErr: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "portal_realtime",
			Name:      "broker_publish_errors_total",
			Help:      "Broker publish failures (events still delivered in-process).",
		}),
	}
}

// NewUnregistered returns collectors on a throwaway registry, for tests and
// for components constructed without a metrics backend.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
