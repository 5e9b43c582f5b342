package relay

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the relay's prometheus instruments. A nil *Metrics records nothing.
type Metrics struct {
	connections prometheus.Gauge
	received    *prometheus.CounterVec
	published   prometheus.Counter
	dropped     prometheus.Counter
}

// NewMetrics builds the instruments and registers them with reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "concierge",
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Connected relay viewers.",
		}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concierge",
			Subsystem: "relay",
			Name:      "envelopes_received_total",
			Help:      "Envelopes read from viewers, by type.",
		}, []string{"type"}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "concierge",
			Subsystem: "relay",
			Name:      "messages_published_total",
			Help:      "Synchronized messages offered to relay rooms.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "concierge",
			Subsystem: "relay",
			Name:      "envelopes_dropped_total",
			Help:      "Fan-out envelopes skipped because a viewer queue was full.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.connections, m.received, m.published, m.dropped)
	}
	return m
}

func (m *Metrics) connected(delta float64) {
	if m == nil {
		return
	}
	m.connections.Add(delta)
}

func (m *Metrics) envelope(typ string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(typ).Inc()
}

func (m *Metrics) fanout(n, dropped int) {
	if m == nil {
		return
	}
	m.published.Add(float64(n))
	m.dropped.Add(float64(dropped))
}
