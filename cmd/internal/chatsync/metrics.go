package chatsync

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the synchronizer's prometheus instruments.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	polls    *prometheus.CounterVec
	appended prometheus.Counter
	dropped  *prometheus.CounterVec
	sends    *prometheus.CounterVec
	cursor   prometheus.Gauge
	views    prometheus.Gauge
}

// NewMetrics builds the instruments and registers them with reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concierge",
			Subsystem: "sync",
			Name:      "polls_total",
			Help:      "Message polls by result (ok, fail, skipped).",
		}, []string{"result"}),
		appended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "concierge",
			Subsystem: "sync",
			Name:      "messages_appended_total",
			Help:      "Messages appended to local conversation logs.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concierge",
			Subsystem: "sync",
			Name:      "messages_dropped_total",
			Help:      "Polled messages refused by the merge, by reason.",
		}, []string{"reason"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concierge",
			Subsystem: "sync",
			Name:      "sends_total",
			Help:      "Message sends by result (ok, fail, empty).",
		}, []string{"result"}),
		cursor: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "concierge",
			Subsystem: "sync",
			Name:      "cursor",
			Help:      "Last-seen message id of the open conversation view.",
		}),
		views: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "concierge",
			Subsystem: "sync",
			Name:      "open_views",
			Help:      "Conversation views currently polling.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.polls, m.appended, m.dropped, m.sends, m.cursor, m.views)
	}
	return m
}

func (m *Metrics) poll(result string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(result).Inc()
}

func (m *Metrics) merged(r MergeResult, cursor int64) {
	if m == nil {
		return
	}
	m.appended.Add(float64(len(r.Appended)))
	if r.Duplicates > 0 {
		m.dropped.WithLabelValues("duplicate").Add(float64(r.Duplicates))
	}
	if r.Stale > 0 {
		m.dropped.WithLabelValues("stale").Add(float64(r.Stale))
	}
	if r.Foreign > 0 {
		m.dropped.WithLabelValues("foreign").Add(float64(r.Foreign))
	}
	m.cursor.Set(float64(cursor))
}

func (m *Metrics) send(result string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(result).Inc()
}

func (m *Metrics) viewOpened() {
	if m == nil {
		return
	}
	m.views.Inc()
}

func (m *Metrics) viewClosed() {
	if m == nil {
		return
	}
	m.views.Dec()
	m.cursor.Set(0)
}
