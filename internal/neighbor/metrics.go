package neighbor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the neighbor cache counters. A nil *Metrics records nothing.
type Metrics struct {
	Entries       prometheus.Gauge
	Solicitations *prometheus.CounterVec
	Unreachable   prometheus.Counter
	Overrides     prometheus.Counter
	Deleted       *prometheus.CounterVec
}

// NewMetrics creates the cache metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nd6",
			Name:      "entries",
			Help:      "Number of neighbor cache entries.",
		}),
		Solicitations: newCounterVec("solicitations_total",
			"Number of neighbor solicitations sent.", "kind"),
		Unreachable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nd6",
			Name:      "unreachable_total",
			Help:      "Number of destination unreachable errors sent for failed resolutions.",
		}),
		Overrides: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nd6",
			Name:      "lladdr_overrides_total",
			Help:      "Number of link-layer address changes of known neighbors.",
		}),
		Deleted: newCounterVec("entries_deleted_total",
			"Number of deleted neighbor cache entries.", "reason"),
	}
	if reg != nil {
		reg.MustRegister(m.Entries, m.Solicitations, m.Unreachable, m.Overrides, m.Deleted)
	}
	return m
}

func newCounterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nd6",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func (m *Metrics) setEntries(n int) {
	if m == nil {
		return
	}
	m.Entries.Set(float64(n))
}

func (m *Metrics) solicited(kind string) {
	if m == nil {
		return
	}
	m.Solicitations.WithLabelValues(kind).Inc()
}

func (m *Metrics) unreachableSent() {
	if m == nil {
		return
	}
	m.Unreachable.Inc()
}

func (m *Metrics) overridden() {
	if m == nil {
		return
	}
	m.Overrides.Inc()
}

func (m *Metrics) deleted(reason string) {
	if m == nil {
		return
	}
	m.Deleted.WithLabelValues(reason).Inc()
}
