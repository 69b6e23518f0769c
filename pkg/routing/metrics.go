package routing

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts routing decisions. Register against a Registerer or pass
// nil to keep the collectors unregistered (tests).
type Metrics struct {
	Decisions *prometheus.CounterVec
	Drops     *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "driftmesh",
			Subsystem: "routing",
			Name:      "decisions_total",
			Help:      "Routing decisions by outcome.",
		}, []string{"outcome"}),
		Drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "driftmesh",
			Subsystem: "routing",
			Name:      "drops_total",
			Help:      "Packets dropped by reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.Decisions, m.Drops)
	}
	return m
}
