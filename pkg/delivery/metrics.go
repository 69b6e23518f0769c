package delivery

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts delivery-service activity. Register against a Registerer or
// pass nil to keep the collectors unregistered (tests).
type Metrics struct {
	Direct                 prometheus.Counter
	Relayed                prometheus.Counter
	Delivered              prometheus.Counter
	Held                   prometheus.Counter
	Flushed                prometheus.Counter
	Drops                  *prometheus.CounterVec
	ConfirmationsCreated   prometheus.Counter
	ConfirmationsForwarded prometheus.Counter
	ConfirmationsConsumed  prometheus.Counter
	BackpropTimeouts       prometheus.Counter
	PendingEntries         prometheus.Gauge
	StoredPackets          prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Direct: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "driftmesh",
			Subsystem: "delivery",
			Name:      "direct_sends_total",
			Help:      "Packets sent directly to their destination.",
		}),
		Relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "driftmesh",
			Subsystem: "delivery",
			Name:      "relayed_total",
			Help:      "Packet copies handed to relay peers.",
		}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "driftmesh",
			Subsystem: "delivery",
			Name:      "delivered_total",
			Help:      "Packets delivered to the local inbox.",
		}),
		Held: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "driftmesh",
			Subsystem: "delivery",
			Name:      "held_total",
			Help:      "Packets stored for a later delivery opportunity.",
		}),
		Flushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "driftmesh",
			Subsystem: "delivery",
			Name:      "flushed_total",
			Help:      "Stored packets and confirmations sent when a peer came online.",
		}),
		Drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "driftmesh",
			Subsystem: "delivery",
			Name:      "drops_total",
			Help:      "Packets dropped at the delivery layer by reason.",
		}, []string{"reason"}),
		ConfirmationsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "driftmesh",
			Subsystem: "delivery",
			Name:      "confirmations_created_total",
			Help:      "Delivery confirmations created at this node.",
		}),
		ConfirmationsForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "driftmesh",
			Subsystem: "delivery",
			Name:      "confirmations_forwarded_total",
			Help:      "Delivery confirmations forwarded toward their sender.",
		}),
		ConfirmationsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "driftmesh",
			Subsystem: "delivery",
			Name:      "confirmations_consumed_total",
			Help:      "Delivery confirmations consumed by this node as the original sender.",
		}),
		BackpropTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "driftmesh",
			Subsystem: "delivery",
			Name:      "backprop_timeouts_total",
			Help:      "Confirmation back-propagations reaped after timing out.",
		}),
		PendingEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "driftmesh",
			Subsystem: "delivery",
			Name:      "pending_entries",
			Help:      "Outstanding pending-delivery entries across all peers.",
		}),
		StoredPackets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "driftmesh",
			Subsystem: "delivery",
			Name:      "stored_packets",
			Help:      "Packets currently held in the packet store.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Direct, m.Relayed, m.Delivered, m.Held, m.Flushed, m.Drops,
			m.ConfirmationsCreated, m.ConfirmationsForwarded, m.ConfirmationsConsumed,
			m.BackpropTimeouts, m.PendingEntries, m.StoredPackets,
		)
	}
	return m
}
