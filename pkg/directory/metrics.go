package directory

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	// Peers is the number of known peers.
	Peers prometheus.Gauge

	// Registered is the number of registered peers.
	Registered prometheus.Counter

	// Pruned is the number of peers removed after the prune timeout.
	Pruned prometheus.Counter

	// Quarantined is the number of times a peer's reputation dropped below
	// the quarantine threshold.
	Quarantined prometheus.Counter
}

func newMetrics() *Metrics {
	return &Metrics{
		Peers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "mesh",
				Subsystem: "directory",
				Name:      "peers",
				Help:      "Number of known peers",
			},
		),
		Registered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "mesh",
				Subsystem: "directory",
				Name:      "registered_total",
				Help:      "Number of registered peers",
			},
		),
		Pruned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "mesh",
				Subsystem: "directory",
				Name:      "pruned_total",
				Help:      "Number of stale peers removed",
			},
		),
		Quarantined: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "mesh",
				Subsystem: "directory",
				Name:      "quarantined_total",
				Help:      "Number of times a peer was quarantined",
			},
		),
	}
}

func (m *Metrics) Register(reg *prometheus.Registry) {
	reg.MustRegister(
		m.Peers,
		m.Registered,
		m.Pruned,
		m.Quarantined,
	)
}
