package hierarchy

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	// Active is 1 if the mesh is gossiping hierarchically and 0 otherwise.
	Active prometheus.Gauge

	// Regions is the number of regions with a reachable member.
	Regions prometheus.Gauge

	// Representative is 1 if the local node represents its region, 2 if
	// it also represents its region group, and 0 otherwise.
	Representative prometheus.Gauge

	// Relays is the number of payloads relayed between tiers, labelled by
	// the tier relayed to.
	Relays *prometheus.CounterVec

	// RelayErrors is the number of failed relays.
	RelayErrors prometheus.Counter
}

func newMetrics() *Metrics {
	return &Metrics{
		Active: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "mesh",
				Subsystem: "hierarchy",
				Name:      "active",
				Help:      "Whether the mesh is gossiping hierarchically",
			},
		),
		Regions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "mesh",
				Subsystem: "hierarchy",
				Name:      "regions",
				Help:      "Number of regions with a reachable member",
			},
		),
		Representative: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "mesh",
				Subsystem: "hierarchy",
				Name:      "representative",
				Help:      "Representative role (0 none, 1 region, 2 group)",
			},
		),
		Relays: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mesh",
				Subsystem: "hierarchy",
				Name:      "relays_total",
				Help:      "Number of payloads relayed between tiers",
			},
			[]string{"tier"},
		),
		RelayErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "mesh",
				Subsystem: "hierarchy",
				Name:      "relay_errors_total",
				Help:      "Number of failed relays",
			},
		),
	}
}

func (m *Metrics) Register(reg *prometheus.Registry) {
	reg.MustRegister(
		m.Active,
		m.Regions,
		m.Representative,
		m.Relays,
		m.RelayErrors,
	)
}
