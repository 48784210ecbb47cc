package partition

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	// State is 0 when healthy, 1 when partitioned and 2 when recovering.
	State prometheus.Gauge

	// Reachable is the number of reachable peers, including the local
	// peer, at the last check.
	Reachable prometheus.Gauge

	// Required is the quorum at the last check.
	Required prometheus.Gauge

	// Transitions is the number of status changes, labelled by the new
	// state.
	Transitions *prometheus.CounterVec
}

func newMetrics() *Metrics {
	return &Metrics{
		State: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "mesh",
				Subsystem: "partition",
				Name:      "state",
				Help:      "Partition state (0 healthy, 1 partitioned, 2 recovering)",
			},
		),
		Reachable: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "mesh",
				Subsystem: "partition",
				Name:      "reachable",
				Help:      "Number of reachable peers including the local peer",
			},
		),
		Required: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "mesh",
				Subsystem: "partition",
				Name:      "required",
				Help:      "Number of reachable peers required for quorum",
			},
		),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mesh",
				Subsystem: "partition",
				Name:      "transitions_total",
				Help:      "Number of partition status changes",
			},
			[]string{"state"},
		),
	}
}

func (m *Metrics) Register(reg *prometheus.Registry) {
	reg.MustRegister(
		m.State,
		m.Reachable,
		m.Required,
		m.Transitions,
	)
}
