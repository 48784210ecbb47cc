package topology

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	// Probes is the number of latency probes, labelled by result.
	Probes *prometheus.CounterVec

	// ProbeRTT is the round trip time of successful probes in seconds.
	ProbeRTT prometheus.Histogram

	// Rebalances is the number of completed rebalances.
	Rebalances prometheus.Counter

	// PreferredPartners is the number of peers in the current assignment.
	PreferredPartners prometheus.Gauge
}

func newMetrics() *Metrics {
	return &Metrics{
		Probes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mesh",
				Subsystem: "topology",
				Name:      "probes_total",
				Help:      "Number of latency probes",
			},
			[]string{"result"},
		),
		ProbeRTT: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "mesh",
				Subsystem: "topology",
				Name:      "probe_rtt_seconds",
				Help:      "Latency probe round trip time",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
		),
		Rebalances: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "mesh",
				Subsystem: "topology",
				Name:      "rebalances_total",
				Help:      "Number of rebalances",
			},
		),
		PreferredPartners: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "mesh",
				Subsystem: "topology",
				Name:      "preferred_partners",
				Help:      "Number of preferred partners",
			},
		),
	}
}

func (m *Metrics) Register(reg *prometheus.Registry) {
	reg.MustRegister(
		m.Probes,
		m.ProbeRTT,
		m.Rebalances,
		m.PreferredPartners,
	)
}
