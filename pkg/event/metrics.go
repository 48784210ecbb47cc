package event

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	// Published is the number of published events, labelled by kind.
	Published *prometheus.CounterVec

	// Dropped is the number of events dropped as a subscriber was full.
	Dropped prometheus.Counter
}

func newMetrics() *Metrics {
	return &Metrics{
		Published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mesh",
				Subsystem: "event",
				Name:      "published_total",
				Help:      "Number of published events",
			},
			[]string{"kind"},
		),
		Dropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "mesh",
				Subsystem: "event",
				Name:      "dropped_total",
				Help:      "Number of events dropped by full subscribers",
			},
		),
	}
}

func (m *Metrics) Register(reg *prometheus.Registry) {
	reg.MustRegister(
		m.Published,
		m.Dropped,
	)
}
