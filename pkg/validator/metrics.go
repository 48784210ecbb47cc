package validator

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	// Accepted is the number of messages that passed validation.
	Accepted prometheus.Counter

	// Rejected is the number of rejected messages, labelled by reason.
	Rejected *prometheus.CounterVec

	// SignatureCacheHits is the number of signatures found in the verified
	// signature cache.
	SignatureCacheHits prometheus.Counter
}

func newMetrics() *Metrics {
	return &Metrics{
		Accepted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "mesh",
				Subsystem: "validator",
				Name:      "accepted_total",
				Help:      "Number of accepted messages",
			},
		),
		Rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mesh",
				Subsystem: "validator",
				Name:      "rejected_total",
				Help:      "Number of rejected messages",
			},
			[]string{"reason"},
		),
		SignatureCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "mesh",
				Subsystem: "validator",
				Name:      "signature_cache_hits_total",
				Help:      "Number of signatures found in the verified cache",
			},
		),
	}
}

func (m *Metrics) Register(reg *prometheus.Registry) {
	reg.MustRegister(
		m.Accepted,
		m.Rejected,
		m.SignatureCacheHits,
	)
}
