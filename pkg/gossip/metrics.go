package gossip

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	// Rounds is the total number of completed gossip rounds.
	Rounds prometheus.Counter

	// RoundDuration is the duration of each round in seconds.
	RoundDuration prometheus.Histogram

	// MessagesOutbound is the total number of sent messages, labelled by
	// message type.
	MessagesOutbound *prometheus.CounterVec

	// MessagesInbound is the total number of handled messages, labelled by
	// message type.
	MessagesInbound *prometheus.CounterVec

	// ContributionsMerged is the total number of remote contributions
	// merged into the local state.
	ContributionsMerged prometheus.Counter

	// ContributionsRejected is the total number of contributions discarded
	// as their origin signature did not verify.
	ContributionsRejected prometheus.Counter

	// Contributions is the number of retained contributions.
	Contributions prometheus.Gauge

	// Converged is 1 if the local digest matches the sampled peers, 2 if
	// the mesh is globally converged, and 0 otherwise.
	Converged prometheus.Gauge
}

func newMetrics(tier string) *Metrics {
	labels := prometheus.Labels{"tier": tier}
	return &Metrics{
		Rounds: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace:   "mesh",
				Subsystem:   "gossip",
				Name:        "rounds_total",
				Help:        "Total number of gossip rounds",
				ConstLabels: labels,
			},
		),
		RoundDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace:   "mesh",
				Subsystem:   "gossip",
				Name:        "round_duration_seconds",
				Help:        "Gossip round duration",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
		),
		MessagesOutbound: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   "mesh",
				Subsystem:   "gossip",
				Name:        "messages_outbound_total",
				Help:        "Total number of sent messages",
				ConstLabels: labels,
			},
			[]string{"type"},
		),
		MessagesInbound: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   "mesh",
				Subsystem:   "gossip",
				Name:        "messages_inbound_total",
				Help:        "Total number of handled messages",
				ConstLabels: labels,
			},
			[]string{"type"},
		),
		ContributionsMerged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace:   "mesh",
				Subsystem:   "gossip",
				Name:        "contributions_merged_total",
				Help:        "Total number of merged remote contributions",
				ConstLabels: labels,
			},
		),
		ContributionsRejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace:   "mesh",
				Subsystem:   "gossip",
				Name:        "contributions_rejected_total",
				Help:        "Total number of contributions with invalid origin signatures",
				ConstLabels: labels,
			},
		),
		Contributions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   "mesh",
				Subsystem:   "gossip",
				Name:        "contributions",
				Help:        "Number of retained contributions",
				ConstLabels: labels,
			},
		),
		Converged: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   "mesh",
				Subsystem:   "gossip",
				Name:        "converged",
				Help:        "Convergence of the local state (0 diverged, 1 converged, 2 globally converged)",
				ConstLabels: labels,
			},
		),
	}
}

func (m *Metrics) Register(reg *prometheus.Registry) {
	reg.MustRegister(
		m.Rounds,
		m.RoundDuration,
		m.MessagesOutbound,
		m.MessagesInbound,
		m.ContributionsMerged,
		m.ContributionsRejected,
		m.Contributions,
		m.Converged,
	)
}
