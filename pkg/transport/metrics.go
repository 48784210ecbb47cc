package transport

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	// PacketsInbound is the number of received packets.
	PacketsInbound prometheus.Counter

	// PacketBytesInbound is the total number of received bytes.
	PacketBytesInbound prometheus.Counter

	// PacketsOutbound is the number of sent packets.
	PacketsOutbound prometheus.Counter

	// PacketBytesOutbound is the total number of sent bytes.
	PacketBytesOutbound prometheus.Counter

	// PacketsDropped is the number of dropped packets, labelled by reason.
	PacketsDropped *prometheus.CounterVec
}

func newMetrics() *Metrics {
	return &Metrics{
		PacketsInbound: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "mesh",
				Subsystem: "transport",
				Name:      "packets_inbound_total",
				Help:      "Total number of received packets",
			},
		),
		PacketBytesInbound: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "mesh",
				Subsystem: "transport",
				Name:      "packet_bytes_inbound_total",
				Help:      "Total number of received bytes",
			},
		),
		PacketsOutbound: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "mesh",
				Subsystem: "transport",
				Name:      "packets_outbound_total",
				Help:      "Total number of sent packets",
			},
		),
		PacketBytesOutbound: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "mesh",
				Subsystem: "transport",
				Name:      "packet_bytes_outbound_total",
				Help:      "Total number of sent bytes",
			},
		),
		PacketsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mesh",
				Subsystem: "transport",
				Name:      "packets_dropped_total",
				Help:      "Total number of dropped packets",
			},
			[]string{"reason"},
		),
	}
}

func (m *Metrics) Register(reg *prometheus.Registry) {
	reg.MustRegister(
		m.PacketsInbound,
		m.PacketBytesInbound,
		m.PacketsOutbound,
		m.PacketBytesOutbound,
		m.PacketsDropped,
	)
}
