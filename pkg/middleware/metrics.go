// Package middleware contains gin middleware shared by the admin server.
package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

const unmatchedRoute = "unmatched"

// Metrics records HTTP request metrics labelled by route. Upgraded
// connections, such as event streams, are counted in StreamsTotal and
// StreamsActive rather than the request histograms, since they stay open for
// as long as the client is watching.
type Metrics struct {
	RequestsInFlight prometheus.Gauge
	RequestsTotal    *prometheus.CounterVec
	RequestLatency   *prometheus.HistogramVec
	ResponseSize     *prometheus.HistogramVec

	StreamsActive prometheus.Gauge
	StreamsTotal  *prometheus.CounterVec
}

func NewMetrics(subsystem string) *Metrics {
	labels := []string{"route", "status", "method"}
	return &Metrics{
		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mesh",
			Subsystem: subsystem,
			Name:      "requests_in_flight",
			Help:      "Number of requests being handled, excluding streams.",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mesh",
			Subsystem: subsystem,
			Name:      "requests_total",
			Help:      "Number of handled requests.",
		}, labels),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mesh",
			Subsystem: subsystem,
			Name:      "request_latency_seconds",
			Help:      "Latency of handled requests.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, labels),
		ResponseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mesh",
			Subsystem: subsystem,
			Name:      "response_size_bytes",
			Help:      "Size of response bodies, such as peer lists.",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
		}, []string{"route"}),
		StreamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mesh",
			Subsystem: subsystem,
			Name:      "streams_active",
			Help:      "Number of open streams.",
		}),
		StreamsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mesh",
			Subsystem: subsystem,
			Name:      "streams_total",
			Help:      "Number of streams opened.",
		}, []string{"route"}),
	}
}

func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.RequestsInFlight,
		m.RequestsTotal,
		m.RequestLatency,
		m.ResponseSize,
		m.StreamsActive,
		m.StreamsTotal,
	)
}

func (m *Metrics) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Label by route rather than path so peer IDs do not create a series
		// each.
		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}

		if isUpgrade(c.Request) {
			m.StreamsActive.Inc()
			defer m.StreamsActive.Dec()

			c.Next()

			if c.Writer.Status() == http.StatusSwitchingProtocols {
				m.StreamsTotal.WithLabelValues(route).Inc()
				return
			}
			m.observe(c, route, 0)
			return
		}

		m.RequestsInFlight.Inc()
		defer m.RequestsInFlight.Dec()

		start := time.Now()
		c.Next()
		m.observe(c, route, time.Since(start))
	}
}

func (m *Metrics) observe(c *gin.Context, route string, latency time.Duration) {
	status := strconv.Itoa(c.Writer.Status())
	m.RequestsTotal.WithLabelValues(route, status, c.Request.Method).Inc()
	if latency > 0 {
		m.RequestLatency.WithLabelValues(route, status, c.Request.Method).Observe(latency.Seconds())
	}
	if size := c.Writer.Size(); size >= 0 {
		m.ResponseSize.WithLabelValues(route).Observe(float64(size))
	}
}

func isUpgrade(r *http.Request) bool {
	return r.Header.Get("Upgrade") != ""
}
