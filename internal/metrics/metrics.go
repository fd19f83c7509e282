// Package metrics exposes call agent metrics to prometheus.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "notelify"

// Metrics holds all agent metrics. A nil *Metrics records nothing.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	CallActive        prometheus.Gauge
	CallsStartedTotal *prometheus.CounterVec
	CallFailuresTotal *prometheus.CounterVec
	RosterSize        prometheus.Gauge
	HeartbeatFailures prometheus.Counter
	RingsTotal        prometheus.Counter
	SweptParticipants prometheus.Counter
}

// New registers all metrics with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "endpoint"},
		),
		CallActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "call_active",
			Help:      "1 while the agent is in a call",
		}),
		CallsStartedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "calls_started_total",
				Help:      "Calls entered, by role",
			},
			[]string{"role"},
		),
		CallFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "call_failures_total",
				Help:      "Failed start or join attempts, by reason",
			},
			[]string{"reason"},
		),
		RosterSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "roster_size",
			Help:      "Remote peers currently in the roster",
		}),
		HeartbeatFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_failures_total",
			Help:      "Heartbeat writes that failed",
		}),
		RingsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rings_total",
			Help:      "Incoming call notifications surfaced",
		}),
		SweptParticipants: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_participants_total",
			Help:      "Participant rows removed by the stale sweep",
		}),
	}
}

func (m *Metrics) CallStarted(role string) {
	if m == nil {
		return
	}
	m.CallsStartedTotal.WithLabelValues(role).Inc()
	m.CallActive.Set(1)
}

func (m *Metrics) CallEnded() {
	if m == nil {
		return
	}
	m.CallActive.Set(0)
	m.RosterSize.Set(0)
}

func (m *Metrics) CallFailed(reason string) {
	if m == nil {
		return
	}
	m.CallFailuresTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetRosterSize(n int) {
	if m == nil {
		return
	}
	m.RosterSize.Set(float64(n))
}

func (m *Metrics) HeartbeatFailed() {
	if m == nil {
		return
	}
	m.HeartbeatFailures.Inc()
}

func (m *Metrics) Ring() {
	if m == nil {
		return
	}
	m.RingsTotal.Inc()
}

func (m *Metrics) Swept(n int64) {
	if m == nil {
		return
	}
	m.SweptParticipants.Add(float64(n))
}

// Middleware records request count and latency per route template.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, endpoint, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, endpoint).Observe(time.Since(start).Seconds())
	}
}
