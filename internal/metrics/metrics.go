package metrics

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the broadcast service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry            *prometheus.Registry
	requestsTotal       prometheus.Counter
	errorsTotal         prometheus.Counter
	sessionsCreated     prometheus.Counter
	sessionsClosed      *prometheus.CounterVec
	activeSessions      prometheus.Gauge
	activeSlots         prometheus.Gauge
	timelineClips       prometheus.Gauge
	commandsTotal       *prometheus.CounterVec
	samplesForwarded    *prometheus.CounterVec
	samplesDropped      *prometheus.CounterVec
	negotiationDuration prometheus.Histogram
}

// New creates and registers Prometheus metrics for the broadcast service.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_sessions_created_total",
			Help: "Total number of sessions that completed negotiation",
		}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcast_sessions_closed_total",
			Help: "Total number of closed sessions by reason",
		}, []string{"reason"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broadcast_active_sessions",
			Help: "Number of sessions in the registry",
		}),
		activeSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broadcast_active_slots",
			Help: "Number of render slots owned by the orchestrator",
		}),
		timelineClips: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broadcast_timeline_clips",
			Help: "Number of clips on the shared timeline",
		}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcast_commands_total",
			Help: "Total number of orchestrator commands by type and result",
		}, []string{"command", "result"}),
		samplesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcast_samples_forwarded_total",
			Help: "Total number of samples written to transport tracks",
		}, []string{"kind"}),
		samplesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcast_samples_dropped_total",
			Help: "Total number of samples dropped after a failed track write",
		}, []string{"kind"}),
		negotiationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "broadcast_negotiation_duration_seconds",
			Help:    "Time from offer to finalized answer",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.sessionsCreated,
		m.sessionsClosed,
		m.activeSessions,
		m.activeSlots,
		m.timelineClips,
		m.commandsTotal,
		m.samplesForwarded,
		m.samplesDropped,
		m.negotiationDuration,
	)

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// IncSessionsCreated increments the sessions created counter.
func (m *Metrics) IncSessionsCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

// IncSessionsClosed increments the sessions closed counter for reason.
func (m *Metrics) IncSessionsClosed(reason string) {
	if m == nil {
		return
	}
	m.sessionsClosed.WithLabelValues(reason).Inc()
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// SetActiveSlots sets the active slots gauge.
func (m *Metrics) SetActiveSlots(n int) {
	if m == nil {
		return
	}
	m.activeSlots.Set(float64(n))
}

// SetTimelineClips sets the timeline clip gauge.
func (m *Metrics) SetTimelineClips(n int) {
	if m == nil {
		return
	}
	m.timelineClips.Set(float64(n))
}

// IncCommand counts one processed orchestrator command.
func (m *Metrics) IncCommand(command string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.commandsTotal.WithLabelValues(command, result).Inc()
}

// IncSamplesForwarded counts one sample written to a track.
func (m *Metrics) IncSamplesForwarded(kind string) {
	if m == nil {
		return
	}
	m.samplesForwarded.WithLabelValues(kind).Inc()
}

// IncSamplesDropped counts one sample lost to a failed write.
func (m *Metrics) IncSamplesDropped(kind string) {
	if m == nil {
		return
	}
	m.samplesDropped.WithLabelValues(kind).Inc()
}

// ObserveNegotiation records how long a negotiation took.
func (m *Metrics) ObserveNegotiation(seconds float64) {
	if m == nil {
		return
	}
	m.negotiationDuration.Observe(seconds)
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

// GinMiddleware records request count and error count (status >= 400).
func GinMiddleware(m *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		m.IncRequests()
		if c.Writer.Status() >= 400 {
			m.IncErrors()
		}
	}
}
