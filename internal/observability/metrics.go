package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. Every
// method is safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry
	latency  *stageWindow

	ActiveSessions     prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
	BackendCalls       *prometheus.CounterVec
	BackendRetries     *prometheus.CounterVec
	BackendLatency     *prometheus.HistogramVec
	RateLimitDecisions *prometheus.CounterVec
	DroppedEvents      *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		latency:  newStageWindow(256),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of open speech sessions.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		BackendCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_calls_total",
			Help:      "Speech backend calls by provider, operation and outcome.",
		}, []string{"provider", "op", "outcome"}),
		BackendRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_retries_total",
			Help:      "Speech backend retries by provider and operation.",
		}, []string{"provider", "op"}),
		BackendLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_latency_ms",
			Help:      "Speech backend call latency in milliseconds, retries included.",
			Buckets:   []float64{50, 100, 200, 300, 500, 800, 1200, 2000, 5000, 10000},
		}, []string{"op"}),
		RateLimitDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "Rate limiter decisions by scope and result.",
		}, []string{"scope", "decision"}),
		DroppedEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_events_total",
			Help:      "Session events dropped because the consumer fell behind.",
		}, []string{"type"}),
	}
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObserveBackendCall(provider, op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.BackendCalls.WithLabelValues(provider, op, outcome).Inc()
	ms := float64(d.Microseconds()) / 1000
	m.BackendLatency.WithLabelValues(op).Observe(ms)
	m.latency.Observe(op, ms)
}

func (m *Metrics) ObserveBackendRetry(provider, op string) {
	if m == nil {
		return
	}
	m.BackendRetries.WithLabelValues(provider, op).Inc()
	m.latency.ObserveIndicator(op + "_retry")
}

func (m *Metrics) ObserveRateLimit(scope string, allowed bool) {
	if m == nil {
		return
	}
	decision := "allowed"
	if !allowed {
		decision = "denied"
		m.latency.ObserveIndicator(scope + "_rate_limited")
	}
	m.RateLimitDecisions.WithLabelValues(scope, decision).Inc()
}

func (m *Metrics) ObserveDroppedEvent(eventType string) {
	if m == nil {
		return
	}
	m.DroppedEvents.WithLabelValues(eventType).Inc()
}

// SnapshotLatency returns rolling backend latency statistics.
func (m *Metrics) SnapshotLatency() LatencySnapshot {
	if m == nil {
		return LatencySnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	}
	return m.latency.Snapshot()
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
