package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveCalls        prometheus.Gauge
	CallEvents         *prometheus.CounterVec
	StreamMessages     *prometheus.CounterVec
	BargeIns           *prometheus.CounterVec
	ProviderErrors     *prometheus.CounterVec
	StageLatency       *prometheus.HistogramVec
	WitnessTransitions *prometheus.CounterVec
	WitnessDuration    prometheus.Histogram

	Latency *LatencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of live call sessions.",
		}),
		CallEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_events_total",
			Help:      "Call session events by type.",
		}, []string{"event"}),
		StreamMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_messages_total",
			Help:      "Media-stream websocket messages by direction and event.",
		}, []string{"direction", "event"}),
		BargeIns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Caller speech during playback by outcome (held, interrupted, ignored).",
		}, []string{"outcome"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Upstream provider errors by provider and code.",
		}, []string{"provider", "code"}),
		StageLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_latency_ms",
			Help:      "Latency of call and witness stages in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 5000, 15000},
		}, []string{"stage"}),
		WitnessTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "witness_transitions_total",
			Help:      "Witness record status transitions by target status.",
		}, []string{"status"}),
		WitnessDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "witness_pipeline_seconds",
			Help:      "Wall time from witness creation to a terminal or halted state.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
		}),
		Latency: NewLatencyWindow(256),
	}
}

// ObserveStage records a stage latency in both the histogram and the rolling window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	m.StageLatency.WithLabelValues(stage).Observe(ms)
	m.Latency.Observe(stage, ms)
}

func (m *Metrics) CallEvent(event string) {
	if m == nil {
		return
	}
	m.CallEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ProviderError(provider, code string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(provider, code).Inc()
}

func (m *Metrics) BargeIn(outcome string) {
	if m == nil {
		return
	}
	m.BargeIns.WithLabelValues(outcome).Inc()
	m.Latency.ObserveIndicator("barge_in_" + outcome)
}

func (m *Metrics) StreamMessage(direction, event string) {
	if m == nil {
		return
	}
	m.StreamMessages.WithLabelValues(direction, event).Inc()
}

// CallActive moves the active-calls gauge by delta.
func (m *Metrics) CallActive(delta float64) {
	if m == nil {
		return
	}
	m.ActiveCalls.Add(delta)
}

func (m *Metrics) WitnessTransition(status string) {
	if m == nil {
		return
	}
	m.WitnessTransitions.WithLabelValues(status).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
