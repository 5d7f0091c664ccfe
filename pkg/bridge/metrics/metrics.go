package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the bridge.
type Metrics struct {
	registry *prometheus.Registry

	// Call metrics
	CallsActive   prometheus.Gauge
	CallsTotal    *prometheus.CounterVec
	CallDuration  *prometheus.HistogramVec
	TurnsPerCall  prometheus.Histogram
	TurnLatency   prometheus.Histogram
	BargeInsTotal prometheus.Counter

	// Audio metrics
	AudioBytesTotal   *prometheus.CounterVec
	AudioFramesTotal  *prometheus.CounterVec
	BackpressureTotal prometheus.Counter

	// Tool metrics
	ToolInvocations *prometheus.CounterVec
	ToolDuration    *prometheus.HistogramVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance with everything registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voicebridge"
	}

	registry := prometheus.NewRegistry()

	callsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Number of calls currently bridged",
		},
	)

	callsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Total number of bridged calls by outcome",
		},
		[]string{"outcome"},
	)

	callDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Call duration in seconds",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"direction"},
	)

	turnsPerCall := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turns_per_call",
			Help:      "Assistant turns completed per call",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		},
	)

	turnLatency := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_first_audio_seconds",
			Help:      "Time from response issuance to first audio delta",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	bargeInsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Total assistant turns cancelled by caller speech",
		},
	)

	audioBytesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Audio bytes relayed by direction",
		},
		[]string{"direction"},
	)

	audioFramesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_total",
			Help:      "Audio frames relayed by direction",
		},
		[]string{"direction"},
	)

	backpressureTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backpressure_waits_total",
			Help:      "Times the outbound relay paused for the telephony leg to drain",
		},
	)

	toolInvocations := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_invocations_total",
			Help:      "Tool invocations by tool and result",
		},
		[]string{"tool", "result"},
	)

	toolDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Tool invocation duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"tool"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total errors by leg and category",
		},
		[]string{"leg", "category"},
	)

	registry.MustRegister(
		callsActive,
		callsTotal,
		callDuration,
		turnsPerCall,
		turnLatency,
		bargeInsTotal,
		audioBytesTotal,
		audioFramesTotal,
		backpressureTotal,
		toolInvocations,
		toolDuration,
		errorsTotal,
	)

	return &Metrics{
		registry:          registry,
		CallsActive:       callsActive,
		CallsTotal:        callsTotal,
		CallDuration:      callDuration,
		TurnsPerCall:      turnsPerCall,
		TurnLatency:       turnLatency,
		BargeInsTotal:     bargeInsTotal,
		AudioBytesTotal:   audioBytesTotal,
		AudioFramesTotal:  audioFramesTotal,
		BackpressureTotal: backpressureTotal,
		ToolInvocations:   toolInvocations,
		ToolDuration:      toolDuration,
		ErrorsTotal:       errorsTotal,
	}
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordCallStart records a call being bridged.
func (m *Metrics) RecordCallStart() {
	if m == nil {
		return
	}
	m.CallsActive.Inc()
}

// RecordCallEnd records a call ending with its outcome.
func (m *Metrics) RecordCallEnd(outcome, direction string, duration time.Duration, turns int) {
	if m == nil {
		return
	}
	m.CallsActive.Dec()
	m.CallsTotal.WithLabelValues(outcome).Inc()
	m.CallDuration.WithLabelValues(direction).Observe(duration.Seconds())
	m.TurnsPerCall.Observe(float64(turns))
}

// RecordTurnFirstAudio records the issuance-to-first-audio latency of a turn.
func (m *Metrics) RecordTurnFirstAudio(latency time.Duration) {
	if m == nil {
		return
	}
	m.TurnLatency.Observe(latency.Seconds())
}

// RecordBargeIn records an assistant turn cancelled by caller speech.
func (m *Metrics) RecordBargeIn() {
	if m == nil {
		return
	}
	m.BargeInsTotal.Inc()
}

// RecordAudio records a relayed audio frame.
func (m *Metrics) RecordAudio(direction string, bytes int) {
	if m == nil {
		return
	}
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(bytes))
	m.AudioFramesTotal.WithLabelValues(direction).Inc()
}

// RecordBackpressureWait records the relay pausing for the telephony leg.
func (m *Metrics) RecordBackpressureWait() {
	if m == nil {
		return
	}
	m.BackpressureTotal.Inc()
}

// RecordTool records a completed tool invocation.
func (m *Metrics) RecordTool(tool string, failed bool, duration time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if failed {
		result = "failed"
	}
	m.ToolInvocations.WithLabelValues(tool, result).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordError records an error by leg and category.
func (m *Metrics) RecordError(leg, category string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(leg, category).Inc()
}
