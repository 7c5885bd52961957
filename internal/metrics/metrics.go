package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's Prometheus collectors. All methods are safe on a
// nil receiver so components can run without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	// Connection metrics
	ConnectionsActive   prometheus.Gauge
	ConnectionsTotal    *prometheus.CounterVec
	ConnectionsRejected prometheus.Counter
	SessionDuration     prometheus.Histogram

	// Audio path metrics
	FramesSubmitted  prometheus.Counter
	FramesDropped    prometheus.Counter
	InputQueueDepth  prometheus.Gauge
	OutboundMessages *prometheus.CounterVec
	AudioBytesTotal  *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
}

// New creates a Metrics instance backed by its own registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "relay"
	}

	registry := prometheus.NewRegistry()

	connectionsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_active",
		Help:      "Number of transport connections currently bridged",
	})
	connectionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_total",
		Help:      "Total bridged connections by outcome",
	}, []string{"outcome"})
	connectionsRejected := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_rejected_total",
		Help:      "Connections refused because another one was active",
	})
	sessionDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "session_duration_seconds",
		Help:      "Remote session lifetime in seconds",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})
	framesSubmitted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_submitted_total",
		Help:      "Audio frames accepted into the input queue",
	})
	framesDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_dropped_total",
		Help:      "Audio frames evicted from a full input queue",
	})
	inputQueueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "input_queue_depth",
		Help:      "Frames waiting to be sent to the remote session",
	})
	outboundMessages := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbound_messages_total",
		Help:      "Remote output items forwarded to the transport by kind",
	}, []string{"kind"})
	audioBytesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audio_bytes_total",
		Help:      "PCM bytes relayed by direction",
	}, []string{"direction"})
	errorsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Terminal errors by domain",
	}, []string{"domain"})

	registry.MustRegister(
		connectionsActive,
		connectionsTotal,
		connectionsRejected,
		sessionDuration,
		framesSubmitted,
		framesDropped,
		inputQueueDepth,
		outboundMessages,
		audioBytesTotal,
		errorsTotal,
	)

	return &Metrics{
		registry:            registry,
		ConnectionsActive:   connectionsActive,
		ConnectionsTotal:    connectionsTotal,
		ConnectionsRejected: connectionsRejected,
		SessionDuration:     sessionDuration,
		FramesSubmitted:     framesSubmitted,
		FramesDropped:       framesDropped,
		InputQueueDepth:     inputQueueDepth,
		OutboundMessages:    outboundMessages,
		AudioBytesTotal:     audioBytesTotal,
		ErrorsTotal:         errorsTotal,
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordConnectionStart records a newly bridged connection.
func (m *Metrics) RecordConnectionStart() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Inc()
}

// RecordConnectionEnd records a bridged connection ending.
func (m *Metrics) RecordConnectionEnd(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
	m.ConnectionsTotal.WithLabelValues(outcome).Inc()
	m.SessionDuration.Observe(duration.Seconds())
}

// RecordRejected records a refused concurrent connection.
func (m *Metrics) RecordRejected() {
	if m == nil {
		return
	}
	m.ConnectionsRejected.Inc()
}

// RecordSubmitted records a frame entering the input queue.
func (m *Metrics) RecordSubmitted(bytes int) {
	if m == nil {
		return
	}
	m.FramesSubmitted.Inc()
	m.AudioBytesTotal.WithLabelValues("inbound").Add(float64(bytes))
}

// RecordDropped records a frame evicted by overflow.
func (m *Metrics) RecordDropped() {
	if m == nil {
		return
	}
	m.FramesDropped.Inc()
}

// SetQueueDepth updates the input queue gauge.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.InputQueueDepth.Set(float64(n))
}

// RecordOutbound records one forwarded remote output item.
func (m *Metrics) RecordOutbound(kind string, audioBytes int) {
	if m == nil {
		return
	}
	m.OutboundMessages.WithLabelValues(kind).Inc()
	if audioBytes > 0 {
		m.AudioBytesTotal.WithLabelValues("outbound").Add(float64(audioBytes))
	}
}

// RecordError records a terminal error in domain (transport, session, device).
func (m *Metrics) RecordError(domain string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(domain).Inc()
}
