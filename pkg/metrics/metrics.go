package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the call service
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// WebSocket Metrics
	websocketConnections prometheus.Gauge
	websocketFramesTotal *prometheus.CounterVec
	websocketErrorsTotal *prometheus.CounterVec

	// Call Metrics
	callsTotal         *prometheus.CounterVec
	callsActive        prometheus.Gauge
	callDuration       *prometheus.HistogramVec
	candidatesBuffered prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics on a private registry
func NewMetrics(serviceName string) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	labels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		registry: registry,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),

		websocketConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of live signaling WebSocket connections",
				ConstLabels: labels,
			},
		),
		websocketFramesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_frames_total",
				Help:        "Total number of signaling frames by type and direction",
				ConstLabels: labels,
			},
			[]string{"frame_type", "direction"},
		),
		websocketErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_errors_total",
				Help:        "Total number of signaling errors reported to senders",
				ConstLabels: labels,
			},
			[]string{"code"},
		),

		callsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_total",
				Help:        "Total number of terminated calls by type and outcome",
				ConstLabels: labels,
			},
			[]string{"call_type", "outcome"},
		),
		callsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "calls_active",
				Help:        "Number of calls currently ringing or in progress",
				ConstLabels: labels,
			},
		),
		callDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "call_duration_seconds",
				Help:        "Duration of answered calls in seconds",
				ConstLabels: labels,
				Buckets:     []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"call_type"},
		),
		candidatesBuffered: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "candidates_buffered",
				Help:        "Number of negotiation candidates currently buffered",
				ConstLabels: labels,
			},
		),
	}
}

// GetRegistry returns the private registry for the metrics endpoint
func (m *Metrics) GetRegistry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordHTTPRequest records one completed HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments in-flight request gauge
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements in-flight request gauge
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Dec()
}

// WebSocketConnected records one new signaling connection
func (m *Metrics) WebSocketConnected() {
	if m == nil {
		return
	}
	m.websocketConnections.Inc()
}

// WebSocketDisconnected records one closed signaling connection
func (m *Metrics) WebSocketDisconnected() {
	if m == nil {
		return
	}
	m.websocketConnections.Dec()
}

// RecordFrame records one signaling frame; direction is "inbound" or "outbound"
func (m *Metrics) RecordFrame(frameType, direction string) {
	if m == nil {
		return
	}
	m.websocketFramesTotal.WithLabelValues(frameType, direction).Inc()
}

// RecordSignalingError records one error frame sent back to a sender
func (m *Metrics) RecordSignalingError(code string) {
	if m == nil {
		return
	}
	m.websocketErrorsTotal.WithLabelValues(code).Inc()
}

// CallStarted records a session entering the ringing state
func (m *Metrics) CallStarted() {
	if m == nil {
		return
	}
	m.callsActive.Inc()
}

// CallEnded records a terminal transition with its outcome. Duration is
// observed only for answered calls.
func (m *Metrics) CallEnded(callType, outcome string, durationSeconds int, answered bool) {
	if m == nil {
		return
	}
	m.callsActive.Dec()
	m.callsTotal.WithLabelValues(callType, outcome).Inc()
	if answered {
		m.callDuration.WithLabelValues(callType).Observe(float64(durationSeconds))
	}
}

// CandidateBuffered tracks the buffered candidate gauge
func (m *Metrics) CandidateBuffered(delta int) {
	if m == nil {
		return
	}
	m.candidatesBuffered.Add(float64(delta))
}
