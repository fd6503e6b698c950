// Package observability provides Prometheus metrics, health checks,
// and the HTTP server that exposes them.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Chat pipeline metrics
	chatRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportflow_chat_requests_total",
			Help: "Total number of chat requests",
		},
		[]string{"mode", "status"},
	)

	chatRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "supportflow_chat_request_duration_seconds",
			Help:    "Chat request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	// Orchestrator client metrics
	orchestratorCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportflow_orchestrator_calls_total",
			Help: "Total number of orchestrator calls",
		},
		[]string{"mode", "status"},
	)

	orchestratorCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "supportflow_orchestrator_call_duration_seconds",
			Help:    "Orchestrator call duration in seconds",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"mode"},
	)

	breakerOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "supportflow_circuit_breaker_open",
			Help: "Whether the orchestrator circuit breaker is open (1) or closed (0)",
		},
	)

	// Stream metrics
	streamEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportflow_stream_events_total",
			Help: "Total number of stream events by type",
		},
		[]string{"type"},
	)

	activeStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "supportflow_active_streams",
			Help: "Number of currently open event streams",
		},
	)

	// Storage metrics
	storeOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportflow_store_operations_total",
			Help: "Total number of store operations",
		},
		[]string{"operation", "status"},
	)

	initOnce sync.Once
)

// InitMetrics registers all Prometheus metrics.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			chatRequestsTotal,
			chatRequestDuration,
			orchestratorCallsTotal,
			orchestratorCallDuration,
			breakerOpen,
			streamEventsTotal,
			activeStreams,
			storeOperationsTotal,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordChatRequest records chat request metrics.
func RecordChatRequest(mode, status string, duration time.Duration) {
	chatRequestsTotal.WithLabelValues(mode, status).Inc()
	chatRequestDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordOrchestratorCall records orchestrator call metrics.
func RecordOrchestratorCall(mode, status string, duration time.Duration) {
	orchestratorCallsTotal.WithLabelValues(mode, status).Inc()
	orchestratorCallDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// SetBreakerOpen records the circuit breaker state.
func SetBreakerOpen(open bool) {
	if open {
		breakerOpen.Set(1)
	} else {
		breakerOpen.Set(0)
	}
}

// RecordStreamEvent counts a delivered stream event.
func RecordStreamEvent(eventType string) {
	streamEventsTotal.WithLabelValues(eventType).Inc()
}

// StreamOpened increments the active stream gauge.
func StreamOpened() {
	activeStreams.Inc()
}

// StreamClosed decrements the active stream gauge.
func StreamClosed() {
	activeStreams.Dec()
}

// RecordStoreOperation records a storage operation.
func RecordStoreOperation(operation, status string) {
	storeOperationsTotal.WithLabelValues(operation, status).Inc()
}
