// Package observability exposes Prometheus metrics for the bridge.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsManager manages Prometheus metrics
type MetricsManager struct {
	logger   *zap.SugaredLogger
	registry *prometheus.Registry

	uptime        prometheus.Gauge
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	relayRequests *prometheus.CounterVec
	relayStreams  prometheus.Gauge

	connectionsByStatus *prometheus.GaugeVec
	connectAttempts     *prometheus.CounterVec
	handshakeLatency    prometheus.Histogram
	toolCalls           *prometheus.CounterVec
	toolDuration        *prometheus.HistogramVec

	oauthFlows *prometheus.CounterVec
	storageOps *prometheus.CounterVec
}

// NewMetricsManager creates a new metrics manager
func NewMetricsManager(logger *zap.SugaredLogger) *MetricsManager {
	registry := prometheus.NewRegistry()

	mm := &MetricsManager{
		logger:   logger,
		registry: registry,
	}

	mm.initMetrics()
	mm.registerMetrics()

	return mm
}

func (mm *MetricsManager) initMetrics() {
	mm.uptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpbridge_uptime_seconds",
		Help: "Time since the application started",
	})

	mm.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpbridge_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	mm.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpbridge_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	mm.relayRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpbridge_relay_requests_total",
			Help: "Total number of requests forwarded through the proxy relay",
		},
		[]string{"method", "status"},
	)

	mm.relayStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpbridge_relay_active_streams",
		Help: "Number of relay responses currently being streamed",
	})

	mm.connectionsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcpbridge_connections",
			Help: "Number of upstream connections by status",
		},
		[]string{"status"},
	)

	mm.connectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpbridge_connect_attempts_total",
			Help: "Total number of upstream connect attempts",
		},
		[]string{"result"},
	)

	mm.handshakeLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mcpbridge_handshake_duration_seconds",
			Help:    "MCP handshake duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	mm.toolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpbridge_tool_calls_total",
			Help: "Total number of tool calls",
		},
		[]string{"server", "tool", "status"},
	)

	mm.toolDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpbridge_tool_call_duration_seconds",
			Help:    "Tool call duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"server", "tool", "status"},
	)

	mm.oauthFlows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpbridge_oauth_flows_total",
			Help: "Total number of OAuth authorization flows",
		},
		[]string{"strategy", "result"},
	)

	mm.storageOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpbridge_storage_operations_total",
			Help: "Total number of storage operations",
		},
		[]string{"operation", "status"},
	)
}

func (mm *MetricsManager) registerMetrics() {
	mm.registry.MustRegister(
		mm.uptime,
		mm.httpRequests,
		mm.httpDuration,
		mm.relayRequests,
		mm.relayStreams,
		mm.connectionsByStatus,
		mm.connectAttempts,
		mm.handshakeLatency,
		mm.toolCalls,
		mm.toolDuration,
		mm.oauthFlows,
		mm.storageOps,
	)

	// Also register Go runtime metrics
	mm.registry.MustRegister(collectors.NewGoCollector())
	mm.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns an HTTP handler for the /metrics endpoint
func (mm *MetricsManager) Handler() http.Handler {
	return promhttp.HandlerFor(mm.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// SetUptime sets the uptime metric
func (mm *MetricsManager) SetUptime(startTime time.Time) {
	mm.uptime.Set(time.Since(startTime).Seconds())
}

// RecordHTTPRequest records an HTTP request
func (mm *MetricsManager) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	mm.httpRequests.WithLabelValues(method, path, status).Inc()
	mm.httpDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// RecordRelayRequest records a forwarded relay request
func (mm *MetricsManager) RecordRelayRequest(method, status string) {
	mm.relayRequests.WithLabelValues(method, status).Inc()
}

// StreamStarted marks a relay stream as active until the returned func runs.
func (mm *MetricsManager) StreamStarted() func() {
	mm.relayStreams.Inc()
	return mm.relayStreams.Dec
}

// SetConnectionCount sets the number of connections in a given status
func (mm *MetricsManager) SetConnectionCount(status string, count int) {
	mm.connectionsByStatus.WithLabelValues(status).Set(float64(count))
}

// RecordConnectAttempt records a connect attempt outcome
func (mm *MetricsManager) RecordConnectAttempt(result string) {
	mm.connectAttempts.WithLabelValues(result).Inc()
}

// RecordHandshake records a completed MCP handshake
func (mm *MetricsManager) RecordHandshake(duration time.Duration) {
	mm.handshakeLatency.Observe(duration.Seconds())
}

// RecordToolCall records a tool call
func (mm *MetricsManager) RecordToolCall(server, tool, status string, duration time.Duration) {
	mm.toolCalls.WithLabelValues(server, tool, status).Inc()
	mm.toolDuration.WithLabelValues(server, tool, status).Observe(duration.Seconds())
}

// RecordOAuthFlow records an OAuth flow outcome for a given entry strategy
func (mm *MetricsManager) RecordOAuthFlow(strategy, result string) {
	mm.oauthFlows.WithLabelValues(strategy, result).Inc()
}

// RecordStorageOperation records a storage operation
func (mm *MetricsManager) RecordStorageOperation(operation, status string) {
	mm.storageOps.WithLabelValues(operation, status).Inc()
}

// Registry returns the Prometheus registry for custom metrics
func (mm *MetricsManager) Registry() *prometheus.Registry {
	return mm.registry
}

// HTTPMiddleware returns middleware that records HTTP metrics
func (mm *MetricsManager) HTTPMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(ww, r)

			duration := time.Since(start)
			mm.RecordHTTPRequest(r.Method, r.URL.Path, http.StatusText(ww.statusCode), duration)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush passes through so streamed relay responses keep flushing.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
