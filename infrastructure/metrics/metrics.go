// Package metrics provides Prometheus metrics collection for the RSC server.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the RSC server.
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Component render metrics (C4)
	RendersTotal    *prometheus.CounterVec
	RenderDuration  *prometheus.HistogramVec

	// Script engine metrics (C2)
	ScriptExecutionsTotal    *prometheus.CounterVec
	ScriptExecutionDuration  *prometheus.HistogramVec

	// Response cache metrics (C7)
	CacheHitsTotal      *prometheus.CounterVec
	CacheMissesTotal    *prometheus.CounterVec
	CacheEvictionsTotal prometheus.Counter
	CacheEntries        prometheus.Gauge

	// Reload coordinator metrics (C9)
	ReloadsTotal *prometheus.CounterVec

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered against
// the default Prometheus registerer.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors, by kind",
			},
			[]string{"service", "kind", "operation"},
		),

		RendersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rsc_renders_total",
				Help: "Total number of RSC component renders",
			},
			[]string{"service", "component_id", "status"},
		),
		RenderDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rsc_render_duration_seconds",
				Help:    "RSC render duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"service", "component_id"},
		),

		ScriptExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rsc_script_executions_total",
				Help: "Total number of JS engine script executions",
			},
			[]string{"service", "status"},
		),
		ScriptExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rsc_script_execution_duration_seconds",
				Help:    "JS engine script execution duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"service"},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rsc_cache_hits_total",
				Help: "Total number of response cache hits",
			},
			[]string{"service"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rsc_cache_misses_total",
				Help: "Total number of response cache misses",
			},
			[]string{"service"},
		),
		CacheEvictionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rsc_cache_evictions_total",
				Help: "Total number of response cache LRU evictions",
			},
		),
		CacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rsc_cache_entries",
				Help: "Current number of entries in the response cache",
			},
		),

		ReloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rsc_reloads_total",
				Help: "Total number of hot-module-reload attempts",
			},
			[]string{"service", "status"},
		),

		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.RendersTotal,
			m.RenderDuration,
			m.ScriptExecutionsTotal,
			m.ScriptExecutionDuration,
			m.CacheHitsTotal,
			m.CacheMissesTotal,
			m.CacheEvictionsTotal,
			m.CacheEntries,
			m.ReloadsTotal,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", currentEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error by kind and operation.
func (m *Metrics) RecordError(service, kind, operation string) {
	m.ErrorsTotal.WithLabelValues(service, kind, operation).Inc()
}

// RecordRender records a component render outcome.
func (m *Metrics) RecordRender(service, componentID, status string, duration time.Duration) {
	m.RendersTotal.WithLabelValues(service, componentID, status).Inc()
	m.RenderDuration.WithLabelValues(service, componentID).Observe(duration.Seconds())
}

// RecordScriptExecution records a JS engine call.
func (m *Metrics) RecordScriptExecution(service, status string, duration time.Duration) {
	m.ScriptExecutionsTotal.WithLabelValues(service, status).Inc()
	m.ScriptExecutionDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// RecordCacheHit records a response cache hit.
func (m *Metrics) RecordCacheHit(service string) {
	m.CacheHitsTotal.WithLabelValues(service).Inc()
}

// RecordCacheMiss records a response cache miss.
func (m *Metrics) RecordCacheMiss(service string) {
	m.CacheMissesTotal.WithLabelValues(service).Inc()
}

// RecordCacheEviction records an LRU eviction from the response cache.
func (m *Metrics) RecordCacheEviction() {
	m.CacheEvictionsTotal.Inc()
}

// SetCacheEntries sets the current response cache entry count.
func (m *Metrics) SetCacheEntries(count int) {
	m.CacheEntries.Set(float64(count))
}

// RecordReload records a reload-coordinator attempt.
func (m *Metrics) RecordReload(service, status string) {
	m.ReloadsTotal.WithLabelValues(service, status).Inc()
}

// UpdateUptime updates the service uptime gauge.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter.
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter.
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

func currentEnvironment() string {
	mode := strings.ToLower(strings.TrimSpace(os.Getenv("RARI_MODE")))
	if mode == "" {
		return "development"
	}
	return mode
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
//   - production: disabled unless explicitly enabled via METRICS_ENABLED
//   - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return currentEnvironment() != "production"
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance, initializing it if needed.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
