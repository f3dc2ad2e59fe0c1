// Package metrics provides Prometheus metrics export for the tutoring
// orchestrator.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tutorloop/tutorloop/ai/backend"
)

// Recorder exports orchestrator metrics in Prometheus format.
// It observes every coordinator stage, the resource manager's residency and
// the live session count.
type Recorder struct {
	registry *prometheus.Registry

	// Request metrics
	requestLatency *prometheus.HistogramVec
	requests       *prometheus.CounterVec

	// Backend metrics
	backendLatency *prometheus.HistogramVec
	backendCalls   *prometheus.CounterVec

	// Cache metrics
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	// Residency metrics
	backendLoads    *prometheus.CounterVec
	backendEvicts   *prometheus.CounterVec
	residentMemory  prometheus.Gauge
	activeSessions  prometheus.Gauge
	interruptions   prometheus.Counter
	sessionsStarted prometheus.Counter
}

// Config configures the metrics recorder.
type Config struct {
	// Registry to use (if nil, creates a new one)
	Registry *prometheus.Registry

	// Buckets for latency histograms (in seconds)
	LatencyBuckets []float64
}

// DefaultConfig returns default recorder configuration. The buckets skew low
// because the product target is sub-350ms end to end.
func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.35, 0.5, 1, 2, 5},
	}
}

// NewRecorder creates a new Prometheus metrics recorder.
func NewRecorder(cfg Config) *Recorder {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	r := &Recorder{registry: registry}

	r.requestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tutorloop",
			Subsystem: "ai",
			Name:      "request_latency_seconds",
			Help:      "End-to-end analysis latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"degradation_level", "cached"},
	)

	r.requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tutorloop",
			Subsystem: "ai",
			Name:      "requests_total",
			Help:      "Total number of analysis requests",
		},
		[]string{"degradation_level", "cached"},
	)

	r.backendLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tutorloop",
			Subsystem: "ai",
			Name:      "backend_latency_seconds",
			Help:      "Per-backend analysis latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"backend"},
	)

	r.backendCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tutorloop",
			Subsystem: "ai",
			Name:      "backend_calls_total",
			Help:      "Total backend calls by outcome",
		},
		[]string{"backend", "status"},
	)

	r.cacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tutorloop",
			Subsystem: "ai",
			Name:      "cache_hits_total",
			Help:      "Total number of response cache hits",
		},
	)

	r.cacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tutorloop",
			Subsystem: "ai",
			Name:      "cache_misses_total",
			Help:      "Total number of response cache misses",
		},
	)

	r.backendLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tutorloop",
			Subsystem: "ai",
			Name:      "backend_loads_total",
			Help:      "Total backend instance constructions",
		},
		[]string{"backend"},
	)

	r.backendEvicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tutorloop",
			Subsystem: "ai",
			Name:      "backend_evictions_total",
			Help:      "Total backend instance evictions",
		},
		[]string{"backend"},
	)

	r.residentMemory = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tutorloop",
			Subsystem: "ai",
			Name:      "resident_memory_mb",
			Help:      "Declared memory cost of resident backends in MB",
		},
	)

	r.activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tutorloop",
			Subsystem: "ai",
			Name:      "sessions_active",
			Help:      "Number of live conversation sessions",
		},
	)

	r.sessionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tutorloop",
			Subsystem: "ai",
			Name:      "sessions_started_total",
			Help:      "Total conversation sessions ever started",
		},
	)

	r.interruptions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tutorloop",
			Subsystem: "ai",
			Name:      "interruptions_total",
			Help:      "Total barge-in interruptions across sessions",
		},
	)

	registry.MustRegister(
		r.requestLatency,
		r.requests,
		r.backendLatency,
		r.backendCalls,
		r.cacheHits,
		r.cacheMisses,
		r.backendLoads,
		r.backendEvicts,
		r.residentMemory,
		r.activeSessions,
		r.sessionsStarted,
		r.interruptions,
	)

	return r
}

// RecordRequest records one completed analysis request.
func (r *Recorder) RecordRequest(degradationLevel int, cached bool, latency time.Duration) {
	level := strconv.Itoa(degradationLevel)
	c := strconv.FormatBool(cached)
	r.requests.WithLabelValues(level, c).Inc()
	r.requestLatency.WithLabelValues(level, c).Observe(latency.Seconds())
}

// RecordBackendCall records one backend call outcome.
// status is success, timeout or error.
func (r *Recorder) RecordBackendCall(name, status string, latency time.Duration) {
	r.backendCalls.WithLabelValues(name, status).Inc()
	r.backendLatency.WithLabelValues(name).Observe(latency.Seconds())
}

// RecordCacheHit records a response cache hit.
func (r *Recorder) RecordCacheHit() { r.cacheHits.Inc() }

// RecordCacheMiss records a response cache miss.
func (r *Recorder) RecordCacheMiss() { r.cacheMisses.Inc() }

// RecordInterruption records a barge-in.
func (r *Recorder) RecordInterruption() { r.interruptions.Inc() }

// SessionStarted records a session start and bumps the active gauge.
func (r *Recorder) SessionStarted() {
	r.sessionsStarted.Inc()
	r.activeSessions.Inc()
}

// SessionClosed drops the active session gauge.
func (r *Recorder) SessionClosed() { r.activeSessions.Dec() }

// BackendLoaded implements the resource manager's observer contract.
func (r *Recorder) BackendLoaded(desc backend.Descriptor) {
	r.backendLoads.WithLabelValues(desc.Name).Inc()
}

// BackendEvicted implements the resource manager's observer contract.
func (r *Recorder) BackendEvicted(desc backend.Descriptor) {
	r.backendEvicts.WithLabelValues(desc.Name).Inc()
}

// ResidentMemory implements the resource manager's observer contract.
func (r *Recorder) ResidentMemory(totalMB int64) {
	r.residentMemory.Set(float64(totalMB))
}

// Handler returns the HTTP handler for the metrics endpoint.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}
