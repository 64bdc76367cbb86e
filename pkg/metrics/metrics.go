package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A zero Metrics (metrics disabled)
// accepts every Record call and drops it.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec

	// Provider metrics
	AIRequestsTotal       *prometheus.CounterVec
	AIRequestDuration     *prometheus.HistogramVec
	ProviderFailuresTotal *prometheus.CounterVec

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal prometheus.Counter

	// Queue metrics
	JobQueueSize       prometheus.Gauge
	JobsProcessedTotal *prometheus.CounterVec

	// Error metrics
	PanicsTotal *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
	// Registry receives the collectors. Defaults to a fresh registry with
	// the Go and process collectors.
	Registry *prometheus.Registry `json:"-"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled: true,
	}
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	registry := config.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
			[]string{"method", "path"},
		),

		AIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "ai_requests_total",
				Help:      "Total number of AI provider requests",
			},
			[]string{"provider", "status"},
		),
		AIRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "ai_request_duration_seconds",
				Help:      "AI provider request duration in seconds",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 15, 30, 60, 120},
			},
			[]string{"provider"},
		),
		ProviderFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "provider_failures_total",
				Help:      "Total number of AI provider failures by reason",
			},
			[]string{"provider", "reason"},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "cache_hits_total",
				Help:      "Total number of report cache hits",
			},
			[]string{"status"},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "cache_misses_total",
				Help:      "Total number of report cache misses",
			},
		),

		JobQueueSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "job_queue_size",
				Help:      "Number of report jobs waiting in the queue",
			},
		),
		JobsProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "jobs_processed_total",
				Help:      "Total number of report jobs processed",
			},
			[]string{"status"},
		),

		PanicsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "panics_total",
				Help:      "Total number of recovered panics",
			},
			[]string{"component"},
		),

		gatherer: registry,
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.AIRequestsTotal,
		m.AIRequestDuration,
		m.ProviderFailuresTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.JobQueueSize,
		m.JobsProcessedTotal,
		m.PanicsTotal,
	)

	return m
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m == nil || m.HTTPRequestsTotal == nil {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// RecordProviderRequest records one provider call. status is "success" or
// "failure".
func (m *Metrics) RecordProviderRequest(provider, status string, duration time.Duration) {
	if m == nil || m.AIRequestsTotal == nil {
		return
	}

	m.AIRequestsTotal.WithLabelValues(provider, status).Inc()
	m.AIRequestDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordProviderFailure records why a provider call failed
func (m *Metrics) RecordProviderFailure(provider, reason string) {
	if m == nil || m.ProviderFailuresTotal == nil {
		return
	}

	m.ProviderFailuresTotal.WithLabelValues(provider, reason).Inc()
}

// RecordCacheHit records a cache hit for an entry status (fresh, stale)
func (m *Metrics) RecordCacheHit(status string) {
	if m == nil || m.CacheHitsTotal == nil {
		return
	}

	m.CacheHitsTotal.WithLabelValues(status).Inc()
}

// RecordCacheMiss records a cache miss
func (m *Metrics) RecordCacheMiss() {
	if m == nil || m.CacheMissesTotal == nil {
		return
	}

	m.CacheMissesTotal.Inc()
}

// UpdateQueueSize sets the number of waiting jobs
func (m *Metrics) UpdateQueueSize(size int64) {
	if m == nil || m.JobQueueSize == nil {
		return
	}

	m.JobQueueSize.Set(float64(size))
}

// RecordJobProcessed records a finished job with status completed or failed
func (m *Metrics) RecordJobProcessed(status string) {
	if m == nil || m.JobsProcessedTotal == nil {
		return
	}

	m.JobsProcessedTotal.WithLabelValues(status).Inc()
}

// RecordPanic records panic metrics
func (m *Metrics) RecordPanic(component string) {
	if m == nil || m.PanicsTotal == nil {
		return
	}

	m.PanicsTotal.WithLabelValues(component).Inc()
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.HTTPRequestsInFlight != nil {
			m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Inc()
			defer m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Dec()
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		m.RecordHTTPRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), duration)
	}
}

// Handler returns the Prometheus exposition handler
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// QueueSizer reports how many jobs are waiting
type QueueSizer interface {
	WaitingJobs(ctx context.Context) (int64, error)
}

// MetricsCollector periodically samples the queue depth into job_queue_size
type MetricsCollector struct {
	metrics  *Metrics
	queue    QueueSizer
	interval time.Duration
	stopCh   chan struct{}
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(metrics *Metrics, queue QueueSizer, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		metrics:  metrics,
		queue:    queue,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins metrics collection and blocks until ctx ends or Stop is called
func (mc *MetricsCollector) Start(ctx context.Context) {
	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-mc.stopCh:
			return
		case <-ticker.C:
			mc.collectMetrics(ctx)
		}
	}
}

// Stop stops metrics collection
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
}

func (mc *MetricsCollector) collectMetrics(ctx context.Context) {
	if mc.queue == nil {
		return
	}
	size, err := mc.queue.WaitingJobs(ctx)
	if err != nil {
		return
	}
	mc.metrics.UpdateQueueSize(size)
}
