package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for rari metrics.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	rendersTotal        *prometheus.CounterVec
	renderersCreated    prometheus.Counter
	renderersRestarted  prometheus.Counter
	cacheHitsTotal      prometheus.Counter
	cacheMissesTotal    prometheus.Counter
	cacheEvictionsTotal prometheus.Counter
	boundariesResolved  prometheus.Counter
	boundariesTimedOut  prometheus.Counter
	rateLimitRejections *prometheus.CounterVec
	csrfFailuresTotal   *prometheus.CounterVec

	// Histograms
	renderDuration       *prometheus.HistogramVec
	poolAcquireWaitMs    prometheus.Histogram
	boundaryResolveMs    *prometheus.HistogramVec

	// Gauges
	uptime           prometheus.GaugeFunc
	poolSize         *prometheus.GaugeVec
	poolUtilization  prometheus.Gauge
	activeRenders    prometheus.Gauge
	cacheBytesInUse  prometheus.Gauge
	cacheEntryCount  prometheus.Gauge

	// Circuit breaker
	circuitBreakerState      *prometheus.GaugeVec
	circuitBreakerTripsTotal *prometheus.CounterVec
}

// Default histogram buckets for render duration (in milliseconds).
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		rendersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "renders_total",
				Help:      "Total number of component renders",
			},
			[]string{"component", "route", "status"},
		),

		renderersCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "renderers_created_total",
				Help:      "Total renderer VMs created in the pool",
			},
		),

		renderersRestarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "renderers_restarted_total",
				Help:      "Total renderer VMs restarted after a fatal script error",
			},
		),

		cacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Total response cache hits",
			},
		),

		cacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_misses_total",
				Help:      "Total response cache misses",
			},
		),

		cacheEvictionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_evictions_total",
				Help:      "Total response cache entries evicted (LRU or invalidation)",
			},
		),

		boundariesResolved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "boundaries_resolved_total",
				Help:      "Total suspense boundaries that resolved successfully",
			},
		),

		boundariesTimedOut: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "boundaries_timed_out_total",
				Help:      "Total suspense boundaries that hit the render timeout",
			},
		),

		rateLimitRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_rejections_total",
				Help:      "Total requests rejected by a gateway rate limiter",
			},
			[]string{"endpoint"},
		),

		csrfFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "csrf_failures_total",
				Help:      "Total requests rejected for an invalid or missing CSRF token",
			},
			[]string{"reason"},
		),

		renderDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "render_duration_milliseconds",
				Help:      "Duration of component renders in milliseconds",
				Buckets:   buckets,
			},
			[]string{"component", "route"},
		),

		poolAcquireWaitMs: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pool_acquire_wait_milliseconds",
				Help:      "Time spent waiting to acquire a renderer from the pool",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250},
			},
		),

		boundaryResolveMs: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "boundary_resolve_milliseconds",
				Help:      "Duration of suspense boundary resolution in milliseconds",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 8000},
			},
			[]string{"outcome"}, // resolved, timed_out
		),

		poolSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_size",
				Help:      "Current renderer pool size by state",
			},
			[]string{"state"}, // idle, busy
		),

		poolUtilization: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_utilization_ratio",
				Help:      "Renderer pool utilization ratio (busy / total)",
			},
		),

		activeRenders: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_renders",
				Help:      "Number of renders currently in flight",
			},
		),

		cacheBytesInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_bytes_in_use",
				Help:      "Bytes currently held by the response cache L1 store",
			},
		),

		cacheEntryCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_entry_count",
				Help:      "Number of entries currently held by the response cache L1 store",
			},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Current circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
			[]string{"component"},
		),

		circuitBreakerTripsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total circuit breaker state transitions",
			},
			[]string{"component", "to_state"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the rari server started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.rendersTotal,
		pm.renderersCreated,
		pm.renderersRestarted,
		pm.cacheHitsTotal,
		pm.cacheMissesTotal,
		pm.cacheEvictionsTotal,
		pm.boundariesResolved,
		pm.boundariesTimedOut,
		pm.rateLimitRejections,
		pm.csrfFailuresTotal,
		pm.renderDuration,
		pm.poolAcquireWaitMs,
		pm.boundaryResolveMs,
		pm.uptime,
		pm.poolSize,
		pm.poolUtilization,
		pm.activeRenders,
		pm.cacheBytesInUse,
		pm.cacheEntryCount,
		pm.circuitBreakerState,
		pm.circuitBreakerTripsTotal,
	)

	promMetrics = pm
}

// RecordPrometheusRender records a render result in Prometheus collectors.
func RecordPrometheusRender(componentID, route string, durationMs int64, success bool) {
	if promMetrics == nil {
		return
	}
	status := "success"
	if !success {
		status = "failed"
	}
	promMetrics.rendersTotal.WithLabelValues(componentID, route, status).Inc()
	promMetrics.renderDuration.WithLabelValues(componentID, route).Observe(float64(durationMs))
}

// RecordPrometheusRendererCreated records a renderer being added to the pool.
func RecordPrometheusRendererCreated() {
	if promMetrics == nil {
		return
	}
	promMetrics.renderersCreated.Inc()
}

// RecordPrometheusRendererRestarted records a renderer restarted after a
// fatal error.
func RecordPrometheusRendererRestarted() {
	if promMetrics == nil {
		return
	}
	promMetrics.renderersRestarted.Inc()
}

// RecordPrometheusCacheResult records a response cache hit or miss.
func RecordPrometheusCacheResult(hit bool) {
	if promMetrics == nil {
		return
	}
	if hit {
		promMetrics.cacheHitsTotal.Inc()
	} else {
		promMetrics.cacheMissesTotal.Inc()
	}
}

// RecordCacheEviction records a response cache entry eviction.
func RecordCacheEviction() {
	if promMetrics == nil {
		return
	}
	promMetrics.cacheEvictionsTotal.Inc()
}

// RecordPrometheusBoundaryResolution records a suspense boundary settling.
func RecordPrometheusBoundaryResolution(durationMs int64, timedOut bool) {
	if promMetrics == nil {
		return
	}
	outcome := "resolved"
	if timedOut {
		outcome = "timed_out"
		promMetrics.boundariesTimedOut.Inc()
	} else {
		promMetrics.boundariesResolved.Inc()
	}
	promMetrics.boundaryResolveMs.WithLabelValues(outcome).Observe(float64(durationMs))
}

// RecordRateLimitRejection records a gateway rate-limit rejection for an
// endpoint (e.g. "og-image", "csrf-token", "image-optimize", "render").
func RecordRateLimitRejection(endpoint string) {
	if promMetrics == nil {
		return
	}
	promMetrics.rateLimitRejections.WithLabelValues(endpoint).Inc()
}

// RecordCSRFFailure records a rejected request for an invalid or missing
// CSRF token, labeled by the reason (e.g. "missing", "expired", "invalid").
func RecordCSRFFailure(reason string) {
	if promMetrics == nil {
		return
	}
	promMetrics.csrfFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordPoolAcquireWait records time spent waiting to acquire a renderer.
func RecordPoolAcquireWait(durationMs float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.poolAcquireWaitMs.Observe(durationMs)
}

// SetPoolSize sets the current renderer pool size by state.
func SetPoolSize(idle, busy int) {
	if promMetrics == nil {
		return
	}
	promMetrics.poolSize.WithLabelValues("idle").Set(float64(idle))
	promMetrics.poolSize.WithLabelValues("busy").Set(float64(busy))

	total := idle + busy
	if total > 0 {
		promMetrics.poolUtilization.Set(float64(busy) / float64(total))
	}
}

// IncActiveRenders increments the active renders gauge.
func IncActiveRenders() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeRenders.Inc()
}

// DecActiveRenders decrements the active renders gauge.
func DecActiveRenders() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeRenders.Dec()
}

// SetCacheSize sets the response cache's in-use byte count and entry count.
func SetCacheSize(bytesInUse int64, entryCount int) {
	if promMetrics == nil {
		return
	}
	promMetrics.cacheBytesInUse.Set(float64(bytesInUse))
	promMetrics.cacheEntryCount.Set(float64(entryCount))
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors).
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}

// SetCircuitBreakerState sets the circuit breaker state gauge for a
// component. state: 0=closed, 1=open, 2=half_open.
func SetCircuitBreakerState(componentID string, state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerState.WithLabelValues(componentID).Set(float64(state))
}

// RecordCircuitBreakerTrip records a circuit breaker state transition.
func RecordCircuitBreakerTrip(componentID, toState string) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerTripsTotal.WithLabelValues(componentID, toState).Inc()
}
