// Package metrics collects and exposes rari runtime observability data.
//
// # Design rationale
//
// Two metric stores coexist in this package:
//
//  1. The in-process Metrics struct (per-component counters + time series)
//     for the lightweight JSON endpoint used by an operator dashboard.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems (Grafana, Alertmanager, etc.), exposed at
//     GET /_rari/metrics.
//
// Keeping both allows a dashboard to work without a Prometheus sidecar
// while still supporting a standard monitoring stack.
//
// # Concurrency — hot path
//
// RecordRenderWithDetails is called from the gateway's render handler on every render
// and must be as fast as possible. It uses atomic increments for global
// counters and dispatches a lightweight event onto a buffered channel
// (tsChan) for the time-series worker to process asynchronously. This
// avoids holding any lock on the hot path.
//
// The per-component ComponentMetrics struct also uses atomic operations
// exclusively; the sync.Map that stores the per-component entries is
// read-heavy and write-once-per-new-component, which is the ideal use case
// for sync.Map.
//
// # Invariants
//
//   - TotalRenders == SuccessRenders + FailedRenders (maintained by
//     RecordRender and RecordRenderWithDetails).
//   - The time-series ring buffer holds at most timeSeriesBucketCount
//     buckets (24 * 60 = 1440 for the last 24 hours at 1-minute
//     granularity).
//   - tsChan capacity is 8192 events; events dropped when full are counted
//     in tsDroppedEvents for observability.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	timeSeriesBucketDuration = time.Minute
	timeSeriesBucketCount    = 24 * 60
)

// TimeSeriesBucket stores metrics for a single time bucket.
type TimeSeriesBucket struct {
	Timestamp    time.Time
	Renders      int64
	Errors       int64
	TotalLatency int64
	Count        int64 // for calculating avg
}

// Metrics collects and exposes rari runtime metrics.
type Metrics struct {
	// Render metrics
	TotalRenders  atomic.Int64
	SuccessRenders atomic.Int64
	FailedRenders atomic.Int64
	CacheHits     atomic.Int64
	CacheMisses   atomic.Int64

	// Latency metrics (in milliseconds)
	TotalLatencyMs atomic.Int64
	MinLatencyMs   atomic.Int64
	MaxLatencyMs   atomic.Int64

	// Renderer/pool metrics
	RenderersCreated atomic.Int64
	RenderersRestarted atomic.Int64
	BoundariesResolved atomic.Int64
	BoundariesTimedOut atomic.Int64

	// Per-component metrics
	componentMetrics sync.Map // componentID -> *ComponentMetrics

	// Time-series data (minute buckets for last 24 hours)
	timeSeriesMu    sync.RWMutex
	timeSeries      []*TimeSeriesBucket
	tsChan          chan timeSeriesEvent
	tsDroppedEvents atomic.Int64

	startTime time.Time
}

// timeSeriesEvent is sent over a channel to avoid write-lock contention on
// the hot path.
type timeSeriesEvent struct {
	durationMs int64
	isError    bool
}

// ComponentMetrics tracks metrics for a single component.
type ComponentMetrics struct {
	Renders  atomic.Int64
	Successes atomic.Int64
	Failures atomic.Int64
	TotalMs  atomic.Int64
	MinMs    atomic.Int64
	MaxMs    atomic.Int64
}

// Global metrics instance.
var global = &Metrics{startTime: time.Now()}

func init() {
	global.MinLatencyMs.Store(int64(^uint64(0) >> 1)) // Max int64
	global.tsChan = make(chan timeSeriesEvent, 8192)
	global.initTimeSeries()
	go global.processTimeSeriesLoop()
}

// initTimeSeries initializes minute-level buckets for the last 24 hours.
func (m *Metrics) initTimeSeries() {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)
	m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
	for i := 0; i < timeSeriesBucketCount; i++ {
		m.timeSeries[i] = &TimeSeriesBucket{
			Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
		}
	}
}

// Global returns the global metrics instance.
func Global() *Metrics {
	return global
}

// StartTime returns the time when the metrics system was initialized.
func StartTime() time.Time {
	return global.startTime
}

// RecordRender records a render result.
func (m *Metrics) RecordRender(componentID string, durationMs int64, success bool) {
	m.RecordRenderWithDetails(componentID, "", durationMs, success)
}

// RecordRenderWithDetails records a render with route for Prometheus labels.
func (m *Metrics) RecordRenderWithDetails(componentID, route string, durationMs int64, success bool) {
	m.TotalRenders.Add(1)

	if success {
		m.SuccessRenders.Add(1)
	} else {
		m.FailedRenders.Add(1)
	}

	m.TotalLatencyMs.Add(durationMs)
	updateMin(&m.MinLatencyMs, durationMs)
	updateMax(&m.MaxLatencyMs, durationMs)

	// Per-component metrics
	cm := m.getComponentMetrics(componentID)
	cm.Renders.Add(1)
	if success {
		cm.Successes.Add(1)
	} else {
		cm.Failures.Add(1)
	}
	cm.TotalMs.Add(durationMs)
	updateMin(&cm.MinMs, durationMs)
	updateMax(&cm.MaxMs, durationMs)

	// Time series recording
	m.recordTimeSeries(durationMs, !success)

	// Prometheus bridge
	RecordPrometheusRender(componentID, route, durationMs, success)
}

// recordTimeSeries enqueues a time-series event for async processing,
// avoiding a write-lock on the hot render path.
func (m *Metrics) recordTimeSeries(durationMs int64, isError bool) {
	select {
	case m.tsChan <- timeSeriesEvent{durationMs: durationMs, isError: isError}:
	default:
		m.tsDroppedEvents.Add(1)
	}
}

// processTimeSeriesLoop drains tsChan and applies events under a write lock.
func (m *Metrics) processTimeSeriesLoop() {
	for evt := range m.tsChan {
		m.applyTimeSeriesEvent(evt.durationMs, evt.isError)
	}
}

// applyTimeSeriesEvent updates the time-series buckets (must be called from
// a single goroutine).
func (m *Metrics) applyTimeSeriesEvent(durationMs int64, isError bool) {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)

	// Check if we need to rotate buckets
	if len(m.timeSeries) > 0 {
		lastBucket := m.timeSeries[len(m.timeSeries)-1]
		bucketsDiff := int(now.Sub(lastBucket.Timestamp) / timeSeriesBucketDuration)

		if bucketsDiff > 0 {
			if bucketsDiff >= timeSeriesBucketCount {
				m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
				for i := 0; i < timeSeriesBucketCount; i++ {
					m.timeSeries[i] = &TimeSeriesBucket{
						Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
					}
				}
			} else {
				m.timeSeries = m.timeSeries[bucketsDiff:]
				for i := 0; i < bucketsDiff; i++ {
					m.timeSeries = append(m.timeSeries, &TimeSeriesBucket{
						Timestamp: lastBucket.Timestamp.Add(time.Duration(i+1) * timeSeriesBucketDuration),
					})
				}
			}
		}
	}

	// Record to current bucket
	if len(m.timeSeries) > 0 {
		bucket := m.timeSeries[len(m.timeSeries)-1]
		bucket.Renders++
		bucket.TotalLatency += durationMs
		bucket.Count++
		if isError {
			bucket.Errors++
		}
	}
}

// RecordRendererCreated records a renderer being added to a pool.
func (m *Metrics) RecordRendererCreated() {
	m.RenderersCreated.Add(1)
	RecordPrometheusRendererCreated()
}

// RecordRendererRestarted records a renderer being replaced after a fatal
// error, per spec.md §4.K's restart-on-fatal semantics.
func (m *Metrics) RecordRendererRestarted() {
	m.RenderersRestarted.Add(1)
	RecordPrometheusRendererRestarted()
}

// RecordCacheHit/RecordCacheMiss feed the Response Cache hit-rate gauge.
func (m *Metrics) RecordCacheHit() {
	m.CacheHits.Add(1)
	RecordPrometheusCacheResult(true)
}

func (m *Metrics) RecordCacheMiss() {
	m.CacheMisses.Add(1)
	RecordPrometheusCacheResult(false)
}

// RecordBoundaryResolution records a suspense boundary settling, either
// successfully or via timeout.
func (m *Metrics) RecordBoundaryResolution(durationMs int64, timedOut bool) {
	if timedOut {
		m.BoundariesTimedOut.Add(1)
	} else {
		m.BoundariesResolved.Add(1)
	}
	RecordPrometheusBoundaryResolution(durationMs, timedOut)
}

func (m *Metrics) getComponentMetrics(componentID string) *ComponentMetrics {
	if v, ok := m.componentMetrics.Load(componentID); ok {
		return v.(*ComponentMetrics)
	}

	cm := &ComponentMetrics{}
	cm.MinMs.Store(int64(^uint64(0) >> 1))
	actual, _ := m.componentMetrics.LoadOrStore(componentID, cm)
	return actual.(*ComponentMetrics)
}

// GetComponentMetrics returns the metrics for a specific component (or nil
// if none recorded yet).
func (m *Metrics) GetComponentMetrics(componentID string) *ComponentMetrics {
	if v, ok := m.componentMetrics.Load(componentID); ok {
		return v.(*ComponentMetrics)
	}
	return nil
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() map[string]interface{} {
	total := m.TotalRenders.Load()
	avgLatency := float64(0)
	if total > 0 {
		avgLatency = float64(m.TotalLatencyMs.Load()) / float64(total)
	}

	minLatency := m.MinLatencyMs.Load()
	if minLatency == int64(^uint64(0)>>1) {
		minLatency = 0
	}

	cacheTotal := m.CacheHits.Load() + m.CacheMisses.Load()

	result := map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"renders": map[string]interface{}{
			"total":   total,
			"success": m.SuccessRenders.Load(),
			"failed":  m.FailedRenders.Load(),
		},
		"latency_ms": map[string]interface{}{
			"avg": avgLatency,
			"min": minLatency,
			"max": m.MaxLatencyMs.Load(),
		},
		"cache": map[string]interface{}{
			"hits":     m.CacheHits.Load(),
			"misses":   m.CacheMisses.Load(),
			"hit_rate": hitRate(m.CacheHits.Load(), cacheTotal),
		},
		"renderers": map[string]interface{}{
			"created":   m.RenderersCreated.Load(),
			"restarted": m.RenderersRestarted.Load(),
		},
		"boundaries": map[string]interface{}{
			"resolved": m.BoundariesResolved.Load(),
			"timed_out": m.BoundariesTimedOut.Load(),
		},
		"ts_dropped_events": m.tsDroppedEvents.Load(),
	}

	return result
}

// ComponentStats returns per-component metrics.
func (m *Metrics) ComponentStats() map[string]interface{} {
	result := make(map[string]interface{})

	m.componentMetrics.Range(func(key, value interface{}) bool {
		componentID := key.(string)
		cm := value.(*ComponentMetrics)

		total := cm.Renders.Load()
		avgMs := float64(0)
		if total > 0 {
			avgMs = float64(cm.TotalMs.Load()) / float64(total)
		}

		minMs := cm.MinMs.Load()
		if minMs == int64(^uint64(0)>>1) {
			minMs = 0
		}

		result[componentID] = map[string]interface{}{
			"renders":   total,
			"successes": cm.Successes.Load(),
			"failures":  cm.Failures.Load(),
			"avg_ms":    avgMs,
			"min_ms":    minMs,
			"max_ms":    cm.MaxMs.Load(),
		}
		return true
	})

	return result
}

// JSONHandler returns an HTTP handler that exposes metrics in JSON format.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		result := m.Snapshot()
		result["components"] = m.ComponentStats()
		json.NewEncoder(w).Encode(result)
	})
}

// TimeSeries returns minute-level time-series data for the last 24 hours.
func (m *Metrics) TimeSeries() []map[string]interface{} {
	m.timeSeriesMu.RLock()
	defer m.timeSeriesMu.RUnlock()

	result := make([]map[string]interface{}, len(m.timeSeries))
	for i, bucket := range m.timeSeries {
		avgDuration := float64(0)
		if bucket.Count > 0 {
			avgDuration = float64(bucket.TotalLatency) / float64(bucket.Count)
		}
		result[i] = map[string]interface{}{
			"timestamp":    bucket.Timestamp.Format(time.RFC3339),
			"renders":      bucket.Renders,
			"errors":       bucket.Errors,
			"avg_duration": avgDuration,
		}
	}
	return result
}

// TimeSeriesHandler returns an HTTP handler for time-series metrics.
func (m *Metrics) TimeSeriesHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.TimeSeries())
	})
}

// Helper functions

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func hitRate(hits, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}
