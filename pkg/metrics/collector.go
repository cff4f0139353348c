// Package metrics provides Prometheus-compatible metrics collection
// for the crawl engine's frontier, autoscaler, browser pool, and
// session pool.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector holds all engine metrics with Prometheus compatibility.
type MetricsCollector struct {
	// Frontier throughput
	RequestsHandled prometheus.Counter
	RequestsFailed  prometheus.Counter
	RequestsRetried prometheus.Counter
	HandleDuration  prometheus.Histogram
	HandledRate     prometheus.Gauge // handled requests per minute
	handledPerMin   *RateCalculator

	// Frontier state
	QueuePending    prometheus.Gauge
	QueueInProgress prometheus.Gauge
	QueueHandled    prometheus.Gauge

	// Autoscaler state
	DesiredConcurrency prometheus.Gauge
	CurrentConcurrency prometheus.Gauge
	TaskStarts         prometheus.Counter

	// Browser pool
	BrowserInstancesActive prometheus.Gauge
	BrowserPagesOpen       prometheus.Gauge
	BrowserInstancesKilled prometheus.Counter

	// Session pool
	SessionsActive  prometheus.Gauge
	SessionsRetired prometheus.Counter

	// Proxy
	ProxyLatency *prometheus.HistogramVec
	ProxySuccess *prometheus.CounterVec
	ProxyFailure *prometheus.CounterVec

	// Internal tracking
	mu              sync.RWMutex
	startTime       time.Time
	handledCount    int64
	failedCount     int64
	retriedCount    int64
	queuePending    int64
	queueInProgress int64
	queueHandled    int64
}

// RateCalculator calculates an events-per-minute rate using a sliding window.
type RateCalculator struct {
	mu     sync.Mutex
	events []time.Time
	window time.Duration
	stopCh chan struct{}
}

// NewRateCalculator creates a new rate calculator with specified window.
func NewRateCalculator(window time.Duration) *RateCalculator {
	rc := &RateCalculator{
		events: make([]time.Time, 0, 1000),
		window: window,
		stopCh: make(chan struct{}),
	}
	go rc.cleanupLoop()
	return rc
}

// Record records an event occurrence.
func (rc *RateCalculator) Record() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.events = append(rc.events, time.Now())
}

// GetRate returns the current rate, scaled to events per minute.
func (rc *RateCalculator) GetRate() float64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.cleanup(time.Now())
	return float64(len(rc.events)) * (60.0 / rc.window.Seconds())
}

// cleanup removes events outside the window.
func (rc *RateCalculator) cleanup(now time.Time) {
	cutoff := now.Add(-rc.window)
	idx := 0
	for i, t := range rc.events {
		if t.After(cutoff) {
			idx = i
			break
		}
		idx = i + 1
	}
	rc.events = rc.events[idx:]
}

// cleanupLoop periodically trims events outside the window.
func (rc *RateCalculator) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rc.mu.Lock()
			rc.cleanup(time.Now())
			rc.mu.Unlock()
		case <-rc.stopCh:
			return
		}
	}
}

// Stop stops the rate calculator's background cleanup goroutine.
func (rc *RateCalculator) Stop() {
	close(rc.stopCh)
}

// Namespace for all metrics.
const namespace = "crawlcore"

// NewMetricsCollector creates and initializes a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	mc := &MetricsCollector{
		startTime:     time.Now(),
		handledPerMin: NewRateCalculator(time.Minute),
	}

	mc.RequestsHandled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_handled_total",
		Help:      "Total number of requests successfully handled",
	})

	mc.RequestsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_failed_total",
		Help:      "Total number of requests that exhausted their retry budget",
	})

	mc.RequestsRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_retried_total",
		Help:      "Total number of request reclaims after a handler failure",
	})

	mc.HandleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "handle_duration_seconds",
		Help:      "Distribution of handleRequestFunction durations",
		Buckets:   prometheus.DefBuckets,
	})

	mc.HandledRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "handled_per_minute",
		Help:      "Current handled-requests rate per minute",
	})

	mc.QueuePending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_pending",
		Help:      "Requests currently pending in the frontier",
	})

	mc.QueueInProgress = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_in_progress",
		Help:      "Requests fetched but not yet handled or reclaimed",
	})

	mc.QueueHandled = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_handled",
		Help:      "Requests marked handled in the frontier",
	})

	mc.DesiredConcurrency = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "autoscale_desired_concurrency",
		Help:      "Current desired concurrency of the autoscaled pool",
	})

	mc.CurrentConcurrency = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "autoscale_current_concurrency",
		Help:      "Current in-flight task count of the autoscaled pool",
	})

	mc.TaskStarts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "autoscale_task_starts_total",
		Help:      "Total number of tasks started by the autoscaled pool",
	})

	mc.BrowserInstancesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "browser_instances_active",
		Help:      "Number of ACTIVE browser instances",
	})

	mc.BrowserPagesOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "browser_pages_open",
		Help:      "Number of currently open pages across all instances",
	})

	mc.BrowserInstancesKilled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "browser_instances_killed_total",
		Help:      "Total number of browser instances killed",
	})

	mc.SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of usable sessions in the session pool",
	})

	mc.SessionsRetired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_retired_total",
		Help:      "Total number of sessions retired for error score or usage limit",
	})

	mc.ProxyLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "proxy_latency_seconds",
		Help:      "Proxy latency distribution by proxy",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"proxy"})

	mc.ProxySuccess = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "proxy_success_total",
		Help:      "Total successful requests per proxy",
	}, []string{"proxy"})

	mc.ProxyFailure = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "proxy_failure_total",
		Help:      "Total failed requests per proxy",
	}, []string{"proxy"})

	mc.register()

	go mc.updateLoop()

	return mc
}

// register registers all metrics with Prometheus.
func (mc *MetricsCollector) register() {
	prometheus.MustRegister(
		mc.RequestsHandled,
		mc.RequestsFailed,
		mc.RequestsRetried,
		mc.HandleDuration,
		mc.HandledRate,
		mc.QueuePending,
		mc.QueueInProgress,
		mc.QueueHandled,
		mc.DesiredConcurrency,
		mc.CurrentConcurrency,
		mc.TaskStarts,
		mc.BrowserInstancesActive,
		mc.BrowserPagesOpen,
		mc.BrowserInstancesKilled,
		mc.SessionsActive,
		mc.SessionsRetired,
		mc.ProxyLatency,
		mc.ProxySuccess,
		mc.ProxyFailure,
	)
}

// updateLoop periodically updates calculated metrics.
func (mc *MetricsCollector) updateLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		mc.HandledRate.Set(mc.handledPerMin.GetRate())
	}
}

// RecordHandled records a successfully handled request.
func (mc *MetricsCollector) RecordHandled(duration time.Duration) {
	mc.RequestsHandled.Inc()
	mc.HandleDuration.Observe(duration.Seconds())
	mc.handledPerMin.Record()
	mc.mu.Lock()
	mc.handledCount++
	mc.mu.Unlock()
}

// RecordFailed records a request that exhausted its retry budget.
func (mc *MetricsCollector) RecordFailed() {
	mc.RequestsFailed.Inc()
	mc.mu.Lock()
	mc.failedCount++
	mc.mu.Unlock()
}

// RecordRetry records a request being reclaimed for a retry.
func (mc *MetricsCollector) RecordRetry() {
	mc.RequestsRetried.Inc()
	mc.mu.Lock()
	mc.retriedCount++
	mc.mu.Unlock()
}

// SetQueueSizes sets the three frontier gauges at once.
func (mc *MetricsCollector) SetQueueSizes(pending, inProgress, handled int64) {
	mc.QueuePending.Set(float64(pending))
	mc.QueueInProgress.Set(float64(inProgress))
	mc.QueueHandled.Set(float64(handled))
	mc.mu.Lock()
	mc.queuePending = pending
	mc.queueInProgress = inProgress
	mc.queueHandled = handled
	mc.mu.Unlock()
}

// SetConcurrency sets the autoscaler's concurrency gauges.
func (mc *MetricsCollector) SetConcurrency(desired, current int) {
	mc.DesiredConcurrency.Set(float64(desired))
	mc.CurrentConcurrency.Set(float64(current))
}

// RecordTaskStart records one task start by the autoscaled pool.
func (mc *MetricsCollector) RecordTaskStart() {
	mc.TaskStarts.Inc()
}

// SetBrowserPoolState sets the browser pool occupancy gauges.
func (mc *MetricsCollector) SetBrowserPoolState(activeInstances, openPages int) {
	mc.BrowserInstancesActive.Set(float64(activeInstances))
	mc.BrowserPagesOpen.Set(float64(openPages))
}

// RecordInstanceKilled records one browser instance kill.
func (mc *MetricsCollector) RecordInstanceKilled() {
	mc.BrowserInstancesKilled.Inc()
}

// SetSessionPoolSize sets the usable-session gauge.
func (mc *MetricsCollector) SetSessionPoolSize(count int) {
	mc.SessionsActive.Set(float64(count))
}

// RecordSessionRetired records one session retirement.
func (mc *MetricsCollector) RecordSessionRetired() {
	mc.SessionsRetired.Inc()
}

// RecordProxyResult records a proxy outcome and its latency.
func (mc *MetricsCollector) RecordProxyResult(proxyKey string, success bool, latency time.Duration) {
	mc.ProxyLatency.WithLabelValues(proxyKey).Observe(latency.Seconds())
	if success {
		mc.ProxySuccess.WithLabelValues(proxyKey).Inc()
	} else {
		mc.ProxyFailure.WithLabelValues(proxyKey).Inc()
	}
}

// GetSnapshot returns current metrics snapshot.
func (mc *MetricsCollector) GetSnapshot() Snapshot {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	return Snapshot{
		Timestamp:       time.Now(),
		HandledCount:    mc.handledCount,
		FailedCount:     mc.failedCount,
		RetriedCount:    mc.retriedCount,
		HandledPerMin:   mc.handledPerMin.GetRate(),
		QueuePending:    mc.queuePending,
		QueueInProgress: mc.queueInProgress,
		QueueHandled:    mc.queueHandled,
		UptimeSeconds:   time.Since(mc.startTime).Seconds(),
	}
}

// Snapshot represents a point-in-time metrics snapshot.
type Snapshot struct {
	Timestamp       time.Time `json:"timestamp"`
	HandledCount    int64     `json:"handled_count"`
	FailedCount     int64     `json:"failed_count"`
	RetriedCount    int64     `json:"retried_count"`
	HandledPerMin   float64   `json:"handled_per_min"`
	QueuePending    int64     `json:"queue_pending"`
	QueueInProgress int64     `json:"queue_in_progress"`
	QueueHandled    int64     `json:"queue_handled"`
	UptimeSeconds   float64   `json:"uptime_seconds"`
}

// MetricsHandler returns the HTTP handler for Prometheus scraping.
func (mc *MetricsCollector) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// JSONHandler returns the metrics snapshot in JSON format.
func (mc *MetricsCollector) JSONHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(mc.GetSnapshot())
	}
}

// Close cleans up resources owned by the collector.
func (mc *MetricsCollector) Close() {
	if mc.handledPerMin != nil {
		mc.handledPerMin.Stop()
	}
}

// Global instance for easy access.
var globalCollector *MetricsCollector
var globalMu sync.Once

// GetGlobalCollector returns the global metrics collector instance.
func GetGlobalCollector() *MetricsCollector {
	globalMu.Do(func() {
		globalCollector = NewMetricsCollector()
	})
	return globalCollector
}

// SetGlobalCollector sets the global metrics collector (for testing).
func SetGlobalCollector(mc *MetricsCollector) {
	globalCollector = mc
}
