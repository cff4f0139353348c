// Package metrics provides integration utilities for connecting the
// metrics system with the frontier, autoscaler, browser pool, and
// session pool.
package metrics

import (
	"context"
	"time"
)

// EngineHooks provides hooks for the crawler core to report task
// outcomes without importing the metrics types directly.
type EngineHooks struct {
	collector *MetricsCollector
}

// NewEngineHooks creates new engine hooks.
func NewEngineHooks(collector *MetricsCollector) *EngineHooks {
	return &EngineHooks{collector: collector}
}

// OnTaskStart records the start of an autoscaled pool task.
func (h *EngineHooks) OnTaskStart() {
	h.collector.RecordTaskStart()
}

// OnRequestHandled records a completed request.
func (h *EngineHooks) OnRequestHandled(duration time.Duration) {
	h.collector.RecordHandled(duration)
}

// OnRequestRetried records a request reclaimed for retry.
func (h *EngineHooks) OnRequestRetried() {
	h.collector.RecordRetry()
}

// OnRequestFailed records a request that exhausted its retries.
func (h *EngineHooks) OnRequestFailed() {
	h.collector.RecordFailed()
}

// OnConcurrencyChange records the autoscaled pool's current
// desired/current concurrency, meant to be registered directly with
// autoscale.Pool.OnConcurrencyChange.
func (h *EngineHooks) OnConcurrencyChange(desired, current int) {
	h.collector.SetConcurrency(desired, current)
}

// ProxyHooks provides hooks for proxy provider integration.
type ProxyHooks struct {
	collector *MetricsCollector
}

// NewProxyHooks creates new proxy hooks.
func NewProxyHooks(collector *MetricsCollector) *ProxyHooks {
	return &ProxyHooks{collector: collector}
}

// OnProxyResult records a proxy use outcome and its latency.
func (h *ProxyHooks) OnProxyResult(proxyKey string, success bool, latency time.Duration) {
	h.collector.RecordProxyResult(proxyKey, success, latency)
}

// FrontierHooks provides hooks for RequestList/RequestQueue integration.
type FrontierHooks struct {
	collector *MetricsCollector
}

// NewFrontierHooks creates new frontier hooks.
func NewFrontierHooks(collector *MetricsCollector) *FrontierHooks {
	return &FrontierHooks{collector: collector}
}

// OnQueueSizeChange records the current frontier sizes.
func (h *FrontierHooks) OnQueueSizeChange(pending, inProgress, handled int64) {
	h.collector.SetQueueSizes(pending, inProgress, handled)
}

// MetricsContext carries a metrics collector through a context.Context.
type ctxKey string

const metricsKey ctxKey = "metrics"

// WithContext adds a metrics collector to the context.
func WithContext(ctx context.Context, collector *MetricsCollector) context.Context {
	return context.WithValue(ctx, metricsKey, collector)
}

// FromContext extracts the metrics collector from the context, if any.
func FromContext(ctx context.Context) *MetricsCollector {
	if v := ctx.Value(metricsKey); v != nil {
		if mc, ok := v.(*MetricsCollector); ok {
			return mc
		}
	}
	return nil
}

// Timer measures a single handler invocation's duration; it does not
// record an outcome itself, since an attempt may still end in retry
// or failure by the time it stops. OnRequestHandled/OnRequestFailed
// record the outcome once it is known.
type Timer struct {
	start time.Time
}

// StartTimer starts a new handler-duration timer.
func (h *EngineHooks) StartTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed duration since the timer started.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}
