// Package proxy defines the ProxyProvider collaborator consumed by
// pkg/sessionpool (session-to-proxy binding) and pkg/browserpool
// (instance launch), plus one weighted-by-success-rate implementation.
package proxy

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"
)

// ProxyProvider is the external collaborator that supplies proxy
// URLs; fetching and rotating the underlying proxy list is out of
// scope for this package.
type ProxyProvider interface {
	NextProxy(ctx context.Context, sessionID string) (*url.URL, error)
	ReportResult(proxyKey string, success bool, latency time.Duration)
}

// Metrics tracks per-proxy usage outcomes.
type Metrics struct {
	TotalRequests   int64
	SuccessRequests int64
	FailedRequests  int64
	LastUsed        time.Time
	LastLatency     time.Duration
}

// SuccessRate returns the observed success rate, defaulting to 1.0 for
// a proxy with no recorded requests so new proxies get an initial
// chance.
func (m *Metrics) SuccessRate() float64 {
	if m.TotalRequests == 0 {
		return 1.0
	}
	return float64(m.SuccessRequests) / float64(m.TotalRequests)
}

// Entry is one configured proxy.
type Entry struct {
	URL *url.URL
}

// Key returns the proxy's stable identifier (host:port).
func (e Entry) Key() string {
	return e.URL.Host
}

// WeightedPool selects proxies weighted by observed success rate, an
// in-memory ProxyProvider implementation. Fetching or rotating a
// public proxy list is out of scope here; only the consumption side of
// an already resolved proxy set is handled.
type WeightedPool struct {
	mu       sync.Mutex
	entries  []Entry
	metrics  map[string]*Metrics
	rng      *rand.Rand
	onResult func(proxyKey string, success bool, latency time.Duration)
}

// OnResult registers a callback invoked after every ReportResult call,
// used by pkg/metrics to record proxy latency/success/failure without
// this package importing the metrics types.
func (p *WeightedPool) OnResult(fn func(proxyKey string, success bool, latency time.Duration)) {
	p.mu.Lock()
	p.onResult = fn
	p.mu.Unlock()
}

// NewWeightedPool constructs a pool over the given proxy URLs.
func NewWeightedPool(urls []*url.URL) *WeightedPool {
	entries := make([]Entry, len(urls))
	for i, u := range urls {
		entries[i] = Entry{URL: u}
	}
	return &WeightedPool{
		entries: entries,
		metrics: make(map[string]*Metrics),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *WeightedPool) metricsFor(key string) *Metrics {
	if m, ok := p.metrics[key]; ok {
		return m
	}
	m := &Metrics{}
	p.metrics[key] = m
	return m
}

// NextProxy picks a proxy weighted by success rate. sessionID is
// accepted for interface compatibility (a future implementation could
// pin a session to a proxy) but this pool does not bind by session.
func (p *WeightedPool) NextProxy(ctx context.Context, sessionID string) (*url.URL, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.entries) == 0 {
		return nil, fmt.Errorf("proxy: no proxies configured")
	}

	total := 0.0
	weights := make([]float64, len(p.entries))
	for i, e := range p.entries {
		w := p.metricsFor(e.Key()).SuccessRate()
		weights[i] = w
		total += w
	}

	if total <= 0 {
		return p.entries[p.rng.Intn(len(p.entries))].URL, nil
	}

	pick := p.rng.Float64() * total
	for i, w := range weights {
		pick -= w
		if pick <= 0 {
			return p.entries[i].URL, nil
		}
	}
	return p.entries[len(p.entries)-1].URL, nil
}

// ReportResult records a proxy use outcome for future weighting.
func (p *WeightedPool) ReportResult(proxyKey string, success bool, latency time.Duration) {
	p.mu.Lock()
	m := p.metricsFor(proxyKey)
	m.TotalRequests++
	if success {
		m.SuccessRequests++
	} else {
		m.FailedRequests++
	}
	m.LastUsed = time.Now()
	m.LastLatency = latency
	onResult := p.onResult
	p.mu.Unlock()

	if onResult != nil {
		onResult(proxyKey, success, latency)
	}
}

// GetMetrics returns a copy of the tracked metrics for proxyKey, or
// nil if unknown.
func (p *WeightedPool) GetMetrics(proxyKey string) *Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.metrics[proxyKey]; ok {
		cp := *m
		return &cp
	}
	return nil
}
