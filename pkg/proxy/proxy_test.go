package proxy

import (
	"context"
	"net/url"
	"testing"
	"time"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error parsing %q: %v", raw, err)
	}
	return u
}

func TestNextProxyReturnsConfiguredEntry(t *testing.T) {
	a := mustURL(t, "http://proxy-a:8080")
	pool := NewWeightedPool([]*url.URL{a})

	got, err := pool.NextProxy(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Host != a.Host {
		t.Errorf("expected %s, got %s", a.Host, got.Host)
	}
}

func TestNextProxyErrorsWhenEmpty(t *testing.T) {
	pool := NewWeightedPool(nil)
	if _, err := pool.NextProxy(context.Background(), "s"); err == nil {
		t.Error("expected error for an empty pool")
	}
}

func TestReportResultAffectsWeighting(t *testing.T) {
	good := mustURL(t, "http://good:8080")
	bad := mustURL(t, "http://bad:8080")
	pool := NewWeightedPool([]*url.URL{good, bad})

	for i := 0; i < 20; i++ {
		pool.ReportResult(bad.Host, false, time.Millisecond)
	}
	for i := 0; i < 20; i++ {
		pool.ReportResult(good.Host, true, time.Millisecond)
	}

	goodPicks := 0
	for i := 0; i < 200; i++ {
		got, err := pool.NextProxy(context.Background(), "s")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Host == good.Host {
			goodPicks++
		}
	}

	if goodPicks < 150 {
		t.Errorf("expected the high-success proxy to dominate selection, got %d/200 picks", goodPicks)
	}
}

func TestGetMetricsReturnsNilForUnknownProxy(t *testing.T) {
	pool := NewWeightedPool(nil)
	if pool.GetMetrics("unknown") != nil {
		t.Error("expected nil metrics for an unknown proxy key")
	}
}
