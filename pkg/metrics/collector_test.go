package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func newTestCollector(t *testing.T) *MetricsCollector {
	t.Helper()
	reg := prometheus.NewRegistry()
	old := prometheus.DefaultRegisterer
	prometheus.DefaultRegisterer = reg
	t.Cleanup(func() { prometheus.DefaultRegisterer = old })

	mc := NewMetricsCollector()
	t.Cleanup(mc.Close)
	return mc
}

func TestRecordHandledUpdatesSnapshot(t *testing.T) {
	mc := newTestCollector(t)

	mc.RecordHandled(10 * time.Millisecond)
	mc.RecordHandled(20 * time.Millisecond)

	snap := mc.GetSnapshot()
	if snap.HandledCount != 2 {
		t.Errorf("expected handled count 2, got %d", snap.HandledCount)
	}
}

func TestRecordFailedAndRetried(t *testing.T) {
	mc := newTestCollector(t)

	mc.RecordRetry()
	mc.RecordRetry()
	mc.RecordFailed()

	snap := mc.GetSnapshot()
	if snap.RetriedCount != 2 {
		t.Errorf("expected retried count 2, got %d", snap.RetriedCount)
	}
	if snap.FailedCount != 1 {
		t.Errorf("expected failed count 1, got %d", snap.FailedCount)
	}
}

func TestSetQueueSizes(t *testing.T) {
	mc := newTestCollector(t)

	mc.SetQueueSizes(5, 2, 100)

	snap := mc.GetSnapshot()
	if snap.QueuePending != 5 || snap.QueueInProgress != 2 || snap.QueueHandled != 100 {
		t.Errorf("unexpected queue snapshot: %+v", snap)
	}
}

func TestRateCalculatorWindow(t *testing.T) {
	rc := NewRateCalculator(100 * time.Millisecond)
	defer rc.Stop()

	rc.Record()
	rc.Record()
	rc.Record()

	if rate := rc.GetRate(); rate <= 0 {
		t.Errorf("expected positive rate after recording events, got %f", rate)
	}

	time.Sleep(150 * time.Millisecond)

	if rate := rc.GetRate(); rate != 0 {
		t.Errorf("expected rate to decay to 0 after window, got %f", rate)
	}
}

func TestGlobalCollectorIsSingleton(t *testing.T) {
	reg := prometheus.NewRegistry()
	old := prometheus.DefaultRegisterer
	prometheus.DefaultRegisterer = reg
	defer func() { prometheus.DefaultRegisterer = old }()

	SetGlobalCollector(nil)
	globalMu = sync.Once{}

	a := GetGlobalCollector()
	b := GetGlobalCollector()
	if a != b {
		t.Error("expected GetGlobalCollector to return the same instance")
	}
	a.Close()
}
