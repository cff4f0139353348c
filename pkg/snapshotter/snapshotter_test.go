package snapshotter

import (
	"context"
	"testing"
	"time"
)

func TestReportClientErrorTriggersOverload(t *testing.T) {
	s := New(Config{
		ClientErrorWindow:   time.Minute,
		MaxClientErrorRatio: 0.3,
	})

	for i := 0; i < 5; i++ {
		s.ReportClientSuccess()
	}
	if s.isClientOverloaded(time.Now()) {
		t.Fatal("expected not overloaded with only successes")
	}

	for i := 0; i < 10; i++ {
		s.ReportClientError(nil)
	}
	if !s.isClientOverloaded(time.Now()) {
		t.Fatal("expected overloaded after majority errors")
	}
}

func TestClientWindowTrimsOldEntries(t *testing.T) {
	s := New(Config{
		ClientErrorWindow:   50 * time.Millisecond,
		MaxClientErrorRatio: 0.3,
	})

	for i := 0; i < 10; i++ {
		s.ReportClientError(nil)
	}
	time.Sleep(100 * time.Millisecond)

	if s.isClientOverloaded(time.Now()) {
		t.Fatal("expected old errors to fall out of the window")
	}
}

func TestRingRetainsOnlyWindowDuration(t *testing.T) {
	r := newRing(30 * time.Millisecond)
	now := time.Now()

	r.push(Sample{Timestamp: now.Add(-100 * time.Millisecond)})
	r.push(Sample{Timestamp: now})

	samples := r.snapshot()
	if len(samples) != 1 {
		t.Fatalf("expected ring to drop stale sample, got %d samples", len(samples))
	}
}

func TestStartStopSampling(t *testing.T) {
	s := New(Config{
		CPUCadence:          10 * time.Millisecond,
		MemCadence:          10 * time.Millisecond,
		CPUWindow:           time.Second,
		MemWindow:           time.Second,
		MaxUsedCPURatio:     0.95,
		MaxUsedMemoryRatio:  0.9,
		MaxBlockedMillis:    1000,
		ClientErrorWindow:   time.Minute,
		MaxClientErrorRatio: 0.5,
	})

	s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	if len(s.Snapshot()) == 0 {
		t.Fatal("expected at least one sample after running the sampler")
	}
}
