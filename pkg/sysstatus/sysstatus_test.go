package sysstatus

import (
	"testing"
	"time"

	"crawlcore/pkg/snapshotter"
)

type stubSnapshots struct {
	samples []snapshotter.Sample
}

func (s stubSnapshots) Snapshot() []snapshotter.Sample {
	return s.samples
}

func TestIsOkNowBelowThreshold(t *testing.T) {
	now := time.Now()
	src := stubSnapshots{samples: []snapshotter.Sample{
		{Timestamp: now, AnyOverloaded: false},
		{Timestamp: now, AnyOverloaded: false},
		{Timestamp: now, AnyOverloaded: true},
	}}

	status := New(DefaultConfig(), src)
	if !status.IsOkNow() {
		t.Fatal("expected OK with 1/3 overloaded samples under default 0.4 threshold")
	}
}

func TestIsOkNowAboveThreshold(t *testing.T) {
	now := time.Now()
	src := stubSnapshots{samples: []snapshotter.Sample{
		{Timestamp: now, AnyOverloaded: true},
		{Timestamp: now, AnyOverloaded: true},
		{Timestamp: now, AnyOverloaded: false},
	}}

	status := New(DefaultConfig(), src)
	if status.IsOkNow() {
		t.Fatal("expected not OK with 2/3 overloaded samples under default 0.4 threshold")
	}
}

func TestIsOkNowIgnoresStaleSamples(t *testing.T) {
	stale := time.Now().Add(-time.Hour)
	src := stubSnapshots{samples: []snapshotter.Sample{
		{Timestamp: stale, AnyOverloaded: true},
		{Timestamp: stale, AnyOverloaded: true},
	}}

	status := New(DefaultConfig(), src)
	if !status.IsOkNow() {
		t.Fatal("expected OK when all overloaded samples fall outside the short window")
	}
}

func TestIsOkHistoricallyUsesFullWindow(t *testing.T) {
	stale := time.Now().Add(-time.Hour)
	src := stubSnapshots{samples: []snapshotter.Sample{
		{Timestamp: stale, AnyOverloaded: true},
		{Timestamp: stale, AnyOverloaded: true},
		{Timestamp: stale, AnyOverloaded: false},
	}}

	status := New(DefaultConfig(), src)
	if status.IsOkHistorically() {
		t.Fatal("expected not OK historically with 2/3 overloaded samples")
	}
}

func TestEmptyWindowIsOk(t *testing.T) {
	status := New(DefaultConfig(), stubSnapshots{})
	if !status.IsOkNow() {
		t.Fatal("expected OK with no samples")
	}
}
