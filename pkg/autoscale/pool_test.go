package autoscale

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type stubStatus struct {
	okNow          bool
	okHistorically bool
}

func (s stubStatus) IsOkNow() bool          { return s.okNow }
func (s stubStatus) IsOkHistorically() bool { return s.okHistorically }

func TestScaleUpWhenSaturatedAndHealthy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinConcurrency = 1
	cfg.MaxConcurrency = 100

	p := NewPool(cfg, stubStatus{okNow: true, okHistorically: true}, func() bool { return true }, func() bool { return false }, func(ctx context.Context) error { return nil })
	p.desiredConcurrency = 10
	p.currentConcurrency = 10

	p.scale()

	if got := p.DesiredConcurrency(); got <= 10 {
		t.Errorf("expected desired concurrency to increase from 10, got %d", got)
	}
}

func TestScaleDownWhenNotOk(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinConcurrency = 1

	p := NewPool(cfg, stubStatus{okNow: false, okHistorically: false}, func() bool { return true }, func() bool { return false }, func(ctx context.Context) error { return nil })
	p.desiredConcurrency = 10
	p.currentConcurrency = 2

	p.scale()

	if got := p.DesiredConcurrency(); got >= 10 {
		t.Errorf("expected desired concurrency to decrease from 10, got %d", got)
	}
}

func TestScaleDownNeverBelowMin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinConcurrency = 5

	p := NewPool(cfg, stubStatus{okNow: false, okHistorically: false}, func() bool { return true }, func() bool { return false }, func(ctx context.Context) error { return nil })
	p.desiredConcurrency = 5

	for i := 0; i < 5; i++ {
		p.scale()
	}

	if got := p.DesiredConcurrency(); got < cfg.MinConcurrency {
		t.Errorf("expected desired concurrency to stay >= min %d, got %d", cfg.MinConcurrency, got)
	}
}

func TestRunCompletesWhenFinished(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaybeRunInterval = 5 * time.Millisecond
	cfg.AutoscaleInterval = time.Hour

	var started int32
	var finished int32

	p := NewPool(cfg, nil,
		func() bool { return atomic.LoadInt32(&finished) == 0 },
		func() bool { return atomic.LoadInt32(&finished) == 1 },
		func(ctx context.Context) error {
			atomic.AddInt32(&started, 1)
			atomic.StoreInt32(&finished, 1)
			return nil
		},
	)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := p.Run(ctx); err != nil {
		t.Fatalf("expected Run to finish cleanly, got %v", err)
	}
	if atomic.LoadInt32(&started) == 0 {
		t.Error("expected at least one task to have started")
	}
}

func TestRunPropagatesFatalError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaybeRunInterval = 5 * time.Millisecond
	cfg.AutoscaleInterval = time.Hour
	cfg.MinConcurrency = 1

	wantErr := errors.New("boom")

	p := NewPool(cfg, nil,
		func() bool { return true },
		func() bool { return false },
		func(ctx context.Context) error { return wantErr },
	)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := p.Run(ctx)
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected fatal error %v, got %v", wantErr, err)
	}
}

func TestAbortStopsPool(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaybeRunInterval = 5 * time.Millisecond
	cfg.AutoscaleInterval = time.Hour

	block := make(chan struct{})
	p := NewPool(cfg, nil,
		func() bool { return true },
		func() bool { return false },
		func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	)

	go func() {
		time.Sleep(20 * time.Millisecond)
		p.Abort()
		close(block)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := p.Run(ctx)
	<-block
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
}
