package browserpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func newTestPool(cfg Config) *ChromePool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &ChromePool{
		cfg:       cfg,
		instances: make(map[string]*instance),
		ctx:       ctx,
		cancel:    cancel,
	}
	return p
}

func fakeInstance(id string, state State, activePages int) *instance {
	ctx, cancel := context.WithCancel(context.Background())
	in := &instance{
		id:            id,
		state:         int32(state),
		launchedAt:    time.Now(),
		browserCtx:    ctx,
		browserCancel: cancel,
		allocCtx:      ctx,
		allocCancel:   cancel,
	}
	in.activePages = int32(activePages)
	atomic.StoreInt64(&in.lastPageOpenedAt, time.Now().UnixNano())
	return in
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateLaunching: "LAUNCHING",
		StateActive:    "ACTIVE",
		StateRetired:   "RETIRED",
		StateKilled:    "KILLED",
		State(99):      "UNKNOWN",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestAcquireInstancePrefersActiveWithCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxOpenPagesPerInstance = 3
	p := newTestPool(cfg)

	in := fakeInstance("existing", StateActive, 1)
	p.instances["existing"] = in

	got, err := p.acquireInstance(PageOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.id != "existing" {
		t.Errorf("expected the existing instance to be reused, got %s", got.id)
	}
}

func TestAcquireInstanceAtCapacityErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxInstances = 1
	cfg.MaxOpenPagesPerInstance = 1
	p := newTestPool(cfg)

	p.instances["full"] = fakeInstance("full", StateActive, 1)

	if _, err := p.acquireInstance(PageOptions{}); err == nil {
		t.Error("expected an error when every instance is at capacity and MaxInstances is reached")
	}
}

func TestRetireIsMonotonic(t *testing.T) {
	cfg := DefaultConfig()
	p := newTestPool(cfg)

	in := fakeInstance("a", StateActive, 0)
	p.instances["a"] = in

	p.Retire("a")
	if in.State() != StateRetired {
		t.Fatalf("expected RETIRED after Retire, got %s", in.State())
	}

	in.setState(StateKilled)
	p.Retire("a")
	if in.State() != StateKilled {
		t.Errorf("Retire must not move a KILLED instance backward, got %s", in.State())
	}
}

func TestRecyclePageClosesWhenReuseDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReusePages = false
	p := newTestPool(cfg)

	in := fakeInstance("a", StateActive, 1)
	p.instances["a"] = in

	pg := &chromePage{ctx: in.browserCtx, cancel: func() {}, instanceID: "a"}
	p.RecyclePage(pg)

	if in.ActivePages() != 0 {
		t.Errorf("expected activePages to drop to 0, got %d", in.ActivePages())
	}
}

func TestRecyclePageParksOnIdleListWhenReuseEnabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReusePages = true
	p := newTestPool(cfg)

	in := fakeInstance("a", StateActive, 1)
	p.instances["a"] = in

	ctx, cancel := context.WithCancel(context.Background())
	pg := &chromePage{ctx: ctx, cancel: cancel, instanceID: "a"}
	p.RecyclePage(pg)

	if in.ActivePages() != 0 {
		t.Errorf("expected activePages to drop to 0, got %d", in.ActivePages())
	}
	got, ok := p.takeIdlePage(in)
	if !ok {
		t.Fatal("expected the recycled page to be available for reuse")
	}
	if got.instanceID != "a" {
		t.Errorf("expected the reused page to belong to instance a, got %s", got.instanceID)
	}
}

func TestMaintenanceLoopKillsSettledRetiredInstance(t *testing.T) {
	cfg := DefaultConfig()
	ctx, cancel := context.WithCancel(context.Background())
	p := &ChromePool{
		cfg:       cfg,
		instances: make(map[string]*instance),
		ctx:       ctx,
		cancel:    cancel,
	}

	in := fakeInstance("retiring", StateRetired, 0)
	p.instances["retiring"] = in

	p.wg.Add(1)
	go p.maintenanceLoop()
	defer func() {
		p.cancel()
		p.wg.Wait()
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := p.Instances()["retiring"]; !ok {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Error("expected the retired, settled instance to be killed by the maintenance loop")
}

func TestMaintenanceLoopKillsStaleActiveInstance(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KillInstanceAfterMillis = 200
	ctx, cancel := context.WithCancel(context.Background())
	p := &ChromePool{
		cfg:       cfg,
		instances: make(map[string]*instance),
		ctx:       ctx,
		cancel:    cancel,
	}

	in := fakeInstance("stale", StateActive, 0)
	atomic.StoreInt64(&in.lastPageOpenedAt, time.Now().Add(-time.Second).UnixNano())
	p.instances["stale"] = in

	p.wg.Add(1)
	go p.maintenanceLoop()
	defer func() {
		p.cancel()
		p.wg.Wait()
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := p.Instances()["stale"]; !ok {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Error("expected the stale active instance to be killed by the maintenance loop")
}

func TestNewPageReturnsErrorAtCapacityWithoutLaunching(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxInstances = 1
	cfg.MaxOpenPagesPerInstance = 1
	p := newTestPool(cfg)
	p.instances["full"] = fakeInstance("full", StateActive, 1)

	if _, err := p.NewPage(context.Background(), PageOptions{}); err == nil {
		t.Error("expected NewPage to fail instead of launching beyond MaxInstances")
	}
}
