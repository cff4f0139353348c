// Package snapshotter samples CPU load, memory, event-loop lag, and
// downstream client error rate into rolling windows, so the autoscaled
// pool (pkg/autoscale) can classify the system as OK or overloaded.
package snapshotter

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// Config controls sampling cadence, window durations, and overload
// thresholds.
type Config struct {
	// CPUCadence is how often CPU/event-loop samples are taken.
	CPUCadence time.Duration
	// MemCadence is how often memory samples are taken.
	MemCadence time.Duration
	// CPUWindow and MemWindow bound sample retention: the ring keeps
	// every sample for the larger of the two.
	CPUWindow time.Duration
	// MemWindow is the second retention bound (see CPUWindow).
	MemWindow time.Duration

	MaxUsedCPURatio    float64
	MaxUsedMemoryRatio float64
	MaxBlockedMillis   int64

	// ClientErrorWindow is the rolling window over which the
	// downstream client error rate is computed.
	ClientErrorWindow time.Duration
	// MaxClientErrorRatio is the error-rate threshold above which the
	// client dimension is considered overloaded.
	MaxClientErrorRatio float64
}

// DefaultConfig returns the default sampling configuration.
func DefaultConfig() Config {
	return Config{
		CPUCadence:          500 * time.Millisecond,
		MemCadence:          time.Second,
		CPUWindow:           60 * time.Second,
		MemWindow:           30 * time.Second,
		MaxUsedCPURatio:     0.95,
		MaxUsedMemoryRatio:  0.90,
		MaxBlockedMillis:    50,
		ClientErrorWindow:   60 * time.Second,
		MaxClientErrorRatio: 0.3,
	}
}

// Sample is one point-in-time observation across all dimensions.
type Sample struct {
	Timestamp               time.Time
	CPUOverloaded           bool
	MemCurrentBytes         uint64
	MemMaxBytes             uint64
	EventLoopOverloadedRatio float64
	ClientOverloaded        bool
	AnyOverloaded           bool
}

type ring struct {
	mu      sync.RWMutex
	samples []Sample
	window  time.Duration
}

func newRing(window time.Duration) *ring {
	return &ring{samples: make([]Sample, 0, 256), window: window}
}

func (r *ring) push(s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, s)
	cutoff := s.Timestamp.Add(-r.window)
	idx := 0
	for i, e := range r.samples {
		if e.Timestamp.After(cutoff) {
			idx = i
			break
		}
	}
	r.samples = r.samples[idx:]
}

func (r *ring) snapshot() []Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Sample, len(r.samples))
	copy(out, r.samples)
	return out
}

// Snapshotter continuously samples system load into a rolling window.
// The sampler goroutine is the single writer; all readers query a
// consistent copy of the ring.
type Snapshotter struct {
	cfg Config

	ring *ring

	numCores int

	errMu       sync.Mutex
	clientErrs  []time.Time
	clientOK    []time.Time

	lastTick time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Snapshotter with the given configuration but does not
// start sampling; call Start to begin.
func New(cfg Config) *Snapshotter {
	return &Snapshotter{
		cfg:      cfg,
		ring:     newRing(maxDuration(cfg.CPUWindow, cfg.MemWindow)),
		numCores: runtime.NumCPU(),
	}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// Start begins the background sampling goroutines. Cancel ctx or call
// Stop to halt sampling.
func (s *Snapshotter) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.lastTick = time.Now()

	s.wg.Add(1)
	go s.sampleLoop(ctx)
}

// Stop halts the sampling goroutine and waits for it to exit.
func (s *Snapshotter) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Snapshotter) sampleLoop(ctx context.Context) {
	defer s.wg.Done()

	cpuTicker := time.NewTicker(s.cfg.CPUCadence)
	defer cpuTicker.Stop()
	memTicker := time.NewTicker(s.cfg.MemCadence)
	defer memTicker.Stop()

	var lastMem *mem.VirtualMemoryStat

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-cpuTicker.C:
			cpuOverloaded, loopRatio := s.sampleCPUAndLoop(now)
			s.record(now, cpuOverloaded, loopRatio, lastMem)
		case <-memTicker.C:
			if v, err := mem.VirtualMemory(); err == nil {
				lastMem = v
			}
		}
	}
}

func (s *Snapshotter) sampleCPUAndLoop(now time.Time) (cpuOverloaded bool, loopRatio float64) {
	intended := s.lastTick.Add(s.cfg.CPUCadence)
	blockedMillis := now.Sub(intended).Milliseconds()
	s.lastTick = now
	if blockedMillis < 0 {
		blockedMillis = 0
	}
	loopRatio = float64(blockedMillis) / float64(s.cfg.MaxBlockedMillis)

	avg, err := load.Avg()
	cpuOverloaded = false
	if err == nil {
		cpuOverloaded = avg.Load1 > s.cfg.MaxUsedCPURatio*float64(s.numCores)
	}
	return cpuOverloaded, loopRatio
}

func (s *Snapshotter) record(now time.Time, cpuOverloaded bool, loopRatio float64, lastMem *mem.VirtualMemoryStat) {
	memOverloaded := false
	var memUsed, memMax uint64
	if lastMem != nil {
		memUsed = lastMem.Used
		memMax = lastMem.Total
		if memMax > 0 {
			memOverloaded = float64(memUsed)/float64(memMax) > s.cfg.MaxUsedMemoryRatio
		}
	}

	loopOverloaded := loopRatio > 1.0
	clientOverloaded := s.isClientOverloaded(now)

	sample := Sample{
		Timestamp:                now,
		CPUOverloaded:            cpuOverloaded,
		MemCurrentBytes:          memUsed,
		MemMaxBytes:              memMax,
		EventLoopOverloadedRatio: loopRatio,
		ClientOverloaded:         clientOverloaded,
		AnyOverloaded:            cpuOverloaded || memOverloaded || loopOverloaded || clientOverloaded,
	}
	s.ring.push(sample)
}

// ReportClientError records a downstream request failure for the
// client-overload dimension.
func (s *Snapshotter) ReportClientError(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	now := time.Now()
	s.clientErrs = append(s.clientErrs, now)
	s.trimClientWindow(now)
}

// ReportClientSuccess records a downstream request success.
func (s *Snapshotter) ReportClientSuccess() {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	now := time.Now()
	s.clientOK = append(s.clientOK, now)
	s.trimClientWindow(now)
}

func (s *Snapshotter) trimClientWindow(now time.Time) {
	cutoff := now.Add(-s.cfg.ClientErrorWindow)
	s.clientErrs = trimBefore(s.clientErrs, cutoff)
	s.clientOK = trimBefore(s.clientOK, cutoff)
}

func trimBefore(times []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for i, t := range times {
		if t.After(cutoff) {
			idx = i
			break
		}
		idx = i + 1
	}
	return times[idx:]
}

func (s *Snapshotter) isClientOverloaded(now time.Time) bool {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	s.trimClientWindow(now)
	total := len(s.clientErrs) + len(s.clientOK)
	if total == 0 {
		return false
	}
	return float64(len(s.clientErrs))/float64(total) > s.cfg.MaxClientErrorRatio
}

// Snapshot returns a copy of the current ring contents, most recent
// last.
func (s *Snapshotter) Snapshot() []Sample {
	return s.ring.snapshot()
}
