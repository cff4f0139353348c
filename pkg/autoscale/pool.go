// Package autoscale implements a feedback-driven concurrency
// controller: it runs user tasks in parallel, adjusts desired
// concurrency from system-status feedback, and enforces an optional
// rate limit.
package autoscale

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// State is the pool's lifecycle state.
type State int

const (
	StateCreated State = iota
	StateRunning
	StatePaused
	StateStopping
	StateStopped
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// SystemStatus is the minimal view of pkg/sysstatus that the pool
// needs, kept as an interface so it can be stubbed in tests.
type SystemStatus interface {
	IsOkNow() bool
	IsOkHistorically() bool
}

// Config controls the scaling algorithm, task loop cadence, and rate
// limit.
type Config struct {
	MinConcurrency int
	MaxConcurrency int

	// AutoscaleInterval is how often the scaling decision runs.
	AutoscaleInterval time.Duration
	// DesiredConcurrencyRatio is the current/desired saturation ratio
	// required before scaling up.
	DesiredConcurrencyRatio float64
	ScaleUpStepRatio        float64
	ScaleDownStepRatio      float64

	// MaybeRunInterval is the task-loop ticker period.
	MaybeRunInterval time.Duration

	// MaxTasksPerMinute, if > 0, rate-limits task starts.
	MaxTasksPerMinute int
}

// DefaultConfig returns the default scaling parameters.
func DefaultConfig() Config {
	return Config{
		MinConcurrency:          1,
		MaxConcurrency:          200,
		AutoscaleInterval:       10 * time.Second,
		DesiredConcurrencyRatio: 0.95,
		ScaleUpStepRatio:        0.05,
		ScaleDownStepRatio:      0.05,
		MaybeRunInterval:        500 * time.Millisecond,
	}
}

// RunTaskFunc runs a single unit of work. An error is treated as
// fatal to the whole pool.
type RunTaskFunc func(ctx context.Context) error

// Pool is a feedback-driven concurrency controller.
type Pool struct {
	cfg    Config
	status SystemStatus

	isTaskReady  func() bool
	isFinished   func() bool
	runTask      RunTaskFunc

	mu                 sync.Mutex
	state              State
	desiredConcurrency int
	currentConcurrency int

	limiter *rate.Limiter

	pauseDeadline time.Time
	wakeCh        chan struct{}
	taskDoneCh    chan struct{}

	cancelTasks context.CancelFunc
	tasksCtx    context.Context

	firstFatalErr       error
	onTaskStarted       func()
	onConcurrencyChange func(desired, current int)
}

// NewPool constructs a Pool in the CREATED state.
func NewPool(cfg Config, status SystemStatus, isTaskReady, isFinished func() bool, runTask RunTaskFunc) *Pool {
	var limiter *rate.Limiter
	if cfg.MaxTasksPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.MaxTasksPerMinute)/60.0), cfg.MaxTasksPerMinute)
	}

	tasksCtx, cancel := context.WithCancel(context.Background())

	return &Pool{
		cfg:                cfg,
		status:             status,
		isTaskReady:        isTaskReady,
		isFinished:         isFinished,
		runTask:            runTask,
		state:              StateCreated,
		desiredConcurrency: cfg.MinConcurrency,
		limiter:            limiter,
		wakeCh:             make(chan struct{}, 1),
		taskDoneCh:         make(chan struct{}, 1),
		tasksCtx:           tasksCtx,
		cancelTasks:        cancel,
	}
}

// OnTaskStarted registers a callback invoked whenever a task starts,
// used by pkg/metrics to count autoscale_task_starts_total without the
// pool importing the metrics package.
func (p *Pool) OnTaskStarted(fn func()) {
	p.mu.Lock()
	p.onTaskStarted = fn
	p.mu.Unlock()
}

// OnConcurrencyChange registers a callback invoked whenever desired or
// current concurrency changes, used by pkg/metrics to keep its
// autoscaler gauges current without this package importing the
// metrics types.
func (p *Pool) OnConcurrencyChange(fn func(desired, current int)) {
	p.mu.Lock()
	p.onConcurrencyChange = fn
	p.mu.Unlock()
}

func (p *Pool) notifyConcurrency() {
	p.mu.Lock()
	fn := p.onConcurrencyChange
	desired := p.desiredConcurrency
	current := p.currentConcurrency
	p.mu.Unlock()
	if fn != nil {
		fn(desired, current)
	}
}

// DesiredConcurrency returns the current desired concurrency.
func (p *Pool) DesiredConcurrency() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.desiredConcurrency
}

// CurrentConcurrency returns the number of in-flight tasks.
func (p *Pool) CurrentConcurrency() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentConcurrency
}

// State returns the pool's current lifecycle state.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ErrAborted is returned by Run when the pool was aborted.
var ErrAborted = errors.New("autoscale: pool aborted")

// Run drives tasks until isFinishedFunction returns true or Abort is
// called. It blocks the calling goroutine.
func (p *Pool) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateCreated {
		p.mu.Unlock()
		return errors.New("autoscale: pool already run")
	}
	p.state = StateRunning
	p.mu.Unlock()

	scaleTicker := time.NewTicker(p.cfg.AutoscaleInterval)
	defer scaleTicker.Stop()
	runTicker := time.NewTicker(p.cfg.MaybeRunInterval)
	defer runTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.cancelTasks()
			return ctx.Err()

		case <-scaleTicker.C:
			p.scale()
			p.notifyConcurrency()

		case <-runTicker.C:
			p.maybeStartTasks()
			if done, err := p.checkDone(); done {
				return err
			}

		case <-p.taskDoneCh:
			if done, err := p.checkDone(); done {
				return err
			}
			select {
			case p.wakeCh <- struct{}{}:
			default:
			}

		case <-p.wakeCh:
			p.maybeStartTasks()
			if done, err := p.checkDone(); done {
				return err
			}
		}
	}
}

func (p *Pool) checkDone() (bool, error) {
	p.mu.Lock()
	state := p.state
	current := p.currentConcurrency
	fatal := p.firstFatalErr
	p.mu.Unlock()

	if state == StateAborted {
		return true, ErrAborted
	}
	if fatal != nil && current == 0 {
		return true, fatal
	}
	if current == 0 && p.isFinished() {
		p.mu.Lock()
		p.state = StateStopping
		p.mu.Unlock()
		p.cancelTasks()
		p.mu.Lock()
		p.state = StateStopped
		p.mu.Unlock()
		return true, nil
	}
	return false, nil
}

// scale runs one scaling-decision tick.
func (p *Pool) scale() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateRunning {
		return
	}

	okHistorically := p.status == nil || p.status.IsOkHistorically()
	okNow := p.status == nil || p.status.IsOkNow()

	saturated := float64(p.currentConcurrency)/float64(p.desiredConcurrency) >= p.cfg.DesiredConcurrencyRatio

	switch {
	case okHistorically && saturated:
		step := int(math.Ceil(float64(p.desiredConcurrency) * p.cfg.ScaleUpStepRatio))
		if step < 1 {
			step = 1
		}
		p.desiredConcurrency = min(p.desiredConcurrency+step, p.cfg.MaxConcurrency)
	case !okNow:
		step := int(math.Ceil(float64(p.desiredConcurrency) * p.cfg.ScaleDownStepRatio))
		if step < 1 {
			step = 1
		}
		p.desiredConcurrency = max(p.desiredConcurrency-step, p.cfg.MinConcurrency)
	}
}

// maybeStartTasks starts new tasks until currentConcurrency reaches
// desiredConcurrency or isTaskReadyFunction returns false.
func (p *Pool) maybeStartTasks() {
	for {
		p.mu.Lock()
		if p.state != StateRunning {
			p.mu.Unlock()
			return
		}
		if p.currentConcurrency >= p.desiredConcurrency {
			p.mu.Unlock()
			return
		}
		if !p.isTaskReady() {
			p.mu.Unlock()
			return
		}
		if p.limiter != nil && !p.limiter.Allow() {
			p.mu.Unlock()
			return
		}

		p.currentConcurrency++
		onStarted := p.onTaskStarted
		tasksCtx := p.tasksCtx
		p.mu.Unlock()

		if onStarted != nil {
			onStarted()
		}
		p.notifyConcurrency()

		go p.runOneTask(tasksCtx)
	}
}

func (p *Pool) runOneTask(ctx context.Context) {
	err := p.runTask(ctx)

	p.mu.Lock()
	p.currentConcurrency--
	if err != nil && p.firstFatalErr == nil {
		p.firstFatalErr = err
		p.cancelTasks()
	}
	p.mu.Unlock()
	p.notifyConcurrency()

	select {
	case p.taskDoneCh <- struct{}{}:
	default:
	}
}

// Pause stops starting new tasks and waits up to timeout for in-flight
// tasks to finish.
func (p *Pool) Pause(timeout time.Duration) error {
	p.mu.Lock()
	if p.state != StateRunning {
		p.mu.Unlock()
		return nil
	}
	p.state = StatePaused
	p.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if p.CurrentConcurrency() == 0 {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	if p.CurrentConcurrency() == 0 {
		return nil
	}
	return errors.New("autoscale: pause timed out with tasks in flight")
}

// Resume undoes Pause.
func (p *Pool) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StatePaused {
		p.state = StateRunning
		select {
		case p.wakeCh <- struct{}{}:
		default:
		}
	}
}

// Abort stops the pool immediately without waiting for in-flight
// tasks; they receive a cancellation signal.
func (p *Pool) Abort() {
	p.mu.Lock()
	p.state = StateAborted
	p.mu.Unlock()
	p.cancelTasks()
	select {
	case p.taskDoneCh <- struct{}{}:
	default:
	}
}
