// Package engine composes the frontier, the autoscaled pool, the
// browser pool, and the session pool into the crawler core: the
// one concrete construct everything else plugs into, generalizing a
// single colly.Collector driving a whole crawl into a backend-agnostic
// fetch/handle/retry loop over pkg/autoscale.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"crawlcore/internal/eventbus"
	"crawlcore/pkg/autoscale"
	"crawlcore/pkg/browserpool"
	"crawlcore/pkg/frontier"
	"crawlcore/pkg/logger"
	"crawlcore/pkg/metrics"
	"crawlcore/pkg/sessionpool"
)

// TaskContext is handed to the request and failed-request handlers.
// Page and Session are nil unless a BrowserBackend/SessionPool was
// supplied at construction and acquiring one for this task succeeded.
type TaskContext struct {
	Request *frontier.Request
	Page    browserpool.Page
	Session *sessionpool.Session
}

// HandleRequestFunc processes one request. An error (or panic,
// recovered by the engine) is treated as a failed attempt subject to
// retry per maxRequestRetries.
type HandleRequestFunc func(ctx context.Context, tc *TaskContext) error

// HandleFailedRequestFunc is invoked once a request has exhausted its
// retries (or is marked NoRetry). It is awaited before the task
// resolves; any error it returns is logged, not propagated to Run.
type HandleFailedRequestFunc func(ctx context.Context, tc *TaskContext, cause error) error

// Config controls retry/migration behavior. Pool carries the
// autoscale knobs (concurrency bounds, scaling ratios, rate limit).
type Config struct {
	MaxRequestRetries    int
	MaxRequestsPerCrawl  int64 // 0 means unbounded
	MigrationGracePeriod time.Duration
	Pool                 autoscale.Config
}

// DefaultConfig returns conservative defaults: 3 retries, no crawl cap, a
// 20s migration grace period, and the autoscale package's defaults.
func DefaultConfig() Config {
	return Config{
		MaxRequestRetries:    3,
		MigrationGracePeriod: 20 * time.Second,
		Pool:                 autoscale.DefaultConfig(),
	}
}

// Options supplies the Engine's collaborators. Queue is required; at
// least one of List or Queue must have requests seeded into it by the
// caller. BrowserBackend and Sessions are optional - a handler that
// never asks for a page or session can run over a bare Engine.
type Options struct {
	List    *frontier.RequestList // optional
	Queue   frontier.RequestQueue // required

	HandleRequest       HandleRequestFunc // required
	HandleFailedRequest HandleFailedRequestFunc // optional; defaults to logging

	BrowserBackend browserpool.BrowserBackend // optional
	Sessions       *sessionpool.Pool          // optional

	Status        autoscale.SystemStatus // optional
	Bus           *eventbus.Bus          // optional
	Hooks         *metrics.EngineHooks   // optional
	FrontierHooks *metrics.FrontierHooks // optional
	Log           *logger.Logger         // optional
}

// Engine is the crawler core: it drives an autoscale.Pool whose tasks
// each fetch one request from the frontier, hand it to the caller's
// handler, and resolve it to success, retry, or final failure.
type Engine struct {
	cfg  Config
	opts Options

	handledCount int64

	runCtx context.Context
	pool   *autoscale.Pool

	unsubMigrating func()
}

// New validates and constructs an Engine. It does not start anything;
// call Run to drive the crawl.
func New(cfg Config, opts Options) (*Engine, error) {
	if opts.Queue == nil {
		return nil, errors.New("engine: a RequestQueue is required")
	}
	if opts.HandleRequest == nil {
		return nil, errors.New("engine: a HandleRequestFunc is required")
	}
	if cfg.MaxRequestRetries <= 0 {
		cfg.MaxRequestRetries = 3
	}
	if cfg.MigrationGracePeriod <= 0 {
		cfg.MigrationGracePeriod = 20 * time.Second
	}
	if opts.HandleFailedRequest == nil {
		opts.HandleFailedRequest = func(ctx context.Context, tc *TaskContext, cause error) error {
			if opts.Log != nil {
				opts.Log.Error("request failed permanently",
					zap.String("url", tc.Request.URL),
					zap.Strings("errorMessages", tc.Request.ErrorMessages),
					zap.Error(cause))
			}
			return nil
		}
	}

	return &Engine{cfg: cfg, opts: opts}, nil
}

// HandledCount returns the number of requests marked handled so far.
func (e *Engine) HandledCount() int64 {
	return atomic.LoadInt64(&e.handledCount)
}

// Pool returns the autoscale.Pool driving this crawl, or nil before
// Run has been called. Exposed so an admin/observability surface can
// read State/DesiredConcurrency/CurrentConcurrency while the crawl
// runs.
func (e *Engine) Pool() *autoscale.Pool {
	return e.pool
}

// Run drives the crawl to completion: it builds an autoscale.Pool
// over runOneRequest and blocks until the frontier is exhausted, a
// frontier bookkeeping call fails (handler errors are retried or
// routed to HandleFailedRequest, never fatal), or ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	e.runCtx = ctx

	if handled, err := e.opts.Queue.HandledCount(ctx); err == nil {
		atomic.StoreInt64(&e.handledCount, int64(handled))
	}

	e.pool = autoscale.NewPool(e.cfg.Pool, e.opts.Status, e.isTaskReady, e.isFinished, e.runOneRequest)
	if e.opts.Hooks != nil {
		e.pool.OnConcurrencyChange(e.opts.Hooks.OnConcurrencyChange)
	}

	if e.opts.Bus != nil {
		ch, unsub := e.opts.Bus.Subscribe(eventbus.Migrating)
		e.unsubMigrating = unsub
		go e.watchMigration(ctx, ch)
	}
	defer func() {
		if e.unsubMigrating != nil {
			e.unsubMigrating()
		}
	}()

	return e.pool.Run(ctx)
}

// isTaskReady and isFinished are handed to autoscale.NewPool, which
// calls them with no arguments; the engine's running context is
// captured via e.runCtx, set once before Run starts the pool.
func (e *Engine) isTaskReady() bool {
	if e.cfg.MaxRequestsPerCrawl > 0 && atomic.LoadInt64(&e.handledCount) >= e.cfg.MaxRequestsPerCrawl {
		return false
	}
	return !e.frontierIsEmpty()
}

func (e *Engine) isFinished() bool {
	if e.cfg.MaxRequestsPerCrawl > 0 && atomic.LoadInt64(&e.handledCount) >= e.cfg.MaxRequestsPerCrawl {
		return true
	}
	return e.frontierIsFinished()
}

func (e *Engine) frontierIsEmpty() bool {
	if e.opts.List != nil && !e.opts.List.IsEmpty() {
		return false
	}
	empty, err := e.opts.Queue.IsEmpty(e.runCtx)
	if err != nil {
		// Treat a bookkeeping error as "not empty" so the pool keeps
		// trying rather than declaring victory on a transient fault.
		return false
	}
	return empty
}

func (e *Engine) frontierIsFinished() bool {
	if e.opts.List != nil && !e.opts.List.IsFinished() {
		return false
	}
	finished, err := e.opts.Queue.IsFinished(e.runCtx)
	if err != nil {
		return false
	}
	return finished
}

// fetchNext implements the List-then-Queue forefront unification: once
// a request crosses from the List into the Queue, all further retries
// live at the Queue level. The List's in-progress entry for it is only
// ever cleared once, at final resolution.
func (e *Engine) fetchNext(ctx context.Context) (*frontier.Request, error) {
	if e.opts.List != nil {
		if req := e.opts.List.FetchNextRequest(); req != nil {
			_, _, alreadyHandled, err := e.opts.Queue.AddRequest(ctx, req, true)
			if err != nil {
				e.opts.List.ReclaimRequest(req)
				return nil, nil
			}
			if alreadyHandled {
				e.opts.List.MarkRequestHandled(req)
			}
			// The forefront add put req at the head of pending; it is
			// fetched through the Queue below so the Queue tracks it as
			// in-progress for MarkRequestHandled/ReclaimRequest.
		}
	}

	req, err := e.opts.Queue.FetchNextRequest(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: fetch next request: %w", err)
	}
	return req, nil
}

// runOneRequest is the autoscale.RunTaskFunc: it fetches one request,
// acquires optional session/page resources, invokes the handler, and
// resolves the request to handled, retried, or permanently failed.
func (e *Engine) runOneRequest(ctx context.Context) error {
	req, err := e.fetchNext(ctx)
	if err != nil {
		return err
	}
	if req == nil {
		return nil
	}

	tc := &TaskContext{Request: req}

	var session *sessionpool.Session
	if e.opts.Sessions != nil {
		session, err = e.opts.Sessions.GetSession(ctx)
		if err == nil {
			tc.Session = session
		}
	}

	var page browserpool.Page
	if e.opts.BrowserBackend != nil {
		pageOpts := browserpool.PageOptions{}
		if session != nil {
			pageOpts.SessionID = session.ID
			pageOpts.ProxyKey = session.ProxyKey
		}
		page, err = e.opts.BrowserBackend.NewPage(ctx, pageOpts)
		if err == nil {
			tc.Page = page
		}
	}

	var timer *metrics.Timer
	if e.opts.Hooks != nil {
		e.opts.Hooks.OnTaskStart()
		timer = e.opts.Hooks.StartTimer()
	}

	handleErr := e.invokeHandler(ctx, tc)

	var elapsed time.Duration
	if timer != nil {
		elapsed = timer.Stop()
	}

	if page != nil {
		if handleErr == nil {
			e.opts.BrowserBackend.RecyclePage(page)
		} else {
			page.Close()
		}
	}
	if session != nil {
		if handleErr == nil {
			e.opts.Sessions.MarkGood(session.ID)
		} else {
			e.opts.Sessions.MarkBad(session.ID)
		}
	}

	if handleErr == nil {
		return e.resolveSuccess(ctx, req, elapsed)
	}
	return e.resolveFailure(ctx, tc, handleErr)
}

// invokeHandler races the handler against ctx cancellation, recovering
// a panic as a regular error.
func (e *Engine) invokeHandler(ctx context.Context, tc *TaskContext) (err error) {
	done := make(chan struct{})
	go func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("engine: handler panicked: %v", r)
			}
			close(done)
		}()
		err = e.opts.HandleRequest(ctx, tc)
	}()

	select {
	case <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) resolveSuccess(ctx context.Context, req *frontier.Request, elapsed time.Duration) error {
	if err := e.opts.Queue.MarkRequestHandled(ctx, req); err != nil {
		return fmt.Errorf("engine: mark request handled: %w", err)
	}
	if e.opts.List != nil {
		e.opts.List.MarkRequestHandled(req)
	}
	atomic.AddInt64(&e.handledCount, 1)
	if e.opts.Hooks != nil {
		e.opts.Hooks.OnRequestHandled(elapsed)
	}
	e.reportFrontierSizes()
	return nil
}

// queueSizer is implemented by frontier queues that track pending and
// in-progress counts in memory (LocalRequestQueue does; a remote queue
// backed by an HTTP API does not), so the size report below is
// best-effort and silently skipped when the queue doesn't support it.
type queueSizer interface {
	PendingCount() int
	InProgressCount() int
}

func (e *Engine) reportFrontierSizes() {
	if e.opts.FrontierHooks == nil {
		return
	}
	sizer, ok := e.opts.Queue.(queueSizer)
	if !ok {
		return
	}
	e.opts.FrontierHooks.OnQueueSizeChange(
		int64(sizer.PendingCount()),
		int64(sizer.InProgressCount()),
		atomic.LoadInt64(&e.handledCount))
}

func (e *Engine) resolveFailure(ctx context.Context, tc *TaskContext, cause error) error {
	req := tc.Request

	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return e.reclaimAborted(req)
	}

	req.ErrorMessages = append(req.ErrorMessages, cause.Error())

	if !req.NoRetry && req.RetryCount < e.cfg.MaxRequestRetries {
		req.RetryCount++
		if e.opts.Hooks != nil {
			e.opts.Hooks.OnRequestRetried()
		}
		if err := e.opts.Queue.ReclaimRequest(ctx, req, true); err != nil {
			return fmt.Errorf("engine: reclaim request: %w", err)
		}
		e.reportFrontierSizes()
		return nil
	}

	if err := e.opts.Queue.MarkRequestHandled(ctx, req); err != nil {
		return fmt.Errorf("engine: mark request handled after failure: %w", err)
	}
	if e.opts.List != nil {
		e.opts.List.MarkRequestHandled(req)
	}
	atomic.AddInt64(&e.handledCount, 1)
	if e.opts.Hooks != nil {
		e.opts.Hooks.OnRequestFailed()
	}
	e.reportFrontierSizes()

	if err := e.opts.HandleFailedRequest(ctx, tc, cause); err != nil && e.opts.Log != nil {
		e.opts.Log.Error("failed-request handler returned an error",
			zap.String("url", req.URL), zap.Error(err))
	}
	return nil
}

// reclaimAborted returns req to the queue's forefront untouched: an
// abort-induced cancellation is not a handler failure, so neither
// RetryCount nor ErrorMessages is updated and HandleFailedRequest is
// never invoked. It reclaims against a fresh background context, since
// the run context that triggered the cancellation is itself done and
// would fail a remote-queue round trip immediately.
func (e *Engine) reclaimAborted(req *frontier.Request) error {
	reclaimCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.opts.Queue.ReclaimRequest(reclaimCtx, req, true); err != nil {
		return fmt.Errorf("engine: reclaim aborted request: %w", err)
	}
	return nil
}

// watchMigration pauses the pool for up to MigrationGracePeriod on
// each "migrating" event, persists the RequestList, and resumes - or
// logs and proceeds if the grace period expires first.
func (e *Engine) watchMigration(ctx context.Context, ch <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			e.handleMigration(ctx)
		}
	}
}

func (e *Engine) handleMigration(ctx context.Context) {
	if err := e.pool.Pause(e.cfg.MigrationGracePeriod); err != nil && e.opts.Log != nil {
		e.opts.Log.Warn("migration grace period expired with tasks still in flight", zap.Error(err))
	}

	if e.opts.List != nil {
		persistCtx, cancel := context.WithTimeout(ctx, e.cfg.MigrationGracePeriod)
		defer cancel()
		if err := e.opts.List.PersistState(persistCtx); err != nil && e.opts.Log != nil {
			e.opts.Log.Error("failed to persist request list during migration", zap.Error(err))
		}
	}

	e.pool.Resume()
}
