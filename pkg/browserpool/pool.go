// Package browserpool manages a pool of long-lived headless browser
// instances through an explicit LAUNCHING/ACTIVE/RETIRED/KILLED
// lifecycle rather than an implicit in-use/idle binary.
package browserpool

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/chromedp"

	"crawlcore/pkg/proxy"
)

// State is a BrowserInstance's position in its lifecycle. Transitions
// are monotonic: an instance never leaves Killed.
type State int32

const (
	StateLaunching State = iota
	StateActive
	StateRetired
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateLaunching:
		return "LAUNCHING"
	case StateActive:
		return "ACTIVE"
	case StateRetired:
		return "RETIRED"
	case StateKilled:
		return "KILLED"
	default:
		return "UNKNOWN"
	}
}

// PageOptions parameterizes a NewPage call.
type PageOptions struct {
	SessionID        string
	ProxyKey         string
	PreferInstanceID string
}

// Page is one open browser tab.
type Page interface {
	Context() context.Context
	InstanceID() string
	Close()
}

// BrowserBackend is the capability the crawler core uses to open and
// release pages, letting a non-browser BasicBackend stand in for tests
// or cheerio-style crawls without a class hierarchy.
type BrowserBackend interface {
	NewPage(ctx context.Context, opts PageOptions) (Page, error)
	RecyclePage(page Page)
	Retire(instanceID string)
	Destroy(ctx context.Context) error
}

// Config tunes instance launch, retirement, and recycling.
type Config struct {
	MinInstances                    int
	MaxInstances                    int
	MaxOpenPagesPerInstance         int
	RetireInstanceAfterRequestCount int
	KillInstanceAfterMillis         int64
	ReusePages                      bool
	Headless                        bool
	DiskCacheBaseDir                string
	ProxyProvider                   proxy.ProxyProvider
}

// DefaultConfig returns sane defaults, including the retire/kill knobs
// that bound an instance's lifetime and request count.
func DefaultConfig() Config {
	return Config{
		MinInstances:                     1,
		MaxInstances:                     10,
		MaxOpenPagesPerInstance:          5,
		RetireInstanceAfterRequestCount:  100,
		KillInstanceAfterMillis:          5 * 60 * 1000,
		ReusePages:                       true,
		Headless:                         true,
		DiskCacheBaseDir:                 "",
	}
}

type chromePage struct {
	ctx        context.Context
	cancel     context.CancelFunc
	instanceID string
}

func (p *chromePage) Context() context.Context { return p.ctx }
func (p *chromePage) InstanceID() string        { return p.instanceID }
func (p *chromePage) Close()                    { p.cancel() }

// instance is one launched browser process.
type instance struct {
	id    string
	state int32 // atomic State

	activePages      int32 // atomic
	totalPages       int32 // atomic
	lastPageOpenedAt int64 // atomic, UnixNano

	launchedAt time.Time

	allocCtx    context.Context
	allocCancel context.CancelFunc
	browserCtx  context.Context
	browserCancel context.CancelFunc

	diskCacheDir   string
	boundSessionID string
	boundProxyKey  string

	mu        sync.Mutex
	idlePages []*chromePage
}

func (in *instance) State() State       { return State(atomic.LoadInt32(&in.state)) }
func (in *instance) setState(s State)   { atomic.StoreInt32(&in.state, int32(s)) }
func (in *instance) ActivePages() int   { return int(atomic.LoadInt32(&in.activePages)) }
func (in *instance) TotalPages() int    { return int(atomic.LoadInt32(&in.totalPages)) }
func (in *instance) lastOpened() time.Time {
	return time.Unix(0, atomic.LoadInt64(&in.lastPageOpenedAt))
}

// ChromePool is the chromedp/cdproto-backed BrowserBackend
// implementation. Rather than a single free list of idle browser
// processes, it tracks per-instance idle pages, since one instance now
// serves several concurrently-open tabs under the retire/kill state
// machine.
type ChromePool struct {
	cfg Config

	mu              sync.Mutex
	instances       map[string]*instance
	freeCacheDirs   []string
	instanceCounter uint64

	onInstanceKilled func()
	onStateChange    func(activeInstances, openPages int)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// OnInstanceKilled registers a callback invoked whenever a browser
// instance is killed, used by pkg/metrics to count
// browser_instances_killed_total without this package importing the
// metrics types.
func (p *ChromePool) OnInstanceKilled(fn func()) {
	p.mu.Lock()
	p.onInstanceKilled = fn
	p.mu.Unlock()
}

// OnStateChange registers a callback invoked roughly once a second
// with the pool's active-instance and open-page counts.
func (p *ChromePool) OnStateChange(fn func(activeInstances, openPages int)) {
	p.mu.Lock()
	p.onStateChange = fn
	p.mu.Unlock()
}

func (p *ChromePool) reportState() {
	p.mu.Lock()
	fn := p.onStateChange
	var active, pages int
	for _, in := range p.instances {
		if in.State() == StateActive {
			active++
		}
		pages += in.ActivePages()
	}
	p.mu.Unlock()
	if fn != nil {
		fn(active, pages)
	}
}

// NewChromePool constructs a pool bound to parentCtx: cancelling
// parentCtx tears down every launched browser.
func NewChromePool(parentCtx context.Context, cfg Config) *ChromePool {
	if cfg.MaxOpenPagesPerInstance <= 0 {
		cfg.MaxOpenPagesPerInstance = 5
	}
	if cfg.MaxInstances <= 0 {
		cfg.MaxInstances = 10
	}
	if cfg.RetireInstanceAfterRequestCount <= 0 {
		cfg.RetireInstanceAfterRequestCount = 100
	}
	if cfg.KillInstanceAfterMillis <= 0 {
		cfg.KillInstanceAfterMillis = 5 * 60 * 1000
	}

	ctx, cancel := context.WithCancel(parentCtx)
	p := &ChromePool{
		cfg:       cfg,
		instances: make(map[string]*instance),
		ctx:       ctx,
		cancel:    cancel,
	}
	p.wg.Add(1)
	go p.maintenanceLoop()
	return p
}

// NewPage implements BrowserBackend. It prefers an idle page on an
// ACTIVE instance under capacity; failing that it launches a new
// instance. If the launch fails the capacity slot is released and the
// error propagates to the caller.
func (p *ChromePool) NewPage(ctx context.Context, opts PageOptions) (Page, error) {
	chosen, err := p.acquireInstance(opts)
	if err != nil {
		return nil, err
	}

	if p.cfg.ReusePages {
		if pg, ok := p.takeIdlePage(chosen); ok {
			atomic.AddInt32(&chosen.activePages, 1)
			atomic.StoreInt64(&chosen.lastPageOpenedAt, time.Now().UnixNano())
			return pg, nil
		}
	}

	pageCtx, pageCancel := chromedp.NewContext(chosen.browserCtx)
	if err := chromedp.Run(pageCtx); err != nil {
		pageCancel()
		return nil, fmt.Errorf("browserpool: open page on %s: %w", chosen.id, err)
	}

	atomic.AddInt32(&chosen.activePages, 1)
	newTotal := atomic.AddInt32(&chosen.totalPages, 1)
	atomic.StoreInt64(&chosen.lastPageOpenedAt, time.Now().UnixNano())

	if int(newTotal) >= p.cfg.RetireInstanceAfterRequestCount {
		p.Retire(chosen.id)
	}

	return &chromePage{ctx: pageCtx, cancel: pageCancel, instanceID: chosen.id}, nil
}

func (p *ChromePool) takeIdlePage(in *instance) (*chromePage, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for len(in.idlePages) > 0 {
		n := len(in.idlePages)
		pg := in.idlePages[n-1]
		in.idlePages = in.idlePages[:n-1]
		select {
		case <-pg.ctx.Done():
			continue // stale, parent context already gone
		default:
			return pg, true
		}
	}
	return nil, false
}

// acquireInstance picks an ACTIVE instance with spare capacity,
// launching a new one if none qualifies (subject to MaxInstances).
func (p *ChromePool) acquireInstance(opts PageOptions) (*instance, error) {
	p.mu.Lock()
	if opts.PreferInstanceID != "" {
		if in, ok := p.instances[opts.PreferInstanceID]; ok && in.State() == StateActive &&
			in.ActivePages() < p.cfg.MaxOpenPagesPerInstance {
			p.mu.Unlock()
			return in, nil
		}
	}
	for _, in := range p.instances {
		if in.State() == StateActive && in.ActivePages() < p.cfg.MaxOpenPagesPerInstance {
			p.mu.Unlock()
			return in, nil
		}
	}
	if len(p.instances) >= p.cfg.MaxInstances {
		p.mu.Unlock()
		return nil, fmt.Errorf("browserpool: at capacity (%d instances)", p.cfg.MaxInstances)
	}
	p.mu.Unlock()

	in, err := p.launchInstance(opts)
	if err != nil {
		return nil, fmt.Errorf("browserpool: launch instance: %w", err)
	}

	p.mu.Lock()
	p.instances[in.id] = in
	p.mu.Unlock()
	return in, nil
}

// launchInstance starts a new Chrome process, with a standard
// anti-detection flag set and proxy-URL-with-embedded-auth parsing.
func (p *ChromePool) launchInstance(opts PageOptions) (*instance, error) {
	opts2 := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", p.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-background-timer-throttling", true),
		chromedp.Flag("disable-backgrounding-occluded-windows", true),
		chromedp.Flag("disable-renderer-backgrounding", true),
		chromedp.Flag("disable-features", "IsolateOrigins,site-per-process,TranslateUI"),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
		chromedp.Flag("disable-hang-monitor", true),
		chromedp.Flag("disable-prompt-on-repost", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-extensions", true),
	)

	diskCacheDir := p.takeCacheDir()
	if diskCacheDir != "" {
		opts2 = append(opts2, chromedp.Flag("disk-cache-dir", diskCacheDir))
	}

	var proxyKey string
	if p.cfg.ProxyProvider != nil {
		proxyURL, err := p.cfg.ProxyProvider.NextProxy(p.ctx, opts.SessionID)
		if err == nil && proxyURL != nil {
			server := proxyURL
			if server.User != nil {
				// Chrome's proxy-server flag does not accept embedded
				// credentials; strip them and authenticate out of band
				// via the bound session/request layer.
				stripped := *server
				stripped.User = nil
				server = &stripped
			}
			opts2 = append(opts2,
				chromedp.ProxyServer(fmt.Sprintf("%s://%s", server.Scheme, server.Host)),
				chromedp.Flag("proxy-bypass-list", "<-loopback>"),
			)
			proxyKey = server.Host
		}
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(p.ctx, opts2...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	p.mu.Lock()
	p.instanceCounter++
	id := fmt.Sprintf("browser-%d-%d", time.Now().UnixNano(), p.instanceCounter)
	p.mu.Unlock()

	in := &instance{
		id:             id,
		state:          int32(StateLaunching),
		launchedAt:     time.Now(),
		allocCtx:       allocCtx,
		allocCancel:    allocCancel,
		browserCtx:     browserCtx,
		browserCancel:  browserCancel,
		diskCacheDir:   diskCacheDir,
		boundSessionID: opts.SessionID,
		boundProxyKey:  proxyKey,
	}

	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		p.releaseCacheDir(diskCacheDir)
		return nil, err
	}

	atomic.StoreInt64(&in.lastPageOpenedAt, time.Now().UnixNano())
	in.setState(StateActive)
	return in, nil
}

// RecyclePage implements BrowserBackend. When reuse is enabled, an
// open page is parked on its owning instance's idle list; otherwise
// (or if the instance is gone) the page is closed outright.
func (p *ChromePool) RecyclePage(page Page) {
	pg, ok := page.(*chromePage)
	if !ok {
		page.Close()
		return
	}

	p.mu.Lock()
	in, exists := p.instances[pg.instanceID]
	p.mu.Unlock()

	if !exists || in.State() != StateActive || !p.cfg.ReusePages {
		pg.Close()
		if exists {
			atomic.AddInt32(&in.activePages, -1)
		}
		return
	}

	in.mu.Lock()
	in.idlePages = append(in.idlePages, pg)
	in.mu.Unlock()
	atomic.AddInt32(&in.activePages, -1)
}

// Retire implements BrowserBackend: stops new-page allocation on the
// instance but lets already-open pages finish. Retirement never
// reverses.
func (p *ChromePool) Retire(instanceID string) {
	p.mu.Lock()
	in, ok := p.instances[instanceID]
	p.mu.Unlock()
	if !ok {
		return
	}
	for {
		cur := in.State()
		if cur == StateRetired || cur == StateKilled {
			return
		}
		if atomic.CompareAndSwapInt32(&in.state, int32(cur), int32(StateRetired)) {
			return
		}
	}
}

func (p *ChromePool) killInstance(in *instance) {
	in.setState(StateKilled)

	in.mu.Lock()
	for _, pg := range in.idlePages {
		pg.Close()
	}
	in.idlePages = nil
	in.mu.Unlock()

	if in.browserCancel != nil {
		in.browserCancel()
	}
	if in.allocCancel != nil {
		in.allocCancel()
	}

	p.mu.Lock()
	delete(p.instances, in.id)
	onKilled := p.onInstanceKilled
	p.mu.Unlock()

	p.releaseCacheDir(in.diskCacheDir)

	if onKilled != nil {
		onKilled()
	}
}

// Destroy implements BrowserBackend: tears down every instance,
// outstanding pages included, then removes every disk cache directory
// the pool ever handed out, whether currently in use or parked on the
// free list.
func (p *ChromePool) Destroy(ctx context.Context) error {
	p.cancel()
	p.wg.Wait()

	p.mu.Lock()
	instances := make([]*instance, 0, len(p.instances))
	for _, in := range p.instances {
		instances = append(instances, in)
	}
	p.mu.Unlock()

	for _, in := range instances {
		p.killInstance(in)
	}

	p.mu.Lock()
	dirs := p.freeCacheDirs
	p.freeCacheDirs = nil
	p.mu.Unlock()

	var firstErr error
	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("browserpool: remove cache dir %s: %w", dir, err)
		}
	}
	return firstErr
}

// maintenanceLoop checks kill conditions once a second: an instance is
// killed once RETIRED with zero active pages (after a ~1s settle
// delay), or once it has gone idle longer than KillInstanceAfterMillis.
func (p *ChromePool) maintenanceLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	retiredSince := make(map[string]time.Time)

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()

			p.mu.Lock()
			var toKill []*instance
			for id, in := range p.instances {
				switch in.State() {
				case StateRetired:
					if in.ActivePages() == 0 {
						since, seen := retiredSince[id]
						if !seen {
							retiredSince[id] = now
							continue
						}
						if now.Sub(since) >= time.Second {
							toKill = append(toKill, in)
						}
					} else {
						delete(retiredSince, id)
					}
				case StateActive:
					killAfter := time.Duration(p.cfg.KillInstanceAfterMillis) * time.Millisecond
					if now.Sub(in.lastOpened()) > killAfter {
						toKill = append(toKill, in)
					}
				}
			}
			for _, in := range toKill {
				delete(retiredSince, in.id)
			}
			p.mu.Unlock()

			for _, in := range toKill {
				p.killInstance(in)
			}
			p.reportState()
		}
	}
}

func (p *ChromePool) takeCacheDir() string {
	if p.cfg.DiskCacheBaseDir == "" {
		return ""
	}
	p.mu.Lock()
	if n := len(p.freeCacheDirs); n > 0 {
		dir := p.freeCacheDirs[n-1]
		p.freeCacheDirs = p.freeCacheDirs[:n-1]
		p.mu.Unlock()
		return dir
	}
	p.instanceCounter++
	dir := fmt.Sprintf("%s/cache-%d", p.cfg.DiskCacheBaseDir, p.instanceCounter)
	p.mu.Unlock()
	_ = os.MkdirAll(dir, 0o755)
	return dir
}

func (p *ChromePool) releaseCacheDir(dir string) {
	if dir == "" {
		return
	}
	p.mu.Lock()
	p.freeCacheDirs = append(p.freeCacheDirs, dir)
	p.mu.Unlock()
}

// Instances returns a snapshot of instance IDs and states, for
// metrics/admin reporting.
func (p *ChromePool) Instances() map[string]State {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]State, len(p.instances))
	for id, in := range p.instances {
		out[id] = in.State()
	}
	return out
}
