// Command crawlcore runs a single crawl: it loads configuration, wires
// the frontier, the autoscaled pool, and a fetch backend into a
// crawler core, starts the observability surface, and runs until the
// frontier is exhausted or it is asked to stop.
//
// Flags, not a CLI framework, configure the run: -config/-seeds for
// input, -admin-addr/-watch-config for the operability surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"crawlcore/internal/adminserver"
	"crawlcore/internal/config"
	"crawlcore/internal/engine"
	"crawlcore/internal/eventbus"
	"crawlcore/pkg/autoscale"
	"crawlcore/pkg/basicbackend"
	"crawlcore/pkg/browserpool"
	"crawlcore/pkg/frontier"
	"crawlcore/pkg/logger"
	"crawlcore/pkg/metrics"
	"crawlcore/pkg/proxy"
	"crawlcore/pkg/sessionpool"
	"crawlcore/pkg/snapshotter"
	"crawlcore/pkg/sysstatus"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to a YAML config file (optional; defaults are used if empty)")
		seeds       = flag.String("seeds", "", "comma-separated list of seed URLs to crawl")
		adminAddr   = flag.String("admin-addr", ":8754", "address for the /healthz, /metrics, /ws/status observability surface")
		maxRequests = flag.Int64("max-requests", 0, "maximum number of requests to handle before stopping (0 means unbounded)")
		watchConfig = flag.Bool("watch-config", false, "hot-reload config on file change (requires -config)")
		useBrowser  = flag.Bool("browser", false, "fetch through a pooled headless Chrome instance instead of plain HTTP")
		proxyURLs   = flag.String("proxy-urls", "", "comma-separated list of proxy URLs shared by the browser and session pools")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "crawlcore: %v\n", err)
		os.Exit(1)
	}
	if *maxRequests > 0 {
		cfg.MaxRequestsPerCrawl = *maxRequests
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "crawlcore: building logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := eventbus.New()
	collector := metrics.NewMetricsCollector()
	defer collector.Close()

	snap := snapshotter.New(snapshotter.DefaultConfig())
	snap.Start(ctx)
	defer snap.Stop()
	status := sysstatus.New(sysstatus.DefaultConfig(), snap)

	queue, err := frontier.NewLocalRequestQueue(cfg.LocalStorageDir + "/request-queue")
	if err != nil {
		log.Fatal("building request queue", zap.Error(err))
	}

	seedList := parseSeeds(*seeds)
	if len(seedList) == 0 {
		log.Error("no seed URLs given; pass -seeds=https://example.com,https://example.org")
		os.Exit(1)
	}
	reqList, err := frontier.NewRequestList(ctx, seedsToSources(seedList), frontier.RequestListOptions{})
	if err != nil {
		log.Fatal("building request list", zap.Error(err))
	}

	flagURLs, err := parseProxyURLs(*proxyURLs)
	if err != nil {
		log.Fatal("parsing -proxy-urls", zap.Error(err))
	}
	urls, err := mergeProxyURLs(cfg.ProxyURLs, flagURLs)
	if err != nil {
		log.Fatal("parsing configured proxy_urls", zap.Error(err))
	}
	if len(urls) > 0 {
		proxyPool := proxy.NewWeightedPool(urls)
		proxyPool.OnResult(metrics.NewProxyHooks(collector).OnProxyResult)
		cfg.Browser.ProxyProvider = proxyPool
		cfg.Sessions.ProxyProvider = proxyPool
	}

	engineOpts := engine.Options{
		List:          reqList,
		Queue:         queue,
		Status:        status,
		Bus:           bus,
		Hooks:         metrics.NewEngineHooks(collector),
		FrontierHooks: metrics.NewFrontierHooks(collector),
		Log:           log,
	}

	if *useBrowser {
		chromePool := browserpool.NewChromePool(ctx, cfg.Browser)
		chromePool.OnInstanceKilled(collector.RecordInstanceKilled)
		chromePool.OnStateChange(collector.SetBrowserPoolState)
		defer chromePool.Destroy(context.Background())

		sessions := sessionpool.New(cfg.Sessions, func(ctx context.Context) (*sessionpool.Session, error) {
			return &sessionpool.Session{}, nil
		})
		sessions.OnRetired(collector.RecordSessionRetired)
		sessions.OnSizeChange(collector.SetSessionPoolSize)
		if err := sessions.Start(ctx); err != nil {
			log.Fatal("starting session pool", zap.Error(err))
		}
		defer sessions.Stop(context.Background())

		engineOpts.BrowserBackend = chromePool
		engineOpts.Sessions = sessions
		engineOpts.HandleRequest = func(ctx context.Context, tc *engine.TaskContext) error {
			var title, html string
			if err := chromedp.Run(tc.Page.Context(),
				chromedp.Navigate(tc.Request.URL),
				chromedp.Title(&title),
				chromedp.OuterHTML("html", &html),
			); err != nil {
				return err
			}
			log.Info("fetched via browser",
				zap.String("url", tc.Request.URL),
				zap.String("title", title),
				zap.Int("bytes", len(html)))
			return nil
		}
	} else {
		backend, err := basicbackend.New(basicbackend.DefaultConfig())
		if err != nil {
			log.Fatal("building fetch backend", zap.Error(err))
		}
		engineOpts.HandleRequest = func(ctx context.Context, tc *engine.TaskContext) error {
			resp, err := backend.Fetch(tc.Request)
			if err != nil {
				return err
			}
			log.Info("fetched",
				zap.String("url", tc.Request.URL),
				zap.Int("status", resp.StatusCode),
				zap.Int("bytes", len(resp.Body)))
			return nil
		}
	}

	eng, err := engine.New(engine.Config{
		MaxRequestRetries:    cfg.MaxRequestRetries,
		MaxRequestsPerCrawl:  cfg.MaxRequestsPerCrawl,
		MigrationGracePeriod: cfg.MigrationGracePeriod,
		Pool:                 cfg.Pool,
	}, engineOpts)
	if err != nil {
		log.Fatal("building engine", zap.Error(err))
	}

	if *configPath != "" && *watchConfig {
		reloader := config.NewReloader(*configPath, bus, log)
		if err := reloader.Start(); err != nil {
			log.Error("starting config reloader", zap.Error(err))
		} else {
			defer reloader.Stop()
		}
	}

	admin := adminserver.New(adminserver.DefaultConfig(), collector, pollablePool{eng})
	admin.Start()
	defer admin.Stop()

	httpServer := &http.Server{Addr: *adminAddr, Handler: admin.Routes()}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("admin server stopped", zap.Error(err))
		}
	}()

	log.Info("crawlcore starting", zap.Int("seeds", len(seedList)), zap.String("adminAddr", *adminAddr))

	runErr := eng.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	if runErr != nil {
		log.Error("crawl ended with error", zap.Error(runErr))
		os.Exit(1)
	}
	log.Info("crawl finished", zap.Int64("handled", eng.HandledCount()))
}

// pollablePool adapts *engine.Engine to adminserver.StatusSource by
// forwarding to its underlying autoscale.Pool, which is nil until Run
// has started; callers see a zero-value snapshot until then.
type pollablePool struct {
	eng *engine.Engine
}

func (p pollablePool) State() autoscale.State {
	if pool := p.eng.Pool(); pool != nil {
		return pool.State()
	}
	return autoscale.StateCreated
}

func (p pollablePool) DesiredConcurrency() int {
	if pool := p.eng.Pool(); pool != nil {
		return pool.DesiredConcurrency()
	}
	return 0
}

func (p pollablePool) CurrentConcurrency() int {
	if pool := p.eng.Pool(); pool != nil {
		return pool.CurrentConcurrency()
	}
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	if path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	} else {
		defaults := config.DefaultConfig()
		cfg = &defaults
	}
	cfg.LoadFromEnv()
	return cfg, nil
}

func parseSeeds(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseProxyURLs(raw string) ([]*url.URL, error) {
	if raw == "" {
		return nil, nil
	}
	var out []*url.URL
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		u, err := url.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("parsing proxy URL %q: %w", s, err)
		}
		out = append(out, u)
	}
	return out, nil
}

// mergeProxyURLs combines the proxy_urls configured in the YAML config
// with the ones passed on the command line, -proxy-urls last so a
// flag passed at invocation time can extend a deployed config without
// editing it.
func mergeProxyURLs(configured []string, flagParsed []*url.URL) ([]*url.URL, error) {
	out := make([]*url.URL, 0, len(configured)+len(flagParsed))
	for _, s := range configured {
		u, err := url.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("parsing proxy URL %q: %w", s, err)
		}
		out = append(out, u)
	}
	out = append(out, flagParsed...)
	return out, nil
}

func seedsToSources(urls []string) []frontier.Source {
	sources := make([]frontier.Source, 0, len(urls))
	for _, u := range urls {
		sources = append(sources, frontier.Source{Request: frontier.NewRequest(http.MethodGet, u, nil)})
	}
	return sources
}
