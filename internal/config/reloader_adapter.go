package config

import (
	"time"

	"go.uber.org/zap"

	"crawlcore/internal/eventbus"
	"crawlcore/pkg/autoscale"
	"crawlcore/pkg/browserpool"
	configpkg "crawlcore/pkg/config"
	"crawlcore/pkg/logger"
	"crawlcore/pkg/sessionpool"
)

// Reloader adapts pkg/config.Reloader's file-watching Config shape
// into internal/config.Config, hands it to OnChange callbacks, and
// publishes ConfigChanged onto the same event bus the crawler core uses
// for migrating. internal/engine does not subscribe to ConfigChanged,
// so a running engine keeps the configuration it was built with.
type Reloader struct {
	inner *configpkg.Reloader
	bus   *eventbus.Bus
	log   *logger.Logger

	callbacks []func(*Config)
}

// NewReloader constructs a Reloader watching configPath. bus and log
// are both optional.
func NewReloader(configPath string, bus *eventbus.Bus, log *logger.Logger) *Reloader {
	r := &Reloader{
		inner: configpkg.NewReloader(configPath),
		bus:   bus,
		log:   log,
	}
	r.inner.OnChange(r.onInnerChange)
	return r
}

// SetDebounceDelay forwards to the underlying pkg/config.Reloader.
func (r *Reloader) SetDebounceDelay(d time.Duration) {
	r.inner.SetDebounceDelay(d)
}

// OnChange registers a callback invoked with the translated Config
// after every debounced reload.
func (r *Reloader) OnChange(cb func(*Config)) {
	r.callbacks = append(r.callbacks, cb)
}

// Load performs the initial synchronous load.
func (r *Reloader) Load() error {
	return r.inner.Load()
}

// Start begins watching the config file for changes.
func (r *Reloader) Start() error {
	return r.inner.Start()
}

// Stop stops watching and releases the underlying watcher.
func (r *Reloader) Stop() error {
	return r.inner.Stop()
}

// GetConfig returns the current translated Config.
func (r *Reloader) GetConfig() *Config {
	return convertFromPkgConfig(r.inner.GetConfig())
}

func (r *Reloader) onInnerChange(pkgCfg *configpkg.Config) {
	cfg := convertFromPkgConfig(pkgCfg)

	if r.bus != nil {
		r.bus.Publish(eventbus.ConfigChanged)
	}
	if r.log != nil {
		r.log.Info("configuration reloaded",
			zap.Int("minConcurrency", cfg.Pool.MinConcurrency),
			zap.Int("maxConcurrency", cfg.Pool.MaxConcurrency))
	}

	for _, cb := range r.callbacks {
		cb(cfg)
	}
}

// convertFromPkgConfig translates pkg/config.Config's flattened,
// import-cycle-avoiding YAML shape into internal/config.Config's
// structured collaborator configs.
func convertFromPkgConfig(pkgCfg *configpkg.Config) *Config {
	if pkgCfg == nil {
		cfg := DefaultConfig()
		return &cfg
	}

	cfg := DefaultConfig()

	cfg.LocalStorageDir = pkgCfg.LocalStorageDir
	cfg.Token = pkgCfg.Token
	cfg.APIBaseURL = pkgCfg.APIBaseURL
	cfg.IsAtHome = pkgCfg.IsAtHome
	cfg.DefaultKeyValueStoreID = pkgCfg.DefaultKeyValueStoreID
	cfg.DefaultRequestQueueID = pkgCfg.DefaultRequestQueueID
	cfg.Headless = pkgCfg.Headless
	cfg.MemoryMBytes = pkgCfg.MemoryMBytes
	cfg.MaxRequestRetries = pkgCfg.MaxRequestRetries
	cfg.MaxRequestsPerCrawl = pkgCfg.MaxRequestsPerCrawl
	cfg.MigrationGracePeriod = pkgCfg.MigrationGracePeriod

	cfg.Pool = autoscale.DefaultConfig()
	cfg.Pool.MinConcurrency = pkgCfg.MinConcurrency
	cfg.Pool.MaxConcurrency = pkgCfg.MaxConcurrency

	cfg.Browser = browserpool.DefaultConfig()
	cfg.Browser.MinInstances = pkgCfg.BrowserMinInstances
	cfg.Browser.MaxInstances = pkgCfg.BrowserMaxInstances
	cfg.Browser.Headless = pkgCfg.Headless

	cfg.Sessions = sessionpool.DefaultConfig()
	cfg.Sessions.MaxPoolSize = pkgCfg.SessionMaxPoolSize
	cfg.Sessions.TargetPoolSize = pkgCfg.SessionTargetPoolSize

	cfg.Log = logger.DefaultConfig()
	cfg.Log.Level = pkgCfg.LogLevel
	cfg.Log.Format = pkgCfg.LogFormat
	cfg.Log.Output = pkgCfg.LogOutput

	return &cfg
}
