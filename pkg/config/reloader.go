// Package config provides hot-reload functionality for configuration
// files. It wraps a Config shape duplicated from internal/config (to
// avoid an import cycle) and adds fsnotify-based file watching with a
// debounced reload.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is a flattened copy of internal/config.Config, duplicated to
// avoid an import cycle (internal/config wraps this package's
// Reloader). The pool, browser, session and log settings are flat keys
// (min_concurrency, browser_max_instances, ...) rather than the nested
// blocks internal/config reads, and there is no proxy_urls field.
type Config struct {
	LocalStorageDir string `yaml:"local_storage_dir"`

	Token      string `yaml:"token"`
	APIBaseURL string `yaml:"api_base_url"`
	IsAtHome   bool   `yaml:"is_at_home"`

	DefaultKeyValueStoreID string `yaml:"default_key_value_store_id"`
	DefaultRequestQueueID  string `yaml:"default_request_queue_id"`

	Headless     bool `yaml:"headless"`
	MemoryMBytes int  `yaml:"memory_mbytes"`

	MaxRequestRetries    int           `yaml:"max_request_retries"`
	MaxRequestsPerCrawl  int64         `yaml:"max_requests_per_crawl"`
	MigrationGracePeriod time.Duration `yaml:"migration_grace_period"`

	MinConcurrency int `yaml:"min_concurrency"`
	MaxConcurrency int `yaml:"max_concurrency"`

	BrowserMinInstances int `yaml:"browser_min_instances"`
	BrowserMaxInstances int `yaml:"browser_max_instances"`

	SessionMaxPoolSize    int `yaml:"session_max_pool_size"`
	SessionTargetPoolSize int `yaml:"session_target_pool_size"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogOutput string `yaml:"log_output"`
}

// ApplyDefaults fills zero-valued fields with this package's own
// defaults. They differ from internal/config's in places: for example
// max_concurrency defaults to 50 and log_format to json here, and
// headless is left as read.
func (c *Config) ApplyDefaults() {
	if c.LocalStorageDir == "" {
		c.LocalStorageDir = "./storage"
	}
	if c.DefaultKeyValueStoreID == "" {
		c.DefaultKeyValueStoreID = "default"
	}
	if c.DefaultRequestQueueID == "" {
		c.DefaultRequestQueueID = "default"
	}
	if c.MemoryMBytes <= 0 {
		c.MemoryMBytes = 4096
	}
	if c.MaxRequestRetries <= 0 {
		c.MaxRequestRetries = 3
	}
	if c.MigrationGracePeriod <= 0 {
		c.MigrationGracePeriod = 20 * time.Second
	}
	if c.MinConcurrency <= 0 {
		c.MinConcurrency = 1
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 50
	}
	if c.BrowserMaxInstances <= 0 {
		c.BrowserMaxInstances = 10
	}
	if c.SessionMaxPoolSize <= 0 {
		c.SessionMaxPoolSize = 50
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.LogOutput == "" {
		c.LogOutput = "stdout"
	}
}

// Logger is the minimal logging surface the reloader needs; callers
// normally pass an adapter around *logger.Logger.
type Logger interface {
	Info(msg string, keyvals ...interface{})
	Error(msg string, keyvals ...interface{})
}

type defaultLogger struct{}

func (defaultLogger) Info(msg string, keyvals ...interface{})  {}
func (defaultLogger) Error(msg string, keyvals ...interface{}) {}

// ChangeCallback is invoked with the newly loaded config whenever the
// watched file changes.
type ChangeCallback func(newCfg *Config)

// Reloader watches a YAML config file and keeps an in-memory Config
// current, notifying registered callbacks on every debounced change.
type Reloader struct {
	configPath string

	mu     sync.RWMutex
	config *Config

	watcher *fsnotify.Watcher

	cbMu      sync.RWMutex
	callbacks []ChangeCallback

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
	debounceDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger Logger
}

// NewReloader constructs a Reloader for configPath. Load or Start
// must be called before GetConfig returns anything meaningful.
func NewReloader(configPath string) *Reloader {
	return &Reloader{
		configPath:    configPath,
		debounceDelay: time.Second,
		logger:        defaultLogger{},
	}
}

// SetLogger overrides the reloader's logger.
func (r *Reloader) SetLogger(l Logger) {
	if l != nil {
		r.logger = l
	}
}

// SetDebounceDelay overrides the default 1s debounce window.
func (r *Reloader) SetDebounceDelay(d time.Duration) {
	if d > 0 {
		r.debounceDelay = d
	}
}

// OnChange registers a callback invoked after every debounced reload.
func (r *Reloader) OnChange(cb ChangeCallback) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

// GetConfig returns the current in-memory config.
func (r *Reloader) GetConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config
}

// Load performs the initial load from configPath.
func (r *Reloader) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, err := r.loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	r.config = cfg
	r.logger.Info("config_loaded", "path", r.configPath)
	return nil
}

// Start loads the config and begins watching configPath for changes.
func (r *Reloader) Start() error {
	if r.ctx != nil {
		return fmt.Errorf("reloader already started")
	}

	if err := r.Load(); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	r.watcher = watcher

	dir := filepath.Dir(r.configPath)

	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch directory: %w", err)
	}

	if _, err := os.Stat(r.configPath); err == nil {
		if err := watcher.Add(r.configPath); err != nil {
			r.logger.Error("failed_to_watch_file", "path", r.configPath, "error", err)
		}
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())

	r.wg.Add(1)
	go r.watch()

	r.logger.Info("config_reloader_started", "path", r.configPath)
	return nil
}

// Stop cancels the watch loop and waits for it to exit.
func (r *Reloader) Stop() error {
	if r.ctx == nil {
		return nil
	}

	r.cancel()

	if r.watcher != nil {
		r.watcher.Close()
	}

	r.debounceMu.Lock()
	if r.debounceTimer != nil {
		r.debounceTimer.Stop()
	}
	r.debounceMu.Unlock()

	r.wg.Wait()

	r.logger.Info("config_reloader_stopped")
	return nil
}

func (r *Reloader) watch() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return

		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}

			if filepath.Base(event.Name) != filepath.Base(r.configPath) {
				continue
			}

			if event.Op&fsnotify.Write == fsnotify.Write ||
				event.Op&fsnotify.Create == fsnotify.Create ||
				event.Op&fsnotify.Rename == fsnotify.Rename {
				r.logger.Info("config_file_changed", "op", event.Op.String())
				r.triggerReload()
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("watcher_error", "error", err)
		}
	}
}

func (r *Reloader) triggerReload() {
	r.debounceMu.Lock()
	defer r.debounceMu.Unlock()

	if r.debounceTimer != nil {
		r.debounceTimer.Stop()
	}

	r.debounceTimer = time.AfterFunc(r.debounceDelay, func() {
		r.reload()
	})
}

func (r *Reloader) reload() {
	newCfg, err := r.loadConfig()
	if err != nil {
		r.logger.Error("config_reload_failed", "error", err)
		return
	}

	r.mu.Lock()
	r.config = newCfg
	r.mu.Unlock()

	r.logger.Info("config_reloaded",
		"path", r.configPath,
		"min_concurrency", newCfg.MinConcurrency,
		"max_concurrency", newCfg.MaxConcurrency)

	r.notifyCallbacks(newCfg)
}

func (r *Reloader) loadConfig() (*Config, error) {
	data, err := os.ReadFile(r.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

func (r *Reloader) notifyCallbacks(newCfg *Config) {
	r.cbMu.RLock()
	callbacks := make([]ChangeCallback, len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.cbMu.RUnlock()

	for _, cb := range callbacks {
		cb(newCfg)
	}
}
