// Package config loads crawlcore's runtime configuration: frontier
// storage paths, pool sizes, retry budgets, autoscale tuning, and the
// CRAWLCORE_* environment overrides layered over them at load time.
// It keeps the same YAML-plus-env layering and cascading
// ApplyDefaults shape used throughout this codebase, applied to the
// frontier/pool/browser/session knobs this module actually owns.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"crawlcore/pkg/autoscale"
	"crawlcore/pkg/browserpool"
	"crawlcore/pkg/logger"
	"crawlcore/pkg/sessionpool"
)

// Config is the root configuration for a crawlcore deployment. It is
// loaded from YAML and then layered with environment overrides.
type Config struct {
	// LocalStorageDir is the root directory local request queues,
	// key-value stores, and session state persist under.
	LocalStorageDir string `yaml:"local_storage_dir"`

	// Token and APIBaseURL configure a remote platform the crawler
	// reports to; both are optional, defaulting to pure local storage.
	Token      string `yaml:"token"`
	APIBaseURL string `yaml:"api_base_url"`

	// IsAtHome forces local-only storage/queue backends even when a
	// token is present.
	IsAtHome bool `yaml:"is_at_home"`

	DefaultKeyValueStoreID string `yaml:"default_key_value_store_id"`
	DefaultRequestQueueID  string `yaml:"default_request_queue_id"`

	Headless     bool `yaml:"headless"`
	MemoryMBytes int  `yaml:"memory_mbytes"`

	// ProxyURLs, if set, seeds a weighted-by-success-rate proxy pool
	// shared by the browser and session pools.
	ProxyURLs []string `yaml:"proxy_urls"`

	MaxRequestRetries    int           `yaml:"max_request_retries"`
	MaxRequestsPerCrawl  int64         `yaml:"max_requests_per_crawl"`
	MigrationGracePeriod time.Duration `yaml:"migration_grace_period"`

	Pool     autoscale.Config   `yaml:"pool"`
	Browser  browserpool.Config `yaml:"browser"`
	Sessions sessionpool.Config `yaml:"sessions"`
	Log      logger.Config      `yaml:"log"`
}

// DefaultConfig returns the crawlcore defaults: local-only storage
// under ./storage, the engine's retry/migration defaults, and each
// collaborator's own DefaultConfig.
func DefaultConfig() Config {
	return Config{
		LocalStorageDir:        "./storage",
		IsAtHome:               true,
		DefaultKeyValueStoreID: "default",
		DefaultRequestQueueID:  "default",
		Headless:               true,
		MemoryMBytes:           4096,
		MaxRequestRetries:      3,
		MigrationGracePeriod:   20 * time.Second,
		Pool:                   autoscale.DefaultConfig(),
		Browser:                browserpool.DefaultConfig(),
		Sessions:               sessionpool.DefaultConfig(),
		Log:                    logger.DefaultConfig(),
	}
}

// LoadFromFile reads a YAML config file, applying defaults for any
// field the file leaves at its zero value.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// LoadFromEnv layers the CRAWLCORE_* environment variables over cfg,
// mutating it in place. Unset variables leave the existing value
// untouched.
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("CRAWLCORE_LOCAL_STORAGE_DIR"); v != "" {
		c.LocalStorageDir = v
	}
	if v := os.Getenv("CRAWLCORE_TOKEN"); v != "" {
		c.Token = v
	}
	if v := os.Getenv("CRAWLCORE_API_BASE_URL"); v != "" {
		c.APIBaseURL = v
	}
	if v := os.Getenv("CRAWLCORE_DEFAULT_KEY_VALUE_STORE_ID"); v != "" {
		c.DefaultKeyValueStoreID = v
	}
	if v := os.Getenv("CRAWLCORE_DEFAULT_REQUEST_QUEUE_ID"); v != "" {
		c.DefaultRequestQueueID = v
	}
	if v := os.Getenv("CRAWLCORE_IS_AT_HOME"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.IsAtHome = b
		}
	}
	if v := os.Getenv("CRAWLCORE_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Headless = b
			c.Browser.Headless = b
		}
	}
	if v := os.Getenv("CRAWLCORE_MEMORY_MBYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MemoryMBytes = n
		}
	}
}

// ApplyDefaults fills in zero-valued fields with the package
// defaults, so a partially-specified YAML file still produces a
// usable Config.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()

	if c.LocalStorageDir == "" {
		c.LocalStorageDir = defaults.LocalStorageDir
	}
	if c.DefaultKeyValueStoreID == "" {
		c.DefaultKeyValueStoreID = defaults.DefaultKeyValueStoreID
	}
	if c.DefaultRequestQueueID == "" {
		c.DefaultRequestQueueID = defaults.DefaultRequestQueueID
	}
	if c.MemoryMBytes <= 0 {
		c.MemoryMBytes = defaults.MemoryMBytes
	}
	if c.MaxRequestRetries <= 0 {
		c.MaxRequestRetries = defaults.MaxRequestRetries
	}
	if c.MigrationGracePeriod <= 0 {
		c.MigrationGracePeriod = defaults.MigrationGracePeriod
	}

	if c.Pool.MinConcurrency <= 0 && c.Pool.MaxConcurrency <= 0 {
		c.Pool = defaults.Pool
	}
	if c.Browser.MaxInstances <= 0 {
		c.Browser = defaults.Browser
	}
	if c.Sessions.MaxPoolSize <= 0 {
		c.Sessions = defaults.Sessions
	}
	if c.Log.Level == "" {
		c.Log = defaults.Log
	}
}
