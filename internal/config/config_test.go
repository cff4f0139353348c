package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigIsUsable(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.LocalStorageDir == "" {
		t.Error("expected a non-empty default local storage dir")
	}
	if cfg.Pool.MinConcurrency <= 0 {
		t.Error("expected a positive default min concurrency")
	}
	if cfg.MaxRequestRetries != 3 {
		t.Errorf("expected default max request retries 3, got %d", cfg.MaxRequestRetries)
	}
}

func TestLoadFromFileAppliesDefaultsForMissingFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("local_storage_dir: /tmp/crawl\n"), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LocalStorageDir != "/tmp/crawl" {
		t.Errorf("expected overridden storage dir, got %q", cfg.LocalStorageDir)
	}
	if cfg.MaxRequestRetries != 3 {
		t.Errorf("expected default max request retries to survive, got %d", cfg.MaxRequestRetries)
	}
	if cfg.Browser.MaxInstances <= 0 {
		t.Error("expected default browser pool config to be applied")
	}
}

func TestLoadFromEnvOverridesFields(t *testing.T) {
	t.Setenv("CRAWLCORE_LOCAL_STORAGE_DIR", "/env/storage")
	t.Setenv("CRAWLCORE_HEADLESS", "false")
	t.Setenv("CRAWLCORE_MEMORY_MBYTES", "2048")
	t.Setenv("CRAWLCORE_IS_AT_HOME", "false")

	cfg := DefaultConfig()
	cfg.LoadFromEnv()

	if cfg.LocalStorageDir != "/env/storage" {
		t.Errorf("expected env override for storage dir, got %q", cfg.LocalStorageDir)
	}
	if cfg.Headless {
		t.Error("expected headless to be overridden to false")
	}
	if cfg.Browser.Headless {
		t.Error("expected browser config headless to follow the env override")
	}
	if cfg.MemoryMBytes != 2048 {
		t.Errorf("expected memory override 2048, got %d", cfg.MemoryMBytes)
	}
	if cfg.IsAtHome {
		t.Error("expected is_at_home to be overridden to false")
	}
}

func TestLoadFromEnvLeavesUnsetFieldsUntouched(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Token = "preexisting"
	cfg.LoadFromEnv()

	if cfg.Token != "preexisting" {
		t.Errorf("expected token to be left untouched, got %q", cfg.Token)
	}
}
