package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestReloaderLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfigFile(t, path, "min_concurrency: 5\n")

	r := NewReloader(path)
	if err := r.Load(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg := r.GetConfig()
	if cfg.MinConcurrency != 5 {
		t.Errorf("expected min_concurrency 5, got %d", cfg.MinConcurrency)
	}
	if cfg.LocalStorageDir != "./storage" {
		t.Errorf("expected default local storage dir, got %q", cfg.LocalStorageDir)
	}
	if cfg.MaxRequestRetries != 3 {
		t.Errorf("expected default max request retries 3, got %d", cfg.MaxRequestRetries)
	}
}

func TestReloaderDetectsFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfigFile(t, path, "min_concurrency: 1\n")

	r := NewReloader(path)
	r.SetDebounceDelay(20 * time.Millisecond)

	changed := make(chan *Config, 1)
	r.OnChange(func(cfg *Config) {
		changed <- cfg
	})

	if err := r.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer r.Stop()

	writeConfigFile(t, path, "min_concurrency: 9\n")

	select {
	case cfg := <-changed:
		if cfg.MinConcurrency != 9 {
			t.Errorf("expected min_concurrency 9 after reload, got %d", cfg.MinConcurrency)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config change notification")
	}
}

func TestReloaderStartTwiceFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfigFile(t, path, "min_concurrency: 1\n")

	r := NewReloader(path)
	if err := r.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer r.Stop()

	if err := r.Start(); err == nil {
		t.Error("expected starting an already-started reloader to fail")
	}
}
