package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"loom/internal/config"
)

func TestLoadDefaultsAndExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantData := filepath.Join(tempHome, ".local", "share", "loom")
	if cfg.Paths.DataDir != wantData {
		t.Fatalf("unexpected data dir: got %q want %q", cfg.Paths.DataDir, wantData)
	}
	if cfg.Paths.LogDir != filepath.Join(wantData, "logs") {
		t.Fatalf("unexpected log dir: %q", cfg.Paths.LogDir)
	}
	if cfg.Workflow.MaxRetries != 3 {
		t.Fatalf("unexpected max retries: %d", cfg.Workflow.MaxRetries)
	}
	if cfg.Workflow.RetryBaseDelay != 300 {
		t.Fatalf("unexpected retry base delay: %d", cfg.Workflow.RetryBaseDelay)
	}
	if cfg.Workflow.LeaseTimeout != 300 {
		t.Fatalf("unexpected lease timeout: %d", cfg.Workflow.LeaseTimeout)
	}
	if !cfg.Quota.SeedDefaults || cfg.Quota.DefaultService != "gemini" {
		t.Fatalf("unexpected quota defaults: %+v", cfg.Quota)
	}
	if cfg.DatabasePath() != filepath.Join(wantData, "loom.db") {
		t.Fatalf("unexpected database path: %q", cfg.DatabasePath())
	}
}

func TestLoadExplicitFileOverridesDefaults(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	path := filepath.Join(t.TempDir(), "loom.toml")
	doc := `
[paths]
data_dir = "~/loom-data"

[workflow]
worker_count = 4
max_retries = 5

[logging]
level = "debug"
format = "json"
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected config file to exist")
	}
	if cfg.Paths.DataDir != filepath.Join(tempHome, "loom-data") {
		t.Fatalf("unexpected data dir: %q", cfg.Paths.DataDir)
	}
	if cfg.Workflow.WorkerCount != 4 {
		t.Fatalf("unexpected worker count: %d", cfg.Workflow.WorkerCount)
	}
	if cfg.Workflow.MaxRetries != 5 {
		t.Fatalf("unexpected max retries: %d", cfg.Workflow.MaxRetries)
	}
	if cfg.Logging.Format != "json" {
		t.Fatalf("unexpected log format: %q", cfg.Logging.Format)
	}
	// Untouched sections keep their defaults.
	if cfg.Workflow.RetryBaseDelay != 300 {
		t.Fatalf("unexpected retry base delay: %d", cfg.Workflow.RetryBaseDelay)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"zero workers", func(c *config.Config) { c.Workflow.WorkerCount = 0 }},
		{"negative retries", func(c *config.Config) { c.Workflow.MaxRetries = -1 }},
		{"lease timeout below renewal", func(c *config.Config) {
			c.Workflow.LeaseTimeout = 10
			c.Workflow.LeaseRenewalInterval = 30
		}},
		{"bad log format", func(c *config.Config) { c.Logging.Format = "yaml" }},
		{"seed without service", func(c *config.Config) {
			c.Quota.SeedDefaults = true
			c.Quota.DefaultService = " "
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestSampleConfigIsNonEmpty(t *testing.T) {
	if config.SampleConfig() == "" {
		t.Fatal("expected embedded sample config")
	}
}
