package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DataDir != ".fieldsync" {
		t.Errorf("unexpected default data_dir: %s", cfg.DataDir)
	}
	if cfg.Sync.BatchSize != 50 {
		t.Errorf("unexpected default batch size: %d", cfg.Sync.BatchSize)
	}
	if cfg.Queue.Path != filepath.Join(".fieldsync", "queue.json") {
		t.Errorf("queue path not derived from data_dir: %s", cfg.Queue.Path)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldsync.yaml")
	content := `
data_dir: /var/lib/fieldsync
server:
  base_url: https://sync.example.com
  token: abc123
sync:
  batch_size: 10
  max_bandwidth_bytes: 2048
  stream_id: team-7
  retrigger_interval: 30s
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.BaseURL != "https://sync.example.com" {
		t.Errorf("base_url not loaded: %s", cfg.Server.BaseURL)
	}
	if cfg.Sync.RetriggerInterval != 30*time.Second {
		t.Errorf("retrigger_interval not parsed: %v", cfg.Sync.RetriggerInterval)
	}
	if cfg.Probe.URL != "https://sync.example.com/v1/health" {
		t.Errorf("probe url not derived: %s", cfg.Probe.URL)
	}
	if cfg.DatabasePath() != filepath.Join("/var/lib/fieldsync", "fieldsync.db") {
		t.Errorf("unexpected database path: %s", cfg.DatabasePath())
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("FIELDSYNC_SYNC_BATCH_SIZE", "7")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Sync.BatchSize != 7 {
		t.Errorf("env override ignored: %d", cfg.Sync.BatchSize)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"zero batch size", func(c *Config) { c.Sync.BatchSize = 0 }},
		{"zero bandwidth", func(c *Config) { c.Sync.MaxBandwidthBytes = 0 }},
		{"empty stream", func(c *Config) { c.Sync.StreamID = "" }},
		{"bad dashboard port", func(c *Config) {
			c.Dashboard.Enabled = true
			c.Dashboard.Port = 0
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load("")
			if err != nil {
				t.Fatal(err)
			}
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
