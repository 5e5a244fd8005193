// Package config loads engine settings from a YAML file with environment
// overrides. Every setting has a default; a device with no config file at
// all still runs against a local data directory.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fieldkit/fieldsync/internal/logging"
)

// ServerConfig locates the remote sync endpoint.
type ServerConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SyncConfig bounds the sync cycle.
type SyncConfig struct {
	BatchSize         int           `mapstructure:"batch_size"`
	MaxBandwidthBytes int64         `mapstructure:"max_bandwidth_bytes"`
	StreamID          string        `mapstructure:"stream_id"`
	RetriggerInterval time.Duration `mapstructure:"retrigger_interval"`
}

// QueueConfig controls the REST mutation queue.
type QueueConfig struct {
	Path        string `mapstructure:"path"`
	MaxAttempts int    `mapstructure:"max_attempts"`
}

// ProbeConfig controls the connectivity monitor.
type ProbeConfig struct {
	URL      string        `mapstructure:"url"`
	Interval time.Duration `mapstructure:"interval"`
}

// DashboardConfig controls the optional status WebSocket server.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LogConfig mirrors logging.Config for file-based configuration.
type LogConfig struct {
	Path       string `mapstructure:"path"`
	Level      string `mapstructure:"level"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// Config is the full engine configuration.
type Config struct {
	DataDir   string          `mapstructure:"data_dir"`
	Server    ServerConfig    `mapstructure:"server"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Probe     ProbeConfig     `mapstructure:"probe"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Log       LogConfig       `mapstructure:"log"`
}

// DatabasePath is where the local store lives under DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "fieldsync.db")
}

// SpoolDir is where the daemon watches for dropped event drafts.
func (c *Config) SpoolDir() string {
	return filepath.Join(c.DataDir, "spool")
}

// Logging converts the file-level log section to a logging.Config.
func (c *Config) Logging() logging.Config {
	return logging.Config{
		Path:       c.Log.Path,
		Level:      c.Log.Level,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
	}
}

// Load reads configuration from path (or ./fieldsync.yaml when path is
// empty), applies FIELDSYNC_* environment overrides, and validates. A
// missing file is not an error when no explicit path was given.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FIELDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("fieldsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Queue.Path == "" {
		cfg.Queue.Path = filepath.Join(cfg.DataDir, "queue.json")
	}
	if cfg.Probe.URL == "" && cfg.Server.BaseURL != "" {
		cfg.Probe.URL = strings.TrimRight(cfg.Server.BaseURL, "/") + "/v1/health"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := logging.DefaultConfig()
	v.SetDefault("data_dir", ".fieldsync")
	v.SetDefault("server.base_url", "")
	v.SetDefault("server.token", "")
	v.SetDefault("server.timeout", 30*time.Second)
	v.SetDefault("sync.batch_size", 50)
	v.SetDefault("sync.max_bandwidth_bytes", int64(1<<20))
	v.SetDefault("sync.stream_id", "default")
	v.SetDefault("sync.retrigger_interval", time.Minute)
	v.SetDefault("queue.path", "")
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("probe.url", "")
	v.SetDefault("probe.interval", 15*time.Second)
	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.port", 8844)
	v.SetDefault("log.path", "")
	v.SetDefault("log.level", def.Level)
	v.SetDefault("log.max_size_mb", def.MaxSizeMB)
	v.SetDefault("log.max_backups", def.MaxBackups)
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Sync.MaxBandwidthBytes <= 0 {
		return fmt.Errorf("sync.max_bandwidth_bytes must be positive, got %d", c.Sync.MaxBandwidthBytes)
	}
	if c.Sync.StreamID == "" {
		return fmt.Errorf("sync.stream_id must not be empty")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be positive, got %d", c.Queue.MaxAttempts)
	}
	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port out of range: %d", c.Dashboard.Port)
	}
	return nil
}
