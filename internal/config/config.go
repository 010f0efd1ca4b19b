// Package config provides YAML configuration loading and validation for the
// edge agent.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the edge agent.
type Config struct {
	// SiteID identifies this edge site in every backend call. Required.
	SiteID string `yaml:"site_id"`

	// BackendURL is the transport endpoint of the fleet backend. Required.
	BackendURL string `yaml:"backend_url"`

	// SecretKey is the HMAC key used to verify update manifest signatures.
	// Required.
	SecretKey string `yaml:"secret_key"`

	// CachePath is the location of the OfflineCache's backing file.
	// Required.
	CachePath string `yaml:"cache_path"`

	// SyncIntervalSeconds is the delay between process cycles in Run.
	// Defaults to 30.
	SyncIntervalSeconds int `yaml:"sync_interval_seconds"`

	// MaxBatchSize is the per-call batch cap when draining the offline
	// cache. Defaults to 100.
	MaxBatchSize int `yaml:"max_batch_size"`

	// OfflineCacheLimitBytes is the trim threshold enforced every cycle.
	// Defaults to 200 MiB.
	OfflineCacheLimitBytes int64 `yaml:"offline_cache_limit_bytes"`

	// TelemetryPushIntervalSeconds is the minimum period between
	// non-forced metric flushes. Defaults to 60.
	TelemetryPushIntervalSeconds int `yaml:"telemetry_push_interval_seconds"`

	// UpdatePollIntervalSeconds is the minimum number of seconds between
	// update manifest polls. Defaults to 300.
	UpdatePollIntervalSeconds int `yaml:"update_poll_interval_seconds"`

	// InventoryRefreshHours is the minimum number of hours between
	// inventory posts. Defaults to 12.
	InventoryRefreshHours int `yaml:"inventory_refresh_hours"`

	// DiagLogLines is the number of lines captured per log file when
	// collecting diagnostics. Defaults to 500.
	DiagLogLines int `yaml:"diag_log_lines"`

	// PingTimeoutSeconds is advisory to BackendClient implementations.
	// Defaults to 10.
	PingTimeoutSeconds int `yaml:"ping_timeout_seconds"`

	// LogDirectory is where the rolling edge-agent.log is written.
	// Defaults to "/var/log/edge-agent".
	LogDirectory string `yaml:"log_directory"`

	// DataDirectory is where update artifacts and command-results.json
	// are written. Defaults to "/var/lib/edge-agent".
	DataDirectory string `yaml:"data_directory"`
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. It returns a joined error
// describing every validation failure encountered.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with the defaults listed
// in the configuration table.
func applyDefaults(cfg *Config) {
	if cfg.SyncIntervalSeconds == 0 {
		cfg.SyncIntervalSeconds = 30
	}
	if cfg.MaxBatchSize == 0 {
		cfg.MaxBatchSize = 100
	}
	if cfg.OfflineCacheLimitBytes == 0 {
		cfg.OfflineCacheLimitBytes = 200 * 1024 * 1024
	}
	if cfg.TelemetryPushIntervalSeconds == 0 {
		cfg.TelemetryPushIntervalSeconds = 60
	}
	if cfg.UpdatePollIntervalSeconds == 0 {
		cfg.UpdatePollIntervalSeconds = 300
	}
	if cfg.InventoryRefreshHours == 0 {
		cfg.InventoryRefreshHours = 12
	}
	if cfg.DiagLogLines == 0 {
		cfg.DiagLogLines = 500
	}
	if cfg.PingTimeoutSeconds == 0 {
		cfg.PingTimeoutSeconds = 10
	}
	if cfg.LogDirectory == "" {
		cfg.LogDirectory = "/var/log/edge-agent"
	}
	if cfg.DataDirectory == "" {
		cfg.DataDirectory = "/var/lib/edge-agent"
	}
}

// validate checks that all required fields are populated.
func validate(cfg *Config) error {
	var errs []error

	if cfg.SiteID == "" {
		errs = append(errs, errors.New("site_id is required"))
	}
	if cfg.BackendURL == "" {
		errs = append(errs, errors.New("backend_url is required"))
	}
	if cfg.SecretKey == "" {
		errs = append(errs, errors.New("secret_key is required"))
	}
	if cfg.CachePath == "" {
		errs = append(errs, errors.New("cache_path is required"))
	}
	if cfg.OfflineCacheLimitBytes < 0 {
		errs = append(errs, errors.New("offline_cache_limit_bytes must not be negative"))
	}

	return errors.Join(errs...)
}

// SyncInterval returns SyncIntervalSeconds as a time.Duration.
func (cfg *Config) SyncInterval() time.Duration {
	return time.Duration(cfg.SyncIntervalSeconds) * time.Second
}

// PingTimeout returns PingTimeoutSeconds as a time.Duration.
func (cfg *Config) PingTimeout() time.Duration {
	return time.Duration(cfg.PingTimeoutSeconds) * time.Second
}
