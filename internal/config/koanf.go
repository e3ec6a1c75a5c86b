// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths are searched in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{
	"fieldsync.yaml",
	"fieldsync.yml",
	"/etc/fieldsync/config.yaml",
}

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

func defaultConfig() *Config {
	return &Config{
		Authority: AuthorityConfig{
			BaseURL:        "http://127.0.0.1:8080",
			RefreshPath:    "/auth/refresh",
			StatusPath:     "/cases/{id}/status",
			AuditPath:      "/audit/logs",
			HealthPath:     "/health",
			LoginPath:      "/auth/login",
			RequestTimeout: 30 * time.Second,
			UserAgent:      "fieldsync-agent",
		},
		Network: NetworkConfig{
			ProbeEnabled:  false,
			ProbeInterval: 30 * time.Second,
			ProbeTimeout:  5 * time.Second,
			SettleDelay:   2 * time.Second,
			StartOnline:   true,
		},
		Auth: AuthConfig{
			SessionLifetime:  30 * 24 * time.Hour,
			RefreshThreshold: 7 * 24 * time.Hour,
			RefreshInterval:  30 * time.Minute,
			StartupDelay:     5 * time.Second,
			RefreshTimeout:   10 * time.Second,
		},
		Queue: QueueConfig{
			Retry: RetryPolicy{
				MaxAttempts: 5,
				BaseDelay:   2 * time.Second,
				Multiplier:  2,
				MaxDelay:    5 * time.Minute,
			},
			SchedulerInterval: 5 * time.Second,
			BatchSize:         3,
			FailedRetention:   time.Hour,
			PurgeInterval:     5 * time.Minute,
			AttemptsPerSecond: 2,
		},
		Audit: AuditConfig{
			DedupWindow:     5 * time.Minute,
			BatchSize:       50,
			SyncInterval:    time.Minute,
			SyncedRetention: 7 * 24 * time.Hour,
		},
		Store: StoreConfig{
			Backend:    "badger",
			Path:       "/data/fieldsync",
			SyncWrites: true,
			GCInterval: 10 * time.Minute,
		},
		Breaker: BreakerConfig{
			Enabled:             true,
			MaxRequests:         1,
			Interval:            time.Minute,
			Timeout:             30 * time.Second,
			ConsecutiveFailures: 5,
		},
		Admin: AdminConfig{
			Enabled:         true,
			Listen:          "127.0.0.1:7311",
			RateLimit:       120,
			RateLimitWindow: time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Supervisor: SupervisorConfig{
			FailureThreshold: 5,
			FailureDecay:     30,
			FailureBackoff:   15 * time.Second,
			ShutdownTimeout:  10 * time.Second,
		},
	}
}

// Default returns the built-in defaults without reading files or env.
func Default() *Config {
	return defaultConfig()
}

// Load reads defaults, the optional config file and environment overrides,
// then validates the result.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envMappings maps environment variable names (lower-cased) to koanf paths.
// Variables not listed here are ignored.
var envMappings = map[string]string{
	"fieldsync_device_id":   "device.id",
	"fieldsync_device_info": "device.info",

	"authority_url":             "authority.base_url",
	"authority_refresh_path":    "authority.refresh_path",
	"authority_status_path":     "authority.status_path",
	"authority_audit_path":      "authority.audit_path",
	"authority_health_path":     "authority.health_path",
	"authority_login_path":      "authority.login_path",
	"authority_request_timeout": "authority.request_timeout",

	"network_probe_enabled":  "network.probe_enabled",
	"network_probe_interval": "network.probe_interval",
	"network_probe_timeout":  "network.probe_timeout",
	"network_settle_delay":   "network.settle_delay",
	"network_start_online":   "network.start_online",

	"auth_session_lifetime":  "auth.session_lifetime",
	"auth_refresh_threshold": "auth.refresh_threshold",
	"auth_refresh_interval":  "auth.refresh_interval",
	"auth_startup_delay":     "auth.startup_delay",
	"auth_refresh_timeout":   "auth.refresh_timeout",
	"token_encryption_key":   "auth.encryption_key",

	"retry_max_attempts":       "queue.retry.max_attempts",
	"retry_base_delay":         "queue.retry.base_delay",
	"retry_multiplier":         "queue.retry.multiplier",
	"retry_max_delay":          "queue.retry.max_delay",
	"retry_rate_limited":       "queue.retry.retry_rate_limited",
	"queue_scheduler_interval": "queue.scheduler_interval",
	"queue_batch_size":         "queue.batch_size",
	"queue_failed_retention":   "queue.failed_retention",
	"queue_purge_interval":     "queue.purge_interval",
	"queue_attempts_per_sec":   "queue.attempts_per_second",

	"audit_dedup_window":     "audit.dedup_window",
	"audit_batch_size":       "audit.batch_size",
	"audit_sync_interval":    "audit.sync_interval",
	"audit_synced_retention": "audit.synced_retention",

	"store_backend":     "store.backend",
	"store_path":        "store.path",
	"store_sync_writes": "store.sync_writes",
	"store_gc_interval": "store.gc_interval",

	"breaker_enabled":              "breaker.enabled",
	"breaker_max_requests":         "breaker.max_requests",
	"breaker_interval":             "breaker.interval",
	"breaker_timeout":              "breaker.timeout",
	"breaker_consecutive_failures": "breaker.consecutive_failures",

	"admin_enabled":           "admin.enabled",
	"admin_listen":            "admin.listen",
	"admin_rate_limit":        "admin.rate_limit",
	"admin_rate_limit_window": "admin.rate_limit_window",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}

// envTransformFunc maps an environment variable name to a koanf path, or
// returns "" so the variable is skipped.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}
