// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

// Package config loads fieldsync configuration with koanf.
//
// Loading order (later layers win):
//  1. Defaults from defaultConfig
//  2. Optional YAML file (CONFIG_PATH or one of DefaultConfigPaths)
//  3. Environment variables listed in envMappings
//
// The result is validated before it is returned.
package config

import "time"

// Config is the root configuration.
type Config struct {
	Device     DeviceConfig     `koanf:"device"`
	Authority  AuthorityConfig  `koanf:"authority"`
	Network    NetworkConfig    `koanf:"network"`
	Auth       AuthConfig       `koanf:"auth"`
	Queue      QueueConfig      `koanf:"queue"`
	Audit      AuditConfig      `koanf:"audit"`
	Store      StoreConfig      `koanf:"store"`
	Breaker    BreakerConfig    `koanf:"breaker"`
	Admin      AdminConfig      `koanf:"admin"`
	Logging    LoggingConfig    `koanf:"logging"`
	Supervisor SupervisorConfig `koanf:"supervisor"`
}

// DeviceConfig identifies this installation to the authority.
type DeviceConfig struct {
	// ID is sent with refresh calls and audit batches. Generated and
	// persisted on first start when empty.
	ID string `koanf:"id"`

	// Info is free-form text attached to audit entries (model, OS, app version).
	Info string `koanf:"info"`
}

// AuthorityConfig describes the remote REST authority.
type AuthorityConfig struct {
	BaseURL        string        `koanf:"base_url"`
	RefreshPath    string        `koanf:"refresh_path"`
	StatusPath     string        `koanf:"status_path"` // must contain {id}
	AuditPath      string        `koanf:"audit_path"`
	HealthPath     string        `koanf:"health_path"`
	LoginPath      string        `koanf:"login_path"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	UserAgent      string        `koanf:"user_agent"`
}

// NetworkConfig controls the connectivity monitor.
type NetworkConfig struct {
	// ProbeEnabled runs a periodic active probe for hosts that have no
	// platform connectivity callback.
	ProbeEnabled  bool          `koanf:"probe_enabled"`
	ProbeInterval time.Duration `koanf:"probe_interval"`
	ProbeTimeout  time.Duration `koanf:"probe_timeout"`

	// SettleDelay is how long the link must stay up before reconnect hooks run.
	SettleDelay time.Duration `koanf:"settle_delay"`

	// StartOnline is the assumed state before the first signal arrives.
	StartOnline bool `koanf:"start_online"`
}

// AuthConfig controls session lifetime and the background refresher.
type AuthConfig struct {
	SessionLifetime  time.Duration `koanf:"session_lifetime"`
	RefreshThreshold time.Duration `koanf:"refresh_threshold"`
	RefreshInterval  time.Duration `koanf:"refresh_interval"`
	StartupDelay     time.Duration `koanf:"startup_delay"`
	RefreshTimeout   time.Duration `koanf:"refresh_timeout"`

	// EncryptionKey is a base64 master key (>= 32 bytes decoded). When set,
	// stored tokens are encrypted with an HKDF-derived AES-256-GCM key.
	EncryptionKey string `koanf:"encryption_key"`
}

// RetryPolicy is the single source of truth for retry behavior.
type RetryPolicy struct {
	MaxAttempts int           `koanf:"max_attempts"`
	BaseDelay   time.Duration `koanf:"base_delay"`
	Multiplier  float64       `koanf:"multiplier"`
	MaxDelay    time.Duration `koanf:"max_delay"`

	// RetryRateLimited treats HTTP 429 as retryable. Off by default: a
	// rate-limited entry fails permanently on the first 429.
	RetryRateLimited bool `koanf:"retry_rate_limited"`
}

// QueueConfig controls the retry engine.
type QueueConfig struct {
	Retry             RetryPolicy   `koanf:"retry"`
	SchedulerInterval time.Duration `koanf:"scheduler_interval"`
	BatchSize         int           `koanf:"batch_size"`
	FailedRetention   time.Duration `koanf:"failed_retention"`
	PurgeInterval     time.Duration `koanf:"purge_interval"`

	// AttemptsPerSecond paces attempts across a tick. 0 disables pacing.
	AttemptsPerSecond float64 `koanf:"attempts_per_second"`
}

// AuditConfig controls audit deduplication and upload.
type AuditConfig struct {
	DedupWindow     time.Duration `koanf:"dedup_window"`
	BatchSize       int           `koanf:"batch_size"`
	SyncInterval    time.Duration `koanf:"sync_interval"`
	SyncedRetention time.Duration `koanf:"synced_retention"`
}

// StoreConfig selects and tunes the durable store.
type StoreConfig struct {
	// Backend is badger or memory. memory loses everything on restart.
	Backend    string `koanf:"backend"`
	Path       string `koanf:"path"`
	SyncWrites bool   `koanf:"sync_writes"`

	// GCInterval runs Badger value log GC. 0 disables it.
	GCInterval time.Duration `koanf:"gc_interval"`
}

// BreakerConfig tunes the circuit breaker in front of the authority.
type BreakerConfig struct {
	Enabled             bool          `koanf:"enabled"`
	MaxRequests         uint32        `koanf:"max_requests"`
	Interval            time.Duration `koanf:"interval"`
	Timeout             time.Duration `koanf:"timeout"`
	ConsecutiveFailures uint32        `koanf:"consecutive_failures"`
}

// AdminConfig controls the loopback control API.
type AdminConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Listen          string        `koanf:"listen"`
	RateLimit       int           `koanf:"rate_limit"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// SupervisorConfig mirrors supervisor.TreeConfig.
type SupervisorConfig struct {
	FailureThreshold float64       `koanf:"failure_threshold"`
	FailureDecay     float64       `koanf:"failure_decay"`
	FailureBackoff   time.Duration `koanf:"failure_backoff"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout"`
}
