// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Probe timeout bounds for the active connectivity check.
const (
	MinProbeTimeout = 5 * time.Second
	MaxProbeTimeout = 10 * time.Second
)

// Validate checks ranges and required values.
func (c *Config) Validate() error {
	checks := []func() error{
		c.validateAuthority,
		c.validateNetwork,
		c.validateAuth,
		c.validateQueue,
		c.validateAudit,
		c.validateStore,
		c.validateAdmin,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateAuthority() error {
	u, err := url.Parse(c.Authority.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("AUTHORITY_URL must be an absolute URL, got %q", c.Authority.BaseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("AUTHORITY_URL scheme must be http or https, got %q", u.Scheme)
	}
	if !strings.Contains(c.Authority.StatusPath, "{id}") {
		return fmt.Errorf("AUTHORITY_STATUS_PATH must contain {id}, got %q", c.Authority.StatusPath)
	}
	if c.Authority.RequestTimeout <= 0 {
		return fmt.Errorf("AUTHORITY_REQUEST_TIMEOUT must be positive")
	}
	return nil
}

func (c *Config) validateNetwork() error {
	if c.Network.ProbeTimeout < MinProbeTimeout || c.Network.ProbeTimeout > MaxProbeTimeout {
		return fmt.Errorf("NETWORK_PROBE_TIMEOUT must be between %s and %s, got %s",
			MinProbeTimeout, MaxProbeTimeout, c.Network.ProbeTimeout)
	}
	if c.Network.ProbeEnabled && c.Network.ProbeInterval <= 0 {
		return fmt.Errorf("NETWORK_PROBE_INTERVAL must be positive when probing is enabled")
	}
	if c.Network.SettleDelay < 0 {
		return fmt.Errorf("NETWORK_SETTLE_DELAY must not be negative")
	}
	return nil
}

func (c *Config) validateAuth() error {
	a := c.Auth
	if a.SessionLifetime <= 0 {
		return fmt.Errorf("AUTH_SESSION_LIFETIME must be positive")
	}
	if a.RefreshThreshold <= 0 || a.RefreshThreshold >= a.SessionLifetime {
		return fmt.Errorf("AUTH_REFRESH_THRESHOLD must be positive and shorter than the session lifetime")
	}
	if a.RefreshInterval <= 0 {
		return fmt.Errorf("AUTH_REFRESH_INTERVAL must be positive")
	}
	if a.RefreshTimeout <= 0 {
		return fmt.Errorf("AUTH_REFRESH_TIMEOUT must be positive")
	}
	if a.EncryptionKey != "" {
		key, err := base64.StdEncoding.DecodeString(a.EncryptionKey)
		if err != nil {
			return fmt.Errorf("TOKEN_ENCRYPTION_KEY must be base64: %w", err)
		}
		if len(key) < 32 {
			return fmt.Errorf("TOKEN_ENCRYPTION_KEY must decode to at least 32 bytes, got %d", len(key))
		}
	}
	return nil
}

func (c *Config) validateQueue() error {
	q := c.Queue
	if q.Retry.MaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if q.Retry.BaseDelay <= 0 {
		return fmt.Errorf("RETRY_BASE_DELAY must be positive")
	}
	if q.Retry.Multiplier < 1 {
		return fmt.Errorf("RETRY_MULTIPLIER must be at least 1, got %v", q.Retry.Multiplier)
	}
	if q.Retry.MaxDelay < q.Retry.BaseDelay {
		return fmt.Errorf("RETRY_MAX_DELAY must not be shorter than RETRY_BASE_DELAY")
	}
	if q.SchedulerInterval <= 0 {
		return fmt.Errorf("QUEUE_SCHEDULER_INTERVAL must be positive")
	}
	if q.BatchSize < 1 {
		return fmt.Errorf("QUEUE_BATCH_SIZE must be at least 1")
	}
	if q.FailedRetention <= 0 || q.PurgeInterval <= 0 {
		return fmt.Errorf("QUEUE_FAILED_RETENTION and QUEUE_PURGE_INTERVAL must be positive")
	}
	if q.AttemptsPerSecond < 0 {
		return fmt.Errorf("QUEUE_ATTEMPTS_PER_SEC must not be negative")
	}
	return nil
}

func (c *Config) validateAudit() error {
	if c.Audit.DedupWindow <= 0 {
		return fmt.Errorf("AUDIT_DEDUP_WINDOW must be positive")
	}
	if c.Audit.BatchSize < 1 {
		return fmt.Errorf("AUDIT_BATCH_SIZE must be at least 1")
	}
	if c.Audit.SyncInterval <= 0 {
		return fmt.Errorf("AUDIT_SYNC_INTERVAL must be positive")
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Backend {
	case "badger":
		if c.Store.Path == "" {
			return fmt.Errorf("STORE_PATH is required for the badger backend")
		}
	case "memory":
	default:
		return fmt.Errorf("STORE_BACKEND must be badger or memory, got %q", c.Store.Backend)
	}
	return nil
}

func (c *Config) validateAdmin() error {
	if !c.Admin.Enabled {
		return nil
	}
	if c.Admin.Listen == "" {
		return fmt.Errorf("ADMIN_LISTEN is required when the admin API is enabled")
	}
	if c.Admin.RateLimit < 1 || c.Admin.RateLimitWindow <= 0 {
		return fmt.Errorf("ADMIN_RATE_LIMIT and ADMIN_RATE_LIMIT_WINDOW must be positive")
	}
	return nil
}
