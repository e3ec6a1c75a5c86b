// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

package queue

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tomtom215/fieldsync/internal/config"
	"github.com/tomtom215/fieldsync/internal/models"
)

// maxBackoffSteps bounds the walk in Delay; the cap is reached long before.
const maxBackoffSteps = 64

// Policy applies a config.RetryPolicy to queue entries.
type Policy struct {
	config.RetryPolicy
}

// NewPolicy fills zero fields of p with the defaults.
func NewPolicy(p config.RetryPolicy) Policy {
	def := config.Default().Queue.Retry
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return Policy{RetryPolicy: p}
}

// Delay returns the wait after the given number of counted attempts:
// min(BaseDelay * Multiplier^(attempts-1), MaxDelay). No jitter is applied.
func (p Policy) Delay(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < attempts && i < maxBackoffSteps; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Retryable reports whether a failure of kind should be scheduled again.
func (p Policy) Retryable(kind models.ErrorKind) bool {
	if kind == models.ErrKindRateLimited {
		return p.RetryRateLimited
	}
	return kind.Retryable()
}
