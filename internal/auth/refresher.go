// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tomtom215/fieldsync/internal/logging"
	"github.com/tomtom215/fieldsync/internal/models"
)

// Refresher keeps the session fresh while the app is idle. It checks once
// shortly after start and then on every interval.
type Refresher struct {
	coord        *Coordinator
	startupDelay time.Duration
	interval     time.Duration

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	stopDone chan struct{}
}

// NewRefresher returns a Refresher for coord.
func NewRefresher(coord *Coordinator, startupDelay, interval time.Duration) *Refresher {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	return &Refresher{coord: coord, startupDelay: startupDelay, interval: interval}
}

// Start launches the refresh loop.
func (r *Refresher) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.stopDone = make(chan struct{})

	go r.loop(loopCtx, r.stopDone)

	logging.Info().
		Dur("startup_delay", r.startupDelay).
		Dur("interval", r.interval).
		Msg("Session refresher started")
	return nil
}

// Stop ends the loop and waits for it.
func (r *Refresher) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.cancel()
	done := r.stopDone
	r.running = false
	r.mu.Unlock()

	<-done
	logging.Info().Msg("Session refresher stopped")
}

// IsRunning reports whether the loop is active.
func (r *Refresher) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Refresher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	startup := time.NewTimer(r.startupDelay)
	defer startup.Stop()
	select {
	case <-ctx.Done():
		return
	case <-startup.C:
		r.RunOnce(ctx)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs one check.
func (r *Refresher) RunOnce(ctx context.Context) {
	if r.coord.Session() == nil {
		return
	}
	_, err := r.coord.GetValidAccessToken(ctx)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrAuthRequired):
		logging.Debug().Msg("Background refresh: re-authentication required")
	default:
		logging.Debug().Err(err).Msg("Background refresh check failed")
	}
}
