// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

package queue

import (
	"context"
	"sync"
	"time"

	"github.com/tomtom215/fieldsync/internal/config"
	"github.com/tomtom215/fieldsync/internal/logging"
	"github.com/tomtom215/fieldsync/internal/metrics"
	"github.com/tomtom215/fieldsync/internal/models"
	"github.com/tomtom215/fieldsync/internal/store"
)

// PurgeFailed deletes permanently failed entries whose diagnostic window
// has elapsed and returns how many were removed.
func (e *Engine) PurgeFailed(ctx context.Context) (int, error) {
	entries, err := e.List(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := e.clock().Add(-e.cfg.FailedRetention)
	purged := 0
	for i := range entries {
		if !entries[i].PermanentlyFailed || entries[i].FailedAt.After(cutoff) {
			continue
		}
		key := entryKey(entries[i].ID)
		removed := false
		err := e.store.Update(ctx, []string{key}, func(tx store.Tx) error {
			removed = false
			var cur models.RetryableRequest
			found, err := store.TxGetJSON(tx, key, &cur)
			if err != nil || !found {
				return err
			}
			// Re-submitted since the scan.
			if !cur.PermanentlyFailed || cur.FailedAt.After(cutoff) {
				return nil
			}
			removed = true
			return tx.Delete(key)
		})
		if err != nil {
			return purged, err
		}
		if removed {
			purged++
		}
	}

	if purged > 0 {
		metrics.QueuePurged.Add(float64(purged))
		logging.Info().Int("purged", purged).Msg("Purged expired failed entries")
		e.refreshGauges(ctx)
	}
	return purged, nil
}

// Purger runs PurgeFailed on a fixed interval, independent of enqueue
// activity.
type Purger struct {
	engine   *Engine
	interval time.Duration

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	stopDone chan struct{}
	lastRun  time.Time
}

// NewPurger returns a Purger for engine.
func NewPurger(engine *Engine, interval time.Duration) *Purger {
	if interval <= 0 {
		interval = config.Default().Queue.PurgeInterval
	}
	return &Purger{engine: engine, interval: interval}
}

// Start launches the purge loop.
func (p *Purger) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	p.stopDone = make(chan struct{})

	go p.run(loopCtx, p.stopDone)

	logging.Info().Dur("interval", p.interval).Msg("Failed entry purger started")
	return nil
}

// Stop ends the loop and waits for it.
func (p *Purger) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.cancel()
	p.running = false
	done := p.stopDone
	p.mu.Unlock()

	<-done
	logging.Info().Msg("Failed entry purger stopped")
}

// IsRunning reports whether the loop is active.
func (p *Purger) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// LastRun returns when the last pass finished.
func (p *Purger) LastRun() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRun
}

func (p *Purger) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce performs one purge pass.
func (p *Purger) RunOnce(ctx context.Context) {
	if _, err := p.engine.PurgeFailed(ctx); err != nil {
		logging.Error().Err(err).Msg("Failed entry purge failed")
	}
	p.mu.Lock()
	p.lastRun = time.Now()
	p.mu.Unlock()
}
