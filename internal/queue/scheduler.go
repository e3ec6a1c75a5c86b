// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

package queue

import (
	"context"
	"time"

	"github.com/tomtom215/fieldsync/internal/logging"
	"github.com/tomtom215/fieldsync/internal/metrics"
)

// Start runs the scheduler until Stop is called or ctx is canceled. The
// first tick runs immediately so entries persisted before a restart are
// picked up without waiting a full interval.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()

	// Wait for any in-progress Stop to finish.
	for e.stopping {
		done := e.stopDone
		e.mu.Unlock()
		<-done
		e.mu.Lock()
	}

	if e.running {
		e.mu.Unlock()
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	e.stopDone = make(chan struct{})
	done := e.stopDone
	e.mu.Unlock()

	go e.run(loopCtx, done)

	logging.Info().
		Dur("interval", e.cfg.SchedulerInterval).
		Int("batch_size", e.cfg.BatchSize).
		Int("max_attempts", e.policy.MaxAttempts).
		Msg("Retry scheduler started")
	return nil
}

// Stop ends the scheduler and waits for the current tick to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running || e.stopping {
		e.mu.Unlock()
		return
	}
	e.cancel()
	e.running = false
	e.stopping = true
	done := e.stopDone
	e.mu.Unlock()

	<-done

	e.mu.Lock()
	e.stopping = false
	e.mu.Unlock()

	logging.Info().Msg("Retry scheduler stopped")
}

// IsRunning reports whether the scheduler loop is active.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// ScanNow asks the scheduler for an immediate tick. It never blocks.
func (e *Engine) ScanNow() {
	select {
	case e.scanCh <- struct{}{}:
	default:
	}
}

func (e *Engine) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.cfg.SchedulerInterval)
	defer ticker.Stop()

	e.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
		case <-e.scanCh:
			e.Tick(ctx)
		}
	}
}

// Tick runs one scheduler pass synchronously and returns the number of
// entries attempted. Nothing is attempted while offline or halted.
func (e *Engine) Tick(ctx context.Context) int {
	if !e.net.IsOnline() {
		metrics.SchedulerTicks.WithLabelValues("offline").Inc()
		return 0
	}
	if e.halted.Load() {
		metrics.SchedulerTicks.WithLabelValues("halted").Inc()
		return 0
	}

	ctx = logging.ContextWithNewCorrelationID(ctx)
	due, err := e.due(ctx)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("Retry scheduler: failed to load due entries")
		metrics.SchedulerTicks.WithLabelValues("error").Inc()
		return 0
	}
	metrics.SchedulerTicks.WithLabelValues("ran").Inc()
	if len(due) == 0 {
		return 0
	}

	attempted := 0
	outcomes := make(map[Outcome]int)
	for i := range due {
		if ctx.Err() != nil || !e.net.IsOnline() || e.halted.Load() {
			break
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				break
			}
		}

		outcome, err := e.Attempt(ctx, due[i].ID)
		if outcome == OutcomeSkipped || (outcome == "" && err != nil) {
			continue
		}
		attempted++
		outcomes[outcome]++
	}

	if attempted > 0 {
		logging.Ctx(ctx).Info().
			Int("attempted", attempted).
			Int("delivered", outcomes[OutcomeDelivered]).
			Int("retry", outcomes[OutcomeRetry]).
			Int("failed", outcomes[OutcomeFailed]).
			Int("parked", outcomes[OutcomeParked]).
			Msg("Retry scheduler tick complete")
	}
	return attempted
}
