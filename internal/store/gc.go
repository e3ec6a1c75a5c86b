// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

package store

import (
	"context"
	"sync"
	"time"

	"github.com/tomtom215/fieldsync/internal/logging"
)

// GarbageCollector periodically reclaims Badger value log space. Expired
// TTL entries and deleted queue entries are only freed on disk by GC.
type GarbageCollector struct {
	store    *BadgerStore
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
	lastRun time.Time
}

// NewGarbageCollector returns a collector for s.
func NewGarbageCollector(s *BadgerStore, interval time.Duration) *GarbageCollector {
	return &GarbageCollector{store: s, interval: interval}
}

// Start begins the GC loop.
func (g *GarbageCollector) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return nil
	}
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.running = true
	g.mu.Unlock()

	g.wg.Add(1)
	go g.run()

	logging.Info().Dur("interval", g.interval).Msg("Store GC started")
	return nil
}

// Stop stops the loop and waits for it to exit.
func (g *GarbageCollector) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.cancel()
	g.running = false
	g.mu.Unlock()

	g.wg.Wait()
	logging.Info().Msg("Store GC stopped")
}

// IsRunning reports whether the loop is active.
func (g *GarbageCollector) IsRunning() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// LastRun returns when GC last completed.
func (g *GarbageCollector) LastRun() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastRun
}

func (g *GarbageCollector) run() {
	defer g.wg.Done()

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			g.RunOnce()
		}
	}
}

// RunOnce runs a single GC pass.
func (g *GarbageCollector) RunOnce() {
	if err := g.store.RunGC(); err != nil {
		logging.Warn().Err(err).Msg("Store GC failed")
		return
	}
	g.mu.Lock()
	g.lastRun = time.Now()
	g.mu.Unlock()
}
