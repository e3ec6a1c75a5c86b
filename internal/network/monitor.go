// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

// Package network tracks device connectivity. It is the only writer of
// models.NetworkState; everyone else reads it or subscribes.
package network

import (
	"context"
	"sync"
	"time"

	"github.com/tomtom215/fieldsync/internal/config"
	"github.com/tomtom215/fieldsync/internal/logging"
	"github.com/tomtom215/fieldsync/internal/metrics"
	"github.com/tomtom215/fieldsync/internal/models"
)

// Prober performs an active reachability check. authority.Client
// implements it.
type Prober interface {
	Ping(ctx context.Context) (time.Duration, error)
}

// ProbeResult is the outcome of TestConnectivity.
type ProbeResult struct {
	Reachable bool          `json:"reachable"`
	Latency   time.Duration `json:"latency"`
}

// Monitor holds the current NetworkState and fans changes out.
type Monitor struct {
	mu     sync.RWMutex
	state  models.NetworkState
	subs   map[int]func(models.NetworkState)
	nextID int
	hooks  []func(context.Context)

	settleDelay  time.Duration
	settleCancel context.CancelFunc
	hookWG       sync.WaitGroup

	prober        Prober
	probeTimeout  time.Duration
	probeInterval time.Duration

	now func() time.Time

	// probe loop
	loopMu  sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewMonitor builds a Monitor. prober may be nil, in which case
// TestConnectivity always reports unreachable.
func NewMonitor(cfg config.NetworkConfig, prober Prober) *Monitor {
	m := &Monitor{
		subs:          make(map[int]func(models.NetworkState)),
		settleDelay:   cfg.SettleDelay,
		prober:        prober,
		probeTimeout:  cfg.ProbeTimeout,
		probeInterval: cfg.ProbeInterval,
		now:           time.Now,
	}
	if m.probeTimeout <= 0 {
		m.probeTimeout = config.MinProbeTimeout
	}

	m.state = models.NetworkState{IsOnline: cfg.StartOnline, ConnectionType: models.ConnectionUnknown}
	if cfg.StartOnline {
		m.state.LastOnlineAt = m.now()
	}
	metrics.NetworkOnline.Set(metrics.BoolGauge(cfg.StartOnline))
	return m
}

// SetTimeFunc overrides the clock. Intended for tests.
func (m *Monitor) SetTimeFunc(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// IsOnline reports the current connectivity.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.IsOnline
}

// State returns a copy of the current state.
func (m *Monitor) State() models.NetworkState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Subscribe registers fn for every state change and returns a func that
// removes it. fn runs on the goroutine that reported the change.
func (m *Monitor) Subscribe(fn func(models.NetworkState)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// OnReconnect registers fn to run after an offline to online transition has
// held for the settle delay. Hooks run in registration order.
func (m *Monitor) OnReconnect(fn func(context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// Report feeds a platform connectivity signal into the monitor.
func (m *Monitor) Report(online bool, ct models.ConnectionType) {
	if ct == "" {
		ct = models.ConnectionUnknown
	}

	m.mu.Lock()
	prev := m.state
	if prev.IsOnline == online && prev.ConnectionType == ct {
		m.mu.Unlock()
		return
	}

	next := prev
	next.IsOnline = online
	next.ConnectionType = ct
	wentOnline := online && !prev.IsOnline
	wentOffline := !online && prev.IsOnline
	now := m.now()
	if wentOnline {
		next.LastOnlineAt = now
	}
	if wentOffline {
		next.LastOfflineAt = now
	}
	m.state = next

	if wentOffline && m.settleCancel != nil {
		// A flap inside the settle window cancels the pending reconnect.
		m.settleCancel()
		m.settleCancel = nil
	}
	if wentOnline {
		m.scheduleReconnectLocked()
	}

	subs := make([]func(models.NetworkState), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	if wentOnline || wentOffline {
		metrics.NetworkOnline.Set(metrics.BoolGauge(online))
		to := "offline"
		if online {
			to = "online"
		}
		metrics.NetworkTransitions.WithLabelValues(to).Inc()
		logging.Info().
			Bool("online", online).
			Str("connection_type", string(ct)).
			Msg("Connectivity changed")
	}

	for _, fn := range subs {
		fn(next)
	}
}

// scheduleReconnectLocked must be called with mu held.
func (m *Monitor) scheduleReconnectLocked() {
	if m.settleCancel != nil {
		m.settleCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.settleCancel = cancel
	hooks := append([]func(context.Context){}, m.hooks...)
	delay := m.settleDelay

	m.hookWG.Add(1)
	go func() {
		defer m.hookWG.Done()
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				logging.Debug().Msg("Reconnect canceled by flap")
				return
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			return
		}
		logging.Debug().Int("hooks", len(hooks)).Msg("Running reconnect hooks")
		for _, h := range hooks {
			h(ctx)
		}
		m.mu.Lock()
		// Release the context unless a newer reconnect replaced it.
		if ctx.Err() == nil {
			m.settleCancel = nil
		}
		m.mu.Unlock()
		cancel()
	}()
}

// WaitReconnect blocks until every scheduled reconnect run has finished.
func (m *Monitor) WaitReconnect() {
	m.hookWG.Wait()
}

// TestConnectivity runs one active probe bounded by the probe timeout.
// Errors are never returned; a failed probe is simply unreachable.
func (m *Monitor) TestConnectivity(ctx context.Context) ProbeResult {
	if m.prober == nil {
		return ProbeResult{}
	}
	ctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	latency, err := m.prober.Ping(ctx)
	if err != nil {
		logging.Debug().Err(err).Msg("Connectivity probe failed")
		return ProbeResult{Latency: latency}
	}
	metrics.NetworkProbeLatency.Observe(latency.Seconds())
	return ProbeResult{Reachable: true, Latency: latency}
}
