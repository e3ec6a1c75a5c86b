// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

package network

import (
	"context"
	"time"

	"github.com/tomtom215/fieldsync/internal/logging"
)

// Start runs TestConnectivity every probe interval and reports the result.
// Hosts with a platform connectivity callback do not need it.
func (m *Monitor) Start(ctx context.Context) error {
	m.loopMu.Lock()
	if m.running {
		m.loopMu.Unlock()
		return nil
	}
	if m.probeInterval <= 0 {
		m.probeInterval = 30 * time.Second
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.loopMu.Unlock()

	m.wg.Add(1)
	go m.probeLoop(loopCtx)

	logging.Info().
		Dur("interval", m.probeInterval).
		Dur("timeout", m.probeTimeout).
		Msg("Connectivity probe started")
	return nil
}

// Stop ends the probe loop and cancels any pending reconnect.
func (m *Monitor) Stop() {
	m.loopMu.Lock()
	if !m.running {
		m.loopMu.Unlock()
		return
	}
	m.cancel()
	m.running = false
	m.loopMu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	if m.settleCancel != nil {
		m.settleCancel()
		m.settleCancel = nil
	}
	m.mu.Unlock()
	logging.Info().Msg("Connectivity probe stopped")
}

// IsRunning reports whether the probe loop is active.
func (m *Monitor) IsRunning() bool {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	return m.running
}

func (m *Monitor) probeLoop(ctx context.Context) {
	defer m.wg.Done()

	m.ProbeOnce(ctx)

	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ProbeOnce(ctx)
		}
	}
}

// ProbeOnce probes and reports the result, keeping the last known
// connection type.
func (m *Monitor) ProbeOnce(ctx context.Context) ProbeResult {
	res := m.TestConnectivity(ctx)
	if ctx.Err() != nil {
		return res
	}
	m.Report(res.Reachable, m.State().ConnectionType)
	return res
}
