// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"
)

type mockLoop struct {
	mu       sync.Mutex
	running  bool
	starts   int
	stops    int
	startErr error
	started  chan struct{}
}

func newMockLoop() *mockLoop {
	return &mockLoop{started: make(chan struct{}, 1)}
}

func (m *mockLoop) Start(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts++
	if m.startErr != nil {
		return m.startErr
	}
	m.running = true
	select {
	case m.started <- struct{}{}:
	default:
	}
	return nil
}

func (m *mockLoop) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	m.running = false
}

func (m *mockLoop) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func TestLoopServiceImplementsService(t *testing.T) {
	var _ suture.Service = (*LoopService)(nil)
}

func TestLoopServiceStartsAndStops(t *testing.T) {
	loop := newMockLoop()
	svc := NewLoopService("queue-scheduler", loop)
	if svc.String() != "queue-scheduler" {
		t.Errorf("String() = %q, want queue-scheduler", svc.String())
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Serve(ctx) }()

	select {
	case <-loop.started:
	case <-time.After(time.Second):
		t.Fatal("loop was not started")
	}
	if !loop.IsRunning() {
		t.Error("IsRunning() = false while serving")
	}

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve did not return")
	}

	loop.mu.Lock()
	defer loop.mu.Unlock()
	if loop.starts != 1 || loop.stops != 1 || loop.running {
		t.Errorf("starts=%d stops=%d running=%v, want 1/1/false", loop.starts, loop.stops, loop.running)
	}
}

func TestLoopServiceStartFailure(t *testing.T) {
	loop := newMockLoop()
	loop.startErr = errors.New("store closed")
	svc := NewLoopService("purger", loop)

	err := svc.Serve(context.Background())
	if !errors.Is(err, loop.startErr) {
		t.Fatalf("Serve() = %v, want start error", err)
	}
	if loop.stops != 0 {
		t.Error("Stop called after a failed Start")
	}
}
