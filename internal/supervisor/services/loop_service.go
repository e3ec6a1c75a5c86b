// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

package services

import (
	"context"
	"fmt"
)

// StartStopper is the lifecycle shared by fieldsync's background loops.
//
// Satisfied by:
//   - *network.Monitor
//   - *queue.Engine and *queue.Purger
//   - *auth.Refresher
//   - *audit.Syncer
//   - *store.GarbageCollector
type StartStopper interface {
	Start(ctx context.Context) error
	Stop()
	IsRunning() bool
}

// LoopService runs a StartStopper under supervision.
type LoopService struct {
	loop StartStopper
	name string
}

// NewLoopService wraps loop. name identifies it in supervisor events.
func NewLoopService(name string, loop StartStopper) *LoopService {
	return &LoopService{loop: loop, name: name}
}

// Serve implements suture.Service.
func (s *LoopService) Serve(ctx context.Context) error {
	if err := s.loop.Start(ctx); err != nil {
		return fmt.Errorf("%s start failed: %w", s.name, err)
	}

	<-ctx.Done()

	// Stop blocks until the loop goroutine has exited.
	s.loop.Stop()

	return ctx.Err()
}

// String implements fmt.Stringer for supervisor logging.
func (s *LoopService) String() string {
	return s.name
}
