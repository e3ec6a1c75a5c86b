// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/fieldsync/internal/logging"
	"github.com/tomtom215/fieldsync/internal/metrics"
	"github.com/tomtom215/fieldsync/internal/models"
	"github.com/tomtom215/fieldsync/internal/queue"
	"github.com/tomtom215/fieldsync/internal/store"
)

// orphanGrace is how long a batch queued by this process may go without a
// queue entry before it is treated as lost. The queue deletes a delivered
// entry before its resolution reaches the log.
const orphanGrace = 15 * time.Minute

// SyncReport describes one Sync pass.
type SyncReport struct {
	Batches  int      `json:"batches"`
	Entries  int      `json:"entries"`
	Released int      `json:"released"`
	QueueIDs []string `json:"queueIds,omitempty"`
}

// Sync queues every unsynced, unbatched entry in batches of BatchSize.
func (l *Log) Sync(ctx context.Context) (SyncReport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var report SyncReport

	released, err := l.releaseOrphansLocked(ctx)
	if err != nil {
		return report, err
	}
	report.Released = released

	entries, err := l.Entries(ctx)
	if err != nil {
		return report, err
	}
	pending := make([]models.AuditLogEntry, 0, len(entries))
	for i := range entries {
		if !entries[i].Synced && entries[i].BatchID == "" {
			pending = append(pending, entries[i])
		}
	}

	for start := 0; start < len(pending); start += l.cfg.BatchSize {
		end := start + l.cfg.BatchSize
		if end > len(pending) {
			end = len(pending)
		}
		chunk := pending[start:end]

		queueID, err := l.queueBatch(ctx, chunk)
		if err != nil {
			return report, err
		}
		report.Batches++
		report.Entries += len(chunk)
		report.QueueIDs = append(report.QueueIDs, queueID)
	}

	if report.Batches > 0 {
		logging.Info().
			Int("batches", report.Batches).
			Int("entries", report.Entries).
			Msg("Audit entries queued for upload")
		l.queue.ScanNow()
	}
	return report, nil
}

// queueBatch assigns a fresh BatchID to chunk and enqueues it. If the
// enqueue fails the batch is released again.
func (l *Log) queueBatch(ctx context.Context, chunk []models.AuditLogEntry) (string, error) {
	batchID := uuid.NewString()
	keys := make([]string, len(chunk))
	for i := range chunk {
		keys[i] = entryKey(chunk[i].ID)
		chunk[i].BatchID = batchID
	}

	err := l.store.Update(ctx, keys, func(tx store.Tx) error {
		for i := range chunk {
			if err := store.TxPutJSON(tx, keys[i], chunk[i], 0); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("assign audit batch: %w", err)
	}

	queueID, err := l.queue.Enqueue(ctx, queue.AuditBatchRequest{
		BatchID:  batchID,
		DeviceID: l.deviceID,
		Logs:     chunk,
	})
	if err != nil {
		if _, rerr := l.setBatchState(ctx, batchID, false); rerr != nil {
			logging.Error().Err(rerr).Str("batch_id", batchID).Msg("Failed to release audit batch")
		}
		return "", fmt.Errorf("queue audit batch: %w", err)
	}
	l.queued[batchID] = l.clock()
	metrics.AuditBatches.WithLabelValues("queued").Inc()
	return queueID, nil
}

// releaseOrphansLocked clears BatchIDs that no queue entry carries anymore.
// Batches from an earlier run are released at once; batches queued by this
// process only after orphanGrace, since their result may still be in flight.
func (l *Log) releaseOrphansLocked(ctx context.Context) (int, error) {
	queued, err := l.queue.List(ctx)
	if err != nil {
		return 0, err
	}
	live := make(map[string]bool)
	for i := range queued {
		if queued[i].Type == models.RequestAuditBatch && !queued[i].PermanentlyFailed {
			live[queued[i].BatchID] = true
		}
	}

	entries, err := l.Entries(ctx)
	if err != nil {
		return 0, err
	}
	now := l.clock()
	orphans := make(map[string]bool)
	for i := range entries {
		batchID := entries[i].BatchID
		if entries[i].Synced || batchID == "" || live[batchID] {
			continue
		}
		if at, ok := l.queued[batchID]; ok && now.Sub(at) < orphanGrace {
			continue
		}
		orphans[batchID] = true
	}

	released := 0
	for batchID := range orphans {
		n, err := l.setBatchState(ctx, batchID, false)
		if err != nil {
			return released, err
		}
		delete(l.queued, batchID)
		released += n
	}
	if released > 0 {
		logging.Warn().Int("entries", released).Msg("Released audit entries from lost batches")
	}
	return released, nil
}

// setBatchState marks the entries of batchID synced, or releases them for
// re-batching. It returns how many entries changed.
func (l *Log) setBatchState(ctx context.Context, batchID string, synced bool) (int, error) {
	entries, err := l.Entries(ctx)
	if err != nil {
		return 0, err
	}
	var keys []string
	for i := range entries {
		if entries[i].BatchID == batchID && !entries[i].Synced {
			keys = append(keys, entryKey(entries[i].ID))
		}
	}
	if len(keys) == 0 {
		return 0, nil
	}

	changed := 0
	err = l.store.Update(ctx, keys, func(tx store.Tx) error {
		changed = 0
		for _, key := range keys {
			var e models.AuditLogEntry
			found, err := store.TxGetJSON(tx, key, &e)
			if err != nil {
				return err
			}
			if !found || e.BatchID != batchID || e.Synced {
				continue
			}
			if synced {
				e.Synced = true
			} else {
				e.BatchID = ""
			}
			if err := store.TxPutJSON(tx, key, e, 0); err != nil {
				return err
			}
			changed++
		}
		return nil
	})
	return changed, err
}

func (l *Log) onResolved(ctx context.Context, r queue.Resolution) {
	if r.Entry.Type != models.RequestAuditBatch || r.Entry.BatchID == "" {
		return
	}
	batchID := r.Entry.BatchID

	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.queued, batchID)

	n, err := l.setBatchState(ctx, batchID, r.Delivered)
	if err != nil {
		logging.Error().Err(err).Str("batch_id", batchID).Msg("Failed to apply audit batch result")
		return
	}
	if r.Delivered {
		metrics.AuditBatches.WithLabelValues("synced").Inc()
		logging.Info().Str("batch_id", batchID).Int("entries", n).Msg("Audit batch synced")
		return
	}
	metrics.AuditBatches.WithLabelValues("released").Inc()
	logging.Warn().Err(r.Err).Str("batch_id", batchID).Int("entries", n).Msg("Audit batch failed, entries released")
}

// Prune deletes synced entries older than the synced retention.
func (l *Log) Prune(ctx context.Context) (int, error) {
	entries, err := l.Entries(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := l.clock().Add(-l.cfg.SyncedRetention)
	var keys []string
	for i := range entries {
		if entries[i].Synced && entries[i].Timestamp.Before(cutoff) {
			keys = append(keys, entryKey(entries[i].ID))
		}
	}
	if len(keys) == 0 {
		return 0, nil
	}
	err = l.store.Update(ctx, keys, func(tx store.Tx) error {
		for _, key := range keys {
			if err := tx.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune audit entries: %w", err)
	}
	logging.Info().Int("entries", len(keys)).Msg("Pruned synced audit entries")
	return len(keys), nil
}

// Syncer runs Sync and Prune on a fixed interval.
type Syncer struct {
	log      *Log
	interval time.Duration

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	stopDone chan struct{}
}

// NewSyncer returns a Syncer for log.
func NewSyncer(log *Log, interval time.Duration) *Syncer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Syncer{log: log, interval: interval}
}

// Start launches the loop.
func (s *Syncer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.stopDone = make(chan struct{})

	go s.run(loopCtx, s.stopDone)

	logging.Info().Dur("interval", s.interval).Msg("Audit syncer started")
	return nil
}

// Stop ends the loop and waits for it.
func (s *Syncer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	done := s.stopDone
	s.mu.Unlock()

	<-done
	logging.Info().Msg("Audit syncer stopped")
}

// IsRunning reports whether the loop is active.
func (s *Syncer) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Syncer) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs one sync and prune pass.
func (s *Syncer) RunOnce(ctx context.Context) {
	if _, err := s.log.Sync(ctx); err != nil {
		logging.Error().Err(err).Msg("Audit sync failed")
	}
	if _, err := s.log.Prune(ctx); err != nil {
		logging.Error().Err(err).Msg("Audit prune failed")
	}
}
