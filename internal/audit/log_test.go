// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/fieldsync/internal/config"
	"github.com/tomtom215/fieldsync/internal/models"
	"github.com/tomtom215/fieldsync/internal/queue"
	"github.com/tomtom215/fieldsync/internal/store"
)

// fakeQueue records enqueued batches and lets tests resolve them.
type fakeQueue struct {
	mu         sync.Mutex
	batches    []queue.AuditBatchRequest
	entries    []models.RetryableRequest
	hooks      []func(context.Context, queue.Resolution)
	enqueueErr error
	scans      int
}

func (q *fakeQueue) Enqueue(_ context.Context, req queue.Request) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return "", q.enqueueErr
	}
	b, ok := req.(queue.AuditBatchRequest)
	if !ok {
		return "", fmt.Errorf("unexpected request %T", req)
	}
	id := fmt.Sprintf("q-%d", len(q.batches)+1)
	q.batches = append(q.batches, b)
	q.entries = append(q.entries, models.RetryableRequest{
		ID:      id,
		Type:    models.RequestAuditBatch,
		BatchID: b.BatchID,
	})
	return id, nil
}

func (q *fakeQueue) List(context.Context) ([]models.RetryableRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]models.RetryableRequest(nil), q.entries...), nil
}

func (q *fakeQueue) OnResolved(fn func(context.Context, queue.Resolution)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.hooks = append(q.hooks, fn)
}

func (q *fakeQueue) ScanNow() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.scans++
}

// resolve removes the entry carrying batch i and publishes its result.
func (q *fakeQueue) resolve(t *testing.T, i int, delivered bool) {
	t.Helper()
	q.mu.Lock()
	b := q.batches[i]
	var entry models.RetryableRequest
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.BatchID == b.BatchID {
			entry = e
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	hooks := append([]func(context.Context, queue.Resolution){}, q.hooks...)
	q.mu.Unlock()

	res := queue.Resolution{Entry: entry, Delivered: delivered}
	if !delivered {
		res.Err = models.ErrPermanentFailure
	}
	for _, fn := range hooks {
		fn(context.Background(), res)
	}
}

// forget drops every queue entry without resolving it.
func (q *fakeQueue) forget() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
}

var t0 = time.Date(2026, 4, 14, 10, 0, 0, 0, time.UTC)

type harness struct {
	log   *Log
	queue *fakeQueue
	store *store.MemoryStore

	mu  sync.Mutex
	now time.Time
}

func newHarness(t *testing.T, s *store.MemoryStore) *harness {
	t.Helper()
	if s == nil {
		s = store.NewMemoryStore()
	}
	h := &harness{queue: &fakeQueue{}, store: s, now: t0}
	h.log = NewLog(s, h.queue, config.Default().Audit, config.DeviceConfig{ID: "dev-1", Info: "test-device"})
	h.log.SetTimeFunc(h.clock)
	return h
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

func statusChange(caseID, from, to, user string, ts time.Time) models.AuditLogEntry {
	return models.AuditLogEntry{
		Timestamp:  ts,
		UserID:     user,
		Action:     "STATUS_CHANGE",
		EntityType: "case",
		EntityID:   caseID,
		Details:    map[string]any{"fromStatus": from, "toStatus": to},
	}
}

func mustRecord(t *testing.T, l *Log, e models.AuditLogEntry) bool {
	t.Helper()
	stored, err := l.Record(context.Background(), e)
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	return stored
}

func TestDedupKey(t *testing.T) {
	e := statusChange("c1", "Assigned", "InProgress", "u1", t0)
	if got, want := DedupKey(e), "STATUS_CHANGE|c1|Assigned|InProgress|u1"; got != want {
		t.Errorf("DedupKey() = %q, want %q", got, want)
	}

	e.Details = nil
	if got, want := DedupKey(e), "STATUS_CHANGE|c1|||u1"; got != want {
		t.Errorf("DedupKey() without details = %q, want %q", got, want)
	}
}

func TestRecordDropsDuplicatesInsideWindow(t *testing.T) {
	h := newHarness(t, nil)

	if !mustRecord(t, h.log, statusChange("c1", "Assigned", "InProgress", "u1", t0)) {
		t.Fatal("first entry was not stored")
	}
	if mustRecord(t, h.log, statusChange("c1", "Assigned", "InProgress", "u1", t0.Add(2*time.Minute))) {
		t.Error("entry 2 minutes later was stored, want dropped")
	}
	// A different target status is a different action.
	if !mustRecord(t, h.log, statusChange("c1", "InProgress", "Completed", "u1", t0.Add(2*time.Minute))) {
		t.Error("different transition was dropped")
	}
	// Same action by another user is kept.
	if !mustRecord(t, h.log, statusChange("c1", "Assigned", "InProgress", "u2", t0.Add(3*time.Minute))) {
		t.Error("same action by another user was dropped")
	}

	entries, err := h.log.Entries(context.Background())
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len(Entries()) = %d, want 3", len(entries))
	}
	for _, e := range entries {
		if e.ID == "" {
			t.Error("stored entry has no id")
		}
		if e.DeviceInfo != "test-device" {
			t.Errorf("DeviceInfo = %q, want test-device", e.DeviceInfo)
		}
	}
}

func TestRecordKeepsEntriesOutsideWindow(t *testing.T) {
	h := newHarness(t, nil)

	mustRecord(t, h.log, statusChange("c1", "Assigned", "InProgress", "u1", t0))
	if !mustRecord(t, h.log, statusChange("c1", "Assigned", "InProgress", "u1", t0.Add(6*time.Minute))) {
		t.Error("entry 6 minutes later was dropped, want stored")
	}
	// Measured against the latest stored entry, not the first.
	if mustRecord(t, h.log, statusChange("c1", "Assigned", "InProgress", "u1", t0.Add(8*time.Minute))) {
		t.Error("entry 2 minutes after the second one was stored, want dropped")
	}
}

func TestRecordDedupSurvivesRestart(t *testing.T) {
	s := store.NewMemoryStore()
	first := newHarness(t, s)
	mustRecord(t, first.log, statusChange("c1", "Assigned", "InProgress", "u1", t0))

	second := newHarness(t, s)
	second.advance(time.Minute)
	if mustRecord(t, second.log, statusChange("c1", "Assigned", "InProgress", "u1", t0.Add(time.Minute))) {
		t.Error("duplicate after restart was stored, want dropped")
	}
}

func TestRecordValidation(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.log.Record(context.Background(), models.AuditLogEntry{EntityID: "c1"}); err == nil {
		t.Error("Record() without action returned nil error")
	}
	if _, err := h.log.Record(context.Background(), models.AuditLogEntry{Action: "X"}); err == nil {
		t.Error("Record() without entity returned nil error")
	}
}

func recordMany(t *testing.T, h *harness, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		e := statusChange(fmt.Sprintf("case-%03d", i), "Assigned", "InProgress", "u1", t0.Add(time.Duration(i)*time.Second))
		if !mustRecord(t, h.log, e) {
			t.Fatalf("entry %d dropped", i)
		}
	}
}

func TestSyncBatchesUnsyncedEntries(t *testing.T) {
	h := newHarness(t, nil)
	recordMany(t, h, 120)

	report, err := h.log.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if report.Batches != 3 || report.Entries != 120 {
		t.Fatalf("Sync() = %+v, want 3 batches of 120 entries", report)
	}

	sizes := []int{50, 50, 20}
	seen := make(map[string]bool)
	for i, b := range h.queue.batches {
		if len(b.Logs) != sizes[i] {
			t.Errorf("batch %d has %d entries, want %d", i, len(b.Logs), sizes[i])
		}
		if b.DeviceID != "dev-1" {
			t.Errorf("batch %d DeviceID = %q, want dev-1", i, b.DeviceID)
		}
		if seen[b.BatchID] {
			t.Errorf("batch id %s reused", b.BatchID)
		}
		seen[b.BatchID] = true
	}
	if h.queue.scans != 1 {
		t.Errorf("ScanNow calls = %d, want 1", h.queue.scans)
	}

	// Entries already in a batch are not queued twice.
	report, err = h.log.Sync(context.Background())
	if err != nil {
		t.Fatalf("second Sync() error = %v", err)
	}
	if report.Batches != 0 {
		t.Errorf("second Sync() queued %d batches, want 0", report.Batches)
	}

	st, err := h.log.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if st.InFlight != 120 || st.Unsynced != 0 {
		t.Errorf("Stats() = %+v, want 120 in flight", st)
	}
}

func TestFailedBatchDoesNotResendSiblings(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	recordMany(t, h, 120)
	if _, err := h.log.Sync(ctx); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	h.queue.resolve(t, 0, true)
	h.queue.resolve(t, 1, false)
	h.queue.resolve(t, 2, true)

	st, err := h.log.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if st.Synced != 70 || st.Unsynced != 50 || st.InFlight != 0 {
		t.Fatalf("Stats() = %+v, want 70 synced and 50 unsynced", st)
	}

	report, err := h.log.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if report.Batches != 1 || report.Entries != 50 {
		t.Fatalf("re-Sync() = %+v, want one batch of 50", report)
	}

	failed := make(map[string]bool)
	for _, e := range h.queue.batches[1].Logs {
		failed[e.ID] = true
	}
	for _, e := range h.queue.batches[3].Logs {
		if !failed[e.ID] {
			t.Errorf("entry %s from a delivered batch was re-sent", e.ID)
		}
	}
}

func TestSyncReleasesOrphanBatches(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	recordMany(t, h, 10)
	if _, err := h.log.Sync(ctx); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	h.queue.forget()

	// Its result may still be on the way.
	report, err := h.log.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if report.Released != 0 || report.Batches != 0 {
		t.Fatalf("Sync() inside the grace period = %+v, want nothing released", report)
	}

	h.advance(orphanGrace)
	report, err = h.log.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if report.Released != 10 {
		t.Errorf("Released = %d, want 10", report.Released)
	}
	if report.Batches != 1 || report.Entries != 10 {
		t.Errorf("Sync() = %+v, want the orphans re-batched", report)
	}
	if h.queue.batches[0].BatchID == h.queue.batches[1].BatchID {
		t.Error("re-batched entries kept the lost batch id")
	}
}

func TestSyncReleasesBatchesLostBeforeRestart(t *testing.T) {
	s := store.NewMemoryStore()
	first := newHarness(t, s)
	ctx := context.Background()
	recordMany(t, first, 4)
	if _, err := first.log.Sync(ctx); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	second := newHarness(t, s)
	report, err := second.log.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if report.Released != 4 || report.Batches != 1 {
		t.Errorf("Sync() after restart = %+v, want 4 released and re-batched", report)
	}
}

func TestSyncDuringDeliveryDoesNotRequeueBatch(t *testing.T) {
	ctx := context.Background()
	q := &fakeQueue{}

	// Runs between the queue dropping the delivered entry and the log
	// learning about it, like a Syncer tick on another goroutine.
	var (
		l       *Log
		reports []SyncReport
	)
	q.OnResolved(func(ctx context.Context, _ queue.Resolution) {
		report, err := l.Sync(ctx)
		if err != nil {
			t.Errorf("Sync() in hook error = %v", err)
		}
		reports = append(reports, report)
	})
	l = NewLog(store.NewMemoryStore(), q, config.Default().Audit, config.DeviceConfig{ID: "dev-1"})
	l.SetTimeFunc(func() time.Time { return t0 })

	for i := 0; i < 3; i++ {
		mustRecord(t, l, statusChange(fmt.Sprintf("case-%d", i), "Assigned", "InProgress", "u1", t0))
	}
	if _, err := l.Sync(ctx); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	q.resolve(t, 0, true)

	if len(reports) != 1 || reports[0].Released != 0 || reports[0].Batches != 0 {
		t.Errorf("Sync() during delivery = %+v, want nothing released or queued", reports)
	}
	if len(q.batches) != 1 {
		t.Errorf("batches queued = %d, want 1", len(q.batches))
	}
	st, err := l.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if st.Synced != 3 || st.InFlight != 0 || st.Unsynced != 0 {
		t.Errorf("Stats() = %+v, want all 3 synced", st)
	}
}

func TestRecordKeepsLatestAnchorForOlderEntries(t *testing.T) {
	h := newHarness(t, nil)

	mustRecord(t, h.log, statusChange("c1", "Assigned", "InProgress", "u1", t0.Add(10*time.Minute)))
	// Arrives late with an older timestamp, outside the window of the first.
	if !mustRecord(t, h.log, statusChange("c1", "Assigned", "InProgress", "u1", t0.Add(4*time.Minute))) {
		t.Fatal("older entry outside the window was dropped")
	}
	if mustRecord(t, h.log, statusChange("c1", "Assigned", "InProgress", "u1", t0.Add(12*time.Minute))) {
		t.Error("entry 2 minutes after the latest one was stored, want dropped")
	}
}

func TestRecordPrunesAgainstClock(t *testing.T) {
	h := newHarness(t, nil)

	mustRecord(t, h.log, statusChange("c1", "Assigned", "InProgress", "u1", t0))
	// A far-future timestamp from a skewed caller must not evict other keys.
	mustRecord(t, h.log, statusChange("c2", "Assigned", "InProgress", "u1", t0.Add(time.Hour)))

	if mustRecord(t, h.log, statusChange("c1", "Assigned", "InProgress", "u1", t0.Add(time.Minute))) {
		t.Error("duplicate of c1 was stored after an unrelated future entry")
	}
}

func TestSyncReleasesBatchWhenEnqueueFails(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	recordMany(t, h, 3)

	h.queue.enqueueErr = errors.New("disk full")
	if _, err := h.log.Sync(ctx); err == nil {
		t.Fatal("Sync() error = nil, want enqueue failure")
	}

	st, err := h.log.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if st.Unsynced != 3 || st.InFlight != 0 {
		t.Errorf("Stats() = %+v, want all 3 released", st)
	}
}

func TestPruneRemovesOldSyncedEntries(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	recordMany(t, h, 5)
	if _, err := h.log.Sync(ctx); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	h.queue.resolve(t, 0, true)
	mustRecord(t, h.log, statusChange("late", "Assigned", "InProgress", "u1", t0.Add(time.Hour)))

	if n, err := h.log.Prune(ctx); err != nil || n != 0 {
		t.Fatalf("Prune() = %d, %v; want 0 before retention passes", n, err)
	}

	h.advance(config.Default().Audit.SyncedRetention + time.Minute)
	n, err := h.log.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 5 {
		t.Errorf("Prune() = %d, want 5", n)
	}

	entries, err := h.log.Entries(ctx)
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	if len(entries) != 1 || entries[0].EntityID != "late" {
		t.Errorf("Entries() after prune = %+v, want only the unsynced entry", entries)
	}
}

func TestSyncerRunOnceAndLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	recordMany(t, h, 2)

	s := NewSyncer(h.log, time.Hour)
	s.RunOnce(context.Background())
	if len(h.queue.batches) != 1 {
		t.Fatalf("batches after RunOnce = %d, want 1", len(h.queue.batches))
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !s.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}
	s.Stop()
	if s.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
	s.Stop()
}
