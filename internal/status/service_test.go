// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

package status

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tomtom215/fieldsync/internal/audit"
	"github.com/tomtom215/fieldsync/internal/authority"
	"github.com/tomtom215/fieldsync/internal/config"
	"github.com/tomtom215/fieldsync/internal/models"
	"github.com/tomtom215/fieldsync/internal/queue"
	"github.com/tomtom215/fieldsync/internal/store"
)

type staticTokens struct{}

func (staticTokens) GetValidAccessToken(context.Context) (string, error) { return "tok", nil }
func (staticTokens) ForceRefresh(context.Context) error                  { return nil }

type switchNet struct{ online atomic.Bool }

func (n *switchNet) IsOnline() bool { return n.online.Load() }

type fixedUser string

func (u fixedUser) UserID() string { return string(u) }

// scriptedServer answers with the queued status codes, then 200.
type scriptedServer struct {
	*httptest.Server

	mu       sync.Mutex
	statuses []int
	hits     int
}

func (s *scriptedServer) handle(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	s.hits++
	code := http.StatusOK
	if len(s.statuses) > 0 {
		code = s.statuses[0]
		s.statuses = s.statuses[1:]
	}
	s.mu.Unlock()
	w.WriteHeader(code)
}

func (s *scriptedServer) requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits
}

var t0 = time.Date(2026, 5, 6, 14, 30, 0, 0, time.UTC)

type env struct {
	svc    *Service
	engine *queue.Engine
	log    *audit.Log
	store  *store.MemoryStore
	net    *switchNet
	server *scriptedServer
}

func newEnv(t *testing.T, statuses ...int) *env {
	t.Helper()

	srv := &scriptedServer{statuses: statuses}
	srv.Server = httptest.NewServer(http.HandlerFunc(srv.handle))
	t.Cleanup(srv.Close)

	acfg := config.Default().Authority
	acfg.BaseURL = srv.URL
	client, err := authority.New(acfg, &config.BreakerConfig{})
	if err != nil {
		t.Fatalf("authority.New() error = %v", err)
	}

	e := &env{store: store.NewMemoryStore(), net: &switchNet{}, server: srv}
	e.net.online.Store(true)

	qcfg := config.Default().Queue
	qcfg.AttemptsPerSecond = 0
	e.engine = queue.NewEngine(queue.Deps{
		Store:     e.store,
		Authority: client,
		Tokens:    staticTokens{},
		Network:   e.net,
	}, qcfg)
	e.engine.SetTimeFunc(func() time.Time { return t0 })

	e.log = audit.NewLog(e.store, e.engine, config.Default().Audit, config.DeviceConfig{ID: "dev-1"})
	e.log.SetTimeFunc(func() time.Time { return t0 })

	e.svc = NewService(e.store, e.engine, e.log, fixedUser("inspector-7"), e.net)
	e.svc.SetTimeFunc(func() time.Time { return t0 })
	return e
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from, to models.CaseStatus
		want     bool
	}{
		{models.StatusAssigned, models.StatusInProgress, true},
		{models.StatusInProgress, models.StatusCompleted, true},
		{models.StatusInProgress, models.StatusAssigned, true},
		{models.StatusAssigned, models.StatusCompleted, false},
		{models.StatusCompleted, models.StatusInProgress, false},
		{models.StatusCompleted, models.StatusAssigned, false},
		{models.StatusAssigned, models.StatusAssigned, false},
		{models.StatusInProgress, models.StatusInProgress, false},
		{models.StatusInProgress, "Archived", false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
	if got := AllowedFrom(models.StatusCompleted); len(got) != 0 {
		t.Errorf("AllowedFrom(Completed) = %v, want none", got)
	}
}

func TestInvalidTransitionChangesNothing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.svc.UpdateStatus(ctx, "case-1", models.StatusCompleted, Options{})
	if !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("UpdateStatus() error = %v, want ErrInvalidTransition", err)
	}

	if _, err := e.svc.Case(ctx, "case-1"); !errors.Is(err, ErrCaseNotFound) {
		t.Errorf("Case() error = %v, want ErrCaseNotFound", err)
	}
	entries, err := e.engine.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("queue has %d entries, want 0", len(entries))
	}
	logs, _ := e.log.Entries(ctx)
	if len(logs) != 0 {
		t.Errorf("audit has %d entries, want 0", len(logs))
	}
	if e.server.requests() != 0 {
		t.Errorf("authority saw %d requests, want 0", e.server.requests())
	}
}

func TestCompletedIsTerminal(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if err := e.svc.Track(ctx, "case-1", models.StatusCompleted); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	for _, to := range []models.CaseStatus{models.StatusAssigned, models.StatusInProgress} {
		if _, err := e.svc.UpdateStatus(ctx, "case-1", to, Options{}); !errors.Is(err, models.ErrInvalidTransition) {
			t.Errorf("UpdateStatus(Completed -> %s) error = %v, want ErrInvalidTransition", to, err)
		}
	}
}

func TestOfflineUpdateIsOptimistic(t *testing.T) {
	e := newEnv(t)
	e.net.online.Store(false)
	ctx := context.Background()

	res, err := e.svc.UpdateStatus(ctx, "case-1", models.StatusInProgress, Options{
		Metadata: map[string]any{"note": "on site"},
	})
	if err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	if !res.WasOffline {
		t.Error("WasOffline = false, want true")
	}
	if res.Case.Status != models.StatusInProgress {
		t.Errorf("Case.Status = %s, want InProgress", res.Case.Status)
	}

	rec, err := e.svc.Case(ctx, "case-1")
	if err != nil {
		t.Fatalf("Case() error = %v", err)
	}
	if rec.Status != models.StatusInProgress {
		t.Errorf("stored status = %s, want InProgress", rec.Status)
	}

	pending, err := e.svc.PendingUpdates(ctx)
	if err != nil {
		t.Fatalf("PendingUpdates() error = %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("len(PendingUpdates()) = %d, want 1", len(pending))
	}
	p := pending[0]
	if p.FromStatus != models.StatusAssigned || p.ToStatus != models.StatusInProgress {
		t.Errorf("pending = %s -> %s, want Assigned -> InProgress", p.FromStatus, p.ToStatus)
	}
	if p.UserID != "inspector-7" || p.QueueID != res.QueueID {
		t.Errorf("pending = %+v, want user inspector-7 and queue id %s", p, res.QueueID)
	}
	if e.server.requests() != 0 {
		t.Errorf("authority saw %d requests while offline", e.server.requests())
	}
}

func TestRepeatedUpdatesReplacePendingEntry(t *testing.T) {
	e := newEnv(t)
	e.net.online.Store(false)
	ctx := context.Background()

	first, err := e.svc.UpdateStatus(ctx, "case-1", models.StatusInProgress, Options{})
	if err != nil {
		t.Fatalf("first UpdateStatus() error = %v", err)
	}
	firstPending, _ := e.svc.PendingUpdates(ctx)

	second, err := e.svc.UpdateStatus(ctx, "case-1", models.StatusAssigned, Options{})
	if err != nil {
		t.Fatalf("second UpdateStatus() error = %v", err)
	}
	if second.QueueID != first.QueueID {
		t.Errorf("second QueueID = %s, want %s", second.QueueID, first.QueueID)
	}

	entries, err := e.engine.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("queue has %d entries, want 1", len(entries))
	}
	if entries[0].Revision != 2 {
		t.Errorf("Revision = %d, want 2", entries[0].Revision)
	}

	pending, _ := e.svc.PendingUpdates(ctx)
	if len(pending) != 1 {
		t.Fatalf("len(PendingUpdates()) = %d, want 1", len(pending))
	}
	if pending[0].ToStatus != models.StatusAssigned {
		t.Errorf("pending ToStatus = %s, want Assigned", pending[0].ToStatus)
	}
	if pending[0].ID != firstPending[0].ID {
		t.Error("pending record id changed on replace")
	}
}

func TestAwaitDeliveredClearsPending(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res, err := e.svc.UpdateStatus(ctx, "case-1", models.StatusInProgress, Options{Await: true})
	if err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	if res.Outcome != queue.OutcomeDelivered {
		t.Fatalf("Outcome = %s, want delivered", res.Outcome)
	}
	if res.WasOffline {
		t.Error("WasOffline = true, want false")
	}

	pending, _ := e.svc.PendingUpdates(ctx)
	if len(pending) != 0 {
		t.Errorf("len(PendingUpdates()) = %d, want 0", len(pending))
	}
	entries, _ := e.engine.List(ctx)
	if len(entries) != 0 {
		t.Errorf("queue has %d entries, want 0", len(entries))
	}
}

func TestAwaitServerErrorIsNotReturned(t *testing.T) {
	e := newEnv(t, http.StatusServiceUnavailable)
	ctx := context.Background()

	res, err := e.svc.UpdateStatus(ctx, "case-1", models.StatusInProgress, Options{Await: true})
	if err != nil {
		t.Fatalf("UpdateStatus() error = %v, want nil for a retryable failure", err)
	}
	if res.Outcome != queue.OutcomeRetry {
		t.Errorf("Outcome = %s, want retry", res.Outcome)
	}
	pending, _ := e.svc.PendingUpdates(ctx)
	if len(pending) != 1 {
		t.Errorf("len(PendingUpdates()) = %d, want 1", len(pending))
	}
}

func TestAwaitRateLimitedFailsCase(t *testing.T) {
	e := newEnv(t, http.StatusTooManyRequests)
	ctx := context.Background()

	res, err := e.svc.UpdateStatus(ctx, "case-1", models.StatusInProgress, Options{Await: true})
	if !errors.Is(err, models.ErrRateLimited) {
		t.Fatalf("UpdateStatus() error = %v, want ErrRateLimited", err)
	}
	if res.Outcome != queue.OutcomeFailed {
		t.Errorf("Outcome = %s, want failed", res.Outcome)
	}

	rec, err := e.svc.Case(ctx, "case-1")
	if err != nil {
		t.Fatalf("Case() error = %v", err)
	}
	if rec.Status != models.StatusInProgress || !rec.SyncFailed {
		t.Errorf("case = %+v, want InProgress with SyncFailed", rec)
	}

	pending, _ := e.svc.PendingUpdates(ctx)
	if len(pending) != 1 || pending[0].RetryCount != 1 {
		t.Errorf("pending = %+v, want one record with RetryCount 1", pending)
	}

	// The next change starts a fresh queue entry and clears the flag.
	next, err := e.svc.UpdateStatus(ctx, "case-1", models.StatusCompleted, Options{Await: true})
	if err != nil {
		t.Fatalf("follow-up UpdateStatus() error = %v", err)
	}
	if next.QueueID == res.QueueID {
		t.Error("follow-up reused the failed queue entry")
	}
	rec, _ = e.svc.Case(ctx, "case-1")
	if rec.SyncFailed {
		t.Error("SyncFailed still set after a delivered update")
	}
}

func TestTrackKeepsOptimisticStatus(t *testing.T) {
	e := newEnv(t)
	e.net.online.Store(false)
	ctx := context.Background()

	if err := e.svc.Track(ctx, "case-1", models.StatusInProgress); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	if _, err := e.svc.UpdateStatus(ctx, "case-1", models.StatusCompleted, Options{}); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}

	// A stale server view must not undo the unconfirmed change.
	if err := e.svc.Track(ctx, "case-1", models.StatusInProgress); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	rec, _ := e.svc.Case(ctx, "case-1")
	if rec.Status != models.StatusCompleted {
		t.Errorf("status = %s, want Completed", rec.Status)
	}

	if err := e.svc.Track(ctx, "case-1", "Archived"); err == nil {
		t.Error("Track() with unknown status returned nil error")
	}
}

func TestStatusChangesAreAuditedOnce(t *testing.T) {
	e := newEnv(t)
	e.net.online.Store(false)
	ctx := context.Background()

	steps := []models.CaseStatus{models.StatusInProgress, models.StatusAssigned, models.StatusInProgress}
	for _, s := range steps {
		if _, err := e.svc.UpdateStatus(ctx, "case-1", s, Options{}); err != nil {
			t.Fatalf("UpdateStatus(%s) error = %v", s, err)
		}
	}

	logs, err := e.log.Entries(ctx)
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	// The third step repeats the first within the dedup window.
	if len(logs) != 2 {
		t.Fatalf("audit has %d entries, want 2", len(logs))
	}
	if logs[0].Action != ActionStatusChange || logs[0].EntityType != EntityCase || logs[0].UserID != "inspector-7" {
		t.Errorf("audit entry = %+v", logs[0])
	}
	if logs[0].Details["fromStatus"] != "Assigned" || logs[0].Details["toStatus"] != "InProgress" {
		t.Errorf("audit details = %v", logs[0].Details)
	}
}

// brokenQueue refuses enqueues until err is cleared.
type brokenQueue struct {
	mu       sync.Mutex
	err      error
	enqueued int
}

func (q *brokenQueue) Enqueue(context.Context, queue.Request) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.enqueued++
	return "q-1", nil
}

func (q *brokenQueue) Attempt(context.Context, string) (queue.Outcome, error) {
	return queue.OutcomeSkipped, nil
}

func (q *brokenQueue) OnResolved(func(context.Context, queue.Resolution)) {}

func (q *brokenQueue) ScanNow() {}

func TestFailedEnqueueRollsBackLocalStatus(t *testing.T) {
	ctx := context.Background()
	q := &brokenQueue{err: errors.New("disk full")}
	net := &switchNet{}
	svc := NewService(store.NewMemoryStore(), q, nil, fixedUser("inspector-7"), net)
	svc.SetTimeFunc(func() time.Time { return t0 })

	if err := svc.Track(ctx, "case-1", models.StatusAssigned); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	if _, err := svc.UpdateStatus(ctx, "case-1", models.StatusInProgress, Options{}); err == nil {
		t.Fatal("UpdateStatus() error = nil, want the enqueue failure")
	}

	rec, err := svc.Case(ctx, "case-1")
	if err != nil {
		t.Fatalf("Case() error = %v", err)
	}
	if rec.Status != models.StatusAssigned {
		t.Errorf("Status after failed enqueue = %s, want %s", rec.Status, models.StatusAssigned)
	}
	pending, err := svc.PendingUpdates(ctx)
	if err != nil {
		t.Fatalf("PendingUpdates() error = %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("PendingUpdates() = %+v, want none", pending)
	}

	// The same change goes through once the queue accepts it.
	q.mu.Lock()
	q.err = nil
	q.mu.Unlock()
	res, err := svc.UpdateStatus(ctx, "case-1", models.StatusInProgress, Options{})
	if err != nil {
		t.Fatalf("retried UpdateStatus() error = %v", err)
	}
	if res.Case.Status != models.StatusInProgress || res.QueueID != "q-1" {
		t.Errorf("retried UpdateStatus() = %+v", res)
	}
}

func TestFailedEnqueueForUnseenCaseLeavesNoRecord(t *testing.T) {
	ctx := context.Background()
	svc := NewService(store.NewMemoryStore(), &brokenQueue{err: errors.New("disk full")}, nil, nil, &switchNet{})

	if _, err := svc.UpdateStatus(ctx, "case-2", models.StatusInProgress, Options{}); err == nil {
		t.Fatal("UpdateStatus() error = nil, want the enqueue failure")
	}
	if _, err := svc.Case(ctx, "case-2"); !errors.Is(err, ErrCaseNotFound) {
		t.Errorf("Case() error = %v, want ErrCaseNotFound", err)
	}
}
