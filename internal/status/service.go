// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

// Package status enforces the case lifecycle and turns each accepted
// transition into an optimistic local change plus a queued STATUS_UPDATE.
package status

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/fieldsync/internal/logging"
	"github.com/tomtom215/fieldsync/internal/models"
	"github.com/tomtom215/fieldsync/internal/queue"
	"github.com/tomtom215/fieldsync/internal/store"
)

const (
	casePrefix    = "case:"
	pendingPrefix = "pending:"

	// ActionStatusChange is the audit action recorded for every transition.
	ActionStatusChange = "STATUS_CHANGE"
	// EntityCase is the audit entity type for cases.
	EntityCase = "case"
)

func caseKey(id string) string    { return casePrefix + id }
func pendingKey(id string) string { return pendingPrefix + id }

// ErrCaseNotFound is returned by Case for a case the device does not hold.
var ErrCaseNotFound = errors.New("case not found")

// Queue is the part of the retry engine the service drives.
// Satisfied by *queue.Engine.
type Queue interface {
	Enqueue(ctx context.Context, req queue.Request) (string, error)
	Attempt(ctx context.Context, id string) (queue.Outcome, error)
	OnResolved(fn func(context.Context, queue.Resolution))
	ScanNow()
}

// AuditRecorder stores audit entries. Satisfied by *audit.Log.
type AuditRecorder interface {
	Record(ctx context.Context, entry models.AuditLogEntry) (bool, error)
}

// Identity names the signed-in user. Satisfied by *auth.Coordinator.
type Identity interface {
	UserID() string
}

// Connectivity reports whether an attempt can be made now.
type Connectivity interface {
	IsOnline() bool
}

// Options tune a single UpdateStatus call.
type Options struct {
	Metadata map[string]any
	Priority models.Priority

	// UserID overrides the signed-in user.
	UserID string

	// Await makes an online call wait for the first delivery attempt.
	Await bool
}

// Result reports what UpdateStatus did.
type Result struct {
	Case       models.CaseRecord
	QueueID    string
	WasOffline bool

	// Outcome is set when the first attempt was awaited.
	Outcome queue.Outcome
}

// Service is the status transition service.
type Service struct {
	store store.Store
	queue Queue
	audit AuditRecorder
	ident Identity
	net   Connectivity
	locks *store.KeyedMutex

	clockMu sync.RWMutex
	now     func() time.Time
}

// NewService builds a Service and registers its resolution hook on q.
// audit and ident may be nil.
func NewService(s store.Store, q Queue, audit AuditRecorder, ident Identity, net Connectivity) *Service {
	svc := &Service{
		store: s,
		queue: q,
		audit: audit,
		ident: ident,
		net:   net,
		locks: store.NewKeyedMutex(),
		now:   time.Now,
	}
	q.OnResolved(svc.onResolved)
	return svc
}

// SetTimeFunc overrides the clock. Intended for tests.
func (s *Service) SetTimeFunc(now func() time.Time) {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	s.now = now
}

func (s *Service) clock() time.Time {
	s.clockMu.RLock()
	defer s.clockMu.RUnlock()
	return s.now()
}

// UpdateStatus moves caseID to newStatus.
//
// An illegal transition returns models.ErrInvalidTransition and changes
// nothing. Otherwise the local case record is updated at once, the pending
// update is stored and a STATUS_UPDATE is queued. Offline callers get
// WasOffline=true immediately. Online callers that set Await get the first
// attempt's outcome; only a permanent failure is returned as an error, the
// rest is retried by the queue.
func (s *Service) UpdateStatus(ctx context.Context, caseID string, newStatus models.CaseStatus, opts Options) (Result, error) {
	if caseID == "" {
		return Result{}, errors.New("case id is required")
	}

	res, err := s.apply(ctx, caseID, newStatus, opts)
	if err != nil {
		return Result{}, err
	}

	if !s.net.IsOnline() {
		res.WasOffline = true
		return res, nil
	}
	if !opts.Await {
		s.queue.ScanNow()
		return res, nil
	}
	return s.awaitFirstAttempt(ctx, res)
}

// apply validates the transition and performs the local side of it under
// the case lock.
func (s *Service) apply(ctx context.Context, caseID string, newStatus models.CaseStatus, opts Options) (Result, error) {
	unlock := s.locks.Lock(caseID)
	defer unlock()

	now := s.clock()
	userID := opts.UserID
	if userID == "" && s.ident != nil {
		userID = s.ident.UserID()
	}

	var (
		rec     models.CaseRecord
		prev    models.CaseRecord
		existed bool
		from    models.CaseStatus
	)
	err := s.store.Update(ctx, []string{caseKey(caseID)}, func(tx store.Tx) error {
		found, err := store.TxGetJSON(tx, caseKey(caseID), &rec)
		if err != nil {
			return err
		}
		if !found {
			rec = models.CaseRecord{ID: caseID, Status: InitialStatus}
		}
		prev, existed = rec, found
		from = rec.Status
		if !newStatus.Valid() || !CanTransition(from, newStatus) {
			return invalidTransition(caseID, from, newStatus)
		}

		rec.Status = newStatus
		rec.UpdatedAt = now
		rec.SyncFailed = false
		return store.TxPutJSON(tx, caseKey(caseID), rec, 0)
	})
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			logging.Debug().Err(err).Msg("Status transition rejected")
		}
		return Result{}, err
	}

	queueID, err := s.queue.Enqueue(ctx, queue.StatusUpdateRequest{
		CaseID:   caseID,
		Status:   newStatus,
		Metadata: opts.Metadata,
		Priority: opts.Priority,
	})
	if err != nil {
		s.rollback(ctx, caseID, prev, existed, rec)
		return Result{}, fmt.Errorf("queue status update for case %s: %w", caseID, err)
	}

	if err := s.savePending(ctx, caseID, from, newStatus, userID, opts.Metadata, queueID, now); err != nil {
		s.rollback(ctx, caseID, prev, existed, rec)
		return Result{}, fmt.Errorf("store pending update for case %s: %w", caseID, err)
	}

	s.recordAudit(ctx, caseID, from, newStatus, userID, now)

	logging.Info().
		Str("case_id", caseID).
		Str("from", string(from)).
		Str("to", string(newStatus)).
		Str("queue_id", queueID).
		Msg("Case status changed locally")
	return Result{Case: rec, QueueID: queueID}, nil
}

// rollback restores the case record apply replaced when the change could
// not be queued, so the caller can retry the same transition. The caller
// holds the case lock.
func (s *Service) rollback(ctx context.Context, caseID string, prev models.CaseRecord, existed bool, applied models.CaseRecord) {
	key := caseKey(caseID)
	err := s.store.Update(context.WithoutCancel(ctx), []string{key}, func(tx store.Tx) error {
		var cur models.CaseRecord
		found, err := store.TxGetJSON(tx, key, &cur)
		if err != nil || !found {
			return err
		}
		if cur.Status != applied.Status || !cur.UpdatedAt.Equal(applied.UpdatedAt) {
			return nil
		}
		if !existed {
			return tx.Delete(key)
		}
		return store.TxPutJSON(tx, key, prev, 0)
	})
	if err != nil {
		logging.Error().Err(err).Str("case_id", caseID).Msg("Failed to roll back local status change")
		return
	}
	logging.Warn().
		Str("case_id", caseID).
		Str("status", string(prev.Status)).
		Msg("Local status change rolled back, update was not queued")
}

func (s *Service) awaitFirstAttempt(ctx context.Context, res Result) (Result, error) {
	outcome, err := s.queue.Attempt(ctx, res.QueueID)
	res.Outcome = outcome
	switch {
	case outcome == queue.OutcomeFailed:
		return res, err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return res, err
	default:
		// Skipped means the scheduler is already sending it.
		return res, nil
	}
}

func (s *Service) savePending(ctx context.Context, caseID string, from, to models.CaseStatus,
	userID string, metadata map[string]any, queueID string, now time.Time) error {
	key := pendingKey(caseID)
	return s.store.Update(ctx, []string{key}, func(tx store.Tx) error {
		var prev models.PendingStatusUpdate
		found, err := store.TxGetJSON(tx, key, &prev)
		if err != nil {
			return err
		}
		next := models.PendingStatusUpdate{
			ID:         uuid.NewString(),
			CaseID:     caseID,
			FromStatus: from,
			ToStatus:   to,
			Timestamp:  now,
			UserID:     userID,
			Metadata:   metadata,
			QueueID:    queueID,
		}
		if found && prev.QueueID == queueID {
			next.ID = prev.ID
		}
		return store.TxPutJSON(tx, key, next, 0)
	})
}

func (s *Service) recordAudit(ctx context.Context, caseID string, from, to models.CaseStatus, userID string, now time.Time) {
	if s.audit == nil {
		return
	}
	_, err := s.audit.Record(ctx, models.AuditLogEntry{
		Timestamp:  now,
		UserID:     userID,
		Action:     ActionStatusChange,
		EntityType: EntityCase,
		EntityID:   caseID,
		Details: map[string]any{
			"fromStatus": string(from),
			"toStatus":   string(to),
		},
	})
	if err != nil {
		logging.Warn().Err(err).Str("case_id", caseID).Msg("Failed to record audit entry")
	}
}

// onResolved clears the pending record once the authority accepted it, or
// flags the case when the update failed for good.
func (s *Service) onResolved(ctx context.Context, r queue.Resolution) {
	if r.Entry.Type != models.RequestStatusUpdate || r.Entry.CaseID == "" {
		return
	}
	caseID := r.Entry.CaseID
	unlock := s.locks.Lock(caseID)
	defer unlock()

	keys := []string{pendingKey(caseID), caseKey(caseID)}

	err := s.store.Update(ctx, keys, func(tx store.Tx) error {
		var pending models.PendingStatusUpdate
		found, err := store.TxGetJSON(tx, pendingKey(caseID), &pending)
		if err != nil {
			return err
		}
		if !found || pending.QueueID != r.Entry.ID {
			return nil
		}

		if r.Delivered {
			return tx.Delete(pendingKey(caseID))
		}

		pending.RetryCount = r.Entry.Attempts
		pending.LastAttempt = r.Entry.LastAttempt
		if err := store.TxPutJSON(tx, pendingKey(caseID), pending, 0); err != nil {
			return err
		}

		var rec models.CaseRecord
		if found, err := store.TxGetJSON(tx, caseKey(caseID), &rec); err != nil || !found {
			return err
		}
		rec.SyncFailed = true
		return store.TxPutJSON(tx, caseKey(caseID), rec, 0)
	})
	if err != nil {
		logging.Error().Err(err).Str("case_id", caseID).Msg("Failed to apply status update resolution")
		return
	}

	if r.Delivered {
		logging.Info().Str("case_id", caseID).Msg("Status update confirmed by authority")
	} else {
		logging.Error().Err(r.Err).Str("case_id", caseID).Msg("Status update permanently failed")
	}
}

// Track seeds the local record for a case fetched from the authority. A
// case with an unconfirmed local change keeps its optimistic status.
func (s *Service) Track(ctx context.Context, caseID string, st models.CaseStatus) error {
	if !st.Valid() {
		return fmt.Errorf("unknown case status %q", st)
	}
	unlock := s.locks.Lock(caseID)
	defer unlock()

	now := s.clock()
	return s.store.Update(ctx, []string{caseKey(caseID), pendingKey(caseID)}, func(tx store.Tx) error {
		var pending models.PendingStatusUpdate
		found, err := store.TxGetJSON(tx, pendingKey(caseID), &pending)
		if err != nil {
			return err
		}
		if found {
			return nil
		}
		return store.TxPutJSON(tx, caseKey(caseID), models.CaseRecord{
			ID:        caseID,
			Status:    st,
			UpdatedAt: now,
		}, 0)
	})
}

// Case returns the local record for caseID.
func (s *Service) Case(ctx context.Context, caseID string) (*models.CaseRecord, error) {
	var rec models.CaseRecord
	if err := store.GetJSON(ctx, s.store, caseKey(caseID), &rec); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrCaseNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// PendingUpdates lists unconfirmed status changes.
func (s *Service) PendingUpdates(ctx context.Context) ([]models.PendingStatusUpdate, error) {
	items, err := s.store.Scan(ctx, pendingPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]models.PendingStatusUpdate, 0, len(items))
	for _, it := range items {
		var p models.PendingStatusUpdate
		if err := json.Unmarshal(it.Value, &p); err != nil {
			logging.Warn().Err(err).Str("key", it.Key).Msg("Skipping unreadable pending update")
			continue
		}
		out = append(out, p)
	}
	return out, nil
}
