// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tomtom215/fieldsync/internal/authority"
	"github.com/tomtom215/fieldsync/internal/config"
	"github.com/tomtom215/fieldsync/internal/logging"
	"github.com/tomtom215/fieldsync/internal/metrics"
	"github.com/tomtom215/fieldsync/internal/models"
	"github.com/tomtom215/fieldsync/internal/store"
)

const (
	entryPrefix     = "retry:"
	caseIndexPrefix = "retryidx:case:"

	// maxIndexRetries bounds optimistic retries when the case index moves
	// between the unlocked read and the locked update.
	maxIndexRetries = 8
)

func entryKey(id string) string         { return entryPrefix + id }
func caseIndexKey(caseID string) string { return caseIndexPrefix + caseID }

// Queue errors.
var (
	ErrEntryNotFound   = errors.New("queue entry not found")
	ErrNotFailed       = errors.New("queue entry has not permanently failed")
	ErrEntrySuperseded = errors.New("a newer status update exists for this case")

	errIndexMoved = errors.New("case index moved")
)

// Authority sends requests and resolves typed endpoints.
// Satisfied by *authority.Client.
type Authority interface {
	Endpoints
	Do(ctx context.Context, req authority.Request) (*authority.Response, error)
}

// TokenSource provides bearer tokens. Satisfied by *auth.Coordinator.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) error
}

// Connectivity gates the scheduler. Satisfied by *network.Monitor.
type Connectivity interface {
	IsOnline() bool
}

// Outcome describes what one attempt did to an entry.
type Outcome string

// Attempt outcomes.
const (
	OutcomeDelivered  Outcome = "delivered"
	OutcomeRetry      Outcome = "retry"
	OutcomeFailed     Outcome = "failed"
	OutcomeParked     Outcome = "parked"
	OutcomeDeferred   Outcome = "deferred"
	OutcomeSuperseded Outcome = "superseded"
	OutcomeSkipped    Outcome = "skipped"
)

// Resolution is published once an entry leaves the queue for good, either
// delivered or permanently failed.
type Resolution struct {
	Entry     models.RetryableRequest
	Delivered bool
	Err       error
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Store     store.Store
	Authority Authority
	Tokens    TokenSource
	Network   Connectivity
}

// Engine is the durable mutation queue and its retry logic.
type Engine struct {
	store   store.Store
	api     Authority
	tokens  TokenSource
	net     Connectivity
	cfg     config.QueueConfig
	policy  Policy
	limiter *rate.Limiter

	clockMu sync.RWMutex
	now     func() time.Time

	// claims holds the ids of entries with an attempt in flight.
	claims sync.Map
	halted atomic.Bool
	scanCh chan struct{}

	waitMu  sync.Mutex
	waiters map[string][]chan Resolution

	hooksMu sync.RWMutex
	hooks   []func(context.Context, Resolution)

	// scheduler loop state
	mu       sync.Mutex
	running  bool
	stopping bool
	cancel   context.CancelFunc
	stopDone chan struct{}
}

// NewEngine builds an Engine. Zero config fields take the defaults.
func NewEngine(deps Deps, cfg config.QueueConfig) *Engine {
	def := config.Default().Queue
	if cfg.SchedulerInterval <= 0 {
		cfg.SchedulerInterval = def.SchedulerInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FailedRetention <= 0 {
		cfg.FailedRetention = def.FailedRetention
	}

	e := &Engine{
		store:   deps.Store,
		api:     deps.Authority,
		tokens:  deps.Tokens,
		net:     deps.Network,
		cfg:     cfg,
		policy:  NewPolicy(cfg.Retry),
		now:     time.Now,
		scanCh:  make(chan struct{}, 1),
		waiters: make(map[string][]chan Resolution),
	}
	if cfg.AttemptsPerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.AttemptsPerSecond), 1)
	}
	return e
}

// SetTimeFunc overrides the clock. Intended for tests.
func (e *Engine) SetTimeFunc(now func() time.Time) {
	e.clockMu.Lock()
	defer e.clockMu.Unlock()
	e.now = now
}

func (e *Engine) clock() time.Time {
	e.clockMu.RLock()
	defer e.clockMu.RUnlock()
	return e.now()
}

// Policy returns the effective retry policy.
func (e *Engine) Policy() Policy { return e.policy }

// OnResolved registers fn to run after an entry is delivered or permanently
// fails. Hooks run synchronously on the goroutine that resolved the entry.
func (e *Engine) OnResolved(fn func(context.Context, Resolution)) {
	e.hooksMu.Lock()
	defer e.hooksMu.Unlock()
	e.hooks = append(e.hooks, fn)
}

// Enqueue persists req and returns its entry id. A STATUS_UPDATE for a case
// that already has an unresolved entry replaces that entry's payload and
// returns the existing id.
func (e *Engine) Enqueue(ctx context.Context, req Request) (string, error) {
	entry, err := req.build(e.api)
	if err != nil {
		return "", err
	}

	now := e.clock()
	entry.NextRetry = now
	entry.CreatedAt = now

	var id string
	if entry.Type == models.RequestStatusUpdate {
		id, err = e.enqueueStatus(ctx, entry)
	} else {
		id = uuid.NewString()
		entry.ID = id
		entry.Revision = 1
		if err = store.PutJSON(ctx, e.store, entryKey(id), entry, 0); err == nil {
			metrics.QueueEnqueued.WithLabelValues(string(entry.Type), "new").Inc()
		}
	}
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", entry.Type, err)
	}

	logging.Debug().
		Str("entry_id", id).
		Str("type", string(entry.Type)).
		Str("priority", string(entry.Priority)).
		Msg("Request queued")
	e.refreshGauges(ctx)
	return id, nil
}

func (e *Engine) enqueueStatus(ctx context.Context, entry *models.RetryableRequest) (string, error) {
	idxKey := caseIndexKey(entry.CaseID)

	for i := 0; i < maxIndexRetries; i++ {
		existing, err := e.indexedID(ctx, idxKey)
		if err != nil {
			return "", err
		}
		id := existing
		if id == "" {
			id = uuid.NewString()
		}

		var mode string
		err = e.store.Update(ctx, []string{idxKey, entryKey(id)}, func(tx store.Tx) error {
			mode = "new"
			cur, err := txIndexedID(tx, idxKey)
			if err != nil {
				return err
			}
			if cur != existing {
				return errIndexMoved
			}

			next := *entry
			next.ID = id
			next.Revision = 1

			var prev models.RetryableRequest
			found := false
			if existing != "" {
				if found, err = store.TxGetJSON(tx, entryKey(id), &prev); err != nil {
					return err
				}
			}
			if found {
				next.CreatedAt = prev.CreatedAt
				next.Revision = prev.Revision + 1
				mode = "replaced"
			}

			if err := store.TxPutJSON(tx, entryKey(id), next, 0); err != nil {
				return err
			}
			return tx.Set(idxKey, []byte(id), 0)
		})
		if errors.Is(err, errIndexMoved) {
			continue
		}
		if err != nil {
			return "", err
		}

		metrics.QueueEnqueued.WithLabelValues(string(entry.Type), mode).Inc()
		if mode == "replaced" {
			logging.Debug().Str("entry_id", id).Str("case_id", entry.CaseID).Msg("Status update replaced in place")
		}
		return id, nil
	}
	return "", fmt.Errorf("case %s: %w", entry.CaseID, errIndexMoved)
}

func (e *Engine) indexedID(ctx context.Context, idxKey string) (string, error) {
	raw, err := e.store.Get(ctx, idxKey)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func txIndexedID(tx store.Tx, idxKey string) (string, error) {
	raw, err := tx.Get(idxKey)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Get returns the entry with id.
func (e *Engine) Get(ctx context.Context, id string) (*models.RetryableRequest, error) {
	var entry models.RetryableRequest
	if err := store.GetJSON(ctx, e.store, entryKey(id), &entry); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	return &entry, nil
}

// List returns every stored entry, including permanently failed ones still
// inside the retention window.
func (e *Engine) List(ctx context.Context) ([]models.RetryableRequest, error) {
	items, err := e.store.Scan(ctx, entryPrefix)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	out := make([]models.RetryableRequest, 0, len(items))
	for _, it := range items {
		var entry models.RetryableRequest
		if err := json.Unmarshal(it.Value, &entry); err != nil {
			logging.Warn().Err(err).Str("key", it.Key).Msg("Skipping unreadable queue entry")
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// GetQueueStatus counts entries by state.
func (e *Engine) GetQueueStatus(ctx context.Context) (models.QueueStatus, error) {
	entries, err := e.List(ctx)
	if err != nil {
		return models.QueueStatus{}, err
	}
	var st models.QueueStatus
	for i := range entries {
		switch {
		case entries[i].PermanentlyFailed:
			st.Failed++
		case entries[i].Parked:
			st.Parked++
		default:
			st.Pending++
		}
	}
	return st, nil
}

func (e *Engine) refreshGauges(ctx context.Context) {
	st, err := e.GetQueueStatus(ctx)
	if err != nil {
		return
	}
	metrics.QueuePending.Set(float64(st.Pending))
	metrics.QueueFailed.Set(float64(st.Failed))
	metrics.QueueParked.Set(float64(st.Parked))
}

// due returns the entries the scheduler should attempt now: highest
// priority first, then earliest NextRetry, at most BatchSize.
func (e *Engine) due(ctx context.Context) ([]models.RetryableRequest, error) {
	entries, err := e.List(ctx)
	if err != nil {
		return nil, err
	}
	now := e.clock()
	due := entries[:0]
	for i := range entries {
		if entries[i].Due(now) {
			due = append(due, entries[i])
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		ri, rj := due[i].Priority.Rank(), due[j].Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		return due[i].NextRetry.Before(due[j].NextRetry)
	})
	if len(due) > e.cfg.BatchSize {
		due = due[:e.cfg.BatchSize]
	}
	return due, nil
}

// Attempt sends entry id once and applies the result. The returned error
// is the failure reported by the authority or the credential coordinator,
// if any. An entry already being attempted elsewhere yields OutcomeSkipped.
func (e *Engine) Attempt(ctx context.Context, id string) (Outcome, error) {
	if _, busy := e.claims.LoadOrStore(id, struct{}{}); busy {
		logging.Trace().Str("entry_id", id).Msg("Entry already in flight, skipping")
		return OutcomeSkipped, nil
	}
	defer e.claims.Delete(id)

	entry, err := e.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if entry.PermanentlyFailed {
		return OutcomeFailed, failureError(entry)
	}

	token, err := e.tokens.GetValidAccessToken(ctx)
	if err != nil {
		if errors.Is(err, models.ErrAuthRequired) {
			if perr := e.park(ctx, id, err); perr != nil {
				return "", perr
			}
			metrics.QueueAttempts.WithLabelValues(string(entry.Type), string(OutcomeParked)).Inc()
			e.refreshGauges(ctx)
			return OutcomeParked, err
		}
		return "", err
	}

	start := time.Now()
	_, sendErr := e.api.Do(ctx, authority.Request{
		Method:  entry.Method,
		URL:     entry.URL,
		Headers: entry.Headers,
		Body:    entry.Body,
		Token:   token,
	})
	metrics.QueueAttemptDuration.WithLabelValues(string(entry.Type)).Observe(time.Since(start).Seconds())

	var outcome Outcome
	if sendErr != nil && ctx.Err() != nil {
		// Abandoned by the caller, not a verdict from the authority.
		outcome, err = OutcomeDeferred, ctx.Err()
	} else {
		outcome, err = e.settle(context.WithoutCancel(ctx), entry, sendErr)
	}

	metrics.QueueAttempts.WithLabelValues(string(entry.Type), string(outcome)).Inc()
	e.logOutcome(ctx, entry, outcome, err)
	e.refreshGauges(ctx)
	return outcome, err
}

func (e *Engine) logOutcome(ctx context.Context, entry *models.RetryableRequest, outcome Outcome, err error) {
	l := logging.Ctx(ctx)
	ev := l.Debug()
	switch outcome {
	case OutcomeRetry, OutcomeParked:
		ev = l.Warn()
	case OutcomeFailed:
		ev = l.Error()
	}
	ev.Str("entry_id", entry.ID).
		Str("type", string(entry.Type)).
		Str("outcome", string(outcome)).
		Int("attempts", entry.Attempts).
		Err(err).
		Msg("Queue attempt finished")
}

// settle applies the result of sending sent.
func (e *Engine) settle(ctx context.Context, sent *models.RetryableRequest, sendErr error) (Outcome, error) {
	if sendErr == nil {
		return e.complete(ctx, sent)
	}

	kind := models.KindOf(sendErr)
	switch {
	case kind == models.ErrKindCircuitOpen:
		return OutcomeDeferred, sendErr
	case kind == models.ErrKindAuthRequired:
		return e.authRejected(ctx, sent, sendErr)
	case e.policy.Retryable(kind):
		return e.retryLater(ctx, sent, sendErr)
	default:
		return e.failNow(ctx, sent, sendErr)
	}
}

// mutate runs fn on the stored entry under its lock, provided it still has
// the revision that was sent. A replaced or vanished entry is left alone.
// The resolution fn returns, if any, is published after the commit.
func (e *Engine) mutate(ctx context.Context, sent *models.RetryableRequest,
	fn func(tx store.Tx, cur *models.RetryableRequest) (Outcome, *Resolution, error)) (Outcome, error) {
	keys := []string{entryKey(sent.ID)}
	if sent.CaseID != "" {
		keys = append(keys, caseIndexKey(sent.CaseID))
	}

	var (
		outcome Outcome
		res     *Resolution
	)
	err := e.store.Update(ctx, keys, func(tx store.Tx) error {
		outcome, res = "", nil
		var cur models.RetryableRequest
		found, err := store.TxGetJSON(tx, entryKey(sent.ID), &cur)
		if err != nil {
			return err
		}
		if !found || cur.Revision != sent.Revision {
			outcome = OutcomeSuperseded
			return nil
		}
		outcome, res, err = fn(tx, &cur)
		return err
	})
	if err != nil {
		return "", err
	}
	if res != nil {
		e.resolve(ctx, *res)
	}
	return outcome, nil
}

func (e *Engine) complete(ctx context.Context, sent *models.RetryableRequest) (Outcome, error) {
	return e.mutate(ctx, sent, func(tx store.Tx, cur *models.RetryableRequest) (Outcome, *Resolution, error) {
		if err := tx.Delete(entryKey(cur.ID)); err != nil {
			return "", nil, err
		}
		if err := dropCaseIndex(tx, cur); err != nil {
			return "", nil, err
		}
		cur.LastAttempt = e.clock()
		return OutcomeDelivered, &Resolution{Entry: *cur, Delivered: true}, nil
	})
}

func (e *Engine) retryLater(ctx context.Context, sent *models.RetryableRequest, cause error) (Outcome, error) {
	final := cause
	outcome, err := e.mutate(ctx, sent, func(tx store.Tx, cur *models.RetryableRequest) (Outcome, *Resolution, error) {
		now := e.clock()
		cur.Attempts++
		cur.LastAttempt = now
		cur.Error = cause.Error()
		cur.ErrorKind = models.KindOf(cause)

		if cur.Attempts >= e.policy.MaxAttempts {
			final = models.NewSyncError(models.ErrKindPermanentFailure, statusOf(cause),
				fmt.Sprintf("gave up after %d attempts", cur.Attempts), cause)
			res, err := e.markFailed(tx, cur, final, now)
			return OutcomeFailed, res, err
		}

		cur.NextRetry = now.Add(e.policy.Delay(cur.Attempts))
		return OutcomeRetry, nil, store.TxPutJSON(tx, entryKey(cur.ID), cur, 0)
	})
	if err != nil {
		return "", err
	}
	return outcome, final
}

func (e *Engine) failNow(ctx context.Context, sent *models.RetryableRequest, cause error) (Outcome, error) {
	outcome, err := e.mutate(ctx, sent, func(tx store.Tx, cur *models.RetryableRequest) (Outcome, *Resolution, error) {
		now := e.clock()
		cur.Attempts++
		cur.LastAttempt = now
		res, err := e.markFailed(tx, cur, cause, now)
		return OutcomeFailed, res, err
	})
	if err != nil {
		return "", err
	}
	return outcome, cause
}

// authRejected handles a 401/403 on a data call: park the entry without
// counting an attempt, force a refresh, and unpark if the session survived.
// Repeated rejections are capped at MaxAttempts.
func (e *Engine) authRejected(ctx context.Context, sent *models.RetryableRequest, cause error) (Outcome, error) {
	final := cause
	outcome, err := e.mutate(ctx, sent, func(tx store.Tx, cur *models.RetryableRequest) (Outcome, *Resolution, error) {
		now := e.clock()
		cur.AuthFailures++
		cur.LastAttempt = now
		cur.Error = cause.Error()
		cur.ErrorKind = models.ErrKindAuthRequired

		if cur.AuthFailures >= e.policy.MaxAttempts {
			final = models.NewSyncError(models.ErrKindPermanentFailure, statusOf(cause),
				fmt.Sprintf("rejected by the authority %d times", cur.AuthFailures), cause)
			res, err := e.markFailed(tx, cur, final, now)
			return OutcomeFailed, res, err
		}

		cur.Parked = true
		return OutcomeParked, nil, store.TxPutJSON(tx, entryKey(cur.ID), cur, 0)
	})
	if err != nil {
		return "", err
	}
	if outcome != OutcomeParked {
		return outcome, final
	}

	rerr := e.tokens.ForceRefresh(ctx)
	if errors.Is(rerr, models.ErrAuthRequired) {
		logging.Warn().Str("entry_id", sent.ID).Msg("Entry parked until the user signs in again")
		return OutcomeParked, cause
	}
	if rerr != nil {
		logging.Warn().Err(rerr).Str("entry_id", sent.ID).Msg("Forced refresh failed, entry will be retried")
	}
	if !e.halted.Load() {
		if err := e.unpark(ctx, sent.ID); err != nil {
			return "", err
		}
	}
	return OutcomeParked, cause
}

// markFailed writes cur as permanently failed. The entry is kept for the
// diagnostic window only; Badger expires it natively at the same time the
// purge loop would.
func (e *Engine) markFailed(tx store.Tx, cur *models.RetryableRequest, cause error, now time.Time) (*Resolution, error) {
	cur.PermanentlyFailed = true
	cur.Parked = false
	cur.FailedAt = now
	cur.Error = cause.Error()
	cur.ErrorKind = models.KindOf(cause)
	if cur.ErrorKind == "" {
		cur.ErrorKind = models.ErrKindPermanentFailure
	}

	if err := store.TxPutJSON(tx, entryKey(cur.ID), cur, e.cfg.FailedRetention); err != nil {
		return nil, err
	}
	if err := dropCaseIndex(tx, cur); err != nil {
		return nil, err
	}
	return &Resolution{Entry: *cur, Err: cause}, nil
}

// dropCaseIndex removes the case index if it still points at cur.
func dropCaseIndex(tx store.Tx, cur *models.RetryableRequest) error {
	if cur.CaseID == "" {
		return nil
	}
	idxKey := caseIndexKey(cur.CaseID)
	id, err := txIndexedID(tx, idxKey)
	if err != nil {
		return err
	}
	if id != cur.ID {
		return nil
	}
	return tx.Delete(idxKey)
}

// park marks id as waiting for re-authentication. Not an attempt.
func (e *Engine) park(ctx context.Context, id string, cause error) error {
	return e.update(ctx, id, func(cur *models.RetryableRequest) bool {
		if cur.PermanentlyFailed || cur.Parked {
			return false
		}
		cur.Parked = true
		cur.ErrorKind = models.ErrKindAuthRequired
		if cause != nil {
			cur.Error = cause.Error()
		}
		return true
	})
}

func (e *Engine) unpark(ctx context.Context, id string) error {
	now := e.clock()
	return e.update(ctx, id, func(cur *models.RetryableRequest) bool {
		if !cur.Parked {
			return false
		}
		cur.Parked = false
		cur.NextRetry = now
		return true
	})
}

// update applies fn to entry id under its lock. fn returns false to skip
// the write.
func (e *Engine) update(ctx context.Context, id string, fn func(cur *models.RetryableRequest) bool) error {
	key := entryKey(id)
	return e.store.Update(ctx, []string{key}, func(tx store.Tx) error {
		var cur models.RetryableRequest
		found, err := store.TxGetJSON(tx, key, &cur)
		if err != nil || !found {
			return err
		}
		if !fn(&cur) {
			return nil
		}
		return store.TxPutJSON(tx, key, &cur, 0)
	})
}

// Halt stops the scheduler and parks every unresolved entry. Used when the
// authority rejects the refresh token: nothing can be sent until the user
// signs in again.
func (e *Engine) Halt(ctx context.Context, reason string) error {
	e.halted.Store(true)

	entries, err := e.List(ctx)
	if err != nil {
		return err
	}
	parked := 0
	for i := range entries {
		if entries[i].PermanentlyFailed || entries[i].Parked {
			continue
		}
		if err := e.park(ctx, entries[i].ID, models.NewSyncError(models.ErrKindAuthRequired, 0, reason, nil)); err != nil {
			return err
		}
		parked++
	}
	logging.Warn().Int("parked", parked).Str("reason", reason).Msg("Queue halted")
	e.refreshGauges(ctx)
	return nil
}

// Resume lets the scheduler run again. Parked entries stay parked until
// ResumeParked.
func (e *Engine) Resume() {
	if e.halted.Swap(false) {
		logging.Info().Msg("Queue resumed")
	}
}

// Halted reports whether the scheduler is halted.
func (e *Engine) Halted() bool { return e.halted.Load() }

// ResumeParked makes every parked entry due now and requests a scan.
func (e *Engine) ResumeParked(ctx context.Context) (int, error) {
	entries, err := e.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range entries {
		if !entries[i].Parked || entries[i].PermanentlyFailed {
			continue
		}
		if err := e.unpark(ctx, entries[i].ID); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		logging.Info().Int("entries", n).Msg("Parked entries resumed")
		e.ScanNow()
	}
	e.refreshGauges(ctx)
	return n, nil
}

// Retry re-submits a permanently failed entry on explicit user request. The
// entry gets a fresh attempt budget. A failed status update is refused if
// the case has a newer unresolved update.
func (e *Engine) Retry(ctx context.Context, id string) error {
	entry, err := e.Get(ctx, id)
	if err != nil {
		return err
	}
	keys := []string{entryKey(id)}
	if entry.CaseID != "" {
		keys = append(keys, caseIndexKey(entry.CaseID))
	}

	now := e.clock()
	err = e.store.Update(ctx, keys, func(tx store.Tx) error {
		var cur models.RetryableRequest
		found, err := store.TxGetJSON(tx, entryKey(id), &cur)
		if err != nil {
			return err
		}
		if !found {
			return ErrEntryNotFound
		}
		if !cur.PermanentlyFailed {
			return ErrNotFailed
		}
		if cur.CaseID != "" {
			idx, err := txIndexedID(tx, caseIndexKey(cur.CaseID))
			if err != nil {
				return err
			}
			if idx != "" && idx != cur.ID {
				return ErrEntrySuperseded
			}
			if err := tx.Set(caseIndexKey(cur.CaseID), []byte(cur.ID), 0); err != nil {
				return err
			}
		}

		cur.PermanentlyFailed = false
		cur.FailedAt = time.Time{}
		cur.Parked = false
		cur.Attempts = 0
		cur.AuthFailures = 0
		cur.Error = ""
		cur.ErrorKind = ""
		cur.Revision++
		cur.NextRetry = now
		return store.TxPutJSON(tx, entryKey(id), cur, 0)
	})
	if err != nil {
		return err
	}

	logging.Info().Str("entry_id", id).Str("type", string(entry.Type)).Msg("Failed entry re-submitted")
	metrics.QueueEnqueued.WithLabelValues(string(entry.Type), "resubmitted").Inc()
	e.refreshGauges(ctx)
	e.ScanNow()
	return nil
}

// Wait blocks until entry id is delivered or permanently fails. An entry
// that already failed returns its failure immediately.
func (e *Engine) Wait(ctx context.Context, id string) (Resolution, error) {
	ch := make(chan Resolution, 1)
	e.waitMu.Lock()
	e.waiters[id] = append(e.waiters[id], ch)
	e.waitMu.Unlock()
	defer e.dropWaiter(id, ch)

	entry, err := e.Get(ctx, id)
	if err != nil {
		select {
		case res := <-ch:
			return res, nil
		default:
			return Resolution{}, err
		}
	}
	if entry.PermanentlyFailed {
		return Resolution{Entry: *entry, Err: failureError(entry)}, nil
	}

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return Resolution{}, ctx.Err()
	}
}

func (e *Engine) dropWaiter(id string, ch chan Resolution) {
	e.waitMu.Lock()
	defer e.waitMu.Unlock()
	list := e.waiters[id]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(e.waiters, id)
	} else {
		e.waiters[id] = list
	}
}

func (e *Engine) resolve(ctx context.Context, res Resolution) {
	e.hooksMu.RLock()
	hooks := append([]func(context.Context, Resolution){}, e.hooks...)
	e.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(ctx, res)
	}

	e.waitMu.Lock()
	chans := e.waiters[res.Entry.ID]
	delete(e.waiters, res.Entry.ID)
	e.waitMu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- res:
		default:
		}
	}
}

// failureError rebuilds the error recorded on a failed entry.
func failureError(entry *models.RetryableRequest) error {
	kind := entry.ErrorKind
	if kind == "" {
		kind = models.ErrKindPermanentFailure
	}
	msg := strings.TrimPrefix(entry.Error, string(kind)+": ")
	return models.NewSyncError(kind, 0, msg, nil)
}

func statusOf(err error) int {
	var se *models.SyncError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
