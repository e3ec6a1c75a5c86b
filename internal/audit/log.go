// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/fieldsync/internal/config"
	"github.com/tomtom215/fieldsync/internal/logging"
	"github.com/tomtom215/fieldsync/internal/metrics"
	"github.com/tomtom215/fieldsync/internal/models"
	"github.com/tomtom215/fieldsync/internal/queue"
	"github.com/tomtom215/fieldsync/internal/store"
)

const entryPrefix = "audit:"

func entryKey(id string) string { return entryPrefix + id }

// Queue is the part of the retry engine the log uses.
// Satisfied by *queue.Engine.
type Queue interface {
	Enqueue(ctx context.Context, req queue.Request) (string, error)
	List(ctx context.Context) ([]models.RetryableRequest, error)
	OnResolved(fn func(context.Context, queue.Resolution))
	ScanNow()
}

// Log is the deduplicating audit log.
type Log struct {
	store      store.Store
	queue      Queue
	cfg        config.AuditConfig
	deviceID   string
	deviceInfo string

	// mu serializes Record's check-then-insert, Sync's batching and the
	// application of batch results.
	mu     sync.Mutex
	recent map[string]time.Time
	primed bool

	// queued holds batches enqueued by this process that have not been
	// resolved yet, with the time they were queued.
	queued map[string]time.Time

	clockMu sync.RWMutex
	now     func() time.Time
}

// NewLog builds a Log and registers its resolution hook on q.
func NewLog(s store.Store, q Queue, cfg config.AuditConfig, device config.DeviceConfig) *Log {
	def := config.Default().Audit
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = def.DedupWindow
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.SyncedRetention <= 0 {
		cfg.SyncedRetention = def.SyncedRetention
	}

	l := &Log{
		store:      s,
		queue:      q,
		cfg:        cfg,
		deviceID:   device.ID,
		deviceInfo: device.Info,
		recent:     make(map[string]time.Time),
		queued:     make(map[string]time.Time),
		now:        time.Now,
	}
	q.OnResolved(l.onResolved)
	return l
}

// SetTimeFunc overrides the clock. Intended for tests.
func (l *Log) SetTimeFunc(now func() time.Time) {
	l.clockMu.Lock()
	defer l.clockMu.Unlock()
	l.now = now
}

func (l *Log) clock() time.Time {
	l.clockMu.RLock()
	defer l.clockMu.RUnlock()
	return l.now()
}

// DedupKey returns the uniqueness key of e.
func DedupKey(e models.AuditLogEntry) string {
	return strings.Join([]string{
		e.Action,
		e.EntityID,
		detail(e.Details, "fromStatus"),
		detail(e.Details, "toStatus"),
		e.UserID,
	}, "|")
}

func detail(d map[string]any, k string) string {
	v, ok := d[k]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// Record stores e unless an entry with the same key was recorded within the
// dedup window. stored is false for a dropped duplicate.
func (l *Log) Record(ctx context.Context, e models.AuditLogEntry) (stored bool, err error) {
	if e.Action == "" || e.EntityID == "" {
		return false, errors.New("audit entry requires an action and an entity id")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.clock()
	}
	if e.DeviceInfo == "" {
		e.DeviceInfo = l.deviceInfo
	}
	e.Synced = false
	e.BatchID = ""

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.primeLocked(ctx); err != nil {
		return false, err
	}

	key := DedupKey(e)
	if last, ok := l.recent[key]; ok && absDuration(e.Timestamp.Sub(last)) < l.cfg.DedupWindow {
		metrics.AuditRecorded.WithLabelValues("duplicate").Inc()
		logging.Debug().Str("key", key).Msg("Duplicate audit entry dropped")
		return false, nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		return false, fmt.Errorf("generate audit id: %w", err)
	}
	e.ID = id.String()
	if err := store.PutJSON(ctx, l.store, entryKey(e.ID), e, 0); err != nil {
		return false, fmt.Errorf("store audit entry: %w", err)
	}

	if e.Timestamp.After(l.recent[key]) {
		l.recent[key] = e.Timestamp
	}
	l.pruneRecentLocked(l.clock())
	metrics.AuditRecorded.WithLabelValues("stored").Inc()
	return true, nil
}

// primeLocked loads recent entries from the store once, so duplicates are
// caught across restarts.
func (l *Log) primeLocked(ctx context.Context) error {
	if l.primed {
		return nil
	}
	entries, err := l.Entries(ctx)
	if err != nil {
		return err
	}
	cutoff := l.clock().Add(-l.cfg.DedupWindow)
	for i := range entries {
		if entries[i].Timestamp.Before(cutoff) {
			continue
		}
		key := DedupKey(entries[i])
		if entries[i].Timestamp.After(l.recent[key]) {
			l.recent[key] = entries[i].Timestamp
		}
	}
	l.primed = true
	return nil
}

func (l *Log) pruneRecentLocked(now time.Time) {
	for k, ts := range l.recent {
		if now.Sub(ts) >= l.cfg.DedupWindow {
			delete(l.recent, k)
		}
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// Entries returns all stored entries in recording order.
func (l *Log) Entries(ctx context.Context) ([]models.AuditLogEntry, error) {
	items, err := l.store.Scan(ctx, entryPrefix)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	out := make([]models.AuditLogEntry, 0, len(items))
	for _, it := range items {
		var e models.AuditLogEntry
		if err := json.Unmarshal(it.Value, &e); err != nil {
			logging.Warn().Err(err).Str("key", it.Key).Msg("Skipping unreadable audit entry")
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Stats summarizes the log.
type Stats struct {
	Total    int `json:"total"`
	Unsynced int `json:"unsynced"`
	InFlight int `json:"inFlight"`
	Synced   int `json:"synced"`
}

// Stats counts entries by upload state.
func (l *Log) Stats(ctx context.Context) (Stats, error) {
	entries, err := l.Entries(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Total: len(entries)}
	for i := range entries {
		switch {
		case entries[i].Synced:
			st.Synced++
		case entries[i].BatchID != "":
			st.InFlight++
		default:
			st.Unsynced++
		}
	}
	return st, nil
}
