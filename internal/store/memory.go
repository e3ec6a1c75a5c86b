// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a non-durable Store. Everything is lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string]memValue
	locks  *KeyedMutex
	now    func() time.Time
	closed bool
}

type memValue struct {
	value     []byte
	expiresAt time.Time
}

func (v memValue) live(now time.Time) bool {
	return v.expiresAt.IsZero() || now.Before(v.expiresAt)
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:  make(map[string]memValue),
		locks: NewKeyedMutex(),
		now:   time.Now,
	}
}

// SetTimeFunc overrides the clock used for TTL expiry. Intended for tests.
func (m *MemoryStore) SetTimeFunc(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	v, ok := m.data[key]
	if !ok || !v.live(m.now()) {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v.value...), nil
}

// Scan implements Store.
func (m *MemoryStore) Scan(ctx context.Context, prefix string) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	now := m.now()
	var items []Item
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) && v.live(now) {
			items = append(items, Item{Key: k, Value: append([]byte(nil), v.value...)})
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return items, nil
}

// Update implements Store.
func (m *MemoryStore) Update(ctx context.Context, keys []string, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := m.locks.Lock(keys...)
	defer unlock()

	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	tx := &memTx{store: m, writes: make(map[string]*memValue)}
	if err := fn(tx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range tx.writes {
		if v == nil {
			delete(m.data, k)
			continue
		}
		m.data[k] = *v
	}
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// memTx buffers writes until the callback succeeds. A nil value is a delete.
type memTx struct {
	store  *MemoryStore
	writes map[string]*memValue
}

func (t *memTx) Get(key string) ([]byte, error) {
	if v, ok := t.writes[key]; ok {
		if v == nil {
			return nil, ErrNotFound
		}
		return append([]byte(nil), v.value...), nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	v, ok := t.store.data[key]
	if !ok || !v.live(t.store.now()) {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v.value...), nil
}

func (t *memTx) Set(key string, value []byte, ttl time.Duration) error {
	v := &memValue{value: append([]byte(nil), value...)}
	if ttl > 0 {
		t.store.mu.RLock()
		v.expiresAt = t.store.now().Add(ttl)
		t.store.mu.RUnlock()
	}
	t.writes[key] = v
	return nil
}

func (t *memTx) Delete(key string) error {
	t.writes[key] = nil
	return nil
}
