// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

// Package store is the durable key-value layer under every fieldsync
// component. All writes go through Update, which serializes callers that
// touch the same keys and applies the whole change in one transaction, so a
// read-modify-write can never lose a concurrent update.
//
// Key layout:
//
//	retry:<id>              queue entries
//	retryidx:case:<caseID>  case -> STATUS_UPDATE entry id
//	pending:<caseID>        unconfirmed status updates
//	case:<caseID>           optimistic local case records
//	audit:<id>              audit log entries
//	session:current         auth session
//	meta:<name>             small installation values (device id)
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Errors returned by Store implementations.
var (
	ErrNotFound = errors.New("store: key not found")
	ErrClosed   = errors.New("store: closed")
)

// Item is one key/value pair returned by Scan.
type Item struct {
	Key   string
	Value []byte
}

// Tx is the view handed to an Update callback. Writes become visible only
// if the callback returns nil.
type Tx interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
}

// Store is implemented by BadgerStore and MemoryStore.
type Store interface {
	// Get returns the value stored at key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Scan returns every live item whose key starts with prefix, in key order.
	Scan(ctx context.Context, prefix string) ([]Item, error)

	// Update locks keys, runs fn in a single read-write transaction and
	// commits if fn returns nil. fn should only touch the keys it locked.
	Update(ctx context.Context, keys []string, fn func(Tx) error) error

	Close() error
}

// GetJSON decodes the value at key into v.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// PutJSON encodes v and stores it at key.
func PutJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Update(ctx, []string{key}, func(tx Tx) error {
		return tx.Set(key, raw, ttl)
	})
}

// Delete removes key. Missing keys are not an error.
func Delete(ctx context.Context, s Store, key string) error {
	return s.Update(ctx, []string{key}, func(tx Tx) error {
		return tx.Delete(key)
	})
}

// TxGetJSON decodes the value at key inside a transaction. found is false
// when the key does not exist.
func TxGetJSON(tx Tx, key string, v any) (found bool, err error) {
	raw, err := tx.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// TxPutJSON encodes v and writes it at key inside a transaction.
func TxPutJSON(tx Tx, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return tx.Set(key, raw, ttl)
}
