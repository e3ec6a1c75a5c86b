// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/tomtom215/fieldsync/internal/models"
	"github.com/tomtom215/fieldsync/internal/store"
)

// sessionKey is where the single device session lives.
const sessionKey = "session:current"

// storedSession is the persisted form. Tokens are encrypted when Encrypted
// is set.
type storedSession struct {
	models.AuthSession
	Encrypted bool `json:"encrypted,omitempty"`
}

// SessionStore persists the AuthSession. Every Save overwrites the whole
// record.
type SessionStore struct {
	store store.Store
	enc   *TokenEncryptor
}

// NewSessionStore returns a SessionStore. enc may be nil.
func NewSessionStore(s store.Store, enc *TokenEncryptor) *SessionStore {
	return &SessionStore{store: s, enc: enc}
}

// Load returns the stored session, or nil if there is none.
func (s *SessionStore) Load(ctx context.Context) (*models.AuthSession, error) {
	var rec storedSession
	if err := store.GetJSON(ctx, s.store, sessionKey, &rec); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load session: %w", err)
	}

	sess := rec.AuthSession
	if !rec.Encrypted {
		return &sess, nil
	}
	if !s.enc.Enabled() {
		return nil, ErrEncryptionKeyMissing
	}

	var err error
	if sess.AccessToken, err = s.enc.Decrypt(sess.AccessToken); err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}
	if sess.RefreshToken, err = s.enc.Decrypt(sess.RefreshToken); err != nil {
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}
	return &sess, nil
}

// Save replaces the stored session with sess.
func (s *SessionStore) Save(ctx context.Context, sess *models.AuthSession) error {
	rec := storedSession{AuthSession: *sess, Encrypted: s.enc.Enabled()}

	var err error
	if rec.AccessToken, err = s.enc.Encrypt(sess.AccessToken); err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	if rec.RefreshToken, err = s.enc.Encrypt(sess.RefreshToken); err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}

	if err := store.PutJSON(ctx, s.store, sessionKey, rec, 0); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Clear removes the stored session.
func (s *SessionStore) Clear(ctx context.Context) error {
	if err := store.Delete(ctx, s.store, sessionKey); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}
