// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

// Package auth owns the device session: it hands out valid access tokens,
// renews them before expiry with at most one refresh call in flight, and
// tells the rest of the system when the user has to log in again.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tomtom215/fieldsync/internal/authority"
	"github.com/tomtom215/fieldsync/internal/config"
	"github.com/tomtom215/fieldsync/internal/logging"
	"github.com/tomtom215/fieldsync/internal/metrics"
	"github.com/tomtom215/fieldsync/internal/models"
)

// ErrNoSession is wrapped by RefreshError when there is nothing to refresh.
var ErrNoSession = errors.New("no active session")

// RefreshError is returned by Refresh. RequiresReauth is true when the
// authority rejected the refresh token; the session has then been cleared.
type RefreshError struct {
	RequiresReauth bool
	Err            error
}

func (e *RefreshError) Error() string {
	if e.RequiresReauth {
		return fmt.Sprintf("refresh rejected, re-authentication required: %v", e.Err)
	}
	return fmt.Sprintf("refresh failed: %v", e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// API is the part of the authority client the coordinator needs.
type API interface {
	Refresh(ctx context.Context, refreshToken, deviceID string) (*authority.Tokens, error)
	Login(ctx context.Context, username, password, deviceID string) (*authority.Tokens, error)
}

// Connectivity reports whether a refresh is worth attempting.
type Connectivity interface {
	IsOnline() bool
}

// EventType enumerates session events.
type EventType string

// Session events.
const (
	EventAuthRequired    EventType = "AUTH_REQUIRED"
	EventReauthenticated EventType = "REAUTHENTICATED"
	EventRefreshed       EventType = "REFRESHED"
	EventLoggedOut       EventType = "LOGGED_OUT"
)

// Event is delivered to Subscribe callbacks.
type Event struct {
	Type   EventType
	At     time.Time
	Reason string
}

// refreshKey is the single-flight key; there is only one session.
const refreshKey = "refresh"

// Coordinator is the single authority over the device session.
type Coordinator struct {
	sessions *SessionStore
	api      API
	net      Connectivity
	cfg      config.AuthConfig
	deviceID string
	now      func() time.Time

	mu      sync.RWMutex
	session *models.AuthSession

	group singleflight.Group

	listenersMu sync.RWMutex
	listeners   []func(Event)
}

// NewCoordinator builds a Coordinator. Call Load before use.
func NewCoordinator(sessions *SessionStore, api API, net Connectivity, cfg config.AuthConfig, deviceID string) *Coordinator {
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 10 * time.Second
	}
	return &Coordinator{
		sessions: sessions,
		api:      api,
		net:      net,
		cfg:      cfg,
		deviceID: deviceID,
		now:      time.Now,
	}
}

// SetTimeFunc overrides the clock. Intended for tests.
func (c *Coordinator) SetTimeFunc(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *Coordinator) clock() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now()
}

// Load reads the persisted session into memory.
func (c *Coordinator) Load(ctx context.Context) error {
	sess, err := c.sessions.Load(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()
	metrics.AuthSessionActive.Set(metrics.BoolGauge(sess != nil))

	if sess != nil {
		logging.Info().
			Str("user_id", sess.UserID).
			Time("expires_at", sess.ExpiresAt).
			Msg("Session restored")
	}
	return nil
}

// Subscribe registers fn for session events.
func (c *Coordinator) Subscribe(fn func(Event)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Coordinator) emit(t EventType, reason string) {
	ev := Event{Type: t, At: c.clock(), Reason: reason}
	c.listenersMu.RLock()
	listeners := append([]func(Event){}, c.listeners...)
	c.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// Session returns a copy of the current session, or nil.
func (c *Coordinator) Session() *models.AuthSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return nil
	}
	cp := *c.session
	return &cp
}

// UserID returns the logged-in user, or "".
func (c *Coordinator) UserID() string {
	if s := c.Session(); s != nil {
		return s.UserID
	}
	return ""
}

// GetValidAccessToken returns a token the authority should accept.
//
// Inside the refresh window it refreshes first when online. If that refresh
// fails for network reasons the current, still unexpired token is returned.
// It returns models.ErrAuthRequired when there is no session, the session has
// expired, or the authority rejected the refresh token.
func (c *Coordinator) GetValidAccessToken(ctx context.Context) (string, error) {
	sess := c.Session()
	if sess == nil {
		return "", models.ErrAuthRequired
	}

	now := c.clock()
	if sess.Expired(now) {
		c.invalidate(ctx, sess, "session expired")
		return "", models.ErrAuthRequired
	}

	if sess.NeedsRefresh(now, c.cfg.RefreshThreshold) && c.net.IsOnline() {
		tokens, err := c.refresh(ctx, sess)
		if err == nil {
			return tokens.AccessToken, nil
		}
		var re *RefreshError
		if errors.As(err, &re) && re.RequiresReauth {
			return "", models.ErrAuthRequired
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		logging.Warn().Err(err).Msg("Token refresh failed, using current token")
	}

	return sess.AccessToken, nil
}

// Refresh renews the token pair. Concurrent callers share one call to the
// authority and all receive its result. The shared call is not tied to any
// caller's context; it runs under its own RefreshTimeout, so a caller that
// gives up does not cancel the refresh for the others.
func (c *Coordinator) Refresh(ctx context.Context) (*authority.Tokens, error) {
	return c.refresh(ctx, nil)
}

// refresh is Refresh for a caller that decided to refresh based on seen. If
// the tokens in seen were rotated since, the current pair is returned
// without another call.
func (c *Coordinator) refresh(ctx context.Context, seen *models.AuthSession) (*authority.Tokens, error) {
	ch := c.group.DoChan(refreshKey, func() (any, error) {
		return c.doRefresh(seen)
	})

	select {
	case res := <-ch:
		if res.Shared {
			metrics.AuthRefreshJoined.Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*authority.Tokens), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) doRefresh(seen *models.AuthSession) (*authority.Tokens, error) {
	sess := c.Session()
	if sess == nil {
		return nil, &RefreshError{RequiresReauth: true, Err: ErrNoSession}
	}
	if seen != nil && sess.LoginTimestamp.Equal(seen.LoginTimestamp) && sess.RefreshToken != seen.RefreshToken {
		metrics.AuthRefreshJoined.Inc()
		return &authority.Tokens{
			AccessToken:  sess.AccessToken,
			RefreshToken: sess.RefreshToken,
			UserID:       sess.UserID,
		}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RefreshTimeout)
	defer cancel()

	deviceID := sess.DeviceID
	if deviceID == "" {
		deviceID = c.deviceID
	}

	tokens, err := c.api.Refresh(ctx, sess.RefreshToken, deviceID)
	if err != nil {
		if models.KindOf(err) == models.ErrKindAuthRequired {
			metrics.AuthRefreshes.WithLabelValues("reauth").Inc()
			logging.Warn().Err(err).Str("user_id", sess.UserID).Msg("Refresh token rejected")
			c.invalidate(ctx, sess, "refresh rejected")
			return nil, &RefreshError{RequiresReauth: true, Err: err}
		}
		metrics.AuthRefreshes.WithLabelValues("network").Inc()
		return nil, &RefreshError{Err: err}
	}

	now := c.clock()
	next := *sess
	next.AccessToken = tokens.AccessToken
	next.RefreshToken = tokens.RefreshToken
	next.LastRefreshAt = now
	next.ExpiresAt = now.Add(c.cfg.SessionLifetime)

	c.mu.Lock()
	if c.session == nil || !c.session.LoginTimestamp.Equal(sess.LoginTimestamp) {
		// Logged out or logged in again while the call was in flight.
		c.mu.Unlock()
		return nil, &RefreshError{RequiresReauth: c.session == nil, Err: ErrNoSession}
	}
	c.session = &next
	c.mu.Unlock()

	if err := c.sessions.Save(ctx, &next); err != nil {
		logging.Error().Err(err).Msg("Failed to persist refreshed session")
	}

	metrics.AuthRefreshes.WithLabelValues("success").Inc()
	logging.Info().Str("user_id", next.UserID).Time("expires_at", next.ExpiresAt).Msg("Session refreshed")
	c.emit(EventRefreshed, "")
	return tokens, nil
}

// ForceRefresh refreshes regardless of the refresh window. The retry engine
// calls it after the authority answers a data call with 401/403.
func (c *Coordinator) ForceRefresh(ctx context.Context) error {
	if c.Session() == nil {
		return models.ErrAuthRequired
	}
	if !c.net.IsOnline() {
		return models.NewSyncError(models.ErrKindNetwork, 0, "offline", nil)
	}
	_, err := c.Refresh(ctx)
	var re *RefreshError
	if errors.As(err, &re) && re.RequiresReauth {
		return models.ErrAuthRequired
	}
	return err
}

// invalidate drops sess if it is still the current session.
func (c *Coordinator) invalidate(ctx context.Context, sess *models.AuthSession, reason string) {
	c.mu.Lock()
	if c.session == nil || !c.session.LoginTimestamp.Equal(sess.LoginTimestamp) {
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.mu.Unlock()

	if err := c.sessions.Clear(context.WithoutCancel(ctx)); err != nil {
		logging.Error().Err(err).Msg("Failed to clear session")
	}
	metrics.AuthSessionActive.Set(0)
	logging.Warn().Str("reason", reason).Msg("Session invalidated, re-authentication required")
	c.emit(EventAuthRequired, reason)
}

// Login stores a new session from tokens issued by the authority. The user
// ID falls back to the access token's subject claim.
func (c *Coordinator) Login(ctx context.Context, tokens *authority.Tokens) (*models.AuthSession, error) {
	if tokens == nil || tokens.AccessToken == "" || tokens.RefreshToken == "" {
		return nil, errors.New("login requires an access and a refresh token")
	}

	userID := tokens.UserID
	if userID == "" {
		if claims, err := ParseTokenClaims(tokens.AccessToken); err == nil {
			userID = claims.Subject
		}
	}

	now := c.clock()
	sess := &models.AuthSession{
		AccessToken:    tokens.AccessToken,
		RefreshToken:   tokens.RefreshToken,
		UserID:         userID,
		LoginTimestamp: now,
		ExpiresAt:      now.Add(c.cfg.SessionLifetime),
		LastRefreshAt:  now,
		DeviceID:       c.deviceID,
	}
	if err := c.sessions.Save(ctx, sess); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()
	metrics.AuthSessionActive.Set(1)

	logging.Info().Str("user_id", userID).Msg("Session established")
	c.emit(EventReauthenticated, "")
	cp := *sess
	return &cp, nil
}

// LoginWithPassword authenticates against the authority and stores the
// resulting session.
func (c *Coordinator) LoginWithPassword(ctx context.Context, username, password string) (*models.AuthSession, error) {
	tokens, err := c.api.Login(ctx, username, password, c.deviceID)
	if err != nil {
		return nil, err
	}
	return c.Login(ctx, tokens)
}

// Logout forgets the session.
func (c *Coordinator) Logout(ctx context.Context) error {
	c.mu.Lock()
	had := c.session != nil
	c.session = nil
	c.mu.Unlock()

	if err := c.sessions.Clear(ctx); err != nil {
		return err
	}
	metrics.AuthSessionActive.Set(0)
	if had {
		logging.Info().Msg("Logged out")
		c.emit(EventLoggedOut, "")
	}
	return nil
}
