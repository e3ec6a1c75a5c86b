// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

// Package authority is the HTTP client for the remote case-management REST
// server. Every call returns either a 2xx response or a *models.SyncError
// classified by cause.
package authority

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/fieldsync/internal/config"
	"github.com/tomtom215/fieldsync/internal/logging"
	"github.com/tomtom215/fieldsync/internal/models"
)

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 1 << 20

// Request is one outbound call.
type Request struct {
	Method  string
	URL     string // absolute, or relative to the base URL
	Headers map[string]string
	Body    []byte

	// Token is sent as a bearer token when non-empty.
	Token string
}

// Response is a successful (2xx) reply.
type Response struct {
	StatusCode int
	Body       []byte
}

// Tokens is the payload returned by the refresh and login endpoints.
type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	UserID       string `json:"userId,omitempty"`
}

// Client talks to the authority.
type Client struct {
	base      *url.URL
	http      *http.Client
	cfg       config.AuthorityConfig
	userAgent string
	breaker   *breaker
}

// New builds a Client. A nil breaker config disables the circuit breaker.
func New(cfg config.AuthorityConfig, bc *config.BreakerConfig) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse authority url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("authority url must be absolute, got %q", cfg.BaseURL)
	}

	c := &Client{
		base:      base,
		http:      &http.Client{Timeout: cfg.RequestTimeout},
		cfg:       cfg,
		userAgent: cfg.UserAgent,
	}
	if bc != nil && bc.Enabled {
		c.breaker = newBreaker("authority", *bc)
	}
	return c, nil
}

// Resolve turns a path or URL into an absolute URL against the base.
func (c *Client) Resolve(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if u.IsAbs() {
		return u.String()
	}
	// Keep any base path prefix: base /api + /cases/1 -> /api/cases/1.
	joined := *c.base
	joined.Path = strings.TrimRight(c.base.Path, "/") + "/" + strings.TrimLeft(u.Path, "/")
	joined.RawQuery = u.RawQuery
	return joined.String()
}

// StatusURL returns the status endpoint for caseID.
func (c *Client) StatusURL(caseID string) string {
	return c.Resolve(strings.ReplaceAll(c.cfg.StatusPath, "{id}", url.PathEscape(caseID)))
}

// AuditURL returns the audit upload endpoint.
func (c *Client) AuditURL() string {
	return c.Resolve(c.cfg.AuditPath)
}

// HealthURL returns the connectivity probe endpoint.
func (c *Client) HealthURL() string {
	return c.Resolve(c.cfg.HealthPath)
}

// Do performs req through the circuit breaker.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if c.breaker == nil {
		return c.do(ctx, req)
	}
	return c.breaker.execute(func() (*Response, error) {
		return c.do(ctx, req)
	})
}

func (c *Client) do(ctx context.Context, req Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.Resolve(req.URL), body)
	if err != nil {
		return nil, models.NewSyncError(models.ErrKindPermanentFailure, 0, "build request", err)
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, classifyTransportError(err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &Response{StatusCode: resp.StatusCode, Body: data}, nil
	}

	kind := Classify(resp.StatusCode)
	logging.Debug().
		Str("method", req.Method).
		Str("url", httpReq.URL.Redacted()).
		Int("status_code", resp.StatusCode).
		Str("kind", string(kind)).
		Msg("Authority rejected request")
	return nil, models.NewSyncError(kind, resp.StatusCode, snippet(data), nil)
}

// Classify maps a non-2xx HTTP status onto an ErrorKind.
func Classify(status int) models.ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return models.ErrKindAuthRequired
	case status == http.StatusTooManyRequests:
		return models.ErrKindRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return models.ErrKindTimeout
	case status >= 500:
		return models.ErrKindServer
	default:
		return models.ErrKindClient
	}
}

func classifyTransportError(err error) *models.SyncError {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.NewSyncError(models.ErrKindTimeout, 0, "", err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return models.NewSyncError(models.ErrKindTimeout, 0, "", err)
	}
	return models.NewSyncError(models.ErrKindNetwork, 0, "", err)
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// Refresh exchanges a refresh token for a new token pair.
func (c *Client) Refresh(ctx context.Context, refreshToken, deviceID string) (*Tokens, error) {
	payload, err := json.Marshal(map[string]string{
		"refreshToken": refreshToken,
		"deviceId":     deviceID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode refresh request: %w", err)
	}

	resp, err := c.Do(ctx, Request{Method: http.MethodPost, URL: c.cfg.RefreshPath, Body: payload})
	if err != nil {
		return nil, err
	}
	return decodeTokens(resp.Body)
}

// Login exchanges user credentials for a token pair.
func (c *Client) Login(ctx context.Context, username, password, deviceID string) (*Tokens, error) {
	payload, err := json.Marshal(map[string]string{
		"username": username,
		"password": password,
		"deviceId": deviceID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode login request: %w", err)
	}

	resp, err := c.Do(ctx, Request{Method: http.MethodPost, URL: c.cfg.LoginPath, Body: payload})
	if err != nil {
		return nil, err
	}
	return decodeTokens(resp.Body)
}

func decodeTokens(body []byte) (*Tokens, error) {
	var t Tokens
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, models.NewSyncError(models.ErrKindServer, 0, "decode token response", err)
	}
	if t.AccessToken == "" || t.RefreshToken == "" {
		return nil, models.NewSyncError(models.ErrKindServer, 0, "token response missing tokens", nil)
	}
	return &t, nil
}

// Ping performs a GET against the health endpoint, bypassing the breaker,
// and returns how long it took.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	_, err := c.do(ctx, Request{Method: http.MethodGet, URL: c.cfg.HealthPath})
	return time.Since(start), err
}

// BreakerState returns the breaker state name, or "disabled".
func (c *Client) BreakerState() string {
	if c.breaker == nil {
		return "disabled"
	}
	return c.breaker.state()
}
