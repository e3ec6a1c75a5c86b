// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

package authority

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/fieldsync/internal/config"
	"github.com/tomtom215/fieldsync/internal/models"
)

func testConfig(baseURL string) config.AuthorityConfig {
	cfg := config.Default().Authority
	cfg.BaseURL = baseURL
	cfg.RequestTimeout = 2 * time.Second
	return cfg
}

func newTestClient(t *testing.T, srv *httptest.Server, bc *config.BreakerConfig) *Client {
	t.Helper()
	c, err := New(testConfig(srv.URL), bc)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		want   models.ErrorKind
	}{
		{401, models.ErrKindAuthRequired},
		{403, models.ErrKindAuthRequired},
		{429, models.ErrKindRateLimited},
		{408, models.ErrKindTimeout},
		{504, models.ErrKindTimeout},
		{500, models.ErrKindServer},
		{503, models.ErrKindServer},
		{400, models.ErrKindClient},
		{409, models.ErrKindClient},
	}
	for _, tt := range tests {
		if got := Classify(tt.status); got != tt.want {
			t.Errorf("Classify(%d) = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	c, err := New(testConfig("https://cases.example.org/api/"), nil)
	if err != nil {
		t.Fatal(err)
	}

	if got := c.StatusURL("C 1"); got != "https://cases.example.org/api/cases/C%201/status" {
		t.Errorf("StatusURL = %q", got)
	}
	if got := c.Resolve("https://other.example.org/x"); got != "https://other.example.org/x" {
		t.Errorf("absolute URL rewritten to %q", got)
	}
	if got := c.AuditURL(); got != "https://cases.example.org/api/audit/logs" {
		t.Errorf("AuditURL = %q", got)
	}
}

func TestDoSendsBearerAndBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		if r.Method != http.MethodPut {
			t.Errorf("Method = %s", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"status":"InProgress"}` {
			t.Errorf("body = %s", body)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	resp, err := c.Do(context.Background(), Request{
		Method: http.MethodPut,
		URL:    "/cases/1/status",
		Body:   []byte(`{"status":"InProgress"}`),
		Token:  "tok",
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("StatusCode = %d", resp.StatusCode)
	}
}

func TestDoClassifiesFailures(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/limited":
			w.WriteHeader(http.StatusTooManyRequests)
		case "/down":
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	ctx := context.Background()

	_, err := c.Do(ctx, Request{Method: http.MethodGet, URL: "/limited"})
	if !errors.Is(err, models.ErrRateLimited) {
		t.Errorf("429 error = %v", err)
	}

	_, err = c.Do(ctx, Request{Method: http.MethodGet, URL: "/down"})
	var se *models.SyncError
	if !errors.As(err, &se) || se.Kind != models.ErrKindServer || se.StatusCode != 503 {
		t.Errorf("503 error = %v", err)
	}
	if !strings.Contains(se.Message, "maintenance") {
		t.Errorf("message = %q", se.Message)
	}

	_, err = c.Do(ctx, Request{Method: http.MethodGet, URL: "/private"})
	if !errors.Is(err, models.ErrAuthRequired) {
		t.Errorf("403 error = %v", err)
	}
}

func TestDoNetworkError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	c := newTestClient(t, srv, nil)
	srv.Close()

	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, URL: "/x"})
	if got := models.KindOf(err); got != models.ErrKindNetwork {
		t.Errorf("kind = %s, want NETWORK_ERROR (err %v)", got, err)
	}
}

func TestDoTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(t, srv, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Do(ctx, Request{Method: http.MethodGet, URL: "/slow"})
	if got := models.KindOf(err); got != models.ErrKindTimeout {
		t.Errorf("kind = %s, want TIMEOUT (err %v)", got, err)
	}
}

func TestRefresh(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/refresh" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["refreshToken"] != "r1" || req["deviceId"] != "dev-1" {
			t.Errorf("request = %v", req)
		}
		_ = json.NewEncoder(w).Encode(Tokens{AccessToken: "a2", RefreshToken: "r2"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	tokens, err := c.Refresh(context.Background(), "r1", "dev-1")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if tokens.AccessToken != "a2" || tokens.RefreshToken != "r2" {
		t.Errorf("tokens = %+v", tokens)
	}
}

func TestRefreshRejectsIncompleteTokens(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"accessToken":"only"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	if _, err := c.Refresh(context.Background(), "r1", "dev"); models.KindOf(err) != models.ErrKindServer {
		t.Errorf("error = %v, want SERVER_ERROR", err)
	}
}

func TestBreakerOpensOnServerErrorsOnly(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	var status atomic.Int32
	status.Store(http.StatusBadRequest)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	bc := &config.BreakerConfig{
		Enabled:             true,
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             time.Minute,
		ConsecutiveFailures: 3,
	}
	c := newTestClient(t, srv, bc)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = c.Do(ctx, Request{Method: http.MethodGet, URL: "/x"})
	}
	if c.BreakerState() != "closed" {
		t.Fatalf("4xx replies opened the breaker: %s", c.BreakerState())
	}

	status.Store(http.StatusBadGateway)
	for i := 0; i < 3; i++ {
		_, _ = c.Do(ctx, Request{Method: http.MethodGet, URL: "/x"})
	}
	if c.BreakerState() != "open" {
		t.Fatalf("BreakerState = %s, want open", c.BreakerState())
	}

	before := calls.Load()
	_, err := c.Do(ctx, Request{Method: http.MethodGet, URL: "/x"})
	if got := models.KindOf(err); got != models.ErrKindCircuitOpen {
		t.Errorf("kind = %s, want CIRCUIT_OPEN", got)
	}
	if calls.Load() != before {
		t.Error("open breaker still reached the server")
	}

	// Ping bypasses the breaker.
	if _, err := c.Ping(ctx); models.KindOf(err) != models.ErrKindServer {
		t.Errorf("Ping() error = %v", err)
	}
}
