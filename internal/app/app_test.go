// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomtom215/fieldsync/internal/auth"
	"github.com/tomtom215/fieldsync/internal/authority"
	"github.com/tomtom215/fieldsync/internal/config"
	"github.com/tomtom215/fieldsync/internal/events"
	"github.com/tomtom215/fieldsync/internal/models"
	"github.com/tomtom215/fieldsync/internal/status"
)

// authorityStub accepts every call and records the paths it saw.
type authorityStub struct {
	mu    sync.Mutex
	paths []string
}

func (s *authorityStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.paths = append(s.paths, r.Method+" "+r.URL.Path)
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{}`))
}

func (s *authorityStub) saw(prefix string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.paths {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Authority.BaseURL = baseURL
	cfg.Store.Backend = "memory"
	cfg.Admin.Enabled = false
	cfg.Network.StartOnline = false
	cfg.Network.SettleDelay = 10 * time.Millisecond
	cfg.Queue.SchedulerInterval = 50 * time.Millisecond
	cfg.Queue.AttemptsPerSecond = 0
	cfg.Auth.StartupDelay = time.Hour
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func login(t *testing.T, a *App) {
	t.Helper()
	_, err := a.Sessions.Login(context.Background(), &authority.Tokens{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		UserID:       "inspector-7",
	})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
}

func TestNewRequiresConfig(t *testing.T) {
	if _, err := New(context.Background(), nil); err == nil {
		t.Fatal("expected an error for a nil config")
	}
}

func TestNewRejectsRelativeAuthority(t *testing.T) {
	cfg := testConfig(t, "/relative")
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("expected an error for a relative authority url")
	}
}

func TestDeviceIDIsPersisted(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Store.Backend = "badger"
	cfg.Store.Path = t.TempDir()
	cfg.Store.GCInterval = 0

	first, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id := first.DeviceID()
	if id == "" {
		t.Fatal("no device id generated")
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	if second.DeviceID() != id {
		t.Fatalf("device id changed across restarts: %q then %q", id, second.DeviceID())
	}
}

func TestConfiguredDeviceIDWins(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Device.ID = "tablet-12"
	a := newTestApp(t, cfg)
	if a.DeviceID() != "tablet-12" {
		t.Fatalf("DeviceID = %q", a.DeviceID())
	}
}

func TestSessionEventsHaltAndResumeQueue(t *testing.T) {
	a := newTestApp(t, testConfig(t, "http://127.0.0.1:1"))
	ctx := context.Background()
	login(t, a)

	if _, err := a.Status.UpdateStatus(ctx, "case-1", models.StatusInProgress, status.Options{}); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	if err := a.Sessions.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if !a.Queue.Halted() {
		t.Fatal("queue still running after logout")
	}
	st, err := a.Queue.GetQueueStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Parked != 1 || st.Pending != 0 {
		t.Fatalf("after logout: %+v", st)
	}

	login(t, a)
	if a.Queue.Halted() {
		t.Fatal("queue still halted after sign-in")
	}
	st, err = a.Queue.GetQueueStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Parked != 0 || st.Pending != 1 {
		t.Fatalf("after sign-in: %+v", st)
	}
}

func TestHandlerServesHealth(t *testing.T) {
	a := newTestApp(t, testConfig(t, "http://127.0.0.1:1"))

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /healthz = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestReconnectDeliversOfflineUpdate(t *testing.T) {
	stub := &authorityStub{}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	cfg.Admin.Enabled = true
	cfg.Admin.Listen = "127.0.0.1:0"
	a := newTestApp(t, cfg)
	login(t, a)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	res, err := a.Status.UpdateStatus(ctx, "case-9", models.StatusInProgress, status.Options{})
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if !res.WasOffline {
		t.Fatal("update was not treated as offline")
	}

	a.Network.Report(true, models.ConnectionWiFi)

	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := a.Queue.GetQueueStatus(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if st.Pending == 0 && st.Parked == 0 && st.Failed == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("entry not delivered after reconnect: %+v", st)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !stub.saw(http.MethodPut + " /cases/case-9/status") {
		t.Fatalf("authority never received the status update: %v", stub.paths)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestParkedEntriesResumeAfterRestartWithSession(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Store.Backend = "badger"
	cfg.Store.Path = t.TempDir()
	cfg.Store.GCInterval = 0
	ctx := context.Background()

	first, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	login(t, first)
	if _, err := first.Status.UpdateStatus(ctx, "case-3", models.StatusInProgress, status.Options{}); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := first.Queue.Halt(ctx, "test"); err != nil {
		t.Fatalf("Halt: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()

	if second.Sessions.Session() == nil {
		t.Fatal("session not restored")
	}
	st, err := second.Queue.GetQueueStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Parked != 0 || st.Pending != 1 {
		t.Fatalf("after restart: %+v", st)
	}
}

func TestLogoutIsPushedToEventClients(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Admin.Enabled = true
	cfg.Admin.Listen = "127.0.0.1:0"
	a := newTestApp(t, cfg)
	login(t, a)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/events", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for a.Events.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := a.Sessions.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatal(err)
	}
	for {
		var msg struct {
			Type string             `json:"type"`
			Data events.SessionData `json:"data"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("no session event received: %v", err)
		}
		if msg.Type != events.TypeSession {
			continue
		}
		if msg.Data.Event != string(auth.EventLoggedOut) {
			t.Fatalf("session event = %q, want %s", msg.Data.Event, auth.EventLoggedOut)
		}
		return
	}
}
