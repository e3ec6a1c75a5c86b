// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

// Package app assembles the sync agent from its components and runs them
// under the supervisor tree.
//
// Construction order follows the dependency graph:
//
//	store -> authority client -> network monitor -> session coordinator
//	      -> retry engine -> audit log -> status service -> admin API
//
// Cross-component reactions are wired here and nowhere else:
//
//   - network reconnect: refresh the session if due, then scan the queue
//   - AUTH_REQUIRED / LOGGED_OUT: halt the queue and park pending entries
//   - REAUTHENTICATED: resume the queue and release parked entries
//   - session events, queue resolutions and network changes: push to
//     event stream clients
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/fieldsync/internal/api"
	"github.com/tomtom215/fieldsync/internal/audit"
	"github.com/tomtom215/fieldsync/internal/auth"
	"github.com/tomtom215/fieldsync/internal/authority"
	"github.com/tomtom215/fieldsync/internal/config"
	"github.com/tomtom215/fieldsync/internal/events"
	"github.com/tomtom215/fieldsync/internal/logging"
	"github.com/tomtom215/fieldsync/internal/network"
	"github.com/tomtom215/fieldsync/internal/queue"
	"github.com/tomtom215/fieldsync/internal/status"
	"github.com/tomtom215/fieldsync/internal/store"
	"github.com/tomtom215/fieldsync/internal/supervisor"
	"github.com/tomtom215/fieldsync/internal/supervisor/services"
)

// deviceIDKey holds the generated device id when none is configured.
const deviceIDKey = "meta:device_id"

// hookTimeout bounds the work done in response to a session or network event.
const hookTimeout = 30 * time.Second

// App is a fully wired agent.
type App struct {
	cfg      config.Config
	deviceID string

	Store     store.Store
	Authority *authority.Client
	Network   *network.Monitor
	Sessions  *auth.Coordinator
	Queue     *queue.Engine
	Audit     *audit.Log
	Status    *status.Service
	Events    *events.Hub

	badger  *store.BadgerStore
	handler http.Handler
	tree    *supervisor.SupervisorTree
}

// New opens the store and builds every component. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	a := &App{cfg: *cfg}

	if err := a.openStore(); err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			if err := a.Store.Close(); err != nil {
				logging.Error().Err(err).Msg("Error closing store")
			}
		}
	}()

	deviceID, err := resolveDeviceID(ctx, a.Store, cfg.Device.ID)
	if err != nil {
		return nil, err
	}
	a.deviceID = deviceID
	device := cfg.Device
	device.ID = deviceID

	a.Authority, err = authority.New(cfg.Authority, &cfg.Breaker)
	if err != nil {
		return nil, fmt.Errorf("create authority client: %w", err)
	}

	a.Network = network.NewMonitor(cfg.Network, a.Authority)

	enc, err := auth.NewTokenEncryptor(cfg.Auth.EncryptionKey, "")
	if err != nil {
		return nil, fmt.Errorf("create token encryptor: %w", err)
	}
	if enc == nil {
		logging.Warn().Msg("TOKEN_ENCRYPTION_KEY not set, session tokens are stored unencrypted")
	}
	a.Sessions = auth.NewCoordinator(auth.NewSessionStore(a.Store, enc), a.Authority, a.Network, cfg.Auth, deviceID)
	if err := a.Sessions.Load(ctx); err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	a.Queue = queue.NewEngine(queue.Deps{
		Store:     a.Store,
		Authority: a.Authority,
		Tokens:    a.Sessions,
		Network:   a.Network,
	}, cfg.Queue)

	a.Audit = audit.NewLog(a.Store, a.Queue, cfg.Audit, device)
	a.Status = status.NewService(a.Store, a.Queue, a.Audit, a.Sessions, a.Network)
	a.Events = events.NewHub()

	a.wireEvents()

	// Entries parked before a restart are retried if a session survived it.
	if a.Sessions.Session() != nil {
		if _, err := a.Queue.ResumeParked(ctx); err != nil {
			return nil, fmt.Errorf("resume parked entries: %w", err)
		}
	}

	a.handler = api.NewRouter(api.Deps{
		Queue:        a.Queue,
		Network:      a.Network,
		Session:      a.Sessions,
		Cases:        a.Status,
		Audit:        a.Audit,
		Events:       a.Events,
		BreakerState: a.Authority.BreakerState,
	}, cfg.Admin).Handler()

	if err := a.buildTree(); err != nil {
		return nil, err
	}

	logging.Info().
		Str("device_id", deviceID).
		Str("store", cfg.Store.Backend).
		Str("authority", cfg.Authority.BaseURL).
		Bool("admin", cfg.Admin.Enabled).
		Msg("Sync agent assembled")

	ok = true
	return a, nil
}

func (a *App) openStore() error {
	if a.cfg.Store.Backend == "memory" {
		logging.Warn().Msg("Using in-memory store, queued mutations will not survive a restart")
		a.Store = store.NewMemoryStore()
		return nil
	}
	bs, err := store.OpenBadger(store.BadgerConfig{
		Path:       a.cfg.Store.Path,
		SyncWrites: a.cfg.Store.SyncWrites,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.badger = bs
	a.Store = bs
	return nil
}

// resolveDeviceID returns configured, or the id persisted on first start.
func resolveDeviceID(ctx context.Context, s store.Store, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	var id string
	err := store.GetJSON(ctx, s, deviceIDKey, &id)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("read device id: %w", err)
	}

	id = uuid.NewString()
	if err := store.PutJSON(ctx, s, deviceIDKey, id, 0); err != nil {
		return "", fmt.Errorf("persist device id: %w", err)
	}
	logging.Info().Str("device_id", id).Msg("Generated device id")
	return id, nil
}

func (a *App) wireEvents() {
	a.Network.OnReconnect(func(ctx context.Context) {
		if a.Sessions.Session() != nil {
			if _, err := a.Sessions.GetValidAccessToken(ctx); err != nil {
				logging.Debug().Err(err).Msg("Session check after reconnect failed")
			}
		}
		a.Queue.ScanNow()
	})

	a.Sessions.Subscribe(func(ev auth.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		defer cancel()

		switch ev.Type {
		case auth.EventAuthRequired, auth.EventLoggedOut:
			reason := ev.Reason
			if reason == "" {
				reason = string(ev.Type)
			}
			if err := a.Queue.Halt(ctx, reason); err != nil {
				logging.Error().Err(err).Msg("Failed to halt queue")
			}
		case auth.EventReauthenticated:
			a.Queue.Resume()
			if _, err := a.Queue.ResumeParked(ctx); err != nil {
				logging.Error().Err(err).Msg("Failed to resume parked entries")
			}
		}
	})

	// The hub only runs alongside the admin API.
	if a.cfg.Admin.Enabled {
		a.Sessions.Subscribe(a.Events.PublishSession)
		a.Queue.OnResolved(a.Events.PublishResolution)
		a.Network.Subscribe(a.Events.PublishNetwork)
	}
}

func (a *App) buildTree() error {
	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger("supervisor"), supervisor.TreeConfigFrom(a.cfg.Supervisor))
	if err != nil {
		return fmt.Errorf("create supervisor tree: %w", err)
	}

	if a.badger != nil && a.cfg.Store.GCInterval > 0 {
		tree.AddDataService(services.NewLoopService("store-gc",
			store.NewGarbageCollector(a.badger, a.cfg.Store.GCInterval)))
	}
	tree.AddDataService(services.NewLoopService("queue-purger",
		queue.NewPurger(a.Queue, a.cfg.Queue.PurgeInterval)))

	if a.cfg.Network.ProbeEnabled {
		tree.AddSyncService(services.NewLoopService("network-monitor", a.Network))
	}
	tree.AddSyncService(services.NewLoopService("queue-scheduler", a.Queue))
	tree.AddSyncService(services.NewLoopService("session-refresher",
		auth.NewRefresher(a.Sessions, a.cfg.Auth.StartupDelay, a.cfg.Auth.RefreshInterval)))
	tree.AddSyncService(services.NewLoopService("audit-syncer",
		audit.NewSyncer(a.Audit, a.cfg.Audit.SyncInterval)))

	if a.cfg.Admin.Enabled {
		server := &http.Server{
			Handler:           a.handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		tree.AddAPIService(a.Events)
		tree.AddAPIService(services.NewHTTPServerService(server, a.cfg.Admin.Listen, a.cfg.Admin.ShutdownTimeout))
	}

	a.tree = tree
	return nil
}

// DeviceID returns the id this installation identifies itself with.
func (a *App) DeviceID() string { return a.deviceID }

// Handler returns the admin API handler.
func (a *App) Handler() http.Handler { return a.handler }

// Run serves the supervisor tree until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	logging.Info().Msg("Starting supervisor tree...")
	errCh := a.tree.ServeBackground(ctx)

	var runErr error
	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor tree error")
		runErr = err
	}

	unstopped, _ := a.tree.UnstoppedServiceReport()
	if len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("Services failed to stop within timeout")
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
		}
	}
	return runErr
}

// Close releases the store. Call after Run returns.
func (a *App) Close() error {
	return a.Store.Close()
}
