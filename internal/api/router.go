// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/fieldsync/internal/audit"
	"github.com/tomtom215/fieldsync/internal/authority"
	"github.com/tomtom215/fieldsync/internal/config"
	"github.com/tomtom215/fieldsync/internal/logging"
	"github.com/tomtom215/fieldsync/internal/middleware"
	"github.com/tomtom215/fieldsync/internal/models"
	"github.com/tomtom215/fieldsync/internal/network"
	"github.com/tomtom215/fieldsync/internal/queue"
	"github.com/tomtom215/fieldsync/internal/status"
)

// Queue is satisfied by *queue.Engine.
type Queue interface {
	Enqueue(ctx context.Context, req queue.Request) (string, error)
	List(ctx context.Context) ([]models.RetryableRequest, error)
	GetQueueStatus(ctx context.Context) (models.QueueStatus, error)
	Retry(ctx context.Context, id string) error
	Halted() bool
	ScanNow()
}

// Network is satisfied by *network.Monitor.
type Network interface {
	State() models.NetworkState
	Report(online bool, ct models.ConnectionType)
	TestConnectivity(ctx context.Context) network.ProbeResult
}

// Session is satisfied by *auth.Coordinator.
type Session interface {
	Session() *models.AuthSession
	Login(ctx context.Context, tokens *authority.Tokens) (*models.AuthSession, error)
	LoginWithPassword(ctx context.Context, username, password string) (*models.AuthSession, error)
	Logout(ctx context.Context) error
}

// Cases is satisfied by *status.Service.
type Cases interface {
	UpdateStatus(ctx context.Context, caseID string, to models.CaseStatus, opts status.Options) (status.Result, error)
	Case(ctx context.Context, caseID string) (*models.CaseRecord, error)
}

// Audit is satisfied by *audit.Log.
type Audit interface {
	Sync(ctx context.Context) (audit.SyncReport, error)
	Stats(ctx context.Context) (audit.Stats, error)
}

// Events is satisfied by *events.Hub.
type Events interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
}

// Deps are the components the API drives.
type Deps struct {
	Queue   Queue
	Network Network
	Session Session
	Cases   Cases
	Audit   Audit

	// Events streams session and queue events. Optional.
	Events Events

	// BreakerState reports the authority circuit breaker, if any.
	BreakerState func() string
}

// Router builds the admin HTTP handler.
type Router struct {
	deps Deps
	cfg  config.AdminConfig
}

// NewRouter returns a Router. Zero rate limit settings take the defaults.
func NewRouter(deps Deps, cfg config.AdminConfig) *Router {
	def := config.Default().Admin
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = def.RateLimitWindow
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = def.RateLimit
	}
	return &Router{deps: deps, cfg: cfg}
}

// Handler returns the chi router with every route mounted.
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.PrometheusMetrics)
	r.Use(requestLogging)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", rt.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(rt.rateLimit())

		r.Get("/queue", rt.queueStatus)
		r.Get("/queue/entries", rt.queueEntries)
		r.Post("/queue/{id}/retry", rt.queueRetry)

		r.Get("/network", rt.networkState)
		r.Post("/network", rt.networkReport)
		r.Post("/network/probe", rt.networkProbe)

		r.Get("/session", rt.sessionInfo)
		r.Post("/session", rt.sessionLogin)
		r.Delete("/session", rt.sessionLogout)

		r.Get("/cases/{caseID}", rt.caseGet)
		r.Post("/cases/{caseID}/status", rt.caseUpdateStatus)

		r.Post("/submissions", rt.submit)

		r.Get("/audit", rt.auditStats)
		r.Post("/audit/sync", rt.auditSync)

		r.Get("/events", rt.eventStream)
	})

	return r
}

// rateLimit limits /api/v1 per client address. A negative limit disables it.
func (rt *Router) rateLimit() func(http.Handler) http.Handler {
	if rt.cfg.RateLimit < 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		rt.cfg.RateLimit,
		rt.cfg.RateLimitWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			respondError(w, http.StatusTooManyRequests, ErrCodeTooManyRequests, "rate limit exceeded", nil)
		}),
	)
}

// requestLogging logs each request once it completes.
func requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logging.Ctx(r.Context()).Debug().
			Str("request_id", middleware.GetRequestID(r.Context())).
			Str("method", r.Method).
			Str("path", sanitizeLogValue(r.URL.Path)).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("Admin request")
	})
}
