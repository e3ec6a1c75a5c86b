// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/tomtom215/fieldsync/internal/authority"
	"github.com/tomtom215/fieldsync/internal/logging"
	"github.com/tomtom215/fieldsync/internal/models"
	"github.com/tomtom215/fieldsync/internal/queue"
	"github.com/tomtom215/fieldsync/internal/status"
)

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Online        bool               `json:"online"`
	Queue         models.QueueStatus `json:"queue"`
	Halted        bool               `json:"halted"`
	Authenticated bool               `json:"authenticated"`
	Breaker       string             `json:"breaker,omitempty"`
}

func (rt *Router) health(w http.ResponseWriter, r *http.Request) {
	qs, err := rt.deps.Queue.GetQueueStatus(r.Context())
	if err != nil {
		respondErr(w, r, err)
		return
	}
	resp := HealthResponse{
		Online:        rt.deps.Network.State().IsOnline,
		Queue:         qs,
		Halted:        rt.deps.Queue.Halted(),
		Authenticated: rt.deps.Session.Session() != nil,
	}
	if rt.deps.BreakerState != nil {
		resp.Breaker = rt.deps.BreakerState()
	}
	respondSuccess(w, http.StatusOK, resp)
}

func (rt *Router) queueStatus(w http.ResponseWriter, r *http.Request) {
	qs, err := rt.deps.Queue.GetQueueStatus(r.Context())
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondSuccess(w, http.StatusOK, qs)
}

func (rt *Router) queueEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := rt.deps.Queue.List(r.Context())
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondSuccess(w, http.StatusOK, entries)
}

func (rt *Router) queueRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := rt.deps.Queue.Retry(r.Context(), id); err != nil {
		respondErr(w, r, err)
		return
	}
	respondSuccess(w, http.StatusAccepted, map[string]string{"id": id})
}

func (rt *Router) networkState(w http.ResponseWriter, _ *http.Request) {
	respondSuccess(w, http.StatusOK, rt.deps.Network.State())
}

// NetworkReport is the body of POST /api/v1/network.
type NetworkReport struct {
	Online         *bool  `json:"online" validate:"required"`
	ConnectionType string `json:"connectionType" validate:"omitempty,max=32"`
}

func (rt *Router) networkReport(w http.ResponseWriter, r *http.Request) {
	var body NetworkReport
	if !decodeBody(w, r, &body) {
		return
	}
	rt.deps.Network.Report(*body.Online, models.ParseConnectionType(body.ConnectionType))
	respondSuccess(w, http.StatusOK, rt.deps.Network.State())
}

// ProbeResponse is returned by POST /api/v1/network/probe.
type ProbeResponse struct {
	Reachable bool  `json:"reachable"`
	LatencyMs int64 `json:"latencyMs"`
}

func (rt *Router) networkProbe(w http.ResponseWriter, r *http.Request) {
	res := rt.deps.Network.TestConnectivity(r.Context())
	respondSuccess(w, http.StatusOK, ProbeResponse{
		Reachable: res.Reachable,
		LatencyMs: res.Latency.Milliseconds(),
	})
}

// SessionInfo describes the signed-in user without exposing tokens.
type SessionInfo struct {
	UserID         string    `json:"userId"`
	DeviceID       string    `json:"deviceId"`
	LoginTimestamp time.Time `json:"loginTimestamp"`
	LastRefreshAt  time.Time `json:"lastRefreshAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

func sessionInfo(s *models.AuthSession) SessionInfo {
	return SessionInfo{
		UserID:         s.UserID,
		DeviceID:       s.DeviceID,
		LoginTimestamp: s.LoginTimestamp,
		LastRefreshAt:  s.LastRefreshAt,
		ExpiresAt:      s.ExpiresAt,
	}
}

func (rt *Router) sessionInfo(w http.ResponseWriter, _ *http.Request) {
	s := rt.deps.Session.Session()
	if s == nil {
		respondError(w, http.StatusNotFound, ErrCodeSessionNotActive, "no active session", nil)
		return
	}
	respondSuccess(w, http.StatusOK, sessionInfo(s))
}

// LoginRequest is the body of POST /api/v1/session. Either username and
// password, or tokens the shell obtained itself, must be given.
type LoginRequest struct {
	Username     string `json:"username" validate:"required_without=AccessToken"`
	Password     string `json:"password" validate:"required_with=Username"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken" validate:"required_with=AccessToken"`
	UserID       string `json:"userId" validate:"omitempty,max=256"`
}

func (rt *Router) sessionLogin(w http.ResponseWriter, r *http.Request) {
	var body LoginRequest
	if !decodeBody(w, r, &body) {
		return
	}

	var (
		sess *models.AuthSession
		err  error
	)
	if body.AccessToken != "" {
		sess, err = rt.deps.Session.Login(r.Context(), &authority.Tokens{
			AccessToken:  body.AccessToken,
			RefreshToken: body.RefreshToken,
			UserID:       body.UserID,
		})
	} else {
		sess, err = rt.deps.Session.LoginWithPassword(r.Context(), body.Username, body.Password)
	}
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondSuccess(w, http.StatusCreated, sessionInfo(sess))
}

func (rt *Router) sessionLogout(w http.ResponseWriter, r *http.Request) {
	if err := rt.deps.Session.Logout(r.Context()); err != nil {
		respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) caseGet(w http.ResponseWriter, r *http.Request) {
	rec, err := rt.deps.Cases.Case(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondSuccess(w, http.StatusOK, rec)
}

// StatusChangeRequest is the body of POST /api/v1/cases/{caseID}/status.
type StatusChangeRequest struct {
	Status   string         `json:"status" validate:"required,case_status"`
	Metadata map[string]any `json:"metadata"`
	Priority string         `json:"priority" validate:"omitempty,priority"`
	UserID   string         `json:"userId" validate:"omitempty,max=256"`

	// Await waits for the first delivery attempt when online.
	Await bool `json:"await"`
}

// StatusChangeResponse reports the local outcome of a status change.
type StatusChangeResponse struct {
	Case       models.CaseRecord `json:"case"`
	QueueID    string            `json:"queueId"`
	WasOffline bool              `json:"wasOffline"`
	Outcome    string            `json:"outcome,omitempty"`
}

func (rt *Router) caseUpdateStatus(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "caseID")
	var body StatusChangeRequest
	if !decodeBody(w, r, &body) {
		return
	}

	res, err := rt.deps.Cases.UpdateStatus(r.Context(), caseID, models.CaseStatus(body.Status), status.Options{
		Metadata: body.Metadata,
		Priority: models.Priority(body.Priority),
		UserID:   body.UserID,
		Await:    body.Await,
	})
	if err != nil {
		respondErr(w, r, err)
		return
	}

	logging.Ctx(r.Context()).Info().
		Str("case_id", sanitizeLogValue(caseID)).
		Str("status", body.Status).
		Bool("offline", res.WasOffline).
		Msg("Status change accepted")
	respondSuccess(w, http.StatusAccepted, StatusChangeResponse{
		Case:       res.Case,
		QueueID:    res.QueueID,
		WasOffline: res.WasOffline,
		Outcome:    string(res.Outcome),
	})
}

// SubmissionBody is the body of POST /api/v1/submissions.
type SubmissionBody struct {
	Type     string            `json:"type" validate:"required,oneof=VERIFICATION_SUBMISSION ATTACHMENT_UPLOAD"`
	Method   string            `json:"method" validate:"omitempty,oneof=POST PUT PATCH"`
	URL      string            `json:"url" validate:"required,max=2048"`
	Headers  map[string]string `json:"headers"`
	Body     json.RawMessage   `json:"body"`
	Priority string            `json:"priority" validate:"omitempty,priority"`
}

func (rt *Router) submit(w http.ResponseWriter, r *http.Request) {
	var body SubmissionBody
	if !decodeBody(w, r, &body) {
		return
	}
	id, err := rt.deps.Queue.Enqueue(r.Context(), queue.SubmissionRequest{
		Type:     models.RequestType(body.Type),
		Method:   body.Method,
		URL:      body.URL,
		Headers:  body.Headers,
		Body:     body.Body,
		Priority: models.Priority(body.Priority),
	})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	rt.deps.Queue.ScanNow()
	respondSuccess(w, http.StatusAccepted, map[string]string{"id": id})
}

func (rt *Router) auditStats(w http.ResponseWriter, r *http.Request) {
	st, err := rt.deps.Audit.Stats(r.Context())
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondSuccess(w, http.StatusOK, st)
}

func (rt *Router) auditSync(w http.ResponseWriter, r *http.Request) {
	report, err := rt.deps.Audit.Sync(r.Context())
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondSuccess(w, http.StatusAccepted, report)
}

// eventStream upgrades to a WebSocket that carries session, resolution and
// network events.
func (rt *Router) eventStream(w http.ResponseWriter, r *http.Request) {
	if rt.deps.Events == nil {
		respondError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "event stream not available", nil)
		return
	}
	rt.deps.Events.ServeWS(w, r)
}
