// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/fieldsync/internal/logging"
	"github.com/tomtom215/fieldsync/internal/models"
	"github.com/tomtom215/fieldsync/internal/queue"
	"github.com/tomtom215/fieldsync/internal/status"
	"github.com/tomtom215/fieldsync/internal/validation"
)

// Error codes that are not a models.ErrorKind.
const (
	ErrCodeBadRequest       = "BAD_REQUEST"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeTooManyRequests  = "TOO_MANY_REQUESTS"
	ErrCodeInternalError    = "INTERNAL_ERROR"
	ErrCodeSessionNotActive = "NO_SESSION"
	ErrCodeUnavailable      = "SERVICE_UNAVAILABLE"
)

// maxBodyBytes bounds request bodies. Attachments are uploaded by reference.
const maxBodyBytes = 1 << 20

// sanitizeLogValue escapes control characters so client input cannot forge
// log lines.
func sanitizeLogValue(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x20 || r == 0x7F {
			fmt.Fprintf(&b, "\\x%02x", r)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func respondJSON(w http.ResponseWriter, code int, resp *models.APIResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	if _, err := w.Write(data); err != nil {
		logging.Error().Err(err).Msg("Failed to write JSON response")
	}
}

func respondSuccess(w http.ResponseWriter, code int, data any) {
	respondJSON(w, code, &models.APIResponse{
		Status:   "success",
		Data:     data,
		Metadata: models.Metadata{Timestamp: time.Now()},
	})
}

func respondError(w http.ResponseWriter, code int, errCode, message string, details map[string]any) {
	respondJSON(w, code, &models.APIResponse{
		Status:   "error",
		Metadata: models.Metadata{Timestamp: time.Now()},
		Error: &models.APIError{
			Code:    errCode,
			Message: message,
			Details: details,
		},
	})
}

// respondErr maps err onto a status code and error code.
func respondErr(w http.ResponseWriter, r *http.Request, err error) {
	code, errCode := classify(err)
	if code >= http.StatusInternalServerError {
		logging.Ctx(r.Context()).Error().
			Str("path", sanitizeLogValue(r.URL.Path)).
			Str("code", errCode).
			Err(err).
			Msg("API error")
	}
	respondError(w, code, errCode, err.Error(), nil)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, queue.ErrEntryNotFound), errors.Is(err, status.ErrCaseNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, queue.ErrNotFailed), errors.Is(err, queue.ErrEntrySuperseded):
		return http.StatusConflict, ErrCodeConflict
	}

	switch kind := models.KindOf(err); kind {
	case models.ErrKindInvalidTransition:
		return http.StatusConflict, string(kind)
	case models.ErrKindAuthRequired:
		return http.StatusUnauthorized, string(kind)
	case models.ErrKindRateLimited, models.ErrKindPermanentFailure, models.ErrKindClient,
		models.ErrKindServer, models.ErrKindNetwork, models.ErrKindTimeout:
		return http.StatusBadGateway, string(kind)
	case models.ErrKindCircuitOpen:
		return http.StatusServiceUnavailable, string(kind)
	}
	return http.StatusInternalServerError, ErrCodeInternalError
}

// decodeBody reads a JSON body into v and validates it. It writes the error
// response itself and reports false when the handler should stop.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, ErrCodeBadRequest, "request body too large", nil)
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body", nil)
		return false
	}
	if verr := validation.ValidateStruct(v); verr != nil {
		apiErr := verr.ToAPIError()
		respondError(w, http.StatusBadRequest, apiErr.Code, apiErr.Message, apiErr.Details)
		return false
	}
	return true
}
