// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies why an operation against the authority failed.
type ErrorKind string

// Error kinds.
const (
	ErrKindNetwork           ErrorKind = "NETWORK_ERROR"
	ErrKindTimeout           ErrorKind = "TIMEOUT"
	ErrKindServer            ErrorKind = "SERVER_ERROR"
	ErrKindClient            ErrorKind = "CLIENT_ERROR"
	ErrKindRateLimited       ErrorKind = "RATE_LIMITED"
	ErrKindAuthRequired      ErrorKind = "AUTH_REQUIRED"
	ErrKindInvalidTransition ErrorKind = "INVALID_TRANSITION"
	ErrKindPermanentFailure  ErrorKind = "PERMANENT_FAILURE"
	ErrKindCircuitOpen       ErrorKind = "CIRCUIT_OPEN"
)

// Sentinel errors matched with errors.Is against a *SyncError of the same kind.
var (
	ErrAuthRequired      = &SyncError{Kind: ErrKindAuthRequired, Message: "authentication required"}
	ErrInvalidTransition = &SyncError{Kind: ErrKindInvalidTransition, Message: "invalid status transition"}
	ErrRateLimited       = &SyncError{Kind: ErrKindRateLimited, Message: "rate limited"}
	ErrPermanentFailure  = &SyncError{Kind: ErrKindPermanentFailure, Message: "permanently failed"}
)

// SyncError is the error type returned across component boundaries.
type SyncError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

// NewSyncError builds a SyncError.
func NewSyncError(kind ErrorKind, status int, msg string, err error) *SyncError {
	return &SyncError{Kind: kind, StatusCode: status, Message: msg, Err: err}
}

func (e *SyncError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *SyncError) Unwrap() error { return e.Err }

// Is matches any *SyncError with the same Kind.
func (e *SyncError) Is(target error) bool {
	var t *SyncError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the ErrorKind of err, or "" if err is not a *SyncError.
func KindOf(err error) ErrorKind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// Retryable reports whether the scheduler should try again later.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindNetwork, ErrKindTimeout, ErrKindServer, ErrKindClient:
		return true
	default:
		return false
	}
}
