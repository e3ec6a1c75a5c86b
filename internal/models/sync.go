// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

// Package models holds the records shared between fieldsync components:
// connectivity state, the auth session, queue entries, pending status
// updates, audit entries and the error taxonomy.
package models

import (
	"time"
)

// ConnectionType is the kind of link the device is using.
type ConnectionType string

// Connection types reported by the platform.
const (
	ConnectionWiFi     ConnectionType = "wifi"
	ConnectionCellular ConnectionType = "cellular"
	ConnectionEthernet ConnectionType = "ethernet"
	ConnectionUnknown  ConnectionType = "unknown"
)

// ParseConnectionType maps free-form platform strings onto a known type.
func ParseConnectionType(s string) ConnectionType {
	switch ConnectionType(s) {
	case ConnectionWiFi, ConnectionCellular, ConnectionEthernet:
		return ConnectionType(s)
	default:
		return ConnectionUnknown
	}
}

// NetworkState is the monitor's current view of connectivity. Not persisted.
type NetworkState struct {
	IsOnline       bool           `json:"isOnline"`
	ConnectionType ConnectionType `json:"connectionType"`
	LastOnlineAt   time.Time      `json:"lastOnlineAt,omitempty"`
	LastOfflineAt  time.Time      `json:"lastOfflineAt,omitempty"`
}

// AuthSession is the single persisted session of this device. It is always
// replaced as a whole.
type AuthSession struct {
	AccessToken    string    `json:"accessToken"`
	RefreshToken   string    `json:"refreshToken"`
	UserID         string    `json:"userId"`
	LoginTimestamp time.Time `json:"loginTimestamp"`
	ExpiresAt      time.Time `json:"expiresAt"`
	LastRefreshAt  time.Time `json:"lastRefreshAt"`
	DeviceID       string    `json:"deviceId"`
}

// Expired reports whether the session can no longer be used or refreshed.
func (s *AuthSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// NeedsRefresh reports whether now falls inside the refresh window before
// expiry.
func (s *AuthSession) NeedsRefresh(now time.Time, threshold time.Duration) bool {
	return !now.Before(s.ExpiresAt.Add(-threshold))
}

// Priority orders due queue entries. Higher runs first.
type Priority string

// Queue priorities.
const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

// Rank returns a sortable weight for p. Unknown values rank as MEDIUM.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityLow:
		return 1
	default:
		return 2
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityMedium || p == PriorityLow
}

// RequestType classifies queue entries.
type RequestType string

// Request types.
const (
	RequestStatusUpdate           RequestType = "STATUS_UPDATE"
	RequestAttachmentUpload       RequestType = "ATTACHMENT_UPLOAD"
	RequestVerificationSubmission RequestType = "VERIFICATION_SUBMISSION"
	RequestAuditBatch             RequestType = "AUDIT_BATCH"
)

// RetryableRequest is one durable queue entry.
type RetryableRequest struct {
	ID       string            `json:"id"`
	URL      string            `json:"url"`
	Method   string            `json:"method"`
	Headers  map[string]string `json:"headers,omitempty"`
	Body     []byte            `json:"body,omitempty"`
	Priority Priority          `json:"priority"`
	Type     RequestType       `json:"type"`

	// CaseID is set for STATUS_UPDATE entries and keys the replace rule.
	CaseID string `json:"caseId,omitempty"`

	// BatchID is set for AUDIT_BATCH entries.
	BatchID string `json:"batchId,omitempty"`

	// Revision increases every time the payload is replaced in place. A
	// success only retires the entry if the revision it sent is still
	// current.
	Revision int `json:"revision"`

	Attempts     int       `json:"attempts"`
	AuthFailures int       `json:"authFailures,omitempty"`
	LastAttempt  time.Time `json:"lastAttempt,omitempty"`
	NextRetry    time.Time `json:"nextRetry"`
	CreatedAt    time.Time `json:"createdAt"`

	Error     string    `json:"error,omitempty"`
	ErrorKind ErrorKind `json:"errorKind,omitempty"`

	// Parked entries wait for re-authentication and are skipped by the
	// scheduler until resumed.
	Parked bool `json:"parked,omitempty"`

	PermanentlyFailed bool      `json:"permanentlyFailed"`
	FailedAt          time.Time `json:"failedAt,omitempty"`
}

// Due reports whether the scheduler may attempt r at now.
func (r *RetryableRequest) Due(now time.Time) bool {
	return !r.PermanentlyFailed && !r.Parked && !r.NextRetry.After(now)
}

// QueueStatus summarizes the queue for the UI.
type QueueStatus struct {
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
	Parked  int `json:"parked"`
}
