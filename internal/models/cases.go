// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

package models

import "time"

// CaseStatus is the lifecycle state of a field verification case.
type CaseStatus string

// Case states. Completed is terminal.
const (
	StatusAssigned   CaseStatus = "Assigned"
	StatusInProgress CaseStatus = "InProgress"
	StatusCompleted  CaseStatus = "Completed"
)

// Valid reports whether s is a known state.
func (s CaseStatus) Valid() bool {
	return s == StatusAssigned || s == StatusInProgress || s == StatusCompleted
}

// CaseRecord is the locally held, optimistically updated view of a case.
type CaseRecord struct {
	ID        string     `json:"id"`
	Status    CaseStatus `json:"status"`
	UpdatedAt time.Time  `json:"updatedAt"`

	// SyncFailed is set when the last status change could not be delivered.
	SyncFailed bool `json:"syncFailed,omitempty"`
}

// PendingStatusUpdate is the unconfirmed status change for one case. There is
// at most one per case; a newer change replaces it.
type PendingStatusUpdate struct {
	ID          string         `json:"id"`
	CaseID      string         `json:"caseId"`
	FromStatus  CaseStatus     `json:"fromStatus"`
	ToStatus    CaseStatus     `json:"toStatus"`
	Timestamp   time.Time      `json:"timestamp"`
	UserID      string         `json:"userId"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	RetryCount  int            `json:"retryCount"`
	LastAttempt time.Time      `json:"lastAttempt,omitempty"`

	// QueueID is the retry queue entry carrying this update.
	QueueID string `json:"queueId"`
}

// AuditLogEntry is one user action recorded for upload.
type AuditLogEntry struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	UserID     string         `json:"userId"`
	Action     string         `json:"action"`
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Details    map[string]any `json:"details,omitempty"`
	DeviceInfo string         `json:"deviceInfo,omitempty"`
	Synced     bool           `json:"synced"`

	// BatchID is set while the entry is part of an in-flight upload batch.
	BatchID string `json:"batchId,omitempty"`
}
