// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

package queue

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/tomtom215/fieldsync/internal/models"
)

// Endpoints resolves the authority URLs that typed requests target.
// Satisfied by *authority.Client.
type Endpoints interface {
	StatusURL(caseID string) string
	AuditURL() string
}

// Request is a mutation accepted by Enqueue. The set of variants is closed:
// StatusUpdateRequest, AuditBatchRequest and SubmissionRequest.
type Request interface {
	build(ep Endpoints) (*models.RetryableRequest, error)
}

// StatusUpdateRequest sends a case status to PUT /cases/{id}/status. At most
// one unresolved entry exists per case; a newer request replaces the older
// payload in place.
type StatusUpdateRequest struct {
	CaseID   string
	Status   models.CaseStatus
	Metadata map[string]any
	Priority models.Priority
}

type statusBody struct {
	Status   models.CaseStatus `json:"status"`
	Metadata map[string]any    `json:"metadata,omitempty"`
}

func (r StatusUpdateRequest) build(ep Endpoints) (*models.RetryableRequest, error) {
	if r.CaseID == "" {
		return nil, errors.New("status update requires a case id")
	}
	body, err := json.Marshal(statusBody{Status: r.Status, Metadata: r.Metadata})
	if err != nil {
		return nil, fmt.Errorf("encode status update: %w", err)
	}
	return &models.RetryableRequest{
		URL:      ep.StatusURL(r.CaseID),
		Method:   http.MethodPut,
		Body:     body,
		Priority: orDefault(r.Priority, models.PriorityHigh),
		Type:     models.RequestStatusUpdate,
		CaseID:   r.CaseID,
	}, nil
}

// AuditBatchRequest uploads one batch of audit entries to POST /audit/logs.
type AuditBatchRequest struct {
	BatchID  string
	DeviceID string
	Logs     []models.AuditLogEntry
}

type auditBody struct {
	Logs     []models.AuditLogEntry `json:"logs"`
	BatchID  string                 `json:"batchId"`
	DeviceID string                 `json:"deviceId"`
}

func (r AuditBatchRequest) build(ep Endpoints) (*models.RetryableRequest, error) {
	if r.BatchID == "" || len(r.Logs) == 0 {
		return nil, errors.New("audit batch requires a batch id and at least one entry")
	}
	body, err := json.Marshal(auditBody{Logs: r.Logs, BatchID: r.BatchID, DeviceID: r.DeviceID})
	if err != nil {
		return nil, fmt.Errorf("encode audit batch: %w", err)
	}
	return &models.RetryableRequest{
		URL:      ep.AuditURL(),
		Method:   http.MethodPost,
		Body:     body,
		Priority: models.PriorityLow,
		Type:     models.RequestAuditBatch,
		BatchID:  r.BatchID,
	}, nil
}

// SubmissionRequest is an opaque call to any other authority endpoint, such
// as a verification submission or an attachment upload.
type SubmissionRequest struct {
	Type     models.RequestType
	Method   string
	URL      string
	Headers  map[string]string
	Body     json.RawMessage
	Priority models.Priority
}

func (r SubmissionRequest) build(Endpoints) (*models.RetryableRequest, error) {
	switch r.Type {
	case models.RequestVerificationSubmission, models.RequestAttachmentUpload:
	default:
		return nil, fmt.Errorf("unsupported submission type %q", r.Type)
	}
	if r.URL == "" {
		return nil, errors.New("submission requires a url")
	}
	method := strings.ToUpper(r.Method)
	if method == "" {
		method = http.MethodPost
	}
	return &models.RetryableRequest{
		URL:      r.URL,
		Method:   method,
		Headers:  r.Headers,
		Body:     r.Body,
		Priority: orDefault(r.Priority, models.PriorityMedium),
		Type:     r.Type,
	}, nil
}

func orDefault(p, def models.Priority) models.Priority {
	if p.Valid() {
		return p
	}
	return def
}
