// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

/*
Package middleware provides the HTTP middleware of the admin API.

Key Components:

  - Request ID: UUID-based request tracking, doubling as the log correlation ID
  - Prometheus Metrics: request counts and latency per chi route pattern

Middleware Stack:

	r := chi.NewRouter()
	r.Use(middleware.RequestID)          // Layer 1: request tracking
	r.Use(middleware.PrometheusMetrics)  // Layer 2: metrics
	r.Use(chimiddleware.Recoverer)       // Layer 3: panic recovery

Routes are labelled by their chi pattern (/api/v1/queue/{id}/retry), never by
the raw path, so entry and case ids do not create new series.
*/
package middleware
