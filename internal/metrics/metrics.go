// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Retry queue.
var (
	QueueEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_queue_enqueued_total",
			Help: "Entries accepted into the retry queue",
		},
		[]string{"type", "mode"}, // mode: new, replaced
	)

	QueueAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_queue_attempts_total",
			Help: "Delivery attempts by outcome",
		},
		[]string{"type", "outcome"}, // delivered, retry, failed, parked, deferred, superseded
	)

	QueueAttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fieldsync_queue_attempt_duration_seconds",
			Help:    "Duration of a single delivery attempt",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	QueuePending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldsync_queue_pending_entries",
		Help: "Entries waiting for delivery",
	})

	QueueFailed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldsync_queue_failed_entries",
		Help: "Permanently failed entries within the diagnostic window",
	})

	QueueParked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldsync_queue_parked_entries",
		Help: "Entries waiting for re-authentication",
	})

	QueuePurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldsync_queue_purged_total",
		Help: "Permanently failed entries removed after the retention window",
	})

	SchedulerTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_scheduler_ticks_total",
			Help: "Scheduler ticks by result",
		},
		[]string{"result"}, // ran, offline, halted
	)
)

// Credentials.
var (
	AuthRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_auth_refresh_total",
			Help: "Token refresh calls by result",
		},
		[]string{"result"}, // success, reauth, network
	)

	AuthRefreshJoined = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldsync_auth_refresh_joined_total",
		Help: "Refresh results delivered to more than one concurrent caller",
	})

	AuthSessionActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldsync_auth_session_active",
		Help: "1 when a usable session exists",
	})
)

// Connectivity.
var (
	NetworkOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldsync_network_online",
		Help: "1 when the device is online",
	})

	NetworkTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_network_transitions_total",
			Help: "Connectivity transitions",
		},
		[]string{"to"}, // online, offline
	)

	NetworkProbeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fieldsync_network_probe_latency_seconds",
		Help:    "Latency of successful connectivity probes",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})
)

// Audit log.
var (
	AuditRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_audit_entries_total",
			Help: "Audit entries by result",
		},
		[]string{"result"}, // stored, duplicate
	)

	AuditBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_audit_batches_total",
			Help: "Audit upload batches by result",
		},
		[]string{"result"}, // queued, synced, released
	)
)

// Circuit breaker, labeled by breaker name.
var (
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fieldsync_circuit_breaker_state",
			Help: "0 closed, 1 half-open, 2 open",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_circuit_breaker_requests_total",
			Help: "Requests through the circuit breaker by result",
		},
		[]string{"name", "result"}, // success, failure, rejected
	)
)

// Admin API
var (
	AdminRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_admin_requests_total",
			Help: "Admin API requests by method, route and status code",
		},
		[]string{"method", "route", "status"},
	)

	AdminRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fieldsync_admin_request_duration_seconds",
			Help:    "Admin API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	AdminActiveRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldsync_admin_active_requests",
		Help: "Admin API requests currently being served",
	})
)

// Event stream.
var (
	EventClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldsync_event_clients",
		Help: "Connected event stream clients",
	})

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_events_published_total",
			Help: "Events offered to the stream by type and result (queued, dropped)",
		},
		[]string{"type", "result"},
	)
)

// RecordAdminRequest records one finished admin API request.
func RecordAdminRequest(method, route, status string, d time.Duration) {
	AdminRequests.WithLabelValues(method, route, status).Inc()
	AdminRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// BoolGauge converts b to 0 or 1.
func BoolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
