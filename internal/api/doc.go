// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

/*
Package api is the loopback control API the application shell uses to drive
the sync agent.

Routes:

	GET    /healthz                        liveness plus a sync summary
	GET    /metrics                        Prometheus exposition
	GET    /api/v1/queue                   pending, failed and parked counts
	GET    /api/v1/queue/entries           every queue entry
	POST   /api/v1/queue/{id}/retry        resubmit a permanently failed entry
	GET    /api/v1/network                 current connectivity
	POST   /api/v1/network                 report a platform connectivity change
	POST   /api/v1/network/probe           probe the authority health endpoint
	GET    /api/v1/session                 signed-in user and expiry
	POST   /api/v1/session                 sign in (password or issued tokens)
	DELETE /api/v1/session                 sign out
	GET    /api/v1/cases/{caseID}          local case record
	POST   /api/v1/cases/{caseID}/status   change a case status
	POST   /api/v1/submissions             queue a verification or attachment call
	GET    /api/v1/audit                   audit upload counts
	POST   /api/v1/audit/sync              batch and queue unsynced audit entries
	GET    /api/v1/events                  WebSocket stream of session, queue and network events

Every JSON response uses the envelope in models.APIResponse. Request bodies
are validated with the validation package. The /api/v1 routes are rate
limited per client address with httprate.
*/
package api
