// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

/*
Package services adapts fieldsync components to suture's Serve pattern.

Every background component in fieldsync (the network probe loop, the queue
scheduler, the failed-entry purger, the session refresher, the audit syncer
and the Badger GC loop) has the same Start/Stop/IsRunning lifecycle. A single
wrapper, LoopService, turns any of them into a suture.Service:

	svc := services.NewLoopService("queue-scheduler", engine)
	tree.AddSyncService(svc)

Serve calls Start, blocks until the supervisor cancels the context, then
calls Stop, which waits for the loop goroutine to exit. A failing Start is
returned to the supervisor, which restarts the service with backoff.

HTTPServerService wraps the admin *http.Server with graceful shutdown.
*/
package services
