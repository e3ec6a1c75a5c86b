// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

/*
Package supervisor runs the sync agent's background components under a
suture v4 supervision tree.

	fieldsync
	├── data-layer
	│   ├── store-gc            (Badger value log GC)
	│   └── queue-purger        (failed entry retention)
	├── sync-layer
	│   ├── network-monitor     (health probe loop)
	│   ├── queue-scheduler     (retry engine)
	│   ├── session-refresher   (proactive token refresh)
	│   └── audit-syncer        (audit batching and pruning)
	└── api-layer
	    └── admin-http          (loopback control API, optional)

Each layer counts failures on its own, so a crashing loop in one layer is
restarted with backoff while the others keep running. Supervisor events are
logged through sutureslog into the zerolog-backed slog handler.

Components are wrapped with services.LoopService or
services.HTTPServerService before they are added:

	tree, _ := supervisor.NewSupervisorTree(logging.NewSlogLogger("supervisor"), supervisor.DefaultTreeConfig())
	tree.AddSyncService(services.NewLoopService("queue-scheduler", engine))
	errCh := tree.ServeBackground(ctx)
*/
package supervisor
