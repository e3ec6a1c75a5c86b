// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

// Package audit keeps the device's trail of user actions and uploads it to
// the authority.
//
// # Deduplication
//
// Optimistic updates and retried calls can report the same action more than
// once. Record drops an entry when a stored entry with the same key was
// recorded within the dedup window (5 minutes by default). The key is
//
//	action | entityId | fromStatus | toStatus | userId
//
// where fromStatus and toStatus come from the entry details. Entries further
// apart than the window are both kept.
//
// # Upload
//
// Sync groups unsynced entries that are not already part of a batch into
// batches of at most BatchSize and queues each batch as one AUDIT_BATCH
// request:
//
//	Record() -> audit:<id> -> Sync() -> batch (BatchID set) -> queue
//	                                        |
//	                     delivered: entries marked Synced
//	                     failed:    BatchID cleared, re-batched later
//
// Every batch is resolved on its own. A failed batch never causes its
// siblings to be sent again.
//
// Batches whose queue entry no longer exists (for example after a crash
// between batching and enqueueing) are released on the next Sync.
//
// # Retention
//
// Synced entries older than the synced retention are removed by Prune, which
// the Syncer runs after every pass.
package audit
