// Package store provides SQLite-backed storage for formsync.
//
// The store holds three kinds of data:
//   - Records: tenant-scoped dynamic rows for any named table, stored as
//     ordered JSON documents
//   - Sync logs: the append-only audit log, one entry per orchestrator run
//   - Action firings: idempotency keys for create actions replayed by retry
//
// Prefill snapshots with an absolute expiry live alongside them.
//
// # Tenant Scoping
//
// Every row carries tenant_id, forced by the store on insert. Reads,
// updates and deletes are keyed by (table, tenant, id), so a row is
// invisible to every other tenant.
//
// # Change Feed
//
// When configured WithHub, every successful write is published as a
// changefeed.Change. Writes made under a context carrying
// changefeed.WithOrigin are tagged with that sync id.
//
// # Deterministic Ordering
//
// Record queries order by insertion seq with id as tiebreaker. The audit
// log lists newest first by sync_date then seq. Timestamps are stored as
// fixed-width UTC text so they compare lexically.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
