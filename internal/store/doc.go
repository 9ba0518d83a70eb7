// Package store keeps one replica of a repository in a SQLite file.
//
// A replica holds five entity tables (code specs, elements, models, aspects
// and relationships) plus the bookkeeping needed to synchronize with the hub:
//   - pending_changes: one merged row per entity changed since the last push,
//     with the before-image as of that push
//   - pending_schemas: schemas imported since the last push
//   - held_locks, held_codes: mirror of what the hub granted this replica
//   - meta: repository id, replica number, parent changeset and id counters
//
// # Transactions
//
// Every mutation runs inside a transaction, opened implicitly when none is.
// SaveChanges commits it, AbandonChanges rolls it back together with the
// pending-change rows it produced. Foreign keys are deferred and checked with
// PRAGMA foreign_key_check before commit, so a changeset can be applied in
// any order.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//   - one open connection: reads see the open transaction
//
// Ids are allocated per replica: the high bits carry the replica number so
// two replicas never hand out the same id.
package store
