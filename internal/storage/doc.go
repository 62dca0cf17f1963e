// Package storage persists subscriptions, their append-only snapshot history
// chains and the delivery ledger in SQLite.
//
// The snapshot table is flat; "latest" is resolved by query rather than by
// walking prev_id references. prev_id still records the chain so the full
// history remains reconstructible and auditable.
package storage
