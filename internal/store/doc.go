// Package store persists lifecycle events to a SQLite audit ledger.
//
// The Ledger is an append-only record of agent and task events, stored in
// SQLite via the pure-Go modernc.org/sqlite driver with WAL enabled. The
// schema is created automatically on open. A Recorder subscribes to the
// event bus and drains published events into the ledger, keeping the audit
// trail out of the publish path.
package store
