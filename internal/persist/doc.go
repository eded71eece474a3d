// Package persist provides the session-scoped file persistence layer: the
// JSON agent roster and the append-only message log with size-based
// segment rollover.
package persist
