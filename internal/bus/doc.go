// Package bus implements the internal publish/subscribe channel that fans
// agent and task lifecycle events out to decoupled observers such as the
// event ledger and connected control clients.
package bus
