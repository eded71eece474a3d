// Package connpool tracks the live transport connections of agents and
// conductor clients and provides targeted send and fault-isolated broadcast.
package connpool
