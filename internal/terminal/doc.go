// Package terminal defines the process-hosting collaborator contract
// consumed by the agent manager, with an exec-backed implementation for the
// daemon and an inert one for tests.
package terminal
