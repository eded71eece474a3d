// Package agent owns the live agent roster and its lifecycle state machine:
// spawning through the terminal factory, removal, restore from persisted
// state, and the idle/working transitions driven by task assignment.
package agent
