// Package task implements the assignment engine: the task model and status
// state machine, the priority queue ordering ready work, the dependency and
// conflict graph, and the orchestrating Queue that routes tasks to idle
// agents through the capability matcher.
package task
