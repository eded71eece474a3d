// ABOUTME: Agent record, status state machine, and the serializable roster snapshot.
// ABOUTME: Status transitions outside the legal set are logged and ignored, never fatal.

package agent

import (
	"errors"
	"time"

	"github.com/batonhq/baton/internal/terminal"
)

// Errors returned by agent operations.
var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrSpawnFailed   = errors.New("agent spawn failed")
	ErrTooManyAgents = errors.New("agent limit reached")
)

// Status is an agent's position in its lifecycle.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusWorking    Status = "working"
	StatusError      Status = "error"
	StatusTerminated Status = "terminated"
)

// legalStatusChange is the agent state machine: idle <-> working -> {idle,
// error}, error -> idle (recovery). Terminated is reached only through
// RemoveAgent.
func legalStatusChange(from, to Status) bool {
	switch from {
	case StatusIdle:
		return to == StatusWorking || to == StatusError
	case StatusWorking:
		return to == StatusIdle || to == StatusError
	case StatusError:
		return to == StatusIdle
	default:
		return false
	}
}

// Agent is a live worker process wrapper. The terminal handle is referenced,
// not owned: disposing an agent releases it through the factory.
type Agent struct {
	ID             string
	Name           string
	Type           string // template id
	Status         Status
	Capabilities   []string
	CurrentTask    string
	StartTime      time.Time
	TasksCompleted int

	terminal terminal.Handle
}

// Record is the JSON-serializable roster snapshot of an agent. Save/load
// must round-trip records exactly.
type Record struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Type           string    `json:"type"`
	Status         Status    `json:"status"`
	Capabilities   []string  `json:"capabilities,omitempty"`
	StartTime      time.Time `json:"startTime"`
	TasksCompleted int       `json:"tasksCompleted"`
}

func (a *Agent) snapshot() Record {
	return Record{
		ID:             a.ID,
		Name:           a.Name,
		Type:           a.Type,
		Status:         a.Status,
		Capabilities:   append([]string(nil), a.Capabilities...),
		StartTime:      a.StartTime,
		TasksCompleted: a.TasksCompleted,
	}
}
