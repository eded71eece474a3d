// ABOUTME: Task model and status state machine for the assignment engine.
// ABOUTME: Tasks are owned by the Queue; mutation happens only through its methods.

package task

import (
	"errors"
	"time"
)

// Errors returned by task operations.
var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task transition")
	ErrEmptyTask         = errors.New("task requires a title or description")
	ErrDependencyCycle   = errors.New("dependency would create a cycle")
)

// Status is a task's position in its lifecycle.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusReady      Status = "ready"
	StatusValidated  Status = "validated"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in-progress"
	StatusBlocked    Status = "blocked"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Active reports whether the status occupies an agent or a conflict slot.
func (s Status) Active() bool {
	return s == StatusAssigned || s == StatusInProgress
}

// Terminal reports whether the status ends the lifecycle.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Numeric priority bands for the derived label.
const (
	PriorityHighThreshold = 70
	PriorityLowThreshold  = 30

	defaultNumericPriority = 50
	highNumericPriority    = 80
	lowNumericPriority     = 20
)

// Task is a unit of work with priority, dependency, and conflict relations.
type Task struct {
	ID                   string     `json:"id"`
	Title                string     `json:"title"`
	Description          string     `json:"description,omitempty"`
	Status               Status     `json:"status"`
	NumericPriority      int        `json:"numericPriority"`
	CreatedAt            time.Time  `json:"createdAt"`
	CompletedAt          *time.Time `json:"completedAt,omitempty"`
	DependsOn            []string   `json:"dependsOn,omitempty"`
	ConflictsWith        []string   `json:"conflictsWith,omitempty"`
	RequiredCapabilities []string   `json:"requiredCapabilities,omitempty"`
	Tags                 []string   `json:"tags,omitempty"`
	EstimatedDuration    string     `json:"estimatedDuration,omitempty"`
	BlockingReason       string     `json:"blockingReason,omitempty"`
	AgentMatchScore      float64    `json:"agentMatchScore,omitempty"`
	AssignedTo           string     `json:"assignedTo,omitempty"`
}

// Priority derives the high/medium/low label from the numeric priority.
func (t *Task) Priority() string {
	switch {
	case t.NumericPriority >= PriorityHighThreshold:
		return "high"
	case t.NumericPriority < PriorityLowThreshold:
		return "low"
	default:
		return "medium"
	}
}

// NumericFromLabel maps a priority label to its numeric band center.
// Unknown labels map to medium.
func NumericFromLabel(label string) int {
	switch label {
	case "high", "critical", "urgent":
		return highNumericPriority
	case "low":
		return lowNumericPriority
	default:
		return defaultNumericPriority
	}
}

// legalTransitions is the task state machine. Cancellation from any
// non-terminal state is handled separately in canTransition.
var legalTransitions = map[Status][]Status{
	StatusQueued:     {StatusReady, StatusBlocked},
	StatusReady:      {StatusValidated, StatusAssigned, StatusBlocked},
	StatusValidated:  {StatusAssigned, StatusBlocked},
	StatusAssigned:   {StatusInProgress, StatusCompleted, StatusFailed, StatusBlocked},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusBlocked},
	StatusBlocked:    {StatusReady},
	StatusFailed:     {StatusReady},
}

// canTransition reports whether moving from to next is legal.
func canTransition(from, next Status) bool {
	if next == StatusCancelled {
		return from != StatusCompleted && from != StatusCancelled
	}
	for _, allowed := range legalTransitions[from] {
		if allowed == next {
			return true
		}
	}
	return false
}
