// ABOUTME: Typed payload structs carried by each message type.
// ABOUTME: Field names match the JSON wire format consumed by conductors and agents.

package protocol

// SpawnAgentPayload asks the conductor to spawn a new agent.
type SpawnAgentPayload struct {
	Role     string `json:"role"`
	Name     string `json:"name,omitempty"`
	Template string `json:"template,omitempty"`
}

// AssignTaskPayload creates a task and requests assignment. AgentID, when
// set, pins the task to a specific agent instead of letting the matcher
// choose.
type AssignTaskPayload struct {
	TaskID               string   `json:"taskId,omitempty"`
	Title                string   `json:"title"`
	Description          string   `json:"description,omitempty"`
	Priority             string   `json:"priority,omitempty"`
	NumericPriority      *int     `json:"numericPriority,omitempty"`
	RequiredCapabilities []string `json:"requiredCapabilities,omitempty"`
	DependsOn            []string `json:"dependsOn,omitempty"`
	ConflictsWith        []string `json:"conflictsWith,omitempty"`
	Tags                 []string `json:"tags,omitempty"`
	AgentID              string   `json:"agentId,omitempty"`
}

// StatusUpdatePayload reports an agent's own status transition.
type StatusUpdatePayload struct {
	AgentID string `json:"agentId"`
	Status  string `json:"status"`
}

// TaskCompletePayload reports a finished task. Error, when non-empty, marks
// the task failed rather than completed.
type TaskCompletePayload struct {
	TaskID  string `json:"taskId"`
	AgentID string `json:"agentId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// AgentReadyPayload announces an agent process has connected and is idle.
type AgentReadyPayload struct {
	AgentID      string   `json:"agentId"`
	Name         string   `json:"name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// HeartbeatPayload keeps an agent's liveness fresh.
type HeartbeatPayload struct {
	AgentID string `json:"agentId,omitempty"`
}

// TerminateAgentPayload asks the conductor to remove an agent.
type TerminateAgentPayload struct {
	AgentID string `json:"agentId"`
}

// ConnectionEstablishedPayload is sent to every connection on accept.
type ConnectionEstablishedPayload struct {
	ConnectionID string `json:"connectionId"`
	ServerID     string `json:"serverId"`
}

// ErrorPayload carries a short, specific failure description back to the
// connection whose message caused it.
type ErrorPayload struct {
	Message string `json:"message"`
	RefID   string `json:"refId,omitempty"`
}

// TaskEventPayload is the derived event broadcast after task mutations.
type TaskEventPayload struct {
	TaskID     string  `json:"taskId"`
	Title      string  `json:"title,omitempty"`
	Status     string  `json:"status"`
	AgentID    string  `json:"agentId,omitempty"`
	MatchScore float64 `json:"matchScore,omitempty"`
}

// AgentEventPayload is the derived event broadcast after agent mutations.
type AgentEventPayload struct {
	AgentID string `json:"agentId"`
	Name    string `json:"name,omitempty"`
	Type    string `json:"type,omitempty"`
	Status  string `json:"status"`
}

// AgentReport is one agent's slice of a StatusReport.
type AgentReport struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Type           string `json:"type"`
	Status         string `json:"status"`
	CurrentTask    string `json:"currentTask,omitempty"`
	TasksCompleted int    `json:"tasksCompleted"`
}

// StatusReport answers QUERY_STATUS with a snapshot of the roster and queue.
type StatusReport struct {
	Agents      []AgentReport `json:"agents"`
	QueuedTasks int           `json:"queuedTasks"`
	ActiveTasks int           `json:"activeTasks"`
}
