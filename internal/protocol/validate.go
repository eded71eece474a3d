// ABOUTME: Defensive envelope validation applied before any routing decision.
// ABOUTME: Never panics on malformed input; invalid envelopes are dropped upstream.

package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ValidationResult reports whether an envelope may be routed and, if not,
// every problem found with it.
type ValidationResult struct {
	IsValid bool
	Errors  []string
}

// Validate checks an envelope's shape before routing: id and timestamp
// present, type recognized, data present, and the minimal per-type payload
// shape. It is a pure function and must never panic, whatever the input.
func Validate(env *Envelope) ValidationResult {
	var errs []string

	if env == nil {
		return ValidationResult{Errors: []string{"envelope is nil"}}
	}
	if strings.TrimSpace(env.ID) == "" {
		errs = append(errs, "missing id")
	}
	if env.Timestamp <= 0 {
		errs = append(errs, "missing timestamp")
	}
	if !env.Type.Valid() {
		errs = append(errs, fmt.Sprintf("unrecognized type: %q", env.Type))
	}
	if len(env.Data) == 0 {
		errs = append(errs, "missing data")
	}

	// Per-type shape checks only make sense once the basics hold.
	if len(errs) == 0 {
		errs = append(errs, checkPayload(env)...)
	}

	return ValidationResult{IsValid: len(errs) == 0, Errors: errs}
}

func checkPayload(env *Envelope) []string {
	switch env.Type {
	case SpawnAgent:
		var p SpawnAgentPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return []string{"malformed SPAWN_AGENT data"}
		}
		if strings.TrimSpace(p.Role) == "" {
			return []string{"SPAWN_AGENT requires role"}
		}
	case AssignTask:
		var p AssignTaskPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return []string{"malformed ASSIGN_TASK data"}
		}
		if strings.TrimSpace(p.Title) == "" && strings.TrimSpace(p.Description) == "" {
			return []string{"ASSIGN_TASK requires title or description"}
		}
	case AgentStatusUpdate:
		var p StatusUpdatePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return []string{"malformed AGENT_STATUS_UPDATE data"}
		}
		var missing []string
		if strings.TrimSpace(p.AgentID) == "" {
			missing = append(missing, "AGENT_STATUS_UPDATE requires agentId")
		}
		if strings.TrimSpace(p.Status) == "" {
			missing = append(missing, "AGENT_STATUS_UPDATE requires status")
		}
		return missing
	case TaskComplete:
		var p TaskCompletePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return []string{"malformed TASK_COMPLETE data"}
		}
		if strings.TrimSpace(p.TaskID) == "" {
			return []string{"TASK_COMPLETE requires taskId"}
		}
	case TerminateAgent:
		var p TerminateAgentPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return []string{"malformed TERMINATE_AGENT data"}
		}
		if strings.TrimSpace(p.AgentID) == "" {
			return []string{"TERMINATE_AGENT requires agentId"}
		}
	case AgentReady:
		var p AgentReadyPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return []string{"malformed AGENT_READY data"}
		}
		if strings.TrimSpace(p.AgentID) == "" {
			return []string{"AGENT_READY requires agentId"}
		}
	default:
		// Remaining types carry free-form or empty data.
		if !json.Valid(env.Data) {
			return []string{"data is not valid JSON"}
		}
	}
	return nil
}
