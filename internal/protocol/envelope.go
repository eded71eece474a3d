// ABOUTME: Wire envelope and message type enum shared by every baton component.
// ABOUTME: NewEnvelope is the sole constructor and stamps id and timestamp.

package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of payload an envelope carries.
// The set is closed: envelopes with any other type are rejected by Validate.
type MessageType string

const (
	SpawnAgent            MessageType = "SPAWN_AGENT"
	AssignTask            MessageType = "ASSIGN_TASK"
	AgentStatusUpdate     MessageType = "AGENT_STATUS_UPDATE"
	TaskCreated           MessageType = "TASK_CREATED"
	TaskAssigned          MessageType = "TASK_ASSIGNED"
	TaskComplete          MessageType = "TASK_COMPLETE"
	AgentReady            MessageType = "AGENT_READY"
	Heartbeat             MessageType = "HEARTBEAT"
	ConnectionEstablished MessageType = "CONNECTION_ESTABLISHED"
	ErrorMessage          MessageType = "ERROR"
	QueryStatus           MessageType = "QUERY_STATUS"
	TerminateAgent        MessageType = "TERMINATE_AGENT"
)

var knownTypes = map[MessageType]bool{
	SpawnAgent:            true,
	AssignTask:            true,
	AgentStatusUpdate:     true,
	TaskCreated:           true,
	TaskAssigned:          true,
	TaskComplete:          true,
	AgentReady:            true,
	Heartbeat:             true,
	ConnectionEstablished: true,
	ErrorMessage:          true,
	QueryStatus:           true,
	TerminateAgent:        true,
}

// Valid reports whether t is a member of the closed message-type set.
func (t MessageType) Valid() bool {
	return knownTypes[t]
}

// Envelope is the unit routed between conductor, agents, and the core.
// Envelopes are immutable once created.
type Envelope struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// NewEnvelope builds an envelope of the given type around payload, stamping
// a fresh id and the current unix-millisecond timestamp. payload may be nil
// for types that carry no data beyond their presence (e.g. HEARTBEAT).
func NewEnvelope(t MessageType, payload any) (*Envelope, error) {
	data := json.RawMessage(`{}`)
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", t, err)
		}
		data = b
	}
	return &Envelope{
		ID:        uuid.New().String(),
		Type:      t,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// MustEnvelope is NewEnvelope for payloads that cannot fail to encode.
// It panics on error and is intended for internally constructed payloads.
func MustEnvelope(t MessageType, payload any) *Envelope {
	env, err := NewEnvelope(t, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode unmarshals the envelope's data into v.
func (e *Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return nil
}
