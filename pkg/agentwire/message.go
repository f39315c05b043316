// Package agentwire defines the wire protocol between the control plane and
// remote data-plane agents. Messages are JSON envelopes exchanged over a
// duplex WebSocket session.
package agentwire

import (
	"encoding/json"
	"time"
)

// Agent → gateway actions.
const (
	ActionHeartbeat        = "heartbeat"
	ActionCommandResponse  = "command:response"
	ActionSchemaDiscovered = "schema:discovered"
)

// Gateway → agent actions.
const (
	ActionAuthenticated = "authenticated"
	ActionCommand       = "command"
)

// Message is the envelope for every frame on an agent session.
type Message struct {
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage builds a message for an action, marshalling the payload.
func NewMessage(action string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Action: action, Payload: data, Timestamp: time.Now().UTC()}, nil
}

// ParsePayload decodes the payload into v.
func (m *Message) ParsePayload(v any) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// HeartbeatPayload is pushed by agents at least every heartbeat interval.
// Metric fields are optional.
type HeartbeatPayload struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUUsage    float64   `json:"cpuUsage,omitempty"`
	MemoryUsage float64   `json:"memoryUsage,omitempty"`
	Uptime      int64     `json:"uptime,omitempty"`
}

// AuthenticatedPayload acknowledges a successful agent registration.
type AuthenticatedPayload struct {
	Status      string    `json:"status"`
	TenantID    string    `json:"tenantId"`
	ConnectorID string    `json:"connectorId"`
	Timestamp   time.Time `json:"timestamp"`
}

// CommandPayload carries one command to an agent. ExecutionID mirrors the
// command id so agents can correlate logs; ActivityID is informational.
type CommandPayload struct {
	CommandID   string          `json:"commandId"`
	ExecutionID string          `json:"executionId"`
	ActivityID  string          `json:"activityId,omitempty"`
	Operation   string          `json:"operation"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// CommandResponsePayload carries an agent's reply for a dispatched command.
type CommandResponsePayload struct {
	CommandID string          `json:"commandId"`
	Response  json.RawMessage `json:"response"`
}

// SchemaDiscoveredPayload carries an agent's pushed schema snapshot.
type SchemaDiscoveredPayload struct {
	Schema json.RawMessage `json:"schema"`
}
