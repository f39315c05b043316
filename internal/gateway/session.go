package gateway

import (
	"encoding/json"
	"time"

	"github.com/vectormesh/vectormesh/pkg/agentwire"
)

// AgentConn is the transport side of an agent session. The websocket handler
// provides the production implementation; tests substitute fakes.
type AgentConn interface {
	Send(msg *agentwire.Message) error
	Close() error
}

// AgentSession is one live agent connection. At most one session exists per
// connector id.
type AgentSession struct {
	TenantID      string          `json:"tenantId"`
	ConnectorID   string          `json:"connectorId"`
	ConnectedAt   time.Time       `json:"connectedAt"`
	LastHeartbeat time.Time       `json:"lastHeartbeat"`
	Schema        json.RawMessage `json:"schema,omitempty"`

	conn AgentConn
}

func newSession(tenantID, connectorID string, conn AgentConn) *AgentSession {
	now := time.Now().UTC()
	return &AgentSession{
		TenantID:      tenantID,
		ConnectorID:   connectorID,
		ConnectedAt:   now,
		LastHeartbeat: now,
		conn:          conn,
	}
}

func (s *AgentSession) send(action string, payload any) error {
	msg, err := agentwire.NewMessage(action, payload)
	if err != nil {
		return err
	}
	return s.conn.Send(msg)
}

// stale reports whether the session has gone silent past the timeout.
func (s *AgentSession) stale(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastHeartbeat) > timeout
}
