// Package gateway terminates remote-agent sessions and correlates command
// dispatch with agent responses. Sessions are process-local: a connector's
// agent is connected to exactly one control-plane node.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/vectormesh/vectormesh/internal/common/config"
	apperrors "github.com/vectormesh/vectormesh/internal/common/errors"
	"github.com/vectormesh/vectormesh/internal/common/logger"
	"github.com/vectormesh/vectormesh/internal/events"
	"github.com/vectormesh/vectormesh/internal/events/bus"
	"github.com/vectormesh/vectormesh/internal/store"
	"github.com/vectormesh/vectormesh/pkg/agentwire"
	v1 "github.com/vectormesh/vectormesh/pkg/api/v1"
)

const apiKeyPrefix = "vmc"

// Gateway owns the session table and the pending-command table. All locks
// are short-held; no I/O happens while a lock is held.
type Gateway struct {
	resources store.ResourceStore
	bus       bus.EventBus

	heartbeatTimeout time.Duration
	sweepInterval    time.Duration
	maxRetries       int
	retryDelay       time.Duration

	sessionsMu sync.RWMutex
	sessions   map[string]*AgentSession // keyed by connector id

	commands *commandTable
	logger   *logger.Logger
}

// New creates a gateway from the config section.
func New(resources store.ResourceStore, eventBus bus.EventBus, cfg config.GatewayConfig, log *logger.Logger) *Gateway {
	return &Gateway{
		resources:        resources,
		bus:              eventBus,
		heartbeatTimeout: cfg.HeartbeatTimeoutDuration(),
		sweepInterval:    cfg.SweepIntervalDuration(),
		maxRetries:       cfg.MaxRetries,
		retryDelay:       cfg.RetryDelayDuration(),
		sessions:         make(map[string]*AgentSession),
		commands:         newCommandTable(),
		logger:           log.WithFields(zap.String("component", "gateway")),
	}
}

// ParseAPIKey extracts the tenant id from a key of the form
// vmc_<tenantId>_<opaque>_<opaque>.
func ParseAPIKey(apiKey string) (string, error) {
	parts := strings.Split(apiKey, "_")
	if len(parts) < 4 || parts[0] != apiKeyPrefix || parts[1] == "" {
		return "", fmt.Errorf("malformed api key")
	}
	return parts[1], nil
}

// Authenticate resolves the presented key to a MINI connector by comparing it
// against each candidate's stored bcrypt hash.
func (g *Gateway) Authenticate(ctx context.Context, apiKey string) (*v1.Connector, error) {
	tenantID, err := ParseAPIKey(apiKey)
	if err != nil {
		return nil, err
	}
	connectors, err := g.resources.ConnectorsByTenant(ctx, tenantID, v1.ConnectorTypeMini)
	if err != nil {
		return nil, fmt.Errorf("connector lookup failed: %w", err)
	}
	for _, c := range connectors {
		if bcrypt.CompareHashAndPassword([]byte(c.APIKeyHash), []byte(apiKey)) == nil {
			return c, nil
		}
	}
	return nil, fmt.Errorf("no connector matches the presented key")
}

// Register authenticates the key, installs the session, acknowledges the
// agent, and drains the tenant's offline queue. Duplicate sessions for a
// connector are rejected.
func (g *Gateway) Register(ctx context.Context, apiKey string, conn AgentConn) (*AgentSession, error) {
	connector, err := g.Authenticate(ctx, apiKey)
	if err != nil {
		return nil, err
	}

	session := newSession(connector.TenantID, connector.ID, conn)
	g.sessionsMu.Lock()
	if _, exists := g.sessions[connector.ID]; exists {
		g.sessionsMu.Unlock()
		return nil, fmt.Errorf("connector %s already has an active session", connector.ID)
	}
	g.sessions[connector.ID] = session
	g.sessionsMu.Unlock()

	if err := session.send(agentwire.ActionAuthenticated, agentwire.AuthenticatedPayload{
		Status:      "authenticated",
		TenantID:    connector.TenantID,
		ConnectorID: connector.ID,
		Timestamp:   time.Now().UTC(),
	}); err != nil {
		g.logger.Warn("failed to acknowledge agent", zap.String("connector_id", connector.ID), zap.Error(err))
	}

	g.publishAgentEvent(ctx, events.AgentConnected, session)
	g.logger.Info("agent connected",
		zap.String("tenant_id", connector.TenantID),
		zap.String("connector_id", connector.ID))

	g.drainOffline(connector.TenantID)
	return session, nil
}

// Unregister removes the session for a connector, if present.
func (g *Gateway) Unregister(ctx context.Context, connectorID string) {
	g.sessionsMu.Lock()
	session, ok := g.sessions[connectorID]
	if ok {
		delete(g.sessions, connectorID)
	}
	g.sessionsMu.Unlock()
	if !ok {
		return
	}

	g.publishAgentEvent(ctx, events.AgentDisconnected, session)
	g.logger.Info("agent disconnected",
		zap.String("tenant_id", session.TenantID),
		zap.String("connector_id", connectorID))
}

// Heartbeat refreshes the session's liveness timestamp.
func (g *Gateway) Heartbeat(connectorID string, payload agentwire.HeartbeatPayload) {
	g.sessionsMu.Lock()
	defer g.sessionsMu.Unlock()
	if session, ok := g.sessions[connectorID]; ok {
		session.LastHeartbeat = time.Now().UTC()
	}
}

// UpdateSchema caches an agent's pushed schema snapshot on its session.
func (g *Gateway) UpdateSchema(connectorID string, schema json.RawMessage) {
	g.sessionsMu.Lock()
	defer g.sessionsMu.Unlock()
	if session, ok := g.sessions[connectorID]; ok {
		session.Schema = schema
	}
}

// Session returns a snapshot of the session for a connector.
func (g *Gateway) Session(connectorID string) (AgentSession, bool) {
	g.sessionsMu.RLock()
	defer g.sessionsMu.RUnlock()
	session, ok := g.sessions[connectorID]
	if !ok {
		return AgentSession{}, false
	}
	return *session, true
}

// Sessions returns snapshots of all live sessions.
func (g *Gateway) Sessions() []AgentSession {
	g.sessionsMu.RLock()
	defer g.sessionsMu.RUnlock()
	out := make([]AgentSession, 0, len(g.sessions))
	for _, s := range g.sessions {
		out = append(out, *s)
	}
	return out
}

// Command returns a snapshot of a pending command. Completed and failed
// commands remain queryable.
func (g *Gateway) Command(commandID string) (PendingCommand, bool) {
	return g.commands.get(commandID)
}

func newCommandID(operation string) string {
	return fmt.Sprintf("%s_%d_%s", operation, time.Now().UnixMilli(), uuid.NewString()[:8])
}

// DispatchCommand sends a command to the tenant's agent, or queues it when no
// session is available. The command id is returned either way.
func (g *Gateway) DispatchCommand(ctx context.Context, tenantID, connectorID, operation string, payload map[string]any) (string, bool) {
	cmd := &PendingCommand{
		ID:          newCommandID(operation),
		TenantID:    tenantID,
		ConnectorID: connectorID,
		Operation:   operation,
		Payload:     payload,
		Status:      CommandQueued,
		CreatedAt:   time.Now().UTC(),
	}
	g.commands.put(cmd)

	delivered := g.deliver(cmd)
	if !delivered {
		g.commands.enqueueOffline(tenantID, cmd.ID)
		g.logger.Debug("command queued offline",
			zap.String("tenant_id", tenantID),
			zap.String("command_id", cmd.ID))
	}
	return cmd.ID, delivered
}

// deliver sends a command over the connector's session (or the tenant's first
// session when no connector is pinned) and marks the attempt.
func (g *Gateway) deliver(cmd *PendingCommand) bool {
	session := g.findSession(cmd.TenantID, cmd.ConnectorID)
	if session == nil {
		return false
	}

	data, err := json.Marshal(cmd.Payload)
	if err != nil {
		g.logger.Error("failed to marshal command payload", zap.String("command_id", cmd.ID), zap.Error(err))
		return false
	}
	err = session.send(agentwire.ActionCommand, agentwire.CommandPayload{
		CommandID:   cmd.ID,
		ExecutionID: cmd.ID,
		Operation:   cmd.Operation,
		Payload:     data,
	})
	if err != nil {
		g.logger.Warn("command send failed",
			zap.String("connector_id", session.ConnectorID),
			zap.String("command_id", cmd.ID),
			zap.Error(err))
		return false
	}
	g.commands.markAttempt(cmd.ID)
	return true
}

func (g *Gateway) findSession(tenantID, connectorID string) *AgentSession {
	g.sessionsMu.RLock()
	defer g.sessionsMu.RUnlock()
	if connectorID != "" {
		if s, ok := g.sessions[connectorID]; ok && s.TenantID == tenantID {
			return s
		}
		return nil
	}
	for _, s := range g.sessions {
		if s.TenantID == tenantID {
			return s
		}
	}
	return nil
}

// DispatchCommandAndWait dispatches and blocks for the correlated response.
// The waiter is installed before dispatch, so a reply that arrives via the
// offline drain after an agent reconnects still resolves it.
func (g *Gateway) DispatchCommandAndWait(ctx context.Context, tenantID, connectorID, operation string, payload map[string]any, timeout time.Duration) (map[string]any, error) {
	cmd := &PendingCommand{
		ID:          newCommandID(operation),
		TenantID:    tenantID,
		ConnectorID: connectorID,
		Operation:   operation,
		Payload:     payload,
		Status:      CommandQueued,
		CreatedAt:   time.Now().UTC(),
	}
	g.commands.put(cmd)
	ch := g.commands.installWaiter(cmd.ID)

	if !g.deliver(cmd) {
		g.commands.enqueueOffline(tenantID, cmd.ID)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.response, res.err
	case <-timer.C:
		g.commands.removeWaiter(cmd.ID)
		return nil, apperrors.NewGatewayError(apperrors.CodeCommandTimeout, "Command timed out")
	case <-ctx.Done():
		g.commands.removeWaiter(cmd.ID)
		return nil, ctx.Err()
	}
}

// HandleResponse resolves the waiter for a command, if one is still
// installed, and records the response either way.
func (g *Gateway) HandleResponse(commandID string, response map[string]any) {
	g.commands.resolve(commandID, commandResult{response: response})
}

// Run drives the heartbeat and retry sweepers until the context is done.
func (g *Gateway) Run(ctx context.Context) {
	ticker := time.NewTicker(g.sweepInterval)
	defer ticker.Stop()

	g.logger.Info("gateway sweepers started",
		zap.Duration("sweep_interval", g.sweepInterval),
		zap.Duration("heartbeat_timeout", g.heartbeatTimeout))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweepSessions(ctx)
			g.sweepRetries()
		}
	}
}

// sweepSessions drops sessions whose last heartbeat is older than the
// timeout.
func (g *Gateway) sweepSessions(ctx context.Context) {
	now := time.Now().UTC()

	g.sessionsMu.Lock()
	var stale []*AgentSession
	for id, session := range g.sessions {
		if session.stale(now, g.heartbeatTimeout) {
			stale = append(stale, session)
			delete(g.sessions, id)
		}
	}
	g.sessionsMu.Unlock()

	for _, session := range stale {
		_ = session.conn.Close()
		g.publishAgentEvent(ctx, events.AgentStale, session)
		g.logger.Warn("agent session stale, removed",
			zap.String("tenant_id", session.TenantID),
			zap.String("connector_id", session.ConnectorID),
			zap.Time("last_heartbeat", session.LastHeartbeat))
	}
}

// sweepRetries re-dispatches sent commands on a linear backoff and abandons
// those that exhausted the retry budget.
func (g *Gateway) sweepRetries() {
	due, exhausted := g.commands.retryable(time.Now().UTC(), g.retryDelay, g.maxRetries)

	for _, id := range exhausted {
		g.commands.resolve(id, commandResult{
			err: apperrors.NewGatewayError(apperrors.CodeMaxRetriesExceeded, "Max retries exceeded"),
		})
		g.logger.Warn("command abandoned after retries", zap.String("command_id", id))
	}

	for i := range due {
		cmd := due[i]
		if !g.deliver(&cmd) {
			g.commands.markQueued(cmd.ID)
			g.commands.enqueueOffline(cmd.TenantID, cmd.ID)
		}
	}
}

// drainOffline re-dispatches the tenant's queued commands in FIFO order.
// Commands that still cannot be delivered return to the queue.
func (g *Gateway) drainOffline(tenantID string) {
	ids := g.commands.takeOffline(tenantID)
	if len(ids) == 0 {
		return
	}
	g.logger.Info("draining offline queue",
		zap.String("tenant_id", tenantID),
		zap.Int("queued", len(ids)))

	for _, id := range ids {
		cmd, ok := g.commands.get(id)
		if !ok || cmd.Status == CommandCompleted || cmd.Status == CommandFailed {
			continue
		}
		if !g.deliver(&cmd) {
			g.commands.enqueueOffline(tenantID, id)
		}
	}
}

func (g *Gateway) publishAgentEvent(ctx context.Context, base string, session *AgentSession) {
	if g.bus == nil {
		return
	}
	event := bus.NewEvent(base, "gateway", map[string]any{
		"tenant_id":    session.TenantID,
		"connector_id": session.ConnectorID,
	})
	event.TenantID = session.TenantID
	if err := g.bus.Publish(ctx, events.BuildAgentSubject(base, session.ConnectorID), event); err != nil {
		g.logger.Warn("failed to publish agent event", zap.String("subject", base), zap.Error(err))
	}
}
