package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vectormesh/vectormesh/internal/common/logger"
	"github.com/vectormesh/vectormesh/pkg/agentwire"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next message from the peer. Agents heartbeat
	// at least every 30s, so this stays comfortably above that.
	readWait = 120 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 1024 * 1024 // 1MB; query results ride on responses
)

// WSHandler upgrades agent connections and runs their read/write pumps.
type WSHandler struct {
	gateway  *Gateway
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

// NewWSHandler creates the websocket endpoint handler.
func NewWSHandler(gw *Gateway, log *logger.Logger) *WSHandler {
	return &WSHandler{
		gateway: gw,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are not browsers; origin checks do not apply.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log.WithFields(zap.String("component", "agent_ws")),
	}
}

// Serve handles GET /api/v1/agents/ws. The api key rides in the
// Authorization bearer header or the apiKey query parameter.
func (h *WSHandler) Serve(c *gin.Context) {
	apiKey := extractAPIKey(c)
	if apiKey == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "api key required"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newAgentClient(conn, h.logger)
	session, err := h.gateway.Register(c.Request.Context(), apiKey, client)
	if err != nil {
		h.logger.Warn("agent registration rejected", zap.Error(err))
		client.sendClose(websocket.ClosePolicyViolation, err.Error())
		conn.Close()
		return
	}

	go client.writePump()
	client.readPump(c.Request.Context(), h.gateway, session.ConnectorID)
}

func extractAPIKey(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
		return auth[7:]
	}
	return c.Query("apiKey")
}

// agentClient owns one websocket connection. Writes are serialised through
// the send channel; the read pump is the sole reader.
type agentClient struct {
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
	logger    *logger.Logger
}

func newAgentClient(conn *websocket.Conn, log *logger.Logger) *agentClient {
	return &agentClient{
		conn:   conn,
		send:   make(chan []byte, 64),
		logger: log,
	}
}

// Send implements AgentConn.
func (c *agentClient) Send(msg *agentwire.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

// Close implements AgentConn.
func (c *agentClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.send)
		err = c.conn.Close()
	})
	return err
}

var errSendBufferFull = &bufferFullError{}

type bufferFullError struct{}

func (*bufferFullError) Error() string { return "agent send buffer full" }

func (c *agentClient) sendClose(code int, reason string) {
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
}

// readPump reads agent frames and routes them to the gateway. It returns when
// the connection drops, unregistering the session.
func (c *agentClient) readPump(ctx context.Context, gw *Gateway, connectorID string) {
	defer func() {
		gw.Unregister(ctx, connectorID)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(readWait))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("agent read error", zap.String("connector_id", connectorID), zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readWait))

		var msg agentwire.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("invalid agent frame", zap.String("connector_id", connectorID), zap.Error(err))
			continue
		}
		c.route(gw, connectorID, &msg)
	}
}

func (c *agentClient) route(gw *Gateway, connectorID string, msg *agentwire.Message) {
	switch msg.Action {
	case agentwire.ActionHeartbeat:
		var hb agentwire.HeartbeatPayload
		if err := msg.ParsePayload(&hb); err != nil {
			c.logger.Warn("invalid heartbeat payload", zap.Error(err))
			return
		}
		gw.Heartbeat(connectorID, hb)

	case agentwire.ActionCommandResponse:
		var resp agentwire.CommandResponsePayload
		if err := msg.ParsePayload(&resp); err != nil {
			c.logger.Warn("invalid command response payload", zap.Error(err))
			return
		}
		var body map[string]any
		if len(resp.Response) > 0 {
			if err := json.Unmarshal(resp.Response, &body); err != nil {
				c.logger.Warn("invalid command response body",
					zap.String("command_id", resp.CommandID), zap.Error(err))
				return
			}
		}
		gw.HandleResponse(resp.CommandID, body)

	case agentwire.ActionSchemaDiscovered:
		var schema agentwire.SchemaDiscoveredPayload
		if err := msg.ParsePayload(&schema); err != nil {
			c.logger.Warn("invalid schema payload", zap.Error(err))
			return
		}
		gw.UpdateSchema(connectorID, schema.Schema)

	default:
		c.logger.Debug("unknown agent action", zap.String("action", msg.Action))
	}
}

// writePump drains the send channel onto the wire.
func (c *agentClient) writePump() {
	defer c.conn.Close()

	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	// Send channel closed by the gateway sweeper.
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

var _ AgentConn = (*agentClient)(nil)
