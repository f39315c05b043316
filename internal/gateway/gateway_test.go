package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/vectormesh/vectormesh/internal/common/config"
	apperrors "github.com/vectormesh/vectormesh/internal/common/errors"
	"github.com/vectormesh/vectormesh/internal/common/logger"
	"github.com/vectormesh/vectormesh/internal/store"
	"github.com/vectormesh/vectormesh/pkg/agentwire"
	v1 "github.com/vectormesh/vectormesh/pkg/api/v1"
)

type fakeConn struct {
	messages chan *agentwire.Message
	sendErr  error
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{messages: make(chan *agentwire.Message, 16)}
}

func (f *fakeConn) Send(msg *agentwire.Message) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.messages <- msg
	return nil
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

// next returns the next message sent to the agent, failing the test on
// timeout.
func (f *fakeConn) next(t *testing.T) *agentwire.Message {
	t.Helper()
	select {
	case msg := <-f.messages:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message to agent")
		return nil
	}
}

const testAPIKey = "vmc_tenant-a_k7f3_9d2c"

func testStore(t *testing.T) store.ResourceStore {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testAPIKey), bcrypt.MinCost)
	require.NoError(t, err)

	mem := store.NewMemory()
	mem.PutConnector(&v1.Connector{
		ID:         "con-1",
		TenantID:   "tenant-a",
		Name:       "warehouse agent",
		Type:       v1.ConnectorTypeMini,
		APIKeyHash: string(hash),
	})
	return mem
}

func testGateway(t *testing.T) *Gateway {
	t.Helper()
	return New(testStore(t), nil, config.GatewayConfig{
		HeartbeatTimeout: 90,
		SweepInterval:    30,
		MaxRetries:       3,
		RetryDelay:       5,
		ResponseTimeout:  30,
	}, logger.Default())
}

func TestParseAPIKey(t *testing.T) {
	tenantID, err := ParseAPIKey("vmc_tenant-a_abc_def")
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", tenantID)

	for _, key := range []string{"", "vmc_tenant-a", "mesh_tenant-a_abc_def", "vmc__abc_def"} {
		_, err := ParseAPIKey(key)
		assert.Error(t, err, "key %q should be rejected", key)
	}
}

func TestRegisterAuthenticatesAndAcks(t *testing.T) {
	gw := testGateway(t)
	conn := newFakeConn()

	session, err := gw.Register(context.Background(), testAPIKey, conn)
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", session.TenantID)
	assert.Equal(t, "con-1", session.ConnectorID)

	msg := conn.next(t)
	assert.Equal(t, agentwire.ActionAuthenticated, msg.Action)

	var ack agentwire.AuthenticatedPayload
	require.NoError(t, msg.ParsePayload(&ack))
	assert.Equal(t, "tenant-a", ack.TenantID)
	assert.Equal(t, "con-1", ack.ConnectorID)
}

func TestRegisterRejectsBadKey(t *testing.T) {
	gw := testGateway(t)

	_, err := gw.Register(context.Background(), "vmc_tenant-a_wrong_key", newFakeConn())
	assert.Error(t, err)

	_, err = gw.Register(context.Background(), "garbage", newFakeConn())
	assert.Error(t, err)
}

func TestRegisterRejectsDuplicateSession(t *testing.T) {
	gw := testGateway(t)

	_, err := gw.Register(context.Background(), testAPIKey, newFakeConn())
	require.NoError(t, err)

	_, err = gw.Register(context.Background(), testAPIKey, newFakeConn())
	assert.Error(t, err)
}

func TestDispatchCommandOfflineYieldsCommandID(t *testing.T) {
	gw := testGateway(t)

	commandID, delivered := gw.DispatchCommand(context.Background(), "tenant-a", "", "query", map[string]any{"table": "users"})
	assert.False(t, delivered)
	assert.NotEmpty(t, commandID)

	cmd, ok := gw.Command(commandID)
	require.True(t, ok)
	assert.Equal(t, CommandQueued, cmd.Status)
}

func TestDispatchCommandAndWaitCorrelation(t *testing.T) {
	gw := testGateway(t)
	conn := newFakeConn()
	_, err := gw.Register(context.Background(), testAPIKey, conn)
	require.NoError(t, err)
	conn.next(t) // authenticated ack

	type result struct {
		resp map[string]any
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := gw.DispatchCommandAndWait(context.Background(), "tenant-a", "con-1", "query",
			map[string]any{"table": "users"}, 2*time.Second)
		done <- result{resp, err}
	}()

	msg := conn.next(t)
	require.Equal(t, agentwire.ActionCommand, msg.Action)
	var cmd agentwire.CommandPayload
	require.NoError(t, msg.ParsePayload(&cmd))
	assert.Equal(t, "query", cmd.Operation)

	gw.HandleResponse(cmd.CommandID, map[string]any{"data": []any{map[string]any{"id": float64(1)}}})

	res := <-done
	require.NoError(t, res.err)
	assert.NotNil(t, res.resp["data"])

	stored, ok := gw.Command(cmd.CommandID)
	require.True(t, ok)
	assert.Equal(t, CommandCompleted, stored.Status)
}

// An agent reconnecting mid-wait drains the offline queue; the reply must
// still resolve the waiting caller.
func TestOfflineDrainResolvesWaiter(t *testing.T) {
	gw := testGateway(t)

	type result struct {
		resp map[string]any
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := gw.DispatchCommandAndWait(context.Background(), "tenant-a", "", "query",
			map[string]any{"table": "users"}, 3*time.Second)
		done <- result{resp, err}
	}()

	// Give the dispatch a moment to land in the offline queue.
	require.Eventually(t, func() bool {
		gw.commands.mu.Lock()
		defer gw.commands.mu.Unlock()
		return len(gw.commands.offline["tenant-a"]) == 1
	}, time.Second, 10*time.Millisecond)

	conn := newFakeConn()
	_, err := gw.Register(context.Background(), testAPIKey, conn)
	require.NoError(t, err)
	conn.next(t) // authenticated ack

	msg := conn.next(t) // drained command
	require.Equal(t, agentwire.ActionCommand, msg.Action)
	var cmd agentwire.CommandPayload
	require.NoError(t, msg.ParsePayload(&cmd))

	gw.HandleResponse(cmd.CommandID, map[string]any{"rows": float64(3)})

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, float64(3), res.resp["rows"])
}

func TestDispatchCommandAndWaitTimeout(t *testing.T) {
	gw := testGateway(t)

	start := time.Now()
	_, err := gw.DispatchCommandAndWait(context.Background(), "tenant-a", "", "query", nil, 50*time.Millisecond)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)

	var ge *apperrors.GatewayError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, apperrors.CodeCommandTimeout, ge.Code)
}

// A response arriving after the waiter timed out is recorded but resolves
// nothing.
func TestLateResponseIgnored(t *testing.T) {
	gw := testGateway(t)

	conn := newFakeConn()
	_, err := gw.Register(context.Background(), testAPIKey, conn)
	require.NoError(t, err)
	conn.next(t)

	_, err = gw.DispatchCommandAndWait(context.Background(), "tenant-a", "con-1", "query", nil, 20*time.Millisecond)
	require.Error(t, err)

	msg := conn.next(t)
	var cmd agentwire.CommandPayload
	require.NoError(t, msg.ParsePayload(&cmd))

	gw.HandleResponse(cmd.CommandID, map[string]any{"ok": true})

	stored, ok := gw.Command(cmd.CommandID)
	require.True(t, ok)
	assert.Equal(t, CommandCompleted, stored.Status)
}

func TestHeartbeatSweeperRemovesStaleSessions(t *testing.T) {
	gw := testGateway(t)
	gw.heartbeatTimeout = 50 * time.Millisecond

	conn := newFakeConn()
	_, err := gw.Register(context.Background(), testAPIKey, conn)
	require.NoError(t, err)

	gw.sessionsMu.Lock()
	gw.sessions["con-1"].LastHeartbeat = time.Now().UTC().Add(-time.Minute)
	gw.sessionsMu.Unlock()

	gw.sweepSessions(context.Background())

	_, ok := gw.Session("con-1")
	assert.False(t, ok)
	assert.True(t, conn.closed)
}

func TestHeartbeatRefreshesSession(t *testing.T) {
	gw := testGateway(t)

	conn := newFakeConn()
	_, err := gw.Register(context.Background(), testAPIKey, conn)
	require.NoError(t, err)

	gw.sessionsMu.Lock()
	gw.sessions["con-1"].LastHeartbeat = time.Now().UTC().Add(-time.Minute)
	gw.sessionsMu.Unlock()

	gw.Heartbeat("con-1", agentwire.HeartbeatPayload{Timestamp: time.Now()})

	session, ok := gw.Session("con-1")
	require.True(t, ok)
	assert.WithinDuration(t, time.Now(), session.LastHeartbeat, time.Second)
}

func TestRetrySweeperLinearBackoff(t *testing.T) {
	gw := testGateway(t)
	gw.retryDelay = 10 * time.Millisecond

	conn := newFakeConn()
	_, err := gw.Register(context.Background(), testAPIKey, conn)
	require.NoError(t, err)
	conn.next(t)

	commandID, delivered := gw.DispatchCommand(context.Background(), "tenant-a", "con-1", "query", nil)
	require.True(t, delivered)
	conn.next(t)

	// First attempt is recorded; after attempts x delay the sweeper sends it
	// again.
	time.Sleep(30 * time.Millisecond)
	gw.sweepRetries()

	msg := conn.next(t)
	assert.Equal(t, agentwire.ActionCommand, msg.Action)

	cmd, ok := gw.Command(commandID)
	require.True(t, ok)
	assert.Equal(t, 2, cmd.Attempts)
}

func TestRetrySweeperAbandonsAfterBudget(t *testing.T) {
	gw := testGateway(t)

	conn := newFakeConn()
	_, err := gw.Register(context.Background(), testAPIKey, conn)
	require.NoError(t, err)
	conn.next(t)

	commandID, delivered := gw.DispatchCommand(context.Background(), "tenant-a", "con-1", "query", nil)
	require.True(t, delivered)

	gw.commands.mu.Lock()
	gw.commands.commands[commandID].Attempts = 3
	gw.commands.mu.Unlock()

	gw.sweepRetries()

	cmd, ok := gw.Command(commandID)
	require.True(t, ok)
	assert.Equal(t, CommandFailed, cmd.Status)
	assert.Contains(t, cmd.Error, "Max retries exceeded")
}

func TestSchemaPushCachedOnSession(t *testing.T) {
	gw := testGateway(t)

	conn := newFakeConn()
	_, err := gw.Register(context.Background(), testAPIKey, conn)
	require.NoError(t, err)

	schema := json.RawMessage(`{"tables":["users","orders"]}`)
	gw.UpdateSchema("con-1", schema)

	session, ok := gw.Session("con-1")
	require.True(t, ok)
	assert.JSONEq(t, string(schema), string(session.Schema))
}

func TestUnregisterFreesConnector(t *testing.T) {
	gw := testGateway(t)

	_, err := gw.Register(context.Background(), testAPIKey, newFakeConn())
	require.NoError(t, err)

	gw.Unregister(context.Background(), "con-1")
	_, ok := gw.Session("con-1")
	assert.False(t, ok)

	// Connector can reconnect after unregister.
	_, err = gw.Register(context.Background(), testAPIKey, newFakeConn())
	assert.NoError(t, err)
}
