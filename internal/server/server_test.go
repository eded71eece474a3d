// ABOUTME: Server tests over real loopback sockets: lifecycle, auth, health,
// ABOUTME: and the full spawn-then-assign flow through a live WebSocket.

package server

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batonhq/baton/internal/agent"
	"github.com/batonhq/baton/internal/auth"
	"github.com/batonhq/baton/internal/bus"
	"github.com/batonhq/baton/internal/connpool"
	"github.com/batonhq/baton/internal/protocol"
	"github.com/batonhq/baton/internal/router"
	"github.com/batonhq/baton/internal/task"
	"github.com/batonhq/baton/internal/template"
	"github.com/batonhq/baton/internal/terminal"
)

func newTestServer(t *testing.T, verifier auth.Verifier) (*Server, *task.Queue, *agent.Manager) {
	t.Helper()

	events := bus.New(nil)
	t.Cleanup(events.Close)
	registry := template.NewRegistry()
	manager := agent.NewManager(agent.Config{
		Templates: registry,
		Terminals: &terminal.NopFactory{},
	})
	queue := task.NewQueue(task.Config{
		Templates: registry,
		Agents:    manager,
		Events:    events,
	})
	pool := connpool.New(nil)
	r := router.New(router.Config{
		Manager: manager,
		Queue:   queue,
		Pool:    pool,
		Events:  events,
	})
	t.Cleanup(r.Stop)

	srv := New(Config{Bind: "127.0.0.1", Port: 0, Verifier: verifier}, pool, r)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { srv.Stop(context.Background()) })
	return srv, queue, manager
}

func dial(t *testing.T, srv *Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://127.0.0.1:%d/ws", srv.Status().Port)
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

// readUntil reads envelopes until one of the wanted type arrives.
func readUntil(t *testing.T, ws *websocket.Conn, want protocol.MessageType) *protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	require.NoError(t, ws.SetReadDeadline(deadline))
	for {
		var env protocol.Envelope
		require.NoError(t, ws.ReadJSON(&env), "waiting for %s", want)
		if env.Type == want {
			return &env
		}
	}
}

func send(t *testing.T, ws *websocket.Conn, mt protocol.MessageType, payload any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(protocol.MustEnvelope(mt, payload)))
}

func TestStartTwiceReturnsBindError(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	err := srv.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "binding")
	assert.True(t, srv.Status().IsRunning, "the original listener keeps serving")
}

func TestStartOnOccupiedPortFails(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	other := New(Config{Bind: "127.0.0.1", Port: srv.Status().Port}, connpool.New(nil), nil)
	err := other.Start(context.Background())
	require.Error(t, err, "bind failure must surface, not pass silently")
	assert.False(t, other.Status().IsRunning)
}

func TestStopIsIdempotent(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	require.NoError(t, srv.Stop(context.Background()))
	require.NoError(t, srv.Stop(context.Background()))
	assert.False(t, srv.Status().IsRunning)
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", srv.Status().Port))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestConnectionEstablishedOnAccept(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	ws := dial(t, srv, nil)

	env := readUntil(t, ws, protocol.ConnectionEstablished)
	var p protocol.ConnectionEstablishedPayload
	require.NoError(t, env.Decode(&p))
	assert.NotEmpty(t, p.ConnectionID)
	assert.NotEmpty(t, p.ServerID)
}

func TestAuthRejectsMissingAndBadTokens(t *testing.T) {
	verifier := auth.NewJWTVerifier([]byte("test-secret"))
	srv, _, _ := newTestServer(t, verifier)
	url := fmt.Sprintf("ws://127.0.0.1:%d/ws", srv.Status().Port)

	t.Run("missing token", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("bad token", func(t *testing.T) {
		header := http.Header{"Authorization": []string{"Bearer junk"}}
		_, resp, err := websocket.DefaultDialer.Dial(url, header)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("valid token", func(t *testing.T) {
		token, err := verifier.Generate(auth.Identity{ClientID: "op-1", Role: auth.RoleOperator}, time.Hour)
		require.NoError(t, err)
		header := http.Header{"Authorization": []string{"Bearer " + token}}
		ws, _, err := websocket.DefaultDialer.Dial(url, header)
		require.NoError(t, err)
		ws.Close()
	})
}

func TestSpawnAndAssignOverWire(t *testing.T) {
	srv, queue, manager := newTestServer(t, nil)
	ws := dial(t, srv, nil)
	readUntil(t, ws, protocol.ConnectionEstablished)

	send(t, ws, protocol.SpawnAgent, protocol.SpawnAgentPayload{
		Role: "frontend-specialist",
		Name: "Frontend Expert",
	})
	statusEnv := readUntil(t, ws, protocol.AgentStatusUpdate)
	var agentEvent protocol.AgentEventPayload
	require.NoError(t, statusEnv.Decode(&agentEvent))
	assert.Equal(t, "Frontend Expert", agentEvent.Name)
	assert.Equal(t, "idle", agentEvent.Status)

	send(t, ws, protocol.AssignTask, protocol.AssignTaskPayload{
		Title:    "Build login UI",
		Priority: "high",
	})
	assignedEnv := readUntil(t, ws, protocol.TaskAssigned)
	var taskEvent protocol.TaskEventPayload
	require.NoError(t, assignedEnv.Decode(&taskEvent))
	assert.Equal(t, agentEvent.AgentID, taskEvent.AgentID, "high-priority UI task goes to the frontend agent")
	assert.Equal(t, string(task.StatusAssigned), taskEvent.Status)

	a, ok := manager.Get(agentEvent.AgentID)
	require.True(t, ok)
	assert.Equal(t, agent.StatusWorking, a.Status)

	tasks := queue.List()
	require.Len(t, tasks, 1)
	assert.True(t, tasks[0].NumericPriority >= task.PriorityHighThreshold)
}

func TestQueryStatusRoundTrip(t *testing.T) {
	srv, _, manager := newTestServer(t, nil)

	_, err := manager.SpawnAgent(context.Background(), agent.SpawnConfig{Type: "general"})
	require.NoError(t, err)

	ws := dial(t, srv, nil)
	readUntil(t, ws, protocol.ConnectionEstablished)

	send(t, ws, protocol.QueryStatus, nil)
	env := readUntil(t, ws, protocol.QueryStatus)
	var report protocol.StatusReport
	require.NoError(t, env.Decode(&report))
	assert.Len(t, report.Agents, 1)
}

func TestDisconnectLeavesPool(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	ws := dial(t, srv, nil)
	readUntil(t, ws, protocol.ConnectionEstablished)

	ws.Close()
	require.Eventually(t, func() bool {
		return srv.pool.Size() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
