package collab

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testAgentSettings() *SessionAgentSettings {
	settings := DefaultSessionAgentSettings()
	settings.ReconnectTimeout = 50 * time.Millisecond
	settings.ErrorReconnectTimeout = 50 * time.Millisecond
	return settings
}

func agentUrl(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

// collects agent states in order
type stateRecorder struct {
	mutex  sync.Mutex
	states []AgentState
}

func recordStates(agent *SessionAgent) *stateRecorder {
	recorder := &stateRecorder{
		states: []AgentState{},
	}
	agent.AddStateCallback(func(state AgentState) {
		recorder.mutex.Lock()
		defer recorder.mutex.Unlock()
		recorder.states = append(recorder.states, state)
	})
	return recorder
}

func (self *stateRecorder) count(state AgentState) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	n := 0
	for _, s := range self.states {
		if s == state {
			n += 1
		}
	}
	return n
}

func (self *stateRecorder) get() []AgentState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return append([]AgentState{}, self.states...)
}

func TestAgentConnectRequiresIds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agent := NewSessionAgent(ctx, "ws://127.0.0.1:1/ws", "", "A", AgentIdentity{}, testAgentSettings())
	defer agent.Close()
	assert.Equal(t, agent.Connect(), false)
	assert.Equal(t, agent.State(), AgentStateIdle)

	agent2 := NewSessionAgent(ctx, "ws://127.0.0.1:1/ws", "42", "", AgentIdentity{}, testAgentSettings())
	defer agent2.Close()
	assert.Equal(t, agent2.Connect(), false)
	assert.Equal(t, agent2.State(), AgentStateIdle)

	// nothing is sent while idle
	assert.Equal(t, agent.EmitCursor(CursorUpdate{}), ErrNotOpen)
	assert.Equal(t, agent.EmitChange(ChangeData{Type: ChangeTypeAdd, TargetType: TargetTypeSection}), ErrNotOpen)
}

func TestAgentJoin(t *testing.T) {
	_, roomManager, server := newTestGateway(t, DefaultGatewaySettings())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agent := NewSessionAgent(ctx, agentUrl(server), "42", "A", AgentIdentity{Username: "Ann", Avatar: "a.png"}, testAgentSettings())
	defer agent.Close()
	states := recordStates(agent)

	presence := make(chan []User, 16)
	agent.AddPresenceCallback(func(users []User) {
		presence <- users
	})

	assert.Equal(t, agent.Connect(), true)

	select {
	case users := <-presence:
		// the roster contains the agent's own user exactly once
		assert.Equal(t, userIds(users), []string{"A"})
		assert.Equal(t, users[0].Username, "Ann")
		assert.Equal(t, users[0].Avatar, "a.png")
	case <-time.After(testReadTimeout):
		t.Fatalf("no presence")
	}

	assert.Equal(t, agent.Connected(), true)
	assert.Equal(t, states.get()[:2], []AgentState{AgentStateConnecting, AgentStateJoined})
	assert.Equal(t, roomManager.Stats(), RoomStats{Rooms: 1, Members: 1})

	// connecting while joined is a no-op
	assert.Equal(t, agent.Connect(), true)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, states.count(AgentStateConnecting), 1)
}

func TestAgentCursorAndChange(t *testing.T) {
	_, _, server := newTestGateway(t, DefaultGatewaySettings())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := NewSessionAgent(ctx, agentUrl(server), "42", "A", AgentIdentity{Username: "Ann"}, testAgentSettings())
	defer a.Close()
	b := NewSessionAgent(ctx, agentUrl(server), "42", "B", AgentIdentity{Username: "Bob"}, testAgentSettings())
	defer b.Close()

	type remoteChange struct {
		user   ChangeUser
		change TemplateChange
	}
	changes := make(chan remoteChange, 16)
	a.SetRemoteChangeCallback(func(user ChangeUser, change TemplateChange) {
		changes <- remoteChange{user: user, change: change}
	})

	a.Connect()
	waitFor(t, a.Connected)
	b.Connect()
	waitFor(t, b.Connected)
	waitFor(t, func() bool {
		return len(a.Users()) == 2
	})
	assert.Equal(t, userIds(b.Users()), []string{"A", "B"})

	err := b.EmitCursor(CursorUpdate{
		ElementId: "e1",
		Position:  &Point{X: 10, Y: 20},
	})
	assert.Equal(t, err, nil)
	waitFor(t, func() bool {
		_, ok := a.Cursors()["B"]
		return ok
	})
	cursor := a.Cursors()["B"]
	assert.Equal(t, cursor.ElementId, "e1")
	assert.Equal(t, *cursor.Position, Point{X: 10, Y: 20})

	err = b.EmitChange(ChangeData{
		Type:       ChangeTypeUpdate,
		TargetType: TargetTypeElement,
		TargetId:   "e1",
		Data:       json.RawMessage(`{"text":"hello"}`),
	})
	assert.Equal(t, err, nil)

	select {
	case rc := <-changes:
		assert.Equal(t, rc.user, ChangeUser{UserId: "B", Username: "Bob"})
		assert.Equal(t, rc.change.Type, ChangeTypeUpdate)
		assert.Equal(t, rc.change.TargetId, "e1")
		assert.Equal(t, string(rc.change.Data), `{"text":"hello"}`)
	case <-time.After(testReadTimeout):
		t.Fatalf("no remote change")
	}

	// delivered once
	select {
	case <-changes:
		t.Fatalf("unexpected change")
	case <-time.After(100 * time.Millisecond):
	}

	// B leaves, A sees the roster shrink
	b.Close()
	assert.Equal(t, b.State(), AgentStateClosed)
	waitFor(t, func() bool {
		return len(a.Users()) == 1
	})
}

func TestAgentRequestState(t *testing.T) {
	_, roomManager, server := newTestGateway(t, DefaultGatewaySettings())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agent := NewSessionAgent(ctx, agentUrl(server), "42", "A", AgentIdentity{Username: "Ann"}, testAgentSettings())
	defer agent.Close()

	presenceCount := 0
	var presenceLock sync.Mutex
	agent.AddPresenceCallback(func(users []User) {
		presenceLock.Lock()
		defer presenceLock.Unlock()
		presenceCount += 1
	})

	agent.Connect()
	waitFor(t, agent.Connected)
	waitFor(t, func() bool {
		return len(agent.Users()) == 1
	})

	roomManager.RecordChange("42", "A", ChangeData{Type: ChangeTypeAdd, TargetType: TargetTypeSection})

	presenceLock.Lock()
	before := presenceCount
	presenceLock.Unlock()

	assert.Equal(t, agent.RequestState(), nil)
	waitFor(t, func() bool {
		presenceLock.Lock()
		defer presenceLock.Unlock()
		return before < presenceCount
	})
}

func TestAgentHeartbeat(t *testing.T) {
	gateway, roomManager, server := newTestGateway(t, DefaultGatewaySettings())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := testAgentSettings()
	settings.HeartbeatInterval = 50 * time.Millisecond
	agent := NewSessionAgent(ctx, agentUrl(server), "42", "A", AgentIdentity{Username: "Ann"}, settings)

	agent.Connect()
	waitFor(t, agent.Connected)
	waitFor(t, func() bool {
		return roomManager.Stats().Members == 1
	})
	joinedAt := roomManager.RoomState("42").Users[0].LastActivity

	// the idle agent keeps its user active with pings
	waitFor(t, func() bool {
		return 4 <= gateway.Metrics().Snapshot().MessagesIn
	})
	waitFor(t, func() bool {
		return roomManager.RoomState("42").Users[0].LastActivity.After(joinedAt)
	})

	agent.Close()
	waitFor(t, func() bool {
		return roomManager.Stats().Members == 0
	})
	n := gateway.Metrics().Snapshot().MessagesIn
	time.Sleep(4 * settings.HeartbeatInterval)
	// no ping after close
	assert.Equal(t, gateway.Metrics().Snapshot().MessagesIn, n)
}

func TestAgentReconnect(t *testing.T) {
	_, roomManager, server := newTestGateway(t, DefaultGatewaySettings())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agent := NewSessionAgent(ctx, agentUrl(server), "42", "A", AgentIdentity{Username: "Ann"}, testAgentSettings())
	defer agent.Close()
	states := recordStates(agent)

	agent.Connect()
	waitFor(t, agent.Connected)
	waitFor(t, func() bool {
		return roomManager.Stats().Members == 1
	})

	// the server evicts the user and closes the connection
	result := roomManager.sweepAt(time.Now().Add(time.Hour))
	assert.Equal(t, result.EvictedUsers, 1)

	waitFor(t, func() bool {
		return states.count(AgentStateJoined) == 2
	})
	assert.Equal(t, 1 <= states.count(AgentStateReconnecting), true)

	// the session rejoined the room it was evicted from
	waitFor(t, func() bool {
		return roomManager.Stats().Members == 1
	})
	assert.Equal(t, userIds(roomManager.RoomState("42").Users), []string{"A"})
}

func TestAgentDialErrorRetries(t *testing.T) {
	_, _, server := newTestGateway(t, DefaultGatewaySettings())
	serverUrl := agentUrl(server)
	// nothing listens here after close
	server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agent := NewSessionAgent(ctx, serverUrl, "42", "A", AgentIdentity{}, testAgentSettings())
	states := recordStates(agent)

	agent.Connect()
	waitFor(t, func() bool {
		return 2 <= states.count(AgentStateReconnecting)
	})
	assert.Equal(t, 2 <= states.count(AgentStateConnecting), true)

	// teardown mid reconnect wait
	agent.Close()
	assert.Equal(t, agent.State(), AgentStateClosed)

	n := len(states.get())
	time.Sleep(200 * time.Millisecond)
	// no attempt after close
	assert.Equal(t, len(states.get()), n)
	assert.Equal(t, agent.Connect(), false)
}

func TestAgentCloseLeaves(t *testing.T) {
	_, roomManager, server := newTestGateway(t, DefaultGatewaySettings())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agent := NewSessionAgent(ctx, agentUrl(server), "42", "A", AgentIdentity{Username: "Ann"}, testAgentSettings())
	states := recordStates(agent)

	agent.Connect()
	waitFor(t, agent.Connected)
	waitFor(t, func() bool {
		return roomManager.Stats().Members == 1
	})

	agent.Close()
	assert.Equal(t, agent.State(), AgentStateClosed)
	assert.Equal(t, agent.Connected(), false)
	recorded := states.get()
	assert.Equal(t, recorded[len(recorded)-1], AgentStateClosed)

	waitFor(t, func() bool {
		return roomManager.Stats().Members == 0
	})
	// sends after close fail fast
	assert.Equal(t, agent.EmitCursor(CursorUpdate{}), ErrNotOpen)

	select {
	case <-agent.Done():
	default:
		t.Fatalf("not done")
	}
}

func TestAgentCancelContext(t *testing.T) {
	_, roomManager, server := newTestGateway(t, DefaultGatewaySettings())

	ctx, cancel := context.WithCancel(context.Background())

	agent := NewSessionAgent(ctx, agentUrl(server), "42", "A", AgentIdentity{}, testAgentSettings())
	agent.Connect()
	waitFor(t, agent.Connected)

	// the parent context ends the session like `Close`
	cancel()
	select {
	case <-agent.Done():
	case <-time.After(testReadTimeout):
		t.Fatalf("not done")
	}
	assert.Equal(t, agent.State(), AgentStateClosed)
	waitFor(t, func() bool {
		return roomManager.Stats().Members == 0
	})
}
