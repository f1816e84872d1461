package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

var ErrNotOpen = errors.New("transport not open")

type AgentState int

const (
	AgentStateIdle AgentState = iota
	AgentStateConnecting
	AgentStateJoined
	AgentStateReconnecting
	AgentStateClosed
)

func (self AgentState) String() string {
	switch self {
	case AgentStateIdle:
		return "idle"
	case AgentStateConnecting:
		return "connecting"
	case AgentStateJoined:
		return "joined"
	case AgentStateReconnecting:
		return "reconnecting"
	case AgentStateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

type AgentIdentity struct {
	Username string
	Avatar   string
}

type SessionAgentSettings struct {
	HeartbeatInterval time.Duration
	// delay after the open transport closes
	ReconnectTimeout time.Duration
	// delay after the transport could not be established
	ErrorReconnectTimeout time.Duration
	WsHandshakeTimeout    time.Duration
	WriteTimeout          time.Duration
	EventBufferSize       int
}

func DefaultSessionAgentSettings() *SessionAgentSettings {
	return &SessionAgentSettings{
		HeartbeatInterval:     30 * time.Second,
		ReconnectTimeout:      2 * time.Second,
		ErrorReconnectTimeout: 3 * time.Second,
		WsHandshakeTimeout:    5 * time.Second,
		WriteTimeout:          5 * time.Second,
		EventBufferSize:       32,
	}
}

// the editor side of one logical collaboration session for a (template, user) pair
// the session survives transport drops by rejoining, and ends only on `Close`.
//
// All state transitions, timers and inbound messages run on a single event loop goroutine.
// Reader and dial goroutines only post events to the loop. Public methods may be called
// from any goroutine. Callbacks run on the loop and must not call `Close`.
type SessionAgent struct {
	ctx    context.Context
	cancel context.CancelFunc

	serverUrl  string
	templateId string
	userId     string
	identity   AgentIdentity

	settings *SessionAgentSettings
	dialer   *websocket.Dialer

	events chan func()
	// dial and reader goroutines. The loop drains events until these exit
	workers sync.WaitGroup
	done    chan struct{}

	// owned by the loop
	generation     uint64
	heartbeat      *time.Ticker
	reconnectTimer *time.Timer

	stateLock sync.Mutex
	state     AgentState
	// the open transport, nil unless joined
	ws                   *websocket.Conn
	users                []User
	cursors              map[string]CursorPosition
	remoteChangeCallback func(user ChangeUser, change TemplateChange)

	writeLock sync.Mutex

	stateCallbacks    *CallbackList[func(AgentState)]
	presenceCallbacks *CallbackList[func([]User)]
}

func NewSessionAgentWithDefaults(
	ctx context.Context,
	serverUrl string,
	templateId string,
	userId string,
	identity AgentIdentity,
) *SessionAgent {
	return NewSessionAgent(ctx, serverUrl, templateId, userId, identity, DefaultSessionAgentSettings())
}

func NewSessionAgent(
	ctx context.Context,
	serverUrl string,
	templateId string,
	userId string,
	identity AgentIdentity,
	settings *SessionAgentSettings,
) *SessionAgent {
	cancelCtx, cancel := context.WithCancel(ctx)
	agent := &SessionAgent{
		ctx:        cancelCtx,
		cancel:     cancel,
		serverUrl:  serverUrl,
		templateId: templateId,
		userId:     userId,
		identity:   identity,
		settings:   settings,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: settings.WsHandshakeTimeout,
		},
		events:            make(chan func(), settings.EventBufferSize),
		done:              make(chan struct{}),
		state:             AgentStateIdle,
		users:             []User{},
		cursors:           map[string]CursorPosition{},
		stateCallbacks:    NewCallbackList[func(AgentState)](),
		presenceCallbacks: NewCallbackList[func([]User)](),
	}
	go agent.run()
	return agent
}

// Idle -> Connecting, or an immediate retry while reconnecting
// returns false when the template id or user id is missing. The agent then stays idle.
func (self *SessionAgent) Connect() bool {
	if self.templateId == "" || self.userId == "" {
		glog.Infof("[a]connect requires a template id and user id\n")
		return false
	}
	return self.post(func() {
		switch self.State() {
		case AgentStateIdle:
			self.connect()
		case AgentStateReconnecting:
			self.stopReconnect()
			self.connect()
		}
	})
}

// tears down the session and waits for the event loop to exit
// no connection attempt or heartbeat happens after `Close` returns
func (self *SessionAgent) Close() {
	self.cancel()
	<-self.done
}

func (self *SessionAgent) Done() <-chan struct{} {
	return self.done
}

func (self *SessionAgent) EmitCursor(update CursorUpdate) error {
	return self.sendData(MessageTypeCursorUpdate, update)
}

func (self *SessionAgent) EmitChange(changeData ChangeData) error {
	return self.sendData(MessageTypeTemplateChange, changeData)
}

// asks the server for a fresh `room_state`
func (self *SessionAgent) RequestState() error {
	return self.sendEnvelope(&Envelope{Type: MessageTypeGetState})
}

// replaces any previous registration. nil clears it
func (self *SessionAgent) SetRemoteChangeCallback(callback func(user ChangeUser, change TemplateChange)) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.remoteChangeCallback = callback
}

// connection level status for the host UI, e.g. a reconnecting indicator
func (self *SessionAgent) AddStateCallback(callback func(AgentState)) func() {
	return self.stateCallbacks.Add(callback)
}

// called with the roster after every `room_state` or `user_list`
func (self *SessionAgent) AddPresenceCallback(callback func([]User)) func() {
	return self.presenceCallbacks.Add(callback)
}

func (self *SessionAgent) State() AgentState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *SessionAgent) Connected() bool {
	return self.State() == AgentStateJoined
}

// the last roster received. While reconnecting this is stale, not cleared
func (self *SessionAgent) Users() []User {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	users := make([]User, len(self.users))
	copy(users, self.users)
	return users
}

// user id -> cursor
func (self *SessionAgent) Cursors() map[string]CursorPosition {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	cursors := make(map[string]CursorPosition, len(self.cursors))
	for userId, cursor := range self.cursors {
		cursors[userId] = cursor
	}
	return cursors
}

func (self *SessionAgent) post(event func()) bool {
	select {
	case <-self.ctx.Done():
		return false
	default:
	}
	select {
	case <-self.ctx.Done():
		return false
	case self.events <- event:
		return true
	}
}

// workers post unconditionally. The loop drains events until all workers exit
func (self *SessionAgent) postFromWorker(event func()) {
	self.events <- event
}

func (self *SessionAgent) run() {
	defer close(self.done)

	self.loop()

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		self.workers.Wait()
	}()
	for {
		select {
		case event := <-self.events:
			event()
		case <-workersDone:
			return
		}
	}
}

func (self *SessionAgent) loop() {
	defer self.teardown()

	for {
		var heartbeatC <-chan time.Time
		if self.heartbeat != nil {
			heartbeatC = self.heartbeat.C
		}
		var reconnectC <-chan time.Time
		if self.reconnectTimer != nil {
			reconnectC = self.reconnectTimer.C
		}

		select {
		case <-self.ctx.Done():
			return
		case event := <-self.events:
			event()
		case <-heartbeatC:
			self.sendEnvelope(&Envelope{Type: MessageTypePing})
		case <-reconnectC:
			self.reconnectTimer = nil
			self.connect()
		}
	}
}

// any state -> Closed
// each release step runs even if an earlier one fails
func (self *SessionAgent) teardown() {
	defer self.setState(AgentStateClosed)
	defer self.closeTransport()
	defer self.stopReconnect()
	defer self.stopHeartbeat()

	// in-flight dials and readers of the current transport become stale
	self.generation += 1

	if self.transport() != nil {
		if err := self.sendEnvelope(&Envelope{Type: MessageTypeLeave}); err != nil {
			glog.Infof("[a]leave error = %s\n", err)
		}
	}
}

func (self *SessionAgent) connect() {
	self.generation += 1
	generation := self.generation

	self.setState(AgentStateConnecting)

	connectUrl, err := self.connectUrl()
	if err != nil {
		glog.Infof("[a]connect url error = %s\n", err)
		self.setState(AgentStateReconnecting)
		self.scheduleReconnect(self.settings.ErrorReconnectTimeout)
		return
	}

	self.workers.Add(1)
	go func() {
		defer self.workers.Done()

		dial := func() (*websocket.Conn, error) {
			ws, _, err := self.dialer.DialContext(self.ctx, connectUrl, nil)
			return ws, err
		}
		var ws *websocket.Conn
		var err error
		if glog.V(2) {
			ws, err = TraceWithReturnError(fmt.Sprintf("[a]connect %s %s", self.templateId, self.userId), dial)
		} else {
			ws, err = dial()
		}
		self.postFromWorker(func() {
			self.onDial(generation, ws, err)
		})
	}()
}

func (self *SessionAgent) connectUrl() (string, error) {
	u, err := url.Parse(self.serverUrl)
	if err != nil {
		return "", err
	}
	query := u.Query()
	query.Set("templateId", self.templateId)
	query.Set("userId", self.userId)
	if self.identity.Username != "" {
		query.Set("username", self.identity.Username)
	}
	if self.identity.Avatar != "" {
		query.Set("avatar", self.identity.Avatar)
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

func (self *SessionAgent) onDial(generation uint64, ws *websocket.Conn, err error) {
	if generation != self.generation {
		// torn down or superseded while dialing
		if ws != nil {
			ws.Close()
		}
		return
	}
	if err != nil {
		glog.Infof("[a]connect error %s %s = %s\n", self.templateId, self.userId, err)
		self.setState(AgentStateReconnecting)
		self.scheduleReconnect(self.settings.ErrorReconnectTimeout)
		return
	}

	self.stateLock.Lock()
	self.ws = ws
	self.stateLock.Unlock()

	self.workers.Add(1)
	go self.readLoop(generation, ws)

	self.setState(AgentStateJoined)
	self.sendEnvelope(&Envelope{
		Type:     MessageTypeJoin,
		Username: self.identity.Username,
		Avatar:   self.identity.Avatar,
	})
	self.startHeartbeat()
}

func (self *SessionAgent) readLoop(generation uint64, ws *websocket.Conn) {
	defer self.workers.Done()

	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			self.postFromWorker(func() {
				self.onClose(generation, err)
			})
			return
		}
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			self.postFromWorker(func() {
				if generation == self.generation {
					self.handleMessage(message)
				}
			})
		}
	}
}

// Joined -> Reconnecting
// a close and an error are treated the same
func (self *SessionAgent) onClose(generation uint64, err error) {
	if generation != self.generation {
		return
	}
	glog.Infof("[a]disconnected %s %s = %s\n", self.templateId, self.userId, err)
	self.stopHeartbeat()
	self.closeTransport()
	self.setState(AgentStateReconnecting)
	self.scheduleReconnect(self.settings.ReconnectTimeout)
}

func (self *SessionAgent) handleMessage(message []byte) {
	envelope, err := ParseEnvelope(message)
	if err != nil {
		glog.Infof("[a]drop malformed = %s\n", err)
		return
	}

	decode := func(v any) bool {
		if err := envelope.DecodeData(v); err != nil {
			glog.Infof("[a]drop malformed %s = %s\n", envelope.Type, err)
			return false
		}
		return true
	}

	switch envelope.Type {
	case MessageTypeRoomState:
		var snapshot RoomSnapshot
		if !decode(&snapshot) {
			return
		}
		cursors := map[string]CursorPosition{}
		for _, cursor := range snapshot.CursorPositions {
			cursors[cursor.UserId] = cursor
		}
		self.stateLock.Lock()
		self.users = nonNilUsers(snapshot.Users)
		self.cursors = cursors
		self.stateLock.Unlock()
		self.notifyPresence()
	case MessageTypeUserList:
		var users []User
		if !decode(&users) {
			return
		}
		self.stateLock.Lock()
		self.users = nonNilUsers(users)
		self.stateLock.Unlock()
		self.notifyPresence()
	case MessageTypeCursorUpdate:
		var cursorBroadcast CursorBroadcast
		if !decode(&cursorBroadcast) {
			return
		}
		cursor := cursorBroadcast.CursorPosition
		cursor.UserId = cursorBroadcast.User.Id
		self.stateLock.Lock()
		self.cursors[cursor.UserId] = cursor
		self.stateLock.Unlock()
	case MessageTypeTemplateChange:
		var changeBroadcast ChangeBroadcast
		if !decode(&changeBroadcast) {
			return
		}
		self.stateLock.Lock()
		callback := self.remoteChangeCallback
		self.stateLock.Unlock()
		if callback != nil {
			// the host applies the change to its own document model
			HandleError(func() {
				callback(changeBroadcast.User, changeBroadcast.ChangeData)
			})
		}
	default:
		// unrecognized types are ignored
	}
}

func nonNilUsers(users []User) []User {
	if users == nil {
		return []User{}
	}
	return users
}

func (self *SessionAgent) sendData(messageType string, data any) error {
	dataJson, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return self.sendEnvelope(&Envelope{
		Type: messageType,
		Data: dataJson,
	})
}

// fire and forget. Nothing is buffered while the transport is not open
func (self *SessionAgent) sendEnvelope(envelope *Envelope) error {
	ws := self.transport()
	if ws == nil {
		glog.Warningf("[a]drop %s %s\n", envelope.Type, ErrNotOpen)
		return ErrNotOpen
	}

	message, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
		glog.Infof("[a]%s-> error = %s\n", envelope.Type, err)
		// the reader observes the close and the loop reconnects
		ws.Close()
		return err
	}
	glog.V(2).Infof("[a]%s->\n", envelope.Type)
	return nil
}

func (self *SessionAgent) transport() *websocket.Conn {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.ws
}

func (self *SessionAgent) closeTransport() {
	self.stateLock.Lock()
	ws := self.ws
	self.ws = nil
	self.stateLock.Unlock()

	if ws != nil {
		self.writeLock.Lock()
		closeMessage := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		ws.WriteControl(websocket.CloseMessage, closeMessage, time.Now().Add(self.settings.WriteTimeout))
		self.writeLock.Unlock()
		ws.Close()
	}
}

func (self *SessionAgent) startHeartbeat() {
	self.stopHeartbeat()
	self.heartbeat = time.NewTicker(self.settings.HeartbeatInterval)
}

func (self *SessionAgent) stopHeartbeat() {
	if self.heartbeat != nil {
		self.heartbeat.Stop()
		self.heartbeat = nil
	}
}

// at most one reconnect may be pending
func (self *SessionAgent) scheduleReconnect(timeout time.Duration) {
	if self.reconnectTimer != nil {
		return
	}
	self.reconnectTimer = time.NewTimer(timeout)
}

func (self *SessionAgent) stopReconnect() {
	if self.reconnectTimer != nil {
		self.reconnectTimer.Stop()
		self.reconnectTimer = nil
	}
}

func (self *SessionAgent) setState(state AgentState) {
	self.stateLock.Lock()
	changed := self.state != state
	self.state = state
	self.stateLock.Unlock()

	if changed {
		glog.V(1).Infof("[a]%s %s %s\n", self.templateId, self.userId, state)
		for _, callback := range self.stateCallbacks.Get() {
			HandleError(func() {
				callback(state)
			})
		}
	}
}

func (self *SessionAgent) notifyPresence() {
	users := self.Users()
	for _, callback := range self.presenceCallbacks.Get() {
		HandleError(func() {
			callback(users)
		})
	}
}
