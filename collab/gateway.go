package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	ChannelTypeCollab  = "collab"
	ChannelTypeMetrics = "metrics"
)

var ErrMissingTemplateId = errors.New("missing template id")

type GatewaySettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	// clients ping every 30s. A connection silent for this long is closed
	ReadTimeout time.Duration
	// per connection outbound queue. A full queue skips the send
	SendBufferSize  int
	MaxMessageSize  int64
	MessageRate     rate.Limit
	MessageBurst    int
	MetricsInterval time.Duration
	// empty allows any origin
	AllowedOrigins []string
	Version        string
	Host           string
}

func DefaultGatewaySettings() *GatewaySettings {
	return &GatewaySettings{
		WsHandshakeTimeout: 5 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        2 * time.Minute,
		SendBufferSize:     64,
		MaxMessageSize:     64 * 1024,
		MessageRate:        50,
		MessageBurst:       100,
		MetricsInterval:    5 * time.Second,
		AllowedOrigins:     []string{},
		Version:            LocalVersion,
	}
}

// accepts websocket connections, classifies them by channel type,
// and dispatches collaboration messages to the room manager
// the gateway has no business logic of its own
type Gateway struct {
	ctx    context.Context
	cancel context.CancelFunc

	roomManager    *RoomManager
	metrics        *GatewayMetrics
	metricsChannel *MetricsChannel

	settings *GatewaySettings

	upgrader *websocket.Upgrader
	router   *mux.Router
}

func NewGateway(ctx context.Context, roomManager *RoomManager, settings *GatewaySettings) *Gateway {
	cancelCtx, cancel := context.WithCancel(ctx)

	metrics := NewGatewayMetrics(roomManager)

	gateway := &Gateway{
		ctx:            cancelCtx,
		cancel:         cancel,
		roomManager:    roomManager,
		metrics:        metrics,
		metricsChannel: NewMetricsChannel(cancelCtx, settings.MetricsInterval, metrics.Snapshot),
		settings:       settings,
	}

	gateway.upgrader = &websocket.Upgrader{
		HandshakeTimeout: settings.WsHandshakeTimeout,
		CheckOrigin:      gateway.checkOrigin,
	}

	router := mux.NewRouter()
	router.HandleFunc("/ws", gateway.handleWs).Methods(http.MethodGet)
	router.HandleFunc("/ws/{type}", gateway.handleWs).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/health", gateway.handleHealth).Methods(http.MethodGet)
	gateway.router = router

	return gateway
}

func (self *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	self.router.ServeHTTP(w, r)
}

func (self *Gateway) Metrics() *GatewayMetrics {
	return self.metrics
}

func (self *Gateway) MetricsChannel() *MetricsChannel {
	return self.metricsChannel
}

func (self *Gateway) Close() {
	self.cancel()
}

func (self *Gateway) checkOrigin(r *http.Request) bool {
	if len(self.settings.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(self.settings.AllowedOrigins, r.Header.Get("Origin"))
}

func (self *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	type HealthResult struct {
		Status  string `json:"status"`
		Version string `json:"version"`
		Rooms   int    `json:"rooms"`
		Members int    `json:"members"`
		Host    string `json:"host,omitempty"`
	}

	stats := self.roomManager.Stats()
	result := &HealthResult{
		Status:  "ok",
		Version: self.settings.Version,
		Rooms:   stats.Rooms,
		Members: stats.Members,
		Host:    self.settings.Host,
	}

	responseJson, err := json.Marshal(result)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(responseJson)
}

func (self *Gateway) handleWs(w http.ResponseWriter, r *http.Request) {
	// path discriminator wins over the `type` parameter
	channelType := mux.Vars(r)["type"]
	if channelType == "" {
		channelType = r.URL.Query().Get("type")
	}
	if channelType == "" {
		channelType = ChannelTypeCollab
	}

	switch channelType {
	case ChannelTypeCollab:
		self.serveCollab(w, r)
	case ChannelTypeMetrics:
		self.serveMetrics(w, r)
	default:
		http.Error(w, fmt.Sprintf("unknown channel type \"%s\"", channelType), http.StatusBadRequest)
	}
}

type Handshake struct {
	TemplateId string
	UserId     string
	Username   string
	Avatar     string
}

// reads the routing parameters of a collaboration connection
// a `token` parameter supplies identity claims, explicit parameters take precedence
func ParseHandshake(r *http.Request) (*Handshake, error) {
	query := r.URL.Query()

	handshake := &Handshake{
		TemplateId: query.Get("templateId"),
		UserId:     query.Get("userId"),
		Username:   query.Get("username"),
		Avatar:     query.Get("avatar"),
	}

	if token := query.Get("token"); token != "" {
		identityJwt, err := ParseIdentityJwtUnverified(token)
		if err != nil {
			glog.Infof("[gw]handshake token error = %s\n", err)
		} else {
			if handshake.UserId == "" {
				handshake.UserId = identityJwt.UserId
			}
			if handshake.Username == "" {
				handshake.Username = identityJwt.Username
			}
			if handshake.Avatar == "" {
				handshake.Avatar = identityJwt.Avatar
			}
		}
	}

	if handshake.UserId == "" {
		handshake.UserId = fmt.Sprintf("anon-%s", NewId())
	}

	if handshake.TemplateId == "" {
		return handshake, ErrMissingTemplateId
	}
	return handshake, nil
}

func (self *Gateway) serveCollab(w http.ResponseWriter, r *http.Request) {
	handshake, handshakeErr := ParseHandshake(r)

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already replied with an http error
		glog.Infof("[gw]upgrade error = %s\n", err)
		return
	}

	if handshakeErr != nil {
		glog.Infof("[gw]reject %s = %s\n", r.RemoteAddr, handshakeErr)
		closeMessage := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, handshakeErr.Error())
		ws.WriteControl(websocket.CloseMessage, closeMessage, time.Now().Add(self.settings.WriteTimeout))
		ws.Close()
		return
	}

	conn := newServerConn(self.ctx, ws, self.settings)
	session := &collabSession{
		gateway:   self,
		conn:      conn,
		handshake: handshake,
		log:       SubLogFn(LogFn(2, "gw"), fmt.Sprintf("%s %s", handshake.TemplateId, handshake.UserId)),
	}

	self.metrics.connectionOpened(ChannelTypeCollab)
	defer self.metrics.connectionClosed()
	glog.V(1).Infof("[gw]open %s %s %s\n", conn.connectionId, handshake.TemplateId, handshake.UserId)

	defer session.leave()
	defer conn.Close()

	conn.readLoop(func(message []byte) {
		HandleError(func() {
			session.dispatch(message)
		})
	}, self.metrics)

	glog.V(1).Infof("[gw]closed %s %s %s\n", conn.connectionId, handshake.TemplateId, handshake.UserId)
}

func (self *Gateway) serveMetrics(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[gw]upgrade error = %s\n", err)
		return
	}

	conn := newServerConn(self.ctx, ws, self.settings)
	defer conn.Close()

	self.metrics.connectionOpened(ChannelTypeMetrics)
	defer self.metrics.connectionClosed()

	subscriptionId := self.metricsChannel.Subscribe(conn)
	defer self.metricsChannel.Unsubscribe(subscriptionId)

	// subscribers have nothing to say. Read only to observe the close
	conn.readLoop(func(message []byte) {}, nil)
}

// one collaboration connection bound to a (template, user) pairing
type collabSession struct {
	gateway   *Gateway
	conn      *serverConn
	handshake *Handshake

	log LogFunction
}

func (self *collabSession) dispatch(message []byte) {
	roomManager := self.gateway.roomManager
	metrics := self.gateway.metrics
	templateId := self.handshake.TemplateId
	userId := self.handshake.UserId

	envelope, err := ParseEnvelope(message)
	if err != nil {
		glog.Infof("[gw]%s %s drop malformed = %s\n", templateId, userId, err)
		metrics.messageDropped(DropReasonMalformed)
		return
	}
	metrics.messageIn(envelope.Type)
	self.log("<- %s", envelope.Type)

	decode := func(v any) bool {
		if err := envelope.DecodeData(v); err != nil {
			glog.Infof("[gw]%s %s drop malformed %s = %s\n", templateId, userId, envelope.Type, err)
			metrics.messageDropped(DropReasonMalformed)
			return false
		}
		return true
	}

	switch envelope.Type {
	case MessageTypeJoin:
		var joinData JoinData
		if !decode(&joinData) {
			return
		}
		username := firstNonEmpty(envelope.Username, joinData.Username, self.handshake.Username)
		avatar := firstNonEmpty(envelope.Avatar, joinData.Avatar, self.handshake.Avatar)
		roomManager.Join(templateId, userId, username, avatar, self.conn)
	case MessageTypeCursorUpdate:
		var update CursorUpdate
		if !decode(&update) {
			return
		}
		roomManager.UpdateCursor(templateId, userId, update)
	case MessageTypeTemplateChange:
		var changeData ChangeData
		if !decode(&changeData) {
			return
		}
		roomManager.RecordChange(templateId, userId, changeData)
	case MessageTypeGetState:
		roomManager.Snapshot(templateId, userId, self.conn)
	case MessageTypePing:
		roomManager.Heartbeat(templateId, userId)
	case MessageTypeLeave:
		self.leave()
	default:
		// unknown types are ignored, not errors
		self.log("ignore %s", envelope.Type)
	}
}

// runs on a `leave` message and again on close, since the connection may have rejoined in between
// a no-op when this connection is no longer the user's peer
func (self *collabSession) leave() {
	self.gateway.roomManager.LeavePeer(self.handshake.TemplateId, self.handshake.UserId, self.conn)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

// a server side websocket with a bounded outbound queue drained by one writer goroutine
// implements `Peer`
type serverConn struct {
	ctx    context.Context
	cancel context.CancelFunc

	connectionId Id
	ws           *websocket.Conn
	send         chan []byte

	settings *GatewaySettings
}

func newServerConn(ctx context.Context, ws *websocket.Conn, settings *GatewaySettings) *serverConn {
	cancelCtx, cancel := context.WithCancel(ctx)
	conn := &serverConn{
		ctx:          cancelCtx,
		cancel:       cancel,
		connectionId: NewId(),
		ws:           ws,
		send:         make(chan []byte, settings.SendBufferSize),
		settings:     settings,
	}
	go conn.writeLoop()
	return conn
}

func (self *serverConn) Send(message []byte) bool {
	select {
	case <-self.ctx.Done():
		return false
	default:
	}
	select {
	case self.send <- message:
		return true
	default:
		glog.Infof("[gw]send drop %s queue full\n", self.connectionId)
		return false
	}
}

func (self *serverConn) Close() {
	self.cancel()
}

func (self *serverConn) writeLoop() {
	defer func() {
		self.cancel()
		// unblocks the reader
		self.ws.Close()
	}()

	for {
		select {
		case <-self.ctx.Done():
			closeMessage := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			self.ws.WriteControl(websocket.CloseMessage, closeMessage, time.Now().Add(self.settings.WriteTimeout))
			return
		case message := <-self.send:
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				// note that for websocket a deadline timeout cannot be recovered
				glog.Infof("[gw]%s-> error = %s\n", self.connectionId, err)
				return
			}
			glog.V(2).Infof("[gw]%s->\n", self.connectionId)
		}
	}
}

// reads until the connection fails or is closed
// `metrics` may be nil, in which case no rate limit applies
func (self *serverConn) readLoop(handle func(message []byte), metrics *GatewayMetrics) {
	defer self.cancel()

	self.ws.SetReadLimit(self.settings.MaxMessageSize)
	limiter := rate.NewLimiter(self.settings.MessageRate, self.settings.MessageBurst)

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) && metrics != nil {
				metrics.messageDropped(DropReasonSize)
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				glog.Infof("[gw]%s<- error = %s\n", self.connectionId, err)
			}
			return
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
		default:
			continue
		}

		if metrics != nil && !limiter.Allow() {
			glog.Infof("[gw]%s<- drop over rate\n", self.connectionId)
			metrics.messageDropped(DropReasonRate)
			continue
		}

		handle(message)
	}
}
