package collab

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// drop reasons for inbound messages
const (
	DropReasonMalformed = "malformed"
	DropReasonRate      = "rate"
	DropReasonSize      = "size"
)

type MetricsSnapshot struct {
	Rooms           int       `json:"rooms"`
	Members         int       `json:"members"`
	Connections     int64     `json:"connections"`
	MessagesIn      uint64    `json:"messagesIn"`
	MessagesDropped uint64    `json:"messagesDropped"`
	SendsSkipped    uint64    `json:"sendsSkipped"`
	Timestamp       time.Time `json:"timestamp"`
}

// gateway counters, exported on a registry owned by the gateway
type GatewayMetrics struct {
	roomManager *RoomManager

	registry *prometheus.Registry

	connectionCount atomic.Int64
	messagesIn      atomic.Uint64
	messagesDropped atomic.Uint64

	connectionsByType *prometheus.CounterVec
	messagesByType    *prometheus.CounterVec
	dropsByReason     *prometheus.CounterVec
}

func NewGatewayMetrics(roomManager *RoomManager) *GatewayMetrics {
	metrics := &GatewayMetrics{
		roomManager: roomManager,
		registry:    prometheus.NewRegistry(),
		connectionsByType: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "collab",
				Name:      "connections_total",
				Help:      "Accepted websocket connections by channel type.",
			},
			[]string{"type"},
		),
		messagesByType: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "collab",
				Name:      "messages_in_total",
				Help:      "Inbound collaboration messages by message type.",
			},
			[]string{"type"},
		),
		dropsByReason: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "collab",
				Name:      "messages_dropped_total",
				Help:      "Inbound messages dropped before dispatch.",
			},
			[]string{"reason"},
		),
	}

	metrics.registry.MustRegister(
		metrics.connectionsByType,
		metrics.messagesByType,
		metrics.dropsByReason,
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "collab",
				Name:      "connections_open",
				Help:      "Currently open websocket connections.",
			},
			func() float64 { return float64(metrics.connectionCount.Load()) },
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "collab",
				Name:      "rooms",
				Help:      "Live editing rooms.",
			},
			func() float64 { return float64(roomManager.Stats().Rooms) },
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "collab",
				Name:      "members",
				Help:      "Members across all live rooms.",
			},
			func() float64 { return float64(roomManager.Stats().Members) },
		),
		prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: "collab",
				Name:      "sends_skipped_total",
				Help:      "Outbound sends skipped because the peer was not writable.",
			},
			func() float64 { return float64(roomManager.Stats().Skipped) },
		),
	)

	return metrics
}

func (self *GatewayMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(self.registry, promhttp.HandlerOpts{})
}

func (self *GatewayMetrics) connectionOpened(channelType string) {
	self.connectionCount.Add(1)
	self.connectionsByType.WithLabelValues(channelType).Inc()
}

func (self *GatewayMetrics) connectionClosed() {
	self.connectionCount.Add(-1)
}

func (self *GatewayMetrics) messageIn(messageType string) {
	self.messagesIn.Add(1)
	switch messageType {
	case MessageTypeJoin,
		MessageTypeCursorUpdate,
		MessageTypeTemplateChange,
		MessageTypeGetState,
		MessageTypePing,
		MessageTypeLeave:
	default:
		// client supplied, keep the label set bounded
		messageType = "other"
	}
	self.messagesByType.WithLabelValues(messageType).Inc()
}

func (self *GatewayMetrics) messageDropped(reason string) {
	self.messagesDropped.Add(1)
	self.dropsByReason.WithLabelValues(reason).Inc()
}

func (self *GatewayMetrics) Snapshot() *MetricsSnapshot {
	stats := self.roomManager.Stats()
	return &MetricsSnapshot{
		Rooms:           stats.Rooms,
		Members:         stats.Members,
		Connections:     self.connectionCount.Load(),
		MessagesIn:      self.messagesIn.Load(),
		MessagesDropped: self.messagesDropped.Load(),
		SendsSkipped:    stats.Skipped,
		Timestamp:       time.Now(),
	}
}

// same peer set + broadcast pattern as a room, with a statistics payload
// subscribers receive `metrics` on subscribe and then every interval
type MetricsChannel struct {
	ctx    context.Context
	cancel context.CancelFunc

	interval time.Duration
	snapshot func() *MetricsSnapshot

	stateLock sync.Mutex
	peers     map[Id]Peer
}

func NewMetricsChannel(ctx context.Context, interval time.Duration, snapshot func() *MetricsSnapshot) *MetricsChannel {
	cancelCtx, cancel := context.WithCancel(ctx)
	metricsChannel := &MetricsChannel{
		ctx:      cancelCtx,
		cancel:   cancel,
		interval: interval,
		snapshot: snapshot,
		peers:    map[Id]Peer{},
	}
	go metricsChannel.run()
	return metricsChannel
}

func (self *MetricsChannel) Subscribe(peer Peer) Id {
	subscriptionId := NewId()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.peers[subscriptionId] = peer
	peer.Send(RequireEncodeMessage(MessageTypeMetrics, self.snapshot()))
	glog.V(1).Infof("[mc]subscribe %s\n", subscriptionId)
	return subscriptionId
}

func (self *MetricsChannel) Unsubscribe(subscriptionId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.peers, subscriptionId)
	glog.V(1).Infof("[mc]unsubscribe %s\n", subscriptionId)
}

func (self *MetricsChannel) SubscriberCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.peers)
}

func (self *MetricsChannel) run() {
	defer self.cancel()

	ticker := time.NewTicker(self.interval)
	defer ticker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
		}

		HandleError(func() {
			message := RequireEncodeMessage(MessageTypeMetrics, self.snapshot())

			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			if result := BroadcastAll(self.peers, message); 0 < result.Skipped {
				glog.Infof("[mc]skipped %d subscribers\n", result.Skipped)
			}
		})
	}
}

func (self *MetricsChannel) Close() {
	self.cancel()
}
