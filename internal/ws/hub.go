// Package ws delivers bus events to users' live websocket sessions.
package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"healthai/internal/pubsub"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
	replayMax  = 100
)

// Replayer serves missed events after a reconnect
type Replayer interface {
	Replay(ctx context.Context, channel string, sinceSeq int64, limit int64) ([]pubsub.StreamEvent, error)
	Acknowledge(ctx context.Context, channel, connectionID string, sequence int64) error
}

// Authorizer decides whether userID may subscribe to channel
type Authorizer func(ctx context.Context, userID, channel string) bool

// Hub manages connections and their channel subscriptions
type Hub struct {
	mu        sync.RWMutex
	conns     map[*Conn]bool
	subs      map[string]map[*Conn]bool // channel -> connections
	publish   chan Event
	log       *zap.Logger
	replay    Replayer
	authorize Authorizer
}

// Conn is one websocket session of an authenticated user
type Conn struct {
	ws     *websocket.Conn
	send   chan []byte
	hub    *Hub
	userID string
	subs   map[string]bool
	closed bool
}

// Event is a message routed to a channel's subscribers
type Event struct {
	Channel string
	Message map[string]interface{}
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		conns:   make(map[*Conn]bool),
		subs:    make(map[string]map[*Conn]bool),
		publish: make(chan Event, sendBuffer),
		log:     log,
	}
}

// SetReplayer enables resume and ack messages
func (h *Hub) SetReplayer(r Replayer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.replay = r
}

// SetAuthorizer gates subscriptions beyond the user's own channel
func (h *Hub) SetAuthorizer(a Authorizer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.authorize = a
}

// Run routes published events until ctx is done
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case event := <-h.publish:
			h.deliver(event)
		}
	}
}

func (h *Hub) deliver(event Event) {
	msg, err := json.Marshal(map[string]interface{}{
		"type":    "event",
		"channel": event.Channel,
		"data":    event.Message,
		"seq":     event.Message["seq"],
	})
	if err != nil {
		h.log.Warn("Failed to marshal event", zap.String("channel", event.Channel), zap.Error(err))
		return
	}

	h.mu.RLock()
	var slow []*Conn
	for conn := range h.subs[event.Channel] {
		select {
		case conn.send <- msg:
		default:
			slow = append(slow, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range slow {
		h.log.Warn("Dropping slow websocket connection", zap.String("user_id", conn.userID))
		h.unregister(conn)
	}
}

// Register adds the connection and subscribes it to its user's channel
func (h *Hub) Register(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = true
	h.addSub(conn, pubsub.UserChannel(conn.userID))
}

func (h *Hub) unregister(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.conns[conn] {
		return
	}
	delete(h.conns, conn)
	for channel := range conn.subs {
		h.removeSub(conn, channel)
	}
	conn.closed = true
	close(conn.send)
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()
	for _, conn := range conns {
		h.unregister(conn)
	}
}

// removeSub expects h.mu held
func (h *Hub) removeSub(conn *Conn, channel string) {
	if subs := h.subs[channel]; subs != nil {
		delete(subs, conn)
		if len(subs) == 0 {
			delete(h.subs, channel)
		}
	}
	delete(conn.subs, channel)
}

func (h *Hub) Subscribe(conn *Conn, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.conns[conn] {
		return
	}
	h.addSub(conn, channel)
}

// addSub expects h.mu held
func (h *Hub) addSub(conn *Conn, channel string) {
	if h.subs[channel] == nil {
		h.subs[channel] = make(map[*Conn]bool)
	}
	h.subs[channel][conn] = true
	conn.subs[channel] = true
}

func (h *Hub) Unsubscribe(conn *Conn, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeSub(conn, channel)
}

func (h *Hub) subscribed(conn *Conn, channel string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return conn.subs[channel]
}

// Publish queues an event for the channel's subscribers
func (h *Hub) Publish(channel string, message map[string]interface{}) {
	select {
	case h.publish <- Event{Channel: channel, Message: message}:
	default:
		h.log.Warn("Hub publish channel full, dropping event", zap.String("channel", channel))
	}
}

// Connections reports the number of live sessions
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// allowed reports whether conn may join channel
func (h *Hub) allowed(ctx context.Context, conn *Conn, channel string) bool {
	if channel == pubsub.UserChannel(conn.userID) {
		return true
	}
	h.mu.RLock()
	authorize := h.authorize
	h.mu.RUnlock()
	return authorize != nil && authorize(ctx, conn.userID, channel)
}

func (h *Hub) acknowledge(ctx context.Context, conn *Conn, channel string, seq int64) {
	h.mu.RLock()
	r := h.replay
	h.mu.RUnlock()
	if r == nil {
		return
	}
	if err := r.Acknowledge(ctx, channel, conn.userID, seq); err != nil {
		h.log.Warn("Failed to acknowledge sequence",
			zap.String("channel", channel),
			zap.Int64("sequence", seq),
			zap.Error(err),
		)
	}
}

// resume replays events after sinceSeq to conn
func (h *Hub) resume(ctx context.Context, conn *Conn, channel string, sinceSeq int64) {
	h.mu.RLock()
	r := h.replay
	h.mu.RUnlock()
	if r == nil {
		conn.reply("error", channel, "replay is not available")
		return
	}

	events, err := r.Replay(ctx, channel, sinceSeq, replayMax)
	if err != nil {
		h.log.Error("Failed to replay events", zap.String("channel", channel), zap.Int64("since", sinceSeq), zap.Error(err))
		conn.reply("error", channel, "replay failed")
		return
	}

	for _, event := range events {
		msg, _ := json.Marshal(map[string]interface{}{
			"type":    "event",
			"channel": event.Channel,
			"seq":     event.Sequence,
			"data":    event.Event,
			"replay":  true,
		})
		if !conn.enqueue(msg) {
			h.log.Warn("Connection buffer full during replay", zap.String("user_id", conn.userID))
			return
		}
	}

	h.log.Debug("Resumed events",
		zap.String("channel", channel),
		zap.String("user_id", conn.userID),
		zap.Int64("since", sinceSeq),
		zap.Int("count", len(events)),
	)
}
