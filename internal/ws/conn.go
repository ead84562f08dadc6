package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func NewConn(ws *websocket.Conn, hub *Hub, userID string) *Conn {
	return &Conn{
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		hub:    hub,
		userID: userID,
		subs:   make(map[string]bool),
	}
}

// enqueue sends without blocking; false when the buffer is full or closed
func (c *Conn) enqueue(msg []byte) bool {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Conn) reply(kind, channel, detail string) {
	msg := map[string]interface{}{"type": "ack", "ack": kind}
	if channel != "" {
		msg["channel"] = channel
	}
	if detail != "" {
		msg["error"] = detail
	}
	data, _ := json.Marshal(msg)
	c.enqueue(data)
}

// ReadPump reads client messages until the connection closes
func (c *Conn) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(64 * 1024)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("WebSocket error", zap.String("user_id", c.userID), zap.Error(err))
			}
			return
		}

		var msg map[string]interface{}
		if err := json.Unmarshal(message, &msg); err != nil {
			c.reply("error", "", "malformed message")
			continue
		}
		c.handleMessage(ctx, msg)
	}
}

// WritePump writes queued messages and keepalive pings
func (c *Conn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) handleMessage(ctx context.Context, msg map[string]interface{}) {
	msgType, _ := msg["type"].(string)
	channel, _ := msg["channel"].(string)

	switch msgType {
	case "subscribe":
		if channel == "" {
			c.reply("error", "", "channel is required")
			return
		}
		if !c.hub.allowed(ctx, c, channel) {
			c.reply("error", channel, "channel not found")
			return
		}
		c.hub.Subscribe(c, channel)
		c.reply("subscribed", channel, "")
	case "unsubscribe":
		c.hub.Unsubscribe(c, channel)
		c.reply("unsubscribed", channel, "")
	case "ack":
		seq, _ := msg["seq"].(float64)
		if seq > 0 && c.hub.subscribed(c, channel) {
			c.hub.acknowledge(ctx, c, channel, int64(seq))
		}
	case "resume":
		since, _ := msg["since"].(float64)
		if channel == "" || !c.hub.allowed(ctx, c, channel) {
			c.reply("error", channel, "channel not found")
			return
		}
		c.hub.resume(ctx, c, channel, int64(since))
	case "ping":
		c.reply("pong", "", "")
	default:
		c.reply("error", "", "unknown message type")
	}
}
