package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"healthai/internal/pubsub"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubReplayer struct {
	mu     sync.Mutex
	events []pubsub.StreamEvent
	acked  map[string]int64
}

func (r *stubReplayer) Replay(ctx context.Context, channel string, since, limit int64) ([]pubsub.StreamEvent, error) {
	var out []pubsub.StreamEvent
	for _, e := range r.events {
		if e.Channel == channel && e.Sequence > since {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *stubReplayer) Acknowledge(ctx context.Context, channel, connectionID string, seq int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acked[channel+"/"+connectionID] = seq
	return nil
}

func (r *stubReplayer) ackedSeq(key string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acked[key]
}

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewConn(ws, hub, r.URL.Query().Get("user"))
		hub.Register(conn)
		go conn.WritePump()
		go conn.ReadPump(ctx)
	}))
	t.Cleanup(srv.Close)
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user=" + user
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func readJSON(t *testing.T, c *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]interface{}
	require.NoError(t, c.ReadJSON(&msg))
	return msg
}

func waitConnections(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.Connections() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestUserChannelIsAutomatic(t *testing.T) {
	hub, srv := startHub(t)
	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")
	waitConnections(t, hub, 2)

	hub.Publish("user:alice", map[string]interface{}{"type": "analysis.completed", "seq": 3})

	msg := readJSON(t, alice)
	assert.Equal(t, "event", msg["type"])
	assert.Equal(t, "user:alice", msg["channel"])
	assert.Equal(t, float64(3), msg["seq"])

	require.NoError(t, bob.WriteJSON(map[string]interface{}{"type": "ping"}))
	assert.Equal(t, "pong", readJSON(t, bob)["ack"])
}

func TestSubscribeRequiresAuthorization(t *testing.T) {
	hub, srv := startHub(t)
	hub.SetAuthorizer(func(ctx context.Context, userID, channel string) bool {
		return userID == "alice" && channel == "analysis:7"
	})
	alice := dial(t, srv, "alice")
	waitConnections(t, hub, 1)

	require.NoError(t, alice.WriteJSON(map[string]interface{}{"type": "subscribe", "channel": "user:bob"}))
	denied := readJSON(t, alice)
	assert.Equal(t, "error", denied["ack"])

	require.NoError(t, alice.WriteJSON(map[string]interface{}{"type": "subscribe", "channel": "analysis:7"}))
	assert.Equal(t, "subscribed", readJSON(t, alice)["ack"])

	hub.Publish("analysis:7", map[string]interface{}{"type": "analysis.processing"})
	assert.Equal(t, "analysis:7", readJSON(t, alice)["channel"])
}

func TestResumeReplaysMissedEvents(t *testing.T) {
	hub, srv := startHub(t)
	replayer := &stubReplayer{
		acked: map[string]int64{},
		events: []pubsub.StreamEvent{
			{Channel: "user:alice", Sequence: 1, Event: map[string]interface{}{"type": "analysis.created"}},
			{Channel: "user:alice", Sequence: 2, Event: map[string]interface{}{"type": "analysis.completed"}},
		},
	}
	hub.SetReplayer(replayer)
	alice := dial(t, srv, "alice")
	waitConnections(t, hub, 1)

	require.NoError(t, alice.WriteJSON(map[string]interface{}{"type": "resume", "channel": "user:alice", "since": 1}))
	msg := readJSON(t, alice)
	assert.Equal(t, float64(2), msg["seq"])
	assert.Equal(t, true, msg["replay"])

	require.NoError(t, alice.WriteJSON(map[string]interface{}{"type": "ack", "channel": "user:alice", "seq": 2}))
	require.NoError(t, alice.WriteJSON(map[string]interface{}{"type": "ping"}))
	readJSON(t, alice)
	assert.Equal(t, int64(2), replayer.ackedSeq("user:alice/alice"))
}

func TestDisconnectUnregisters(t *testing.T) {
	hub, srv := startHub(t)
	c := dial(t, srv, "alice")
	waitConnections(t, hub, 1)

	require.NoError(t, c.Close())
	waitConnections(t, hub, 0)
}
