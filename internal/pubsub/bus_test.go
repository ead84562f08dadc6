package pubsub

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingHub struct {
	mu     sync.Mutex
	events map[string][]map[string]interface{}
}

func (h *recordingHub) Publish(channel string, message map[string]interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.events == nil {
		h.events = map[string][]map[string]interface{}{}
	}
	h.events[channel] = append(h.events[channel], message)
}

func (h *recordingHub) count(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events[channel])
}

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping Redis test in short mode")
	}
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6380"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "user:u-1", UserChannel("u-1"))
	assert.Equal(t, "analysis:42", AnalysisChannel(42))

	kind, id, ok := ChannelOwner("analysis:42")
	require.True(t, ok)
	assert.Equal(t, "analysis", kind)
	assert.Equal(t, "42", id)

	_, _, ok = ChannelOwner("broadcast")
	assert.False(t, ok)
	_, _, ok = ChannelOwner("user:")
	assert.False(t, ok)
}

func TestInProcessPublish(t *testing.T) {
	hub := &recordingHub{}
	bus := New(nil, zap.NewNop())
	bus.SetHub(hub)

	require.NoError(t, bus.PublishUser("u-1", map[string]interface{}{"type": "analysis.completed"}))
	require.NoError(t, bus.PublishAnalysis(7, map[string]interface{}{"type": "analysis.completed"}))

	assert.Equal(t, 1, hub.count("user:u-1"))
	assert.Equal(t, 1, hub.count("analysis:7"))
	assert.Nil(t, bus.Streams())
}

func TestStreamReplay(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()
	s := NewStreams(rdb, zap.NewNop())
	channel := "user:" + uuid.NewString()
	t.Cleanup(func() { rdb.Del(ctx, streamKey(channel), seqKey(channel)) })

	for i := 1; i <= 3; i++ {
		seq, err := s.Append(ctx, channel, map[string]interface{}{"type": "analysis.processing", "n": i})
		require.NoError(t, err)
		assert.Equal(t, int64(i), seq)
	}

	events, err := s.Replay(ctx, channel, 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Sequence)
	assert.Equal(t, float64(3), events[1].Event["n"])

	require.NoError(t, s.Acknowledge(ctx, channel, "conn-1", 3))
	last, err := s.LastAcknowledged(ctx, channel, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), last)
}

func TestForwardDeliversPublishedEvents(t *testing.T) {
	rdb := setupRedis(t)
	hub := &recordingHub{}
	bus := New(rdb, zap.NewNop())
	bus.SetHub(hub)
	user := uuid.NewString()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- bus.Forward(ctx) }()

	require.Eventually(t, func() bool {
		_ = bus.PublishUser(user, map[string]interface{}{"type": "analysis.created"})
		return hub.count(UserChannel(user)) > 0
	}, 3*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
