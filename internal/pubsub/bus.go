// Package pubsub carries lifecycle events between processes over Redis and
// into the local websocket hub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Hub receives events for locally connected sessions
type Hub interface {
	Publish(channel string, message map[string]interface{})
}

// Bus publishes events to Redis pub/sub and appends them to a replay stream.
// A nil Redis client keeps everything in-process.
type Bus struct {
	rdb     *redis.Client
	log     *zap.Logger
	hub     Hub
	streams *Streams
}

func New(rdb *redis.Client, log *zap.Logger) *Bus {
	b := &Bus{rdb: rdb, log: log}
	if rdb != nil {
		b.streams = NewStreams(rdb, log)
	}
	return b
}

// SetHub attaches the websocket hub. With Redis the hub is fed by Forward;
// without it, Publish delivers directly.
func (b *Bus) SetHub(hub Hub) {
	b.hub = hub
}

// Streams returns the replay store, nil in-process
func (b *Bus) Streams() *Streams {
	return b.streams
}

func UserChannel(userID string) string {
	return "user:" + userID
}

func AnalysisChannel(analysisID int64) string {
	return "analysis:" + strconv.FormatInt(analysisID, 10)
}

// ChannelOwner splits a channel name into its kind and id
func ChannelOwner(channel string) (kind, id string, ok bool) {
	kind, id, ok = strings.Cut(channel, ":")
	if !ok || id == "" {
		return "", "", false
	}
	return kind, id, true
}

// PublishUser publishes an event to a user's channel
func (b *Bus) PublishUser(userID string, event map[string]interface{}) error {
	return b.Publish(context.Background(), UserChannel(userID), event)
}

// PublishAnalysis publishes an event to an analysis channel
func (b *Bus) PublishAnalysis(analysisID int64, event map[string]interface{}) error {
	return b.Publish(context.Background(), AnalysisChannel(analysisID), event)
}

// Publish stamps the event with its stream sequence and fans it out
func (b *Bus) Publish(ctx context.Context, channel string, event map[string]interface{}) error {
	if b.rdb == nil {
		if b.hub != nil {
			b.hub.Publish(channel, event)
		}
		return nil
	}

	stamped := make(map[string]interface{}, len(event)+1)
	for k, v := range event {
		stamped[k] = v
	}

	seq, err := b.streams.Append(ctx, channel, event)
	if err != nil {
		// Live delivery still goes out without replay
		b.log.Warn("Failed to append to stream", zap.String("channel", channel), zap.Error(err))
	} else {
		stamped["seq"] = seq
	}

	data, err := json.Marshal(stamped)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.rdb.Publish(ctx, channel, data).Err(); err != nil {
		b.log.Error("Failed to publish event", zap.String("channel", channel), zap.Error(err))
		return fmt.Errorf("failed to publish event: %w", err)
	}

	b.log.Debug("Published event", zap.String("channel", channel), zap.Int64("seq", seq))
	return nil
}

// Forward relays every user and analysis event published by any process to
// the local hub until ctx is done
func (b *Bus) Forward(ctx context.Context) error {
	if b.rdb == nil || b.hub == nil {
		<-ctx.Done()
		return nil
	}

	sub := b.rdb.PSubscribe(ctx, "user:*", "analysis:*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	b.log.Info("Forwarding bus events to websocket hub")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event map[string]interface{}
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.log.Warn("Dropping malformed event", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			b.hub.Publish(msg.Channel, event)
		}
	}
}
