package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// streamMaxLen bounds each channel's replay history
const streamMaxLen = 1000

// StreamEvent is a replayed event
type StreamEvent struct {
	Channel   string
	Sequence  int64
	Event     map[string]interface{}
	Timestamp time.Time
}

// appendScript allocates the next sequence and adds the entry under the
// stream id "<seq>-0" in one step, so ids stay monotonic across publishers.
var appendScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
redis.call('XADD', KEYS[2], 'MAXLEN', '~', ARGV[2], seq .. '-0', 'data', ARGV[1], 'ts', ARGV[3])
return seq
`)

// Streams stores per-channel event history in Redis Streams
type Streams struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewStreams(rdb *redis.Client, log *zap.Logger) *Streams {
	return &Streams{rdb: rdb, log: log}
}

func streamKey(channel string) string { return "stream:" + channel }
func seqKey(channel string) string    { return "seq:" + channel }
func ackKey(channel, connectionID string) string {
	return fmt.Sprintf("ack:%s:%s", channel, connectionID)
}

// Append stores the event and returns its sequence number
func (s *Streams) Append(ctx context.Context, channel string, event map[string]interface{}) (int64, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	seq, err := appendScript.Run(ctx, s.rdb,
		[]string{seqKey(channel), streamKey(channel)},
		string(data), streamMaxLen, time.Now().UTC().Format(time.RFC3339),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to add to stream: %w", err)
	}
	return seq, nil
}

// Replay returns up to limit events with a sequence greater than sinceSeq
func (s *Streams) Replay(ctx context.Context, channel string, sinceSeq int64, limit int64) ([]StreamEvent, error) {
	// "<n>-1" sorts after "<n>-0" and before "<n+1>-0"
	start := fmt.Sprintf("%d-1", sinceSeq)
	msgs, err := s.rdb.XRangeN(ctx, streamKey(channel), start, "+", limit).Result()
	if err == redis.Nil {
		return []StreamEvent{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}

	events := make([]StreamEvent, 0, len(msgs))
	for _, msg := range msgs {
		data, _ := msg.Values["data"].(string)
		var event map[string]interface{}
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			s.log.Warn("Failed to unmarshal event", zap.String("id", msg.ID), zap.Error(err))
			continue
		}
		seq, _ := parseStreamID(msg.ID)
		ts, _ := msg.Values["ts"].(string)
		timestamp, _ := time.Parse(time.RFC3339, ts)
		events = append(events, StreamEvent{
			Channel:   channel,
			Sequence:  seq,
			Event:     event,
			Timestamp: timestamp,
		})
	}
	return events, nil
}

// LastAcknowledged returns the last sequence a connection confirmed, 0 if none
func (s *Streams) LastAcknowledged(ctx context.Context, channel, connectionID string) (int64, error) {
	seq, err := s.rdb.Get(ctx, ackKey(channel, connectionID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get last sequence: %w", err)
	}
	return seq, nil
}

// Acknowledge records the last sequence a connection has processed
func (s *Streams) Acknowledge(ctx context.Context, channel, connectionID string, sequence int64) error {
	if err := s.rdb.Set(ctx, ackKey(channel, connectionID), sequence, 7*24*time.Hour).Err(); err != nil {
		return fmt.Errorf("failed to acknowledge sequence: %w", err)
	}
	return nil
}

// parseStreamID returns the millisecond part of a "<ms>-<n>" id, which is
// the sequence for entries written by Append
func parseStreamID(id string) (int64, error) {
	for i := 0; i < len(id); i++ {
		if id[i] == '-' {
			return strconv.ParseInt(id[:i], 10, 64)
		}
	}
	return 0, fmt.Errorf("invalid stream ID %q", id)
}
