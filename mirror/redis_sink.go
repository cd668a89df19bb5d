package mirror

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisSink appends records to a Redis stream with XADD. Each entry carries
// the fields ts, payload, remote and conn.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisSink creates a sink writing to stream through client. The sink owns
// the client and closes it on Close.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	sink := NewRedisSink(client, "sensor-ingest:records", 100000)
//
// Parameters:
//   - client: Connected Redis client
//   - stream: Stream key
//   - maxLen: Approximate stream length cap; 0 keeps every entry
//
// Returns:
//   - A new RedisSink
func NewRedisSink(client *redis.Client, stream string, maxLen int64) *RedisSink {
	return &RedisSink{
		client: client,
		stream: stream,
		maxLen: maxLen,
	}
}

// Ping checks that the Redis server is reachable.
func (s *RedisSink) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping error: %w", err)
	}

	return nil
}

// Publish implements Sink.
func (s *RedisSink) Publish(ctx context.Context, rec Record) error {
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"ts":      strconv.FormatInt(rec.ReceivedAt, 10),
			"payload": rec.Payload,
			"remote":  rec.Remote,
			"conn":    strconv.FormatUint(uint64(rec.ConnID), 10),
		},
	}

	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis xadd error: %w", err)
	}

	return nil
}

// Close implements Sink.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
