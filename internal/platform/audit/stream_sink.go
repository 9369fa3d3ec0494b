package audit

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// StreamSink appends events to a Redis stream for external consumers.
type StreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewStreamSink caps the stream at roughly maxLen entries; zero means
// unbounded.
func NewStreamSink(client *redis.Client, stream string, maxLen int64) *StreamSink {
	return &StreamSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *StreamSink) Record(ctx context.Context, e Event) error {
	actor := ""
	if e.ActorID != nil {
		actor = e.ActorID.String()
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"id":         e.ID.String(),
			"actor_id":   actor,
			"action":     e.Action,
			"detail":     e.Detail,
			"created_at": e.CreatedAt.Unix(),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

// NewRedisClient parses a redis:// URL and verifies the server answers.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
