package journal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const streamPrefix = "cogloop:cycles:"

// RedisSink appends entries to one Redis stream per collection.
type RedisSink struct {
	rdb    *redis.Client
	maxLen int64
	logger *zap.Logger
}

// NewRedisSink connects to redisURL. maxLen caps each stream approximately;
// zero keeps everything.
func NewRedisSink(redisURL string, maxLen int64, logger *zap.Logger) (*RedisSink, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisSink{rdb: rdb, maxLen: maxLen, logger: logger}, nil
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Write(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	stream := streamPrefix + e.CollectionID
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"cycle_id":     e.CycleID,
			"next_thought": e.Record.NextThought,
			"data":         string(data),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	id, err := s.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("append to %s: %w", stream, err)
	}
	s.logger.Debug("cycle journaled",
		zap.String("stream", stream),
		zap.String("id", id),
		zap.String("cycle", e.CycleID))
	return nil
}

// Recent returns up to n newest entries for a collection, newest first.
func (s *RedisSink) Recent(ctx context.Context, collectionID string, n int64) ([]Entry, error) {
	stream := streamPrefix + collectionID
	msgs, err := s.rdb.XRevRangeN(ctx, stream, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", stream, err)
	}
	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		data, ok := m.Values["data"].(string)
		if !ok {
			continue
		}
		var e Entry
		if json.Unmarshal([]byte(data), &e) == nil {
			out = append(out, e)
		}
	}
	return out, nil
}

// Close shuts down the Redis connection.
func (s *RedisSink) Close() error {
	return s.rdb.Close()
}
