package vectorstore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	unitKeyPrefix       = "cogloop:unit:"
	collectionKeyPrefix = "cogloop:collection:"
)

// MirroredIndex forwards every call to an inner Index and copies unit
// metadata into Redis hashes so other processes can read weights without
// a similarity query. Mirror failures are logged, never returned.
type MirroredIndex struct {
	Index
	rdb    *redis.Client
	logger *zap.Logger
}

// NewMirroredIndex connects to Redis and wraps inner.
func NewMirroredIndex(inner Index, redisURL string, logger *zap.Logger) (*MirroredIndex, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &MirroredIndex{Index: inner, rdb: rdb, logger: logger}, nil
}

func (m *MirroredIndex) Upsert(ctx context.Context, docs ...Document) error {
	if err := m.Index.Upsert(ctx, docs...); err != nil {
		return err
	}
	pipe := m.rdb.Pipeline()
	for _, d := range docs {
		fields := mergeMetadata(d.Metadata, map[string]string{ContentKey: d.Content})
		pipe.HSet(ctx, unitKeyPrefix+d.ID, fields)
		if cid := d.Metadata[CollectionKey]; cid != "" {
			pipe.SAdd(ctx, collectionKeyPrefix+cid, d.ID)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Warn("redis mirror upsert failed", zap.Int("docs", len(docs)), zap.Error(err))
	}
	return nil
}

func (m *MirroredIndex) UpdateMetadata(ctx context.Context, id string, md map[string]string) error {
	if err := m.Index.UpdateMetadata(ctx, id, md); err != nil {
		return err
	}
	if len(md) == 0 {
		return nil
	}
	if err := m.rdb.HSet(ctx, unitKeyPrefix+id, md).Err(); err != nil {
		m.logger.Warn("redis mirror update failed", zap.String("id", id), zap.Error(err))
	}
	return nil
}

func (m *MirroredIndex) Delete(ctx context.Context, ids ...string) error {
	if err := m.Index.Delete(ctx, ids...); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = unitKeyPrefix + id
	}
	if err := m.rdb.Del(ctx, keys...).Err(); err != nil {
		m.logger.Warn("redis mirror delete failed", zap.Int("ids", len(ids)), zap.Error(err))
	}
	return nil
}

func (m *MirroredIndex) DeleteCollection(ctx context.Context, collectionID string) (int, error) {
	n, err := m.Index.DeleteCollection(ctx, collectionID)
	if err != nil {
		return n, err
	}
	setKey := collectionKeyPrefix + collectionID
	ids, err := m.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		m.logger.Warn("redis mirror members failed", zap.String("collection", collectionID), zap.Error(err))
		return n, nil
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, unitKeyPrefix+id)
	}
	keys = append(keys, setKey)
	if err := m.rdb.Del(ctx, keys...).Err(); err != nil {
		m.logger.Warn("redis mirror clear failed", zap.String("collection", collectionID), zap.Error(err))
	}
	return n, nil
}

// Close closes the Redis client. The inner index is left open.
func (m *MirroredIndex) Close() error {
	return m.rdb.Close()
}
