package contextstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/voxcraft/vox-cli/api/schemas"
	"github.com/voxcraft/vox-cli/internal/config"
)

// RedisStore backs the context store with an external redis, using the same
// key shape as the original cache: "<prefix>:<sessionID>:<key>". List keys
// use LPUSH/LTRIM so conversation history stays newest-first and bounded.
type RedisStore struct {
	client *redis.Client
	prefix string
	log    *zap.Logger
}

// NewRedisStore connects to redis and verifies the connection with a ping.
func NewRedisStore(ctx context.Context, cfg config.ContextStoreConfig, logger *zap.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &RedisStore{
		client: client,
		prefix: cfg.KeyPrefix,
		log:    logger.Named("contextstore"),
	}, nil
}

func (s *RedisStore) key(sessionID, key string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, sessionID, key)
}

func (s *RedisStore) Get(ctx context.Context, sessionID, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, s.key(sessionID, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &schemas.ContextStoreError{Op: "get", Err: err}
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, sessionID, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(sessionID, key), value, ttl).Err(); err != nil {
		return &schemas.ContextStoreError{Op: "set", Err: err}
	}
	return nil
}

func (s *RedisStore) Merge(ctx context.Context, sessionID string, patch map[string]string, ttl time.Duration) error {
	pipe := s.client.Pipeline()
	for k, v := range patch {
		pipe.Set(ctx, s.key(sessionID, k), v, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return &schemas.ContextStoreError{Op: "merge", Err: err}
	}
	return nil
}

func (s *RedisStore) Append(ctx context.Context, sessionID, key, value string, max int, ttl time.Duration) error {
	full := s.key(sessionID, key)
	pipe := s.client.Pipeline()
	pipe.LPush(ctx, full, value)
	if max > 0 {
		pipe.LTrim(ctx, full, 0, int64(max-1))
	}
	if ttl > 0 {
		pipe.Expire(ctx, full, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return &schemas.ContextStoreError{Op: "append", Err: err}
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, sessionID, key string, limit int) ([]string, error) {
	end := int64(limit - 1)
	if limit <= 0 {
		end = -1
	}
	vals, err := s.client.LRange(ctx, s.key(sessionID, key), 0, end).Result()
	if err != nil {
		return nil, &schemas.ContextStoreError{Op: "list", Err: err}
	}
	return vals, nil
}

func (s *RedisStore) Keys(ctx context.Context, sessionID string) ([]string, error) {
	pattern := s.key(sessionID, "*")
	strip := len(s.key(sessionID, ""))
	var out []string
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()
		if len(full) > strip {
			out = append(out, full[strip:])
		}
	}
	if err := iter.Err(); err != nil {
		return nil, &schemas.ContextStoreError{Op: "keys", Err: err}
	}
	return out, nil
}

// Clear removes every key belonging to the session, matching the original
// cache's pattern-delete teardown.
func (s *RedisStore) Clear(ctx context.Context, sessionID string) error {
	pattern := s.key(sessionID, "*")
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return &schemas.ContextStoreError{Op: "clear", Err: err}
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return &schemas.ContextStoreError{Op: "clear", Err: err}
	}
	s.log.Debug("Cleared session context", zap.String("session_id", sessionID), zap.Int("keys", len(keys)))
	return nil
}

// Close releases the redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
