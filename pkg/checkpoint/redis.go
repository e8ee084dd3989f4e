package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const backendRedis = "redis"

// RedisStore keeps checkpoints in Redis.
type RedisStore struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a store. A ttl of 0 keeps checkpoints forever.
func NewRedisStore(redisClient *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{
		redis:  redisClient,
		prefix: prefix,
		ttl:    ttl,
	}
}

// Backend implements Store.
func (s *RedisStore) Backend() string {
	return backendRedis
}

// Key returns the Redis key of partition.
func (s *RedisStore) Key(partition string) string {
	return Key{Prefix: s.prefix, Partition: partition}.String()
}

// Write stores cp with the configured TTL.
func (s *RedisStore) Write(ctx context.Context, cp Checkpoint) error {
	if err := cp.Validate(); err != nil {
		Errors.WithLabelValues(backendRedis, "write").Inc()
		return err
	}

	data, err := json.Marshal(cp)
	if err != nil {
		Errors.WithLabelValues(backendRedis, "write").Inc()
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	if err := s.redis.Set(ctx, s.Key(cp.Partition), data, s.ttl).Err(); err != nil {
		Errors.WithLabelValues(backendRedis, "write").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	Writes.WithLabelValues(backendRedis).Inc()
	return nil
}

// Read loads the checkpoint of partition.
func (s *RedisStore) Read(ctx context.Context, partition string) (*Checkpoint, error) {
	data, err := s.redis.Get(ctx, s.Key(partition)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		Errors.WithLabelValues(backendRedis, "read").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		Errors.WithLabelValues(backendRedis, "read").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidCheckpoint, err)
	}
	return &cp, nil
}

// Delete removes the checkpoint of partition.
func (s *RedisStore) Delete(ctx context.Context, partition string) error {
	if err := s.redis.Del(ctx, s.Key(partition)).Err(); err != nil {
		Errors.WithLabelValues(backendRedis, "delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
