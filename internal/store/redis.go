package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements KV on go-redis. Counters use INCR with a TTL set on
// first increment; event lists use LPUSH+LTRIM so they stay capped.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string, db, poolSize int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// Client exposes the underlying connection for pub/sub collaborators.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) BlockIP(ctx context.Context, ip string) error {
	if err := s.client.SAdd(ctx, KeyBlockedIPs, ip).Err(); err != nil {
		return fmt.Errorf("failed to block ip: %w", err)
	}
	return nil
}

func (s *RedisStore) IsBlocked(ctx context.Context, ip string) (bool, error) {
	blocked, err := s.client.SIsMember(ctx, KeyBlockedIPs, ip).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check blocked ip: %w", err)
	}
	return blocked, nil
}

func (s *RedisStore) UnblockIP(ctx context.Context, ip string) error {
	if err := s.client.SRem(ctx, KeyBlockedIPs, ip).Err(); err != nil {
		return fmt.Errorf("failed to unblock ip: %w", err)
	}
	return nil
}

func (s *RedisStore) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return count, fmt.Errorf("failed to set counter ttl: %w", err)
		}
	}
	return count, nil
}

func (s *RedisStore) GetCount(ctx context.Context, key string) (int64, error) {
	count, err := s.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter: %w", err)
	}
	return count, nil
}

func (s *RedisStore) PushEvent(ctx context.Context, list string, payload []byte) error {
	pipe := s.client.Pipeline()
	pipe.LPush(ctx, list, payload)
	pipe.LTrim(ctx, list, 0, MaxEventListLength-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push event: %w", err)
	}
	return nil
}

func (s *RedisStore) Events(ctx context.Context, list string, n int64) ([][]byte, error) {
	values, err := s.client.LRange(ctx, list, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	out := make([][]byte, len(values))
	for i, v := range values {
		out[i] = []byte(v)
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
