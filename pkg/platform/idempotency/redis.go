package idempotency

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSet is an InFlightSet shared by every process that points at the same Redis.
type RedisSet struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisSet(client redis.UniversalClient, prefix string) *RedisSet {
	return &RedisSet{client: client, prefix: prefix}
}

func (s *RedisSet) Add(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	return s.client.SetNX(ctx, s.prefix+key, 1, ttl).Result()
}

func (s *RedisSet) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return s.Remove(ctx, key)
	}
	return s.client.PExpire(ctx, s.prefix+key, ttl).Err()
}

func (s *RedisSet) Remove(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}
