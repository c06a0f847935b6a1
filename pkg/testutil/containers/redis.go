//go:build integration

package containers

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"regtech/internal/platform/config"
	"regtech/internal/platform/redis"
)

// RedisContainer backs the shared in-flight set in integration tests.
type RedisContainer struct {
	Container testcontainers.Container
	Config    config.Redis
	Client    *goredis.Client
}

// NewRedisContainer starts Redis and connects through the same client setup the
// server uses.
func NewRedisContainer(t *testing.T) *RedisContainer {
	t.Helper()

	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}

	url, err := container.ConnectionString(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to get redis connection string: %v", err)
	}

	cfg := config.Redis{
		URL:         url,
		PoolSize:    10,
		DialTimeout: 5 * time.Second,
		KeyPrefix:   "test:inflight:",
	}
	client, err := redis.New(ctx, cfg)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to connect to redis: %v", err)
	}

	// Shared through the Manager; Ryuk removes the container.
	return &RedisContainer{
		Container: container,
		Config:    cfg,
		Client:    client.Client,
	}
}

// Flush empties the current database between tests.
func (r *RedisContainer) Flush(ctx context.Context) error {
	return r.Client.FlushDB(ctx).Err()
}
