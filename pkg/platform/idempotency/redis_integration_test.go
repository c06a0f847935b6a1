//go:build integration

package idempotency_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"regtech/pkg/platform/idempotency"
	"regtech/pkg/testutil/containers"
)

type RedisSetSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	set   *idempotency.RedisSet
	ctx   context.Context
}

func TestRedisSetSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisSetSuite))
}

func (s *RedisSetSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.redis = mgr.GetRedis(s.T())
	s.set = idempotency.NewRedisSet(s.redis.Client, s.redis.Config.KeyPrefix)
	s.ctx = context.Background()
}

func (s *RedisSetSuite) SetupTest() {
	s.Require().NoError(s.redis.Flush(s.ctx))
}

func (s *RedisSetSuite) TestAddIsExclusive() {
	first, err := s.set.Add(s.ctx, "batch-1:bank-9", time.Minute)
	s.Require().NoError(err)
	second, err := s.set.Add(s.ctx, "batch-1:bank-9", time.Minute)
	s.Require().NoError(err)

	s.True(first)
	s.False(second)
}

func (s *RedisSetSuite) TestRemoveAndExpire() {
	s.Run("remove frees the key", func() {
		_, err := s.set.Add(s.ctx, "k1", time.Minute)
		s.Require().NoError(err)
		s.Require().NoError(s.set.Remove(s.ctx, "k1"))

		ok, err := s.set.Add(s.ctx, "k1", time.Minute)
		s.Require().NoError(err)
		s.True(ok)
	})

	s.Run("zero expiry removes at once", func() {
		_, err := s.set.Add(s.ctx, "k2", time.Minute)
		s.Require().NoError(err)
		s.Require().NoError(s.set.Expire(s.ctx, "k2", 0))

		ok, err := s.set.Add(s.ctx, "k2", time.Minute)
		s.Require().NoError(err)
		s.True(ok)
	})

	s.Run("retention window keeps the key briefly", func() {
		_, err := s.set.Add(s.ctx, "k3", time.Minute)
		s.Require().NoError(err)
		s.Require().NoError(s.set.Expire(s.ctx, "k3", 200*time.Millisecond))

		ok, err := s.set.Add(s.ctx, "k3", time.Minute)
		s.Require().NoError(err)
		s.False(ok)

		s.Eventually(func() bool {
			ok, err := s.set.Add(s.ctx, "k3", time.Minute)
			return err == nil && ok
		}, 2*time.Second, 50*time.Millisecond)
	})
}

func (s *RedisSetSuite) TestGuardsAcrossInstances() {
	exists := idempotency.ExistsFunc(func(context.Context, string) (bool, error) { return false, nil })
	a, err := idempotency.New(exists, idempotency.WithInFlightSet(idempotency.NewRedisSet(s.redis.Client, s.redis.Config.KeyPrefix)))
	s.Require().NoError(err)
	b, err := idempotency.New(exists, idempotency.WithInFlightSet(idempotency.NewRedisSet(s.redis.Client, s.redis.Config.KeyPrefix)))
	s.Require().NoError(err)

	okA, err := a.TryMark(s.ctx, "batch-7:bank-1")
	s.Require().NoError(err)
	okB, err := b.TryMark(s.ctx, "batch-7:bank-1")
	s.Require().NoError(err)

	s.True(okA)
	s.False(okB, "a second process sees the key in flight")
}
