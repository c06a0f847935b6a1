package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"regtech/pkg/platform/clock"
)

const shardCount = 64

// ShardedSet is a process-local InFlightSet. Keys hash onto independently locked
// shards, so unrelated keys never contend on one mutex.
type ShardedSet struct {
	shards [shardCount]shard
	clock  clock.Clock
}

type shard struct {
	mu sync.Mutex
	// expiry per key; the zero time means no expiry.
	keys map[string]time.Time
}

// ShardedOption configures a ShardedSet.
type ShardedOption func(*ShardedSet)

func WithClock(c clock.Clock) ShardedOption {
	return func(s *ShardedSet) {
		s.clock = c
	}
}

func NewShardedSet(opts ...ShardedOption) *ShardedSet {
	s := &ShardedSet{clock: clock.System{}}
	for i := range s.shards {
		s.shards[i].keys = make(map[string]time.Time)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ShardedSet) shardFor(key string) *shard {
	return &s.shards[xxhash.Sum64String(key)%shardCount]
}

func (s *ShardedSet) Add(_ context.Context, key string, ttl time.Duration) (bool, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.clock.Now()
	if exp, ok := sh.keys[key]; ok && (exp.IsZero() || now.Before(exp)) {
		return false, nil
	}
	sh.keys[key] = expiry(now, ttl)
	return true, nil
}

func (s *ShardedSet) Expire(_ context.Context, key string, ttl time.Duration) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if ttl <= 0 {
		delete(sh.keys, key)
		return nil
	}
	sh.keys[key] = s.clock.Now().Add(ttl)
	return nil
}

func (s *ShardedSet) Remove(_ context.Context, key string) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	delete(sh.keys, key)
	return nil
}

// Sweep drops expired registrations and returns how many were removed.
func (s *ShardedSet) Sweep() int {
	now := s.clock.Now()
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for key, exp := range sh.keys {
			if !exp.IsZero() && !now.Before(exp) {
				delete(sh.keys, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len reports live registrations.
func (s *ShardedSet) Len() int {
	now := s.clock.Now()
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for _, exp := range sh.keys {
			if exp.IsZero() || now.Before(exp) {
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
