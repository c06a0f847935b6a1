package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var ErrEmptyKey = errors.New("idempotency key is empty")

// ExistenceChecker answers whether a context already persisted the output for a
// business key. It is the authoritative dedup signal and survives restarts.
type ExistenceChecker interface {
	Exists(ctx context.Context, key string) (bool, error)
}

// ExistsFunc adapts a function to ExistenceChecker.
type ExistsFunc func(ctx context.Context, key string) (bool, error)

func (f ExistsFunc) Exists(ctx context.Context, key string) (bool, error) {
	return f(ctx, key)
}

// InFlightSet tracks keys currently being processed. Add must be atomic per key.
type InFlightSet interface {
	// Add registers key unless it is already present. A positive ttl bounds how long
	// the registration survives a crashed holder.
	Add(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Expire keeps key registered for ttl more, or removes it when ttl <= 0.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
}

//go:generate mockgen -source=guard.go -destination=mocks/mocks.go -package=mocks ExistenceChecker,InFlightSet

const defaultInFlightTTL = 15 * time.Minute

// Guard combines the in-flight set with the durable check. TryMark registers the key
// in flight first and consults the durable store second, so two near-simultaneous
// deliveries in one process cannot both pass before the first commits its output.
type Guard struct {
	checker     ExistenceChecker
	inflight    InFlightSet
	inFlightTTL time.Duration
	retention   time.Duration
	logger      *slog.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithInFlightSet replaces the process-local set, e.g. with a Redis-backed one shared
// by every instance of a context.
func WithInFlightSet(set InFlightSet) Option {
	return func(g *Guard) {
		g.inflight = set
	}
}

// WithInFlightTTL bounds how long a registration outlives a crashed holder.
func WithInFlightTTL(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.inFlightTTL = d
		}
	}
}

// WithRetention keeps completed keys registered for d, bridging the gap until the
// durable row is visible to every reader.
func WithRetention(d time.Duration) Option {
	return func(g *Guard) {
		g.retention = d
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) {
		g.logger = logger
	}
}

func New(checker ExistenceChecker, opts ...Option) (*Guard, error) {
	if checker == nil {
		return nil, errors.New("existence checker is required")
	}
	g := &Guard{
		checker:     checker,
		inFlightTTL: defaultInFlightTTL,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.inflight == nil {
		g.inflight = NewShardedSet()
	}
	return g, nil
}

// TryMark returns true when the caller may process key. It returns false when key is
// already in flight or its output already exists.
func (g *Guard) TryMark(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}

	added, err := g.inflight.Add(ctx, key, g.inFlightTTL)
	if err != nil {
		return false, fmt.Errorf("register in-flight key: %w", err)
	}
	if !added {
		g.logger.DebugContext(ctx, "duplicate delivery, key in flight", "idempotency_key", key)
		return false, nil
	}

	exists, err := g.checker.Exists(ctx, key)
	if err != nil {
		g.release(ctx, key)
		return false, fmt.Errorf("check durable key: %w", err)
	}
	if exists {
		g.release(ctx, key)
		g.logger.DebugContext(ctx, "duplicate delivery, output exists", "idempotency_key", key)
		return false, nil
	}
	return true, nil
}

// Unmark releases a registration after a failure so a retry is not blocked.
func (g *Guard) Unmark(ctx context.Context, key string) error {
	if err := g.inflight.Remove(ctx, key); err != nil {
		return fmt.Errorf("release in-flight key: %w", err)
	}
	return nil
}

// Complete ends the in-flight registration after success. Call it once the durable
// output is committed; with a retention window the key stays marked a while longer.
func (g *Guard) Complete(ctx context.Context, key string) error {
	if err := g.inflight.Expire(ctx, key, g.retention); err != nil {
		return fmt.Errorf("settle in-flight key: %w", err)
	}
	return nil
}

func (g *Guard) release(ctx context.Context, key string) {
	if err := g.inflight.Remove(ctx, key); err != nil {
		g.logger.WarnContext(ctx, "failed to release in-flight key", "idempotency_key", key, "error", err)
	}
}
