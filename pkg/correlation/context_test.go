package correlation

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// =============================================================================
// Correlation Context Test Suite
// =============================================================================
// Justification for unit tests: scope restoration and per-task isolation are
// invariants every delivery component relies on and cannot be observed end to end.

type ContextSuite struct {
	suite.Suite
}

func TestContextSuite(t *testing.T) {
	suite.Run(t, new(ContextSuite))
}

func (s *ContextSuite) TestDefaults() {
	ctx := context.Background()

	s.Equal("", CorrelationID(ctx))
	s.Equal("", CausationID(ctx))
	s.False(IsOutboxReplay(ctx))
	s.False(IsInboxReplay(ctx))
}

func (s *ContextSuite) TestContextKeys() {
	s.Run("values set directly on the exported keys are read back", func() {
		ctx := context.Background()
		ctx = context.WithValue(ctx, ContextKeyCorrelationID, "corr-1")
		ctx = context.WithValue(ctx, ContextKeyCausationID, "cause-1")
		ctx = context.WithValue(ctx, ContextKeyOutboxReplay, true)
		ctx = context.WithValue(ctx, ContextKeyInboxReplay, true)

		s.Equal("corr-1", CorrelationID(ctx))
		s.Equal("cause-1", CausationID(ctx))
		s.True(IsOutboxReplay(ctx))
		s.True(IsInboxReplay(ctx))
		s.Equal(Values{CorrelationID: "corr-1", CausationID: "cause-1"}, Snapshot(ctx))
	})

	s.Run("values of the wrong type read as unset", func() {
		ctx := context.Background()
		ctx = context.WithValue(ctx, ContextKeyCorrelationID, 42)
		ctx = context.WithValue(ctx, ContextKeyOutboxReplay, "yes")

		s.Equal("", CorrelationID(ctx))
		s.False(IsOutboxReplay(ctx))
	})

	s.Run("helpers write the exported keys", func() {
		ctx := WithInboxReplay(WithCorrelation(context.Background(), "corr-2", "cause-2"), true)

		s.Equal("corr-2", ctx.Value(ContextKeyCorrelationID))
		s.Equal("cause-2", ctx.Value(ContextKeyCausationID))
		s.Equal(true, ctx.Value(ContextKeyInboxReplay))
		s.Nil(ctx.Value(ContextKeyOutboxReplay))
	})
}

func (s *ContextSuite) TestScopedOverrides() {
	s.Run("nested scopes see innermost values and outer values survive", func() {
		outer := WithCorrelation(context.Background(), "corr-1", "cause-1")

		err := RunWithCorrelation(outer, "corr-1", "cause-2", func(ctx context.Context) error {
			s.Equal("cause-2", CausationID(ctx))
			return RunWithOutboxReplay(ctx, true, func(ctx context.Context) error {
				s.Equal("corr-1", CorrelationID(ctx))
				s.True(IsOutboxReplay(ctx))
				return RunWithOutboxReplay(ctx, false, func(ctx context.Context) error {
					s.False(IsOutboxReplay(ctx))
					s.Equal("cause-2", CausationID(ctx))
					return nil
				})
			})
		})

		s.Require().NoError(err)
		s.Equal("cause-1", CausationID(outer))
		s.False(IsOutboxReplay(outer))
	})

	s.Run("inner scope may clear identifiers", func() {
		outer := WithCorrelation(context.Background(), "corr-1", "cause-1")
		inner := WithCorrelation(outer, "corr-1", "")

		s.Equal("", CausationID(inner))
		s.Equal("cause-1", CausationID(outer))
	})

	s.Run("flags are independent", func() {
		ctx := WithInboxReplay(context.Background(), true)

		s.True(IsInboxReplay(ctx))
		s.False(IsOutboxReplay(ctx))
	})

	s.Run("caller context is intact after a panic", func() {
		outer := WithInboxReplay(context.Background(), false)

		s.Panics(func() {
			_ = RunWithInboxReplay(outer, true, func(context.Context) error {
				panic("handler blew up")
			})
		})
		s.False(IsInboxReplay(outer))
	})

	s.Run("fn error is returned unchanged", func() {
		sentinelErr := assert.AnError
		err := RunWithCorrelation(context.Background(), "c", "", func(context.Context) error {
			return sentinelErr
		})
		s.ErrorIs(err, sentinelErr)
	})
}

func (s *ContextSuite) TestEnsureCorrelationID() {
	s.Run("keeps an active chain", func() {
		ctx := WithCorrelation(context.Background(), "corr-1", "")

		got, id := EnsureCorrelationID(ctx)

		s.Equal("corr-1", id)
		s.Equal("corr-1", CorrelationID(got))
	})

	s.Run("starts a chain when none is active", func() {
		got, id := EnsureCorrelationID(context.Background())

		s.NotEmpty(id)
		s.Equal(id, CorrelationID(got))
	})
}

func (s *ContextSuite) TestSnapshotRestore() {
	src := WithOutboxReplay(WithCorrelation(context.Background(), "corr-9", "evt-3"), true)

	restored := Restore(context.Background(), Snapshot(src))

	s.Equal("corr-9", CorrelationID(restored))
	s.Equal("evt-3", CausationID(restored))
	s.False(IsOutboxReplay(restored))
}

func TestConcurrentTasksDoNotShareScope(t *testing.T) {
	base := context.Background()
	var wg sync.WaitGroup
	errs := make(chan string, 50)

	for i := range 50 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			want := string(rune('A' + n%26))
			_ = RunWithCorrelation(base, want, "", func(ctx context.Context) error {
				return RunWithInboxReplay(ctx, n%2 == 0, func(ctx context.Context) error {
					if CorrelationID(ctx) != want || IsInboxReplay(ctx) != (n%2 == 0) {
						errs <- want
					}
					return nil
				})
			})
		}(i)
	}
	wg.Wait()
	close(errs)

	require.Empty(t, errs)
	assert.Equal(t, "", CorrelationID(base))
}
