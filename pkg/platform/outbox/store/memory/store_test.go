package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"regtech/pkg/platform/outbox"
)

// =============================================================================
// In-memory Outbox Store Test Suite
// =============================================================================
// Justification for unit tests: the memory store backs every publisher test, so its
// claim rules must match the Postgres store's lock-and-skip behaviour.

type StoreSuite struct {
	suite.Suite
	store *InMemoryStore
	ctx   context.Context
	t0    time.Time
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) SetupTest() {
	s.store = NewInMemoryStore()
	s.ctx = context.Background()
	s.t0 = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
}

func (s *StoreSuite) record(aggregateID string, offset time.Duration) outbox.Record {
	return outbox.Record{
		ID:            uuid.New(),
		AggregateID:   aggregateID,
		AggregateType: "batch",
		EventType:     "BatchIngested",
		Payload:       []byte(`{}`),
		CreatedAt:     s.t0.Add(offset),
	}
}

func (s *StoreSuite) TestAppend() {
	s.Run("duplicate id is ignored", func() {
		r := s.record("batch-1", 0)
		s.Require().NoError(s.store.Append(s.ctx, r, r))

		s.Len(s.store.All(), 1)
		s.Equal(outbox.StatusPending, s.store.All()[0].Status)
	})
}

func (s *StoreSuite) TestClaim() {
	s.Run("oldest first and bounded", func() {
		late := s.record("batch-2", 2*time.Second)
		early := s.record("batch-1", time.Second)
		s.Require().NoError(s.store.Append(s.ctx, late, early))

		b, err := s.store.Claim(s.ctx, 1)
		s.Require().NoError(err)
		defer b.Release()

		s.Require().Len(b.Records(), 1)
		s.Equal(early.ID, b.Records()[0].ID)
	})

	s.Run("concurrent batches never share a record or an aggregate", func() {
		s.SetupTest()
		r1 := s.record("batch-1", 0)
		r2 := s.record("batch-1", time.Second)
		r3 := s.record("batch-3", 2*time.Second)
		s.Require().NoError(s.store.Append(s.ctx, r1, r2, r3))

		first, err := s.store.Claim(s.ctx, 1)
		s.Require().NoError(err)
		second, err := s.store.Claim(s.ctx, 10)
		s.Require().NoError(err)

		s.Require().Len(first.Records(), 1)
		s.Equal(r1.ID, first.Records()[0].ID)
		s.Require().Len(second.Records(), 1)
		s.Equal(r3.ID, second.Records()[0].ID)

		s.Require().NoError(first.Release())
		s.Require().NoError(second.Release())
	})

	s.Run("release leaves records untouched", func() {
		s.SetupTest()
		r := s.record("batch-1", 0)
		s.Require().NoError(s.store.Append(s.ctx, r))

		b, err := s.store.Claim(s.ctx, 10)
		s.Require().NoError(err)
		s.Require().NoError(b.MarkPublished(s.ctx, r.ID, s.t0))
		s.Require().NoError(b.Release())

		got, err := s.store.Get(s.ctx, r.ID)
		s.Require().NoError(err)
		s.False(got.Processed)
		s.Nil(got.ProcessedAt)

		again, err := s.store.Claim(s.ctx, 10)
		s.Require().NoError(err)
		s.Len(again.Records(), 1)
		s.Require().NoError(again.Release())
	})

	s.Run("commit applies marks and closes the batch", func() {
		s.SetupTest()
		ok := s.record("batch-1", 0)
		bad := s.record("batch-2", time.Second)
		dead := s.record("batch-3", 2*time.Second)
		s.Require().NoError(s.store.Append(s.ctx, ok, bad, dead))

		b, err := s.store.Claim(s.ctx, 10)
		s.Require().NoError(err)
		s.Require().NoError(b.MarkPublished(s.ctx, ok.ID, s.t0.Add(time.Minute)))
		s.Require().NoError(b.MarkFailed(s.ctx, bad.ID, "broker down"))
		s.Require().NoError(b.MarkDeadLetter(s.ctx, dead.ID, "invalid json"))
		s.Require().NoError(b.Commit())

		s.ErrorIs(b.MarkFailed(s.ctx, bad.ID, "again"), outbox.ErrBatchClosed)
		s.NoError(b.Release())

		got, _ := s.store.Get(s.ctx, ok.ID)
		s.True(got.Processed)
		s.Equal(s.t0.Add(time.Minute), *got.ProcessedAt)

		got, _ = s.store.Get(s.ctx, bad.ID)
		s.False(got.Processed)
		s.Equal(1, got.RetryCount)
		s.Equal("broker down", got.LastError)

		got, _ = s.store.Get(s.ctx, dead.ID)
		s.Equal(outbox.StatusDeadLetter, got.Status)
		s.False(got.Processed)

		stats, err := s.store.Stats(s.ctx)
		s.Require().NoError(err)
		s.Equal(outbox.Stats{Pending: 1, Failing: 1, Published: 1, DeadLetter: 1}, stats)
	})

	s.Run("marking a record outside the batch is rejected", func() {
		s.SetupTest()
		b, err := s.store.Claim(s.ctx, 10)
		s.Require().NoError(err)

		s.ErrorIs(b.MarkPublished(s.ctx, uuid.New(), s.t0), outbox.ErrNotInBatch)
		s.Require().NoError(b.Release())
	})
}

func (s *StoreSuite) TestListByAggregate() {
	r1 := s.record("batch-1", 0)
	r2 := s.record("batch-2", 0)
	s.Require().NoError(s.store.Append(s.ctx, r1, r2))

	got, err := s.store.ListByAggregate(s.ctx, "batch", "batch-1")

	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal(r1.ID, got[0].ID)
}
