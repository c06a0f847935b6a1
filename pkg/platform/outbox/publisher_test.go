package outbox_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"regtech/pkg/correlation"
	"regtech/pkg/platform/clock"
	"regtech/pkg/platform/eventbus"
	"regtech/pkg/platform/outbox"
	"regtech/pkg/platform/outbox/mocks"
	"regtech/pkg/platform/outbox/store/memory"
)

// =============================================================================
// Publisher Test Suite
// =============================================================================
// Justification for unit tests: retry bookkeeping, dead-lettering and per-aggregate
// ordering are decided per record inside one pass and are hard to provoke end to end.

type PublisherSuite struct {
	suite.Suite
	ctrl     *gomock.Controller
	sink     *mocks.MockSink
	store    *memory.InMemoryStore
	clock    *clock.Fake
	logger   *slog.Logger
	recorder *outbox.Recorder
	ctx      context.Context
}

func TestPublisherSuite(t *testing.T) {
	suite.Run(t, new(PublisherSuite))
}

func (s *PublisherSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.sink = mocks.NewMockSink(s.ctrl)
	s.store = memory.NewInMemoryStore()
	s.clock = clock.NewFake(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.recorder = outbox.NewRecorder(s.store,
		outbox.WithRecorderClock(s.clock),
		outbox.WithRecorderLogger(s.logger),
	)
	s.ctx = context.Background()
}

func (s *PublisherSuite) newPublisher(sink outbox.Sink, opts ...outbox.Option) *outbox.Publisher {
	opts = append([]outbox.Option{outbox.WithClock(s.clock), outbox.WithLogger(s.logger)}, opts...)
	p, err := outbox.NewPublisher(s.store, sink, opts...)
	s.Require().NoError(err)
	return p
}

func (s *PublisherSuite) recordAt(aggregateID string, seq int) {
	s.clock.Advance(time.Second)
	s.Require().NoError(s.recorder.Record(s.ctx, outbox.DomainEvent{
		AggregateID:   aggregateID,
		AggregateType: "batch",
		EventType:     "BatchIngested",
		CorrelationID: "corr-" + aggregateID,
		Payload:       map[string]any{"batchId": aggregateID, "seq": seq},
	}))
}

func (s *PublisherSuite) TestNewPublisherRequiresDependencies() {
	_, err := outbox.NewPublisher(nil, s.sink)
	s.Error(err)

	_, err = outbox.NewPublisher(s.store, nil)
	s.Error(err)
}

func (s *PublisherSuite) TestPublishesInCreationOrderPerAggregate() {
	bus := eventbus.New(eventbus.WithLogger(s.logger))
	var seen []string
	bus.Subscribe("BatchIngested", eventbus.HandlerFunc(func(_ context.Context, e eventbus.Event) error {
		var body struct {
			Seq int `json:"seq"`
		}
		s.Require().NoError(eventbus.Decode(e, &body))
		seen = append(seen, fmt.Sprintf("%s/%d", e.AggregateID, body.Seq))
		return nil
	}))
	s.recordAt("batch-1", 1)
	s.recordAt("batch-1", 2)

	res, err := s.newPublisher(bus).RunOnce(s.ctx)

	s.Require().NoError(err)
	s.Equal(outbox.Result{Claimed: 2, Published: 2}, res)
	s.Equal([]string{"batch-1/1", "batch-1/2"}, seen)

	records, err := s.store.ListByAggregate(s.ctx, "batch", "batch-1")
	s.Require().NoError(err)
	s.Require().Len(records, 2)
	for _, r := range records {
		s.True(r.Processed)
		s.NotNil(r.ProcessedAt)
		s.Equal(outbox.StatusPublished, r.Status)
	}
	s.False(records[1].ProcessedAt.Before(*records[0].ProcessedAt))
}

func (s *PublisherSuite) TestFailureDefersLaterRecordsOfSameAggregate() {
	s.recordAt("batch-1", 1)
	s.recordAt("batch-1", 2)
	s.recordAt("batch-2", 1)
	boom := errors.New("broker unavailable")

	s.sink.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, e eventbus.Event) error {
			if e.AggregateID == "batch-1" {
				return boom
			}
			return nil
		}).Times(2)

	res, err := s.newPublisher(s.sink).RunOnce(s.ctx)

	s.Require().NoError(err)
	s.Equal(outbox.Result{Claimed: 3, Published: 1, Failed: 1, Deferred: 1}, res)

	records, _ := s.store.ListByAggregate(s.ctx, "batch", "batch-1")
	s.Equal(1, records[0].RetryCount)
	s.Equal("broker unavailable", records[0].LastError)
	s.False(records[0].Processed)
	s.Equal(0, records[1].RetryCount)

	s.Run("a later pass delivers everything once the sink recovers", func() {
		var order []string
		s.sink.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, e eventbus.Event) error {
				order = append(order, e.ID)
				return nil
			}).Times(2)

		res, err := s.newPublisher(s.sink).RunOnce(s.ctx)

		s.Require().NoError(err)
		s.Equal(2, res.Published)
		s.Equal([]string{records[0].ID.String(), records[1].ID.String()}, order)
		stats, _ := s.store.Stats(s.ctx)
		s.Equal(int64(3), stats.Published)
		s.Equal(int64(0), stats.Pending)
	})
}

func (s *PublisherSuite) TestMalformedRecordIsDeadLettered() {
	bad := outbox.Record{
		ID:            uuid.New(),
		AggregateID:   "batch-1",
		AggregateType: "batch",
		EventType:     "BatchIngested",
		Payload:       []byte("{truncated"),
		Status:        outbox.StatusPending,
		CreatedAt:     s.clock.Now(),
	}
	s.Require().NoError(s.store.Append(s.ctx, bad))
	s.recordAt("batch-1", 2)

	s.sink.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil).Times(1)

	res, err := s.newPublisher(s.sink).RunOnce(s.ctx)

	s.Require().NoError(err)
	s.Equal(outbox.Result{Claimed: 2, Published: 1, DeadLettered: 1}, res)
	got, err := s.store.Get(s.ctx, bad.ID)
	s.Require().NoError(err)
	s.Equal(outbox.StatusDeadLetter, got.Status)
	s.False(got.Processed)
	s.Contains(got.LastError, "not valid JSON")

	s.Run("dead letter is never claimed again", func() {
		res, err := s.newPublisher(s.sink).RunOnce(s.ctx)

		s.Require().NoError(err)
		s.Equal(0, res.Claimed)
	})
}

func (s *PublisherSuite) TestRetryCapMovesToDeadLetter() {
	s.recordAt("batch-1", 1)
	s.sink.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(errors.New("handler failed")).Times(2)
	p := s.newPublisher(s.sink, outbox.WithMaxRetries(2))

	first, err := p.RunOnce(s.ctx)
	s.Require().NoError(err)
	second, err := p.RunOnce(s.ctx)
	s.Require().NoError(err)

	s.Equal(1, first.Failed)
	s.Equal(1, second.DeadLettered)
	stats, _ := s.store.Stats(s.ctx)
	s.Equal(int64(1), stats.DeadLetter)
}

func (s *PublisherSuite) TestUnroutedEventIsMarkedProcessed() {
	s.recordAt("batch-1", 1)
	bus := eventbus.New(eventbus.WithLogger(s.logger))

	res, err := s.newPublisher(bus).RunOnce(s.ctx)

	s.Require().NoError(err)
	s.Equal(1, res.Published)
}

func (s *PublisherSuite) TestPublishContext() {
	s.recordAt("batch-7", 1)
	var gotCorrelation string
	var gotReplay bool
	s.sink.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, e eventbus.Event) error {
			gotCorrelation = correlation.CorrelationID(ctx)
			gotReplay = correlation.IsOutboxReplay(ctx)
			s.Equal("corr-batch-7", e.CorrelationID)
			return nil
		})

	_, err := s.newPublisher(s.sink).RunOnce(s.ctx)

	s.Require().NoError(err)
	s.Equal("corr-batch-7", gotCorrelation)
	s.True(gotReplay)
	s.False(correlation.IsOutboxReplay(s.ctx))
}

func (s *PublisherSuite) TestCancelledPassLeavesRemainingRecords() {
	s.recordAt("batch-1", 1)
	s.recordAt("batch-2", 1)
	ctx, cancel := context.WithCancel(s.ctx)

	s.sink.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, eventbus.Event) error {
			cancel()
			return nil
		}).Times(1)

	res, err := s.newPublisher(s.sink).RunOnce(ctx)

	s.Require().NoError(err)
	s.Equal(1, res.Published)
	stats, _ := s.store.Stats(s.ctx)
	s.Equal(int64(1), stats.Pending)
	s.Equal(int64(0), stats.Failing)
}

func (s *PublisherSuite) TestConcurrentPublishersDeliverEachRecordOnce() {
	const aggregates, perAggregate = 8, 10
	for seq := 1; seq <= perAggregate; seq++ {
		for a := range aggregates {
			s.recordAt(fmt.Sprintf("batch-%d", a), seq)
		}
	}

	var mu sync.Mutex
	deliveries := map[string]int{}
	lastSeq := map[string]int{}
	outOfOrder := 0
	bus := eventbus.New(eventbus.WithLogger(s.logger))
	bus.Subscribe("BatchIngested", eventbus.HandlerFunc(func(_ context.Context, e eventbus.Event) error {
		var body struct {
			Seq int `json:"seq"`
		}
		if err := eventbus.Decode(e, &body); err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		deliveries[e.ID]++
		if body.Seq <= lastSeq[e.AggregateID] {
			outOfOrder++
		}
		lastSeq[e.AggregateID] = body.Seq
		return nil
	}))

	var wg sync.WaitGroup
	for range 4 {
		p := s.newPublisher(bus, outbox.WithBatchSize(7))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				if _, err := p.RunOnce(s.ctx); err != nil {
					return
				}
			}
		}()
	}
	wg.Wait()

	s.Len(deliveries, aggregates*perAggregate)
	for id, n := range deliveries {
		s.Equal(1, n, "record %s delivered %d times", id, n)
	}
	s.Zero(outOfOrder)
}

func (s *PublisherSuite) TestRunStopsOnCancel() {
	s.recordAt("batch-1", 1)
	delivered := make(chan struct{}, 1)
	bus := eventbus.New(eventbus.WithLogger(s.logger))
	bus.Subscribe("BatchIngested", eventbus.HandlerFunc(func(context.Context, eventbus.Event) error {
		delivered <- struct{}{}
		return nil
	}))
	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan error, 1)

	go func() {
		done <- s.newPublisher(bus, outbox.WithPollInterval(10*time.Millisecond)).Run(ctx)
	}()
	<-delivered
	cancel()

	s.ErrorIs(<-done, context.Canceled)
}

// =============================================================================
// Recorder Tests
// =============================================================================

func (s *PublisherSuite) TestRecorder() {
	s.Run("defaults identifiers from the ambient context", func() {
		ctx := correlation.WithCorrelation(s.ctx, "corr-ambient", "cmd-1")

		s.Require().NoError(s.recorder.Record(ctx, outbox.DomainEvent{
			AggregateID: "batch-9", AggregateType: "batch", EventType: "BatchIngested",
			Payload: map[string]string{"batchId": "batch-9"},
		}))

		records, _ := s.store.ListByAggregate(s.ctx, "batch", "batch-9")
		s.Require().Len(records, 1)
		s.Equal("corr-ambient", records[0].CorrelationID)
		s.Equal("cmd-1", records[0].CausationID)
		s.Equal(outbox.StatusPending, records[0].Status)
		s.JSONEq(`{"batchId":"batch-9"}`, string(records[0].Payload))
	})

	s.Run("suppressed inside an outbox publish pass", func() {
		ctx := correlation.WithOutboxReplay(s.ctx, true)

		s.Require().NoError(s.recorder.Record(ctx, outbox.DomainEvent{
			AggregateID: "batch-10", AggregateType: "batch", EventType: "BatchIngested",
		}))

		records, _ := s.store.ListByAggregate(s.ctx, "batch", "batch-10")
		s.Empty(records)
	})

	s.Run("rejects events without identity", func() {
		err := s.recorder.Record(s.ctx, outbox.DomainEvent{EventType: "BatchIngested"})

		s.ErrorIs(err, outbox.ErrInvalidEvent)
	})
}
