//go:build integration

package kafka_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"regtech/internal/platform/config"
	"regtech/internal/platform/kafka"
	"regtech/pkg/platform/eventbus"
	"regtech/pkg/testutil/containers"
)

type KafkaSuite struct {
	suite.Suite
	redpanda *containers.RedpandaContainer
	logger   *slog.Logger
}

func TestKafkaSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(KafkaSuite))
}

func (s *KafkaSuite) SetupSuite() {
	s.redpanda = containers.GetManager().GetRedpanda(s.T())
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (s *KafkaSuite) cfg() config.Kafka {
	return config.Kafka{
		Brokers:       s.redpanda.Brokers,
		Topic:         "regtech-events-" + uuid.NewString()[:8],
		ConsumerGroup: "regtech-test-" + uuid.NewString()[:8],
		Partitions:    3,
		Replication:   1,
	}
}

func (s *KafkaSuite) TestProduceConsumeKeepsAggregateOrder() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cfg := s.cfg()

	producer, err := kafka.NewProducer(cfg, kafka.WithProducerLogger(s.logger))
	s.Require().NoError(err)
	defer producer.Close()
	s.Require().NoError(kafka.EnsureTopic(ctx, producer.Client(), cfg.Topic, cfg.Partitions, cfg.Replication))
	s.Require().NoError(kafka.EnsureTopic(ctx, producer.Client(), cfg.Topic, cfg.Partitions, cfg.Replication), "existing topic is fine")

	var mu sync.Mutex
	var seen []eventbus.Event
	bus := eventbus.New(eventbus.WithLogger(s.logger))
	bus.Subscribe("BatchIngested", eventbus.HandlerFunc(func(_ context.Context, e eventbus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e)
		return nil
	}))

	consumer, err := kafka.NewConsumer(cfg, bus, kafka.WithConsumerLogger(s.logger))
	s.Require().NoError(err)
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- consumer.Run(runCtx) }()

	var want []string
	for i := range 5 {
		e, err := eventbus.NewEvent("BatchIngested", map[string]int{"seq": i}, "corr-1", "")
		s.Require().NoError(err)
		e.AggregateID = "batch-1"
		e.AggregateType = "batch"
		want = append(want, e.ID)
		s.Require().NoError(producer.Publish(ctx, e))
	}

	s.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == len(want)
	}, 20*time.Second, 100*time.Millisecond)

	mu.Lock()
	var got []string
	for _, e := range seen {
		got = append(got, e.ID)
		s.Equal("corr-1", e.CorrelationID)
	}
	mu.Unlock()
	s.Equal(want, got)

	stop()
	<-done
	consumer.Close()
}

func (s *KafkaSuite) TestUnsettledRecordIsRedelivered() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cfg := s.cfg()
	cfg.Partitions = 1

	producer, err := kafka.NewProducer(cfg, kafka.WithProducerLogger(s.logger))
	s.Require().NoError(err)
	defer producer.Close()
	s.Require().NoError(kafka.EnsureTopic(ctx, producer.Client(), cfg.Topic, cfg.Partitions, cfg.Replication))

	var want []string
	for i := range 3 {
		e, err := eventbus.NewEvent("BatchIngested", map[string]int{"seq": i}, "corr-1", "")
		s.Require().NoError(err)
		e.AggregateID = "batch-1"
		e.AggregateType = "batch"
		want = append(want, e.ID)
		s.Require().NoError(producer.Publish(ctx, e))
	}

	var mu sync.Mutex
	var seen []string
	outages := 2
	dispatch := dispatcher(func(_ context.Context, e eventbus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		if e.ID == want[1] && outages > 0 {
			outages--
			return errors.New("journal unreachable")
		}
		seen = append(seen, e.ID)
		return nil
	})

	consumer, err := kafka.NewConsumer(cfg, dispatch,
		kafka.WithConsumerLogger(s.logger),
		kafka.WithDispatchRetries(0),
		kafka.WithRedeliveryDelay(100*time.Millisecond),
	)
	s.Require().NoError(err)
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- consumer.Run(runCtx) }()

	s.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= len(want)
	}, 20*time.Second, 100*time.Millisecond)

	mu.Lock()
	s.Equal(want, seen, "the failed record and its successors arrive once, in order")
	s.Zero(outages)
	mu.Unlock()

	stop()
	<-done
	consumer.Close()
}

type dispatcher func(ctx context.Context, event eventbus.Event) error

func (f dispatcher) Publish(ctx context.Context, event eventbus.Event) error {
	return f(ctx, event)
}
