package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"regtech/internal/platform/config"
	"regtech/pkg/correlation"
	"regtech/pkg/platform/eventbus"
)

// Dispatcher receives consumed events. *eventbus.Bus satisfies it.
type Dispatcher interface {
	Publish(ctx context.Context, event eventbus.Event) error
}

// Consumer feeds a topic into the local bus. A record's offset is committed only once
// dispatch settled it, so delivery is at least once and the inbox removes duplicates.
// A record dispatch could not settle is re-polled together with everything after it
// on its partition.
type Consumer struct {
	client          *kgo.Client
	dispatch        Dispatcher
	logger          *slog.Logger
	propagator      propagation.TextMapPropagator
	maxRetries      uint64
	redeliveryDelay time.Duration
}

type ConsumerOption func(*Consumer)

func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithDispatchRetries bounds how often one record is re-dispatched in place before its
// partition is rewound for a later poll.
func WithDispatchRetries(n uint64) ConsumerOption {
	return func(c *Consumer) {
		c.maxRetries = n
	}
}

// WithRedeliveryDelay sets the pause before re-polling a rewound partition.
func WithRedeliveryDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if d > 0 {
			c.redeliveryDelay = d
		}
	}
}

func NewConsumer(cfg config.Kafka, dispatch Dispatcher, opts ...ConsumerOption) (*Consumer, error) {
	switch {
	case len(cfg.Brokers) == 0:
		return nil, errors.New("kafka brokers are required")
	case cfg.ConsumerGroup == "":
		return nil, errors.New("kafka consumer group is required")
	case dispatch == nil:
		return nil, errors.New("dispatcher is required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
		// Offsets are rewound between polls; no revoke may interleave.
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	c := &Consumer{
		client:          client,
		dispatch:        dispatch,
		logger:          slog.Default(),
		propagator:      otel.GetTextMapPropagator(),
		maxRetries:      3,
		redeliveryDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run polls until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if ctx.Err() != nil {
			c.client.AllowRebalance()
			return ctx.Err()
		}
		for _, fe := range fetches.Errors() {
			if errors.Is(fe.Err, context.Canceled) {
				continue
			}
			c.logger.ErrorContext(ctx, "kafka fetch failed", "topic", fe.Topic, "partition", fe.Partition, "error", fe.Err)
		}

		done, rewind := c.process(ctx, fetches)
		if len(done) > 0 {
			if err := c.client.CommitRecords(context.WithoutCancel(ctx), done...); err != nil {
				c.logger.ErrorContext(ctx, "kafka commit failed", "records", len(done), "error", err)
			}
		}
		if len(rewind) > 0 {
			c.client.SetOffsets(rewind)
		}
		c.client.AllowRebalance()

		if len(rewind) > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.redeliveryDelay):
			}
		}
	}
}

// process dispatches fetched records partition by partition. It returns the records
// safe to commit and, for each partition where dispatch failed, the offset to resume
// from. Records after a failure are left for the redelivery so per-key order holds.
func (c *Consumer) process(ctx context.Context, fetches kgo.Fetches) ([]*kgo.Record, map[string]map[int32]kgo.EpochOffset) {
	var done []*kgo.Record
	rewind := make(map[string]map[int32]kgo.EpochOffset)
	fetches.EachPartition(func(p kgo.FetchTopicPartition) {
		for _, rec := range p.Records {
			if ctx.Err() != nil {
				return
			}
			if err := c.handle(ctx, rec); err != nil {
				if rewind[rec.Topic] == nil {
					rewind[rec.Topic] = make(map[int32]kgo.EpochOffset)
				}
				rewind[rec.Topic][rec.Partition] = kgo.EpochOffset{Epoch: rec.LeaderEpoch, Offset: rec.Offset}
				return
			}
			done = append(done, rec)
		}
	})
	return done, rewind
}

// handle dispatches one record. A nil result means the record is settled: delivered,
// unrouted, malformed, or journaled by every failing handler for its own re-drive.
func (c *Consumer) handle(ctx context.Context, rec *kgo.Record) error {
	event, err := FromRecord(rec)
	if err != nil {
		c.logger.ErrorContext(ctx, "CRITICAL: dropping malformed kafka record",
			"topic", rec.Topic,
			"partition", rec.Partition,
			"offset", rec.Offset,
			"error", err,
		)
		return nil
	}

	evCtx := c.propagator.Extract(ctx, propagation.MapCarrier(event.Headers))
	evCtx = correlation.WithCorrelation(evCtx, event.CorrelationID, event.CausationID)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	err = backoff.Retry(func() error {
		err := c.dispatch.Publish(evCtx, event)
		if err != nil && !eventbus.NeedsRedelivery(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx))

	switch {
	case err == nil:
		return nil
	case errors.Is(err, eventbus.ErrNoHandlers):
		c.logger.DebugContext(evCtx, "no local subscriber for kafka event", "event_type", event.Type, "event_id", event.ID)
		return nil
	case !eventbus.NeedsRedelivery(err):
		c.logger.WarnContext(evCtx, "kafka event handler failed, re-drive scheduled",
			"event_type", event.Type,
			"event_id", event.ID,
			"offset", rec.Offset,
			"error", err,
		)
		return nil
	default:
		c.logger.ErrorContext(evCtx, "kafka event dispatch failed, partition will be re-polled",
			"event_type", event.Type,
			"event_id", event.ID,
			"partition", rec.Partition,
			"offset", rec.Offset,
			"error", err,
		)
		return err
	}
}

func (c *Consumer) Close() {
	c.client.Close()
}
