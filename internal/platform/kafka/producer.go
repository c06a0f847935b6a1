package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"

	"regtech/internal/platform/config"
	"regtech/pkg/platform/eventbus"
)

// Producer publishes outbox records to Kafka. It satisfies outbox.Sink; a failed
// produce leaves the record pending for the next publisher pass.
type Producer struct {
	client     *kgo.Client
	topic      string
	logger     *slog.Logger
	maxRetries uint64
}

type ProducerOption func(*Producer)

func WithProducerLogger(logger *slog.Logger) ProducerOption {
	return func(p *Producer) {
		p.logger = logger
	}
}

// WithProduceRetries bounds in-call retries of one produce.
func WithProduceRetries(n uint64) ProducerOption {
	return func(p *Producer) {
		p.maxRetries = n
	}
}

func NewProducer(cfg config.Kafka, opts ...ProducerOption) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(5*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	p := &Producer{
		client:     client,
		topic:      cfg.Topic,
		logger:     slog.Default(),
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Client exposes the underlying client for topic administration.
func (p *Producer) Client() *kgo.Client {
	return p.client
}

func (p *Producer) Publish(ctx context.Context, event eventbus.Event) error {
	rec := ToRecord(p.topic, event)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(b, p.maxRetries), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := p.client.ProduceSync(ctx, rec).FirstErr()
		if err != nil && attempt <= int(p.maxRetries) {
			p.logger.WarnContext(ctx, "kafka produce failed, retrying",
				"topic", p.topic,
				"event_id", event.ID,
				"attempt", attempt,
				"error", err,
			)
		}
		return err
	}, policy)
	if err != nil {
		return fmt.Errorf("produce %s event %s: %w", event.Type, event.ID, err)
	}
	return nil
}

func (p *Producer) Health(ctx context.Context) error {
	return p.client.Ping(ctx)
}

func (p *Producer) Close() {
	p.client.Close()
}
