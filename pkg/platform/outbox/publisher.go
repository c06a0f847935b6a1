package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"regtech/pkg/correlation"
	"regtech/pkg/platform/clock"
	"regtech/pkg/platform/eventbus"
)

const (
	defaultBatchSize     = 100
	defaultPollInterval  = time.Second
	defaultStatsInterval = 30 * time.Second
)

// Publisher claims pending outbox records and hands them to a Sink.
type Publisher struct {
	store         Store
	sink          Sink
	clock         clock.Clock
	logger        *slog.Logger
	metrics       *Metrics
	tracer        trace.Tracer
	propagator    propagation.TextMapPropagator
	batchSize     int
	pollInterval  time.Duration
	statsInterval time.Duration
	maxRetries    int
}

// Option configures a Publisher.
type Option func(*Publisher)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(p *Publisher) {
		p.metrics = metrics
	}
}

func WithClock(c clock.Clock) Option {
	return func(p *Publisher) {
		p.clock = c
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(p *Publisher) {
		p.tracer = tracer
	}
}

func WithBatchSize(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

func WithStatsInterval(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.statsInterval = d
		}
	}
}

// WithMaxRetries moves a record to dead letter once it has failed n times.
// Zero keeps retrying forever.
func WithMaxRetries(n int) Option {
	return func(p *Publisher) {
		if n >= 0 {
			p.maxRetries = n
		}
	}
}

func NewPublisher(store Store, sink Sink, opts ...Option) (*Publisher, error) {
	if store == nil {
		return nil, errors.New("outbox store is required")
	}
	if sink == nil {
		return nil, errors.New("outbox sink is required")
	}
	p := &Publisher{
		store:         store,
		sink:          sink,
		clock:         clock.System{},
		logger:        slog.Default(),
		tracer:        otel.Tracer("regtech/outbox"),
		propagator:    otel.GetTextMapPropagator(),
		batchSize:     defaultBatchSize,
		pollInterval:  defaultPollInterval,
		statsInterval: defaultStatsInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Run polls until ctx is cancelled. A full batch is followed immediately by another
// pass so a backlog drains without waiting for the ticker.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	var lastStats time.Time
	for {
		for {
			res, err := p.RunOnce(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.ErrorContext(ctx, "outbox pass failed", "error", err)
				}
				break
			}
			if res.Claimed < p.batchSize || res.Published+res.DeadLettered == 0 {
				break
			}
		}
		if time.Since(lastStats) >= p.statsInterval {
			p.refreshStats(ctx)
			lastStats = time.Now()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single claim-publish-commit pass.
func (p *Publisher) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	start := time.Now()

	ctx, span := p.tracer.Start(ctx, "outbox.publish_batch")
	defer span.End()

	batch, err := p.store.Claim(ctx, p.batchSize)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return res, fmt.Errorf("claim outbox batch: %w", err)
	}
	defer func() {
		_ = batch.Release()
	}()

	records := batch.Records()
	res.Claimed = len(records)
	span.SetAttributes(attribute.Int("outbox.claimed", res.Claimed))

	blocked := make(map[string]struct{})
	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		if _, ok := blocked[rec.AggregateKey()]; ok {
			res.Deferred++
			continue
		}

		outcome, err := p.publishRecord(ctx, batch, rec)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return res, err
		}
		switch outcome {
		case outcomePublished:
			res.Published++
		case outcomeDeadLettered:
			res.DeadLettered++
		case outcomeFailed:
			res.Failed++
			blocked[rec.AggregateKey()] = struct{}{}
		case outcomeInterrupted:
			blocked[rec.AggregateKey()] = struct{}{}
		}
	}

	if err := batch.Commit(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return res, fmt.Errorf("commit outbox batch: %w", err)
	}
	p.metrics.observeResult(res, time.Since(start))
	if res.Claimed > 0 {
		p.logger.DebugContext(ctx, "outbox pass complete",
			"claimed", res.Claimed,
			"published", res.Published,
			"failed", res.Failed,
			"dead_lettered", res.DeadLettered,
			"deferred", res.Deferred,
		)
	}
	return res, nil
}

type outcome int

const (
	outcomePublished outcome = iota
	outcomeFailed
	outcomeDeadLettered
	outcomeInterrupted
)

// publishRecord returns an error only when the batch itself can no longer be trusted.
func (p *Publisher) publishRecord(ctx context.Context, batch Batch, rec Record) (outcome, error) {
	event, err := toEvent(rec)
	if err != nil {
		p.logger.ErrorContext(ctx, "CRITICAL: malformed outbox record moved to dead letter",
			"record_id", rec.ID,
			"event_type", rec.EventType,
			"correlation_id", rec.CorrelationID,
			"error", err,
		)
		if markErr := batch.MarkDeadLetter(ctx, rec.ID, err.Error()); markErr != nil {
			return 0, fmt.Errorf("mark outbox record dead letter: %w", markErr)
		}
		return outcomeDeadLettered, nil
	}

	pubCtx := p.propagator.Extract(ctx, propagation.MapCarrier(rec.Headers))
	err = correlation.RunWithCorrelation(pubCtx, rec.CorrelationID, "", func(ctx context.Context) error {
		return correlation.RunWithOutboxReplay(ctx, true, func(ctx context.Context) error {
			return p.sink.Publish(ctx, event)
		})
	})

	switch {
	case err == nil || errors.Is(err, eventbus.ErrNoHandlers):
		if err != nil {
			p.logger.WarnContext(ctx, "no handler for outbox event, marking processed",
				"record_id", rec.ID,
				"event_type", rec.EventType,
			)
		}
		if markErr := batch.MarkPublished(ctx, rec.ID, p.clock.Now()); markErr != nil {
			return 0, fmt.Errorf("mark outbox record published: %w", markErr)
		}
		return outcomePublished, nil

	case ctx.Err() != nil:
		return outcomeInterrupted, nil

	case p.maxRetries > 0 && rec.RetryCount+1 >= p.maxRetries:
		reason := fmt.Sprintf("retries exhausted after %d attempts: %v", rec.RetryCount+1, err)
		p.logger.ErrorContext(ctx, "CRITICAL: outbox record moved to dead letter",
			"record_id", rec.ID,
			"event_type", rec.EventType,
			"correlation_id", rec.CorrelationID,
			"error", err,
		)
		if markErr := batch.MarkDeadLetter(ctx, rec.ID, reason); markErr != nil {
			return 0, fmt.Errorf("mark outbox record dead letter: %w", markErr)
		}
		return outcomeDeadLettered, nil

	default:
		p.logger.WarnContext(ctx, "outbox publish failed, will retry",
			"record_id", rec.ID,
			"event_type", rec.EventType,
			"correlation_id", rec.CorrelationID,
			"retry_count", rec.RetryCount+1,
			"error", err,
		)
		if markErr := batch.MarkFailed(ctx, rec.ID, err.Error()); markErr != nil {
			return 0, fmt.Errorf("mark outbox record failed: %w", markErr)
		}
		return outcomeFailed, nil
	}
}

func (p *Publisher) refreshStats(ctx context.Context) {
	stats, err := p.store.Stats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.WarnContext(ctx, "outbox stats unavailable", "error", err)
		}
		return
	}
	p.metrics.setStats(stats)
	if stats.DeadLetter > 0 || stats.Failing > 0 {
		p.logger.InfoContext(ctx, "outbox stats",
			"pending", stats.Pending,
			"failing", stats.Failing,
			"published", stats.Published,
			"dead_letter", stats.DeadLetter,
		)
	}
}

func toEvent(rec Record) (eventbus.Event, error) {
	if rec.EventType == "" {
		return eventbus.Event{}, fmt.Errorf("%w: record %s has no event type", ErrMalformedData, rec.ID)
	}
	if !eventbus.Valid(rec.Payload) {
		return eventbus.Event{}, fmt.Errorf("%w: record %s payload is not valid JSON", ErrMalformedData, rec.ID)
	}
	return eventbus.Event{
		ID:            rec.ID.String(),
		Type:          rec.EventType,
		AggregateID:   rec.AggregateID,
		AggregateType: rec.AggregateType,
		Payload:       rec.Payload,
		CorrelationID: rec.CorrelationID,
		CausationID:   rec.CausationID,
		OccurredAt:    rec.CreatedAt,
		Headers:       maps.Clone(rec.Headers),
	}, nil
}
