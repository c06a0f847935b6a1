package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"regtech/pkg/correlation"
	"regtech/pkg/platform/clock"
	"regtech/pkg/platform/eventbus"
	"regtech/pkg/platform/sentinel"
)

const (
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 30 * time.Second
	defaultRetryMaxDelay  = 30 * time.Minute
)

// Guard is the dedup contract the processor needs from idempotency.Guard.
type Guard interface {
	TryMark(ctx context.Context, key string) (bool, error)
	Unmark(ctx context.Context, key string) error
	Complete(ctx context.Context, key string) error
}

// KeyFunc derives the idempotency key of an event for one consumer.
type KeyFunc func(event eventbus.Event) (string, error)

// Processor wraps a context's handler with journaling and deduplication. It is itself
// an eventbus.Handler, so it is what gets subscribed on the bus.
type Processor struct {
	consumer    string
	handler     eventbus.Handler
	guard       Guard
	store       Store
	keyFunc     KeyFunc
	clock       clock.Clock
	logger      *slog.Logger
	metrics     *Metrics
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// Option configures a Processor.
type Option func(*Processor)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(p *Processor) {
		p.metrics = metrics
	}
}

func WithClock(c clock.Clock) Option {
	return func(p *Processor) {
		p.clock = c
	}
}

// WithKeyFunc replaces the default key (consumer and event id) with a business key,
// e.g. batch and bank ids.
func WithKeyFunc(fn KeyFunc) Option {
	return func(p *Processor) {
		p.keyFunc = fn
	}
}

// WithMaxAttempts caps handler attempts before a message is dead-lettered.
func WithMaxAttempts(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithRetryBackoff sets the exponential schedule for re-driving failed messages.
func WithRetryBackoff(base, max time.Duration) Option {
	return func(p *Processor) {
		if base > 0 {
			p.baseDelay = base
		}
		if max > 0 {
			p.maxDelay = max
		}
	}
}

func NewProcessor(consumer string, handler eventbus.Handler, guard Guard, store Store, opts ...Option) (*Processor, error) {
	switch {
	case consumer == "":
		return nil, errors.New("consumer name is required")
	case handler == nil:
		return nil, errors.New("handler is required")
	case guard == nil:
		return nil, errors.New("idempotency guard is required")
	case store == nil:
		return nil, errors.New("inbox store is required")
	}
	p := &Processor{
		consumer:    consumer,
		handler:     handler,
		guard:       guard,
		store:       store,
		clock:       clock.System{},
		logger:      slog.Default(),
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultRetryBaseDelay,
		maxDelay:    defaultRetryMaxDelay,
	}
	p.keyFunc = func(e eventbus.Event) (string, error) {
		return p.consumer + ":" + e.ID, nil
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Name identifies the processor on the bus.
func (p *Processor) Name() string {
	return p.consumer
}

// Handle implements eventbus.Handler. SKIPPED, COMPLETED and DEAD_LETTER are
// successes from the bus's point of view. A journaled FAILED returns the handler error
// wrapped in eventbus.ErrRetryScheduled; any other error means nothing was journaled
// for re-drive and the delivery must be repeated.
func (p *Processor) Handle(ctx context.Context, event eventbus.Event) error {
	_, err := p.Process(ctx, event)
	return err
}

// Process runs one delivery through RECEIVED, the dedup check and the handler, and
// returns the resulting status.
func (p *Processor) Process(ctx context.Context, event eventbus.Event) (Status, error) {
	if event.ID == "" {
		return StatusReceived, fmt.Errorf("%s: %w: event id is required", p.consumer, eventbus.ErrMalformedPayload)
	}
	replay := correlation.IsInboxReplay(ctx)

	msg, created, err := p.store.Receive(ctx, newMessage(p.consumer, event, p.clock.Now()))
	if err != nil {
		return StatusReceived, fmt.Errorf("journal inbound %s event %s: %w", event.Type, event.ID, err)
	}
	// A replay re-runs handlers on purpose, so the journal short-circuit is skipped;
	// the guard below still applies.
	if !created && !replay && msg.Status.Terminal() {
		p.logger.DebugContext(ctx, "duplicate delivery, already handled",
			"consumer", p.consumer,
			"event_id", event.ID,
			"event_type", event.Type,
			"journal_status", msg.Status,
		)
		p.metrics.incOutcome(p.consumer, StatusSkipped)
		return StatusSkipped, nil
	}

	key, err := p.keyFunc(event)
	if err != nil {
		return p.deadLetter(ctx, event, msg, err)
	}
	ok, err := p.guard.TryMark(ctx, key)
	if err != nil {
		return msg.Status, fmt.Errorf("check idempotency of %s event %s: %w", event.Type, event.ID, err)
	}
	if !ok {
		return p.skip(ctx, event, key)
	}

	if _, err := p.store.Transition(ctx, p.consumer, event.ID, Update{To: StatusProcessing, At: p.clock.Now()}); err != nil {
		p.unmark(ctx, key)
		if errors.Is(err, sentinel.ErrInvalidState) {
			return p.skip(ctx, event, key)
		}
		return msg.Status, fmt.Errorf("start processing %s event %s: %w", event.Type, event.ID, err)
	}

	handleErr := p.invoke(ctx, event)
	if handleErr == nil {
		return p.complete(ctx, event, key)
	}

	p.unmark(ctx, key)
	attempts := msg.RetryCount + 1
	if errors.Is(handleErr, eventbus.ErrMalformedPayload) || attempts >= p.maxAttempts {
		return p.deadLetter(ctx, event, msg, handleErr)
	}
	return p.fail(ctx, event, attempts, handleErr)
}

// invoke starts a new unit of work in the consuming context: same causal chain, the
// delivered event as cause, inbox replay on and the publisher's outbox replay cleared.
func (p *Processor) invoke(ctx context.Context, event eventbus.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", eventbus.ErrHandlerPanic, r)
		}
	}()

	correlationID := event.CorrelationID
	if correlationID == "" {
		correlationID = correlation.CorrelationID(ctx)
	}
	ctx = correlation.WithCorrelation(ctx, correlationID, event.ID)
	ctx = correlation.WithOutboxReplay(ctx, false)
	return correlation.RunWithInboxReplay(ctx, true, func(ctx context.Context) error {
		return p.handler.Handle(ctx, event)
	})
}

func (p *Processor) skip(ctx context.Context, event eventbus.Event, key string) (Status, error) {
	if _, err := p.store.Transition(ctx, p.consumer, event.ID, Update{To: StatusSkipped, At: p.clock.Now()}); err != nil &&
		!errors.Is(err, sentinel.ErrInvalidState) {
		p.logger.WarnContext(ctx, "failed to journal skipped delivery", "consumer", p.consumer, "event_id", event.ID, "error", err)
	}
	p.logger.DebugContext(ctx, "duplicate delivery skipped",
		"consumer", p.consumer,
		"event_id", event.ID,
		"event_type", event.Type,
		"idempotency_key", key,
	)
	p.metrics.incOutcome(p.consumer, StatusSkipped)
	return StatusSkipped, nil
}

func (p *Processor) complete(ctx context.Context, event eventbus.Event, key string) (Status, error) {
	if err := p.guard.Complete(ctx, key); err != nil {
		p.logger.WarnContext(ctx, "failed to settle idempotency key", "consumer", p.consumer, "idempotency_key", key, "error", err)
	}
	if _, err := p.store.Transition(ctx, p.consumer, event.ID, Update{To: StatusCompleted, At: p.clock.Now()}); err != nil {
		// The side effect is durable; a redelivery is turned away by the guard.
		p.logger.WarnContext(ctx, "failed to journal completed delivery", "consumer", p.consumer, "event_id", event.ID, "error", err)
	}
	p.logger.DebugContext(ctx, "inbound event processed",
		"consumer", p.consumer,
		"event_id", event.ID,
		"event_type", event.Type,
	)
	p.metrics.incOutcome(p.consumer, StatusCompleted)
	return StatusCompleted, nil
}

func (p *Processor) fail(ctx context.Context, event eventbus.Event, attempts int, cause error) (Status, error) {
	now := p.clock.Now()
	next := now.Add(p.retryDelay(attempts))
	if _, err := p.store.Transition(ctx, p.consumer, event.ID, Update{
		To:           StatusFailed,
		At:           now,
		LastError:    cause.Error(),
		NextRetryAt:  &next,
		CountAttempt: true,
	}); err != nil {
		// Nothing is scheduled, so the failure stays with the transport.
		p.logger.ErrorContext(ctx, "failed to journal failed delivery", "consumer", p.consumer, "event_id", event.ID, "error", err)
		p.metrics.incOutcome(p.consumer, StatusFailed)
		return StatusFailed, fmt.Errorf("%s handling %s event %s: %w", p.consumer, event.Type, event.ID, errors.Join(cause, err))
	}
	p.logger.ErrorContext(ctx, "inbound event handler failed",
		"consumer", p.consumer,
		"event_id", event.ID,
		"event_type", event.Type,
		"attempt", attempts,
		"next_retry_at", next,
		"error", cause,
	)
	p.metrics.incOutcome(p.consumer, StatusFailed)
	return StatusFailed, fmt.Errorf("%s handling %s event %s: %w: %w", p.consumer, event.Type, event.ID, eventbus.ErrRetryScheduled, cause)
}

func (p *Processor) deadLetter(ctx context.Context, event eventbus.Event, msg Message, cause error) (Status, error) {
	if _, err := p.store.Transition(ctx, p.consumer, event.ID, Update{
		To:           StatusDeadLetter,
		At:           p.clock.Now(),
		LastError:    cause.Error(),
		CountAttempt: true,
	}); err != nil {
		if !errors.Is(err, sentinel.ErrInvalidState) {
			p.logger.ErrorContext(ctx, "failed to journal dead-lettered delivery", "consumer", p.consumer, "event_id", event.ID, "error", err)
			return msg.Status, fmt.Errorf("dead-letter %s event %s: %w", event.Type, event.ID, err)
		}
		// Only a replayed terminal message gets here; its journal is already settled.
		p.logger.WarnContext(ctx, "dead letter not journaled over terminal state", "consumer", p.consumer, "event_id", event.ID, "journal_status", msg.Status)
	}
	p.logger.ErrorContext(ctx, "CRITICAL: inbound event moved to dead letter",
		"consumer", p.consumer,
		"event_id", event.ID,
		"event_type", event.Type,
		"attempts", msg.RetryCount+1,
		"error", cause,
	)
	p.metrics.incOutcome(p.consumer, StatusDeadLetter)
	return StatusDeadLetter, nil
}

func (p *Processor) unmark(ctx context.Context, key string) {
	if err := p.guard.Unmark(ctx, key); err != nil {
		p.logger.WarnContext(ctx, "failed to release idempotency key", "consumer", p.consumer, "idempotency_key", key, "error", err)
	}
}

// retryDelay returns the wait before the given attempt is re-driven.
func (p *Processor) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.baseDelay
	b.MaxInterval = p.maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Redrive re-dispatches FAILED messages whose retry is due, as a controlled replay.
// It returns how many messages were re-driven.
func (p *Processor) Redrive(ctx context.Context, limit int) (int, error) {
	msgs, err := p.store.ListRetryable(ctx, p.consumer, p.clock.Now(), limit)
	if err != nil {
		return 0, fmt.Errorf("list retryable inbox messages: %w", err)
	}

	replayCtx := correlation.WithInboxReplay(ctx, true)
	n := 0
	for _, msg := range msgs {
		if ctx.Err() != nil {
			break
		}
		status, err := p.Process(replayCtx, msg.Event())
		p.metrics.incRedriven(p.consumer)
		n++
		if err != nil {
			p.logger.WarnContext(ctx, "re-driven event failed again",
				"consumer", p.consumer,
				"event_id", msg.EventID,
				"status", status,
				"error", err,
			)
		}
	}
	return n, nil
}

// Consumer returns the consuming context name.
func (p *Processor) Consumer() string {
	return p.consumer
}
