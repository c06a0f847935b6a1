package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"regtech/pkg/correlation"
)

// Handler reacts to one integration event.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event Event) error

func (f HandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Named is implemented by handlers that want a stable name in errors and metrics.
type Named interface {
	Name() string
}

type subscription struct {
	name    string
	handler Handler
}

// Bus routes published events to every handler subscribed to the event type.
type Bus struct {
	mu         sync.RWMutex
	handlers   map[string][]subscription
	logger     *slog.Logger
	metrics    *Metrics
	tracer     trace.Tracer
	concurrent bool
}

// Option configures a Bus.
type Option func(*Bus)

func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(b *Bus) {
		b.metrics = metrics
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(b *Bus) {
		b.tracer = tracer
	}
}

// WithConcurrentDispatch runs the handlers of one event in parallel.
func WithConcurrentDispatch() Option {
	return func(b *Bus) {
		b.concurrent = true
	}
}

func New(opts ...Option) *Bus {
	b := &Bus{
		handlers: make(map[string][]subscription),
		logger:   slog.Default(),
		tracer:   otel.Tracer("regtech/eventbus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for eventType. Handlers of one type run independently.
func (b *Bus) Subscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	name := fmt.Sprintf("%s#%d", eventType, len(b.handlers[eventType]))
	if n, ok := handler.(Named); ok {
		name = n.Name()
	}
	b.handlers[eventType] = append(b.handlers[eventType], subscription{name: name, handler: handler})
}

// Subscribed reports the event types with at least one handler.
func (b *Bus) Subscribed() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	types := make([]string, 0, len(b.handlers))
	for t := range b.handlers {
		types = append(types, t)
	}
	return types
}

// Publish delivers event to every handler subscribed to its type. Each handler runs
// with the event's correlation id and the event id as causation id. A failing or
// panicking handler never prevents the others from running; failures come back as
// a *PublishError.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return ErrMissingType
	}

	b.mu.RLock()
	subs := append([]subscription(nil), b.handlers[event.Type]...)
	b.mu.RUnlock()

	if len(subs) == 0 {
		b.metrics.incUnrouted()
		return fmt.Errorf("%w: %s", ErrNoHandlers, event.Type)
	}

	ctx = handlerContext(ctx, event)
	ctx, span := b.tracer.Start(ctx, "eventbus.publish", trace.WithAttributes(
		attribute.String("event.type", event.Type),
		attribute.String("event.id", event.ID),
		attribute.Int("eventbus.handlers", len(subs)),
	))
	defer span.End()

	errs := make([]error, len(subs))
	if b.concurrent {
		var g errgroup.Group
		for i, sub := range subs {
			g.Go(func() error {
				errs[i] = b.dispatch(ctx, sub, event)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, sub := range subs {
			errs[i] = b.dispatch(ctx, sub, event)
		}
	}

	pubErr := &PublishError{EventType: event.Type, EventID: event.ID}
	for i, err := range errs {
		if err == nil {
			pubErr.Delivered++
			b.metrics.incDelivered(event.Type)
			continue
		}
		pubErr.Failures = append(pubErr.Failures, HandlerFailure{Handler: subs[i].name, Err: err})
		b.metrics.incHandlerFailure(event.Type, subs[i].name)
		b.logger.ErrorContext(ctx, "integration event handler failed",
			"event_type", event.Type,
			"event_id", event.ID,
			"handler", subs[i].name,
			"error", err,
		)
	}
	if len(pubErr.Failures) > 0 {
		span.SetStatus(codes.Error, pubErr.Error())
		return pubErr
	}
	return nil
}

func (b *Bus) dispatch(ctx context.Context, sub subscription, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return sub.handler.Handle(ctx, event)
}

func handlerContext(ctx context.Context, event Event) context.Context {
	correlationID := event.CorrelationID
	if correlationID == "" {
		correlationID = correlation.CorrelationID(ctx)
	}
	causationID := event.ID
	if causationID == "" {
		causationID = event.CausationID
	}
	return correlation.WithCorrelation(ctx, correlationID, causationID)
}
