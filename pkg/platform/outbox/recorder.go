package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"maps"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"regtech/pkg/correlation"
	"regtech/pkg/platform/clock"
	"regtech/pkg/platform/eventbus"
)

// Recorder turns domain events into outbox records inside the caller's unit of work.
type Recorder struct {
	store      Appender
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *Metrics
	propagator propagation.TextMapPropagator
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

func WithRecorderLogger(logger *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		r.logger = logger
	}
}

func WithRecorderMetrics(metrics *Metrics) RecorderOption {
	return func(r *Recorder) {
		r.metrics = metrics
	}
}

func WithRecorderClock(c clock.Clock) RecorderOption {
	return func(r *Recorder) {
		r.clock = c
	}
}

func NewRecorder(store Appender, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:      store,
		clock:      clock.System{},
		logger:     slog.Default(),
		propagator: otel.GetTextMapPropagator(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record appends events to the outbox. Correlation and causation ids default to the
// ones active on ctx. Inside an outbox publish pass the append is skipped: the fact
// being reacted to is already in the outbox.
func (r *Recorder) Record(ctx context.Context, events ...DomainEvent) error {
	if len(events) == 0 {
		return nil
	}
	if correlation.IsOutboxReplay(ctx) {
		r.metrics.incSuppressed(len(events))
		r.logger.DebugContext(ctx, "outbox replay active, append skipped",
			"event_type", events[0].EventType,
			"count", len(events),
		)
		return nil
	}

	now := r.clock.Now()
	headers := map[string]string{}
	r.propagator.Inject(ctx, propagation.MapCarrier(headers))

	records := make([]Record, 0, len(events))
	for _, e := range events {
		rec, err := r.toRecord(ctx, e, headers)
		if err != nil {
			return err
		}
		rec.CreatedAt = now
		records = append(records, rec)
	}

	if err := r.store.Append(ctx, records...); err != nil {
		return fmt.Errorf("append outbox records: %w", err)
	}
	r.metrics.incAppended(len(records))
	return nil
}

func (r *Recorder) toRecord(ctx context.Context, e DomainEvent, headers map[string]string) (Record, error) {
	if e.AggregateID == "" || e.AggregateType == "" || e.EventType == "" {
		return Record{}, fmt.Errorf("%w: aggregate id, aggregate type and event type are required", ErrInvalidEvent)
	}
	payload, err := eventbus.Encode(e.Payload)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	correlationID := e.CorrelationID
	if correlationID == "" {
		correlationID = correlation.CorrelationID(ctx)
	}
	causationID := e.CausationID
	if causationID == "" {
		causationID = correlation.CausationID(ctx)
	}

	return Record{
		ID:            uuid.New(),
		AggregateID:   e.AggregateID,
		AggregateType: e.AggregateType,
		EventType:     e.EventType,
		Payload:       payload,
		CorrelationID: correlationID,
		CausationID:   causationID,
		Headers:       maps.Clone(headers),
		Status:        StatusPending,
	}, nil
}
