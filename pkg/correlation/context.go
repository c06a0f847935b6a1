// Package correlation provides the ambient causal context carried by every unit of work
// that produces or consumes integration events.
//
// Values live on context.Context, so each concurrent task owns its own scope chain and
// an override applies only to the derived context handed to a sub-call.
//
// Usage at the start of a unit of work:
//
//	ctx, correlationID := correlation.EnsureCorrelationID(ctx)
//
// Usage in the delivery layer (scoped overrides):
//
//	err := correlation.RunWithOutboxReplay(ctx, true, func(ctx context.Context) error {
//		return bus.Publish(ctx, event)
//	})
//
// Usage in listeners (read values):
//
//	if correlation.IsOutboxReplay(ctx) { ... }
//	id := correlation.CorrelationID(ctx)
package correlation

import (
	"context"

	"github.com/google/uuid"
)

// Context key types (unexported for encapsulation).
type (
	correlationIDKey struct{}
	causationIDKey   struct{}
	outboxReplayKey  struct{}
	inboxReplayKey   struct{}
)

// Exported context keys for direct use in tests that need context.WithValue.
var (
	ContextKeyCorrelationID = correlationIDKey{}
	ContextKeyCausationID   = causationIDKey{}
	ContextKeyOutboxReplay  = outboxReplayKey{}
	ContextKeyInboxReplay   = inboxReplayKey{}
)

// -----------------------------------------------------------------------------
// Causal identifiers
// -----------------------------------------------------------------------------

// CorrelationID returns the identifier shared by the whole causal chain, or "".
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(ContextKeyCorrelationID).(string); ok {
		return id
	}
	return ""
}

// CausationID returns the identifier of the immediate trigger, or "".
func CausationID(ctx context.Context) string {
	if id, ok := ctx.Value(ContextKeyCausationID).(string); ok {
		return id
	}
	return ""
}

// WithCorrelation returns a context carrying both identifiers. Empty values are stored
// as-is so an inner scope can clear what an outer scope set.
func WithCorrelation(ctx context.Context, correlationID, causationID string) context.Context {
	ctx = context.WithValue(ctx, ContextKeyCorrelationID, correlationID)
	return context.WithValue(ctx, ContextKeyCausationID, causationID)
}

// EnsureCorrelationID starts a new causal chain when none is active.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if id := CorrelationID(ctx); id != "" {
		return ctx, id
	}
	id := uuid.NewString()
	return context.WithValue(ctx, ContextKeyCorrelationID, id), id
}

// -----------------------------------------------------------------------------
// Replay flags
// -----------------------------------------------------------------------------

// IsOutboxReplay reports whether the caller runs inside an outbox publish pass.
func IsOutboxReplay(ctx context.Context) bool {
	on, _ := ctx.Value(ContextKeyOutboxReplay).(bool)
	return on
}

// WithOutboxReplay overrides the outbox replay flag for the derived context.
func WithOutboxReplay(ctx context.Context, on bool) context.Context {
	return context.WithValue(ctx, ContextKeyOutboxReplay, on)
}

// IsInboxReplay reports whether the caller runs inside inbox handling or a controlled
// re-drive.
func IsInboxReplay(ctx context.Context) bool {
	on, _ := ctx.Value(ContextKeyInboxReplay).(bool)
	return on
}

// WithInboxReplay overrides the inbox replay flag for the derived context.
func WithInboxReplay(ctx context.Context, on bool) context.Context {
	return context.WithValue(ctx, ContextKeyInboxReplay, on)
}

// -----------------------------------------------------------------------------
// Scoped execution
// -----------------------------------------------------------------------------

// RunWithCorrelation runs fn with the given identifiers visible to everything it calls.
// The caller's ctx is never mutated, so its values are intact once fn returns or panics.
func RunWithCorrelation(ctx context.Context, correlationID, causationID string, fn func(context.Context) error) error {
	return fn(WithCorrelation(ctx, correlationID, causationID))
}

// RunWithOutboxReplay runs fn with the outbox replay flag set to on.
func RunWithOutboxReplay(ctx context.Context, on bool, fn func(context.Context) error) error {
	return fn(WithOutboxReplay(ctx, on))
}

// RunWithInboxReplay runs fn with the inbox replay flag set to on.
func RunWithInboxReplay(ctx context.Context, on bool, fn func(context.Context) error) error {
	return fn(WithInboxReplay(ctx, on))
}

// -----------------------------------------------------------------------------
// Cross-process carriage
// -----------------------------------------------------------------------------

// Values is the serializable part of the context. Replay flags stay process-local.
type Values struct {
	CorrelationID string
	CausationID   string
}

// Snapshot captures the identifiers active on ctx.
func Snapshot(ctx context.Context) Values {
	return Values{CorrelationID: CorrelationID(ctx), CausationID: CausationID(ctx)}
}

// Restore re-establishes identifiers captured by Snapshot on another process.
func Restore(ctx context.Context, v Values) context.Context {
	return WithCorrelation(ctx, v.CorrelationID, v.CausationID)
}
