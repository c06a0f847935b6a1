package inbox

import (
	"context"
	"time"
)

// Store is the durable inbox journal keyed by (consumer, event id).
type Store interface {
	// Receive journals msg unless the pair already exists. It returns the stored
	// message and whether this call created it.
	Receive(ctx context.Context, msg Message) (Message, bool, error)
	// Transition applies u when the current state may move to u.To; otherwise it
	// returns sentinel.ErrInvalidState.
	Transition(ctx context.Context, consumer, eventID string, u Update) (Message, error)
	// ListRetryable returns FAILED messages whose next retry is due.
	ListRetryable(ctx context.Context, consumer string, now time.Time, limit int) ([]Message, error)
	Stats(ctx context.Context, consumer string) (Stats, error)
	// PurgeProcessed deletes COMPLETED and SKIPPED messages last updated before cutoff.
	PurgeProcessed(ctx context.Context, cutoff time.Time) (int64, error)
}
