package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"regtech/pkg/platform/eventbus"
)

var (
	ErrInvalidEvent  = errors.New("invalid domain event")
	ErrBatchClosed   = errors.New("outbox batch already closed")
	ErrNotInBatch    = errors.New("record not claimed by this batch")
	ErrMalformedData = errors.New("malformed outbox record")
)

// Appender persists records. Implementations must join the unit of work carried on
// ctx so a record exists exactly when the aggregate mutation it describes does.
type Appender interface {
	Append(ctx context.Context, records ...Record) error
}

// Store is the durable outbox.
type Store interface {
	Appender
	// Claim locks up to limit pending records, oldest first. Records claimed by another
	// live batch are skipped rather than waited on, and so is every later record of
	// their aggregates.
	Claim(ctx context.Context, limit int) (Batch, error)
	Stats(ctx context.Context) (Stats, error)
	ListByAggregate(ctx context.Context, aggregateType, aggregateID string) ([]Record, error)
}

// Batch is a claim held until Commit or Release. Marks become visible on Commit;
// Release (or a crash) leaves every record as it was before the claim.
type Batch interface {
	Records() []Record
	MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	MarkDeadLetter(ctx context.Context, id uuid.UUID, reason string) error
	Commit() error
	Release() error
}

// Sink receives published records. The in-process bus and the Kafka producer both
// satisfy it.
type Sink interface {
	Publish(ctx context.Context, event eventbus.Event) error
}

//go:generate mockgen -source=ports.go -destination=mocks/mocks.go -package=mocks Appender,Store,Batch,Sink
