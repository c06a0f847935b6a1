package outbox

import (
	"time"

	"github.com/google/uuid"
)

// Status is the publication state of an outbox record.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusPublished  Status = "PUBLISHED"
	StatusDeadLetter Status = "DEAD_LETTER"
)

// DomainEvent is created by domain code at the moment of a state change, before it is
// written to the outbox. Payload is encoded when the event is recorded.
type DomainEvent struct {
	AggregateID   string
	AggregateType string
	EventType     string
	CorrelationID string
	CausationID   string
	Payload       any
}

// Record is the durable form of a DomainEvent awaiting publication.
// Processed is true exactly when ProcessedAt is set.
type Record struct {
	ID            uuid.UUID
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       []byte
	CorrelationID string
	CausationID   string
	Headers       map[string]string
	Status        Status
	Processed     bool
	ProcessedAt   *time.Time
	RetryCount    int
	LastError     string
	CreatedAt     time.Time
}

// AggregateKey identifies the ordering scope of the record.
func (r Record) AggregateKey() string {
	return r.AggregateType + ":" + r.AggregateID
}

// Stats summarizes the outbox for operators.
type Stats struct {
	Pending    int64
	Failing    int64 // pending with at least one failed attempt
	Published  int64
	DeadLetter int64
}

// Result describes one publisher pass.
type Result struct {
	Claimed      int
	Published    int
	Failed       int
	DeadLettered int
	// Deferred counts records left untouched because an earlier record of the same
	// aggregate failed in this pass.
	Deferred int
}
