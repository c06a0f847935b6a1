package eventbus

import (
	"time"

	"github.com/google/uuid"
)

// Event is an integration event as seen by every subscribed context. Payload is the
// serialized business body; the envelope fields travel alongside it.
type Event struct {
	ID            string
	Type          string
	AggregateID   string
	AggregateType string
	Payload       []byte
	CorrelationID string
	CausationID   string
	OccurredAt    time.Time
	// Headers carries transport metadata such as W3C trace context.
	Headers map[string]string
}

// NewEvent builds an event with a fresh id. payload may be raw bytes or any value
// the codec can encode.
func NewEvent(eventType string, payload any, correlationID, causationID string) (Event, error) {
	body, err := Encode(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		Payload:       body,
		CorrelationID: correlationID,
		CausationID:   causationID,
		OccurredAt:    time.Now().UTC(),
	}, nil
}
