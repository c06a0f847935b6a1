package inbox

import (
	"maps"
	"slices"
	"time"

	"regtech/pkg/platform/eventbus"
)

// Status is the lifecycle state of an inbound event in one consuming context.
type Status string

const (
	StatusReceived   Status = "RECEIVED"
	StatusSkipped    Status = "SKIPPED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusDeadLetter Status = "DEAD_LETTER"
)

// transitions lists the states each state may move to. RECEIVED dead-letters directly
// when no idempotency key can be built. Terminal states reopen to PROCESSING only for
// a controlled replay. PROCESSING may be re-entered once the
// guard admits the key again, i.e. the previous holder's registration is gone.
var transitions = map[Status][]Status{
	StatusReceived:   {StatusSkipped, StatusProcessing, StatusDeadLetter},
	StatusProcessing: {StatusProcessing, StatusCompleted, StatusFailed, StatusDeadLetter},
	StatusFailed:     {StatusProcessing, StatusSkipped, StatusDeadLetter},
	StatusCompleted:  {StatusProcessing},
	StatusSkipped:    {StatusProcessing},
	StatusDeadLetter: {StatusProcessing},
}

// CanTransitionTo reports whether s may move to next.
func (s Status) CanTransitionTo(next Status) bool {
	return slices.Contains(transitions[s], next)
}

// Terminal reports whether the bus needs no further delivery for this state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusSkipped, StatusDeadLetter:
		return true
	}
	return false
}

// AllowedFrom lists the states that may move to next.
func AllowedFrom(next Status) []Status {
	var from []Status
	for s, targets := range transitions {
		if slices.Contains(targets, next) {
			from = append(from, s)
		}
	}
	slices.Sort(from)
	return from
}

// Message is the journal entry of one event delivered to one consumer.
type Message struct {
	Consumer      string
	EventID       string
	EventType     string
	AggregateID   string
	AggregateType string
	CorrelationID string
	CausationID   string
	Payload       []byte
	Headers       map[string]string
	Status        Status
	RetryCount    int
	LastError     string
	NextRetryAt   *time.Time
	ReceivedAt    time.Time
	UpdatedAt     time.Time
	ProcessedAt   *time.Time
}

func newMessage(consumer string, e eventbus.Event, now time.Time) Message {
	return Message{
		Consumer:      consumer,
		EventID:       e.ID,
		EventType:     e.Type,
		AggregateID:   e.AggregateID,
		AggregateType: e.AggregateType,
		CorrelationID: e.CorrelationID,
		CausationID:   e.CausationID,
		Payload:       e.Payload,
		Headers:       maps.Clone(e.Headers),
		Status:        StatusReceived,
		ReceivedAt:    now,
		UpdatedAt:     now,
	}
}

// Event rebuilds the delivered event, used when re-driving a journaled message.
func (m Message) Event() eventbus.Event {
	return eventbus.Event{
		ID:            m.EventID,
		Type:          m.EventType,
		AggregateID:   m.AggregateID,
		AggregateType: m.AggregateType,
		Payload:       m.Payload,
		CorrelationID: m.CorrelationID,
		CausationID:   m.CausationID,
		OccurredAt:    m.ReceivedAt,
		Headers:       maps.Clone(m.Headers),
	}
}

// Update describes a state change applied by Store.Transition.
type Update struct {
	To          Status
	At          time.Time
	LastError   string
	NextRetryAt *time.Time
	// CountAttempt increments retry_count.
	CountAttempt bool
}

// Stats summarizes one consumer's journal.
type Stats struct {
	Received   int64
	Processing int64
	Completed  int64
	Skipped    int64
	Failed     int64
	DeadLetter int64
}

// Apply mutates m according to u. Callers check the transition first.
func Apply(m *Message, u Update) {
	m.Status = u.To
	m.UpdatedAt = u.At
	if u.CountAttempt {
		m.RetryCount++
	}
	if u.LastError != "" {
		m.LastError = u.LastError
	}
	m.NextRetryAt = nil
	if u.NextRetryAt != nil {
		t := *u.NextRetryAt
		m.NextRetryAt = &t
	}
	switch u.To {
	case StatusCompleted, StatusSkipped, StatusDeadLetter:
		at := u.At
		m.ProcessedAt = &at
	case StatusProcessing:
		m.ProcessedAt = nil
	}
}
