package kafka

import (
	"fmt"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"regtech/pkg/platform/eventbus"
)

// Envelope header names. Everything else in Event.Headers travels under its own key.
const (
	HeaderEventID       = "event_id"
	HeaderEventType     = "event_type"
	HeaderAggregateID   = "aggregate_id"
	HeaderAggregateType = "aggregate_type"
	HeaderCorrelationID = "correlation_id"
	HeaderCausationID   = "causation_id"
	HeaderOccurredAt    = "occurred_at"
)

var envelopeHeaders = map[string]bool{
	HeaderEventID:       true,
	HeaderEventType:     true,
	HeaderAggregateID:   true,
	HeaderAggregateType: true,
	HeaderCorrelationID: true,
	HeaderCausationID:   true,
	HeaderOccurredAt:    true,
}

// ToRecord maps an event onto a Kafka record keyed by aggregate, so one aggregate's
// events share a partition and keep their order.
func ToRecord(topic string, e eventbus.Event) *kgo.Record {
	rec := &kgo.Record{
		Topic: topic,
		Value: e.Payload,
	}
	if e.AggregateID != "" {
		rec.Key = []byte(e.AggregateType + ":" + e.AggregateID)
	}
	add := func(k, v string) {
		if v != "" {
			rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
	}
	add(HeaderEventID, e.ID)
	add(HeaderEventType, e.Type)
	add(HeaderAggregateID, e.AggregateID)
	add(HeaderAggregateType, e.AggregateType)
	add(HeaderCorrelationID, e.CorrelationID)
	add(HeaderCausationID, e.CausationID)
	if !e.OccurredAt.IsZero() {
		add(HeaderOccurredAt, e.OccurredAt.UTC().Format(time.RFC3339Nano))
	}
	for k, v := range e.Headers {
		if !envelopeHeaders[k] {
			add(k, v)
		}
	}
	return rec
}

// FromRecord rebuilds the event carried by rec.
func FromRecord(rec *kgo.Record) (eventbus.Event, error) {
	e := eventbus.Event{Payload: rec.Value}
	for _, h := range rec.Headers {
		v := string(h.Value)
		switch h.Key {
		case HeaderEventID:
			e.ID = v
		case HeaderEventType:
			e.Type = v
		case HeaderAggregateID:
			e.AggregateID = v
		case HeaderAggregateType:
			e.AggregateType = v
		case HeaderCorrelationID:
			e.CorrelationID = v
		case HeaderCausationID:
			e.CausationID = v
		case HeaderOccurredAt:
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return eventbus.Event{}, fmt.Errorf("%w: occurred_at %q", eventbus.ErrMalformedPayload, v)
			}
			e.OccurredAt = t
		default:
			if e.Headers == nil {
				e.Headers = make(map[string]string)
			}
			e.Headers[h.Key] = v
		}
	}
	if strings.TrimSpace(e.ID) == "" || strings.TrimSpace(e.Type) == "" {
		return eventbus.Event{}, fmt.Errorf("%w: record at %s/%d@%d lacks event id or type",
			eventbus.ErrMalformedPayload, rec.Topic, rec.Partition, rec.Offset)
	}
	return e, nil
}
