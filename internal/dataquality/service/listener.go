package service

import (
	"context"
	"fmt"

	"regtech/pkg/contracts/events"
	"regtech/pkg/platform/eventbus"
)

// Consumer names this context in the inbox journal.
const Consumer = "data-quality"

// Listener turns BatchIngested deliveries into quality assessments.
type Listener struct {
	svc *Service
}

func NewListener(svc *Service) *Listener {
	return &Listener{svc: svc}
}

func (l *Listener) Handle(ctx context.Context, e eventbus.Event) error {
	var payload events.BatchIngested
	if err := eventbus.Decode(e, &payload); err != nil {
		return err
	}
	_, err := l.svc.AssessBatch(ctx, payload)
	return err
}

// Key is the business idempotency key: one assessment per batch and bank, however
// many times the event is delivered.
func (l *Listener) Key(e eventbus.Event) (string, error) {
	var payload events.BatchIngested
	if err := eventbus.Decode(e, &payload); err != nil {
		return "", err
	}
	if payload.BatchID == "" || payload.BankID == "" {
		return "", fmt.Errorf("%w: %s event %s lacks batch or bank id", eventbus.ErrMalformedPayload, e.Type, e.ID)
	}
	return events.BatchKey(payload.BatchID, payload.BankID), nil
}
