package service

import (
	"context"
	"fmt"

	"regtech/pkg/contracts/events"
	"regtech/pkg/platform/eventbus"
)

const Consumer = "report-generation"

// Listener generates a report for every completed quality assessment.
type Listener struct {
	svc *Service
}

func NewListener(svc *Service) *Listener {
	return &Listener{svc: svc}
}

func (l *Listener) Handle(ctx context.Context, e eventbus.Event) error {
	var payload events.BatchQualityCompleted
	if err := eventbus.Decode(e, &payload); err != nil {
		return err
	}
	_, err := l.svc.Generate(ctx, payload)
	return err
}

func (l *Listener) Key(e eventbus.Event) (string, error) {
	var payload events.BatchQualityCompleted
	if err := eventbus.Decode(e, &payload); err != nil {
		return "", err
	}
	if payload.BatchID == "" || payload.BankID == "" {
		return "", fmt.Errorf("%w: %s event %s lacks batch or bank id", eventbus.ErrMalformedPayload, e.Type, e.ID)
	}
	return events.BatchKey(payload.BatchID, payload.BankID), nil
}
