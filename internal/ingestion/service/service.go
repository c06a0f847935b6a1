package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"regtech/internal/ingestion/models"
	"regtech/pkg/contracts/events"
	"regtech/pkg/correlation"
	"regtech/pkg/platform/clock"
	"regtech/pkg/platform/outbox"
	"regtech/pkg/platform/sentinel"
	txcontext "regtech/pkg/platform/tx"
)

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks Store,EventRecorder

type Store interface {
	Save(ctx context.Context, batch models.Batch) error
	Get(ctx context.Context, batchID, bankID string) (models.Batch, error)
}

// EventRecorder appends domain events to the outbox inside the caller's transaction.
type EventRecorder interface {
	Record(ctx context.Context, events ...outbox.DomainEvent) error
}

// Service accepts exposure batches from banks.
type Service struct {
	store    Store
	runner   txcontext.Runner
	recorder EventRecorder
	clock    clock.Clock
	logger   *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		s.clock = c
	}
}

func New(store Store, runner txcontext.Runner, recorder EventRecorder, opts ...Option) *Service {
	s := &Service{
		store:    store,
		runner:   runner,
		recorder: recorder,
		clock:    clock.System{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IngestBatch stores the batch and records BatchIngested in one unit of work. A
// batch already ingested for the bank is reported as sentinel.ErrConflict.
func (s *Service) IngestBatch(ctx context.Context, batchID, bankID string, exposures []models.Exposure) (models.Batch, error) {
	ctx, _ = correlation.EnsureCorrelationID(ctx)

	batch, err := models.NewBatch(batchID, bankID, exposures, s.clock.Now())
	if err != nil {
		return models.Batch{}, err
	}

	err = s.runner.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.store.Save(txCtx, batch); err != nil {
			return fmt.Errorf("save batch: %w", err)
		}
		return s.recorder.Record(txCtx, outbox.DomainEvent{
			AggregateID:   events.BatchKey(batch.BatchID, batch.BankID),
			AggregateType: events.AggregateBatch,
			EventType:     events.TypeBatchIngested,
			Payload: events.BatchIngested{
				BatchID:       batch.BatchID,
				BankID:        batch.BankID,
				ExposureCount: batch.ExposureCount,
				TotalAmount:   batch.TotalAmount,
				IngestedAt:    batch.IngestedAt,
			},
		})
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			s.logger.InfoContext(ctx, "batch already ingested", "batch_id", batchID, "bank_id", bankID)
		}
		return models.Batch{}, err
	}

	s.logger.InfoContext(ctx, "batch ingested",
		"batch_id", batch.BatchID,
		"bank_id", batch.BankID,
		"exposures", batch.ExposureCount,
	)
	return batch, nil
}

func (s *Service) Get(ctx context.Context, batchID, bankID string) (models.Batch, error) {
	return s.store.Get(ctx, batchID, bankID)
}
