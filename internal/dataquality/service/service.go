package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"regtech/internal/dataquality/models"
	"regtech/pkg/contracts/events"
	"regtech/pkg/platform/clock"
	"regtech/pkg/platform/outbox"
	"regtech/pkg/platform/sentinel"
	txcontext "regtech/pkg/platform/tx"
)

type Store interface {
	Save(ctx context.Context, report models.Report) error
	Get(ctx context.Context, batchID, bankID string) (models.Report, error)
	Exists(ctx context.Context, batchID, bankID string) (bool, error)
}

type EventRecorder interface {
	Record(ctx context.Context, events ...outbox.DomainEvent) error
}

// Service scores ingested batches.
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

// AssessBatch stores the quality report and records BatchQualityCompleted together.
// A report that already exists is left alone.
func (s *Service) AssessBatch(ctx context.Context, batch events.BatchIngested) (models.Report, error) {
	report := models.Assess(batch.BatchID, batch.BankID, batch.ExposureCount, batch.TotalAmount, s.clock.Now())

	err := s.runner.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.store.Save(txCtx, report); err != nil {
			return fmt.Errorf("save quality report: %w", err)
		}
		return s.recorder.Record(txCtx, outbox.DomainEvent{
			AggregateID:   events.BatchKey(report.BatchID, report.BankID),
			AggregateType: events.AggregateQualityReport,
			EventType:     events.TypeBatchQualityCompleted,
			Payload: events.BatchQualityCompleted{
				BatchID:     report.BatchID,
				BankID:      report.BankID,
				Score:       report.Score,
				Passed:      report.Passed,
				CompletedAt: report.CreatedAt,
			},
		})
	})
	if errors.Is(err, sentinel.ErrConflict) {
		s.logger.InfoContext(ctx, "quality report already exists", "batch_id", batch.BatchID, "bank_id", batch.BankID)
		return s.store.Get(ctx, batch.BatchID, batch.BankID)
	}
	if err != nil {
		return models.Report{}, err
	}

	s.logger.InfoContext(ctx, "batch quality assessed",
		"batch_id", report.BatchID,
		"bank_id", report.BankID,
		"score", report.Score,
		"passed", report.Passed,
	)
	return report, nil
}

// Exists reports whether a quality report exists for the batch key "batch:bank".
// It is the durable half of the consumer's idempotency guard.
func (s *Service) Exists(ctx context.Context, key string) (bool, error) {
	batchID, bankID, ok := strings.Cut(key, ":")
	if !ok {
		return false, fmt.Errorf("malformed batch key %q", key)
	}
	return s.store.Exists(ctx, batchID, bankID)
}

func (s *Service) Get(ctx context.Context, batchID, bankID string) (models.Report, error) {
	return s.store.Get(ctx, batchID, bankID)
}
