package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"regtech/internal/reportgeneration/models"
	"regtech/pkg/contracts/events"
	"regtech/pkg/platform/clock"
	"regtech/pkg/platform/outbox"
	"regtech/pkg/platform/sentinel"
	txcontext "regtech/pkg/platform/tx"
)

type Store interface {
	Save(ctx context.Context, report models.Report) error
	GetByBatch(ctx context.Context, batchID, bankID string) (models.Report, error)
	Exists(ctx context.Context, batchID, bankID string) (bool, error)
}

type EventRecorder interface {
	Record(ctx context.Context, events ...outbox.DomainEvent) error
}

// Service produces regulatory reports for assessed batches.
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

// Generate stores the report record and records ReportGenerated together.
func (s *Service) Generate(ctx context.Context, quality events.BatchQualityCompleted) (models.Report, error) {
	report := models.NewReport(quality.BatchID, quality.BankID, quality.Passed, s.clock.Now())

	err := s.runner.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.store.Save(txCtx, report); err != nil {
			return fmt.Errorf("save report: %w", err)
		}
		return s.recorder.Record(txCtx, outbox.DomainEvent{
			AggregateID:   report.ID.String(),
			AggregateType: events.AggregateReport,
			EventType:     events.TypeReportGenerated,
			Payload: events.ReportGenerated{
				ReportID:    report.ID.String(),
				BatchID:     report.BatchID,
				BankID:      report.BankID,
				Status:      string(report.Status),
				GeneratedAt: report.CreatedAt,
			},
		})
	})
	if errors.Is(err, sentinel.ErrConflict) {
		s.logger.InfoContext(ctx, "report already generated", "batch_id", quality.BatchID, "bank_id", quality.BankID)
		return s.store.GetByBatch(ctx, quality.BatchID, quality.BankID)
	}
	if err != nil {
		return models.Report{}, err
	}

	s.logger.InfoContext(ctx, "regulatory report generated",
		"report_id", report.ID,
		"batch_id", report.BatchID,
		"bank_id", report.BankID,
		"status", report.Status,
	)
	return report, nil
}

// Exists reports whether a report exists for the batch key "batch:bank".
func (s *Service) Exists(ctx context.Context, key string) (bool, error) {
	batchID, bankID, ok := strings.Cut(key, ":")
	if !ok {
		return false, fmt.Errorf("malformed batch key %q", key)
	}
	return s.store.Exists(ctx, batchID, bankID)
}

func (s *Service) GetByBatch(ctx context.Context, batchID, bankID string) (models.Report, error) {
	return s.store.GetByBatch(ctx, batchID, bankID)
}
