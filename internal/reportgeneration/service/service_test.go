package service_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/suite"

	"regtech/internal/reportgeneration/models"
	"regtech/internal/reportgeneration/service"
	"regtech/internal/reportgeneration/store"
	"regtech/pkg/contracts/events"
	"regtech/pkg/platform/eventbus"
	"regtech/pkg/platform/outbox"
	txcontext "regtech/pkg/platform/tx"
)

type recorderFunc func(ctx context.Context, evs ...outbox.DomainEvent) error

func (f recorderFunc) Record(ctx context.Context, evs ...outbox.DomainEvent) error {
	return f(ctx, evs...)
}

type ServiceSuite struct {
	suite.Suite
	store    *store.InMemoryStore
	recorded []outbox.DomainEvent
	fail     error
	svc      *service.Service
	ctx      context.Context
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.store = store.NewInMemory()
	s.recorded = nil
	s.fail = nil
	s.svc = service.New(s.store, txcontext.NopRunner{}, recorderFunc(func(_ context.Context, evs ...outbox.DomainEvent) error {
		if s.fail != nil {
			return s.fail
		}
		s.recorded = append(s.recorded, evs...)
		return nil
	}), service.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s.ctx = context.Background()
}

func (s *ServiceSuite) TestGenerate() {
	s.Run("passed quality yields a generated report", func() {
		report, err := s.svc.Generate(s.ctx, events.BatchQualityCompleted{BatchID: "batch-1", BankID: "bank-9", Passed: true})
		s.Require().NoError(err)

		s.Equal(models.StatusGenerated, report.Status)
		s.Require().Len(s.recorded, 1)
		s.Equal(events.TypeReportGenerated, s.recorded[0].EventType)
		s.Equal(report.ID.String(), s.recorded[0].AggregateID)
	})

	s.Run("regeneration keeps the first report", func() {
		first, err := s.svc.GetByBatch(s.ctx, "batch-1", "bank-9")
		s.Require().NoError(err)

		again, err := s.svc.Generate(s.ctx, events.BatchQualityCompleted{BatchID: "batch-1", BankID: "bank-9", Passed: true})
		s.Require().NoError(err)

		s.Equal(first.ID, again.ID)
		s.Len(s.recorded, 1)
	})

	s.Run("failed quality withholds the report", func() {
		report, err := s.svc.Generate(s.ctx, events.BatchQualityCompleted{BatchID: "batch-2", BankID: "bank-9"})
		s.Require().NoError(err)
		s.Equal(models.StatusWithheld, report.Status)
	})

	s.Run("recorder failure surfaces", func() {
		s.fail = errors.New("outbox unavailable")
		_, err := s.svc.Generate(s.ctx, events.BatchQualityCompleted{BatchID: "batch-3", BankID: "bank-9"})
		s.ErrorIs(err, s.fail)
	})
}

func (s *ServiceSuite) TestListener() {
	l := service.NewListener(s.svc)
	e, err := eventbus.NewEvent(events.TypeBatchQualityCompleted,
		events.BatchQualityCompleted{BatchID: "batch-1", BankID: "bank-9", Passed: true}, "corr-1", "")
	s.Require().NoError(err)

	key, err := l.Key(e)
	s.Require().NoError(err)
	s.Equal("batch-1:bank-9", key)

	s.Require().NoError(l.Handle(s.ctx, e))
	ok, err := s.svc.Exists(s.ctx, key)
	s.Require().NoError(err)
	s.True(ok)
}
