package service_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"regtech/internal/ingestion/models"
	"regtech/internal/ingestion/service"
	"regtech/internal/ingestion/service/mocks"
	"regtech/pkg/contracts/events"
	"regtech/pkg/correlation"
	"regtech/pkg/platform/clock"
	"regtech/pkg/platform/outbox"
	"regtech/pkg/platform/sentinel"
	txcontext "regtech/pkg/platform/tx"
)

// =============================================================================
// Ingestion Service Test Suite
// =============================================================================
// Justification for unit tests: a batch and its BatchIngested event must be written
// in one unit of work, and nothing may be recorded when the batch is rejected.

type ServiceSuite struct {
	suite.Suite
	ctrl     *gomock.Controller
	store    *mocks.MockStore
	recorder *mocks.MockEventRecorder
	clock    *clock.Fake
	svc      *service.Service
	ctx      context.Context
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.store = mocks.NewMockStore(s.ctrl)
	s.recorder = mocks.NewMockEventRecorder(s.ctrl)
	s.clock = clock.NewFake(time.Date(2026, 6, 30, 9, 0, 0, 0, time.UTC))
	s.svc = service.New(s.store, txcontext.NopRunner{}, s.recorder,
		service.WithClock(s.clock),
		service.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	s.ctx = correlation.WithCorrelation(context.Background(), "corr-1", "")
}

var exposures = []models.Exposure{
	{ID: "exp-1", Counterparty: "ACME", Amount: 100},
	{ID: "exp-2", Counterparty: "Globex", Amount: 50.5},
}

func (s *ServiceSuite) TestIngestBatch() {
	s.Run("saves and records BatchIngested", func() {
		var recorded outbox.DomainEvent
		gomock.InOrder(
			s.store.EXPECT().Save(gomock.Any(), gomock.Any()).Return(nil),
			s.recorder.EXPECT().Record(gomock.Any(), gomock.Any()).DoAndReturn(
				func(ctx context.Context, evs ...outbox.DomainEvent) error {
					s.Equal("corr-1", correlation.CorrelationID(ctx))
					recorded = evs[0]
					return nil
				}),
		)

		batch, err := s.svc.IngestBatch(s.ctx, "batch-1", "bank-9", exposures)
		s.Require().NoError(err)

		s.Equal(2, batch.ExposureCount)
		s.InDelta(150.5, batch.TotalAmount, 0.001)
		s.Equal(events.TypeBatchIngested, recorded.EventType)
		s.Equal(events.AggregateBatch, recorded.AggregateType)
		s.Equal("batch-1:bank-9", recorded.AggregateID)
		payload, ok := recorded.Payload.(events.BatchIngested)
		s.Require().True(ok)
		s.Equal(s.clock.Now(), payload.IngestedAt)
	})

	s.Run("duplicate batch records nothing", func() {
		s.store.EXPECT().Save(gomock.Any(), gomock.Any()).Return(fmt.Errorf("batch: %w", sentinel.ErrConflict))

		_, err := s.svc.IngestBatch(s.ctx, "batch-1", "bank-9", exposures)
		s.ErrorIs(err, sentinel.ErrConflict)
	})

	s.Run("invalid batch touches no store", func() {
		_, err := s.svc.IngestBatch(s.ctx, "batch-1", "bank-9", nil)
		s.ErrorIs(err, models.ErrInvalidBatch)
	})

	s.Run("recorder failure fails the ingest", func() {
		s.store.EXPECT().Save(gomock.Any(), gomock.Any()).Return(nil)
		s.recorder.EXPECT().Record(gomock.Any(), gomock.Any()).Return(errors.New("outbox unavailable"))

		_, err := s.svc.IngestBatch(s.ctx, "batch-2", "bank-9", exposures)
		s.Error(err)
	})

	s.Run("missing correlation is generated", func() {
		s.store.EXPECT().Save(gomock.Any(), gomock.Any()).Return(nil)
		s.recorder.EXPECT().Record(gomock.Any(), gomock.Any()).DoAndReturn(
			func(ctx context.Context, _ ...outbox.DomainEvent) error {
				s.NotEmpty(correlation.CorrelationID(ctx))
				return nil
			})

		_, err := s.svc.IngestBatch(context.Background(), "batch-3", "bank-9", exposures)
		s.Require().NoError(err)
	})
}
