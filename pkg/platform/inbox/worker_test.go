package inbox_test

import (
	"context"
	"time"

	"regtech/pkg/platform/inbox"
)

func (s *ProcessorSuite) newWorker(processors ...*inbox.Processor) *inbox.Worker {
	w, err := inbox.NewWorker(s.store, processors,
		inbox.WithWorkerClock(s.clock),
		inbox.WithWorkerLogger(s.discard()),
		inbox.WithRetention(24*time.Hour),
		inbox.WithRedriveBatchSize(10),
	)
	s.Require().NoError(err)
	return w
}

func (s *ProcessorSuite) TestWorkerTick() {
	s.Run("re-drives due failures", func() {
		s.failN = 1
		p := s.newProcessor(s.handler)
		_, _ = p.Process(s.ctx, s.event("evt-1"))
		w := s.newWorker(p)

		s.clock.Advance(2 * time.Minute)
		w.Tick(s.ctx)

		s.Equal(inbox.StatusCompleted, s.journal("evt-1").Status)
	})

	s.Run("purges processed entries past retention only", func() {
		s.SetupTest()
		p := s.newProcessor(s.handler)
		_, err := p.Process(s.ctx, s.event("evt-old"))
		s.Require().NoError(err)
		s.failN = 1
		_, _ = p.Process(s.ctx, s.event("evt-failed"))
		s.clock.Advance(23 * time.Hour)
		s.failN = 0
		_, err = p.Process(s.ctx, s.event("evt-new"))
		s.Require().NoError(err)
		w, err := inbox.NewWorker(s.store, nil, inbox.WithWorkerClock(s.clock), inbox.WithWorkerLogger(s.discard()), inbox.WithRetention(24*time.Hour))
		s.Require().NoError(err)

		s.clock.Advance(2 * time.Hour)
		w.Tick(s.ctx)

		_, ok := s.store.Get(consumer, "evt-old")
		s.False(ok)
		_, ok = s.store.Get(consumer, "evt-new")
		s.True(ok)
		s.Equal(inbox.StatusFailed, s.journal("evt-failed").Status)
	})

	s.Run("zero retention keeps everything", func() {
		s.SetupTest()
		p := s.newProcessor(s.handler)
		_, err := p.Process(s.ctx, s.event("evt-1"))
		s.Require().NoError(err)
		w, err := inbox.NewWorker(s.store, []*inbox.Processor{p}, inbox.WithWorkerClock(s.clock), inbox.WithRetention(0), inbox.WithWorkerLogger(s.discard()))
		s.Require().NoError(err)

		s.clock.Advance(365 * 24 * time.Hour)
		w.Tick(s.ctx)

		_, ok := s.store.Get(consumer, "evt-1")
		s.True(ok)
	})
}

func (s *ProcessorSuite) TestWorkerRunStopsOnCancel() {
	w, err := inbox.NewWorker(s.store, nil, inbox.WithRedriveInterval(time.Millisecond), inbox.WithWorkerLogger(s.discard()))
	s.Require().NoError(err)
	ctx, cancel := context.WithCancel(s.ctx)

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		s.ErrorIs(err, context.Canceled)
	case <-time.After(time.Second):
		s.Fail("worker did not stop")
	}
}

func (s *ProcessorSuite) TestNewWorkerRequiresStore() {
	_, err := inbox.NewWorker(nil, nil)
	s.Error(err)
}
