// Package app wires the messaging substrate and the bounded contexts into one
// runnable unit. cmd/server and the end-to-end tests both build on it.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	dqsvc "regtech/internal/dataquality/service"
	dqstore "regtech/internal/dataquality/store"
	ingestsvc "regtech/internal/ingestion/service"
	ingeststore "regtech/internal/ingestion/store"
	"regtech/internal/platform/config"
	"regtech/internal/platform/metrics"
	rgsvc "regtech/internal/reportgeneration/service"
	rgstore "regtech/internal/reportgeneration/store"
	"regtech/pkg/contracts/events"
	"regtech/pkg/platform/clock"
	"regtech/pkg/platform/eventbus"
	"regtech/pkg/platform/idempotency"
	"regtech/pkg/platform/inbox"
	inboxmemory "regtech/pkg/platform/inbox/store/memory"
	inboxpostgres "regtech/pkg/platform/inbox/store/postgres"
	"regtech/pkg/platform/outbox"
	outboxmemory "regtech/pkg/platform/outbox/store/memory"
	outboxpostgres "regtech/pkg/platform/outbox/store/postgres"
	txcontext "regtech/pkg/platform/tx"
)

const sweepInterval = time.Minute

// Stores bundles every persistence port.
type Stores struct {
	Runner  txcontext.Runner
	Outbox  outbox.Store
	Inbox   inbox.Store
	Batches ingestsvc.Store
	Quality dqsvc.Store
	Reports rgsvc.Store
}

// MemoryStores keeps everything in process. Units of work are not atomic.
func MemoryStores() Stores {
	return Stores{
		Runner:  txcontext.NopRunner{},
		Outbox:  outboxmemory.NewInMemoryStore(),
		Inbox:   inboxmemory.NewInMemoryStore(),
		Batches: ingeststore.NewInMemory(),
		Quality: dqstore.NewInMemory(),
		Reports: rgstore.NewInMemory(),
	}
}

func PostgresStores(db *sql.DB) Stores {
	return Stores{
		Runner:  txcontext.NewSQLRunner(db),
		Outbox:  outboxpostgres.New(db),
		Inbox:   inboxpostgres.New(db),
		Batches: ingeststore.NewPostgres(db),
		Quality: dqstore.NewPostgres(db),
		Reports: rgstore.NewPostgres(db),
	}
}

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Clock   clock.Clock
	Outbox  config.Outbox
	Inbox   config.Inbox
	// InFlight returns the in-flight set of a consumer. Nil selects a process-local
	// sharded set per consumer.
	InFlight func(consumer string) idempotency.InFlightSet
	// Sink replaces the in-process bus as the publisher's destination.
	Sink outbox.Sink
}

type App struct {
	Bus        *eventbus.Bus
	Recorder   *outbox.Recorder
	Publisher  *outbox.Publisher
	Worker     *inbox.Worker
	Processors []*inbox.Processor
	Ingestion  *ingestsvc.Service
	Quality    *dqsvc.Service
	Reports    *rgsvc.Service

	logger  *slog.Logger
	sharded []*idempotency.ShardedSet
}

func New(stores Stores, opts Options) (*App, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	a := &App{logger: opts.Logger}

	var (
		busMetrics    *eventbus.Metrics
		outboxMetrics *outbox.Metrics
		inboxMetrics  *inbox.Metrics
	)
	if opts.Metrics != nil {
		busMetrics, outboxMetrics, inboxMetrics = opts.Metrics.Bus, opts.Metrics.Outbox, opts.Metrics.Inbox
	}

	a.Bus = eventbus.New(eventbus.WithLogger(opts.Logger), eventbus.WithMetrics(busMetrics))
	a.Recorder = outbox.NewRecorder(stores.Outbox,
		outbox.WithRecorderLogger(opts.Logger),
		outbox.WithRecorderMetrics(outboxMetrics),
		outbox.WithRecorderClock(opts.Clock),
	)

	a.Ingestion = ingestsvc.New(stores.Batches, stores.Runner, a.Recorder,
		ingestsvc.WithLogger(opts.Logger), ingestsvc.WithClock(opts.Clock))
	a.Quality = dqsvc.New(stores.Quality, stores.Runner, a.Recorder,
		dqsvc.WithLogger(opts.Logger), dqsvc.WithClock(opts.Clock))
	a.Reports = rgsvc.New(stores.Reports, stores.Runner, a.Recorder,
		rgsvc.WithLogger(opts.Logger), rgsvc.WithClock(opts.Clock))

	inFlight := opts.InFlight
	if inFlight == nil {
		inFlight = func(string) idempotency.InFlightSet {
			set := idempotency.NewShardedSet(idempotency.WithClock(opts.Clock))
			a.sharded = append(a.sharded, set)
			return set
		}
	}

	dqListener := dqsvc.NewListener(a.Quality)
	rgListener := rgsvc.NewListener(a.Reports)
	consumers := []struct {
		name      string
		eventType string
		handler   eventbus.Handler
		key       inbox.KeyFunc
		checker   idempotency.ExistenceChecker
	}{
		{dqsvc.Consumer, events.TypeBatchIngested, dqListener, dqListener.Key, a.Quality},
		{rgsvc.Consumer, events.TypeBatchQualityCompleted, rgListener, rgListener.Key, a.Reports},
	}
	for _, c := range consumers {
		guard, err := idempotency.New(c.checker,
			idempotency.WithInFlightSet(inFlight(c.name)),
			idempotency.WithRetention(opts.Inbox.InFlightRetention),
			idempotency.WithLogger(opts.Logger),
		)
		if err != nil {
			return nil, fmt.Errorf("build %s guard: %w", c.name, err)
		}
		p, err := inbox.NewProcessor(c.name, c.handler, guard, stores.Inbox,
			inbox.WithKeyFunc(c.key),
			inbox.WithLogger(opts.Logger),
			inbox.WithMetrics(inboxMetrics),
			inbox.WithClock(opts.Clock),
			inbox.WithMaxAttempts(opts.Inbox.MaxAttempts),
			inbox.WithRetryBackoff(opts.Inbox.RetryBaseDelay, opts.Inbox.RetryMaxDelay),
		)
		if err != nil {
			return nil, fmt.Errorf("build %s processor: %w", c.name, err)
		}
		a.Bus.Subscribe(c.eventType, p)
		a.Processors = append(a.Processors, p)
	}

	sink := opts.Sink
	if sink == nil {
		sink = a.Bus
	}
	publisher, err := outbox.NewPublisher(stores.Outbox, sink,
		outbox.WithLogger(opts.Logger),
		outbox.WithMetrics(outboxMetrics),
		outbox.WithClock(opts.Clock),
		outbox.WithBatchSize(opts.Outbox.BatchSize),
		outbox.WithPollInterval(opts.Outbox.PollInterval),
		outbox.WithStatsInterval(opts.Outbox.StatsInterval),
		outbox.WithMaxRetries(opts.Outbox.MaxRetries),
	)
	if err != nil {
		return nil, fmt.Errorf("build outbox publisher: %w", err)
	}
	a.Publisher = publisher

	worker, err := inbox.NewWorker(stores.Inbox, a.Processors,
		inbox.WithWorkerLogger(opts.Logger),
		inbox.WithWorkerMetrics(inboxMetrics),
		inbox.WithWorkerClock(opts.Clock),
		inbox.WithRedriveInterval(opts.Inbox.RedriveInterval),
		inbox.WithRedriveBatchSize(opts.Inbox.RedriveBatchSize),
		inbox.WithRetention(opts.Inbox.Retention),
	)
	if err != nil {
		return nil, fmt.Errorf("build inbox worker: %w", err)
	}
	a.Worker = worker
	return a, nil
}

// Run drives the publisher, the inbox worker and the in-flight sweeper until ctx is
// cancelled.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Publisher.Run(ctx) })
	g.Go(func() error { return a.Worker.Run(ctx) })
	if len(a.sharded) > 0 {
		g.Go(func() error { return a.sweep(ctx) })
	}
	return g.Wait()
}

// sweep drops expired in-flight registrations so the process-local sets stay small.
func (a *App) sweep(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			removed := 0
			for _, set := range a.sharded {
				removed += set.Sweep()
			}
			if removed > 0 {
				a.logger.DebugContext(ctx, "expired in-flight keys swept", "count", removed)
			}
		}
	}
}
