package inbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"regtech/pkg/platform/clock"
)

const (
	defaultRedriveInterval  = 10 * time.Second
	defaultRedriveBatchSize = 50
	defaultRetention        = 7 * 24 * time.Hour
)

// Worker re-drives failed deliveries for a set of processors and purges processed
// journal entries past retention.
type Worker struct {
	store      Store
	processors []*Processor
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *Metrics
	interval   time.Duration
	batchSize  int
	retention  time.Duration
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

func WithWorkerMetrics(metrics *Metrics) WorkerOption {
	return func(w *Worker) {
		w.metrics = metrics
	}
}

func WithWorkerClock(c clock.Clock) WorkerOption {
	return func(w *Worker) {
		w.clock = c
	}
}

func WithRedriveInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

func WithRedriveBatchSize(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// WithRetention sets how long COMPLETED and SKIPPED entries are kept. Zero disables
// purging.
func WithRetention(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.retention = d
	}
}

func NewWorker(store Store, processors []*Processor, opts ...WorkerOption) (*Worker, error) {
	if store == nil {
		return nil, errors.New("inbox store is required")
	}
	w := &Worker{
		store:      store,
		processors: processors,
		clock:      clock.System{},
		logger:     slog.Default(),
		interval:   defaultRedriveInterval,
		batchSize:  defaultRedriveBatchSize,
		retention:  defaultRetention,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run ticks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.Tick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one redrive pass per processor, then retention and stats.
func (w *Worker) Tick(ctx context.Context) {
	for _, p := range w.processors {
		if ctx.Err() != nil {
			return
		}
		n, err := p.Redrive(ctx, w.batchSize)
		if err != nil {
			w.logger.ErrorContext(ctx, "inbox redrive failed", "consumer", p.Consumer(), "error", err)
			continue
		}
		if n > 0 {
			w.logger.InfoContext(ctx, "inbox redrive pass", "consumer", p.Consumer(), "redriven", n)
		}
	}

	if w.retention > 0 {
		cutoff := w.clock.Now().Add(-w.retention)
		purged, err := w.store.PurgeProcessed(ctx, cutoff)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.WarnContext(ctx, "inbox purge failed", "error", err)
			}
		} else if purged > 0 {
			w.metrics.addPurged(purged)
			w.logger.InfoContext(ctx, "inbox purged processed messages", "count", purged, "cutoff", cutoff)
		}
	}

	for _, p := range w.processors {
		stats, err := w.store.Stats(ctx, p.Consumer())
		if err != nil {
			if ctx.Err() == nil {
				w.logger.WarnContext(ctx, "inbox stats unavailable", "consumer", p.Consumer(), "error", err)
			}
			continue
		}
		w.metrics.setStats(p.Consumer(), stats)
		if stats.DeadLetter > 0 {
			w.logger.WarnContext(ctx, "inbox has dead-lettered messages",
				"consumer", p.Consumer(),
				"dead_letter", stats.DeadLetter,
				"failed", stats.Failed,
			)
		}
	}
}
