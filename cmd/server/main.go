package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"regtech/internal/app"
	"regtech/internal/platform/config"
	"regtech/internal/platform/httpserver"
	"regtech/internal/platform/kafka"
	"regtech/internal/platform/logger"
	"regtech/internal/platform/metrics"
	"regtech/internal/platform/postgres"
	"regtech/internal/platform/redis"
	"regtech/pkg/platform/idempotency"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// run wires infrastructure and the bounded contexts, then blocks until a signal
// arrives or a component fails.
func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	log := logger.New(cfg.Service, cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checks := map[string]httpserver.Check{}

	stores := app.MemoryStores()
	if cfg.Database.URL != "" {
		db, err := postgres.Open(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()
		if cfg.Database.AutoMigrate {
			if err := postgres.Migrate(ctx, db); err != nil {
				return err
			}
		}
		stores = app.PostgresStores(db)
		checks["postgres"] = pingDB(db)
	} else {
		log.WarnContext(ctx, "DATABASE_URL not set, using in-memory stores")
	}

	opts := app.Options{
		Logger:  log,
		Metrics: metrics.New(),
		Outbox:  cfg.Outbox,
		Inbox:   cfg.Inbox,
	}

	redisClient, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		checks["redis"] = redisClient.Health
		opts.InFlight = func(consumer string) idempotency.InFlightSet {
			return idempotency.NewRedisSet(redisClient.Client, cfg.Redis.KeyPrefix+consumer+":")
		}
	}

	var producer *kafka.Producer
	if cfg.Outbox.Sink == "kafka" {
		producer, err = kafka.NewProducer(cfg.Kafka, kafka.WithProducerLogger(log))
		if err != nil {
			return err
		}
		defer producer.Close()
		if err := kafka.EnsureTopic(ctx, producer.Client(), cfg.Kafka.Topic, cfg.Kafka.Partitions, cfg.Kafka.Replication); err != nil {
			return err
		}
		opts.Sink = producer
		checks["kafka"] = producer.Health
	}

	a, err := app.New(stores, opts)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Run(gctx) })

	if producer != nil {
		consumer, err := kafka.NewConsumer(cfg.Kafka, a.Bus, kafka.WithConsumerLogger(log))
		if err != nil {
			return err
		}
		defer consumer.Close()
		g.Go(func() error { return consumer.Run(gctx) })
	}

	srv := httpserver.New(cfg.Server.Addr, httpserver.NewOpsRouter(checks))
	g.Go(func() error {
		log.InfoContext(gctx, "ops server listening", "addr", cfg.Server.Addr, "outbox_sink", cfg.Outbox.Sink)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		log.Info("shutdown complete")
		return nil
	}
	return err
}

func pingDB(db *sql.DB) httpserver.Check {
	return func(ctx context.Context) error {
		return db.PingContext(ctx)
	}
}
