// Package main provides the audit archiver service entry point.
// It consumes audit.trail and stores every entry in Postgres exactly once.
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-careplan/internal/archive"
	"github.com/drfirst/go-careplan/internal/config"
	"github.com/drfirst/go-careplan/internal/infrastructure/redpanda"
	"github.com/drfirst/go-careplan/internal/observability/tracing"
	"github.com/drfirst/go-careplan/pkg/circuitbreaker"
	"github.com/drfirst/go-careplan/pkg/idempotency"
	"github.com/drfirst/go-careplan/pkg/workerpool"
)

func main() {
	cfg, err := config.Load(config.New())
	if err != nil {
		zap.NewExample().Fatal("invalid configuration", zap.Error(err))
	}
	logger, err := cfg.Logger()
	if err != nil {
		zap.NewExample().Fatal("invalid log level", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	if cfg.DatabaseURL == "" || !cfg.Streaming() {
		logger.Fatal("DATABASE_URL and KAFKA_BROKERS are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tcfg := tracing.DefaultConfig("audit-archiver")
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	for _, ddl := range []string{idempotency.Schema, archive.Schema} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			logger.Fatal("schema creation failed", zap.Error(err))
		}
	}

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producerCfg.ClientID = "careplan-audit-archiver"
	producer, err := redpanda.NewProducer(producerCfg, logger.Named("producer"))
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer func() { _ = producer.Close() }()

	jobs := workerpool.New(workerpool.Config{Workers: 2, QueueSize: 256, MaxRetries: 3, RetryDelay: time.Second}, logger.Named("workers"))
	jobs.Start()

	breakers := circuitbreaker.NewRegistry(logger.Named("breakers"), nil)
	breaker, err := breakers.Get(circuitbreaker.DefaultConfig("audit-archive-db"))
	if err != nil {
		logger.Fatal("breaker creation failed", zap.Error(err))
	}

	inbox := idempotency.New(pool, idempotency.DefaultConfig(), logger.Named("inbox"))
	archiver := archive.New(pool, inbox, breaker, jobs, producer, logger)

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.GroupID = cfg.ArchiverGroup

	consumer, err := redpanda.NewConsumer(consumerCfg, archiver.Handle, archiver.DeadLetter, logger.Named("consumer"))
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()
	logger.Info("audit archiver started", zap.String("group", consumerCfg.GroupID))

	purge := time.NewTicker(time.Hour)
	defer purge.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			if err := consumer.Stop(); err != nil {
				logger.Error("consumer stop failed", zap.Error(err))
			}
			if err := jobs.Stop(); err != nil {
				logger.Error("worker pool stop failed", zap.Error(err))
			}
			stats := consumer.Stats()
			logger.Info("audit archiver stopped",
				zap.Int64("handled", stats.Handled),
				zap.Int64("dead_lettered", stats.DeadLettered))
			return
		case <-purge.C:
			n, err := inbox.Purge(ctx)
			if err != nil {
				logger.Error("inbox purge failed", zap.Error(err))
				continue
			}
			logger.Info("inbox purged", zap.Int64("rows", n), zap.Any("breakers", breakers.Health()))
		}
	}
}
