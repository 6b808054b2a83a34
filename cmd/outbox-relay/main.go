// Package main provides the outbox relay service entry point.
// It publishes reminder requests written to the outbox by careplan-api.
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-careplan/internal/config"
	"github.com/drfirst/go-careplan/internal/infrastructure/postgres"
	"github.com/drfirst/go-careplan/internal/infrastructure/redpanda"
)

// processedRetention is how long delivered rows stay in the outbox.
const processedRetention = 7 * 24 * time.Hour

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

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	if _, err := pool.Exec(ctx, postgres.OutboxSchema); err != nil {
		logger.Fatal("outbox table creation failed", zap.Error(err))
	}
	logger.Info("connected to database")

	if err := redpanda.Ping(ctx, cfg.KafkaBrokers); err != nil {
		logger.Fatal("redpanda unreachable", zap.Error(err))
	}
	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producerCfg.ClientID = "careplan-outbox-relay"

	producer, err := redpanda.NewProducer(producerCfg, logger.Named("producer"))
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer func() { _ = producer.Close() }()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	relayCfg := postgres.DefaultRelayConfig()
	relayCfg.PollInterval = cfg.OutboxPollInterval
	relayCfg.DeadLetterTopic = redpanda.TopicDeadLetter
	relay := postgres.NewRelay(pool, producer, relayCfg, logger.Named("relay"))
	relay.Start()

	purge := time.NewTicker(time.Hour)
	defer purge.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			relay.Stop()
			return
		case <-purge.C:
			n, err := relay.Purge(ctx, processedRetention)
			if err != nil {
				logger.Error("outbox purge failed", zap.Error(err))
				continue
			}
			logger.Info("outbox purged", zap.Int64("rows", n))
		}
	}
}
