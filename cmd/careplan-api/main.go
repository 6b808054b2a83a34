// Package main provides the care-plan API service entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/drfirst/go-careplan/internal/api/handlers"
	"github.com/drfirst/go-careplan/internal/archive"
	"github.com/drfirst/go-careplan/internal/config"
	"github.com/drfirst/go-careplan/internal/engine"
	infrapg "github.com/drfirst/go-careplan/internal/infrastructure/postgres"
	"github.com/drfirst/go-careplan/internal/infrastructure/redpanda"
	"github.com/drfirst/go-careplan/internal/observability/metrics"
	"github.com/drfirst/go-careplan/internal/observability/tracing"
	"github.com/drfirst/go-careplan/internal/reminder"
	storepg "github.com/drfirst/go-careplan/internal/store/postgres"
	storeredis "github.com/drfirst/go-careplan/internal/store/redis"
	"github.com/drfirst/go-careplan/pkg/idempotency"
)

const serviceName = "careplan-api"

var version = "dev"

func main() {
	v := config.New()

	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Treatment-plan and medication-dosing API",
	}
	rootCmd.PersistentFlags().String("scope", "", "care-plan scope (overrides SCOPE)")
	_ = v.BindPFlag("SCOPE", rootCmd.PersistentFlags().Lookup("scope"))

	rootCmd.AddCommand(serveCmd(v))
	rootCmd.AddCommand(migrateCmd(v))
	rootCmd.AddCommand(topicsCmd(v))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the care-plan API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			logger, err := cfg.Logger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return runServer(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().String("port", "", "listen port (overrides PORT)")
	_ = v.BindPFlag("PORT", cmd.Flags().Lookup("port"))
	return cmd
}

func runServer(parent context.Context, cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(contextOrBackground(parent), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.ServiceVersion = version
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		return err
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	opts := engine.Options{Metrics: m}

	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" && (cfg.SnapshotBackend == "postgres" || cfg.ReminderBackend == "outbox") {
		pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("database ping: %w", err)
		}
		logger.Info("connected to database")
	}

	switch cfg.SnapshotBackend {
	case "postgres":
		sub := storepg.NewSubstrate(pool, logger.Named("snapshots"))
		if err := sub.Migrate(ctx, infrapg.OutboxSchema); err != nil {
			return err
		}
		opts.Substrate = sub
	case "redis":
		sub, err := storeredis.Dial(ctx, storeredis.Config{URL: cfg.RedisURL}, logger.Named("snapshots"))
		if err != nil {
			return err
		}
		defer func() { _ = sub.Close() }()
		opts.Substrate = sub
	}

	switch cfg.ReminderBackend {
	case "log":
		opts.Scheduler = reminder.NewLogScheduler(logger.Named("reminders"))
	case "outbox":
		if _, err := pool.Exec(ctx, infrapg.OutboxSchema); err != nil {
			return fmt.Errorf("create outbox table: %w", err)
		}
		opts.Scheduler = reminder.NewOutboxScheduler(pool)
	}

	if cfg.Streaming() {
		pcfg := redpanda.DefaultProducerConfig()
		pcfg.Brokers = cfg.KafkaBrokers
		pcfg.ClientID = serviceName + "-" + cfg.Scope
		producer, err := redpanda.NewProducer(pcfg, logger.Named("producer"))
		if err != nil {
			return err
		}
		defer func() { _ = producer.Close() }()
		opts.AuditSink = redpanda.NewAuditSink(producer, cfg.Scope)
		logger.Info("forwarding audit entries", zap.Strings("brokers", cfg.KafkaBrokers))
	}

	ecfg := engine.DefaultConfig(cfg.Scope)
	ecfg.Timezone = cfg.Timezone
	ecfg.AuditRetention = cfg.AuditRetention
	ecfg.AuditFailureThreshold = cfg.AuditFailureThreshold
	ecfg.CASAttempts = cfg.CASAttempts
	ecfg.SnapshotDelay = cfg.SnapshotDelay
	ecfg.Pool.Workers = cfg.Workers
	ecfg.Pool.QueueSize = cfg.QueueSize

	eng, err := engine.New(ecfg, opts, logger)
	if err != nil {
		return err
	}
	if err := eng.Load(ctx); err != nil {
		return err
	}
	eng.Start()
	logger.Info("scope loaded", zap.String("scope", cfg.Scope), zap.Any("counts", eng.Counts()))

	server := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: handlers.NewRouter(eng, handlers.RouterOptions{
			Service:  serviceName,
			Version:  version,
			Metrics:  m,
			Gatherer: reg,
		}, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting care-plan API", zap.String("port", cfg.Port), zap.String("version", version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", zap.Error(err))
		}
	case <-ctx.Done():
		logger.Info("shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	if err := eng.Close(shutdownCtx); err != nil {
		logger.Error("final snapshot failed", zap.Error(err))
		return err
	}
	logger.Info("server stopped")
	return nil
}

func migrateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the snapshot, outbox, inbox and audit archive tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required")
			}
			ctx := contextOrBackground(cmd.Context())
			pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer pool.Close()

			sub := storepg.NewSubstrate(pool, nil)
			if err := sub.Migrate(ctx, infrapg.OutboxSchema, idempotency.Schema, archive.Schema); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func topicsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage Redpanda topics",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "Create the care-plan topics if they do not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			if !cfg.Streaming() {
				return fmt.Errorf("KAFKA_BROKERS is required")
			}
			admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, nil)
			if err != nil {
				return err
			}
			defer admin.Close()

			created, err := admin.EnsureTopics(contextOrBackground(cmd.Context()), redpanda.DefaultTopicConfigs(cfg.KafkaReplication))
			if err != nil {
				return err
			}
			for _, name := range created {
				fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", name)
			}
			if len(created) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "all topics exist")
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "lag",
		Short: "Show the audit archiver's consumer lag per topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			if !cfg.Streaming() {
				return fmt.Errorf("KAFKA_BROKERS is required")
			}
			admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, nil)
			if err != nil {
				return err
			}
			defer admin.Close()

			lag, err := admin.GroupLag(contextOrBackground(cmd.Context()), cfg.ArchiverGroup)
			if err != nil {
				return err
			}
			topics, err := admin.ListTopics(contextOrBackground(cmd.Context()))
			if err != nil {
				return err
			}
			for _, topic := range topics {
				if n, ok := lag[topic]; ok {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", topic, n)
				}
			}
			return nil
		},
	})
	return cmd
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
