// Package main provides the outbox relay service entry point.
// Implements the Transactional Outbox pattern relay for adherence events.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/config"
	"github.com/drfirst/go-adherence/internal/infrastructure/postgres"
	"github.com/drfirst/go-adherence/internal/infrastructure/redpanda"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
	"github.com/drfirst/go-adherence/internal/observability/tracing"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load("outbox-relay", *configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := cfg.Service.NewLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.Store.Driver != "postgres" {
		logger.Fatal("the outbox relay requires the postgres store", zap.String("driver", cfg.Store.Driver))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    cfg.Service.Name,
		ServiceVersion: cfg.Service.Version,
		Environment:    cfg.Service.Environment,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SampleRate:     cfg.Tracing.SampleRate,
	}, logger)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(sctx)
	}()

	// Connect to database
	pool, err := postgres.Connect(ctx, postgres.PoolConfig{
		URL:             cfg.Store.PostgresURL,
		MaxConns:        cfg.Store.MaxConns,
		MinConns:        cfg.Store.MinConns,
		MaxConnLifetime: cfg.Store.MaxConnLifetime,
	})
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	// Create Redpanda producer
	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Kafka.Brokers
	producer, err := redpanda.NewProducer(producerCfg, logger.Named("producer"))
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.Kafka.Brokers))

	// Create outbox processor
	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.EventsTopic = redpanda.TopicAdherenceEvents
	outboxCfg.DeadLetterTopic = redpanda.TopicDeadLetter
	outboxCfg.PollInterval = cfg.Outbox.PollInterval
	outboxCfg.BatchSize = cfg.Outbox.BatchSize
	outboxCfg.MaxRetries = cfg.Outbox.MaxRetries
	outbox := postgres.NewOutbox(pool, producer, outboxCfg, logger.Named("outbox"))

	m := metrics.New(nil)
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	server := &http.Server{Addr: cfg.Server.Address, Handler: mux, ReadTimeout: cfg.Server.ReadTimeout}
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	// Start processing
	outbox.Start()
	go housekeeping(ctx, outbox, cfg.Outbox, m, logger)
	logger.Info("outbox relay started")

	<-ctx.Done()

	logger.Info("shutting down")
	outbox.Stop()
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	_ = server.Shutdown(sctx)
	logger.Info("outbox relay stopped")
}

// housekeeping dead-letters exhausted entries, prunes old processed ones and
// publishes the pending gauge.
func housekeeping(ctx context.Context, outbox *postgres.Outbox, cfg config.OutboxConfig, m *metrics.Metrics, logger *zap.Logger) {
	statsTicker := time.NewTicker(15 * time.Second)
	defer statsTicker.Stop()
	cleanupTicker := time.NewTicker(cfg.CleanupEvery)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-statsTicker.C:
			if n, err := outbox.MoveToDeadLetter(ctx); err != nil {
				logger.Warn("dead letter pass failed", zap.Error(err))
			} else if n > 0 {
				logger.Warn("outbox entries dead-lettered", zap.Int64("count", n))
			}
			stats, err := outbox.GetStats(ctx)
			if err != nil {
				logger.Warn("outbox stats failed", zap.Error(err))
				continue
			}
			m.SetOutboxPending(stats.Pending)
		case <-cleanupTicker.C:
			n, err := outbox.CleanupProcessed(ctx, cfg.CleanupAfter)
			if err != nil {
				logger.Warn("outbox cleanup failed", zap.Error(err))
				continue
			}
			logger.Info("outbox cleaned", zap.Int64("deleted", n))
		}
	}
}
