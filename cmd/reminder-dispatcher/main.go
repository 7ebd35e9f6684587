// Package main provides the reminder dispatcher entry point. It moves due
// reminders from the Redis scheduler to the push delivery topic and applies
// "Taken" / "Skip" actions coming back from notifications.
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

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/commands"
	"github.com/drfirst/go-adherence/internal/config"
	"github.com/drfirst/go-adherence/internal/infrastructure/redpanda"
	"github.com/drfirst/go-adherence/internal/infrastructure/stores"
	"github.com/drfirst/go-adherence/internal/notify"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
	"github.com/drfirst/go-adherence/internal/observability/tracing"
	"github.com/drfirst/go-adherence/internal/reconcile"
	"github.com/drfirst/go-adherence/pkg/idempotency"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load("reminder-dispatcher", *configPath)
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

	if !cfg.Redis.Enabled || !cfg.Kafka.Enabled {
		logger.Fatal("the dispatcher requires redis and kafka")
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

	m := metrics.New(nil)

	// Topics
	if cfg.Kafka.EnsureTopics {
		admin, err := redpanda.NewAdmin(cfg.Kafka.Brokers, logger.Named("admin"))
		if err != nil {
			logger.Fatal("admin client creation failed", zap.Error(err))
		}
		if err := admin.EnsureTopics(ctx); err != nil {
			logger.Fatal("topic creation failed", zap.Error(err))
		}
		admin.Close()
	}

	pcfg := redpanda.DefaultProducerConfig()
	pcfg.Brokers = cfg.Kafka.Brokers
	producer, err := redpanda.NewProducer(pcfg, logger.Named("producer"))
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.Kafka.Brokers))

	rdb, err := notify.NewRedisClient(ctx, notify.RedisConfig{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}
	defer rdb.Close()
	gateway := notify.NewRedisGateway(rdb, cfg.Redis.KeyPrefix, logger.Named("gateway"))

	// Due reminders -> reminders.due
	dcfg := notify.DefaultDispatcherConfig(redpanda.TopicRemindersDue)
	dcfg.PollInterval = cfg.Dispatcher.PollInterval
	dcfg.BatchSize = cfg.Dispatcher.BatchSize
	dcfg.RatePerSecond = cfg.Dispatcher.RatePerSecond
	dispatcher := notify.NewDispatcher(gateway, producer, dcfg, logger.Named("dispatcher"), func(notify.Reminder) {
		m.IncDispatched()
	})
	dispatcher.Start()
	defer dispatcher.Stop()

	// adherence.commands -> RecordAdherence
	st, err := stores.Open(ctx, cfg.Store, redpanda.TopicAdherenceEvents, logger)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer st.Close()

	opts := []reconcile.Option{
		reconcile.WithHorizonDays(cfg.Schedule.HorizonDays),
		reconcile.WithMedications(st.Medications),
		reconcile.WithLocation(cfg.Location()),
		reconcile.WithMetrics(m),
	}
	if events := st.Events(); events != nil {
		opts = append(opts, reconcile.WithEvents(events))
	} else {
		opts = append(opts, reconcile.WithEvents(redpanda.NewEventSink(producer, redpanda.TopicAdherenceEvents)))
	}
	coord := reconcile.New(st.Occurrences, gateway, logger.Named("reconcile"), opts...)

	icfg := idempotency.DefaultInboxConfig()
	icfg.DefaultTTL = cfg.Inbox.TTL
	icfg.RecoveryTimeout = cfg.Inbox.StaleTimeout
	icfg.Terminal = commands.Terminal
	var inbox idempotency.Processor
	if st.Pool != nil {
		pgInbox := idempotency.NewInbox(st.Pool, icfg, logger.Named("inbox"))
		pgInbox.StartCleanup()
		defer pgInbox.Stop()
		inbox = pgInbox
	} else {
		inbox = idempotency.NewMemoryInbox(icfg)
	}

	handler := commands.NewHandler(coord, inbox, producer, redpanda.TopicDeadLetter, m, logger.Named("commands"))
	ccfg := redpanda.DefaultConsumerConfig()
	ccfg.Brokers = cfg.Kafka.Brokers
	ccfg.GroupID = cfg.Kafka.ConsumerGroup
	consumer, err := redpanda.NewConsumer(ccfg, handler.Handle, logger.Named("consumer"))
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.OnFailure(handler.OnFailure)
	consumer.Start()
	defer func() {
		if err := consumer.Stop(); err != nil {
			logger.Warn("consumer stop", zap.Error(err))
		}
	}()

	// Health and metrics
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy","service":"reminder-dispatcher"}`))
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		rctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := rdb.Ping(rctx).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		if err := redpanda.HealthCheck(rctx, cfg.Kafka.Brokers); err != nil {
			http.Error(w, "kafka not ready", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())
	server := &http.Server{Addr: cfg.Server.Address, Handler: r, ReadTimeout: cfg.Server.ReadTimeout}
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	logger.Info("reminder dispatcher started",
		zap.String("due_topic", dcfg.Topic),
		zap.String("consumer_group", ccfg.GroupID))
	<-ctx.Done()

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	_ = server.Shutdown(sctx)
}
