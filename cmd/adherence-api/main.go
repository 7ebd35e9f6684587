// Package main provides the adherence API entry point: medication CRUD,
// reminder reconciliation and adherence recording over HTTP, plus the
// nightly horizon sweep.
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

	"github.com/drfirst/go-adherence/internal/api"
	"github.com/drfirst/go-adherence/internal/api/handlers"
	"github.com/drfirst/go-adherence/internal/api/middleware"
	"github.com/drfirst/go-adherence/internal/config"
	"github.com/drfirst/go-adherence/internal/infrastructure/redislock"
	"github.com/drfirst/go-adherence/internal/infrastructure/redpanda"
	"github.com/drfirst/go-adherence/internal/infrastructure/stores"
	"github.com/drfirst/go-adherence/internal/notify"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
	"github.com/drfirst/go-adherence/internal/observability/tracing"
	"github.com/drfirst/go-adherence/internal/reconcile"
	"github.com/drfirst/go-adherence/pkg/circuitbreaker"
	"github.com/drfirst/go-adherence/pkg/workerpool"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load("adherence-api", *configPath)
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
	ready := map[string]api.ReadinessCheck{}

	// Persistence
	st, err := stores.Open(ctx, cfg.Store, redpanda.TopicAdherenceEvents, logger)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer st.Close()
	ready[st.Driver] = st.Ping

	// Notification platform
	var gateway notify.Gateway
	var locker reconcile.Locker = reconcile.NewKeyedMutex()
	if cfg.Redis.Enabled {
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
		ready["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		gateway = notify.NewRedisGateway(rdb, cfg.Redis.KeyPrefix, logger.Named("gateway"))

		if cfg.Lock.Distributed {
			lcfg := redislock.DefaultConfig()
			lcfg.Expiry = cfg.Lock.Expiry
			locker = reconcile.Stack(locker, redislock.New(rdb, lcfg, logger.Named("lock")))
		}
		logger.Info("connected to redis", zap.String("address", cfg.Redis.Address))
	} else {
		gateway = notify.NewMemoryGateway(time.Now)
		logger.Warn("redis disabled, reminders are scheduled in process memory")
	}

	breakers := circuitbreaker.NewManager(logger.Named("breaker"))
	guarded, err := notify.NewGuardedGateway(gateway, breakers, circuitbreaker.Config{
		MaxRequests:      cfg.Breaker.MaxRequests,
		Interval:         cfg.Breaker.Interval,
		Timeout:          cfg.Breaker.Timeout,
		FailureThreshold: cfg.Breaker.FailureThreshold,
		FailureRatio:     cfg.Breaker.FailureRatio,
		MinRequests:      cfg.Breaker.MinRequests,
	})
	if err != nil {
		logger.Fatal("circuit breaker init failed", zap.Error(err))
	}
	go reportBreakers(ctx, breakers, m)

	// Domain events
	events := st.Events()
	if events == nil && cfg.Kafka.Enabled {
		pcfg := redpanda.DefaultProducerConfig()
		pcfg.Brokers = cfg.Kafka.Brokers
		producer, err := redpanda.NewProducer(pcfg, logger.Named("producer"))
		if err != nil {
			logger.Fatal("producer creation failed", zap.Error(err))
		}
		defer producer.Close()
		events = redpanda.NewEventSink(producer, redpanda.TopicAdherenceEvents)
	}

	opts := []reconcile.Option{
		reconcile.WithHorizonDays(cfg.Schedule.HorizonDays),
		reconcile.WithMedications(st.Medications),
		reconcile.WithLocation(cfg.Location()),
		reconcile.WithLocker(locker),
		reconcile.WithMetrics(m),
	}
	if events != nil {
		opts = append(opts, reconcile.WithEvents(events))
	}
	coord := reconcile.New(st.Occurrences, guarded, logger.Named("reconcile"), opts...)

	// Nightly sweep
	if cfg.Sweeper.Enabled {
		pool := workerpool.DefaultConfig()
		if cfg.Sweeper.Workers > 0 {
			pool.Workers = cfg.Sweeper.Workers
		}
		sweeper, err := reconcile.NewSweeper(coord, st.Medications, reconcile.SweeperConfig{
			Schedule:           cfg.Sweeper.Schedule,
			RetentionDays:      cfg.Sweeper.RetentionDays,
			ExpirePendingAfter: cfg.Sweeper.ExpirePendingAfter,
			RepairDrift:        cfg.Sweeper.RepairDrift,
			Pool:               pool,
		}, logger.Named("sweeper"))
		if err != nil {
			logger.Fatal("sweeper init failed", zap.Error(err))
		}
		sweeper.Start()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := sweeper.Stop(sctx); err != nil {
				logger.Warn("sweeper stop", zap.Error(err))
			}
		}()
		logger.Info("sweeper scheduled", zap.String("schedule", cfg.Sweeper.Schedule))
	}

	// HTTP
	keys, _ := cfg.Auth.Keys()
	if len(keys) == 0 {
		logger.Warn("no API keys configured, authentication disabled")
	}
	var limiter *middleware.ClientLimiter
	if cfg.RateLimit.Enabled {
		limiter = middleware.NewClientLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, cfg.RateLimit.IdleTTL)
	}
	h := handlers.NewHandler(st.Medications, coord, logger.Named("http"))
	router := api.NewRouter(h, api.RouterConfig{
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
		APIKeys:     keys,
		Limiter:     limiter,
		Metrics:     m,
		Ready:       ready,
		Logger:      logger,
	})

	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(sctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting adherence API",
		zap.String("address", cfg.Server.Address),
		zap.String("store", cfg.Store.Driver),
		zap.Int("horizon_days", cfg.Schedule.HorizonDays),
		zap.String("timezone", cfg.Location().String()))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("server stopped")
}

// reportBreakers mirrors breaker states into the metrics gauge.
func reportBreakers(ctx context.Context, breakers *circuitbreaker.Manager, m *metrics.Metrics) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range breakers.GetHealthStatus() {
				m.SetBreakerState(s.Name, string(s.State))
			}
		}
	}
}
