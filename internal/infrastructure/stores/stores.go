// Package stores opens the occurrence store and medication repository for
// the configured driver.
package stores

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/config"
	"github.com/drfirst/go-adherence/internal/domain/adherence"
	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/infrastructure/postgres"
	"github.com/drfirst/go-adherence/internal/infrastructure/sqlite"
)

// Stores is an opened persistence backend.
type Stores struct {
	Driver      string
	Occurrences adherence.Store
	Medications medication.Repository
	// Outbox is set for postgres only.
	Outbox *postgres.Outbox
	// Pool is set for postgres only.
	Pool *pgxpool.Pool
	// Ping reports backend health.
	Ping  func(ctx context.Context) error
	close func()
}

// Open connects to the configured driver. eventsTopic is the topic domain
// events are written to through the outbox.
func Open(ctx context.Context, cfg config.StoreConfig, eventsTopic string, logger *zap.Logger) (*Stores, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Driver {
	case "postgres":
		pool, err := postgres.Connect(ctx, postgres.PoolConfig{
			URL:             cfg.PostgresURL,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		if cfg.Migrate {
			if err := postgres.Migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, fmt.Errorf("postgres: %w", err)
			}
		}
		logger.Info("connected to database")

		ocfg := postgres.DefaultOutboxConfig()
		if eventsTopic != "" {
			ocfg.EventsTopic = eventsTopic
		}
		return &Stores{
			Driver:      cfg.Driver,
			Occurrences: postgres.NewOccurrenceStore(pool, logger.Named("occurrences")),
			Medications: postgres.NewMedicationRepository(pool, logger.Named("medications")),
			Outbox:      postgres.NewOutbox(pool, nil, ocfg, logger.Named("outbox")),
			Pool:        pool,
			Ping:        pool.Ping,
			close:       pool.Close,
		}, nil

	case "sqlite":
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		logger.Info("opened sqlite store", zap.String("path", cfg.SQLitePath))
		return &Stores{
			Driver:      cfg.Driver,
			Occurrences: sqlite.NewOccurrenceStore(db, logger.Named("occurrences")),
			Medications: sqlite.NewMedicationRepository(db),
			Ping:        sqlDB.PingContext,
			close:       func() { _ = sqlDB.Close() },
		}, nil

	case "memory":
		logger.Warn("using in-memory stores, data is lost on restart")
		return &Stores{
			Driver:      cfg.Driver,
			Occurrences: adherence.NewMemoryStore(),
			Medications: medication.NewMemoryRepository(),
			Ping:        func(context.Context) error { return nil },
			close:       func() {},
		}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// Events returns the outbox as an event sink, or nil without postgres.
func (s *Stores) Events() adherence.EventSink {
	if s.Outbox == nil {
		return nil
	}
	return s.Outbox
}

func (s *Stores) Close() {
	if s.close != nil {
		s.close()
	}
}
