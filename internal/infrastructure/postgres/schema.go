// Package postgres provides PostgreSQL infrastructure components: the
// occurrence store, the medication repository and the event outbox.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates every table the service uses. It is safe to run repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS medications (
	id          TEXT PRIMARY KEY,
	patient_id  TEXT NOT NULL DEFAULT '',
	name        TEXT NOT NULL,
	dosage      TEXT NOT NULL DEFAULT '',
	schedule    JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS occurrences (
	medication_id        TEXT NOT NULL,
	occurrence_date      DATE NOT NULL,
	occurrence_time      TEXT NOT NULL,
	state                TEXT NOT NULL DEFAULT 'PENDING'
	                     CHECK (state IN ('PENDING', 'TAKEN', 'SKIPPED')),
	notification_handle  TEXT,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	resolved_at          TIMESTAMPTZ,
	PRIMARY KEY (medication_id, occurrence_date, occurrence_time)
);

CREATE INDEX IF NOT EXISTS occurrences_date_idx ON occurrences (occurrence_date, occurrence_time);
CREATE INDEX IF NOT EXISTS occurrences_pending_idx ON occurrences (medication_id) WHERE state = 'PENDING';
CREATE INDEX IF NOT EXISTS occurrences_handle_idx ON occurrences (notification_handle) WHERE notification_handle IS NOT NULL;

CREATE TABLE IF NOT EXISTS outbox (
	id              BIGSERIAL PRIMARY KEY,
	aggregate_id    TEXT NOT NULL,
	aggregate_type  TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	payload         JSONB NOT NULL,
	topic           TEXT NOT NULL,
	message_key     TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processed_at    TIMESTAMPTZ,
	retry_count     INT NOT NULL DEFAULT 0,
	last_error      TEXT
);

CREATE INDEX IF NOT EXISTS outbox_unprocessed_idx ON outbox (created_at) WHERE processed_at IS NULL;

CREATE TABLE IF NOT EXISTS inbox (
	idempotency_key  TEXT PRIMARY KEY,
	handler_name     TEXT NOT NULL,
	status           TEXT NOT NULL,
	payload          JSONB,
	result           JSONB,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at       TIMESTAMPTZ
);
`

// PoolConfig holds connection pool settings
type PoolConfig struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pcfg.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// Migrate applies Schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
