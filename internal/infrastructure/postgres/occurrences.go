package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/adherence"
	"github.com/drfirst/go-adherence/internal/domain/schedule"
)

const occurrenceColumns = `medication_id, occurrence_date, occurrence_time, state,
	COALESCE(notification_handle, ''), created_at, resolved_at`

// OccurrenceStore implements adherence.Store on PostgreSQL
type OccurrenceStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

var _ adherence.Store = (*OccurrenceStore)(nil)

// NewOccurrenceStore creates a new occurrence store
func NewOccurrenceStore(pool *pgxpool.Pool, logger *zap.Logger) *OccurrenceStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OccurrenceStore{pool: pool, logger: logger, tracer: otel.Tracer("postgres-occurrences")}
}

func dateParam(d schedule.Date) time.Time {
	return d.In(time.UTC)
}

func (s *OccurrenceStore) UpsertIfAbsent(ctx context.Context, key adherence.Key, createdAt time.Time) (bool, error) {
	query := `
		INSERT INTO occurrences (medication_id, occurrence_date, occurrence_time, state, created_at)
		VALUES ($1, $2, $3, 'PENDING', $4)
		ON CONFLICT (medication_id, occurrence_date, occurrence_time) DO NOTHING
		RETURNING medication_id
	`
	var returned string
	err := s.pool.QueryRow(ctx, query, key.MedicationID, dateParam(key.Date), key.Time.String(), createdAt.UTC()).Scan(&returned)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Conflict: the row already exists and is left untouched.
			return false, nil
		}
		return false, fmt.Errorf("insert occurrence: %w", err)
	}
	return true, nil
}

func (s *OccurrenceStore) Get(ctx context.Context, key adherence.Key) (adherence.Occurrence, error) {
	query := `SELECT ` + occurrenceColumns + `
		FROM occurrences
		WHERE medication_id = $1 AND occurrence_date = $2 AND occurrence_time = $3`

	occ, err := scanOccurrence(s.pool.QueryRow(ctx, query, key.MedicationID, dateParam(key.Date), key.Time.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return adherence.Occurrence{}, fmt.Errorf("%w: %s", adherence.ErrNotFound, key)
		}
		return adherence.Occurrence{}, err
	}
	return occ, nil
}

func (s *OccurrenceStore) MarkTaken(ctx context.Context, key adherence.Key, at time.Time) (adherence.Resolution, error) {
	return s.resolve(ctx, key, adherence.StateTaken, at)
}

func (s *OccurrenceStore) MarkSkipped(ctx context.Context, key adherence.Key, at time.Time) (adherence.Resolution, error) {
	return s.resolve(ctx, key, adherence.StateSkipped, at)
}

// resolve locks the row, applies the transition in memory and writes the
// new state and the cleared handle back in the same transaction.
func (s *OccurrenceStore) resolve(ctx context.Context, key adherence.Key, outcome adherence.State, at time.Time) (adherence.Resolution, error) {
	ctx, span := s.tracer.Start(ctx, "occurrence_resolve",
		trace.WithAttributes(
			attribute.String("occurrence_key", key.String()),
			attribute.String("outcome", string(outcome)),
		))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return adherence.Resolution{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `SELECT ` + occurrenceColumns + `
		FROM occurrences
		WHERE medication_id = $1 AND occurrence_date = $2 AND occurrence_time = $3
		FOR UPDATE`
	occ, err := scanOccurrence(tx.QueryRow(ctx, query, key.MedicationID, dateParam(key.Date), key.Time.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return adherence.Resolution{}, fmt.Errorf("%w: %s not found", adherence.ErrInvalidTransition, key)
		}
		span.RecordError(err)
		return adherence.Resolution{}, err
	}

	released, err := occ.Resolve(outcome, at)
	if err != nil {
		return adherence.Resolution{}, err
	}

	update := `
		UPDATE occurrences
		SET state = $4, resolved_at = $5, notification_handle = NULL
		WHERE medication_id = $1 AND occurrence_date = $2 AND occurrence_time = $3
	`
	if _, err := tx.Exec(ctx, update, key.MedicationID, dateParam(key.Date), key.Time.String(), string(occ.State), *occ.ResolvedAt); err != nil {
		span.RecordError(err)
		return adherence.Resolution{}, fmt.Errorf("update occurrence: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return adherence.Resolution{}, fmt.Errorf("commit: %w", err)
	}
	return adherence.Resolution{Occurrence: occ, ReleasedHandle: released}, nil
}

func (s *OccurrenceStore) SetHandle(ctx context.Context, key adherence.Key, handle string) error {
	query := `
		UPDATE occurrences
		SET notification_handle = NULLIF($4::text, '')
		WHERE medication_id = $1 AND occurrence_date = $2 AND occurrence_time = $3
		  AND state = 'PENDING'
	`
	tag, err := s.pool.Exec(ctx, query, key.MedicationID, dateParam(key.Date), key.Time.String(), handle)
	if err != nil {
		return fmt.Errorf("set handle: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, key); err != nil {
			return err
		}
		return fmt.Errorf("%w: cannot attach handle to resolved occurrence %s", adherence.ErrInvalidTransition, key)
	}
	return nil
}

func (s *OccurrenceStore) ListForWindow(ctx context.Context, medicationID string, from, to schedule.Date) ([]adherence.Occurrence, error) {
	query := `SELECT ` + occurrenceColumns + `
		FROM occurrences
		WHERE ($1::text = '' OR medication_id = $1)
		  AND occurrence_date BETWEEN $2 AND $3
		ORDER BY occurrence_date, occurrence_time, medication_id`
	return s.query(ctx, query, medicationID, dateParam(from), dateParam(to))
}

func (s *OccurrenceStore) ListPending(ctx context.Context, medicationID string) ([]adherence.Occurrence, error) {
	query := `SELECT ` + occurrenceColumns + `
		FROM occurrences
		WHERE medication_id = $1 AND state = 'PENDING'
		ORDER BY occurrence_date, occurrence_time`
	return s.query(ctx, query, medicationID)
}

func (s *OccurrenceStore) Delete(ctx context.Context, key adherence.Key) error {
	query := `
		DELETE FROM occurrences
		WHERE medication_id = $1 AND occurrence_date = $2 AND occurrence_time = $3
	`
	if _, err := s.pool.Exec(ctx, query, key.MedicationID, dateParam(key.Date), key.Time.String()); err != nil {
		return fmt.Errorf("delete occurrence: %w", err)
	}
	return nil
}

func (s *OccurrenceStore) DeleteMedication(ctx context.Context, medicationID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM occurrences WHERE medication_id = $1`, medicationID)
	if err != nil {
		return 0, fmt.Errorf("delete occurrences: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *OccurrenceStore) PruneBefore(ctx context.Context, cutoff schedule.Date) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM occurrences WHERE occurrence_date < $1`, dateParam(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune occurrences: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.logger.Info("pruned occurrences", zap.Int64("deleted", n), zap.String("cutoff", cutoff.String()))
	}
	return int(tag.RowsAffected()), nil
}

func (s *OccurrenceStore) ListHandles(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT notification_handle FROM occurrences
		WHERE notification_handle IS NOT NULL
		ORDER BY notification_handle`)
	if err != nil {
		return nil, fmt.Errorf("list handles: %w", err)
	}
	defer rows.Close()

	var handles []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, rows.Err()
}

func (s *OccurrenceStore) query(ctx context.Context, query string, args ...interface{}) ([]adherence.Occurrence, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query occurrences: %w", err)
	}
	defer rows.Close()

	var out []adherence.Occurrence
	for rows.Next() {
		occ, err := scanOccurrence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, occ)
	}
	return out, rows.Err()
}

func scanOccurrence(row pgx.Row) (adherence.Occurrence, error) {
	var (
		occ      adherence.Occurrence
		date     time.Time
		tod      string
		state    string
		resolved *time.Time
	)
	if err := row.Scan(&occ.MedicationID, &date, &tod, &state, &occ.NotificationHandle, &occ.CreatedAt, &resolved); err != nil {
		return occ, err
	}
	t, err := schedule.ParseTimeOfDay(tod)
	if err != nil {
		return occ, fmt.Errorf("corrupt occurrence_time %q: %w", tod, err)
	}
	occ.Date = schedule.DateOf(date)
	occ.Time = t
	occ.State = adherence.State(state)
	occ.CreatedAt = occ.CreatedAt.UTC()
	if resolved != nil {
		r := resolved.UTC()
		occ.ResolvedAt = &r
	}
	return occ, nil
}
