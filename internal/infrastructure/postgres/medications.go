package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/medication"
)

// MedicationRepository provides medication persistence
type MedicationRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ medication.Repository = (*MedicationRepository)(nil)

// NewMedicationRepository creates a new repository
func NewMedicationRepository(pool *pgxpool.Pool, logger *zap.Logger) *MedicationRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MedicationRepository{pool: pool, logger: logger}
}

// Save inserts or replaces a medication. The schedule is stored as JSONB and
// replaced wholesale; created_at is kept from the first insert.
func (r *MedicationRepository) Save(ctx context.Context, m medication.Medication) error {
	schedule, err := json.Marshal(m.Schedule)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}

	query := `
		INSERT INTO medications (id, patient_id, name, dosage, schedule, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()), COALESCE($7, NOW()))
		ON CONFLICT (id) DO UPDATE
		SET patient_id = EXCLUDED.patient_id,
		    name = EXCLUDED.name,
		    dosage = EXCLUDED.dosage,
		    schedule = EXCLUDED.schedule,
		    updated_at = EXCLUDED.updated_at
	`
	_, err = r.pool.Exec(ctx, query, m.ID, m.PatientID, m.Name, m.Dosage, schedule,
		nullTime(m.CreatedAt), nullTime(m.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save medication: %w", err)
	}
	return nil
}

// Get retrieves a medication by ID
func (r *MedicationRepository) Get(ctx context.Context, id string) (medication.Medication, error) {
	query := `
		SELECT id, patient_id, name, dosage, schedule, created_at, updated_at
		FROM medications
		WHERE id = $1
	`
	m, err := scanMedication(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return medication.Medication{}, fmt.Errorf("%w: %s", medication.ErrNotFound, id)
		}
		return medication.Medication{}, err
	}
	return m, nil
}

func (r *MedicationRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM medications WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete medication: %w", err)
	}
	return nil
}

// List returns every medication ordered by ID
func (r *MedicationRepository) List(ctx context.Context) ([]medication.Medication, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, patient_id, name, dosage, schedule, created_at, updated_at
		FROM medications
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list medications: %w", err)
	}
	defer rows.Close()

	var meds []medication.Medication
	for rows.Next() {
		m, err := scanMedication(rows)
		if err != nil {
			return nil, err
		}
		meds = append(meds, m)
	}
	return meds, rows.Err()
}

func scanMedication(row pgx.Row) (medication.Medication, error) {
	var (
		m        medication.Medication
		schedule []byte
	)
	if err := row.Scan(&m.ID, &m.PatientID, &m.Name, &m.Dosage, &schedule, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return m, err
	}
	if err := json.Unmarshal(schedule, &m.Schedule); err != nil {
		return m, fmt.Errorf("unmarshal schedule of %s: %w", m.ID, err)
	}
	return m, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
