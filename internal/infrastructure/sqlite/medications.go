package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/drfirst/go-adherence/internal/domain/medication"
)

type medicationRow struct {
	ID        string `gorm:"primaryKey;size:128"`
	PatientID string `gorm:"size:128;index"`
	Name      string `gorm:"size:255;not null"`
	Dosage    string `gorm:"size:255"`
	Schedule  string `gorm:"type:text;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (medicationRow) TableName() string { return "medications" }

// MedicationRepository implements medication.Repository with gorm.
type MedicationRepository struct {
	db *gorm.DB
}

var _ medication.Repository = (*MedicationRepository)(nil)

func NewMedicationRepository(db *gorm.DB) *MedicationRepository {
	return &MedicationRepository{db: db}
}

func (r *MedicationRepository) Save(ctx context.Context, m medication.Medication) error {
	sched, err := json.Marshal(m.Schedule)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	row := medicationRow{
		ID:        m.ID,
		PatientID: m.PatientID,
		Name:      m.Name,
		Dosage:    m.Dosage,
		Schedule:  string(sched),
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"patient_id", "name", "dosage", "schedule", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save medication: %w", err)
	}
	return nil
}

func (r *MedicationRepository) Get(ctx context.Context, id string) (medication.Medication, error) {
	var row medicationRow
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return medication.Medication{}, fmt.Errorf("%w: %s", medication.ErrNotFound, id)
	}
	if err != nil {
		return medication.Medication{}, err
	}
	return row.toDomain()
}

func (r *MedicationRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&medicationRow{}).Error
}

func (r *MedicationRepository) List(ctx context.Context) ([]medication.Medication, error) {
	var rows []medicationRow
	if err := r.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list medications: %w", err)
	}
	out := make([]medication.Medication, 0, len(rows))
	for _, row := range rows {
		m, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (r medicationRow) toDomain() (medication.Medication, error) {
	m := medication.Medication{
		ID:        r.ID,
		PatientID: r.PatientID,
		Name:      r.Name,
		Dosage:    r.Dosage,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
	if err := json.Unmarshal([]byte(r.Schedule), &m.Schedule); err != nil {
		return m, fmt.Errorf("unmarshal schedule of %s: %w", r.ID, err)
	}
	return m, nil
}
