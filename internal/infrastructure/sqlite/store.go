// Package sqlite provides gorm-backed stores for single-node and on-device
// deployments.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/drfirst/go-adherence/internal/domain/adherence"
	"github.com/drfirst/go-adherence/internal/domain/schedule"
)

// Open opens the database and migrates the schema. SQLite allows a single
// writer, so the pool is capped at one connection.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&occurrenceRow{}, &medicationRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schemas: %w", err)
	}
	return db, nil
}

type occurrenceRow struct {
	MedicationID       string    `gorm:"primaryKey;size:128"`
	OccurrenceDate     string    `gorm:"primaryKey;size:10;index:idx_occurrence_slot,priority:1"`
	OccurrenceTime     string    `gorm:"primaryKey;size:5;index:idx_occurrence_slot,priority:2"`
	State              string    `gorm:"size:16;not null;index"`
	NotificationHandle *string   `gorm:"size:64;index"`
	CreatedAt          time.Time `gorm:"not null"`
	ResolvedAt         *time.Time
}

func (occurrenceRow) TableName() string { return "occurrences" }

func rowFor(key adherence.Key) occurrenceRow {
	return occurrenceRow{
		MedicationID:   key.MedicationID,
		OccurrenceDate: key.Date.String(),
		OccurrenceTime: key.Time.String(),
	}
}

func (r occurrenceRow) toDomain() (adherence.Occurrence, error) {
	d, err := schedule.ParseDate(r.OccurrenceDate)
	if err != nil {
		return adherence.Occurrence{}, fmt.Errorf("corrupt occurrence_date %q: %w", r.OccurrenceDate, err)
	}
	t, err := schedule.ParseTimeOfDay(r.OccurrenceTime)
	if err != nil {
		return adherence.Occurrence{}, fmt.Errorf("corrupt occurrence_time %q: %w", r.OccurrenceTime, err)
	}
	occ := adherence.Occurrence{
		Key:       adherence.Key{MedicationID: r.MedicationID, Date: d, Time: t},
		State:     adherence.State(r.State),
		CreatedAt: r.CreatedAt.UTC(),
	}
	if r.NotificationHandle != nil {
		occ.NotificationHandle = *r.NotificationHandle
	}
	if r.ResolvedAt != nil {
		at := r.ResolvedAt.UTC()
		occ.ResolvedAt = &at
	}
	return occ, nil
}

// OccurrenceStore implements adherence.Store with gorm.
type OccurrenceStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ adherence.Store = (*OccurrenceStore)(nil)

func NewOccurrenceStore(db *gorm.DB, logger *zap.Logger) *OccurrenceStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OccurrenceStore{db: db, logger: logger}
}

func whereKey(db *gorm.DB, key adherence.Key) *gorm.DB {
	return db.Where("medication_id = ? AND occurrence_date = ? AND occurrence_time = ?",
		key.MedicationID, key.Date.String(), key.Time.String())
}

func (s *OccurrenceStore) UpsertIfAbsent(ctx context.Context, key adherence.Key, createdAt time.Time) (bool, error) {
	row := rowFor(key)
	row.State = string(adherence.StatePending)
	row.CreatedAt = createdAt.UTC()

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("insert occurrence: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *OccurrenceStore) Get(ctx context.Context, key adherence.Key) (adherence.Occurrence, error) {
	var row occurrenceRow
	err := whereKey(s.db.WithContext(ctx), key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return adherence.Occurrence{}, fmt.Errorf("%w: %s", adherence.ErrNotFound, key)
	}
	if err != nil {
		return adherence.Occurrence{}, err
	}
	return row.toDomain()
}

func (s *OccurrenceStore) MarkTaken(ctx context.Context, key adherence.Key, at time.Time) (adherence.Resolution, error) {
	return s.resolve(ctx, key, adherence.StateTaken, at)
}

func (s *OccurrenceStore) MarkSkipped(ctx context.Context, key adherence.Key, at time.Time) (adherence.Resolution, error) {
	return s.resolve(ctx, key, adherence.StateSkipped, at)
}

func (s *OccurrenceStore) resolve(ctx context.Context, key adherence.Key, outcome adherence.State, at time.Time) (adherence.Resolution, error) {
	var res adherence.Resolution
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row occurrenceRow
		err := whereKey(tx, key).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s not found", adherence.ErrInvalidTransition, key)
		}
		if err != nil {
			return err
		}
		occ, err := row.toDomain()
		if err != nil {
			return err
		}
		released, err := occ.Resolve(outcome, at)
		if err != nil {
			return err
		}

		upd := whereKey(tx.Model(&occurrenceRow{}), key).
			Where("state = ?", string(adherence.StatePending)).
			Updates(map[string]interface{}{
				"state":               string(occ.State),
				"resolved_at":         *occ.ResolvedAt,
				"notification_handle": nil,
			})
		if upd.Error != nil {
			return fmt.Errorf("update occurrence: %w", upd.Error)
		}
		if upd.RowsAffected == 0 {
			return fmt.Errorf("%w: %s was resolved concurrently", adherence.ErrInvalidTransition, key)
		}
		res = adherence.Resolution{Occurrence: occ, ReleasedHandle: released}
		return nil
	})
	return res, err
}

func (s *OccurrenceStore) SetHandle(ctx context.Context, key adherence.Key, handle string) error {
	var value interface{}
	if handle != "" {
		value = handle
	}
	upd := whereKey(s.db.WithContext(ctx).Model(&occurrenceRow{}), key).
		Where("state = ?", string(adherence.StatePending)).
		Update("notification_handle", value)
	if upd.Error != nil {
		return fmt.Errorf("set handle: %w", upd.Error)
	}
	if upd.RowsAffected == 0 {
		if _, err := s.Get(ctx, key); err != nil {
			return err
		}
		return fmt.Errorf("%w: cannot attach handle to resolved occurrence %s", adherence.ErrInvalidTransition, key)
	}
	return nil
}

func (s *OccurrenceStore) ListForWindow(ctx context.Context, medicationID string, from, to schedule.Date) ([]adherence.Occurrence, error) {
	q := s.db.WithContext(ctx).Where("occurrence_date BETWEEN ? AND ?", from.String(), to.String())
	if medicationID != "" {
		q = q.Where("medication_id = ?", medicationID)
	}
	return s.find(q.Order("occurrence_date, occurrence_time, medication_id"))
}

func (s *OccurrenceStore) ListPending(ctx context.Context, medicationID string) ([]adherence.Occurrence, error) {
	q := s.db.WithContext(ctx).
		Where("medication_id = ? AND state = ?", medicationID, string(adherence.StatePending)).
		Order("occurrence_date, occurrence_time")
	return s.find(q)
}

func (s *OccurrenceStore) Delete(ctx context.Context, key adherence.Key) error {
	if err := whereKey(s.db.WithContext(ctx), key).Delete(&occurrenceRow{}).Error; err != nil {
		return fmt.Errorf("delete occurrence: %w", err)
	}
	return nil
}

func (s *OccurrenceStore) DeleteMedication(ctx context.Context, medicationID string) (int, error) {
	res := s.db.WithContext(ctx).Where("medication_id = ?", medicationID).Delete(&occurrenceRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete occurrences: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *OccurrenceStore) PruneBefore(ctx context.Context, cutoff schedule.Date) (int, error) {
	res := s.db.WithContext(ctx).Where("occurrence_date < ?", cutoff.String()).Delete(&occurrenceRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune occurrences: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Info("pruned occurrences", zap.Int64("deleted", res.RowsAffected), zap.String("cutoff", cutoff.String()))
	}
	return int(res.RowsAffected), nil
}

func (s *OccurrenceStore) ListHandles(ctx context.Context) ([]string, error) {
	var handles []string
	err := s.db.WithContext(ctx).Model(&occurrenceRow{}).
		Where("notification_handle IS NOT NULL").
		Order("notification_handle").
		Pluck("notification_handle", &handles).Error
	if err != nil {
		return nil, fmt.Errorf("list handles: %w", err)
	}
	return handles, nil
}

func (s *OccurrenceStore) find(q *gorm.DB) ([]adherence.Occurrence, error) {
	var rows []occurrenceRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query occurrences: %w", err)
	}
	out := make([]adherence.Occurrence, 0, len(rows))
	for _, r := range rows {
		occ, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, occ)
	}
	return out, nil
}
