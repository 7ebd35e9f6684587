package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/adherence"
	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/domain/schedule"
)

var t0 = time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)

func setupStore(t *testing.T) *OccurrenceStore {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	return NewOccurrenceStore(db, zap.NewNop())
}

func key(med, date, tod string) adherence.Key {
	return adherence.Key{
		MedicationID: med,
		Date:         schedule.MustParseDate(date),
		Time:         schedule.MustParseTimeOfDay(tod),
	}
}

func TestUpsertIfAbsentIsIdempotent(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	k := key("med-1", "2024-01-01", "08:00")

	created, err := s.UpsertIfAbsent(ctx, k, t0)
	require.NoError(t, err)
	assert.True(t, created)

	require.NoError(t, s.SetHandle(ctx, k, "rem_1"))

	created, err = s.UpsertIfAbsent(ctx, k, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, created)

	occ, err := s.Get(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, adherence.StatePending, occ.State)
	assert.Equal(t, "rem_1", occ.NotificationHandle)
	assert.True(t, occ.CreatedAt.Equal(t0))
}

func TestResolveTransitions(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	k := key("med-1", "2024-01-01", "08:00")
	_, err := s.UpsertIfAbsent(ctx, k, t0)
	require.NoError(t, err)
	require.NoError(t, s.SetHandle(ctx, k, "rem_1"))

	res, err := s.MarkTaken(ctx, k, t0)
	require.NoError(t, err)
	assert.Equal(t, "rem_1", res.ReleasedHandle)
	assert.Equal(t, adherence.StateTaken, res.Occurrence.State)

	occ, err := s.Get(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, adherence.StateTaken, occ.State)
	assert.Empty(t, occ.NotificationHandle)
	require.NotNil(t, occ.ResolvedAt)

	_, err = s.MarkSkipped(ctx, k, t0)
	assert.ErrorIs(t, err, adherence.ErrInvalidTransition)

	_, err = s.MarkTaken(ctx, key("med-1", "2024-02-01", "08:00"), t0)
	assert.ErrorIs(t, err, adherence.ErrInvalidTransition)

	assert.ErrorIs(t, s.SetHandle(ctx, k, "rem_2"), adherence.ErrInvalidTransition)
	assert.ErrorIs(t, s.SetHandle(ctx, key("med-9", "2024-01-01", "08:00"), "rem_2"), adherence.ErrNotFound)

	_, err = s.UpsertIfAbsent(ctx, k, t0)
	require.NoError(t, err)
	occ, err = s.Get(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, adherence.StateTaken, occ.State)
}

func TestListingAndDeletion(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	keys := []adherence.Key{
		key("med-b", "2024-01-01", "08:00"),
		key("med-a", "2024-01-01", "08:00"),
		key("med-a", "2024-01-01", "20:00"),
		key("med-a", "2024-01-02", "08:00"),
		key("med-a", "2023-12-01", "08:00"),
	}
	for i, k := range keys {
		_, err := s.UpsertIfAbsent(ctx, k, t0)
		require.NoError(t, err)
		require.NoError(t, s.SetHandle(ctx, k, "rem_"+string(rune('a'+i))))
	}
	_, err := s.MarkSkipped(ctx, keys[3], t0)
	require.NoError(t, err)

	day, err := s.ListForWindow(ctx, "", schedule.MustParseDate("2024-01-01"), schedule.MustParseDate("2024-01-01"))
	require.NoError(t, err)
	require.Len(t, day, 3)
	assert.Equal(t, keys[1], day[0].Key)
	assert.Equal(t, keys[0], day[1].Key)
	assert.Equal(t, keys[2], day[2].Key)

	pending, err := s.ListPending(ctx, "med-a")
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	handles, err := s.ListHandles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"rem_a", "rem_b", "rem_c", "rem_e"}, handles)

	n, err := s.PruneBefore(ctx, schedule.MustParseDate("2024-01-01"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.Delete(ctx, keys[0]))
	_, err = s.Get(ctx, keys[0])
	assert.ErrorIs(t, err, adherence.ErrNotFound)

	n, err = s.DeleteMedication(ctx, "med-a")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestMedicationRepository(t *testing.T) {
	db, err := Open(":memory:")
	require.NoError(t, err)
	repo := NewMedicationRepository(db)
	ctx := context.Background()

	d, err := schedule.New(schedule.FrequencyWeekly, []string{"09:00"}, schedule.MustParseDate("2024-01-01"), nil,
		[]time.Weekday{time.Monday, time.Thursday}, nil)
	require.NoError(t, err)

	m := medication.Medication{ID: "med-1", Name: "Methotrexate", Dosage: "2.5mg", Schedule: d, CreatedAt: t0, UpdatedAt: t0}
	require.NoError(t, repo.Save(ctx, m))

	got, err := repo.Get(ctx, "med-1")
	require.NoError(t, err)
	assert.Equal(t, "Methotrexate", got.Name)
	assert.Equal(t, d, got.Schedule)

	m.Dosage = "5mg"
	m.UpdatedAt = t0.Add(time.Hour)
	require.NoError(t, repo.Save(ctx, m))
	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "5mg", list[0].Dosage)

	require.NoError(t, repo.Delete(ctx, "med-1"))
	_, err = repo.Get(ctx, "med-1")
	assert.ErrorIs(t, err, medication.ErrNotFound)
}
