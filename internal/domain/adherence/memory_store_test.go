package adherence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-adherence/internal/domain/schedule"
)

func key(med, d, t string) Key {
	return Key{MedicationID: med, Date: schedule.MustParseDate(d), Time: schedule.MustParseTimeOfDay(t)}
}

var now = time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)

func TestUpsertIfAbsentIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	k := key("med-1", "2024-01-01", "08:00")

	created, err := s.UpsertIfAbsent(ctx, k, now)
	require.NoError(t, err)
	assert.True(t, created)

	require.NoError(t, s.SetHandle(ctx, k, "h-1"))

	created, err = s.UpsertIfAbsent(ctx, k, now.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, created)

	occ, err := s.Get(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, StatePending, occ.State)
	assert.Equal(t, "h-1", occ.NotificationHandle)
	assert.Equal(t, now, occ.CreatedAt)
	assert.Equal(t, 1, s.Len())
}

func TestUpsertNeverRevertsResolvedRow(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	k := key("med-1", "2024-01-01", "08:00")

	_, err := s.UpsertIfAbsent(ctx, k, now)
	require.NoError(t, err)
	_, err = s.MarkTaken(ctx, k, now)
	require.NoError(t, err)

	created, err := s.UpsertIfAbsent(ctx, k, now)
	require.NoError(t, err)
	assert.False(t, created)

	occ, err := s.Get(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, StateTaken, occ.State)
}

func TestSingleTerminalTransition(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	k := key("med-1", "2024-01-01", "08:00")

	_, err := s.UpsertIfAbsent(ctx, k, now)
	require.NoError(t, err)
	require.NoError(t, s.SetHandle(ctx, k, "h-1"))

	res, err := s.MarkTaken(ctx, k, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "h-1", res.ReleasedHandle)
	assert.Equal(t, StateTaken, res.Occurrence.State)
	assert.Empty(t, res.Occurrence.NotificationHandle)
	require.NotNil(t, res.Occurrence.ResolvedAt)

	_, err = s.MarkSkipped(ctx, k, now.Add(3*time.Hour))
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	occ, err := s.Get(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, StateTaken, occ.State)
}

func TestMarkUnknownOccurrence(t *testing.T) {
	_, err := NewMemoryStore().MarkSkipped(context.Background(), key("med-1", "2024-01-01", "08:00"), now)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSetHandleRequiresPending(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	k := key("med-1", "2024-01-01", "08:00")

	assert.ErrorIs(t, s.SetHandle(ctx, k, "h"), ErrNotFound)

	_, _ = s.UpsertIfAbsent(ctx, k, now)
	_, err := s.MarkSkipped(ctx, k, now)
	require.NoError(t, err)
	assert.ErrorIs(t, s.SetHandle(ctx, k, "h"), ErrInvalidTransition)
}

func TestListingAndDeletion(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, k := range []Key{
		key("med-2", "2024-01-02", "08:00"),
		key("med-1", "2024-01-02", "08:00"),
		key("med-1", "2024-01-01", "20:00"),
		key("med-1", "2024-01-03", "08:00"),
	} {
		_, err := s.UpsertIfAbsent(ctx, k, now)
		require.NoError(t, err)
	}

	day, err := s.ListForWindow(ctx, "", schedule.MustParseDate("2024-01-02"), schedule.MustParseDate("2024-01-02"))
	require.NoError(t, err)
	require.Len(t, day, 2)
	assert.Equal(t, "med-1", day[0].MedicationID)
	assert.Equal(t, "med-2", day[1].MedicationID)

	window, err := s.ListForWindow(ctx, "med-1", schedule.MustParseDate("2024-01-01"), schedule.MustParseDate("2024-01-02"))
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, "2024-01-01", window[0].Date.String())

	_, err = s.MarkTaken(ctx, key("med-1", "2024-01-01", "20:00"), now)
	require.NoError(t, err)
	pending, err := s.ListPending(ctx, "med-1")
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	pruned, err := s.PruneBefore(ctx, schedule.MustParseDate("2024-01-02"))
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	removed, err := s.DeleteMedication(ctx, "med-1")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, s.Len())
}

func TestParseKeyRoundTrip(t *testing.T) {
	k := key("med|with|pipes", "2024-02-29", "07:05")
	parsed, err := ParseKey(k.String())
	require.NoError(t, err)
	assert.Equal(t, k, parsed)

	for _, bad := range []string{"", "med", "med|2024-01-01", "|2024-01-01|08:00", "med|2024-13-01|08:00", "med|2024-01-01|8am"} {
		_, err := ParseKey(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseOutcome(t *testing.T) {
	s, err := ParseOutcome("taken")
	require.NoError(t, err)
	assert.Equal(t, StateTaken, s)

	_, err = ParseOutcome("pending")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}
