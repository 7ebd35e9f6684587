package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/adherence"
	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/domain/schedule"
	"github.com/drfirst/go-adherence/internal/notify"
)

var t0 = time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type fixture struct {
	store  *adherence.MemoryStore
	gw     *notify.MemoryGateway
	clock  *fakeClock
	events *adherence.MemorySink
	coord  *Coordinator
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:  adherence.NewMemoryStore(),
		clock:  &fakeClock{t: t0},
		events: adherence.NewMemorySink(256),
	}
	f.gw = notify.NewMemoryGateway(f.clock.Now)
	base := []Option{WithClock(f.clock.Now), WithEvents(f.events)}
	f.coord = New(f.store, f.gw, zap.NewNop(), append(base, opts...)...)
	return f
}

func daily(t *testing.T, times ...string) schedule.Descriptor {
	t.Helper()
	d, err := schedule.New(schedule.FrequencyDaily, times, schedule.MustParseDate("2024-01-01"), nil, nil, nil)
	require.NoError(t, err)
	return d
}

func key(med, date, tod string) adherence.Key {
	return adherence.Key{
		MedicationID: med,
		Date:         schedule.MustParseDate(date),
		Time:         schedule.MustParseTimeOfDay(tod),
	}
}

func TestReconcileMaterializesHorizon(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rep, err := f.coord.ReconcileMedication(ctx, "med-1", daily(t, "08:00", "20:00"))
	require.NoError(t, err)

	assert.Equal(t, schedule.MustParseDate("2024-01-01"), rep.WindowStart)
	assert.Equal(t, schedule.MustParseDate("2024-01-30"), rep.WindowEnd)
	assert.Equal(t, 60, rep.Desired)
	assert.Equal(t, 60, rep.Created)
	assert.Equal(t, 60, rep.Scheduled)
	assert.False(t, rep.RemindersDisabled)
	assert.Equal(t, 60, f.store.Len())
	assert.Equal(t, 60, f.gw.PendingCount())

	occ, err := f.store.Get(ctx, key("med-1", "2024-01-01", "08:00"))
	require.NoError(t, err)
	assert.Equal(t, adherence.StatePending, occ.State)
	assert.Equal(t, string(notify.HandleFor(occ.Key)), occ.NotificationHandle)

	events := f.events.Drain()
	require.Len(t, events, 1)
	assert.Equal(t, adherence.EventMedicationReconciled, events[0].EventType)
	assert.Equal(t, "med-1", events[0].MedicationID)
}

func TestReconcileIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := daily(t, "08:00", "20:00")

	_, err := f.coord.ReconcileMedication(ctx, "med-1", d)
	require.NoError(t, err)
	calls := f.gw.ScheduleCalls()

	rep, err := f.coord.ReconcileMedication(ctx, "med-1", d)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Created)
	assert.Equal(t, 0, rep.Scheduled)
	assert.Equal(t, 0, rep.Healed)
	assert.Equal(t, 0, rep.Pruned)
	assert.Equal(t, calls, f.gw.ScheduleCalls())
	assert.Equal(t, 0, f.gw.CancelCalls())
	assert.Equal(t, 60, f.store.Len())
}

func TestReconcileDoesNotSchedulePastInstants(t *testing.T) {
	f := newFixture(t)
	f.clock.Set(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))

	rep, err := f.coord.ReconcileMedication(context.Background(), "med-1", daily(t, "08:00", "20:00"))
	require.NoError(t, err)
	assert.Equal(t, 60, rep.Created)
	assert.Equal(t, 59, rep.Scheduled)
	assert.Equal(t, 59, f.gw.ScheduleCalls())

	occ, err := f.store.Get(context.Background(), key("med-1", "2024-01-01", "08:00"))
	require.NoError(t, err)
	assert.Equal(t, adherence.StatePending, occ.State)
	assert.Empty(t, occ.NotificationHandle)
}

func TestReconcileRespectsLocation(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*60*60)
	f := newFixture(t, WithLocation(loc), WithHorizonDays(2))

	// 06:00 UTC is 16:00 on 2024-01-01 in UTC+10.
	rep, err := f.coord.ReconcileMedication(context.Background(), "med-1", daily(t, "08:00", "20:00"))
	require.NoError(t, err)
	assert.Equal(t, schedule.MustParseDate("2024-01-01"), rep.WindowStart)
	assert.Equal(t, 4, rep.Created)
	assert.Equal(t, 3, rep.Scheduled)
}

func TestEditPrunesFuturePendingOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.ReconcileMedication(ctx, "med-1", daily(t, "08:00", "20:00"))
	require.NoError(t, err)

	taken := key("med-1", "2024-01-05", "08:00")
	_, err = f.coord.RecordAdherence(ctx, taken, adherence.StateTaken)
	require.NoError(t, err)
	assert.Equal(t, 59, f.gw.PendingCount())

	f.clock.Set(time.Date(2024, 1, 1, 21, 0, 0, 0, time.UTC))
	rep, err := f.coord.ReconcileMedication(ctx, "med-1", daily(t, "09:00"))
	require.NoError(t, err)

	assert.Equal(t, 30, rep.Created)
	assert.Equal(t, 29, rep.Scheduled)
	assert.Equal(t, 57, rep.Pruned)
	assert.Equal(t, 57, rep.Cancelled)
	assert.Equal(t, 33, f.store.Len())
	assert.Equal(t, 31, f.gw.PendingCount())

	// Past PENDING rows survive the edit.
	for _, tod := range []string{"08:00", "20:00"} {
		occ, err := f.store.Get(ctx, key("med-1", "2024-01-01", tod))
		require.NoError(t, err)
		assert.Equal(t, adherence.StatePending, occ.State)
	}

	// Resolved rows are never modified.
	occ, err := f.store.Get(ctx, taken)
	require.NoError(t, err)
	assert.Equal(t, adherence.StateTaken, occ.State)
	require.NotNil(t, occ.ResolvedAt)

	_, err = f.store.Get(ctx, key("med-1", "2024-01-02", "08:00"))
	assert.ErrorIs(t, err, adherence.ErrNotFound)
}

func TestSchedulingUnavailableDegradesAndHeals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := daily(t, "08:00", "20:00")

	f.gw.Deny("permission denied")
	rep, err := f.coord.ReconcileMedication(ctx, "med-1", d)
	require.NoError(t, err)
	assert.True(t, rep.RemindersDisabled)
	assert.Equal(t, 60, rep.Created)
	assert.Equal(t, 0, rep.Scheduled)
	assert.Equal(t, 1, f.gw.ScheduleCalls())
	assert.Equal(t, 60, f.store.Len())

	var types []adherence.EventType
	for _, e := range f.events.Drain() {
		types = append(types, e.EventType)
	}
	assert.Contains(t, types, adherence.EventRemindersUnavailable)

	f.gw.Allow()
	rep, err = f.coord.ReconcileMedication(ctx, "med-1", d)
	require.NoError(t, err)
	assert.False(t, rep.RemindersDisabled)
	assert.Equal(t, 0, rep.Created)
	assert.Equal(t, 60, rep.Healed)
	assert.Equal(t, 60, f.gw.PendingCount())
}

func TestInvalidDescriptorIsRejected(t *testing.T) {
	f := newFixture(t)

	d := schedule.Descriptor{Kind: schedule.FrequencyDaily, StartDate: schedule.MustParseDate("2024-01-01")}
	_, err := f.coord.ReconcileMedication(context.Background(), "med-1", d)
	require.Error(t, err)
	assert.ErrorIs(t, err, schedule.ErrInvalidDescriptor)

	var verr *schedule.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.NotEmpty(t, verr.FieldErrors)

	_, err = f.coord.ReconcileMedication(context.Background(), "", daily(t, "08:00"))
	assert.ErrorIs(t, err, schedule.ErrInvalidDescriptor)

	assert.Equal(t, 0, f.store.Len())
	assert.Equal(t, 0, f.gw.ScheduleCalls())
}

func TestRecordAdherence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.coord.ReconcileMedication(ctx, "med-1", daily(t, "08:00", "20:00"))
	require.NoError(t, err)
	f.events.Drain()

	k := key("med-1", "2024-01-02", "20:00")
	occ, err := f.coord.RecordAdherence(ctx, k, adherence.StateSkipped)
	require.NoError(t, err)
	assert.Equal(t, adherence.StateSkipped, occ.State)
	assert.Empty(t, occ.NotificationHandle)
	require.NotNil(t, occ.ResolvedAt)
	assert.True(t, occ.ResolvedAt.Equal(t0))

	_, pending := f.gw.Pending(notify.HandleFor(k))
	assert.False(t, pending)
	assert.Equal(t, 59, f.gw.PendingCount())

	_, err = f.coord.RecordAdherence(ctx, k, adherence.StateTaken)
	assert.ErrorIs(t, err, adherence.ErrInvalidTransition)

	_, err = f.coord.RecordAdherence(ctx, key("med-1", "2024-03-01", "08:00"), adherence.StateTaken)
	assert.ErrorIs(t, err, adherence.ErrInvalidTransition)

	_, err = f.coord.RecordAdherence(ctx, k, adherence.StatePending)
	assert.ErrorIs(t, err, adherence.ErrInvalidTransition)

	events := f.events.Drain()
	require.Len(t, events, 1)
	assert.Equal(t, adherence.EventAdherenceRecorded, events[0].EventType)
}

func TestRecordAdherenceSurvivesCancelFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.coord.ReconcileMedication(ctx, "med-1", daily(t, "08:00"))
	require.NoError(t, err)

	f.gw.FailCancels(errors.New("platform offline"))
	k := key("med-1", "2024-01-03", "08:00")
	occ, err := f.coord.RecordAdherence(ctx, k, adherence.StateTaken)
	require.NoError(t, err)
	assert.Equal(t, adherence.StateTaken, occ.State)

	stored, err := f.store.Get(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, adherence.StateTaken, stored.State)
	assert.Empty(t, stored.NotificationHandle)
}

func TestRemoveMedication(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.coord.ReconcileMedication(ctx, "med-1", daily(t, "08:00", "20:00"))
	require.NoError(t, err)
	_, err = f.coord.ReconcileMedication(ctx, "med-2", daily(t, "12:00"))
	require.NoError(t, err)
	_, err = f.coord.RecordAdherence(ctx, key("med-1", "2024-01-01", "08:00"), adherence.StateTaken)
	require.NoError(t, err)

	rem, err := f.coord.RemoveMedication(ctx, "med-1")
	require.NoError(t, err)
	assert.Equal(t, 60, rem.Removed)
	assert.Equal(t, 59, rem.Cancelled)

	assert.Equal(t, 30, f.store.Len())
	assert.Equal(t, 30, f.gw.PendingCount())

	rem, err = f.coord.RemoveMedication(ctx, "med-1")
	require.NoError(t, err)
	assert.Equal(t, 0, rem.Removed)
}

func TestGetOccurrencesForDate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.coord.ReconcileMedication(ctx, "med-b", daily(t, "08:00", "20:00"))
	require.NoError(t, err)
	_, err = f.coord.ReconcileMedication(ctx, "med-a", daily(t, "08:00", "12:00"))
	require.NoError(t, err)

	day := schedule.MustParseDate("2024-01-10")
	all, err := f.coord.GetOccurrencesForDate(ctx, "", day)
	require.NoError(t, err)
	require.Len(t, all, 4)
	got := make([]string, len(all))
	for i, o := range all {
		got[i] = o.Key.String()
	}
	assert.Equal(t, []string{
		"med-a|2024-01-10|08:00",
		"med-b|2024-01-10|08:00",
		"med-a|2024-01-10|12:00",
		"med-b|2024-01-10|20:00",
	}, got)

	one, err := f.coord.GetOccurrencesForDate(ctx, "med-b", day)
	require.NoError(t, err)
	assert.Len(t, one, 2)

	none, err := f.coord.GetOccurrencesForDate(ctx, "med-b", schedule.MustParseDate("2024-06-01"))
	require.NoError(t, err)
	assert.Empty(t, none)
}

type failingHandleStore struct {
	*adherence.MemoryStore
}

func (s failingHandleStore) SetHandle(ctx context.Context, key adherence.Key, handle string) error {
	return errors.New("disk full")
}

func TestHandlePersistFailureCancelsHandle(t *testing.T) {
	store := failingHandleStore{adherence.NewMemoryStore()}
	clock := &fakeClock{t: t0}
	gw := notify.NewMemoryGateway(clock.Now)
	coord := New(store, gw, zap.NewNop(), WithClock(clock.Now))

	_, err := coord.ReconcileMedication(context.Background(), "med-1", daily(t, "08:00"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1, gw.ScheduleCalls())
	assert.Equal(t, 1, gw.CancelCalls())
	assert.Equal(t, 0, gw.PendingCount())
}

func TestConcurrentReconcileOfOneMedication(t *testing.T) {
	f := newFixture(t)
	d := daily(t, "08:00", "20:00")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.coord.ReconcileMedication(context.Background(), "med-1", d)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 60, f.store.Len())
	assert.Equal(t, 60, f.gw.ScheduleCalls())
	assert.Equal(t, 60, f.gw.PendingCount())
}

func TestAuditNotifications(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.coord.ReconcileMedication(ctx, "med-1", daily(t, "08:00"))
	require.NoError(t, err)

	f.gw.Inject(notify.Scheduled{Handle: "rem_orphan", At: t0.Add(time.Hour)})
	fired := notify.HandleFor(key("med-1", "2024-01-01", "08:00"))
	require.NoError(t, f.gw.Cancel(ctx, fired))

	rep, err := f.coord.AuditNotifications(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"rem_orphan"}, rep.Orphaned)
	assert.Equal(t, []string{string(fired)}, rep.Dangling)
	assert.Equal(t, 0, rep.Repaired)
	_, still := f.gw.Pending("rem_orphan")
	assert.True(t, still)

	rep, err = f.coord.AuditNotifications(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Repaired)
	_, still = f.gw.Pending("rem_orphan")
	assert.False(t, still)

	rep, err = f.coord.AuditNotifications(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, rep.Orphaned)
}

func TestExpireOverdue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.coord.ReconcileMedication(ctx, "med-1", daily(t, "08:00", "20:00"))
	require.NoError(t, err)
	_, err = f.coord.RecordAdherence(ctx, key("med-1", "2024-01-01", "20:00"), adherence.StateTaken)
	require.NoError(t, err)

	f.clock.Set(time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC))
	n, err := f.coord.ExpireOverdue(ctx, 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, k := range []adherence.Key{key("med-1", "2024-01-01", "08:00"), key("med-1", "2024-01-02", "08:00")} {
		occ, err := f.store.Get(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, adherence.StateSkipped, occ.State)
	}
	occ, err := f.store.Get(ctx, key("med-1", "2024-01-01", "20:00"))
	require.NoError(t, err)
	assert.Equal(t, adherence.StateTaken, occ.State)

	n, err = f.coord.ExpireOverdue(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSaveMedicationKeepsCreatedAt(t *testing.T) {
	ctx := context.Background()
	meds := medication.NewMemoryRepository()
	f := newFixture(t, WithMedications(meds), WithHorizonDays(7))

	saved, rep, err := f.coord.SaveMedication(ctx, medication.Medication{ID: "med-1", Name: "Metformin", Schedule: daily(t, "08:00", "20:00")})
	require.NoError(t, err)
	assert.Equal(t, 14, rep.Created)
	assert.Equal(t, t0, saved.CreatedAt)

	f.clock.Set(t0.Add(time.Hour))
	saved, rep, err = f.coord.SaveMedication(ctx, medication.Medication{ID: "med-1", Name: "Metformin", Schedule: daily(t, "08:00")})
	require.NoError(t, err)
	assert.Equal(t, t0, saved.CreatedAt)
	assert.Equal(t, t0.Add(time.Hour), saved.UpdatedAt)
	assert.Equal(t, 7, rep.Pruned)

	stored, err := meds.Get(ctx, "med-1")
	require.NoError(t, err)
	assert.Equal(t, []schedule.TimeOfDay{schedule.MustParseTimeOfDay("08:00")}, stored.Schedule.TimesOfDay)
}

func TestSaveMedicationRejectsInvalidRecord(t *testing.T) {
	ctx := context.Background()
	meds := medication.NewMemoryRepository()
	f := newFixture(t, WithMedications(meds))

	_, _, err := f.coord.SaveMedication(ctx, medication.Medication{ID: "med-1", Schedule: daily(t, "08:00")})
	assert.ErrorIs(t, err, schedule.ErrInvalidDescriptor)

	_, _, err = f.coord.SaveMedication(ctx, medication.Medication{ID: "med-1", Name: "Metformin", Schedule: schedule.Descriptor{
		Kind:      schedule.FrequencyDaily,
		StartDate: schedule.MustParseDate("2024-01-01"),
	}})
	assert.ErrorIs(t, err, schedule.ErrInvalidDescriptor)

	_, err = meds.Get(ctx, "med-1")
	assert.ErrorIs(t, err, medication.ErrNotFound)
	assert.Equal(t, 0, f.store.Len())
}

func TestReconcileAfterDeleteCreatesNothing(t *testing.T) {
	ctx := context.Background()
	meds := medication.NewMemoryRepository()
	f := newFixture(t, WithMedications(meds))

	_, _, err := f.coord.SaveMedication(ctx, medication.Medication{ID: "med-1", Name: "Metformin", Schedule: daily(t, "08:00")})
	require.NoError(t, err)
	rem, err := f.coord.RemoveMedication(ctx, "med-1")
	require.NoError(t, err)
	assert.Equal(t, 30, rem.Removed)

	// A PUT that saved before the delete reconciles after it.
	calls := f.gw.ScheduleCalls()
	_, err = f.coord.ReconcileMedication(ctx, "med-1", daily(t, "08:00"))
	assert.ErrorIs(t, err, medication.ErrNotFound)
	_, err = f.coord.ReconcileStored(ctx, "med-1")
	assert.ErrorIs(t, err, medication.ErrNotFound)

	assert.Equal(t, 0, f.store.Len())
	assert.Equal(t, 0, f.gw.PendingCount())
	assert.Equal(t, calls, f.gw.ScheduleCalls())
}

func TestSaveMedicationNeedsRepository(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.coord.SaveMedication(context.Background(), medication.Medication{ID: "med-1", Name: "Metformin", Schedule: daily(t, "08:00")})
	assert.Error(t, err)
	assert.Equal(t, 0, f.store.Len())
}
