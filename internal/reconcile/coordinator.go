// Package reconcile keeps stored occurrences and platform notifications
// aligned with each medication's schedule.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/adherence"
	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/domain/recurrence"
	"github.com/drfirst/go-adherence/internal/domain/schedule"
	"github.com/drfirst/go-adherence/internal/notify"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
)

// DefaultHorizonDays is how far ahead occurrences are materialized.
const DefaultHorizonDays = 30

var errNoRepository = errors.New("no medication repository configured")

// Report summarizes one reconciliation run.
type Report struct {
	MedicationID      string        `json:"medication_id"`
	WindowStart       schedule.Date `json:"window_start"`
	WindowEnd         schedule.Date `json:"window_end"`
	Desired           int           `json:"desired"`
	Created           int           `json:"created"`
	Scheduled         int           `json:"scheduled"`
	Healed            int           `json:"healed"`
	Pruned            int           `json:"pruned"`
	Cancelled         int           `json:"cancelled"`
	RemindersDisabled bool          `json:"reminders_disabled"`
}

// Removal summarizes a medication deletion.
type Removal struct {
	MedicationID string `json:"medication_id"`
	Removed      int    `json:"removed"`
	Cancelled    int    `json:"cancelled"`
}

// Coordinator is the only component that drives both the store and the
// notification gateway. Operations on one medication are serialized;
// different medications proceed in parallel.
type Coordinator struct {
	store   adherence.Store
	meds    medication.Repository
	gateway notify.Gateway
	engine  *recurrence.Engine
	locker  Locker
	events  adherence.EventSink
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
	loc     *time.Location
	horizon int

	auditMu  sync.Mutex
	suspects map[notify.Handle]struct{}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithHorizonDays(days int) Option {
	return func(c *Coordinator) {
		if days > 0 {
			c.horizon = days
		}
	}
}

// WithLocation sets the zone occurrence dates and times are interpreted in.
func WithLocation(loc *time.Location) Option {
	return func(c *Coordinator) {
		if loc != nil {
			c.loc = loc
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithLocker(l Locker) Option {
	return func(c *Coordinator) { c.locker = l }
}

func WithEvents(sink adherence.EventSink) Option {
	return func(c *Coordinator) { c.events = sink }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithMedications lets the coordinator read and write medication records
// under the medication lock.
func WithMedications(repo medication.Repository) Option {
	return func(c *Coordinator) { c.meds = repo }
}

func WithEngine(e *recurrence.Engine) Option {
	return func(c *Coordinator) { c.engine = e }
}

// New creates a coordinator
func New(store adherence.Store, gateway notify.Gateway, logger *zap.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		store:    store,
		gateway:  gateway,
		engine:   recurrence.NewEngine(),
		locker:   NewKeyedMutex(),
		logger:   logger,
		tracer:   otel.Tracer("reconcile"),
		now:      time.Now,
		loc:      time.UTC,
		horizon:  DefaultHorizonDays,
		suspects: make(map[notify.Handle]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Engine returns the recurrence engine used for validation and expansion.
func (c *Coordinator) Engine() *recurrence.Engine { return c.engine }

// Location returns the zone occurrences are interpreted in.
func (c *Coordinator) Location() *time.Location { return c.loc }

// Today returns the current calendar date in the coordinator's zone.
func (c *Coordinator) Today() schedule.Date {
	return schedule.DateOf(c.now().In(c.loc))
}

// ReconcileMedication aligns stored occurrences and notifications with d for
// the window [today, today+horizon-1]. Missing rows are created and, when
// still in the future, scheduled. Future PENDING rows the descriptor no
// longer produces are cancelled and removed. TAKEN and SKIPPED rows are
// never modified. Scheduling failures are reported, not returned.
//
// With a medication repository configured, the record must still exist once
// the medication lock is held.
func (c *Coordinator) ReconcileMedication(ctx context.Context, medicationID string, d schedule.Descriptor) (Report, error) {
	return c.reconcileWith(ctx, medicationID, func(ctx context.Context) (schedule.Descriptor, error) {
		if c.meds != nil {
			if _, err := c.meds.Get(ctx, medicationID); err != nil {
				return d, err
			}
		}
		return d, nil
	})
}

// ReconcileStored re-runs reconciliation against the stored record.
func (c *Coordinator) ReconcileStored(ctx context.Context, medicationID string) (Report, error) {
	if c.meds == nil {
		return Report{MedicationID: medicationID}, errNoRepository
	}
	return c.reconcileWith(ctx, medicationID, func(ctx context.Context) (schedule.Descriptor, error) {
		m, err := c.meds.Get(ctx, medicationID)
		return m.Schedule, err
	})
}

// SaveMedication validates m, writes the record and reconciles its
// occurrences under one hold of the medication lock. CreatedAt of an
// existing record is kept.
func (c *Coordinator) SaveMedication(ctx context.Context, m medication.Medication) (medication.Medication, Report, error) {
	if c.meds == nil {
		return m, Report{MedicationID: m.ID}, errNoRepository
	}
	if err := m.Validate(); err != nil {
		return m, Report{MedicationID: m.ID}, err
	}
	rep, err := c.reconcileWith(ctx, m.ID, func(ctx context.Context) (schedule.Descriptor, error) {
		if err := c.engine.Validate(m.Schedule); err != nil {
			return m.Schedule, err
		}
		now := c.now().UTC()
		m.CreatedAt, m.UpdatedAt = now, now
		existing, err := c.meds.Get(ctx, m.ID)
		switch {
		case err == nil:
			m.CreatedAt = existing.CreatedAt
		case !errors.Is(err, medication.ErrNotFound):
			return m.Schedule, err
		}
		if err := c.meds.Save(ctx, m); err != nil {
			return m.Schedule, fmt.Errorf("save medication: %w", err)
		}
		return m.Schedule, nil
	})
	return m, rep, err
}

// reconcileWith takes the medication lock, asks load for the descriptor and
// reconciles against it. load runs under the lock, so a record deleted in
// the meantime is seen as gone.
func (c *Coordinator) reconcileWith(ctx context.Context, medicationID string, load func(context.Context) (schedule.Descriptor, error)) (rep Report, err error) {
	started := time.Now()
	ctx, span := c.tracer.Start(ctx, "reconcile_medication",
		trace.WithAttributes(attribute.String("medication_id", medicationID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.SetAttributes(
			attribute.Int("created", rep.Created),
			attribute.Int("scheduled", rep.Scheduled),
			attribute.Int("pruned", rep.Pruned),
			attribute.Bool("reminders_disabled", rep.RemindersDisabled),
		)
		span.End()
		c.metrics.ObserveRun("reconcile", err, started)
	}()

	rep.MedicationID = medicationID
	if medicationID == "" {
		verr := &schedule.ValidationError{}
		verr.Add("medication_id", "required")
		return rep, verr
	}

	unlock, err := c.locker.Lock(ctx, medicationID)
	if err != nil {
		return rep, fmt.Errorf("lock medication %s: %w", medicationID, err)
	}
	defer unlock()

	d, err := load(ctx)
	if err != nil {
		return rep, err
	}
	if err := c.engine.Validate(d); err != nil {
		return rep, err
	}
	span.SetAttributes(attribute.String("frequency_kind", string(d.Kind)))

	now := c.now()
	rep.WindowStart = schedule.DateOf(now.In(c.loc))
	rep.WindowEnd = rep.WindowStart.AddDays(c.horizon - 1)

	slots, err := c.engine.Expand(d, rep.WindowStart, rep.WindowEnd)
	if err != nil {
		return rep, err
	}
	rep.Desired = len(slots)

	existing, err := c.store.ListForWindow(ctx, medicationID, rep.WindowStart, rep.WindowEnd)
	if err != nil {
		return rep, fmt.Errorf("list occurrences: %w", err)
	}
	current := make(map[adherence.Key]adherence.Occurrence, len(existing))
	for _, occ := range existing {
		current[occ.Key] = occ
	}

	desired := make(map[adherence.Key]struct{}, len(slots))
	for _, s := range slots {
		key := adherence.NewKey(medicationID, s)
		desired[key] = struct{}{}

		created, err := c.store.UpsertIfAbsent(ctx, key, now)
		if err != nil {
			return rep, fmt.Errorf("upsert %s: %w", key, err)
		}
		if created {
			rep.Created++
			ok, err := c.scheduleOccurrence(ctx, key, now, &rep)
			if err != nil {
				return rep, err
			}
			if ok {
				rep.Scheduled++
			}
			continue
		}

		// A PENDING row left without a handle by an earlier failure or crash.
		occ, seen := current[key]
		if seen && occ.State == adherence.StatePending && occ.NotificationHandle == "" {
			ok, err := c.scheduleOccurrence(ctx, key, now, &rep)
			if err != nil {
				return rep, err
			}
			if ok {
				rep.Healed++
			}
		}
	}

	pending, err := c.store.ListPending(ctx, medicationID)
	if err != nil {
		return rep, fmt.Errorf("list pending occurrences: %w", err)
	}
	for _, occ := range pending {
		if _, keep := desired[occ.Key]; keep {
			continue
		}
		if !occ.Instant(c.loc).After(now) {
			continue
		}
		if occ.NotificationHandle != "" && c.cancelHandle(ctx, notify.Handle(occ.NotificationHandle), occ.Key) {
			rep.Cancelled++
		}
		if err := c.store.Delete(ctx, occ.Key); err != nil {
			return rep, fmt.Errorf("delete %s: %w", occ.Key, err)
		}
		rep.Pruned++
	}

	c.metrics.AddCreated(rep.Created)
	c.metrics.AddScheduled(rep.Scheduled + rep.Healed)
	c.metrics.AddPruned(rep.Pruned)

	c.emit(ctx, medicationID, adherence.EventMedicationReconciled, adherence.MedicationReconciledData{
		MedicationID:      medicationID,
		WindowStart:       rep.WindowStart.String(),
		WindowEnd:         rep.WindowEnd.String(),
		Desired:           rep.Desired,
		Created:           rep.Created,
		Scheduled:         rep.Scheduled + rep.Healed,
		Pruned:            rep.Pruned,
		RemindersDisabled: rep.RemindersDisabled,
	})

	c.logger.Info("medication reconciled",
		zap.String("medication_id", medicationID),
		zap.String("frequency_kind", string(d.Kind)),
		zap.Int("desired", rep.Desired),
		zap.Int("created", rep.Created),
		zap.Int("scheduled", rep.Scheduled),
		zap.Int("healed", rep.Healed),
		zap.Int("pruned", rep.Pruned),
		zap.Bool("reminders_disabled", rep.RemindersDisabled))

	return rep, nil
}

// scheduleOccurrence schedules a notification for key if its instant is in
// the future and persists the handle. Gateway failures disable scheduling for
// the rest of the run; only store failures are returned.
func (c *Coordinator) scheduleOccurrence(ctx context.Context, key adherence.Key, now time.Time, rep *Report) (bool, error) {
	if rep.RemindersDisabled {
		return false, nil
	}
	at := key.Instant(c.loc)
	if !at.After(now) {
		return false, nil
	}

	handle, err := c.gateway.ScheduleAt(ctx, key, at, notify.PayloadFor(key))
	if err != nil {
		rep.RemindersDisabled = true
		c.metrics.IncSchedulingUnavailable()
		c.logger.Warn("notification scheduling unavailable",
			zap.String("occurrence_key", key.String()),
			zap.Error(err))
		c.emit(ctx, key.MedicationID, adherence.EventRemindersUnavailable, adherence.RemindersUnavailableData{
			MedicationID: key.MedicationID,
			Reason:       err.Error(),
		})
		return false, nil
	}
	if handle == "" {
		return false, nil
	}

	if err := c.store.SetHandle(ctx, key, string(handle)); err != nil {
		c.cancelHandle(ctx, handle, key)
		return false, fmt.Errorf("persist handle for %s: %w", key, err)
	}
	return true, nil
}

// cancelHandle cancels best-effort. Failures are logged and counted.
func (c *Coordinator) cancelHandle(ctx context.Context, handle notify.Handle, key adherence.Key) bool {
	if err := c.gateway.Cancel(ctx, handle); err != nil {
		c.metrics.IncCancellationFailure()
		c.logger.Warn("notification cancel failed",
			zap.String("handle", string(handle)),
			zap.String("occurrence_key", key.String()),
			zap.Error(err))
		return false
	}
	c.metrics.AddCancelled(1)
	return true
}

// RemoveMedication cancels every PENDING notification of the medication and
// then removes all of its occurrence rows and, with a repository configured,
// the medication record.
func (c *Coordinator) RemoveMedication(ctx context.Context, medicationID string) (rem Removal, err error) {
	started := time.Now()
	ctx, span := c.tracer.Start(ctx, "remove_medication",
		trace.WithAttributes(attribute.String("medication_id", medicationID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
		c.metrics.ObserveRun("remove", err, started)
	}()

	rem.MedicationID = medicationID
	unlock, err := c.locker.Lock(ctx, medicationID)
	if err != nil {
		return rem, fmt.Errorf("lock medication %s: %w", medicationID, err)
	}
	defer unlock()

	pending, err := c.store.ListPending(ctx, medicationID)
	if err != nil {
		return rem, fmt.Errorf("list pending occurrences: %w", err)
	}
	for _, occ := range pending {
		if occ.NotificationHandle == "" {
			continue
		}
		if c.cancelHandle(ctx, notify.Handle(occ.NotificationHandle), occ.Key) {
			rem.Cancelled++
		}
	}

	rem.Removed, err = c.store.DeleteMedication(ctx, medicationID)
	if err != nil {
		return rem, fmt.Errorf("delete occurrences: %w", err)
	}
	if c.meds != nil {
		if err := c.meds.Delete(ctx, medicationID); err != nil {
			return rem, fmt.Errorf("delete medication: %w", err)
		}
	}

	c.emit(ctx, medicationID, adherence.EventMedicationRemoved, adherence.MedicationRemovedData{
		MedicationID:       medicationID,
		OccurrencesRemoved: rem.Removed,
		HandlesCancelled:   rem.Cancelled,
	})
	c.logger.Info("medication removed",
		zap.String("medication_id", medicationID),
		zap.Int("removed", rem.Removed),
		zap.Int("cancelled", rem.Cancelled))
	return rem, nil
}

// RecordAdherence resolves an occurrence as TAKEN or SKIPPED. The transition
// is persisted before the notification is cancelled; a failed cancel does
// not fail the call.
func (c *Coordinator) RecordAdherence(ctx context.Context, key adherence.Key, outcome adherence.State) (occ adherence.Occurrence, err error) {
	started := time.Now()
	ctx, span := c.tracer.Start(ctx, "record_adherence",
		trace.WithAttributes(
			attribute.String("occurrence_key", key.String()),
			attribute.String("outcome", string(outcome)),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
		c.metrics.ObserveRun("record_adherence", err, started)
	}()

	if !outcome.Terminal() {
		return occ, fmt.Errorf("%w: outcome must be TAKEN or SKIPPED, got %q", adherence.ErrInvalidTransition, outcome)
	}

	unlock, err := c.locker.Lock(ctx, key.MedicationID)
	if err != nil {
		return occ, fmt.Errorf("lock medication %s: %w", key.MedicationID, err)
	}
	defer unlock()

	now := c.now()
	res, err := adherence.Resolve(ctx, c.store, key, outcome, now)
	if err != nil {
		return occ, err
	}
	if res.ReleasedHandle != "" {
		c.cancelHandle(ctx, notify.Handle(res.ReleasedHandle), key)
	}

	c.metrics.IncAdherence(string(outcome))
	c.emit(ctx, key.MedicationID, adherence.EventAdherenceRecorded, adherence.AdherenceRecordedData{
		OccurrenceKey: key.String(),
		Outcome:       outcome,
		ResolvedAt:    now.UTC(),
	})
	c.logger.Info("adherence recorded",
		zap.String("occurrence_key", key.String()),
		zap.String("outcome", string(outcome)))
	return res.Occurrence, nil
}

// GetOccurrencesForDate lists occurrences on date. An empty medicationID
// lists every medication.
func (c *Coordinator) GetOccurrencesForDate(ctx context.Context, medicationID string, date schedule.Date) ([]adherence.Occurrence, error) {
	ctx, span := c.tracer.Start(ctx, "get_occurrences_for_date",
		trace.WithAttributes(
			attribute.String("medication_id", medicationID),
			attribute.String("date", date.String()),
		))
	defer span.End()

	occs, err := c.store.ListForWindow(ctx, medicationID, date, date)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("list occurrences: %w", err)
	}
	return occs, nil
}

func (c *Coordinator) emit(ctx context.Context, medicationID string, eventType adherence.EventType, data interface{}) {
	if c.events == nil {
		return
	}
	event, err := adherence.NewEvent(medicationID, eventType, data, c.now())
	if err != nil {
		c.logger.Error("failed to build event", zap.String("event_type", string(eventType)), zap.Error(err))
		return
	}
	if err := c.events.Append(ctx, event); err != nil {
		c.logger.Warn("failed to append event",
			zap.String("event_type", string(eventType)),
			zap.String("medication_id", medicationID),
			zap.Error(err))
	}
}
