package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/domain/schedule"
	"github.com/drfirst/go-adherence/pkg/workerpool"
)

// DefaultSweepSchedule runs shortly after local midnight.
const DefaultSweepSchedule = "15 0 * * *"

// SweeperConfig holds sweeper configuration
type SweeperConfig struct {
	// Schedule is a 5-field cron expression evaluated in the coordinator's zone
	Schedule string
	// RetentionDays removes rows dated before today-RetentionDays; 0 disables
	RetentionDays int
	// ExpirePendingAfter records SKIPPED for overdue PENDING rows; 0 disables
	ExpirePendingAfter time.Duration
	// RepairDrift cancels orphaned notifications found by the audit
	RepairDrift bool
	Pool        workerpool.Config
}

func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Schedule:    DefaultSweepSchedule,
		RepairDrift: true,
		Pool:        workerpool.DefaultConfig(),
	}
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Medications       int         `json:"medications"`
	Reconciled        int         `json:"reconciled"`
	Skipped           int         `json:"skipped"`
	Failed            int         `json:"failed"`
	RemindersDisabled int         `json:"reminders_disabled"`
	Pruned            int         `json:"pruned"`
	Expired           int         `json:"expired"`
	Drift             DriftReport `json:"drift"`
}

// Sweeper rolls every medication's horizon forward on a schedule and runs
// the housekeeping passes.
type Sweeper struct {
	coord  *Coordinator
	meds   medication.Repository
	cfg    SweeperConfig
	pool   *workerpool.Pool
	cron   *cron.Cron
	logger *zap.Logger
}

// NewSweeper creates a sweeper and starts its worker pool.
func NewSweeper(coord *Coordinator, meds medication.Repository, cfg SweeperConfig, logger *zap.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSweepSchedule
	}
	if cfg.Pool.Retryable == nil {
		cfg.Pool.Retryable = func(err error) bool {
			return !errors.Is(err, schedule.ErrInvalidDescriptor) && !errors.Is(err, medication.ErrNotFound)
		}
	}

	s := &Sweeper{
		coord:  coord,
		meds:   meds,
		cfg:    cfg,
		logger: logger,
	}

	pool, err := workerpool.New(cfg.Pool, s.reconcileTask, logger.Named("sweep-pool"))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	s.pool = pool

	cronLog := cronLogger{logger.Named("sweep-cron").Sugar()}
	s.cron = cron.New(
		cron.WithLocation(coord.Location()),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	if _, err := s.cron.AddFunc(cfg.Schedule, func() {
		if _, err := s.RunOnce(context.Background()); err != nil {
			s.logger.Error("sweep failed", zap.Error(err))
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", cfg.Schedule, err)
	}

	s.pool.Start()
	return s, nil
}

// Start begins the cron schedule.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("sweeper started", zap.String("schedule", s.cfg.Schedule))
}

// Stop waits for a running sweep to finish, then stops the pool.
func (s *Sweeper) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.pool.Stop()
}

// RunOnce performs one sweep. Per-medication failures are counted, not
// returned; only listing and housekeeping failures abort the sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	started := time.Now()

	meds, err := s.meds.List(ctx)
	if err != nil {
		return rep, fmt.Errorf("list medications: %w", err)
	}
	rep.Medications = len(meds)

	tasks := make([]*workerpool.Task, len(meds))
	for i, m := range meds {
		tasks[i] = &workerpool.Task{ID: m.ID, Payload: m, Context: ctx}
	}
	for _, r := range s.pool.RunBatch(ctx, tasks) {
		if !r.Success {
			rep.Failed++
			continue
		}
		if _, gone := r.Data.(medicationGone); gone {
			rep.Skipped++
			continue
		}
		rep.Reconciled++
		if report, ok := r.Data.(Report); ok && report.RemindersDisabled {
			rep.RemindersDisabled++
		}
	}

	if s.cfg.RetentionDays > 0 {
		cutoff := s.coord.Today().AddDays(-s.cfg.RetentionDays)
		rep.Pruned, err = s.coord.store.PruneBefore(ctx, cutoff)
		if err != nil {
			return rep, fmt.Errorf("prune before %s: %w", cutoff, err)
		}
		s.coord.metrics.AddPruned(rep.Pruned)
	}

	if s.cfg.ExpirePendingAfter > 0 {
		rep.Expired, err = s.coord.ExpireOverdue(ctx, s.cfg.ExpirePendingAfter)
		if err != nil {
			return rep, err
		}
	}

	rep.Drift, err = s.coord.AuditNotifications(ctx, s.cfg.RepairDrift)
	if err != nil {
		// The platform may not support introspection.
		s.logger.Warn("drift audit failed", zap.Error(err))
	}

	s.logger.Info("sweep completed",
		zap.Int("medications", rep.Medications),
		zap.Int("reconciled", rep.Reconciled),
		zap.Int("skipped", rep.Skipped),
		zap.Int("failed", rep.Failed),
		zap.Int("reminders_disabled", rep.RemindersDisabled),
		zap.Int("pruned", rep.Pruned),
		zap.Int("expired", rep.Expired),
		zap.Int("orphaned", len(rep.Drift.Orphaned)),
		zap.Duration("duration", time.Since(started)))
	return rep, nil
}

// medicationGone marks a listed medication deleted before its turn came.
type medicationGone struct{}

// reconcileTask re-reads the record under the medication lock; the listed
// copy may be stale.
func (s *Sweeper) reconcileTask(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	m, ok := task.Payload.(medication.Medication)
	if !ok {
		return &workerpool.Result{Error: fmt.Errorf("unexpected payload %T", task.Payload)}
	}
	report, err := s.coord.reconcileWith(ctx, m.ID, func(ctx context.Context) (schedule.Descriptor, error) {
		cur, err := s.meds.Get(ctx, m.ID)
		return cur.Schedule, err
	})
	if errors.Is(err, medication.ErrNotFound) {
		s.logger.Debug("medication deleted before sweep", zap.String("medication_id", m.ID))
		return &workerpool.Result{Success: true, Data: medicationGone{}}
	}
	if err != nil {
		return &workerpool.Result{Error: err}
	}
	return &workerpool.Result{Success: true, Data: report}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
