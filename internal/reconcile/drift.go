package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/adherence"
	"github.com/drfirst/go-adherence/internal/domain/schedule"
	"github.com/drfirst/go-adherence/internal/notify"
)

// DriftReport compares platform-pending notifications with stored handles.
type DriftReport struct {
	// Orphaned handles are pending at the platform but referenced by no row.
	Orphaned []string `json:"orphaned"`
	// Dangling handles are stored on a row but no longer pending at the
	// platform, usually because the reminder already fired.
	Dangling []string `json:"dangling"`
	Repaired int      `json:"repaired"`
}

// AuditNotifications reports drift between the gateway and the store. With
// repair set, orphaned handles are cancelled once they have been seen in two
// consecutive audits, so a handle whose row write is still in flight is not
// cancelled.
func (c *Coordinator) AuditNotifications(ctx context.Context, repair bool) (DriftReport, error) {
	c.auditMu.Lock()
	defer c.auditMu.Unlock()

	var rep DriftReport

	// Platform first: a handle scheduled after this snapshot cannot be
	// reported as orphaned.
	pending, err := c.gateway.ListPendingHandles(ctx)
	if err != nil {
		return rep, fmt.Errorf("list pending notifications: %w", err)
	}
	handles, err := c.store.ListHandles(ctx)
	if err != nil {
		return rep, fmt.Errorf("list stored handles: %w", err)
	}

	stored := make(map[notify.Handle]struct{}, len(handles))
	for _, h := range handles {
		stored[notify.Handle(h)] = struct{}{}
		if _, ok := pending[notify.Handle(h)]; !ok {
			rep.Dangling = append(rep.Dangling, h)
		}
	}

	current := make(map[notify.Handle]struct{})
	for h := range pending {
		if _, ok := stored[h]; ok {
			continue
		}
		current[h] = struct{}{}
		rep.Orphaned = append(rep.Orphaned, string(h))
	}
	sort.Strings(rep.Orphaned)
	sort.Strings(rep.Dangling)

	if repair {
		for _, h := range rep.Orphaned {
			handle := notify.Handle(h)
			if _, seen := c.suspects[handle]; !seen {
				continue
			}
			if err := c.gateway.Cancel(ctx, handle); err != nil {
				c.metrics.IncCancellationFailure()
				c.logger.Warn("orphaned notification cancel failed", zap.String("handle", h), zap.Error(err))
				continue
			}
			c.metrics.AddCancelled(1)
			delete(current, handle)
			rep.Repaired++
		}
	}
	c.suspects = current

	if len(rep.Orphaned) > 0 || len(rep.Dangling) > 0 {
		c.logger.Info("notification drift detected",
			zap.Int("orphaned", len(rep.Orphaned)),
			zap.Int("dangling", len(rep.Dangling)),
			zap.Int("repaired", rep.Repaired))
	}
	return rep, nil
}

// ExpireOverdue records SKIPPED for PENDING occurrences whose instant is more
// than grace in the past.
func (c *Coordinator) ExpireOverdue(ctx context.Context, grace time.Duration) (int, error) {
	if grace <= 0 {
		return 0, nil
	}
	cutoff := c.now().Add(-grace)
	occs, err := c.store.ListForWindow(ctx, "", schedule.Date{Year: 1, Month: time.January, Day: 1}, schedule.DateOf(cutoff.In(c.loc)))
	if err != nil {
		return 0, fmt.Errorf("list overdue occurrences: %w", err)
	}

	expired := 0
	for _, occ := range occs {
		if occ.State != adherence.StatePending || !occ.Instant(c.loc).Before(cutoff) {
			continue
		}
		if _, err := c.RecordAdherence(ctx, occ.Key, adherence.StateSkipped); err != nil {
			// Resolved concurrently.
			if errors.Is(err, adherence.ErrInvalidTransition) {
				continue
			}
			return expired, err
		}
		expired++
	}
	if expired > 0 {
		c.logger.Info("expired overdue occurrences", zap.Int("count", expired), zap.Duration("grace", grace))
	}
	return expired, nil
}
