package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/adherence"
	"github.com/drfirst/go-adherence/pkg/circuitbreaker"
)

// GuardedGateway routes platform calls through a circuit breaker so a
// platform that keeps refusing is not hammered on every reconciliation.
type GuardedGateway struct {
	inner    Gateway
	schedule *circuitbreaker.CircuitBreaker
	cancel   *circuitbreaker.CircuitBreaker
}

// NewGuardedGateway wraps inner. Scheduling and cancellation trip
// independently.
func NewGuardedGateway(inner Gateway, breakers *circuitbreaker.Manager, cfg circuitbreaker.Config) (*GuardedGateway, error) {
	sched, err := breakers.GetOrCreate("notify-schedule", cfg)
	if err != nil {
		return nil, err
	}
	canc, err := breakers.GetOrCreate("notify-cancel", cfg)
	if err != nil {
		return nil, err
	}
	return &GuardedGateway{inner: inner, schedule: sched, cancel: canc}, nil
}

func (g *GuardedGateway) ScheduleAt(ctx context.Context, key adherence.Key, at time.Time, payload Payload) (Handle, error) {
	res, err := g.schedule.Execute(ctx, func() (interface{}, error) {
		return g.inner.ScheduleAt(ctx, key, at, payload)
	})
	if err != nil {
		if errors.Is(err, ErrSchedulingUnavailable) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrSchedulingUnavailable, err)
	}
	return res.(Handle), nil
}

func (g *GuardedGateway) Cancel(ctx context.Context, handle Handle) error {
	_, err := g.cancel.Execute(ctx, func() (interface{}, error) {
		return nil, g.inner.Cancel(ctx, handle)
	})
	if err != nil && !errors.Is(err, ErrCancellationFailed) {
		return fmt.Errorf("%w: %v", ErrCancellationFailed, err)
	}
	return err
}

func (g *GuardedGateway) ListPendingHandles(ctx context.Context) (map[Handle]struct{}, error) {
	return g.inner.ListPendingHandles(ctx)
}
