package adherence

import (
	"context"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/schedule"
)

// Store persists occurrences. Occurrence identity is the Key; an existing
// row is never overwritten by UpsertIfAbsent. Notification side effects are
// not the store's concern.
type Store interface {
	// UpsertIfAbsent inserts a PENDING row unless the key already exists.
	UpsertIfAbsent(ctx context.Context, key Key, createdAt time.Time) (bool, error)
	Get(ctx context.Context, key Key) (Occurrence, error)
	// MarkTaken and MarkSkipped fail with ErrInvalidTransition unless the
	// row exists and is PENDING. The handle is cleared in the same write.
	MarkTaken(ctx context.Context, key Key, at time.Time) (Resolution, error)
	MarkSkipped(ctx context.Context, key Key, at time.Time) (Resolution, error)
	// SetHandle records the notification handle of a PENDING row.
	SetHandle(ctx context.Context, key Key, handle string) error
	// ListForWindow returns rows dated within [from, to]. An empty
	// medicationID lists every medication.
	ListForWindow(ctx context.Context, medicationID string, from, to schedule.Date) ([]Occurrence, error)
	// ListPending returns every PENDING row of a medication.
	ListPending(ctx context.Context, medicationID string) ([]Occurrence, error)
	Delete(ctx context.Context, key Key) error
	DeleteMedication(ctx context.Context, medicationID string) (int, error)
	// PruneBefore removes rows dated strictly before cutoff.
	PruneBefore(ctx context.Context, cutoff schedule.Date) (int, error)
	// ListHandles returns every stored notification handle.
	ListHandles(ctx context.Context) ([]string, error)
}

// Resolve dispatches to MarkTaken or MarkSkipped.
func Resolve(ctx context.Context, s Store, key Key, outcome State, at time.Time) (Resolution, error) {
	switch outcome {
	case StateTaken:
		return s.MarkTaken(ctx, key, at)
	case StateSkipped:
		return s.MarkSkipped(ctx, key, at)
	}
	_, err := ParseOutcome(string(outcome))
	return Resolution{}, err
}
