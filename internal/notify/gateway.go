// Package notify abstracts the platform notification scheduler.
package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/adherence"
)

var (
	// ErrSchedulingUnavailable means the platform refused to schedule
	// (permission denied, quota, outage). Callers degrade, they do not abort.
	ErrSchedulingUnavailable = errors.New("notification scheduling unavailable")
	// ErrCancellationFailed means a cancel could not be confirmed.
	ErrCancellationFailed = errors.New("notification cancellation failed")
)

// Handle identifies a scheduled notification.
type Handle string

// Payload travels with the notification so a tap can deep-link to the
// occurrence.
type Payload struct {
	MedicationID  string `json:"medication_id"`
	OccurrenceKey string `json:"occurrence_key"`
}

// PayloadFor builds the payload of an occurrence.
func PayloadFor(key adherence.Key) Payload {
	return Payload{MedicationID: key.MedicationID, OccurrenceKey: key.String()}
}

// Gateway is the only component that performs notification side effects.
type Gateway interface {
	// ScheduleAt schedules a notification at the given instant. It returns
	// an empty handle and does nothing unless the instant is strictly in
	// the future.
	ScheduleAt(ctx context.Context, key adherence.Key, at time.Time, payload Payload) (Handle, error)
	// Cancel is idempotent: unknown or already cancelled handles are not errors.
	Cancel(ctx context.Context, handle Handle) error
	// ListPendingHandles is best-effort introspection for drift audits.
	ListPendingHandles(ctx context.Context) (map[Handle]struct{}, error)
}

// HandleFor derives a stable handle from the occurrence key, so scheduling
// the same occurrence twice overwrites instead of duplicating.
func HandleFor(key adherence.Key) Handle {
	sum := sha256.Sum256([]byte(key.String()))
	return Handle("rem_" + hex.EncodeToString(sum[:12]))
}
