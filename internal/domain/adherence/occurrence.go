// Package adherence implements reminder occurrences and their adherence state machine.
package adherence

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/schedule"
)

// State represents occurrence adherence state
type State string

const (
	StatePending State = "PENDING"
	StateTaken   State = "TAKEN"
	StateSkipped State = "SKIPPED"
)

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateTaken || s == StateSkipped
}

// ParseOutcome maps "taken"/"skipped" (any case) to a terminal state.
func ParseOutcome(s string) (State, error) {
	switch State(strings.ToUpper(strings.TrimSpace(s))) {
	case StateTaken:
		return StateTaken, nil
	case StateSkipped:
		return StateSkipped, nil
	}
	return "", fmt.Errorf("%w: unknown outcome %q", ErrInvalidTransition, s)
}

var (
	// ErrInvalidTransition is returned when resolving an occurrence that is not PENDING.
	ErrInvalidTransition = errors.New("invalid adherence transition")
	// ErrNotFound is returned when an occurrence does not exist.
	ErrNotFound = errors.New("occurrence not found")
)

const keySeparator = "|"

// Key is the identity of an occurrence.
type Key struct {
	MedicationID string             `json:"medication_id"`
	Date         schedule.Date      `json:"occurrence_date"`
	Time         schedule.TimeOfDay `json:"occurrence_time"`
}

// NewKey builds the key of slot s for a medication.
func NewKey(medicationID string, s schedule.Slot) Key {
	return Key{MedicationID: medicationID, Date: s.Date, Time: s.Time}
}

// ParseKey parses the canonical "medicationId|YYYY-MM-DD|HH:MM" form.
func ParseKey(s string) (Key, error) {
	i := strings.LastIndex(s, keySeparator)
	if i < 0 {
		return Key{}, fmt.Errorf("invalid occurrence key %q", s)
	}
	j := strings.LastIndex(s[:i], keySeparator)
	if j <= 0 {
		return Key{}, fmt.Errorf("invalid occurrence key %q", s)
	}
	d, err := schedule.ParseDate(s[j+1 : i])
	if err != nil {
		return Key{}, fmt.Errorf("invalid occurrence key %q: %w", s, err)
	}
	t, err := schedule.ParseTimeOfDay(s[i+1:])
	if err != nil {
		return Key{}, fmt.Errorf("invalid occurrence key %q: %w", s, err)
	}
	return Key{MedicationID: s[:j], Date: d, Time: t}, nil
}

func (k Key) String() string {
	return k.MedicationID + keySeparator + k.Date.String() + keySeparator + k.Time.String()
}

// Slot returns the (date, time) part of the key.
func (k Key) Slot() schedule.Slot {
	return schedule.Slot{Date: k.Date, Time: k.Time}
}

// Instant returns the firing instant of the occurrence in loc.
func (k Key) Instant(loc *time.Location) time.Time {
	return k.Time.On(k.Date, loc)
}

// Less orders keys by date, time, then medication.
func (k Key) Less(o Key) bool {
	if c := k.Slot().Compare(o.Slot()); c != 0 {
		return c < 0
	}
	return k.MedicationID < o.MedicationID
}

// Occurrence is one dose instant and its adherence state.
type Occurrence struct {
	Key
	State              State      `json:"state"`
	NotificationHandle string     `json:"notification_handle,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	ResolvedAt         *time.Time `json:"resolved_at,omitempty"`
}

// NewOccurrence returns a PENDING occurrence.
func NewOccurrence(key Key, createdAt time.Time) Occurrence {
	return Occurrence{Key: key, State: StatePending, CreatedAt: createdAt.UTC()}
}

// Resolve moves a PENDING occurrence to a terminal state and clears its
// handle. The released handle is returned so the caller can cancel it.
func (o *Occurrence) Resolve(outcome State, at time.Time) (string, error) {
	if !outcome.Terminal() {
		return "", fmt.Errorf("%w: %q is not a terminal state", ErrInvalidTransition, outcome)
	}
	if o.State != StatePending {
		return "", fmt.Errorf("%w: %s is already %s", ErrInvalidTransition, o.Key, o.State)
	}
	released := o.NotificationHandle
	resolvedAt := at.UTC()
	o.State = outcome
	o.NotificationHandle = ""
	o.ResolvedAt = &resolvedAt
	return released, nil
}

// Resolution is the outcome of a successful terminal transition.
type Resolution struct {
	Occurrence     Occurrence
	ReleasedHandle string
}
