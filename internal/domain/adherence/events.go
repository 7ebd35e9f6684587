package adherence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventMedicationReconciled EventType = "MedicationReconciled"
	EventMedicationRemoved    EventType = "MedicationRemoved"
	EventAdherenceRecorded    EventType = "AdherenceRecorded"
	EventRemindersUnavailable EventType = "RemindersUnavailable"
)

// Event represents a domain event keyed by medication
type Event struct {
	ID            string          `json:"id"`
	MedicationID  string          `json:"medication_id"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(medicationID string, eventType EventType, data interface{}, at time.Time) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:           uuid.New().String(),
		MedicationID: medicationID,
		EventType:    eventType,
		EventData:    eventData,
		Timestamp:    at.UTC(),
	}, nil
}

// EventSink receives domain events. Delivery is best-effort from the
// emitter's point of view.
type EventSink interface {
	Append(ctx context.Context, event *Event) error
}

// MedicationReconciledData summarizes one reconciliation run
type MedicationReconciledData struct {
	MedicationID      string `json:"medication_id"`
	WindowStart       string `json:"window_start"`
	WindowEnd         string `json:"window_end"`
	Desired           int    `json:"desired"`
	Created           int    `json:"created"`
	Scheduled         int    `json:"scheduled"`
	Pruned            int    `json:"pruned"`
	RemindersDisabled bool   `json:"reminders_disabled"`
}

// MedicationRemovedData contains deletion details
type MedicationRemovedData struct {
	MedicationID       string `json:"medication_id"`
	OccurrencesRemoved int    `json:"occurrences_removed"`
	HandlesCancelled   int    `json:"handles_cancelled"`
}

// AdherenceRecordedData contains a terminal transition
type AdherenceRecordedData struct {
	OccurrenceKey string    `json:"occurrence_key"`
	Outcome       State     `json:"outcome"`
	ResolvedAt    time.Time `json:"resolved_at"`
}

// RemindersUnavailableData reports a scheduling failure
type RemindersUnavailableData struct {
	MedicationID string `json:"medication_id"`
	Reason       string `json:"reason"`
}

// MemorySink collects events in memory.
type MemorySink struct {
	events chan *Event
}

// NewMemorySink buffers up to size events; further events are dropped.
func NewMemorySink(size int) *MemorySink {
	return &MemorySink{events: make(chan *Event, size)}
}

func (s *MemorySink) Append(ctx context.Context, event *Event) error {
	select {
	case s.events <- event:
	default:
	}
	return nil
}

// Drain returns the buffered events.
func (s *MemorySink) Drain() []*Event {
	var out []*Event
	for {
		select {
		case e := <-s.events:
			out = append(out, e)
		default:
			return out
		}
	}
}
