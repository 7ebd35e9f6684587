package adherence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/schedule"
)

// MemoryStore is a Store held in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[Key]*Occurrence
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[Key]*Occurrence)}
}

func (s *MemoryStore) UpsertIfAbsent(ctx context.Context, key Key, createdAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[key]; ok {
		return false, nil
	}
	occ := NewOccurrence(key, createdAt)
	s.rows[key] = &occ
	return true, nil
}

func (s *MemoryStore) Get(ctx context.Context, key Key) (Occurrence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	occ, ok := s.rows[key]
	if !ok {
		return Occurrence{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return *occ, nil
}

func (s *MemoryStore) MarkTaken(ctx context.Context, key Key, at time.Time) (Resolution, error) {
	return s.resolve(key, StateTaken, at)
}

func (s *MemoryStore) MarkSkipped(ctx context.Context, key Key, at time.Time) (Resolution, error) {
	return s.resolve(key, StateSkipped, at)
}

func (s *MemoryStore) resolve(key Key, outcome State, at time.Time) (Resolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	occ, ok := s.rows[key]
	if !ok {
		return Resolution{}, fmt.Errorf("%w: %s not found", ErrInvalidTransition, key)
	}
	released, err := occ.Resolve(outcome, at)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{Occurrence: *occ, ReleasedHandle: released}, nil
}

func (s *MemoryStore) SetHandle(ctx context.Context, key Key, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	occ, ok := s.rows[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if occ.State != StatePending {
		return fmt.Errorf("%w: cannot attach handle to %s occurrence", ErrInvalidTransition, occ.State)
	}
	occ.NotificationHandle = handle
	return nil
}

func (s *MemoryStore) ListForWindow(ctx context.Context, medicationID string, from, to schedule.Date) ([]Occurrence, error) {
	return s.collect(func(o *Occurrence) bool {
		return (medicationID == "" || o.MedicationID == medicationID) &&
			!o.Date.Before(from) && !o.Date.After(to)
	}), nil
}

func (s *MemoryStore) ListPending(ctx context.Context, medicationID string) ([]Occurrence, error) {
	return s.collect(func(o *Occurrence) bool {
		return o.MedicationID == medicationID && o.State == StatePending
	}), nil
}

func (s *MemoryStore) Delete(ctx context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, key)
	return nil
}

func (s *MemoryStore) DeleteMedication(ctx context.Context, medicationID string) (int, error) {
	return s.deleteWhere(func(o *Occurrence) bool { return o.MedicationID == medicationID }), nil
}

func (s *MemoryStore) PruneBefore(ctx context.Context, cutoff schedule.Date) (int, error) {
	return s.deleteWhere(func(o *Occurrence) bool { return o.Date.Before(cutoff) }), nil
}

func (s *MemoryStore) ListHandles(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, o := range s.rows {
		if o.NotificationHandle != "" {
			out = append(out, o.NotificationHandle)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Len returns the number of stored rows.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

func (s *MemoryStore) collect(match func(*Occurrence) bool) []Occurrence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Occurrence
	for _, o := range s.rows {
		if match(o) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out
}

func (s *MemoryStore) deleteWhere(match func(*Occurrence) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, o := range s.rows {
		if match(o) {
			delete(s.rows, k)
			n++
		}
	}
	return n
}
