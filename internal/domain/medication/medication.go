// Package medication holds the medication record that owns a schedule.
package medication

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/schedule"
)

// ErrNotFound is returned when a medication does not exist.
var ErrNotFound = errors.New("medication not found")

// Medication is the record the reminder engine reads its descriptor from.
type Medication struct {
	ID        string              `json:"id"`
	PatientID string              `json:"patient_id,omitempty"`
	Name      string              `json:"name"`
	Dosage    string              `json:"dosage,omitempty"`
	Schedule  schedule.Descriptor `json:"schedule"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Validate checks the record fields. The schedule is validated by the
// recurrence engine.
func (m Medication) Validate() error {
	verr := &schedule.ValidationError{}
	if strings.TrimSpace(m.ID) == "" {
		verr.Add("id", "required")
	}
	if strings.TrimSpace(m.Name) == "" {
		verr.Add("name", "required")
	}
	if verr.HasErrors() {
		return verr
	}
	return nil
}

// Repository persists medications.
type Repository interface {
	Get(ctx context.Context, id string) (Medication, error)
	Save(ctx context.Context, m Medication) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Medication, error)
}

// MemoryRepository is a Repository held in process memory.
type MemoryRepository struct {
	mu   sync.RWMutex
	meds map[string]Medication
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{meds: make(map[string]Medication)}
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (Medication, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.meds[id]
	if !ok {
		return Medication{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m, nil
}

func (r *MemoryRepository) Save(ctx context.Context, m Medication) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.meds[m.ID]; ok && m.CreatedAt.IsZero() {
		m.CreatedAt = existing.CreatedAt
	}
	r.meds[m.ID] = m
	return nil
}

func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.meds, id)
	return nil
}

func (r *MemoryRepository) List(ctx context.Context) ([]Medication, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Medication, 0, len(r.meds))
	for _, m := range r.meds {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
