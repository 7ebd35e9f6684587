package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryInbox is a process-local Processor for single-node deployments.
type MemoryInbox struct {
	config InboxConfig
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*InboxEntry
}

var _ Processor = (*MemoryInbox)(nil)

func NewMemoryInbox(cfg InboxConfig) *MemoryInbox {
	return &MemoryInbox{config: cfg, now: time.Now, entries: make(map[string]*InboxEntry)}
}

// WithClock replaces the wall clock.
func (m *MemoryInbox) WithClock(now func() time.Time) *MemoryInbox {
	m.now = now
	return m
}

func (m *MemoryInbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	m.mu.Lock()
	now := m.now()
	entry, seen := m.entries[key]
	if seen && entry.ExpiresAt != nil && now.After(*entry.ExpiresAt) {
		delete(m.entries, key)
		seen = false
	}
	if seen {
		switch entry.Status {
		case StatusFinished:
			result := entry.Result
			m.mu.Unlock()
			return &ProcessResult{IsNew: false, Result: result}, nil
		case StatusFailed:
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)
		case StatusStarted:
			if now.Sub(entry.UpdatedAt) <= m.config.RecoveryTimeout {
				m.mu.Unlock()
				return nil, ErrMessageInProgress
			}
		}
		entry.Status = StatusStarted
		entry.UpdatedAt = now
	} else {
		expires := now.Add(m.config.DefaultTTL)
		entry = &InboxEntry{
			IdempotencyKey: key,
			HandlerName:    handlerName,
			Status:         StatusStarted,
			Payload:        payload,
			CreatedAt:      now,
			UpdatedAt:      now,
			ExpiresAt:      &expires,
		}
		m.entries[key] = entry
	}
	m.mu.Unlock()

	result, err := fn(ctx, payload)

	m.mu.Lock()
	defer m.mu.Unlock()
	entry.UpdatedAt = m.now()
	if err != nil {
		entry.Status = m.config.statusFor(err)
		entry.Result = errorResult(err.Error())
		return nil, err
	}
	entry.Status = StatusFinished
	entry.Result = result
	return &ProcessResult{IsNew: !seen, WasRecovered: seen, Result: result}, nil
}

// Entry returns a copy of the entry for key.
func (m *MemoryInbox) Entry(key string) (InboxEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return InboxEntry{}, false
	}
	return *e, true
}
