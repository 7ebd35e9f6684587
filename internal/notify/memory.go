package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/adherence"
)

// Scheduled is a notification held by MemoryGateway.
type Scheduled struct {
	Handle  Handle
	Key     adherence.Key
	At      time.Time
	Payload Payload
}

// MemoryGateway keeps notifications in memory. It counts calls and can be
// switched to deny scheduling, which makes it the fake used in tests.
type MemoryGateway struct {
	mu            sync.Mutex
	now           func() time.Time
	pending       map[Handle]Scheduled
	scheduleCalls int
	cancelCalls   int
	deny          error
	failCancel    error
}

// NewMemoryGateway uses now as the platform clock; nil means time.Now.
func NewMemoryGateway(now func() time.Time) *MemoryGateway {
	if now == nil {
		now = time.Now
	}
	return &MemoryGateway{now: now, pending: make(map[Handle]Scheduled)}
}

// Deny makes ScheduleAt fail with ErrSchedulingUnavailable until Allow.
func (g *MemoryGateway) Deny(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deny = fmt.Errorf("%w: %s", ErrSchedulingUnavailable, reason)
}

func (g *MemoryGateway) Allow() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deny = nil
}

// FailCancels makes Cancel return err until cleared with nil.
func (g *MemoryGateway) FailCancels(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failCancel = err
}

func (g *MemoryGateway) ScheduleAt(ctx context.Context, key adherence.Key, at time.Time, payload Payload) (Handle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scheduleCalls++
	if g.deny != nil {
		return "", g.deny
	}
	if !at.After(g.now()) {
		return "", nil
	}
	h := HandleFor(key)
	g.pending[h] = Scheduled{Handle: h, Key: key, At: at, Payload: payload}
	return h, nil
}

func (g *MemoryGateway) Cancel(ctx context.Context, handle Handle) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelCalls++
	if g.failCancel != nil {
		return fmt.Errorf("%w: %v", ErrCancellationFailed, g.failCancel)
	}
	delete(g.pending, handle)
	return nil
}

func (g *MemoryGateway) ListPendingHandles(ctx context.Context) (map[Handle]struct{}, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[Handle]struct{}, len(g.pending))
	for h := range g.pending {
		out[h] = struct{}{}
	}
	return out, nil
}

// Pending returns the scheduled notification for a handle.
func (g *MemoryGateway) Pending(h Handle) (Scheduled, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.pending[h]
	return s, ok
}

// Inject adds a notification the store does not know about.
func (g *MemoryGateway) Inject(s Scheduled) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending[s.Handle] = s
}

func (g *MemoryGateway) ScheduleCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.scheduleCalls
}

func (g *MemoryGateway) CancelCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancelCalls
}

func (g *MemoryGateway) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}
