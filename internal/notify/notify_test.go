package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/adherence"
	"github.com/drfirst/go-adherence/internal/domain/schedule"
	"github.com/drfirst/go-adherence/pkg/circuitbreaker"
)

var t0 = time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)

func clock() time.Time { return t0 }

func occKey(med, d, tm string) adherence.Key {
	return adherence.Key{MedicationID: med, Date: schedule.MustParseDate(d), Time: schedule.MustParseTimeOfDay(tm)}
}

func setupRedis(t *testing.T) (*RedisGateway, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewRedisGateway(rdb, "test", zap.NewNop()).WithClock(clock), mr
}

func TestHandleForIsStable(t *testing.T) {
	a := HandleFor(occKey("med-1", "2024-01-01", "08:00"))
	b := HandleFor(occKey("med-1", "2024-01-01", "08:00"))
	c := HandleFor(occKey("med-1", "2024-01-01", "20:00"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Contains(t, string(a), "rem_")
}

func TestMemoryGatewayRefusesPastInstants(t *testing.T) {
	g := NewMemoryGateway(clock)
	k := occKey("med-1", "2024-01-01", "06:00")

	h, err := g.ScheduleAt(context.Background(), k, t0, PayloadFor(k))
	require.NoError(t, err)
	assert.Empty(t, h)
	assert.Zero(t, g.PendingCount())

	h, err = g.ScheduleAt(context.Background(), k, t0.Add(time.Minute), PayloadFor(k))
	require.NoError(t, err)
	assert.NotEmpty(t, h)
	assert.Equal(t, 1, g.PendingCount())
	assert.Equal(t, 2, g.ScheduleCalls())
}

func TestMemoryGatewayCancelIsIdempotent(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGateway(clock)
	k := occKey("med-1", "2024-01-01", "08:00")
	h, err := g.ScheduleAt(ctx, k, k.Instant(time.UTC), PayloadFor(k))
	require.NoError(t, err)

	require.NoError(t, g.Cancel(ctx, h))
	require.NoError(t, g.Cancel(ctx, h))
	require.NoError(t, g.Cancel(ctx, "unknown"))
	assert.Zero(t, g.PendingCount())
}

func TestMemoryGatewayDeny(t *testing.T) {
	g := NewMemoryGateway(clock)
	g.Deny("permission denied")
	k := occKey("med-1", "2024-01-01", "08:00")

	_, err := g.ScheduleAt(context.Background(), k, k.Instant(time.UTC), PayloadFor(k))
	assert.ErrorIs(t, err, ErrSchedulingUnavailable)

	g.Allow()
	h, err := g.ScheduleAt(context.Background(), k, k.Instant(time.UTC), PayloadFor(k))
	require.NoError(t, err)
	assert.NotEmpty(t, h)
}

func TestRedisGatewayScheduleAndCancel(t *testing.T) {
	ctx := context.Background()
	g, _ := setupRedis(t)
	k := occKey("med-1", "2024-01-01", "08:00")

	h, err := g.ScheduleAt(ctx, k, k.Instant(time.UTC), PayloadFor(k))
	require.NoError(t, err)
	assert.Equal(t, HandleFor(k), h)

	// Same occurrence again overwrites.
	_, err = g.ScheduleAt(ctx, k, k.Instant(time.UTC), PayloadFor(k))
	require.NoError(t, err)

	pending, err := g.ListPendingHandles(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
	assert.Contains(t, pending, h)

	require.NoError(t, g.Cancel(ctx, h))
	require.NoError(t, g.Cancel(ctx, h))

	pending, err = g.ListPendingHandles(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRedisGatewayRefusesPastInstants(t *testing.T) {
	g, mr := setupRedis(t)
	k := occKey("med-1", "2024-01-01", "05:00")

	h, err := g.ScheduleAt(context.Background(), k, k.Instant(time.UTC), PayloadFor(k))
	require.NoError(t, err)
	assert.Empty(t, h)
	assert.False(t, mr.Exists("test:due"))
}

func TestRedisGatewayClaimDue(t *testing.T) {
	ctx := context.Background()
	g, _ := setupRedis(t)

	early := occKey("med-1", "2024-01-01", "08:00")
	late := occKey("med-1", "2024-01-01", "20:00")
	for _, k := range []adherence.Key{early, late} {
		_, err := g.ScheduleAt(ctx, k, k.Instant(time.UTC), PayloadFor(k))
		require.NoError(t, err)
	}

	due, err := g.ClaimDue(ctx, t0.Add(3*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, early.String(), due[0].OccurrenceKey)
	assert.Equal(t, "med-1", due[0].Payload.MedicationID)

	again, err := g.ClaimDue(ctx, t0.Add(3*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	pending, err := g.ListPendingHandles(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[Handle]struct{}{HandleFor(late): {}}, pending)
}

func TestRedisGatewayClaimDueLeavesNoResidue(t *testing.T) {
	ctx := context.Background()
	g, mr := setupRedis(t)

	k := occKey("med-1", "2024-01-01", "08:00")
	_, err := g.ScheduleAt(ctx, k, k.Instant(time.UTC), PayloadFor(k))
	require.NoError(t, err)
	// Due member whose data entry is gone.
	_, err = mr.ZAdd("test:due", float64(t0.Unix()), "rem_stray")
	require.NoError(t, err)

	due, err := g.ClaimDue(ctx, t0.Add(3*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, HandleFor(k), due[0].Handle)
	assert.False(t, mr.Exists("test:due"))
	assert.False(t, mr.Exists("test:data"))
}

func TestRedisGatewayUnavailable(t *testing.T) {
	g, mr := setupRedis(t)
	mr.Close()
	k := occKey("med-1", "2024-01-01", "08:00")

	_, err := g.ScheduleAt(context.Background(), k, k.Instant(time.UTC), PayloadFor(k))
	assert.ErrorIs(t, err, ErrSchedulingUnavailable)

	err = g.Cancel(context.Background(), HandleFor(k))
	assert.ErrorIs(t, err, ErrCancellationFailed)

	_, err = g.ClaimDue(context.Background(), t0, 10)
	assert.Error(t, err)
}

type flakyGateway struct {
	*MemoryGateway
	err error
}

func (f *flakyGateway) ScheduleAt(ctx context.Context, key adherence.Key, at time.Time, payload Payload) (Handle, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.MemoryGateway.ScheduleAt(ctx, key, at, payload)
}

func TestGuardedGatewayMapsFailures(t *testing.T) {
	inner := &flakyGateway{MemoryGateway: NewMemoryGateway(clock), err: errors.New("quota exceeded")}
	cfg := circuitbreaker.DefaultConfig("")
	g, err := NewGuardedGateway(inner, circuitbreaker.NewManager(zap.NewNop()), cfg)
	require.NoError(t, err)

	k := occKey("med-1", "2024-01-01", "08:00")
	for i := 0; i < int(cfg.FailureThreshold)+2; i++ {
		_, err := g.ScheduleAt(context.Background(), k, k.Instant(time.UTC), PayloadFor(k))
		assert.ErrorIs(t, err, ErrSchedulingUnavailable)
	}

	// Breaker is open now: the inner gateway is not reached.
	inner.err = nil
	_, err = g.ScheduleAt(context.Background(), k, k.Instant(time.UTC), PayloadFor(k))
	assert.ErrorIs(t, err, ErrSchedulingUnavailable)
	assert.Zero(t, inner.PendingCount())
}

func TestGuardedGatewayPassesThrough(t *testing.T) {
	inner := NewMemoryGateway(clock)
	g, err := NewGuardedGateway(inner, circuitbreaker.NewManager(nil), circuitbreaker.DefaultConfig(""))
	require.NoError(t, err)

	k := occKey("med-1", "2024-01-01", "08:00")
	h, err := g.ScheduleAt(context.Background(), k, k.Instant(time.UTC), PayloadFor(k))
	require.NoError(t, err)
	assert.Equal(t, HandleFor(k), h)

	past := occKey("med-1", "2024-01-01", "05:00")
	h, err = g.ScheduleAt(context.Background(), past, past.Instant(time.UTC), PayloadFor(past))
	require.NoError(t, err)
	assert.Empty(t, h)

	require.NoError(t, g.Cancel(context.Background(), HandleFor(k)))
	assert.Zero(t, inner.PendingCount())
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func (p *recordingPublisher) ProduceMessage(ctx context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.messages == nil {
		p.messages = make(map[string][][]byte)
	}
	p.messages[topic] = append(p.messages[topic], value)
	return nil
}

func TestDispatcherPublishesDueReminders(t *testing.T) {
	ctx := context.Background()
	g, _ := setupRedis(t)
	for _, tm := range []string{"07:00", "08:00", "20:00"} {
		k := occKey("med-1", "2024-01-01", tm)
		_, err := g.ScheduleAt(ctx, k, k.Instant(time.UTC), PayloadFor(k))
		require.NoError(t, err)
	}

	pub := &recordingPublisher{}
	var seen []Reminder
	d := NewDispatcher(g, pub, DefaultDispatcherConfig("reminders.due"), zap.NewNop(), func(r Reminder) {
		seen = append(seen, r)
	}).WithClock(func() time.Time { return t0.Add(2 * time.Hour) })

	n, err := d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, seen, 2)
	require.Len(t, pub.messages["reminders.due"], 2)

	var r Reminder
	require.NoError(t, json.Unmarshal(pub.messages["reminders.due"][0], &r))
	assert.Equal(t, "med-1|2024-01-01|07:00", r.OccurrenceKey)

	n, err = d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
