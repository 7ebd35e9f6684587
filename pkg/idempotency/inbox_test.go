package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errInvalid = errors.New("invalid transition")

func testInbox(now *time.Time) *MemoryInbox {
	cfg := DefaultInboxConfig()
	cfg.Terminal = func(err error) bool { return errors.Is(err, errInvalid) }
	return NewMemoryInbox(cfg).WithClock(func() time.Time { return *now })
}

func TestCommandKey(t *testing.T) {
	a := CommandKey("", "med-1|2024-01-01|08:00", "taken")
	b := CommandKey("", "med-1|2024-01-01|08:00", "TAKEN")
	c := CommandKey("", "med-1|2024-01-01|08:00", "SKIPPED")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)

	assert.Equal(t, CommandKey("msg-9", "x", "TAKEN"), CommandKey("msg-9", "y", "SKIPPED"))
}

func TestMemoryInboxRunsOnce(t *testing.T) {
	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	inbox := testInbox(&now)
	ctx := context.Background()

	calls := 0
	fn := func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"state":"TAKEN"}`), nil
	}

	res, err := inbox.Process(ctx, "k1", "adherence", nil, fn)
	require.NoError(t, err)
	assert.True(t, res.IsNew)

	res, err = inbox.Process(ctx, "k1", "adherence", nil, fn)
	require.NoError(t, err)
	assert.False(t, res.IsNew)
	assert.JSONEq(t, `{"state":"TAKEN"}`, string(res.Result))
	assert.Equal(t, 1, calls)
}

func TestMemoryInboxErrorClassification(t *testing.T) {
	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	inbox := testInbox(&now)
	ctx := context.Background()

	transient := errors.New("connection reset")
	_, err := inbox.Process(ctx, "k1", "adherence", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, transient
	})
	assert.ErrorIs(t, err, transient)
	e, ok := inbox.Entry("k1")
	require.True(t, ok)
	assert.Equal(t, StatusRecoverable, e.Status)

	res, err := inbox.Process(ctx, "k1", "adherence", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, res.WasRecovered)

	_, err = inbox.Process(ctx, "k2", "adherence", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, errInvalid
	})
	assert.ErrorIs(t, err, errInvalid)
	_, err = inbox.Process(ctx, "k2", "adherence", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		t.Fatal("terminal failures must not be retried")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrPreviouslyFailed)
}

func TestMemoryInboxInProgressAndRecovery(t *testing.T) {
	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	inbox := testInbox(&now)
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = inbox.Process(ctx, "k1", "adherence", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	_, err := inbox.Process(ctx, "k1", "adherence", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrMessageInProgress)
	close(release)
	<-done

	// A STARTED entry older than the recovery timeout is taken over.
	inbox.mu.Lock()
	inbox.entries["k3"] = &InboxEntry{IdempotencyKey: "k3", Status: StatusStarted, UpdatedAt: now.Add(-time.Hour)}
	inbox.mu.Unlock()
	res, err := inbox.Process(ctx, "k3", "adherence", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, res.WasRecovered)
}

func TestMemoryInboxExpiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	inbox := testInbox(&now)
	ctx := context.Background()
	noop := func(context.Context, json.RawMessage) (json.RawMessage, error) { return nil, nil }

	_, err := inbox.Process(ctx, "k1", "adherence", nil, noop)
	require.NoError(t, err)

	now = now.Add(8 * 24 * time.Hour)
	res, err := inbox.Process(ctx, "k1", "adherence", nil, noop)
	require.NoError(t, err)
	assert.True(t, res.IsNew)
}
