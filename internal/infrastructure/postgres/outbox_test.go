package postgres

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-adherence/internal/domain/adherence"
)

func TestEntryFromEvent(t *testing.T) {
	at := time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)
	event, err := adherence.NewEvent("med-1", adherence.EventAdherenceRecorded, adherence.AdherenceRecordedData{
		OccurrenceKey: "med-1|2024-01-01|08:00",
		Outcome:       adherence.StateTaken,
		ResolvedAt:    at,
	}, at)
	require.NoError(t, err)

	entry, err := EntryFromEvent(event, "adherence.events")
	require.NoError(t, err)
	assert.Equal(t, "med-1", entry.AggregateID)
	assert.Equal(t, "med-1", entry.MessageKey)
	assert.Equal(t, "medication", entry.AggregateType)
	assert.Equal(t, "AdherenceRecorded", entry.EventType)
	assert.Equal(t, "adherence.events", entry.Topic)

	var decoded adherence.Event
	require.NoError(t, json.Unmarshal(entry.Payload, &decoded))
	assert.Equal(t, event.ID, decoded.ID)
	assert.JSONEq(t, string(event.EventData), string(decoded.EventData))
}

func TestNullTime(t *testing.T) {
	assert.Nil(t, nullTime(time.Time{}))

	local := time.Date(2024, 1, 1, 8, 0, 0, 0, time.FixedZone("X", 3600))
	got := nullTime(local)
	require.NotNil(t, got)
	assert.Equal(t, time.UTC, got.Location())
	assert.True(t, got.Equal(local))
}
