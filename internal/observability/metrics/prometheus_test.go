package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecord(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveRun("reconcile", nil, time.Now())
	m.ObserveRun("reconcile", errors.New("boom"), time.Now())
	m.AddCreated(4)
	m.AddCreated(0)
	m.IncAdherence("TAKEN")
	m.SetBreakerState("notify-schedule", "open")
	m.IncCommand("duplicate")
	m.ObserveHTTP("GET", "/v1/occurrences", 200, time.Millisecond)
	m.SetOutboxPending(7)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReconcileRuns.WithLabelValues("reconcile", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReconcileRuns.WithLabelValues("reconcile", "error")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.OccurrencesCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AdherenceRecorded.WithLabelValues("TAKEN")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("notify-schedule")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandsProcessed.WithLabelValues("duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/v1/occurrences", "200")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.OutboxPending))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRun("reconcile", nil, time.Now())
		m.AddScheduled(3)
		m.IncCancellationFailure()
		m.SetBreakerState("x", "open")
	})
}
