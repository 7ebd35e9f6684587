// Package metrics provides Prometheus metrics for the reminder engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	ReconcileRuns          *prometheus.CounterVec
	ReconcileDuration      prometheus.Histogram
	OccurrencesCreated     prometheus.Counter
	OccurrencesPruned      prometheus.Counter
	NotificationsScheduled prometheus.Counter
	NotificationsCancelled prometheus.Counter
	SchedulingUnavailable  prometheus.Counter
	CancellationFailures   prometheus.Counter
	AdherenceRecorded      *prometheus.CounterVec
	RemindersDispatched    prometheus.Counter
	OutboxPending          prometheus.Gauge
	CircuitBreakerState    *prometheus.GaugeVec
	CommandsProcessed      *prometheus.CounterVec
	HTTPRequests           *prometheus.CounterVec
	HTTPDuration           *prometheus.HistogramVec
}

// New creates all metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		ReconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reminder_reconcile_runs_total",
			Help: "Reconciliation runs by operation and result",
		}, []string{"operation", "result"}),
		ReconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reminder_reconcile_duration_seconds",
			Help:    "Medication reconciliation duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		OccurrencesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reminder_occurrences_created_total",
			Help: "Occurrence rows created by reconciliation",
		}),
		OccurrencesPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reminder_occurrences_pruned_total",
			Help: "Future PENDING occurrences removed because the schedule no longer produces them",
		}),
		NotificationsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reminder_notifications_scheduled_total",
			Help: "Notifications scheduled with the platform",
		}),
		NotificationsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reminder_notifications_cancelled_total",
			Help: "Notifications cancelled with the platform",
		}),
		SchedulingUnavailable: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reminder_scheduling_unavailable_total",
			Help: "Reconciliation runs that could not schedule notifications",
		}),
		CancellationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reminder_cancellation_failures_total",
			Help: "Swallowed notification cancellation failures",
		}),
		AdherenceRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reminder_adherence_recorded_total",
			Help: "Occurrences resolved by outcome",
		}, []string{"outcome"}),
		RemindersDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reminder_dispatched_total",
			Help: "Due reminders published for delivery",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		CommandsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adherence_commands_processed_total",
			Help: "Adherence commands consumed by result",
		}, []string{"result"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		m.ReconcileRuns,
		m.ReconcileDuration,
		m.OccurrencesCreated,
		m.OccurrencesPruned,
		m.NotificationsScheduled,
		m.NotificationsCancelled,
		m.SchedulingUnavailable,
		m.CancellationFailures,
		m.AdherenceRecorded,
		m.RemindersDispatched,
		m.OutboxPending,
		m.CircuitBreakerState,
		m.CommandsProcessed,
		m.HTTPRequests,
		m.HTTPDuration,
	)

	return m
}

// ObserveRun records one coordinator operation.
func (m *Metrics) ObserveRun(operation string, err error, started time.Time) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ReconcileRuns.WithLabelValues(operation, result).Inc()
	if operation == "reconcile" {
		m.ReconcileDuration.Observe(time.Since(started).Seconds())
	}
}

func (m *Metrics) AddCreated(n int) {
	if m != nil && n > 0 {
		m.OccurrencesCreated.Add(float64(n))
	}
}

func (m *Metrics) AddPruned(n int) {
	if m != nil && n > 0 {
		m.OccurrencesPruned.Add(float64(n))
	}
}

func (m *Metrics) AddScheduled(n int) {
	if m != nil && n > 0 {
		m.NotificationsScheduled.Add(float64(n))
	}
}

func (m *Metrics) AddCancelled(n int) {
	if m != nil && n > 0 {
		m.NotificationsCancelled.Add(float64(n))
	}
}

func (m *Metrics) IncSchedulingUnavailable() {
	if m != nil {
		m.SchedulingUnavailable.Inc()
	}
}

func (m *Metrics) IncCancellationFailure() {
	if m != nil {
		m.CancellationFailures.Inc()
	}
}

func (m *Metrics) IncAdherence(outcome string) {
	if m != nil {
		m.AdherenceRecorded.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncDispatched() {
	if m != nil {
		m.RemindersDispatched.Inc()
	}
}

// IncCommand counts a consumed command by result: applied, duplicate,
// rejected or dead_lettered.
func (m *Metrics) IncCommand(result string) {
	if m != nil {
		m.CommandsProcessed.WithLabelValues(result).Inc()
	}
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (m *Metrics) SetOutboxPending(n int64) {
	if m != nil {
		m.OutboxPending.Set(float64(n))
	}
}

// SetBreakerState maps a breaker state name onto the gauge.
func (m *Metrics) SetBreakerState(name, state string) {
	if m == nil {
		return
	}
	v := 0.0
	switch state {
	case "open":
		v = 1
	case "half-open":
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
