// Package handlers provides HTTP handlers for the adherence API.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/api/middleware"
	"github.com/drfirst/go-adherence/internal/domain/adherence"
	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/domain/recurrence"
	"github.com/drfirst/go-adherence/internal/domain/schedule"
	fhir "github.com/drfirst/go-adherence/internal/fhir/r5"
	"github.com/drfirst/go-adherence/internal/reconcile"
)

// Scheduler is the part of the reconciliation coordinator the API drives.
type Scheduler interface {
	SaveMedication(ctx context.Context, m medication.Medication) (medication.Medication, reconcile.Report, error)
	ReconcileStored(ctx context.Context, medicationID string) (reconcile.Report, error)
	RemoveMedication(ctx context.Context, medicationID string) (reconcile.Removal, error)
	RecordAdherence(ctx context.Context, key adherence.Key, outcome adherence.State) (adherence.Occurrence, error)
	GetOccurrencesForDate(ctx context.Context, medicationID string, date schedule.Date) ([]adherence.Occurrence, error)
	Engine() *recurrence.Engine
	Today() schedule.Date
}

// Handler serves medication and occurrence endpoints.
type Handler struct {
	meds   medication.Repository
	sched  Scheduler
	logger *zap.Logger
	tracer trace.Tracer
}

func NewHandler(meds medication.Repository, sched Scheduler, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		meds:   meds,
		sched:  sched,
		logger: logger,
		tracer: otel.Tracer("adherence-api"),
	}
}

// Routes returns the /v1 routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/medications/{medicationID}", func(r chi.Router) {
		r.Put("/", h.PutMedication)
		r.Get("/", h.GetMedication)
		r.Delete("/", h.DeleteMedication)
		r.Put("/schedule/fhir", h.PutFHIRSchedule)
		r.Post("/reconcile", h.Reconcile)
	})
	r.Get("/occurrences", h.ListOccurrences)
	r.Post("/occurrences/{medicationID}/{date}/{time}/{outcome}", h.RecordOutcome)
	return r
}

// ScheduleRequest is the wire form of a schedule descriptor.
type ScheduleRequest struct {
	FrequencyKind string               `json:"frequency_kind"`
	TimesOfDay    []string             `json:"times_of_day"`
	StartDate     string               `json:"start_date"`
	EndDate       string               `json:"end_date,omitempty"`
	DaysOfWeek    []int                `json:"days_of_week,omitempty"`
	CustomRule    *schedule.CustomRule `json:"custom_rule,omitempty"`
}

// Descriptor validates the request and builds the descriptor.
func (s ScheduleRequest) Descriptor() (schedule.Descriptor, error) {
	verr := &schedule.ValidationError{}
	kind, err := schedule.ParseFrequencyKind(s.FrequencyKind)
	if err != nil {
		verr.Add("schedule.frequency_kind", err.Error())
	}
	start, err := schedule.ParseDate(s.StartDate)
	if err != nil {
		verr.Add("schedule.start_date", err.Error())
	}
	var end *schedule.Date
	if s.EndDate != "" {
		e, err := schedule.ParseDate(s.EndDate)
		if err != nil {
			verr.Add("schedule.end_date", err.Error())
		}
		end = &e
	}
	days := make([]time.Weekday, len(s.DaysOfWeek))
	for i, d := range s.DaysOfWeek {
		days[i] = time.Weekday(d)
	}
	if verr.HasErrors() {
		return schedule.Descriptor{}, verr
	}
	return schedule.New(kind, s.TimesOfDay, start, end, days, s.CustomRule)
}

// MedicationRequest is the body of PUT /v1/medications/{medicationID}.
type MedicationRequest struct {
	PatientID string          `json:"patient_id,omitempty"`
	Name      string          `json:"name"`
	Dosage    string          `json:"dosage,omitempty"`
	Schedule  ScheduleRequest `json:"schedule"`
}

// MedicationResponse pairs the stored record with the reconciliation it caused.
type MedicationResponse struct {
	Medication     medication.Medication `json:"medication"`
	Reconciliation *reconcile.Report     `json:"reconciliation,omitempty"`
}

// PutMedication handles PUT /v1/medications/{medicationID}: create or
// replace the record, then reconcile its occurrences.
func (h *Handler) PutMedication(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "medicationID")

	var req MedicationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	d, err := req.Schedule.Descriptor()
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.saveAndReconcile(w, r, medication.Medication{
		ID:        id,
		PatientID: req.PatientID,
		Name:      req.Name,
		Dosage:    req.Dosage,
		Schedule:  d,
	})
}

// PutFHIRSchedule handles PUT /v1/medications/{medicationID}/schedule/fhir
// with a FHIR R5 MedicationRequest body.
func (h *Handler) PutFHIRSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "medicationID")

	body := new(fhir.MedicationRequest)
	raw, err := readAll(r)
	if err == nil {
		err = body.FromJSON(raw)
	}
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, fhir.NewErrorOutcome("structure", err.Error()))
		return
	}
	dosage, err := body.PrimaryDosage()
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, fhir.NewErrorOutcome("required", err.Error()))
		return
	}
	d, err := fhir.DescriptorFromDosage(dosage, h.sched.Today())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	m := medication.Medication{
		ID:        id,
		PatientID: body.GetPatientID(),
		Name:      body.GetMedicationDisplay(),
		Dosage:    body.GetSigText(),
		Schedule:  d,
	}
	if existing, err := h.meds.Get(r.Context(), id); err == nil {
		if m.Name == "" {
			m.Name = existing.Name
		}
		if m.PatientID == "" {
			m.PatientID = existing.PatientID
		}
	}
	h.saveAndReconcile(w, r, m)
}

func (h *Handler) saveAndReconcile(w http.ResponseWriter, r *http.Request, m medication.Medication) {
	ctx, span := h.tracer.Start(r.Context(), "put_medication",
		trace.WithAttributes(attribute.String("medication_id", m.ID)))
	defer span.End()

	m, rep, err := h.sched.SaveMedication(ctx, m)
	if err != nil {
		span.RecordError(err)
		h.writeErr(w, r, err)
		return
	}

	h.logger.Info("medication saved",
		zap.String("medication_id", m.ID),
		zap.String("request_id", middleware.GetRequestID(ctx)),
		zap.Bool("reminders_disabled", rep.RemindersDisabled))
	h.writeJSON(w, http.StatusOK, MedicationResponse{Medication: m, Reconciliation: &rep})
}

// GetMedication handles GET /v1/medications/{medicationID}
func (h *Handler) GetMedication(w http.ResponseWriter, r *http.Request) {
	m, err := h.meds.Get(r.Context(), chi.URLParam(r, "medicationID"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, MedicationResponse{Medication: m})
}

// Reconcile handles POST /v1/medications/{medicationID}/reconcile, re-running
// reconciliation against the stored schedule.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	rep, err := h.sched.ReconcileStored(r.Context(), chi.URLParam(r, "medicationID"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rep)
}

// DeleteMedication handles DELETE /v1/medications/{medicationID}. The
// occurrences and the record go together. Deleting an unknown medication
// still clears any stray occurrences.
func (h *Handler) DeleteMedication(w http.ResponseWriter, r *http.Request) {
	rem, err := h.sched.RemoveMedication(r.Context(), chi.URLParam(r, "medicationID"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rem)
}

func readAll(r *http.Request) ([]byte, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	return raw, nil
}
