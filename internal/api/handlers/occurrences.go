package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/api/middleware"
	"github.com/drfirst/go-adherence/internal/domain/adherence"
	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/domain/schedule"
)

// OccurrenceList is the body of GET /v1/occurrences.
type OccurrenceList struct {
	Date        schedule.Date          `json:"date"`
	Occurrences []adherence.Occurrence `json:"occurrences"`
}

// ListOccurrences handles GET /v1/occurrences?date=YYYY-MM-DD&medication_id=.
// date defaults to today in the engine's time zone.
func (h *Handler) ListOccurrences(w http.ResponseWriter, r *http.Request) {
	date := h.sched.Today()
	if raw := r.URL.Query().Get("date"); raw != "" {
		d, err := schedule.ParseDate(raw)
		if err != nil {
			verr := &schedule.ValidationError{}
			verr.Add("date", err.Error())
			h.writeErr(w, r, verr)
			return
		}
		date = d
	}

	occs, err := h.sched.GetOccurrencesForDate(r.Context(), r.URL.Query().Get("medication_id"), date)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if occs == nil {
		occs = []adherence.Occurrence{}
	}
	h.writeJSON(w, http.StatusOK, OccurrenceList{Date: date, Occurrences: occs})
}

// RecordOutcome handles POST /v1/occurrences/{medicationID}/{date}/{time}/{outcome}
// where outcome is "taken" or "skipped".
func (h *Handler) RecordOutcome(w http.ResponseWriter, r *http.Request) {
	verr := &schedule.ValidationError{}
	date, err := schedule.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		verr.Add("date", err.Error())
	}
	tod, err := schedule.ParseTimeOfDay(chi.URLParam(r, "time"))
	if err != nil {
		verr.Add("time", err.Error())
	}
	outcome, err := adherence.ParseOutcome(chi.URLParam(r, "outcome"))
	if err != nil {
		verr.Add("outcome", "must be taken or skipped")
	}
	if verr.HasErrors() {
		h.writeErr(w, r, verr)
		return
	}

	key := adherence.Key{MedicationID: chi.URLParam(r, "medicationID"), Date: date, Time: tod}
	occ, err := h.sched.RecordAdherence(r.Context(), key, outcome)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, occ)
}

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error       string                `json:"error"`
	FieldErrors []schedule.FieldError `json:"field_errors,omitempty"`
	RequestID   string                `json:"request_id,omitempty"`
}

// writeErr maps domain errors onto status codes.
func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	resp := ErrorResponse{Error: err.Error(), RequestID: middleware.GetRequestID(r.Context())}
	var verr *schedule.ValidationError

	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &verr):
		status = http.StatusBadRequest
		resp.Error = schedule.ErrInvalidDescriptor.Error()
		resp.FieldErrors = verr.FieldErrors
	case errors.Is(err, schedule.ErrInvalidDescriptor):
		status = http.StatusBadRequest
	case errors.Is(err, adherence.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, medication.ErrNotFound), errors.Is(err, adherence.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", resp.RequestID),
			zap.Error(err))
		resp.Error = http.StatusText(status)
	}
	h.writeJSON(w, status, resp)
}

func (h *Handler) jsonError(w http.ResponseWriter, message string, code int) {
	h.writeJSON(w, code, ErrorResponse{Error: message})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}
