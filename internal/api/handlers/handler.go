// Package handlers provides HTTP handlers for the care-plan API.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-careplan/internal/api/middleware"
	"github.com/drfirst/go-careplan/internal/domain/errs"
	"github.com/drfirst/go-careplan/internal/engine"
)

// ErrorObserver counts rejected operations; *metrics.Metrics implements it.
type ErrorObserver interface {
	ObserveError(err error)
}

// CarePlanHandler serves the clinical, order, dose and audit endpoints of one scope
type CarePlanHandler struct {
	engine   *engine.Engine
	observer ErrorObserver
	logger   *zap.Logger
}

// NewCarePlanHandler creates a new handler. observer may be nil.
func NewCarePlanHandler(eng *engine.Engine, observer ErrorObserver, logger *zap.Logger) *CarePlanHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CarePlanHandler{engine: eng, observer: observer, logger: logger}
}

// Routes returns the handler routes
func (h *CarePlanHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/patients", h.CreatePatient)
	r.Get("/patients/{id}", h.GetPatient)
	r.Patch("/patients/{id}", h.UpdatePatient)
	r.Post("/patients/{id}/deactivate", h.DeactivatePatient)
	r.Get("/patients/{id}/visits", h.ListVisits)
	r.Get("/patients/{id}/fhir", h.PatientFHIR)

	r.Post("/visits", h.CreateVisit)
	r.Get("/visits/{id}", h.GetVisit)
	r.Patch("/visits/{id}/notes", h.UpdateVisitNotes)
	r.Get("/visits/{id}/diagnoses", h.ListDiagnoses)
	r.Post("/visits/{id}/diagnoses", h.CreateDiagnosis)
	r.Get("/visits/{id}/orders", h.ListOrders)
	r.Post("/visits/{id}/orders", h.CreateOrder)

	r.Get("/diagnoses/{id}", h.GetDiagnosis)
	r.Patch("/diagnoses/{id}", h.UpdateDiagnosis)

	r.Get("/orders/{id}", h.GetOrder)
	r.Patch("/orders/{id}", h.UpdateOrder)
	r.Post("/orders/{id}/stop", h.StopOrder)
	r.Post("/orders/{id}/complete", h.CompleteOrder)
	r.Get("/orders/{id}/schedule", h.GetSchedule)
	r.Get("/orders/{id}/schedules", h.ListSchedules)
	r.Get("/orders/{id}/fhir", h.OrderFHIR)
	r.Post("/orders/{id}/doses/generate", h.GenerateDoses)
	r.Post("/orders/{id}/doses/prn", h.RecordPRN)
	r.Get("/orders/{id}/doses", h.ListDoses)

	r.Get("/doses/{id}", h.GetDose)
	r.Post("/doses/{id}/given", h.MarkGiven)
	r.Post("/doses/{id}/missed", h.MarkMissed)
	r.Post("/doses/{id}/skipped", h.MarkSkipped)
	r.Post("/doses/{id}/undo", h.UndoDose)
	r.Post("/doses/{id}/compensate", h.Compensate)
	r.Get("/doses/{id}/fhir", h.DoseFHIR)

	r.Get("/audit", h.QueryAudit)
	return r
}

// ErrorBody is the error envelope of every non-2xx response
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a rejected request
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Field     string `json:"field,omitempty"`
	EntityID  string `json:"entity_id,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// statusFor maps a domain error kind to an HTTP status
func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindInvalidState, errs.KindConflict:
		return http.StatusConflict
	case errs.KindUndoExpired:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func (h *CarePlanHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if h.observer != nil {
		h.observer.ObserveError(err)
	}

	de, ok := errs.As(err)
	if !ok || de.Kind == errs.KindAuditWriteFailure {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorBody{Error: ErrorDetail{
			Code:    "internal",
			Message: "internal server error",
		}})
		return
	}

	msg := de.Message
	if msg == "" {
		msg = de.Error()
	}
	writeJSON(w, statusFor(de.Kind), ErrorBody{Error: ErrorDetail{
		Code:      string(de.Kind),
		Message:   msg,
		Field:     de.Field,
		EntityID:  de.EntityID,
		Retryable: de.Kind == errs.KindConflict,
	}})
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errs.Validation("body", "invalid request body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeFHIR(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
