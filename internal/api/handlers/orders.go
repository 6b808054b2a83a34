package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/drfirst/go-careplan/internal/api/middleware"
	"github.com/drfirst/go-careplan/internal/domain/medication"
	"github.com/drfirst/go-careplan/internal/domain/schedule"
	"github.com/drfirst/go-careplan/internal/fhir/projection"
)

// OrderResponse pairs an order with the schedule created for it
type OrderResponse struct {
	Order    *medication.Order      `json:"order"`
	Schedule *schedule.DoseSchedule `json:"schedule,omitempty"`
}

// CreateOrder handles POST /visits/{id}/orders
func (h *CarePlanHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var in medication.OrderInput
	if err := decode(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	o, s, err := h.engine.Orders.CreateOrder(r.Context(), middleware.GetActor(r.Context()), chi.URLParam(r, "id"), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, OrderResponse{Order: o, Schedule: s})
}

// ListOrders handles GET /visits/{id}/orders
func (h *CarePlanHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.engine.Orders.ListOrders(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetOrder handles GET /orders/{id}
func (h *CarePlanHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.engine.Orders.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// UpdateOrder handles PATCH /orders/{id}
func (h *CarePlanHandler) UpdateOrder(w http.ResponseWriter, r *http.Request) {
	var patch medication.OrderPatch
	if err := decode(r, &patch); err != nil {
		h.fail(w, r, err)
		return
	}
	o, err := h.engine.Orders.UpdateOrder(r.Context(), middleware.GetActor(r.Context()), chi.URLParam(r, "id"), patch)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// StopRequest is the body of POST /orders/{id}/stop
type StopRequest struct {
	Reason string `json:"reason"`
}

// StopOrder handles POST /orders/{id}/stop
func (h *CarePlanHandler) StopOrder(w http.ResponseWriter, r *http.Request) {
	var req StopRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	o, err := h.engine.Orders.StopOrder(r.Context(), middleware.GetActor(r.Context()), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// CompleteOrder handles POST /orders/{id}/complete
func (h *CarePlanHandler) CompleteOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.engine.Orders.CompleteOrder(r.Context(), middleware.GetActor(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// GetSchedule handles GET /orders/{id}/schedule
func (h *CarePlanHandler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	s, err := h.engine.Orders.ActiveSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// ListSchedules handles GET /orders/{id}/schedules, superseded schedules included
func (h *CarePlanHandler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.engine.Orders.GetOrder(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	ss, err := h.engine.Orders.ListSchedules(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ss)
}

// OrderFHIR handles GET /orders/{id}/fhir
func (h *CarePlanHandler) OrderFHIR(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	o, err := h.engine.Orders.GetOrder(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var s *schedule.DoseSchedule
	if o.ScheduleID != "" {
		if s, err = h.engine.Orders.GetSchedule(ctx, o.ScheduleID); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	v, err := h.engine.Clinical.GetVisit(ctx, o.VisitID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	mr := projection.MedicationRequest(o, s)
	mr.Subject = projection.Ref("Patient", v.PatientID)
	writeFHIR(w, mr)
}
