package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/drfirst/go-careplan/internal/api/middleware"
	"github.com/drfirst/go-careplan/internal/domain/audit"
	"github.com/drfirst/go-careplan/internal/domain/dose"
	"github.com/drfirst/go-careplan/internal/domain/errs"
	"github.com/drfirst/go-careplan/internal/fhir/projection"
)

// GenerateRequest is the window of POST /orders/{id}/doses/generate
type GenerateRequest struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// GenerateDoses handles POST /orders/{id}/doses/generate
func (h *CarePlanHandler) GenerateDoses(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	events, err := h.engine.Doses.GenerateEvents(r.Context(), middleware.GetActor(r.Context()), chi.URLParam(r, "id"), req.From, req.To)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// RecordPRN handles POST /orders/{id}/doses/prn
func (h *CarePlanHandler) RecordPRN(w http.ResponseWriter, r *http.Request) {
	var in dose.GivenInput
	if err := decode(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	e, err := h.engine.Doses.RecordPRN(r.Context(), middleware.GetActor(r.Context()), chi.URLParam(r, "id"), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// ListDoses handles GET /orders/{id}/doses
func (h *CarePlanHandler) ListDoses(w http.ResponseWriter, r *http.Request) {
	events, err := h.engine.Doses.ListEvents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// GetDose handles GET /doses/{id}
func (h *CarePlanHandler) GetDose(w http.ResponseWriter, r *http.Request) {
	e, err := h.engine.Doses.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// MarkGiven handles POST /doses/{id}/given
func (h *CarePlanHandler) MarkGiven(w http.ResponseWriter, r *http.Request) {
	var in dose.GivenInput
	if err := decode(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	e, err := h.engine.Doses.MarkGiven(r.Context(), middleware.GetActor(r.Context()), chi.URLParam(r, "id"), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// NoteRequest carries the note of a missed dose or the reason of a skipped one
type NoteRequest struct {
	Note   string `json:"note,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// MarkMissed handles POST /doses/{id}/missed
func (h *CarePlanHandler) MarkMissed(w http.ResponseWriter, r *http.Request) {
	var req NoteRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	e, err := h.engine.Doses.MarkMissed(r.Context(), middleware.GetActor(r.Context()), chi.URLParam(r, "id"), req.Note)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// MarkSkipped handles POST /doses/{id}/skipped
func (h *CarePlanHandler) MarkSkipped(w http.ResponseWriter, r *http.Request) {
	var req NoteRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = req.Note
	}
	e, err := h.engine.Doses.MarkSkipped(r.Context(), middleware.GetActor(r.Context()), chi.URLParam(r, "id"), reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// UndoDose handles POST /doses/{id}/undo
func (h *CarePlanHandler) UndoDose(w http.ResponseWriter, r *http.Request) {
	e, err := h.engine.Doses.Undo(r.Context(), middleware.GetActor(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// Compensate handles POST /doses/{id}/compensate
func (h *CarePlanHandler) Compensate(w http.ResponseWriter, r *http.Request) {
	var in dose.CompensationInput
	if err := decode(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	e, err := h.engine.Doses.RecordCompensating(r.Context(), middleware.GetActor(r.Context()), chi.URLParam(r, "id"), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// DoseFHIR handles GET /doses/{id}/fhir
func (h *CarePlanHandler) DoseFHIR(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	e, err := h.engine.Doses.GetEvent(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	o, err := h.engine.Orders.GetOrder(ctx, e.OrderID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	v, err := h.engine.Clinical.GetVisit(ctx, o.VisitID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	ma := projection.MedicationAdministration(e, o)
	ma.Subject = projection.Ref("Patient", v.PatientID)
	writeFHIR(w, ma)
}

// QueryAudit handles GET /audit
func (h *CarePlanHandler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		EntityType: audit.EntityType(q.Get("entity_type")),
		EntityID:   q.Get("entity_id"),
		ActorID:    q.Get("actor_id"),
		Action:     audit.Action(q.Get("action")),
	}
	if s := q.Get("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			h.fail(w, r, errs.Validation("since", "since must be an RFC 3339 timestamp"))
			return
		}
		f.Since = since
	}
	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 0 {
			h.fail(w, r, errs.Validation("limit", "limit must be a non-negative integer"))
			return
		}
		f.Limit = limit
	}

	entries := h.engine.Audit.Query(f)
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
