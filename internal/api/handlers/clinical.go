package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/drfirst/go-careplan/internal/api/middleware"
	"github.com/drfirst/go-careplan/internal/domain/clinical"
	"github.com/drfirst/go-careplan/internal/fhir/projection"
)

// CreatePatient handles POST /patients
func (h *CarePlanHandler) CreatePatient(w http.ResponseWriter, r *http.Request) {
	var in clinical.PatientInput
	if err := decode(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	p, err := h.engine.Clinical.CreatePatient(r.Context(), middleware.GetActor(r.Context()), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetPatient handles GET /patients/{id}
func (h *CarePlanHandler) GetPatient(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.Clinical.GetPatient(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// UpdatePatient handles PATCH /patients/{id}
func (h *CarePlanHandler) UpdatePatient(w http.ResponseWriter, r *http.Request) {
	var patch clinical.PatientPatch
	if err := decode(r, &patch); err != nil {
		h.fail(w, r, err)
		return
	}
	p, err := h.engine.Clinical.UpdatePatient(r.Context(), middleware.GetActor(r.Context()), chi.URLParam(r, "id"), patch)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// DeactivatePatient handles POST /patients/{id}/deactivate
func (h *CarePlanHandler) DeactivatePatient(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.Clinical.DeactivatePatient(r.Context(), middleware.GetActor(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListVisits handles GET /patients/{id}/visits
func (h *CarePlanHandler) ListVisits(w http.ResponseWriter, r *http.Request) {
	visits, err := h.engine.Clinical.ListVisits(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, visits)
}

// PatientFHIR handles GET /patients/{id}/fhir
func (h *CarePlanHandler) PatientFHIR(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.Clinical.GetPatient(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeFHIR(w, projection.Patient(p))
}

// CreateVisit handles POST /visits
func (h *CarePlanHandler) CreateVisit(w http.ResponseWriter, r *http.Request) {
	var in clinical.VisitInput
	if err := decode(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	v, err := h.engine.Clinical.CreateVisit(r.Context(), middleware.GetActor(r.Context()), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// GetVisit handles GET /visits/{id}
func (h *CarePlanHandler) GetVisit(w http.ResponseWriter, r *http.Request) {
	v, err := h.engine.Clinical.GetVisit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// NotesRequest is the body of PATCH /visits/{id}/notes
type NotesRequest struct {
	Notes string `json:"notes"`
}

// UpdateVisitNotes handles PATCH /visits/{id}/notes
func (h *CarePlanHandler) UpdateVisitNotes(w http.ResponseWriter, r *http.Request) {
	var req NotesRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	v, err := h.engine.Clinical.UpdateVisitNotes(r.Context(), middleware.GetActor(r.Context()), chi.URLParam(r, "id"), req.Notes)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// CreateDiagnosis handles POST /visits/{id}/diagnoses
func (h *CarePlanHandler) CreateDiagnosis(w http.ResponseWriter, r *http.Request) {
	var in clinical.DiagnosisInput
	if err := decode(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	d, err := h.engine.Clinical.CreateDiagnosis(r.Context(), middleware.GetActor(r.Context()), chi.URLParam(r, "id"), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// ListDiagnoses handles GET /visits/{id}/diagnoses
func (h *CarePlanHandler) ListDiagnoses(w http.ResponseWriter, r *http.Request) {
	ds, err := h.engine.Clinical.ListDiagnoses(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

// GetDiagnosis handles GET /diagnoses/{id}
func (h *CarePlanHandler) GetDiagnosis(w http.ResponseWriter, r *http.Request) {
	d, err := h.engine.Clinical.GetDiagnosis(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// UpdateDiagnosis handles PATCH /diagnoses/{id}
func (h *CarePlanHandler) UpdateDiagnosis(w http.ResponseWriter, r *http.Request) {
	var patch clinical.DiagnosisPatch
	if err := decode(r, &patch); err != nil {
		h.fail(w, r, err)
		return
	}
	d, err := h.engine.Clinical.UpdateDiagnosis(r.Context(), middleware.GetActor(r.Context()), chi.URLParam(r, "id"), patch)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
