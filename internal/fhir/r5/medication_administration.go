package r5

import (
	"encoding/json"
	"time"
)

// MedicationAdministration represents a FHIR R5 MedicationAdministration
// resource: one dose given, or planned and not given.
type MedicationAdministration struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Meta         *Meta        `json:"meta,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`
	PartOf       []Reference  `json:"partOf,omitempty"`

	Status       string            `json:"status"` // in-progress | not-done | on-hold | completed | entered-in-error | stopped | unknown
	StatusReason []CodeableConcept `json:"statusReason,omitempty"`

	Medication        CodeableReference         `json:"medication"`
	Subject           Reference                 `json:"subject"`
	Encounter         *Reference                `json:"encounter,omitempty"`
	OccurenceDateTime *time.Time                `json:"occurenceDateTime,omitempty"`
	Recorded          *time.Time                `json:"recorded,omitempty"`
	Performer         []AdministrationPerformer `json:"performer,omitempty"`
	Request           *Reference                `json:"request,omitempty"`
	Note              []Annotation              `json:"note,omitempty"`
	Dosage            *AdministrationDosage     `json:"dosage,omitempty"`
	EventHistory      []Reference               `json:"eventHistory,omitempty"`
}

// AdministrationPerformer names who administered the dose.
type AdministrationPerformer struct {
	Actor CodeableReference `json:"actor"`
}

// AdministrationDosage describes the dose as administered.
type AdministrationDosage struct {
	Text  string           `json:"text,omitempty"`
	Route *CodeableConcept `json:"route,omitempty"`
	Dose  *Quantity        `json:"dose,omitempty"`
}

// ToJSON serializes the MedicationAdministration to JSON.
func (m *MedicationAdministration) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}
