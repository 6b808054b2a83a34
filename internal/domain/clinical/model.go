// Package clinical holds patients, visits and diagnoses with their referential invariants.
package clinical

import (
	"context"
	"sort"
	"strings"
	"time"
)

// PatientStatus is the soft lifecycle of a patient record
type PatientStatus string

const (
	PatientActive   PatientStatus = "active"
	PatientInactive PatientStatus = "inactive"
)

// Contact is a phone/email/address tuple, optionally for a guardian
type Contact struct {
	Name         string `json:"name,omitempty" validate:"max=200"`
	Relationship string `json:"relationship,omitempty" validate:"max=64"`
	Phone        string `json:"phone,omitempty" validate:"max=32"`
	Email        string `json:"email,omitempty" validate:"omitempty,email"`
	Address      string `json:"address,omitempty" validate:"max=500"`
}

// Patient is an identity record. Patients are deactivated, never deleted.
type Patient struct {
	ID               string        `json:"id"`
	Version          int           `json:"version"`
	Name             string        `json:"name"`
	DateOfBirth      *time.Time    `json:"date_of_birth,omitempty"`
	Allergies        []string      `json:"allergies,omitempty"`
	GuardianContacts []Contact     `json:"guardian_contacts,omitempty"`
	Contact          Contact       `json:"contact"`
	Status           PatientStatus `json:"status"`
	CreatedBy        string        `json:"created_by,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Clone returns a deep copy
func (p *Patient) Clone() *Patient {
	if p == nil {
		return nil
	}
	c := *p
	if p.DateOfBirth != nil {
		dob := *p.DateOfBirth
		c.DateOfBirth = &dob
	}
	c.Allergies = append([]string(nil), p.Allergies...)
	c.GuardianContacts = append([]Contact(nil), p.GuardianContacts...)
	return &c
}

// PatientInput carries the fields of a new patient
type PatientInput struct {
	Name             string     `json:"name" validate:"required,max=200"`
	DateOfBirth      *time.Time `json:"date_of_birth,omitempty"`
	Allergies        []string   `json:"allergies,omitempty" validate:"max=100,dive,max=128"`
	GuardianContacts []Contact  `json:"guardian_contacts,omitempty" validate:"max=10,dive"`
	Contact          Contact    `json:"contact"`
}

// PatientPatch is a partial update; nil fields are left unchanged
type PatientPatch struct {
	Name             *string    `json:"name,omitempty" validate:"omitempty,max=200"`
	DateOfBirth      *time.Time `json:"date_of_birth,omitempty"`
	Allergies        *[]string  `json:"allergies,omitempty"`
	GuardianContacts *[]Contact `json:"guardian_contacts,omitempty"`
	Contact          *Contact   `json:"contact,omitempty"`
}

// Visit is one clinical encounter. Only Notes changes after creation.
type Visit struct {
	ID          string    `json:"id"`
	Version     int       `json:"version"`
	PatientID   string    `json:"patient_id"`
	ClinicianID string    `json:"clinician_id"`
	Date        time.Time `json:"date"`
	Clinic      string    `json:"clinic,omitempty"`
	Notes       string    `json:"notes,omitempty"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Clone returns a copy
func (v *Visit) Clone() *Visit {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// VisitInput carries the fields of a new visit
type VisitInput struct {
	PatientID   string    `json:"patient_id" validate:"required"`
	ClinicianID string    `json:"clinician_id"`
	Date        time.Time `json:"date" validate:"required"`
	Clinic      string    `json:"clinic,omitempty" validate:"max=200"`
	Notes       string    `json:"notes,omitempty" validate:"max=10000"`
}

// Diagnosis belongs to one visit; a visit may carry many
type Diagnosis struct {
	ID        string     `json:"id"`
	Version   int        `json:"version"`
	VisitID   string     `json:"visit_id"`
	Name      string     `json:"name"`
	Code      string     `json:"code,omitempty"`
	OnsetDate *time.Time `json:"onset_date,omitempty"`
	Notes     string     `json:"notes,omitempty"`
	CreatedBy string     `json:"created_by,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Clone returns a deep copy
func (d *Diagnosis) Clone() *Diagnosis {
	if d == nil {
		return nil
	}
	c := *d
	if d.OnsetDate != nil {
		onset := *d.OnsetDate
		c.OnsetDate = &onset
	}
	return &c
}

// DiagnosisInput carries the fields of a new diagnosis
type DiagnosisInput struct {
	Name      string     `json:"name" validate:"required,max=300"`
	Code      string     `json:"code,omitempty" validate:"max=32"`
	OnsetDate *time.Time `json:"onset_date,omitempty"`
	Notes     string     `json:"notes,omitempty" validate:"max=10000"`
}

// DiagnosisPatch is a partial update; nil fields are left unchanged
type DiagnosisPatch struct {
	Name      *string    `json:"name,omitempty" validate:"omitempty,max=300"`
	Code      *string    `json:"code,omitempty" validate:"omitempty,max=32"`
	OnsetDate *time.Time `json:"onset_date,omitempty"`
	Notes     *string    `json:"notes,omitempty" validate:"omitempty,max=10000"`
}

// Repository persists clinical records. Update methods are compare-and-swap:
// they fail with a concurrency conflict unless the stored version equals
// expectedVersion, and bump the entity's version on success.
type Repository interface {
	InsertPatient(ctx context.Context, p *Patient) error
	GetPatient(ctx context.Context, id string) (*Patient, error)
	UpdatePatient(ctx context.Context, p *Patient, expectedVersion int) error

	InsertVisit(ctx context.Context, v *Visit) error
	GetVisit(ctx context.Context, id string) (*Visit, error)
	UpdateVisit(ctx context.Context, v *Visit, expectedVersion int) error
	ListVisits(ctx context.Context, patientID string) ([]*Visit, error)

	InsertDiagnosis(ctx context.Context, d *Diagnosis) error
	GetDiagnosis(ctx context.Context, id string) (*Diagnosis, error)
	UpdateDiagnosis(ctx context.Context, d *Diagnosis, expectedVersion int) error
	ListDiagnoses(ctx context.Context, visitID string) ([]*Diagnosis, error)
}

// allergySet trims, deduplicates case-insensitively and sorts
func allergySet(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, a := range in {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		key := strings.ToLower(a)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i]) < strings.ToLower(out[j]) })
	if len(out) == 0 {
		return nil
	}
	return out
}
