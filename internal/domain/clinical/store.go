package clinical

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-careplan/internal/domain/audit"
	"github.com/drfirst/go-careplan/internal/domain/cas"
	"github.com/drfirst/go-careplan/internal/domain/errs"
	"github.com/drfirst/go-careplan/pkg/clock"
)

// Store validates and records patients, visits and diagnoses
type Store struct {
	repo   Repository
	audit  *audit.Logger
	clock  clock.Clock
	logger *zap.Logger
	tracer trace.Tracer
}

// NewStore creates a clinical record store
func NewStore(repo Repository, auditLog *audit.Logger, clk clock.Clock, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{
		repo:   repo,
		audit:  auditLog,
		clock:  clk,
		logger: logger,
		tracer: otel.Tracer("clinical-store"),
	}
}

// record audits an entry. Patient and visit creation by an unidentified actor
// is the only change left out of the log.
func (s *Store) record(ctx context.Context, actor audit.Actor, always bool, e audit.Entry) {
	if s.audit == nil || (!always && !actor.Authenticated()) {
		return
	}
	s.audit.Record(ctx, e)
}

func (s *Store) span(ctx context.Context, name, id string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("entity.id", id)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CreatePatient registers a new active patient
func (s *Store) CreatePatient(ctx context.Context, actor audit.Actor, in PatientInput) (p *Patient, err error) {
	ctx, span := s.span(ctx, "create_patient", "")
	defer func() { endSpan(span, err) }()

	if err := errs.Struct(in); err != nil {
		return nil, err
	}
	if errs.Blank(in.Name) {
		return nil, errs.Validation("name", "name is required")
	}

	now := s.clock.Now()
	p = &Patient{
		ID:               uuid.New().String(),
		Name:             strings.TrimSpace(in.Name),
		DateOfBirth:      in.DateOfBirth,
		Allergies:        allergySet(in.Allergies),
		GuardianContacts: in.GuardianContacts,
		Contact:          in.Contact,
		Status:           PatientActive,
		CreatedBy:        actor.ID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.repo.InsertPatient(ctx, p); err != nil {
		return nil, fmt.Errorf("insert patient: %w", err)
	}

	s.record(ctx, actor, false, audit.NewEntry(actor, audit.EntityPatient, p.ID, audit.ActionCreate, nil, p))
	s.logger.Info("patient created", zap.String("patient_id", p.ID), zap.String("actor_id", actor.ID))
	return p.Clone(), nil
}

// UpdatePatient merges the non-nil patch fields into the patient
func (s *Store) UpdatePatient(ctx context.Context, actor audit.Actor, id string, patch PatientPatch) (*Patient, error) {
	if err := errs.Struct(patch); err != nil {
		return nil, err
	}
	if patch.Name != nil && errs.Blank(*patch.Name) {
		return nil, errs.Validation("name", "name cannot be blank")
	}
	return s.mutatePatient(ctx, actor, id, "update_patient", func(p *Patient) error {
		if p.Status != PatientActive {
			return errs.InvalidState(p.ID, "patient is %s", p.Status)
		}
		if patch.Name != nil {
			p.Name = strings.TrimSpace(*patch.Name)
		}
		if patch.DateOfBirth != nil {
			dob := *patch.DateOfBirth
			p.DateOfBirth = &dob
		}
		if patch.Allergies != nil {
			p.Allergies = allergySet(*patch.Allergies)
		}
		if patch.GuardianContacts != nil {
			p.GuardianContacts = append([]Contact(nil), (*patch.GuardianContacts)...)
		}
		if patch.Contact != nil {
			p.Contact = *patch.Contact
		}
		return nil
	})
}

// DeactivatePatient moves an active patient to inactive
func (s *Store) DeactivatePatient(ctx context.Context, actor audit.Actor, id string) (*Patient, error) {
	return s.mutatePatient(ctx, actor, id, "deactivate_patient", func(p *Patient) error {
		if p.Status == PatientInactive {
			return errs.InvalidState(p.ID, "patient is already inactive")
		}
		p.Status = PatientInactive
		return nil
	})
}

func (s *Store) mutatePatient(ctx context.Context, actor audit.Actor, id, op string, apply func(*Patient) error) (out *Patient, err error) {
	ctx, span := s.span(ctx, op, id)
	defer func() { endSpan(span, err) }()

	var before *Patient
	err = cas.Retry(ctx, cas.DefaultAttempts, func(ctx context.Context) error {
		current, err := s.repo.GetPatient(ctx, id)
		if err != nil {
			return err
		}
		before = current.Clone()
		if err := apply(current); err != nil {
			return err
		}
		current.UpdatedAt = s.clock.Now()
		if err := s.repo.UpdatePatient(ctx, current, before.Version); err != nil {
			return err
		}
		out = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, actor, true, audit.NewEntry(actor, audit.EntityPatient, id, audit.ActionUpdate, before, out))
	return out.Clone(), nil
}

// GetPatient returns a patient by id
func (s *Store) GetPatient(ctx context.Context, id string) (*Patient, error) {
	return s.repo.GetPatient(ctx, id)
}

// CreateVisit records an encounter for an existing, active patient
func (s *Store) CreateVisit(ctx context.Context, actor audit.Actor, in VisitInput) (v *Visit, err error) {
	ctx, span := s.span(ctx, "create_visit", in.PatientID)
	defer func() { endSpan(span, err) }()

	if in.ClinicianID == "" {
		in.ClinicianID = actor.ID
	}
	if err := errs.Struct(in); err != nil {
		return nil, err
	}
	if errs.Blank(in.ClinicianID) {
		return nil, errs.Validation("clinician_id", "clinician_id is required")
	}

	patient, err := s.repo.GetPatient(ctx, in.PatientID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, errs.Validation("patient_id", "patient %s does not exist", in.PatientID)
	}
	if err != nil {
		return nil, err
	}
	if patient.Status != PatientActive {
		return nil, errs.InvalidState(patient.ID, "patient is %s", patient.Status)
	}

	now := s.clock.Now()
	v = &Visit{
		ID:          uuid.New().String(),
		PatientID:   patient.ID,
		ClinicianID: in.ClinicianID,
		Date:        in.Date,
		Clinic:      strings.TrimSpace(in.Clinic),
		Notes:       in.Notes,
		CreatedBy:   actor.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.InsertVisit(ctx, v); err != nil {
		return nil, fmt.Errorf("insert visit: %w", err)
	}

	s.record(ctx, actor, false, audit.NewEntry(actor, audit.EntityVisit, v.ID, audit.ActionCreate, nil, v))
	return v.Clone(), nil
}

// UpdateVisitNotes replaces the notes of a visit, its only mutable field
func (s *Store) UpdateVisitNotes(ctx context.Context, actor audit.Actor, id, notes string) (out *Visit, err error) {
	ctx, span := s.span(ctx, "update_visit_notes", id)
	defer func() { endSpan(span, err) }()

	if len(notes) > 10000 {
		return nil, errs.Validation("notes", "notes must be at most 10000 characters")
	}

	var before *Visit
	err = cas.Retry(ctx, cas.DefaultAttempts, func(ctx context.Context) error {
		current, err := s.repo.GetVisit(ctx, id)
		if err != nil {
			return err
		}
		before = current.Clone()
		current.Notes = notes
		current.UpdatedAt = s.clock.Now()
		if err := s.repo.UpdateVisit(ctx, current, before.Version); err != nil {
			return err
		}
		out = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, actor, true, audit.NewEntry(actor, audit.EntityVisit, id, audit.ActionUpdate, before, out))
	return out.Clone(), nil
}

// GetVisit returns a visit by id
func (s *Store) GetVisit(ctx context.Context, id string) (*Visit, error) {
	return s.repo.GetVisit(ctx, id)
}

// ListVisits returns a patient's visits
func (s *Store) ListVisits(ctx context.Context, patientID string) ([]*Visit, error) {
	if _, err := s.repo.GetPatient(ctx, patientID); err != nil {
		return nil, err
	}
	return s.repo.ListVisits(ctx, patientID)
}

// CreateDiagnosis attaches a diagnosis to an existing visit
func (s *Store) CreateDiagnosis(ctx context.Context, actor audit.Actor, visitID string, in DiagnosisInput) (d *Diagnosis, err error) {
	ctx, span := s.span(ctx, "create_diagnosis", visitID)
	defer func() { endSpan(span, err) }()

	if errs.Blank(visitID) {
		return nil, errs.Validation("visit_id", "visit_id is required")
	}
	if err := errs.Struct(in); err != nil {
		return nil, err
	}
	if errs.Blank(in.Name) {
		return nil, errs.Validation("name", "name is required")
	}

	if _, err := s.repo.GetVisit(ctx, visitID); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.Validation("visit_id", "visit %s does not exist", visitID)
		}
		return nil, err
	}

	now := s.clock.Now()
	d = &Diagnosis{
		ID:        uuid.New().String(),
		VisitID:   visitID,
		Name:      strings.TrimSpace(in.Name),
		Code:      strings.ToUpper(strings.TrimSpace(in.Code)),
		OnsetDate: in.OnsetDate,
		Notes:     in.Notes,
		CreatedBy: actor.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.InsertDiagnosis(ctx, d); err != nil {
		return nil, fmt.Errorf("insert diagnosis: %w", err)
	}

	s.record(ctx, actor, true, audit.NewEntry(actor, audit.EntityDiagnosis, d.ID, audit.ActionCreate, nil, d))
	return d.Clone(), nil
}

// UpdateDiagnosis merges the non-nil patch fields into the diagnosis
func (s *Store) UpdateDiagnosis(ctx context.Context, actor audit.Actor, id string, patch DiagnosisPatch) (out *Diagnosis, err error) {
	ctx, span := s.span(ctx, "update_diagnosis", id)
	defer func() { endSpan(span, err) }()

	if err := errs.Struct(patch); err != nil {
		return nil, err
	}
	if patch.Name != nil && errs.Blank(*patch.Name) {
		return nil, errs.Validation("name", "name cannot be blank")
	}

	var before *Diagnosis
	err = cas.Retry(ctx, cas.DefaultAttempts, func(ctx context.Context) error {
		current, err := s.repo.GetDiagnosis(ctx, id)
		if err != nil {
			return err
		}
		before = current.Clone()
		if patch.Name != nil {
			current.Name = strings.TrimSpace(*patch.Name)
		}
		if patch.Code != nil {
			current.Code = strings.ToUpper(strings.TrimSpace(*patch.Code))
		}
		if patch.OnsetDate != nil {
			onset := *patch.OnsetDate
			current.OnsetDate = &onset
		}
		if patch.Notes != nil {
			current.Notes = *patch.Notes
		}
		current.UpdatedAt = s.clock.Now()
		if err := s.repo.UpdateDiagnosis(ctx, current, before.Version); err != nil {
			return err
		}
		out = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, actor, true, audit.NewEntry(actor, audit.EntityDiagnosis, id, audit.ActionUpdate, before, out))
	return out.Clone(), nil
}

// GetDiagnosis returns a diagnosis by id
func (s *Store) GetDiagnosis(ctx context.Context, id string) (*Diagnosis, error) {
	return s.repo.GetDiagnosis(ctx, id)
}

// ListDiagnoses returns the diagnoses recorded during a visit
func (s *Store) ListDiagnoses(ctx context.Context, visitID string) ([]*Diagnosis, error) {
	if _, err := s.repo.GetVisit(ctx, visitID); err != nil {
		return nil, err
	}
	return s.repo.ListDiagnoses(ctx, visitID)
}
