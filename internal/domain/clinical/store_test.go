package clinical_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-careplan/internal/domain/audit"
	"github.com/drfirst/go-careplan/internal/domain/clinical"
	"github.com/drfirst/go-careplan/internal/domain/errs"
	"github.com/drfirst/go-careplan/internal/store/memory"
	"github.com/drfirst/go-careplan/pkg/clock"
)

var (
	doctor    = audit.Actor{ID: "dr-1", Name: "Dr. Grey", Role: "clinician"}
	anonymous = audit.Actor{}
)

func newStore(t *testing.T) (*clinical.Store, *audit.Logger, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	log := audit.NewLogger(audit.DefaultConfig(), clk, nil)
	return clinical.NewStore(memory.New(), log, clk, nil), log, clk
}

func TestCreatePatientValidates(t *testing.T) {
	s, _, _ := newStore(t)
	ctx := context.Background()

	_, err := s.CreatePatient(ctx, doctor, clinical.PatientInput{Name: "   "})
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.KindValidation, e.Kind)
	assert.Equal(t, "name", e.Field)

	p, err := s.CreatePatient(ctx, doctor, clinical.PatientInput{
		Name:      " P1 ",
		Allergies: []string{"Penicillin", "penicillin", " Latex", ""},
	})
	require.NoError(t, err)
	assert.Equal(t, "P1", p.Name)
	assert.Equal(t, []string{"Latex", "Penicillin"}, p.Allergies)
	assert.Equal(t, clinical.PatientActive, p.Status)
	assert.Equal(t, 1, p.Version)
}

func TestPatientAuditOnlyForAuthenticatedActor(t *testing.T) {
	s, log, _ := newStore(t)
	ctx := context.Background()

	_, err := s.CreatePatient(ctx, anonymous, clinical.PatientInput{Name: "Quiet"})
	require.NoError(t, err)
	assert.Equal(t, 0, log.Len())

	p, err := s.CreatePatient(ctx, doctor, clinical.PatientInput{Name: "Loud"})
	require.NoError(t, err)
	entries := log.Query(audit.Filter{EntityID: p.ID})
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionCreate, entries[0].Action)
	assert.Equal(t, audit.EntityPatient, entries[0].EntityType)
}

func TestUpdatesAreAuditedForAnyActor(t *testing.T) {
	s, log, _ := newStore(t)
	ctx := context.Background()

	p, err := s.CreatePatient(ctx, anonymous, clinical.PatientInput{Name: "Quiet"})
	require.NoError(t, err)
	v, err := s.CreateVisit(ctx, anonymous, clinical.VisitInput{PatientID: p.ID, ClinicianID: "dr-2", Date: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	require.Equal(t, 0, log.Len())

	name := "Renamed"
	_, err = s.UpdatePatient(ctx, anonymous, p.ID, clinical.PatientPatch{Name: &name})
	require.NoError(t, err)
	_, err = s.UpdateVisitNotes(ctx, anonymous, v.ID, "afebrile")
	require.NoError(t, err)

	patientEntries := log.Query(audit.Filter{EntityID: p.ID})
	require.Len(t, patientEntries, 1)
	assert.Equal(t, audit.ActionUpdate, patientEntries[0].Action)
	assert.Contains(t, string(patientEntries[0].Before), "Quiet")
	assert.Contains(t, string(patientEntries[0].After), "Renamed")

	visitEntries := log.Query(audit.Filter{EntityID: v.ID})
	require.Len(t, visitEntries, 1)
	assert.Equal(t, audit.ActionUpdate, visitEntries[0].Action)
}

func TestUpdatePatientMergesAndKeepsIdentity(t *testing.T) {
	s, log, clk := newStore(t)
	ctx := context.Background()

	p, err := s.CreatePatient(ctx, doctor, clinical.PatientInput{Name: "P1", Contact: clinical.Contact{Phone: "555-0100"}})
	require.NoError(t, err)
	clk.Advance(time.Hour)

	allergies := []string{"Sulfa"}
	updated, err := s.UpdatePatient(ctx, doctor, p.ID, clinical.PatientPatch{Allergies: &allergies})
	require.NoError(t, err)

	assert.Equal(t, p.ID, updated.ID)
	assert.Equal(t, "P1", updated.Name)
	assert.Equal(t, "555-0100", updated.Contact.Phone)
	assert.Equal(t, []string{"Sulfa"}, updated.Allergies)
	assert.Equal(t, p.CreatedAt, updated.CreatedAt)
	assert.Equal(t, p.CreatedBy, updated.CreatedBy)
	assert.True(t, updated.UpdatedAt.After(p.UpdatedAt))
	assert.Equal(t, 2, updated.Version)

	entries := log.Query(audit.Filter{EntityID: p.ID, Action: audit.ActionUpdate})
	require.Len(t, entries, 1)
	assert.Contains(t, string(entries[0].Before), `"version":1`)
	assert.Contains(t, string(entries[0].After), "Sulfa")
}

func TestDeactivatePatient(t *testing.T) {
	s, _, _ := newStore(t)
	ctx := context.Background()
	p, err := s.CreatePatient(ctx, doctor, clinical.PatientInput{Name: "P1"})
	require.NoError(t, err)

	got, err := s.DeactivatePatient(ctx, doctor, p.ID)
	require.NoError(t, err)
	assert.Equal(t, clinical.PatientInactive, got.Status)

	_, err = s.DeactivatePatient(ctx, doctor, p.ID)
	assert.True(t, errors.Is(err, errs.ErrInvalidState))

	_, err = s.CreateVisit(ctx, doctor, clinical.VisitInput{PatientID: p.ID, Date: time.Now()})
	assert.True(t, errors.Is(err, errs.ErrInvalidState))

	// still readable
	_, err = s.GetPatient(ctx, p.ID)
	assert.NoError(t, err)
}

func TestCreateVisitResolvesPatient(t *testing.T) {
	s, _, clk := newStore(t)
	ctx := context.Background()

	_, err := s.CreateVisit(ctx, doctor, clinical.VisitInput{PatientID: "nope", Date: clk.Now()})
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.KindValidation, e.Kind)
	assert.Equal(t, "patient_id", e.Field)

	p, err := s.CreatePatient(ctx, doctor, clinical.PatientInput{Name: "P1"})
	require.NoError(t, err)

	_, err = s.CreateVisit(ctx, doctor, clinical.VisitInput{PatientID: p.ID})
	e, ok = errs.As(err)
	require.True(t, ok)
	assert.Equal(t, "date", e.Field)

	v, err := s.CreateVisit(ctx, doctor, clinical.VisitInput{PatientID: p.ID, Date: clk.Now(), Clinic: "North"})
	require.NoError(t, err)
	assert.Equal(t, "dr-1", v.ClinicianID)

	visits, err := s.ListVisits(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, visits, 1)
	assert.Equal(t, v.ID, visits[0].ID)
}

func TestUpdateVisitNotesOnly(t *testing.T) {
	s, _, clk := newStore(t)
	ctx := context.Background()
	p, _ := s.CreatePatient(ctx, doctor, clinical.PatientInput{Name: "P1"})
	v, err := s.CreateVisit(ctx, doctor, clinical.VisitInput{PatientID: p.ID, Date: clk.Now(), Clinic: "North"})
	require.NoError(t, err)

	got, err := s.UpdateVisitNotes(ctx, doctor, v.ID, "follow up in 2 weeks")
	require.NoError(t, err)
	assert.Equal(t, "follow up in 2 weeks", got.Notes)
	assert.Equal(t, "North", got.Clinic)
	assert.Equal(t, p.ID, got.PatientID)

	_, err = s.UpdateVisitNotes(ctx, doctor, "missing", "x")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestDiagnosisAlwaysAudited(t *testing.T) {
	s, log, clk := newStore(t)
	ctx := context.Background()
	p, _ := s.CreatePatient(ctx, anonymous, clinical.PatientInput{Name: "P1"})
	v, err := s.CreateVisit(ctx, doctor, clinical.VisitInput{PatientID: p.ID, Date: clk.Now()})
	require.NoError(t, err)

	_, err = s.CreateDiagnosis(ctx, anonymous, "missing", clinical.DiagnosisInput{Name: "Otitis media"})
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, "visit_id", e.Field)

	d, err := s.CreateDiagnosis(ctx, anonymous, v.ID, clinical.DiagnosisInput{Name: "Otitis media", Code: "h66.9"})
	require.NoError(t, err)
	assert.Equal(t, "H66.9", d.Code)

	notes := "bilateral"
	updated, err := s.UpdateDiagnosis(ctx, anonymous, d.ID, clinical.DiagnosisPatch{Notes: &notes})
	require.NoError(t, err)
	assert.Equal(t, "Otitis media", updated.Name)
	assert.Equal(t, v.ID, updated.VisitID)

	entries := log.Query(audit.Filter{EntityType: audit.EntityDiagnosis})
	require.Len(t, entries, 2)
	assert.Equal(t, audit.ActionCreate, entries[0].Action)
	assert.Equal(t, audit.ActionUpdate, entries[1].Action)

	list, err := s.ListDiagnoses(ctx, v.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestUpdateDiagnosisRejectsBlankName(t *testing.T) {
	s, _, clk := newStore(t)
	ctx := context.Background()
	p, _ := s.CreatePatient(ctx, doctor, clinical.PatientInput{Name: "P1"})
	v, _ := s.CreateVisit(ctx, doctor, clinical.VisitInput{PatientID: p.ID, Date: clk.Now()})
	d, err := s.CreateDiagnosis(ctx, doctor, v.ID, clinical.DiagnosisInput{Name: "Asthma"})
	require.NoError(t, err)

	blank := " "
	_, err = s.UpdateDiagnosis(ctx, doctor, d.ID, clinical.DiagnosisPatch{Name: &blank})
	assert.True(t, errors.Is(err, errs.ErrValidation))
}
