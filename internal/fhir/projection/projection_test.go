package projection

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-careplan/internal/domain/clinical"
	"github.com/drfirst/go-careplan/internal/domain/dose"
	"github.com/drfirst/go-careplan/internal/domain/medication"
	"github.com/drfirst/go-careplan/internal/domain/schedule"
	fhir "github.com/drfirst/go-careplan/internal/fhir/r5"
)

var start = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func tidOrder() (*medication.Order, *schedule.DoseSchedule) {
	o := &medication.Order{
		ID:           "o1",
		Version:      2,
		VisitID:      "v1",
		DrugName:     "Amoxicillin",
		Strength:     "500mg",
		Form:         medication.FormCapsule,
		Dose:         "1",
		Route:        "oral",
		Frequency:    "TID",
		MealRelation: medication.MealAfter,
		StartDate:    start,
		DurationDays: 7,
		Status:       medication.StatusActive,
		ScheduleID:   "s1",
		CreatedAt:    start,
		UpdatedAt:    start,
	}
	s := &schedule.DoseSchedule{
		ID:                "s1",
		MedicationOrderID: "o1",
		Times:             []string{"08:00", "14:00", "20:00"},
		DaysOfWeek:        []time.Weekday{time.Monday, time.Thursday},
		Timezone:          "UTC",
	}
	return o, s
}

func TestMedicationRequestTiming(t *testing.T) {
	o, s := tidOrder()
	mr := MedicationRequest(o, s)

	assert.Equal(t, "MedicationRequest", mr.ResourceType)
	assert.Equal(t, fhir.StatusActive, mr.Status)
	assert.Equal(t, fhir.IntentOrder, mr.Intent)
	assert.Equal(t, "Encounter/v1", mr.Encounter.Reference)
	assert.Equal(t, "Amoxicillin 500mg capsule", mr.Medication.Concept.Text)

	require.Len(t, mr.DosageInstruction, 1)
	d := mr.DosageInstruction[0]
	assert.False(t, d.AsNeeded)
	assert.Equal(t, "TID", d.Timing.Code.Coding[0].Code)
	assert.Equal(t, []string{"08:00:00", "14:00:00", "20:00:00"}, d.Timing.Repeat.TimeOfDay)
	assert.Equal(t, []string{"mon", "thu"}, d.Timing.Repeat.DayOfWeek)
	assert.Equal(t, []string{"PC"}, d.Timing.Repeat.When)
	assert.Equal(t, 3, d.Timing.Repeat.Frequency)
	assert.Equal(t, start.AddDate(0, 0, 7), *d.Timing.Repeat.BoundsPeriod.End)
	assert.Equal(t, 1.0, d.DoseAndRate[0].DoseQuantity.Value)
	assert.Equal(t, "capsule", d.DoseAndRate[0].DoseQuantity.Unit)
	assert.Equal(t, "1 oral at 08:00, 14:00, 20:00 on mon, thu after meals", mr.RenderedDosageInstruction)
}

func TestMedicationRequestStatusMapping(t *testing.T) {
	cases := map[medication.Status]string{
		medication.StatusActive:    "active",
		medication.StatusStopped:   "stopped",
		medication.StatusCompleted: "completed",
	}
	for in, want := range cases {
		o, s := tidOrder()
		o.Status = in
		assert.Equal(t, want, MedicationRequest(o, s).Status)
	}

	o, s := tidOrder()
	stoppedAt := start.Add(36 * time.Hour)
	o.Status = medication.StatusStopped
	o.StopReason = "rash"
	o.StoppedAt = &stoppedAt
	mr := MedicationRequest(o, s)
	assert.Equal(t, "rash", mr.StatusReason.Text)
	assert.Equal(t, stoppedAt, *mr.StatusChanged)
}

func TestMedicationRequestPRN(t *testing.T) {
	o, _ := tidOrder()
	o.PRN = true
	o.Frequency = ""
	o.MealRelation = medication.MealWith
	o.MaxDailyDoses = 4

	mr := MedicationRequest(o, nil)
	d := mr.DosageInstruction[0]
	assert.True(t, d.AsNeeded)
	assert.Nil(t, d.Timing.Code)
	assert.Empty(t, d.Timing.Repeat.TimeOfDay)
	assert.Equal(t, []string{"C"}, d.Timing.Repeat.When)
	require.Len(t, d.MaxDosePerPeriod, 1)
	assert.Equal(t, 4.0, d.MaxDosePerPeriod[0].Numerator.Value)
	assert.Equal(t, "1 oral as needed, max 4 per day with meals", d.Text)
}

func TestMealRelationBeforeMapsToAC(t *testing.T) {
	o, s := tidOrder()
	o.MealRelation = medication.MealBefore
	assert.Equal(t, []string{"AC"}, MedicationRequest(o, s).DosageInstruction[0].Timing.Repeat.When)

	o.MealRelation = medication.MealAnytime
	assert.Empty(t, MedicationRequest(o, s).DosageInstruction[0].Timing.Repeat.When)
}

func TestMedicationAdministrationStatus(t *testing.T) {
	o, _ := tidOrder()
	planned := start.Add(8 * time.Hour)
	given := planned.Add(3 * time.Minute)

	due := &dose.Event{ID: "d1", OrderID: "o1", PlannedAt: planned, Status: dose.StatusDue}
	ma := MedicationAdministration(due, o)
	assert.Equal(t, fhir.AdministrationInProgress, ma.Status)
	assert.Equal(t, planned, *ma.OccurenceDateTime)
	assert.Equal(t, "MedicationRequest/o1", ma.Request.Reference)

	done := &dose.Event{
		ID: "d1", OrderID: "o1", PlannedAt: planned, Status: dose.StatusGiven,
		RecordedBy: "nurse-1", RecordedAt: &given, Note: "with water",
		Vitals: dose.Vitals{"pulse_bpm": "72", "blood_pressure": "120/80"},
	}
	ma = MedicationAdministration(done, o)
	assert.Equal(t, fhir.AdministrationCompleted, ma.Status)
	assert.Equal(t, given, *ma.OccurenceDateTime)
	assert.Equal(t, "nurse-1", ma.Performer[0].Actor.Reference.Display)
	require.Len(t, ma.Note, 2)
	assert.Equal(t, "vitals: blood_pressure=120/80, pulse_bpm=72", ma.Note[1].Text)

	skipped := &dose.Event{ID: "d2", OrderID: "o1", PlannedAt: planned, Status: dose.StatusSkipped, Note: "order stopped: rash"}
	ma = MedicationAdministration(skipped, o)
	assert.Equal(t, fhir.AdministrationNotDone, ma.Status)
	assert.Equal(t, "order stopped: rash", ma.StatusReason[0].Text)

	missed := &dose.Event{ID: "d3", OrderID: "o1", PlannedAt: planned, Status: dose.StatusMissed}
	assert.Equal(t, "missed", MedicationAdministration(missed, o).StatusReason[0].Text)
}

func TestPatientProjection(t *testing.T) {
	dob := time.Date(2019, 5, 14, 0, 0, 0, 0, time.UTC)
	p := &clinical.Patient{
		ID:          "p1",
		Name:        "Ada",
		DateOfBirth: &dob,
		Allergies:   []string{"penicillin"},
		Contact:     clinical.Contact{Phone: "555-0100", Address: "1 Main St"},
		GuardianContacts: []clinical.Contact{
			{Name: "Grace", Relationship: "mother", Email: "grace@example.org"},
		},
		Status: clinical.PatientActive,
	}

	out := Patient(p)
	assert.True(t, out.Active)
	assert.Equal(t, "2019-05-14", out.BirthDate)
	assert.Equal(t, "Ada", out.Name[0].Text)
	assert.Equal(t, "phone", out.Telecom[0].System)
	require.Len(t, out.Contact, 1)
	assert.Equal(t, "mother", out.Contact[0].Relationship[0].Text)
	assert.Equal(t, "grace@example.org", out.Contact[0].Telecom[0].Value)

	p.Status = clinical.PatientInactive
	data, err := json.Marshal(Patient(p))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"active":false`)

	allergies := Allergies(p)
	require.Len(t, allergies, 1)
	assert.Equal(t, "Patient/p1", allergies[0].Patient.Reference)
}
