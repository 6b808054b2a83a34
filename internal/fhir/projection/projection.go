// Package projection renders care-plan records as read-only FHIR R5 resources.
package projection

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/drfirst/go-careplan/internal/domain/clinical"
	"github.com/drfirst/go-careplan/internal/domain/dose"
	"github.com/drfirst/go-careplan/internal/domain/medication"
	"github.com/drfirst/go-careplan/internal/domain/schedule"
	fhir "github.com/drfirst/go-careplan/internal/fhir/r5"
)

var weekdayCodes = [...]string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

var mealTiming = map[medication.MealRelation]string{
	medication.MealBefore: "AC",
	medication.MealAfter:  "PC",
	medication.MealWith:   "C",
}

// Ref builds a relative reference such as Patient/123
func Ref(resourceType, id string) fhir.Reference {
	return fhir.Reference{Reference: resourceType + "/" + id, Type: resourceType}
}

func identifier(id string) []fhir.Identifier {
	return []fhir.Identifier{{Use: "official", System: fhir.SystemCarePlanID, Value: id}}
}

func meta(version int, updated time.Time) *fhir.Meta {
	return &fhir.Meta{VersionID: strconv.Itoa(version), LastUpdated: updated.UTC()}
}

// MedicationRequest projects an order and its active schedule. s may be nil
// for as-needed orders. The subject is left for the caller, which knows the
// visit's patient.
func MedicationRequest(o *medication.Order, s *schedule.DoseSchedule) *fhir.MedicationRequest {
	mr := &fhir.MedicationRequest{
		ResourceType: "MedicationRequest",
		ID:           o.ID,
		Meta:         meta(o.Version, o.UpdatedAt),
		Identifier:   identifier(o.ID),
		Status:       requestStatus(o.Status),
		Intent:       fhir.IntentOrder,
		Medication: fhir.CodeableReference{
			Concept: &fhir.CodeableConcept{Text: medicationText(o)},
		},
		AuthoredOn: o.CreatedAt.UTC(),
	}
	enc := Ref("Encounter", o.VisitID)
	mr.Encounter = &enc
	if o.CreatedBy != "" {
		mr.Requester = &fhir.Reference{Display: o.CreatedBy}
	}

	switch o.Status {
	case medication.StatusStopped:
		if o.StopReason != "" {
			mr.StatusReason = &fhir.CodeableConcept{Text: o.StopReason}
		}
		mr.StatusChanged = o.StoppedAt
	case medication.StatusCompleted:
		mr.StatusChanged = o.CompletedAt
	}

	dosage := dosageFor(o, s)
	mr.DosageInstruction = []fhir.Dosage{dosage}
	mr.RenderedDosageInstruction = dosage.Text

	if o.MaxDailyDoses > 0 {
		mr.Extension = append(mr.Extension, fhir.Extension{
			URL:         fhir.ExtensionMaxDailyDose,
			ValueString: strconv.Itoa(o.MaxDailyDoses),
		})
	}
	return mr
}

func requestStatus(s medication.Status) string {
	switch s {
	case medication.StatusActive:
		return fhir.StatusActive
	case medication.StatusStopped:
		return fhir.StatusStopped
	case medication.StatusCompleted:
		return fhir.StatusCompleted
	default:
		return fhir.StatusUnknown
	}
}

func medicationText(o *medication.Order) string {
	parts := []string{o.DrugName}
	if o.Strength != "" {
		parts = append(parts, o.Strength)
	}
	if o.Form != "" {
		parts = append(parts, string(o.Form))
	}
	return strings.Join(parts, " ")
}

func dosageFor(o *medication.Order, s *schedule.DoseSchedule) fhir.Dosage {
	d := fhir.Dosage{
		PatientInstruction: o.Instructions,
		AsNeeded:           o.PRN,
	}
	if o.Route != "" {
		d.Route = &fhir.CodeableConcept{Text: o.Route}
	}
	if q := doseQuantity(o); q != nil {
		d.DoseAndRate = []fhir.DoseAndRate{{DoseQuantity: q}}
	}
	if o.PRN && o.MaxDailyDoses > 0 {
		d.MaxDosePerPeriod = []fhir.Ratio{{
			Numerator:   &fhir.Quantity{Value: float64(o.MaxDailyDoses)},
			Denominator: &fhir.Quantity{Value: 1, Unit: "d"},
		}}
	}

	repeat := &fhir.TimingRepeat{
		BoundsPeriod: &fhir.Period{Start: timePtr(o.StartDate), End: o.EndsAt()},
	}
	if when, ok := mealTiming[o.MealRelation]; ok {
		repeat.When = []string{when}
	}
	if s != nil {
		for _, t := range s.Times {
			repeat.TimeOfDay = append(repeat.TimeOfDay, timeOfDay(t))
		}
		for _, wd := range s.DaysOfWeek {
			repeat.DayOfWeek = append(repeat.DayOfWeek, weekdayCodes[wd])
		}
		repeat.Frequency = len(s.Times)
		repeat.Period = 1
		repeat.PeriodUnit = "d"
	}

	timing := &fhir.Timing{Repeat: repeat}
	if o.Frequency != "" {
		timing.Code = &fhir.CodeableConcept{
			Coding: []fhir.Coding{{System: fhir.SystemTimingAbbrev, Code: o.Frequency}},
			Text:   o.Frequency,
		}
	}
	d.Timing = timing
	d.Text = sig(o, repeat)
	return d
}

// timeOfDay renders HH:MM as the FHIR time type
func timeOfDay(hhmm string) string {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return hhmm + ":00"
	}
	return t.Format("15:04:05")
}

// doseQuantity reads a numeric dose; free-text doses stay in the sig only.
func doseQuantity(o *medication.Order) *fhir.Quantity {
	fields := strings.Fields(o.Dose)
	if len(fields) == 0 {
		return nil
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return nil
	}
	unit := strings.Join(fields[1:], " ")
	if unit == "" {
		unit = string(o.Form)
	}
	return &fhir.Quantity{Value: v, Unit: unit}
}

func sig(o *medication.Order, r *fhir.TimingRepeat) string {
	var b strings.Builder
	b.WriteString(o.Dose)
	if o.Route != "" {
		b.WriteString(" " + o.Route)
	}
	switch {
	case o.PRN:
		b.WriteString(" as needed")
		if o.MaxDailyDoses > 0 {
			fmt.Fprintf(&b, ", max %d per day", o.MaxDailyDoses)
		}
	case len(r.TimeOfDay) > 0:
		times := make([]string, len(r.TimeOfDay))
		for i, t := range r.TimeOfDay {
			times[i] = strings.TrimSuffix(t, ":00")
		}
		b.WriteString(" at " + strings.Join(times, ", "))
	}
	if len(r.DayOfWeek) > 0 {
		b.WriteString(" on " + strings.Join(r.DayOfWeek, ", "))
	}
	if o.MealRelation != "" && o.MealRelation != medication.MealAnytime {
		fmt.Fprintf(&b, " %s meals", o.MealRelation)
	}
	return b.String()
}

// MedicationAdministration projects a dose event of an order
func MedicationAdministration(e *dose.Event, o *medication.Order) *fhir.MedicationAdministration {
	ma := &fhir.MedicationAdministration{
		ResourceType: "MedicationAdministration",
		ID:           e.ID,
		Meta:         meta(e.Version, e.UpdatedAt),
		Identifier:   identifier(e.ID),
		Medication: fhir.CodeableReference{
			Concept: &fhir.CodeableConcept{Text: medicationText(o)},
		},
		Recorded: e.RecordedAt,
	}
	req := Ref("MedicationRequest", o.ID)
	ma.Request = &req
	enc := Ref("Encounter", o.VisitID)
	ma.Encounter = &enc

	occurred := e.PlannedAt
	switch e.Status {
	case dose.StatusDue:
		ma.Status = fhir.AdministrationInProgress
	case dose.StatusGiven:
		ma.Status = fhir.AdministrationCompleted
		if e.RecordedAt != nil {
			occurred = *e.RecordedAt
		}
	case dose.StatusMissed, dose.StatusSkipped:
		ma.Status = fhir.AdministrationNotDone
		reason := string(e.Status)
		if e.Note != "" {
			reason = e.Note
		}
		ma.StatusReason = []fhir.CodeableConcept{{Text: reason}}
	}
	ma.OccurenceDateTime = timePtr(occurred)

	if e.RecordedBy != "" {
		ma.Performer = []fhir.AdministrationPerformer{{
			Actor: fhir.CodeableReference{Reference: &fhir.Reference{Display: e.RecordedBy}},
		}}
	}

	ma.Dosage = &fhir.AdministrationDosage{Text: o.Dose, Dose: doseQuantity(o)}
	if o.Route != "" {
		ma.Dosage.Route = &fhir.CodeableConcept{Text: o.Route}
	}

	if e.Note != "" && e.Status == dose.StatusGiven {
		ma.Note = append(ma.Note, fhir.Annotation{Text: e.Note})
	}
	if e.AdverseReaction != "" {
		ma.Note = append(ma.Note, fhir.Annotation{Text: "adverse reaction: " + e.AdverseReaction})
	}
	if len(e.Vitals) > 0 {
		ma.Note = append(ma.Note, fhir.Annotation{Text: "vitals: " + vitalsText(e.Vitals)})
	}
	if e.Supersedes != "" {
		ma.PartOf = []fhir.Reference{Ref("MedicationAdministration", e.Supersedes)}
	}
	return ma
}

func vitalsText(v dose.Vitals) string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + v[k]
	}
	return strings.Join(parts, ", ")
}

// Patient projects a patient record
func Patient(p *clinical.Patient) *fhir.Patient {
	out := &fhir.Patient{
		ResourceType: "Patient",
		ID:           p.ID,
		Meta:         meta(p.Version, p.UpdatedAt),
		Identifier:   identifier(p.ID),
		Active:       p.Status == clinical.PatientActive,
		Name:         []fhir.HumanName{{Use: "official", Text: p.Name}},
		Telecom:      telecom(p.Contact),
	}
	if p.DateOfBirth != nil {
		out.BirthDate = p.DateOfBirth.Format("2006-01-02")
	}
	if p.Contact.Address != "" {
		out.Address = []fhir.Address{{Text: p.Contact.Address}}
	}
	for _, g := range p.GuardianContacts {
		c := fhir.PatientContact{Telecom: telecom(g)}
		if g.Relationship != "" {
			c.Relationship = []fhir.CodeableConcept{{Text: g.Relationship}}
		}
		if g.Name != "" {
			c.Name = &fhir.HumanName{Text: g.Name}
		}
		if g.Address != "" {
			c.Address = &fhir.Address{Text: g.Address}
		}
		out.Contact = append(out.Contact, c)
	}
	return out
}

// Allergies projects the patient's recorded allergies
func Allergies(p *clinical.Patient) []*fhir.AllergyIntolerance {
	out := make([]*fhir.AllergyIntolerance, 0, len(p.Allergies))
	for i, a := range p.Allergies {
		out = append(out, &fhir.AllergyIntolerance{
			ResourceType: "AllergyIntolerance",
			ID:           fmt.Sprintf("%s-allergy-%d", p.ID, i+1),
			Code:         fhir.CodeableConcept{Text: a},
			Patient:      Ref("Patient", p.ID),
		})
	}
	return out
}

func telecom(c clinical.Contact) []fhir.ContactPoint {
	var out []fhir.ContactPoint
	if c.Phone != "" {
		out = append(out, fhir.ContactPoint{System: "phone", Value: c.Phone})
	}
	if c.Email != "" {
		out = append(out, fhir.ContactPoint{System: "email", Value: c.Email})
	}
	return out
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
