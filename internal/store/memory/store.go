// Package memory provides the in-memory arena repository behind every domain
// lifecycle. Entities live in per-type maps keyed by id with parent indexes;
// updates are compare-and-swap on Version.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/drfirst/go-careplan/internal/domain/clinical"
	"github.com/drfirst/go-careplan/internal/domain/dose"
	"github.com/drfirst/go-careplan/internal/domain/errs"
	"github.com/drfirst/go-careplan/internal/domain/medication"
	"github.com/drfirst/go-careplan/internal/domain/schedule"
	"github.com/drfirst/go-careplan/internal/store"
)

// Store is a thread-safe arena of all care-plan entities
type Store struct {
	mu sync.RWMutex

	patients  map[string]*clinical.Patient
	visits    map[string]*clinical.Visit
	diagnoses map[string]*clinical.Diagnosis
	orders    map[string]*medication.Order
	schedules map[string]*schedule.DoseSchedule
	events    map[string]*dose.Event

	visitsByPatient  map[string][]string
	diagnosesByVisit map[string][]string
	ordersByVisit    map[string][]string
	schedulesByOrder map[string][]string
	eventsByOrder    map[string][]string
	eventsBySlot     map[string]string
}

// New creates an empty store
func New() *Store {
	s := &Store{}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.patients = make(map[string]*clinical.Patient)
	s.visits = make(map[string]*clinical.Visit)
	s.diagnoses = make(map[string]*clinical.Diagnosis)
	s.orders = make(map[string]*medication.Order)
	s.schedules = make(map[string]*schedule.DoseSchedule)
	s.events = make(map[string]*dose.Event)
	s.visitsByPatient = make(map[string][]string)
	s.diagnosesByVisit = make(map[string][]string)
	s.ordersByVisit = make(map[string][]string)
	s.schedulesByOrder = make(map[string][]string)
	s.eventsByOrder = make(map[string][]string)
	s.eventsBySlot = make(map[string]string)
}

func duplicate(entity, id string) error {
	return errs.InvalidState(id, "%s already exists", entity)
}

// checkVersion enforces the compare-and-swap precondition
func checkVersion(entity, id string, stored, expected int) error {
	if stored != expected {
		return errs.Conflict(entity, id, expected, stored)
	}
	return nil
}

// Patients

func (s *Store) InsertPatient(_ context.Context, p *clinical.Patient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.patients[p.ID]; ok {
		return duplicate("patient", p.ID)
	}
	p.Version = 1
	s.patients[p.ID] = p.Clone()
	return nil
}

func (s *Store) GetPatient(_ context.Context, id string) (*clinical.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patients[id]
	if !ok {
		return nil, errs.NotFound("patient", id)
	}
	return p.Clone(), nil
}

func (s *Store) UpdatePatient(_ context.Context, p *clinical.Patient, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.patients[p.ID]
	if !ok {
		return errs.NotFound("patient", p.ID)
	}
	if err := checkVersion("patient", p.ID, stored.Version, expectedVersion); err != nil {
		return err
	}
	p.Version = expectedVersion + 1
	s.patients[p.ID] = p.Clone()
	return nil
}

// Visits

func (s *Store) InsertVisit(_ context.Context, v *clinical.Visit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.visits[v.ID]; ok {
		return duplicate("visit", v.ID)
	}
	if _, ok := s.patients[v.PatientID]; !ok {
		return errs.NotFound("patient", v.PatientID)
	}
	v.Version = 1
	s.visits[v.ID] = v.Clone()
	s.visitsByPatient[v.PatientID] = append(s.visitsByPatient[v.PatientID], v.ID)
	return nil
}

func (s *Store) GetVisit(_ context.Context, id string) (*clinical.Visit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.visits[id]
	if !ok {
		return nil, errs.NotFound("visit", id)
	}
	return v.Clone(), nil
}

func (s *Store) UpdateVisit(_ context.Context, v *clinical.Visit, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.visits[v.ID]
	if !ok {
		return errs.NotFound("visit", v.ID)
	}
	if err := checkVersion("visit", v.ID, stored.Version, expectedVersion); err != nil {
		return err
	}
	if stored.PatientID != v.PatientID {
		return errs.Validation("patient_id", "patient_id cannot change")
	}
	v.Version = expectedVersion + 1
	s.visits[v.ID] = v.Clone()
	return nil
}

func (s *Store) ListVisits(_ context.Context, patientID string) ([]*clinical.Visit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.visitsByPatient[patientID]
	out := make([]*clinical.Visit, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.visits[id].Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// Diagnoses

func (s *Store) InsertDiagnosis(_ context.Context, d *clinical.Diagnosis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.diagnoses[d.ID]; ok {
		return duplicate("diagnosis", d.ID)
	}
	if _, ok := s.visits[d.VisitID]; !ok {
		return errs.NotFound("visit", d.VisitID)
	}
	d.Version = 1
	s.diagnoses[d.ID] = d.Clone()
	s.diagnosesByVisit[d.VisitID] = append(s.diagnosesByVisit[d.VisitID], d.ID)
	return nil
}

func (s *Store) GetDiagnosis(_ context.Context, id string) (*clinical.Diagnosis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.diagnoses[id]
	if !ok {
		return nil, errs.NotFound("diagnosis", id)
	}
	return d.Clone(), nil
}

func (s *Store) UpdateDiagnosis(_ context.Context, d *clinical.Diagnosis, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.diagnoses[d.ID]
	if !ok {
		return errs.NotFound("diagnosis", d.ID)
	}
	if err := checkVersion("diagnosis", d.ID, stored.Version, expectedVersion); err != nil {
		return err
	}
	if stored.VisitID != d.VisitID {
		return errs.Validation("visit_id", "visit_id cannot change")
	}
	d.Version = expectedVersion + 1
	s.diagnoses[d.ID] = d.Clone()
	return nil
}

func (s *Store) ListDiagnoses(_ context.Context, visitID string) ([]*clinical.Diagnosis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.diagnosesByVisit[visitID]
	out := make([]*clinical.Diagnosis, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.diagnoses[id].Clone())
	}
	return out, nil
}

// Orders

func (s *Store) InsertOrder(_ context.Context, o *medication.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return duplicate("order", o.ID)
	}
	if _, ok := s.visits[o.VisitID]; !ok {
		return errs.NotFound("visit", o.VisitID)
	}
	o.Version = 1
	s.orders[o.ID] = o.Clone()
	s.ordersByVisit[o.VisitID] = append(s.ordersByVisit[o.VisitID], o.ID)
	return nil
}

func (s *Store) GetOrder(_ context.Context, id string) (*medication.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, errs.NotFound("order", id)
	}
	return o.Clone(), nil
}

func (s *Store) UpdateOrder(_ context.Context, o *medication.Order, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.orders[o.ID]
	if !ok {
		return errs.NotFound("order", o.ID)
	}
	if err := checkVersion("order", o.ID, stored.Version, expectedVersion); err != nil {
		return err
	}
	if stored.VisitID != o.VisitID {
		return errs.Validation("visit_id", "visit_id cannot change")
	}
	o.Version = expectedVersion + 1
	s.orders[o.ID] = o.Clone()
	return nil
}

func (s *Store) ListOrders(_ context.Context, visitID string) ([]*medication.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.ordersByVisit[visitID]
	out := make([]*medication.Order, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.orders[id].Clone())
	}
	return out, nil
}

// Schedules

func (s *Store) InsertSchedule(_ context.Context, sc *schedule.DoseSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[sc.ID]; ok {
		return duplicate("schedule", sc.ID)
	}
	if _, ok := s.orders[sc.MedicationOrderID]; !ok {
		return errs.NotFound("order", sc.MedicationOrderID)
	}
	sc.Version = 1
	s.schedules[sc.ID] = sc.Clone()
	s.schedulesByOrder[sc.MedicationOrderID] = append(s.schedulesByOrder[sc.MedicationOrderID], sc.ID)
	return nil
}

func (s *Store) GetSchedule(_ context.Context, id string) (*schedule.DoseSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.schedules[id]
	if !ok {
		return nil, errs.NotFound("schedule", id)
	}
	return sc.Clone(), nil
}

func (s *Store) UpdateSchedule(_ context.Context, sc *schedule.DoseSchedule, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.schedules[sc.ID]
	if !ok {
		return errs.NotFound("schedule", sc.ID)
	}
	if err := checkVersion("schedule", sc.ID, stored.Version, expectedVersion); err != nil {
		return err
	}
	sc.Version = expectedVersion + 1
	s.schedules[sc.ID] = sc.Clone()
	return nil
}

func (s *Store) ListSchedules(_ context.Context, orderID string) ([]*schedule.DoseSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.schedulesByOrder[orderID]
	out := make([]*schedule.DoseSchedule, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.schedules[id].Clone())
	}
	return out, nil
}

// Dose events

func (s *Store) InsertEvent(_ context.Context, e *dose.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[e.ID]; ok {
		return duplicate("dose", e.ID)
	}
	o, ok := s.orders[e.OrderID]
	if !ok {
		return errs.NotFound("order", e.OrderID)
	}
	// checked under the arena lock so an insert cannot land after a stop commits
	if !o.Active() {
		return errs.InvalidState(o.ID, "order is %s", o.Status)
	}
	if e.Slotted() {
		key := dose.SlotKey(e.ScheduleID, e.PlannedAt)
		if existing, ok := s.eventsBySlot[key]; ok {
			return fmt.Errorf("%w: %s", dose.ErrDuplicateSlot, existing)
		}
		s.eventsBySlot[key] = e.ID
	}
	e.Version = 1
	s.events[e.ID] = e.Clone()
	s.eventsByOrder[e.OrderID] = append(s.eventsByOrder[e.OrderID], e.ID)
	return nil
}

func (s *Store) GetEvent(_ context.Context, id string) (*dose.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return nil, errs.NotFound("dose", id)
	}
	return e.Clone(), nil
}

func (s *Store) UpdateEvent(_ context.Context, e *dose.Event, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.events[e.ID]
	if !ok {
		return errs.NotFound("dose", e.ID)
	}
	if err := checkVersion("dose", e.ID, stored.Version, expectedVersion); err != nil {
		return err
	}
	if stored.OrderID != e.OrderID || stored.ScheduleID != e.ScheduleID || !stored.PlannedAt.Equal(e.PlannedAt) {
		return errs.Validation("planned_at", "dose slot cannot change")
	}
	e.Version = expectedVersion + 1
	s.events[e.ID] = e.Clone()
	return nil
}

func (s *Store) ListEvents(_ context.Context, orderID string) ([]*dose.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.eventsByOrder[orderID]
	out := make([]*dose.Event, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.events[id].Clone())
	}
	return out, nil
}

// Export copies every entity into a snapshot. The audit log is owned by the
// audit logger and is attached by the caller.
func (s *Store) Export(scope string) *store.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &store.Snapshot{FormatVersion: store.SnapshotVersion, Scope: scope}
	for _, p := range s.patients {
		snap.Patients = append(snap.Patients, p.Clone())
	}
	for _, v := range s.visits {
		snap.Visits = append(snap.Visits, v.Clone())
	}
	for _, d := range s.diagnoses {
		snap.Diagnoses = append(snap.Diagnoses, d.Clone())
	}
	for _, o := range s.orders {
		snap.Orders = append(snap.Orders, o.Clone())
	}
	for _, sc := range s.schedules {
		snap.Schedules = append(snap.Schedules, sc.Clone())
	}
	for _, e := range s.events {
		snap.Events = append(snap.Events, e.Clone())
	}

	sort.Slice(snap.Patients, func(i, j int) bool { return snap.Patients[i].CreatedAt.Before(snap.Patients[j].CreatedAt) })
	sort.Slice(snap.Visits, func(i, j int) bool { return snap.Visits[i].CreatedAt.Before(snap.Visits[j].CreatedAt) })
	sort.Slice(snap.Diagnoses, func(i, j int) bool { return snap.Diagnoses[i].CreatedAt.Before(snap.Diagnoses[j].CreatedAt) })
	sort.Slice(snap.Orders, func(i, j int) bool { return snap.Orders[i].CreatedAt.Before(snap.Orders[j].CreatedAt) })
	sort.Slice(snap.Schedules, func(i, j int) bool { return snap.Schedules[i].CreatedAt.Before(snap.Schedules[j].CreatedAt) })
	sort.Slice(snap.Events, func(i, j int) bool { return snap.Events[i].PlannedAt.Before(snap.Events[j].PlannedAt) })
	return snap
}

// Import replaces the store contents with a snapshot, rebuilding indexes.
// Records whose parent is missing are rejected.
func (s *Store) Import(snap *store.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	if snap == nil {
		return nil
	}

	for _, p := range snap.Patients {
		s.patients[p.ID] = p.Clone()
	}
	for _, v := range snap.Visits {
		if _, ok := s.patients[v.PatientID]; !ok {
			return fmt.Errorf("import visit %s: patient %s missing", v.ID, v.PatientID)
		}
		s.visits[v.ID] = v.Clone()
		s.visitsByPatient[v.PatientID] = append(s.visitsByPatient[v.PatientID], v.ID)
	}
	for _, d := range snap.Diagnoses {
		if _, ok := s.visits[d.VisitID]; !ok {
			return fmt.Errorf("import diagnosis %s: visit %s missing", d.ID, d.VisitID)
		}
		s.diagnoses[d.ID] = d.Clone()
		s.diagnosesByVisit[d.VisitID] = append(s.diagnosesByVisit[d.VisitID], d.ID)
	}
	for _, o := range snap.Orders {
		if _, ok := s.visits[o.VisitID]; !ok {
			return fmt.Errorf("import order %s: visit %s missing", o.ID, o.VisitID)
		}
		s.orders[o.ID] = o.Clone()
		s.ordersByVisit[o.VisitID] = append(s.ordersByVisit[o.VisitID], o.ID)
	}
	for _, sc := range snap.Schedules {
		if _, ok := s.orders[sc.MedicationOrderID]; !ok {
			return fmt.Errorf("import schedule %s: order %s missing", sc.ID, sc.MedicationOrderID)
		}
		s.schedules[sc.ID] = sc.Clone()
		s.schedulesByOrder[sc.MedicationOrderID] = append(s.schedulesByOrder[sc.MedicationOrderID], sc.ID)
	}
	for _, e := range snap.Events {
		if _, ok := s.orders[e.OrderID]; !ok {
			return fmt.Errorf("import dose %s: order %s missing", e.ID, e.OrderID)
		}
		s.events[e.ID] = e.Clone()
		s.eventsByOrder[e.OrderID] = append(s.eventsByOrder[e.OrderID], e.ID)
		if e.Slotted() {
			s.eventsBySlot[dose.SlotKey(e.ScheduleID, e.PlannedAt)] = e.ID
		}
	}
	return nil
}

// Counts returns the number of stored entities per type
func (s *Store) Counts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]int{
		"patients":  len(s.patients),
		"visits":    len(s.visits),
		"diagnoses": len(s.diagnoses),
		"orders":    len(s.orders),
		"schedules": len(s.schedules),
		"events":    len(s.events),
	}
}
