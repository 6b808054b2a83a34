package medication_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-careplan/internal/domain/audit"
	"github.com/drfirst/go-careplan/internal/domain/clinical"
	"github.com/drfirst/go-careplan/internal/domain/errs"
	"github.com/drfirst/go-careplan/internal/domain/medication"
	"github.com/drfirst/go-careplan/internal/domain/schedule"
	"github.com/drfirst/go-careplan/internal/store/memory"
	"github.com/drfirst/go-careplan/pkg/clock"
)

var doctor = audit.Actor{ID: "dr-1", Name: "Dr. Grey", Role: "clinician"}

type reminderCall struct {
	op         string
	scheduleID string
	times      []string
}

type recordingReminders struct {
	mu    sync.Mutex
	calls []reminderCall
}

func (r *recordingReminders) Request(_ context.Context, _ *medication.Order, s *schedule.DoseSchedule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, reminderCall{op: "request", scheduleID: s.ID, times: s.Times})
}

func (r *recordingReminders) Cancel(_ context.Context, scheduleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, reminderCall{op: "cancel", scheduleID: scheduleID})
}

type fixture struct {
	orders    *medication.Lifecycle
	clinical  *clinical.Store
	audit     *audit.Logger
	clock     *clock.Manual
	reminders *recordingReminders
	visitID   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC))
	log := audit.NewLogger(audit.DefaultConfig(), clk, nil)
	repo := memory.New()

	cs := clinical.NewStore(repo, log, clk, nil)
	p, err := cs.CreatePatient(ctx, doctor, clinical.PatientInput{Name: "P1"})
	require.NoError(t, err)
	v, err := cs.CreateVisit(ctx, doctor, clinical.VisitInput{PatientID: p.ID, Date: clk.Now()})
	require.NoError(t, err)

	rem := &recordingReminders{}
	lc := medication.NewLifecycle(medication.DefaultConfig(), repo, repo, log, clk, nil)
	lc.SetReminders(rem)

	return &fixture{orders: lc, clinical: cs, audit: log, clock: clk, reminders: rem, visitID: v.ID}
}

func amoxicillin() medication.OrderInput {
	return medication.OrderInput{
		DrugName:  "Amoxicillin",
		Strength:  "500mg",
		Form:      medication.FormCapsule,
		Dose:      "1",
		Route:     "oral",
		Frequency: "TID",
	}
}

func TestCreateOrderDerivesTIDSchedule(t *testing.T) {
	f := newFixture(t)

	o, s, err := f.orders.CreateOrder(context.Background(), doctor, f.visitID, amoxicillin())
	require.NoError(t, err)

	assert.Equal(t, medication.StatusActive, o.Status)
	assert.Equal(t, medication.MealAnytime, o.MealRelation)
	require.NotNil(t, s)
	assert.Equal(t, []string{"08:00", "14:00", "20:00"}, s.Times)
	assert.Equal(t, o.ID, s.MedicationOrderID)
	assert.Equal(t, s.ID, o.ScheduleID)
	assert.Equal(t, "UTC", s.Timezone)

	active, err := f.orders.ActiveSchedule(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, active.ID)

	assert.Len(t, f.audit.Query(audit.Filter{EntityType: audit.EntityMedication, Action: audit.ActionCreate}), 1)
	assert.Len(t, f.audit.Query(audit.Filter{EntityType: audit.EntityPrescription, Action: audit.ActionCreate}), 1)

	require.Len(t, f.reminders.calls, 1)
	assert.Equal(t, "request", f.reminders.calls[0].op)
}

func TestCreateOrderExplicitTimesWin(t *testing.T) {
	f := newFixture(t)
	in := amoxicillin()
	in.Frequency = "Q4H"
	in.Times = []string{"22:00", "07:00"}
	in.DaysOfWeek = []string{"mon", "thu"}

	o, s, err := f.orders.CreateOrder(context.Background(), doctor, f.visitID, in)
	require.NoError(t, err)
	assert.Equal(t, []string{"07:00", "22:00"}, s.Times)
	assert.Equal(t, []time.Weekday{time.Monday, time.Thursday}, s.DaysOfWeek)
	assert.Equal(t, []string{"07:00", "22:00"}, o.Times)
}

func TestCreateOrderValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := map[string]func(in *medication.OrderInput){
		"drug_name":       func(in *medication.OrderInput) { in.DrugName = "" },
		"dose":            func(in *medication.OrderInput) { in.Dose = " " },
		"frequency":       func(in *medication.OrderInput) { in.Frequency = "Q4H" },
		"form":            func(in *medication.OrderInput) { in.Form = "patch" },
		"times":           func(in *medication.OrderInput) { in.Times = []string{"25:00"} },
		"days_of_week":    func(in *medication.OrderInput) { in.DaysOfWeek = []string{"caturday"} },
		"max_daily_doses": func(in *medication.OrderInput) { in.MaxDailyDoses = 3 },
		"timezone":        func(in *medication.OrderInput) { in.Timezone = "Nowhere/City" },
	}
	for field, mutate := range cases {
		t.Run(field, func(t *testing.T) {
			in := amoxicillin()
			mutate(&in)
			_, _, err := f.orders.CreateOrder(ctx, doctor, f.visitID, in)
			e, ok := errs.As(err)
			require.True(t, ok, "%v", err)
			assert.Equal(t, errs.KindValidation, e.Kind)
			assert.Equal(t, field, e.Field)
		})
	}

	_, _, err := f.orders.CreateOrder(ctx, doctor, "no-such-visit", amoxicillin())
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, "visit_id", e.Field)
}

func TestCreatePRNOrderHasNoSchedule(t *testing.T) {
	f := newFixture(t)
	o, s, err := f.orders.CreateOrder(context.Background(), doctor, f.visitID, medication.OrderInput{
		DrugName:      "Paracetamol",
		Dose:          "500 mg",
		PRN:           true,
		MaxDailyDoses: 4,
	})
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.True(t, o.PRN)
	assert.Empty(t, f.reminders.calls)

	_, err = f.orders.ActiveSchedule(context.Background(), o.ID)
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestUpdateOrderRegeneratesSchedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, first, err := f.orders.CreateOrder(ctx, doctor, f.visitID, amoxicillin())
	require.NoError(t, err)

	freq := "bid"
	updated, err := f.orders.UpdateOrder(ctx, doctor, o.ID, medication.OrderPatch{Frequency: &freq})
	require.NoError(t, err)
	assert.Equal(t, "BID", updated.Frequency)
	assert.NotEqual(t, first.ID, updated.ScheduleID)

	active, err := f.orders.ActiveSchedule(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"09:00", "21:00"}, active.Times)

	old, err := f.orders.GetSchedule(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, old.Superseded)
	require.NotNil(t, old.SupersededAt)

	all, err := f.orders.ListSchedules(ctx, o.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	ops := make([]string, 0, len(f.reminders.calls))
	for _, c := range f.reminders.calls {
		ops = append(ops, c.op)
	}
	assert.Equal(t, []string{"request", "cancel", "request"}, ops)
	assert.Equal(t, first.ID, f.reminders.calls[1].scheduleID)
}

// flakyRepo fails schedule inserts or loses order updates on demand
type flakyRepo struct {
	*memory.Store
	mu            sync.Mutex
	failSchedules bool
	conflicts     int
}

func (r *flakyRepo) InsertSchedule(ctx context.Context, s *schedule.DoseSchedule) error {
	r.mu.Lock()
	fail := r.failSchedules
	r.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return r.Store.InsertSchedule(ctx, s)
}

func (r *flakyRepo) UpdateOrder(ctx context.Context, o *medication.Order, expectedVersion int) error {
	r.mu.Lock()
	if r.conflicts > 0 {
		r.conflicts--
		r.mu.Unlock()
		return errs.Conflict("medication", o.ID, expectedVersion, expectedVersion+1)
	}
	r.mu.Unlock()
	return r.Store.UpdateOrder(ctx, o, expectedVersion)
}

func newFlakyLifecycle(t *testing.T) (*medication.Lifecycle, *flakyRepo, *audit.Logger, string) {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC))
	log := audit.NewLogger(audit.DefaultConfig(), clk, nil)
	repo := &flakyRepo{Store: memory.New()}

	cs := clinical.NewStore(repo.Store, log, clk, nil)
	p, err := cs.CreatePatient(ctx, doctor, clinical.PatientInput{Name: "P1"})
	require.NoError(t, err)
	v, err := cs.CreateVisit(ctx, doctor, clinical.VisitInput{PatientID: p.ID, Date: clk.Now()})
	require.NoError(t, err)

	return medication.NewLifecycle(medication.DefaultConfig(), repo, repo.Store, log, clk, nil), repo, log, v.ID
}

func TestUpdateOrderKeepsScheduleWhenInsertFails(t *testing.T) {
	lc, repo, log, visitID := newFlakyLifecycle(t)
	ctx := context.Background()
	o, first, err := lc.CreateOrder(ctx, doctor, visitID, amoxicillin())
	require.NoError(t, err)

	repo.failSchedules = true
	freq := "BID"
	_, err = lc.UpdateOrder(ctx, doctor, o.ID, medication.OrderPatch{Frequency: &freq})
	require.Error(t, err)

	got, err := lc.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ScheduleID)
	assert.Equal(t, "TID", got.Frequency)
	assert.Equal(t, 1, got.Version)

	active, err := lc.ActiveSchedule(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, active.ID)
	assert.Empty(t, log.Query(audit.Filter{EntityID: o.ID, Action: audit.ActionUpdate}))
}

func TestUpdateOrderRetiresScheduleOfLostAttempt(t *testing.T) {
	lc, repo, _, visitID := newFlakyLifecycle(t)
	ctx := context.Background()
	o, first, err := lc.CreateOrder(ctx, doctor, visitID, amoxicillin())
	require.NoError(t, err)

	repo.conflicts = 1
	freq := "BID"
	updated, err := lc.UpdateOrder(ctx, doctor, o.ID, medication.OrderPatch{Frequency: &freq})
	require.NoError(t, err)

	active, err := lc.ActiveSchedule(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, updated.ScheduleID, active.ID)
	assert.Equal(t, []string{"09:00", "21:00"}, active.Times)

	all, err := lc.ListSchedules(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, all, 3)
	inForce := 0
	for _, s := range all {
		if !s.Superseded {
			inForce++
			assert.Equal(t, updated.ScheduleID, s.ID)
		}
	}
	assert.Equal(t, 1, inForce)

	old, err := lc.GetSchedule(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, old.Superseded)
}

func TestUpdateOrderNotifiesRescheduleListeners(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, first, err := f.orders.CreateOrder(ctx, doctor, f.visitID, amoxicillin())
	require.NoError(t, err)

	var got []string
	f.orders.OnReschedule(func(_ context.Context, actor audit.Actor, order *medication.Order, previous, next *schedule.DoseSchedule) {
		assert.Equal(t, doctor.ID, actor.ID)
		assert.True(t, previous.Superseded)
		assert.Equal(t, order.ScheduleID, next.ID)
		got = append(got, previous.ID, next.ID)
	})

	note := "with food"
	_, err = f.orders.UpdateOrder(ctx, doctor, o.ID, medication.OrderPatch{Instructions: &note})
	require.NoError(t, err)
	assert.Empty(t, got)

	freq := "QID"
	updated, err := f.orders.UpdateOrder(ctx, doctor, o.ID, medication.OrderPatch{Frequency: &freq})
	require.NoError(t, err)
	assert.Equal(t, []string{first.ID, updated.ScheduleID}, got)
}

func TestUpdateOrderWithoutScheduleChangeKeepsSchedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, s, err := f.orders.CreateOrder(ctx, doctor, f.visitID, amoxicillin())
	require.NoError(t, err)

	note := "take with food"
	updated, err := f.orders.UpdateOrder(ctx, doctor, o.ID, medication.OrderPatch{Instructions: &note})
	require.NoError(t, err)
	assert.Equal(t, s.ID, updated.ScheduleID)
	assert.Equal(t, note, updated.Instructions)
	assert.Equal(t, 2, updated.Version)
}

func TestTerminalOrdersRejectChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, _, err := f.orders.CreateOrder(ctx, doctor, f.visitID, amoxicillin())
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	stopped, err := f.orders.StopOrder(ctx, doctor, o.ID, "rash")
	require.NoError(t, err)
	assert.Equal(t, medication.StatusStopped, stopped.Status)
	require.NotNil(t, stopped.StoppedAt)
	stoppedAt := *stopped.StoppedAt

	nurse := audit.Actor{ID: "nurse-1", Name: "Nurse"}
	f.clock.Advance(time.Hour)
	_, err = f.orders.StopOrder(ctx, nurse, o.ID, "duplicate stop")
	assert.True(t, errors.Is(err, errs.ErrInvalidState))

	note := "changed"
	_, err = f.orders.UpdateOrder(ctx, doctor, o.ID, medication.OrderPatch{Instructions: &note})
	assert.True(t, errors.Is(err, errs.ErrInvalidState))

	_, err = f.orders.CompleteOrder(ctx, doctor, o.ID)
	assert.True(t, errors.Is(err, errs.ErrInvalidState))

	got, err := f.orders.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "rash", got.StopReason)
	assert.Equal(t, "dr-1", got.StoppedBy)
	assert.True(t, stoppedAt.Equal(*got.StoppedAt))
	assert.Empty(t, got.Instructions)

	entries := f.audit.Query(audit.Filter{EntityID: o.ID, Action: audit.ActionStopped})
	require.Len(t, entries, 1)
	assert.Equal(t, "rash", entries[0].Note)
}

func TestStopRequiresReasonAndNotifiesListeners(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, s, err := f.orders.CreateOrder(ctx, doctor, f.visitID, amoxicillin())
	require.NoError(t, err)

	var closed []*medication.Order
	f.orders.OnClose(func(_ context.Context, _ audit.Actor, o *medication.Order) {
		closed = append(closed, o)
	})

	_, err = f.orders.StopOrder(ctx, doctor, o.ID, "  ")
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, "reason", e.Field)
	assert.Empty(t, closed)

	_, err = f.orders.StopOrder(ctx, doctor, o.ID, "course changed")
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, medication.StatusStopped, closed[0].Status)

	last := f.reminders.calls[len(f.reminders.calls)-1]
	assert.Equal(t, "cancel", last.op)
	assert.Equal(t, s.ID, last.scheduleID)
}

func TestCompleteOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, _, err := f.orders.CreateOrder(ctx, doctor, f.visitID, amoxicillin())
	require.NoError(t, err)

	done, err := f.orders.CompleteOrder(ctx, doctor, o.ID)
	require.NoError(t, err)
	assert.Equal(t, medication.StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	_, err = f.orders.StopOrder(ctx, doctor, o.ID, "late")
	assert.True(t, errors.Is(err, errs.ErrInvalidState))
	assert.Len(t, f.audit.Query(audit.Filter{EntityID: o.ID, Action: audit.ActionCompleted}), 1)
}

func TestConcurrentStopSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, _, err := f.orders.CreateOrder(ctx, doctor, f.visitID, amoxicillin())
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		invalid int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orders.StopOrder(ctx, doctor, o.ID, "stop")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, errs.ErrInvalidState):
				invalid++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, invalid)
}

func TestListOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, err := f.orders.CreateOrder(ctx, doctor, f.visitID, amoxicillin())
	require.NoError(t, err)

	orders, err := f.orders.ListOrders(ctx, f.visitID)
	require.NoError(t, err)
	assert.Len(t, orders, 1)

	_, err = f.orders.ListOrders(ctx, "missing")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}
