package reminder

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-careplan/internal/domain/medication"
	"github.com/drfirst/go-careplan/internal/domain/schedule"
	"github.com/drfirst/go-careplan/internal/infrastructure/redpanda"
)

// queue holds submitted jobs until run is called.
type queue struct {
	jobs []func(ctx context.Context) error
	errs []error
}

func (q *queue) Go(_, _ string, run func(ctx context.Context) error) {
	q.jobs = append(q.jobs, run)
}

func (q *queue) run() {
	jobs := q.jobs
	q.jobs = nil
	for _, j := range jobs {
		q.errs = append(q.errs, j(context.Background()))
	}
}

type fakeScheduler struct {
	scheduled map[string][]string
	payloads  map[string]Payload
	cancelled []string
	fail      error
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{scheduled: map[string][]string{}, payloads: map[string]Payload{}}
}

func (f *fakeScheduler) Schedule(_ context.Context, id string, times []string, p Payload) (Handle, error) {
	if f.fail != nil {
		return Handle{}, f.fail
	}
	f.scheduled[id] = times
	f.payloads[id] = p
	return Handle{ID: id, Ref: "ref-" + id}, nil
}

func (f *fakeScheduler) Cancel(_ context.Context, h Handle) error {
	f.cancelled = append(f.cancelled, h.Ref)
	return nil
}

func fixture() (*medication.Order, *schedule.DoseSchedule) {
	o := &medication.Order{ID: "o1", VisitID: "v1", DrugName: "Amoxicillin", Dose: "500 mg", MealRelation: medication.MealAfter}
	s := &schedule.DoseSchedule{ID: "s1", MedicationOrderID: "o1", Times: []string{"08:00", "14:00", "20:00"},
		DaysOfWeek: []time.Weekday{time.Monday, time.Thursday}, Timezone: "UTC"}
	return o, s
}

func TestDispatcherSchedulesAndCancels(t *testing.T) {
	q := &queue{}
	sched := newFakeScheduler()
	d := NewDispatcher(sched, q, nil, nil)

	var ops []string
	d.OnOutcome(func(op string, err error) { ops = append(ops, op) })

	o, s := fixture()
	d.Request(context.Background(), o, s)
	q.run()

	assert.Equal(t, []string{"08:00", "14:00", "20:00"}, sched.scheduled["s1"])
	p := sched.payloads["s1"]
	assert.Equal(t, "o1", p.OrderID)
	assert.Equal(t, "after", p.MealRelation)
	assert.Equal(t, []string{"Monday", "Thursday"}, p.DaysOfWeek)
	assert.Equal(t, 1, d.Pending())

	d.Cancel(context.Background(), "s1")
	q.run()
	assert.Equal(t, []string{"ref-s1"}, sched.cancelled)
	assert.Equal(t, 0, d.Pending())
	assert.Equal(t, []string{OpSchedule, OpCancel}, ops)
}

func TestDispatcherCancelsLateHandle(t *testing.T) {
	q := &queue{}
	sched := newFakeScheduler()
	d := NewDispatcher(sched, q, nil, nil)

	o, s := fixture()
	d.Request(context.Background(), o, s)
	// the order is stopped before the schedule job ran
	d.Cancel(context.Background(), "s1")
	q.run() // schedule job notices the withdrawal and queues a cancel
	q.run()

	assert.Equal(t, []string{"ref-s1"}, sched.cancelled)
	assert.Equal(t, 0, d.Pending())
}

func TestDispatcherReportsSchedulerFailure(t *testing.T) {
	q := &queue{}
	sched := newFakeScheduler()
	sched.fail = errors.New("scheduler down")
	d := NewDispatcher(sched, q, nil, nil)

	var failed error
	d.OnOutcome(func(_ string, err error) { failed = err })

	o, s := fixture()
	d.Request(context.Background(), o, s)
	q.run()

	require.Len(t, q.errs, 1)
	assert.Error(t, q.errs[0])
	assert.ErrorIs(t, failed, sched.fail)
	assert.Equal(t, 0, d.Pending())
}

type captureRow struct{ id int64 }

func (r captureRow) Scan(dest ...any) error {
	*dest[0].(*int64) = r.id
	*dest[1].(*time.Time) = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	return nil
}

type captureDB struct {
	args [][]any
}

func (c *captureDB) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	c.args = append(c.args, args)
	return captureRow{id: int64(len(c.args))}
}

func TestOutboxSchedulerWritesEntries(t *testing.T) {
	db := &captureDB{}
	s := NewOutboxScheduler(db)
	ctx := context.Background()

	o, sch := fixture()
	h, err := s.Schedule(ctx, "s1", sch.Times, PayloadFor(o, sch))
	require.NoError(t, err)
	assert.Equal(t, "s1", h.ID)
	assert.Equal(t, "o1/1", h.Ref)

	require.NoError(t, s.Cancel(ctx, h))
	require.Len(t, db.args, 2)

	// aggregate_id, aggregate_type, event_type, payload, topic, key
	first := db.args[0]
	assert.Equal(t, "s1", first[0])
	assert.Equal(t, EventScheduled, first[2])
	assert.Equal(t, redpanda.TopicCareReminders, first[4])
	assert.Equal(t, "o1", first[5])

	var msg Message
	require.NoError(t, json.Unmarshal(first[3].(json.RawMessage), &msg))
	assert.Equal(t, []string{"08:00", "14:00", "20:00"}, msg.TimesOfDay)
	assert.Equal(t, "Amoxicillin", msg.Payload.DrugName)

	second := db.args[1]
	assert.Equal(t, EventCancelled, second[2])
	assert.Equal(t, "o1", second[5])
}
