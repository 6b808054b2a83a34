package reminder

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/drfirst/go-careplan/internal/domain/medication"
	"github.com/drfirst/go-careplan/internal/domain/schedule"
)

// Submitter runs background jobs; *workerpool.Pool implements it.
type Submitter interface {
	Go(name, key string, run func(ctx context.Context) error)
}

// Guard wraps calls to the scheduler; *circuitbreaker.Breaker implements it.
type Guard interface {
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
}

// Outcome observes each finished scheduler call.
type Outcome func(op string, err error)

const (
	OpSchedule = "schedule"
	OpCancel   = "cancel"
)

type passthrough struct{}

func (passthrough) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// Dispatcher adapts a Scheduler to the medication lifecycle. It remembers the
// handle returned for each schedule so a later cancel can reach it, and
// cancels handles that arrive after their schedule was already withdrawn.
type Dispatcher struct {
	scheduler Scheduler
	jobs      Submitter
	guard     Guard
	logger    *zap.Logger

	mu        sync.Mutex
	handles   map[string]Handle
	withdrawn map[string]bool
	outcomes  []Outcome
}

var _ medication.Reminders = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher. guard may be nil.
func NewDispatcher(s Scheduler, jobs Submitter, guard Guard, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if guard == nil {
		guard = passthrough{}
	}
	return &Dispatcher{
		scheduler: s,
		jobs:      jobs,
		guard:     guard,
		logger:    logger,
		handles:   make(map[string]Handle),
		withdrawn: make(map[string]bool),
	}
}

// OnOutcome registers an observer.
func (d *Dispatcher) OnOutcome(fn Outcome) {
	d.mu.Lock()
	d.outcomes = append(d.outcomes, fn)
	d.mu.Unlock()
}

// Request schedules reminders for s in the background.
func (d *Dispatcher) Request(_ context.Context, o *medication.Order, s *schedule.DoseSchedule) {
	payload := PayloadFor(o, s)
	times := append([]string(nil), s.Times...)
	scheduleID := s.ID

	d.jobs.Go("reminder.schedule", scheduleID, func(ctx context.Context) error {
		var h Handle
		err := d.guard.Execute(ctx, func(ctx context.Context) error {
			var err error
			h, err = d.scheduler.Schedule(ctx, scheduleID, times, payload)
			return err
		})
		d.report(OpSchedule, err)
		if err != nil {
			return fmt.Errorf("schedule reminder %s: %w", scheduleID, err)
		}

		d.mu.Lock()
		if d.withdrawn[scheduleID] {
			delete(d.withdrawn, scheduleID)
			d.mu.Unlock()
			d.logger.Info("reminder scheduled after its schedule was withdrawn; cancelling",
				zap.String("schedule_id", scheduleID))
			d.cancelHandle(scheduleID, h)
			return nil
		}
		d.handles[scheduleID] = h
		d.mu.Unlock()

		d.logger.Debug("reminder scheduled",
			zap.String("schedule_id", scheduleID),
			zap.String("order_id", payload.OrderID),
			zap.Strings("times", times))
		return nil
	})
}

// Cancel withdraws the reminders of a schedule in the background.
func (d *Dispatcher) Cancel(_ context.Context, scheduleID string) {
	d.mu.Lock()
	h, ok := d.handles[scheduleID]
	if ok {
		delete(d.handles, scheduleID)
	} else {
		d.withdrawn[scheduleID] = true
	}
	d.mu.Unlock()

	if ok {
		d.cancelHandle(scheduleID, h)
	}
}

func (d *Dispatcher) cancelHandle(scheduleID string, h Handle) {
	d.jobs.Go("reminder.cancel", scheduleID, func(ctx context.Context) error {
		err := d.guard.Execute(ctx, func(ctx context.Context) error {
			return d.scheduler.Cancel(ctx, h)
		})
		d.report(OpCancel, err)
		if err != nil {
			return fmt.Errorf("cancel reminder %s: %w", scheduleID, err)
		}
		return nil
	})
}

// Pending returns how many schedules currently hold a reminder handle.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handles)
}

func (d *Dispatcher) report(op string, err error) {
	d.mu.Lock()
	observers := append([]Outcome(nil), d.outcomes...)
	d.mu.Unlock()
	for _, fn := range observers {
		fn(op, err)
	}
}
