package medication

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-careplan/internal/domain/audit"
	"github.com/drfirst/go-careplan/internal/domain/cas"
	"github.com/drfirst/go-careplan/internal/domain/errs"
	"github.com/drfirst/go-careplan/internal/domain/schedule"
	"github.com/drfirst/go-careplan/pkg/clock"
)

// Config holds lifecycle configuration
type Config struct {
	// Timezone is used for schedules when the order does not name one
	Timezone string
	// Attempts bounds compare-and-swap retries
	Attempts int
}

// DefaultConfig returns the default lifecycle configuration
func DefaultConfig() Config {
	return Config{
		Timezone: "UTC",
		Attempts: cas.DefaultAttempts,
	}
}

// Lifecycle owns medication order state and the schedules derived from it
type Lifecycle struct {
	cfg       Config
	repo      Repository
	visits    VisitLookup
	audit     *audit.Logger
	reminders Reminders
	clock     clock.Clock
	logger    *zap.Logger
	tracer    trace.Tracer

	locks cas.Locks

	mu          sync.RWMutex
	listeners   []CloseListener
	rescheduled []RescheduleListener
}

// NewLifecycle creates a medication order lifecycle
func NewLifecycle(cfg Config, repo Repository, visits VisitLookup, auditLog *audit.Logger, clk clock.Clock, logger *zap.Logger) *Lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.Timezone == "" {
		cfg.Timezone = DefaultConfig().Timezone
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultConfig().Attempts
	}
	return &Lifecycle{
		cfg:       cfg,
		repo:      repo,
		visits:    visits,
		audit:     auditLog,
		reminders: noReminders{},
		clock:     clk,
		logger:    logger,
		tracer:    otel.Tracer("medication-lifecycle"),
	}
}

// SetReminders attaches the reminder collaborator
func (l *Lifecycle) SetReminders(r Reminders) {
	if r == nil {
		r = noReminders{}
	}
	l.reminders = r
}

// OnClose registers a listener invoked after a stop or completion commits
func (l *Lifecycle) OnClose(fn CloseListener) {
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

// OnReschedule registers a listener invoked after an edit replaces an order's
// schedule and the previous one is marked superseded
func (l *Lifecycle) OnReschedule(fn RescheduleListener) {
	l.mu.Lock()
	l.rescheduled = append(l.rescheduled, fn)
	l.mu.Unlock()
}

func (l *Lifecycle) record(ctx context.Context, e audit.Entry) {
	if l.audit != nil {
		l.audit.Record(ctx, e)
	}
}

func (l *Lifecycle) start(ctx context.Context, name, id string) (context.Context, trace.Span) {
	return l.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("order.id", id)))
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CreateOrder issues an active order under a visit and derives its schedule.
// PRN orders carry no schedule and return a nil one.
func (l *Lifecycle) CreateOrder(ctx context.Context, actor audit.Actor, visitID string, in OrderInput) (o *Order, s *schedule.DoseSchedule, err error) {
	ctx, span := l.start(ctx, "create_order", "")
	defer func() { finish(span, err) }()

	if errs.Blank(visitID) {
		return nil, nil, errs.Validation("visit_id", "visit_id is required")
	}
	if err := errs.Struct(in); err != nil {
		return nil, nil, err
	}
	if errs.Blank(in.DrugName) {
		return nil, nil, errs.Validation("drug_name", "drug_name is required")
	}
	if errs.Blank(in.Dose) {
		return nil, nil, errs.Validation("dose", "dose is required")
	}
	if _, err := l.visits.GetVisit(ctx, visitID); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, nil, errs.Validation("visit_id", "visit %s does not exist", visitID)
		}
		return nil, nil, err
	}

	now := l.clock.Now()
	o = &Order{
		ID:            uuid.New().String(),
		VisitID:       visitID,
		DrugName:      strings.TrimSpace(in.DrugName),
		Strength:      strings.TrimSpace(in.Strength),
		Form:          in.Form,
		Dose:          strings.TrimSpace(in.Dose),
		Route:         strings.TrimSpace(in.Route),
		Frequency:     strings.ToUpper(strings.TrimSpace(in.Frequency)),
		MealRelation:  MealRelation(in.MealRelation),
		StartDate:     in.StartDate,
		EndDate:       cloneTime(in.EndDate),
		DurationDays:  in.DurationDays,
		PRN:           in.PRN,
		MaxDailyDoses: in.MaxDailyDoses,
		Instructions:  in.Instructions,
		Timezone:      in.Timezone,
		Status:        StatusActive,
		CreatedBy:     actor.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if o.MealRelation == "" {
		o.MealRelation = MealAnytime
	}
	if o.StartDate.IsZero() {
		o.StartDate = now
	}
	if o.Timezone == "" {
		o.Timezone = l.cfg.Timezone
	}
	if _, err := time.LoadLocation(o.Timezone); err != nil {
		return nil, nil, errs.Validation("timezone", "unknown timezone %q", o.Timezone)
	}
	if err := validateTerm(o); err != nil {
		return nil, nil, err
	}

	if !o.PRN {
		days, err := schedule.ParseWeekdays(in.DaysOfWeek)
		if err != nil {
			return nil, nil, err
		}
		times, err := schedule.Derive(o.Frequency, in.Times)
		if err != nil {
			return nil, nil, err
		}
		if len(in.Times) > 0 {
			o.Times = times
		}
		o.DaysOfWeek = days
		s, err = schedule.New(o.ID, times, days, o.Timezone, now)
		if err != nil {
			return nil, nil, err
		}
		o.ScheduleID = s.ID
	}

	if err := l.repo.InsertOrder(ctx, o); err != nil {
		return nil, nil, fmt.Errorf("insert order: %w", err)
	}
	l.record(ctx, audit.NewEntry(actor, audit.EntityMedication, o.ID, audit.ActionCreate, nil, o).WithVersion(o.Version))

	if s != nil {
		if err := l.repo.InsertSchedule(ctx, s); err != nil {
			return nil, nil, fmt.Errorf("insert schedule: %w", err)
		}
		l.record(ctx, audit.NewEntry(actor, audit.EntityPrescription, s.ID, audit.ActionCreate, nil, s).WithVersion(s.Version))
		l.reminders.Request(ctx, o.Clone(), s.Clone())
	}

	l.logger.Info("medication order created",
		zap.String("order_id", o.ID),
		zap.String("visit_id", visitID),
		zap.String("frequency", o.Frequency),
		zap.Bool("prn", o.PRN))
	return o.Clone(), s.Clone(), nil
}

func validateTerm(o *Order) error {
	if !o.PRN && o.MaxDailyDoses > 0 {
		return errs.Validation("max_daily_doses", "max_daily_doses applies only to prn orders")
	}
	if o.EndDate != nil && o.DurationDays > 0 {
		return errs.Validation("end_date", "give either end_date or duration_days, not both")
	}
	if o.EndDate != nil && !o.EndDate.After(o.StartDate) {
		return errs.Validation("end_date", "end_date must be after start_date")
	}
	return nil
}

// UpdateOrder merges the patch into an active order. Changing frequency,
// times or days supersedes the current schedule with a new one.
func (l *Lifecycle) UpdateOrder(ctx context.Context, actor audit.Actor, id string, patch OrderPatch) (out *Order, err error) {
	ctx, span := l.start(ctx, "update_order", id)
	defer func() { finish(span, err) }()

	if err := errs.Struct(patch); err != nil {
		return nil, err
	}
	if patch.DrugName != nil && errs.Blank(*patch.DrugName) {
		return nil, errs.Validation("drug_name", "drug_name cannot be blank")
	}
	if patch.Dose != nil && errs.Blank(*patch.Dose) {
		return nil, errs.Validation("dose", "dose cannot be blank")
	}

	var (
		before *Order
		next   *schedule.DoseSchedule
	)
	unlock := l.locks.Lock(id)
	err = cas.Retry(ctx, l.cfg.Attempts, func(ctx context.Context) error {
		current, err := l.repo.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		if !current.Active() {
			return errs.InvalidState(current.ID, "order is %s", current.Status)
		}
		before = current.Clone()
		next = nil

		if err := applyPatch(current, patch); err != nil {
			return err
		}
		if err := validateTerm(current); err != nil {
			return err
		}
		if patch.changesSchedule() && !current.PRN {
			times, err := schedule.Derive(current.Frequency, current.Times)
			if err != nil {
				return err
			}
			next, err = schedule.New(current.ID, times, current.DaysOfWeek, current.Timezone, l.clock.Now())
			if err != nil {
				return err
			}
			// stored first so the order never points at a missing schedule
			if err := l.repo.InsertSchedule(ctx, next); err != nil {
				return fmt.Errorf("insert schedule: %w", err)
			}
			current.ScheduleID = next.ID
		}

		current.UpdatedAt = l.clock.Now()
		if err := l.repo.UpdateOrder(ctx, current, before.Version); err != nil {
			if next != nil {
				l.retire(ctx, next)
			}
			return err
		}
		out = current
		return nil
	})
	if err != nil {
		unlock()
		return nil, err
	}
	l.record(ctx, audit.NewEntry(actor, audit.EntityMedication, id, audit.ActionUpdate, before, out).WithVersion(out.Version))
	unlock()

	if next != nil {
		l.replaceSchedule(ctx, actor, out, before.ScheduleID, next)
	}
	return out.Clone(), nil
}

// retire marks a schedule that lost the order update superseded, so it can
// never be mistaken for one in force.
func (l *Lifecycle) retire(ctx context.Context, s *schedule.DoseSchedule) {
	now := l.clock.Now()
	s.Superseded = true
	s.SupersededAt = &now
	s.UpdatedAt = now
	if err := l.repo.UpdateSchedule(ctx, s, s.Version); err != nil {
		l.logger.Error("failed to retire unused schedule",
			zap.String("order_id", s.MedicationOrderID),
			zap.String("schedule_id", s.ID),
			zap.Error(err))
	}
}

func applyPatch(o *Order, p OrderPatch) error {
	if p.DrugName != nil {
		o.DrugName = strings.TrimSpace(*p.DrugName)
	}
	if p.Strength != nil {
		o.Strength = strings.TrimSpace(*p.Strength)
	}
	if p.Form != nil {
		o.Form = *p.Form
	}
	if p.Dose != nil {
		o.Dose = strings.TrimSpace(*p.Dose)
	}
	if p.Route != nil {
		o.Route = strings.TrimSpace(*p.Route)
	}
	if p.Frequency != nil {
		o.Frequency = strings.ToUpper(strings.TrimSpace(*p.Frequency))
	}
	if p.Times != nil {
		if len(*p.Times) == 0 {
			o.Times = nil
		} else {
			times, err := schedule.Normalize(*p.Times)
			if err != nil {
				return err
			}
			o.Times = times
		}
	}
	if p.DaysOfWeek != nil {
		days, err := schedule.ParseWeekdays(*p.DaysOfWeek)
		if err != nil {
			return err
		}
		o.DaysOfWeek = days
	}
	if p.MealRelation != nil {
		o.MealRelation = MealRelation(*p.MealRelation)
	}
	if p.EndDate != nil {
		end := *p.EndDate
		o.EndDate = &end
		o.DurationDays = 0
	}
	if p.DurationDays != nil {
		o.DurationDays = *p.DurationDays
		if *p.DurationDays > 0 {
			o.EndDate = nil
		}
	}
	if p.MaxDailyDoses != nil {
		o.MaxDailyDoses = *p.MaxDailyDoses
	}
	if p.Instructions != nil {
		o.Instructions = *p.Instructions
	}
	return nil
}

// replaceSchedule audits next, marks the previous schedule superseded and
// moves reminders and reschedule listeners over to next
func (l *Lifecycle) replaceSchedule(ctx context.Context, actor audit.Actor, o *Order, previousID string, next *schedule.DoseSchedule) {
	l.record(ctx, audit.NewEntry(actor, audit.EntityPrescription, next.ID, audit.ActionCreate, nil, next).WithVersion(next.Version))

	var previous *schedule.DoseSchedule
	if previousID != "" {
		err := cas.Retry(ctx, l.cfg.Attempts, func(ctx context.Context) error {
			prev, err := l.repo.GetSchedule(ctx, previousID)
			if err != nil {
				return err
			}
			if prev.Superseded {
				previous = prev
				return nil
			}
			before := prev.Clone()
			now := l.clock.Now()
			prev.Superseded = true
			prev.SupersededAt = &now
			prev.UpdatedAt = now
			if err := l.repo.UpdateSchedule(ctx, prev, before.Version); err != nil {
				return err
			}
			l.record(ctx, audit.NewEntry(actor, audit.EntityPrescription, prev.ID, audit.ActionUpdate, before, prev).
				WithNote("superseded by "+next.ID).WithVersion(prev.Version))
			previous = prev
			return nil
		})
		if err != nil {
			l.logger.Error("failed to supersede schedule",
				zap.String("order_id", o.ID),
				zap.String("schedule_id", previousID),
				zap.Error(err))
		}
		l.reminders.Cancel(ctx, previousID)
	}

	l.reminders.Request(ctx, o.Clone(), next.Clone())

	if previous == nil {
		return
	}
	l.mu.RLock()
	listeners := append([]RescheduleListener(nil), l.rescheduled...)
	l.mu.RUnlock()
	for _, fn := range listeners {
		fn(ctx, actor, o.Clone(), previous.Clone(), next.Clone())
	}
}

// StopOrder moves an active order to stopped. A second stop fails and keeps
// the original reason.
func (l *Lifecycle) StopOrder(ctx context.Context, actor audit.Actor, id, reason string) (*Order, error) {
	if errs.Blank(reason) {
		return nil, errs.Validation("reason", "reason is required")
	}
	if len(reason) > 2000 {
		return nil, errs.Validation("reason", "reason must be at most 2000 characters")
	}
	return l.close(ctx, actor, id, "stop_order", audit.ActionStopped, func(o *Order, now time.Time) {
		o.Status = StatusStopped
		o.StoppedAt = &now
		o.StoppedBy = actor.ID
		o.StopReason = strings.TrimSpace(reason)
	})
}

// CompleteOrder moves an active order to completed
func (l *Lifecycle) CompleteOrder(ctx context.Context, actor audit.Actor, id string) (*Order, error) {
	return l.close(ctx, actor, id, "complete_order", audit.ActionCompleted, func(o *Order, now time.Time) {
		o.Status = StatusCompleted
		o.CompletedAt = &now
		o.CompletedBy = actor.ID
	})
}

func (l *Lifecycle) close(ctx context.Context, actor audit.Actor, id, op string, action audit.Action, apply func(*Order, time.Time)) (out *Order, err error) {
	ctx, span := l.start(ctx, op, id)
	defer func() { finish(span, err) }()

	var before *Order
	unlock := l.locks.Lock(id)
	err = cas.Retry(ctx, l.cfg.Attempts, func(ctx context.Context) error {
		current, err := l.repo.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		if !current.Active() {
			return errs.InvalidState(current.ID, "order is already %s", current.Status)
		}
		before = current.Clone()
		now := l.clock.Now()
		apply(current, now)
		current.UpdatedAt = now
		if err := l.repo.UpdateOrder(ctx, current, before.Version); err != nil {
			return err
		}
		out = current
		return nil
	})
	if err != nil {
		unlock()
		return nil, err
	}

	entry := audit.NewEntry(actor, audit.EntityMedication, id, action, before, out).WithVersion(out.Version)
	if out.StopReason != "" {
		entry = entry.WithNote(out.StopReason)
	}
	l.record(ctx, entry)
	unlock()

	if out.ScheduleID != "" {
		l.reminders.Cancel(ctx, out.ScheduleID)
	}

	l.mu.RLock()
	listeners := append([]CloseListener(nil), l.listeners...)
	l.mu.RUnlock()
	for _, fn := range listeners {
		fn(ctx, actor, out.Clone())
	}

	l.logger.Info("medication order closed",
		zap.String("order_id", id),
		zap.String("status", string(out.Status)),
		zap.String("actor_id", actor.ID))
	return out.Clone(), nil
}

// GetOrder returns an order by id
func (l *Lifecycle) GetOrder(ctx context.Context, id string) (*Order, error) {
	return l.repo.GetOrder(ctx, id)
}

// ListOrders returns the orders issued under a visit
func (l *Lifecycle) ListOrders(ctx context.Context, visitID string) ([]*Order, error) {
	if _, err := l.visits.GetVisit(ctx, visitID); err != nil {
		return nil, err
	}
	return l.repo.ListOrders(ctx, visitID)
}

// ActiveSchedule returns the schedule currently in force for an order
func (l *Lifecycle) ActiveSchedule(ctx context.Context, orderID string) (*schedule.DoseSchedule, error) {
	o, err := l.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.ScheduleID == "" {
		return nil, errs.NotFound("schedule", orderID)
	}
	return l.repo.GetSchedule(ctx, o.ScheduleID)
}

// GetSchedule returns a schedule by id
func (l *Lifecycle) GetSchedule(ctx context.Context, id string) (*schedule.DoseSchedule, error) {
	return l.repo.GetSchedule(ctx, id)
}

// ListSchedules returns every schedule generated for an order, superseded ones included
func (l *Lifecycle) ListSchedules(ctx context.Context, orderID string) ([]*schedule.DoseSchedule, error) {
	return l.repo.ListSchedules(ctx, orderID)
}
