package dose

import (
	"context"
	"errors"
	"fmt"
	"sort"
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
	"github.com/drfirst/go-careplan/internal/domain/medication"
	"github.com/drfirst/go-careplan/internal/domain/schedule"
	"github.com/drfirst/go-careplan/pkg/clock"
)

// Config holds dose lifecycle configuration
type Config struct {
	// Attempts bounds compare-and-swap retries
	Attempts int
	// MaxWindow bounds a single GenerateEvents call
	MaxWindow time.Duration
}

// DefaultConfig returns the default dose lifecycle configuration
func DefaultConfig() Config {
	return Config{
		Attempts:  cas.DefaultAttempts,
		MaxWindow: 366 * 24 * time.Hour,
	}
}

// Lifecycle generates dose events and enforces their state machine:
// due to given, missed or skipped, and given back to due only as an undo
// inside UndoWindow.
type Lifecycle struct {
	cfg    Config
	repo   Repository
	orders Orders
	audit  *audit.Logger
	clock  clock.Clock
	logger *zap.Logger
	tracer trace.Tracer

	// prnMu serializes the max-daily-dose check with the insert or give
	prnMu sync.Mutex
	locks cas.Locks
}

// NewLifecycle creates a dose event lifecycle
func NewLifecycle(cfg Config, repo Repository, orders Orders, auditLog *audit.Logger, clk clock.Clock, logger *zap.Logger) *Lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	def := DefaultConfig()
	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.MaxWindow <= 0 {
		cfg.MaxWindow = def.MaxWindow
	}
	return &Lifecycle{
		cfg:    cfg,
		repo:   repo,
		orders: orders,
		audit:  auditLog,
		clock:  clk,
		logger: logger,
		tracer: otel.Tracer("dose-lifecycle"),
	}
}

func (l *Lifecycle) record(ctx context.Context, e audit.Entry) {
	if l.audit != nil {
		l.audit.Record(ctx, e)
	}
}

func (l *Lifecycle) start(ctx context.Context, name, key, id string) (context.Context, trace.Span) {
	return l.tracer.Start(ctx, name, trace.WithAttributes(attribute.String(key, id)))
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// GenerateEvents materializes due events for the order's active schedule in
// [from, to), clamped to the order's term. Existing slots are kept, so repeated
// calls over the same window create nothing new. It returns every slotted event
// of the schedule inside the window.
func (l *Lifecycle) GenerateEvents(ctx context.Context, actor audit.Actor, orderID string, from, to time.Time) (out []*Event, err error) {
	ctx, span := l.start(ctx, "generate_dose_events", "order.id", orderID)
	defer func() { finish(span, err) }()

	if !from.Before(to) {
		return nil, errs.Validation("to", "to must be after from")
	}
	if to.Sub(from) > l.cfg.MaxWindow {
		return nil, errs.Validation("to", "window may span at most %s", l.cfg.MaxWindow)
	}

	order, err := l.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.Active() {
		return nil, errs.InvalidState(order.ID, "order is %s", order.Status)
	}
	if order.PRN {
		return nil, errs.InvalidState(order.ID, "prn orders have no planned doses")
	}
	sched, err := l.orders.ActiveSchedule(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if from.Before(order.StartDate) {
		from = order.StartDate
	}
	if end := order.EndsAt(); end != nil && end.Before(to) {
		to = *end
	}

	now := l.clock.Now()
	created := 0
	for _, at := range schedule.Occurrences(sched, from, to) {
		e := &Event{
			ID:         uuid.New().String(),
			ScheduleID: sched.ID,
			OrderID:    order.ID,
			PlannedAt:  at,
			Status:     StatusDue,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := l.repo.InsertEvent(ctx, e); err != nil {
			if errors.Is(err, ErrDuplicateSlot) {
				continue
			}
			if errors.Is(err, errs.ErrInvalidState) {
				// the order closed while generating
				return nil, err
			}
			return nil, fmt.Errorf("insert dose event: %w", err)
		}
		created++
		l.record(ctx, audit.NewEntry(actor, audit.EntityDose, e.ID, audit.ActionCreate, nil, e).WithVersion(e.Version))
	}

	events, err := l.repo.ListEvents(ctx, orderID)
	if err != nil {
		return nil, err
	}
	now = l.clock.Now()
	for _, e := range events {
		if e.ScheduleID == sched.ID && e.Slotted() && !e.PlannedAt.Before(from) && e.PlannedAt.Before(to) {
			out = append(out, present(e, now))
		}
	}
	sortByPlanned(out)

	span.SetAttributes(attribute.Int("dose.created", created))
	l.logger.Debug("dose events generated",
		zap.String("order_id", orderID),
		zap.String("schedule_id", sched.ID),
		zap.Int("created", created),
		zap.Int("in_window", len(out)))
	return out, nil
}

// transition re-reads the event and applies fn under compare-and-swap until it
// commits, fn rejects the current state, or contention persists. The audit
// entry is recorded before the event's lock is released.
func (l *Lifecycle) transition(ctx context.Context, id string, fn func(e *Event, now time.Time) error, entry func(before, after *Event) audit.Entry) (before, after *Event, err error) {
	unlock := l.locks.Lock(id)
	defer unlock()

	err = cas.Retry(ctx, l.cfg.Attempts, func(ctx context.Context) error {
		current, err := l.repo.GetEvent(ctx, id)
		if err != nil {
			return err
		}
		before = current.Clone()
		now := l.clock.Now()
		if err := fn(current, now); err != nil {
			return err
		}
		current.UpdatedAt = now
		if err := l.repo.UpdateEvent(ctx, current, before.Version); err != nil {
			return err
		}
		after = current
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	l.record(ctx, entry(before, after).WithVersion(after.Version))
	return before, after, nil
}

func requireDue(e *Event) error {
	if e.Status != StatusDue {
		return errs.InvalidState(e.ID, "dose is %s, not due", e.Status)
	}
	return nil
}

// MarkGiven records an administration and opens the undo window
func (l *Lifecycle) MarkGiven(ctx context.Context, actor audit.Actor, id string, in GivenInput) (out *Event, err error) {
	ctx, span := l.start(ctx, "mark_given", "dose.id", id)
	defer func() { finish(span, err) }()

	if err := validateGiven(in); err != nil {
		return nil, err
	}
	current, err := l.repo.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.PRN {
		// an undone prn dose counts against the daily maximum again
		l.prnMu.Lock()
		defer l.prnMu.Unlock()
		if err := l.checkDailyMax(ctx, current.OrderID); err != nil {
			return nil, err
		}
	}

	_, after, err := l.transition(ctx, id, func(e *Event, now time.Time) error {
		if err := requireDue(e); err != nil {
			return err
		}
		applyGiven(e, actor, in, now)
		return nil
	}, func(before, after *Event) audit.Entry {
		return audit.NewEntry(actor, audit.EntityDose, id, audit.ActionGiven, before, after)
	})
	if err != nil {
		return nil, err
	}

	if after.AdverseReaction != "" {
		l.logger.Warn("adverse reaction recorded",
			zap.String("dose_id", id),
			zap.String("order_id", after.OrderID),
			zap.String("actor_id", actor.ID))
	}
	return after.Clone(), nil
}

func validateGiven(in GivenInput) error {
	if err := errs.Struct(in); err != nil {
		return err
	}
	return in.Vitals.Validate()
}

func applyGiven(e *Event, actor audit.Actor, in GivenInput, now time.Time) {
	until := now.Add(UndoWindow)
	e.Status = StatusGiven
	e.RecordedBy = actor.ID
	e.RecordedAt = &now
	e.Note = in.Note
	e.Vitals = in.Vitals
	e.AdverseReaction = in.AdverseReaction
	e.CanUndo = true
	e.UndoUntil = &until
}

// MarkMissed records that a due dose was not taken. It cannot be undone.
func (l *Lifecycle) MarkMissed(ctx context.Context, actor audit.Actor, id, note string) (*Event, error) {
	if len(note) > 2000 {
		return nil, errs.Validation("note", "note must be at most 2000 characters")
	}
	return l.close(ctx, actor, id, "mark_missed", StatusMissed, audit.ActionMissed, note)
}

// MarkSkipped records a deliberate omission. A reason is required and the
// record cannot be undone.
func (l *Lifecycle) MarkSkipped(ctx context.Context, actor audit.Actor, id, reason string) (*Event, error) {
	if errs.Blank(reason) {
		return nil, errs.Validation("reason", "reason is required")
	}
	if len(reason) > 2000 {
		return nil, errs.Validation("reason", "reason must be at most 2000 characters")
	}
	return l.close(ctx, actor, id, "mark_skipped", StatusSkipped, audit.ActionSkipped, strings.TrimSpace(reason))
}

func (l *Lifecycle) close(ctx context.Context, actor audit.Actor, id, op string, status Status, action audit.Action, note string) (out *Event, err error) {
	ctx, span := l.start(ctx, op, "dose.id", id)
	defer func() { finish(span, err) }()

	_, after, err := l.transition(ctx, id, func(e *Event, now time.Time) error {
		if err := requireDue(e); err != nil {
			return err
		}
		e.Status = status
		e.RecordedBy = actor.ID
		e.RecordedAt = &now
		e.Note = note
		e.CanUndo = false
		e.UndoUntil = nil
		return nil
	}, func(before, after *Event) audit.Entry {
		return audit.NewEntry(actor, audit.EntityDose, id, action, before, after).WithNote(note)
	})
	if err != nil {
		return nil, err
	}
	return after.Clone(), nil
}

// Undo reverts a given dose to due while its window is open. The audit entry
// keeps the erased administration as its before snapshot.
func (l *Lifecycle) Undo(ctx context.Context, actor audit.Actor, id string) (out *Event, err error) {
	ctx, span := l.start(ctx, "undo_given", "dose.id", id)
	defer func() { finish(span, err) }()

	_, after, err := l.transition(ctx, id, func(e *Event, now time.Time) error {
		if e.Status != StatusGiven || !e.CanUndo || e.UndoUntil == nil {
			return errs.InvalidState(e.ID, "dose is %s and cannot be undone", e.Status)
		}
		if !now.Before(*e.UndoUntil) {
			return errs.UndoExpired(e.ID)
		}
		e.Status = StatusDue
		e.RecordedBy = ""
		e.RecordedAt = nil
		e.Note = ""
		e.Vitals = nil
		e.AdverseReaction = ""
		e.CanUndo = false
		e.UndoUntil = nil
		return nil
	}, func(before, after *Event) audit.Entry {
		return audit.NewEntry(actor, audit.EntityDose, id, audit.ActionUpdate, before, after).
			WithNote("undo of given")
	})
	if err != nil {
		return nil, err
	}
	return after.Clone(), nil
}

// RecordCompensating creates a new due event replacing a missed or skipped
// one. The original record is left untouched.
func (l *Lifecycle) RecordCompensating(ctx context.Context, actor audit.Actor, id string, in CompensationInput) (out *Event, err error) {
	ctx, span := l.start(ctx, "record_compensating", "dose.id", id)
	defer func() { finish(span, err) }()

	if err := errs.Struct(in); err != nil {
		return nil, err
	}
	original, err := l.repo.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if original.Status != StatusMissed && original.Status != StatusSkipped {
		return nil, errs.InvalidState(original.ID, "only missed or skipped doses can be compensated, dose is %s", original.Status)
	}
	order, err := l.orders.GetOrder(ctx, original.OrderID)
	if err != nil {
		return nil, err
	}
	if !order.Active() {
		return nil, errs.InvalidState(order.ID, "order is %s", order.Status)
	}

	siblings, err := l.repo.ListEvents(ctx, original.OrderID)
	if err != nil {
		return nil, err
	}
	for _, s := range siblings {
		if s.Supersedes == original.ID {
			return nil, errs.InvalidState(original.ID, "dose already compensated by %s", s.ID)
		}
	}

	now := l.clock.Now()
	planned := in.PlannedAt
	if planned.IsZero() {
		planned = now
	}
	out = &Event{
		ID:         uuid.New().String(),
		ScheduleID: original.ScheduleID,
		OrderID:    original.OrderID,
		PlannedAt:  planned.UTC(),
		Status:     StatusDue,
		Note:       in.Note,
		Supersedes: original.ID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := l.repo.InsertEvent(ctx, out); err != nil {
		return nil, fmt.Errorf("insert compensating dose: %w", err)
	}

	l.record(ctx, audit.NewEntry(actor, audit.EntityDose, out.ID, audit.ActionCreate, nil, out).
		WithNote("compensates "+original.ID).WithVersion(out.Version))
	return out.Clone(), nil
}

// RecordPRN records an as-needed administration at the current instant,
// enforcing the order's daily maximum over the trailing 24 hours.
func (l *Lifecycle) RecordPRN(ctx context.Context, actor audit.Actor, orderID string, in GivenInput) (out *Event, err error) {
	ctx, span := l.start(ctx, "record_prn", "order.id", orderID)
	defer func() { finish(span, err) }()

	if err := validateGiven(in); err != nil {
		return nil, err
	}
	order, err := l.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.Active() {
		return nil, errs.InvalidState(order.ID, "order is %s", order.Status)
	}
	if !order.PRN {
		return nil, errs.InvalidState(order.ID, "order is not prn")
	}

	l.prnMu.Lock()
	defer l.prnMu.Unlock()

	if err := l.checkDailyMax(ctx, orderID); err != nil {
		return nil, err
	}

	now := l.clock.Now()
	out = &Event{
		ID:        uuid.New().String(),
		OrderID:   order.ID,
		PlannedAt: now,
		PRN:       true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	applyGiven(out, actor, in, now)
	if err := l.repo.InsertEvent(ctx, out); err != nil {
		return nil, fmt.Errorf("insert prn dose: %w", err)
	}

	l.record(ctx, audit.NewEntry(actor, audit.EntityDose, out.ID, audit.ActionGiven, nil, out).
		WithNote("prn").WithVersion(out.Version))
	return out.Clone(), nil
}

// checkDailyMax rejects another prn administration once the order's maximum
// has been given in the trailing 24 hours. Callers hold prnMu.
func (l *Lifecycle) checkDailyMax(ctx context.Context, orderID string) error {
	order, err := l.orders.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.MaxDailyDoses <= 0 {
		return nil
	}
	events, err := l.repo.ListEvents(ctx, orderID)
	if err != nil {
		return err
	}
	since := l.clock.Now().Add(-24 * time.Hour)
	taken := 0
	for _, e := range events {
		if e.PRN && e.Status == StatusGiven && e.RecordedAt != nil && e.RecordedAt.After(since) {
			taken++
		}
	}
	if taken >= order.MaxDailyDoses {
		return errs.Validation("max_daily_doses", "%d of %d doses already given in the last 24 hours", taken, order.MaxDailyDoses)
	}
	return nil
}

// SupersedeFutureDoses skips every due event of a closed order planned at or
// after the instant it closed. Earlier due events are left for caregivers.
func (l *Lifecycle) SupersedeFutureDoses(ctx context.Context, actor audit.Actor, order *medication.Order) (int, error) {
	closedAt := order.ClosedAt()
	if closedAt == nil {
		return 0, errs.InvalidState(order.ID, "order is %s", order.Status)
	}
	note := "order completed"
	if order.Status == medication.StatusStopped {
		note = "order stopped: " + order.StopReason
	}

	skipped, err := l.skipDue(ctx, actor, order.ID, note, func(e *Event) bool {
		return !e.PlannedAt.Before(*closedAt)
	})
	l.logger.Info("future doses skipped after order closed",
		zap.String("order_id", order.ID),
		zap.String("status", string(order.Status)),
		zap.Int("skipped", skipped))
	return skipped, err
}

// SupersedeScheduleDoses skips the due events of a replaced schedule planned
// at or after it was superseded, so only the new schedule's slots stay due.
func (l *Lifecycle) SupersedeScheduleDoses(ctx context.Context, actor audit.Actor, previous, next *schedule.DoseSchedule) (int, error) {
	if !previous.Superseded || previous.SupersededAt == nil {
		return 0, errs.InvalidState(previous.ID, "schedule is still in force")
	}
	cutoff := *previous.SupersededAt

	skipped, err := l.skipDue(ctx, actor, previous.MedicationOrderID, "schedule superseded by "+next.ID, func(e *Event) bool {
		return e.ScheduleID == previous.ID && e.Supersedes == "" && !e.PlannedAt.Before(cutoff)
	})
	l.logger.Info("doses of superseded schedule skipped",
		zap.String("order_id", previous.MedicationOrderID),
		zap.String("schedule_id", previous.ID),
		zap.String("next_schedule_id", next.ID),
		zap.Int("skipped", skipped))
	return skipped, err
}

func (l *Lifecycle) skipDue(ctx context.Context, actor audit.Actor, orderID, note string, match func(*Event) bool) (int, error) {
	events, err := l.repo.ListEvents(ctx, orderID)
	if err != nil {
		return 0, err
	}

	skipped := 0
	var firstErr error
	for _, e := range events {
		if e.Status != StatusDue || !match(e) {
			continue
		}
		if _, err := l.close(ctx, actor, e.ID, "supersede_dose", StatusSkipped, audit.ActionSkipped, note); err != nil {
			if errors.Is(err, errs.ErrInvalidState) {
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		skipped++
	}
	return skipped, firstErr
}

// GetEvent returns a dose event by id
func (l *Lifecycle) GetEvent(ctx context.Context, id string) (*Event, error) {
	e, err := l.repo.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	return present(e, l.clock.Now()), nil
}

// ListEvents returns an order's events ordered by planned instant
func (l *Lifecycle) ListEvents(ctx context.Context, orderID string) ([]*Event, error) {
	if _, err := l.orders.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	events, err := l.repo.ListEvents(ctx, orderID)
	if err != nil {
		return nil, err
	}
	now := l.clock.Now()
	for _, e := range events {
		present(e, now)
	}
	sortByPlanned(events)
	return events, nil
}

// present reports CanUndo as of now. Expiry is only checked lazily on undo,
// so a stored event keeps CanUndo set after its window closes.
func present(e *Event, now time.Time) *Event {
	if e.CanUndo && e.UndoUntil != nil && !now.Before(*e.UndoUntil) {
		e.CanUndo = false
	}
	return e
}

func sortByPlanned(events []*Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].PlannedAt.Equal(events[j].PlannedAt) {
			return events[i].CreatedAt.Before(events[j].CreatedAt)
		}
		return events[i].PlannedAt.Before(events[j].PlannedAt)
	})
}
