// Package medication implements the medication order lifecycle.
package medication

import (
	"context"
	"time"

	"github.com/drfirst/go-careplan/internal/domain/audit"
	"github.com/drfirst/go-careplan/internal/domain/clinical"
	"github.com/drfirst/go-careplan/internal/domain/schedule"
)

// Status represents medication order status
type Status string

const (
	StatusActive    Status = "active"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
)

// Form is the dosage form
type Form string

const (
	FormTablet    Form = "tablet"
	FormCapsule   Form = "capsule"
	FormSyrup     Form = "syrup"
	FormInjection Form = "injection"
	FormOther     Form = "other"
)

// MealRelation ties administration to meals
type MealRelation string

const (
	MealBefore  MealRelation = "before"
	MealAfter   MealRelation = "after"
	MealWith    MealRelation = "with"
	MealAnytime MealRelation = "anytime"
)

// Order is a clinician's instruction to administer a drug. Only an active
// order changes; stopped and completed orders are final.
type Order struct {
	ID            string         `json:"id"`
	Version       int            `json:"version"`
	VisitID       string         `json:"visit_id"`
	DrugName      string         `json:"drug_name"`
	Strength      string         `json:"strength,omitempty"`
	Form          Form           `json:"form,omitempty"`
	Dose          string         `json:"dose"`
	Route         string         `json:"route,omitempty"`
	Frequency     string         `json:"frequency,omitempty"`
	Times         []string       `json:"times,omitempty"`
	DaysOfWeek    []time.Weekday `json:"days_of_week,omitempty"`
	MealRelation  MealRelation   `json:"meal_relation"`
	StartDate     time.Time      `json:"start_date"`
	EndDate       *time.Time     `json:"end_date,omitempty"`
	DurationDays  int            `json:"duration_days,omitempty"`
	PRN           bool           `json:"prn"`
	MaxDailyDoses int            `json:"max_daily_doses,omitempty"`
	Instructions  string         `json:"instructions,omitempty"`
	Timezone      string         `json:"timezone"`
	ScheduleID    string         `json:"schedule_id,omitempty"`
	Status        Status         `json:"status"`
	StoppedAt     *time.Time     `json:"stopped_at,omitempty"`
	StoppedBy     string         `json:"stopped_by,omitempty"`
	StopReason    string         `json:"stop_reason,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	CompletedBy   string         `json:"completed_by,omitempty"`
	CreatedBy     string         `json:"created_by,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Clone returns a deep copy
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.Times = append([]string(nil), o.Times...)
	c.DaysOfWeek = append([]time.Weekday(nil), o.DaysOfWeek...)
	c.EndDate = cloneTime(o.EndDate)
	c.StoppedAt = cloneTime(o.StoppedAt)
	c.CompletedAt = cloneTime(o.CompletedAt)
	return &c
}

// Active reports whether the order still accepts changes
func (o *Order) Active() bool { return o.Status == StatusActive }

// EndsAt returns the instant after which no dose is planned, or nil if open-ended
func (o *Order) EndsAt() *time.Time {
	if o.EndDate != nil {
		return cloneTime(o.EndDate)
	}
	if o.DurationDays > 0 {
		end := o.StartDate.AddDate(0, 0, o.DurationDays)
		return &end
	}
	return nil
}

// ClosedAt returns when the order left the active state
func (o *Order) ClosedAt() *time.Time {
	switch o.Status {
	case StatusStopped:
		return cloneTime(o.StoppedAt)
	case StatusCompleted:
		return cloneTime(o.CompletedAt)
	}
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// OrderInput carries the fields of a new order
type OrderInput struct {
	DrugName      string     `json:"drug_name" validate:"required,max=200"`
	Strength      string     `json:"strength,omitempty" validate:"max=64"`
	Form          Form       `json:"form,omitempty" validate:"omitempty,oneof=tablet capsule syrup injection other"`
	Dose          string     `json:"dose" validate:"required,max=64"`
	Route         string     `json:"route,omitempty" validate:"max=64"`
	Frequency     string     `json:"frequency,omitempty" validate:"max=16"`
	Times         []string   `json:"times,omitempty" validate:"max=24"`
	DaysOfWeek    []string   `json:"days_of_week,omitempty" validate:"max=7"`
	MealRelation  string     `json:"meal_relation,omitempty" validate:"omitempty,oneof=before after with anytime"`
	StartDate     time.Time  `json:"start_date"`
	EndDate       *time.Time `json:"end_date,omitempty"`
	DurationDays  int        `json:"duration_days,omitempty" validate:"gte=0,lte=3650"`
	PRN           bool       `json:"prn"`
	MaxDailyDoses int        `json:"max_daily_doses,omitempty" validate:"gte=0,lte=48"`
	Instructions  string     `json:"instructions,omitempty" validate:"max=2000"`
	Timezone      string     `json:"timezone,omitempty" validate:"max=64"`
}

// OrderPatch is a partial update; nil fields are left unchanged
type OrderPatch struct {
	DrugName      *string    `json:"drug_name,omitempty" validate:"omitempty,max=200"`
	Strength      *string    `json:"strength,omitempty" validate:"omitempty,max=64"`
	Form          *Form      `json:"form,omitempty" validate:"omitempty,oneof=tablet capsule syrup injection other"`
	Dose          *string    `json:"dose,omitempty" validate:"omitempty,max=64"`
	Route         *string    `json:"route,omitempty" validate:"omitempty,max=64"`
	Frequency     *string    `json:"frequency,omitempty" validate:"omitempty,max=16"`
	Times         *[]string  `json:"times,omitempty"`
	DaysOfWeek    *[]string  `json:"days_of_week,omitempty"`
	MealRelation  *string    `json:"meal_relation,omitempty" validate:"omitempty,oneof=before after with anytime"`
	EndDate       *time.Time `json:"end_date,omitempty"`
	DurationDays  *int       `json:"duration_days,omitempty" validate:"omitempty,gte=0,lte=3650"`
	MaxDailyDoses *int       `json:"max_daily_doses,omitempty" validate:"omitempty,gte=0,lte=48"`
	Instructions  *string    `json:"instructions,omitempty" validate:"omitempty,max=2000"`
}

func (p OrderPatch) changesSchedule() bool {
	return p.Frequency != nil || p.Times != nil || p.DaysOfWeek != nil
}

// Repository persists orders and their schedules. Update methods are
// compare-and-swap on Version.
type Repository interface {
	InsertOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	UpdateOrder(ctx context.Context, o *Order, expectedVersion int) error
	ListOrders(ctx context.Context, visitID string) ([]*Order, error)

	InsertSchedule(ctx context.Context, s *schedule.DoseSchedule) error
	GetSchedule(ctx context.Context, id string) (*schedule.DoseSchedule, error)
	UpdateSchedule(ctx context.Context, s *schedule.DoseSchedule, expectedVersion int) error
	ListSchedules(ctx context.Context, orderID string) ([]*schedule.DoseSchedule, error)
}

// VisitLookup resolves the visit an order is issued under
type VisitLookup interface {
	GetVisit(ctx context.Context, id string) (*clinical.Visit, error)
}

// Reminders receives fire-and-forget reminder requests for schedules
type Reminders interface {
	Request(ctx context.Context, o *Order, s *schedule.DoseSchedule)
	Cancel(ctx context.Context, scheduleID string)
}

// CloseListener is notified after an order is stopped or completed
type CloseListener func(ctx context.Context, actor audit.Actor, o *Order)

// RescheduleListener is notified after an edit replaces the order's schedule
type RescheduleListener func(ctx context.Context, actor audit.Actor, o *Order, previous, next *schedule.DoseSchedule)

type noReminders struct{}

func (noReminders) Request(context.Context, *Order, *schedule.DoseSchedule) {}
func (noReminders) Cancel(context.Context, string)                          {}
