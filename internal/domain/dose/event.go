// Package dose implements the dose administration event lifecycle.
package dose

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/drfirst/go-careplan/internal/domain/errs"
	"github.com/drfirst/go-careplan/internal/domain/medication"
	"github.com/drfirst/go-careplan/internal/domain/schedule"
)

// Status represents dose event status
type Status string

const (
	StatusDue     Status = "due"
	StatusGiven   Status = "given"
	StatusMissed  Status = "missed"
	StatusSkipped Status = "skipped"
)

// UndoWindow is how long a given dose can be reverted to due
const UndoWindow = 5 * time.Minute

// ErrDuplicateSlot is returned by repositories when an event already exists
// for the same schedule and planned instant.
var ErrDuplicateSlot = errors.New("dose event already exists for slot")

// Event is one planned or recorded administration
type Event struct {
	ID              string     `json:"id"`
	Version         int        `json:"version"`
	ScheduleID      string     `json:"schedule_id,omitempty"`
	OrderID         string     `json:"order_id"`
	PlannedAt       time.Time  `json:"planned_at"`
	Status          Status     `json:"status"`
	RecordedBy      string     `json:"recorded_by,omitempty"`
	RecordedAt      *time.Time `json:"recorded_at,omitempty"`
	Note            string     `json:"note,omitempty"`
	Vitals          Vitals     `json:"vitals,omitempty"`
	AdverseReaction string     `json:"adverse_reaction,omitempty"`
	CanUndo         bool       `json:"can_undo"`
	UndoUntil       *time.Time `json:"undo_until,omitempty"`
	Supersedes      string     `json:"supersedes,omitempty"`
	PRN             bool       `json:"prn,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Clone returns a deep copy
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := *e
	if e.RecordedAt != nil {
		at := *e.RecordedAt
		c.RecordedAt = &at
	}
	if e.UndoUntil != nil {
		until := *e.UndoUntil
		c.UndoUntil = &until
	}
	if e.Vitals != nil {
		c.Vitals = make(Vitals, len(e.Vitals))
		for k, v := range e.Vitals {
			c.Vitals[k] = v
		}
	}
	return &c
}

// Slotted reports whether the event occupies a schedule slot, which is
// unique per schedule and planned instant.
func (e *Event) Slotted() bool {
	return e.ScheduleID != "" && e.Supersedes == "" && !e.PRN
}

// SlotKey identifies a schedule slot
func SlotKey(scheduleID string, plannedAt time.Time) string {
	return scheduleID + "@" + plannedAt.UTC().Format(time.RFC3339)
}

// Vitals is an open key/value map checked against a small schema
type Vitals map[string]string

const (
	maxVitals      = 16
	maxVitalLength = 64
)

var (
	vitalKey      = regexp.MustCompile(`^[a-z][a-z0-9_]{0,31}$`)
	bloodPressure = regexp.MustCompile(`^\d{2,3}/\d{2,3}$`)
	numericVitals = map[string]struct{}{
		"temperature_c": {},
		"pulse_bpm":     {},
		"resp_rate":     {},
		"spo2_pct":      {},
		"weight_kg":     {},
	}
)

// Validate checks key shape, value length and the known numeric keys
func (v Vitals) Validate() error {
	if len(v) > maxVitals {
		return errs.Validation("vitals", "at most %d vitals may be recorded", maxVitals)
	}
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		val := v[k]
		if !vitalKey.MatchString(k) {
			return errs.Validation("vitals", "vital key %q must be lower snake case", k)
		}
		if val == "" || len(val) > maxVitalLength {
			return errs.Validation("vitals."+k, "value must be 1 to %d characters", maxVitalLength)
		}
		if _, numeric := numericVitals[k]; numeric {
			if _, err := strconv.ParseFloat(val, 64); err != nil {
				return errs.Validation("vitals."+k, "%s must be numeric", k)
			}
		}
		if k == "blood_pressure" && !bloodPressure.MatchString(val) {
			return errs.Validation("vitals.blood_pressure", "blood_pressure must look like 120/80")
		}
	}
	return nil
}

// GivenInput describes an administration
type GivenInput struct {
	Note            string `json:"note,omitempty" validate:"max=2000"`
	Vitals          Vitals `json:"vitals,omitempty"`
	AdverseReaction string `json:"adverse_reaction,omitempty" validate:"max=2000"`
}

// CompensationInput describes a replacement for a missed or skipped dose
type CompensationInput struct {
	PlannedAt time.Time `json:"planned_at"`
	Note      string    `json:"note,omitempty" validate:"max=2000"`
}

// Repository persists dose events. UpdateEvent is compare-and-swap on Version;
// InsertEvent returns ErrDuplicateSlot for an occupied slot.
type Repository interface {
	InsertEvent(ctx context.Context, e *Event) error
	GetEvent(ctx context.Context, id string) (*Event, error)
	UpdateEvent(ctx context.Context, e *Event, expectedVersion int) error
	ListEvents(ctx context.Context, orderID string) ([]*Event, error)
}

// Orders resolves orders and their schedules
type Orders interface {
	GetOrder(ctx context.Context, id string) (*medication.Order, error)
	ActiveSchedule(ctx context.Context, orderID string) (*schedule.DoseSchedule, error)
}
