package schedule

import (
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-careplan/internal/domain/errs"
)

// DoseSchedule holds the times of day at which an order's doses are planned
type DoseSchedule struct {
	ID                string         `json:"id"`
	Version           int            `json:"version"`
	MedicationOrderID string         `json:"medication_order_id"`
	Times             []string       `json:"times"`
	DaysOfWeek        []time.Weekday `json:"days_of_week,omitempty"`
	Timezone          string         `json:"timezone"`
	Superseded        bool           `json:"superseded"`
	SupersededAt      *time.Time     `json:"superseded_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// New builds a schedule for an order. Times must already be normalized or
// will be normalized here; the timezone must load.
func New(orderID string, times []string, days []time.Weekday, tz string, now time.Time) (*DoseSchedule, error) {
	if orderID == "" {
		return nil, errs.Validation("medication_order_id", "medication_order_id is required")
	}
	normalized, err := Normalize(times)
	if err != nil {
		return nil, err
	}
	if len(normalized) == 0 {
		return nil, errs.Validation("times", "at least one time of day is required")
	}
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return nil, errs.Validation("timezone", "unknown timezone %q", tz)
	}

	return &DoseSchedule{
		ID:                uuid.New().String(),
		MedicationOrderID: orderID,
		Times:             normalized,
		DaysOfWeek:        append([]time.Weekday(nil), days...),
		Timezone:          tz,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// Location loads the schedule's timezone, falling back to UTC
func (s *DoseSchedule) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (s *DoseSchedule) onDay(wd time.Weekday) bool {
	if len(s.DaysOfWeek) == 0 {
		return true
	}
	for _, d := range s.DaysOfWeek {
		if d == wd {
			return true
		}
	}
	return false
}

// Occurrences returns the planned instants in [from, to), in UTC and ascending order.
// Wall-clock times are resolved in the schedule's timezone, so a 08:00 dose
// stays at 08:00 local across DST changes.
func Occurrences(s *DoseSchedule, from, to time.Time) []time.Time {
	if s == nil || !from.Before(to) {
		return nil
	}
	loc := s.Location()

	clocks := make([]int, 0, len(s.Times))
	for _, t := range s.Times {
		if m, err := parseClock(t); err == nil {
			clocks = append(clocks, m)
		}
	}

	start := from.In(loc)
	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
	var out []time.Time
	for !day.After(to.In(loc)) {
		if s.onDay(day.Weekday()) {
			for _, m := range clocks {
				at := time.Date(day.Year(), day.Month(), day.Day(), m/60, m%60, 0, 0, loc)
				if !at.Before(from) && at.Before(to) {
					out = append(out, at.UTC())
				}
			}
		}
		day = time.Date(day.Year(), day.Month(), day.Day()+1, 0, 0, 0, 0, loc)
	}
	return out
}

// Clone returns a deep copy
func (s *DoseSchedule) Clone() *DoseSchedule {
	if s == nil {
		return nil
	}
	c := *s
	c.Times = append([]string(nil), s.Times...)
	c.DaysOfWeek = append([]time.Weekday(nil), s.DaysOfWeek...)
	if s.SupersededAt != nil {
		at := *s.SupersededAt
		c.SupersededAt = &at
	}
	return &c
}
