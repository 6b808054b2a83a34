// Package reminder hands dose schedules to an external notification
// scheduler. Calls are asynchronous and never affect the order lifecycle.
package reminder

import (
	"context"

	"github.com/drfirst/go-careplan/internal/domain/medication"
	"github.com/drfirst/go-careplan/internal/domain/schedule"
)

// Payload describes what the notification side needs to remind a caregiver.
type Payload struct {
	OrderID      string   `json:"order_id"`
	ScheduleID   string   `json:"schedule_id"`
	VisitID      string   `json:"visit_id"`
	DrugName     string   `json:"drug_name"`
	Strength     string   `json:"strength,omitempty"`
	Dose         string   `json:"dose"`
	Route        string   `json:"route,omitempty"`
	MealRelation string   `json:"meal_relation,omitempty"`
	DaysOfWeek   []string `json:"days_of_week,omitempty"`
	Timezone     string   `json:"timezone"`
	Instructions string   `json:"instructions,omitempty"`
}

// Handle identifies a scheduled reminder at the scheduler.
type Handle struct {
	ID string `json:"id"`
	// Ref is the scheduler's own reference, if it has one.
	Ref string `json:"ref,omitempty"`
}

// Scheduler is the external notification scheduler.
type Scheduler interface {
	Schedule(ctx context.Context, reminderID string, timesOfDay []string, p Payload) (Handle, error)
	Cancel(ctx context.Context, h Handle) error
}

// PayloadFor builds the payload for an order's schedule.
func PayloadFor(o *medication.Order, s *schedule.DoseSchedule) Payload {
	p := Payload{
		OrderID:      o.ID,
		ScheduleID:   s.ID,
		VisitID:      o.VisitID,
		DrugName:     o.DrugName,
		Strength:     o.Strength,
		Dose:         o.Dose,
		Route:        o.Route,
		MealRelation: string(o.MealRelation),
		Timezone:     s.Timezone,
		Instructions: o.Instructions,
	}
	for _, d := range s.DaysOfWeek {
		p.DaysOfWeek = append(p.DaysOfWeek, d.String())
	}
	return p
}
