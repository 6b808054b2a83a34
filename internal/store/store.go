// Package store defines the persistence substrate contract and the snapshot
// shape a scope is saved as.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/drfirst/go-careplan/internal/domain/audit"
	"github.com/drfirst/go-careplan/internal/domain/clinical"
	"github.com/drfirst/go-careplan/internal/domain/dose"
	"github.com/drfirst/go-careplan/internal/domain/medication"
	"github.com/drfirst/go-careplan/internal/domain/schedule"
)

// SnapshotVersion is the current snapshot format
const SnapshotVersion = 1

// ErrNoSnapshot is returned by Load for a scope that was never saved
var ErrNoSnapshot = errors.New("no snapshot for scope")

// Snapshot is the complete state of one scope
type Snapshot struct {
	FormatVersion int                      `json:"format_version"`
	Scope         string                   `json:"scope"`
	SavedAt       time.Time                `json:"saved_at"`
	Patients      []*clinical.Patient      `json:"patients"`
	Visits        []*clinical.Visit        `json:"visits"`
	Diagnoses     []*clinical.Diagnosis    `json:"diagnoses"`
	Orders        []*medication.Order      `json:"orders"`
	Schedules     []*schedule.DoseSchedule `json:"schedules"`
	Events        []*dose.Event            `json:"events"`
	Audit         []audit.Entry            `json:"audit"`
}

// Substrate loads and saves scope snapshots. Scope is an opaque caller-chosen key.
type Substrate interface {
	Load(ctx context.Context, scope string) (*Snapshot, error)
	Save(ctx context.Context, scope string, snap *Snapshot) error
}
