// Package audit implements the append-only, bounded audit trail of clinical actions.
package audit

import (
	"encoding/json"
	"strings"
	"time"
)

// EntityType names the kind of record an entry describes
type EntityType string

const (
	EntityPatient      EntityType = "patient"
	EntityVisit        EntityType = "visit"
	EntityDiagnosis    EntityType = "diagnosis"
	EntityMedication   EntityType = "medication"
	EntityPrescription EntityType = "prescription"
	EntityDose         EntityType = "dose"
)

// Action names what happened to the entity
type Action string

const (
	ActionCreate    Action = "create"
	ActionUpdate    Action = "update"
	ActionDelete    Action = "delete"
	ActionGiven     Action = "given"
	ActionMissed    Action = "missed"
	ActionSkipped   Action = "skipped"
	ActionStopped   Action = "stopped"
	ActionCompleted Action = "completed"
)

// Actor is the identity supplied by the caller for a mutating operation.
// The engine trusts it verbatim.
type Actor struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Role   string `json:"role,omitempty"`
	Origin string `json:"origin,omitempty"`
}

// Authenticated reports whether an identity was supplied
func (a Actor) Authenticated() bool {
	return strings.TrimSpace(a.ID) != ""
}

// Entry is one immutable audit record. EntityVersion is the version the
// change committed, when the entity is versioned.
type Entry struct {
	ID            string          `json:"id"`
	Seq           int64           `json:"seq"`
	ActorID       string          `json:"actor_id"`
	ActorName     string          `json:"actor_name"`
	ActorRole     string          `json:"actor_role,omitempty"`
	EntityType    EntityType      `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	EntityVersion int             `json:"entity_version,omitempty"`
	Action        Action          `json:"action"`
	Before        json.RawMessage `json:"before,omitempty"`
	After         json.RawMessage `json:"after,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Origin        string          `json:"origin,omitempty"`
	Note          string          `json:"note,omitempty"`
}

// NewEntry builds an entry for actor acting on an entity, snapshotting before and after
func NewEntry(actor Actor, entityType EntityType, entityID string, action Action, before, after interface{}) Entry {
	return Entry{
		ActorID:    actor.ID,
		ActorName:  actor.Name,
		ActorRole:  actor.Role,
		Origin:     actor.Origin,
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Before:     Snapshot(before),
		After:      Snapshot(after),
	}
}

// WithNote attaches a free-text note
func (e Entry) WithNote(note string) Entry {
	e.Note = note
	return e
}

// WithVersion stamps the committed entity version
func (e Entry) WithVersion(v int) Entry {
	e.EntityVersion = v
	return e
}

// Snapshot serializes v for storage in an entry. Nil yields nil.
func Snapshot(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if string(data) == "null" {
		return nil
	}
	return data
}

// Filter selects entries in Query. Zero fields match everything.
type Filter struct {
	EntityType EntityType
	EntityID   string
	ActorID    string
	Action     Action
	Since      time.Time
	Limit      int
}

func (f Filter) matches(e *Entry) bool {
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}
