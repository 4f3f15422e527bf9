// Package core implements the peer-to-peer calendar sync engine: wire
// codec, protocol state machine, three-way merge, history merger, sync
// orchestrator and the store adapter contract they share. It is kept as
// a single package grouping tightly coupled subsystems together, because
// Event, EditHistory and SyncLog reference each other constantly and
// splitting them would only buy import-cycle workarounds.
package core

import (
	"time"

	"github.com/google/uuid"
)

// EventField is the closed set of mergeable Event fields. Using an enum
// instead of reflection/string field names keeps the merge engine's hot
// path (§4.3) free of dynamic lookups.
type EventField int

const (
	FieldTitle EventField = iota
	FieldLocation
	FieldDay
	FieldMonth
	FieldColor
	FieldLastModifiedAt
	FieldLastModifiedBy
)

func (f EventField) String() string {
	switch f {
	case FieldTitle:
		return "title"
	case FieldLocation:
		return "location"
	case FieldDay:
		return "day"
	case FieldMonth:
		return "month"
	case FieldColor:
		return "color"
	case FieldLastModifiedAt:
		return "last_modified_at"
	case FieldLastModifiedBy:
		return "last_modified_by"
	default:
		return "unknown"
	}
}

// Event is a dated calendar item. Id never changes after creation; day
// and month are 1-based and validated by Validate. JSON tags fix the
// on-wire field names from §6's EventDTO.
type Event struct {
	ID             uuid.UUID `json:"id"`
	Title          string    `json:"title"`
	Location       string    `json:"location,omitempty"`
	Day            int       `json:"day"`
	Month          int       `json:"month"`
	CreatedAt      time.Time `json:"created_at"`
	LastModifiedAt time.Time `json:"last_modified_at"`
	LastModifiedBy string    `json:"last_modified_by"`
	Color          string    `json:"color,omitempty"`
}

// Validate checks created_at <= last_modified_at, 1<=day<=31,
// 1<=month<=12, and a non-empty title.
func (e *Event) Validate() error {
	if e.Title == "" {
		return &StoreError{Kind: StoreIntegrityViolation, Message: "event title must not be empty"}
	}
	if e.Day < 1 || e.Day > 31 {
		return &StoreError{Kind: StoreIntegrityViolation, Message: "event day out of range"}
	}
	if e.Month < 1 || e.Month > 12 {
		return &StoreError{Kind: StoreIntegrityViolation, Message: "event month out of range"}
	}
	if e.CreatedAt.After(e.LastModifiedAt) {
		return &StoreError{Kind: StoreIntegrityViolation, Message: "event created_at after last_modified_at"}
	}
	return nil
}

// clone returns a deep copy suitable for base/local/remote comparisons
// inside the merge engine.
func (e Event) clone() Event {
	return e
}

// fieldValue returns the current value of field as an any suitable for
// equality comparison by the merge engine.
func (e Event) fieldValue(field EventField) any {
	switch field {
	case FieldTitle:
		return e.Title
	case FieldLocation:
		return e.Location
	case FieldDay:
		return e.Day
	case FieldMonth:
		return e.Month
	case FieldColor:
		return e.Color
	case FieldLastModifiedAt:
		return e.LastModifiedAt
	case FieldLastModifiedBy:
		return e.LastModifiedBy
	default:
		return nil
	}
}

// EditHistory is one record per field-change event. It is immutable once
// created and never mutated; it may only be deleted by age-based
// pruning. JSON tags fix the on-wire field names from §6's
// EditHistoryDTO.
type EditHistory struct {
	ID       uuid.UUID `json:"id"`
	EventID  uuid.UUID `json:"event_id"`
	DeviceID string    `json:"device_id"`
	// DeviceName is optional, recorded for display purposes only.
	DeviceName string    `json:"device_name,omitempty"`
	Timestamp  time.Time `json:"timestamp"`

	PreviousTitle *string `json:"previous_title,omitempty"`
	NewTitle      *string `json:"new_title,omitempty"`
	PreviousLoc   *string `json:"previous_location,omitempty"`
	NewLoc        *string `json:"new_location,omitempty"`
	PreviousDay   *int    `json:"previous_day,omitempty"`
	NewDay        *int    `json:"new_day,omitempty"`

	// Extended fields, merge protocol v1.1.
	SourceVersion        string      `json:"source_version,omitempty"`
	IsConflictResolution bool        `json:"is_conflict_resolution,omitempty"`
	MergeID              *uuid.UUID  `json:"merge_id,omitempty"`
	ParentHistoryIDs     []uuid.UUID `json:"parent_history_ids,omitempty"`
}

// Key returns the globally unique dedup key described in §4.4: (id,
// device_id).
func (h EditHistory) Key() HistoryKey {
	return HistoryKey{ID: h.ID, DeviceID: h.DeviceID}
}

// HistoryKey is the dedup identity of an edit across replicas.
type HistoryKey struct {
	ID       uuid.UUID
	DeviceID string
}

// FamilyDevice is a known peer. JSON tags fix the on-wire field names
// from §6's FamilyDeviceDTO (note is_local_device, not is_local).
type FamilyDevice struct {
	ID                  uuid.UUID  `json:"id"`
	BluetoothIdentifier string     `json:"bluetooth_identifier"`
	CustomName          string     `json:"custom_name,omitempty"`
	LastSyncTimestamp   *time.Time `json:"last_sync_timestamp,omitempty"`
	IsLocal             bool       `json:"is_local_device"`
}

// SyncLog is an append-only, immutable audit record.
type SyncLog struct {
	ID               uuid.UUID `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	DeviceID         string    `json:"device_id"`
	DeviceName       string    `json:"device_name,omitempty"`
	EventsReceived   int       `json:"events_received"`
	EventsSent       int       `json:"events_sent"`
	Conflicts        int       `json:"conflicts"`
	ResolutionMethod string    `json:"resolution_method,omitempty"`
	Details          string    `json:"details,omitempty"`
	Successful       bool      `json:"successful"`
}

// NewID generates a fresh random identifier. Centralized so tests can
// substitute deterministic generators by constructing entities directly
// instead of through this helper.
func NewID() uuid.UUID {
	return uuid.New()
}
