// Package calsync keeps local state and a resource's Google calendar in
// step: it pulls remote changes into external blocks, reconciles events this
// service published, pushes local events outward and manages push channels.
package calsync

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrClinicNotResolved aborts a cycle for a resource without an owning clinic.
	ErrClinicNotResolved = errors.New("owning clinic not resolved")
	// ErrUnusableEvent marks a remote item that carries no usable times.
	ErrUnusableEvent = errors.New("remote event has no usable times")
	ErrNotFound      = errors.New("not found")
	// ErrBusy is returned when another cycle already holds the resource's lock.
	ErrBusy = errors.New("sync already running for this calendar")
)

type BlockStatus string

const (
	BlockConfirmed BlockStatus = "confirmed"
	BlockTentative BlockStatus = "tentative"
	BlockCancelled BlockStatus = "cancelled"
)

// AttendeeSummary is the reporting-only view of a remote attendee.
type AttendeeSummary struct {
	Email          string `json:"email,omitempty"`
	DisplayName    string `json:"display_name,omitempty"`
	ResponseStatus string `json:"response_status,omitempty"`
	Organizer      bool   `json:"organizer,omitempty"`
}

// ExternalBlock mirrors one third-party event. Only the importer writes it.
type ExternalBlock struct {
	ID            uuid.UUID         `json:"id"`
	ResourceID    uuid.UUID         `json:"resource_id"`
	ClinicID      uuid.UUID         `json:"clinic_id"`
	CalendarID    string            `json:"calendar_id"`
	ExternalID    string            `json:"external_id"`
	Etag          string            `json:"etag,omitempty"`
	StartTime     *time.Time        `json:"start_time,omitempty"`
	EndTime       *time.Time        `json:"end_time,omitempty"`
	AllDay        bool              `json:"all_day"`
	Summary       string            `json:"summary,omitempty"`
	Description   string            `json:"description,omitempty"`
	Location      string            `json:"location,omitempty"`
	MeetingLink   string            `json:"meeting_link,omitempty"`
	HTMLLink      string            `json:"html_link,omitempty"`
	Attendees     []AttendeeSummary `json:"attendees"`
	Recurrence    string            `json:"recurrence,omitempty"`
	RecurringID   string            `json:"recurring_id,omitempty"`
	OriginalStart *time.Time        `json:"original_start,omitempty"`
	Status        BlockStatus       `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Resource is the directory row a cycle needs.
type Resource struct {
	ID         uuid.UUID
	ClinicID   *uuid.UUID
	CalendarID string
	Timezone   string
}

// Location returns the resource's zone, falling back to UTC.
func (r *Resource) Location() *time.Location {
	if r.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ImportStats counts what one import pass did.
type ImportStats struct {
	Pages      int  `json:"pages"`
	Upserted   int  `json:"upserted"`
	Cancelled  int  `json:"cancelled"`
	Mirrored   int  `json:"mirrored"`
	Skipped    int  `json:"skipped"`
	FullResync bool `json:"full_resync"`
}

// CycleResult reports one sync cycle.
type CycleResult struct {
	ResourceID uuid.UUID `json:"resource_id"`
	CalendarID string    `json:"calendar_id"`
	ImportStats
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
