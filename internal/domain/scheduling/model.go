package scheduling

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clinicsync/clinicsync/internal/domain/recurrence"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrMirrorTaken       = errors.New("google event already mirrored by another event")
)

// ValidationError reports malformed input per field.
type ValidationError struct {
	Fields map[string]string `json:"fields"`
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, ok := e.Fields[field]; !ok {
		e.Fields[field] = msg
	}
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

type Status string

const (
	StatusPendingConfirmation Status = "pending_confirmation"
	StatusConfirmed           Status = "confirmed"
	StatusDeclined            Status = "declined"
	StatusRescheduleRequested Status = "reschedule_requested"
	StatusRescheduled         Status = "rescheduled"
	StatusCancelled           Status = "cancelled"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPendingConfirmation, StatusConfirmed, StatusDeclined,
		StatusRescheduleRequested, StatusRescheduled, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// AttendanceStatus is one party's answer to an invitation.
type AttendanceStatus string

const (
	AttendancePending   AttendanceStatus = "pending"
	AttendanceConfirmed AttendanceStatus = "confirmed"
	AttendanceDeclined  AttendanceStatus = "declined"
)

type ChangeRequestStatus string

const (
	ChangeRequestOpen     ChangeRequestStatus = "open"
	ChangeRequestAccepted ChangeRequestStatus = "accepted"
	ChangeRequestRejected ChangeRequestStatus = "rejected"
)

// Event maps to the schedule_events table.
type Event struct {
	ID               uuid.UUID        `json:"id"`
	ResourceID       uuid.UUID        `json:"resource_id"`
	Title            string           `json:"title"`
	Description      *string          `json:"description,omitempty"`
	StartTime        time.Time        `json:"start_time"`
	EndTime          time.Time        `json:"end_time"`
	Timezone         string           `json:"timezone"`
	Location         *string          `json:"location,omitempty"`
	MeetingLink      *string          `json:"meeting_link,omitempty"`
	RecurrenceRule   *string          `json:"recurrence_rule,omitempty"`
	Status           Status           `json:"status"`
	ConsultantStatus AttendanceStatus `json:"consultant_status"`
	GoogleEventID    *string          `json:"google_event_id,omitempty"`
	GoogleEtag       *string          `json:"google_etag,omitempty"`
	CreatedBy        *string          `json:"created_by,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	Attendees        []*Attendee      `json:"attendees"`
}

// Rule returns the recurrence rule or "" for one-off events.
func (e *Event) Rule() string {
	if e.RecurrenceRule == nil {
		return ""
	}
	return *e.RecurrenceRule
}

// RecurrenceOption is the editing-UI view of the rule.
func (e *Event) RecurrenceOption() recurrence.Option {
	return recurrence.ResolveOption(e.Rule())
}

func (e *Event) ClinicIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(e.Attendees))
	for _, a := range e.Attendees {
		ids = append(ids, a.ClinicID)
	}
	return ids
}

func (e *Event) attendee(clinicID uuid.UUID) *Attendee {
	for _, a := range e.Attendees {
		if a.ClinicID == clinicID {
			return a
		}
	}
	return nil
}

func (e *Event) validate() error {
	v := &ValidationError{}
	if e.ResourceID == uuid.Nil {
		v.add("resource_id", "is required")
	}
	if strings.TrimSpace(e.Title) == "" {
		v.add("title", "is required")
	}
	if e.StartTime.IsZero() {
		v.add("start_time", "is required")
	}
	if e.EndTime.IsZero() {
		v.add("end_time", "is required")
	} else if !e.EndTime.After(e.StartTime) {
		v.add("end_time", "must be after start_time")
	}
	if e.Timezone == "" {
		e.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(e.Timezone); err != nil {
		v.add("timezone", "unknown time zone")
	}
	if err := recurrence.Validate(e.Rule()); err != nil {
		v.add("recurrence_rule", err.Error())
	}
	return v.orNil()
}

// Attendee is a clinic invited to an event.
type Attendee struct {
	EventID     uuid.UUID        `json:"event_id"`
	ClinicID    uuid.UUID        `json:"clinic_id"`
	Status      AttendanceStatus `json:"status"`
	RespondedAt *time.Time       `json:"responded_at,omitempty"`
}

// ChangeRequest maps to the change_requests table.
type ChangeRequest struct {
	ID             uuid.UUID           `json:"id"`
	EventID        uuid.UUID           `json:"event_id"`
	ClinicID       uuid.UUID           `json:"clinic_id"`
	Reason         string              `json:"reason"`
	SuggestedStart *time.Time          `json:"suggested_start,omitempty"`
	SuggestedEnd   *time.Time          `json:"suggested_end,omitempty"`
	Status         ChangeRequestStatus `json:"status"`
	ResolvedBy     *string             `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time          `json:"resolved_at,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
}

// EventInput is the boundary shape for creating an event.
type EventInput struct {
	ResourceID  uuid.UUID   `json:"resource_id"`
	Title       string      `json:"title"`
	Description *string     `json:"description"`
	Start       time.Time   `json:"start_time"`
	End         time.Time   `json:"end_time"`
	Timezone    string      `json:"timezone"`
	Location    *string     `json:"location"`
	MeetingLink *string     `json:"meeting_link"`
	Recurrence  string      `json:"recurrence"`
	ClinicIDs   []uuid.UUID `json:"clinic_ids"`
}

// NewEvent builds an Event from input, rejecting malformed fields. The
// recurrence option is turned into a rule anchored at Start.
func NewEvent(in EventInput, createdBy string) (*Event, error) {
	v := &ValidationError{}
	ev := &Event{
		ResourceID:       in.ResourceID,
		Title:            strings.TrimSpace(in.Title),
		Description:      trimmed(in.Description),
		StartTime:        in.Start,
		EndTime:          in.End,
		Timezone:         in.Timezone,
		Location:         trimmed(in.Location),
		MeetingLink:      trimmed(in.MeetingLink),
		Status:           StatusPendingConfirmation,
		ConsultantStatus: AttendancePending,
	}
	if createdBy != "" {
		ev.CreatedBy = &createdBy
	}

	option, err := recurrence.ParseOption(in.Recurrence)
	if err != nil {
		v.add("recurrence", err.Error())
	} else if !in.Start.IsZero() {
		rule, err := recurrence.BuildRule(option, ruleAnchor(in.Start, in.Timezone))
		if err != nil {
			v.add("recurrence", err.Error())
		} else if rule != "" {
			ev.RecurrenceRule = &rule
		}
	}

	if err := ev.validate(); err != nil {
		for k, msg := range err.(*ValidationError).Fields {
			v.add(k, msg)
		}
	}
	if err := validateClinicIDs(in.ClinicIDs); err != nil {
		v.add("clinic_ids", err.Error())
	}
	return ev, v.orNil()
}

// EventUpdate carries the fields to change; nil leaves a field untouched.
// Recurrence takes an option name ("none" clears the rule).
type EventUpdate struct {
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	Start       *time.Time `json:"start_time"`
	End         *time.Time `json:"end_time"`
	Timezone    *string    `json:"timezone"`
	Location    *string    `json:"location"`
	MeetingLink *string    `json:"meeting_link"`
	Recurrence  *string    `json:"recurrence"`
}

// EventFilter selects events for listing. Exactly one of ResourceID and
// ClinicID is required, and the window is mandatory.
type EventFilter struct {
	ResourceID       *uuid.UUID
	ClinicID         *uuid.UUID
	From             time.Time
	To               time.Time
	IncludeCancelled bool
}

// EventOccurrence is one rendered instance of an event inside a window.
type EventOccurrence struct {
	EventID   uuid.UUID `json:"event_id"`
	Key       string    `json:"occurrence_key"`
	Index     int       `json:"occurrence_index"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Recurring bool      `json:"recurring"`
	Event     *Event    `json:"event"`
}

type ChangeRequestFilter struct {
	EventID  *uuid.UUID
	ClinicID *uuid.UUID
	Status   *ChangeRequestStatus
}

func validateClinicIDs(ids []uuid.UUID) error {
	if len(ids) == 0 {
		return errors.New("at least one clinic is required")
	}
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			return errors.New("contains an empty id")
		}
		if seen[id] {
			return fmt.Errorf("duplicate clinic %s", id)
		}
		seen[id] = true
	}
	return nil
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	if t == "" {
		return nil
	}
	return &t
}

// ruleAnchor places the rule's DTSTART in the event's zone so weekly series
// keep their wall-clock time.
func ruleAnchor(start time.Time, tz string) time.Time {
	if loc, err := time.LoadLocation(tz); err == nil && tz != "" {
		return start.In(loc)
	}
	return start.UTC()
}
