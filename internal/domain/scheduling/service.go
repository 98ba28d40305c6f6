package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clinicsync/clinicsync/internal/domain/availability"
	"github.com/clinicsync/clinicsync/internal/domain/recurrence"
	"github.com/clinicsync/clinicsync/internal/platform/db"
)

// Availability is the slice of the availability engine the workflow needs.
type Availability interface {
	ValidateSeries(ctx context.Context, resourceID uuid.UUID, candidate availability.Interval, rule string, excludingEventID *uuid.UUID) error
	SuggestSlots(ctx context.Context, q availability.SlotQuery) ([]availability.Slot, error)
}

// ChangeNotifier is told about committed writes so they can be mirrored to
// the external calendar. Implementations must not block.
type ChangeNotifier interface {
	EventChanged(ctx context.Context, eventID uuid.UUID)
	EventDeleted(ctx context.Context, resourceID uuid.UUID, googleEventID string)
}

type noopNotifier struct{}

func (noopNotifier) EventChanged(context.Context, uuid.UUID)         {}
func (noopNotifier) EventDeleted(context.Context, uuid.UUID, string) {}

type Service struct {
	events  EventRepository
	changes ChangeRequestRepository
	avail   Availability
	tx      db.Transactor
	notify  ChangeNotifier
	now     func() time.Time
}

func NewService(events EventRepository, changes ChangeRequestRepository, avail Availability, tx db.Transactor) *Service {
	return &Service{
		events:  events,
		changes: changes,
		avail:   avail,
		tx:      tx,
		notify:  noopNotifier{},
		now:     time.Now,
	}
}

// SetNotifier installs the receiver of post-commit change notifications.
func (s *Service) SetNotifier(n ChangeNotifier) {
	if n == nil {
		n = noopNotifier{}
	}
	s.notify = n
}

// -- Events --

// CreateEvent validates the input, checks the resource's calendar for
// overlaps and stores the event with its attendee links in one transaction.
func (s *Service) CreateEvent(ctx context.Context, in EventInput, actor string) (*Event, error) {
	ev, err := NewEvent(in, actor)
	if err != nil {
		return nil, err
	}

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.events.LockResource(ctx, ev.ResourceID); err != nil {
			return err
		}
		candidate := availability.Interval{Start: ev.StartTime, End: ev.EndTime}
		if err := s.avail.ValidateSeries(ctx, ev.ResourceID, candidate, ev.Rule(), nil); err != nil {
			return err
		}
		if err := s.events.Create(ctx, ev); err != nil {
			return err
		}
		if err := s.events.ReplaceAttendees(ctx, ev.ID, in.ClinicIDs); err != nil {
			return fmt.Errorf("link attendees: %w", err)
		}
		ev.Attendees, err = s.events.ListAttendees(ctx, ev.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.notify.EventChanged(ctx, ev.ID)
	return ev, nil
}

func (s *Service) GetEvent(ctx context.Context, id uuid.UUID) (*Event, error) {
	return s.events.GetByID(ctx, id)
}

// UpdateEvent applies upd to the event. A nil clinicIDs keeps the attendee
// set; forceStatus overrides the workflow's own status decision.
func (s *Service) UpdateEvent(ctx context.Context, id uuid.UUID, upd EventUpdate, clinicIDs *[]uuid.UUID, forceStatus *Status) (*Event, error) {
	var ev *Event
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		if ev, err = s.events.GetByID(ctx, id); err != nil {
			return err
		}
		return s.updateEvent(ctx, ev, upd, clinicIDs, forceStatus)
	})
	if err != nil {
		return nil, err
	}

	s.notify.EventChanged(ctx, ev.ID)
	return ev, nil
}

func (s *Service) updateEvent(ctx context.Context, ev *Event, upd EventUpdate, clinicIDs *[]uuid.UUID, forceStatus *Status) error {
	if ev.Status == StatusCancelled {
		return fmt.Errorf("event %s is cancelled: %w", ev.ID, ErrInvalidTransition)
	}
	if forceStatus != nil {
		if _, err := ParseStatus(string(*forceStatus)); err != nil {
			return &ValidationError{Fields: map[string]string{"status": err.Error()}}
		}
	}
	if err := s.events.LockResource(ctx, ev.ResourceID); err != nil {
		return err
	}

	oldStart, oldEnd, oldTZ, oldRule := ev.StartTime, ev.EndTime, ev.Timezone, ev.Rule()
	v := &ValidationError{}

	if upd.Title != nil {
		ev.Title = strings.TrimSpace(*upd.Title)
	}
	if upd.Description != nil {
		ev.Description = trimmed(upd.Description)
	}
	if upd.Start != nil {
		ev.StartTime = *upd.Start
	}
	if upd.End != nil {
		ev.EndTime = *upd.End
	}
	if upd.Timezone != nil {
		ev.Timezone = *upd.Timezone
	}
	if upd.Location != nil {
		ev.Location = trimmed(upd.Location)
	}
	if upd.MeetingLink != nil {
		ev.MeetingLink = trimmed(upd.MeetingLink)
	}

	// Built-in rules are re-anchored whenever the start moves so the series
	// follows the event; custom rules are kept verbatim.
	option := ev.RecurrenceOption()
	rebuild := upd.Recurrence != nil ||
		(ev.RecurrenceRule != nil && (!ev.StartTime.Equal(oldStart) || ev.Timezone != oldTZ))
	if upd.Recurrence != nil {
		opt, err := recurrence.ParseOption(*upd.Recurrence)
		if err != nil {
			v.add("recurrence", err.Error())
			rebuild = false
		} else {
			option = opt
		}
	}
	if rebuild && option != recurrence.OptionCustom && !ev.StartTime.IsZero() {
		rule, err := recurrence.BuildRule(option, ruleAnchor(ev.StartTime, ev.Timezone))
		switch {
		case err != nil:
			v.add("recurrence", err.Error())
		case rule == "":
			ev.RecurrenceRule = nil
		default:
			ev.RecurrenceRule = &rule
		}
	}

	if err := ev.validate(); err != nil {
		for k, msg := range err.(*ValidationError).Fields {
			v.add(k, msg)
		}
	}
	if clinicIDs != nil {
		if err := validateClinicIDs(*clinicIDs); err != nil {
			v.add("clinic_ids", err.Error())
		}
	}
	if err := v.orNil(); err != nil {
		return err
	}

	intervalChanged := !ev.StartTime.Equal(oldStart) || !ev.EndTime.Equal(oldEnd) || ev.Rule() != oldRule
	if intervalChanged {
		candidate := availability.Interval{Start: ev.StartTime, End: ev.EndTime}
		if err := s.avail.ValidateSeries(ctx, ev.ResourceID, candidate, ev.Rule(), &ev.ID); err != nil {
			return err
		}
	}

	switch {
	case forceStatus != nil:
		ev.Status = *forceStatus
	case intervalChanged && ev.Status == StatusRescheduleRequested:
		ev.Status = StatusRescheduled
	}

	if err := s.events.Update(ctx, ev); err != nil {
		return err
	}

	if clinicIDs != nil {
		if err := s.events.ReplaceAttendees(ctx, ev.ID, *clinicIDs); err != nil {
			return fmt.Errorf("link attendees: %w", err)
		}
		attendees, err := s.events.ListAttendees(ctx, ev.ID)
		if err != nil {
			return err
		}
		ev.Attendees = attendees
	}

	if ev.Status == StatusCancelled {
		if _, err := s.changes.CloseOpen(ctx, ev.ID, ChangeRequestRejected, "system", s.now()); err != nil {
			return err
		}
	}
	return nil
}

// CancelEvent moves the event to the terminal cancelled status and rejects
// any change request still open. Cancelling twice is a no-op.
func (s *Service) CancelEvent(ctx context.Context, id uuid.UUID, actor string) (*Event, error) {
	var ev *Event
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		if ev, err = s.events.GetByID(ctx, id); err != nil {
			return err
		}
		if ev.Status == StatusCancelled {
			return nil
		}
		return s.cancel(ctx, ev, actor)
	})
	if err != nil {
		return nil, err
	}

	s.notify.EventChanged(ctx, ev.ID)
	return ev, nil
}

func (s *Service) cancel(ctx context.Context, ev *Event, actor string) error {
	if err := s.events.UpdateStatus(ctx, ev.ID, StatusCancelled); err != nil {
		return err
	}
	ev.Status = StatusCancelled
	if actor == "" {
		actor = "system"
	}
	_, err := s.changes.CloseOpen(ctx, ev.ID, ChangeRequestRejected, actor, s.now())
	return err
}

// DeleteEvent removes an erroneous event together with its links.
func (s *Service) DeleteEvent(ctx context.Context, id uuid.UUID) error {
	ev, err := s.events.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.events.Delete(ctx, id); err != nil {
		return err
	}
	if ev.GoogleEventID != nil && ev.Status != StatusCancelled {
		s.notify.EventDeleted(ctx, ev.ResourceID, *ev.GoogleEventID)
	}
	return nil
}

// ListEvents returns every occurrence of the filter's events inside the
// window, recurring series expanded, ordered by start.
func (s *Service) ListEvents(ctx context.Context, f EventFilter) ([]*EventOccurrence, error) {
	v := &ValidationError{}
	if (f.ResourceID == nil) == (f.ClinicID == nil) {
		v.add("resource_id", "exactly one of resource_id and clinic_id is required")
	}
	if f.From.IsZero() {
		v.add("from", "is required")
	}
	if f.To.IsZero() {
		v.add("to", "is required")
	} else if !f.To.After(f.From) {
		v.add("to", "must be after from")
	} else if f.To.Sub(f.From) > recurrence.MaxWindow {
		v.add("to", "window is too long")
	}
	if err := v.orNil(); err != nil {
		return nil, err
	}

	events, err := s.events.List(ctx, f)
	if err != nil {
		return nil, err
	}

	out := []*EventOccurrence{}
	for _, ev := range events {
		occs, err := recurrence.Expand(ev.Rule(), ev.StartTime, ev.EndTime, f.From, f.To)
		if err != nil {
			return nil, fmt.Errorf("expand event %s: %w", ev.ID, err)
		}
		for _, o := range occs {
			out = append(out, &EventOccurrence{
				EventID:   ev.ID,
				Key:       o.Key,
				Index:     o.Index,
				Start:     o.Start,
				End:       o.End,
				Recurring: ev.RecurrenceRule != nil,
				Event:     ev,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// EventsStartingWithin returns the resource's occurrences starting in
// [now, now+minutes]. It is a pure query for reminder timers.
func (s *Service) EventsStartingWithin(ctx context.Context, resourceID uuid.UUID, now time.Time, minutes int) ([]*EventOccurrence, error) {
	if minutes <= 0 {
		return nil, &ValidationError{Fields: map[string]string{"minutes": "must be positive"}}
	}
	horizon := now.Add(time.Duration(minutes) * time.Minute)
	occs, err := s.ListEvents(ctx, EventFilter{ResourceID: &resourceID, From: now, To: horizon.Add(time.Nanosecond)})
	if err != nil {
		return nil, err
	}
	out := []*EventOccurrence{}
	for _, o := range occs {
		if !o.Start.Before(now) && !o.Start.After(horizon) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *Service) SuggestSlots(ctx context.Context, q availability.SlotQuery) ([]availability.Slot, error) {
	return s.avail.SuggestSlots(ctx, q)
}

// -- Attendance --

// ConfirmAttendance records the answer of the consultant (actorID equal to
// the event's resource) or of an invited clinic, then recomputes the
// aggregate status.
func (s *Service) ConfirmAttendance(ctx context.Context, eventID, actorID uuid.UUID, decision AttendanceStatus) (*Event, error) {
	if decision != AttendanceConfirmed && decision != AttendanceDeclined {
		return nil, &ValidationError{Fields: map[string]string{"decision": "must be confirmed or declined"}}
	}

	var ev *Event
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		if ev, err = s.events.GetByID(ctx, eventID); err != nil {
			return err
		}
		if ev.Status == StatusCancelled {
			return fmt.Errorf("event %s is cancelled: %w", ev.ID, ErrInvalidTransition)
		}

		if actorID == ev.ResourceID {
			if err := s.events.SetConsultantStatus(ctx, ev.ID, decision); err != nil {
				return err
			}
			ev.ConsultantStatus = decision
		} else {
			a := ev.attendee(actorID)
			if a == nil {
				return &ValidationError{Fields: map[string]string{"actor_id": "is not invited to this event"}}
			}
			at := s.now()
			if err := s.events.SetAttendance(ctx, ev.ID, actorID, decision, at); err != nil {
				return err
			}
			a.Status = decision
			a.RespondedAt = &at
		}

		// An open change request keeps the event in reschedule_requested.
		if ev.Status == StatusRescheduleRequested {
			return nil
		}
		return s.settle(ctx, ev)
	})
	if err != nil {
		return nil, err
	}

	s.notify.EventChanged(ctx, ev.ID)
	return ev, nil
}

// settle stores the status implied by the current answers.
func (s *Service) settle(ctx context.Context, ev *Event) error {
	next := reevaluate(ev)
	if next == ev.Status || !CanTransition(ev.Status, next) {
		return nil
	}
	if err := s.events.UpdateStatus(ctx, ev.ID, next); err != nil {
		return err
	}
	ev.Status = next
	return nil
}

// -- Change requests --

// RequestReschedule records a clinic's proposal to move the event and flips
// the event to reschedule_requested.
func (s *Service) RequestReschedule(ctx context.Context, eventID, clinicID uuid.UUID, reason string, suggested *availability.Interval) (*ChangeRequest, error) {
	v := &ValidationError{}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		v.add("reason", "is required")
	}
	if suggested != nil && !suggested.Valid() {
		v.add("suggested_end", "must be after suggested_start")
	}
	if err := v.orNil(); err != nil {
		return nil, err
	}

	cr := &ChangeRequest{
		EventID:  eventID,
		ClinicID: clinicID,
		Reason:   reason,
		Status:   ChangeRequestOpen,
	}
	if suggested != nil {
		start, end := suggested.Start, suggested.End
		cr.SuggestedStart, cr.SuggestedEnd = &start, &end
	}

	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		ev, err := s.events.GetByID(ctx, eventID)
		if err != nil {
			return err
		}
		if ev.Status == StatusCancelled {
			return fmt.Errorf("event %s is cancelled: %w", ev.ID, ErrInvalidTransition)
		}
		if ev.attendee(clinicID) == nil {
			return &ValidationError{Fields: map[string]string{"clinic_id": "is not invited to this event"}}
		}
		if err := s.changes.Create(ctx, cr); err != nil {
			return err
		}
		if ev.Status != StatusRescheduleRequested {
			return s.events.UpdateStatus(ctx, ev.ID, StatusRescheduleRequested)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notify.EventChanged(ctx, eventID)
	return cr, nil
}

// ResolveChangeRequest accepts or rejects an open request. Accepting applies
// the suggested interval; once no request stays open the event status is
// recomputed from the attendees' answers.
func (s *Service) ResolveChangeRequest(ctx context.Context, requestID uuid.UUID, outcome ChangeRequestStatus, resolverID string) (*ChangeRequest, error) {
	if outcome != ChangeRequestAccepted && outcome != ChangeRequestRejected {
		return nil, &ValidationError{Fields: map[string]string{"outcome": "must be accepted or rejected"}}
	}
	if resolverID == "" {
		resolverID = "system"
	}

	var cr *ChangeRequest
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		if cr, err = s.changes.GetByID(ctx, requestID); err != nil {
			return err
		}
		if cr.Status != ChangeRequestOpen {
			return fmt.Errorf("change request %s is %s: %w", cr.ID, cr.Status, ErrInvalidTransition)
		}
		ev, err := s.events.GetByID(ctx, cr.EventID)
		if err != nil {
			return err
		}

		if outcome == ChangeRequestAccepted && cr.SuggestedStart != nil && cr.SuggestedEnd != nil {
			upd := EventUpdate{Start: cr.SuggestedStart, End: cr.SuggestedEnd}
			if err := s.updateEvent(ctx, ev, upd, nil, nil); err != nil {
				return err
			}
		}

		at := s.now()
		if err := s.changes.Resolve(ctx, cr.ID, outcome, resolverID, at); err != nil {
			return err
		}
		cr.Status, cr.ResolvedBy, cr.ResolvedAt = outcome, &resolverID, &at

		open, err := s.changes.CountOpen(ctx, ev.ID)
		if err != nil {
			return err
		}
		if open > 0 || ev.Status == StatusCancelled {
			return nil
		}
		return s.settle(ctx, ev)
	})
	if err != nil {
		return nil, err
	}

	s.notify.EventChanged(ctx, cr.EventID)
	return cr, nil
}

func (s *Service) GetChangeRequest(ctx context.Context, id uuid.UUID) (*ChangeRequest, error) {
	return s.changes.GetByID(ctx, id)
}

func (s *Service) ListChangeRequests(ctx context.Context, f ChangeRequestFilter, limit, offset int) ([]*ChangeRequest, int, error) {
	return s.changes.List(ctx, f, limit, offset)
}

// -- Mirror bookkeeping --

// ApplyRemoteMirror records what the external calendar holds for a local
// event. A remote cancellation cancels the local event. No notification is
// sent, so the change is not pushed back out.
func (s *Service) ApplyRemoteMirror(ctx context.Context, eventID uuid.UUID, googleEventID, etag string, cancelled bool) error {
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		ev, err := s.events.GetByID(ctx, eventID)
		if err != nil {
			return err
		}
		var tag *string
		if etag != "" {
			tag = &etag
		}
		if err := s.events.SetMirror(ctx, ev.ID, &googleEventID, tag); err != nil {
			return err
		}
		if cancelled && ev.Status != StatusCancelled {
			return s.cancel(ctx, ev, "google")
		}
		return nil
	})
}

// MirroredEventID returns the local event published as googleEventID.
func (s *Service) MirroredEventID(ctx context.Context, googleEventID string) (uuid.UUID, error) {
	ev, err := s.events.GetByGoogleEventID(ctx, googleEventID)
	if err != nil {
		return uuid.Nil, err
	}
	return ev.ID, nil
}

// RecordMirror stores the external id and etag after a successful push.
// Passing nil clears the mirror.
func (s *Service) RecordMirror(ctx context.Context, eventID uuid.UUID, googleEventID, etag *string) error {
	return s.events.SetMirror(ctx, eventID, googleEventID, etag)
}

// IsConflict reports whether err is a scheduling conflict.
func IsConflict(err error) bool {
	return errors.Is(err, availability.ErrSchedulingConflict)
}
