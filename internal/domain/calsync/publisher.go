package calsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/api/calendar/v3"

	"github.com/clinicsync/clinicsync/internal/domain/scheduling"
	"github.com/clinicsync/clinicsync/internal/domain/vault"
	"github.com/clinicsync/clinicsync/internal/platform/gcal"
)

// EventStore is the scheduling surface the publisher reads and annotates.
type EventStore interface {
	GetEvent(ctx context.Context, id uuid.UUID) (*scheduling.Event, error)
	RecordMirror(ctx context.Context, eventID uuid.UUID, googleEventID, etag *string) error
}

// Publisher pushes local events to the owning resource's calendar, tagging
// each with a back-reference so the importer recognizes it on the way back.
type Publisher struct {
	events    EventStore
	sessions  SessionSource
	directory Directory
	logger    zerolog.Logger
}

func NewPublisher(events EventStore, sessions SessionSource, directory Directory, logger zerolog.Logger) *Publisher {
	return &Publisher{
		events:    events,
		sessions:  sessions,
		directory: directory,
		logger:    logger.With().Str("component", "publisher").Logger(),
	}
}

// Publish inserts or patches the remote copy of an event, or deletes it once
// the event is cancelled. Events of resources without a connected calendar
// are left alone.
func (p *Publisher) Publish(ctx context.Context, eventID uuid.UUID) error {
	ev, err := p.events.GetEvent(ctx, eventID)
	if errors.Is(err, scheduling.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	log := p.logger.With().Str("event_id", ev.ID.String()).Str("resource_id", ev.ResourceID.String()).Logger()

	calendarID, cal, err := p.session(ctx, ev.ResourceID)
	if vault.NeedsReconnect(err) {
		log.Debug().Msg("calendar not connected; publish skipped")
		return nil
	}
	if err != nil {
		return err
	}

	if ev.Status == scheduling.StatusCancelled {
		if ev.GoogleEventID == nil {
			return nil
		}
		if err := cal.DeleteEvent(ctx, calendarID, *ev.GoogleEventID); err != nil && !errors.Is(err, gcal.ErrRemoteNotFound) {
			return err
		}
		log.Info().Str("google_event_id", *ev.GoogleEventID).Msg("remote copy removed")
		return p.events.RecordMirror(ctx, ev.ID, nil, nil)
	}

	body := remoteEvent(ev)
	var out *calendar.Event
	if ev.GoogleEventID != nil {
		out, err = cal.PatchEvent(ctx, calendarID, *ev.GoogleEventID, body)
		if errors.Is(err, gcal.ErrRemoteNotFound) {
			log.Warn().Str("google_event_id", *ev.GoogleEventID).Msg("remote copy vanished; inserting again")
			out, err = cal.InsertEvent(ctx, calendarID, body)
		}
	} else {
		out, err = cal.InsertEvent(ctx, calendarID, body)
	}
	if err != nil {
		return err
	}

	log.Info().Str("google_event_id", out.Id).Msg("event published")
	return p.events.RecordMirror(ctx, ev.ID, &out.Id, &out.Etag)
}

// Unpublish deletes a remote copy whose local event no longer exists.
func (p *Publisher) Unpublish(ctx context.Context, resourceID uuid.UUID, googleEventID string) error {
	calendarID, cal, err := p.session(ctx, resourceID)
	if vault.NeedsReconnect(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := cal.DeleteEvent(ctx, calendarID, googleEventID); err != nil && !errors.Is(err, gcal.ErrRemoteNotFound) {
		return err
	}
	return nil
}

func (p *Publisher) session(ctx context.Context, resourceID uuid.UUID) (string, gcal.Calendar, error) {
	res, err := p.directory.GetResource(ctx, resourceID)
	if err != nil {
		return "", nil, fmt.Errorf("resolve resource %s: %w", resourceID, err)
	}
	calendarID := res.CalendarID
	if calendarID == "" {
		calendarID = defaultCalendarID
	}
	sess, err := p.sessions.GetValidAccessToken(ctx, resourceID)
	if err != nil {
		return "", nil, err
	}
	return calendarID, sess.Calendar, nil
}

// remoteEvent renders a local event in the provider's shape. Locally authored
// text fields are always sent so clearing them clears the remote copy.
func remoteEvent(ev *scheduling.Event) *calendar.Event {
	loc, err := time.LoadLocation(ev.Timezone)
	if err != nil {
		loc = time.UTC
	}
	out := &calendar.Event{
		Summary: ev.Title,
		Start:   &calendar.EventDateTime{DateTime: ev.StartTime.In(loc).Format(time.RFC3339), TimeZone: loc.String()},
		End:     &calendar.EventDateTime{DateTime: ev.EndTime.In(loc).Format(time.RFC3339), TimeZone: loc.String()},
		Status:  "confirmed",
	}
	out.ForceSendFields = []string{"Description", "Location", "Recurrence"}
	if ev.Status == scheduling.StatusPendingConfirmation || ev.Status == scheduling.StatusRescheduleRequested {
		out.Status = "tentative"
	}
	if ev.Description != nil {
		out.Description = *ev.Description
	}
	if ev.Location != nil {
		out.Location = *ev.Location
	}
	if ev.MeetingLink != nil && *ev.MeetingLink != "" {
		out.Source = &calendar.EventSource{Title: "Meeting link", Url: *ev.MeetingLink}
	}
	out.Recurrence = []string{}
	for _, line := range strings.Split(ev.Rule(), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "RRULE:") || strings.HasPrefix(line, "EXDATE") || strings.HasPrefix(line, "RDATE") {
			out.Recurrence = append(out.Recurrence, line)
		}
	}
	gcal.SetBackReference(out, ev.ID.String())
	return out
}
