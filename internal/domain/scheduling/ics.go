package scheduling

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"
)

const icsProductID = "-//clinicsync//scheduling//EN"

// WriteCalendar renders the resource's occurrences in [from, to) as an
// iCalendar feed. Each occurrence becomes its own VEVENT.
func (s *Service) WriteCalendar(ctx context.Context, w io.Writer, resourceID uuid.UUID, from, to time.Time) error {
	occs, err := s.ListEvents(ctx, EventFilter{ResourceID: &resourceID, From: from, To: to})
	if err != nil {
		return err
	}
	return encodeCalendar(w, occs, s.now())
}

func encodeCalendar(w io.Writer, occs []*EventOccurrence, stamp time.Time) error {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, icsProductID)
	for _, o := range occs {
		cal.Children = append(cal.Children, occurrenceComponent(o, stamp))
	}
	if err := ical.NewEncoder(w).Encode(cal); err != nil {
		return fmt.Errorf("encode calendar: %w", err)
	}
	return nil
}

func occurrenceComponent(o *EventOccurrence, stamp time.Time) *ical.Component {
	ev := o.Event
	ve := ical.NewComponent(ical.CompEvent)

	uid := ev.ID.String() + "@clinicsync"
	if o.Recurring {
		uid = ev.ID.String() + "-" + o.Key + "@clinicsync"
	}
	ve.Props.SetText(ical.PropUID, uid)
	ve.Props.SetText(ical.PropSummary, ev.Title)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, stamp.UTC())
	ve.Props.SetDateTime(ical.PropDateTimeStart, o.Start.UTC())
	ve.Props.SetDateTime(ical.PropDateTimeEnd, o.End.UTC())
	ve.Props.SetText(ical.PropStatus, icsStatus(ev.Status))

	if ev.Description != nil {
		ve.Props.SetText(ical.PropDescription, *ev.Description)
	}
	if ev.Location != nil {
		ve.Props.SetText(ical.PropLocation, *ev.Location)
	}
	if ev.MeetingLink != nil {
		p := ical.NewProp(ical.PropURL)
		p.Value = *ev.MeetingLink
		ve.Props.Set(p)
	}
	return ve
}

func icsStatus(s Status) string {
	switch s {
	case StatusConfirmed:
		return "CONFIRMED"
	case StatusCancelled, StatusDeclined:
		return "CANCELLED"
	default:
		return "TENTATIVE"
	}
}
