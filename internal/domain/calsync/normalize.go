package calsync

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"
)

const dateLayout = "2006-01-02"

var errNoTime = errors.New("no time")

// Normalize maps a remote event onto the canonical ExternalBlock shape. Every
// tolerance for optional or alternative provider fields lives here. All-day
// dates are read in loc. A cancelled item without times still yields a block
// so the caller can mark the stored copy cancelled; any other item without
// usable times returns ErrUnusableEvent. Instance exceptions of a recurring
// series carry the master's id and the start they replace.
func Normalize(ev *calendar.Event, loc *time.Location) (*ExternalBlock, error) {
	if ev == nil || ev.Id == "" {
		return nil, fmt.Errorf("%w: missing id", ErrUnusableEvent)
	}
	if loc == nil {
		loc = time.UTC
	}

	b := &ExternalBlock{
		ExternalID:  ev.Id,
		Etag:        ev.Etag,
		Summary:     strings.TrimSpace(ev.Summary),
		Description: ev.Description,
		Location:    ev.Location,
		HTMLLink:    ev.HtmlLink,
		MeetingLink: meetingLink(ev),
		Attendees:   attendeeSummaries(ev.Attendees),
		Recurrence:  recurrenceRule(ev.Recurrence),
		Status:      blockStatus(ev.Status),
		RecurringID: ev.RecurringEventId,
	}
	if ev.RecurringEventId != "" {
		if orig, _, err := eventTime(ev.OriginalStartTime, loc); err == nil {
			b.OriginalStart = &orig
		}
	}

	start, startAllDay, errStart := eventTime(ev.Start, loc)
	end, _, errEnd := eventTime(ev.End, loc)
	if errStart != nil || errEnd != nil || !end.After(start) {
		if b.Status == BlockCancelled {
			return b, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrUnusableEvent, ev.Id)
	}
	b.StartTime, b.EndTime, b.AllDay = &start, &end, startAllDay
	return b, nil
}

// eventTime prefers the precise timestamp and falls back to the all-day date.
func eventTime(dt *calendar.EventDateTime, loc *time.Location) (time.Time, bool, error) {
	if dt == nil {
		return time.Time{}, false, errNoTime
	}
	if dt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		return t, false, err
	}
	if dt.Date != "" {
		if dt.TimeZone != "" {
			if tz, err := time.LoadLocation(dt.TimeZone); err == nil {
				loc = tz
			}
		}
		t, err := time.ParseInLocation(dateLayout, dt.Date, loc)
		return t, true, err
	}
	return time.Time{}, false, errNoTime
}

func blockStatus(s string) BlockStatus {
	switch s {
	case "cancelled":
		return BlockCancelled
	case "tentative":
		return BlockTentative
	default:
		return BlockConfirmed
	}
}

// meetingLink picks the first video entry point, then the Hangouts link, then
// the event's web page.
func meetingLink(ev *calendar.Event) string {
	if ev.ConferenceData != nil {
		for _, ep := range ev.ConferenceData.EntryPoints {
			if ep != nil && ep.EntryPointType == "video" && ep.Uri != "" {
				return ep.Uri
			}
		}
	}
	if ev.HangoutLink != "" {
		return ev.HangoutLink
	}
	return ev.HtmlLink
}

func attendeeSummaries(in []*calendar.EventAttendee) []AttendeeSummary {
	out := make([]AttendeeSummary, 0, len(in))
	for _, a := range in {
		if a == nil || a.Resource {
			continue
		}
		out = append(out, AttendeeSummary{
			Email:          a.Email,
			DisplayName:    a.DisplayName,
			ResponseStatus: a.ResponseStatus,
			Organizer:      a.Organizer,
		})
	}
	return out
}

// recurrenceRule keeps the RRULE and EXDATE lines of a recurring master.
// RDATE lines are dropped. A master without an RRULE is treated as single.
func recurrenceRule(lines []string) string {
	var rule string
	var exdates []string
	for _, l := range lines {
		l = strings.TrimSpace(l)
		switch upper := strings.ToUpper(l); {
		case strings.HasPrefix(upper, "RRULE:"):
			if rule == "" {
				rule = l
			}
		case strings.HasPrefix(upper, "EXDATE"):
			exdates = append(exdates, l)
		}
	}
	if rule == "" {
		return ""
	}
	return strings.Join(append([]string{rule}, exdates...), "\n")
}
