package calsync

import (
	"errors"
	"testing"
	"time"

	"google.golang.org/api/calendar/v3"
)

func TestNormalize_TimedEvent(t *testing.T) {
	ev := &calendar.Event{
		Id:          "ext-1",
		Etag:        `"3"`,
		Status:      "tentative",
		Summary:     "  Board meeting ",
		Location:    "Room 2",
		HtmlLink:    "https://calendar.example/event?eid=1",
		HangoutLink: "https://meet.example/abc",
		Start:       &calendar.EventDateTime{DateTime: "2025-03-11T10:00:00+01:00"},
		End:         &calendar.EventDateTime{DateTime: "2025-03-11T11:30:00+01:00"},
		Recurrence:  []string{"EXDATE;TZID=Europe/Berlin:20250318T100000", "RRULE:FREQ=WEEKLY;BYDAY=TU"},
		Attendees: []*calendar.EventAttendee{
			{Email: "a@example.com", ResponseStatus: "accepted", Organizer: true},
			{Email: "room@resource.example", Resource: true},
		},
	}

	b, err := Normalize(ev, time.UTC)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if b.Summary != "Board meeting" || b.Status != BlockTentative || b.AllDay {
		t.Errorf("unexpected block %+v", b)
	}
	if !b.StartTime.Equal(time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC)) || b.EndTime.Sub(*b.StartTime) != 90*time.Minute {
		t.Errorf("unexpected interval %v - %v", b.StartTime, b.EndTime)
	}
	if b.MeetingLink != "https://meet.example/abc" {
		t.Errorf("expected hangout link, got %q", b.MeetingLink)
	}
	if b.Recurrence != "RRULE:FREQ=WEEKLY;BYDAY=TU\nEXDATE;TZID=Europe/Berlin:20250318T100000" {
		t.Errorf("unexpected recurrence %q", b.Recurrence)
	}
	if len(b.Attendees) != 1 || !b.Attendees[0].Organizer {
		t.Errorf("expected one human attendee, got %+v", b.Attendees)
	}
}

func TestNormalize_AllDayUsesResourceZone(t *testing.T) {
	berlin, _ := time.LoadLocation("Europe/Berlin")
	ev := &calendar.Event{
		Id:    "holiday",
		Start: &calendar.EventDateTime{Date: "2025-03-12"},
		End:   &calendar.EventDateTime{Date: "2025-03-13"},
	}
	b, err := Normalize(ev, berlin)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if !b.AllDay || !b.StartTime.Equal(time.Date(2025, 3, 12, 0, 0, 0, 0, berlin)) {
		t.Errorf("unexpected all-day block %+v", b)
	}
	if b.Status != BlockConfirmed {
		t.Errorf("expected default status confirmed, got %s", b.Status)
	}
}

func TestMeetingLink_Priority(t *testing.T) {
	tests := []struct {
		name string
		ev   *calendar.Event
		want string
	}{
		{
			name: "video entry point wins",
			ev: &calendar.Event{
				HangoutLink: "https://meet.example/h",
				HtmlLink:    "https://calendar.example/e",
				ConferenceData: &calendar.ConferenceData{EntryPoints: []*calendar.EntryPoint{
					{EntryPointType: "phone", Uri: "tel:+1-555"},
					{EntryPointType: "video", Uri: "https://zoom.example/j/1"},
				}},
			},
			want: "https://zoom.example/j/1",
		},
		{
			name: "hangout link next",
			ev:   &calendar.Event{HangoutLink: "https://meet.example/h", HtmlLink: "https://calendar.example/e"},
			want: "https://meet.example/h",
		},
		{
			name: "generic link last",
			ev:   &calendar.Event{HtmlLink: "https://calendar.example/e"},
			want: "https://calendar.example/e",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := meetingLink(tt.ev); got != tt.want {
				t.Errorf("meetingLink() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalize_MissingTimes(t *testing.T) {
	b, err := Normalize(&calendar.Event{Id: "gone", Status: "cancelled"}, time.UTC)
	if err != nil || b.Status != BlockCancelled || b.StartTime != nil {
		t.Errorf("expected timeless cancelled block, got %+v (%v)", b, err)
	}

	if _, err := Normalize(&calendar.Event{Id: "broken", Status: "confirmed"}, time.UTC); !errors.Is(err, ErrUnusableEvent) {
		t.Errorf("expected ErrUnusableEvent, got %v", err)
	}

	inverted := &calendar.Event{
		Id:    "inverted",
		Start: &calendar.EventDateTime{DateTime: "2025-03-11T11:00:00Z"},
		End:   &calendar.EventDateTime{DateTime: "2025-03-11T10:00:00Z"},
	}
	if _, err := Normalize(inverted, time.UTC); !errors.Is(err, ErrUnusableEvent) {
		t.Errorf("expected ErrUnusableEvent for inverted interval, got %v", err)
	}
}

func TestNormalize_CancelledInstanceException(t *testing.T) {
	ev := &calendar.Event{
		Id:                "series_20250318T090000Z",
		Status:            "cancelled",
		RecurringEventId:  "series",
		OriginalStartTime: &calendar.EventDateTime{DateTime: "2025-03-18T10:00:00+01:00"},
	}
	b, err := Normalize(ev, time.UTC)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if b.StartTime != nil || b.Status != BlockCancelled {
		t.Errorf("expected timeless cancelled block, got %+v", b)
	}
	if b.RecurringID != "series" || b.OriginalStart == nil ||
		!b.OriginalStart.Equal(time.Date(2025, 3, 18, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected exception link %q %v", b.RecurringID, b.OriginalStart)
	}
}

func TestRecurrenceRule(t *testing.T) {
	tests := []struct {
		lines []string
		want  string
	}{
		{nil, ""},
		{[]string{"EXDATE:20250318T090000Z"}, ""},
		{[]string{"RRULE:FREQ=DAILY"}, "RRULE:FREQ=DAILY"},
		{[]string{"RDATE:20250401T090000Z", "RRULE:FREQ=DAILY", "EXDATE:20250318T090000Z"}, "RRULE:FREQ=DAILY\nEXDATE:20250318T090000Z"},
	}
	for _, tt := range tests {
		if got := recurrenceRule(tt.lines); got != tt.want {
			t.Errorf("recurrenceRule(%v) = %q, want %q", tt.lines, got, tt.want)
		}
	}
}
