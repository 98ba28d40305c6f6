package availability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/clinicsync/clinicsync/internal/domain/recurrence"
	"github.com/google/uuid"
)

type fakeSource struct {
	busy []Busy
	err  error
}

func (f *fakeSource) ActiveEvents(_ context.Context, _ uuid.UUID, _, _ time.Time) ([]Busy, error) {
	return f.busy, f.err
}

func (f *fakeSource) ActiveBlocks(_ context.Context, _ uuid.UUID, _, _ time.Time) ([]Busy, error) {
	return f.busy, f.err
}

func at(h, m int) time.Time {
	return time.Date(2025, 3, 12, h, m, 0, 0, time.UTC)
}

func TestValidateNoOverlap(t *testing.T) {
	existing := uuid.New()
	engine := NewEngine(&fakeSource{busy: []Busy{{ID: existing, Title: "Consult", Start: at(10, 0), End: at(11, 0)}}}, nil)
	ctx := context.Background()

	tests := []struct {
		name      string
		candidate Interval
		exclude   *uuid.UUID
		conflict  bool
	}{
		{"overlapping start", Interval{at(9, 30), at(10, 30)}, nil, true},
		{"contained", Interval{at(10, 15), at(10, 45)}, nil, true},
		{"back to back before", Interval{at(9, 0), at(10, 0)}, nil, false},
		{"back to back after", Interval{at(11, 0), at(12, 0)}, nil, false},
		{"excluding itself", Interval{at(10, 30), at(11, 30)}, &existing, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := engine.ValidateNoOverlap(ctx, uuid.New(), tt.candidate, tt.exclude)
			if tt.conflict {
				if !errors.Is(err, ErrSchedulingConflict) {
					t.Fatalf("expected ErrSchedulingConflict, got %v", err)
				}
				var ce *ConflictError
				if !errors.As(err, &ce) || ce.EventID != existing {
					t.Errorf("expected conflict naming %s, got %v", existing, err)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateNoOverlap_RecurringBusy(t *testing.T) {
	anchor := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	rule, _ := recurrence.BuildRule(recurrence.OptionWeekly, anchor)
	engine := NewEngine(&fakeSource{busy: []Busy{{ID: uuid.New(), Start: anchor, End: anchor.Add(time.Hour), Rule: rule}}}, nil)

	// 2025-03-17 is a Monday, the third occurrence.
	candidate := Interval{Start: time.Date(2025, 3, 17, 10, 30, 0, 0, time.UTC), End: time.Date(2025, 3, 17, 11, 30, 0, 0, time.UTC)}
	if err := engine.ValidateNoOverlap(context.Background(), uuid.New(), candidate, nil); !errors.Is(err, ErrSchedulingConflict) {
		t.Errorf("expected conflict with recurring occurrence, got %v", err)
	}

	tuesday := Interval{Start: candidate.Start.AddDate(0, 0, 1), End: candidate.End.AddDate(0, 0, 1)}
	if err := engine.ValidateNoOverlap(context.Background(), uuid.New(), tuesday, nil); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateSeries_RecurringCandidate(t *testing.T) {
	later := time.Date(2025, 4, 7, 10, 0, 0, 0, time.UTC)
	engine := NewEngine(&fakeSource{busy: []Busy{{ID: uuid.New(), Start: later, End: later.Add(time.Hour)}}}, nil)

	start := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	rule, _ := recurrence.BuildRule(recurrence.OptionWeekly, start)
	err := engine.ValidateSeries(context.Background(), uuid.New(), Interval{Start: start, End: start.Add(time.Hour)}, rule, nil)
	if !errors.Is(err, ErrSchedulingConflict) {
		t.Errorf("expected a later occurrence to conflict, got %v", err)
	}
}

func TestValidateNoOverlap_SourceError(t *testing.T) {
	engine := NewEngine(&fakeSource{err: errors.New("db down")}, nil)
	err := engine.ValidateNoOverlap(context.Background(), uuid.New(), Interval{at(9, 0), at(10, 0)}, nil)
	if err == nil || errors.Is(err, ErrSchedulingConflict) {
		t.Errorf("expected a load error, got %v", err)
	}
}

func TestSuggestSlots_BufferScenario(t *testing.T) {
	engine := NewEngine(&fakeSource{busy: []Busy{{ID: uuid.New(), Start: at(10, 0), End: at(11, 0)}}}, nil)

	slots, err := engine.SuggestSlots(context.Background(), SlotQuery{
		ResourceID:  uuid.New(),
		Duration:    time.Hour,
		SearchStart: at(9, 0),
		SearchEnd:   at(12, 0),
		Hours:       WorkingHours{Open: 8 * time.Hour, Close: 18 * time.Hour},
		Buffer:      15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []time.Time{at(9, 0), at(11, 15), at(11, 30), at(11, 45)}
	if len(slots) != len(want) {
		t.Fatalf("expected %d slots, got %+v", len(want), slots)
	}
	for i, s := range slots {
		if !s.Start.Equal(want[i]) || s.End.Sub(s.Start) != time.Hour {
			t.Errorf("slot %d: got %s-%s, want start %s", i, s.Start.Format("15:04"), s.End.Format("15:04"), want[i].Format("15:04"))
		}
	}
	for _, s := range slots {
		if s.Start.After(at(9, 0)) && s.Start.Before(at(11, 15)) {
			t.Errorf("slot %s should have been excluded", s.Start.Format("15:04"))
		}
	}
}

func TestSuggestSlots_WorkingHoursAndLimit(t *testing.T) {
	engine := NewEngine(&fakeSource{}, nil)

	// Friday 14 March to Monday 17 March.
	from := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	slots, err := engine.SuggestSlots(context.Background(), SlotQuery{
		Duration:    30 * time.Minute,
		SearchStart: from,
		SearchEnd:   from.AddDate(0, 0, 4),
		Hours: WorkingHours{
			Days:  []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
			Open:  9 * time.Hour,
			Close: 10 * time.Hour,
		},
		Granularity: 30 * time.Minute,
		Limit:       3,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(slots) != 3 {
		t.Fatalf("expected 3 slots, got %d", len(slots))
	}
	if slots[0].Start.Day() != 14 || slots[0].Start.Hour() != 9 {
		t.Errorf("unexpected first slot %s", slots[0].Start)
	}
	if slots[2].Start.Weekday() != time.Monday {
		t.Errorf("expected weekend to be skipped, got %s", slots[2].Start.Weekday())
	}
}

func TestSuggestSlots_IncludeExternal(t *testing.T) {
	blocks := &fakeSource{busy: []Busy{{ID: uuid.New(), Start: at(9, 0), End: at(10, 0)}}}
	engine := NewEngine(&fakeSource{}, blocks)

	q := SlotQuery{Duration: time.Hour, SearchStart: at(9, 0), SearchEnd: at(9, 15), Limit: 1}

	slots, err := engine.SuggestSlots(context.Background(), q)
	if err != nil || len(slots) != 1 {
		t.Fatalf("expected external blocks to be ignored by default, got %v, %v", slots, err)
	}

	q.IncludeExternal = true
	slots, err = engine.SuggestSlots(context.Background(), q)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(slots) != 0 {
		t.Errorf("expected external block to occupy the slot, got %v", slots)
	}
}

func TestSuggestSlots_RejectsBadQuery(t *testing.T) {
	engine := NewEngine(&fakeSource{}, nil)
	if _, err := engine.SuggestSlots(context.Background(), SlotQuery{SearchStart: at(9, 0), SearchEnd: at(12, 0)}); !errors.Is(err, ErrInvalidQuery) {
		t.Errorf("expected ErrInvalidQuery for zero duration, got %v", err)
	}
	_, err := engine.SuggestSlots(context.Background(), SlotQuery{Duration: time.Hour, SearchStart: at(12, 0), SearchEnd: at(9, 0)})
	if !errors.Is(err, recurrence.ErrUnboundedWindow) {
		t.Errorf("expected ErrUnboundedWindow, got %v", err)
	}
}

func TestParseClock(t *testing.T) {
	if d, err := ParseClock("09:30"); err != nil || d != 9*time.Hour+30*time.Minute {
		t.Errorf("ParseClock(09:30) = %s, %v", d, err)
	}
	if d, err := ParseClock("24:00"); err != nil || d != 24*time.Hour {
		t.Errorf("ParseClock(24:00) = %s, %v", d, err)
	}
	for _, bad := range []string{"9", "25:00", "24:30", "10:61", "aa:bb"} {
		if _, err := ParseClock(bad); err == nil {
			t.Errorf("ParseClock(%q): expected error", bad)
		}
	}
}

func TestParseWeekdays(t *testing.T) {
	days, err := ParseWeekdays([]string{"Monday", "wed", "FRI"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(days) != 3 || days[0] != time.Monday || days[1] != time.Wednesday || days[2] != time.Friday {
		t.Errorf("unexpected days %v", days)
	}
	if _, err := ParseWeekdays([]string{"someday"}); err == nil {
		t.Error("expected error for unknown weekday")
	}
}
