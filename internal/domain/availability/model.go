package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrSchedulingConflict is returned when an interval collides with another
// non-cancelled event of the same resource.
var ErrSchedulingConflict = errors.New("time already taken")

// ErrInvalidQuery marks a malformed slot search.
var ErrInvalidQuery = errors.New("invalid slot query")

// ConflictError names the event that caused a conflict.
type ConflictError struct {
	EventID uuid.UUID
	Title   string
	Start   time.Time
	End     time.Time
}

func (e *ConflictError) Error() string {
	if e.EventID == uuid.Nil {
		return ErrSchedulingConflict.Error()
	}
	return fmt.Sprintf("%s: overlaps %q from %s to %s", ErrSchedulingConflict,
		e.Title, e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339))
}

func (e *ConflictError) Unwrap() error { return ErrSchedulingConflict }

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (i Interval) Valid() bool { return !i.Start.IsZero() && i.End.After(i.Start) }

func (i Interval) Overlaps(o Interval) bool {
	return i.Start.Before(o.End) && o.Start.Before(i.End)
}

// Busy is a stored interval that may repeat by Rule.
type Busy struct {
	ID    uuid.UUID
	Title string
	Start time.Time
	End   time.Time
	Rule  string
}

// EventSource returns a resource's non-cancelled events that may intersect
// [from, to): one-off events overlapping the window and recurring events
// whose series starts before to.
type EventSource interface {
	ActiveEvents(ctx context.Context, resourceID uuid.UUID, from, to time.Time) ([]Busy, error)
}

// BlockSource returns non-cancelled, timed external blocks for a resource
// under the same contract as EventSource.
type BlockSource interface {
	ActiveBlocks(ctx context.Context, resourceID uuid.UUID, from, to time.Time) ([]Busy, error)
}

// WorkingHours limits slot suggestions to given weekdays and a daily window
// expressed as offsets from local midnight in Location. Empty Days means
// every day; a zero Close means end of day.
type WorkingHours struct {
	Days     []time.Weekday
	Open     time.Duration
	Close    time.Duration
	Location *time.Location
}

type SlotQuery struct {
	ResourceID  uuid.UUID
	Duration    time.Duration
	SearchStart time.Time
	SearchEnd   time.Time
	Hours       WorkingHours
	// Buffer is the turnaround kept free after every busy interval.
	Buffer          time.Duration
	Granularity     time.Duration
	Limit           int
	IncludeExternal bool
}

type Slot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

const (
	DefaultGranularity = 15 * time.Minute
	DefaultLimit       = 10
	MaxLimit           = 100
	// SeriesHorizon is how far ahead a recurring candidate is checked.
	SeriesHorizon = 366 * 24 * time.Hour
)
