package availability

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/clinicsync/clinicsync/internal/domain/recurrence"
	"github.com/google/uuid"
)

type Engine struct {
	events EventSource
	blocks BlockSource
}

// NewEngine builds an engine over the resource's events. blocks may be nil,
// in which case external calendars never affect slot suggestions.
func NewEngine(events EventSource, blocks BlockSource) *Engine {
	return &Engine{events: events, blocks: blocks}
}

// ValidateNoOverlap fails with a *ConflictError wrapping ErrSchedulingConflict
// when another non-cancelled event of the resource, or an occurrence of a
// recurring one, intersects candidate.
func (e *Engine) ValidateNoOverlap(ctx context.Context, resourceID uuid.UUID, candidate Interval, excludingEventID *uuid.UUID) error {
	return e.ValidateSeries(ctx, resourceID, candidate, "", excludingEventID)
}

// ValidateSeries is ValidateNoOverlap for an event repeating by rule. The
// series is checked up to SeriesHorizon past its first occurrence.
func (e *Engine) ValidateSeries(ctx context.Context, resourceID uuid.UUID, candidate Interval, rule string, excludingEventID *uuid.UUID) error {
	if !candidate.Valid() {
		return fmt.Errorf("invalid interval: end must be after start")
	}

	window := candidate
	if rule != "" {
		window.End = candidate.Start.Add(SeriesHorizon)
	}

	mine, err := recurrence.Expand(rule, candidate.Start, candidate.End, window.Start, window.End)
	if err != nil {
		return fmt.Errorf("expand candidate: %w", err)
	}

	busy, err := e.events.ActiveEvents(ctx, resourceID, window.Start, window.End)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}

	for _, b := range busy {
		if excludingEventID != nil && b.ID == *excludingEventID {
			continue
		}
		for _, occ := range expandBusy(b, window) {
			for _, m := range mine {
				if occ.Overlaps(Interval{Start: m.Start, End: m.End}) {
					return &ConflictError{EventID: b.ID, Title: b.Title, Start: occ.Start, End: occ.End}
				}
			}
		}
	}
	return nil
}

// SuggestSlots walks candidate start times in [SearchStart, SearchEnd) at
// q.Granularity and returns up to q.Limit free slots in chronological order.
// A candidate is free when it fits the working hours of its day and
// [start-Buffer, start+Duration) touches no busy interval.
func (e *Engine) SuggestSlots(ctx context.Context, q SlotQuery) ([]Slot, error) {
	if q.Duration <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", ErrInvalidQuery)
	}
	if q.SearchStart.IsZero() || !q.SearchEnd.After(q.SearchStart) {
		return nil, recurrence.ErrUnboundedWindow
	}
	if q.SearchEnd.Sub(q.SearchStart) > recurrence.MaxWindow {
		return nil, fmt.Errorf("%w: search window too long", recurrence.ErrUnboundedWindow)
	}
	if q.Buffer < 0 {
		return nil, fmt.Errorf("%w: buffer must not be negative", ErrInvalidQuery)
	}
	if q.Granularity <= 0 {
		q.Granularity = DefaultGranularity
	}
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}

	window := Interval{Start: q.SearchStart.Add(-q.Buffer), End: q.SearchEnd.Add(q.Duration)}
	busy, err := e.busyIntervals(ctx, q, window)
	if err != nil {
		return nil, err
	}

	slots := make([]Slot, 0, q.Limit)
	for start := q.SearchStart; start.Before(q.SearchEnd) && len(slots) < q.Limit; start = start.Add(q.Granularity) {
		end := start.Add(q.Duration)
		if !q.Hours.fits(start, end) {
			continue
		}
		if overlapsAny(busy, Interval{Start: start.Add(-q.Buffer), End: end}) {
			continue
		}
		slots = append(slots, Slot{Start: start, End: end})
	}
	return slots, nil
}

func (e *Engine) busyIntervals(ctx context.Context, q SlotQuery, window Interval) ([]Interval, error) {
	events, err := e.events.ActiveEvents(ctx, q.ResourceID, window.Start, window.End)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	if q.IncludeExternal && e.blocks != nil {
		blocks, err := e.blocks.ActiveBlocks(ctx, q.ResourceID, window.Start, window.End)
		if err != nil {
			return nil, fmt.Errorf("load external blocks: %w", err)
		}
		events = append(events, blocks...)
	}

	var out []Interval
	for _, b := range events {
		out = append(out, expandBusy(b, window)...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// expandBusy returns b's occurrences inside window. A rule that no longer
// parses degrades to the base interval rather than hiding the event.
func expandBusy(b Busy, window Interval) []Interval {
	if !b.End.After(b.Start) {
		return nil
	}
	occ, err := recurrence.Expand(b.Rule, b.Start, b.End, window.Start, window.End)
	if err != nil {
		base := Interval{Start: b.Start, End: b.End}
		if base.Overlaps(window) {
			return []Interval{base}
		}
		return nil
	}
	out := make([]Interval, 0, len(occ))
	for _, o := range occ {
		out = append(out, Interval{Start: o.Start, End: o.End})
	}
	return out
}

func overlapsAny(sorted []Interval, candidate Interval) bool {
	for _, b := range sorted {
		if !b.Start.Before(candidate.End) {
			return false
		}
		if b.Overlaps(candidate) {
			return true
		}
	}
	return false
}

func (w WorkingHours) fits(start, end time.Time) bool {
	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	local := start.In(loc)
	if len(w.Days) > 0 && !containsDay(w.Days, local.Weekday()) {
		return false
	}

	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	closeAt := w.Close
	if closeAt <= 0 {
		closeAt = 24 * time.Hour
	}
	return !start.Before(midnight.Add(w.Open)) && !end.After(midnight.Add(closeAt))
}

func containsDay(days []time.Weekday, d time.Weekday) bool {
	for _, x := range days {
		if x == d {
			return true
		}
	}
	return false
}
