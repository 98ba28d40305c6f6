package recurrence

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// KeyLayout formats occurrence keys. Keys are the UTC start of the occurrence.
const KeyLayout = "20060102T150405Z"

const (
	// MaxWindow bounds a single expansion request.
	MaxWindow = 3 * 366 * 24 * time.Hour
	// maxIterations stops runaway rules (e.g. a daily rule anchored decades ago).
	maxIterations = 100000
)

var (
	ErrUnboundedWindow   = errors.New("expansion window must be finite and non-empty")
	ErrInvalidInterval   = errors.New("event end must be after start")
	ErrTooManyIterations = errors.New("recurrence expansion exceeded iteration limit")
)

// Occurrence is one concrete instance of a (possibly recurring) event.
type Occurrence struct {
	// Index is the zero-based position in the rule's sequence.
	Index int       `json:"index"`
	Key   string    `json:"key"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Expand returns every occurrence of the event [start, end) repeating by rule
// that intersects [rangeStart, rangeEnd), in chronological order. The rule is
// always anchored at start, so moving an event moves its series. An empty rule
// expands to the event itself when it intersects the window.
func Expand(rule string, start, end, rangeStart, rangeEnd time.Time) ([]Occurrence, error) {
	if rangeStart.IsZero() || rangeEnd.IsZero() || !rangeEnd.After(rangeStart) {
		return nil, ErrUnboundedWindow
	}
	if rangeEnd.Sub(rangeStart) > MaxWindow {
		return nil, fmt.Errorf("%w: window longer than %s", ErrUnboundedWindow, MaxWindow)
	}
	if !end.After(start) {
		return nil, ErrInvalidInterval
	}

	duration := end.Sub(start)

	if strings.TrimSpace(rule) == "" {
		if start.Before(rangeEnd) && end.After(rangeStart) {
			return []Occurrence{newOccurrence(0, start, duration)}, nil
		}
		return []Occurrence{}, nil
	}

	r, excluded, err := compile(rule, start)
	if err != nil {
		return nil, err
	}

	out := []Occurrence{}
	next := r.Iterator()
	for i := 0; ; i++ {
		if i >= maxIterations {
			return nil, ErrTooManyIterations
		}
		t, ok := next()
		if !ok || !t.Before(rangeEnd) {
			break
		}
		if t.Add(duration).After(rangeStart) && !isExcluded(t, excluded) {
			out = append(out, newOccurrence(i, t, duration))
		}
	}
	return out, nil
}

func compile(rule string, anchor time.Time) (*rrule.RRule, []time.Time, error) {
	opt, exdates, err := parseOption(rule)
	if err != nil {
		return nil, nil, err
	}
	opt.Dtstart = ruleZone(opt.Dtstart, anchor)
	excluded, err := exclusions(exdates, opt.Dtstart.Location())
	if err != nil {
		return nil, nil, err
	}
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return r, excluded, nil
}

func isExcluded(t time.Time, excluded []time.Time) bool {
	for _, x := range excluded {
		if t.Equal(x) {
			return true
		}
	}
	return false
}

func newOccurrence(index int, start time.Time, duration time.Duration) Occurrence {
	return Occurrence{
		Index: index,
		Key:   start.UTC().Format(KeyLayout),
		Start: start,
		End:   start.Add(duration),
	}
}
