package recurrence

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// Option is one of the human-facing repeat choices offered when editing an event.
type Option string

const (
	OptionNone     Option = "none"
	OptionDaily    Option = "daily"
	OptionWeekdays Option = "weekdays"
	OptionWeekly   Option = "weekly"
	OptionBiweekly Option = "biweekly"
	OptionMonthly  Option = "monthly"
	OptionYearly   Option = "yearly"
	// OptionCustom is returned for rules no built-in option produces.
	OptionCustom Option = "custom"
)

var (
	ErrUnknownOption = errors.New("unknown recurrence option")
	ErrInvalidRule   = errors.New("invalid recurrence rule")
)

var workWeek = []rrule.Weekday{rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR}

// ParseOption accepts the wire form of an option. The empty string means none.
func ParseOption(s string) (Option, error) {
	switch o := Option(strings.ToLower(strings.TrimSpace(s))); o {
	case "":
		return OptionNone, nil
	case OptionNone, OptionDaily, OptionWeekdays, OptionWeekly, OptionBiweekly, OptionMonthly, OptionYearly:
		return o, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOption, s)
	}
}

// BuildRule returns the canonical "DTSTART...\nRRULE:..." text for option
// anchored at the first occurrence. OptionNone yields "".
func BuildRule(option Option, anchor time.Time) (string, error) {
	opt := rrule.ROption{Dtstart: anchorTime(anchor)}
	switch option {
	case OptionNone, "":
		return "", nil
	case OptionDaily:
		opt.Freq = rrule.DAILY
	case OptionWeekdays:
		opt.Freq = rrule.WEEKLY
		opt.Byweekday = workWeek
	case OptionWeekly:
		opt.Freq = rrule.WEEKLY
	case OptionBiweekly:
		opt.Freq = rrule.WEEKLY
		opt.Interval = 2
	case OptionMonthly:
		opt.Freq = rrule.MONTHLY
	case OptionYearly:
		opt.Freq = rrule.YEARLY
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOption, option)
	}
	if anchor.IsZero() {
		return "", fmt.Errorf("%w: anchor start is required", ErrInvalidRule)
	}
	return opt.String(), nil
}

// ResolveOption maps a stored rule back to the option that would produce it.
func ResolveOption(rule string) Option {
	if strings.TrimSpace(rule) == "" {
		return OptionNone
	}
	opt, exdates, err := parseOption(rule)
	if err != nil {
		return OptionCustom
	}
	if len(exdates) > 0 || opt.Count != 0 || !opt.Until.IsZero() || opt.Wkst != rrule.MO ||
		len(opt.Bysetpos) > 0 || len(opt.Bymonth) > 0 || len(opt.Bymonthday) > 0 ||
		len(opt.Byyearday) > 0 || len(opt.Byweekno) > 0 || len(opt.Byhour) > 0 ||
		len(opt.Byminute) > 0 || len(opt.Bysecond) > 0 || len(opt.Byeaster) > 0 {
		return OptionCustom
	}

	interval := opt.Interval
	if interval == 0 {
		interval = 1
	}

	switch opt.Freq {
	case rrule.DAILY:
		if interval == 1 && len(opt.Byweekday) == 0 {
			return OptionDaily
		}
	case rrule.WEEKLY:
		switch {
		case interval == 1 && sameWeekdays(opt.Byweekday, workWeek):
			return OptionWeekdays
		case interval == 1 && singleAnchorDay(opt):
			return OptionWeekly
		case interval == 2 && singleAnchorDay(opt):
			return OptionBiweekly
		}
	case rrule.MONTHLY:
		if interval == 1 && len(opt.Byweekday) == 0 {
			return OptionMonthly
		}
	case rrule.YEARLY:
		if interval == 1 && len(opt.Byweekday) == 0 {
			return OptionYearly
		}
	}
	return OptionCustom
}

// Validate reports whether rule parses. Both the canonical two-line form and
// a bare "RRULE:" line are accepted, optionally followed by EXDATE lines.
func Validate(rule string) error {
	if strings.TrimSpace(rule) == "" {
		return nil
	}
	opt, exdates, err := parseOption(rule)
	if err != nil {
		return err
	}
	if _, err := rrule.NewRRule(*opt); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	_, err = exclusions(exdates, time.UTC)
	return err
}

// parseOption splits EXDATE values off the rule text and parses the rest.
// RDATE lines are ignored.
func parseOption(rule string) (*rrule.ROption, []string, error) {
	var lines, exdates []string
	for _, l := range strings.Split(strings.TrimSpace(rule), "\n") {
		l = strings.TrimSpace(l)
		upper := strings.ToUpper(l)
		switch {
		case l == "":
		case strings.HasPrefix(upper, "EXDATE;"), strings.HasPrefix(upper, "EXDATE:"):
			exdates = append(exdates, l[len("EXDATE")+1:])
		case strings.HasPrefix(upper, "RDATE;"), strings.HasPrefix(upper, "RDATE:"):
		default:
			lines = append(lines, l)
		}
	}
	opt, err := rrule.StrToROption(strings.Join(lines, "\n"))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return opt, exdates, nil
}

// exclusions parses EXDATE values. Values without a TZID are read in loc.
func exclusions(values []string, loc *time.Location) ([]time.Time, error) {
	var out []time.Time
	for _, v := range values {
		ts, err := rrule.StrToDatesInLoc(v, loc)
		if err != nil {
			return nil, fmt.Errorf("%w: EXDATE %q: %v", ErrInvalidRule, v, err)
		}
		out = append(out, ts...)
	}
	return out, nil
}

// WithExclusions appends one EXDATE line listing starts, in UTC, to rule.
// An empty rule stays empty.
func WithExclusions(rule string, starts []time.Time) string {
	if strings.TrimSpace(rule) == "" || len(starts) == 0 {
		return rule
	}
	values := make([]string, len(starts))
	for i, t := range starts {
		values[i] = t.UTC().Format(KeyLayout)
	}
	return rule + "\nEXDATE:" + strings.Join(values, ",")
}

// anchorTime keeps named zones so weekly rules follow wall-clock time across
// DST. Zones without a portable TZID are converted to UTC.
func anchorTime(t time.Time) time.Time {
	switch t.Location().String() {
	case "Local", "":
		return t.UTC()
	}
	return t
}

// ruleZone re-zones anchor into the rule's DTSTART zone when the rule names
// one, so a start loaded as UTC still expands on the series' wall clock.
func ruleZone(dtstart, anchor time.Time) time.Time {
	if !dtstart.IsZero() {
		switch loc := dtstart.Location(); loc.String() {
		case "UTC", "Local", "":
		default:
			return anchor.In(loc)
		}
	}
	return anchorTime(anchor)
}

func singleAnchorDay(opt *rrule.ROption) bool {
	switch len(opt.Byweekday) {
	case 0:
		return true
	case 1:
		if opt.Dtstart.IsZero() {
			return true
		}
		return opt.Byweekday[0].Day() == weekdayIndex(opt.Dtstart.Weekday())
	}
	return false
}

func sameWeekdays(got, want []rrule.Weekday) bool {
	if len(got) != len(want) {
		return false
	}
	seen := make(map[int]bool, len(got))
	for _, d := range got {
		if d.N() != 0 {
			return false
		}
		seen[d.Day()] = true
	}
	for _, d := range want {
		if !seen[d.Day()] {
			return false
		}
	}
	return true
}

// weekdayIndex converts time.Weekday to the Monday-first index rrule uses.
func weekdayIndex(d time.Weekday) int {
	return (int(d) + 6) % 7
}
