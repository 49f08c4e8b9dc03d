package timeperiod

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeRange is a single HH:MM-HH:MM window within a day. End is exclusive;
// 24:00 means end of day.
type TimeRange struct {
	StartHour, StartMin int
	EndHour, EndMin     int
}

// TimePeriod is a named schedule. Ranges is indexed by weekday
// (Sunday = 0) with comma-separated HH:MM-HH:MM windows; an empty entry
// means the whole day is outside the period.
type TimePeriod struct {
	Name   string
	Ranges [7]string

	// Exceptions overrides the weekday ranges for specific dates, keyed
	// "2006-01-02". An entry with an empty range string makes that whole
	// day outside the period.
	Exceptions map[string]string

	// Excludes are periods that punch holes into this one: a time inside
	// any exclude is outside this period.
	Excludes []*TimePeriod

	parsed     [7][]TimeRange
	exceptions map[string][]TimeRange
	prepped    bool
}

// New creates a period from weekday range strings, validating them eagerly.
func New(name string, ranges [7]string) (*TimePeriod, error) {
	tp := &TimePeriod{Name: name, Ranges: ranges}
	if err := tp.prepare(); err != nil {
		return nil, err
	}
	return tp, nil
}

// Always returns a 24x7 period.
func Always(name string) *TimePeriod {
	tp, _ := New(name, [7]string{
		"00:00-24:00", "00:00-24:00", "00:00-24:00", "00:00-24:00",
		"00:00-24:00", "00:00-24:00", "00:00-24:00",
	})
	return tp
}

func (tp *TimePeriod) prepare() error {
	for dow, s := range tp.Ranges {
		ranges, err := ParseTimeRanges(s)
		if err != nil {
			return fmt.Errorf("period '%s' weekday %d: %w", tp.Name, dow, err)
		}
		tp.parsed[dow] = ranges
	}
	tp.exceptions = make(map[string][]TimeRange, len(tp.Exceptions))
	for date, s := range tp.Exceptions {
		if _, err := time.Parse("2006-01-02", date); err != nil {
			return fmt.Errorf("period '%s' exception '%s': invalid date", tp.Name, date)
		}
		ranges, err := ParseTimeRanges(s)
		if err != nil {
			return fmt.Errorf("period '%s' exception '%s': %w", tp.Name, date, err)
		}
		tp.exceptions[date] = ranges
	}
	tp.prepped = true
	return nil
}

// SetExceptions replaces the date overrides, validating them.
func (tp *TimePeriod) SetExceptions(exceptions map[string]string) error {
	tp.Exceptions = exceptions
	tp.prepped = false
	return tp.prepare()
}

// ObjectType implements registry.Object.
func (tp *TimePeriod) ObjectType() string { return "TimePeriod" }

// ObjectName implements registry.Object.
func (tp *TimePeriod) ObjectName() string { return tp.Name }

// IsInside reports whether t falls within the period.
func (tp *TimePeriod) IsInside(t time.Time) bool {
	if tp == nil {
		return true
	}
	if !tp.prepped {
		if err := tp.prepare(); err != nil {
			return false
		}
	}
	for _, ex := range tp.Excludes {
		if ex != nil && ex.IsInside(t) {
			return false
		}
	}

	minutes := t.Hour()*60 + t.Minute()
	ranges := tp.parsed[int(t.Weekday())]
	if dayRanges, ok := tp.exceptions[t.Format("2006-01-02")]; ok {
		ranges = dayRanges
	}
	for _, r := range ranges {
		if minutes >= r.startMinutes() && minutes < r.endMinutes() {
			return true
		}
	}
	return false
}

// NextValidEnd returns the next boundary after t at which the period's
// validity changes, clamped to t+24h. For a time inside the period this is
// the end of the current window; outside, the start of the next window.
// Minute resolution.
func (tp *TimePeriod) NextValidEnd(t time.Time) time.Time {
	limit := t.Add(24 * time.Hour)
	state := tp.IsInside(t)
	candidate := t.Truncate(time.Minute).Add(time.Minute)
	for !candidate.After(limit) {
		if tp.IsInside(candidate) != state {
			return candidate
		}
		candidate = candidate.Add(time.Minute)
	}
	return limit
}

// NextTransition is NextValidEnd without the caller caring about direction;
// kept as a named alias for readability at call sites.
func (tp *TimePeriod) NextTransition(t time.Time) time.Time {
	return tp.NextValidEnd(t)
}

func (r TimeRange) startMinutes() int { return r.StartHour*60 + r.StartMin }
func (r TimeRange) endMinutes() int   { return r.EndHour*60 + r.EndMin }

// ParseTimeRanges parses "HH:MM-HH:MM,HH:MM-HH:MM,..." into ranges.
func ParseTimeRanges(s string) ([]TimeRange, error) {
	if s == "" {
		return nil, nil
	}
	var ranges []TimeRange
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tr, err := parseOneRange(part)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, tr)
	}
	return ranges, nil
}

func parseOneRange(s string) (TimeRange, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return TimeRange{}, fmt.Errorf("invalid time range: %s", s)
	}
	start, err := parseHHMM(parts[0])
	if err != nil {
		return TimeRange{}, err
	}
	end, err := parseHHMM(parts[1])
	if err != nil {
		return TimeRange{}, err
	}
	tr := TimeRange{StartHour: start[0], StartMin: start[1], EndHour: end[0], EndMin: end[1]}
	if tr.endMinutes() < tr.startMinutes() {
		return TimeRange{}, fmt.Errorf("time range ends before it starts: %s", s)
	}
	return tr, nil
}

func parseHHMM(s string) ([2]int, error) {
	s = strings.TrimSpace(s)
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return [2]int{}, fmt.Errorf("invalid time: %s", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 24 {
		return [2]int{}, fmt.Errorf("invalid hour: %s", parts[0])
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return [2]int{}, fmt.Errorf("invalid minute: %s", parts[1])
	}
	return [2]int{h, m}, nil
}
