package domain

import (
	"fmt"
	"sort"
	"time"
)

type PatternKind string

const (
	PatternDaily   PatternKind = "daily"
	PatternWeekly  PatternKind = "weekly"
	PatternMonthly PatternKind = "monthly"
	PatternCustom  PatternKind = "custom"
)

type Unit string

const (
	UnitDay   Unit = "day"
	UnitWeek  Unit = "week"
	UnitMonth Unit = "month"
)

// LastWeek selects the last matching weekday of a month in NthWeekday.
const LastWeek = -1

// Pattern is the closed set of recurrence rules. Values are immutable once a
// series is created.
type Pattern interface {
	Kind() PatternKind
	Validate() error
	sealedPattern()
}

type Daily struct {
	SkipWeekends bool
}

type Weekly struct {
	Days          []time.Weekday
	IntervalWeeks int
}

type Monthly struct {
	Rule MonthlyRule
}

type Custom struct {
	Interval int
	Unit     Unit
}

func (Daily) Kind() PatternKind   { return PatternDaily }
func (Weekly) Kind() PatternKind  { return PatternWeekly }
func (Monthly) Kind() PatternKind { return PatternMonthly }
func (Custom) Kind() PatternKind  { return PatternCustom }

func (Daily) sealedPattern()   {}
func (Weekly) sealedPattern()  {}
func (Monthly) sealedPattern() {}
func (Custom) sealedPattern()  {}

func (Daily) Validate() error { return nil }

func (w Weekly) Validate() error {
	if len(w.Days) == 0 {
		return invalidPattern("weekly pattern needs at least one day")
	}
	for _, d := range w.Days {
		if d < time.Sunday || d > time.Saturday {
			return invalidPattern("weekday %d out of range 0..6", d)
		}
	}
	if w.IntervalWeeks != 1 && w.IntervalWeeks != 2 {
		return invalidPattern("interval_weeks must be 1 or 2")
	}
	return nil
}

// SortedDays returns the distinct days in Sunday-first order.
func (w Weekly) SortedDays() []time.Weekday {
	seen := make(map[time.Weekday]struct{}, len(w.Days))
	out := make([]time.Weekday, 0, len(w.Days))
	for _, d := range w.Days {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m Monthly) Validate() error {
	if m.Rule == nil {
		return invalidPattern("monthly pattern needs a day_of_month or nth_weekday rule")
	}
	return m.Rule.validate()
}

func (c Custom) Validate() error {
	if c.Interval < 1 {
		return invalidPattern("custom interval must be a positive integer")
	}
	switch c.Unit {
	case UnitDay, UnitWeek, UnitMonth:
		return nil
	default:
		return invalidPattern("unknown custom unit %q", c.Unit)
	}
}

// MonthlyRule picks the day inside each month.
type MonthlyRule interface {
	validate() error
	sealedMonthlyRule()
}

type DayOfMonth struct {
	Day int
}

type NthWeekday struct {
	Week    int
	Weekday time.Weekday
}

func (DayOfMonth) sealedMonthlyRule() {}
func (NthWeekday) sealedMonthlyRule() {}

func (d DayOfMonth) validate() error {
	if d.Day < 1 || d.Day > 31 {
		return invalidPattern("day_of_month must be in 1..31")
	}
	return nil
}

func (n NthWeekday) validate() error {
	if n.Week != LastWeek && (n.Week < 1 || n.Week > 5) {
		return invalidPattern("week_number must be 1..5 or -1")
	}
	if n.Weekday < time.Sunday || n.Weekday > time.Saturday {
		return invalidPattern("day_of_week %d out of range 0..6", n.Weekday)
	}
	return nil
}

// EndCondition bounds a series.
type EndCondition interface {
	validate(start time.Time) error
	sealedEndCondition()
}

type OccurrenceCount struct {
	N int
}

type EndDate struct {
	Date time.Time
}

// NoEnd leaves a series open; the rolling window and the generator cap bound it.
type NoEnd struct{}

func (OccurrenceCount) sealedEndCondition() {}
func (EndDate) sealedEndCondition()         {}
func (NoEnd) sealedEndCondition()           {}

func (c OccurrenceCount) validate(time.Time) error {
	if c.N < 1 {
		return invalidPattern("occurrence count must be at least 1")
	}
	return nil
}

func (e EndDate) validate(start time.Time) error {
	if e.Date.IsZero() {
		return invalidPattern("end date is required")
	}
	if DateOf(e.Date).Before(DateOf(start)) {
		return invalidPattern("end date %s is before start date %s", FormatDate(e.Date), FormatDate(start))
	}
	return nil
}

func (NoEnd) validate(time.Time) error { return nil }

// ValidateRecurrence checks the pattern and end condition together.
func ValidateRecurrence(p Pattern, start time.Time, end EndCondition) error {
	if p == nil {
		return invalidPattern("pattern is required")
	}
	if start.IsZero() {
		return invalidPattern("start date is required")
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if end == nil {
		return invalidPattern("end condition is required")
	}
	return end.validate(start)
}

func invalidPattern(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPattern, fmt.Sprintf(format, args...))
}
