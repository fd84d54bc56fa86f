package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

const (
	MonthlyModeDayOfMonth = "day_of_month"
	MonthlyModeNthWeekday = "nth_weekday"
)

// PatternSpec is the flat wire and storage shape of a Pattern. It is only ever
// consumed through Pattern(), which rejects options that belong to another kind.
type PatternSpec struct {
	Kind          PatternKind `json:"kind" yaml:"kind"`
	SkipWeekends  bool        `json:"skip_weekends,omitempty" yaml:"skip_weekends,omitempty"`
	Days          []int       `json:"days,omitempty" yaml:"days,omitempty"`
	IntervalWeeks int         `json:"interval_weeks,omitempty" yaml:"interval_weeks,omitempty"`
	MonthlyMode   string      `json:"monthly_mode,omitempty" yaml:"monthly_mode,omitempty"`
	Day           int         `json:"day,omitempty" yaml:"day,omitempty"`
	WeekNumber    int         `json:"week_number,omitempty" yaml:"week_number,omitempty"`
	DayOfWeek     *int        `json:"day_of_week,omitempty" yaml:"day_of_week,omitempty"`
	Interval      int         `json:"interval,omitempty" yaml:"interval,omitempty"`
	Unit          Unit        `json:"unit,omitempty" yaml:"unit,omitempty"`
}

func (s PatternSpec) Pattern() (Pattern, error) {
	var p Pattern
	switch PatternKind(strings.ToLower(string(s.Kind))) {
	case PatternDaily:
		if err := s.onlyFields("skip_weekends"); err != nil {
			return nil, err
		}
		p = Daily{SkipWeekends: s.SkipWeekends}
	case PatternWeekly:
		if err := s.onlyFields("days", "interval_weeks"); err != nil {
			return nil, err
		}
		days := make([]time.Weekday, 0, len(s.Days))
		for _, d := range s.Days {
			days = append(days, time.Weekday(d))
		}
		interval := s.IntervalWeeks
		if interval == 0 {
			interval = 1
		}
		p = Weekly{Days: days, IntervalWeeks: interval}
	case PatternMonthly:
		rule, err := s.monthlyRule()
		if err != nil {
			return nil, err
		}
		p = Monthly{Rule: rule}
	case PatternCustom:
		if err := s.onlyFields("interval", "unit"); err != nil {
			return nil, err
		}
		p = Custom{Interval: s.Interval, Unit: Unit(strings.ToLower(string(s.Unit)))}
	case "":
		return nil, invalidPattern("pattern kind is required")
	default:
		return nil, invalidPattern("unknown pattern kind %q", s.Kind)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (s PatternSpec) monthlyRule() (MonthlyRule, error) {
	mode := s.MonthlyMode
	if mode == "" {
		if s.WeekNumber != 0 || s.DayOfWeek != nil {
			mode = MonthlyModeNthWeekday
		} else {
			mode = MonthlyModeDayOfMonth
		}
	}
	switch mode {
	case MonthlyModeDayOfMonth:
		if err := s.onlyFields("monthly_mode", "day"); err != nil {
			return nil, err
		}
		return DayOfMonth{Day: s.Day}, nil
	case MonthlyModeNthWeekday:
		if err := s.onlyFields("monthly_mode", "week_number", "day_of_week"); err != nil {
			return nil, err
		}
		if s.DayOfWeek == nil {
			return nil, invalidPattern("day_of_week is required for nth_weekday")
		}
		return NthWeekday{Week: s.WeekNumber, Weekday: time.Weekday(*s.DayOfWeek)}, nil
	default:
		return nil, invalidPattern("unknown monthly_mode %q", mode)
	}
}

// onlyFields rejects any option set on s that is not in allowed.
func (s PatternSpec) onlyFields(allowed ...string) error {
	set := map[string]bool{
		"skip_weekends":  s.SkipWeekends,
		"days":           len(s.Days) > 0,
		"interval_weeks": s.IntervalWeeks != 0,
		"monthly_mode":   s.MonthlyMode != "",
		"day":            s.Day != 0,
		"week_number":    s.WeekNumber != 0,
		"day_of_week":    s.DayOfWeek != nil,
		"interval":       s.Interval != 0,
		"unit":           s.Unit != "",
	}
	for _, name := range allowed {
		delete(set, name)
	}
	for _, name := range []string{"skip_weekends", "days", "interval_weeks", "monthly_mode", "day", "week_number", "day_of_week", "interval", "unit"} {
		if set[name] {
			return invalidPattern("%s is not valid for %s patterns", name, strings.ToLower(string(s.Kind)))
		}
	}
	return nil
}

// SpecOf renders a validated pattern back into its flat shape.
func SpecOf(p Pattern) PatternSpec {
	switch v := p.(type) {
	case Daily:
		return PatternSpec{Kind: PatternDaily, SkipWeekends: v.SkipWeekends}
	case Weekly:
		days := make([]int, 0, len(v.Days))
		for _, d := range v.SortedDays() {
			days = append(days, int(d))
		}
		return PatternSpec{Kind: PatternWeekly, Days: days, IntervalWeeks: v.IntervalWeeks}
	case Monthly:
		switch r := v.Rule.(type) {
		case DayOfMonth:
			return PatternSpec{Kind: PatternMonthly, MonthlyMode: MonthlyModeDayOfMonth, Day: r.Day}
		case NthWeekday:
			wd := int(r.Weekday)
			return PatternSpec{Kind: PatternMonthly, MonthlyMode: MonthlyModeNthWeekday, WeekNumber: r.Week, DayOfWeek: &wd}
		}
	case Custom:
		return PatternSpec{Kind: PatternCustom, Interval: v.Interval, Unit: v.Unit}
	}
	return PatternSpec{}
}

func (s PatternSpec) Value() (driver.Value, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *PatternSpec) Scan(src any) error {
	return scanJSON(src, s)
}

type EndKind string

const (
	EndKindCount   EndKind = "count"
	EndKindEndDate EndKind = "end_date"
	EndKindNever   EndKind = "never"
)

// EndSpec is the flat wire and storage shape of an EndCondition.
type EndSpec struct {
	Kind    EndKind `json:"kind" yaml:"kind"`
	Count   int     `json:"count,omitempty" yaml:"count,omitempty"`
	EndDate string  `json:"end_date,omitempty" yaml:"end_date,omitempty"`
}

func (s EndSpec) Condition() (EndCondition, error) {
	switch EndKind(strings.ToLower(string(s.Kind))) {
	case EndKindCount:
		if s.EndDate != "" {
			return nil, invalidPattern("end_date is not valid for count end conditions")
		}
		return OccurrenceCount{N: s.Count}, nil
	case EndKindEndDate:
		if s.Count != 0 {
			return nil, invalidPattern("count is not valid for end_date end conditions")
		}
		d, err := ParseDate(s.EndDate)
		if err != nil {
			return nil, err
		}
		return EndDate{Date: d}, nil
	case EndKindNever, "":
		if s.Count != 0 || s.EndDate != "" {
			return nil, invalidPattern("open-ended series take no count or end_date")
		}
		return NoEnd{}, nil
	default:
		return nil, invalidPattern("unknown end condition kind %q", s.Kind)
	}
}

func EndSpecOf(c EndCondition) EndSpec {
	switch v := c.(type) {
	case OccurrenceCount:
		return EndSpec{Kind: EndKindCount, Count: v.N}
	case EndDate:
		return EndSpec{Kind: EndKindEndDate, EndDate: FormatDate(v.Date)}
	default:
		return EndSpec{Kind: EndKindNever}
	}
}

func (s EndSpec) Value() (driver.Value, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *EndSpec) Scan(src any) error {
	return scanJSON(src, s)
}

func scanJSON(src any, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return errors.New("unsupported json column type")
	}
}
