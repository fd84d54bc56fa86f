package domain

import (
	"time"

	"github.com/teambition/rrule-go"
)

var rruleWeekdays = [...]rrule.Weekday{rrule.SU, rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA}

// RRule expresses a recurrence as an RFC 5545 rule for calendar clients.
// Day-of-month clamping is encoded as BYMONTHDAY=28..D with BYSETPOS=-1.
func RRule(p Pattern, start time.Time, end EndCondition) (*rrule.RRule, error) {
	if err := ValidateRecurrence(p, start, end); err != nil {
		return nil, err
	}

	opt := rrule.ROption{
		Dtstart:  DateOf(start),
		Interval: 1,
		Wkst:     rrule.SU,
	}

	switch v := p.(type) {
	case Daily:
		opt.Freq = rrule.DAILY
		if v.SkipWeekends {
			opt.Byweekday = []rrule.Weekday{rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR}
		}
	case Weekly:
		opt.Freq = rrule.WEEKLY
		opt.Interval = v.IntervalWeeks
		for _, d := range v.SortedDays() {
			opt.Byweekday = append(opt.Byweekday, rruleWeekdays[d])
		}
	case Monthly:
		opt.Freq = rrule.MONTHLY
		switch r := v.Rule.(type) {
		case DayOfMonth:
			clampMonthDay(&opt, r.Day)
		case NthWeekday:
			wd := rruleWeekdays[r.Weekday]
			opt.Byweekday = []rrule.Weekday{wd.Nth(r.Week)}
		}
	case Custom:
		opt.Interval = v.Interval
		switch v.Unit {
		case UnitWeek:
			opt.Freq = rrule.WEEKLY
		case UnitMonth:
			opt.Freq = rrule.MONTHLY
			clampMonthDay(&opt, start.Day())
		default:
			opt.Freq = rrule.DAILY
		}
	}

	switch e := end.(type) {
	case OccurrenceCount:
		opt.Count = e.N
	case EndDate:
		opt.Until = DateOf(e.Date)
	}

	return rrule.NewRRule(opt)
}

func clampMonthDay(opt *rrule.ROption, day int) {
	if day <= 28 {
		opt.Bymonthday = []int{day}
		return
	}
	for d := 28; d <= day; d++ {
		opt.Bymonthday = append(opt.Bymonthday, d)
	}
	opt.Bysetpos = []int{-1}
}
