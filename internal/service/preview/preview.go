// Package preview renders a human-readable summary of a recurrence before a
// series is created. Nothing is persisted.
package preview

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/samber/mo"

	"cadence/backend/internal/domain"
)

const (
	DefaultCount = 5
	MaxCount     = 12
)

type Input struct {
	Pattern      domain.PatternSpec
	StartDate    string
	EndCondition domain.EndSpec
	// Count is how many dates to list; zero means DefaultCount.
	Count int
}

type Date struct {
	Date          string `json:"date"`
	DayLabel      string `json:"day_label"`
	FormattedDate string `json:"formatted_date"`
}

type Preview struct {
	Description string `json:"description"`
	Dates       []Date `json:"dates"`
	// TotalCount is absent for open-ended series and for series longer than
	// the generator cap.
	TotalCount mo.Option[int] `json:"total_count"`
}

func Generate(in Input) (Preview, error) {
	start, err := domain.ParseDate(strings.TrimSpace(in.StartDate))
	if err != nil {
		return Preview{}, err
	}
	p, err := in.Pattern.Pattern()
	if err != nil {
		return Preview{}, err
	}
	end, err := in.EndCondition.Condition()
	if err != nil {
		return Preview{}, err
	}
	if err := domain.ValidateRecurrence(p, start, end); err != nil {
		return Preview{}, err
	}

	count := in.Count
	if count <= 0 {
		count = DefaultCount
	}
	if count > MaxCount {
		count = MaxCount
	}

	dates := domain.Generate(p, start, end, count)
	out := Preview{
		Description: Describe(p, end),
		Dates:       make([]Date, 0, len(dates)),
		TotalCount:  totalCount(p, start, end),
	}
	for _, d := range dates {
		out.Dates = append(out.Dates, Date{
			Date:          domain.FormatDate(d),
			DayLabel:      d.Weekday().String(),
			FormattedDate: d.Format("January 2, 2006"),
		})
	}
	return out, nil
}

func totalCount(p domain.Pattern, start time.Time, end domain.EndCondition) mo.Option[int] {
	switch e := end.(type) {
	case domain.OccurrenceCount:
		// Every valid pattern recurs forever, so a count always completes.
		return mo.Some(e.N)
	case domain.EndDate:
		dates := domain.Generate(p, start, end, domain.MaxOccurrences)
		if len(dates) == domain.MaxOccurrences {
			more := domain.Expand(p, start, end, domain.Window{After: dates[len(dates)-1], Limit: 1})
			if len(more) > 0 {
				return mo.None[int]()
			}
		}
		return mo.Some(len(dates))
	default:
		return mo.None[int]()
	}
}

// Describe renders a pattern and end condition as an English sentence, for
// example "Every 2 weeks on Tuesday and Thursday, for 10 occurrences".
func Describe(p domain.Pattern, end domain.EndCondition) string {
	return describePattern(p) + describeEnd(end)
}

func describePattern(p domain.Pattern) string {
	switch v := p.(type) {
	case domain.Daily:
		if v.SkipWeekends {
			return "Every weekday"
		}
		return "Every day"
	case domain.Weekly:
		names := make([]string, 0, len(v.Days))
		for _, d := range v.SortedDays() {
			names = append(names, d.String())
		}
		every := "Every week"
		if v.IntervalWeeks > 1 {
			every = fmt.Sprintf("Every %d weeks", v.IntervalWeeks)
		}
		return every + " on " + joinAnd(names)
	case domain.Monthly:
		switch r := v.Rule.(type) {
		case domain.DayOfMonth:
			return "Every month on the " + humanize.Ordinal(r.Day)
		case domain.NthWeekday:
			return "Every month on the " + weekOrdinal(r.Week) + " " + r.Weekday.String()
		}
		return "Every month"
	case domain.Custom:
		if v.Interval == 1 {
			return "Every " + string(v.Unit)
		}
		return fmt.Sprintf("Every %d %ss", v.Interval, v.Unit)
	default:
		return "Recurring"
	}
}

func describeEnd(end domain.EndCondition) string {
	switch e := end.(type) {
	case domain.OccurrenceCount:
		if e.N == 1 {
			return ", for 1 occurrence"
		}
		return fmt.Sprintf(", for %d occurrences", e.N)
	case domain.EndDate:
		return ", until " + e.Date.Format("January 2, 2006")
	default:
		return ""
	}
}

func weekOrdinal(week int) string {
	switch week {
	case 1:
		return "first"
	case 2:
		return "second"
	case 3:
		return "third"
	case 4:
		return "fourth"
	case 5:
		return "fifth"
	case domain.LastWeek:
		return "last"
	}
	return humanize.Ordinal(week)
}

func joinAnd(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	default:
		return strings.Join(items[:len(items)-1], ", ") + " and " + items[len(items)-1]
	}
}
