// Package export renders a series as an iCalendar feed: one recurring master
// event plus exceptions for skipped, cancelled and rescheduled instances.
package export

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"cadence/backend/internal/domain"
)

const (
	productID     = "-//cadence//recurring bookings//EN"
	floatingStamp = "20060102T150405"
)

// Calendar builds the feed for one series. Times are floating: the series
// carries no timezone.
func Calendar(series domain.RecurringSeries, instances []domain.BookingInstance, now time.Time) (*ical.Calendar, error) {
	p, end, err := series.Recurrence()
	if err != nil {
		return nil, err
	}
	rr, err := domain.RRule(p, series.StartDate, end)
	if err != nil {
		return nil, err
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropProductID, productID)
	cal.Props.SetText(ical.PropVersion, "2.0")

	uid := series.ID.String() + "@cadence"
	start, err := at(series.StartDate, series.Template.StartTime)
	if err != nil {
		return nil, err
	}

	master := ical.NewEvent()
	master.Props.SetText(ical.PropUID, uid)
	master.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
	setFloating(master.Props, ical.PropDateTimeStart, start)
	setDuration(master.Props, series.Template.DurationMinutes)
	master.Props.SetText(ical.PropSummary, summary(series.Template))

	opt := rr.OrigOptions
	if !opt.Until.IsZero() {
		// UNTIL is inclusive of the whole end date.
		opt.Until = opt.Until.Add(24*time.Hour - time.Second)
	}
	rule := ical.NewProp(ical.PropRecurrenceRule)
	rule.Value = opt.RRuleString()
	master.Props.Set(rule)

	if !series.Active() {
		master.Props.SetText(ical.PropStatus, "CANCELLED")
	} else {
		master.Props.SetText(ical.PropStatus, "CONFIRMED")
	}

	var overrides []*ical.Component
	for _, inst := range instances {
		generated, err := at(inst.GeneratedDate(), inst.ScheduledTime)
		if err != nil {
			return nil, err
		}
		switch inst.Status {
		case domain.InstanceStatusSkipped, domain.InstanceStatusCancelled:
			ex := ical.NewProp(ical.PropExceptionDates)
			ex.Value = generated.Format(floatingStamp)
			master.Props[ical.PropExceptionDates] = append(master.Props[ical.PropExceptionDates], *ex)
		case domain.InstanceStatusRescheduled:
			moved, err := at(inst.ScheduledDate, inst.ScheduledTime)
			if err != nil {
				return nil, err
			}
			ev := ical.NewEvent()
			ev.Props.SetText(ical.PropUID, uid)
			ev.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
			setFloating(ev.Props, ical.PropRecurrenceID, generated)
			setFloating(ev.Props, ical.PropDateTimeStart, moved)
			setDuration(ev.Props, series.Template.DurationMinutes)
			ev.Props.SetText(ical.PropSummary, summary(series.Template))
			ev.Props.SetText(ical.PropStatus, "CONFIRMED")
			overrides = append(overrides, ev.Component)
		}
	}

	cal.Children = append(cal.Children, master.Component)
	cal.Children = append(cal.Children, overrides...)
	return cal, nil
}

// Write encodes the feed for one series.
func Write(w io.Writer, series domain.RecurringSeries, instances []domain.BookingInstance, now time.Time) error {
	cal, err := Calendar(series, instances, now)
	if err != nil {
		return err
	}
	return Encode(w, cal)
}

func Encode(w io.Writer, cal *ical.Calendar) error {
	return ical.NewEncoder(w).Encode(cal)
}

// FileName is the attachment name for a series feed.
func FileName(series domain.RecurringSeries) string {
	return "series-" + series.ID.String() + "-" + domain.FormatDate(series.StartDate) + ".ics"
}

func at(date time.Time, clock string) (time.Time, error) {
	d := domain.DateOf(date)
	if strings.TrimSpace(clock) == "" {
		return d, nil
	}
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return time.Time{}, fmt.Errorf("scheduled time %q: %w", clock, err)
	}
	return d.Add(time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute), nil
}

func setFloating(props ical.Props, name string, t time.Time) {
	prop := ical.NewProp(name)
	prop.Value = t.Format(floatingStamp)
	props.Set(prop)
}

func setDuration(props ical.Props, minutes int) {
	if minutes <= 0 {
		return
	}
	prop := ical.NewProp(ical.PropDuration)
	prop.Value = fmt.Sprintf("PT%dM", minutes)
	props.Set(prop)
}

func summary(t domain.BookingTemplate) string {
	if t.Notes != "" {
		return "Booking " + t.ServiceID + ": " + t.Notes
	}
	return "Booking " + t.ServiceID
}
