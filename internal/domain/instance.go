package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type InstanceStatus string

const (
	InstanceStatusScheduled   InstanceStatus = "scheduled"
	InstanceStatusCompleted   InstanceStatus = "completed"
	InstanceStatusSkipped     InstanceStatus = "skipped"
	InstanceStatusCancelled   InstanceStatus = "cancelled"
	InstanceStatusRescheduled InstanceStatus = "rescheduled"
)

// Terminal reports whether no further transition is allowed.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case InstanceStatusCompleted, InstanceStatusSkipped, InstanceStatusCancelled:
		return true
	}
	return false
}

type Action string

const (
	ActionSkip       Action = "skip"
	ActionReschedule Action = "reschedule"
	ActionComplete   Action = "complete"
	ActionCancel     Action = "cancel"
)

// rescheduled is a historical marker: it accepts every action scheduled does.
var transitions = map[Action]InstanceStatus{
	ActionSkip:       InstanceStatusSkipped,
	ActionReschedule: InstanceStatusRescheduled,
	ActionComplete:   InstanceStatusCompleted,
	ActionCancel:     InstanceStatusCancelled,
}

// Transition returns the status an action leads to from the given status.
func Transition(from InstanceStatus, action Action) (InstanceStatus, error) {
	to, ok := transitions[action]
	if !ok {
		return "", fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, action)
	}
	switch from {
	case InstanceStatusScheduled, InstanceStatusRescheduled:
		return to, nil
	default:
		return "", fmt.Errorf("%w: cannot %s an instance that is %s", ErrInvalidTransition, action, from)
	}
}

type BookingInstance struct {
	bun.BaseModel `bun:"table:booking_instances"`

	ID             uuid.UUID      `bun:"id,pk,type:uuid"`
	SeriesID       uuid.UUID      `bun:"series_id,notnull,type:uuid"`
	InstanceNumber int            `bun:"instance_number,notnull"`
	ScheduledDate  time.Time      `bun:"scheduled_date,notnull"`
	ScheduledTime  string         `bun:"scheduled_time,notnull"`
	Status         InstanceStatus `bun:"status,notnull"`
	OriginalDate   *time.Time     `bun:"original_date"`
	Reason         string         `bun:"reason"`
	Version        int64          `bun:"version,notnull"`
	CreatedAt      time.Time      `bun:"created_at,notnull"`
	UpdatedAt      time.Time      `bun:"updated_at,notnull"`
}

func (i *BookingInstance) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if i.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			i.ID = id
		}
		if i.CreatedAt.IsZero() {
			i.CreatedAt = now
		}
		if i.UpdatedAt.IsZero() {
			i.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		i.UpdatedAt = now
	}
	return nil
}

// GeneratedDate is the date the pattern produced for this instance, before any
// reschedule.
func (i BookingInstance) GeneratedDate() time.Time {
	if i.OriginalDate != nil {
		return *i.OriginalDate
	}
	return i.ScheduledDate
}

// NewInstances numbers dates consecutively after the given instance number.
func NewInstances(seriesID uuid.UUID, after int, dates []time.Time, scheduledTime string) []BookingInstance {
	out := make([]BookingInstance, 0, len(dates))
	for i, d := range dates {
		out = append(out, BookingInstance{
			SeriesID:       seriesID,
			InstanceNumber: after + i + 1,
			ScheduledDate:  DateOf(d),
			ScheduledTime:  scheduledTime,
			Status:         InstanceStatusScheduled,
		})
	}
	return out
}

// VerifyConsistency re-derives the pattern up to the highest instance number
// and reports the first instance whose generated date diverges.
func VerifyConsistency(series RecurringSeries, instances []BookingInstance) error {
	p, end, err := series.Recurrence()
	if err != nil {
		return err
	}
	highest := 0
	for _, inst := range instances {
		if inst.InstanceNumber > highest {
			highest = inst.InstanceNumber
		}
	}
	if highest == 0 {
		return nil
	}
	dates := make([]time.Time, 0, highest)
	for emitted := 0; emitted < highest; {
		var w Window
		if emitted > 0 {
			w = Window{After: dates[emitted-1]}
		}
		batch := Expand(p, series.StartDate, end, w)
		if len(batch) == 0 {
			break
		}
		dates = append(dates, batch...)
		emitted = len(dates)
	}
	for _, inst := range instances {
		n := inst.InstanceNumber
		if n < 1 || n > len(dates) {
			return fmt.Errorf("instance %d has no generated occurrence", n)
		}
		if !inst.GeneratedDate().Equal(dates[n-1]) {
			return fmt.Errorf("instance %d date %s, pattern gives %s", n, FormatDate(inst.GeneratedDate()), FormatDate(dates[n-1]))
		}
	}
	return nil
}
