// Package events publishes domain events about series and instances. Delivery
// to customers is someone else's job; this package only announces changes.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	SeriesCreated       Type = "series.created"
	SeriesExtended      Type = "series.extended"
	SeriesCancelled     Type = "series.cancelled"
	InstanceSkipped     Type = "instance.skipped"
	InstanceRescheduled Type = "instance.rescheduled"
	InstanceCompleted   Type = "instance.completed"
)

// SubjectPrefix is prepended to the event type to form the bus subject.
const SubjectPrefix = "cadence."

type Event struct {
	ID         uuid.UUID  `json:"id"`
	Type       Type       `json:"type"`
	SeriesID   uuid.UUID  `json:"series_id"`
	InstanceID *uuid.UUID `json:"instance_id,omitempty"`
	// Count is the number of instances created or cancelled, when relevant.
	Count      int       `json:"count,omitempty"`
	Date       string    `json:"date,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (e Event) Subject() string {
	return SubjectPrefix + string(e.Type)
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of one type, oldest first.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// New fills in the id and timestamp of an event.
func New(t Type, seriesID uuid.UUID) Event {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return Event{ID: id, Type: t, SeriesID: seriesID, OccurredAt: time.Now().UTC()}
}
