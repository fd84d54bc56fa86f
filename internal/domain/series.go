package domain

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type SeriesStatus string

const (
	SeriesStatusActive    SeriesStatus = "active"
	SeriesStatusCancelled SeriesStatus = "cancelled"
)

// BookingTemplate carries the booking context copied onto every instance.
// The engine treats the ids as opaque.
type BookingTemplate struct {
	ServiceID       string `json:"service_id"`
	StaffID         string `json:"staff_id,omitempty"`
	CustomerID      string `json:"customer_id"`
	StartTime       string `json:"start_time"`
	DurationMinutes int    `json:"duration_minutes,omitempty"`
	Notes           string `json:"notes,omitempty"`
}

func (t BookingTemplate) Value() (driver.Value, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (t *BookingTemplate) Scan(src any) error {
	return scanJSON(src, t)
}

type RecurringSeries struct {
	bun.BaseModel `bun:"table:recurring_series"`

	ID           uuid.UUID       `bun:"id,pk,type:uuid"`
	Template     BookingTemplate `bun:"template,notnull"`
	StartDate    time.Time       `bun:"start_date,notnull"`
	Pattern      PatternSpec     `bun:"pattern,notnull"`
	EndCondition EndSpec         `bun:"end_condition,notnull"`
	Status       SeriesStatus    `bun:"status,notnull"`
	CancelReason string          `bun:"cancel_reason"`
	CancelledAt  *time.Time      `bun:"cancelled_at"`
	CreatedAt    time.Time       `bun:"created_at,notnull"`
	UpdatedAt    time.Time       `bun:"updated_at,notnull"`
}

func (s *RecurringSeries) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if s.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			s.ID = id
		}
		if s.Status == "" {
			s.Status = SeriesStatusActive
		}
		if s.CreatedAt.IsZero() {
			s.CreatedAt = now
		}
		if s.UpdatedAt.IsZero() {
			s.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		s.UpdatedAt = now
	}
	return nil
}

// Recurrence decodes the stored pattern and end condition.
func (s RecurringSeries) Recurrence() (Pattern, EndCondition, error) {
	p, err := s.Pattern.Pattern()
	if err != nil {
		return nil, nil, err
	}
	end, err := s.EndCondition.Condition()
	if err != nil {
		return nil, nil, err
	}
	return p, end, nil
}

func (s RecurringSeries) Active() bool {
	return s.Status == SeriesStatusActive
}
