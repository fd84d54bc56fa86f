package httpapi

import (
	"time"

	"cadence/backend/internal/domain"
)

type seriesDTO struct {
	ID           string                 `json:"id"`
	StartDate    string                 `json:"start_date"`
	Pattern      domain.PatternSpec     `json:"pattern"`
	EndCondition domain.EndSpec         `json:"end_condition"`
	Template     domain.BookingTemplate `json:"template"`
	Status       string                 `json:"status"`
	CancelReason string                 `json:"cancel_reason,omitempty"`
	CancelledAt  *time.Time             `json:"cancelled_at,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

type instanceDTO struct {
	ID             string    `json:"id"`
	SeriesID       string    `json:"series_id"`
	InstanceNumber int       `json:"instance_number"`
	ScheduledDate  string    `json:"scheduled_date"`
	ScheduledTime  string    `json:"scheduled_time"`
	Status         string    `json:"status"`
	OriginalDate   string    `json:"original_date,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type seriesInstancesDTO struct {
	Series    seriesDTO     `json:"series"`
	Instances []instanceDTO `json:"instances"`
}

func toSeriesInstances(s domain.RecurringSeries, instances []domain.BookingInstance) seriesInstancesDTO {
	out := seriesInstancesDTO{
		Series:    toSeries(s),
		Instances: make([]instanceDTO, 0, len(instances)),
	}
	for _, inst := range instances {
		out.Instances = append(out.Instances, toInstance(inst))
	}
	return out
}

func toSeries(s domain.RecurringSeries) seriesDTO {
	return seriesDTO{
		ID:           s.ID.String(),
		StartDate:    domain.FormatDate(s.StartDate),
		Pattern:      s.Pattern,
		EndCondition: s.EndCondition,
		Template:     s.Template,
		Status:       string(s.Status),
		CancelReason: s.CancelReason,
		CancelledAt:  s.CancelledAt,
		CreatedAt:    s.CreatedAt,
	}
}

func toInstance(i domain.BookingInstance) instanceDTO {
	out := instanceDTO{
		ID:             i.ID.String(),
		SeriesID:       i.SeriesID.String(),
		InstanceNumber: i.InstanceNumber,
		ScheduledDate:  domain.FormatDate(i.ScheduledDate),
		ScheduledTime:  i.ScheduledTime,
		Status:         string(i.Status),
		Reason:         i.Reason,
		UpdatedAt:      i.UpdatedAt,
	}
	if i.OriginalDate != nil {
		out.OriginalDate = domain.FormatDate(*i.OriginalDate)
	}
	return out
}
