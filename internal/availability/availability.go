// Package availability asks the booking system whether a slot is free.
package availability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"cadence/backend/internal/domain"
)

// Slot is the candidate placement of one instance.
type Slot struct {
	SeriesID        uuid.UUID `json:"series_id"`
	InstanceID      uuid.UUID `json:"instance_id"`
	ServiceID       string    `json:"service_id"`
	StaffID         string    `json:"staff_id,omitempty"`
	CustomerID      string    `json:"customer_id"`
	Date            string    `json:"date"`
	StartTime       string    `json:"start_time"`
	DurationMinutes int       `json:"duration_minutes,omitempty"`
}

func SlotFor(inst domain.BookingInstance, tmpl domain.BookingTemplate, date time.Time) Slot {
	return Slot{
		SeriesID:        inst.SeriesID,
		InstanceID:      inst.ID,
		ServiceID:       tmpl.ServiceID,
		StaffID:         tmpl.StaffID,
		CustomerID:      tmpl.CustomerID,
		Date:            domain.FormatDate(date),
		StartTime:       inst.ScheduledTime,
		DurationMinutes: tmpl.DurationMinutes,
	}
}

// Checker reports whether a slot is free. An error means the answer is
// unknown, not that the slot is taken.
type Checker interface {
	IsAvailable(ctx context.Context, slot Slot) (bool, error)
}

// AlwaysAvailable accepts every slot. It is used when no booking system is
// configured.
type AlwaysAvailable struct{}

func (AlwaysAvailable) IsAvailable(context.Context, Slot) (bool, error) { return true, nil }

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, slot Slot) (bool, error)

func (f CheckerFunc) IsAvailable(ctx context.Context, slot Slot) (bool, error) { return f(ctx, slot) }

// HTTPChecker posts the slot as JSON to {baseURL}/v1/availability/check and
// expects {"available": bool}.
type HTTPChecker struct {
	endpoint string
	client   *http.Client
}

func NewHTTPChecker(baseURL string, client *http.Client) *HTTPChecker {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &HTTPChecker{
		endpoint: strings.TrimRight(baseURL, "/") + "/v1/availability/check",
		client:   client,
	}
}

type checkResponse struct {
	Available *bool `json:"available"`
}

func (c *HTTPChecker) IsAvailable(ctx context.Context, slot Slot) (bool, error) {
	body, err := json.Marshal(slot)
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return false, fmt.Errorf("availability check: unexpected status %d", resp.StatusCode)
	}
	var out checkResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return false, fmt.Errorf("availability check: decode response: %w", err)
	}
	if out.Available == nil {
		return false, fmt.Errorf("availability check: response has no available field")
	}
	return *out.Available, nil
}
