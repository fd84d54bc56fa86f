package instances

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"cadence/backend/internal/availability"
	"cadence/backend/internal/domain"
	"cadence/backend/internal/events"
	"cadence/backend/internal/store"
	"cadence/backend/internal/telemetry"
)

// maxAttempts bounds the re-read loop when a conditional write loses a race.
const maxAttempts = 3

// Store is what the handler needs from persistence.
type Store interface {
	store.InstanceStore
	GetSeries(ctx context.Context, seriesID uuid.UUID) (domain.RecurringSeries, error)
}

type Config struct {
	AvailabilityTimeout time.Duration
	// Location decides what "today" is when rejecting past dates.
	Location *time.Location
}

func DefaultConfig() Config {
	return Config{AvailabilityTimeout: 3 * time.Second, Location: time.UTC}
}

type Option func(*Handler)

func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(h *Handler) {
		if p != nil {
			h.events = p
		}
	}
}

func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(h *Handler) { h.metrics = metrics }
}

func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

type Handler struct {
	store        Store
	availability availability.Checker
	cfg          Config
	log          *slog.Logger
	events       events.Publisher
	metrics      *telemetry.Metrics
	now          func() time.Time
}

func NewHandler(st Store, checker availability.Checker, cfg Config, opts ...Option) *Handler {
	if checker == nil {
		checker = availability.AlwaysAvailable{}
	}
	if cfg.AvailabilityTimeout <= 0 {
		cfg.AvailabilityTimeout = DefaultConfig().AvailabilityTimeout
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	h := &Handler{
		store:        st,
		availability: checker,
		cfg:          cfg,
		log:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		events:       events.Nop{},
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.With(slog.String("component", "instance_actions"))
	return h
}

func (h *Handler) Get(ctx context.Context, instanceID uuid.UUID) (domain.BookingInstance, error) {
	inst, err := h.store.GetInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.BookingInstance{}, domain.ErrInstanceNotFound
		}
		return domain.BookingInstance{}, err
	}
	return inst, nil
}

func (h *Handler) Skip(ctx context.Context, instanceID uuid.UUID, reason string) (domain.BookingInstance, error) {
	reason = strings.TrimSpace(reason)
	return h.apply(ctx, instanceID, domain.ActionSkip, action{
		done: func(cur domain.BookingInstance) bool {
			return cur.Status == domain.InstanceStatusSkipped
		},
		mutate: func(next *domain.BookingInstance) {
			next.Reason = reason
		},
		event: events.InstanceSkipped,
	})
}

func (h *Handler) Complete(ctx context.Context, instanceID uuid.UUID) (domain.BookingInstance, error) {
	return h.apply(ctx, instanceID, domain.ActionComplete, action{
		done: func(cur domain.BookingInstance) bool {
			return cur.Status == domain.InstanceStatusCompleted
		},
		event: events.InstanceCompleted,
	})
}

// Reschedule moves an instance to newDate (YYYY-MM-DD). The date format is
// checked before anything is read. The first pre-reschedule date is kept in
// OriginalDate across repeated reschedules.
func (h *Handler) Reschedule(ctx context.Context, instanceID uuid.UUID, newDate string) (domain.BookingInstance, error) {
	date, err := domain.ParseDate(strings.TrimSpace(newDate))
	if err != nil {
		return domain.BookingInstance{}, err
	}
	if today := h.today(); date.Before(today) {
		return domain.BookingInstance{}, fmt.Errorf("%w: %s is before today (%s)", domain.ErrInvalidDate, domain.FormatDate(date), domain.FormatDate(today))
	}

	checked := false
	return h.apply(ctx, instanceID, domain.ActionReschedule, action{
		done: func(cur domain.BookingInstance) bool {
			return cur.Status == domain.InstanceStatusRescheduled && cur.ScheduledDate.Equal(date)
		},
		check: func(ctx context.Context, cur domain.BookingInstance) error {
			if checked {
				return nil
			}
			if err := h.checkAvailability(ctx, cur, date); err != nil {
				return err
			}
			checked = true
			return nil
		},
		mutate: func(next *domain.BookingInstance) {
			if next.OriginalDate == nil {
				original := next.ScheduledDate
				next.OriginalDate = &original
			}
			next.ScheduledDate = date
		},
		event: events.InstanceRescheduled,
	})
}

type action struct {
	// done reports that the action already produced the current state.
	done func(cur domain.BookingInstance) bool
	// check runs before the write; an error leaves the instance untouched.
	check  func(ctx context.Context, cur domain.BookingInstance) error
	mutate func(next *domain.BookingInstance)
	event  events.Type
}

// apply runs read, check, conditional write. A lost race re-reads and tries
// again, so a concurrent terminal transition surfaces as ErrInvalidTransition.
func (h *Handler) apply(ctx context.Context, instanceID uuid.UUID, act domain.Action, a action) (domain.BookingInstance, error) {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		cur, err := h.Get(ctx, instanceID)
		if err != nil {
			h.metrics.InstanceAction(string(act), "error")
			return domain.BookingInstance{}, err
		}
		if a.done(cur) {
			h.metrics.InstanceAction(string(act), "noop")
			return cur, nil
		}
		to, err := domain.Transition(cur.Status, act)
		if err != nil {
			h.metrics.InstanceAction(string(act), "rejected")
			return domain.BookingInstance{}, err
		}
		if a.check != nil {
			if err := a.check(ctx, cur); err != nil {
				h.metrics.InstanceAction(string(act), "rejected")
				return domain.BookingInstance{}, err
			}
		}

		next := cur
		next.Status = to
		if a.mutate != nil {
			a.mutate(&next)
		}
		updated, err := h.store.UpdateInstanceIf(ctx, next, cur.Status, cur.Version)
		if errors.Is(err, store.ErrStatusMismatch) {
			h.log.Debug("instance changed underneath, retrying",
				slog.String("instance_id", instanceID.String()),
				slog.String("action", string(act)),
				slog.Int("attempt", attempt),
			)
			continue
		}
		if err != nil {
			h.metrics.InstanceAction(string(act), "error")
			if errors.Is(err, store.ErrNotFound) {
				return domain.BookingInstance{}, domain.ErrInstanceNotFound
			}
			return domain.BookingInstance{}, err
		}

		h.metrics.InstanceAction(string(act), "ok")
		h.log.Info("instance updated",
			slog.String("instance_id", updated.ID.String()),
			slog.String("series_id", updated.SeriesID.String()),
			slog.String("action", string(act)),
			slog.String("status", string(updated.Status)),
		)
		h.publish(ctx, a.event, updated)
		return updated, nil
	}
	h.metrics.InstanceAction(string(act), "error")
	return domain.BookingInstance{}, fmt.Errorf("%s instance %s: %w", act, instanceID, store.ErrStatusMismatch)
}

func (h *Handler) checkAvailability(ctx context.Context, inst domain.BookingInstance, date time.Time) error {
	series, err := h.store.GetSeries(ctx, inst.SeriesID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.ErrSeriesNotFound
		}
		return err
	}

	checkCtx, cancel := context.WithTimeout(ctx, h.cfg.AvailabilityTimeout)
	defer cancel()

	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	slot := availability.SlotFor(inst, series.Template, date)
	started := time.Now()
	go func() {
		ok, err := h.availability.IsAvailable(checkCtx, slot)
		done <- result{ok: ok, err: err}
	}()

	var ok bool
	select {
	case r := <-done:
		ok, err = r.ok, r.err
	case <-checkCtx.Done():
		err = checkCtx.Err()
	}
	took := time.Since(started)
	if err != nil {
		h.metrics.AvailabilityChecked("error", took)
		h.log.Warn("availability check failed",
			slog.String("instance_id", inst.ID.String()),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: %v", domain.ErrConflictCheckUnavailable, err)
	}
	if !ok {
		h.metrics.AvailabilityChecked("conflict", took)
		return fmt.Errorf("%w: %s is not available", domain.ErrScheduleConflict, domain.FormatDate(date))
	}
	h.metrics.AvailabilityChecked("available", took)
	return nil
}

func (h *Handler) today() time.Time {
	return domain.DateOf(h.now().In(h.cfg.Location))
}

func (h *Handler) publish(ctx context.Context, t events.Type, inst domain.BookingInstance) {
	e := events.New(t, inst.SeriesID)
	id := inst.ID
	e.InstanceID = &id
	e.Date = domain.FormatDate(inst.ScheduledDate)
	e.Reason = inst.Reason
	if err := h.events.Publish(ctx, e); err != nil {
		h.log.Warn("event publish failed",
			slog.String("event", string(t)),
			slog.String("instance_id", inst.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}
