package series

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"cadence/backend/internal/domain"
	"cadence/backend/internal/events"
	"cadence/backend/internal/store"
	"cadence/backend/internal/telemetry"
)

type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func validationError(msg string) error {
	return &ValidationError{msg: msg}
}

// Store is what the manager needs from persistence.
type Store interface {
	store.SeriesRepository
	store.InstanceStore
}

type Config struct {
	InitialWindowCount int
	InitialWindowDays  int
	HorizonDays        int
	// Location decides what "today" is for window extension.
	Location         *time.Location
	SweepConcurrency int
}

func DefaultConfig() Config {
	return Config{
		InitialWindowCount: 12,
		InitialWindowDays:  90,
		HorizonDays:        90,
		Location:           time.UTC,
		SweepConcurrency:   4,
	}
}

type Option func(*Manager)

func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) {
		if p != nil {
			m.events = p
		}
	}
}

func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

type Manager struct {
	store   Store
	cfg     Config
	log     *slog.Logger
	events  events.Publisher
	metrics *telemetry.Metrics
	now     func() time.Time

	extend singleflight.Group
}

func NewManager(st Store, cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.InitialWindowCount <= 0 {
		cfg.InitialWindowCount = def.InitialWindowCount
	}
	if cfg.InitialWindowDays <= 0 {
		cfg.InitialWindowDays = def.InitialWindowDays
	}
	if cfg.HorizonDays <= 0 {
		cfg.HorizonDays = def.HorizonDays
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	if cfg.SweepConcurrency <= 0 {
		cfg.SweepConcurrency = def.SweepConcurrency
	}
	m := &Manager{
		store:  st,
		cfg:    cfg,
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		events: events.Nop{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With(slog.String("component", "series_manager"))
	return m
}

type CreateSeriesInput struct {
	// StartDate is YYYY-MM-DD.
	StartDate    string
	Pattern      domain.PatternSpec
	EndCondition domain.EndSpec
	Template     domain.BookingTemplate
}

func (m *Manager) CreateSeries(ctx context.Context, in CreateSeriesInput) (domain.RecurringSeries, []domain.BookingInstance, error) {
	start, err := domain.ParseDate(strings.TrimSpace(in.StartDate))
	if err != nil {
		return domain.RecurringSeries{}, nil, err
	}
	p, err := in.Pattern.Pattern()
	if err != nil {
		return domain.RecurringSeries{}, nil, err
	}
	end, err := in.EndCondition.Condition()
	if err != nil {
		return domain.RecurringSeries{}, nil, err
	}
	if err := domain.ValidateRecurrence(p, start, end); err != nil {
		return domain.RecurringSeries{}, nil, err
	}
	tmpl, err := validateTemplate(in.Template)
	if err != nil {
		return domain.RecurringSeries{}, nil, err
	}

	dates := m.initialWindow(p, start, end)
	if len(dates) == 0 {
		return domain.RecurringSeries{}, nil, fmt.Errorf("%w: pattern produces no occurrences", domain.ErrInvalidPattern)
	}

	series := domain.RecurringSeries{
		Template:     tmpl,
		StartDate:    start,
		Pattern:      domain.SpecOf(p),
		EndCondition: domain.EndSpecOf(end),
		Status:       domain.SeriesStatusActive,
	}
	created, instances, err := m.store.CreateSeries(ctx, series, domain.NewInstances(uuid.Nil, 0, dates, tmpl.StartTime))
	if err != nil {
		return domain.RecurringSeries{}, nil, err
	}

	m.metrics.SeriesCreatedInc(len(instances))
	m.log.Info("series created",
		slog.String("series_id", created.ID.String()),
		slog.String("pattern", string(p.Kind())),
		slog.Int("instances", len(instances)),
	)
	ev := events.New(events.SeriesCreated, created.ID)
	ev.Count = len(instances)
	m.publish(ctx, ev)
	return created, instances, nil
}

// initialWindow is the smaller of InitialWindowCount occurrences and
// InitialWindowDays days from start, but never empty when the pattern has at
// least one occurrence.
func (m *Manager) initialWindow(p domain.Pattern, start time.Time, end domain.EndCondition) []time.Time {
	through := start.AddDate(0, 0, m.cfg.InitialWindowDays-1)
	dates := domain.Expand(p, start, end, domain.Window{Limit: m.cfg.InitialWindowCount, Through: through})
	if len(dates) > 0 {
		return dates
	}
	return domain.Generate(p, start, end, 1)
}

func validateTemplate(t domain.BookingTemplate) (domain.BookingTemplate, error) {
	t.ServiceID = strings.TrimSpace(t.ServiceID)
	t.CustomerID = strings.TrimSpace(t.CustomerID)
	t.StaffID = strings.TrimSpace(t.StaffID)
	t.StartTime = strings.TrimSpace(t.StartTime)
	if t.ServiceID == "" {
		return t, validationError("template.service_id is required")
	}
	if t.CustomerID == "" {
		return t, validationError("template.customer_id is required")
	}
	if t.StartTime == "" {
		return t, validationError("template.start_time is required")
	}
	if _, err := time.Parse("15:04", t.StartTime); err != nil {
		return t, validationError("template.start_time must be HH:MM")
	}
	if t.DurationMinutes < 0 || t.DurationMinutes > 24*60 {
		return t, validationError("template.duration_minutes out of range")
	}
	return t, nil
}

// ExtendWindow materializes every occurrence up to today plus the horizon that
// is not yet stored. It is safe to call repeatedly and concurrently. Concurrent
// calls for one series share a single extension; only the call that ran it
// reports the created count, the others report 0.
func (m *Manager) ExtendWindow(ctx context.Context, seriesID uuid.UUID) (int, error) {
	led := false
	v, err, _ := m.extend.Do(seriesID.String(), func() (any, error) {
		led = true
		return m.extendWindow(ctx, seriesID)
	})
	if err != nil {
		return 0, err
	}
	if !led {
		return 0, nil
	}
	return v.(int), nil
}

func (m *Manager) extendWindow(ctx context.Context, seriesID uuid.UUID) (int, error) {
	through := m.today().AddDate(0, 0, m.cfg.HorizonDays)
	created := 0
	err := m.store.InSeriesTransaction(ctx, seriesID, func(ctx context.Context, tx store.SeriesTx) error {
		series, err := tx.GetSeries(ctx, seriesID)
		if err != nil {
			return err
		}
		if !series.Active() {
			return nil
		}
		p, end, err := series.Recurrence()
		if err != nil {
			return err
		}

		w := domain.Window{Through: through, Limit: domain.MaxOccurrences}
		offset := 0
		last, ok, err := tx.LastInstance(ctx, seriesID)
		if err != nil {
			return err
		}
		if ok {
			w.After = last.GeneratedDate()
			offset = last.InstanceNumber
		}

		dates := domain.Expand(p, series.StartDate, end, w)
		if len(dates) == 0 {
			return nil
		}
		inserted, err := tx.InsertInstances(ctx, domain.NewInstances(seriesID, offset, dates, series.Template.StartTime))
		if err != nil {
			return err
		}
		created = len(inserted)
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, domain.ErrSeriesNotFound
		}
		return 0, err
	}
	if created > 0 {
		m.metrics.WindowExtended(created)
		m.log.Info("window extended",
			slog.String("series_id", seriesID.String()),
			slog.Int("instances", created),
		)
		ev := events.New(events.SeriesExtended, seriesID)
		ev.Count = created
		m.publish(ctx, ev)
	}
	return created, nil
}

// CancelSeries marks the series cancelled and cancels its scheduled
// instances. Completed, skipped and rescheduled instances are history and stay
// as they are. Failures on single instances are logged and skipped, so calling
// it again finishes the job.
func (m *Manager) CancelSeries(ctx context.Context, seriesID uuid.UUID, reason string) (int, error) {
	reason = strings.TrimSpace(reason)
	err := m.store.InSeriesTransaction(ctx, seriesID, func(ctx context.Context, tx store.SeriesTx) error {
		_, err := tx.MarkSeriesCancelled(ctx, seriesID, reason, m.now().UTC())
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, domain.ErrSeriesNotFound
		}
		return 0, err
	}

	scheduled, err := m.store.ListInstances(ctx, seriesID, domain.InstanceStatusScheduled)
	if err != nil {
		return 0, err
	}
	cancelled := 0
	for _, inst := range scheduled {
		next := inst
		next.Status = domain.InstanceStatusCancelled
		next.Reason = reason
		if _, err := m.store.UpdateInstanceIf(ctx, next, inst.Status, inst.Version); err != nil {
			m.log.Warn("instance cancel skipped",
				slog.String("series_id", seriesID.String()),
				slog.String("instance_id", inst.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		cancelled++
	}

	m.metrics.SeriesCancelledInc(cancelled)
	m.log.Info("series cancelled",
		slog.String("series_id", seriesID.String()),
		slog.Int("instances", cancelled),
	)
	ev := events.New(events.SeriesCancelled, seriesID)
	ev.Count = cancelled
	ev.Reason = reason
	m.publish(ctx, ev)
	return cancelled, nil
}

// GetSeriesInstances returns the series and its instances by instance number.
func (m *Manager) GetSeriesInstances(ctx context.Context, seriesID uuid.UUID) (domain.RecurringSeries, []domain.BookingInstance, error) {
	series, err := m.store.GetSeries(ctx, seriesID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.RecurringSeries{}, nil, domain.ErrSeriesNotFound
		}
		return domain.RecurringSeries{}, nil, err
	}
	instances, err := m.store.ListInstances(ctx, seriesID, "")
	if err != nil {
		return domain.RecurringSeries{}, nil, err
	}
	return series, instances, nil
}

// VerifySeries checks stored instance dates against the pattern.
func (m *Manager) VerifySeries(ctx context.Context, seriesID uuid.UUID) error {
	series, instances, err := m.GetSeriesInstances(ctx, seriesID)
	if err != nil {
		return err
	}
	return domain.VerifyConsistency(series, instances)
}

func (m *Manager) today() time.Time {
	return domain.DateOf(m.now().In(m.cfg.Location))
}

func (m *Manager) publish(ctx context.Context, e events.Event) {
	if err := m.events.Publish(ctx, e); err != nil {
		m.log.Warn("event publish failed",
			slog.String("event", string(e.Type)),
			slog.String("series_id", e.SeriesID.String()),
			slog.String("error", err.Error()),
		)
	}
}
