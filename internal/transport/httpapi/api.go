// Package httpapi exposes the booking operations as JSON over HTTP and serves
// series as iCalendar feeds.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"cadence/backend/internal/domain"
	"cadence/backend/internal/export"
	"cadence/backend/internal/service/preview"
	"cadence/backend/internal/service/series"
	"cadence/backend/internal/store"
	"cadence/backend/internal/telemetry"
)

const maxBodyBytes = 1 << 20

type SeriesService interface {
	CreateSeries(ctx context.Context, in series.CreateSeriesInput) (domain.RecurringSeries, []domain.BookingInstance, error)
	GetSeriesInstances(ctx context.Context, seriesID uuid.UUID) (domain.RecurringSeries, []domain.BookingInstance, error)
	CancelSeries(ctx context.Context, seriesID uuid.UUID, reason string) (int, error)
	ExtendWindow(ctx context.Context, seriesID uuid.UUID) (int, error)
}

type InstanceService interface {
	Get(ctx context.Context, instanceID uuid.UUID) (domain.BookingInstance, error)
	Skip(ctx context.Context, instanceID uuid.UUID, reason string) (domain.BookingInstance, error)
	Complete(ctx context.Context, instanceID uuid.UUID) (domain.BookingInstance, error)
	Reschedule(ctx context.Context, instanceID uuid.UUID, newDate string) (domain.BookingInstance, error)
}

type API struct {
	series    SeriesService
	instances InstanceService
	metrics   *telemetry.Metrics
	log       *slog.Logger
	now       func() time.Time
}

func New(seriesSvc SeriesService, instanceSvc InstanceService, metrics *telemetry.Metrics, log *slog.Logger) *API {
	if log == nil {
		log = slog.Default()
	}
	return &API{
		series:    seriesSvc,
		instances: instanceSvc,
		metrics:   metrics,
		log:       log.With(slog.String("component", "http.api")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Handler returns the router with tracing and metrics applied.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(a.metrics.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", a.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/recurrence/preview", a.handlePreview)
		r.Post("/series", a.handleCreateSeries)
		r.Route("/series/{id}", func(r chi.Router) {
			r.Get("/instances", a.handleGetSeriesInstances)
			r.Get("/calendar.ics", a.handleCalendar)
			r.Post("/cancel", a.handleCancelSeries)
			r.Post("/extend", a.handleExtendWindow)
		})
		r.Route("/instances/{id}", func(r chi.Router) {
			r.Get("/", a.handleGetInstance)
			r.Post("/skip", a.handleSkip)
			r.Post("/reschedule", a.handleReschedule)
			r.Post("/complete", a.handleComplete)
		})
	})

	return otelhttp.NewHandler(r, "cadence.http")
}

type previewRequest struct {
	StartDate    string             `json:"start_date"`
	Pattern      domain.PatternSpec `json:"pattern"`
	EndCondition domain.EndSpec     `json:"end_condition"`
	Count        int                `json:"count,omitempty"`
}

func (a *API) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if !a.decode(w, r, &req) {
		return
	}
	p, err := preview.Generate(preview.Input{
		Pattern:      req.Pattern,
		StartDate:    req.StartDate,
		EndCondition: req.EndCondition,
		Count:        req.Count,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type createSeriesRequest struct {
	StartDate    string                 `json:"start_date"`
	Pattern      domain.PatternSpec     `json:"pattern"`
	EndCondition domain.EndSpec         `json:"end_condition"`
	Template     domain.BookingTemplate `json:"template"`
}

func (a *API) handleCreateSeries(w http.ResponseWriter, r *http.Request) {
	var req createSeriesRequest
	if !a.decode(w, r, &req) {
		return
	}
	created, instances, err := a.series.CreateSeries(r.Context(), series.CreateSeriesInput{
		StartDate:    req.StartDate,
		Pattern:      req.Pattern,
		EndCondition: req.EndCondition,
		Template:     req.Template,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSeriesInstances(created, instances))
}

func (a *API) handleGetSeriesInstances(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s, instances, err := a.series.GetSeriesInstances(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSeriesInstances(s, instances))
}

func (a *API) handleCalendar(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s, instances, err := a.series.GetSeriesInstances(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	cal, err := export.Calendar(s, instances, a.now())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+export.FileName(s)+`"`)
	w.WriteHeader(http.StatusOK)
	if err := export.Encode(w, cal); err != nil {
		a.log.Warn("calendar write failed", slog.String("series_id", id.String()), slog.Any("err", err))
	}
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (a *API) handleCancelSeries(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if !a.decodeOptional(w, r, &req) {
		return
	}
	n, err := a.series.CancelSeries(r.Context(), id, req.Reason)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cancelled_count": n})
}

func (a *API) handleExtendWindow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	n, err := a.series.ExtendWindow(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"created_count": n})
}

func (a *API) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	inst, err := a.instances.Get(r.Context(), id)
	a.writeInstance(w, r, inst, err)
}

func (a *API) handleSkip(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if !a.decodeOptional(w, r, &req) {
		return
	}
	inst, err := a.instances.Skip(r.Context(), id, req.Reason)
	a.writeInstance(w, r, inst, err)
}

type rescheduleRequest struct {
	NewDate string `json:"new_date"`
}

func (a *API) handleReschedule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req rescheduleRequest
	if !a.decode(w, r, &req) {
		return
	}
	inst, err := a.instances.Reschedule(r.Context(), id, req.NewDate)
	a.writeInstance(w, r, inst, err)
}

func (a *API) handleComplete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	inst, err := a.instances.Complete(r.Context(), id)
	a.writeInstance(w, r, inst, err)
}

func (a *API) writeInstance(w http.ResponseWriter, r *http.Request, inst domain.BookingInstance, err error) {
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]instanceDTO{"instance": toInstance(inst)})
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func (a *API) decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	return a.decode(w, r, v)
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id")
		return uuid.Nil, false
	}
	return id, true
}

func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := StatusFor(err)
	log := a.log.With(
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)
	switch {
	case status >= 500 && status != http.StatusServiceUnavailable:
		log.Error("request failed", slog.Any("err", err))
	case status == http.StatusServiceUnavailable:
		log.Warn("dependency unavailable", slog.Any("err", err))
	default:
		log.Info("request rejected", slog.String("code", code), slog.Any("err", err))
	}

	body := map[string]string{"error": code}
	if status < 500 {
		body["message"] = err.Error()
	}
	writeJSON(w, status, body)
}

// StatusFor maps a service error to an HTTP status and a stable error code.
func StatusFor(err error) (int, string) {
	var ve *series.ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, domain.ErrInvalidPattern):
		return http.StatusBadRequest, "invalid_pattern"
	case errors.Is(err, domain.ErrInvalidDateFormat):
		return http.StatusBadRequest, "invalid_date_format"
	case errors.Is(err, domain.ErrInvalidDate):
		return http.StatusBadRequest, "invalid_date"
	case errors.Is(err, domain.ErrSeriesNotFound):
		return http.StatusNotFound, "series_not_found"
	case errors.Is(err, domain.ErrInstanceNotFound):
		return http.StatusNotFound, "instance_not_found"
	case errors.Is(err, domain.ErrScheduleConflict):
		return http.StatusConflict, "schedule_conflict"
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, store.ErrStatusMismatch), errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "concurrent_update"
	case errors.Is(err, domain.ErrConflictCheckUnavailable):
		return http.StatusServiceUnavailable, "conflict_check_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
