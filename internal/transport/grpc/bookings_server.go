package grpc

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	"cadence/backend/internal/domain"
	"cadence/backend/internal/service/preview"
	"cadence/backend/internal/service/series"
	"cadence/backend/internal/store"
)

type BookingsServer struct {
	series    seriesService
	instances instanceService
	log       *slog.Logger
}

type seriesService interface {
	CreateSeries(ctx context.Context, in series.CreateSeriesInput) (domain.RecurringSeries, []domain.BookingInstance, error)
	GetSeriesInstances(ctx context.Context, seriesID uuid.UUID) (domain.RecurringSeries, []domain.BookingInstance, error)
	CancelSeries(ctx context.Context, seriesID uuid.UUID, reason string) (int, error)
	ExtendWindow(ctx context.Context, seriesID uuid.UUID) (int, error)
}

type instanceService interface {
	Skip(ctx context.Context, instanceID uuid.UUID, reason string) (domain.BookingInstance, error)
	Complete(ctx context.Context, instanceID uuid.UUID) (domain.BookingInstance, error)
	Reschedule(ctx context.Context, instanceID uuid.UUID, newDate string) (domain.BookingInstance, error)
}

func NewBookingsServer(seriesSvc seriesService, instanceSvc instanceService, log *slog.Logger) *BookingsServer {
	if log == nil {
		log = slog.Default()
	}
	return &BookingsServer{
		series:    seriesSvc,
		instances: instanceSvc,
		log:       log.With(slog.String("component", "grpc.bookings")),
	}
}

func (s *BookingsServer) GetRecurrencePreview(ctx context.Context, req *GetRecurrencePreviewRequest) (*GetRecurrencePreviewResponse, error) {
	log := s.log.With(slog.String("rpc", "GetRecurrencePreview"))
	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	p, err := preview.Generate(preview.Input{
		Pattern:      req.Pattern,
		StartDate:    req.StartDate,
		EndCondition: req.EndCondition,
		Count:        int(req.Count),
	})
	if err != nil {
		return nil, s.toStatus(log, err, "preview failed")
	}

	out := &GetRecurrencePreviewResponse{
		Description: p.Description,
		Dates:       make([]PreviewDate, 0, len(p.Dates)),
	}
	for _, d := range p.Dates {
		out.Dates = append(out.Dates, PreviewDate(d))
	}
	if n, ok := p.TotalCount.Get(); ok {
		total := int32(n)
		out.TotalCount = &total
	}
	return out, nil
}

func (s *BookingsServer) CreateSeries(ctx context.Context, req *CreateSeriesRequest) (*SeriesInstancesResponse, error) {
	log := s.log.With(slog.String("rpc", "CreateSeries"))
	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	created, instances, err := s.series.CreateSeries(ctx, series.CreateSeriesInput{
		StartDate:    req.StartDate,
		Pattern:      req.Pattern,
		EndCondition: req.EndCondition,
		Template:     req.Template,
	})
	if err != nil {
		return nil, s.toStatus(log, err, "series create failed")
	}

	log.Info("series created",
		slog.String("series_id", created.ID.String()),
		slog.Int("instances", len(instances)),
	)
	return toSeriesInstances(created, instances), nil
}

func (s *BookingsServer) GetSeriesInstances(ctx context.Context, req *GetSeriesInstancesRequest) (*SeriesInstancesResponse, error) {
	log := s.log.With(slog.String("rpc", "GetSeriesInstances"))
	id, err := parseID(log, req == nil, func() string { return req.SeriesId }, "series_id")
	if err != nil {
		return nil, err
	}

	got, instances, err := s.series.GetSeriesInstances(ctx, id)
	if err != nil {
		return nil, s.toStatus(log, err, "series read failed", slog.String("series_id", id.String()))
	}

	log.Debug("series instances listed",
		slog.String("series_id", id.String()),
		slog.Int("count", len(instances)),
	)
	return toSeriesInstances(got, instances), nil
}

func (s *BookingsServer) SkipInstance(ctx context.Context, req *SkipInstanceRequest) (*InstanceResponse, error) {
	log := s.log.With(slog.String("rpc", "SkipInstance"))
	id, err := parseID(log, req == nil, func() string { return req.InstanceId }, "instance_id")
	if err != nil {
		return nil, err
	}

	inst, err := s.instances.Skip(ctx, id, req.Reason)
	if err != nil {
		return nil, s.toStatus(log, err, "skip failed", slog.String("instance_id", id.String()))
	}
	return &InstanceResponse{Instance: toInstance(inst)}, nil
}

func (s *BookingsServer) RescheduleInstance(ctx context.Context, req *RescheduleInstanceRequest) (*InstanceResponse, error) {
	log := s.log.With(slog.String("rpc", "RescheduleInstance"))
	id, err := parseID(log, req == nil, func() string { return req.InstanceId }, "instance_id")
	if err != nil {
		return nil, err
	}

	inst, err := s.instances.Reschedule(ctx, id, req.NewDate)
	if err != nil {
		return nil, s.toStatus(log, err, "reschedule failed", slog.String("instance_id", id.String()))
	}
	return &InstanceResponse{Instance: toInstance(inst)}, nil
}

func (s *BookingsServer) CompleteInstance(ctx context.Context, req *CompleteInstanceRequest) (*InstanceResponse, error) {
	log := s.log.With(slog.String("rpc", "CompleteInstance"))
	id, err := parseID(log, req == nil, func() string { return req.InstanceId }, "instance_id")
	if err != nil {
		return nil, err
	}

	inst, err := s.instances.Complete(ctx, id)
	if err != nil {
		return nil, s.toStatus(log, err, "complete failed", slog.String("instance_id", id.String()))
	}
	return &InstanceResponse{Instance: toInstance(inst)}, nil
}

func (s *BookingsServer) CancelRecurringSeries(ctx context.Context, req *CancelRecurringSeriesRequest) (*CancelRecurringSeriesResponse, error) {
	log := s.log.With(slog.String("rpc", "CancelRecurringSeries"))
	id, err := parseID(log, req == nil, func() string { return req.SeriesId }, "series_id")
	if err != nil {
		return nil, err
	}

	n, err := s.series.CancelSeries(ctx, id, req.Reason)
	if err != nil {
		return nil, s.toStatus(log, err, "series cancel failed", slog.String("series_id", id.String()))
	}
	return &CancelRecurringSeriesResponse{CancelledCount: int32(n)}, nil
}

func (s *BookingsServer) ExtendWindow(ctx context.Context, req *ExtendWindowRequest) (*ExtendWindowResponse, error) {
	log := s.log.With(slog.String("rpc", "ExtendWindow"))
	id, err := parseID(log, req == nil, func() string { return req.SeriesId }, "series_id")
	if err != nil {
		return nil, err
	}

	n, err := s.series.ExtendWindow(ctx, id)
	if err != nil {
		return nil, s.toStatus(log, err, "window extend failed", slog.String("series_id", id.String()))
	}
	return &ExtendWindowResponse{CreatedCount: int32(n)}, nil
}

func parseID(log *slog.Logger, nilRequest bool, raw func() string, field string) (uuid.UUID, error) {
	if nilRequest {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return uuid.Nil, status.Error(codes.InvalidArgument, "request is required")
	}
	id, err := uuid.Parse(raw())
	if err != nil {
		log.Warn("invalid request", slog.String("reason", "invalid_uuid"), slog.String("field", field))
		return uuid.Nil, status.Error(codes.InvalidArgument, field+" must be a UUID")
	}
	return id, nil
}

// toStatus maps service errors onto gRPC codes and logs at a level that
// matches who is at fault.
func (s *BookingsServer) toStatus(log *slog.Logger, err error, msg string, attrs ...any) error {
	code := Code(err)
	args := append([]any{slog.Any("err", err)}, attrs...)
	switch code {
	case codes.Internal:
		log.Error(msg, args...)
		return status.Error(codes.Internal, "internal error")
	case codes.Unavailable:
		log.Warn(msg, args...)
	default:
		log.Info(msg, args...)
	}
	return status.Error(code, err.Error())
}

// Code is the gRPC code for a service error.
func Code(err error) codes.Code {
	var vErr *series.ValidationError
	switch {
	case errors.As(err, &vErr),
		errors.Is(err, domain.ErrInvalidPattern),
		errors.Is(err, domain.ErrInvalidDateFormat),
		errors.Is(err, domain.ErrInvalidDate):
		return codes.InvalidArgument
	case errors.Is(err, domain.ErrSeriesNotFound),
		errors.Is(err, domain.ErrInstanceNotFound),
		errors.Is(err, store.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, domain.ErrScheduleConflict),
		errors.Is(err, domain.ErrInvalidTransition):
		return codes.FailedPrecondition
	case errors.Is(err, domain.ErrConflictCheckUnavailable):
		return codes.Unavailable
	case errors.Is(err, store.ErrStatusMismatch),
		errors.Is(err, store.ErrConflict):
		return codes.Aborted
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	default:
		return codes.Internal
	}
}

func toSeriesInstances(s domain.RecurringSeries, instances []domain.BookingInstance) *SeriesInstancesResponse {
	out := &SeriesInstancesResponse{
		Series:    toSeries(s),
		Instances: make([]*Instance, 0, len(instances)),
	}
	for _, inst := range instances {
		out.Instances = append(out.Instances, toInstance(inst))
	}
	return out
}

func toSeries(s domain.RecurringSeries) *Series {
	out := &Series{
		Id:           s.ID.String(),
		StartDate:    domain.FormatDate(s.StartDate),
		Pattern:      s.Pattern,
		EndCondition: s.EndCondition,
		Template:     s.Template,
		Status:       string(s.Status),
		CancelReason: s.CancelReason,
		CreatedAt:    timestamppb.New(s.CreatedAt),
	}
	if s.CancelledAt != nil {
		out.CancelledAt = timestamppb.New(*s.CancelledAt)
	}
	return out
}

func toInstance(i domain.BookingInstance) *Instance {
	out := &Instance{
		Id:             i.ID.String(),
		SeriesId:       i.SeriesID.String(),
		InstanceNumber: int32(i.InstanceNumber),
		ScheduledDate:  domain.FormatDate(i.ScheduledDate),
		ScheduledTime:  i.ScheduledTime,
		Status:         string(i.Status),
		Reason:         i.Reason,
		UpdatedAt:      timestamppb.New(i.UpdatedAt),
	}
	if i.OriginalDate != nil {
		out.OriginalDate = domain.FormatDate(*i.OriginalDate)
	}
	return out
}
