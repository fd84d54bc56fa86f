package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/timestamppb"

	"cadence/backend/internal/domain"
)

const ServiceName = "cadence.v1.RecurringBookings"

type Series struct {
	Id           string                 `json:"id"`
	StartDate    string                 `json:"start_date"`
	Pattern      domain.PatternSpec     `json:"pattern"`
	EndCondition domain.EndSpec         `json:"end_condition"`
	Template     domain.BookingTemplate `json:"template"`
	Status       string                 `json:"status"`
	CancelReason string                 `json:"cancel_reason,omitempty"`
	CancelledAt  *timestamppb.Timestamp `json:"cancelled_at,omitempty"`
	CreatedAt    *timestamppb.Timestamp `json:"created_at,omitempty"`
}

type Instance struct {
	Id             string                 `json:"id"`
	SeriesId       string                 `json:"series_id"`
	InstanceNumber int32                  `json:"instance_number"`
	ScheduledDate  string                 `json:"scheduled_date"`
	ScheduledTime  string                 `json:"scheduled_time"`
	Status         string                 `json:"status"`
	OriginalDate   string                 `json:"original_date,omitempty"`
	Reason         string                 `json:"reason,omitempty"`
	UpdatedAt      *timestamppb.Timestamp `json:"updated_at,omitempty"`
}

type PreviewDate struct {
	Date          string `json:"date"`
	DayLabel      string `json:"day_label"`
	FormattedDate string `json:"formatted_date"`
}

type GetRecurrencePreviewRequest struct {
	StartDate    string             `json:"start_date"`
	Pattern      domain.PatternSpec `json:"pattern"`
	EndCondition domain.EndSpec     `json:"end_condition"`
	Count        int32              `json:"count,omitempty"`
}

type GetRecurrencePreviewResponse struct {
	Description string        `json:"description"`
	Dates       []PreviewDate `json:"dates"`
	// TotalCount is null for open-ended series.
	TotalCount *int32 `json:"total_count"`
}

type CreateSeriesRequest struct {
	StartDate    string                 `json:"start_date"`
	Pattern      domain.PatternSpec     `json:"pattern"`
	EndCondition domain.EndSpec         `json:"end_condition"`
	Template     domain.BookingTemplate `json:"template"`
}

type SeriesInstancesResponse struct {
	Series    *Series     `json:"series"`
	Instances []*Instance `json:"instances"`
}

type GetSeriesInstancesRequest struct {
	SeriesId string `json:"series_id"`
}

type SkipInstanceRequest struct {
	InstanceId string `json:"instance_id"`
	Reason     string `json:"reason,omitempty"`
}

type RescheduleInstanceRequest struct {
	InstanceId string `json:"instance_id"`
	NewDate    string `json:"new_date"`
}

type CompleteInstanceRequest struct {
	InstanceId string `json:"instance_id"`
}

type InstanceResponse struct {
	Instance *Instance `json:"instance"`
}

type CancelRecurringSeriesRequest struct {
	SeriesId string `json:"series_id"`
	Reason   string `json:"reason,omitempty"`
}

type CancelRecurringSeriesResponse struct {
	CancelledCount int32 `json:"cancelled_count"`
}

type ExtendWindowRequest struct {
	SeriesId string `json:"series_id"`
}

type ExtendWindowResponse struct {
	CreatedCount int32 `json:"created_count"`
}

type RecurringBookingsServer interface {
	GetRecurrencePreview(context.Context, *GetRecurrencePreviewRequest) (*GetRecurrencePreviewResponse, error)
	CreateSeries(context.Context, *CreateSeriesRequest) (*SeriesInstancesResponse, error)
	GetSeriesInstances(context.Context, *GetSeriesInstancesRequest) (*SeriesInstancesResponse, error)
	SkipInstance(context.Context, *SkipInstanceRequest) (*InstanceResponse, error)
	RescheduleInstance(context.Context, *RescheduleInstanceRequest) (*InstanceResponse, error)
	CompleteInstance(context.Context, *CompleteInstanceRequest) (*InstanceResponse, error)
	CancelRecurringSeries(context.Context, *CancelRecurringSeriesRequest) (*CancelRecurringSeriesResponse, error)
	ExtendWindow(context.Context, *ExtendWindowRequest) (*ExtendWindowResponse, error)
}

func unary[Req, Resp any](method string, call func(RecurringBookingsServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(RecurringBookingsServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(RecurringBookingsServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RecurringBookingsServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetRecurrencePreview", RecurringBookingsServer.GetRecurrencePreview),
		unary("CreateSeries", RecurringBookingsServer.CreateSeries),
		unary("GetSeriesInstances", RecurringBookingsServer.GetSeriesInstances),
		unary("SkipInstance", RecurringBookingsServer.SkipInstance),
		unary("RescheduleInstance", RecurringBookingsServer.RescheduleInstance),
		unary("CompleteInstance", RecurringBookingsServer.CompleteInstance),
		unary("CancelRecurringSeries", RecurringBookingsServer.CancelRecurringSeries),
		unary("ExtendWindow", RecurringBookingsServer.ExtendWindow),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cadence/v1/recurring_bookings",
}

func RegisterRecurringBookingsServer(s grpc.ServiceRegistrar, srv RecurringBookingsServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls the service with the JSON codec.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetRecurrencePreview(ctx context.Context, in *GetRecurrencePreviewRequest, opts ...grpc.CallOption) (*GetRecurrencePreviewResponse, error) {
	return invoke[GetRecurrencePreviewResponse](ctx, c.cc, "GetRecurrencePreview", in, opts)
}

func (c *Client) CreateSeries(ctx context.Context, in *CreateSeriesRequest, opts ...grpc.CallOption) (*SeriesInstancesResponse, error) {
	return invoke[SeriesInstancesResponse](ctx, c.cc, "CreateSeries", in, opts)
}

func (c *Client) GetSeriesInstances(ctx context.Context, in *GetSeriesInstancesRequest, opts ...grpc.CallOption) (*SeriesInstancesResponse, error) {
	return invoke[SeriesInstancesResponse](ctx, c.cc, "GetSeriesInstances", in, opts)
}

func (c *Client) SkipInstance(ctx context.Context, in *SkipInstanceRequest, opts ...grpc.CallOption) (*InstanceResponse, error) {
	return invoke[InstanceResponse](ctx, c.cc, "SkipInstance", in, opts)
}

func (c *Client) RescheduleInstance(ctx context.Context, in *RescheduleInstanceRequest, opts ...grpc.CallOption) (*InstanceResponse, error) {
	return invoke[InstanceResponse](ctx, c.cc, "RescheduleInstance", in, opts)
}

func (c *Client) CompleteInstance(ctx context.Context, in *CompleteInstanceRequest, opts ...grpc.CallOption) (*InstanceResponse, error) {
	return invoke[InstanceResponse](ctx, c.cc, "CompleteInstance", in, opts)
}

func (c *Client) CancelRecurringSeries(ctx context.Context, in *CancelRecurringSeriesRequest, opts ...grpc.CallOption) (*CancelRecurringSeriesResponse, error) {
	return invoke[CancelRecurringSeriesResponse](ctx, c.cc, "CancelRecurringSeries", in, opts)
}

func (c *Client) ExtendWindow(ctx context.Context, in *ExtendWindowRequest, opts ...grpc.CallOption) (*ExtendWindowResponse, error) {
	return invoke[ExtendWindowResponse](ctx, c.cc, "ExtendWindow", in, opts)
}
