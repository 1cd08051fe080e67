package api

import (
	"context"

	"google.golang.org/grpc"

	"github.com/cuemby/relay/pkg/types"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "relay.ControlPlane"

// ControlPlaneServer is the server-side contract of the control surface
type ControlPlaneServer interface {
	Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error)
	Cancel(ctx context.Context, req *CancelRequest) (*CommandResponse, error)
	GetTaskStatus(ctx context.Context, req *TaskStatusRequest) (*types.Task, error)
	Pause(ctx context.Context, req *Empty) (*CommandResponse, error)
	Resume(ctx context.Context, req *Empty) (*CommandResponse, error)
	GetSystemStatus(ctx context.Context, req *Empty) (*types.SystemStatus, error)
	UpdateConfig(ctx context.Context, req *UpdateConfigRequest) (*CommandResponse, error)
	CheckHealth(ctx context.Context, req *Empty) (*HealthResponse, error)
	GetServerDetails(ctx context.Context, req *ServerDetailsRequest) (*types.WorkerRecord, error)
	DiscoverServers(ctx context.Context, req *DiscoverRequest) (*DiscoverResponse, error)

	ListTasks(req *ListTasksRequest, stream TaskStream) error
	GetMetrics(req *Empty, stream MetricStream) error
	GetLogs(req *Empty, stream LogStream) error
}

// TaskStream sends task documents to the client
type TaskStream interface {
	Send(*types.Task) error
	grpc.ServerStream
}

// MetricStream sends metric points to the client
type MetricStream interface {
	Send(*types.MetricPoint) error
	grpc.ServerStream
}

// LogStream sends log records to the client
type LogStream interface {
	Send(*types.LogRecord) error
	grpc.ServerStream
}

type taskStream struct{ grpc.ServerStream }

func (s taskStream) Send(t *types.Task) error { return s.SendMsg(t) }

type metricStream struct{ grpc.ServerStream }

func (s metricStream) Send(p *types.MetricPoint) error { return s.SendMsg(p) }

type logStream struct{ grpc.ServerStream }

func (s logStream) Send(r *types.LogRecord) error { return s.SendMsg(r) }

func unaryHandler[Req any, Resp any](
	method string,
	call func(ControlPlaneServer, context.Context, *Req) (*Resp, error),
) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ControlPlaneServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ControlPlaneServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func listTasksHandler(srv any, stream grpc.ServerStream) error {
	in := new(ListTasksRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ControlPlaneServer).ListTasks(in, taskStream{stream})
}

func getMetricsHandler(srv any, stream grpc.ServerStream) error {
	in := new(Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ControlPlaneServer).GetMetrics(in, metricStream{stream})
}

func getLogsHandler(srv any, stream grpc.ServerStream) error {
	in := new(Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ControlPlaneServer).GetLogs(in, logStream{stream})
}

// ServiceDesc declares the control plane service. The service is declared
// by hand so the wire format can stay JSON end to end.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlPlaneServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: unaryHandler("Submit", ControlPlaneServer.Submit)},
		{MethodName: "Cancel", Handler: unaryHandler("Cancel", ControlPlaneServer.Cancel)},
		{MethodName: "GetTaskStatus", Handler: unaryHandler("GetTaskStatus", ControlPlaneServer.GetTaskStatus)},
		{MethodName: "Pause", Handler: unaryHandler("Pause", ControlPlaneServer.Pause)},
		{MethodName: "Resume", Handler: unaryHandler("Resume", ControlPlaneServer.Resume)},
		{MethodName: "GetSystemStatus", Handler: unaryHandler("GetSystemStatus", ControlPlaneServer.GetSystemStatus)},
		{MethodName: "UpdateConfig", Handler: unaryHandler("UpdateConfig", ControlPlaneServer.UpdateConfig)},
		{MethodName: "CheckHealth", Handler: unaryHandler("CheckHealth", ControlPlaneServer.CheckHealth)},
		{MethodName: "GetServerDetails", Handler: unaryHandler("GetServerDetails", ControlPlaneServer.GetServerDetails)},
		{MethodName: "DiscoverServers", Handler: unaryHandler("DiscoverServers", ControlPlaneServer.DiscoverServers)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "ListTasks", Handler: listTasksHandler, ServerStreams: true},
		{StreamName: "GetMetrics", Handler: getMetricsHandler, ServerStreams: true},
		{StreamName: "GetLogs", Handler: getLogsHandler, ServerStreams: true},
	},
}
