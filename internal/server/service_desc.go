package server

// ============================================================================
// ButtonService 的 gRPC 描述
//
// 所有訊息皆為 well-known types，不需要另外產生 .pb.go；
// 這裡的內容相當於 protoc-gen-go-grpc 對下列定義的輸出：
//
//   service ButtonService {
//     rpc RunTask(google.protobuf.StringValue) returns (google.protobuf.Struct);
//     rpc GetJob(google.protobuf.StringValue) returns (google.protobuf.Struct);
//     rpc ListJobs(google.protobuf.StringValue) returns (google.protobuf.ListValue);
//     rpc ListTasks(google.protobuf.Empty) returns (google.protobuf.ListValue);
//     rpc DefineTask(google.protobuf.Struct) returns (google.protobuf.Struct);
//   }
// ============================================================================

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	methodRunTask    = "/" + ServiceName + "/RunTask"
	methodGetJob     = "/" + ServiceName + "/GetJob"
	methodListJobs   = "/" + ServiceName + "/ListJobs"
	methodListTasks  = "/" + ServiceName + "/ListTasks"
	methodDefineTask = "/" + ServiceName + "/DefineTask"
)

// ButtonServiceDesc 供 grpc.Server.RegisterService 使用
var ButtonServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ButtonServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RunTask", Handler: runTaskHandler},
		{MethodName: "GetJob", Handler: getJobHandler},
		{MethodName: "ListJobs", Handler: listJobsHandler},
		{MethodName: "ListTasks", Handler: listTasksHandler},
		{MethodName: "DefineTask", Handler: defineTaskHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "buttonagent/v1/button.proto",
}

func runTaskHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ButtonServiceServer).RunTask(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodRunTask}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ButtonServiceServer).RunTask(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func getJobHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ButtonServiceServer).GetJob(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetJob}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ButtonServiceServer).GetJob(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func listJobsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ButtonServiceServer).ListJobs(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodListJobs}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ButtonServiceServer).ListJobs(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func listTasksHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ButtonServiceServer).ListTasks(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodListTasks}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ButtonServiceServer).ListTasks(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func defineTaskHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ButtonServiceServer).DefineTask(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodDefineTask}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ButtonServiceServer).DefineTask(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}
