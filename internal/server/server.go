package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/ChuLiYu/button-agent/internal/controller"
	"github.com/ChuLiYu/button-agent/internal/jobmanager"
	"github.com/ChuLiYu/button-agent/internal/registry"
	"github.com/ChuLiYu/button-agent/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName 完整的 gRPC 服務名稱
const ServiceName = "buttonagent.v1.ButtonService"

// Service 控制器提供給 gRPC 層的操作
type Service interface {
	RunTask(ctx context.Context, taskName string) (types.JobID, error)
	GetJob(id types.JobID) (*types.Job, error)
	ListJobs(status types.JobStatus) []*types.Job
	ListTasks() []types.TaskDefinition
	DefineTask(def types.TaskDefinition) error
}

// ButtonServiceServer 服務端介面
//
// 訊息一律使用 well-known types：字串參數用 StringValue，
// 結構化回應用 Struct / ListValue，欄位與 HTTP API 的 JSON 相同。
type ButtonServiceServer interface {
	RunTask(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	GetJob(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	ListJobs(context.Context, *wrapperspb.StringValue) (*structpb.ListValue, error)
	ListTasks(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	DefineTask(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// Server implements ButtonServiceServer on top of the controller.
type Server struct {
	svc  Service
	grpc *grpc.Server
}

// NewServer creates a gRPC server with the button service registered.
func NewServer(svc Service, opts ...grpc.ServerOption) *Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(logInterceptor)}, opts...)
	s := &Server{
		svc:  svc,
		grpc: grpc.NewServer(opts...),
	}
	s.grpc.RegisterService(&ButtonServiceDesc, s)
	return s
}

// Serve blocks serving lis until Stop or GracefulStop.
func (s *Server) Serve(lis net.Listener) error {
	slog.Info("grpc server listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Shutdown drains in-flight RPCs; if ctx expires first the server is stopped hard.
func (s *Server) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpc.Stop()
		<-done
	}
	slog.Info("grpc server stopped")
}

// RunTask creates a job for the named task and dispatches it.
func (s *Server) RunTask(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	name := req.GetValue()
	id, err := s.svc.RunTask(ctx, name)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		"job_id":    string(id),
		"task_name": name,
		"status":    string(types.StatusPending),
	})
}

// GetJob returns a single job record.
func (s *Server) GetJob(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	job, err := s.svc.GetJob(types.JobID(req.GetValue()))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(job)
}

// ListJobs returns jobs, filtered by status when the value is non-empty.
func (s *Server) ListJobs(ctx context.Context, req *wrapperspb.StringValue) (*structpb.ListValue, error) {
	var st types.JobStatus
	if raw := req.GetValue(); raw != "" {
		parsed, err := types.ParseStatus(raw)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		st = parsed
	}
	return toList(s.svc.ListJobs(st))
}

// ListTasks returns every registered task definition.
func (s *Server) ListTasks(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	return toList(s.svc.ListTasks())
}

// DefineTask registers a new task definition.
func (s *Server) DefineTask(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	raw, err := json.Marshal(req.AsMap())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	var def types.TaskDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.svc.DefineTask(def); err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		"status":  "ok",
		"message": fmt.Sprintf("Button '%s' created", def.Name),
	})
}

// Helpers

// toStatus maps domain errors to gRPC status codes
func toStatus(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, jobmanager.ErrUnknownTask),
		errors.Is(err, jobmanager.ErrJobNotFound),
		errors.Is(err, registry.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, registry.ErrDuplicateName):
		code = codes.AlreadyExists
	case errors.Is(err, types.ErrInvalidDefinition):
		code = codes.InvalidArgument
	case errors.Is(err, controller.ErrStopped):
		code = codes.Unavailable
	}
	return status.Error(code, err.Error())
}

// toStruct 透過 JSON 轉成 Struct，欄位名稱與 HTTP API 一致
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return structpb.NewStruct(m)
}

func toList(v any) (*structpb.ListValue, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	var items []any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return structpb.NewList(items)
}

func logInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	slog.Info("grpc_access",
		"method", info.FullMethod,
		"code", status.Code(err).String(),
		"dur", time.Since(start))
	return resp, err
}
