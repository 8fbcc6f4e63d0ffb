package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/button-agent/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client calls a remote ButtonService.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Dial opens a plaintext connection to addr; the caller closes it.
func Dial(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return conn, nil
}

// RunTask starts a job and returns its id.
func (c *Client) RunTask(ctx context.Context, taskName string) (types.JobID, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodRunTask, wrapperspb.String(taskName), out); err != nil {
		return "", err
	}
	return types.JobID(out.GetFields()["job_id"].GetStringValue()), nil
}

// GetJob fetches a single job.
func (c *Client) GetJob(ctx context.Context, id types.JobID) (*types.Job, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodGetJob, wrapperspb.String(string(id)), out); err != nil {
		return nil, err
	}
	var job types.Job
	if err := decode(out, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs lists jobs; an empty status lists all.
func (c *Client) ListJobs(ctx context.Context, status types.JobStatus) ([]*types.Job, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, methodListJobs, wrapperspb.String(string(status)), out); err != nil {
		return nil, err
	}
	var jobs []*types.Job
	if err := decode(out, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// ListTasks lists the registered task definitions.
func (c *Client) ListTasks(ctx context.Context) ([]types.TaskDefinition, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, methodListTasks, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	var defs []types.TaskDefinition
	if err := decode(out, &defs); err != nil {
		return nil, err
	}
	return defs, nil
}

// DefineTask registers a task definition on the remote agent.
func (c *Client) DefineTask(ctx context.Context, def types.TaskDefinition) error {
	raw, err := json.Marshal(def)
	if err != nil {
		return err
	}
	in := new(structpb.Struct)
	if err := protojson.Unmarshal(raw, in); err != nil {
		return err
	}
	return c.cc.Invoke(ctx, methodDefineTask, in, new(structpb.Struct))
}

func decode(msg proto.Message, v any) error {
	raw, err := protojson.Marshal(msg)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}
