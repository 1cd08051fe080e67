package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cuemby/relay/pkg/api"
	"github.com/cuemby/relay/pkg/types"
)

// Client is the gRPC client for the control surface. It speaks the same
// JSON content subtype the server registers, so no protoc output is
// involved on either side.
type Client struct {
	conn *grpc.ClientConn
}

// New dials addr lazily; the connection is established on first use
func New(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(api.CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close tears down the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	return c.conn.Invoke(ctx, "/"+api.ServiceName+"/"+method, req, resp)
}

// Submit admits a task and returns its assigned id
func (c *Client) Submit(ctx context.Context, task *types.Task) (*api.SubmitResponse, error) {
	resp := new(api.SubmitResponse)
	if err := c.invoke(ctx, "Submit", &api.SubmitRequest{Task: task}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Cancel requests cancellation of id
func (c *Client) Cancel(ctx context.Context, id string) (*api.CommandResponse, error) {
	resp := new(api.CommandResponse)
	if err := c.invoke(ctx, "Cancel", &api.CancelRequest{ID: id}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetTaskStatus fetches the task document for id
func (c *Client) GetTaskStatus(ctx context.Context, id string) (*types.Task, error) {
	task := new(types.Task)
	if err := c.invoke(ctx, "GetTaskStatus", &api.TaskStatusRequest{ID: id}, task); err != nil {
		return nil, err
	}
	return task, nil
}

// Pause gates admission on every engine instance
func (c *Client) Pause(ctx context.Context) (*api.CommandResponse, error) {
	resp := new(api.CommandResponse)
	if err := c.invoke(ctx, "Pause", &api.Empty{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Resume reopens admission
func (c *Client) Resume(ctx context.Context) (*api.CommandResponse, error) {
	resp := new(api.CommandResponse)
	if err := c.invoke(ctx, "Resume", &api.Empty{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetSystemStatus snapshots the serving node's engine
func (c *Client) GetSystemStatus(ctx context.Context) (*types.SystemStatus, error) {
	st := new(types.SystemStatus)
	if err := c.invoke(ctx, "GetSystemStatus", &api.Empty{}, st); err != nil {
		return nil, err
	}
	return st, nil
}

// UpdateConfig merges recognised keys into the running configuration
func (c *Client) UpdateConfig(ctx context.Context, changes map[string]any) (*api.CommandResponse, error) {
	resp := new(api.CommandResponse)
	if err := c.invoke(ctx, "UpdateConfig", &api.UpdateConfigRequest{Changes: changes}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// CheckHealth probes the serving node
func (c *Client) CheckHealth(ctx context.Context) (*api.HealthResponse, error) {
	resp := new(api.HealthResponse)
	if err := c.invoke(ctx, "CheckHealth", &api.Empty{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetServerDetails fetches a worker record; empty id means the serving node
func (c *Client) GetServerDetails(ctx context.Context, serverID string) (*types.WorkerRecord, error) {
	rec := new(types.WorkerRecord)
	if err := c.invoke(ctx, "GetServerDetails", &api.ServerDetailsRequest{ServerID: serverID}, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// DiscoverServers lists the healthy workers covering capabilities
func (c *Client) DiscoverServers(ctx context.Context, capabilities []string) ([]*types.WorkerRecord, error) {
	resp := new(api.DiscoverResponse)
	if err := c.invoke(ctx, "DiscoverServers", &api.DiscoverRequest{Capabilities: capabilities}, resp); err != nil {
		return nil, err
	}
	return resp.Servers, nil
}

// ListTasks streams the matching task documents to fn until fn returns
// false or the stream ends
func (c *Client) ListTasks(ctx context.Context, filter *types.TaskFilter, fn func(*types.Task) bool) error {
	stream, err := c.serverStream(ctx, "ListTasks", &api.ListTasksRequest{Filter: filter})
	if err != nil {
		return err
	}
	for {
		task := new(types.Task)
		if err := stream.RecvMsg(task); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if !fn(task) {
			return nil
		}
	}
}

// GetMetrics collects a metric snapshot from the serving node
func (c *Client) GetMetrics(ctx context.Context) ([]types.MetricPoint, error) {
	stream, err := c.serverStream(ctx, "GetMetrics", &api.Empty{})
	if err != nil {
		return nil, err
	}
	var points []types.MetricPoint
	for {
		point := new(types.MetricPoint)
		if err := stream.RecvMsg(point); err != nil {
			if errors.Is(err, io.EOF) {
				return points, nil
			}
			return nil, err
		}
		points = append(points, *point)
	}
}

// GetLogs collects the recent log records from the serving node
func (c *Client) GetLogs(ctx context.Context) ([]types.LogRecord, error) {
	stream, err := c.serverStream(ctx, "GetLogs", &api.Empty{})
	if err != nil {
		return nil, err
	}
	var records []types.LogRecord
	for {
		record := new(types.LogRecord)
		if err := stream.RecvMsg(record); err != nil {
			if errors.Is(err, io.EOF) {
				return records, nil
			}
			return nil, err
		}
		records = append(records, *record)
	}
}

func (c *Client) serverStream(ctx context.Context, method string, req any) (grpc.ClientStream, error) {
	desc := &grpc.StreamDesc{StreamName: method, ServerStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, "/"+api.ServiceName+"/"+method)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return stream, nil
}
