package api

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/cuemby/relay/pkg/bus"
	"github.com/cuemby/relay/pkg/config"
	"github.com/cuemby/relay/pkg/dispatch"
	"github.com/cuemby/relay/pkg/handler"
	"github.com/cuemby/relay/pkg/registry"
	"github.com/cuemby/relay/pkg/store"
	"github.com/cuemby/relay/pkg/types"
	"github.com/cuemby/relay/pkg/worker"
)

// stubProber serves canned worker records for registry-backed methods
type stubProber struct {
	records map[string]*types.WorkerRecord
}

func (p *stubProber) GetServerDetails(_ context.Context, id string) (*types.WorkerRecord, error) {
	rec, ok := p.records[id]
	if !ok {
		return nil, errors.New("unknown server")
	}
	return rec.Clone(), nil
}

func (p *stubProber) CheckHealth(context.Context, *types.WorkerRecord) (types.HealthState, error) {
	return types.HealthHealthy, nil
}

func (p *stubProber) DiscoverServers(context.Context) ([]string, error) {
	return nil, nil
}

type testServer struct {
	server   *Server
	conn     *grpc.ClientConn
	bus      *bus.InMemory
	store    *store.StateStore
	handlers *handler.Registry
	engine   *dispatch.Engine
	workers  *worker.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := config.Default()
	cfg.MaxConcurrentTasks = 2
	cfg.AttemptTimeout = 2 * time.Second
	cfg.Retry = types.RetryPolicy{
		MaxAttempts:  2,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Factor:       2,
	}
	runtime := config.NewRuntime(cfg)

	kv, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)

	ts := &testServer{
		bus:      bus.NewInMemory(),
		store:    store.NewStateStore(kv),
		handlers: handler.NewRegistry(),
	}

	ts.engine = dispatch.New(dispatch.Config{
		Bus:          ts.bus,
		Store:        ts.store,
		Tasks:        registry.New(),
		Handlers:     ts.handlers,
		Runtime:      runtime,
		TaskTopic:    cfg.Bus.TaskTopic,
		CommandTopic: cfg.Bus.CommandTopic,
		Group:        cfg.Bus.Group,
		NodeID:       "api-test-node",
	})

	prober := &stubProber{records: map[string]*types.WorkerRecord{
		"w1": {
			ServerID:     "w1",
			Name:         "worker-w1",
			Endpoints:    []string{"localhost:7430"},
			Capabilities: []string{"transcode"},
			RegisteredAt: time.Now(),
		},
	}}
	ts.workers = worker.New(worker.Config{
		Bus:           ts.bus,
		Store:         ts.store,
		Runtime:       runtime,
		Prober:        prober,
		RegistryTopic: cfg.Bus.RegistryTopic,
		Group:         "relay-workers",
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, ts.engine.Start(ctx))
	require.NoError(t, ts.workers.Start(ctx))

	ts.server = NewServer(Config{
		Engine:       ts.engine,
		Workers:      ts.workers,
		Store:        ts.store,
		Bus:          ts.bus,
		Runtime:      runtime,
		Handlers:     ts.handlers,
		ListenAddr:   ":7420",
		TaskTopic:    cfg.Bus.TaskTopic,
		CommandTopic: cfg.Bus.CommandTopic,
		NodeID:       "api-test-node",
	})

	lis := bufconn.Listen(1 << 20)
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(ts.server.instrument))
	grpcServer.RegisterService(&ServiceDesc, ts.server)
	go func() { _ = grpcServer.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	require.NoError(t, err)
	ts.conn = conn

	t.Cleanup(func() {
		_ = conn.Close()
		grpcServer.Stop()
		ts.engine.Shutdown(2 * time.Second)
		ts.workers.Stop()
		cancel()
		_ = ts.bus.Close()
		_ = ts.store.Close()
	})
	return ts
}

func (ts *testServer) invoke(t *testing.T, method string, req, resp any) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ts.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp)
}

func TestSubmitRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	ts.handlers.Register("echo", handler.Func(func(_ context.Context, p []byte) ([]byte, error) {
		return p, nil
	}))

	var resp SubmitResponse
	err := ts.invoke(t, "Submit", &SubmitRequest{
		Task: &types.Task{Kind: "echo", Payload: []byte(`"hi"`)},
	}, &resp)
	require.NoError(t, err)
	require.NotEmpty(t, resp.ID)
	assert.Equal(t, types.TaskStatePending, resp.State)

	// Submit → dispatch → terminal state observable through the API
	require.Eventually(t, func() bool {
		var task types.Task
		if err := ts.invoke(t, "GetTaskStatus", &TaskStatusRequest{ID: resp.ID}, &task); err != nil {
			return false
		}
		return task.State == types.TaskStateCompleted
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSubmitDuplicateIDIsIdempotent(t *testing.T) {
	ts := newTestServer(t)

	var calls int32
	ts.handlers.Register("echo", handler.Func(func(_ context.Context, p []byte) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return p, nil
	}))

	req := &SubmitRequest{Task: &types.Task{ID: "dup-1", Kind: "echo", Payload: []byte(`"hi"`)}}
	var first SubmitResponse
	require.NoError(t, ts.invoke(t, "Submit", req, &first))
	assert.Equal(t, types.TaskStatePending, first.State)

	require.Eventually(t, func() bool {
		var task types.Task
		if err := ts.invoke(t, "GetTaskStatus", &TaskStatusRequest{ID: "dup-1"}, &task); err != nil {
			return false
		}
		return task.State == types.TaskStateCompleted
	}, 5*time.Second, 20*time.Millisecond)

	// The same request again: acknowledged with the terminal state, no
	// re-admission, no second handler invocation
	var second SubmitResponse
	require.NoError(t, ts.invoke(t, "Submit", req, &second))
	assert.Equal(t, "dup-1", second.ID)
	assert.Equal(t, types.TaskStateCompleted, second.State)

	var task types.Task
	require.NoError(t, ts.invoke(t, "GetTaskStatus", &TaskStatusRequest{ID: "dup-1"}, &task))
	assert.Equal(t, types.TaskStateCompleted, task.State)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSubmitDuplicateWhilePending(t *testing.T) {
	ts := newTestServer(t)
	// No handler registered yet, so the first admission stays in flight

	seed := &types.Task{ID: "dup-2", Kind: "later", Priority: 3, Payload: []byte(`"x"`)}
	require.NoError(t, ts.store.PutTask(context.Background(),
		func() *types.Task { c := seed.Clone(); c.State = types.TaskStatePending; return c }()))

	var resp SubmitResponse
	require.NoError(t, ts.invoke(t, "Submit", &SubmitRequest{Task: seed}, &resp))
	assert.Equal(t, "dup-2", resp.ID)
	assert.Equal(t, types.TaskStatePending, resp.State)

	// The duplicate must not reset the stored document
	got, err := ts.store.GetTask(context.Background(), "dup-2")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Priority)
}

func TestSubmitValidation(t *testing.T) {
	ts := newTestServer(t)

	var resp SubmitResponse
	err := ts.invoke(t, "Submit", &SubmitRequest{}, &resp)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	err = ts.invoke(t, "Submit", &SubmitRequest{Task: &types.Task{}}, &resp)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGetTaskStatusNotFound(t *testing.T) {
	ts := newTestServer(t)

	var task types.Task
	err := ts.invoke(t, "GetTaskStatus", &TaskStatusRequest{ID: "missing"}, &task)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestCancelUnknownSucceeds(t *testing.T) {
	ts := newTestServer(t)

	var resp CommandResponse
	require.NoError(t, ts.invoke(t, "Cancel", &CancelRequest{ID: "missing"}, &resp))
	assert.True(t, resp.Success)

	var second CommandResponse
	require.NoError(t, ts.invoke(t, "Cancel", &CancelRequest{ID: "missing"}, &second))
	assert.True(t, second.Success)
}

func TestPauseResumeFlowThroughBus(t *testing.T) {
	ts := newTestServer(t)

	var resp CommandResponse
	require.NoError(t, ts.invoke(t, "Pause", &Empty{}, &resp))
	assert.True(t, resp.Success)
	require.Eventually(t, ts.engine.IsPaused, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, ts.invoke(t, "Resume", &Empty{}, &resp))
	require.Eventually(t, func() bool {
		return !ts.engine.IsPaused()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGetSystemStatus(t *testing.T) {
	ts := newTestServer(t)

	var st types.SystemStatus
	require.NoError(t, ts.invoke(t, "GetSystemStatus", &Empty{}, &st))
	assert.True(t, st.Running)
	assert.Equal(t, 0, st.ActiveTasks)
}

func TestUpdateConfig(t *testing.T) {
	ts := newTestServer(t)

	var resp CommandResponse
	err := ts.invoke(t, "UpdateConfig", &UpdateConfigRequest{
		Changes: map[string]any{"max_concurrent_tasks": 4},
	}, &resp)
	require.NoError(t, err)
	assert.True(t, resp.Success)

	err = ts.invoke(t, "UpdateConfig", &UpdateConfigRequest{
		Changes: map[string]any{"no_such_key": 1},
	}, &resp)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	// Pausing through config applies immediately to the local engine
	err = ts.invoke(t, "UpdateConfig", &UpdateConfigRequest{
		Changes: map[string]any{"paused": true},
	}, &resp)
	require.NoError(t, err)
	assert.True(t, ts.engine.IsPaused())
}

func TestListTasksStream(t *testing.T) {
	ts := newTestServer(t)
	ts.handlers.Register("echo", handler.Func(func(_ context.Context, p []byte) ([]byte, error) {
		return p, nil
	}))

	ids := make(map[string]bool)
	for _, id := range []string{"t1", "t2"} {
		var resp SubmitResponse
		require.NoError(t, ts.invoke(t, "Submit", &SubmitRequest{
			Task: &types.Task{ID: id, Kind: "echo"},
		}, &resp))
		ids[id] = false
	}

	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		desc := &grpc.StreamDesc{StreamName: "ListTasks", ServerStreams: true}
		stream, err := ts.conn.NewStream(ctx, desc, "/"+ServiceName+"/ListTasks")
		require.NoError(t, err)
		require.NoError(t, stream.SendMsg(&ListTasksRequest{
			Filter: &types.TaskFilter{States: []types.TaskState{types.TaskStateCompleted}},
		}))
		require.NoError(t, stream.CloseSend())

		count := 0
		for {
			task := new(types.Task)
			if err := stream.RecvMsg(task); err != nil {
				require.ErrorIs(t, err, io.EOF)
				break
			}
			if _, ok := ids[task.ID]; ok {
				count++
			}
		}
		return count == 2
	}, 5*time.Second, 50*time.Millisecond)
}

func TestGetMetricsStream(t *testing.T) {
	ts := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	desc := &grpc.StreamDesc{StreamName: "GetMetrics", ServerStreams: true}
	stream, err := ts.conn.NewStream(ctx, desc, "/"+ServiceName+"/GetMetrics")
	require.NoError(t, err)
	require.NoError(t, stream.SendMsg(&Empty{}))
	require.NoError(t, stream.CloseSend())

	var points []types.MetricPoint
	for {
		point := new(types.MetricPoint)
		if err := stream.RecvMsg(point); err != nil {
			require.ErrorIs(t, err, io.EOF)
			break
		}
		points = append(points, *point)
	}
	require.NotEmpty(t, points)
	for _, p := range points {
		assert.NotEmpty(t, p.Name)
	}
}

func TestCheckHealth(t *testing.T) {
	ts := newTestServer(t)

	var resp HealthResponse
	require.NoError(t, ts.invoke(t, "CheckHealth", &Empty{}, &resp))
	assert.NotEmpty(t, resp.Status)
	assert.Contains(t, resp.Metrics, "active_tasks")
	assert.Contains(t, resp.Metrics, "workers")
}

func TestGetServerDetailsSelf(t *testing.T) {
	ts := newTestServer(t)
	ts.handlers.Register("echo", handler.Func(func(_ context.Context, p []byte) ([]byte, error) {
		return p, nil
	}))

	var rec types.WorkerRecord
	require.NoError(t, ts.invoke(t, "GetServerDetails", &ServerDetailsRequest{}, &rec))
	assert.Equal(t, "api-test-node", rec.ServerID)
	assert.Equal(t, types.HealthHealthy, rec.Health)
	assert.Contains(t, rec.Capabilities, "echo")

	err := ts.invoke(t, "GetServerDetails", &ServerDetailsRequest{ServerID: "absent"}, &rec)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestDiscoverServers(t *testing.T) {
	ts := newTestServer(t)

	// Register w1 through the bus-driven worker registry
	require.NoError(t, ts.bus.Publish(context.Background(), "server-registry",
		[]byte("w1"), []byte(`{"server_id":"w1","action":"register"}`)))
	require.Eventually(t, func() bool {
		return ts.workers.Len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	var resp DiscoverResponse
	require.NoError(t, ts.invoke(t, "DiscoverServers", &DiscoverRequest{}, &resp))
	require.Len(t, resp.Servers, 1)
	assert.Equal(t, "w1", resp.Servers[0].ServerID)

	require.NoError(t, ts.invoke(t, "DiscoverServers", &DiscoverRequest{Capabilities: []string{"gpu"}}, &resp))
	assert.Empty(t, resp.Servers)
}
