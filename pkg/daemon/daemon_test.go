package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/relay/pkg/bus"
	"github.com/cuemby/relay/pkg/config"
	"github.com/cuemby/relay/pkg/handler"
	"github.com/cuemby/relay/pkg/store"
	"github.com/cuemby/relay/pkg/types"
)

type noopProber struct{}

func (noopProber) GetServerDetails(context.Context, string) (*types.WorkerRecord, error) {
	return nil, errors.New("no control endpoint")
}

func (noopProber) CheckHealth(context.Context, *types.WorkerRecord) (types.HealthState, error) {
	return types.HealthHealthy, nil
}

func (noopProber) DiscoverServers(context.Context) ([]string, error) {
	return nil, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.NodeID = "daemon-test"
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.HealthAddr = ""
	cfg.DrainTimeout = 2 * time.Second
	cfg.Retry = types.RetryPolicy{
		MaxAttempts:  2,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Factor:       2,
	}
	return cfg
}

func newTestDaemon(t *testing.T, kv store.KV) (*Daemon, *bus.InMemory, *handler.Registry) {
	t.Helper()

	if kv == nil {
		var err error
		kv, err = store.NewBoltStore(t.TempDir())
		require.NoError(t, err)
	}

	handlers := handler.NewRegistry()
	b := bus.NewInMemory()
	d, err := New(Options{
		Config:   testConfig(t),
		Handlers: handlers,
		Bus:      b,
		KV:       kv,
		Prober:   noopProber{},
	})
	require.NoError(t, err)
	return d, b, handlers
}

func TestDaemonStartStop(t *testing.T) {
	d, b, handlers := newTestDaemon(t, nil)
	handlers.Register("echo", handler.Func(func(_ context.Context, p []byte) ([]byte, error) {
		return p, nil
	}))

	require.NoError(t, d.Start())

	task := &types.Task{ID: "t1", Kind: "echo", State: types.TaskStatePending}
	data, err := json.Marshal(task)
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), "relay.tasks", []byte("t1"), data))

	require.Eventually(t, func() bool {
		got, err := d.store.GetTask(context.Background(), "t1")
		return err == nil && got.State == types.TaskStateCompleted
	}, 5*time.Second, 20*time.Millisecond)

	d.Stop()
	assert.False(t, d.Engine().Status().Running)
}

func TestDaemonRecoversPendingTasks(t *testing.T) {
	kv, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)

	// A pending document left behind by a previous run
	st := store.NewStateStore(kv)
	leftover := &types.Task{
		ID:        "orphan",
		Kind:      "echo",
		Attempt:   1,
		State:     types.TaskStatePending,
		LastError: "transient",
		CreatedAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, st.PutTask(context.Background(), leftover))

	d, _, handlers := newTestDaemon(t, kv)
	handlers.Register("echo", handler.Func(func(context.Context, []byte) ([]byte, error) {
		return []byte(`"recovered"`), nil
	}))

	require.NoError(t, d.Start())
	defer d.Stop()

	require.Eventually(t, func() bool {
		got, err := d.store.GetTask(context.Background(), "orphan")
		return err == nil && got.State == types.TaskStateCompleted
	}, 5*time.Second, 20*time.Millisecond)

	got, err := d.store.GetTask(context.Background(), "orphan")
	require.NoError(t, err)
	assert.Equal(t, []byte(`"recovered"`), got.Result)
	assert.Equal(t, 1, got.Attempt)
}

func TestDaemonRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxConcurrentTasks = 0
	_, err := New(Options{Config: cfg})
	require.Error(t, err)
}
