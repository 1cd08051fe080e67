package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/relay/pkg/bus"
	"github.com/cuemby/relay/pkg/config"
	"github.com/cuemby/relay/pkg/events"
	"github.com/cuemby/relay/pkg/handler"
	"github.com/cuemby/relay/pkg/metrics"
	"github.com/cuemby/relay/pkg/registry"
	"github.com/cuemby/relay/pkg/store"
	"github.com/cuemby/relay/pkg/types"
)

type testEngine struct {
	engine   *Engine
	bus      *bus.InMemory
	store    *store.StateStore
	handlers *handler.Registry
	tasks    *registry.Registry
}

func newTestEngine(t *testing.T, mutate func(*config.Config)) *testEngine {
	t.Helper()

	cfg := config.Default()
	cfg.MaxConcurrentTasks = 2
	cfg.AttemptTimeout = 2 * time.Second
	cfg.Retry = types.RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 20 * time.Millisecond,
		MaxDelay:     80 * time.Millisecond,
		Factor:       2,
	}
	if mutate != nil {
		mutate(cfg)
	}

	kv, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)

	broker := events.NewBroker()
	broker.Start()

	te := &testEngine{
		bus:      bus.NewInMemory(),
		store:    store.NewStateStore(kv),
		handlers: handler.NewRegistry(),
		tasks:    registry.New(),
	}
	te.engine = New(Config{
		Bus:          te.bus,
		Store:        te.store,
		Tasks:        te.tasks,
		Handlers:     te.handlers,
		Runtime:      config.NewRuntime(cfg),
		Events:       broker,
		TaskTopic:    cfg.Bus.TaskTopic,
		CommandTopic: cfg.Bus.CommandTopic,
		Group:        cfg.Bus.Group,
		NodeID:       "test-node",
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, te.engine.Start(ctx))

	t.Cleanup(func() {
		te.engine.Shutdown(2 * time.Second)
		cancel()
		broker.Stop()
		_ = te.bus.Close()
		_ = te.store.Close()
	})
	return te
}

func (te *testEngine) submit(t *testing.T, task *types.Task) {
	t.Helper()
	if task.State == "" {
		task.State = types.TaskStatePending
	}
	data, err := json.Marshal(task)
	require.NoError(t, err)
	require.NoError(t, te.bus.Publish(context.Background(), "relay.tasks", []byte(task.ID), data))
}

func (te *testEngine) waitState(t *testing.T, id string, want types.TaskState) *types.Task {
	t.Helper()
	var got *types.Task
	require.Eventually(t, func() bool {
		task, err := te.store.GetTask(context.Background(), id)
		if err != nil {
			return false
		}
		got = task
		return task.State == want
	}, 5*time.Second, 10*time.Millisecond, "task %s never reached %s", id, want)
	return got
}

func TestEngineCompletesTask(t *testing.T) {
	te := newTestEngine(t, nil)
	te.handlers.Register("echo", handler.Func(func(_ context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	}))

	te.submit(t, &types.Task{ID: "t1", Kind: "echo", Payload: []byte(`"hello"`)})

	task := te.waitState(t, "t1", types.TaskStateCompleted)
	assert.Equal(t, []byte(`"hello"`), task.Result)
	assert.Equal(t, 0, task.Attempt)

	stats := te.engine.Stats()
	assert.Equal(t, uint64(1), stats.Processed)
	assert.Equal(t, uint64(0), stats.Failed)

	// Terminal tasks leave the active registry
	assert.Equal(t, 0, te.tasks.Len())
}

func TestEngineRetriesThenSucceeds(t *testing.T) {
	te := newTestEngine(t, nil)

	var calls atomic.Int32
	te.handlers.Register("flaky", handler.Func(func(context.Context, []byte) ([]byte, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return []byte(`"done"`), nil
	}))

	start := time.Now()
	te.submit(t, &types.Task{ID: "t1", Kind: "flaky"})

	task := te.waitState(t, "t1", types.TaskStateCompleted)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2, task.Attempt)
	assert.Equal(t, []byte(`"done"`), task.Result)

	// Backoff lower bound: 20ms before attempt 1, 40ms before attempt 2
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)

	stats := te.engine.Stats()
	assert.Equal(t, uint64(1), stats.Processed)
	assert.Equal(t, uint64(2), stats.Retries)
}

func TestEngineRetryExhaustion(t *testing.T) {
	te := newTestEngine(t, nil)

	var calls atomic.Int32
	te.handlers.Register("broken", handler.Func(func(context.Context, []byte) ([]byte, error) {
		calls.Add(1)
		return nil, errors.New("always fails")
	}))

	te.submit(t, &types.Task{ID: "t1", Kind: "broken"})

	task := te.waitState(t, "t1", types.TaskStateFailed)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "always fails", task.LastError)

	stats := te.engine.Stats()
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, uint64(2), stats.Retries)
	assert.Equal(t, 0, te.tasks.Len())
}

func TestEnginePermanentErrorSkipsRetry(t *testing.T) {
	te := newTestEngine(t, nil)

	var calls atomic.Int32
	te.handlers.Register("reject", handler.Func(func(context.Context, []byte) ([]byte, error) {
		calls.Add(1)
		return nil, handler.Permanent(errors.New("bad payload"))
	}))

	te.submit(t, &types.Task{ID: "t1", Kind: "reject"})

	task := te.waitState(t, "t1", types.TaskStateFailed)
	assert.Equal(t, int32(1), calls.Load())
	assert.Contains(t, task.LastError, "bad payload")
	assert.Equal(t, uint64(0), te.engine.Stats().Retries)
}

func TestEngineNoHandlerIsTerminal(t *testing.T) {
	te := newTestEngine(t, nil)

	te.submit(t, &types.Task{ID: "t1", Kind: "unknown"})

	task := te.waitState(t, "t1", types.TaskStateFailed)
	assert.Contains(t, task.LastError, "no handler")
	assert.Equal(t, uint64(1), te.engine.Stats().Failed)
}

func TestEngineConcurrencyCap(t *testing.T) {
	te := newTestEngine(t, func(cfg *config.Config) {
		cfg.MaxConcurrentTasks = 2
	})

	var inflight, peak atomic.Int32
	release := make(chan struct{})
	te.handlers.Register("slow", handler.Func(func(ctx context.Context, _ []byte) ([]byte, error) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer inflight.Add(-1)
		select {
		case <-release:
			return []byte("{}"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))

	for _, id := range []string{"t1", "t2", "t3", "t4"} {
		te.submit(t, &types.Task{ID: id, Kind: "slow"})
	}

	require.Eventually(t, func() bool {
		return inflight.Load() == 2
	}, 2*time.Second, 10*time.Millisecond)

	// No third execution starts while both slots are held
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(2), peak.Load())

	close(release)
	for _, id := range []string{"t1", "t2", "t3", "t4"} {
		te.waitState(t, id, types.TaskStateCompleted)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestEngineDuplicateDeliveryDropped(t *testing.T) {
	te := newTestEngine(t, nil)

	var calls atomic.Int32
	release := make(chan struct{})
	te.handlers.Register("once", handler.Func(func(ctx context.Context, _ []byte) ([]byte, error) {
		calls.Add(1)
		select {
		case <-release:
			return []byte("{}"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))

	te.submit(t, &types.Task{ID: "t1", Kind: "once"})
	require.Eventually(t, func() bool {
		return calls.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Redeliver while the first copy is active
	te.submit(t, &types.Task{ID: "t1", Kind: "once"})
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	close(release)
	te.waitState(t, "t1", types.TaskStateCompleted)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, uint64(1), te.engine.Stats().Processed)
}

func TestEnginePauseGatesAdmission(t *testing.T) {
	te := newTestEngine(t, nil)

	var calls atomic.Int32
	te.handlers.Register("echo", handler.Func(func(_ context.Context, p []byte) ([]byte, error) {
		calls.Add(1)
		return p, nil
	}))

	te.engine.Pause()
	assert.True(t, te.engine.IsPaused())

	te.submit(t, &types.Task{ID: "t1", Kind: "echo"})
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())

	te.engine.Resume()
	te.waitState(t, "t1", types.TaskStateCompleted)
	assert.Equal(t, int32(1), calls.Load())
}

func TestEngineCancelWhileWaiting(t *testing.T) {
	te := newTestEngine(t, func(cfg *config.Config) {
		cfg.MaxConcurrentTasks = 1
	})

	var started atomic.Int32
	release := make(chan struct{})
	te.handlers.Register("slow", handler.Func(func(ctx context.Context, _ []byte) ([]byte, error) {
		started.Add(1)
		select {
		case <-release:
			return []byte("{}"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))

	te.submit(t, &types.Task{ID: "t1", Kind: "slow"})
	require.Eventually(t, func() bool {
		return started.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	te.submit(t, &types.Task{ID: "t2", Kind: "slow"})
	require.Eventually(t, func() bool {
		_, ok := te.tasks.Get("t2")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	te.engine.Cancel("t2")
	close(release)

	te.waitState(t, "t1", types.TaskStateCompleted)
	task := te.waitState(t, "t2", types.TaskStateCancelled)
	assert.Empty(t, task.Result)
	// The cancelled task never reached its handler
	assert.Equal(t, int32(1), started.Load())
}

func TestEngineCancelWhileProcessing(t *testing.T) {
	te := newTestEngine(t, nil)

	started := make(chan struct{})
	te.handlers.Register("wait", handler.Func(func(ctx context.Context, _ []byte) ([]byte, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	te.submit(t, &types.Task{ID: "t1", Kind: "wait"})
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	te.engine.Cancel("t1")
	te.waitState(t, "t1", types.TaskStateCancelled)
	assert.Equal(t, 0, te.tasks.Len())

	// Cancelling again is a no-op
	te.engine.Cancel("t1")
	task := te.waitState(t, "t1", types.TaskStateCancelled)
	assert.Equal(t, types.TaskStateCancelled, task.State)
}

func TestEngineAttemptTimeout(t *testing.T) {
	te := newTestEngine(t, func(cfg *config.Config) {
		cfg.AttemptTimeout = 50 * time.Millisecond
		cfg.Retry.MaxAttempts = 1
	})

	te.handlers.Register("hang", handler.Func(func(ctx context.Context, _ []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	te.submit(t, &types.Task{ID: "t1", Kind: "hang"})

	task := te.waitState(t, "t1", types.TaskStateFailed)
	assert.Contains(t, task.LastError, "timed out")
}

func TestEngineMalformedDeliveryFailsTerminally(t *testing.T) {
	te := newTestEngine(t, nil)
	te.handlers.Register("echo", handler.Func(func(_ context.Context, p []byte) ([]byte, error) {
		return p, nil
	}))

	require.NoError(t, te.bus.Publish(context.Background(), "relay.tasks", []byte("junk"), []byte("not json")))

	// A terminal FAILED document is recorded under a synthetic id
	require.Eventually(t, func() bool {
		found := false
		filter := &types.TaskFilter{States: []types.TaskState{types.TaskStateFailed}}
		_ = te.store.ListTasks(context.Background(), filter, func(task *types.Task) bool {
			found = true
			return false
		})
		return found
	}, 2*time.Second, 10*time.Millisecond)

	// The partition is not poisoned: later valid tasks still run
	te.submit(t, &types.Task{ID: "t1", Kind: "echo"})
	te.waitState(t, "t1", types.TaskStateCompleted)
}

func TestEngineShutdownDrains(t *testing.T) {
	te := newTestEngine(t, nil)

	te.handlers.Register("brief", handler.Func(func(context.Context, []byte) ([]byte, error) {
		time.Sleep(100 * time.Millisecond)
		return []byte("{}"), nil
	}))

	te.submit(t, &types.Task{ID: "t1", Kind: "brief"})
	require.Eventually(t, func() bool {
		return te.engine.Status().ActiveTasks == 1
	}, 2*time.Second, 10*time.Millisecond)

	te.engine.Shutdown(2 * time.Second)

	status := te.engine.Status()
	assert.False(t, status.Running)
	assert.Equal(t, 0, status.ActiveTasks)

	task, err := te.store.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateCompleted, task.State)
}

func TestOnCommand(t *testing.T) {
	te := newTestEngine(t, nil)

	publish := func(cmd string) {
		require.NoError(t, te.bus.Publish(context.Background(), "agent.commands", []byte("op"), []byte(cmd)))
	}

	publish("PAUSE")
	require.Eventually(t, te.engine.IsPaused, 2*time.Second, 10*time.Millisecond)

	publish("RESUME")
	require.Eventually(t, func() bool {
		return !te.engine.IsPaused()
	}, 2*time.Second, 10*time.Millisecond)

	// STATS and unknown commands are acked without side effects
	publish("STATS")
	publish("REBOOT")
	publish("")
	time.Sleep(100 * time.Millisecond)
	assert.False(t, te.engine.IsPaused())
}

func TestOnCommandCancel(t *testing.T) {
	te := newTestEngine(t, nil)

	started := make(chan struct{})
	te.handlers.Register("wait", handler.Func(func(ctx context.Context, _ []byte) ([]byte, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	te.submit(t, &types.Task{ID: "t1", Kind: "wait"})
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	require.NoError(t, te.bus.Publish(context.Background(), "agent.commands", []byte("op"), []byte("CANCEL t1")))
	te.waitState(t, "t1", types.TaskStateCancelled)
}

func TestEngineExpiredDeadlineFailsWithoutDispatch(t *testing.T) {
	te := newTestEngine(t, nil)

	var calls atomic.Int32
	te.handlers.Register("expired", handler.Func(func(context.Context, []byte) ([]byte, error) {
		calls.Add(1)
		return nil, nil
	}))

	te.submit(t, &types.Task{ID: "t1", Kind: "expired", Deadline: time.Now().Add(-time.Minute)})

	task := te.waitState(t, "t1", types.TaskStateFailed)
	assert.Contains(t, task.LastError, "deadline")
	// Expiry is terminal: no handler invocation, no retries
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, 0, task.Attempt)
	assert.Equal(t, 0, te.tasks.Len())
}

func TestEngineFutureDeadlineStillDispatches(t *testing.T) {
	te := newTestEngine(t, nil)
	te.handlers.Register("echo", handler.Func(func(_ context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	}))

	te.submit(t, &types.Task{ID: "t1", Kind: "echo", Deadline: time.Now().Add(time.Hour)})
	te.waitState(t, "t1", types.TaskStateCompleted)
}

func TestEngineTaskGaugeTracksActiveStates(t *testing.T) {
	te := newTestEngine(t, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	te.handlers.Register("slow", handler.Func(func(ctx context.Context, _ []byte) ([]byte, error) {
		close(started)
		select {
		case <-release:
			return []byte(`"ok"`), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))

	te.submit(t, &types.Task{ID: "t1", Kind: "slow"})
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}
	assert.Equal(t, float64(1),
		testutil.ToFloat64(metrics.TasksTotal.WithLabelValues(string(types.TaskStateProcessing))))

	close(release)
	te.waitState(t, "t1", types.TaskStateCompleted)

	// Terminal transitions zero the active-state gauges
	for _, s := range []types.TaskState{
		types.TaskStatePending, types.TaskStateAssigned, types.TaskStateProcessing,
	} {
		assert.Equal(t, float64(0),
			testutil.ToFloat64(metrics.TasksTotal.WithLabelValues(string(s))), "state %s", s)
	}
}
