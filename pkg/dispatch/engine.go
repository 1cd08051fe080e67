package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/relay/pkg/bus"
	"github.com/cuemby/relay/pkg/config"
	"github.com/cuemby/relay/pkg/events"
	"github.com/cuemby/relay/pkg/handler"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/metrics"
	"github.com/cuemby/relay/pkg/registry"
	"github.com/cuemby/relay/pkg/retry"
	"github.com/cuemby/relay/pkg/store"
	"github.com/cuemby/relay/pkg/types"
)

const (
	// pausePollInterval paces the admission gate while paused and the
	// dispatcher's fallback wakeup
	pausePollInterval = 100 * time.Millisecond

	// terminalWriteAttempts bounds retries of a terminal state-store write
	terminalWriteAttempts = 3
	terminalWriteBackoff  = 200 * time.Millisecond

	defaultQueueCapacity = 256
)

// Config wires the engine's collaborators
type Config struct {
	Bus      bus.Bus
	Store    *store.StateStore
	Tasks    *registry.Registry
	Handlers *handler.Registry
	Runtime  *config.Runtime
	Events   *events.Broker

	TaskTopic    string
	CommandTopic string
	Group        string
	NodeID       string

	// QueueCapacity bounds the in-process waiting list; admission blocks
	// when it is full
	QueueCapacity int
}

// Engine consumes the task topic, admits deliveries subject to the pause
// gate and the concurrency limit, executes handlers with per-attempt
// timeouts, and drives the retry controller on failure. Offsets are
// committed only after a terminal decision for the delivery.
type Engine struct {
	bus      bus.Bus
	store    *store.StateStore
	tasks    *registry.Registry
	handlers *handler.Registry
	runtime  *config.Runtime
	events   *events.Broker
	retries  *retry.Controller
	logger   zerolog.Logger

	taskTopic    string
	commandTopic string
	group        string
	nodeID       string

	waiting *waitQueue
	kick    chan struct{}

	mu      sync.Mutex
	paused  bool
	active  int
	cancels map[string]context.CancelFunc
	intents map[string]struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	processed atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
}

// New creates an engine; Start begins consumption
func New(cfg Config) *Engine {
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}

	e := &Engine{
		bus:          cfg.Bus,
		store:        cfg.Store,
		tasks:        cfg.Tasks,
		handlers:     cfg.Handlers,
		runtime:      cfg.Runtime,
		events:       cfg.Events,
		logger:       log.WithComponent("dispatch"),
		taskTopic:    cfg.TaskTopic,
		commandTopic: cfg.CommandTopic,
		group:        cfg.Group,
		nodeID:       cfg.NodeID,
		waiting:      newWaitQueue(capacity),
		kick:         make(chan struct{}, 1),
		cancels:      make(map[string]context.CancelFunc),
		intents:      make(map[string]struct{}),
		stopCh:       make(chan struct{}),
		paused:       cfg.Runtime.Paused(),
	}
	e.retries = retry.New(cfg.Runtime.Retry, e.republish)
	return e
}

// Start subscribes to the task and command topics and starts the
// dispatcher loop. ctx bounds the subscriptions' lifetime.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.bus.Subscribe(ctx, e.taskTopic, e.group, e.OnMessage); err != nil {
		return fmt.Errorf("failed to subscribe to task topic: %w", err)
	}
	if e.commandTopic != "" {
		// Per-node group so every instance observes every command
		group := e.group + "-" + e.nodeID
		if err := e.bus.Subscribe(ctx, e.commandTopic, group, e.OnCommand); err != nil {
			return fmt.Errorf("failed to subscribe to command topic: %w", err)
		}
	}

	e.wg.Add(1)
	go e.dispatchLoop()

	e.logger.Info().
		Str("task_topic", e.taskTopic).
		Str("group", e.group).
		Int("max_concurrent", e.runtime.MaxConcurrent()).
		Msg("dispatch engine started")
	return nil
}

// OnMessage admits one task-topic delivery. The delivery is acked only on
// a terminal decision: duplicate, malformed, or downstream completion.
func (e *Engine) OnMessage(ctx context.Context, msg *bus.Message) error {
	task := &types.Task{}
	if err := json.Unmarshal(msg.Value, task); err != nil {
		e.rejectMalformed(ctx, msg, err)
		return nil
	}
	if task.ID == "" || task.Kind == "" {
		e.rejectMalformed(ctx, msg, errors.New("missing id or kind"))
		return nil
	}

	if _, ok := e.tasks.Get(task.ID); ok {
		e.logger.Debug().Str("task_id", task.ID).Msg("duplicate delivery dropped")
		msg.Ack()
		return nil
	}

	// While paused, hold the partition unacked so broker lag is the queue
	for e.IsPaused() {
		select {
		case <-e.stopCh:
			return nil
		case <-time.After(pausePollInterval):
		}
	}
	select {
	case <-e.stopCh:
		return nil
	default:
	}

	task.State = types.TaskStatePending
	e.tasks.Upsert(task.Clone())
	if err := e.waiting.Push(&waitItem{task: task, msg: msg}); err != nil {
		e.tasks.Remove(task.ID)
		e.updateTaskGauge()
		return nil
	}
	e.updateTaskGauge()
	metrics.QueueDepth.Set(float64(e.waiting.Len()))
	e.notify()
	return nil
}

// rejectMalformed records a terminal FAILED document for an undecodable
// delivery and acks it so the partition does not poison-loop. The id is
// derived from the delivery coordinates.
func (e *Engine) rejectMalformed(ctx context.Context, msg *bus.Message, cause error) {
	now := time.Now()
	doc := &types.Task{
		ID:        fmt.Sprintf("%s-%d-%d", msg.Topic, msg.Partition, msg.Offset),
		State:     types.TaskStateFailed,
		LastError: fmt.Sprintf("malformed task document: %v", cause),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.writeTerminal(ctx, doc); err != nil {
		e.logger.Error().Err(err).Str("task_id", doc.ID).Msg("failed to record malformed delivery")
	}
	e.logger.Warn().Err(cause).
		Str("topic", msg.Topic).
		Int32("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Msg("malformed task document rejected")
	e.failed.Add(1)
	metrics.TasksFailed.Inc()
	msg.Ack()
}

func (e *Engine) dispatchLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(pausePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-e.kick:
		case <-ticker.C:
		}
		for e.dispatchNext() {
		}
	}
}

// dispatchNext starts one waiting task if a slot is free
func (e *Engine) dispatchNext() bool {
	e.mu.Lock()
	if e.active >= e.runtime.MaxConcurrent() {
		e.mu.Unlock()
		return false
	}
	it := e.waiting.Pop()
	if it == nil {
		e.mu.Unlock()
		return false
	}
	e.active++
	e.mu.Unlock()
	metrics.QueueDepth.Set(float64(e.waiting.Len()))

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(it)
		e.mu.Lock()
		e.active--
		e.mu.Unlock()
		e.notify()
	}()
	return true
}

// execute runs one attempt to a terminal decision
func (e *Engine) execute(it *waitItem) {
	ctx := context.Background()
	task, msg := it.task, it.msg
	logger := e.logger.With().
		Str("task_id", task.ID).
		Str("kind", task.Kind).
		Int("attempt", task.Attempt).
		Logger()

	// Cancelled while waiting: short-circuit without dispatching
	if e.takeIntent(task.ID) {
		e.finishCancelled(ctx, task, msg)
		return
	}

	// Expired while waiting: terminal, never retried
	if !task.Deadline.IsZero() && !time.Now().Before(task.Deadline) {
		e.fail(ctx, task, msg, handler.Permanent(
			fmt.Errorf("deadline %s exceeded before dispatch", task.Deadline.Format(time.RFC3339))))
		return
	}

	metrics.DispatchLatency.Observe(time.Since(it.enqueuedAt).Seconds())

	task.State = types.TaskStateAssigned
	if err := e.persist(ctx, task); err != nil {
		logger.Warn().Err(err).Msg("state write failed before start")
		e.fail(ctx, task, msg, err)
		return
	}

	h, err := e.handlers.Get(task.Kind)
	if err != nil {
		e.fail(ctx, task, msg, err)
		return
	}

	task.State = types.TaskStateProcessing
	if err := e.persist(ctx, task); err != nil {
		logger.Warn().Err(err).Msg("state write failed before start")
		e.fail(ctx, task, msg, err)
		return
	}
	e.emit(&events.Event{Type: events.EventTaskStarted, TaskID: task.ID})
	logger.Debug().Msg("task processing")

	timeout := e.runtime.AttemptTimeout()
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	e.mu.Lock()
	e.cancels[task.ID] = cancel
	e.mu.Unlock()

	timer := metrics.NewTimer()
	result, execErr := h.Execute(attemptCtx, task.Payload)
	ctxErr := attemptCtx.Err()
	timer.ObserveDurationVec(metrics.HandlerDuration, task.Kind)

	e.mu.Lock()
	delete(e.cancels, task.ID)
	e.mu.Unlock()
	cancel()

	if e.takeIntent(task.ID) {
		e.finishCancelled(ctx, task, msg)
		return
	}

	// Shutdown cancelled the attempt: leave the delivery unacked so it is
	// redelivered after restart
	if errors.Is(ctxErr, context.Canceled) {
		select {
		case <-e.stopCh:
			logger.Info().Msg("attempt abandoned during shutdown")
			return
		default:
		}
	}

	if errors.Is(ctxErr, context.DeadlineExceeded) {
		execErr = fmt.Errorf("attempt timed out after %s", timeout)
	}
	if execErr != nil {
		e.fail(ctx, task, msg, execErr)
		return
	}
	e.complete(ctx, task, msg, result)
}

// complete records COMPLETED with the handler result and commits the offset
func (e *Engine) complete(ctx context.Context, task *types.Task, msg *bus.Message, result []byte) {
	task.State = types.TaskStateCompleted
	task.Result = result
	if err := e.writeTerminal(ctx, task); err != nil {
		e.logger.Error().Err(err).Str("task_id", task.ID).
			Msg("terminal state write failed; task held in active set, offset uncommitted")
		return
	}
	e.tasks.Remove(task.ID)
	e.updateTaskGauge()
	e.clearIntent(task.ID)
	msg.Ack()
	e.processed.Add(1)
	metrics.TasksProcessed.Inc()
	e.emit(&events.Event{Type: events.EventTaskCompleted, TaskID: task.ID})
	e.logger.Debug().Str("task_id", task.ID).Int("attempt", task.Attempt).Msg("task completed")
}

// fail routes a failed attempt through the retry controller or records a
// terminal FAILED
func (e *Engine) fail(ctx context.Context, task *types.Task, msg *bus.Message, cause error) {
	errStr := cause.Error()

	if e.retries.ShouldRetry(task, cause) {
		// Persist the upcoming attempt so the startup sweep can recover it
		// if the deferred re-publish is lost
		pending := task.Clone()
		pending.Attempt++
		pending.State = types.TaskStatePending
		pending.LastError = errStr
		pending.WorkerID = ""
		if err := e.persist(ctx, pending); err != nil {
			e.logger.Warn().Err(err).Str("task_id", task.ID).Msg("failed to persist retry document")
		}
		e.retried.Add(1)
		metrics.TasksRetried.Inc()
		e.emit(&events.Event{Type: events.EventTaskRetried, TaskID: task.ID, Message: errStr})

		e.retries.Schedule(task, errStr, func(next *types.Task, err error) {
			if err == nil {
				msg.Ack()
				return
			}
			failed := next.Clone()
			failed.State = types.TaskStateFailed
			failed.LastError = "retry-publish-exhausted"
			if werr := e.writeTerminal(context.Background(), failed); werr != nil {
				e.logger.Error().Err(werr).Str("task_id", failed.ID).
					Msg("terminal state write failed; task held in active set, offset uncommitted")
				return
			}
			e.tasks.Remove(failed.ID)
			e.updateTaskGauge()
			e.clearIntent(failed.ID)
			msg.Ack()
			e.failed.Add(1)
			metrics.TasksFailed.Inc()
			e.emit(&events.Event{Type: events.EventTaskFailed, TaskID: failed.ID, Message: failed.LastError})
		})
		return
	}

	task.State = types.TaskStateFailed
	task.LastError = errStr
	if err := e.writeTerminal(ctx, task); err != nil {
		e.logger.Error().Err(err).Str("task_id", task.ID).
			Msg("terminal state write failed; task held in active set, offset uncommitted")
		return
	}
	e.tasks.Remove(task.ID)
	e.updateTaskGauge()
	e.clearIntent(task.ID)
	msg.Ack()
	e.failed.Add(1)
	metrics.TasksFailed.Inc()
	e.emit(&events.Event{Type: events.EventTaskFailed, TaskID: task.ID, Message: errStr})
	e.logger.Info().Str("task_id", task.ID).Int("attempt", task.Attempt).Str("error", errStr).Msg("task failed")
}

// finishCancelled records CANCELLED and commits the offset
func (e *Engine) finishCancelled(ctx context.Context, task *types.Task, msg *bus.Message) {
	task.State = types.TaskStateCancelled
	if err := e.writeTerminal(ctx, task); err != nil {
		e.logger.Error().Err(err).Str("task_id", task.ID).
			Msg("terminal state write failed; task held in active set, offset uncommitted")
		return
	}
	e.tasks.Remove(task.ID)
	e.updateTaskGauge()
	msg.Ack()
	metrics.TasksCancelled.Inc()
	e.emit(&events.Event{Type: events.EventTaskCancelled, TaskID: task.ID})
	e.logger.Info().Str("task_id", task.ID).Msg("task cancelled")
}

// republish is the retry controller's publish function. The registry entry
// is removed first so the redelivery is admitted rather than dropped as a
// duplicate.
func (e *Engine) republish(ctx context.Context, task *types.Task) error {
	e.tasks.Remove(task.ID)
	e.updateTaskGauge()
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", task.ID, err)
	}
	if err := e.bus.Publish(ctx, e.taskTopic, []byte(task.ID), data); err != nil {
		metrics.BusPublishErrors.Inc()
		return err
	}
	return nil
}

// persist writes the document and mirrors it into the active registry
func (e *Engine) persist(ctx context.Context, task *types.Task) error {
	task.UpdatedAt = time.Now()
	if err := e.store.PutTask(ctx, task); err != nil {
		return err
	}
	e.tasks.Upsert(task.Clone())
	e.updateTaskGauge()
	return nil
}

// updateTaskGauge mirrors the active registry into the by-state gauge,
// including zeros so emptied states read 0 rather than their last value
func (e *Engine) updateTaskGauge() {
	counts := e.tasks.CountByState()
	for _, s := range []types.TaskState{
		types.TaskStatePending,
		types.TaskStateAssigned,
		types.TaskStateProcessing,
	} {
		metrics.TasksTotal.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// writeTerminal retries a terminal state write before giving up
func (e *Engine) writeTerminal(ctx context.Context, task *types.Task) error {
	task.UpdatedAt = time.Now()
	var err error
	for i := 0; i < terminalWriteAttempts; i++ {
		if err = e.store.PutTask(ctx, task); err == nil {
			return nil
		}
		time.Sleep(terminalWriteBackoff)
	}
	return err
}

// Cancel requests cancellation of id. Idempotent; unknown or already
// terminal ids are a no-op. A processing attempt is signalled immediately;
// a waiting task is short-circuited to CANCELLED at dequeue.
func (e *Engine) Cancel(id string) {
	e.mu.Lock()
	cancel, processing := e.cancels[id]
	_, known := e.tasks.Get(id)
	if processing || known {
		e.intents[id] = struct{}{}
	}
	e.mu.Unlock()

	if processing {
		cancel()
	}
}

func (e *Engine) takeIntent(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.intents[id]; ok {
		delete(e.intents, id)
		return true
	}
	return false
}

func (e *Engine) clearIntent(id string) {
	e.mu.Lock()
	delete(e.intents, id)
	e.mu.Unlock()
}

// Pause gates admission; in-flight and already-admitted tasks continue
func (e *Engine) Pause() {
	e.mu.Lock()
	changed := !e.paused
	e.paused = true
	e.mu.Unlock()
	if changed {
		e.emit(&events.Event{Type: events.EventDispatchPaused})
		e.logger.Info().Msg("dispatch paused")
	}
}

// Resume reopens admission
func (e *Engine) Resume() {
	e.mu.Lock()
	changed := e.paused
	e.paused = false
	e.mu.Unlock()
	if changed {
		e.emit(&events.Event{Type: events.EventDispatchResumed})
		e.logger.Info().Msg("dispatch resumed")
		e.notify()
	}
}

// SetPaused applies an externally decided pause state
func (e *Engine) SetPaused(paused bool) {
	if paused {
		e.Pause()
	} else {
		e.Resume()
	}
}

// IsPaused reports whether admission is gated
func (e *Engine) IsPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Stats returns the process-wide dispatch counters
func (e *Engine) Stats() types.Stats {
	return types.Stats{
		Processed: e.processed.Load(),
		Failed:    e.failed.Load(),
		Retries:   e.retried.Load(),
	}
}

// Status snapshots the engine for GetSystemStatus
func (e *Engine) Status() types.SystemStatus {
	e.mu.Lock()
	active := e.active
	paused := e.paused
	e.mu.Unlock()

	running := true
	select {
	case <-e.stopCh:
		running = false
	default:
	}

	return types.SystemStatus{
		Running:     running,
		Paused:      paused,
		ActiveTasks: active,
		QueuedTasks: e.waiting.Len(),
		Stats:       e.Stats(),
	}
}

// Shutdown stops admission and waits for the active set to drain, up to
// drainTimeout. Remaining attempts are then cancelled and their deliveries
// left unacked for redelivery.
func (e *Engine) Shutdown(drainTimeout time.Duration) {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.waiting.Close()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainTimeout):
		e.logger.Warn().Dur("drain_timeout", drainTimeout).
			Msg("drain timeout elapsed, cancelling remaining attempts")
		e.mu.Lock()
		for _, cancel := range e.cancels {
			cancel()
		}
		e.mu.Unlock()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			e.logger.Error().Msg("active attempts did not stop after cancellation")
		}
	}

	e.retries.Stop()
	e.logger.Info().Msg("dispatch engine stopped")
}

func (e *Engine) notify() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

func (e *Engine) emit(ev *events.Event) {
	if e.events != nil {
		e.events.Publish(ev)
	}
}
