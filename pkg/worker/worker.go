package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/relay/pkg/bus"
	"github.com/cuemby/relay/pkg/config"
	"github.com/cuemby/relay/pkg/events"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/metrics"
	"github.com/cuemby/relay/pkg/store"
	"github.com/cuemby/relay/pkg/types"
)

// Prober is the RPC surface the registry uses to interrogate workers.
// Implemented over the gRPC client; faked in tests.
type Prober interface {
	// GetServerDetails fetches the canonical record for serverID
	GetServerDetails(ctx context.Context, serverID string) (*types.WorkerRecord, error)

	// CheckHealth probes one worker and returns its reported health
	CheckHealth(ctx context.Context, rec *types.WorkerRecord) (types.HealthState, error)

	// DiscoverServers lists the server ids currently known to the control
	// endpoint
	DiscoverServers(ctx context.Context) ([]string, error)
}

// Config wires the registry's collaborators
type Config struct {
	Bus     bus.Bus
	Store   *store.StateStore
	Events  *events.Broker
	Runtime *config.Runtime
	Prober  Prober

	RegistryTopic string
	Group         string
}

// Registry tracks worker servers, their capabilities, and their probed
// health. Registration events arrive over the bus; a periodic probe loop
// keeps health current and a rediscovery loop picks up servers whose
// registration event was missed.
type Registry struct {
	bus     bus.Bus
	store   *store.StateStore
	events  *events.Broker
	runtime *config.Runtime
	prober  Prober
	logger  zerolog.Logger

	registryTopic string
	group         string

	mu      sync.RWMutex
	workers map[string]*types.WorkerRecord

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a registry; Start begins its loops
func New(cfg Config) *Registry {
	return &Registry{
		bus:           cfg.Bus,
		store:         cfg.Store,
		events:        cfg.Events,
		runtime:       cfg.Runtime,
		prober:        cfg.Prober,
		logger:        log.WithComponent("worker-registry"),
		registryTopic: cfg.RegistryTopic,
		group:         cfg.Group,
		workers:       make(map[string]*types.WorkerRecord),
		stopCh:        make(chan struct{}),
	}
}

// Start subscribes to the registry topic and starts the health and
// rediscovery loops
func (r *Registry) Start(ctx context.Context) error {
	if err := r.bus.Subscribe(ctx, r.registryTopic, r.group, r.OnRegistryEvent); err != nil {
		return fmt.Errorf("failed to subscribe to registry topic: %w", err)
	}

	r.wg.Add(2)
	go r.healthLoop()
	go r.discoveryLoop()

	r.logger.Info().Str("topic", r.registryTopic).Msg("worker registry started")
	return nil
}

// Stop terminates the loops
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	r.logger.Info().Msg("worker registry stopped")
}

// OnRegistryEvent consumes one registration delivery. Events are acked
// unconditionally; a failed register is repaired by the rediscovery loop.
func (r *Registry) OnRegistryEvent(ctx context.Context, msg *bus.Message) error {
	defer msg.Ack()

	var event types.RegistryEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		r.logger.Warn().Err(err).Msg("malformed registry event ignored")
		return nil
	}
	if event.ServerID == "" {
		r.logger.Warn().Msg("registry event without server id ignored")
		return nil
	}

	switch event.Action {
	case types.RegistryRegister:
		if err := r.register(ctx, event.ServerID); err != nil {
			r.logger.Warn().Err(err).Str("worker_id", event.ServerID).Msg("worker registration failed")
		}
	case types.RegistryUnregister:
		r.unregister(ctx, event.ServerID)
	default:
		r.logger.Warn().Str("action", string(event.Action)).Msg("unknown registry action ignored")
	}
	return nil
}

// register fetches canonical details and records the worker as healthy
func (r *Registry) register(ctx context.Context, serverID string) error {
	rec, err := r.prober.GetServerDetails(ctx, serverID)
	if err != nil {
		return fmt.Errorf("failed to fetch details for %s: %w", serverID, err)
	}
	rec = rec.Clone()
	rec.ServerID = serverID
	rec.Health = types.HealthHealthy
	now := time.Now()
	rec.LastCheckAt = now
	if rec.RegisteredAt.IsZero() {
		rec.RegisteredAt = now
	}

	if err := r.store.PutWorker(ctx, rec); err != nil {
		r.logger.Warn().Err(err).Str("worker_id", serverID).Msg("failed to persist worker record")
	}

	r.mu.Lock()
	r.workers[serverID] = rec
	r.mu.Unlock()
	r.updateHealthGauge()

	r.emit(&events.Event{Type: events.EventWorkerRegistered, WorkerID: serverID})
	r.logger.Info().
		Str("worker_id", serverID).
		Strs("capabilities", rec.Capabilities).
		Msg("worker registered")
	return nil
}

// unregister purges the record immediately
func (r *Registry) unregister(ctx context.Context, serverID string) {
	r.mu.Lock()
	_, known := r.workers[serverID]
	delete(r.workers, serverID)
	r.mu.Unlock()
	if !known {
		return
	}
	r.updateHealthGauge()

	if err := r.store.DeleteWorker(ctx, serverID); err != nil {
		r.logger.Warn().Err(err).Str("worker_id", serverID).Msg("failed to delete worker record")
	}
	r.emit(&events.Event{Type: events.EventWorkerUnregistered, WorkerID: serverID})
	r.logger.Info().Str("worker_id", serverID).Msg("worker unregistered")
}

func (r *Registry) healthLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.runtime.HealthCheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.probeAll()
			ticker.Reset(r.runtime.HealthCheckInterval())
		case <-r.stopCh:
			return
		}
	}
}

// probeAll checks every known worker once
func (r *Registry) probeAll() {
	for _, rec := range r.List() {
		select {
		case <-r.stopCh:
			return
		default:
		}
		r.probe(rec)
	}
}

// probe runs one health check and records the outcome. Any probe error
// marks the worker unreachable.
func (r *Registry) probe(rec *types.WorkerRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	health, err := r.prober.CheckHealth(ctx, rec)
	if err != nil {
		health = types.HealthUnreachable
	}

	r.mu.Lock()
	current, known := r.workers[rec.ServerID]
	if !known {
		// Unregistered while the probe was in flight
		r.mu.Unlock()
		return
	}
	changed := current.Health != health
	current.Health = health
	current.LastCheckAt = time.Now()
	snapshot := current.Clone()
	r.mu.Unlock()
	r.updateHealthGauge()

	if err := r.store.PutWorker(ctx, snapshot); err != nil {
		r.logger.Warn().Err(err).Str("worker_id", rec.ServerID).Msg("failed to persist worker record")
	}

	if changed {
		r.emit(&events.Event{
			Type:     events.EventWorkerHealth,
			WorkerID: rec.ServerID,
			Message:  string(health),
		})
		r.logger.Info().
			Str("worker_id", rec.ServerID).
			Str("health", string(health)).
			Err(err).
			Msg("worker health changed")
	}
}

func (r *Registry) discoveryLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.runtime.DiscoveryInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.discover()
			ticker.Reset(r.runtime.DiscoveryInterval())
		case <-r.stopCh:
			return
		}
	}
}

// discover registers servers whose registration event was missed
func (r *Registry) discover() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ids, err := r.prober.DiscoverServers(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("server discovery failed")
		return
	}

	for _, id := range ids {
		r.mu.RLock()
		_, known := r.workers[id]
		r.mu.RUnlock()
		if known {
			continue
		}
		if err := r.register(ctx, id); err != nil {
			r.logger.Warn().Err(err).Str("worker_id", id).Msg("discovered worker registration failed")
		}
	}
}

// Get returns a copy of the record for serverID
func (r *Registry) Get(serverID string) (*types.WorkerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.workers[serverID]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// List returns a copy of every known record
func (r *Registry) List() []*types.WorkerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.WorkerRecord, 0, len(r.workers))
	for _, rec := range r.workers {
		out = append(out, rec.Clone())
	}
	return out
}

// Len returns the number of known workers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

func (r *Registry) updateHealthGauge() {
	counts := map[types.HealthState]int{
		types.HealthHealthy:     0,
		types.HealthUnhealthy:   0,
		types.HealthUnreachable: 0,
	}
	r.mu.RLock()
	for _, rec := range r.workers {
		counts[rec.Health]++
	}
	r.mu.RUnlock()
	for health, n := range counts {
		metrics.WorkersTotal.WithLabelValues(string(health)).Set(float64(n))
	}
}

func (r *Registry) emit(ev *events.Event) {
	if r.events != nil {
		r.events.Publish(ev)
	}
}
