package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/relay/pkg/api"
	"github.com/cuemby/relay/pkg/bus"
	"github.com/cuemby/relay/pkg/client"
	"github.com/cuemby/relay/pkg/config"
	"github.com/cuemby/relay/pkg/dispatch"
	"github.com/cuemby/relay/pkg/events"
	"github.com/cuemby/relay/pkg/handler"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/metrics"
	"github.com/cuemby/relay/pkg/registry"
	"github.com/cuemby/relay/pkg/store"
	"github.com/cuemby/relay/pkg/worker"
)

// Options configures a daemon. Bus, KV, and Prober may be injected; when
// nil they are built from the configuration (Kafka, Redis or Bolt, and the
// gRPC prober respectively).
type Options struct {
	Config   *config.Config
	Handlers *handler.Registry

	Bus    bus.Bus
	KV     store.KV
	Prober worker.Prober
}

// Daemon supervises the control plane: it owns startup order, the
// recovery sweep, and graceful shutdown with drain.
type Daemon struct {
	cfg      *config.Config
	runtime  *config.Runtime
	logger   zerolog.Logger
	handlers *handler.Registry

	bus     bus.Bus
	store   *store.StateStore
	broker  *events.Broker
	workers *worker.Registry
	engine  *dispatch.Engine
	server  *api.Server
	prober  worker.Prober

	cancel context.CancelFunc
}

// New validates the configuration and assembles the daemon
func New(opts Options) (*Daemon, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.New().String()
	}

	handlers := opts.Handlers
	if handlers == nil {
		handlers = handler.NewRegistry()
	}

	return &Daemon{
		cfg:      cfg,
		runtime:  config.NewRuntime(cfg),
		logger:   log.WithComponent("daemon"),
		handlers: handlers,
		bus:      opts.Bus,
		prober:   opts.Prober,
		store:    wrapKV(opts.KV),
	}, nil
}

func wrapKV(kv store.KV) *store.StateStore {
	if kv == nil {
		return nil
	}
	return store.NewStateStore(kv)
}

// Start brings the components up in dependency order: state store, bus,
// worker registry, dispatch engine (after the recovery sweep), then the
// control surface.
func (d *Daemon) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	if d.store == nil {
		kv, err := d.openKV(ctx)
		if err != nil {
			return err
		}
		d.store = store.NewStateStore(kv)
	}
	metrics.RegisterComponent("store", true, "")

	if d.bus == nil {
		b, err := bus.NewKafkaBus(d.cfg.Bus.Brokers)
		if err != nil {
			return fmt.Errorf("failed to connect to bus: %w", err)
		}
		d.bus = b
	}
	metrics.RegisterComponent("bus", true, "")

	d.broker = events.NewBroker()
	d.broker.Start()

	if d.prober == nil {
		d.prober = client.NewProber(d.cfg.ControlEndpoint)
	}
	d.workers = worker.New(worker.Config{
		Bus:           d.bus,
		Store:         d.store,
		Events:        d.broker,
		Runtime:       d.runtime,
		Prober:        d.prober,
		RegistryTopic: d.cfg.Bus.RegistryTopic,
		Group:         d.cfg.Bus.Group + "-workers",
	})
	if err := d.workers.Start(ctx); err != nil {
		return err
	}

	d.engine = dispatch.New(dispatch.Config{
		Bus:          d.bus,
		Store:        d.store,
		Tasks:        registry.New(),
		Handlers:     d.handlers,
		Runtime:      d.runtime,
		Events:       d.broker,
		TaskTopic:    d.cfg.Bus.TaskTopic,
		CommandTopic: d.cfg.Bus.CommandTopic,
		Group:        d.cfg.Bus.Group,
		NodeID:       d.cfg.NodeID,
	})
	if err := d.engine.Start(ctx); err != nil {
		return err
	}
	metrics.RegisterComponent("dispatch", true, "")

	if n, err := d.recoverPending(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("recovery sweep failed")
	} else if n > 0 {
		d.logger.Info().Int("tasks", n).Msg("re-admitted pending tasks from state store")
	}

	d.server = api.NewServer(api.Config{
		Engine:       d.engine,
		Workers:      d.workers,
		Store:        d.store,
		Bus:          d.bus,
		Runtime:      d.runtime,
		Events:       d.broker,
		Handlers:     d.handlers,
		ListenAddr:   d.cfg.ListenAddr,
		HealthAddr:   d.cfg.HealthAddr,
		TaskTopic:    d.cfg.Bus.TaskTopic,
		CommandTopic: d.cfg.Bus.CommandTopic,
		NodeID:       d.cfg.NodeID,
	})
	if err := d.server.Start(); err != nil {
		return err
	}

	d.logger.Info().Str("node_id", d.cfg.NodeID).Msg("relay daemon started")
	return nil
}

func (d *Daemon) openKV(ctx context.Context) (store.KV, error) {
	if d.cfg.Store.RedisAddr != "" {
		kv, err := store.NewRedisStore(ctx, d.cfg.Store.RedisAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to open redis store: %w", err)
		}
		d.logger.Info().Str("addr", d.cfg.Store.RedisAddr).Msg("using redis state store")
		return kv, nil
	}
	kv, err := store.NewBoltStore(d.cfg.Store.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded store: %w", err)
	}
	d.logger.Info().Str("dir", d.cfg.Store.DataDir).Msg("using embedded state store")
	return kv, nil
}

// Stop shuts down in reverse order. The engine drains for the configured
// timeout; anything still running is abandoned for redelivery.
func (d *Daemon) Stop() {
	d.logger.Info().Msg("relay daemon stopping")

	if d.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		d.server.Stop(ctx)
		cancel()
	}
	if d.engine != nil {
		d.engine.Shutdown(d.cfg.DrainTimeout)
	}
	if d.workers != nil {
		d.workers.Stop()
	}
	if d.broker != nil {
		d.broker.Stop()
	}
	if d.cancel != nil {
		d.cancel()
	}
	if d.bus != nil {
		if err := d.bus.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("bus close failed")
		}
	}
	if closer, ok := d.prober.(interface{ Close() error }); ok && closer != nil {
		_ = closer.Close()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("store close failed")
		}
	}
	d.logger.Info().Msg("relay daemon stopped")
}

// Engine exposes the dispatch engine, mainly for tests
func (d *Daemon) Engine() *dispatch.Engine {
	return d.engine
}

// Workers exposes the worker registry
func (d *Daemon) Workers() *worker.Registry {
	return d.workers
}
