package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cuemby/relay/pkg/bus"
	"github.com/cuemby/relay/pkg/config"
	"github.com/cuemby/relay/pkg/dispatch"
	"github.com/cuemby/relay/pkg/events"
	"github.com/cuemby/relay/pkg/handler"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/metrics"
	"github.com/cuemby/relay/pkg/store"
	"github.com/cuemby/relay/pkg/types"
	"github.com/cuemby/relay/pkg/worker"
)

// Version is stamped at build time
var Version = "dev"

// Config wires the server's collaborators
type Config struct {
	Engine   *dispatch.Engine
	Workers  *worker.Registry
	Store    *store.StateStore
	Bus      bus.Bus
	Runtime  *config.Runtime
	Events   *events.Broker
	Handlers *handler.Registry

	ListenAddr   string
	HealthAddr   string
	TaskTopic    string
	CommandTopic string
	NodeID       string
}

// Server is the gRPC control surface plus the HTTP health endpoints
type Server struct {
	cfg       Config
	logger    zerolog.Logger
	startedAt time.Time

	grpcServer *grpc.Server
	healthSrv  *http.Server
}

// NewServer creates the control surface
func NewServer(cfg Config) *Server {
	return &Server{
		cfg:       cfg,
		logger:    log.WithComponent("api"),
		startedAt: time.Now(),
	}
}

// Start begins serving gRPC and HTTP health traffic
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}

	s.grpcServer = grpc.NewServer(grpc.UnaryInterceptor(s.instrument))
	s.grpcServer.RegisterService(&ServiceDesc, s)

	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			s.logger.Error().Err(err).Msg("grpc server stopped")
		}
	}()
	s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("control surface listening")

	if s.cfg.HealthAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/metrics", metrics.Handler())
		s.healthSrv = &http.Server{Addr: s.cfg.HealthAddr, Handler: mux}
		go func() {
			if err := s.healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Msg("health server stopped")
			}
		}()
		s.logger.Info().Str("addr", s.cfg.HealthAddr).Msg("health endpoints listening")
	}
	return nil
}

// Stop shuts the listeners down gracefully
func (s *Server) Stop(ctx context.Context) {
	if s.healthSrv != nil {
		_ = s.healthSrv.Shutdown(ctx)
	}
	if s.grpcServer != nil {
		done := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			s.grpcServer.Stop()
		}
	}
	s.logger.Info().Msg("control surface stopped")
}

// instrument records request counters and latency per method
func (s *Server) instrument(ctx context.Context, req any, info *grpc.UnaryServerInfo, h grpc.UnaryHandler) (any, error) {
	timer := metrics.NewTimer()
	resp, err := h(ctx, req)
	timer.ObserveDurationVec(metrics.APIRequestDuration, info.FullMethod)
	metrics.APIRequestsTotal.WithLabelValues(info.FullMethod, status.Code(err).String()).Inc()
	return resp, err
}

// Submit admits a task: PENDING in the state store, then onto the task
// topic keyed by priority and enqueue time. Submitting an id that already
// has a document returns its current state without a second admission.
func (s *Server) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	if req.Task == nil {
		return nil, status.Error(codes.InvalidArgument, "task is required")
	}
	task := req.Task.Clone()
	if task.Kind == "" {
		return nil, status.Error(codes.InvalidArgument, "task kind is required")
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	} else if existing, err := s.cfg.Store.GetTask(ctx, task.ID); err == nil {
		// Duplicate submit: acknowledge the existing document without
		// re-admitting, so the id is never re-published or regressed
		return &SubmitResponse{ID: existing.ID, State: existing.State, Message: "already admitted"}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, storeError(err)
	}

	now := time.Now()
	task.State = types.TaskStatePending
	task.Attempt = 0
	task.CreatedAt = now
	task.UpdatedAt = now

	if err := s.cfg.Store.PutTask(ctx, task); err != nil {
		return nil, storeError(err)
	}

	data, err := json.Marshal(task)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode task: %v", err)
	}
	key := fmt.Sprintf("%d-%d", task.Priority, now.UnixMilli())
	if err := s.cfg.Bus.Publish(ctx, s.cfg.TaskTopic, []byte(key), data); err != nil {
		metrics.BusPublishErrors.Inc()
		return nil, status.Errorf(codes.Unavailable, "failed to publish task: %v", err)
	}

	s.emit(&events.Event{Type: events.EventTaskSubmitted, TaskID: task.ID})
	s.logger.Debug().Str("task_id", task.ID).Str("kind", task.Kind).Msg("task submitted")
	return &SubmitResponse{ID: task.ID, State: types.TaskStatePending}, nil
}

// Cancel requests cancellation locally and broadcasts it over the command
// topic. Succeeds even when the task is unknown or already terminal.
func (s *Server) Cancel(ctx context.Context, req *CancelRequest) (*CommandResponse, error) {
	if req.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "task id is required")
	}

	s.cfg.Engine.Cancel(req.ID)
	if err := s.cfg.Bus.Publish(ctx, s.cfg.CommandTopic, []byte(req.ID), []byte("CANCEL "+req.ID)); err != nil {
		s.logger.Warn().Err(err).Str("task_id", req.ID).Msg("failed to broadcast cancel command")
	}
	return &CommandResponse{Success: true, Message: "cancellation requested"}, nil
}

// GetTaskStatus returns the task document for id
func (s *Server) GetTaskStatus(ctx context.Context, req *TaskStatusRequest) (*types.Task, error) {
	if req.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "task id is required")
	}
	task, err := s.cfg.Store.GetTask(ctx, req.ID)
	if err != nil {
		return nil, storeError(err)
	}
	return task, nil
}

// ListTasks streams the task documents matching the filter
func (s *Server) ListTasks(req *ListTasksRequest, stream TaskStream) error {
	var sendErr error
	err := s.cfg.Store.ListTasks(stream.Context(), req.Filter, func(task *types.Task) bool {
		if err := stream.Send(task); err != nil {
			sendErr = err
			return false
		}
		return true
	})
	if sendErr != nil {
		return sendErr
	}
	if err != nil {
		return storeError(err)
	}
	return nil
}

// Pause broadcasts a pause command; every engine instance applies it on
// receipt
func (s *Server) Pause(ctx context.Context, _ *Empty) (*CommandResponse, error) {
	if err := s.cfg.Bus.Publish(ctx, s.cfg.CommandTopic, []byte("op"), []byte("PAUSE")); err != nil {
		return nil, status.Errorf(codes.Unavailable, "failed to publish command: %v", err)
	}
	return &CommandResponse{Success: true, Message: "pause requested"}, nil
}

// Resume broadcasts a resume command
func (s *Server) Resume(ctx context.Context, _ *Empty) (*CommandResponse, error) {
	if err := s.cfg.Bus.Publish(ctx, s.cfg.CommandTopic, []byte("op"), []byte("RESUME")); err != nil {
		return nil, status.Errorf(codes.Unavailable, "failed to publish command: %v", err)
	}
	return &CommandResponse{Success: true, Message: "resume requested"}, nil
}

// GetSystemStatus snapshots the local engine
func (s *Server) GetSystemStatus(_ context.Context, _ *Empty) (*types.SystemStatus, error) {
	st := s.cfg.Engine.Status()
	return &st, nil
}

// UpdateConfig merges recognised keys into the running configuration
func (s *Server) UpdateConfig(_ context.Context, req *UpdateConfigRequest) (*CommandResponse, error) {
	if len(req.Changes) == 0 {
		return nil, status.Error(codes.InvalidArgument, "no changes given")
	}
	if err := s.cfg.Runtime.Apply(req.Changes); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if _, ok := req.Changes["paused"]; ok {
		s.cfg.Engine.SetPaused(s.cfg.Runtime.Paused())
	}
	s.logger.Info().Int("keys", len(req.Changes)).Msg("runtime configuration updated")
	return &CommandResponse{Success: true, Message: "configuration updated"}, nil
}

// GetMetrics streams a flattened snapshot of the Prometheus registry
func (s *Server) GetMetrics(_ *Empty, stream MetricStream) error {
	points, err := metrics.Gather()
	if err != nil {
		return status.Errorf(codes.Internal, "%v", err)
	}
	for i := range points {
		if err := stream.Send(&points[i]); err != nil {
			return err
		}
	}
	return nil
}

// GetLogs streams the recent records captured by the log ring
func (s *Server) GetLogs(_ *Empty, stream LogStream) error {
	records := log.Recent()
	for i := range records {
		if err := stream.Send(&records[i]); err != nil {
			return err
		}
	}
	return nil
}

// CheckHealth reports component health plus a few live gauges
func (s *Server) CheckHealth(_ context.Context, _ *Empty) (*HealthResponse, error) {
	health := metrics.GetHealth()
	st := s.cfg.Engine.Status()
	return &HealthResponse{
		Status:    health.Status,
		Timestamp: health.Timestamp,
		Metrics: map[string]float64{
			"active_tasks": float64(st.ActiveTasks),
			"queued_tasks": float64(st.QueuedTasks),
			"processed":    float64(st.Stats.Processed),
			"failed":       float64(st.Stats.Failed),
			"retries":      float64(st.Stats.Retries),
			"workers":      float64(s.cfg.Workers.Len()),
		},
	}, nil
}

// GetServerDetails returns this node's record, or a registered worker's
// when a server id is given
func (s *Server) GetServerDetails(_ context.Context, req *ServerDetailsRequest) (*types.WorkerRecord, error) {
	if req.ServerID != "" && req.ServerID != s.cfg.NodeID {
		rec, ok := s.cfg.Workers.Get(req.ServerID)
		if !ok {
			return nil, status.Errorf(codes.NotFound, "server %s not found", req.ServerID)
		}
		return rec, nil
	}
	return &types.WorkerRecord{
		ServerID:     s.cfg.NodeID,
		Name:         "relay",
		Version:      Version,
		Endpoints:    []string{s.cfg.ListenAddr},
		Capabilities: s.cfg.Handlers.Kinds(),
		Health:       types.HealthHealthy,
		LastCheckAt:  time.Now(),
		RegisteredAt: s.startedAt,
	}, nil
}

// DiscoverServers returns the healthy workers covering the requested
// capabilities; an empty request matches every healthy worker
func (s *Server) DiscoverServers(_ context.Context, req *DiscoverRequest) (*DiscoverResponse, error) {
	return &DiscoverResponse{Servers: s.cfg.Workers.Match(req.Capabilities)}, nil
}

func (s *Server) emit(ev *events.Event) {
	if s.cfg.Events != nil {
		s.cfg.Events.Publish(ev)
	}
}

// storeError maps state-store sentinels onto gRPC status codes
func storeError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return status.Error(codes.NotFound, "task not found")
	case errors.Is(err, store.ErrUnavailable):
		return status.Errorf(codes.Unavailable, "state store unavailable: %v", err)
	default:
		return status.Errorf(codes.Internal, "%v", err)
	}
}
