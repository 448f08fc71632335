package quarry

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/quarryhq/quarry/acl"
	"github.com/quarryhq/quarry/datastore"
	"github.com/quarryhq/quarry/flow"
	"github.com/quarryhq/quarry/foreman"
	"github.com/quarryhq/quarry/frontend"
	"github.com/quarryhq/quarry/hooks"
	"github.com/quarryhq/quarry/hunt"
	"github.com/quarryhq/quarry/hunt/output"
	"github.com/quarryhq/quarry/leadership"
	"github.com/quarryhq/quarry/maintenance"
	"github.com/quarryhq/quarry/notifier"
	"github.com/quarryhq/quarry/queue"
	"github.com/quarryhq/quarry/types"
	"github.com/quarryhq/quarry/worker"
)

// Version is the current Quarry version.
const Version = "0.3.0"

// Logger is the logging interface the engine and its services share.
// Any structured logger with slog-style key/value pairs fits.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a no-op implementation of Logger.
type noopLogger struct{}

func (noopLogger) Debug(msg string, args ...any) {}
func (noopLogger) Info(msg string, args ...any)  {}
func (noopLogger) Warn(msg string, args ...any)  {}
func (noopLogger) Error(msg string, args ...any) {}

// Engine wires the whole server side together: datastore, queues, flow
// engine, worker pool, foreman, hunts, output processing, client
// frontend, leadership and maintenance. One Engine per process; any
// number of processes can share one datastore.
type Engine struct {
	ds     datastore.DataStore
	opts   *engineOptions
	logger Logger

	instanceID string

	deps    *flow.Deps
	queues  *queue.Manager
	acls    *acl.Manager
	hookReg *hooks.Registry
	hunts   *hunt.Manager
	fm      *foreman.Foreman

	// Background services
	heartbeat *maintenance.Heartbeat
	elector   *leadership.Elector
	notif     *notifier.Notifier
	worker    *worker.Worker
	front     *frontend.Frontend

	// Leader-only services
	cleanup *maintenance.Cleanup
	output  *output.Processor

	// State
	started  atomic.Bool
	isLeader atomic.Bool
	cancel   context.CancelFunc
}

// New creates an engine on the given datastore. The datastore is the
// only required dependency; everything else has a default or is opted
// in.
func New(ds datastore.DataStore, opts ...Option) (*Engine, error) {
	if ds == nil {
		return nil, fmt.Errorf("%w: datastore is required", ErrInvalidConfig)
	}

	o := defaultOptions()
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}

	instanceID := o.instanceID
	if instanceID == "" {
		instanceID = uuid.New().String()
	}
	hostname := o.hostname
	if hostname == "" {
		if h, err := os.Hostname(); err == nil {
			hostname = h
		} else {
			hostname = "unknown"
		}
	}
	o.hostname = hostname

	hookReg := o.hooks
	if hookReg == nil {
		hookReg = hooks.NewRegistry()
	}

	queues := queue.NewManager(ds, o.logger)
	acls := acl.NewManager(ds, hookReg, o.aclConfig)

	deps := &flow.Deps{
		Store:  ds,
		Queues: queues,
		ACL:    acls,
		Hooks:  hookReg,
		Logger: o.logger,
	}

	hunts := hunt.NewManager(deps, o.logger)
	fm := foreman.New(ds, queues, hunts, o.logger)

	e := &Engine{
		ds:         ds,
		opts:       o,
		logger:     o.logger,
		instanceID: instanceID,
		deps:       deps,
		queues:     queues,
		acls:       acls,
		hookReg:    hookReg,
		hunts:      hunts,
		fm:         fm,
	}

	if o.getListener != nil || o.notifyDriver != nil {
		e.notif = notifier.New(o.getListener, o.notifyDriver, nil)
	}

	return e, nil
}

// Start registers the instance and brings the background services up.
// Leader-only services (cleanup and hunt output processing) start when
// this instance wins the election and stop when it loses it.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrEngineAlreadyStarted
	}

	ctx, e.cancel = context.WithCancel(ctx)

	if err := maintenance.RegisterInstance(ctx, e.ds, maintenance.Instance{
		ID:       e.instanceID,
		Hostname: e.opts.hostname,
	}); err != nil {
		e.started.Store(false)
		return fmt.Errorf("failed to register instance: %w", err)
	}

	e.heartbeat = maintenance.NewHeartbeat(e.ds, e.instanceID, &maintenance.HeartbeatConfig{
		Interval: e.opts.heartbeatInterval,
		OnError:  e.opts.onError,
	})
	if err := e.heartbeat.Start(ctx); err != nil {
		e.started.Store(false)
		return fmt.Errorf("failed to start heartbeat: %w", err)
	}

	e.elector = leadership.NewElector(e.ds, e.instanceID, &leadership.Config{
		LeaderTTL: e.opts.leaderTTL,
	}, leadership.Callbacks{
		OnBecameLeader:   e.onBecameLeader,
		OnLostLeadership: e.onLostLeadership,
	})
	if err := e.elector.Start(ctx); err != nil {
		_ = e.heartbeat.Stop(ctx)
		e.started.Store(false)
		return fmt.Errorf("failed to start leader election: %w", err)
	}

	if e.notif != nil {
		if err := e.notif.Start(ctx); err != nil {
			_ = e.elector.Stop(ctx)
			_ = e.heartbeat.Stop(ctx)
			e.started.Store(false)
			return fmt.Errorf("failed to start notifier: %w", err)
		}
	}

	if !e.opts.workerDisabled {
		workerConfig := e.opts.workerConfig
		if workerConfig == nil {
			workerConfig = &worker.Config{}
		}
		if workerConfig.InstanceID == "" {
			workerConfig.InstanceID = e.instanceID
		}
		if workerConfig.Logger == nil {
			workerConfig.Logger = e.logger
		}
		if workerConfig.OnError == nil {
			workerConfig.OnError = e.opts.onError
		}
		e.worker = worker.New(e.deps, e.notif, workerConfig)
		if err := e.worker.Start(ctx); err != nil {
			e.stopCore(ctx)
			e.started.Store(false)
			return fmt.Errorf("failed to start worker: %w", err)
		}
	}

	if e.opts.frontendConfig != nil {
		frontendConfig := e.opts.frontendConfig
		if frontendConfig.Logger == nil {
			frontendConfig.Logger = e.logger
		}
		if frontendConfig.OnError == nil {
			frontendConfig.OnError = e.opts.onError
		}
		e.front = frontend.New(e.deps, e.fm, e.notif, frontendConfig)
		if err := e.front.Start(ctx); err != nil {
			if e.worker != nil {
				_ = e.worker.Stop(ctx)
			}
			e.stopCore(ctx)
			e.started.Store(false)
			return fmt.Errorf("failed to start frontend: %w", err)
		}
	}

	e.logger.Info("engine started",
		"instance_id", e.instanceID,
		"version", Version,
	)
	return nil
}

// Stop shuts the engine down gracefully: the frontend stops accepting,
// the worker drains in-flight sessions, leases release, and the
// instance deregisters.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.started.Load() {
		return ErrEngineNotStarted
	}

	if e.cancel != nil {
		e.cancel()
	}

	if e.front != nil && e.front.IsRunning() {
		_ = e.front.Stop(ctx)
	}
	if e.worker != nil && e.worker.IsRunning() {
		_ = e.worker.Stop(ctx)
	}
	if e.output != nil && e.output.IsRunning() {
		_ = e.output.Stop(ctx)
	}
	if e.cleanup != nil && e.cleanup.IsRunning() {
		_ = e.cleanup.Stop(ctx)
	}
	if e.notif != nil && e.notif.IsRunning() {
		_ = e.notif.Stop(ctx)
	}
	if e.elector != nil {
		_ = e.elector.Stop(ctx)
	}
	if e.heartbeat != nil {
		_ = e.heartbeat.Stop(ctx)
	}

	// Best effort; a dead record is swept by the next leader anyway.
	_ = maintenance.DeregisterInstance(ctx, e.ds, e.instanceID)

	e.started.Store(false)
	e.logger.Info("engine stopped", "instance_id", e.instanceID)
	return nil
}

// stopCore stops the services Start had already brought up when a later
// step fails.
func (e *Engine) stopCore(ctx context.Context) {
	if e.notif != nil && e.notif.IsRunning() {
		_ = e.notif.Stop(ctx)
	}
	_ = e.elector.Stop(ctx)
	_ = e.heartbeat.Stop(ctx)
}

// onBecameLeader starts the leader-only sweeps.
func (e *Engine) onBecameLeader(ctx context.Context) {
	e.isLeader.Store(true)
	e.logger.Info("became leader", "instance_id", e.instanceID)

	e.cleanup = maintenance.NewCleanup(e.ds, e.queues, e.acls, e.fm, e.opts.cleanupConfig)
	if err := e.cleanup.Start(ctx); err != nil {
		e.logError(fmt.Errorf("failed to start cleanup service: %w", err))
	}

	outputConfig := e.opts.outputConfig
	if outputConfig == nil {
		outputConfig = &output.Config{}
	}
	if outputConfig.Logger == nil {
		outputConfig.Logger = e.logger
	}
	if outputConfig.OnError == nil {
		outputConfig.OnError = e.opts.onError
	}
	e.output = output.NewProcessor(e.ds, e.queues, e.notif, outputConfig)
	if err := e.output.Start(ctx); err != nil {
		e.logError(fmt.Errorf("failed to start output processor: %w", err))
	}

	if e.opts.onBecameLeader != nil {
		e.opts.onBecameLeader()
	}
}

// onLostLeadership stops the leader-only sweeps.
func (e *Engine) onLostLeadership(ctx context.Context) {
	e.isLeader.Store(false)
	e.logger.Info("lost leadership", "instance_id", e.instanceID)

	if e.output != nil && e.output.IsRunning() {
		if err := e.output.Stop(ctx); err != nil {
			e.logError(fmt.Errorf("failed to stop output processor: %w", err))
		}
	}
	if e.cleanup != nil && e.cleanup.IsRunning() {
		if err := e.cleanup.Stop(ctx); err != nil {
			e.logError(fmt.Errorf("failed to stop cleanup service: %w", err))
		}
	}

	if e.opts.onLostLeadership != nil {
		e.opts.onLostLeadership()
	}
}

// InstanceID returns the unique identifier for this engine instance.
func (e *Engine) InstanceID() string {
	return e.instanceID
}

// IsLeader returns true if this instance currently holds the lease.
func (e *Engine) IsLeader() bool {
	return e.isLeader.Load()
}

// IsRunning returns true if the engine is running.
func (e *Engine) IsRunning() bool {
	return e.started.Load()
}

// Store returns the underlying datastore.
func (e *Engine) Store() datastore.DataStore {
	return e.ds
}

// Deps returns the flow dependencies, for starting flows directly.
func (e *Engine) Deps() *flow.Deps {
	return e.deps
}

// Queues returns the queue manager.
func (e *Engine) Queues() *queue.Manager {
	return e.queues
}

// Hunts returns the hunt manager.
func (e *Engine) Hunts() *hunt.Manager {
	return e.hunts
}

// Foreman returns the foreman.
func (e *Engine) Foreman() *foreman.Foreman {
	return e.fm
}

// ACL returns the access control manager.
func (e *Engine) ACL() *acl.Manager {
	return e.acls
}

// Hooks returns the audit hook registry.
func (e *Engine) Hooks() *hooks.Registry {
	return e.hookReg
}

// Frontend returns the client frontend, or nil when none is configured.
func (e *Engine) Frontend() *frontend.Frontend {
	return e.front
}

// Worker returns the worker, or nil when the worker is disabled.
func (e *Engine) Worker() *worker.Worker {
	return e.worker
}

// StartFlow starts a flow through this engine's dependencies.
func (e *Engine) StartFlow(ctx context.Context, args flow.StartArgs) (types.SessionID, error) {
	return flow.StartFlow(ctx, e.deps, args)
}

func (e *Engine) logError(err error) {
	if e.opts.onError != nil {
		e.opts.onError(err)
		return
	}
	e.logger.Error("engine error", "error", err)
}
