// Package flowgate is a workflow gateway: it delegates to a remote
// durable-execution cluster when one answers its health probe and runs
// workflows on an embedded engine otherwise.
package flowgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sasha-s/go-deadlock"
	"golang.org/x/sync/singleflight"

	"github.com/davidroman0O/flowgate/internal/clock"
	"github.com/davidroman0O/flowgate/internal/engine"
	"github.com/davidroman0O/flowgate/internal/events"
	"github.com/davidroman0O/flowgate/internal/ids"
	"github.com/davidroman0O/flowgate/internal/metrics"
	"github.com/davidroman0O/flowgate/internal/registry"
	"github.com/davidroman0O/flowgate/internal/remote"
	"github.com/davidroman0O/flowgate/internal/store"
	"github.com/davidroman0O/flowgate/types"
)

// Control signal names understood by embedded workflows.
const (
	SignalCancel = engine.SignalCancel
	SignalPause  = engine.SignalPause
	SignalResume = engine.SignalResume
)

type Flowgate struct {
	ctx    context.Context
	cancel context.CancelFunc

	cfg      flowgateConfig
	logger   Logger
	clock    Clock
	registry *registry.Registry
	store    *store.Store
	engine   *engine.Engine
	metrics  *metrics.Collector
	remote   *remote.Client
	redis    *events.RedisPublisher

	connected atomic.Bool
	// lastProbe is the clock time of the latest probe or downgrade.
	lastProbe atomic.Pointer[time.Time]
	probes    singleflight.Group

	mu     deadlock.RWMutex
	owners map[string]types.Mode
	closed bool
}

func New(ctx context.Context, opts ...Option) (*Flowgate, error) {
	cfg := flowgateConfig{
		probeInterval: DefaultProbeInterval,
		probeTimeout:  DefaultProbeTimeout,
		namespace:     DefaultNamespace,
		pageSize:      types.DefaultPageSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = NewDefaultLogger(slog.LevelInfo, TextFormat)
	}
	if cfg.clock == nil {
		cfg.clock = clock.Real()
	}
	if cfg.ids == nil {
		cfg.ids = ids.UUID()
	}

	ctx, cancel := context.WithCancel(ctx)
	f := &Flowgate{
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
		logger: cfg.logger,
		clock:  cfg.clock,
		owners: make(map[string]types.Mode),
	}

	f.logger.Debug(ctx, "Creating workflow registry", "definitions", len(cfg.definitions), "files", len(cfg.definitionFiles))
	builder := registry.NewBuilder().Definition(cfg.definitions...)
	for _, path := range cfg.definitionFiles {
		builder = builder.File(path)
	}
	reg, err := builder.Build()()
	if err != nil {
		cancel()
		f.logger.Error(ctx, "Error building workflow registry", "error", err)
		return nil, fmt.Errorf("building registry: %w", err)
	}
	f.registry = reg

	f.logger.Debug(ctx, "Creating execution store")
	if f.store, err = store.New(); err != nil {
		cancel()
		return nil, fmt.Errorf("creating execution store: %w", err)
	}

	if cfg.registerer != nil {
		f.logger.Debug(ctx, "Creating metrics collector", "namespace", cfg.namespace)
		f.metrics = metrics.NewCollector(cfg.namespace, cfg.registerer)
	}

	publishers := events.Multi{events.NewLogPublisher(f.logger), cfg.publisher}
	if cfg.redisAddr != "" {
		f.logger.Debug(ctx, "Creating redis event publisher", "addr", cfg.redisAddr, "stream", cfg.redisStream)
		var redisOpts []events.RedisOption
		if cfg.redisStream != "" {
			redisOpts = append(redisOpts, events.WithStream(cfg.redisStream))
		}
		f.redis = events.DialRedis(cfg.redisAddr, redisOpts...)
		publishers = append(publishers, f.redis)
	}

	if cfg.remoteURL != "" {
		f.logger.Debug(ctx, "Creating remote cluster client", "url", cfg.remoteURL)
		remoteOpts := []remote.Option{remote.WithClock(f.clock)}
		if cfg.httpClient != nil {
			remoteOpts = append(remoteOpts, remote.WithHTTPClient(cfg.httpClient))
		}
		if cfg.requestTimeout > 0 {
			remoteOpts = append(remoteOpts, remote.WithRequestTimeout(cfg.requestTimeout))
		}
		if f.remote, err = remote.New(cfg.remoteURL, remoteOpts...); err != nil {
			cancel()
			f.closeRedis()
			return nil, err
		}
	}

	engineOpts := []engine.Option{
		engine.WithClock(f.clock),
		engine.WithIDs(cfg.ids),
		engine.WithLogger(f.logger),
		engine.WithPublisher(publishers),
		engine.WithMetrics(f.metrics),
	}
	if cfg.tickIntervalSet {
		engineOpts = append(engineOpts, engine.WithTickInterval(cfg.tickInterval))
	}
	for name, fn := range cfg.activities {
		engineOpts = append(engineOpts, engine.WithActivity(name, fn))
	}
	f.logger.Debug(ctx, "Creating workflow engine")
	f.engine = engine.New(ctx, f.registry, f.store, engineOpts...)

	f.logger.Info(ctx, "flowgate ready", "remote", f.remote != nil, "definitions", f.registry.Len())
	return f, nil
}

// RegisterWorkflowDefinition validates def and makes it startable on the
// embedded engine.
func (f *Flowgate) RegisterWorkflowDefinition(def types.WorkflowDefinition) error {
	if err := f.registry.Register(def); err != nil {
		f.logger.Error(f.ctx, "registering workflow definition failed", "definition", def.ID, "error", err)
		return err
	}
	f.logger.Debug(f.ctx, "workflow definition registered", "definition", def.ID, "activities", len(def.Activities))
	return nil
}

// RegisterActivity binds fn to every embedded activity named name.
func (f *Flowgate) RegisterActivity(name string, fn ActivityFunc) {
	f.engine.RegisterActivity(name, fn)
}

// Definitions lists the registered workflow definitions.
func (f *Flowgate) Definitions() []types.WorkflowDefinition {
	return f.registry.List()
}

// StartWorkflow starts workflowType on the remote cluster when it is
// reachable, and on the embedded engine otherwise.
func (f *Flowgate) StartWorkflow(ctx context.Context, workflowType string, input any, opts types.StartOptions) (types.WorkflowExecution, error) {
	if err := f.ensureOpen(); err != nil {
		return types.WorkflowExecution{}, err
	}
	if workflowType == "" {
		return types.WorkflowExecution{}, types.NewValidationError("workflowType", "workflow type is required")
	}

	if opts.WorkflowID == "" || f.owner(opts.WorkflowID) != types.ModeEmbedded {
		if f.remoteReady(ctx) {
			exec, err := f.remote.Start(ctx, remote.StartRequest{WorkflowType: workflowType, Input: input, Options: opts})
			if err == nil {
				f.own(exec.WorkflowID, types.ModeRemote)
				f.mirror(exec)
				f.metrics.WorkflowStarted(types.ModeRemote)
				f.logger.Info(ctx, "workflow started", "workflow.id", exec.WorkflowID, "workflow.type", exec.WorkflowType, "mode", types.ModeRemote)
				return exec, nil
			}
			f.downgrade(ctx, remote.OpStart, err)
		}
	}

	exec, err := f.engine.Start(ctx, workflowType, input, opts)
	if err != nil {
		return types.WorkflowExecution{}, err
	}
	f.own(exec.WorkflowID, types.ModeEmbedded)
	return exec, nil
}

// GetWorkflow describes the latest run of workflowID.
func (f *Flowgate) GetWorkflow(ctx context.Context, workflowID string) (types.WorkflowExecution, error) {
	if f.remoteFirst(ctx, workflowID) {
		exec, err := f.remote.Describe(ctx, workflowID)
		if err == nil {
			f.discover(workflowID)
			f.mirror(exec)
			return exec, nil
		}
		f.fallback(ctx, remote.OpDescribe, err)
	}
	return f.engine.Get(workflowID)
}

// ListWorkflows pages through every execution known to this gateway, both
// embedded ones and mirrored remote ones.
func (f *Flowgate) ListWorkflows(ctx context.Context, filter types.ListFilter) (types.ListResult, error) {
	if filter.PageSize <= 0 {
		filter.PageSize = f.cfg.pageSize
	}
	return f.engine.List(filter)
}

// SignalWorkflow delivers a signal. The boolean reports whether the target
// accepted it.
func (f *Flowgate) SignalWorkflow(ctx context.Context, workflowID, name string, payload any) (bool, error) {
	if f.remoteFirst(ctx, workflowID) {
		delivered, err := f.remote.Signal(ctx, workflowID, name, payload)
		if err == nil {
			f.discover(workflowID)
			f.refresh(ctx, workflowID)
			return delivered, nil
		}
		f.fallback(ctx, remote.OpSignal, err)
	}
	return f.engine.Signal(ctx, workflowID, name, payload)
}

func (f *Flowgate) CancelWorkflow(ctx context.Context, workflowID, reason string) (bool, error) {
	if f.remoteFirst(ctx, workflowID) {
		delivered, err := f.remote.Cancel(ctx, workflowID, reason)
		if err == nil {
			f.discover(workflowID)
			f.refresh(ctx, workflowID)
			return delivered, nil
		}
		f.fallback(ctx, remote.OpCancel, err)
	}
	return f.engine.Cancel(ctx, workflowID, reason)
}

func (f *Flowgate) TerminateWorkflow(ctx context.Context, workflowID, reason string) (bool, error) {
	if f.remoteFirst(ctx, workflowID) {
		delivered, err := f.remote.Terminate(ctx, workflowID, reason)
		if err == nil {
			f.discover(workflowID)
			f.refresh(ctx, workflowID)
			return delivered, nil
		}
		f.fallback(ctx, remote.OpTerminate, err)
	}
	return f.engine.Terminate(ctx, workflowID, reason)
}

// ConsumeSignals drains the domain signals delivered to an embedded workflow
// so far, in arrival order.
func (f *Flowgate) ConsumeSignals(ctx context.Context, workflowID string) ([]types.Signal, error) {
	signals, err := f.engine.ConsumeSignals(workflowID)
	if err != nil {
		return nil, err
	}
	f.logger.Debug(ctx, "signals consumed", "workflow.id", workflowID, "count", len(signals))
	return signals, nil
}

// Wait blocks until the embedded execution of workflowID is terminal.
// Remote-owned workflows are described once instead.
func (f *Flowgate) Wait(ctx context.Context, workflowID string) (types.WorkflowExecution, error) {
	if f.owner(workflowID) == types.ModeRemote {
		return f.GetWorkflow(ctx, workflowID)
	}
	return f.engine.Wait(ctx, workflowID)
}

// Health reports the current mode. It may probe the remote cluster when the
// cached result is stale.
func (f *Flowgate) Health(ctx context.Context) types.Health {
	connected := f.remoteReady(ctx)
	health := types.Health{Mode: types.ModeEmbedded, Connected: connected}
	if connected {
		health.Mode = types.ModeRemote
	}
	health.ActiveWorkflowCount = f.activeCount(ctx, connected)
	return health
}

// activeCount counts live executions. Remote mirrors only count while the
// cluster is reachable, since nothing refreshes them otherwise.
func (f *Flowgate) activeCount(ctx context.Context, connected bool) int {
	active, err := f.store.Active()
	if err != nil {
		f.logger.Warn(ctx, "counting active workflows failed", "error", err)
		return 0
	}
	n := 0
	for _, exec := range active {
		if exec.Mode == types.ModeRemote && !connected {
			continue
		}
		n++
	}
	return n
}

func (f *Flowgate) Stats(ctx context.Context) (types.Stats, error) {
	return f.engine.Stats()
}

// Close terminates embedded executions and releases the event publishers.
func (f *Flowgate) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	f.logger.Debug(f.ctx, "Closing flowgate")
	err := errors.Join(f.engine.Close(), f.closeRedis())
	f.cancel()
	return err
}

func (f *Flowgate) closeRedis() error {
	if f.redis == nil {
		return nil
	}
	return f.redis.Close()
}

func (f *Flowgate) ensureOpen() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return engine.ErrEngineClosed
	}
	return nil
}

func (f *Flowgate) owner(workflowID string) types.Mode {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.owners[workflowID]
}

// own binds workflowID to the mode of its latest start.
func (f *Flowgate) own(workflowID string, mode types.Mode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owners[workflowID] = mode
}

// discover records a workflow the cluster knows but this gateway never started.
func (f *Flowgate) discover(workflowID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.owners[workflowID]; !ok {
		f.owners[workflowID] = types.ModeRemote
	}
}

// remoteFirst reports whether an operation on workflowID goes to the cluster.
// Embedded workflows never migrate.
func (f *Flowgate) remoteFirst(ctx context.Context, workflowID string) bool {
	return f.owner(workflowID) != types.ModeEmbedded && f.remoteReady(ctx)
}

func (f *Flowgate) mirror(exec types.WorkflowExecution) {
	exec.Mode = types.ModeRemote
	if err := f.store.Put(exec); err != nil && !errors.Is(err, types.ErrTerminalState) {
		f.logger.Warn(f.ctx, "mirroring remote execution failed", "workflow.id", exec.WorkflowID, "error", err)
	}
}

func (f *Flowgate) refresh(ctx context.Context, workflowID string) {
	exec, err := f.remote.Describe(ctx, workflowID)
	if err != nil {
		f.logger.Debug(ctx, "refreshing remote execution failed", "workflow.id", workflowID, "error", err)
		return
	}
	f.mirror(exec)
}

// fallback handles a failed remote call. A workflow the cluster does not know
// is looked up locally without downgrading.
func (f *Flowgate) fallback(ctx context.Context, op string, err error) {
	if errors.Is(err, types.ErrExecutionNotFound) {
		f.logger.Debug(ctx, "workflow unknown to remote cluster", "op", op)
		f.metrics.RemoteFallback(op)
		return
	}
	f.downgrade(ctx, op, err)
}

func (f *Flowgate) downgrade(ctx context.Context, op string, err error) {
	f.metrics.RemoteFallback(op)
	f.setConnected(false)
	f.markProbed()
	f.logger.Warn(ctx, "remote cluster call failed, falling back to embedded engine", "op", op, "error", err)
}

func (f *Flowgate) setConnected(connected bool) {
	if f.connected.Swap(connected) != connected {
		f.logger.Info(f.ctx, "remote cluster connectivity changed", "url", f.remote.BaseURL(), "connected", connected)
	}
	f.metrics.RemoteConnected(connected)
}

// remoteReady returns the cached probe result, probing again once it is
// older than the probe interval.
func (f *Flowgate) remoteReady(ctx context.Context) bool {
	if f.remote == nil {
		return false
	}
	if f.probeFresh() {
		return f.connected.Load()
	}
	v, _, _ := f.probes.Do(remote.OpHealth, func() (interface{}, error) {
		// a probe that finished while we queued is good enough
		if f.probeFresh() {
			return f.connected.Load(), nil
		}
		return f.probe(ctx), nil
	})
	return v.(bool)
}

func (f *Flowgate) probeFresh() bool {
	last := f.lastProbe.Load()
	return last != nil && f.clock.Now().Sub(*last) < f.cfg.probeInterval
}

func (f *Flowgate) markProbed() {
	now := f.clock.Now()
	f.lastProbe.Store(&now)
}

func (f *Flowgate) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.cfg.probeTimeout)
	defer cancel()
	err := f.remote.Health(ctx)
	if err != nil {
		f.logger.Debug(ctx, "remote health probe failed", "error", err)
	}
	f.setConnected(err == nil)
	f.markProbed()
	return err == nil
}
