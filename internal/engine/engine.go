package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/davidroman0O/flowgate/internal/clock"
	"github.com/davidroman0O/flowgate/internal/events"
	"github.com/davidroman0O/flowgate/internal/ids"
	"github.com/davidroman0O/flowgate/internal/logs"
	"github.com/davidroman0O/flowgate/internal/metrics"
	"github.com/davidroman0O/flowgate/internal/registry"
	"github.com/davidroman0O/flowgate/internal/store"
	"github.com/davidroman0O/flowgate/types"
	"github.com/sasha-s/go-deadlock"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTickInterval   = 250 * time.Millisecond
	DefaultPublishTimeout = 5 * time.Second
)

var ErrEngineClosed = errors.New("workflow engine is closed")

type Option func(*Engine)

func WithClock(clk clock.Clock) Option {
	return func(e *Engine) {
		e.clock = clk
	}
}

func WithIDs(gen ids.Generator) Option {
	return func(e *Engine) {
		e.ids = gen
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) {
		e.publisher = p
	}
}

func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) {
		e.metrics = c
	}
}

func WithLogger(logger logs.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithTickInterval sets how often execution deadlines are swept. Zero
// disables the sweep; deadlines are then only checked at scheduling
// boundaries.
func WithTickInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.tickInterval = d
	}
}

func WithPublishTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.publishTimeout = d
	}
}

func WithActivity(name string, fn ActivityFunc) Option {
	return func(e *Engine) {
		e.activities[name] = fn
	}
}

// Engine runs embedded workflow executions, one driver goroutine per
// execution.
type Engine struct {
	ctx    context.Context
	cancel context.CancelFunc

	registry  *registry.Registry
	store     *store.Store
	clock     clock.Clock
	ids       ids.Generator
	publisher events.Publisher
	metrics   *metrics.Collector
	logger    logs.Logger
	executor  executor
	pulse     *clock.Pulse

	tickInterval   time.Duration
	publishTimeout time.Duration

	mu         deadlock.RWMutex
	activities map[string]ActivityFunc
	instances  map[string]*instance
	closed     bool
	drivers    errgroup.Group
}

func New(ctx context.Context, reg *registry.Registry, st *store.Store, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(ctx)
	e := &Engine{
		ctx:            ctx,
		cancel:         cancel,
		registry:       reg,
		store:          st,
		clock:          clock.Real(),
		ids:            ids.UUID(),
		publisher:      events.Nop(),
		logger:         logs.Nop(),
		tickInterval:   DefaultTickInterval,
		publishTimeout: DefaultPublishTimeout,
		activities:     make(map[string]ActivityFunc),
		instances:      make(map[string]*instance),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.executor = executor{clock: e.clock}

	if e.tickInterval > 0 {
		e.pulse = clock.NewPulse(ctx, e.clock, e.tickInterval, func(err error) {
			e.logger.Error(ctx, "scheduling tick failed", "error", err)
		})
		e.pulse.Add("execution-timeouts", clock.TickerFunc(e.CheckTimeouts), clock.WithName("execution-timeouts"))
		e.pulse.Start()
	}

	e.logger.Debug(ctx, "workflow engine created", "tick_interval", e.tickInterval)
	return e
}

// RegisterActivity binds fn to every activity named name.
func (e *Engine) RegisterActivity(name string, fn ActivityFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activities[name] = fn
}

func (e *Engine) activity(name string) ActivityFunc {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.activities[name]
}

// Start creates a RUNNING execution of workflowType and spawns its driver.
// It returns as soon as the record is stored.
func (e *Engine) Start(ctx context.Context, workflowType string, input any, opts types.StartOptions) (types.WorkflowExecution, error) {
	if workflowType == "" {
		return types.WorkflowExecution{}, types.NewValidationError("workflowType", "workflow type is required")
	}
	def, ok := e.registry.Lookup(workflowType)
	if !ok {
		return types.WorkflowExecution{}, errors.Join(
			types.ErrDefinitionNotFound,
			types.NewValidationError("workflowType", fmt.Sprintf("no definition registered for %q", workflowType)))
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return types.WorkflowExecution{}, ErrEngineClosed
	}

	workflowID := opts.WorkflowID
	if workflowID == "" {
		workflowID = e.ids.WorkflowID(def.ID)
	}
	if _, running := e.instances[workflowID]; running {
		e.mu.Unlock()
		return types.WorkflowExecution{}, errors.Join(
			types.ErrAlreadyStarted,
			types.NewValidationError("workflowId", fmt.Sprintf("workflow %q is already running", workflowID)))
	}

	taskQueue := opts.TaskQueue
	if taskQueue == "" {
		taskQueue = def.TaskQueue
	}
	timeout := opts.ExecutionTimeout
	if timeout <= 0 {
		timeout = def.ExecutionTimeout
	}

	exec := types.WorkflowExecution{
		WorkflowID:       workflowID,
		RunID:            e.ids.RunID(),
		WorkflowType:     def.ID,
		TaskQueue:        taskQueue,
		State:            types.WorkflowStateRunning,
		StartedAt:        e.clock.Now(),
		Input:            input,
		ActivityHistory:  []types.ActivityExecution{},
		SearchAttributes: maps.Clone(opts.SearchAttributes),
		Memo:             maps.Clone(opts.Memo),
		Mode:             types.ModeEmbedded,
	}
	if err := e.store.Put(exec); err != nil {
		e.mu.Unlock()
		return types.WorkflowExecution{}, fmt.Errorf("failed to start workflow %s: %w", workflowID, err)
	}

	inst := newInstance(e, def, exec, timeout)
	e.instances[workflowID] = inst
	e.drivers.Go(func() error {
		inst.run()
		return nil
	})
	e.mu.Unlock()

	e.metrics.WorkflowStarted(types.ModeEmbedded)
	e.logger.Info(ctx, "workflow started",
		"workflow.id", exec.WorkflowID,
		"workflow.run_id", exec.RunID,
		"workflow.type", exec.WorkflowType)
	return exec.Clone(), nil
}

func (e *Engine) instance(workflowID string) (*instance, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	inst, ok := e.instances[workflowID]
	return inst, ok
}

func (e *Engine) release(inst *instance) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if current, ok := e.instances[inst.workflowID]; ok && current == inst {
		delete(e.instances, inst.workflowID)
	}
}

func (e *Engine) publish(exec types.WorkflowExecution) {
	ctx, cancel := context.WithTimeout(context.Background(), e.publishTimeout)
	defer cancel()
	if err := e.publisher.Publish(ctx, events.FromExecution(exec)); err != nil {
		e.logger.Warn(ctx, "failed to publish terminal event",
			"workflow.id", exec.WorkflowID,
			"workflow.run_id", exec.RunID,
			"error", err)
	}
}

// Wait blocks until the current run of workflowID stops and returns its
// final record.
func (e *Engine) Wait(ctx context.Context, workflowID string) (types.WorkflowExecution, error) {
	inst, ok := e.instance(workflowID)
	if !ok {
		return e.store.Get(workflowID)
	}
	select {
	case <-inst.done:
	case <-ctx.Done():
		return types.WorkflowExecution{}, ctx.Err()
	}
	return e.store.GetRun(inst.runID)
}

func (e *Engine) Get(workflowID string) (types.WorkflowExecution, error) {
	return e.store.Get(workflowID)
}

func (e *Engine) List(filter types.ListFilter) (types.ListResult, error) {
	return e.store.List(filter)
}

// Signal delivers a signal to a live execution. Terminal executions report
// false; unknown ids return ErrExecutionNotFound.
func (e *Engine) Signal(ctx context.Context, workflowID, name string, payload any) (bool, error) {
	inst, ok := e.instance(workflowID)
	if !ok {
		return false, e.missing(workflowID)
	}
	delivered := inst.signal(name, payload)
	e.logger.Debug(ctx, "signal handled", "workflow.id", workflowID, "signal", name, "delivered", delivered)
	return delivered, nil
}

func (e *Engine) Cancel(ctx context.Context, workflowID, reason string) (bool, error) {
	return e.stop(ctx, workflowID, triggerCancel, cancelReason("workflow cancelled", reason))
}

// Terminate stops the execution immediately, without going through signal
// handling.
func (e *Engine) Terminate(ctx context.Context, workflowID, reason string) (bool, error) {
	return e.stop(ctx, workflowID, triggerTerminate, cancelReason("workflow terminated", reason))
}

func (e *Engine) stop(ctx context.Context, workflowID string, t trigger, reason string) (bool, error) {
	inst, ok := e.instance(workflowID)
	if !ok {
		return false, e.missing(workflowID)
	}
	stopped := inst.stop(t, reason)
	e.logger.Debug(ctx, "stop requested", "workflow.id", workflowID, "trigger", string(t), "stopped", stopped)
	return stopped, nil
}

// missing tells a finished execution, reported as not delivered, from an
// unknown one.
func (e *Engine) missing(workflowID string) error {
	if _, err := e.store.Get(workflowID); err != nil {
		return err
	}
	return nil
}

// ConsumeSignals drains the pending domain signals of a live execution.
func (e *Engine) ConsumeSignals(workflowID string) ([]types.Signal, error) {
	inst, ok := e.instance(workflowID)
	if !ok {
		if err := e.missing(workflowID); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return inst.consumeSignals(), nil
}

// CheckTimeouts times out every live execution past its deadline.
func (e *Engine) CheckTimeouts() error {
	e.mu.RLock()
	live := make([]*instance, 0, len(e.instances))
	for _, inst := range e.instances {
		live = append(live, inst)
	}
	e.mu.RUnlock()

	for _, inst := range live {
		inst.checkDeadline()
	}
	return nil
}

func (e *Engine) ActiveCount() (int, error) {
	return e.store.ActiveCount()
}

// Stats aggregates every stored execution. Timed out runs count as failed
// and terminated runs as cancelled.
func (e *Engine) Stats() (types.Stats, error) {
	counts, err := e.store.CountByState()
	if err != nil {
		return types.Stats{}, err
	}
	var stats types.Stats
	finished := 0
	for state, n := range counts {
		stats.Started += n
		if state.IsTerminal() {
			finished += n
		}
		switch state {
		case types.WorkflowStateCompleted:
			stats.Completed += n
		case types.WorkflowStateFailed, types.WorkflowStateTimedOut:
			stats.Failed += n
		case types.WorkflowStateCancelled, types.WorkflowStateTerminated:
			stats.Cancelled += n
		}
	}
	if finished > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(finished)
	}
	return stats, nil
}

// Close terminates every live execution and waits for the drivers to exit.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	live := make([]*instance, 0, len(e.instances))
	for _, inst := range e.instances {
		live = append(live, inst)
	}
	e.mu.Unlock()

	e.logger.Debug(e.ctx, "shutting down workflow engine", "live", len(live))
	for _, inst := range live {
		inst.stop(triggerTerminate, "workflow terminated: engine closed")
	}

	var shutdown errgroup.Group
	shutdown.Go(func() error {
		if e.pulse != nil {
			e.pulse.Stop()
		}
		return nil
	})
	shutdown.Go(e.drivers.Wait)
	err := shutdown.Wait()
	e.cancel()
	e.logger.Debug(e.ctx, "workflow engine shut down")
	return err
}
