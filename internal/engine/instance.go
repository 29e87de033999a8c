package engine

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/davidroman0O/flowgate/internal/metrics"
	"github.com/davidroman0O/flowgate/internal/retrypolicy"
	"github.com/davidroman0O/flowgate/types"
	"github.com/qmuntal/stateless"
	"github.com/sasha-s/go-deadlock"
)

type trigger string

const (
	triggerPause     trigger = "Pause"
	triggerResume    trigger = "Resume"
	triggerComplete  trigger = "Complete"
	triggerFail      trigger = "Fail"
	triggerCancel    trigger = "Cancel"
	triggerTerminate trigger = "Terminate"
	triggerTimeout   trigger = "Timeout"
)

// Built-in signal names.
const (
	SignalCancel = "cancel"
	SignalPause  = "pause"
	SignalResume = "resume"
)

// instance owns one workflow execution. The driver goroutine and the signal
// handlers mutate exec only while holding mu, and every mutation is persisted
// before the lock is released.
type instance struct {
	engine     *Engine
	workflowID string
	runID      string
	def        types.WorkflowDefinition
	forward    []types.ActivityDefinition
	deadline   time.Time

	mu       deadlock.Mutex
	exec     types.WorkflowExecution
	fsm      *stateless.StateMachine
	position int
	current  int
	results  map[string]any

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}
}

func newInstance(e *Engine, def types.WorkflowDefinition, exec types.WorkflowExecution, timeout time.Duration) *instance {
	ctx, cancel := context.WithCancel(e.ctx)
	i := &instance{
		engine:     e,
		workflowID: exec.WorkflowID,
		runID:      exec.RunID,
		def:        def,
		forward:    def.ForwardActivities(),
		exec:       exec,
		current:    -1,
		results:    make(map[string]any),
		ctx:        ctx,
		cancel:     cancel,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	if timeout > 0 {
		i.deadline = exec.StartedAt.Add(timeout)
	}

	i.fsm = stateless.NewStateMachineWithExternalStorage(
		func(context.Context) (stateless.State, error) {
			return i.exec.State, nil
		},
		func(_ context.Context, s stateless.State) error {
			i.exec.State = s.(types.WorkflowState)
			return nil
		},
		stateless.FiringImmediate,
	)

	i.fsm.Configure(types.WorkflowStateRunning).
		OnEntryFrom(triggerResume, i.onResumed).
		Permit(triggerPause, types.WorkflowStatePaused).
		Permit(triggerComplete, types.WorkflowStateCompleted).
		Permit(triggerFail, types.WorkflowStateFailed).
		Permit(triggerCancel, types.WorkflowStateCancelled).
		Permit(triggerTerminate, types.WorkflowStateTerminated).
		Permit(triggerTimeout, types.WorkflowStateTimedOut).
		Ignore(triggerResume)

	// An attempt already in flight when the pause arrived may still exhaust
	// its retries, hence Fail from PAUSED.
	i.fsm.Configure(types.WorkflowStatePaused).
		OnEntry(i.onPaused).
		Permit(triggerResume, types.WorkflowStateRunning).
		Permit(triggerFail, types.WorkflowStateFailed).
		Permit(triggerCancel, types.WorkflowStateCancelled).
		Permit(triggerTerminate, types.WorkflowStateTerminated).
		Permit(triggerTimeout, types.WorkflowStateTimedOut).
		Ignore(triggerPause)

	for _, s := range types.WorkflowStateValues() {
		if s.IsTerminal() && s != types.WorkflowStateContinuedAsNew {
			i.fsm.Configure(s).OnEntry(i.onTerminal)
		}
	}

	return i
}

// fire must be called with the lock held.
func (i *instance) fire(t trigger, args ...any) error {
	return i.fsm.FireCtx(context.Background(), t, args...)
}

func (i *instance) persist() {
	if err := i.engine.store.Put(i.exec); err != nil {
		i.engine.logger.Error(i.ctx, "failed to persist workflow execution",
			"workflow.id", i.exec.WorkflowID,
			"workflow.run_id", i.exec.RunID,
			"error", err)
	}
}

func (i *instance) notify() {
	select {
	case i.wake <- struct{}{}:
	default:
	}
}

func (i *instance) onPaused(context.Context, ...any) error {
	i.persist()
	i.engine.logger.Info(i.ctx, "workflow paused", "workflow.id", i.exec.WorkflowID)
	return nil
}

func (i *instance) onResumed(context.Context, ...any) error {
	i.persist()
	i.notify()
	i.engine.logger.Info(i.ctx, "workflow resumed", "workflow.id", i.exec.WorkflowID)
	return nil
}

// onTerminal freezes the record: it stamps completion, fails the activity in
// flight, stops the driver and counts the outcome. The terminal event is
// published by the driver once it exits.
func (i *instance) onTerminal(_ context.Context, args ...any) error {
	now := i.engine.clock.Now()
	i.exec.CompletedAt = &now
	if len(args) > 0 {
		if msg, ok := args[0].(string); ok && msg != "" {
			i.exec.Error = msg
		}
	}
	i.freezeCurrent(now)
	i.cancel()
	i.persist()
	i.engine.metrics.WorkflowFinished(i.exec.State, i.exec.Mode, i.exec.Duration())
	i.engine.logger.Info(i.ctx, "workflow reached terminal state",
		"workflow.id", i.exec.WorkflowID,
		"workflow.run_id", i.exec.RunID,
		"workflow.state", i.exec.State.String(),
		"error", i.exec.Error)
	return nil
}

func (i *instance) freezeCurrent(now time.Time) {
	if i.current < 0 {
		return
	}
	a := &i.exec.ActivityHistory[i.current]
	i.current = -1
	if a.State != types.ActivityStateScheduled && a.State != types.ActivityStateStarted {
		return
	}
	reason := i.exec.Error
	if reason == "" {
		reason = "workflow " + i.exec.State.String()
	}
	i.transition(a, types.ActivityStateFailed)
	a.CompletedAt = &now
	a.Error = reason
	if n := len(a.Attempts); n > 0 && a.Attempts[n-1].CompletedAt == nil {
		done := now
		a.Attempts[n-1].CompletedAt = &done
		a.Attempts[n-1].Error = reason
	}
}

func (i *instance) transition(a *types.ActivityExecution, next types.ActivityState) {
	if !a.State.CanTransitionTo(next) {
		i.engine.logger.Warn(i.ctx, "unexpected activity transition",
			"activity.id", a.ActivityID,
			"from", a.State.String(),
			"to", next.String())
	}
	a.State = next
}

// expired fires the timeout transition once the execution deadline passed.
// Called with the lock held.
func (i *instance) expired() bool {
	if i.deadline.IsZero() || i.exec.IsTerminal() {
		return false
	}
	if i.engine.clock.Now().Before(i.deadline) {
		return false
	}
	timeout := i.deadline.Sub(i.exec.StartedAt)
	if err := i.fire(triggerTimeout, fmt.Sprintf("workflow execution timed out after %s", timeout)); err != nil {
		i.engine.logger.Error(i.ctx, "failed to time out workflow", "workflow.id", i.exec.WorkflowID, "error", err)
	}
	return true
}

// gate blocks while the execution is paused. It returns true with the lock
// held when the driver may schedule, false without the lock once the
// execution stopped.
func (i *instance) gate() bool {
	for {
		i.mu.Lock()
		if i.exec.IsTerminal() || i.expired() || i.ctx.Err() != nil {
			i.mu.Unlock()
			return false
		}
		if i.exec.State != types.WorkflowStatePaused {
			return true
		}
		var deadline <-chan time.Time
		if !i.deadline.IsZero() {
			deadline = i.engine.clock.After(i.deadline.Sub(i.engine.clock.Now()))
		}
		i.mu.Unlock()

		select {
		case <-i.wake:
		case <-deadline:
		case <-i.ctx.Done():
			return false
		}
	}
}

func (i *instance) run() {
	defer close(i.done)
	defer i.finish()
	defer func() {
		if r := recover(); r != nil {
			i.mu.Lock()
			defer i.mu.Unlock()
			if !i.exec.IsTerminal() {
				_ = i.fire(triggerFail, fmt.Sprintf("workflow driver panic: %v", r))
			}
		}
	}()

	i.engine.logger.Debug(i.ctx, "workflow driver started", "workflow.id", i.exec.WorkflowID, "workflow.run_id", i.exec.RunID)

	for {
		if !i.gate() {
			return
		}
		if i.position >= len(i.forward) {
			i.exec.Output = types.Payload{
				Metadata: map[string]interface{}{"activities": len(i.forward)},
				Data:     maps.Clone(i.results),
			}
			if err := i.fire(triggerComplete); err != nil {
				i.engine.logger.Error(i.ctx, "failed to complete workflow", "workflow.id", i.exec.WorkflowID, "error", err)
			}
			i.mu.Unlock()
			return
		}
		if !i.runActivity(i.forward[i.position]) {
			return
		}
	}
}

// finish releases the instance and publishes its terminal event. A driver
// stopped by the engine context without a terminal transition terminates
// the execution so no record is left RUNNING without an owner.
func (i *instance) finish() {
	i.mu.Lock()
	if !i.exec.IsTerminal() {
		_ = i.fire(triggerTerminate, "workflow driver stopped")
	}
	exec := i.exec.Clone()
	i.mu.Unlock()

	i.engine.release(i)
	i.engine.publish(exec)
}

// runActivity drives every attempt of one activity. It is called with the
// lock held and returns without it; true means the activity completed.
func (i *instance) runActivity(act types.ActivityDefinition) bool {
	policy := retrypolicy.Resolve(i.def, act)
	backoff := retrypolicy.Backoff(policy)
	timeout := act.StartToCloseTimeout
	if timeout <= 0 {
		timeout = i.def.ActivityTimeout
	}

	i.schedule(act)

	for n := 1; ; n++ {
		req := i.startAttempt(act, n)
		i.mu.Unlock()

		out, err := i.engine.executor.execute(i.ctx, attempt{
			fn:               i.engine.activity(act.Name),
			req:              req,
			timeout:          timeout,
			heartbeatTimeout: act.HeartbeatTimeout,
			onHeartbeat:      i.heartbeat,
			signals:          i.consumeSignals,
		})

		i.mu.Lock()
		if i.exec.IsTerminal() || i.ctx.Err() != nil {
			i.mu.Unlock()
			return false
		}
		if err == nil {
			i.completeActivity(out)
			i.mu.Unlock()
			i.engine.metrics.ActivityAttempt(act.Name, metrics.AttemptCompleted)
			return true
		}

		i.failAttempt(err)
		result := metrics.AttemptFailed
		if types.ErrorType(err) == types.ErrorTypeTimeout || types.ErrorType(err) == types.ErrorTypeHeartbeat {
			result = metrics.AttemptTimeout
		}
		i.engine.metrics.ActivityAttempt(act.Name, result)

		decision := retrypolicy.Decide(policy, n, err)
		delay, stop := time.Duration(0), !decision.Retry
		if !stop {
			delay, stop = backoff.Next()
		}
		if stop {
			i.engine.logger.Warn(i.ctx, "activity failed",
				"workflow.id", i.exec.WorkflowID,
				"activity.name", act.Name,
				"attempt", n,
				"reason", decision.Reason,
				"error", err)
			i.current = -1
			if ferr := i.fire(triggerFail, err.Error()); ferr != nil {
				i.engine.logger.Error(i.ctx, "failed to fail workflow", "workflow.id", i.exec.WorkflowID, "error", ferr)
			}
			i.mu.Unlock()
			return false
		}
		i.persist()
		i.mu.Unlock()

		i.engine.logger.Debug(i.ctx, "retrying activity",
			"workflow.id", req.WorkflowID,
			"activity.name", act.Name,
			"attempt", n,
			"delay", delay,
			"error", err)
		if err := i.engine.clock.Sleep(i.ctx, delay); err != nil {
			return false
		}
		if !i.gate() {
			return false
		}
		i.reschedule()
	}
}

func (i *instance) schedule(act types.ActivityDefinition) {
	i.exec.ActivityHistory = append(i.exec.ActivityHistory, types.ActivityExecution{
		ActivityID:   types.ActivityID(i.exec.WorkflowID, act.Name),
		ActivityType: act.Name,
		State:        types.ActivityStateScheduled,
		Attempt:      1,
		ScheduledAt:  i.engine.clock.Now(),
		Input:        i.exec.Input,
	})
	i.current = len(i.exec.ActivityHistory) - 1
	i.persist()
}

func (i *instance) reschedule() {
	a := &i.exec.ActivityHistory[i.current]
	i.transition(a, types.ActivityStateScheduled)
	a.ScheduledAt = i.engine.clock.Now()
	a.StartedAt = nil
	a.CompletedAt = nil
	i.persist()
}

func (i *instance) startAttempt(act types.ActivityDefinition, n int) ActivityRequest {
	a := &i.exec.ActivityHistory[i.current]
	now := i.engine.clock.Now()
	started := now
	i.transition(a, types.ActivityStateStarted)
	a.Attempt = n
	a.StartedAt = &now
	a.Error = ""
	a.Attempts = append(a.Attempts, types.AttemptRecord{
		Attempt:     n,
		ScheduledAt: a.ScheduledAt,
		StartedAt:   &started,
	})
	i.persist()

	return ActivityRequest{
		WorkflowID:   i.exec.WorkflowID,
		RunID:        i.exec.RunID,
		WorkflowType: i.exec.WorkflowType,
		ActivityName: act.Name,
		Attempt:      n,
		Input:        i.exec.Input,
		Results:      maps.Clone(i.results),
	}
}

func (i *instance) completeActivity(out any) {
	a := &i.exec.ActivityHistory[i.current]
	now := i.engine.clock.Now()
	i.transition(a, types.ActivityStateCompleted)
	a.CompletedAt = &now
	a.Output = out
	if n := len(a.Attempts); n > 0 {
		done := now
		a.Attempts[n-1].CompletedAt = &done
	}
	i.results[a.ActivityType] = out
	i.position++
	i.current = -1
	i.persist()
}

func (i *instance) failAttempt(err error) {
	a := &i.exec.ActivityHistory[i.current]
	now := i.engine.clock.Now()
	i.transition(a, types.ActivityStateFailed)
	a.CompletedAt = &now
	a.Error = err.Error()
	if n := len(a.Attempts); n > 0 {
		done := now
		a.Attempts[n-1].CompletedAt = &done
		a.Attempts[n-1].Error = err.Error()
	}
}

func (i *instance) heartbeat(details any) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.exec.IsTerminal() || i.current < 0 {
		return
	}
	i.exec.ActivityHistory[i.current].HeartbeatDetails = details
	i.persist()
}

func (i *instance) consumeSignals() []types.Signal {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.exec.PendingSignals) == 0 {
		return nil
	}
	signals := i.exec.PendingSignals
	i.exec.PendingSignals = nil
	if !i.exec.IsTerminal() {
		i.persist()
	}
	return signals
}

// signal applies a signal. Delivery is false once the execution is terminal.
func (i *instance) signal(name string, payload any) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.exec.IsTerminal() {
		return false
	}

	switch name {
	case SignalCancel:
		return i.fire(triggerCancel, cancelReason("workflow cancelled", payload)) == nil
	case SignalPause:
		return i.fire(triggerPause) == nil
	case SignalResume:
		if i.exec.State != types.WorkflowStatePaused {
			i.engine.logger.Warn(i.ctx, "resume ignored, workflow is not paused",
				"workflow.id", i.exec.WorkflowID,
				"workflow.state", i.exec.State.String())
		}
		return i.fire(triggerResume) == nil
	}

	if !i.def.AllowsSignal(name) {
		i.engine.logger.Warn(i.ctx, "signal not declared by definition",
			"workflow.id", i.exec.WorkflowID,
			"signal", name)
		return false
	}
	i.exec.PendingSignals = append(i.exec.PendingSignals, types.Signal{
		Name:       name,
		Payload:    payload,
		ReceivedAt: i.engine.clock.Now(),
	})
	i.persist()
	return true
}

// stop moves a live execution to CANCELLED or TERMINATED.
func (i *instance) stop(t trigger, reason string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.exec.IsTerminal() {
		return false
	}
	return i.fire(t, reason) == nil
}

// checkDeadline is run by the timeout sweep.
func (i *instance) checkDeadline() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.expired()
}

func cancelReason(prefix string, payload any) string {
	switch v := payload.(type) {
	case nil:
		return prefix
	case string:
		if v == "" {
			return prefix
		}
		return prefix + ": " + v
	case map[string]any:
		if reason, ok := v["reason"].(string); ok && reason != "" {
			return prefix + ": " + reason
		}
	}
	return prefix
}
