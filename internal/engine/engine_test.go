package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/davidroman0O/flowgate/internal/clock"
	"github.com/davidroman0O/flowgate/internal/events"
	"github.com/davidroman0O/flowgate/internal/ids"
	"github.com/davidroman0O/flowgate/internal/registry"
	"github.com/davidroman0O/flowgate/internal/store"
	"github.com/davidroman0O/flowgate/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

type harness struct {
	engine   *Engine
	registry *registry.Registry
	store    *store.Store
	events   *events.Recorder
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	reg := registry.New()
	st, err := store.New()
	require.NoError(t, err)
	rec := events.NewRecorder()

	base := []Option{
		WithPublisher(rec),
		WithIDs(ids.NewSequence()),
		WithTickInterval(0),
	}
	e := New(context.Background(), reg, st, append(base, opts...)...)
	t.Cleanup(func() {
		_ = e.Close()
	})
	return &harness{engine: e, registry: reg, store: st, events: rec}
}

func threeSteps(policy types.RetryPolicy) types.WorkflowDefinition {
	return types.WorkflowDefinition{
		ID:          "abc",
		Name:        "three steps",
		TaskQueue:   "default",
		RetryPolicy: policy,
		Activities: []types.ActivityDefinition{
			{Name: "A"},
			{Name: "B"},
			{Name: "C"},
		},
	}
}

func waitFor(t *testing.T, h *harness, workflowID string) types.WorkflowExecution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec, err := h.engine.Wait(ctx, workflowID)
	require.NoError(t, err)
	return exec
}

func stateOf(t *testing.T, h *harness, workflowID string) types.WorkflowState {
	t.Helper()
	exec, err := h.engine.Get(workflowID)
	require.NoError(t, err)
	return exec.State
}

// blocking returns an activity that announces its start and then waits for
// release or cancellation.
func blocking(started chan<- string, release <-chan struct{}) ActivityFunc {
	return func(ctx ActivityContext, req ActivityRequest) (any, error) {
		started <- req.ActivityName
		select {
		case <-release:
			return req.ActivityName + "-done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func echo(started chan<- string) ActivityFunc {
	return func(ctx ActivityContext, req ActivityRequest) (any, error) {
		if started != nil {
			started <- req.ActivityName
		}
		return req.ActivityName + "-done", nil
	}
}

func TestThreeStepsComplete(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register(threeSteps(types.RetryPolicy{MaximumAttempts: 1})))
	for _, name := range []string{"A", "B", "C"} {
		h.engine.RegisterActivity(name, echo(nil))
	}

	started, err := h.engine.Start(context.Background(), "abc", map[string]any{"customer": 7}, types.StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowStateRunning, started.State)
	assert.Equal(t, types.ModeEmbedded, started.Mode)
	assert.NotEmpty(t, started.RunID)

	exec := waitFor(t, h, started.WorkflowID)
	assert.Equal(t, types.WorkflowStateCompleted, exec.State)
	require.NotNil(t, exec.CompletedAt)
	require.Len(t, exec.ActivityHistory, 3)
	for i, name := range []string{"A", "B", "C"} {
		a := exec.ActivityHistory[i]
		assert.Equal(t, name, a.ActivityType)
		assert.Equal(t, types.ActivityID(exec.WorkflowID, name), a.ActivityID)
		assert.Equal(t, types.ActivityStateCompleted, a.State)
		assert.Equal(t, 1, a.Attempt)
		require.NotNil(t, a.StartedAt)
		require.NotNil(t, a.CompletedAt)
		assert.False(t, a.CompletedAt.Before(*a.StartedAt))
		assert.Equal(t, name+"-done", a.Output)
	}

	summary, ok := exec.Output.(types.Payload)
	require.True(t, ok)
	assert.Equal(t, 3, summary.Metadata["activities"])
	assert.Equal(t, map[string]any{"A": "A-done", "B": "B-done", "C": "C-done"}, summary.Data)

	require.Len(t, h.events.For(exec.WorkflowID), 1)
	assert.Equal(t, types.WorkflowStateCompleted, h.events.For(exec.WorkflowID)[0].State)
}

func TestActivitiesWithoutHandlerPassThrough(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register(threeSteps(types.RetryPolicy{})))

	started, err := h.engine.Start(context.Background(), "three steps", nil, types.StartOptions{WorkflowID: "by-name"})
	require.NoError(t, err)
	assert.Equal(t, "abc", started.WorkflowType)

	exec := waitFor(t, h, "by-name")
	assert.Equal(t, types.WorkflowStateCompleted, exec.State)
	assert.Len(t, exec.ActivityHistory, 3)
}

func TestActivityReceivesEarlierResults(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register(threeSteps(types.RetryPolicy{})))
	h.engine.RegisterActivity("A", echo(nil))
	h.engine.RegisterActivity("B", echo(nil))

	seen := make(chan ActivityRequest, 1)
	h.engine.RegisterActivity("C", func(ctx ActivityContext, req ActivityRequest) (any, error) {
		seen <- ctx.Info()
		return len(req.Results), nil
	})

	started, err := h.engine.Start(context.Background(), "abc", "input", types.StartOptions{})
	require.NoError(t, err)
	exec := waitFor(t, h, started.WorkflowID)
	require.Equal(t, types.WorkflowStateCompleted, exec.State)

	req := <-seen
	assert.Equal(t, "input", req.Input)
	assert.Equal(t, map[string]any{"A": "A-done", "B": "B-done"}, req.Results)
	assert.Equal(t, 1, req.Attempt)
	assert.Equal(t, started.RunID, req.RunID)
}

func TestRetriesExhaustedFailWorkflow(t *testing.T) {
	fake := clock.NewFake(epoch)
	fake.SetAutoAdvance(true)
	h := newHarness(t, WithClock(fake))

	require.NoError(t, h.registry.Register(threeSteps(types.RetryPolicy{
		MaximumAttempts:    3,
		InitialInterval:    time.Second,
		BackoffCoefficient: 2,
		MaximumInterval:    10 * time.Second,
	})))
	cRan := make(chan string, 1)
	h.engine.RegisterActivity("A", echo(nil))
	h.engine.RegisterActivity("B", func(ActivityContext, ActivityRequest) (any, error) {
		return nil, errors.New("ledger unreachable")
	})
	h.engine.RegisterActivity("C", echo(cRan))

	started, err := h.engine.Start(context.Background(), "abc", nil, types.StartOptions{})
	require.NoError(t, err)
	exec := waitFor(t, h, started.WorkflowID)

	assert.Equal(t, types.WorkflowStateFailed, exec.State)
	assert.Contains(t, exec.Error, "B")
	assert.Contains(t, exec.Error, "ledger unreachable")
	require.NotNil(t, exec.CompletedAt)

	require.Len(t, exec.ActivityHistory, 2)
	b := exec.ActivityHistory[1]
	assert.Equal(t, "B", b.ActivityType)
	assert.Equal(t, types.ActivityStateFailed, b.State)
	assert.Equal(t, 3, b.Attempt)
	require.Len(t, b.Attempts, 3)
	for i, rec := range b.Attempts {
		assert.Equal(t, i+1, rec.Attempt)
		assert.Contains(t, rec.Error, "ledger unreachable")
	}

	_, scheduled := exec.Activity("C")
	assert.False(t, scheduled)
	assert.Empty(t, cRan)

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, fake.Sleeps())
	assert.Len(t, h.events.For(exec.WorkflowID), 1)
}

func TestBackoffDelaysAreCapped(t *testing.T) {
	fake := clock.NewFake(epoch)
	fake.SetAutoAdvance(true)
	h := newHarness(t, WithClock(fake))

	require.NoError(t, h.registry.Register(types.WorkflowDefinition{
		ID: "capped",
		Activities: []types.ActivityDefinition{{
			Name: "flaky",
			RetryPolicy: &types.RetryPolicy{
				MaximumAttempts:    5,
				InitialInterval:    time.Second,
				BackoffCoefficient: 2,
				MaximumInterval:    3 * time.Second,
			},
		}},
	}))
	calls := 0
	h.engine.RegisterActivity("flaky", func(ActivityContext, ActivityRequest) (any, error) {
		calls++
		if calls < 5 {
			return nil, errors.New("not yet")
		}
		return "ok", nil
	})

	started, err := h.engine.Start(context.Background(), "capped", nil, types.StartOptions{})
	require.NoError(t, err)
	exec := waitFor(t, h, started.WorkflowID)

	assert.Equal(t, types.WorkflowStateCompleted, exec.State)
	assert.Equal(t, 5, exec.ActivityHistory[0].Attempt)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}, fake.Sleeps())
}

func TestNonRetryableErrorFailsImmediately(t *testing.T) {
	fake := clock.NewFake(epoch)
	fake.SetAutoAdvance(true)
	h := newHarness(t, WithClock(fake))

	require.NoError(t, h.registry.Register(types.WorkflowDefinition{
		ID: "kyc",
		RetryPolicy: types.RetryPolicy{
			MaximumAttempts:    5,
			InitialInterval:    time.Second,
			NonRetryableErrors: []string{"Fraud"},
		},
		Activities: []types.ActivityDefinition{{Name: "screen"}},
	}))
	h.engine.RegisterActivity("screen", func(ActivityContext, ActivityRequest) (any, error) {
		return nil, types.NewApplicationError("Fraud", "sanctions hit")
	})

	started, err := h.engine.Start(context.Background(), "kyc", nil, types.StartOptions{})
	require.NoError(t, err)
	exec := waitFor(t, h, started.WorkflowID)

	assert.Equal(t, types.WorkflowStateFailed, exec.State)
	assert.Equal(t, 1, exec.ActivityHistory[0].Attempt)
	assert.Equal(t, "activity screen: Fraud: sanctions hit", exec.Error)
	assert.Empty(t, fake.Sleeps())
}

func TestCompensationActivitiesAreNeverScheduled(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register(types.WorkflowDefinition{
		ID: "saga",
		Activities: []types.ActivityDefinition{
			{Name: "reserve"},
			{Name: "release", Compensation: true},
			{Name: "charge"},
		},
	}))
	ran := make(chan string, 3)
	for _, name := range []string{"reserve", "release", "charge"} {
		h.engine.RegisterActivity(name, echo(ran))
	}

	started, err := h.engine.Start(context.Background(), "saga", nil, types.StartOptions{})
	require.NoError(t, err)
	exec := waitFor(t, h, started.WorkflowID)

	assert.Equal(t, types.WorkflowStateCompleted, exec.State)
	require.Len(t, exec.ActivityHistory, 2)
	assert.Equal(t, "reserve", exec.ActivityHistory[0].ActivityType)
	assert.Equal(t, "charge", exec.ActivityHistory[1].ActivityType)
	close(ran)
	var names []string
	for name := range ran {
		names = append(names, name)
	}
	assert.Equal(t, []string{"reserve", "charge"}, names)
}

func TestPauseResumeContinuesAtNextActivity(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register(threeSteps(types.RetryPolicy{})))
	started := make(chan string, 10)
	release := make(chan struct{})
	h.engine.RegisterActivity("A", blocking(started, release))
	h.engine.RegisterActivity("B", echo(started))
	h.engine.RegisterActivity("C", echo(started))

	exec, err := h.engine.Start(context.Background(), "abc", nil, types.StartOptions{WorkflowID: "wf-pause"})
	require.NoError(t, err)
	require.Equal(t, "A", <-started)

	delivered, err := h.engine.Signal(context.Background(), exec.WorkflowID, SignalPause, nil)
	require.NoError(t, err)
	assert.True(t, delivered)
	assert.Equal(t, types.WorkflowStatePaused, stateOf(t, h, exec.WorkflowID))

	close(release)
	require.Eventually(t, func() bool {
		current, err := h.engine.Get(exec.WorkflowID)
		return err == nil && len(current.ActivityHistory) == 1 &&
			current.ActivityHistory[0].State == types.ActivityStateCompleted
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	paused, err := h.engine.Get(exec.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowStatePaused, paused.State)
	assert.Len(t, paused.ActivityHistory, 1)
	assert.Empty(t, started)

	delivered, err = h.engine.Signal(context.Background(), exec.WorkflowID, SignalResume, nil)
	require.NoError(t, err)
	assert.True(t, delivered)

	final := waitFor(t, h, exec.WorkflowID)
	assert.Equal(t, types.WorkflowStateCompleted, final.State)
	require.Len(t, final.ActivityHistory, 3)
	for i, name := range []string{"A", "B", "C"} {
		assert.Equal(t, name, final.ActivityHistory[i].ActivityType)
		assert.Equal(t, 1, final.ActivityHistory[i].Attempt)
	}
	assert.Equal(t, "B", <-started)
	assert.Equal(t, "C", <-started)
}

func TestResumeOnRunningIsNoop(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register(threeSteps(types.RetryPolicy{})))
	started := make(chan string, 10)
	release := make(chan struct{})
	h.engine.RegisterActivity("A", blocking(started, release))

	exec, err := h.engine.Start(context.Background(), "abc", nil, types.StartOptions{})
	require.NoError(t, err)
	<-started

	delivered, err := h.engine.Signal(context.Background(), exec.WorkflowID, SignalResume, nil)
	require.NoError(t, err)
	assert.True(t, delivered)
	assert.Equal(t, types.WorkflowStateRunning, stateOf(t, h, exec.WorkflowID))

	close(release)
	final := waitFor(t, h, exec.WorkflowID)
	assert.Equal(t, types.WorkflowStateCompleted, final.State)
	assert.Len(t, final.ActivityHistory, 3)
}

func TestPauseThenCancel(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register(threeSteps(types.RetryPolicy{})))
	started := make(chan string, 10)
	h.engine.RegisterActivity("A", blocking(started, make(chan struct{})))

	exec, err := h.engine.Start(context.Background(), "abc", nil, types.StartOptions{})
	require.NoError(t, err)
	<-started

	delivered, err := h.engine.Signal(context.Background(), exec.WorkflowID, SignalPause, nil)
	require.NoError(t, err)
	require.True(t, delivered)
	delivered, err = h.engine.Signal(context.Background(), exec.WorkflowID, SignalCancel, "customer withdrew")
	require.NoError(t, err)
	require.True(t, delivered)

	final := waitFor(t, h, exec.WorkflowID)
	assert.Equal(t, types.WorkflowStateCancelled, final.State)
	require.NotNil(t, final.CompletedAt)
	assert.Equal(t, "workflow cancelled: customer withdrew", final.Error)

	require.Len(t, final.ActivityHistory, 1)
	a := final.ActivityHistory[0]
	assert.Equal(t, types.ActivityStateFailed, a.State)
	assert.NotNil(t, a.CompletedAt)
	assert.Equal(t, final.Error, a.Error)

	delivered, err = h.engine.Signal(context.Background(), exec.WorkflowID, SignalResume, nil)
	require.NoError(t, err)
	assert.False(t, delivered)
	assert.Len(t, h.events.For(exec.WorkflowID), 1)
}

func TestCancelWhileRunning(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register(threeSteps(types.RetryPolicy{})))
	started := make(chan string, 10)
	h.engine.RegisterActivity("A", blocking(started, make(chan struct{})))

	exec, err := h.engine.Start(context.Background(), "abc", nil, types.StartOptions{})
	require.NoError(t, err)
	<-started

	ok, err := h.engine.Cancel(context.Background(), exec.WorkflowID, "operator")
	require.NoError(t, err)
	assert.True(t, ok)

	final := waitFor(t, h, exec.WorkflowID)
	assert.Equal(t, types.WorkflowStateCancelled, final.State)
	assert.NotNil(t, final.CompletedAt)
	assert.Contains(t, final.Error, "operator")

	ok, err = h.engine.Cancel(context.Background(), exec.WorkflowID, "again")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = h.engine.Terminate(context.Background(), exec.WorkflowID, "again")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, h.events.For(exec.WorkflowID), 1)
}

func TestTerminateFromPaused(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register(threeSteps(types.RetryPolicy{})))
	started := make(chan string, 10)
	h.engine.RegisterActivity("A", blocking(started, make(chan struct{})))

	exec, err := h.engine.Start(context.Background(), "abc", nil, types.StartOptions{})
	require.NoError(t, err)
	<-started

	_, err = h.engine.Signal(context.Background(), exec.WorkflowID, SignalPause, nil)
	require.NoError(t, err)
	ok, err := h.engine.Terminate(context.Background(), exec.WorkflowID, "incident closed")
	require.NoError(t, err)
	assert.True(t, ok)

	final := waitFor(t, h, exec.WorkflowID)
	assert.Equal(t, types.WorkflowStateTerminated, final.State)
	assert.Equal(t, "workflow terminated: incident closed", final.Error)
	assert.NotNil(t, final.CompletedAt)
}

func TestExecutionTimeoutWhileActivityInFlight(t *testing.T) {
	fake := clock.NewFake(epoch)
	h := newHarness(t, WithClock(fake))
	def := threeSteps(types.RetryPolicy{})
	def.ExecutionTimeout = time.Minute
	require.NoError(t, h.registry.Register(def))
	started := make(chan string, 10)
	h.engine.RegisterActivity("A", blocking(started, make(chan struct{})))

	exec, err := h.engine.Start(context.Background(), "abc", nil, types.StartOptions{})
	require.NoError(t, err)
	<-started

	fake.Advance(30 * time.Second)
	require.NoError(t, h.engine.CheckTimeouts())
	assert.Equal(t, types.WorkflowStateRunning, stateOf(t, h, exec.WorkflowID))

	fake.Advance(31 * time.Second)
	require.NoError(t, h.engine.CheckTimeouts())

	final := waitFor(t, h, exec.WorkflowID)
	assert.Equal(t, types.WorkflowStateTimedOut, final.State)
	assert.Contains(t, final.Error, "timed out")
	assert.Equal(t, epoch.Add(61*time.Second), *final.CompletedAt)
	assert.Equal(t, types.ActivityStateFailed, final.ActivityHistory[0].State)
}

func TestExecutionTimeoutFromStartOptionsWhilePaused(t *testing.T) {
	fake := clock.NewFake(epoch)
	h := newHarness(t, WithClock(fake))
	require.NoError(t, h.registry.Register(threeSteps(types.RetryPolicy{})))
	started := make(chan string, 10)
	release := make(chan struct{})
	h.engine.RegisterActivity("A", blocking(started, release))

	exec, err := h.engine.Start(context.Background(), "abc", nil, types.StartOptions{ExecutionTimeout: time.Hour})
	require.NoError(t, err)
	<-started
	_, err = h.engine.Signal(context.Background(), exec.WorkflowID, SignalPause, nil)
	require.NoError(t, err)
	close(release)

	fake.Advance(2 * time.Hour)
	require.NoError(t, h.engine.CheckTimeouts())

	final := waitFor(t, h, exec.WorkflowID)
	assert.Equal(t, types.WorkflowStateTimedOut, final.State)
}

func TestTimeoutSweepRunsOnPulse(t *testing.T) {
	h := newHarness(t, WithTickInterval(5*time.Millisecond))
	def := threeSteps(types.RetryPolicy{})
	def.ExecutionTimeout = 20 * time.Millisecond
	require.NoError(t, h.registry.Register(def))
	started := make(chan string, 10)
	h.engine.RegisterActivity("A", blocking(started, make(chan struct{})))

	exec, err := h.engine.Start(context.Background(), "abc", nil, types.StartOptions{})
	require.NoError(t, err)
	<-started

	final := waitFor(t, h, exec.WorkflowID)
	assert.Equal(t, types.WorkflowStateTimedOut, final.State)
}

func TestDomainSignals(t *testing.T) {
	h := newHarness(t)
	def := threeSteps(types.RetryPolicy{})
	def.Signals = []string{"approve"}
	require.NoError(t, h.registry.Register(def))

	started := make(chan string, 10)
	release := make(chan struct{})
	h.engine.RegisterActivity("A", blocking(started, release))
	received := make(chan []types.Signal, 1)
	h.engine.RegisterActivity("B", func(ctx ActivityContext, req ActivityRequest) (any, error) {
		received <- ctx.Signals()
		return nil, nil
	})

	exec, err := h.engine.Start(context.Background(), "abc", nil, types.StartOptions{})
	require.NoError(t, err)
	<-started

	delivered, err := h.engine.Signal(context.Background(), exec.WorkflowID, "approve", map[string]any{"by": "council"})
	require.NoError(t, err)
	assert.True(t, delivered)
	delivered, err = h.engine.Signal(context.Background(), exec.WorkflowID, "reject", nil)
	require.NoError(t, err)
	assert.False(t, delivered)

	current, err := h.engine.Get(exec.WorkflowID)
	require.NoError(t, err)
	require.Len(t, current.PendingSignals, 1)
	assert.Equal(t, "approve", current.PendingSignals[0].Name)

	close(release)
	signals := <-received
	require.Len(t, signals, 1)
	assert.Equal(t, map[string]any{"by": "council"}, signals[0].Payload)

	final := waitFor(t, h, exec.WorkflowID)
	assert.Equal(t, types.WorkflowStateCompleted, final.State)
	assert.Empty(t, final.PendingSignals)
}

func TestConsumeSignals(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register(threeSteps(types.RetryPolicy{})))
	started := make(chan string, 10)
	h.engine.RegisterActivity("A", blocking(started, make(chan struct{})))

	exec, err := h.engine.Start(context.Background(), "abc", nil, types.StartOptions{})
	require.NoError(t, err)
	<-started

	for _, name := range []string{"first", "second"} {
		ok, err := h.engine.Signal(context.Background(), exec.WorkflowID, name, nil)
		require.NoError(t, err)
		require.True(t, ok)
	}
	signals, err := h.engine.ConsumeSignals(exec.WorkflowID)
	require.NoError(t, err)
	require.Len(t, signals, 2)
	assert.Equal(t, "first", signals[0].Name)
	assert.Equal(t, "second", signals[1].Name)

	signals, err = h.engine.ConsumeSignals(exec.WorkflowID)
	require.NoError(t, err)
	assert.Empty(t, signals)

	_, err = h.engine.ConsumeSignals("unknown")
	assert.ErrorIs(t, err, types.ErrExecutionNotFound)
}

func TestUnknownWorkflowIsNotFoundValue(t *testing.T) {
	h := newHarness(t)

	delivered, err := h.engine.Signal(context.Background(), "ghost", SignalCancel, nil)
	assert.False(t, delivered)
	assert.ErrorIs(t, err, types.ErrExecutionNotFound)

	ok, err := h.engine.Cancel(context.Background(), "ghost", "")
	assert.False(t, ok)
	assert.ErrorIs(t, err, types.ErrExecutionNotFound)

	ok, err = h.engine.Terminate(context.Background(), "ghost", "")
	assert.False(t, ok)
	assert.ErrorIs(t, err, types.ErrExecutionNotFound)

	_, err = h.engine.Get("ghost")
	assert.ErrorIs(t, err, types.ErrExecutionNotFound)
}

func TestStartValidation(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register(threeSteps(types.RetryPolicy{})))
	started := make(chan string, 10)
	h.engine.RegisterActivity("A", blocking(started, make(chan struct{})))

	_, err := h.engine.Start(context.Background(), "", nil, types.StartOptions{})
	assert.True(t, types.IsValidationError(err))

	_, err = h.engine.Start(context.Background(), "unknown", nil, types.StartOptions{})
	assert.True(t, types.IsValidationError(err))
	assert.ErrorIs(t, err, types.ErrDefinitionNotFound)

	_, err = h.engine.Start(context.Background(), "abc", nil, types.StartOptions{WorkflowID: "dup"})
	require.NoError(t, err)
	<-started
	_, err = h.engine.Start(context.Background(), "abc", nil, types.StartOptions{WorkflowID: "dup"})
	assert.ErrorIs(t, err, types.ErrAlreadyStarted)
	assert.True(t, types.IsValidationError(err))
}

func TestRestartAfterTerminalCreatesNewRun(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register(threeSteps(types.RetryPolicy{})))

	first, err := h.engine.Start(context.Background(), "abc", nil, types.StartOptions{WorkflowID: "nightly"})
	require.NoError(t, err)
	waitFor(t, h, "nightly")

	second, err := h.engine.Start(context.Background(), "abc", nil, types.StartOptions{WorkflowID: "nightly"})
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)
	final := waitFor(t, h, "nightly")
	assert.Equal(t, second.RunID, final.RunID)
}

func TestGetReturnsLiveRunAfterRestartInSameInstant(t *testing.T) {
	fake := clock.NewFake(epoch)
	h := newHarness(t, WithClock(fake))
	require.NoError(t, h.registry.Register(threeSteps(types.RetryPolicy{MaximumAttempts: 1})))

	first, err := h.engine.Start(context.Background(), "abc", nil, types.StartOptions{WorkflowID: "nightly"})
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowStateCompleted, waitFor(t, h, "nightly").State)

	started := make(chan string, 1)
	release := make(chan struct{})
	defer close(release)
	h.engine.RegisterActivity("A", blocking(started, release))

	second, err := h.engine.Start(context.Background(), "abc", nil, types.StartOptions{WorkflowID: "nightly"})
	require.NoError(t, err)
	<-started
	require.Equal(t, first.StartedAt, second.StartedAt)

	got, err := h.engine.Get("nightly")
	require.NoError(t, err)
	assert.Equal(t, second.RunID, got.RunID)
	assert.Equal(t, types.WorkflowStateRunning, got.State)
}

func TestActivityReturningCanceledIsRetried(t *testing.T) {
	fake := clock.NewFake(epoch)
	fake.SetAutoAdvance(true)
	h := newHarness(t, WithClock(fake))
	require.NoError(t, h.registry.Register(types.WorkflowDefinition{
		ID:          "sync",
		RetryPolicy: types.RetryPolicy{MaximumAttempts: 3, InitialInterval: time.Second},
		Activities:  []types.ActivityDefinition{{Name: "X"}},
	}))
	calls := 0
	h.engine.RegisterActivity("X", func(ActivityContext, ActivityRequest) (any, error) {
		calls++
		if calls < 3 {
			return nil, context.Canceled
		}
		return "ok", nil
	})

	exec, err := h.engine.Start(context.Background(), "sync", nil, types.StartOptions{})
	require.NoError(t, err)
	final := waitFor(t, h, exec.WorkflowID)

	assert.Equal(t, types.WorkflowStateCompleted, final.State)
	require.Len(t, final.ActivityHistory, 1)
	x := final.ActivityHistory[0]
	assert.Equal(t, 3, x.Attempt)
	require.Len(t, x.Attempts, 3)
	assert.Contains(t, x.Attempts[0].Error, "activity X")
	assert.Contains(t, x.Attempts[0].Error, "context canceled")
}

func TestHeartbeatDetailsAreRecorded(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register(types.WorkflowDefinition{
		ID:         "etl",
		Activities: []types.ActivityDefinition{{Name: "load", HeartbeatTimeout: time.Minute}},
	}))
	h.engine.RegisterActivity("load", func(ctx ActivityContext, req ActivityRequest) (any, error) {
		ctx.Heartbeat("50%")
		ctx.Heartbeat("100%")
		return "loaded", nil
	})

	exec, err := h.engine.Start(context.Background(), "etl", nil, types.StartOptions{})
	require.NoError(t, err)
	final := waitFor(t, h, exec.WorkflowID)
	assert.Equal(t, types.WorkflowStateCompleted, final.State)
	assert.Equal(t, "100%", final.ActivityHistory[0].HeartbeatDetails)
}

func TestListAndStats(t *testing.T) {
	fake := clock.NewFake(epoch)
	fake.SetAutoAdvance(true)
	h := newHarness(t, WithClock(fake))
	require.NoError(t, h.registry.Register(threeSteps(types.RetryPolicy{MaximumAttempts: 1})))
	require.NoError(t, h.registry.Register(types.WorkflowDefinition{
		ID:         "broken",
		Activities: []types.ActivityDefinition{{Name: "explode", RetryPolicy: &types.RetryPolicy{MaximumAttempts: 1}}},
	}))
	h.engine.RegisterActivity("explode", func(ActivityContext, ActivityRequest) (any, error) {
		panic("kaboom")
	})

	for i := 0; i < 3; i++ {
		exec, err := h.engine.Start(context.Background(), "abc", nil, types.StartOptions{})
		require.NoError(t, err)
		waitFor(t, h, exec.WorkflowID)
		fake.Advance(time.Second)
	}
	broken, err := h.engine.Start(context.Background(), "broken", nil, types.StartOptions{})
	require.NoError(t, err)
	failed := waitFor(t, h, broken.WorkflowID)
	assert.Equal(t, types.WorkflowStateFailed, failed.State)
	assert.Contains(t, failed.Error, "Panic")

	completed := types.WorkflowStateCompleted
	list, err := h.engine.List(types.ListFilter{State: &completed, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, list.Total)
	require.Len(t, list.Executions, 2)
	assert.True(t, list.Executions[0].StartedAt.After(list.Executions[1].StartedAt))

	stats, err := h.engine.Stats()
	require.NoError(t, err)
	assert.Equal(t, types.Stats{Started: 4, Completed: 3, Failed: 1, SuccessRate: 0.75}, stats)

	active, err := h.engine.ActiveCount()
	require.NoError(t, err)
	assert.Zero(t, active)
}

func TestCloseTerminatesLiveExecutions(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register(threeSteps(types.RetryPolicy{})))
	started := make(chan string, 10)
	h.engine.RegisterActivity("A", blocking(started, make(chan struct{})))

	exec, err := h.engine.Start(context.Background(), "abc", nil, types.StartOptions{})
	require.NoError(t, err)
	<-started

	require.NoError(t, h.engine.Close())
	final, err := h.engine.Get(exec.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowStateTerminated, final.State)
	assert.Len(t, h.events.For(exec.WorkflowID), 1)

	_, err = h.engine.Start(context.Background(), "abc", nil, types.StartOptions{})
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestPublishFailureDoesNotAffectState(t *testing.T) {
	h := newHarness(t, WithPublisher(events.PublisherFunc(func(context.Context, events.TerminalEvent) error {
		return errors.New("bus down")
	})))
	require.NoError(t, h.registry.Register(threeSteps(types.RetryPolicy{})))

	exec, err := h.engine.Start(context.Background(), "abc", nil, types.StartOptions{})
	require.NoError(t, err)
	final := waitFor(t, h, exec.WorkflowID)
	assert.Equal(t, types.WorkflowStateCompleted, final.State)
}
