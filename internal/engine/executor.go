package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/davidroman0O/flowgate/internal/clock"
	"github.com/davidroman0O/flowgate/types"
)

// ActivityFunc is the code behind one activity name.
type ActivityFunc func(ctx ActivityContext, req ActivityRequest) (any, error)

// ActivityRequest is what an activity attempt receives.
type ActivityRequest struct {
	WorkflowID   string
	RunID        string
	WorkflowType string
	ActivityName string
	Attempt      int
	// Input is the workflow input.
	Input any
	// Results holds the outputs of the activities that already completed.
	Results map[string]any
}

// ActivityContext is cancelled when the attempt is abandoned: the workflow
// was cancelled or terminated, or the attempt timed out.
type ActivityContext interface {
	context.Context
	// Heartbeat records progress details and resets the heartbeat timer.
	Heartbeat(details any)
	Info() ActivityRequest
	// Signals drains the domain signals delivered to the workflow so far.
	Signals() []types.Signal
}

type activityContext struct {
	context.Context
	req       ActivityRequest
	heartbeat func(details any)
	signals   func() []types.Signal
}

func (c *activityContext) Heartbeat(details any) {
	if c.heartbeat != nil {
		c.heartbeat(details)
	}
}

func (c *activityContext) Info() ActivityRequest {
	return c.req
}

func (c *activityContext) Signals() []types.Signal {
	if c.signals == nil {
		return nil
	}
	return c.signals()
}

// attempt is a single activity attempt handed to the executor.
type attempt struct {
	fn               ActivityFunc
	req              ActivityRequest
	timeout          time.Duration
	heartbeatTimeout time.Duration
	onHeartbeat      func(details any)
	signals          func() []types.Signal
}

// executor runs one activity attempt, racing it against its timers.
type executor struct {
	clock clock.Clock
}

type outcome struct {
	output any
	err    error
}

func (x executor) execute(ctx context.Context, a attempt) (any, error) {
	if a.fn == nil {
		return nil, nil
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	beats := make(chan struct{}, 1)
	actx := &activityContext{
		Context: attemptCtx,
		req:     a.req,
		signals: a.signals,
		heartbeat: func(details any) {
			if a.onHeartbeat != nil {
				a.onHeartbeat(details)
			}
			select {
			case beats <- struct{}{}:
			default:
			}
		},
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &types.ActivityApplicationError{
					Activity: a.req.ActivityName,
					Kind:     types.ErrorTypePanic,
					Message:  fmt.Sprint(r),
				}}
			}
		}()
		out, err := a.fn(actx, a.req)
		done <- outcome{output: out, err: err}
	}()

	var deadline, heartbeat <-chan time.Time
	if a.timeout > 0 {
		deadline = x.clock.After(a.timeout)
	}
	if a.heartbeatTimeout > 0 {
		heartbeat = x.clock.After(a.heartbeatTimeout)
	}

	for {
		select {
		case o := <-done:
			if o.err != nil {
				return nil, activityError(ctx, a.req.ActivityName, o.err)
			}
			return o.output, nil
		case <-deadline:
			return nil, &types.ActivityTimeoutError{
				Activity: a.req.ActivityName,
				Attempt:  a.req.Attempt,
				Timeout:  a.timeout,
			}
		case <-heartbeat:
			return nil, &types.ActivityTimeoutError{
				Activity:  a.req.ActivityName,
				Attempt:   a.req.Attempt,
				Timeout:   a.heartbeatTimeout,
				Heartbeat: true,
			}
		case <-beats:
			if a.heartbeatTimeout > 0 {
				heartbeat = x.clock.After(a.heartbeatTimeout)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// activityError gives every failure a type usable by the retry policy.
// context.Canceled only means cancellation when ctx itself is done; returned
// from activity logic it is an ordinary application error.
func activityError(ctx context.Context, activity string, err error) error {
	var app *types.ActivityApplicationError
	if errors.As(err, &app) {
		if app.Activity != "" {
			return err
		}
		named := *app
		named.Activity = activity
		return &named
	}
	var timeout *types.ActivityTimeoutError
	if errors.As(err, &timeout) || (ctx.Err() != nil && errors.Is(err, context.Canceled)) {
		return err
	}
	return &types.ActivityApplicationError{
		Activity: activity,
		Message:  err.Error(),
		Cause:    err,
	}
}
