package events

import (
	"context"
	"errors"
	"time"

	"github.com/davidroman0O/flowgate/internal/logs"
	"github.com/davidroman0O/flowgate/types"
	"github.com/sasha-s/go-deadlock"
)

// TerminalEvent is published once per execution when it reaches a terminal
// state.
type TerminalEvent struct {
	WorkflowID   string              `json:"workflowId"`
	RunID        string              `json:"runId"`
	WorkflowType string              `json:"workflowType"`
	State        types.WorkflowState `json:"state"`
	DurationMs   int64               `json:"durationMs"`
	Error        string              `json:"error,omitempty"`
	Mode         types.Mode          `json:"mode"`
	At           time.Time           `json:"at"`
}

func FromExecution(exec types.WorkflowExecution) TerminalEvent {
	at := exec.StartedAt
	if exec.CompletedAt != nil {
		at = *exec.CompletedAt
	}
	return TerminalEvent{
		WorkflowID:   exec.WorkflowID,
		RunID:        exec.RunID,
		WorkflowType: exec.WorkflowType,
		State:        exec.State,
		DurationMs:   exec.Duration().Milliseconds(),
		Error:        exec.Error,
		Mode:         exec.Mode,
		At:           at,
	}
}

// Publisher receives terminal lifecycle notifications. Implementations are
// best-effort: a failed publish never changes the state of an execution.
type Publisher interface {
	Publish(ctx context.Context, evt TerminalEvent) error
}

type PublisherFunc func(ctx context.Context, evt TerminalEvent) error

func (f PublisherFunc) Publish(ctx context.Context, evt TerminalEvent) error {
	return f(ctx, evt)
}

type nopPublisher struct{}

func Nop() Publisher {
	return nopPublisher{}
}

func (nopPublisher) Publish(context.Context, TerminalEvent) error {
	return nil
}

// LogPublisher writes every event to a logger.
type LogPublisher struct {
	logger logs.Logger
}

func NewLogPublisher(logger logs.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, evt TerminalEvent) error {
	p.logger.Info(ctx, "workflow finished",
		"workflow.id", evt.WorkflowID,
		"workflow.run_id", evt.RunID,
		"workflow.type", evt.WorkflowType,
		"workflow.state", evt.State.String(),
		"workflow.mode", string(evt.Mode),
		"duration_ms", evt.DurationMs,
		"error", evt.Error)
	return nil
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     deadlock.Mutex
	events []TerminalEvent
	notify chan struct{}
}

func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

func (r *Recorder) Publish(_ context.Context, evt TerminalEvent) error {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

func (r *Recorder) Events() []TerminalEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TerminalEvent(nil), r.events...)
}

// For returns the events recorded for workflowID.
func (r *Recorder) For(workflowID string) []TerminalEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []TerminalEvent
	for _, evt := range r.events {
		if evt.WorkflowID == workflowID {
			out = append(out, evt)
		}
	}
	return out
}

// WaitFor blocks until n events were recorded or ctx is done.
func (r *Recorder) WaitFor(ctx context.Context, n int) error {
	for {
		r.mu.Lock()
		got := len(r.events)
		r.mu.Unlock()
		if got >= n {
			return nil
		}
		select {
		case <-r.notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Multi fans an event out to several publishers. Every publisher is called
// even when an earlier one fails.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, evt TerminalEvent) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
