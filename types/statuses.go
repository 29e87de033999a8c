package types

import (
	"fmt"
	"strings"
)

// WorkflowState is the lifecycle state of a workflow execution.
type WorkflowState int

const (
	WorkflowStateRunning WorkflowState = iota
	WorkflowStatePaused
	WorkflowStateCompleted
	WorkflowStateFailed
	WorkflowStateCancelled
	WorkflowStateTerminated
	WorkflowStateTimedOut
	// Reserved, never produced by the embedded engine.
	WorkflowStateContinuedAsNew
)

func WorkflowStateValues() []WorkflowState {
	return []WorkflowState{
		WorkflowStateRunning,
		WorkflowStatePaused,
		WorkflowStateCompleted,
		WorkflowStateFailed,
		WorkflowStateCancelled,
		WorkflowStateTerminated,
		WorkflowStateTimedOut,
		WorkflowStateContinuedAsNew,
	}
}

func (s WorkflowState) String() string {
	switch s {
	case WorkflowStateRunning:
		return "RUNNING"
	case WorkflowStatePaused:
		return "PAUSED"
	case WorkflowStateCompleted:
		return "COMPLETED"
	case WorkflowStateFailed:
		return "FAILED"
	case WorkflowStateCancelled:
		return "CANCELLED"
	case WorkflowStateTerminated:
		return "TERMINATED"
	case WorkflowStateTimedOut:
		return "TIMED_OUT"
	case WorkflowStateContinuedAsNew:
		return "CONTINUED_AS_NEW"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether no further transition is possible.
func (s WorkflowState) IsTerminal() bool {
	switch s {
	case WorkflowStateRunning, WorkflowStatePaused:
		return false
	case WorkflowStateCompleted,
		WorkflowStateFailed,
		WorkflowStateCancelled,
		WorkflowStateTerminated,
		WorkflowStateTimedOut,
		WorkflowStateContinuedAsNew:
		return true
	default:
		return true
	}
}

func ParseWorkflowState(value string) (WorkflowState, error) {
	normalized := strings.ToUpper(strings.TrimSpace(value))
	for _, s := range WorkflowStateValues() {
		if s.String() == normalized {
			return s, nil
		}
	}
	return WorkflowStateRunning, fmt.Errorf("unknown workflow state %q", value)
}

func (s WorkflowState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *WorkflowState) UnmarshalText(text []byte) error {
	parsed, err := ParseWorkflowState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ActivityState is the lifecycle state of one activity within a workflow.
type ActivityState int

const (
	ActivityStateScheduled ActivityState = iota
	ActivityStateStarted
	ActivityStateCompleted
	ActivityStateFailed
)

func ActivityStateValues() []ActivityState {
	return []ActivityState{
		ActivityStateScheduled,
		ActivityStateStarted,
		ActivityStateCompleted,
		ActivityStateFailed,
	}
}

func (s ActivityState) String() string {
	switch s {
	case ActivityStateScheduled:
		return "SCHEDULED"
	case ActivityStateStarted:
		return "STARTED"
	case ActivityStateCompleted:
		return "COMPLETED"
	case ActivityStateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// CanTransitionTo validates SCHEDULED -> STARTED -> {COMPLETED | FAILED},
// plus FAILED -> SCHEDULED when an attempt is retried.
func (s ActivityState) CanTransitionTo(next ActivityState) bool {
	switch s {
	case ActivityStateScheduled:
		return next == ActivityStateStarted || next == ActivityStateFailed
	case ActivityStateStarted:
		return next == ActivityStateCompleted || next == ActivityStateFailed
	case ActivityStateFailed:
		return next == ActivityStateScheduled
	case ActivityStateCompleted:
		return false
	default:
		return false
	}
}

func ParseActivityState(value string) (ActivityState, error) {
	normalized := strings.ToUpper(strings.TrimSpace(value))
	for _, s := range ActivityStateValues() {
		if s.String() == normalized {
			return s, nil
		}
	}
	return ActivityStateScheduled, fmt.Errorf("unknown activity state %q", value)
}

func (s ActivityState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ActivityState) UnmarshalText(text []byte) error {
	parsed, err := ParseActivityState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Mode tells which side owns an execution.
type Mode string

const (
	ModeEmbedded Mode = "embedded"
	ModeRemote   Mode = "remote"
)
