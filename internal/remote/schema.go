package remote

import (
	"errors"
	"fmt"
	"time"

	"github.com/davidroman0O/flowgate/types"
)

// Wire shapes of the remote cluster. Decoding rejects unknown fields; the
// conversion functions below validate required fields and spell out the
// default of every optional one.

type wireExecution struct {
	WorkflowID       string         `json:"workflowId"`
	RunID            string         `json:"runId"`
	WorkflowType     string         `json:"workflowType"`
	TaskQueue        string         `json:"taskQueue,omitempty"`
	State            string         `json:"state"`
	StartedAt        *time.Time     `json:"startedAt,omitempty"`
	CompletedAt      *time.Time     `json:"completedAt,omitempty"`
	Input            any            `json:"input,omitempty"`
	Output           any            `json:"output,omitempty"`
	Error            string         `json:"error,omitempty"`
	ActivityHistory  []wireActivity `json:"activityHistory,omitempty"`
	PendingSignals   []wireSignal   `json:"pendingSignals,omitempty"`
	SearchAttributes map[string]any `json:"searchAttributes,omitempty"`
	Memo             map[string]any `json:"memo,omitempty"`
}

type wireActivity struct {
	ActivityID       string     `json:"activityId,omitempty"`
	ActivityType     string     `json:"activityType"`
	State            string     `json:"state"`
	Attempt          int        `json:"attempt,omitempty"`
	ScheduledAt      *time.Time `json:"scheduledAt,omitempty"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	Input            any        `json:"input,omitempty"`
	Output           any        `json:"output,omitempty"`
	Error            string     `json:"error,omitempty"`
	HeartbeatDetails any        `json:"heartbeatDetails,omitempty"`
}

type wireSignal struct {
	Name       string     `json:"name"`
	Payload    any        `json:"payload,omitempty"`
	ReceivedAt *time.Time `json:"receivedAt,omitempty"`
}

type wireDelivery struct {
	Delivered *bool `json:"delivered"`
}

type wireHealth struct {
	Healthy *bool  `json:"healthy"`
	Version string `json:"version,omitempty"`
}

type wireStartRequest struct {
	WorkflowType       string         `json:"workflowType"`
	WorkflowID         string         `json:"workflowId,omitempty"`
	TaskQueue          string         `json:"taskQueue,omitempty"`
	Input              any            `json:"input,omitempty"`
	ExecutionTimeoutMs int64          `json:"executionTimeoutMs,omitempty"`
	SearchAttributes   map[string]any `json:"searchAttributes,omitempty"`
	Memo               map[string]any `json:"memo,omitempty"`
}

type wireSignalRequest struct {
	SignalName string `json:"signalName"`
	Payload    any    `json:"payload,omitempty"`
}

type wireReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

func schemaError(format string, args ...any) error {
	return errors.Join(types.ErrInvalidRemoteSchema, fmt.Errorf(format, args...))
}

func required(field, value string) error {
	if value == "" {
		return schemaError("missing required field %q", field)
	}
	return nil
}

// toExecution converts a remote record. now stamps a missing startedAt.
func (w wireExecution) toExecution(now time.Time) (types.WorkflowExecution, error) {
	for _, f := range [][2]string{
		{"workflowId", w.WorkflowID},
		{"runId", w.RunID},
		{"workflowType", w.WorkflowType},
		{"state", w.State},
	} {
		if err := required(f[0], f[1]); err != nil {
			return types.WorkflowExecution{}, err
		}
	}
	state, err := types.ParseWorkflowState(w.State)
	if err != nil {
		return types.WorkflowExecution{}, schemaError("workflow %s: %w", w.WorkflowID, err)
	}
	if state.IsTerminal() && w.CompletedAt == nil {
		return types.WorkflowExecution{}, schemaError("workflow %s is %s without completedAt", w.WorkflowID, state)
	}

	startedAt := now
	if w.StartedAt != nil {
		startedAt = *w.StartedAt
	}

	exec := types.WorkflowExecution{
		WorkflowID:       w.WorkflowID,
		RunID:            w.RunID,
		WorkflowType:     w.WorkflowType,
		TaskQueue:        w.TaskQueue,
		State:            state,
		StartedAt:        startedAt,
		CompletedAt:      w.CompletedAt,
		Input:            w.Input,
		Output:           w.Output,
		Error:            w.Error,
		ActivityHistory:  make([]types.ActivityExecution, 0, len(w.ActivityHistory)),
		SearchAttributes: w.SearchAttributes,
		Memo:             w.Memo,
		Mode:             types.ModeRemote,
	}
	for idx, wa := range w.ActivityHistory {
		a, err := wa.toActivity(w.WorkflowID, startedAt)
		if err != nil {
			return types.WorkflowExecution{}, fmt.Errorf("activityHistory[%d]: %w", idx, err)
		}
		exec.ActivityHistory = append(exec.ActivityHistory, a)
	}
	for idx, ws := range w.PendingSignals {
		if err := required("name", ws.Name); err != nil {
			return types.WorkflowExecution{}, fmt.Errorf("pendingSignals[%d]: %w", idx, err)
		}
		receivedAt := startedAt
		if ws.ReceivedAt != nil {
			receivedAt = *ws.ReceivedAt
		}
		exec.PendingSignals = append(exec.PendingSignals, types.Signal{
			Name:       ws.Name,
			Payload:    ws.Payload,
			ReceivedAt: receivedAt,
		})
	}
	return exec, nil
}

func (w wireActivity) toActivity(workflowID string, scheduledDefault time.Time) (types.ActivityExecution, error) {
	if err := required("activityType", w.ActivityType); err != nil {
		return types.ActivityExecution{}, err
	}
	if err := required("state", w.State); err != nil {
		return types.ActivityExecution{}, err
	}
	state, err := types.ParseActivityState(w.State)
	if err != nil {
		return types.ActivityExecution{}, schemaError("activity %s: %w", w.ActivityType, err)
	}
	if w.Attempt < 0 {
		return types.ActivityExecution{}, schemaError("activity %s: negative attempt %d", w.ActivityType, w.Attempt)
	}

	a := types.ActivityExecution{
		ActivityID:       w.ActivityID,
		ActivityType:     w.ActivityType,
		State:            state,
		Attempt:          w.Attempt,
		ScheduledAt:      scheduledDefault,
		StartedAt:        w.StartedAt,
		CompletedAt:      w.CompletedAt,
		Input:            w.Input,
		Output:           w.Output,
		Error:            w.Error,
		HeartbeatDetails: w.HeartbeatDetails,
	}
	if a.ActivityID == "" {
		a.ActivityID = types.ActivityID(workflowID, w.ActivityType)
	}
	if a.Attempt == 0 {
		a.Attempt = 1
	}
	if w.ScheduledAt != nil {
		a.ScheduledAt = *w.ScheduledAt
	}
	return a, nil
}

func (w wireDelivery) delivered() (bool, error) {
	if w.Delivered == nil {
		return false, schemaError("missing required field %q", "delivered")
	}
	return *w.Delivered, nil
}
