package types

import (
	"maps"
	"time"
)

// Signal is a named instruction delivered to a workflow execution.
type Signal struct {
	Name       string    `json:"name"`
	Payload    any       `json:"payload,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// AttemptRecord keeps the trace of a single activity attempt.
type AttemptRecord struct {
	Attempt     int        `json:"attempt"`
	ScheduledAt time.Time  `json:"scheduledAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

type ActivityExecution struct {
	ActivityID       string          `json:"activityId"`
	ActivityType     string          `json:"activityType"`
	State            ActivityState   `json:"state"`
	Attempt          int             `json:"attempt"`
	ScheduledAt      time.Time       `json:"scheduledAt"`
	StartedAt        *time.Time      `json:"startedAt,omitempty"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
	Input            any             `json:"input,omitempty"`
	Output           any             `json:"output,omitempty"`
	Error            string          `json:"error,omitempty"`
	HeartbeatDetails any             `json:"heartbeatDetails,omitempty"`
	Attempts         []AttemptRecord `json:"attempts,omitempty"`
}

func ActivityID(workflowID, activityName string) string {
	return workflowID + "/" + activityName
}

func (a ActivityExecution) Clone() ActivityExecution {
	c := a
	c.StartedAt = cloneTime(a.StartedAt)
	c.CompletedAt = cloneTime(a.CompletedAt)
	if a.Attempts != nil {
		c.Attempts = make([]AttemptRecord, len(a.Attempts))
		for i, r := range a.Attempts {
			r.StartedAt = cloneTime(r.StartedAt)
			r.CompletedAt = cloneTime(r.CompletedAt)
			c.Attempts[i] = r
		}
	}
	return c
}

// WorkflowExecution is one run of a registered definition. Input, Output and
// payloads are opaque values and are shared, not copied, by Clone.
type WorkflowExecution struct {
	WorkflowID       string              `json:"workflowId"`
	RunID            string              `json:"runId"`
	WorkflowType     string              `json:"workflowType"`
	TaskQueue        string              `json:"taskQueue,omitempty"`
	State            WorkflowState       `json:"state"`
	StartedAt        time.Time           `json:"startedAt"`
	CompletedAt      *time.Time          `json:"completedAt,omitempty"`
	Input            any                 `json:"input,omitempty"`
	Output           any                 `json:"output,omitempty"`
	Error            string              `json:"error,omitempty"`
	ActivityHistory  []ActivityExecution `json:"activityHistory"`
	PendingSignals   []Signal            `json:"pendingSignals,omitempty"`
	SearchAttributes map[string]any      `json:"searchAttributes,omitempty"`
	Memo             map[string]any      `json:"memo,omitempty"`
	Mode             Mode                `json:"mode"`
}

func (w WorkflowExecution) Clone() WorkflowExecution {
	c := w
	c.CompletedAt = cloneTime(w.CompletedAt)
	if w.ActivityHistory != nil {
		c.ActivityHistory = make([]ActivityExecution, len(w.ActivityHistory))
		for i, a := range w.ActivityHistory {
			c.ActivityHistory[i] = a.Clone()
		}
	}
	if w.PendingSignals != nil {
		c.PendingSignals = append([]Signal(nil), w.PendingSignals...)
	}
	if w.SearchAttributes != nil {
		c.SearchAttributes = maps.Clone(w.SearchAttributes)
	}
	if w.Memo != nil {
		c.Memo = maps.Clone(w.Memo)
	}
	return c
}

func (w WorkflowExecution) IsTerminal() bool {
	return w.State.IsTerminal()
}

// Duration is the elapsed time of a terminal execution, zero otherwise.
func (w WorkflowExecution) Duration() time.Duration {
	if w.CompletedAt == nil {
		return 0
	}
	return w.CompletedAt.Sub(w.StartedAt)
}

// Activity returns the latest record of the named activity.
func (w WorkflowExecution) Activity(name string) (ActivityExecution, bool) {
	for i := len(w.ActivityHistory) - 1; i >= 0; i-- {
		if w.ActivityHistory[i].ActivityType == name {
			return w.ActivityHistory[i], true
		}
	}
	return ActivityExecution{}, false
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
