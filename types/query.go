package types

import "time"

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// StartOptions are caller-supplied parameters of StartWorkflow.
type StartOptions struct {
	WorkflowID       string
	TaskQueue        string
	ExecutionTimeout time.Duration
	SearchAttributes map[string]any
	Memo             map[string]any
}

type ListFilter struct {
	WorkflowType string
	State        *WorkflowState
	StartedAfter time.Time
	// StartedBefore is exclusive.
	StartedBefore time.Time
	PageSize      int
	Offset        int
}

func (f ListFilter) Limit() int {
	switch {
	case f.PageSize <= 0:
		return DefaultPageSize
	case f.PageSize > MaxPageSize:
		return MaxPageSize
	default:
		return f.PageSize
	}
}

func (f ListFilter) Matches(w WorkflowExecution) bool {
	if f.WorkflowType != "" && w.WorkflowType != f.WorkflowType {
		return false
	}
	if f.State != nil && w.State != *f.State {
		return false
	}
	if !f.StartedAfter.IsZero() && w.StartedAt.Before(f.StartedAfter) {
		return false
	}
	if !f.StartedBefore.IsZero() && !w.StartedAt.Before(f.StartedBefore) {
		return false
	}
	return true
}

type ListResult struct {
	Executions []WorkflowExecution `json:"executions"`
	Total      int                 `json:"total"`
}

type Health struct {
	Mode                Mode `json:"mode"`
	Connected           bool `json:"connected"`
	ActiveWorkflowCount int  `json:"activeWorkflowCount"`
}

type Stats struct {
	Started   int `json:"started"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	// SuccessRate is completed over finished executions, in [0,1].
	SuccessRate float64 `json:"successRate"`
}
