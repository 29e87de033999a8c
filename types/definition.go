package types

import (
	"fmt"
	"time"
)

// RetryPolicy and backoff configuration of activities.
type RetryPolicy struct {
	InitialInterval    time.Duration `json:"initialInterval" yaml:"initial_interval"`
	BackoffCoefficient float64       `json:"backoffCoefficient" yaml:"backoff_coefficient"`
	MaximumInterval    time.Duration `json:"maximumInterval" yaml:"maximum_interval"`
	MaximumAttempts    int           `json:"maximumAttempts" yaml:"maximum_attempts"`
	NonRetryableErrors []string      `json:"nonRetryableErrors,omitempty" yaml:"non_retryable_errors"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    100 * time.Second,
		MaximumAttempts:    3,
	}
}

func (p RetryPolicy) IsZero() bool {
	return p.InitialInterval == 0 &&
		p.BackoffCoefficient == 0 &&
		p.MaximumInterval == 0 &&
		p.MaximumAttempts == 0 &&
		len(p.NonRetryableErrors) == 0
}

func (p RetryPolicy) Clone() RetryPolicy {
	c := p
	if p.NonRetryableErrors != nil {
		c.NonRetryableErrors = append([]string(nil), p.NonRetryableErrors...)
	}
	return c
}

// ActivityDefinition describes one step of a workflow definition.
type ActivityDefinition struct {
	Name                   string        `json:"name" yaml:"name"`
	StartToCloseTimeout    time.Duration `json:"startToCloseTimeout" yaml:"start_to_close_timeout"`
	ScheduleToStartTimeout time.Duration `json:"scheduleToStartTimeout,omitempty" yaml:"schedule_to_start_timeout"`
	HeartbeatTimeout       time.Duration `json:"heartbeatTimeout,omitempty" yaml:"heartbeat_timeout"`
	RetryPolicy            *RetryPolicy  `json:"retryPolicy,omitempty" yaml:"retry_policy"`
	// Compensation marks a rollback activity; it is never scheduled on the forward path.
	Compensation bool `json:"compensation,omitempty" yaml:"compensation"`
}

func (a ActivityDefinition) Clone() ActivityDefinition {
	c := a
	if a.RetryPolicy != nil {
		rp := a.RetryPolicy.Clone()
		c.RetryPolicy = &rp
	}
	return c
}

// WorkflowDefinition is an immutable process template.
type WorkflowDefinition struct {
	ID               string               `json:"id" yaml:"id"`
	Name             string               `json:"name" yaml:"name"`
	TaskQueue        string               `json:"taskQueue" yaml:"task_queue"`
	ExecutionTimeout time.Duration        `json:"executionTimeout" yaml:"execution_timeout"`
	ActivityTimeout  time.Duration        `json:"activityTimeout" yaml:"activity_timeout"`
	RetryPolicy      RetryPolicy          `json:"retryPolicy" yaml:"retry_policy"`
	CronSchedule     string               `json:"cronSchedule,omitempty" yaml:"cron_schedule"`
	Activities       []ActivityDefinition `json:"activities" yaml:"activities"`
	Signals          []string             `json:"signals,omitempty" yaml:"signals"`
	Queries          []string             `json:"queries,omitempty" yaml:"queries"`
}

func (d WorkflowDefinition) Validate() error {
	if d.ID == "" {
		return NewValidationError("id", "workflow definition id is required")
	}
	if len(d.Activities) == 0 {
		return NewValidationError("activities", fmt.Sprintf("workflow definition %q needs at least one activity", d.ID))
	}
	seen := make(map[string]struct{}, len(d.Activities))
	for idx, a := range d.Activities {
		if a.Name == "" {
			return NewValidationError("activities", fmt.Sprintf("activity at index %d of %q has no name", idx, d.ID))
		}
		if _, ok := seen[a.Name]; ok {
			return NewValidationError("activities", fmt.Sprintf("activity %q is declared twice in %q", a.Name, d.ID))
		}
		seen[a.Name] = struct{}{}
	}
	if d.RetryPolicy.MaximumAttempts < 0 {
		return NewValidationError("retryPolicy.maximumAttempts", "must not be negative")
	}
	return nil
}

// ForwardActivities returns the activities scheduled on the forward path, in order.
func (d WorkflowDefinition) ForwardActivities() []ActivityDefinition {
	forward := make([]ActivityDefinition, 0, len(d.Activities))
	for _, a := range d.Activities {
		if a.Compensation {
			continue
		}
		forward = append(forward, a)
	}
	return forward
}

func (d WorkflowDefinition) AllowsSignal(name string) bool {
	if len(d.Signals) == 0 {
		return true
	}
	for _, s := range d.Signals {
		if s == name {
			return true
		}
	}
	return false
}

func (d WorkflowDefinition) Clone() WorkflowDefinition {
	c := d
	c.RetryPolicy = d.RetryPolicy.Clone()
	if d.Activities != nil {
		c.Activities = make([]ActivityDefinition, len(d.Activities))
		for i, a := range d.Activities {
			c.Activities[i] = a.Clone()
		}
	}
	if d.Signals != nil {
		c.Signals = append([]string(nil), d.Signals...)
	}
	if d.Queries != nil {
		c.Queries = append([]string(nil), d.Queries...)
	}
	return c
}
