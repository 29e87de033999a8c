package types

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrExecutionNotFound   = errors.New("workflow execution not found")
	ErrDefinitionNotFound  = errors.New("workflow definition not found")
	ErrTerminalState       = errors.New("workflow execution is in a terminal state")
	ErrAlreadyStarted      = errors.New("workflow execution already running")
	ErrRemoteUnavailable   = errors.New("remote cluster unavailable")
	ErrInvalidRemoteSchema = errors.New("invalid remote response")
)

// Error identifiers used by NonRetryableErrors.
const (
	ErrorTypeApplication = "ApplicationError"
	ErrorTypeTimeout     = "Timeout"
	ErrorTypeHeartbeat   = "HeartbeatTimeout"
	ErrorTypePanic       = "Panic"
	ErrorTypeCancelled   = "Cancelled"
)

// ValidationError rejects malformed definitions or start parameters.
type ValidationError struct {
	Field   string
	Message string
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// ActivityTimeoutError is produced when an attempt's timer fires first.
type ActivityTimeoutError struct {
	Activity string
	Attempt  int
	Timeout  time.Duration
	// Heartbeat is true when the heartbeat timer fired instead of start-to-close.
	Heartbeat bool
}

func (e *ActivityTimeoutError) Error() string {
	kind := "start-to-close"
	if e.Heartbeat {
		kind = "heartbeat"
	}
	return fmt.Sprintf("activity %s attempt %d: %s timeout after %s", e.Activity, e.Attempt, kind, e.Timeout)
}

func (e *ActivityTimeoutError) Type() string {
	if e.Heartbeat {
		return ErrorTypeHeartbeat
	}
	return ErrorTypeTimeout
}

// ActivityApplicationError is raised by activity logic. Type is the identifier
// matched against RetryPolicy.NonRetryableErrors.
type ActivityApplicationError struct {
	Activity string
	Kind     string
	Message  string
	Cause    error
}

func NewApplicationError(kind, message string) *ActivityApplicationError {
	return &ActivityApplicationError{Kind: kind, Message: message}
}

func (e *ActivityApplicationError) Error() string {
	if e.Activity == "" {
		return fmt.Sprintf("%s: %s", e.Type(), e.Message)
	}
	return fmt.Sprintf("activity %s: %s: %s", e.Activity, e.Type(), e.Message)
}

func (e *ActivityApplicationError) Type() string {
	if e.Kind == "" {
		return ErrorTypeApplication
	}
	return e.Kind
}

func (e *ActivityApplicationError) Unwrap() error {
	return e.Cause
}

// RemoteUnavailableError is consumed by the gateway and never surfaced.
type RemoteUnavailableError struct {
	Op    string
	Cause error
}

func (e *RemoteUnavailableError) Error() string {
	return fmt.Sprintf("remote %s: %v", e.Op, e.Cause)
}

func (e *RemoteUnavailableError) Unwrap() []error {
	return []error{ErrRemoteUnavailable, e.Cause}
}

// ErrorType returns the identifier of err used for retry decisions.
func ErrorType(err error) string {
	if err == nil {
		return ""
	}
	var typed interface{ Type() string }
	if errors.As(err, &typed) {
		return typed.Type()
	}
	if errors.Is(err, context.Canceled) {
		return ErrorTypeCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}
	return ErrorTypeApplication
}

func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
