package retrypolicy

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/davidroman0O/flowgate/types"
	"github.com/sethvargo/go-retry"
)

// Decision is the outcome of a failed attempt.
type Decision struct {
	Retry  bool
	Delay  time.Duration
	Reason string
}

// Merge fills the zero fields of override from base.
func Merge(override, base types.RetryPolicy) types.RetryPolicy {
	merged := override.Clone()
	if merged.InitialInterval <= 0 {
		merged.InitialInterval = base.InitialInterval
	}
	if merged.BackoffCoefficient <= 0 {
		merged.BackoffCoefficient = base.BackoffCoefficient
	}
	if merged.MaximumInterval <= 0 {
		merged.MaximumInterval = base.MaximumInterval
	}
	if merged.MaximumAttempts <= 0 {
		merged.MaximumAttempts = base.MaximumAttempts
	}
	if merged.NonRetryableErrors == nil && base.NonRetryableErrors != nil {
		merged.NonRetryableErrors = append([]string(nil), base.NonRetryableErrors...)
	}
	return merged
}

// Resolve computes the effective policy of an activity: its own override,
// then the definition policy, then the defaults.
func Resolve(def types.WorkflowDefinition, activity types.ActivityDefinition) types.RetryPolicy {
	policy := Merge(def.RetryPolicy, types.DefaultRetryPolicy())
	if activity.RetryPolicy != nil {
		policy = Merge(*activity.RetryPolicy, policy)
	}
	return policy
}

// Delay returns min(initialInterval * backoffCoefficient^(attempt-1), maximumInterval).
func Delay(policy types.RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	coefficient := policy.BackoffCoefficient
	if coefficient < 1 {
		coefficient = 1
	}
	delay := float64(policy.InitialInterval) * math.Pow(coefficient, float64(attempt-1))
	if policy.MaximumInterval > 0 && delay > float64(policy.MaximumInterval) {
		return policy.MaximumInterval
	}
	if delay >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Retryable reports whether err may be retried under policy.
func Retryable(policy types.RetryPolicy, err error) bool {
	if err == nil {
		return false
	}
	if types.ErrorType(err) == types.ErrorTypeCancelled {
		return false
	}
	return !slices.Contains(policy.NonRetryableErrors, types.ErrorType(err))
}

// Decide applies the policy to the failure of the given attempt (1-indexed).
func Decide(policy types.RetryPolicy, attempt int, err error) Decision {
	if !Retryable(policy, err) {
		return Decision{Reason: fmt.Sprintf("non-retryable error %s", types.ErrorType(err))}
	}
	if attempt >= policy.MaximumAttempts {
		return Decision{Reason: fmt.Sprintf("maximum attempts %d reached", policy.MaximumAttempts)}
	}
	return Decision{Retry: true, Delay: Delay(policy, attempt)}
}

// Backoff returns the retry schedule of policy: successive calls to Next give
// the delay before attempt 2, 3, ... and stop once maximumAttempts is spent.
func Backoff(policy types.RetryPolicy) retry.Backoff {
	attempt := 0
	var b retry.Backoff = retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		return Delay(policy, attempt), false
	})
	if policy.InitialInterval > 0 && policy.MaximumInterval > 0 {
		b = retry.WithCappedDuration(policy.MaximumInterval, b)
	}
	retries := policy.MaximumAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return retry.WithMaxRetries(uint64(retries), b)
}
