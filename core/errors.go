package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorClass is the coarse classification the retry/suspension policy
// operates on. Concrete error types below map onto these classes via
// Classify.
type ErrorClass int

const (
	// ClassUnknown covers uncategorized errors. Policy default: one retry,
	// then suspend.
	ClassUnknown ErrorClass = iota
	// ClassTransient covers network and timeout failures. Retryable.
	ClassTransient
	// ClassValidation covers malformed subtask parameters. Never retried.
	ClassValidation
	// ClassCapabilityUnavailable covers missing external configuration
	// (unconfigured model provider, unregistered capability). Suspends the
	// execution rather than failing it.
	ClassCapabilityUnavailable
	// ClassCancelled covers externally requested aborts. Never retried and
	// not counted against retry budgets.
	ClassCancelled
	// ClassUpstream covers the synthetic failure applied to dependents of a
	// failed subtask. Never independently retried.
	ClassUpstream
)

// String returns the lowercase name of the class for logs and events.
func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassValidation:
		return "validation"
	case ClassCapabilityUnavailable:
		return "capability-unavailable"
	case ClassCancelled:
		return "cancelled"
	case ClassUpstream:
		return "upstream"
	default:
		return "unknown"
	}
}

// GraphError reports a malformed or cyclic task graph. It is fatal: the plan
// is rejected before any subtask is dispatched.
type GraphError struct {
	Reason string
}

func (e *GraphError) Error() string { return fmt.Sprintf("invalid task graph: %s", e.Reason) }

// ValidationError reports malformed subtask parameters. It fails the subtask
// immediately and is never retried.
type ValidationError struct {
	Field   string `json:"field"`
	Value   any    `json:"value,omitempty"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %q: %s", e.Field, e.Message)
}

// TimeoutError reports that a single call exceeded its per-call timeout.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

// CancelledError reports an externally requested abort of an in-flight call.
type CancelledError struct {
	Op string
}

func (e *CancelledError) Error() string { return fmt.Sprintf("%s cancelled", e.Op) }

// CapabilityUnavailableError reports that an external capability the subtask
// needs is not configured or reachable. The execution suspends, since the
// capability may become available later without losing partial progress.
type CapabilityUnavailableError struct {
	Capability string
	Reason     string
}

func (e *CapabilityUnavailableError) Error() string {
	return fmt.Sprintf("capability %q unavailable: %s", e.Capability, e.Reason)
}

// UpstreamDependencyFailedError is the synthetic error applied to direct and
// transitive dependents of a failed subtask.
type UpstreamDependencyFailedError struct {
	DependencyID string
}

func (e *UpstreamDependencyFailedError) Error() string {
	return fmt.Sprintf("upstream dependency %q failed", e.DependencyID)
}

// TransientError marks an arbitrary underlying error as retryable. Tool
// implementations wrap network-ish failures in it so the policy treats them
// as transient.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }

// Unwrap exposes the underlying error for errors.Is / errors.As.
func (e *TransientError) Unwrap() error { return e.Err }

// Classify maps an error onto the ErrorClass the policy decides over.
// Context cancellation and deadline errors are recognized even when they
// surface untyped from third-party clients.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}
	var (
		validationErr *ValidationError
		timeoutErr    *TimeoutError
		cancelErr     *CancelledError
		capErr        *CapabilityUnavailableError
		upstreamErr   *UpstreamDependencyFailedError
		transientErr  *TransientError
	)
	switch {
	case errors.As(err, &validationErr):
		return ClassValidation
	case errors.As(err, &capErr):
		return ClassCapabilityUnavailable
	case errors.As(err, &upstreamErr):
		return ClassUpstream
	case errors.As(err, &cancelErr), errors.Is(err, context.Canceled):
		return ClassCancelled
	case errors.As(err, &timeoutErr), errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	case errors.As(err, &transientErr):
		return ClassTransient
	default:
		return ClassUnknown
	}
}
