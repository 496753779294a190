// Package policy implements the shared retry and suspension decision logic.
// Decide is a pure function over (error class, attempt count, config); the
// executor consults it between attempts of a single subtask and the
// scheduler consults it when a subtask's final failure may escalate to an
// execution-level suspension.
package policy

import (
	"fmt"
	"time"

	"github.com/hupe1980/taskmesh/core"
)

// Outcome is the kind of decision Decide returns.
type Outcome int

const (
	// OutcomeRetry retries the call after Decision.Delay.
	OutcomeRetry Outcome = iota
	// OutcomeSuspend pauses the whole execution, preserving state.
	OutcomeSuspend
	// OutcomeFail fails the subtask permanently.
	OutcomeFail
)

// String returns the lowercase name of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeRetry:
		return "retry"
	case OutcomeSuspend:
		return "suspend"
	default:
		return "fail"
	}
}

// Decision is the result of one policy evaluation.
type Decision struct {
	Outcome Outcome
	Delay   time.Duration // populated for OutcomeRetry
	Reason  string        // populated for OutcomeSuspend
}

// Config bounds the policy. Zero values fall back to defaults via Normalize.
type Config struct {
	// MaxTransientAttempts is the total attempts allowed for transient
	// failures, the first attempt included.
	MaxTransientAttempts int
	// MaxUnknownAttempts is the total attempts for uncategorized failures.
	MaxUnknownAttempts int
	// BackoffBase is the delay before the first retry; it doubles per
	// subsequent attempt.
	BackoffBase time.Duration
}

// DefaultConfig returns the policy bounds used when none are supplied:
// three attempts for transient errors, two for unknown ones, 100ms backoff base.
func DefaultConfig() Config {
	return Config{
		MaxTransientAttempts: 3,
		MaxUnknownAttempts:   2,
		BackoffBase:          100 * time.Millisecond,
	}
}

// Normalize fills zero fields with defaults.
func (c Config) Normalize() Config {
	def := DefaultConfig()
	if c.MaxTransientAttempts <= 0 {
		c.MaxTransientAttempts = def.MaxTransientAttempts
	}
	if c.MaxUnknownAttempts <= 0 {
		c.MaxUnknownAttempts = def.MaxUnknownAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = def.BackoffBase
	}
	return c
}

// Decide maps an error class and the number of attempts already made onto a
// retry, suspend or fail decision:
//
//   - transient errors retry with exponential backoff up to the configured
//     maximum, then suspend the execution
//   - validation errors fail immediately and are never retried
//   - capability-unavailable errors suspend the execution, since the
//     capability may come back without losing partial progress
//   - cancellation fails without consuming retry budget
//   - unknown errors get a single retry, then suspend
func Decide(class core.ErrorClass, attempt int, cfg Config) Decision {
	cfg = cfg.Normalize()
	switch class {
	case core.ClassValidation, core.ClassUpstream:
		return Decision{Outcome: OutcomeFail}
	case core.ClassCancelled:
		return Decision{Outcome: OutcomeFail}
	case core.ClassCapabilityUnavailable:
		return Decision{Outcome: OutcomeSuspend, Reason: "required capability unavailable"}
	case core.ClassTransient:
		if attempt < cfg.MaxTransientAttempts {
			return Decision{Outcome: OutcomeRetry, Delay: backoff(cfg.BackoffBase, attempt)}
		}
		return Decision{
			Outcome: OutcomeSuspend,
			Reason:  fmt.Sprintf("transient failure persisted after %d attempts", attempt),
		}
	default:
		if attempt < cfg.MaxUnknownAttempts {
			return Decision{Outcome: OutcomeRetry, Delay: backoff(cfg.BackoffBase, attempt)}
		}
		return Decision{
			Outcome: OutcomeSuspend,
			Reason:  fmt.Sprintf("uncategorized failure persisted after %d attempts", attempt),
		}
	}
}

// backoff doubles the base delay for every attempt beyond the first.
func backoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}
