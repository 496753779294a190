// Package executor runs a single subtask to completion. It resolves tool
// subtasks through the shared registry, routes inference subtasks to the
// model capability, enforces a fresh per-attempt timeout and applies the
// retry policy between attempts. The scheduler owns everything above the
// single-subtask boundary.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/model"
	"github.com/hupe1980/taskmesh/policy"
	"github.com/hupe1980/taskmesh/tool"
)

// Options configure the executor.
type Options struct {
	// Timeout bounds each individual attempt. A retried subtask gets a
	// fresh deadline per attempt.
	Timeout time.Duration
	// Policy bounds retries between attempts.
	Policy policy.Config
	// Logger receives per-attempt structured logs.
	Logger logging.Logger
}

// Executor dispatches one subtask per Execute call.
type Executor struct {
	tools *tool.Registry
	model model.Model
	opts  Options
}

// Outcome is the final result of executing one subtask, after all retries.
type Outcome struct {
	Result   any
	Err      error
	Attempts int
	Duration time.Duration
}

// New creates an executor over a tool registry and a model capability.
// Either collaborator may be nil; subtasks that need the missing one fail
// with a CapabilityUnavailableError.
func New(tools *tool.Registry, mdl model.Model, optFns ...func(o *Options)) *Executor {
	opts := Options{
		Timeout: 60 * time.Second,
		Policy:  policy.DefaultConfig(),
		Logger:  logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Policy = opts.Policy.Normalize()
	return &Executor{tools: tools, model: mdl, opts: opts}
}

// Execute runs the subtask until it succeeds, the policy stops retrying, or
// the context is cancelled. Each attempt runs under a fresh timeout; attempt
// count and total duration are recorded on the returned Outcome.
func (e *Executor) Execute(ctx context.Context, st core.Subtask) Outcome {
	start := time.Now()
	attempt := 0

	for {
		attempt++

		result, err := e.attempt(ctx, st)
		if err == nil {
			e.opts.Logger.Debug("executor.subtask.completed",
				"subtask", st.ID, "attempts", attempt, "duration_ms", time.Since(start).Milliseconds())

			return Outcome{Result: result, Attempts: attempt, Duration: time.Since(start)}
		}

		class := core.Classify(err)
		decision := policy.Decide(class, attempt, e.opts.Policy)
		if decision.Outcome != policy.OutcomeRetry {
			e.opts.Logger.Warn("executor.subtask.failed",
				"subtask", st.ID, "class", class.String(), "attempts", attempt, "error", err.Error())

			return Outcome{Err: err, Attempts: attempt, Duration: time.Since(start)}
		}

		e.opts.Logger.Debug("executor.subtask.retry",
			"subtask", st.ID, "class", class.String(), "attempt", attempt, "delay", decision.Delay.String())

		select {
		case <-ctx.Done():
			return Outcome{
				Err:      &core.CancelledError{Op: fmt.Sprintf("subtask %s", st.ID)},
				Attempts: attempt,
				Duration: time.Since(start),
			}
		case <-time.After(decision.Delay):
		}
	}
}

// attempt executes one try of the subtask under its own deadline and maps
// context errors onto the timeout / cancellation taxonomy.
func (e *Executor) attempt(ctx context.Context, st core.Subtask) (any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	var (
		result any
		err    error
	)
	switch st.ActionType {
	case core.ActionTool:
		result, err = e.callTool(attemptCtx, st)
	case core.ActionInference:
		result, err = e.callModel(attemptCtx, st)
	default:
		return nil, &core.ValidationError{
			Field:   "action_type",
			Value:   string(st.ActionType),
			Message: "unknown action type",
		}
	}
	if err == nil {
		return result, nil
	}

	// The tool or model surfaced an error while a context expired. Prefer
	// the context's verdict so retries and aborts stay distinguishable.
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil, &core.CancelledError{Op: fmt.Sprintf("subtask %s", st.ID)}
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return nil, &core.TimeoutError{Op: fmt.Sprintf("subtask %s", st.ID), Timeout: e.opts.Timeout}
	}
	return nil, err
}

func (e *Executor) callTool(ctx context.Context, st core.Subtask) (any, error) {
	if e.tools == nil {
		return nil, &core.CapabilityUnavailableError{
			Capability: "tool registry",
			Reason:     "no registry configured",
		}
	}
	t, ok := e.tools.Get(st.ActionName)
	if !ok {
		return nil, &core.CapabilityUnavailableError{
			Capability: st.ActionName,
			Reason:     "tool not registered",
		}
	}
	return t.Call(ctx, st.Params)
}

func (e *Executor) callModel(ctx context.Context, st core.Subtask) (any, error) {
	if e.model == nil {
		return nil, &core.CapabilityUnavailableError{
			Capability: "model",
			Reason:     "no model configured",
		}
	}

	prompt := st.Description
	if p, ok := st.Params["prompt"].(string); ok && p != "" {
		prompt = p
	}

	req := model.Request{
		Messages: []model.Message{{Role: "user", Content: prompt}},
	}
	if instructions, ok := st.Params["instructions"].(string); ok {
		req.Instructions = instructions
	}

	resp, err := e.model.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Text, nil
}
