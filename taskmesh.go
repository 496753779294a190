// Package taskmesh provides a high-level façade over the execution core:
// the DAG scheduler, the single-objective step loop and their shared
// services (store, event bus, tool registry & logging). Most applications
// interact with this package by:
//  1. Creating a TaskMesh via New() (optionally overriding default in-memory services)
//  2. Submitting task plans (Submit, Run) or pursuing objectives (Pursue)
//  3. Following progress through Subscribe
//
// The façade delegates graph orchestration to scheduler.Scheduler and
// objective pursuit to agent.StepLoop while keeping setup ergonomics
// concise. All defaults are safe for local development and testing;
// production deployments typically supply a durable store, a real model
// adapter and a structured logger.
package taskmesh

import (
	"context"

	"github.com/hupe1980/taskmesh/agent"
	"github.com/hupe1980/taskmesh/bus"
	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/executor"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/model"
	"github.com/hupe1980/taskmesh/policy"
	"github.com/hupe1980/taskmesh/scheduler"
	"github.com/hupe1980/taskmesh/store"
	"github.com/hupe1980/taskmesh/tool"
)

// Options configures the TaskMesh instance.
type Options struct {
	// Store persists executions, subtasks, objectives and runs. Defaults to
	// the in-memory implementation.
	Store store.Store

	// Tools is the registry consulted for tool-action subtasks and step-loop
	// tool calls. Defaults to an empty registry.
	Tools *tool.Registry

	// Model serves inference subtasks, planning and synthesis. Optional:
	// without it, inference actions suspend as capability-unavailable and
	// the step loop surface is disabled.
	Model model.Model

	// Policy governs retry, suspension and failure decisions.
	Policy policy.Config

	// MaxConcurrent bounds in-flight subtasks across all executions.
	MaxConcurrent int

	// Logger (defaults to a slog text logger if nil)
	Logger logging.Logger
}

// TaskMesh is the high-level façade aggregating the scheduler, the step loop
// and their shared services.
type TaskMesh struct {
	opts  Options
	bus   *bus.Bus
	sched *scheduler.Scheduler
	loop  *agent.StepLoop
}

// New creates a new TaskMesh instance with optional overrides. Any unset
// service is initialized with an in-memory implementation.
func New(optFns ...func(o *Options)) *TaskMesh {
	opts := Options{
		Store:  store.NewInMemoryStore(),
		Policy: policy.DefaultConfig(),
		Logger: logging.NewDefaultSlogLogger(),
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Tools == nil {
		opts.Tools, _ = tool.NewRegistry()
	}

	b := bus.New()

	exec := executor.New(opts.Tools, opts.Model, func(o *executor.Options) {
		o.Policy = opts.Policy
		o.Logger = opts.Logger
	})

	sched := scheduler.New(opts.Store, b, exec, func(o *scheduler.Options) {
		o.Policy = opts.Policy
		o.SynthesisModel = opts.Model
		o.Logger = opts.Logger
		if opts.MaxConcurrent > 0 {
			o.MaxConcurrent = opts.MaxConcurrent
		}
	})

	m := &TaskMesh{opts: opts, bus: b, sched: sched}

	if opts.Model != nil {
		planner := agent.NewModelPlanner(opts.Model, func(o *agent.ModelPlannerOptions) {
			o.Logger = opts.Logger
		})
		m.loop = agent.NewStepLoop(planner, exec, opts.Tools, opts.Store, func(o *agent.Options) {
			o.Logger = opts.Logger
		})
	}

	return m
}

// Submit validates a plan and starts executing it asynchronously.
func (m *TaskMesh) Submit(ctx context.Context, plan core.TaskPlan) (core.Execution, error) {
	return m.sched.Submit(ctx, plan)
}

// Run validates a plan and executes it synchronously, returning the final
// execution record.
func (m *TaskMesh) Run(ctx context.Context, plan core.TaskPlan) (core.Execution, error) {
	return m.sched.Run(ctx, plan)
}

// Resume restarts a suspended or waiting execution.
func (m *TaskMesh) Resume(ctx context.Context, executionID string) (core.Execution, error) {
	return m.sched.Resume(ctx, executionID)
}

// Cancel aborts an in-flight execution. It reports whether the execution was
// running.
func (m *TaskMesh) Cancel(executionID string) bool {
	return m.sched.Cancel(executionID)
}

// Pursue executes a single objective through the step loop. It fails with a
// capability error when the mesh was built without a model.
func (m *TaskMesh) Pursue(ctx context.Context, obj core.Objective) (core.Run, error) {
	if m.loop == nil {
		return core.Run{}, &core.CapabilityUnavailableError{
			Capability: "step loop",
			Reason:     "no model configured",
		}
	}
	return m.loop.Execute(ctx, obj)
}

// Subscribe returns a live event subscription for one execution.
func (m *TaskMesh) Subscribe(executionID string) *bus.Subscription {
	return m.bus.Subscribe(executionID)
}

// Store exposes the underlying store for queries.
func (m *TaskMesh) Store() store.Store {
	return m.opts.Store
}

// Shutdown cancels in-flight executions, waits for their loops to settle and
// closes the event bus.
func (m *TaskMesh) Shutdown() {
	m.sched.Shutdown()
	m.bus.Close()
}
