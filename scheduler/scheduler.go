// Package scheduler orchestrates executions over a task graph. One owning
// goroutine per execution admits ready subtasks up to a shared concurrency
// bound, dispatches them to the executor, applies the retry/suspension
// policy to failures, propagates upstream failures to dependents, keeps the
// aggregate counts consistent and publishes progress events. All store
// writes for a given execution happen on its owning goroutine.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/bus"
	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/executor"
	"github.com/hupe1980/taskmesh/graph"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/model"
	"github.com/hupe1980/taskmesh/policy"
	"github.com/hupe1980/taskmesh/store"
)

// Predicate decides the terminal status of an execution from its final
// subtask counts. It is only consulted when no subtask can make further
// progress.
type Predicate func(completed, failed, total int) core.ExecutionStatus

// DefaultPredicate maps all-success to completed, mixed results to partial
// and success-free executions to failed.
func DefaultPredicate(completed, failed, total int) core.ExecutionStatus {
	switch {
	case failed == 0:
		return core.ExecutionCompleted
	case completed > 0:
		return core.ExecutionPartial
	default:
		return core.ExecutionFailed
	}
}

// Options configure the scheduler.
type Options struct {
	// MaxConcurrent bounds in-flight subtasks across all executions.
	MaxConcurrent int
	// Predicate picks the terminal status from final counts.
	Predicate Predicate
	// Policy is consulted when a subtask's final failure may escalate to an
	// execution-level suspension.
	Policy policy.Config
	// SynthesisModel, when set, produces a final textual synthesis over the
	// completed subtask results. Synthesis failures degrade to a
	// deterministic fallback, never to an execution error.
	SynthesisModel model.Model
	// SynthesisMaxTokens bounds the synthesis call.
	SynthesisMaxTokens int64
	// Logger receives structured scheduler logs.
	Logger logging.Logger
}

// Scheduler runs executions. Construct with New, stop with Shutdown.
type Scheduler struct {
	store store.Store
	bus   *bus.Bus
	exec  *executor.Executor
	opts  Options

	sem chan struct{}

	mu      sync.Mutex
	cancels map[string]*registration

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a scheduler over a store, an event bus and a subtask executor.
func New(st store.Store, b *bus.Bus, exec *executor.Executor, optFns ...func(o *Options)) *Scheduler {
	opts := Options{
		MaxConcurrent:      4,
		Predicate:          DefaultPredicate,
		Policy:             policy.DefaultConfig(),
		SynthesisMaxTokens: 512,
		Logger:             logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.Predicate == nil {
		opts.Predicate = DefaultPredicate
	}
	opts.Policy = opts.Policy.Normalize()

	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:      st,
		bus:        b,
		exec:       exec,
		opts:       opts,
		sem:        make(chan struct{}, opts.MaxConcurrent),
		cancels:    make(map[string]*registration),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
}

// Submit validates the plan, persists a new execution with its subtasks and
// starts it asynchronously. Plans flagged for clarification are parked in
// waiting instead of being dispatched; Resume picks them up once the
// clarification is answered.
func (s *Scheduler) Submit(ctx context.Context, plan core.TaskPlan) (core.Execution, error) {
	exec, subtasks, g, err := s.admit(ctx, plan)
	if err != nil {
		return core.Execution{}, err
	}
	if exec.Status == core.ExecutionWaiting {
		return exec, nil
	}

	s.launch(exec, g, subtasks, nil)
	return exec, nil
}

// Run validates the plan and executes it synchronously, returning the final
// execution record. Intended for examples, tests and CLI usage.
func (s *Scheduler) Run(ctx context.Context, plan core.TaskPlan) (core.Execution, error) {
	exec, subtasks, g, err := s.admit(ctx, plan)
	if err != nil {
		return core.Execution{}, err
	}
	if exec.Status == core.ExecutionWaiting {
		return exec, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	reg := s.track(exec.ID, cancel)
	defer s.untrack(exec.ID, reg)

	s.loop(runCtx, exec, g, subtasks, nil)

	final, _, err := s.store.GetExecution(ctx, exec.ID)
	return final, err
}

// Resume restarts a suspended or waiting execution. Completed subtasks keep
// their results; everything else is rescheduled. The retry count is
// incremented so observers can distinguish resumptions.
func (s *Scheduler) Resume(ctx context.Context, executionID string) (core.Execution, error) {
	exec, subtasks, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return core.Execution{}, err
	}
	if exec.Status != core.ExecutionSuspended && exec.Status != core.ExecutionWaiting {
		return core.Execution{}, fmt.Errorf("execution %s is %s, not resumable", executionID, exec.Status)
	}

	g, err := graph.Build(specsOf(subtasks))
	if err != nil {
		return core.Execution{}, err
	}

	now := time.Now().UTC()
	completed := make(map[string]struct{})
	byID := make(map[string]core.Subtask, len(subtasks))
	for _, st := range subtasks {
		if st.Status == core.SubtaskCompleted {
			completed[st.ID] = struct{}{}
		} else if st.Status != core.SubtaskPending {
			st.Status = core.SubtaskPending
			st.ErrorMsg = ""
			if err := s.store.UpdateSubtask(ctx, st); err != nil {
				return core.Execution{}, err
			}
		}
		byID[st.ID] = st
	}

	exec.Status = core.ExecutionRunning
	exec.CompletedTasks = len(completed)
	exec.FailedTasks = 0
	exec.WaitingTasks = 0
	exec.SuspendReason = ""
	exec.SuspendedAt = nil
	exec.RetryCount++
	exec.LastRetryAt = &now
	if err := s.store.UpdateExecution(ctx, exec); err != nil {
		return core.Execution{}, err
	}
	s.publish(core.NewSnapshotEvent(exec))

	s.opts.Logger.Info("scheduler.execution.resumed",
		"execution", exec.ID, "retry_count", exec.RetryCount, "completed", len(completed))

	s.launch(exec, g, byID, completed)
	return exec, nil
}

// Cancel aborts an in-flight execution. In-flight subtasks observe the
// cancellation through their context and are marked failed with a
// cancellation error.
func (s *Scheduler) Cancel(executionID string) bool {
	s.mu.Lock()
	reg, ok := s.cancels[executionID]
	s.mu.Unlock()
	if ok {
		reg.cancel()
	}
	return ok
}

// Shutdown cancels every running execution and waits for the owning
// goroutines to finish their final store writes.
func (s *Scheduler) Shutdown() {
	s.baseCancel()
	s.wg.Wait()
}

// Wait blocks until all currently running executions finish. Test helper
// semantics; Submit calls racing Wait are the caller's problem.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// admit validates the plan, builds its graph and persists the new execution
// shell with its subtasks.
func (s *Scheduler) admit(ctx context.Context, plan core.TaskPlan) (core.Execution, map[string]core.Subtask, *graph.TaskGraph, error) {
	if err := plan.Validate(); err != nil {
		return core.Execution{}, nil, nil, err
	}
	g, err := graph.Build(plan.SubTasks)
	if err != nil {
		return core.Execution{}, nil, nil, err
	}

	exec := core.NewExecution(plan)
	subtasks := plan.Materialize(exec.ID)

	if plan.ClarificationNeeded {
		exec.Status = core.ExecutionWaiting
		exec.WaitingTasks = exec.TotalTasks
		for i := range subtasks {
			subtasks[i].Status = core.SubtaskWaiting
		}
	}

	if err := s.store.CreateExecution(ctx, exec, subtasks); err != nil {
		return core.Execution{}, nil, nil, err
	}
	s.publish(core.NewSnapshotEvent(exec))

	byID := make(map[string]core.Subtask, len(subtasks))
	for _, st := range subtasks {
		byID[st.ID] = st
	}

	s.opts.Logger.Info("scheduler.execution.admitted",
		"execution", exec.ID, "graph", exec.GraphID, "total_tasks", exec.TotalTasks, "status", string(exec.Status))

	return exec, byID, g, nil
}

// launch runs the owning goroutine for one execution.
func (s *Scheduler) launch(exec core.Execution, g *graph.TaskGraph, subtasks map[string]core.Subtask, completed map[string]struct{}) {
	runCtx, cancel := context.WithCancel(s.baseCtx)
	reg := s.track(exec.ID, cancel)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.untrack(exec.ID, reg)
		s.loop(runCtx, exec, g, subtasks, completed)
	}()
}

// registration ties a cancel func to the owning goroutine that created it.
// A suspended execution can be resumed as soon as its snapshot event is out,
// before the old owner's deferred teardown has run; scoping teardown to the
// owner's own registration keeps that teardown from cancelling the
// successor's context.
type registration struct {
	cancel context.CancelFunc
}

func (s *Scheduler) track(executionID string, cancel context.CancelFunc) *registration {
	reg := &registration{cancel: cancel}
	s.mu.Lock()
	s.cancels[executionID] = reg
	s.mu.Unlock()
	return reg
}

// untrack cancels the caller's own context and removes the registration
// only if it is still the current one for the execution.
func (s *Scheduler) untrack(executionID string, reg *registration) {
	reg.cancel()
	s.mu.Lock()
	if s.cancels[executionID] == reg {
		delete(s.cancels, executionID)
	}
	s.mu.Unlock()
}

// outcome carries one finished subtask back to the owning goroutine.
type outcome struct {
	taskID string
	result executor.Outcome
}

// loop is the owning goroutine body: admit ready subtasks, consume
// completions, propagate failures, decide suspension and stamp the terminal
// state. It is the only writer for this execution's store records.
func (s *Scheduler) loop(ctx context.Context, exec core.Execution, g *graph.TaskGraph, subtasks map[string]core.Subtask, completed map[string]struct{}) {
	// store writes use a context that survives execution cancellation
	storeCtx := context.WithoutCancel(ctx)

	if completed == nil {
		completed = make(map[string]struct{})
	}
	dispatched := make(map[string]struct{}, len(subtasks))
	statuses := make(map[string]core.SubtaskStatus, len(subtasks))
	for id, st := range subtasks {
		statuses[id] = st.Status
		if st.Status.Terminal() {
			dispatched[id] = struct{}{}
		}
	}
	for id := range completed {
		dispatched[id] = struct{}{}
	}

	if exec.Status != core.ExecutionRunning {
		exec.Status = core.ExecutionRunning
		if err := s.store.UpdateExecution(storeCtx, exec); err != nil {
			s.opts.Logger.Error("scheduler.store.update_failed", "execution", exec.ID, "error", err.Error())
		}
		s.publish(core.NewSnapshotEvent(exec))
	}

	completions := make(chan outcome)
	inFlight := 0
	suspending := false
	suspendReason := ""
	cancelled := false

	admit := func() {
		if suspending || cancelled {
			return
		}
		for _, id := range g.Ready(completed, dispatched) {
			if inFlight == 0 {
				// nothing of ours is in flight, so no completion will
				// re-trigger admission; block until a slot frees up
				select {
				case s.sem <- struct{}{}:
				case <-ctx.Done():
					return
				}
			} else {
				select {
				case s.sem <- struct{}{}:
				default:
					return // no slot free; a completion will re-admit
				}
			}

			st := subtasks[id]
			st.MarkRunning(time.Now().UTC())
			subtasks[id] = st
			dispatched[id] = struct{}{}
			statuses[id] = core.SubtaskRunning
			if err := s.store.UpdateSubtask(storeCtx, st); err != nil {
				s.opts.Logger.Error("scheduler.store.update_failed", "execution", exec.ID, "subtask", id, "error", err.Error())
			}
			s.publish(core.NewSubtaskEvent(exec.ID, st))

			inFlight++
			go func(id string, st core.Subtask) {
				defer func() { <-s.sem }()
				completions <- outcome{taskID: id, result: s.exec.Execute(ctx, st)}
			}(id, st)
		}
	}

	admit()

	for inFlight > 0 || (!suspending && !cancelled && !g.IsTerminal(statuses)) {
		if inFlight == 0 {
			// nothing in flight and the graph is not terminal: every
			// remaining pending subtask is blocked behind a failure that
			// propagation already resolved, or admission was starved.
			admit()
			if inFlight == 0 {
				break
			}
		}

		select {
		case <-ctx.Done():
			cancelled = true
			// in-flight subtasks observe ctx and come back cancelled
			continue
		case oc := <-completions:
			inFlight--
			st := subtasks[oc.taskID]
			st.Attempts = oc.result.Attempts
			st.Duration = oc.result.Duration
			now := time.Now().UTC()

			if oc.result.Err == nil {
				st.MarkCompleted(oc.result.Result, now)
				subtasks[oc.taskID] = st
				statuses[oc.taskID] = core.SubtaskCompleted
				completed[oc.taskID] = struct{}{}
				exec.CompletedTasks++
				s.persistTransition(storeCtx, &exec, st)
				admit()
				continue
			}

			st.MarkFailed(oc.result.Err, now)
			subtasks[oc.taskID] = st
			statuses[oc.taskID] = core.SubtaskFailed
			exec.FailedTasks++
			s.persistTransition(storeCtx, &exec, st)

			if suspending {
				continue // draining; Resume reschedules non-completed subtasks
			}

			class := core.Classify(oc.result.Err)
			decision := policy.Decide(class, oc.result.Attempts, s.opts.Policy)
			if decision.Outcome == policy.OutcomeSuspend && !cancelled {
				suspending = true
				suspendReason = decision.Reason
				s.opts.Logger.Warn("scheduler.execution.suspending",
					"execution", exec.ID, "subtask", oc.taskID, "reason", suspendReason)
				continue
			}

			s.propagateFailure(storeCtx, &exec, g, subtasks, statuses, dispatched, oc.taskID)
			admit()
		}
	}

	now := time.Now().UTC()
	switch {
	case suspending:
		exec.Suspend(suspendReason, now)
	case cancelled && !g.IsTerminal(statuses):
		s.failRemaining(storeCtx, &exec, subtasks, statuses)
		exec.Finish(s.opts.Predicate(exec.CompletedTasks, exec.FailedTasks, exec.TotalTasks), now)
	default:
		status := s.opts.Predicate(exec.CompletedTasks, exec.FailedTasks, exec.TotalTasks)
		if status == core.ExecutionCompleted || status == core.ExecutionPartial {
			exec.SynthesisResult = s.synthesize(storeCtx, exec, subtasks)
			exec.FinalResult = exec.SynthesisResult
		}
		exec.Finish(status, now)
	}

	if err := s.store.UpdateExecution(storeCtx, exec); err != nil {
		s.opts.Logger.Error("scheduler.store.update_failed", "execution", exec.ID, "error", err.Error())
	}
	s.publish(core.NewSnapshotEvent(exec))

	s.opts.Logger.Info("scheduler.execution.finished",
		"execution", exec.ID, "status", string(exec.Status),
		"completed", exec.CompletedTasks, "failed", exec.FailedTasks, "total", exec.TotalTasks)
}

// persistTransition writes one subtask transition and the refreshed
// aggregate counts, then publishes both events.
func (s *Scheduler) persistTransition(ctx context.Context, exec *core.Execution, st core.Subtask) {
	if err := s.store.UpdateSubtask(ctx, st); err != nil {
		s.opts.Logger.Error("scheduler.store.update_failed", "execution", exec.ID, "subtask", st.ID, "error", err.Error())
	}
	if err := s.store.UpdateExecution(ctx, *exec); err != nil {
		s.opts.Logger.Error("scheduler.store.update_failed", "execution", exec.ID, "error", err.Error())
	}
	s.publish(core.NewSubtaskEvent(exec.ID, st))
	s.publish(core.NewSnapshotEvent(*exec))
}

// propagateFailure marks every not-yet-dispatched transitive dependent of
// failedID as failed with a synthetic upstream error. Independent branches
// are untouched and keep running.
func (s *Scheduler) propagateFailure(
	ctx context.Context,
	exec *core.Execution,
	g *graph.TaskGraph,
	subtasks map[string]core.Subtask,
	statuses map[string]core.SubtaskStatus,
	dispatched map[string]struct{},
	failedID string,
) {
	now := time.Now().UTC()
	for _, depID := range g.Dependents(failedID) {
		if _, seen := dispatched[depID]; seen {
			continue
		}
		st := subtasks[depID]
		st.MarkFailed(&core.UpstreamDependencyFailedError{DependencyID: failedID}, now)
		subtasks[depID] = st
		statuses[depID] = core.SubtaskFailed
		dispatched[depID] = struct{}{}
		exec.FailedTasks++
		s.persistTransition(ctx, exec, st)
	}
}

// failRemaining marks every non-terminal subtask as failed with a
// cancellation error after an execution-level abort.
func (s *Scheduler) failRemaining(ctx context.Context, exec *core.Execution, subtasks map[string]core.Subtask, statuses map[string]core.SubtaskStatus) {
	now := time.Now().UTC()
	for id, st := range subtasks {
		if st.Status.Terminal() {
			continue
		}
		st.MarkFailed(&core.CancelledError{Op: fmt.Sprintf("subtask %s", id)}, now)
		subtasks[id] = st
		statuses[id] = core.SubtaskFailed
		exec.FailedTasks++
		s.persistTransition(ctx, exec, st)
	}
}

func (s *Scheduler) publish(ev core.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

// specsOf rebuilds graph specs from persisted subtasks for resumption.
func specsOf(subtasks []core.Subtask) []core.SubTaskSpec {
	specs := make([]core.SubTaskSpec, len(subtasks))
	for i, st := range subtasks {
		specs[i] = core.SubTaskSpec{
			ID:           st.ID,
			Description:  st.Description,
			Thought:      st.Thought,
			ActionType:   st.ActionType,
			ActionName:   st.ActionName,
			Params:       st.Params,
			Dependencies: st.Dependencies,
		}
	}
	return specs
}
