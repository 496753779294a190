package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/executor"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/model"
	"github.com/hupe1980/taskmesh/store"
	"github.com/hupe1980/taskmesh/tool"
)

// SummaryFallback is returned as the run summary when the summarization
// call itself fails. The loop's completion never depends on it.
const SummaryFallback = "The run finished, but a final summary could not be generated."

const (
	defaultStepBudget     = 10
	defaultObservationLen = 500
	historyWindow         = 3
)

// Options configure the step loop.
type Options struct {
	// DefaultStepBudget applies when the objective carries no budget.
	DefaultStepBudget int
	// MaxObservationLen bounds the observation text carried into prompts
	// and step history.
	MaxObservationLen int
	// Logger receives structured per-step logs.
	Logger logging.Logger
}

// StepLoop drives one objective through plan→act→observe cycles. Tool calls
// requested by the planner run through the shared executor so they get the
// same timeout, validation and retry discipline as graph subtasks.
type StepLoop struct {
	planner Planner
	exec    *executor.Executor
	tools   *tool.Registry
	store   store.Store
	opts    Options
}

// NewStepLoop creates a step loop. The store may be nil; runs are then kept
// only in the returned value.
func NewStepLoop(planner Planner, exec *executor.Executor, tools *tool.Registry, st store.Store, optFns ...func(o *Options)) *StepLoop {
	opts := Options{
		DefaultStepBudget: defaultStepBudget,
		MaxObservationLen: defaultObservationLen,
		Logger:            logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &StepLoop{planner: planner, exec: exec, tools: tools, store: st, opts: opts}
}

// Execute runs the objective until the planner signals finish or the step
// budget is exhausted. Budget exhaustion forces a finish even when the model
// requests further tool calls; StepsExecuted never exceeds StepBudget.
func (l *StepLoop) Execute(ctx context.Context, obj core.Objective) (core.Run, error) {
	budget := obj.StepBudget
	if budget <= 0 {
		budget = l.opts.DefaultStepBudget
	}

	run := core.Run{
		ID:            core.NewID(),
		ObjectiveID:   obj.ID,
		Objective:     obj.Objective,
		StepBudget:    budget,
		Status:        core.RunRunning,
		WorkingMemory: make(map[string]any),
		StartedAt:     time.Now().UTC(),
	}
	l.saveRun(ctx, run)

	l.opts.Logger.Info("agent.run.started", "run", run.ID, "objective", obj.Name, "step_budget", budget)

	var catalog []model.ToolDefinition
	if l.tools != nil {
		catalog = l.tools.Definitions(obj.AllowedTools...)
	}

	for run.StepsExecuted < run.StepBudget {
		plan, err := l.planner.Plan(ctx, PlanInput{
			Objective:      run.Objective,
			WorkingMemory:  run.WorkingMemory,
			History:        lastSteps(run.Steps, historyWindow),
			StepsRemaining: run.StepBudget - run.StepsExecuted,
			Tools:          catalog,
			Constraints:    obj.Constraints,
		})
		if err != nil {
			run.Status = core.RunFailed
			l.finishRun(ctx, &run)
			return run, fmt.Errorf("run %s: %w", run.ID, err)
		}

		step := l.act(ctx, &run, plan)
		run.Steps = append(run.Steps, step)
		run.StepsExecuted++
		l.saveRun(ctx, run)

		l.opts.Logger.Debug("agent.step.executed",
			"run", run.ID, "step", step.Number, "tool", step.ToolName,
			"remaining", run.StepBudget-run.StepsExecuted)

		// budget exhaustion forces finish regardless of model output
		if plan.Finish || run.StepsExecuted >= run.StepBudget {
			break
		}
	}

	summary, err := l.planner.Summarize(ctx, run)
	if err != nil || summary == "" {
		if err != nil {
			l.opts.Logger.Warn("agent.summarize.failed", "run", run.ID, "error", err.Error())
		}
		summary = SummaryFallback
	}
	run.Summary = summary
	run.Status = core.RunCompleted
	l.finishRun(ctx, &run)

	l.opts.Logger.Info("agent.run.finished",
		"run", run.ID, "steps", run.StepsExecuted, "status", string(run.Status))

	return run, nil
}

// act executes the plan's tool calls through the shared executor and merges
// the observations into working memory.
func (l *StepLoop) act(ctx context.Context, run *core.Run, plan *Plan) core.Step {
	start := time.Now()
	step := core.Step{
		Number:  run.StepsExecuted + 1,
		Thought: plan.Thought,
	}

	var names, inputs, observations []string
	for _, call := range plan.ToolCalls {
		names = append(names, call.Name)
		inputs = append(inputs, call.Arguments)

		outcome := l.exec.Execute(ctx, core.Subtask{
			ID:          fmt.Sprintf("%s-step%d-%s", run.ID, step.Number, call.Name),
			ExecutionID: run.ID,
			Description: plan.Thought,
			ActionType:  core.ActionTool,
			ActionName:  call.Name,
			Params:      parseArguments(call.Arguments),
		})

		var observation string
		if outcome.Err != nil {
			observation = "error: " + outcome.Err.Error()
			step.ErrorMsg = outcome.Err.Error()
		} else {
			observation = fmt.Sprintf("%v", outcome.Result)
			run.WorkingMemory[call.Name] = outcome.Result
		}
		observation = truncate(observation, l.opts.MaxObservationLen)
		observations = append(observations, observation)
		run.WorkingMemory["last_observation"] = observation
	}

	step.ToolName = joinNonEmpty(names)
	step.ToolInput = joinNonEmpty(inputs)
	step.Observation = joinNonEmpty(observations)
	step.Duration = time.Since(start)
	return step
}

func (l *StepLoop) saveRun(ctx context.Context, run core.Run) {
	if l.store == nil {
		return
	}
	if err := l.store.SaveRun(ctx, run); err != nil {
		l.opts.Logger.Error("agent.store.save_failed", "run", run.ID, "error", err.Error())
	}
}

func (l *StepLoop) finishRun(ctx context.Context, run *core.Run) {
	now := time.Now().UTC()
	run.FinishedAt = &now
	l.saveRun(ctx, *run)
}

// parseArguments decodes a JSON argument payload; malformed input comes back
// as an empty map and fails schema validation downstream with a precise error.
func parseArguments(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{}
	}
	return args
}

func lastSteps(steps []core.Step, n int) []core.Step {
	if len(steps) <= n {
		return steps
	}
	return steps[len(steps)-n:]
}

// truncate cuts s to at most limit bytes, backing up to the previous rune
// boundary so a multi-byte rune is never split.
func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit] + "..."
}

func joinNonEmpty(parts []string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += "; "
		}
		out += p
	}
	return out
}
