package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/executor"
	"github.com/hupe1980/taskmesh/model"
	"github.com/hupe1980/taskmesh/policy"
	"github.com/hupe1980/taskmesh/store"
	"github.com/hupe1980/taskmesh/tool"
)

// stubPlanner serves a fixed sequence of plans; the last plan repeats when
// the sequence runs out.
type stubPlanner struct {
	plans   []*Plan
	planErr error
	summary string
	sumErr  error
	inputs  []PlanInput
}

func (s *stubPlanner) Plan(_ context.Context, in PlanInput) (*Plan, error) {
	s.inputs = append(s.inputs, in)
	if s.planErr != nil {
		return nil, s.planErr
	}
	idx := len(s.inputs) - 1
	if idx >= len(s.plans) {
		idx = len(s.plans) - 1
	}
	return s.plans[idx], nil
}

func (s *stubPlanner) Summarize(context.Context, core.Run) (string, error) {
	return s.summary, s.sumErr
}

func newLoop(t *testing.T, planner Planner, st store.Store, optFns ...func(o *Options)) *StepLoop {
	t.Helper()

	registry, err := tool.NewRegistry(tool.NewEchoTool())
	require.NoError(t, err)

	exec := executor.New(registry, nil, func(o *executor.Options) {
		o.Policy = policy.Config{MaxTransientAttempts: 1, MaxUnknownAttempts: 1, BackoffBase: time.Millisecond}
	})
	return NewStepLoop(planner, exec, registry, st, optFns...)
}

func TestExecuteFinishesOnPlannerSignal(t *testing.T) {
	planner := &stubPlanner{
		plans: []*Plan{
			{Thought: "echo it", ToolCalls: toolCalls("echo", `{"text":"hi","uppercase":true}`)},
			{Thought: "all done", Finish: true},
		},
		summary: "Echoed HI.",
	}
	st := store.NewInMemoryStore()
	loop := newLoop(t, planner, st)

	run, err := loop.Execute(context.Background(), core.Objective{
		ID:         "o1",
		Name:       "echo-objective",
		Objective:  "echo hi loudly",
		StepBudget: 5,
	})
	require.NoError(t, err)

	assert.Equal(t, core.RunCompleted, run.Status)
	assert.Equal(t, 2, run.StepsExecuted)
	assert.Equal(t, "Echoed HI.", run.Summary)
	require.NotNil(t, run.FinishedAt)

	require.Len(t, run.Steps, 2)
	assert.Equal(t, "echo", run.Steps[0].ToolName)
	assert.Equal(t, "HI", run.Steps[0].Observation)
	assert.Equal(t, "HI", run.WorkingMemory["echo"])
	assert.Equal(t, "HI", run.WorkingMemory["last_observation"])

	// persisted terminal run matches the returned one
	persisted, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunCompleted, persisted.Status)
	assert.Equal(t, 2, persisted.StepsExecuted)
}

func TestExecuteBudgetExhaustionForcesFinish(t *testing.T) {
	// the planner always wants another tool call
	planner := &stubPlanner{
		plans: []*Plan{
			{Thought: "more echoing", ToolCalls: toolCalls("echo", `{"text":"hi"}`)},
		},
		summary: "ran out of budget",
	}
	loop := newLoop(t, planner, nil)

	run, err := loop.Execute(context.Background(), core.Objective{Objective: "never stop", StepBudget: 3})
	require.NoError(t, err)

	assert.Equal(t, core.RunCompleted, run.Status)
	assert.Equal(t, 3, run.StepsExecuted)
	assert.LessOrEqual(t, run.StepsExecuted, run.StepBudget)
}

func TestExecuteDefaultStepBudget(t *testing.T) {
	planner := &stubPlanner{
		plans:   []*Plan{{Thought: "done", Finish: true}},
		summary: "ok",
	}
	loop := newLoop(t, planner, nil)

	run, err := loop.Execute(context.Background(), core.Objective{Objective: "x"})
	require.NoError(t, err)
	assert.Equal(t, defaultStepBudget, run.StepBudget)
	assert.Equal(t, 1, run.StepsExecuted)
}

func TestExecuteSummarizeFallback(t *testing.T) {
	planner := &stubPlanner{
		plans:  []*Plan{{Thought: "done", Finish: true}},
		sumErr: errors.New("provider down"),
	}
	loop := newLoop(t, planner, nil)

	run, err := loop.Execute(context.Background(), core.Objective{Objective: "x", StepBudget: 2})
	require.NoError(t, err, "summarization failure never fails the run")
	assert.Equal(t, core.RunCompleted, run.Status)
	assert.Equal(t, SummaryFallback, run.Summary)
}

func TestExecutePlannerErrorFailsRun(t *testing.T) {
	planner := &stubPlanner{planErr: errors.New("model unreachable")}
	st := store.NewInMemoryStore()
	loop := newLoop(t, planner, st)

	run, err := loop.Execute(context.Background(), core.Objective{Objective: "x", StepBudget: 2})
	require.Error(t, err)
	assert.Equal(t, core.RunFailed, run.Status)

	persisted, getErr := st.GetRun(context.Background(), run.ID)
	require.NoError(t, getErr)
	assert.Equal(t, core.RunFailed, persisted.Status)
}

func TestExecuteToolErrorBecomesObservation(t *testing.T) {
	planner := &stubPlanner{
		plans: []*Plan{
			{Thought: "bad args", ToolCalls: toolCalls("echo", `{}`)},
			{Thought: "done", Finish: true},
		},
		summary: "ok",
	}
	loop := newLoop(t, planner, nil)

	run, err := loop.Execute(context.Background(), core.Objective{Objective: "x", StepBudget: 5})
	require.NoError(t, err)

	require.Len(t, run.Steps, 2)
	assert.NotEmpty(t, run.Steps[0].ErrorMsg)
	assert.Contains(t, run.Steps[0].Observation, "error:")
	assert.Equal(t, core.RunCompleted, run.Status, "tool errors are observed, not fatal")
}

func TestExecuteObservationTruncation(t *testing.T) {
	long := strings.Repeat("x", 300)
	planner := &stubPlanner{
		plans: []*Plan{
			{Thought: "echo a lot", ToolCalls: toolCalls("echo", `{"text":"`+long+`"}`)},
			{Thought: "done", Finish: true},
		},
		summary: "ok",
	}
	loop := newLoop(t, planner, nil, func(o *Options) { o.MaxObservationLen = 16 })

	run, err := loop.Execute(context.Background(), core.Objective{Objective: "x", StepBudget: 5})
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("x", 16)+"...", run.Steps[0].Observation)
}

func TestTruncateKeepsRuneBoundaries(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		limit int
		want  string
	}{
		{name: "ascii", in: "hello world", limit: 5, want: "hello..."},
		{name: "under limit", in: "hello", limit: 16, want: "hello"},
		{name: "multibyte cut mid rune", in: "héllo", limit: 2, want: "h..."},
		{name: "multibyte cut on boundary", in: "héllo", limit: 3, want: "hé..."},
		{name: "emoji cut mid rune", in: "ok🎉done", limit: 4, want: "ok..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.in, tt.limit)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}

func TestExecuteHistoryWindow(t *testing.T) {
	planner := &stubPlanner{
		plans: []*Plan{
			{Thought: "step", ToolCalls: toolCalls("echo", `{"text":"hi"}`)},
		},
		summary: "ok",
	}
	loop := newLoop(t, planner, nil)

	_, err := loop.Execute(context.Background(), core.Objective{Objective: "x", StepBudget: 6})
	require.NoError(t, err)

	// on the sixth plan, only the latest three steps are offered
	last := planner.inputs[len(planner.inputs)-1]
	assert.Len(t, last.History, 3)
	assert.Equal(t, 3, last.History[0].Number)
	assert.Equal(t, 1, last.StepsRemaining)
}

func TestExecuteAllowedToolsFilterCatalog(t *testing.T) {
	planner := &stubPlanner{
		plans:   []*Plan{{Thought: "done", Finish: true}},
		summary: "ok",
	}

	registry, err := tool.NewRegistry(tool.NewEchoTool(), tool.NewCalculatorTool())
	require.NoError(t, err)
	exec := executor.New(registry, nil)
	loop := NewStepLoop(planner, exec, registry, nil)

	_, err = loop.Execute(context.Background(), core.Objective{
		Objective:    "x",
		StepBudget:   1,
		AllowedTools: []string{"calculator"},
	})
	require.NoError(t, err)

	require.Len(t, planner.inputs, 1)
	require.Len(t, planner.inputs[0].Tools, 1)
	assert.Equal(t, "calculator", planner.inputs[0].Tools[0].Name)
}

// toolCalls builds a single-element tool call slice.
func toolCalls(name, args string) []model.ToolCall {
	return []model.ToolCall{{ID: "c-" + name, Name: name, Arguments: args}}
}
