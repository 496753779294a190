package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskmesh/agent"
	"github.com/hupe1980/taskmesh/bus"
	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/executor"
	"github.com/hupe1980/taskmesh/model"
	"github.com/hupe1980/taskmesh/policy"
	"github.com/hupe1980/taskmesh/scheduler"
	"github.com/hupe1980/taskmesh/store"
	"github.com/hupe1980/taskmesh/tool"
)

type testServer struct {
	srv   *Server
	store store.Store
	mock  *model.MockModel
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	registry, err := tool.NewRegistry(tool.NewEchoTool())
	require.NoError(t, err)

	fast := policy.Config{MaxTransientAttempts: 2, MaxUnknownAttempts: 2, BackoffBase: time.Millisecond}

	st := store.NewInMemoryStore()
	b := bus.New()
	exec := executor.New(registry, nil, func(o *executor.Options) { o.Policy = fast })
	sched := scheduler.New(st, b, exec, func(o *scheduler.Options) { o.Policy = fast })
	t.Cleanup(sched.Shutdown)

	mock := model.NewMockModel("planner")
	loop := agent.NewStepLoop(agent.NewModelPlanner(mock), exec, registry, st)

	srv := New(st, b, sched, func(o *Options) { o.StepLoop = loop })

	return &testServer{srv: srv, store: st, mock: mock}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func echoPlan(graphID string) core.TaskPlan {
	return core.TaskPlan{
		GraphID:         graphID,
		OriginalRequest: "echo a few things",
		SubTasks: []core.SubTaskSpec{
			{ID: "a", Description: "echo a", ActionType: core.ActionTool, ActionName: "echo", Params: map[string]any{"text": "a"}},
			{ID: "b", Description: "echo b", ActionType: core.ActionTool, ActionName: "echo", Params: map[string]any{"text": "b"}, Dependencies: []string{"a"}},
		},
	}
}

func (ts *testServer) awaitTerminal(t *testing.T, id string) core.Execution {
	t.Helper()

	var exec core.Execution
	require.Eventually(t, func() bool {
		rec := ts.do(t, http.MethodGet, "/v1/executions/"+id, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var detail ExecutionDetail
		if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
			return false
		}
		exec = detail.Execution
		return exec.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return exec
}

func TestSubmitAndQueryExecution(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/executions", echoPlan("g1"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	submitted := decode[core.Execution](t, rec)
	require.NotEmpty(t, submitted.ID)
	assert.Equal(t, "g1", submitted.GraphID)

	final := ts.awaitTerminal(t, submitted.ID)
	assert.Equal(t, core.ExecutionCompleted, final.Status)
	assert.Equal(t, 2, final.CompletedTasks)

	detail := decode[ExecutionDetail](t, ts.do(t, http.MethodGet, "/v1/executions/"+submitted.ID, nil))
	require.Len(t, detail.Subtasks, 2)
	assert.Equal(t, "a", detail.Subtasks[0].ID)
	assert.Equal(t, core.SubtaskCompleted, detail.Subtasks[0].Status)
}

func TestSubmitRejectsInvalidPlan(t *testing.T) {
	ts := newTestServer(t)

	plan := core.TaskPlan{
		GraphID: "g-cycle",
		SubTasks: []core.SubTaskSpec{
			{ID: "a", ActionType: core.ActionTool, ActionName: "echo", Dependencies: []string{"b"}},
			{ID: "b", ActionType: core.ActionTool, ActionName: "echo", Dependencies: []string{"a"}},
		},
	}

	rec := ts.do(t, http.MethodPost, "/v1/executions", plan)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_PLAN", decode[ErrorResponse](t, rec).Code)
}

func TestSubmitRejectsMalformedBody(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/executions", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", decode[ErrorResponse](t, rec).Code)
}

func TestGetUnknownExecution(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/executions/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decode[ErrorResponse](t, rec).Code)
}

func TestListExecutionsFiltersByStatus(t *testing.T) {
	ts := newTestServer(t)

	submitted := decode[core.Execution](t, ts.do(t, http.MethodPost, "/v1/executions", echoPlan("g1")))
	ts.awaitTerminal(t, submitted.ID)

	list := decode[ExecutionList](t, ts.do(t, http.MethodGet, "/v1/executions?status=completed", nil))
	require.Len(t, list.Executions, 1)
	assert.Equal(t, submitted.ID, list.Executions[0].ID)

	empty := decode[ExecutionList](t, ts.do(t, http.MethodGet, "/v1/executions?status=failed", nil))
	assert.Empty(t, empty.Executions)

	rec := ts.do(t, http.MethodGet, "/v1/executions?limit=oops", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteExecution(t *testing.T) {
	ts := newTestServer(t)

	submitted := decode[core.Execution](t, ts.do(t, http.MethodPost, "/v1/executions", echoPlan("g1")))
	ts.awaitTerminal(t, submitted.ID)

	require.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/v1/executions/"+submitted.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/v1/executions/"+submitted.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodDelete, "/v1/executions/"+submitted.ID, nil).Code)
}

func TestResumeWaitingExecution(t *testing.T) {
	ts := newTestServer(t)

	plan := echoPlan("g1")
	plan.ClarificationNeeded = true
	plan.ClarificationQuery = "which text?"

	submitted := decode[core.Execution](t, ts.do(t, http.MethodPost, "/v1/executions", plan))
	require.Equal(t, core.ExecutionWaiting, submitted.Status)

	rec := ts.do(t, http.MethodPost, "/v1/executions/"+submitted.ID+"/resume", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	final := ts.awaitTerminal(t, submitted.ID)
	assert.Equal(t, core.ExecutionCompleted, final.Status)
	assert.Equal(t, 1, final.RetryCount)
}

func TestResumeRejectsTerminalExecution(t *testing.T) {
	ts := newTestServer(t)

	submitted := decode[core.Execution](t, ts.do(t, http.MethodPost, "/v1/executions", echoPlan("g1")))
	ts.awaitTerminal(t, submitted.ID)

	rec := ts.do(t, http.MethodPost, "/v1/executions/"+submitted.ID+"/resume", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NOT_RESUMABLE", decode[ErrorResponse](t, rec).Code)

	missing := ts.do(t, http.MethodPost, "/v1/executions/nope/resume", nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestCancelSettledExecutionConflicts(t *testing.T) {
	ts := newTestServer(t)

	submitted := decode[core.Execution](t, ts.do(t, http.MethodPost, "/v1/executions", echoPlan("g1")))
	ts.awaitTerminal(t, submitted.ID)

	rec := ts.do(t, http.MethodPost, "/v1/executions/"+submitted.ID+"/cancel", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NOT_RUNNING", decode[ErrorResponse](t, rec).Code)

	missing := ts.do(t, http.MethodPost, "/v1/executions/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestEventsStreamForTerminalExecution(t *testing.T) {
	ts := newTestServer(t)

	submitted := decode[core.Execution](t, ts.do(t, http.MethodPost, "/v1/executions", echoPlan("g1")))
	ts.awaitTerminal(t, submitted.ID)

	rec := ts.do(t, http.MethodGet, "/v1/executions/"+submitted.ID+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")

	body := rec.Body.String()
	assert.Contains(t, body, "event:snapshot")
	assert.Contains(t, body, `"status":"completed"`)
}

func TestEventsStreamUnknownExecution(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/executions/nope/events", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestObjectiveLifecycle(t *testing.T) {
	ts := newTestServer(t)

	created := decode[core.Objective](t, ts.do(t, http.MethodPost, "/v1/objectives", ObjectiveRequest{
		Name:       "daily",
		Objective:  "summarize the day",
		StepBudget: 3,
	}))
	require.NotEmpty(t, created.ID)

	got := decode[core.Objective](t, ts.do(t, http.MethodGet, "/v1/objectives/"+created.ID, nil))
	assert.Equal(t, "daily", got.Name)

	updated := decode[core.Objective](t, ts.do(t, http.MethodPut, "/v1/objectives/"+created.ID, ObjectiveRequest{
		Name:       "weekly",
		Objective:  "summarize the week",
		StepBudget: 5,
	}))
	assert.Equal(t, "weekly", updated.Name)
	assert.Equal(t, 5, updated.StepBudget)

	list := decode[ObjectiveList](t, ts.do(t, http.MethodGet, "/v1/objectives", nil))
	require.Len(t, list.Objectives, 1)

	require.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/v1/objectives/"+created.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/v1/objectives/"+created.ID, nil).Code)
}

func TestObjectiveValidation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/objectives", ObjectiveRequest{Name: "empty"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_OBJECTIVE", decode[ErrorResponse](t, rec).Code)
}

func TestTriggerRunExecutesStepLoop(t *testing.T) {
	ts := newTestServer(t)

	// One plain answer followed by the summary turn.
	ts.mock.Script(
		model.Response{Text: "all done", FinishReason: "stop"},
		model.Response{Text: "summary of the run", FinishReason: "stop"},
	)

	created := decode[core.Objective](t, ts.do(t, http.MethodPost, "/v1/objectives", ObjectiveRequest{
		Name:       "quick",
		Objective:  "finish fast",
		StepBudget: 2,
	}))

	rec := ts.do(t, http.MethodPost, "/v1/objectives/"+created.ID+"/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	run := decode[core.Run](t, rec)
	assert.Equal(t, core.RunCompleted, run.Status)
	assert.Equal(t, "summary of the run", run.Summary)
	assert.Equal(t, created.ID, run.ObjectiveID)

	runs := decode[RunList](t, ts.do(t, http.MethodGet, "/v1/objectives/"+created.ID+"/runs", nil))
	require.Len(t, runs.Runs, 1)

	fetched := decode[core.Run](t, ts.do(t, http.MethodGet, "/v1/runs/"+run.ID, nil))
	assert.Equal(t, run.ID, fetched.ID)
}

func TestTriggerRunPausedObjectiveConflicts(t *testing.T) {
	ts := newTestServer(t)

	created := decode[core.Objective](t, ts.do(t, http.MethodPost, "/v1/objectives", ObjectiveRequest{
		Name:      "paused",
		Objective: "never runs",
	}))

	paused := decode[core.Objective](t, ts.do(t, http.MethodPost, "/v1/objectives/"+created.ID+"/pause", nil))
	require.True(t, paused.Paused)

	rec := ts.do(t, http.MethodPost, "/v1/objectives/"+created.ID+"/runs", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "OBJECTIVE_PAUSED", decode[ErrorResponse](t, rec).Code)

	resumed := decode[core.Objective](t, ts.do(t, http.MethodPost, "/v1/objectives/"+created.ID+"/resume", nil))
	assert.False(t, resumed.Paused)
}

func TestTriggerRunWithoutStepLoop(t *testing.T) {
	st := store.NewInMemoryStore()
	b := bus.New()
	exec := executor.New(nil, nil)
	sched := scheduler.New(st, b, exec)
	t.Cleanup(sched.Shutdown)

	srv := New(st, b, sched)
	require.NoError(t, st.CreateObjective(context.Background(), core.Objective{ID: "obj-1", Objective: "anything"}))

	req := httptest.NewRequest(http.MethodPost, "/v1/objectives/obj-1/runs", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
