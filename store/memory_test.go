package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskmesh/core"
)

func seedExecution(t *testing.T, s Store, status core.ExecutionStatus, startedAt time.Time) core.Execution {
	t.Helper()

	exec := core.Execution{
		ID:         core.NewID(),
		GraphID:    "g1",
		Status:     status,
		TotalTasks: 2,
		StartedAt:  startedAt,
	}
	subtasks := []core.Subtask{
		{ID: "b", ExecutionID: exec.ID, ActionType: core.ActionTool, ActionName: "echo", Status: core.SubtaskPending},
		{ID: "a", ExecutionID: exec.ID, ActionType: core.ActionTool, ActionName: "echo", Status: core.SubtaskPending},
	}
	require.NoError(t, s.CreateExecution(context.Background(), exec, subtasks))
	return exec
}

func TestInMemoryStoreExecutionRoundTrip(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	exec := seedExecution(t, s, core.ExecutionPending, time.Now().UTC())

	got, subtasks, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, exec.ID, got.ID)

	// subtasks come back ordered by task id
	require.Len(t, subtasks, 2)
	assert.Equal(t, "a", subtasks[0].ID)
	assert.Equal(t, "b", subtasks[1].ID)

	_, _, err = s.GetExecution(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryStoreSnapshotIsolation(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	exec := core.Execution{ID: core.NewID(), TotalTasks: 1, StartedAt: time.Now().UTC()}
	require.NoError(t, s.CreateExecution(ctx, exec, []core.Subtask{
		{ID: "a", ExecutionID: exec.ID, Params: map[string]any{"text": "hi"}},
	}))

	_, subtasks, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	subtasks[0].Params["text"] = "mutated"

	_, again, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi", again[0].Params["text"])
}

func TestInMemoryStoreUpdateSubtask(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	exec := seedExecution(t, s, core.ExecutionRunning, time.Now().UTC())

	_, subtasks, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)

	st := subtasks[0]
	st.Status = core.SubtaskCompleted
	st.Result = "done"
	require.NoError(t, s.UpdateSubtask(ctx, st))

	_, subtasks, err = s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, core.SubtaskCompleted, subtasks[0].Status)
	assert.Equal(t, "done", subtasks[0].Result)

	st.ExecutionID = "missing"
	assert.ErrorIs(t, s.UpdateSubtask(ctx, st), ErrNotFound)
}

func TestInMemoryStoreListExecutions(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	base := time.Now().UTC()
	seedExecution(t, s, core.ExecutionCompleted, base.Add(-3*time.Minute))
	seedExecution(t, s, core.ExecutionRunning, base.Add(-2*time.Minute))
	newest := seedExecution(t, s, core.ExecutionCompleted, base.Add(-time.Minute))

	all, err := s.ListExecutions(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, newest.ID, all[0].ID, "ordered by start time descending")

	completed, err := s.ListExecutions(ctx, ListOptions{Status: core.ExecutionCompleted})
	require.NoError(t, err)
	assert.Len(t, completed, 2)

	paged, err := s.ListExecutions(ctx, ListOptions{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.NotEqual(t, newest.ID, paged[0].ID)

	empty, err := s.ListExecutions(ctx, ListOptions{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestInMemoryStoreDeleteCascades(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	exec := seedExecution(t, s, core.ExecutionCompleted, time.Now().UTC())

	require.NoError(t, s.DeleteExecution(ctx, exec.ID))

	_, _, err := s.GetExecution(ctx, exec.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteExecution(ctx, exec.ID), ErrNotFound)
}

func TestInMemoryStoreObjectives(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	obj := core.Objective{
		ID:         core.NewID(),
		Name:       "daily-digest",
		Objective:  "Summarize the day",
		StepBudget: 5,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, s.CreateObjective(ctx, obj))

	got, err := s.GetObjective(ctx, obj.ID)
	require.NoError(t, err)
	assert.Equal(t, "daily-digest", got.Name)

	got.Paused = true
	require.NoError(t, s.UpdateObjective(ctx, got))

	objs, err := s.ListObjectives(ctx)
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.True(t, objs[0].Paused)

	require.NoError(t, s.DeleteObjective(ctx, obj.ID))
	_, err = s.GetObjective(ctx, obj.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryStoreRuns(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	base := time.Now().UTC()
	earlier := core.Run{ID: core.NewID(), ObjectiveID: "o1", Status: core.RunCompleted, StartedAt: base.Add(-time.Hour)}
	later := core.Run{ID: core.NewID(), ObjectiveID: "o1", Status: core.RunRunning, StartedAt: base}
	other := core.Run{ID: core.NewID(), ObjectiveID: "o2", Status: core.RunCompleted, StartedAt: base}

	require.NoError(t, s.SaveRun(ctx, earlier))
	require.NoError(t, s.SaveRun(ctx, later))
	require.NoError(t, s.SaveRun(ctx, other))

	runs, err := s.ListRuns(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, later.ID, runs[0].ID)

	got, err := s.GetRun(ctx, earlier.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunCompleted, got.Status)

	_, err = s.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
