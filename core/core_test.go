package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestTaskPlan_Validate(t *testing.T) {
	valid := TaskPlan{
		GraphID:         "g1",
		OriginalRequest: "do things",
		SubTasks: []SubTaskSpec{
			{ID: "a", ActionType: ActionTool, ActionName: "web_fetch"},
			{ID: "b", ActionType: ActionInference, ActionName: "summarize", Dependencies: []string{"a"}},
		},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid plan rejected: %v", err)
	}

	var graphErr *GraphError

	empty := TaskPlan{GraphID: "g"}
	if err := empty.Validate(); !errors.As(err, &graphErr) {
		t.Fatalf("expected GraphError for empty plan, got %v", err)
	}

	dup := valid
	dup.SubTasks = []SubTaskSpec{
		{ID: "a", ActionType: ActionTool, ActionName: "x"},
		{ID: "a", ActionType: ActionTool, ActionName: "y"},
	}
	if err := dup.Validate(); !errors.As(err, &graphErr) {
		t.Fatalf("expected GraphError for duplicate id, got %v", err)
	}

	unknownDep := valid
	unknownDep.SubTasks = []SubTaskSpec{
		{ID: "a", ActionType: ActionTool, ActionName: "x", Dependencies: []string{"ghost"}},
	}
	if err := unknownDep.Validate(); !errors.As(err, &graphErr) {
		t.Fatalf("expected GraphError for unknown dependency, got %v", err)
	}

	selfDep := valid
	selfDep.SubTasks = []SubTaskSpec{
		{ID: "a", ActionType: ActionTool, ActionName: "x", Dependencies: []string{"a"}},
	}
	if err := selfDep.Validate(); !errors.As(err, &graphErr) {
		t.Fatalf("expected GraphError for self dependency, got %v", err)
	}

	badClarify := valid
	badClarify.ClarificationNeeded = true
	if err := badClarify.Validate(); !errors.As(err, &graphErr) {
		t.Fatalf("expected GraphError for clarification mismatch, got %v", err)
	}
}

func TestTaskPlan_Materialize(t *testing.T) {
	plan := TaskPlan{
		GraphID: "g1",
		SubTasks: []SubTaskSpec{
			{ID: "a", ActionType: ActionTool, ActionName: "x"},
			{ID: "b", ActionType: ActionInference, ActionName: "p", Dependencies: []string{"a"}},
		},
	}
	subtasks := plan.Materialize("exec-1")
	if len(subtasks) != 2 {
		t.Fatalf("expected 2 subtasks, got %d", len(subtasks))
	}
	for _, st := range subtasks {
		if st.ExecutionID != "exec-1" || st.Status != SubtaskPending {
			t.Fatalf("materialized subtask malformed: %+v", st)
		}
	}
	// Mutating the plan's dependency slice must not alias scheduler state.
	plan.SubTasks[1].Dependencies[0] = "mutated"
	if subtasks[1].Dependencies[0] != "a" {
		t.Fatal("dependency slice aliased between plan and subtask")
	}
}

func TestExecution_Counts(t *testing.T) {
	exec := NewExecution(TaskPlan{
		GraphID:  "g1",
		SubTasks: []SubTaskSpec{{ID: "a", ActionType: ActionTool, ActionName: "x"}},
	})
	if exec.TotalTasks != 1 || exec.Status != ExecutionPending {
		t.Fatalf("unexpected new execution: %+v", exec)
	}
	if !exec.CountsConsistent() {
		t.Fatal("fresh execution counts inconsistent")
	}
	exec.CompletedTasks = 1
	exec.FailedTasks = 1
	if exec.CountsConsistent() {
		t.Fatal("expected inconsistent counts to be detected")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"validation", &ValidationError{Field: "url", Message: "missing"}, ClassValidation},
		{"timeout", &TimeoutError{Op: "tool web_fetch", Timeout: time.Second}, ClassTransient},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"cancelled", &CancelledError{Op: "tool web_fetch"}, ClassCancelled},
		{"context cancelled", context.Canceled, ClassCancelled},
		{"capability", &CapabilityUnavailableError{Capability: "model", Reason: "no api key"}, ClassCapabilityUnavailable},
		{"upstream", &UpstreamDependencyFailedError{DependencyID: "a"}, ClassUpstream},
		{"transient wrap", &TransientError{Err: errors.New("conn reset")}, ClassTransient},
		{"unknown", errors.New("boom"), ClassUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

func TestClassify_Wrapped(t *testing.T) {
	wrapped := fmt.Errorf("dispatch subtask a: %w", &TimeoutError{Op: "tool", Timeout: time.Second})
	if got := Classify(wrapped); got != ClassTransient {
		t.Fatalf("wrapped timeout classified as %s", got)
	}
}
