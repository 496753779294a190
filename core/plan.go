package core

import (
	"fmt"
	"strings"
)

// SubTaskSpec is one node of a submitted task plan: the descriptor the
// planner capability hands over for every subtask, before an Execution and
// its Subtasks are materialized from it.
type SubTaskSpec struct {
	ID           string         `json:"id"`
	Description  string         `json:"description"`
	Thought      string         `json:"thought,omitempty"`
	ActionType   ActionType     `json:"action_type"`
	ActionName   string         `json:"action_name"`
	Params       map[string]any `json:"params,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
}

// TaskPlan is the graph submission contract. External planning produces a
// plan; Validate enforces the structural rules that do not require graph
// traversal (cycle detection happens in graph.Build).
type TaskPlan struct {
	GraphID             string        `json:"graph_id"`
	OriginalRequest     string        `json:"original_request"`
	Intent              string        `json:"intent,omitempty"`
	SubTasks            []SubTaskSpec `json:"sub_tasks"`
	ClarificationNeeded bool          `json:"clarification_needed,omitempty"`
	ClarificationQuery  string        `json:"clarification_query,omitempty"`
}

// Validate checks the plan's structural invariants: non-empty task set,
// unique ids, known action types, dependency references within the plan and
// the clarification fields set together or not at all.
func (p TaskPlan) Validate() error {
	if len(p.SubTasks) == 0 {
		return &GraphError{Reason: "plan contains no subtasks"}
	}
	if p.ClarificationNeeded != (p.ClarificationQuery != "") {
		return &GraphError{Reason: "clarification_needed and clarification_query must be set together"}
	}
	seen := make(map[string]struct{}, len(p.SubTasks))
	for _, st := range p.SubTasks {
		if strings.TrimSpace(st.ID) == "" {
			return &GraphError{Reason: "subtask with empty id"}
		}
		if _, dup := seen[st.ID]; dup {
			return &GraphError{Reason: fmt.Sprintf("duplicate subtask id %q", st.ID)}
		}
		seen[st.ID] = struct{}{}
		if st.ActionType != ActionTool && st.ActionType != ActionInference {
			return &GraphError{Reason: fmt.Sprintf("subtask %q: unknown action type %q", st.ID, st.ActionType)}
		}
		if strings.TrimSpace(st.ActionName) == "" {
			return &GraphError{Reason: fmt.Sprintf("subtask %q: empty action name", st.ID)}
		}
	}
	for _, st := range p.SubTasks {
		for _, dep := range st.Dependencies {
			if dep == st.ID {
				return &GraphError{Reason: fmt.Sprintf("subtask %q depends on itself", st.ID)}
			}
			if _, ok := seen[dep]; !ok {
				return &GraphError{Reason: fmt.Sprintf("subtask %q depends on unknown id %q", st.ID, dep)}
			}
		}
	}
	return nil
}

// Materialize converts the plan's specs into pending Subtasks owned by the
// given execution id. Dependency slices are copied so later mutation of the
// plan cannot alias scheduler state.
func (p TaskPlan) Materialize(executionID string) []Subtask {
	subtasks := make([]Subtask, len(p.SubTasks))
	for i, spec := range p.SubTasks {
		deps := make([]string, len(spec.Dependencies))
		copy(deps, spec.Dependencies)
		subtasks[i] = Subtask{
			ID:           spec.ID,
			ExecutionID:  executionID,
			Description:  spec.Description,
			Thought:      spec.Thought,
			ActionType:   spec.ActionType,
			ActionName:   spec.ActionName,
			Params:       spec.Params,
			Dependencies: deps,
			Status:       SubtaskPending,
		}
	}
	return subtasks
}
