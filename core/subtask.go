package core

import (
	"time"
)

// ActionType distinguishes what kind of work a subtask performs.
type ActionType string

const (
	// ActionTool invokes a named tool from the registry with validated parameters.
	ActionTool ActionType = "tool"
	// ActionInference invokes the model capability with the subtask's prompt.
	ActionInference ActionType = "inference"
)

// SubtaskStatus enumerates the lifecycle states of a single subtask.
type SubtaskStatus string

const (
	// SubtaskPending means the subtask has not been dispatched yet.
	SubtaskPending SubtaskStatus = "pending"
	// SubtaskRunning means the subtask is in flight.
	SubtaskRunning SubtaskStatus = "running"
	// SubtaskWaiting means the subtask is blocked on an external condition
	// that is not a plain dependency (e.g. a clarification).
	SubtaskWaiting SubtaskStatus = "waiting"
	// SubtaskCompleted means the subtask finished successfully.
	SubtaskCompleted SubtaskStatus = "completed"
	// SubtaskFailed means the subtask finished with an error, including the
	// synthetic upstream-dependency failure applied to dependents.
	SubtaskFailed SubtaskStatus = "failed"
)

// Terminal reports whether the status is one no scheduler will move away from.
func (s SubtaskStatus) Terminal() bool {
	return s == SubtaskCompleted || s == SubtaskFailed
}

// Subtask is one unit of work within an Execution: a single tool invocation
// or a single inference call, plus the dependency edges that gate it.
//
// A subtask may enter running only after every id in Dependencies has status
// completed. Result is opaque to the scheduler; only the executor and the
// synthesis step interpret it.
type Subtask struct {
	ID           string         `json:"id" db:"id"`
	ExecutionID  string         `json:"execution_id" db:"execution_id"`
	Description  string         `json:"description" db:"description"`
	Thought      string         `json:"thought,omitempty" db:"thought"`
	ActionType   ActionType     `json:"action_type" db:"action_type"`
	ActionName   string         `json:"action_name" db:"action_name"` // tool name or prompt name
	Params       map[string]any `json:"params,omitempty" db:"-"`
	Dependencies []string       `json:"dependencies" db:"-"`
	Status       SubtaskStatus  `json:"status" db:"status"`
	Result       any            `json:"result,omitempty" db:"-"`
	ErrorMsg     string         `json:"error,omitempty" db:"error_msg"`
	Attempts     int            `json:"attempts" db:"attempts"`
	StartedAt    *time.Time     `json:"started_at,omitempty" db:"started_at"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty" db:"finished_at"`
	Duration     time.Duration  `json:"duration_ns" db:"duration_ns"`
}

// MarkRunning stamps the start time and transitions the subtask to running.
func (s *Subtask) MarkRunning(now time.Time) {
	s.Status = SubtaskRunning
	s.StartedAt = &now
}

// MarkCompleted records a successful result and closes the subtask.
func (s *Subtask) MarkCompleted(result any, now time.Time) {
	s.Status = SubtaskCompleted
	s.Result = result
	s.FinishedAt = &now
	if s.StartedAt != nil {
		s.Duration = now.Sub(*s.StartedAt)
	}
}

// MarkFailed records an error and closes the subtask.
func (s *Subtask) MarkFailed(err error, now time.Time) {
	s.Status = SubtaskFailed
	if err != nil {
		s.ErrorMsg = err.Error()
	}
	s.FinishedAt = &now
	if s.StartedAt != nil {
		s.Duration = now.Sub(*s.StartedAt)
	}
}
