package core

import (
	"time"
)

// RunStatus enumerates the lifecycle states of a single-objective run.
type RunStatus string

const (
	// RunRunning means the step loop is still cycling.
	RunRunning RunStatus = "running"
	// RunCompleted means the planner signalled finish or the budget ran out
	// and summarization (or its fallback) produced a final answer.
	RunCompleted RunStatus = "completed"
	// RunFailed means the loop aborted on a non-recoverable error.
	RunFailed RunStatus = "failed"
)

// Step is one plan→act→observe cycle of a single-objective run.
type Step struct {
	Number      int           `json:"number" db:"number"`
	Thought     string        `json:"thought" db:"thought"`
	ToolName    string        `json:"tool_name,omitempty" db:"tool_name"`
	ToolInput   string        `json:"tool_input,omitempty" db:"tool_input"`
	Observation string        `json:"observation,omitempty" db:"observation"`
	Duration    time.Duration `json:"duration_ns" db:"duration_ns"`
	ErrorMsg    string        `json:"error,omitempty" db:"error_msg"`
}

// Run owns the steps of one objective driven through the step loop.
// StepsExecuted never exceeds StepBudget; once Status is terminal the run
// and its steps are immutable.
type Run struct {
	ID            string         `json:"id" db:"id"`
	ObjectiveID   string         `json:"objective_id,omitempty" db:"objective_id"`
	Objective     string         `json:"objective" db:"objective"`
	StepBudget    int            `json:"step_budget" db:"step_budget"`
	StepsExecuted int            `json:"steps_executed" db:"steps_executed"`
	WorkingMemory map[string]any `json:"working_memory,omitempty" db:"-"`
	Steps         []Step         `json:"steps" db:"-"`
	Status        RunStatus      `json:"status" db:"status"`
	Summary       string         `json:"summary,omitempty" db:"summary"`
	StartedAt     time.Time      `json:"started_at" db:"started_at"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty" db:"finished_at"`
}

// Objective is a stored single-objective definition: what to pursue, with
// which tools, under which constraints and step budget. Runs are triggered
// manually against it.
type Objective struct {
	ID           string    `json:"id" db:"id"`
	Name         string    `json:"name" db:"name"`
	Objective    string    `json:"objective" db:"objective"`
	StepBudget   int       `json:"step_budget" db:"step_budget"`
	AllowedTools []string  `json:"allowed_tools,omitempty" db:"-"`
	Constraints  []string  `json:"constraints,omitempty" db:"-"`
	Paused       bool      `json:"paused" db:"paused"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}
