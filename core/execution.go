package core

import (
	"time"
)

// ExecutionStatus enumerates the lifecycle states of an execution.
//
// The machine is pending → running → {waiting | completed | failed | partial
// | suspended}. completed, failed and partial are terminal; waiting and
// suspended are resumable.
type ExecutionStatus string

const (
	// ExecutionPending means the graph is built but nothing has been dispatched.
	ExecutionPending ExecutionStatus = "pending"
	// ExecutionRunning means at least one subtask has been dispatched.
	ExecutionRunning ExecutionStatus = "running"
	// ExecutionWaiting means the execution is parked on an external condition
	// (clarification) and remains resumable.
	ExecutionWaiting ExecutionStatus = "waiting"
	// ExecutionSuspended means a retryable failure exhausted its immediate
	// attempts; state is preserved pending resumption.
	ExecutionSuspended ExecutionStatus = "suspended"
	// ExecutionCompleted means every subtask completed successfully.
	ExecutionCompleted ExecutionStatus = "completed"
	// ExecutionFailed means no further progress is possible and nothing succeeded.
	ExecutionFailed ExecutionStatus = "failed"
	// ExecutionPartial means the execution reached a terminal point with a mix
	// of completed and failed subtasks.
	ExecutionPartial ExecutionStatus = "partial"
)

// Terminal reports whether the status is final. Waiting and suspended
// executions remain resumable and are not terminal.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionPartial
}

// Execution is one run of a decomposed objective's subtask graph.
//
// TotalTasks is fixed at creation and never mutated; the aggregate counts
// satisfy CompletedTasks + FailedTasks + WaitingTasks <= TotalTasks at all
// times. All mutation goes through the owning scheduler goroutine.
type Execution struct {
	ID              string          `json:"id" db:"id"`
	GraphID         string          `json:"graph_id" db:"graph_id"`
	OriginalRequest string          `json:"original_request" db:"original_request"`
	Intent          string          `json:"intent,omitempty" db:"intent"`
	Status          ExecutionStatus `json:"status" db:"status"`
	TotalTasks      int             `json:"total_tasks" db:"total_tasks"`
	CompletedTasks  int             `json:"completed_tasks" db:"completed_tasks"`
	FailedTasks     int             `json:"failed_tasks" db:"failed_tasks"`
	WaitingTasks    int             `json:"waiting_tasks" db:"waiting_tasks"`
	FinalResult     string          `json:"final_result,omitempty" db:"final_result"`
	SynthesisResult string          `json:"synthesis_result,omitempty" db:"synthesis_result"`
	SuspendReason   string          `json:"suspend_reason,omitempty" db:"suspend_reason"`
	SuspendedAt     *time.Time      `json:"suspended_at,omitempty" db:"suspended_at"`
	RetryCount      int             `json:"retry_count" db:"retry_count"`
	LastRetryAt     *time.Time      `json:"last_retry_at,omitempty" db:"last_retry_at"`
	StartedAt       time.Time       `json:"started_at" db:"started_at"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty" db:"finished_at"`
	Duration        time.Duration   `json:"duration_ns" db:"duration_ns"`
}

// NewExecution creates a pending execution shell for a validated plan.
func NewExecution(plan TaskPlan) Execution {
	return Execution{
		ID:              NewID(),
		GraphID:         plan.GraphID,
		OriginalRequest: plan.OriginalRequest,
		Intent:          plan.Intent,
		Status:          ExecutionPending,
		TotalTasks:      len(plan.SubTasks),
		StartedAt:       time.Now().UTC(),
	}
}

// CountsConsistent reports whether the aggregate count invariant holds.
func (e Execution) CountsConsistent() bool {
	return e.CompletedTasks+e.FailedTasks+e.WaitingTasks <= e.TotalTasks
}

// Finish stamps the terminal status and completion time.
func (e *Execution) Finish(status ExecutionStatus, now time.Time) {
	e.Status = status
	e.FinishedAt = &now
	e.Duration = now.Sub(e.StartedAt)
}

// Suspend records the suspension reason and timestamp.
func (e *Execution) Suspend(reason string, now time.Time) {
	e.Status = ExecutionSuspended
	e.SuspendReason = reason
	e.SuspendedAt = &now
}
