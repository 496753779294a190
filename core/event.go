package core

import (
	"time"
)

// EventKind discriminates the payload carried by an Event.
type EventKind string

const (
	// EventSnapshot carries the execution status plus aggregate counts. One is
	// emitted when a subscriber attaches and after every execution-level
	// transition.
	EventSnapshot EventKind = "snapshot"
	// EventSubtask carries a single subtask lifecycle transition.
	EventSubtask EventKind = "subtask"
	// EventHeartbeat carries no payload; it lets long-lived observers detect a
	// dead connection independent of subtask activity.
	EventHeartbeat EventKind = "heartbeat"
)

// ExecutionSnapshot is the aggregate view published on execution transitions.
type ExecutionSnapshot struct {
	Status         ExecutionStatus `json:"status"`
	TotalTasks     int             `json:"total_tasks"`
	CompletedTasks int             `json:"completed_tasks"`
	FailedTasks    int             `json:"failed_tasks"`
	WaitingTasks   int             `json:"waiting_tasks"`
	SuspendReason  string          `json:"suspend_reason,omitempty"`
}

// SubtaskTransition is the per-subtask payload published on status changes.
type SubtaskTransition struct {
	SubtaskID string        `json:"subtask_id"`
	Status    SubtaskStatus `json:"status"`
	Attempts  int           `json:"attempts,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Event is one item on an execution's progress stream. After publication it
// must be treated as immutable.
type Event struct {
	ID          string             `json:"id"`
	ExecutionID string             `json:"execution_id"`
	Kind        EventKind          `json:"kind"`
	Timestamp   time.Time          `json:"timestamp"`
	Snapshot    *ExecutionSnapshot `json:"snapshot,omitempty"`
	Subtask     *SubtaskTransition `json:"subtask,omitempty"`
}

// NewSnapshotEvent builds a snapshot event from the execution's current
// aggregate state.
func NewSnapshotEvent(exec Execution) Event {
	return Event{
		ID:          NewID(),
		ExecutionID: exec.ID,
		Kind:        EventSnapshot,
		Timestamp:   time.Now().UTC(),
		Snapshot: &ExecutionSnapshot{
			Status:         exec.Status,
			TotalTasks:     exec.TotalTasks,
			CompletedTasks: exec.CompletedTasks,
			FailedTasks:    exec.FailedTasks,
			WaitingTasks:   exec.WaitingTasks,
			SuspendReason:  exec.SuspendReason,
		},
	}
}

// NewSubtaskEvent builds a transition event for a single subtask.
func NewSubtaskEvent(executionID string, st Subtask) Event {
	return Event{
		ID:          NewID(),
		ExecutionID: executionID,
		Kind:        EventSubtask,
		Timestamp:   time.Now().UTC(),
		Subtask: &SubtaskTransition{
			SubtaskID: st.ID,
			Status:    st.Status,
			Attempts:  st.Attempts,
			Error:     st.ErrorMsg,
		},
	}
}

// NewHeartbeatEvent builds a heartbeat for the given execution stream.
func NewHeartbeatEvent(executionID string) Event {
	return Event{
		ID:          NewID(),
		ExecutionID: executionID,
		Kind:        EventHeartbeat,
		Timestamp:   time.Now().UTC(),
	}
}
