// Package store defines persistence for executions, subtasks, objectives and
// runs. The scheduler is the only writer for a given execution; readers
// (HTTP queries, event consumers) never mutate. An in-memory implementation
// backs tests and demo servers, a postgres implementation backs production.
package store

import (
	"context"
	"errors"

	"github.com/hupe1980/taskmesh/core"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// ListOptions filter and page execution listings.
type ListOptions struct {
	// Status narrows the listing to one execution status when non-empty.
	Status core.ExecutionStatus
	// Limit caps the number of returned executions; 0 means no cap.
	Limit int
	// Offset skips the first n matches.
	Offset int
}

// Store persists the engine's state.
//
// Implementations must make CreateExecution atomic (the execution and all
// its subtasks appear together or not at all) and must order the subtasks
// returned by GetExecution by task id.
type Store interface {
	// CreateExecution atomically persists an execution and its subtasks.
	CreateExecution(ctx context.Context, exec core.Execution, subtasks []core.Subtask) error
	// GetExecution returns the execution and its subtasks ordered by task id.
	GetExecution(ctx context.Context, id string) (core.Execution, []core.Subtask, error)
	// ListExecutions returns executions ordered by start time descending.
	ListExecutions(ctx context.Context, opts ListOptions) ([]core.Execution, error)
	// UpdateExecution overwrites the stored execution record.
	UpdateExecution(ctx context.Context, exec core.Execution) error
	// UpdateSubtask overwrites one subtask of an execution.
	UpdateSubtask(ctx context.Context, st core.Subtask) error
	// DeleteExecution removes an execution and cascades to its subtasks.
	DeleteExecution(ctx context.Context, id string) error

	// CreateObjective persists a new objective definition.
	CreateObjective(ctx context.Context, obj core.Objective) error
	// GetObjective returns one objective by id.
	GetObjective(ctx context.Context, id string) (core.Objective, error)
	// ListObjectives returns all objectives ordered by creation time descending.
	ListObjectives(ctx context.Context) ([]core.Objective, error)
	// UpdateObjective overwrites the stored objective.
	UpdateObjective(ctx context.Context, obj core.Objective) error
	// DeleteObjective removes an objective; its recorded runs are kept.
	DeleteObjective(ctx context.Context, id string) error

	// SaveRun inserts or overwrites a run record.
	SaveRun(ctx context.Context, run core.Run) error
	// GetRun returns one run by id.
	GetRun(ctx context.Context, id string) (core.Run, error)
	// ListRuns returns the runs of an objective ordered by start time descending.
	ListRuns(ctx context.Context, objectiveID string) ([]core.Run, error)
}
