package store

import (
	"context"
	"sort"
	"sync"

	"github.com/hupe1980/taskmesh/core"
)

// InMemoryStore is a volatile Store implementation keeping everything in
// process local maps. It is safe for concurrent access and best suited for
// tests or ephemeral demo servers. Returned records are cloned to prevent
// external mutation of internal state.
type InMemoryStore struct {
	mu         sync.RWMutex
	executions map[string]core.Execution
	subtasks   map[string]map[string]core.Subtask // execution id -> task id -> subtask
	objectives map[string]core.Objective
	runs       map[string]core.Run
}

// NewInMemoryStore constructs an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		executions: make(map[string]core.Execution),
		subtasks:   make(map[string]map[string]core.Subtask),
		objectives: make(map[string]core.Objective),
		runs:       make(map[string]core.Run),
	}
}

// CreateExecution stores the execution together with its subtasks.
func (s *InMemoryStore) CreateExecution(_ context.Context, exec core.Execution, subtasks []core.Subtask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.executions[exec.ID] = exec
	byID := make(map[string]core.Subtask, len(subtasks))
	for _, st := range subtasks {
		byID[st.ID] = st.Clone()
	}
	s.subtasks[exec.ID] = byID
	return nil
}

// GetExecution returns the execution and its subtasks ordered by task id.
func (s *InMemoryStore) GetExecution(_ context.Context, id string) (core.Execution, []core.Subtask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[id]
	if !ok {
		return core.Execution{}, nil, ErrNotFound
	}

	byID := s.subtasks[id]
	subtasks := make([]core.Subtask, 0, len(byID))
	for _, st := range byID {
		subtasks = append(subtasks, st.Clone())
	}
	sort.Slice(subtasks, func(i, j int) bool { return subtasks[i].ID < subtasks[j].ID })
	return exec, subtasks, nil
}

// ListExecutions returns executions ordered by start time descending.
func (s *InMemoryStore) ListExecutions(_ context.Context, opts ListOptions) ([]core.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var execs []core.Execution
	for _, exec := range s.executions {
		if opts.Status != "" && exec.Status != opts.Status {
			continue
		}
		execs = append(execs, exec)
	}
	sort.Slice(execs, func(i, j int) bool {
		if execs[i].StartedAt.Equal(execs[j].StartedAt) {
			return execs[i].ID < execs[j].ID
		}
		return execs[i].StartedAt.After(execs[j].StartedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(execs) {
			return nil, nil
		}
		execs = execs[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(execs) {
		execs = execs[:opts.Limit]
	}
	return execs, nil
}

// UpdateExecution overwrites the stored execution record.
func (s *InMemoryStore) UpdateExecution(_ context.Context, exec core.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[exec.ID]; !ok {
		return ErrNotFound
	}
	s.executions[exec.ID] = exec
	return nil
}

// UpdateSubtask overwrites one subtask of an execution.
func (s *InMemoryStore) UpdateSubtask(_ context.Context, st core.Subtask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.subtasks[st.ExecutionID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := byID[st.ID]; !ok {
		return ErrNotFound
	}
	byID[st.ID] = st.Clone()
	return nil
}

// DeleteExecution removes the execution and cascades to its subtasks.
func (s *InMemoryStore) DeleteExecution(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[id]; !ok {
		return ErrNotFound
	}
	delete(s.executions, id)
	delete(s.subtasks, id)
	return nil
}

// CreateObjective persists a new objective definition.
func (s *InMemoryStore) CreateObjective(_ context.Context, obj core.Objective) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.objectives[obj.ID] = obj.Clone()
	return nil
}

// GetObjective returns one objective by id.
func (s *InMemoryStore) GetObjective(_ context.Context, id string) (core.Objective, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objectives[id]
	if !ok {
		return core.Objective{}, ErrNotFound
	}
	return obj.Clone(), nil
}

// ListObjectives returns all objectives ordered by creation time descending.
func (s *InMemoryStore) ListObjectives(_ context.Context) ([]core.Objective, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	objs := make([]core.Objective, 0, len(s.objectives))
	for _, obj := range s.objectives {
		objs = append(objs, obj.Clone())
	}
	sort.Slice(objs, func(i, j int) bool {
		if objs[i].CreatedAt.Equal(objs[j].CreatedAt) {
			return objs[i].ID < objs[j].ID
		}
		return objs[i].CreatedAt.After(objs[j].CreatedAt)
	})
	return objs, nil
}

// UpdateObjective overwrites the stored objective.
func (s *InMemoryStore) UpdateObjective(_ context.Context, obj core.Objective) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.objectives[obj.ID]; !ok {
		return ErrNotFound
	}
	s.objectives[obj.ID] = obj.Clone()
	return nil
}

// DeleteObjective removes an objective; recorded runs are kept.
func (s *InMemoryStore) DeleteObjective(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.objectives[id]; !ok {
		return ErrNotFound
	}
	delete(s.objectives, id)
	return nil
}

// SaveRun inserts or overwrites a run record.
func (s *InMemoryStore) SaveRun(_ context.Context, run core.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[run.ID] = run.Clone()
	return nil
}

// GetRun returns one run by id.
func (s *InMemoryStore) GetRun(_ context.Context, id string) (core.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return core.Run{}, ErrNotFound
	}
	return run.Clone(), nil
}

// ListRuns returns the runs of an objective ordered by start time descending.
func (s *InMemoryStore) ListRuns(_ context.Context, objectiveID string) ([]core.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []core.Run
	for _, run := range s.runs {
		if run.ObjectiveID != objectiveID {
			continue
		}
		runs = append(runs, run.Clone())
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	return runs, nil
}
