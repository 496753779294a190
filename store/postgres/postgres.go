// Package postgres implements store.Store on PostgreSQL via sqlx. Schema
// migrations are embedded and applied with golang-migrate.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the PostgreSQL-backed store.Store implementation.
type Store struct {
	db *sqlx.DB
}

// New opens a connection pool and verifies it with a ping.
func New(connStr string) (*Store, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "ping postgres")
	}
	return &Store{db: db}, nil
}

// NewFromDB wraps an existing connection pool, mainly for tests.
func NewFromDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies all pending embedded schema migrations.
func (s *Store) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return errors.Wrap(err, "load migrations")
	}
	driver, err := migratepg.WithInstance(s.db.DB, &migratepg.Config{})
	if err != nil {
		return errors.Wrap(err, "migration driver")
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return errors.Wrap(err, "init migrations")
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errors.Wrap(err, "apply migrations")
	}
	return nil
}

// executionRow mirrors the executions table.
type executionRow struct {
	ID              string     `db:"id"`
	GraphID         string     `db:"graph_id"`
	OriginalRequest string     `db:"original_request"`
	Intent          string     `db:"intent"`
	Status          string     `db:"status"`
	TotalTasks      int        `db:"total_tasks"`
	CompletedTasks  int        `db:"completed_tasks"`
	FailedTasks     int        `db:"failed_tasks"`
	WaitingTasks    int        `db:"waiting_tasks"`
	FinalResult     string     `db:"final_result"`
	SynthesisResult string     `db:"synthesis_result"`
	SuspendReason   string     `db:"suspend_reason"`
	SuspendedAt     *time.Time `db:"suspended_at"`
	RetryCount      int        `db:"retry_count"`
	LastRetryAt     *time.Time `db:"last_retry_at"`
	StartedAt       time.Time  `db:"started_at"`
	FinishedAt      *time.Time `db:"finished_at"`
	DurationNS      int64      `db:"duration_ns"`
}

func toExecutionRow(exec core.Execution) executionRow {
	return executionRow{
		ID:              exec.ID,
		GraphID:         exec.GraphID,
		OriginalRequest: exec.OriginalRequest,
		Intent:          exec.Intent,
		Status:          string(exec.Status),
		TotalTasks:      exec.TotalTasks,
		CompletedTasks:  exec.CompletedTasks,
		FailedTasks:     exec.FailedTasks,
		WaitingTasks:    exec.WaitingTasks,
		FinalResult:     exec.FinalResult,
		SynthesisResult: exec.SynthesisResult,
		SuspendReason:   exec.SuspendReason,
		SuspendedAt:     exec.SuspendedAt,
		RetryCount:      exec.RetryCount,
		LastRetryAt:     exec.LastRetryAt,
		StartedAt:       exec.StartedAt,
		FinishedAt:      exec.FinishedAt,
		DurationNS:      int64(exec.Duration),
	}
}

func (r executionRow) toExecution() core.Execution {
	return core.Execution{
		ID:              r.ID,
		GraphID:         r.GraphID,
		OriginalRequest: r.OriginalRequest,
		Intent:          r.Intent,
		Status:          core.ExecutionStatus(r.Status),
		TotalTasks:      r.TotalTasks,
		CompletedTasks:  r.CompletedTasks,
		FailedTasks:     r.FailedTasks,
		WaitingTasks:    r.WaitingTasks,
		FinalResult:     r.FinalResult,
		SynthesisResult: r.SynthesisResult,
		SuspendReason:   r.SuspendReason,
		SuspendedAt:     r.SuspendedAt,
		RetryCount:      r.RetryCount,
		LastRetryAt:     r.LastRetryAt,
		StartedAt:       r.StartedAt,
		FinishedAt:      r.FinishedAt,
		Duration:        time.Duration(r.DurationNS),
	}
}

// subtaskRow mirrors the subtasks table; maps and results are stored as JSONB.
type subtaskRow struct {
	ExecutionID  string          `db:"execution_id"`
	ID           string          `db:"id"`
	Description  string          `db:"description"`
	Thought      string          `db:"thought"`
	ActionType   string          `db:"action_type"`
	ActionName   string          `db:"action_name"`
	Params       []byte          `db:"params"`
	Dependencies []byte          `db:"dependencies"`
	Status       string          `db:"status"`
	Result       json.RawMessage `db:"result"`
	ErrorMsg     string          `db:"error_msg"`
	Attempts     int             `db:"attempts"`
	StartedAt    *time.Time      `db:"started_at"`
	FinishedAt   *time.Time      `db:"finished_at"`
	DurationNS   int64           `db:"duration_ns"`
}

func toSubtaskRow(st core.Subtask) (subtaskRow, error) {
	params, err := json.Marshal(orEmptyMap(st.Params))
	if err != nil {
		return subtaskRow{}, errors.Wrapf(err, "marshal params of subtask %s", st.ID)
	}
	deps, err := json.Marshal(orEmptySlice(st.Dependencies))
	if err != nil {
		return subtaskRow{}, errors.Wrapf(err, "marshal dependencies of subtask %s", st.ID)
	}
	var result json.RawMessage
	if st.Result != nil {
		raw, err := json.Marshal(st.Result)
		if err != nil {
			return subtaskRow{}, errors.Wrapf(err, "marshal result of subtask %s", st.ID)
		}
		result = raw
	}
	return subtaskRow{
		ExecutionID:  st.ExecutionID,
		ID:           st.ID,
		Description:  st.Description,
		Thought:      st.Thought,
		ActionType:   string(st.ActionType),
		ActionName:   st.ActionName,
		Params:       params,
		Dependencies: deps,
		Status:       string(st.Status),
		Result:       result,
		ErrorMsg:     st.ErrorMsg,
		Attempts:     st.Attempts,
		StartedAt:    st.StartedAt,
		FinishedAt:   st.FinishedAt,
		DurationNS:   int64(st.Duration),
	}, nil
}

func (r subtaskRow) toSubtask() (core.Subtask, error) {
	st := core.Subtask{
		ExecutionID: r.ExecutionID,
		ID:          r.ID,
		Description: r.Description,
		Thought:     r.Thought,
		ActionType:  core.ActionType(r.ActionType),
		ActionName:  r.ActionName,
		Status:      core.SubtaskStatus(r.Status),
		ErrorMsg:    r.ErrorMsg,
		Attempts:    r.Attempts,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
		Duration:    time.Duration(r.DurationNS),
	}
	if len(r.Params) > 0 {
		if err := json.Unmarshal(r.Params, &st.Params); err != nil {
			return core.Subtask{}, errors.Wrapf(err, "unmarshal params of subtask %s", r.ID)
		}
	}
	if len(r.Dependencies) > 0 {
		if err := json.Unmarshal(r.Dependencies, &st.Dependencies); err != nil {
			return core.Subtask{}, errors.Wrapf(err, "unmarshal dependencies of subtask %s", r.ID)
		}
	}
	if len(r.Result) > 0 {
		var result any
		if err := json.Unmarshal(r.Result, &result); err != nil {
			return core.Subtask{}, errors.Wrapf(err, "unmarshal result of subtask %s", r.ID)
		}
		st.Result = result
	}
	return st, nil
}

const insertExecutionSQL = `
INSERT INTO executions (
	id, graph_id, original_request, intent, status, total_tasks,
	completed_tasks, failed_tasks, waiting_tasks, final_result,
	synthesis_result, suspend_reason, suspended_at, retry_count,
	last_retry_at, started_at, finished_at, duration_ns
) VALUES (
	:id, :graph_id, :original_request, :intent, :status, :total_tasks,
	:completed_tasks, :failed_tasks, :waiting_tasks, :final_result,
	:synthesis_result, :suspend_reason, :suspended_at, :retry_count,
	:last_retry_at, :started_at, :finished_at, :duration_ns
)`

const insertSubtaskSQL = `
INSERT INTO subtasks (
	execution_id, id, description, thought, action_type, action_name,
	params, dependencies, status, result, error_msg, attempts,
	started_at, finished_at, duration_ns
) VALUES (
	:execution_id, :id, :description, :thought, :action_type, :action_name,
	:params, :dependencies, :status, :result, :error_msg, :attempts,
	:started_at, :finished_at, :duration_ns
)`

// CreateExecution persists the execution and its subtasks in one transaction.
func (s *Store) CreateExecution(ctx context.Context, exec core.Execution, subtasks []core.Subtask) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin create execution")
	}
	defer tx.Rollback()

	if _, err := tx.NamedExecContext(ctx, insertExecutionSQL, toExecutionRow(exec)); err != nil {
		return errors.Wrapf(err, "insert execution %s", exec.ID)
	}
	for _, st := range subtasks {
		row, err := toSubtaskRow(st)
		if err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, insertSubtaskSQL, row); err != nil {
			return errors.Wrapf(err, "insert subtask %s of execution %s", st.ID, exec.ID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit create execution")
}

// GetExecution returns the execution and its subtasks ordered by task id.
func (s *Store) GetExecution(ctx context.Context, id string) (core.Execution, []core.Subtask, error) {
	var row executionRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM executions WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return core.Execution{}, nil, store.ErrNotFound
	}
	if err != nil {
		return core.Execution{}, nil, errors.Wrapf(err, "get execution %s", id)
	}

	var subtaskRows []subtaskRow
	err = s.db.SelectContext(ctx, &subtaskRows,
		"SELECT * FROM subtasks WHERE execution_id = $1 ORDER BY id", id)
	if err != nil {
		return core.Execution{}, nil, errors.Wrapf(err, "get subtasks of execution %s", id)
	}

	subtasks := make([]core.Subtask, 0, len(subtaskRows))
	for _, sr := range subtaskRows {
		st, err := sr.toSubtask()
		if err != nil {
			return core.Execution{}, nil, err
		}
		subtasks = append(subtasks, st)
	}
	return row.toExecution(), subtasks, nil
}

// ListExecutions returns executions ordered by start time descending.
func (s *Store) ListExecutions(ctx context.Context, opts store.ListOptions) ([]core.Execution, error) {
	query := "SELECT * FROM executions"
	args := []any{}
	if opts.Status != "" {
		query += " WHERE status = $1"
		args = append(args, string(opts.Status))
	}
	query += " ORDER BY started_at DESC, id"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += " OFFSET $" + strconv.Itoa(len(args))
	}

	var rows []executionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "list executions")
	}
	execs := make([]core.Execution, len(rows))
	for i, r := range rows {
		execs[i] = r.toExecution()
	}
	return execs, nil
}

const updateExecutionSQL = `
UPDATE executions SET
	status = :status, completed_tasks = :completed_tasks,
	failed_tasks = :failed_tasks, waiting_tasks = :waiting_tasks,
	final_result = :final_result, synthesis_result = :synthesis_result,
	suspend_reason = :suspend_reason, suspended_at = :suspended_at,
	retry_count = :retry_count, last_retry_at = :last_retry_at,
	finished_at = :finished_at, duration_ns = :duration_ns
WHERE id = :id`

// UpdateExecution overwrites the mutable columns of an execution.
func (s *Store) UpdateExecution(ctx context.Context, exec core.Execution) error {
	res, err := s.db.NamedExecContext(ctx, updateExecutionSQL, toExecutionRow(exec))
	if err != nil {
		return errors.Wrapf(err, "update execution %s", exec.ID)
	}
	return noneUpdatedAsNotFound(res)
}

const updateSubtaskSQL = `
UPDATE subtasks SET
	status = :status, result = :result, error_msg = :error_msg,
	attempts = :attempts, started_at = :started_at,
	finished_at = :finished_at, duration_ns = :duration_ns
WHERE execution_id = :execution_id AND id = :id`

// UpdateSubtask overwrites the mutable columns of one subtask.
func (s *Store) UpdateSubtask(ctx context.Context, st core.Subtask) error {
	row, err := toSubtaskRow(st)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, updateSubtaskSQL, row)
	if err != nil {
		return errors.Wrapf(err, "update subtask %s of execution %s", st.ID, st.ExecutionID)
	}
	return noneUpdatedAsNotFound(res)
}

// DeleteExecution removes the execution; subtasks cascade via the schema.
func (s *Store) DeleteExecution(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM executions WHERE id = $1", id)
	if err != nil {
		return errors.Wrapf(err, "delete execution %s", id)
	}
	return noneUpdatedAsNotFound(res)
}

// objectiveRow mirrors the objectives table.
type objectiveRow struct {
	ID           string    `db:"id"`
	Name         string    `db:"name"`
	Objective    string    `db:"objective"`
	StepBudget   int       `db:"step_budget"`
	AllowedTools []byte    `db:"allowed_tools"`
	Constraints  []byte    `db:"constraints"`
	Paused       bool      `db:"paused"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func toObjectiveRow(obj core.Objective) (objectiveRow, error) {
	tools, err := json.Marshal(orEmptySlice(obj.AllowedTools))
	if err != nil {
		return objectiveRow{}, errors.Wrapf(err, "marshal allowed tools of objective %s", obj.ID)
	}
	constraints, err := json.Marshal(orEmptySlice(obj.Constraints))
	if err != nil {
		return objectiveRow{}, errors.Wrapf(err, "marshal constraints of objective %s", obj.ID)
	}
	return objectiveRow{
		ID:           obj.ID,
		Name:         obj.Name,
		Objective:    obj.Objective,
		StepBudget:   obj.StepBudget,
		AllowedTools: tools,
		Constraints:  constraints,
		Paused:       obj.Paused,
		CreatedAt:    obj.CreatedAt,
		UpdatedAt:    obj.UpdatedAt,
	}, nil
}

func (r objectiveRow) toObjective() (core.Objective, error) {
	obj := core.Objective{
		ID:         r.ID,
		Name:       r.Name,
		Objective:  r.Objective,
		StepBudget: r.StepBudget,
		Paused:     r.Paused,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if len(r.AllowedTools) > 0 {
		if err := json.Unmarshal(r.AllowedTools, &obj.AllowedTools); err != nil {
			return core.Objective{}, errors.Wrapf(err, "unmarshal allowed tools of objective %s", r.ID)
		}
	}
	if len(r.Constraints) > 0 {
		if err := json.Unmarshal(r.Constraints, &obj.Constraints); err != nil {
			return core.Objective{}, errors.Wrapf(err, "unmarshal constraints of objective %s", r.ID)
		}
	}
	return obj, nil
}

// CreateObjective persists a new objective definition.
func (s *Store) CreateObjective(ctx context.Context, obj core.Objective) error {
	row, err := toObjectiveRow(obj)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO objectives (id, name, objective, step_budget, allowed_tools, constraints, paused, created_at, updated_at)
		VALUES (:id, :name, :objective, :step_budget, :allowed_tools, :constraints, :paused, :created_at, :updated_at)`, row)
	return errors.Wrapf(err, "insert objective %s", obj.ID)
}

// GetObjective returns one objective by id.
func (s *Store) GetObjective(ctx context.Context, id string) (core.Objective, error) {
	var row objectiveRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM objectives WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return core.Objective{}, store.ErrNotFound
	}
	if err != nil {
		return core.Objective{}, errors.Wrapf(err, "get objective %s", id)
	}
	return row.toObjective()
}

// ListObjectives returns all objectives ordered by creation time descending.
func (s *Store) ListObjectives(ctx context.Context) ([]core.Objective, error) {
	var rows []objectiveRow
	err := s.db.SelectContext(ctx, &rows, "SELECT * FROM objectives ORDER BY created_at DESC, id")
	if err != nil {
		return nil, errors.Wrap(err, "list objectives")
	}
	objs := make([]core.Objective, 0, len(rows))
	for _, r := range rows {
		obj, err := r.toObjective()
		if err != nil {
			return nil, err
		}
		objs = append(objs, obj)
	}
	return objs, nil
}

// UpdateObjective overwrites the stored objective.
func (s *Store) UpdateObjective(ctx context.Context, obj core.Objective) error {
	row, err := toObjectiveRow(obj)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE objectives SET name = :name, objective = :objective, step_budget = :step_budget,
			allowed_tools = :allowed_tools, constraints = :constraints, paused = :paused,
			updated_at = :updated_at
		WHERE id = :id`, row)
	if err != nil {
		return errors.Wrapf(err, "update objective %s", obj.ID)
	}
	return noneUpdatedAsNotFound(res)
}

// DeleteObjective removes an objective; recorded runs are kept.
func (s *Store) DeleteObjective(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM objectives WHERE id = $1", id)
	if err != nil {
		return errors.Wrapf(err, "delete objective %s", id)
	}
	return noneUpdatedAsNotFound(res)
}

// runRow mirrors the runs table.
type runRow struct {
	ID            string     `db:"id"`
	ObjectiveID   string     `db:"objective_id"`
	Objective     string     `db:"objective"`
	StepBudget    int        `db:"step_budget"`
	StepsExecuted int        `db:"steps_executed"`
	WorkingMemory []byte     `db:"working_memory"`
	Steps         []byte     `db:"steps"`
	Status        string     `db:"status"`
	Summary       string     `db:"summary"`
	StartedAt     time.Time  `db:"started_at"`
	FinishedAt    *time.Time `db:"finished_at"`
}

func toRunRow(run core.Run) (runRow, error) {
	memory, err := json.Marshal(orEmptyMap(run.WorkingMemory))
	if err != nil {
		return runRow{}, errors.Wrapf(err, "marshal working memory of run %s", run.ID)
	}
	steps, err := json.Marshal(orEmptySlice(run.Steps))
	if err != nil {
		return runRow{}, errors.Wrapf(err, "marshal steps of run %s", run.ID)
	}
	return runRow{
		ID:            run.ID,
		ObjectiveID:   run.ObjectiveID,
		Objective:     run.Objective,
		StepBudget:    run.StepBudget,
		StepsExecuted: run.StepsExecuted,
		WorkingMemory: memory,
		Steps:         steps,
		Status:        string(run.Status),
		Summary:       run.Summary,
		StartedAt:     run.StartedAt,
		FinishedAt:    run.FinishedAt,
	}, nil
}

func (r runRow) toRun() (core.Run, error) {
	run := core.Run{
		ID:            r.ID,
		ObjectiveID:   r.ObjectiveID,
		Objective:     r.Objective,
		StepBudget:    r.StepBudget,
		StepsExecuted: r.StepsExecuted,
		Status:        core.RunStatus(r.Status),
		Summary:       r.Summary,
		StartedAt:     r.StartedAt,
		FinishedAt:    r.FinishedAt,
	}
	if len(r.WorkingMemory) > 0 {
		if err := json.Unmarshal(r.WorkingMemory, &run.WorkingMemory); err != nil {
			return core.Run{}, errors.Wrapf(err, "unmarshal working memory of run %s", r.ID)
		}
	}
	if len(r.Steps) > 0 {
		if err := json.Unmarshal(r.Steps, &run.Steps); err != nil {
			return core.Run{}, errors.Wrapf(err, "unmarshal steps of run %s", r.ID)
		}
	}
	return run, nil
}

// SaveRun inserts or overwrites a run record.
func (s *Store) SaveRun(ctx context.Context, run core.Run) error {
	row, err := toRunRow(run)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO runs (id, objective_id, objective, step_budget, steps_executed, working_memory, steps, status, summary, started_at, finished_at)
		VALUES (:id, :objective_id, :objective, :step_budget, :steps_executed, :working_memory, :steps, :status, :summary, :started_at, :finished_at)
		ON CONFLICT (id) DO UPDATE SET
			steps_executed = EXCLUDED.steps_executed, working_memory = EXCLUDED.working_memory,
			steps = EXCLUDED.steps, status = EXCLUDED.status, summary = EXCLUDED.summary,
			finished_at = EXCLUDED.finished_at`, row)
	return errors.Wrapf(err, "save run %s", run.ID)
}

// GetRun returns one run by id.
func (s *Store) GetRun(ctx context.Context, id string) (core.Run, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM runs WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return core.Run{}, store.ErrNotFound
	}
	if err != nil {
		return core.Run{}, errors.Wrapf(err, "get run %s", id)
	}
	return row.toRun()
}

// ListRuns returns the runs of an objective ordered by start time descending.
func (s *Store) ListRuns(ctx context.Context, objectiveID string) ([]core.Run, error) {
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM runs WHERE objective_id = $1 ORDER BY started_at DESC, id", objectiveID)
	if err != nil {
		return nil, errors.Wrapf(err, "list runs of objective %s", objectiveID)
	}
	runs := make([]core.Run, 0, len(rows))
	for _, r := range rows {
		run, err := r.toRun()
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func noneUpdatedAsNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptySlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

