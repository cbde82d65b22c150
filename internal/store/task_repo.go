package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/akashsinga/quantpulse/internal/domain"
)

// TaskRepo persists task runs, steps, and logs.
type TaskRepo struct {
	db *sqlx.DB
}

func NewTaskRepo(db *sqlx.DB) *TaskRepo {
	return &TaskRepo{db: db}
}

const taskRunColumns = `id, external_task_id, task_name, task_type, title, description, status,
	progress_percentage, current_message, current_step, total_steps,
	started_at, completed_at, execution_time_seconds, retry_count,
	input_parameters, result_data, error_message, error_traceback, error_category,
	actor_id, last_heartbeat_at, created_at, updated_at`

// CreateRun inserts a new TaskRun in PENDING state.
func (r *TaskRepo) CreateRun(ctx context.Context, run *domain.TaskRun) error {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Status == "" {
		run.Status = domain.TaskPending
	}
	if run.InputParameters == nil {
		run.InputParameters = domain.Params{}
	}

	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO task_runs (id, external_task_id, task_name, task_type, title, description,
			status, input_parameters, actor_id, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at`,
		run.ID, run.ExternalTaskID, run.TaskName, run.TaskType, run.Title, run.Description,
		run.Status, run.InputParameters, run.ActorID, run.RetryCount).
		Scan(&run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create task run: %w", err)
	}
	return nil
}

// GetRun loads a run by ID, or nil.
func (r *TaskRepo) GetRun(ctx context.Context, id uuid.UUID) (*domain.TaskRun, error) {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	var run domain.TaskRun
	err := r.db.GetContext(ctx, &run,
		`SELECT `+taskRunColumns+` FROM task_runs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task run: %w", err)
	}
	return &run, nil
}

// GetRunByExternalID loads a run by the executor-assigned ID, or nil.
func (r *TaskRepo) GetRunByExternalID(ctx context.Context, externalID string) (*domain.TaskRun, error) {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	var run domain.TaskRun
	err := r.db.GetContext(ctx, &run,
		`SELECT `+taskRunColumns+` FROM task_runs WHERE external_task_id = $1
		 ORDER BY created_at DESC LIMIT 1`, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task run by external id: %w", err)
	}
	return &run, nil
}

// UpdateRun persists mutable run fields.
func (r *TaskRepo) UpdateRun(ctx context.Context, run *domain.TaskRun) error {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE task_runs SET
			status = $2,
			progress_percentage = $3,
			current_message = $4,
			current_step = $5,
			total_steps = $6,
			started_at = $7,
			completed_at = $8,
			execution_time_seconds = $9,
			retry_count = $10,
			result_data = $11,
			error_message = $12,
			error_traceback = $13,
			error_category = $14,
			description = $15,
			last_heartbeat_at = $16,
			updated_at = now()
		WHERE id = $1`,
		run.ID, run.Status, run.ProgressPercentage, run.CurrentMessage,
		run.CurrentStep, run.TotalSteps, run.StartedAt, run.CompletedAt,
		run.ExecutionTimeSeconds, run.RetryCount, run.ResultData,
		run.ErrorMessage, run.ErrorTraceback, run.ErrorCategory,
		run.Description, run.LastHeartbeatAt)
	if err != nil {
		return fmt.Errorf("failed to update task run: %w", err)
	}
	return nil
}

// DeleteRun removes a run and, by cascade, its steps and logs.
func (r *TaskRepo) DeleteRun(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM task_runs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete task run: %w", err)
	}
	return nil
}

// Heartbeat stamps the run's liveness marker.
func (r *TaskRepo) Heartbeat(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx,
		`UPDATE task_runs SET last_heartbeat_at = now(), updated_at = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to heartbeat task run: %w", err)
	}
	return nil
}

// StaleRunning lists non-terminal runs whose heartbeat is older than cutoff.
func (r *TaskRepo) StaleRunning(ctx context.Context, cutoff time.Time) ([]domain.TaskRun, error) {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	var runs []domain.TaskRun
	err := r.db.SelectContext(ctx, &runs, `
		SELECT `+taskRunColumns+` FROM task_runs
		WHERE status IN ('STARTED', 'PROGRESS')
		  AND last_heartbeat_at IS NOT NULL
		  AND last_heartbeat_at < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to select stale task runs: %w", err)
	}
	return runs, nil
}

// UpsertStep creates a step on first sight of (task_run_id, step_name) with
// the next monotonic step_order; re-creating the same name updates status,
// title, and result only.
func (r *TaskRepo) UpsertStep(ctx context.Context, step *domain.TaskStep) error {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	if step.ID == uuid.Nil {
		step.ID = uuid.New()
	}
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO task_steps (id, task_run_id, step_name, step_order, title, status, result_data)
		VALUES ($1, $2, $3,
			(SELECT COALESCE(MAX(step_order), 0) + 1 FROM task_steps WHERE task_run_id = $2),
			$4, $5, $6)
		ON CONFLICT (task_run_id, step_name) DO UPDATE SET
			title = EXCLUDED.title,
			status = EXCLUDED.status,
			result_data = COALESCE(EXCLUDED.result_data, task_steps.result_data),
			updated_at = now()
		RETURNING id, step_order, created_at, updated_at`,
		step.ID, step.TaskRunID, step.StepName, step.Title, step.Status, step.ResultData).
		Scan(&step.ID, &step.StepOrder, &step.CreatedAt, &step.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert task step: %w", err)
	}
	return nil
}

// Steps lists a run's steps in order.
func (r *TaskRepo) Steps(ctx context.Context, taskRunID uuid.UUID) ([]domain.TaskStep, error) {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	var steps []domain.TaskStep
	err := r.db.SelectContext(ctx, &steps, `
		SELECT id, task_run_id, step_name, step_order, title, status, result_data, created_at, updated_at
		FROM task_steps WHERE task_run_id = $1 ORDER BY step_order`, taskRunID)
	if err != nil {
		return nil, fmt.Errorf("failed to list task steps: %w", err)
	}
	return steps, nil
}

// FailNonTerminalSteps forces any step still in flight to FAILURE. Called
// when the run itself fails.
func (r *TaskRepo) FailNonTerminalSteps(ctx context.Context, taskRunID uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE task_steps SET status = 'FAILURE', updated_at = now()
		WHERE task_run_id = $1 AND status NOT IN ('SUCCESS', 'FAILURE', 'CANCELLED', 'REVOKED')`,
		taskRunID)
	if err != nil {
		return fmt.Errorf("failed to fail non-terminal steps: %w", err)
	}
	return nil
}

// AppendLog writes one append-only log row.
func (r *TaskRepo) AppendLog(ctx context.Context, entry *domain.TaskLog) error {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO task_logs (id, task_run_id, level, message, extra_data)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		entry.ID, entry.TaskRunID, entry.Level, entry.Message, entry.ExtraData).
		Scan(&entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append task log: %w", err)
	}
	return nil
}

// Logs lists a run's log entries, oldest first.
func (r *TaskRepo) Logs(ctx context.Context, taskRunID uuid.UUID, limit int) ([]domain.TaskLog, error) {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 1000
	}
	var logs []domain.TaskLog
	err := r.db.SelectContext(ctx, &logs, `
		SELECT id, task_run_id, level, message, extra_data, created_at
		FROM task_logs WHERE task_run_id = $1
		ORDER BY created_at ASC LIMIT $2`, taskRunID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list task logs: %w", err)
	}
	return logs, nil
}
