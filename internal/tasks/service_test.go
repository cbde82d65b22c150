package tasks

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akashsinga/quantpulse/internal/domain"
	"github.com/akashsinga/quantpulse/internal/ratelimit"
	"github.com/akashsinga/quantpulse/internal/store"
)

var ist = time.FixedZone("IST", 5*3600+1800)

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewService(store.NewTaskRepo(sqlx.NewDb(db, "postgres")), ist, nil), mock
}

var taskRunCols = []string{"id", "external_task_id", "task_name", "task_type", "title", "description",
	"status", "progress_percentage", "current_message", "current_step", "total_steps",
	"started_at", "completed_at", "execution_time_seconds", "retry_count",
	"input_parameters", "result_data", "error_message", "error_traceback", "error_category",
	"actor_id", "last_heartbeat_at", "created_at", "updated_at"}

func taskRunRow(run *domain.TaskRun) *sqlmock.Rows {
	return sqlmock.NewRows(taskRunCols).AddRow(
		run.ID.String(), run.ExternalTaskID, run.TaskName, run.TaskType, run.Title, run.Description,
		string(run.Status), run.ProgressPercentage, run.CurrentMessage, run.CurrentStep, run.TotalSteps,
		run.StartedAt, run.CompletedAt, run.ExecutionTimeSeconds, run.RetryCount,
		[]byte(`{}`), nil, run.ErrorMessage, nil, run.ErrorCategory,
		nil, run.LastHeartbeatAt, time.Now(), time.Now())
}

func logInsertedRow() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now())
}

func TestExecuteSuccessStampsCompletion(t *testing.T) {
	svc, mock := newTestService(t)

	run := &domain.TaskRun{
		ID:       uuid.New(),
		TaskName: "svc_test_success",
		TaskType: "svc_test_success",
		Status:   domain.TaskPending,
	}

	var sawTaskCtx bool
	Register("svc_test_success", func(ctx context.Context, tc *Context) (domain.Params, error) {
		sawTaskCtx = FromContext(ctx) == tc
		return domain.Params{"rows": 42}, nil
	})

	mock.ExpectExec(`UPDATE task_runs SET`).WillReturnResult(sqlmock.NewResult(0, 1)) // RECEIVED
	mock.ExpectExec(`UPDATE task_runs SET`).WillReturnResult(sqlmock.NewResult(0, 1)) // STARTED
	mock.ExpectQuery(`SELECT .+ FROM task_runs WHERE id = \$1`).
		WithArgs(run.ID).
		WillReturnRows(taskRunRow(&domain.TaskRun{ID: run.ID, Status: domain.TaskStarted}))
	mock.ExpectExec(`UPDATE task_runs SET`).WillReturnResult(sqlmock.NewResult(0, 1)) // terminal
	mock.ExpectQuery(`INSERT INTO task_logs`).WillReturnRows(logInsertedRow())

	require.NoError(t, svc.Execute(context.Background(), run))

	assert.True(t, sawTaskCtx, "the job context carries the task context for code below the job function")
	assert.Equal(t, domain.TaskSuccess, run.Status)
	assert.Equal(t, 100, run.ProgressPercentage)
	assert.Equal(t, domain.Params{"rows": 42}, run.ResultData)

	require.NotNil(t, run.StartedAt)
	require.NotNil(t, run.CompletedAt, "terminal runs carry a completion timestamp")
	assert.False(t, run.CompletedAt.Before(*run.StartedAt))
	require.NotNil(t, run.ExecutionTimeSeconds)
	assert.GreaterOrEqual(t, *run.ExecutionTimeSeconds, 0.0)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteFailureCategorizesAndFailsSteps(t *testing.T) {
	svc, mock := newTestService(t)

	run := &domain.TaskRun{
		ID:       uuid.New(),
		TaskName: "svc_test_failure",
		TaskType: "svc_test_failure",
		Status:   domain.TaskPending,
	}
	Register("svc_test_failure", func(context.Context, *Context) (domain.Params, error) {
		return nil, fmt.Errorf("%w: connection refused", ratelimit.ErrUnavailable)
	})

	mock.ExpectExec(`UPDATE task_runs SET`).WillReturnResult(sqlmock.NewResult(0, 1)) // RECEIVED
	mock.ExpectExec(`UPDATE task_runs SET`).WillReturnResult(sqlmock.NewResult(0, 1)) // STARTED
	mock.ExpectQuery(`SELECT .+ FROM task_runs WHERE id = \$1`).
		WillReturnRows(taskRunRow(&domain.TaskRun{ID: run.ID, Status: domain.TaskStarted}))
	// Failure path: steps forced down, error log, terminal update, final log.
	mock.ExpectExec(`UPDATE task_steps SET status = 'FAILURE'`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO task_logs`).WillReturnRows(logInsertedRow())
	mock.ExpectExec(`UPDATE task_runs SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO task_logs`).WillReturnRows(logInsertedRow())

	err := svc.Execute(context.Background(), run)
	require.Error(t, err)

	assert.Equal(t, domain.TaskFailure, run.Status)
	require.NotNil(t, run.ErrorMessage)
	assert.Contains(t, *run.ErrorMessage, "connection refused")
	require.NotNil(t, run.ErrorCategory)
	assert.Equal(t, "rate_limiter", *run.ErrorCategory)
	require.NotNil(t, run.CompletedAt)
	assert.False(t, run.CompletedAt.Before(*run.StartedAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelPendingRun(t *testing.T) {
	svc, mock := newTestService(t)
	id := uuid.New()

	mock.ExpectQuery(`SELECT .+ FROM task_runs WHERE id = \$1`).
		WillReturnRows(taskRunRow(&domain.TaskRun{ID: id, Status: domain.TaskPending}))
	mock.ExpectExec(`UPDATE task_runs SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO task_logs`).WillReturnRows(logInsertedRow())

	require.NoError(t, svc.Cancel(context.Background(), id))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelTerminalRunRejected(t *testing.T) {
	svc, mock := newTestService(t)
	id := uuid.New()

	mock.ExpectQuery(`SELECT .+ FROM task_runs WHERE id = \$1`).
		WillReturnRows(taskRunRow(&domain.TaskRun{ID: id, Status: domain.TaskSuccess}))

	err := svc.Cancel(context.Background(), id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be cancelled")
	assert.NoError(t, mock.ExpectationsWereMet(), "a terminal run is never written back")
}

func TestRetryFailedRunCreatesNewRun(t *testing.T) {
	svc, mock := newTestService(t)
	prevID := uuid.New()

	mock.ExpectQuery(`SELECT .+ FROM task_runs WHERE id = \$1`).
		WillReturnRows(taskRunRow(&domain.TaskRun{
			ID:             prevID,
			ExternalTaskID: "ext-prev",
			TaskName:       "fetch_historical",
			TaskType:       "fetch_historical",
			Title:          "Fetch historical",
			Status:         domain.TaskFailure,
			RetryCount:     2,
		}))
	mock.ExpectQuery(`INSERT INTO task_runs`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).
			AddRow(time.Now(), time.Now()))

	run, err := svc.Retry(context.Background(), prevID)
	require.NoError(t, err)

	assert.NotEqual(t, prevID, run.ID, "retry creates a new run, never resurrects the old one")
	assert.NotEqual(t, "ext-prev", run.ExternalTaskID)
	assert.Equal(t, domain.TaskPending, run.Status)
	assert.Equal(t, "fetch_historical", run.TaskType)
	assert.Equal(t, 3, run.RetryCount)
	require.NotNil(t, run.Description)
	assert.Contains(t, *run.Description, prevID.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryRejectsRunningRun(t *testing.T) {
	svc, mock := newTestService(t)
	id := uuid.New()

	mock.ExpectQuery(`SELECT .+ FROM task_runs WHERE id = \$1`).
		WillReturnRows(taskRunRow(&domain.TaskRun{ID: id, Status: domain.TaskStarted}))

	_, err := svc.Retry(context.Background(), id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be retried")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProgressLogsOnlyAtTenPercentBoundaries(t *testing.T) {
	svc, mock := newTestService(t)
	run := &domain.TaskRun{ID: uuid.New(), TaskName: "svc_test_progress", Status: domain.TaskStarted}
	tc := &Context{svc: svc, run: run}

	// 5%: same decade as the last logged value, progress row only.
	mock.ExpectExec(`UPDATE task_runs SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, tc.Progress(context.Background(), 5, 100, "warming up"))

	// 12%: crosses into a new decade, one log entry.
	mock.ExpectExec(`UPDATE task_runs SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO task_logs`).WillReturnRows(logInsertedRow())
	require.NoError(t, tc.Progress(context.Background(), 12, 100, "loading"))

	// 15%: still in the same decade, suppressed.
	mock.ExpectExec(`UPDATE task_runs SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, tc.Progress(context.Background(), 15, 100, "loading"))

	// 100% always logs.
	mock.ExpectExec(`UPDATE task_runs SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO task_logs`).WillReturnRows(logInsertedRow())
	require.NoError(t, tc.Progress(context.Background(), 100, 100, "done"))

	assert.Equal(t, 100, run.ProgressPercentage)
	assert.Equal(t, domain.TaskProgress, run.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProgressMirrorsIntoCurrentStep(t *testing.T) {
	svc, mock := newTestService(t)
	run := &domain.TaskRun{ID: uuid.New(), TaskName: "svc_test_steps", Status: domain.TaskStarted}
	tc := &Context{svc: svc, run: run}

	stepRow := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{"id", "step_order", "created_at", "updated_at"}).
			AddRow(uuid.New().String(), 1, time.Now(), time.Now())
	}

	mock.ExpectQuery(`INSERT INTO task_steps`).WillReturnRows(stepRow())
	require.NoError(t, tc.StartStep(context.Background(), "load", "Load bars"))

	mock.ExpectExec(`UPDATE task_runs SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO task_steps`).WillReturnRows(stepRow())
	mock.ExpectQuery(`INSERT INTO task_logs`).WillReturnRows(logInsertedRow())
	require.NoError(t, tc.Progress(context.Background(), 50, 100, "halfway"))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHeartbeatSweepFailsStaleRuns(t *testing.T) {
	svc, mock := newTestService(t)
	monitor := NewHeartbeatMonitor(svc)

	id := uuid.New()
	started := time.Now().Add(-time.Hour)
	stale := time.Now().Add(-30 * time.Minute)

	mock.ExpectQuery(`SELECT .+ FROM task_runs`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(taskRunRow(&domain.TaskRun{
			ID:              id,
			TaskName:        "svc_test_stale",
			TaskType:        "svc_test_stale",
			Status:          domain.TaskProgress,
			StartedAt:       &started,
			LastHeartbeatAt: &stale,
		}))
	mock.ExpectExec(`UPDATE task_steps SET status = 'FAILURE'`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE task_runs SET`).
		WithArgs(id, "FAILURE",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), "executor heartbeat lost", sqlmock.AnyArg(),
			"lost_heartbeat", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO task_logs`).WillReturnRows(logInsertedRow())

	monitor.sweep(context.Background())
	assert.NoError(t, mock.ExpectationsWereMet())
}
