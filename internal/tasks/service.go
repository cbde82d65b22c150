// Package tasks is the job orchestrator: durable TaskRun/TaskStep/TaskLog
// tracking, the execution registry, and the heartbeat monitor.
package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/akashsinga/quantpulse/internal/domain"
	"github.com/akashsinga/quantpulse/internal/metrics"
	"github.com/akashsinga/quantpulse/internal/store"
)

// Service drives the TaskRun lifecycle:
//
//	PENDING -> RECEIVED -> STARTED -> PROGRESS* -> {SUCCESS | FAILURE | CANCELLED | REVOKED}
//
// One executor per task; concurrent step creation within a run is not
// supported.
type Service struct {
	repo *store.TaskRepo
	loc  *time.Location
	m    *metrics.Registry

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
}

func NewService(repo *store.TaskRepo, loc *time.Location, m *metrics.Registry) *Service {
	return &Service{
		repo:    repo,
		loc:     loc,
		m:       m,
		cancels: make(map[uuid.UUID]context.CancelFunc),
	}
}

// Create records a new PENDING run.
func (s *Service) Create(ctx context.Context, taskType, taskName, title string, params domain.Params, actorID *string) (*domain.TaskRun, error) {
	run := &domain.TaskRun{
		ExternalTaskID:  uuid.NewString(),
		TaskName:        taskName,
		TaskType:        taskType,
		Title:           title,
		Status:          domain.TaskPending,
		InputParameters: params,
		ActorID:         actorID,
	}
	if err := s.repo.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	s.countTransition(run.TaskType, domain.TaskPending)
	return run, nil
}

// Execute runs a registered job function under full lifecycle tracking. It
// blocks until the job finishes, is cancelled, or fails.
func (s *Service) Execute(ctx context.Context, run *domain.TaskRun) error {
	fn, ok := Lookup(run.TaskType)
	if !ok {
		err := fmt.Errorf("no job registered for task type %q", run.TaskType)
		s.fail(ctx, run, err, strPtr("unknown_task_type"))
		return err
	}

	jobCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancels[run.ID] = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.cancels, run.ID)
		s.mu.Unlock()
	}()

	if err := s.transition(ctx, run, domain.TaskReceived); err != nil {
		return err
	}
	now := s.now()
	run.StartedAt = &now
	run.LastHeartbeatAt = &now
	if err := s.transition(ctx, run, domain.TaskStarted); err != nil {
		return err
	}

	tc := &Context{svc: s, run: run}
	result, err := fn(WithContext(jobCtx, tc), tc)

	// A cancel request may have landed while the job was winding down;
	// reload so the terminal state reflects it.
	if fresh, gerr := s.repo.GetRun(ctx, run.ID); gerr == nil && fresh != nil && fresh.Status == domain.TaskCancelled {
		run.Status = domain.TaskCancelled
		s.complete(ctx, run, result)
		return nil
	}

	if err != nil {
		if jobCtx.Err() != nil {
			run.Status = domain.TaskCancelled
			s.complete(ctx, run, result)
			return nil
		}
		s.fail(ctx, run, err, nil)
		return err
	}

	run.Status = domain.TaskSuccess
	run.ProgressPercentage = 100
	run.ResultData = result
	s.complete(ctx, run, result)
	return nil
}

// Cancel marks a run CANCELLED and signals its executor. Only
// PENDING/RECEIVED/STARTED/PROGRESS runs may be cancelled.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	run, err := s.repo.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("task run %s not found", id)
	}
	if !run.Status.Cancellable() {
		return fmt.Errorf("task run %s in state %s cannot be cancelled", id, run.Status)
	}

	run.Status = domain.TaskCancelled
	s.complete(ctx, run, run.ResultData)

	s.mu.Lock()
	cancel := s.cancels[id]
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	log.Info().Str("task_run_id", id.String()).Msg("task run cancelled")
	return nil
}

// Retry creates a new run from a terminal failed/cancelled/revoked one,
// preserving input parameters and linking back in the description.
func (s *Service) Retry(ctx context.Context, id uuid.UUID) (*domain.TaskRun, error) {
	prev, err := s.repo.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return nil, fmt.Errorf("task run %s not found", id)
	}
	if !prev.Status.Retryable() {
		return nil, fmt.Errorf("task run %s in state %s cannot be retried", id, prev.Status)
	}

	desc := fmt.Sprintf("retry of task run %s", prev.ID)
	run := &domain.TaskRun{
		ExternalTaskID:  uuid.NewString(),
		TaskName:        prev.TaskName,
		TaskType:        prev.TaskType,
		Title:           prev.Title,
		Description:     &desc,
		Status:          domain.TaskPending,
		InputParameters: prev.InputParameters,
		ActorID:         prev.ActorID,
		RetryCount:      prev.RetryCount + 1,
	}
	if err := s.repo.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	s.countTransition(run.TaskType, domain.TaskRetry)
	return run, nil
}

// Delete removes a run. Running tasks are protected unless force is set.
func (s *Service) Delete(ctx context.Context, id uuid.UUID, force bool) error {
	run, err := s.repo.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if run == nil {
		return nil
	}
	if !run.Status.IsTerminal() && !force {
		return fmt.Errorf("task run %s is %s; delete requires force", id, run.Status)
	}
	return s.repo.DeleteRun(ctx, id)
}

// Get exposes run lookup for callers outside the executor.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.TaskRun, error) {
	return s.repo.GetRun(ctx, id)
}

// CancelRequested reports whether a cancel has landed for the run. Executors
// poll this at chunk boundaries.
func (s *Service) CancelRequested(ctx context.Context, id uuid.UUID) bool {
	run, err := s.repo.GetRun(ctx, id)
	if err != nil || run == nil {
		return false
	}
	return run.Status == domain.TaskCancelled || run.Status == domain.TaskRevoked
}

// transition applies a non-terminal state change.
func (s *Service) transition(ctx context.Context, run *domain.TaskRun, status domain.TaskStatus) error {
	run.Status = status
	if err := s.repo.UpdateRun(ctx, run); err != nil {
		return err
	}
	s.countTransition(run.TaskType, status)
	return nil
}

// complete finalizes a terminal transition: completion timestamps, execution
// time, final log.
func (s *Service) complete(ctx context.Context, run *domain.TaskRun, result domain.Params) {
	now := s.now()
	run.CompletedAt = &now
	if run.StartedAt != nil {
		secs := now.Sub(*run.StartedAt).Seconds()
		run.ExecutionTimeSeconds = &secs
	}
	if result != nil {
		run.ResultData = result
	}
	if err := s.repo.UpdateRun(ctx, run); err != nil {
		log.Error().Err(err).Str("task_run_id", run.ID.String()).
			Msg("failed to persist terminal task state")
		return
	}
	s.countTransition(run.TaskType, run.Status)
	_ = s.repo.AppendLog(ctx, &domain.TaskLog{
		TaskRunID: run.ID,
		Level:     domain.LogInfo,
		Message:   fmt.Sprintf("task %s finished with status %s", run.TaskName, run.Status),
	})
}

// fail finalizes a run as FAILURE and forces the current step down with it.
func (s *Service) fail(ctx context.Context, run *domain.TaskRun, err error, category *string) {
	msg := err.Error()
	run.Status = domain.TaskFailure
	run.ErrorMessage = &msg
	run.ErrorCategory = category
	if run.ErrorCategory == nil {
		run.ErrorCategory = categorize(err)
	}
	_ = s.repo.FailNonTerminalSteps(ctx, run.ID)
	_ = s.repo.AppendLog(ctx, &domain.TaskLog{
		TaskRunID: run.ID,
		Level:     domain.LogError,
		Message:   msg,
	})
	s.complete(ctx, run, run.ResultData)
}

func (s *Service) now() time.Time {
	return time.Now().In(s.loc)
}

func (s *Service) countTransition(taskType string, status domain.TaskStatus) {
	if s.m != nil {
		s.m.TaskTransitions.WithLabelValues(taskType, string(status)).Inc()
	}
}

func strPtr(s string) *string { return &s }
