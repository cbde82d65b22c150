package tasks

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/akashsinga/quantpulse/internal/domain"
)

const (
	// staleAfter is how old a heartbeat may be before the run is presumed dead.
	staleAfter = 5 * time.Minute

	// sweepInterval is how often the monitor scans for stale runs.
	sweepInterval = time.Minute
)

// HeartbeatMonitor marks runs whose executor stopped heartbeating as FAILURE
// with error_category "lost_heartbeat".
type HeartbeatMonitor struct {
	svc *Service
}

func NewHeartbeatMonitor(svc *Service) *HeartbeatMonitor {
	return &HeartbeatMonitor{svc: svc}
}

// Run blocks until ctx is done, sweeping once per interval.
func (h *HeartbeatMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep(ctx)
		}
	}
}

func (h *HeartbeatMonitor) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-staleAfter)
	stale, err := h.svc.repo.StaleRunning(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("heartbeat sweep failed")
		return
	}
	for i := range stale {
		run := &stale[i]
		log.Warn().Str("task_run_id", run.ID.String()).Str("task", run.TaskName).
			Time("last_heartbeat", derefTime(run.LastHeartbeatAt)).
			Msg("task run lost its heartbeat")
		msg := "executor heartbeat lost"
		run.Status = domain.TaskFailure
		run.ErrorMessage = &msg
		run.ErrorCategory = strPtr("lost_heartbeat")
		_ = h.svc.repo.FailNonTerminalSteps(ctx, run.ID)
		h.svc.complete(ctx, run, run.ResultData)
	}
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
