package tasks

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/akashsinga/quantpulse/internal/domain"
	"github.com/akashsinga/quantpulse/internal/ratelimit"
	"github.com/akashsinga/quantpulse/internal/upstream"
)

// Context is the surface a job function gets for progress, steps, and logs.
// It replaces inheritance-style task base classes: jobs are free functions
// receiving this explicitly.
type Context struct {
	svc *Service
	run *domain.TaskRun

	currentStep  string
	lastLoggedPc int
}

type ctxKey struct{}

// WithContext attaches the task context to ctx so code below the job
// function (upstream retry hooks, for one) can reach the task log without
// threading *Context through every signature.
func WithContext(ctx context.Context, tc *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// FromContext returns the task context carried by ctx, or nil when the
// caller is not running under the orchestrator.
func FromContext(ctx context.Context) *Context {
	tc, _ := ctx.Value(ctxKey{}).(*Context)
	return tc
}

// Run exposes the underlying run (read-only use expected).
func (c *Context) Run() *domain.TaskRun {
	return c.run
}

// Params returns the run's input parameters.
func (c *Context) Params() domain.Params {
	return c.run.InputParameters
}

// StartStep creates or restarts a named step. step_order is monotonic per
// run; re-starting an existing name updates it in place.
func (c *Context) StartStep(ctx context.Context, name, title string) error {
	c.currentStep = name
	return c.svc.repo.UpsertStep(ctx, &domain.TaskStep{
		TaskRunID: c.run.ID,
		StepName:  name,
		Title:     title,
		Status:    domain.TaskStarted,
	})
}

// FinishStep marks the named step terminal with optional result data.
func (c *Context) FinishStep(ctx context.Context, name string, status domain.TaskStatus, result domain.Params) error {
	if c.currentStep == name {
		c.currentStep = ""
	}
	return c.svc.repo.UpsertStep(ctx, &domain.TaskStep{
		TaskRunID:  c.run.ID,
		StepName:   name,
		Status:     status,
		ResultData: result,
	})
}

// Progress atomically updates run progress, mirrors into the current step,
// and emits an INFO log only when crossing a 10% boundary or at completion,
// bounding log volume.
func (c *Context) Progress(ctx context.Context, current, total int, message string) error {
	if total <= 0 {
		total = 1
	}
	pc := int(math.Round(float64(current) / float64(total) * 100))
	if pc > 100 {
		pc = 100
	}

	c.run.Status = domain.TaskProgress
	c.run.ProgressPercentage = pc
	c.run.CurrentMessage = message
	c.run.CurrentStep = current
	c.run.TotalSteps = total
	if err := c.svc.repo.UpdateRun(ctx, c.run); err != nil {
		return err
	}

	if c.currentStep != "" {
		if err := c.svc.repo.UpsertStep(ctx, &domain.TaskStep{
			TaskRunID: c.run.ID,
			StepName:  c.currentStep,
			Status:    domain.TaskProgress,
		}); err != nil {
			return err
		}
	}

	if pc/10 > c.lastLoggedPc/10 || pc == 100 {
		c.lastLoggedPc = pc
		return c.Log(ctx, domain.LogInfo, fmt.Sprintf("%d%%: %s", pc, message), nil)
	}
	return nil
}

// Log appends a task log entry and mirrors it to the process log.
func (c *Context) Log(ctx context.Context, level domain.LogLevel, message string, extra domain.Params) error {
	ev := log.Info()
	switch level {
	case domain.LogDebug:
		ev = log.Debug()
	case domain.LogWarning:
		ev = log.Warn()
	case domain.LogError, domain.LogCritical:
		ev = log.Error()
	}
	ev.Str("task_run_id", c.run.ID.String()).Str("task", c.run.TaskName).Msg(message)

	return c.svc.repo.AppendLog(ctx, &domain.TaskLog{
		TaskRunID: c.run.ID,
		Level:     level,
		Message:   message,
		ExtraData: extra,
	})
}

// Heartbeat stamps liveness; executors call it at least once per minute.
func (c *Context) Heartbeat(ctx context.Context) error {
	return c.svc.repo.Heartbeat(ctx, c.run.ID)
}

// Cancelled reports whether a cooperative cancel has been requested.
// Executors check at every chunk boundary and rate-limit acquisition.
func (c *Context) Cancelled(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return c.svc.CancelRequested(ctx, c.run.ID)
}

// categorize maps well-known failure classes onto the run's error_category.
func categorize(err error) *string {
	if errors.Is(err, ratelimit.ErrUnavailable) {
		return strPtr("rate_limiter")
	}
	var apiErr *upstream.APIError
	if errors.As(err, &apiErr) && apiErr.Kind == upstream.KindAuth {
		return strPtr("auth")
	}
	return nil
}
