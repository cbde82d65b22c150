// Package sched drives the recurring ingestion work off wall-clock cron
// entries in the market timezone.
package sched

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/akashsinga/quantpulse/internal/domain"
	"github.com/akashsinga/quantpulse/internal/jobs"
	"github.com/akashsinga/quantpulse/internal/tasks"
)

// Default schedules, all in the market timezone. EOD fires after the close
// and settlement window; the master import refreshes the catalog before the
// open; weekly aggregation runs when the market is shut.
const (
	scheduleImport    = "0 8 * * *"
	scheduleEOD       = "0 18 * * *"
	scheduleWeekly    = "0 6 * * SAT"
	scheduleRequeue   = "30 * * * *"
	scheduleEnrich    = "0 9 * * SUN"
)

// Scheduler creates and executes task runs on cron entries. Overlapping
// firings of the same entry are skipped rather than queued.
type Scheduler struct {
	svc  *tasks.Service
	cron *cron.Cron
}

// New builds a scheduler with the standard entry set, evaluating cron specs
// in loc.
func New(ctx context.Context, svc *tasks.Service, loc *time.Location) (*Scheduler, error) {
	clog := cronLogger{}
	c := cron.New(cron.WithLocation(loc), cron.WithChain(
		cron.Recover(clog),
		cron.SkipIfStillRunning(clog),
	))
	s := &Scheduler{svc: svc, cron: c}

	entries := []struct {
		spec     string
		taskType string
		title    string
		params   domain.Params
	}{
		{scheduleImport, jobs.TypeImportInstruments, "Scheduled security master import", nil},
		{scheduleEOD, jobs.TypeFetchEOD, "Scheduled end-of-day fetch", nil},
		{scheduleWeekly, jobs.TypeAggregateWeekly, "Scheduled weekly aggregation", nil},
		{scheduleRequeue, jobs.TypeRequeueFailed, "Scheduled failed-fetch requeue", nil},
		{scheduleEnrich, jobs.TypeEnrichSectors, "Scheduled sector enrichment", nil},
	}
	for _, e := range entries {
		e := e
		if _, err := c.AddFunc(e.spec, func() { s.fire(ctx, e.taskType, e.title, e.params) }); err != nil {
			return nil, fmt.Errorf("failed to schedule %s: %w", e.taskType, err)
		}
	}
	return s, nil
}

// Start begins firing entries. Stop with Stop.
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Info().Int("entries", len(s.cron.Entries())).Msg("scheduler started")
}

// Stop halts the cron loop and waits for in-flight entries.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// fire creates a run and executes it synchronously within the cron slot.
// SkipIfStillRunning keeps a long backfill from stacking EOD fetches.
func (s *Scheduler) fire(ctx context.Context, taskType, title string, params domain.Params) {
	run, err := s.svc.Create(ctx, taskType, taskType, title, params, nil)
	if err != nil {
		log.Error().Str("task_type", taskType).Err(err).Msg("failed to create scheduled run")
		return
	}
	log.Info().Str("task_type", taskType).Str("task_run_id", run.ID.String()).
		Msg("scheduled run starting")
	if err := s.svc.Execute(ctx, run); err != nil {
		log.Error().Str("task_type", taskType).Str("task_run_id", run.ID.String()).
			Err(err).Msg("scheduled run failed")
	}
}

// cronLogger adapts zerolog to the cron logging interface.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	cronEvent(log.Logger.Info(), keysAndValues).Msg(msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	cronEvent(log.Logger.Error().Err(err), keysAndValues).Msg(msg)
}

func cronEvent(ev *zerolog.Event, keysAndValues []interface{}) *zerolog.Event {
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, keysAndValues[i+1])
	}
	return ev
}
