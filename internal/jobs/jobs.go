// Package jobs binds the ingestion services to task types in the execution
// registry. All long-running work enters through here, so every run gets
// lifecycle tracking, progress, and heartbeats for free.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/akashsinga/quantpulse/internal/aggregate"
	"github.com/akashsinga/quantpulse/internal/calendar"
	"github.com/akashsinga/quantpulse/internal/catalog"
	"github.com/akashsinga/quantpulse/internal/domain"
	"github.com/akashsinga/quantpulse/internal/ingest"
	"github.com/akashsinga/quantpulse/internal/sector"
	"github.com/akashsinga/quantpulse/internal/tasks"
)

// Task types accepted by the registry.
const (
	TypeImportInstruments = "import_instruments"
	TypeFetchHistorical   = "fetch_historical"
	TypeFetchEOD          = "fetch_eod"
	TypeAggregateWeekly   = "aggregate_weekly"
	TypeEnrichSectors     = "enrich_sectors"
	TypeRequeueFailed     = "requeue_failed"
)

// historicalFloor is the earliest date a backfill reaches for when no
// explicit range is given.
const historicalFloor = "2000-01-01"

// Deps carries the services the job bodies close over.
type Deps struct {
	Fetcher         *ingest.Fetcher
	Aggregator      *aggregate.Aggregator
	Importer        *catalog.Importer
	Enricher        *sector.Enricher
	Progress        ingest.ProgressStore
	Calendar        calendar.TradingCalendar
	Loc             *time.Location
	MaxFetchRetries int
}

// RegisterAll wires every task type. Call once at program start.
func RegisterAll(d Deps) {
	tasks.Register(TypeImportInstruments, d.importInstruments)
	tasks.Register(TypeFetchHistorical, d.fetchHistorical)
	tasks.Register(TypeFetchEOD, d.fetchEOD)
	tasks.Register(TypeAggregateWeekly, d.aggregateWeekly)
	tasks.Register(TypeEnrichSectors, d.enrichSectors)
	tasks.Register(TypeRequeueFailed, d.requeueFailed)
}

func (d Deps) importInstruments(ctx context.Context, tc *tasks.Context) (domain.Params, error) {
	if err := tc.StartStep(ctx, "import_master", "Import security master"); err != nil {
		return nil, err
	}
	result, err := d.Importer.ImportFromMaster(ctx, d.progressFunc(ctx, tc))
	if err != nil {
		return nil, err
	}
	if err := tc.FinishStep(ctx, "import_master", domain.TaskSuccess, result.AsParams()); err != nil {
		return nil, err
	}
	return result.AsParams(), nil
}

func (d Deps) fetchHistorical(ctx context.Context, tc *tasks.Context) (domain.Params, error) {
	from, to, err := d.dateRange(tc.Params())
	if err != nil {
		return nil, err
	}

	instruments, err := d.Progress.PendingFor(ctx, domain.OperationHistorical, d.today())
	if err != nil {
		return nil, err
	}
	if len(instruments) == 0 {
		_ = tc.Log(ctx, domain.LogInfo, "no instruments pending historical fetch", nil)
		return domain.Params{"processed": 0}, nil
	}

	if err := tc.StartStep(ctx, "fetch_historical", "Fetch historical bars"); err != nil {
		return nil, err
	}
	result, err := d.Fetcher.FetchHistorical(ctx, instruments, from, to,
		d.progressFunc(ctx, tc),
		func(ctx context.Context) bool { return tc.Cancelled(ctx) })
	if result != nil {
		_ = tc.FinishStep(ctx, "fetch_historical", stepStatus(err, result.Cancelled), result.AsParams())
	}
	if err != nil {
		return nil, err
	}
	return result.AsParams(), nil
}

func (d Deps) fetchEOD(ctx context.Context, tc *tasks.Context) (domain.Params, error) {
	today := d.today()
	if !d.Calendar.IsTradingDay(today, "NSE") {
		_ = tc.Log(ctx, domain.LogInfo, "not a trading day, skipping EOD fetch", nil)
		return domain.Params{"skipped": true}, nil
	}

	instruments, err := d.Progress.PendingFor(ctx, domain.OperationDaily, today)
	if err != nil {
		return nil, err
	}
	if len(instruments) == 0 {
		return domain.Params{"processed": 0}, nil
	}

	if err := tc.StartStep(ctx, "fetch_eod", "Fetch end-of-day quotes"); err != nil {
		return nil, err
	}
	result, err := d.Fetcher.FetchTodayEOD(ctx, instruments, d.progressFunc(ctx, tc))
	if result != nil {
		_ = tc.FinishStep(ctx, "fetch_eod", stepStatus(err, false), result.AsParams())
	}
	if err != nil {
		return nil, err
	}
	return result.AsParams(), nil
}

func (d Deps) aggregateWeekly(ctx context.Context, tc *tasks.Context) (domain.Params, error) {
	weeksBack := paramInt(tc.Params(), "weeks_back", 52)
	if err := tc.StartStep(ctx, "aggregate_weekly", "Aggregate weekly bars"); err != nil {
		return nil, err
	}
	result, err := d.Aggregator.Run(ctx, nil, weeksBack, d.progressFunc(ctx, tc))
	if result != nil {
		_ = tc.FinishStep(ctx, "aggregate_weekly", stepStatus(err, false), result.AsParams())
	}
	if err != nil {
		return nil, err
	}
	return result.AsParams(), nil
}

func (d Deps) enrichSectors(ctx context.Context, tc *tasks.Context) (domain.Params, error) {
	force := paramBool(tc.Params(), "force_refresh")
	if err := tc.StartStep(ctx, "enrich_sectors", "Enrich sector classification"); err != nil {
		return nil, err
	}
	result, err := d.Enricher.Run(ctx, force, d.progressFunc(ctx, tc))
	if result != nil {
		_ = tc.FinishStep(ctx, "enrich_sectors", stepStatus(err, false), result.AsParams())
	}
	if err != nil {
		return nil, err
	}
	return result.AsParams(), nil
}

func (d Deps) requeueFailed(ctx context.Context, tc *tasks.Context) (domain.Params, error) {
	maxRetries := paramInt(tc.Params(), "max_retries", d.MaxFetchRetries)
	ids, err := d.Fetcher.RequeueFailed(ctx, maxRetries)
	if err != nil {
		return nil, err
	}
	_ = tc.Log(ctx, domain.LogInfo,
		fmt.Sprintf("requeued %d failed fetches", len(ids)), nil)
	return domain.Params{"requeued": len(ids)}, nil
}

// progressFunc adapts the services' percentage callbacks to task progress
// plus a heartbeat stamp on every call.
func (d Deps) progressFunc(ctx context.Context, tc *tasks.Context) func(pct int, message string) {
	return func(pct int, message string) {
		_ = tc.Progress(ctx, pct, 100, message)
		_ = tc.Heartbeat(ctx)
	}
}

func (d Deps) today() time.Time {
	now := time.Now().In(d.Loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, d.Loc)
}

func (d Deps) dateRange(params domain.Params) (time.Time, time.Time, error) {
	fromStr := paramString(params, "from_date", historicalFloor)
	from, err := time.ParseInLocation("2006-01-02", fromStr, d.Loc)
	if err != nil {
		return time.Time{}, time.Time{}, &domain.ValidationError{Field: "from_date", Reason: err.Error()}
	}
	to := d.today()
	if toStr := paramString(params, "to_date", ""); toStr != "" {
		if to, err = time.ParseInLocation("2006-01-02", toStr, d.Loc); err != nil {
			return time.Time{}, time.Time{}, &domain.ValidationError{Field: "to_date", Reason: err.Error()}
		}
	}
	return from, to, nil
}

func stepStatus(err error, cancelled bool) domain.TaskStatus {
	switch {
	case err != nil:
		return domain.TaskFailure
	case cancelled:
		return domain.TaskCancelled
	default:
		return domain.TaskSuccess
	}
}

// Params arrive via JSONB, so numbers surface as float64.
func paramString(p domain.Params, key, def string) string {
	if v, ok := p[key].(string); ok && v != "" {
		return v
	}
	return def
}

func paramInt(p domain.Params, key string, def int) int {
	switch v := p[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func paramBool(p domain.Params, key string) bool {
	v, _ := p[key].(bool)
	return v
}
