package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/akashsinga/quantpulse/internal/aggregate"
	"github.com/akashsinga/quantpulse/internal/calendar"
	"github.com/akashsinga/quantpulse/internal/catalog"
	"github.com/akashsinga/quantpulse/internal/config"
	"github.com/akashsinga/quantpulse/internal/domain"
	"github.com/akashsinga/quantpulse/internal/ingest"
	"github.com/akashsinga/quantpulse/internal/jobs"
	"github.com/akashsinga/quantpulse/internal/metrics"
	"github.com/akashsinga/quantpulse/internal/ratelimit"
	"github.com/akashsinga/quantpulse/internal/sector"
	"github.com/akashsinga/quantpulse/internal/store"
	"github.com/akashsinga/quantpulse/internal/tasks"
	"github.com/akashsinga/quantpulse/internal/upstream"
)

// sourceTag marks every bar this process writes.
const sourceTag = "dhan"

// app is the assembled process: config, substrates, repositories, services.
// Every command builds one and tears it down on exit.
type app struct {
	cfg *config.Config
	loc *time.Location
	m   *metrics.Registry

	db  *sqlx.DB
	rdb *redis.Client

	bars     *store.OHLCVRepo
	progress *store.ProgressRepo
	catalog  *store.CatalogRepo
	taskRepo *store.TaskRepo

	client     *upstream.Client
	fetcher    *ingest.Fetcher
	aggregator *aggregate.Aggregator
	importer   *catalog.Importer
	enricher   *sector.Enricher
	tasks      *tasks.Service
	calendar   calendar.TradingCalendar
}

// buildApp wires the full dependency graph and registers the job bodies.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	loc, err := cfg.MarketLocation()
	if err != nil {
		return nil, err
	}
	m := metrics.Default()

	db, err := store.Open(cfg.DBURL)
	if err != nil {
		return nil, err
	}

	opt, err := redis.ParseURL(cfg.SharedStateURL)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("invalid SHARED_STATE_URL: %w", err)
	}
	rdb := redis.NewClient(opt)

	limiter, err := ratelimit.Init(rdb, "quantpulse:ratelimit:upstream", cfg.RateLimitRPS, m)
	if err != nil {
		db.Close()
		rdb.Close()
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		loc:      loc,
		m:        m,
		db:       db,
		rdb:      rdb,
		bars:     store.NewOHLCVRepo(db, cfg.BulkInsertSize, m),
		progress: store.NewProgressRepo(db),
		catalog:  store.NewCatalogRepo(db),
		taskRepo: store.NewTaskRepo(db),
		calendar: calendar.Weekdays{},
	}

	a.client = upstream.NewClient(upstream.Config{
		AccessToken:   cfg.UpstreamAccessToken,
		ClientID:      cfg.UpstreamClientID,
		HistoricalURL: cfg.UpstreamHistoricalURL,
		EODURL:        cfg.UpstreamEODURL,
		MasterURL:     cfg.UpstreamMasterURL,
		// Throttle retries land in the run's task log when the call is made
		// under the orchestrator; outside a run only the process log sees them.
		OnRetry: func(ctx context.Context, endpoint string, attempt int, wait time.Duration, err error) {
			if tc := tasks.FromContext(ctx); tc != nil {
				_ = tc.Log(ctx, domain.LogWarning,
					fmt.Sprintf("upstream %s throttled on attempt %d, backing off %s: %v",
						endpoint, attempt, wait.Round(time.Millisecond), err), nil)
			}
		},
	}, limiter, m)

	a.fetcher = ingest.NewFetcher(a.client, a.bars, a.progress, cfg.ChunkSize, sourceTag, loc, m)
	a.aggregator = aggregate.New(a.bars, a.catalog, a.bars, cfg.WeeklyBatchSize, cfg.WeeklyMaxWorkers, sourceTag, loc)
	a.importer = catalog.NewImporter(a.client, a.catalog, nil, loc)
	a.enricher = sector.New(a.catalog, a.resolveExchangeCode(ctx), cfg.SectorLookupURL,
		cfg.SectorBatchSize, cfg.SectorWorkers)
	a.tasks = tasks.NewService(a.taskRepo, loc, m)

	jobs.RegisterAll(jobs.Deps{
		Fetcher:         a.fetcher,
		Aggregator:      a.aggregator,
		Importer:        a.importer,
		Enricher:        a.enricher,
		Progress:        a.progress,
		Calendar:        a.calendar,
		Loc:             loc,
		MaxFetchRetries: cfg.MaxFetchRetries,
	})

	return a, nil
}

func (a *app) close() {
	if a.rdb != nil {
		a.rdb.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

// resolveExchangeCode maps exchange IDs back to venue codes for the sector
// screener, caching rows as they are first seen.
func (a *app) resolveExchangeCode(ctx context.Context) sector.ExchangeResolver {
	cache := map[uuid.UUID]string{}
	return func(exchangeID uuid.UUID) (string, bool) {
		if code, ok := cache[exchangeID]; ok {
			return code, true
		}
		var code string
		err := a.db.GetContext(ctx, &code,
			`SELECT code FROM exchanges WHERE id = $1`, exchangeID)
		if err != nil {
			return "", false
		}
		cache[exchangeID] = code
		return code, true
	}
}

// runTask is the synchronous CLI path: create a run, execute it inline, and
// report the outcome.
func (a *app) runTask(ctx context.Context, taskType, title string, params domain.Params) error {
	run, err := a.tasks.Create(ctx, taskType, taskType, title, params, nil)
	if err != nil {
		return err
	}
	if err := a.tasks.Execute(ctx, run); err != nil {
		return err
	}
	fmt.Printf("task %s finished: %s\n", run.TaskName, run.Status)
	for k, v := range run.ResultData {
		fmt.Printf("  %s: %v\n", k, v)
	}
	return nil
}
