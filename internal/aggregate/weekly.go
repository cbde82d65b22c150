// Package aggregate rebuilds derived timeframes from daily bars.
package aggregate

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/akashsinga/quantpulse/internal/domain"
)

// BarStore is the read/write surface the aggregator needs.
type BarStore interface {
	Range(ctx context.Context, instrumentID uuid.UUID, from, to time.Time, tf domain.Timeframe, limit int) ([]domain.OHLCVBar, error)
	BulkUpsert(ctx context.Context, bars []domain.OHLCVBar) (int64, error)
}

// Pushdown is the optional server-side aggregation path. Output rows must be
// identical to the in-process path; only the mechanics differ. tz names the
// market timezone so week truncation matches WeekStart.
type Pushdown interface {
	UpsertWeeklyFromDaily(ctx context.Context, instrumentIDs []uuid.UUID, from time.Time, sourceTag, tz string) (int64, error)
}

// InstrumentLister resolves the "empty input means all" case.
type InstrumentLister interface {
	ActiveInstruments(ctx context.Context, types ...domain.SecurityType) ([]domain.Instrument, error)
}

// pushdownChunk is how many instruments one server-side statement covers.
const pushdownChunk = 200

// Result reports one aggregation run.
type Result struct {
	Instruments int
	RowsWritten int64
	Failed      int
	Duration    time.Duration
}

// AsParams renders the result for a TaskRun's result_data.
func (r *Result) AsParams() domain.Params {
	return domain.Params{
		"instruments":      r.Instruments,
		"rows_written":     r.RowsWritten,
		"failed":           r.Failed,
		"duration_seconds": r.Duration.Seconds(),
	}
}

// Aggregator derives weekly bars from daily bars in fixed-size batches with
// a small worker pool. Every write is an upsert, so reruns over the same
// window are idempotent.
type Aggregator struct {
	bars      BarStore
	catalog   InstrumentLister
	pushdown  Pushdown // nil disables the server-side path
	batchSize int
	workers   int
	sourceTag string
	loc       *time.Location
}

// New builds an aggregator. batchSize <= 0 falls back to 100, workers <= 0
// to 4.
func New(bars BarStore, catalog InstrumentLister, pushdown Pushdown, batchSize, workers int, sourceTag string, loc *time.Location) *Aggregator {
	if batchSize <= 0 {
		batchSize = 100
	}
	if workers <= 0 {
		workers = 4
	}
	return &Aggregator{
		bars:      bars,
		catalog:   catalog,
		pushdown:  pushdown,
		batchSize: batchSize,
		workers:   workers,
		sourceTag: sourceTag,
		loc:       loc,
	}
}

// Run rebuilds the weekly partition for the given instruments (empty means
// every active one) over the past weeksBack weeks.
func (a *Aggregator) Run(ctx context.Context, instruments []domain.Instrument, weeksBack int, onProgress func(pct int, message string)) (*Result, error) {
	start := time.Now()
	if weeksBack <= 0 {
		weeksBack = 52
	}
	if len(instruments) == 0 {
		var err error
		instruments, err = a.catalog.ActiveInstruments(ctx, domain.SecurityStock, domain.SecurityIndex)
		if err != nil {
			return nil, err
		}
	}

	from := WeekStart(time.Now().In(a.loc), a.loc).AddDate(0, 0, -7*weeksBack)
	result := &Result{Instruments: len(instruments)}

	if a.pushdown != nil {
		if err := a.runPushdown(ctx, instruments, from, result, onProgress); err != nil {
			return result, err
		}
		result.Duration = time.Since(start)
		return result, nil
	}

	done := 0
	for lo := 0; lo < len(instruments); lo += a.batchSize {
		hi := lo + a.batchSize
		if hi > len(instruments) {
			hi = len(instruments)
		}
		batch := instruments[lo:hi]

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			batchRows int64
			failed    int
		)
		work := make(chan domain.Instrument)
		for w := 0; w < a.workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for in := range work {
					n, err := a.aggregateOne(ctx, in.ID, from)
					mu.Lock()
					if err != nil {
						failed++
						log.Warn().Str("symbol", in.Symbol).Err(err).
							Msg("weekly aggregation failed for instrument")
					} else {
						batchRows += n
					}
					mu.Unlock()
				}
			}()
		}
		for _, in := range batch {
			work <- in
		}
		close(work)
		wg.Wait()

		result.RowsWritten += batchRows
		result.Failed += failed
		done += len(batch)
		if onProgress != nil {
			onProgress(done*100/len(instruments), "aggregated weekly bars")
		}
	}

	result.Duration = time.Since(start)
	return result, nil
}

func (a *Aggregator) runPushdown(ctx context.Context, instruments []domain.Instrument, from time.Time, result *Result, onProgress func(int, string)) error {
	for lo := 0; lo < len(instruments); lo += pushdownChunk {
		hi := lo + pushdownChunk
		if hi > len(instruments) {
			hi = len(instruments)
		}
		ids := make([]uuid.UUID, hi-lo)
		for i, in := range instruments[lo:hi] {
			ids[i] = in.ID
		}
		n, err := a.pushdown.UpsertWeeklyFromDaily(ctx, ids, from, a.sourceTag, a.loc.String())
		if err != nil {
			return err
		}
		result.RowsWritten += n
		if onProgress != nil {
			onProgress(hi*100/len(instruments), "aggregated weekly bars (pushdown)")
		}
	}
	return nil
}

func (a *Aggregator) aggregateOne(ctx context.Context, instrumentID uuid.UUID, from time.Time) (int64, error) {
	daily, err := a.bars.Range(ctx, instrumentID, from, time.Now().In(a.loc), domain.TimeframeDaily, 0)
	if err != nil {
		return 0, err
	}
	weekly := WeeklyFromDaily(instrumentID, daily, a.sourceTag, a.loc)
	if len(weekly) == 0 {
		return 0, nil
	}
	return a.bars.BulkUpsert(ctx, weekly)
}

// WeekStart returns the Monday 00:00 of t's ISO week in loc.
func WeekStart(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	offset := (int(t.Weekday()) + 6) % 7 // Monday = 0
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	return day.AddDate(0, 0, -offset)
}

// WeeklyFromDaily buckets daily bars by ISO week (week start Monday) and
// collapses each bucket: open from the earliest bar, close from the latest,
// extremes and summed volume across the week. adjusted_close stays null.
func WeeklyFromDaily(instrumentID uuid.UUID, daily []domain.OHLCVBar, sourceTag string, loc *time.Location) []domain.OHLCVBar {
	if len(daily) == 0 {
		return nil
	}

	type bucket struct {
		first, last domain.OHLCVBar
		high, low   decimal.Decimal
		volume      int64
	}
	buckets := make(map[time.Time]*bucket)

	for _, bar := range daily {
		wk := WeekStart(bar.Timestamp, loc)
		b, ok := buckets[wk]
		if !ok {
			buckets[wk] = &bucket{first: bar, last: bar, high: bar.High, low: bar.Low, volume: bar.Volume}
			continue
		}
		if bar.Timestamp.Before(b.first.Timestamp) {
			b.first = bar
		}
		if bar.Timestamp.After(b.last.Timestamp) {
			b.last = bar
		}
		if bar.High.GreaterThan(b.high) {
			b.high = bar.High
		}
		if bar.Low.LessThan(b.low) {
			b.low = bar.Low
		}
		b.volume += bar.Volume
	}

	weeks := make([]time.Time, 0, len(buckets))
	for wk := range buckets {
		weeks = append(weeks, wk)
	}
	sort.Slice(weeks, func(i, j int) bool { return weeks[i].Before(weeks[j]) })

	out := make([]domain.OHLCVBar, 0, len(weeks))
	for _, wk := range weeks {
		b := buckets[wk]
		out = append(out, domain.OHLCVBar{
			InstrumentID: instrumentID,
			Timestamp:    wk,
			Timeframe:    domain.TimeframeWeekly,
			Open:         b.first.Open,
			High:         b.high,
			Low:          b.low,
			Close:        b.last.Close,
			Volume:       b.volume,
			Source:       sourceTag,
			QualityScore: 1.0,
		})
	}
	return out
}
