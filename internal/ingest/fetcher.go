// Package ingest holds the chunked sequential fetcher, the throughput- and
// memory-sensitive center of the ingestion core.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/akashsinga/quantpulse/internal/domain"
	"github.com/akashsinga/quantpulse/internal/metrics"
	"github.com/akashsinga/quantpulse/internal/parser"
	"github.com/akashsinga/quantpulse/internal/ratelimit"
	"github.com/akashsinga/quantpulse/internal/upstream"
)

const (
	// flushThreshold is the early-flush guard: the in-flight row buffer is
	// upserted and cleared once it exceeds this many rows, regardless of
	// chunk position.
	flushThreshold = 50000

	// interChunkPause lets the substrate catch up between chunks.
	interChunkPause = time.Second
)

// BarStore is the write side of the OHLCV store the fetcher needs.
type BarStore interface {
	BulkUpsert(ctx context.Context, bars []domain.OHLCVBar) (int64, error)
}

// ProgressStore is the fetch-state machine the fetcher reports into.
type ProgressStore interface {
	MarkSuccess(ctx context.Context, instrumentIDs []uuid.UUID, asOf time.Time, op domain.FetchOperation) error
	MarkFailed(ctx context.Context, instrumentID uuid.UUID, errorMessage string) error
	MarkInProgress(ctx context.Context, instrumentIDs []uuid.UUID) error
	PendingFor(ctx context.Context, op domain.FetchOperation, today time.Time) ([]domain.Instrument, error)
	ResetFailed(ctx context.Context, maxRetries int) ([]uuid.UUID, error)
}

// UpstreamAPI is the slice of the broker client the fetcher uses.
type UpstreamAPI interface {
	FetchHistorical(ctx context.Context, externalID int32, segment domain.ExchangeSegment, kind domain.InstrumentKind, from, to time.Time) (*upstream.HistoricalResponse, error)
	FetchTodayEOD(ctx context.Context, req upstream.EODRequest) (*upstream.EODResponse, error)
}

// ProgressFunc receives integer percentages as the fetch advances.
type ProgressFunc func(pct int, message string)

// CancelFunc is polled at chunk boundaries; returning true stops the fetch
// after an orderly flush.
type CancelFunc func(ctx context.Context) bool

// Result reports a completed (or cancelled) fetch.
type Result struct {
	Processed       int
	Successful      int
	Failed          int
	RecordsInserted int64
	FailedChunks    []int
	Cancelled       bool
	Duration        time.Duration
}

// RecordsPerSecond derives the effective write rate.
func (r *Result) RecordsPerSecond() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.RecordsInserted) / r.Duration.Seconds()
}

// AsParams renders the result for a TaskRun's result_data.
func (r *Result) AsParams() domain.Params {
	return domain.Params{
		"processed":          r.Processed,
		"successful":         r.Successful,
		"failed":             r.Failed,
		"records_inserted":   r.RecordsInserted,
		"failed_chunks":      r.FailedChunks,
		"cancelled":          r.Cancelled,
		"duration_seconds":   r.Duration.Seconds(),
		"records_per_second": r.RecordsPerSecond(),
	}
}

// Fetcher pulls bars chunk by chunk. Upstream calls are globally serialized
// through the distributed limiter inside the client; memory is bounded by
// the chunk size and the early-flush guard; one bad instrument never stalls
// its chunk.
type Fetcher struct {
	api       UpstreamAPI
	bars      BarStore
	progress  ProgressStore
	chunkSize int
	sourceTag string
	loc       *time.Location
	m         *metrics.Registry

	// Injectable pauses for tests.
	pause func(context.Context, time.Duration)
}

// NewFetcher builds a fetcher. chunkSize <= 0 falls back to 10.
func NewFetcher(api UpstreamAPI, bars BarStore, progress ProgressStore, chunkSize int, sourceTag string, loc *time.Location, m *metrics.Registry) *Fetcher {
	if chunkSize <= 0 {
		chunkSize = 10
	}
	return &Fetcher{
		api:       api,
		bars:      bars,
		progress:  progress,
		chunkSize: chunkSize,
		sourceTag: sourceTag,
		loc:       loc,
		m:         m,
		pause: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
	}
}

// FetchHistorical backfills daily bars for the given instruments over
// [from, to], processing them in order, chunk by chunk.
func (f *Fetcher) FetchHistorical(ctx context.Context, instruments []domain.Instrument, from, to time.Time, onProgress ProgressFunc, cancelled CancelFunc) (*Result, error) {
	if from.After(to) {
		return nil, &domain.ValidationError{Field: "date_range", Reason: "from is after to"}
	}

	start := time.Now()
	result := &Result{}
	total := len(instruments)
	chunks := (total + f.chunkSize - 1) / f.chunkSize

	report := func(pct int, msg string) {
		if onProgress != nil {
			onProgress(pct, msg)
		}
	}

	for ci := 0; ci < chunks; ci++ {
		if cancelled != nil && cancelled(ctx) {
			result.Cancelled = true
			break
		}

		lo := ci * f.chunkSize
		hi := lo + f.chunkSize
		if hi > total {
			hi = total
		}
		chunk := instruments[lo:hi]
		chunkStart := time.Now()

		ids := make([]uuid.UUID, len(chunk))
		for i, in := range chunk {
			ids[i] = in.ID
		}
		if err := f.progress.MarkInProgress(ctx, ids); err != nil {
			log.Warn().Err(err).Msg("failed to mark chunk in progress")
		}

		buffer := make([]domain.OHLCVBar, 0, flushThreshold/4)
		var succeeded []uuid.UUID
		failures := map[uuid.UUID]string{}
		flushFailed := false

		for i, in := range chunk {
			if cancelled != nil && cancelled(ctx) {
				result.Cancelled = true
				break
			}

			segment, kind := domain.Classify(in.SecurityType)
			resp, err := f.api.FetchHistorical(ctx, in.ExternalID, segment, kind, from, to)
			result.Processed++
			if err != nil {
				// A limiter outage is fatal for the whole job; anything
				// else is a per-instrument failure.
				if errors.Is(err, ratelimit.ErrUnavailable) {
					return result, err
				}
				log.Warn().Str("symbol", in.Symbol).Err(err).Msg("historical fetch failed")
				failures[in.ID] = err.Error()
				result.Failed++
				f.countInstrument("failed")
				continue
			}

			rows := parser.ParseHistorical(in.ID, resp, f.sourceTag, f.loc)
			buffer = append(buffer, rows...)
			succeeded = append(succeeded, in.ID)
			result.Successful++
			f.countInstrument("success")

			if len(buffer) > flushThreshold {
				n, err := f.flush(ctx, buffer)
				result.RecordsInserted += n
				if err != nil {
					flushFailed = true
					log.Error().Err(err).Int("chunk", ci).Msg("early flush failed")
				}
				buffer = buffer[:0]
			}

			pct := (lo + i + 1) * 70 / total
			report(pct, fmt.Sprintf("fetched %s (%d/%d)", in.Symbol, lo+i+1, total))
		}

		// Per-chunk discipline: flush remaining rows, record progress in
		// bulk, drop references, hint the collector, pause, move on.
		n, err := f.flush(ctx, buffer)
		result.RecordsInserted += n
		if err != nil {
			flushFailed = true
			log.Error().Err(err).Int("chunk", ci).Msg("chunk flush failed")
		}
		if flushFailed {
			// Rows for this chunk were lost with the failed batch. The
			// fetched instruments are marked failed, not success: only
			// missing/failed rows are reselected on the next pass, so a
			// success here would hide the gap permanently.
			result.FailedChunks = append(result.FailedChunks, ci)
			result.Successful -= len(succeeded)
			result.Failed += len(succeeded)
			for _, id := range succeeded {
				failures[id] = "chunk flush failed, bars not stored"
			}
		} else if err := f.progress.MarkSuccess(ctx, succeeded, to, domain.OperationHistorical); err != nil {
			log.Error().Err(err).Msg("failed to record chunk successes")
		}
		for id, msg := range failures {
			if err := f.progress.MarkFailed(ctx, id, msg); err != nil {
				log.Error().Err(err).Str("instrument_id", id.String()).
					Msg("failed to record fetch failure")
			}
		}

		buffer = nil
		succeeded = nil
		runtime.GC()

		if f.m != nil {
			f.m.ChunkDuration.Observe(time.Since(chunkStart).Seconds())
		}
		report(70+(ci+1)*20/chunks, fmt.Sprintf("flushed chunk %d/%d", ci+1, chunks))

		if result.Cancelled {
			break
		}
		if ci < chunks-1 {
			f.pause(ctx, interChunkPause)
		}
	}

	result.Duration = time.Since(start)
	report(100, "historical fetch complete")
	return result, nil
}

// FetchTodayEOD is the single-call variant: group every target instrument
// by exchange segment, one gated upstream call, one parse, one upsert.
func (f *Fetcher) FetchTodayEOD(ctx context.Context, instruments []domain.Instrument, onProgress ProgressFunc) (*Result, error) {
	start := time.Now()
	result := &Result{Processed: len(instruments)}
	if len(instruments) == 0 {
		return result, nil
	}

	req := make(upstream.EODRequest)
	byExternal := make(map[int32]uuid.UUID, len(instruments))
	for _, in := range instruments {
		segment, _ := domain.Classify(in.SecurityType)
		req[segment] = append(req[segment], in.ExternalID)
		byExternal[in.ExternalID] = in.ID
	}

	resp, err := f.api.FetchTodayEOD(ctx, req)
	if err != nil {
		result.Failed = len(instruments)
		result.Duration = time.Since(start)
		return result, err
	}

	today := time.Now().In(f.loc)
	rows := parser.ParseEOD(resp, byExternal, f.sourceTag, today, f.loc)
	n, err := f.flush(ctx, rows)
	result.RecordsInserted = n
	if err != nil {
		result.Failed = len(instruments)
		result.Duration = time.Since(start)
		return result, err
	}

	// Every instrument that produced a stored row counts as fetched today;
	// silent skips (closed market, unknown IDs) are not failures.
	stored := make(map[uuid.UUID]struct{}, len(rows))
	for _, row := range rows {
		stored[row.InstrumentID] = struct{}{}
	}
	var ids []uuid.UUID
	for id := range stored {
		ids = append(ids, id)
	}
	day := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, f.loc)
	if err := f.progress.MarkSuccess(ctx, ids, day, domain.OperationDaily); err != nil {
		return result, fmt.Errorf("failed to record EOD successes: %w", err)
	}
	result.Successful = len(ids)
	result.Duration = time.Since(start)
	if onProgress != nil {
		onProgress(100, fmt.Sprintf("EOD stored %d bars for %d instruments", n, len(ids)))
	}
	return result, nil
}

// RequeueFailed resets failed progress rows below the retry cap back to
// pending and returns their instrument IDs for re-dispatch.
func (f *Fetcher) RequeueFailed(ctx context.Context, maxRetries int) ([]uuid.UUID, error) {
	return f.progress.ResetFailed(ctx, maxRetries)
}

func (f *Fetcher) flush(ctx context.Context, bars []domain.OHLCVBar) (int64, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	return f.bars.BulkUpsert(ctx, bars)
}

func (f *Fetcher) countInstrument(result string) {
	if f.m != nil {
		f.m.InstrumentsFetched.WithLabelValues(result).Inc()
	}
}
