package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/akashsinga/quantpulse/internal/domain"
	"github.com/akashsinga/quantpulse/internal/metrics"
)

const ohlcvColumns = `instrument_id, timestamp, timeframe, open, high, low, close, adjusted_close, volume, source, quality_score`

// CoverageStats summarizes what the OHLCV table holds.
type CoverageStats struct {
	RowsByTimeframe map[domain.Timeframe]int64
	Instruments     int64
	Earliest        *time.Time
	Latest          *time.Time
}

// OHLCVRepo performs idempotent bulk writes and range reads over the
// time-partitioned bar table.
type OHLCVRepo struct {
	db        *sqlx.DB
	batchSize int
	m         *metrics.Registry
}

// NewOHLCVRepo creates the repository. batchSize bounds rows per statement;
// zero or negative falls back to 1000.
func NewOHLCVRepo(db *sqlx.DB, batchSize int, m *metrics.Registry) *OHLCVRepo {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &OHLCVRepo{db: db, batchSize: batchSize, m: m}
}

// BulkUpsert writes bars in batches of at most batchSize rows, one
// transaction per batch, overwriting price/volume/source columns on key
// conflict (last-writer-wins). Rows failing the OHLC invariants are skipped
// with a warning and never stored. Returns the number of rows written.
func (r *OHLCVRepo) BulkUpsert(ctx context.Context, bars []domain.OHLCVBar) (int64, error) {
	valid := bars[:0:0]
	for i := range bars {
		if err := bars[i].Validate(); err != nil {
			log.Warn().Str("instrument_id", bars[i].InstrumentID.String()).
				Time("timestamp", bars[i].Timestamp).Err(err).
				Msg("rejecting invalid bar at write time")
			continue
		}
		valid = append(valid, bars[i])
	}
	if len(valid) == 0 {
		return 0, nil
	}

	var written int64
	for start := 0; start < len(valid); start += r.batchSize {
		end := start + r.batchSize
		if end > len(valid) {
			end = len(valid)
		}
		n, err := r.upsertBatch(ctx, valid[start:end])
		if err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}

// upsertBatch writes one batch atomically: a single multi-row INSERT with
// ON CONFLICT UPDATE inside one transaction. Partial batches are not allowed.
func (r *OHLCVRepo) upsertBatch(ctx context.Context, bars []domain.OHLCVBar) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	placeholders := make([]string, 0, len(bars))
	args := make([]interface{}, 0, len(bars)*11)
	for i, b := range bars {
		base := i * 11
		placeholders = append(placeholders, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11))
		args = append(args,
			b.InstrumentID, b.Timestamp, b.Timeframe,
			b.Open, b.High, b.Low, b.Close, b.AdjustedClose,
			b.Volume, b.Source, b.QualityScore)
	}

	query := fmt.Sprintf(`
		INSERT INTO ohlcv (%s)
		VALUES %s
		ON CONFLICT (instrument_id, timestamp, timeframe) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			adjusted_close = EXCLUDED.adjusted_close,
			volume = EXCLUDED.volume,
			source = EXCLUDED.source,
			quality_score = EXCLUDED.quality_score,
			deleted_at = NULL`,
		ohlcvColumns, strings.Join(placeholders, ", "))

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin upsert transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert ohlcv batch: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit upsert batch: %w", err)
	}

	n, _ := res.RowsAffected()
	if r.m != nil {
		r.m.UpsertBatches.Inc()
		for _, b := range bars {
			r.m.RowsUpserted.WithLabelValues(string(b.Timeframe)).Inc()
		}
	}
	return n, nil
}

// Range returns bars ascending by timestamp, excluding soft-deleted rows.
func (r *OHLCVRepo) Range(ctx context.Context, instrumentID uuid.UUID, from, to time.Time, tf domain.Timeframe, limit int) ([]domain.OHLCVBar, error) {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100000
	}
	query := `
		SELECT ` + ohlcvColumns + `, created_at, deleted_at
		FROM ohlcv
		WHERE instrument_id = $1 AND timeframe = $2
		  AND timestamp >= $3 AND timestamp <= $4
		  AND deleted_at IS NULL
		ORDER BY timestamp ASC
		LIMIT $5`

	var bars []domain.OHLCVBar
	if err := r.db.SelectContext(ctx, &bars, query, instrumentID, tf, from, to, limit); err != nil {
		return nil, fmt.Errorf("failed to query ohlcv range: %w", err)
	}
	return bars, nil
}

// EarliestDate returns the oldest bar timestamp for an instrument/timeframe,
// or nil when none exist.
func (r *OHLCVRepo) EarliestDate(ctx context.Context, instrumentID uuid.UUID, tf domain.Timeframe) (*time.Time, error) {
	return r.boundary(ctx, instrumentID, tf, "MIN")
}

// LatestDate returns the newest bar timestamp, or nil when none exist.
func (r *OHLCVRepo) LatestDate(ctx context.Context, instrumentID uuid.UUID, tf domain.Timeframe) (*time.Time, error) {
	return r.boundary(ctx, instrumentID, tf, "MAX")
}

func (r *OHLCVRepo) boundary(ctx context.Context, instrumentID uuid.UUID, tf domain.Timeframe, fn string) (*time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	var ts sql.NullTime
	query := fmt.Sprintf(`SELECT %s(timestamp) FROM ohlcv WHERE instrument_id = $1 AND timeframe = $2 AND deleted_at IS NULL`, fn)
	if err := r.db.QueryRowxContext(ctx, query, instrumentID, tf).Scan(&ts); err != nil {
		return nil, fmt.Errorf("failed to query %s bar date: %w", strings.ToLower(fn), err)
	}
	if !ts.Valid {
		return nil, nil
	}
	return &ts.Time, nil
}

// Coverage reports row counts per timeframe and the global time bounds.
func (r *OHLCVRepo) Coverage(ctx context.Context) (*CoverageStats, error) {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	stats := &CoverageStats{RowsByTimeframe: make(map[domain.Timeframe]int64)}

	rows, err := r.db.QueryxContext(ctx, `
		SELECT timeframe, COUNT(*)
		FROM ohlcv
		WHERE deleted_at IS NULL
		GROUP BY timeframe`)
	if err != nil {
		return nil, fmt.Errorf("failed to query coverage counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tf domain.Timeframe
		var count int64
		if err := rows.Scan(&tf, &count); err != nil {
			return nil, fmt.Errorf("failed to scan coverage count: %w", err)
		}
		stats.RowsByTimeframe[tf] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating coverage rows: %w", err)
	}

	var earliest, latest sql.NullTime
	err = r.db.QueryRowxContext(ctx, `
		SELECT COUNT(DISTINCT instrument_id), MIN(timestamp), MAX(timestamp)
		FROM ohlcv WHERE deleted_at IS NULL`).
		Scan(&stats.Instruments, &earliest, &latest)
	if err != nil {
		return nil, fmt.Errorf("failed to query coverage bounds: %w", err)
	}
	if earliest.Valid {
		stats.Earliest = &earliest.Time
	}
	if latest.Valid {
		stats.Latest = &latest.Time
	}
	return stats, nil
}

// MissingInstruments lists active instruments with no daily bars in
// [from, to].
func (r *OHLCVRepo) MissingInstruments(ctx context.Context, from, to time.Time) ([]uuid.UUID, error) {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	query := `
		SELECT i.id
		FROM instruments i
		WHERE i.is_active
		  AND NOT EXISTS (
			SELECT 1 FROM ohlcv o
			WHERE o.instrument_id = i.id
			  AND o.timeframe = 'daily'
			  AND o.timestamp >= $1 AND o.timestamp <= $2
			  AND o.deleted_at IS NULL
		  )
		ORDER BY i.symbol`

	var ids []uuid.UUID
	if err := r.db.SelectContext(ctx, &ids, query, from, to); err != nil {
		return nil, fmt.Errorf("failed to query missing instruments: %w", err)
	}
	return ids, nil
}

// SoftDelete marks bars deleted without removing them. The default delete
// path for operational safety.
func (r *OHLCVRepo) SoftDelete(ctx context.Context, instrumentID uuid.UUID, tf domain.Timeframe, from, to time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE ohlcv SET deleted_at = now()
		WHERE instrument_id = $1 AND timeframe = $2
		  AND timestamp >= $3 AND timestamp <= $4
		  AND deleted_at IS NULL`,
		instrumentID, tf, from, to)
	if err != nil {
		return 0, fmt.Errorf("failed to soft-delete bars: %w", err)
	}
	return res.RowsAffected()
}

// HardDelete removes bars permanently. Retention jobs only.
func (r *OHLCVRepo) HardDelete(ctx context.Context, instrumentID uuid.UUID, tf domain.Timeframe, from, to time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM ohlcv
		WHERE instrument_id = $1 AND timeframe = $2
		  AND timestamp >= $3 AND timestamp <= $4`,
		instrumentID, tf, from, to)
	if err != nil {
		return 0, fmt.Errorf("failed to hard-delete bars: %w", err)
	}
	return res.RowsAffected()
}

// UpsertWeeklyFromDaily pushes the weekly aggregation down into one SQL
// statement for a chunk of instruments. Output rows are identical to the
// in-process aggregation path: open/close by first/last daily timestamp in
// the ISO week, extremes and volume across it. Weeks are truncated in the
// market timezone, not the session timezone; daily bars sit at market
// midnight, which is the previous UTC day, and a UTC date_trunc would pull
// every Monday bar into the prior week and stamp the row off by one day.
func (r *OHLCVRepo) UpsertWeeklyFromDaily(ctx context.Context, instrumentIDs []uuid.UUID, from time.Time, sourceTag, tz string) (int64, error) {
	if len(instrumentIDs) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	ids := make([]string, len(instrumentIDs))
	for i, id := range instrumentIDs {
		ids[i] = id.String()
	}

	query := `
		INSERT INTO ohlcv (` + ohlcvColumns + `)
		SELECT d.instrument_id,
		       date_trunc('week', d.timestamp AT TIME ZONE $4) AT TIME ZONE $4 AS week_start,
		       'weekly',
		       (array_agg(d.open ORDER BY d.timestamp ASC))[1],
		       MAX(d.high),
		       MIN(d.low),
		       (array_agg(d.close ORDER BY d.timestamp DESC))[1],
		       NULL,
		       SUM(d.volume)::bigint,
		       $3,
		       1.0
		FROM ohlcv d
		WHERE d.timeframe = 'daily'
		  AND d.deleted_at IS NULL
		  AND d.instrument_id = ANY($1::uuid[])
		  AND d.timestamp >= $2
		GROUP BY d.instrument_id, week_start
		ON CONFLICT (instrument_id, timestamp, timeframe) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			adjusted_close = EXCLUDED.adjusted_close,
			volume = EXCLUDED.volume,
			source = EXCLUDED.source,
			quality_score = EXCLUDED.quality_score,
			deleted_at = NULL`

	res, err := r.db.ExecContext(ctx, query, pq.Array(ids), from, sourceTag, tz)
	if err != nil {
		return 0, fmt.Errorf("failed to push down weekly aggregation: %w", err)
	}
	n, _ := res.RowsAffected()
	if r.m != nil && n > 0 {
		r.m.UpsertBatches.Inc()
	}
	return n, nil
}
