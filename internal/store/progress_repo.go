package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/akashsinga/quantpulse/internal/domain"
)

// maxErrorLen bounds the stored failure message.
const maxErrorLen = 1000

// ProgressRepo is the per-instrument fetch-state machine. MarkSuccess and
// MarkFailed are the only write paths; both are idempotent upserts.
type ProgressRepo struct {
	db *sqlx.DB
}

func NewProgressRepo(db *sqlx.DB) *ProgressRepo {
	return &ProgressRepo{db: db}
}

// MarkSuccess records a successful fetch for a batch of instruments in one
// statement, resetting retry_count and clearing any stored error. The as-of
// date lands in the column matching op.
func (r *ProgressRepo) MarkSuccess(ctx context.Context, instrumentIDs []uuid.UUID, asOf time.Time, op domain.FetchOperation) error {
	if len(instrumentIDs) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	column := "last_historical_fetch"
	if op == domain.OperationDaily {
		column = "last_daily_fetch"
	}

	ids := make([]string, len(instrumentIDs))
	for i, id := range instrumentIDs {
		ids[i] = id.String()
	}

	query := fmt.Sprintf(`
		INSERT INTO fetch_progress (instrument_id, %[1]s, status, retry_count, error_message, updated_at)
		SELECT unnest($1::uuid[]), $2, 'success', 0, NULL, now()
		ON CONFLICT (instrument_id) DO UPDATE SET
			%[1]s = EXCLUDED.%[1]s,
			status = 'success',
			retry_count = 0,
			error_message = NULL,
			updated_at = now()`, column)

	if _, err := r.db.ExecContext(ctx, query, pq.Array(ids), asOf); err != nil {
		return fmt.Errorf("failed to mark fetch success: %w", err)
	}
	return nil
}

// MarkFailed records one instrument's failure, incrementing retry_count and
// storing the truncated error message.
func (r *ProgressRepo) MarkFailed(ctx context.Context, instrumentID uuid.UUID, errorMessage string) error {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	if len(errorMessage) > maxErrorLen {
		errorMessage = errorMessage[:maxErrorLen]
	}

	query := `
		INSERT INTO fetch_progress (instrument_id, status, retry_count, error_message, updated_at)
		VALUES ($1, 'failed', 1, $2, now())
		ON CONFLICT (instrument_id) DO UPDATE SET
			status = 'failed',
			retry_count = fetch_progress.retry_count + 1,
			error_message = EXCLUDED.error_message,
			updated_at = now()`

	if _, err := r.db.ExecContext(ctx, query, instrumentID, errorMessage); err != nil {
		return fmt.Errorf("failed to mark fetch failure: %w", err)
	}
	return nil
}

// MarkInProgress flags a set of instruments as actively being fetched.
func (r *ProgressRepo) MarkInProgress(ctx context.Context, instrumentIDs []uuid.UUID) error {
	if len(instrumentIDs) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	ids := make([]string, len(instrumentIDs))
	for i, id := range instrumentIDs {
		ids[i] = id.String()
	}
	query := `
		INSERT INTO fetch_progress (instrument_id, status, updated_at)
		SELECT unnest($1::uuid[]), 'in_progress', now()
		ON CONFLICT (instrument_id) DO UPDATE SET
			status = 'in_progress',
			updated_at = now()`
	if _, err := r.db.ExecContext(ctx, query, pq.Array(ids)); err != nil {
		return fmt.Errorf("failed to mark fetch in progress: %w", err)
	}
	return nil
}

// Get loads one progress row, or nil when it was never created.
func (r *ProgressRepo) Get(ctx context.Context, instrumentID uuid.UUID) (*domain.FetchProgress, error) {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	var p domain.FetchProgress
	err := r.db.GetContext(ctx, &p, `
		SELECT instrument_id, last_historical_fetch, last_daily_fetch, status,
		       retry_count, error_message, updated_at
		FROM fetch_progress WHERE instrument_id = $1`, instrumentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fetch progress: %w", err)
	}
	return &p, nil
}

// PendingFor selects the instruments the next fetch pass should cover.
//
// historical: active STOCK/INDEX instruments whose progress row is missing
// or failed. daily: same filter, additionally selecting rows whose last
// daily fetch predates today.
func (r *ProgressRepo) PendingFor(ctx context.Context, op domain.FetchOperation, today time.Time) ([]domain.Instrument, error) {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	base := `
		SELECT i.id, i.exchange_id, i.symbol, i.name, i.external_id, i.security_type,
		       i.segment, i.isin, i.sector, i.industry, i.lot_size, i.tick_size,
		       i.is_active, i.is_tradeable, i.is_derivatives_eligible,
		       i.has_options, i.has_futures, i.created_at, i.updated_at
		FROM instruments i
		LEFT JOIN fetch_progress p ON p.instrument_id = i.id
		WHERE i.is_active
		  AND i.security_type IN ('STOCK', 'INDEX')`

	var query string
	args := []interface{}{}
	switch op {
	case domain.OperationHistorical:
		query = base + `
		  AND (p.instrument_id IS NULL OR p.status = 'failed')
		ORDER BY i.symbol`
	case domain.OperationDaily:
		query = base + `
		  AND (p.instrument_id IS NULL OR p.status = 'failed' OR p.last_daily_fetch IS NULL OR p.last_daily_fetch < $1)
		ORDER BY i.symbol`
		args = append(args, today)
	default:
		return nil, fmt.Errorf("unknown fetch operation %q", op)
	}

	var instruments []domain.Instrument
	if err := r.db.SelectContext(ctx, &instruments, query, args...); err != nil {
		return nil, fmt.Errorf("failed to select pending instruments: %w", err)
	}
	return instruments, nil
}

// ResetFailed flips failed rows below the retry cap back to pending so the
// cleanup workflow can re-dispatch them. Returns the instruments reset.
func (r *ProgressRepo) ResetFailed(ctx context.Context, maxRetries int) ([]uuid.UUID, error) {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	var ids []uuid.UUID
	err := r.db.SelectContext(ctx, &ids, `
		UPDATE fetch_progress SET status = 'pending', updated_at = now()
		WHERE status = 'failed' AND retry_count < $1
		RETURNING instrument_id`, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to reset failed fetches: %w", err)
	}
	return ids, nil
}

// ResetForRefresh clears progress fields for a force refresh. The row stays.
func (r *ProgressRepo) ResetForRefresh(ctx context.Context, instrumentIDs []uuid.UUID) error {
	if len(instrumentIDs) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	ids := make([]string, len(instrumentIDs))
	for i, id := range instrumentIDs {
		ids[i] = id.String()
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE fetch_progress SET
			last_historical_fetch = NULL,
			last_daily_fetch = NULL,
			status = 'pending',
			retry_count = 0,
			error_message = NULL,
			updated_at = now()
		WHERE instrument_id = ANY($1::uuid[])`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to reset progress for refresh: %w", err)
	}
	return nil
}
