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

// pqUniqueViolation is the Postgres error code for unique constraint clashes.
const pqUniqueViolation = "23505"

// CatalogRepo persists exchanges, instruments, and futures.
type CatalogRepo struct {
	db *sqlx.DB
}

func NewCatalogRepo(db *sqlx.DB) *CatalogRepo {
	return &CatalogRepo{db: db}
}

const instrumentColumns = `id, exchange_id, symbol, name, external_id, security_type, segment,
	isin, sector, industry, lot_size, tick_size,
	is_active, is_tradeable, is_derivatives_eligible, has_options, has_futures,
	created_at, updated_at`

// EnsureExchange gets or creates an exchange by code.
func (r *CatalogRepo) EnsureExchange(ctx context.Context, ex domain.Exchange) (*domain.Exchange, error) {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	var existing domain.Exchange
	err := r.db.GetContext(ctx, &existing,
		`SELECT * FROM exchanges WHERE code = $1`, ex.Code)
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to look up exchange %s: %w", ex.Code, err)
	}

	ex.ID = uuid.New()
	err = r.db.QueryRowxContext(ctx, `
		INSERT INTO exchanges (id, code, name, country, timezone, currency,
			trading_hours_start, trading_hours_end, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE)
		ON CONFLICT (code) DO UPDATE SET updated_at = now()
		RETURNING created_at, updated_at`,
		ex.ID, ex.Code, ex.Name, ex.Country, ex.Timezone, ex.Currency,
		ex.TradingHoursStart, ex.TradingHoursEnd).
		Scan(&ex.CreatedAt, &ex.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create exchange %s: %w", ex.Code, err)
	}
	ex.IsActive = true
	return &ex, nil
}

// UpsertInstrument writes one instrument keyed on the business unique key
// (symbol, exchange_id), refreshing classification fields on conflict and
// preserving created_at. When the write instead clashes on the secondary
// external_id constraint, it retries once against that key.
func (r *CatalogRepo) UpsertInstrument(ctx context.Context, in *domain.Instrument) (created bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}

	created, err = r.upsertInstrumentOn(ctx, in, "(symbol, exchange_id)")
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		created, err = r.upsertInstrumentOn(ctx, in, "(external_id)")
	}
	if err != nil {
		return false, fmt.Errorf("failed to upsert instrument %s: %w", in.Symbol, err)
	}
	return created, nil
}

func (r *CatalogRepo) upsertInstrumentOn(ctx context.Context, in *domain.Instrument, conflictKey string) (bool, error) {
	query := fmt.Sprintf(`
		INSERT INTO instruments (id, exchange_id, symbol, name, external_id, security_type, segment,
			isin, sector, industry, lot_size, tick_size,
			is_active, is_tradeable, is_derivatives_eligible, has_options, has_futures)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT %s DO UPDATE SET
			symbol = EXCLUDED.symbol,
			name = EXCLUDED.name,
			external_id = EXCLUDED.external_id,
			security_type = EXCLUDED.security_type,
			segment = EXCLUDED.segment,
			isin = COALESCE(EXCLUDED.isin, instruments.isin),
			lot_size = COALESCE(EXCLUDED.lot_size, instruments.lot_size),
			tick_size = COALESCE(EXCLUDED.tick_size, instruments.tick_size),
			is_active = EXCLUDED.is_active,
			is_tradeable = EXCLUDED.is_tradeable,
			updated_at = now()
		RETURNING id, created_at, updated_at, (created_at = updated_at) AS inserted`, conflictKey)

	var inserted bool
	err := r.db.QueryRowxContext(ctx, query,
		in.ID, in.ExchangeID, in.Symbol, in.Name, in.ExternalID, in.SecurityType, in.Segment,
		in.ISIN, in.Sector, in.Industry, in.LotSize, in.TickSize,
		in.IsActive, in.IsTradeable, in.IsDerivativesEligible, in.HasOptions, in.HasFutures).
		Scan(&in.ID, &in.CreatedAt, &in.UpdatedAt, &inserted)
	return inserted, err
}

// GetInstrument loads by ID.
func (r *CatalogRepo) GetInstrument(ctx context.Context, id uuid.UUID) (*domain.Instrument, error) {
	return r.getInstrumentWhere(ctx, `id = $1`, id)
}

// GetInstrumentBySymbol loads by the business key.
func (r *CatalogRepo) GetInstrumentBySymbol(ctx context.Context, symbol string, exchangeID uuid.UUID) (*domain.Instrument, error) {
	return r.getInstrumentWhere(ctx, `symbol = $1 AND exchange_id = $2`, symbol, exchangeID)
}

// GetInstrumentByExternalID loads by the broker-assigned ID.
func (r *CatalogRepo) GetInstrumentByExternalID(ctx context.Context, externalID int32) (*domain.Instrument, error) {
	return r.getInstrumentWhere(ctx, `external_id = $1`, externalID)
}

func (r *CatalogRepo) getInstrumentWhere(ctx context.Context, where string, args ...interface{}) (*domain.Instrument, error) {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	var in domain.Instrument
	err := r.db.GetContext(ctx, &in,
		`SELECT `+instrumentColumns+` FROM instruments WHERE `+where, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instrument: %w", err)
	}
	return &in, nil
}

// ActiveInstruments lists active instruments of the given types, ordered by
// symbol for deterministic processing.
func (r *CatalogRepo) ActiveInstruments(ctx context.Context, types ...domain.SecurityType) ([]domain.Instrument, error) {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	typeStrs := make([]string, len(types))
	for i, t := range types {
		typeStrs[i] = string(t)
	}

	var instruments []domain.Instrument
	err := r.db.SelectContext(ctx, &instruments, `
		SELECT `+instrumentColumns+` FROM instruments
		WHERE is_active AND security_type = ANY($1)
		ORDER BY symbol`, pq.Array(typeStrs))
	if err != nil {
		return nil, fmt.Errorf("failed to list active instruments: %w", err)
	}
	return instruments, nil
}

// EquitiesForSectorEnrichment selects active equities with an ISIN that are
// missing sector data, grouped by the caller per exchange. With forceRefresh
// every active ISIN-bearing equity qualifies.
func (r *CatalogRepo) EquitiesForSectorEnrichment(ctx context.Context, forceRefresh bool) ([]domain.Instrument, error) {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	query := `
		SELECT ` + instrumentColumns + ` FROM instruments
		WHERE is_active AND segment = 'EQUITY' AND isin IS NOT NULL`
	if !forceRefresh {
		query += ` AND sector IS NULL`
	}
	query += ` ORDER BY exchange_id, symbol`

	var instruments []domain.Instrument
	if err := r.db.SelectContext(ctx, &instruments, query); err != nil {
		return nil, fmt.Errorf("failed to select equities for enrichment: %w", err)
	}
	return instruments, nil
}

// UpdateSectorByISIN sets sector/industry on every instrument sharing the
// ISIN. Returns rows updated.
func (r *CatalogRepo) UpdateSectorByISIN(ctx context.Context, isin, sector, industry string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE instruments SET sector = $2, industry = $3, updated_at = now()
		WHERE isin = $1`, isin, sector, industry)
	if err != nil {
		return 0, fmt.Errorf("failed to update sector for ISIN %s: %w", isin, err)
	}
	return res.RowsAffected()
}

// ApplyDerivativeFlags sets has_futures/has_options on underlying symbols
// accumulated during a master import. Derivative rows never carry the flags.
func (r *CatalogRepo) ApplyDerivativeFlags(ctx context.Context, exchangeID uuid.UUID, flags map[string]domain.DerivativeFlags) error {
	if len(flags) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin flags transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE instruments SET
			has_futures = $3,
			has_options = $4,
			is_derivatives_eligible = ($3 OR $4),
			updated_at = now()
		WHERE symbol = $1 AND exchange_id = $2 AND security_type <> 'DERIVATIVE'`)
	if err != nil {
		return fmt.Errorf("failed to prepare flags statement: %w", err)
	}
	defer stmt.Close()

	for symbol, f := range flags {
		if _, err := stmt.ExecContext(ctx, symbol, exchangeID, f.HasFutures, f.HasOptions); err != nil {
			return fmt.Errorf("failed to apply derivative flags for %s: %w", symbol, err)
		}
	}
	return tx.Commit()
}

// UpsertFuture writes a contract keyed on
// (underlying_id, contract_month, expiration_date, settlement_type).
func (r *CatalogRepo) UpsertFuture(ctx context.Context, f *domain.Future) error {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO futures (id, instrument_id, underlying_id, expiration_date, contract_month,
			settlement_type, contract_size, lot_size, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (underlying_id, contract_month, expiration_date, settlement_type) DO UPDATE SET
			instrument_id = EXCLUDED.instrument_id,
			contract_size = EXCLUDED.contract_size,
			lot_size = EXCLUDED.lot_size,
			is_active = EXCLUDED.is_active,
			updated_at = now()
		RETURNING id, created_at, updated_at`,
		f.ID, f.InstrumentID, f.UnderlyingID, f.ExpirationDate, f.ContractMonth,
		f.SettlementType, f.ContractSize, f.LotSize, f.IsActive).
		Scan(&f.ID, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert future: %w", err)
	}
	return nil
}

// GetFutureByInstrument loads the contract attached to a DERIVATIVE
// instrument, or nil.
func (r *CatalogRepo) GetFutureByInstrument(ctx context.Context, instrumentID uuid.UUID) (*domain.Future, error) {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	var f domain.Future
	err := r.db.GetContext(ctx, &f,
		`SELECT * FROM futures WHERE instrument_id = $1`, instrumentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get future: %w", err)
	}
	return &f, nil
}

// MarkExpiredFuturesInactive deactivates contracts past their expiration
// date, along with their derivative instruments. Returns contracts affected.
func (r *CatalogRepo) MarkExpiredFuturesInactive(ctx context.Context, today time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin expiry transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE futures SET is_active = FALSE, updated_at = now()
		WHERE expiration_date < $1 AND is_active`, today)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate expired futures: %w", err)
	}
	n, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx, `
		UPDATE instruments SET is_active = FALSE, is_tradeable = FALSE, updated_at = now()
		WHERE security_type = 'DERIVATIVE' AND is_active
		  AND id IN (SELECT instrument_id FROM futures WHERE expiration_date < $1)`, today); err != nil {
		return 0, fmt.Errorf("failed to deactivate expired derivative instruments: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit expiry transaction: %w", err)
	}
	return n, nil
}

// UpdateDerivativesEligibility marks every underlying referenced by an
// active future as futures-bearing. Returns underlyings updated.
func (r *CatalogRepo) UpdateDerivativesEligibility(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE instruments SET
			has_futures = TRUE,
			is_derivatives_eligible = TRUE,
			updated_at = now()
		WHERE id IN (SELECT DISTINCT underlying_id FROM futures WHERE is_active)
		  AND NOT has_futures`)
	if err != nil {
		return 0, fmt.Errorf("failed to update derivatives eligibility: %w", err)
	}
	return res.RowsAffected()
}

// ExternalIDMap builds the external_id -> instrument_id lookup for a set of
// instruments, used by the EOD parse.
func ExternalIDMap(instruments []domain.Instrument) map[int32]uuid.UUID {
	m := make(map[int32]uuid.UUID, len(instruments))
	for _, in := range instruments {
		m[in.ExternalID] = in.ID
	}
	return m
}
