// Package catalog imports the broker's security master into the instrument
// catalog: equities and indices first, then futures contracts linked to
// their underlyings.
package catalog

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/akashsinga/quantpulse/internal/config"
	"github.com/akashsinga/quantpulse/internal/domain"
)

// CatalogStore is the persistence surface the importer drives.
type CatalogStore interface {
	EnsureExchange(ctx context.Context, ex domain.Exchange) (*domain.Exchange, error)
	UpsertInstrument(ctx context.Context, in *domain.Instrument) (bool, error)
	GetInstrumentBySymbol(ctx context.Context, symbol string, exchangeID uuid.UUID) (*domain.Instrument, error)
	GetInstrumentByExternalID(ctx context.Context, externalID int32) (*domain.Instrument, error)
	ApplyDerivativeFlags(ctx context.Context, exchangeID uuid.UUID, flags map[string]domain.DerivativeFlags) error
	UpsertFuture(ctx context.Context, f *domain.Future) error
	MarkExpiredFuturesInactive(ctx context.Context, today time.Time) (int64, error)
	UpdateDerivativesEligibility(ctx context.Context) (int64, error)
}

// MasterSource delivers the raw master file.
type MasterSource interface {
	FetchMasterCSV(ctx context.Context) (io.ReadCloser, error)
}

// ImportResult reports one master import.
type ImportResult struct {
	RowsParsed         int
	InstrumentsCreated int
	InstrumentsUpdated int
	FuturesUpserted    int
	FuturesSkipped     int
	FuturesExpired     int64
	UnderlyingsFlagged int64
	Duration           time.Duration
}

// AsParams renders the result for a TaskRun's result_data.
func (r *ImportResult) AsParams() domain.Params {
	return domain.Params{
		"rows_parsed":         r.RowsParsed,
		"instruments_created": r.InstrumentsCreated,
		"instruments_updated": r.InstrumentsUpdated,
		"futures_upserted":    r.FuturesUpserted,
		"futures_skipped":     r.FuturesSkipped,
		"futures_expired":     r.FuturesExpired,
		"underlyings_flagged": r.UnderlyingsFlagged,
		"duration_seconds":    r.Duration.Seconds(),
	}
}

// Importer runs the full master import pipeline.
type Importer struct {
	source MasterSource
	store  CatalogStore
	filter *config.CatalogFilter
	loc    *time.Location
}

func NewImporter(source MasterSource, store CatalogStore, filter *config.CatalogFilter, loc *time.Location) *Importer {
	if filter == nil {
		filter = config.DefaultCatalogFilter()
	}
	return &Importer{source: source, store: store, filter: filter, loc: loc}
}

// SetFilter swaps the catalog filter. Call before any import starts.
func (imp *Importer) SetFilter(filter *config.CatalogFilter) {
	if filter != nil {
		imp.filter = filter
	}
}

// ImportFromMaster downloads and parses the master file, upserts equities
// and indices, applies derivative flags, then creates futures contracts.
// Expired contracts are deactivated at the end so a fresh import leaves the
// catalog fully consistent.
func (imp *Importer) ImportFromMaster(ctx context.Context, onProgress func(pct int, message string)) (*ImportResult, error) {
	start := time.Now()
	report := func(pct int, msg string) {
		if onProgress != nil {
			onProgress(pct, msg)
		}
	}

	body, err := imp.source.FetchMasterCSV(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to download security master: %w", err)
	}
	defer body.Close()

	rows, flags, err := ParseMaster(body, imp.filter)
	if err != nil {
		return nil, err
	}
	result := &ImportResult{RowsParsed: len(rows)}
	report(10, fmt.Sprintf("parsed %d master rows", len(rows)))

	exchanges := make(map[string]*domain.Exchange, len(imp.filter.Exchanges))
	for _, spec := range imp.filter.Exchanges {
		ex, err := imp.store.EnsureExchange(ctx, domain.Exchange{
			Code:              spec.Code,
			Name:              spec.Name,
			Country:           spec.Country,
			Timezone:          spec.Timezone,
			Currency:          spec.Currency,
			TradingHoursStart: spec.TradingHoursStart,
			TradingHoursEnd:   spec.TradingHoursEnd,
		})
		if err != nil {
			return nil, err
		}
		exchanges[spec.Code] = ex
	}

	// Underlyings first so futures rows can resolve them.
	var futures []MasterRow
	for i, row := range rows {
		if row.IsFuture() {
			futures = append(futures, row)
			continue
		}
		ex, ok := exchanges[row.ExchangeCode]
		if !ok {
			continue
		}
		created, err := imp.upsertUnderlying(ctx, ex, row)
		if err != nil {
			log.Warn().Str("symbol", row.UnderlyingSymbol).Err(err).
				Msg("instrument upsert failed")
			continue
		}
		if created {
			result.InstrumentsCreated++
		} else {
			result.InstrumentsUpdated++
		}
		if i%500 == 0 {
			report(10+(i+1)*40/len(rows), "importing instruments")
		}
	}

	for code, ex := range exchanges {
		if err := imp.store.ApplyDerivativeFlags(ctx, ex.ID, flags); err != nil {
			return result, fmt.Errorf("failed to apply derivative flags on %s: %w", code, err)
		}
	}
	report(55, "applied derivative flags")

	if err := imp.processFutures(ctx, exchanges, futures, result, report); err != nil {
		return result, err
	}

	today := time.Now().In(imp.loc)
	day := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, imp.loc)
	if result.FuturesExpired, err = imp.store.MarkExpiredFuturesInactive(ctx, day); err != nil {
		return result, err
	}
	if result.UnderlyingsFlagged, err = imp.store.UpdateDerivativesEligibility(ctx); err != nil {
		return result, err
	}

	result.Duration = time.Since(start)
	report(100, fmt.Sprintf("master import complete: %d created, %d updated, %d futures",
		result.InstrumentsCreated, result.InstrumentsUpdated, result.FuturesUpserted))
	return result, nil
}

func (imp *Importer) upsertUnderlying(ctx context.Context, ex *domain.Exchange, row MasterRow) (bool, error) {
	secType := domain.SecurityStock
	segment := domain.SegmentEquity
	symbol := row.UnderlyingSymbol
	if row.Instrument == "INDEX" {
		secType = domain.SecurityIndex
		segment = domain.SegmentIndex
		// Indices are cataloged under their display name (NIFTY 50, not
		// NIFTY); the bare underlying symbol resolves through IndexAliases.
		if row.DisplayName != "" {
			symbol = domain.NormalizeSymbol(row.DisplayName)
		}
	}

	in := &domain.Instrument{
		ExchangeID:   ex.ID,
		Symbol:       symbol,
		Name:         row.SymbolName,
		ExternalID:   row.SecurityID,
		SecurityType: secType,
		Segment:      segment,
		IsActive:     true,
		IsTradeable:  secType != domain.SecurityIndex,
	}
	if row.ISIN != "" {
		in.ISIN = &row.ISIN
	}
	if row.LotSize > 0 {
		in.LotSize = &row.LotSize
	}
	if !row.TickSize.IsZero() {
		ts := row.TickSize
		in.TickSize = &ts
	}
	return imp.store.UpsertInstrument(ctx, in)
}

// processFutures creates the DERIVATIVE instrument and contract row for each
// futures line. Contracts whose underlying cannot be resolved are skipped,
// not failed; the next import retries them.
func (imp *Importer) processFutures(ctx context.Context, exchanges map[string]*domain.Exchange, futures []MasterRow, result *ImportResult, report func(int, string)) error {
	// Read-through lookup cache scoped to this import run.
	cache := make(map[string]*domain.Instrument)

	for i, row := range futures {
		ex, ok := exchanges[row.ExchangeCode]
		if !ok {
			result.FuturesSkipped++
			continue
		}
		if row.ExpiryDate == nil {
			result.FuturesSkipped++
			continue
		}

		underlying, err := imp.resolveUnderlying(ctx, ex, row, cache)
		if err != nil {
			return err
		}
		if underlying == nil {
			result.FuturesSkipped++
			continue
		}

		contract := &domain.Instrument{
			ExchangeID:   ex.ID,
			Symbol:       row.DisplayName,
			Name:         row.DisplayName,
			ExternalID:   row.SecurityID,
			SecurityType: domain.SecurityDerivative,
			Segment:      domain.SegmentDerivative,
			IsActive:     true,
			IsTradeable:  true,
		}
		if row.LotSize > 0 {
			contract.LotSize = &row.LotSize
		}
		if !row.TickSize.IsZero() {
			ts := row.TickSize
			contract.TickSize = &ts
		}
		if contract.Symbol == "" {
			contract.Symbol = fmt.Sprintf("%s-%s-FUT", row.UnderlyingSymbol,
				domain.ContractMonthOf(row.ExpiryDate.Month()))
			contract.Name = contract.Symbol
		}
		if _, err := imp.store.UpsertInstrument(ctx, contract); err != nil {
			log.Warn().Str("symbol", contract.Symbol).Err(err).
				Msg("futures instrument upsert failed")
			result.FuturesSkipped++
			continue
		}

		lot := row.LotSize
		if lot <= 0 {
			lot = 1
		}
		future := &domain.Future{
			InstrumentID:   contract.ID,
			UnderlyingID:   underlying.ID,
			ExpirationDate: *row.ExpiryDate,
			ContractMonth:  domain.ContractMonthOf(row.ExpiryDate.Month()),
			SettlementType: domain.SettlementCash,
			ContractSize:   lot,
			LotSize:        lot,
			IsActive:       true,
		}
		if err := imp.store.UpsertFuture(ctx, future); err != nil {
			log.Warn().Str("symbol", contract.Symbol).Err(err).
				Msg("futures contract upsert failed")
			result.FuturesSkipped++
			continue
		}
		result.FuturesUpserted++

		if i%200 == 0 && len(futures) > 0 {
			report(55+(i+1)*40/len(futures), "importing futures contracts")
		}
	}
	return nil
}

// resolveUnderlying finds the instrument a futures row refers to, trying the
// broker's numeric underlying ID, then the exact symbol, then index aliases.
func (imp *Importer) resolveUnderlying(ctx context.Context, ex *domain.Exchange, row MasterRow, cache map[string]*domain.Instrument) (*domain.Instrument, error) {
	if row.UnderlyingSecurityID != nil {
		key := fmt.Sprintf("ext:%d", *row.UnderlyingSecurityID)
		if in, ok := cache[key]; ok {
			return in, nil
		}
		in, err := imp.store.GetInstrumentByExternalID(ctx, *row.UnderlyingSecurityID)
		if err != nil {
			return nil, err
		}
		cache[key] = in
		if in != nil {
			return in, nil
		}
	}

	symbols := []string{row.UnderlyingSymbol}
	if alias, ok := domain.IndexAliases[row.UnderlyingSymbol]; ok {
		symbols = append(symbols, alias)
	}
	for _, sym := range symbols {
		key := "sym:" + sym
		in, ok := cache[key]
		if !ok {
			var err error
			in, err = imp.store.GetInstrumentBySymbol(ctx, sym, ex.ID)
			if err != nil {
				return nil, err
			}
			cache[key] = in
		}
		if in != nil {
			return in, nil
		}
	}
	log.Debug().Str("underlying", row.UnderlyingSymbol).
		Msg("no underlying found for futures row, skipping")
	return nil, nil
}
