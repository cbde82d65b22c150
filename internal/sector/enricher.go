// Package sector backfills sector/industry classification onto equities via
// the broker's screener endpoint. Enrichment is best-effort: it never blocks
// ingestion and failed batches just leave rows unclassified.
package sector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/akashsinga/quantpulse/internal/domain"
)

// CatalogStore is the slice of the catalog the enricher needs.
type CatalogStore interface {
	EquitiesForSectorEnrichment(ctx context.Context, forceRefresh bool) ([]domain.Instrument, error)
	UpdateSectorByISIN(ctx context.Context, isin, sector, industry string) (int64, error)
	GetInstrument(ctx context.Context, id uuid.UUID) (*domain.Instrument, error)
}

// ExchangeResolver maps an instrument's exchange ID to the venue code the
// screener endpoint expects.
type ExchangeResolver func(exchangeID uuid.UUID) (string, bool)

// Result reports one enrichment run.
type Result struct {
	Candidates  int
	Enriched    int
	Unmatched   int
	FailedCalls int
	Duration    time.Duration
}

// AsParams renders the result for a TaskRun's result_data.
func (r *Result) AsParams() domain.Params {
	return domain.Params{
		"candidates":       r.Candidates,
		"enriched":         r.Enriched,
		"unmatched":        r.Unmatched,
		"failed_calls":     r.FailedCalls,
		"duration_seconds": r.Duration.Seconds(),
	}
}

// screener wire shapes.
type lookupRequest struct {
	Data lookupData `json:"data"`
}

type lookupData struct {
	Fields []string      `json:"fields"`
	Params []lookupParam `json:"params"`
}

type lookupParam struct {
	Field string `json:"field"`
	Val   string `json:"val"`
}

type lookupResponse struct {
	Code int           `json:"code"`
	Data []lookupEntry `json:"data"`
}

type lookupEntry struct {
	ISIN      string `json:"Isin"`
	Sector    string `json:"Sector"`
	SubSector string `json:"SubSector"`
	DispSym   string `json:"DispSym"`
}

// Enricher batches equities by exchange and resolves their sectors. One
// request carries up to batchSize symbols; responses are matched back by
// ISIN only, since display symbols are not stable across venues.
type Enricher struct {
	store     CatalogStore
	resolve   ExchangeResolver
	client    *http.Client
	url       string
	batchSize int
	workers   int
	pacer     *rate.Limiter
}

// New builds an enricher. batchSize <= 0 falls back to 15, workers <= 0 to 3.
// The screener tolerates only gentle traffic, hence the 2 rps pacer shared by
// every worker.
func New(store CatalogStore, resolve ExchangeResolver, url string, batchSize, workers int) *Enricher {
	if batchSize <= 0 {
		batchSize = 15
	}
	if workers <= 0 {
		workers = 3
	}
	return &Enricher{
		store:     store,
		resolve:   resolve,
		client:    &http.Client{Timeout: 20 * time.Second},
		url:       url,
		batchSize: batchSize,
		workers:   workers,
		pacer:     rate.NewLimiter(rate.Limit(2), 1),
	}
}

// Run enriches every qualifying equity. With forceRefresh it revisits rows
// that already carry a sector.
func (e *Enricher) Run(ctx context.Context, forceRefresh bool, onProgress func(pct int, message string)) (*Result, error) {
	start := time.Now()
	candidates, err := e.store.EquitiesForSectorEnrichment(ctx, forceRefresh)
	if err != nil {
		return nil, err
	}
	result := &Result{Candidates: len(candidates)}
	if len(candidates) == 0 {
		result.Duration = time.Since(start)
		return result, nil
	}

	// Batches never span exchanges; the endpoint filters by one venue.
	byExchange := make(map[uuid.UUID][]domain.Instrument)
	for _, in := range candidates {
		byExchange[in.ExchangeID] = append(byExchange[in.ExchangeID], in)
	}

	type batch struct {
		exchangeCode string
		instruments  []domain.Instrument
	}
	var batches []batch
	for exchangeID, list := range byExchange {
		code, ok := e.resolve(exchangeID)
		if !ok {
			log.Warn().Str("exchange_id", exchangeID.String()).
				Msg("no venue code for exchange, skipping enrichment")
			result.Unmatched += len(list)
			continue
		}
		for lo := 0; lo < len(list); lo += e.batchSize {
			hi := lo + e.batchSize
			if hi > len(list) {
				hi = len(list)
			}
			batches = append(batches, batch{exchangeCode: code, instruments: list[lo:hi]})
		}
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		done int
	)
	work := make(chan batch)
	for w := 0; w < e.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for b := range work {
				enriched, unmatched, err := e.enrichBatch(ctx, b.exchangeCode, b.instruments)
				mu.Lock()
				if err != nil {
					result.FailedCalls++
					result.Unmatched += len(b.instruments)
					log.Warn().Str("exchange", b.exchangeCode).Err(err).
						Msg("sector lookup batch failed")
				} else {
					result.Enriched += enriched
					result.Unmatched += unmatched
				}
				done++
				if onProgress != nil {
					onProgress(done*100/len(batches), "enriching sectors")
				}
				mu.Unlock()
			}
		}()
	}
	for _, b := range batches {
		select {
		case <-ctx.Done():
		case work <- b:
		}
	}
	close(work)
	wg.Wait()

	result.Duration = time.Since(start)
	return result, ctx.Err()
}

func (e *Enricher) enrichBatch(ctx context.Context, exchangeCode string, instruments []domain.Instrument) (enriched, unmatched int, err error) {
	if err := e.pacer.Wait(ctx); err != nil {
		return 0, 0, err
	}

	symbols := make([]string, 0, len(instruments))
	byISIN := make(map[string]domain.Instrument, len(instruments))
	for _, in := range instruments {
		symbols = append(symbols, in.Symbol)
		if in.ISIN != nil {
			byISIN[*in.ISIN] = in
		}
	}

	entries, err := e.lookup(ctx, exchangeCode, symbols)
	if err != nil {
		return 0, 0, err
	}

	matched := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if entry.ISIN == "" || entry.Sector == "" {
			continue
		}
		if _, ok := byISIN[entry.ISIN]; !ok {
			continue
		}
		if _, err := e.store.UpdateSectorByISIN(ctx, entry.ISIN, entry.Sector, entry.SubSector); err != nil {
			log.Warn().Str("isin", entry.ISIN).Err(err).Msg("sector update failed")
			continue
		}
		matched[entry.ISIN] = struct{}{}
		enriched++
	}
	for isin := range byISIN {
		if _, ok := matched[isin]; !ok {
			unmatched++
		}
	}
	return enriched, unmatched, nil
}

func (e *Enricher) lookup(ctx context.Context, exchangeCode string, symbols []string) ([]lookupEntry, error) {
	payload, err := json.Marshal(lookupRequest{Data: lookupData{
		Fields: []string{"Sector", "SubSector"},
		Params: []lookupParam{
			{Field: "Exch", Val: exchangeCode},
			{Field: "Sym", Val: strings.Join(symbols, ",")},
		},
	}})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sector lookup request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read sector lookup response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sector lookup returned HTTP %d", resp.StatusCode)
	}

	var out lookupResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("malformed sector lookup response: %w", err)
	}
	if out.Code != 0 {
		return nil, fmt.Errorf("sector lookup rejected with code %d", out.Code)
	}
	return out.Data, nil
}
