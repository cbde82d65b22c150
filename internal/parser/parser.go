// Package parser normalizes upstream payloads into canonical OHLCV rows.
// Both entry points are pure: all inputs explicit, no I/O.
package parser

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/akashsinga/quantpulse/internal/domain"
	"github.com/akashsinga/quantpulse/internal/upstream"
)

// ParseHistorical walks the parallel arrays in order and emits validated
// daily bars. Duplicate dates within one response resolve first-wins; rows
// violating the OHLC invariants are dropped with a warning.
func ParseHistorical(instrumentID uuid.UUID, resp *upstream.HistoricalResponse, sourceTag string, tz *time.Location) []domain.OHLCVBar {
	if resp == nil {
		return nil
	}

	bars := make([]domain.OHLCVBar, 0, resp.Len())
	seen := make(map[time.Time]struct{}, resp.Len())

	for i := 0; i < resp.Len(); i++ {
		ts := time.Unix(resp.Timestamp[i], 0).In(tz)
		date := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, tz)
		if _, dup := seen[date]; dup {
			continue
		}
		// First occurrence wins the date even if it fails validation below;
		// a later duplicate must not resurrect a dropped day.
		seen[date] = struct{}{}

		bar := domain.OHLCVBar{
			InstrumentID: instrumentID,
			Timestamp:    date,
			Timeframe:    domain.TimeframeDaily,
			Open:         decimal.NewFromFloat(resp.Open[i]),
			High:         decimal.NewFromFloat(resp.High[i]),
			Low:          decimal.NewFromFloat(resp.Low[i]),
			Close:        decimal.NewFromFloat(resp.Close[i]),
			Volume:       int64(resp.Volume[i]),
			Source:       sourceTag,
			QualityScore: 1.0,
		}
		if err := bar.Validate(); err != nil {
			log.Warn().Str("instrument_id", instrumentID.String()).
				Time("date", date).Err(err).
				Msg("dropping invalid historical bar")
			continue
		}

		bars = append(bars, bar)
	}
	return bars
}

// ParseEOD extracts one bar per known instrument from a quote response.
// Records where every price is zero are skipped (market closed for that
// instrument); unknown external IDs are skipped silently. Bars are stamped
// at asOf midnight in the market timezone.
func ParseEOD(resp *upstream.EODResponse, byExternalID map[int32]uuid.UUID, sourceTag string, asOf time.Time, tz *time.Location) []domain.OHLCVBar {
	if resp == nil {
		return nil
	}

	day := asOf.In(tz)
	stamp := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, tz)

	var bars []domain.OHLCVBar
	for segment, quotes := range resp.Data {
		for idStr, quote := range quotes {
			extID, err := strconv.ParseInt(idStr, 10, 32)
			if err != nil {
				log.Warn().Str("segment", segment).Str("external_id", idStr).
					Msg("skipping EOD record with non-numeric external ID")
				continue
			}
			instrumentID, known := byExternalID[int32(extID)]
			if !known {
				continue
			}

			o := quote.OHLC
			if o.Open == 0 && o.High == 0 && o.Low == 0 && o.Close == 0 {
				continue
			}

			bar := domain.OHLCVBar{
				InstrumentID: instrumentID,
				Timestamp:    stamp,
				Timeframe:    domain.TimeframeDaily,
				Open:         decimal.NewFromFloat(o.Open),
				High:         decimal.NewFromFloat(o.High),
				Low:          decimal.NewFromFloat(o.Low),
				Close:        decimal.NewFromFloat(o.Close),
				Volume:       quote.Volume,
				Source:       sourceTag,
				QualityScore: 1.0,
			}
			if err := bar.Validate(); err != nil {
				log.Warn().Str("instrument_id", instrumentID.String()).
					Str("segment", segment).Err(err).
					Msg("dropping invalid EOD bar")
				continue
			}
			bars = append(bars, bar)
		}
	}
	return bars
}
