package parser

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akashsinga/quantpulse/internal/domain"
	"github.com/akashsinga/quantpulse/internal/upstream"
)

var ist = time.FixedZone("IST", 5*3600+1800)

func TestParseHistorical(t *testing.T) {
	id := uuid.New()
	day1 := time.Date(2026, 8, 3, 9, 15, 0, 0, ist)
	day2 := time.Date(2026, 8, 4, 9, 15, 0, 0, ist)

	resp := &upstream.HistoricalResponse{
		Open:      []float64{100, 101, 102},
		High:      []float64{110, 111, 112},
		Low:       []float64{95, 96, 97},
		Close:     []float64{105, 106, 107},
		Volume:    []float64{1000, 2000, 3000},
		Timestamp: []int64{day1.Unix(), day1.Add(time.Hour).Unix(), day2.Unix()},
	}

	bars := ParseHistorical(id, resp, "dhan", ist)
	require.Len(t, bars, 2, "duplicate dates resolve first-wins")

	first := bars[0]
	assert.Equal(t, id, first.InstrumentID)
	assert.Equal(t, domain.TimeframeDaily, first.Timeframe)
	assert.True(t, first.Open.Equal(decimal.NewFromInt(100)), "first record for the date wins")
	assert.Equal(t, int64(1000), first.Volume)
	assert.Equal(t, time.Date(2026, 8, 3, 0, 0, 0, 0, ist), first.Timestamp)

	assert.Equal(t, time.Date(2026, 8, 4, 0, 0, 0, 0, ist), bars[1].Timestamp)
}

func TestParseHistoricalDropsInvalidBars(t *testing.T) {
	day := time.Date(2026, 8, 3, 0, 0, 0, 0, ist)
	resp := &upstream.HistoricalResponse{
		Open:      []float64{100, 100},
		High:      []float64{90, 110}, // first bar: high below open
		Low:       []float64{85, 95},
		Close:     []float64{88, 105},
		Volume:    []float64{100, 200},
		Timestamp: []int64{day.Unix(), day.AddDate(0, 0, 1).Unix()},
	}

	bars := ParseHistorical(uuid.New(), resp, "dhan", ist)
	require.Len(t, bars, 1)
	assert.Equal(t, int64(200), bars[0].Volume)
}

func TestParseHistoricalInvalidFirstOccurrenceClaimsDate(t *testing.T) {
	day := time.Date(2026, 8, 3, 0, 0, 0, 0, ist)
	resp := &upstream.HistoricalResponse{
		Open:      []float64{100, 100},
		High:      []float64{90, 110}, // first record invalid, duplicate valid
		Low:       []float64{85, 95},
		Close:     []float64{88, 105},
		Volume:    []float64{100, 200},
		Timestamp: []int64{day.Unix(), day.Add(time.Hour).Unix()},
	}

	bars := ParseHistorical(uuid.New(), resp, "dhan", ist)
	assert.Empty(t, bars,
		"the first record owns the date; a later duplicate cannot resurrect a dropped day")
}

func TestParseHistoricalNilResponse(t *testing.T) {
	assert.Nil(t, ParseHistorical(uuid.New(), nil, "dhan", ist))
}

func TestParseEOD(t *testing.T) {
	known := uuid.New()
	byExternal := map[int32]uuid.UUID{2885: known}
	asOf := time.Date(2026, 8, 21, 18, 30, 0, 0, ist)

	resp := &upstream.EODResponse{
		Data: map[string]map[string]upstream.EODQuote{
			"NSE_EQ": {
				"2885": {OHLC: upstream.OHLC{Open: 2900, High: 2950, Low: 2880, Close: 2940}, Volume: 500000},
				"9999": {OHLC: upstream.OHLC{Open: 10, High: 12, Low: 9, Close: 11}, Volume: 100},
				"1234": {OHLC: upstream.OHLC{}, Volume: 0},
				"abc":  {OHLC: upstream.OHLC{Open: 5, High: 6, Low: 4, Close: 5}, Volume: 10},
			},
		},
	}

	bars := ParseEOD(resp, byExternal, "dhan", asOf, ist)
	require.Len(t, bars, 1, "unknown IDs, all-zero quotes, and non-numeric IDs are skipped")

	bar := bars[0]
	assert.Equal(t, known, bar.InstrumentID)
	assert.Equal(t, time.Date(2026, 8, 21, 0, 0, 0, 0, ist), bar.Timestamp,
		"EOD bars are stamped at market midnight")
	assert.Equal(t, int64(500000), bar.Volume)
	assert.Equal(t, domain.TimeframeDaily, bar.Timeframe)
	assert.Equal(t, "dhan", bar.Source)
}

func TestParseEODNilResponse(t *testing.T) {
	assert.Nil(t, ParseEOD(nil, nil, "dhan", time.Now(), ist))
}
