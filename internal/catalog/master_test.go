package catalog

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akashsinga/quantpulse/internal/config"
)

const masterHeader = "SECURITY_ID,UNDERLYING_SYMBOL,SYMBOL_NAME,DISPLAY_NAME,EXCH_ID,SEGMENT,INSTRUMENT,INSTRUMENT_TYPE,ISIN,LOT_SIZE,TICK_SIZE,SM_EXPIRY_DATE,UNDERLYING_SECURITY_ID,STRIKE_PRICE,OPTION_TYPE"

func parse(t *testing.T, lines ...string) ([]MasterRow, map[string]struct{ HasFutures, HasOptions bool }) {
	t.Helper()
	csv := strings.Join(append([]string{masterHeader}, lines...), "\n")
	rows, flags, err := ParseMaster(strings.NewReader(csv), config.DefaultCatalogFilter())
	require.NoError(t, err)
	out := make(map[string]struct{ HasFutures, HasOptions bool }, len(flags))
	for k, v := range flags {
		out[k] = struct{ HasFutures, HasOptions bool }{v.HasFutures, v.HasOptions}
	}
	return rows, out
}

func TestParseMasterEquityRow(t *testing.T) {
	rows, _ := parse(t,
		`2885,RELIANCE,Reliance Industries,RELIANCE,NSE,E,EQUITY,ES,INE002A01018,1,0.05,,,0,`)

	require.Len(t, rows, 1)
	r := rows[0]
	assert.Equal(t, int32(2885), r.SecurityID)
	assert.Equal(t, "RELIANCE", r.UnderlyingSymbol)
	assert.Equal(t, "INE002A01018", r.ISIN)
	assert.Equal(t, int64(1), r.LotSize)
	assert.Equal(t, "0.05", r.TickSize.String())
	assert.False(t, r.IsFuture())
	assert.Nil(t, r.ExpiryDate)
}

func TestParseMasterFiltersExchangeAndKind(t *testing.T) {
	rows, _ := parse(t,
		`2885,RELIANCE,Reliance Industries,RELIANCE,NSE,E,EQUITY,ES,INE002A01018,1,0.05,,,0,`,
		`500325,RELIANCE,Reliance Industries,RELIANCE,BSE,E,EQUITY,ES,INE002A01018,1,0.05,,,0,`,
		`44903,RELIANCE,Reliance Aug Opt,RELIANCE-OPT,NSE,D,OPTSTK,OP,,250,0.05,2026-08-27,2885,2500,CE`)

	require.Len(t, rows, 1, "off-exchange and option rows are filtered out")
	assert.Equal(t, "NSE", rows[0].ExchangeCode)
}

func TestParseMasterAccumulatesFlagsAcrossFilteredRows(t *testing.T) {
	_, flags := parse(t,
		`2885,RELIANCE,Reliance Industries,RELIANCE,NSE,E,EQUITY,ES,INE002A01018,1,0.05,,,0,`,
		`44900,RELIANCE,Reliance Aug Fut,RELIANCE-Aug2026-FUT,NSE,D,FUTSTK,FF,,250,0.05,2026-08-27,2885,0,`,
		`44903,RELIANCE,Reliance Aug Opt,RELIANCE-OPT,NSE,D,OPTSTK,OP,,250,0.05,2026-08-27,2885,2500,CE`,
		`11536,TCS,Tata Consultancy,TCS,NSE,E,EQUITY,ES,INE467B01029,1,0.05,,,0,`)

	assert.True(t, flags["RELIANCE"].HasFutures)
	assert.True(t, flags["RELIANCE"].HasOptions,
		"option rows feed the flags even though they are never imported")
	assert.False(t, flags["TCS"].HasFutures)
	assert.False(t, flags["TCS"].HasOptions)
}

func TestParseMasterFutureRow(t *testing.T) {
	rows, _ := parse(t,
		`44900,RELIANCE,Reliance Aug Fut,RELIANCE-Aug2026-FUT,NSE,D,FUTSTK,FF,,250,0.05,2026-08-27,2885,0,`)

	require.Len(t, rows, 1)
	r := rows[0]
	assert.True(t, r.IsFuture())
	require.NotNil(t, r.ExpiryDate)
	assert.Equal(t, "2026-08-27", r.ExpiryDate.Format("2006-01-02"))
	require.NotNil(t, r.UnderlyingSecurityID)
	assert.Equal(t, int32(2885), *r.UnderlyingSecurityID)
	assert.Equal(t, int64(250), r.LotSize)
}

func TestParseMasterDropsInvalidRows(t *testing.T) {
	rows, _ := parse(t,
		`notanumber,BAD,Bad Row,BAD,NSE,E,EQUITY,ES,,1,0.05,,,0,`,
		`,MISSING,No ID,MISSING,NSE,E,EQUITY,ES,,1,0.05,,,0,`,
		`2885,RELIANCE,Reliance Industries,RELIANCE,NSE,E,EQUITY,ES,INE002A01018,1,0.05,,,0,`)

	require.Len(t, rows, 1, "bad rows are dropped, good rows survive")
	assert.Equal(t, int32(2885), rows[0].SecurityID)
}

func TestParseMasterMissingColumnFails(t *testing.T) {
	csv := "SECURITY_ID,UNDERLYING_SYMBOL\n1,X"
	_, _, err := ParseMaster(strings.NewReader(csv), config.DefaultCatalogFilter())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing column")
}
