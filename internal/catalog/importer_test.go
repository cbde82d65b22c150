package catalog

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akashsinga/quantpulse/internal/domain"
)

type fakeMasterSource struct {
	csv string
}

func (f *fakeMasterSource) FetchMasterCSV(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.csv)), nil
}

type fakeCatalogStore struct {
	exchange    domain.Exchange
	instruments map[string]*domain.Instrument // keyed by symbol
	byExternal  map[int32]*domain.Instrument
	futures     []*domain.Future
	flags       map[string]domain.DerivativeFlags
	expired     int64
	eligible    int64
}

func newFakeCatalogStore() *fakeCatalogStore {
	return &fakeCatalogStore{
		instruments: map[string]*domain.Instrument{},
		byExternal:  map[int32]*domain.Instrument{},
	}
}

func (f *fakeCatalogStore) EnsureExchange(_ context.Context, ex domain.Exchange) (*domain.Exchange, error) {
	if f.exchange.ID == uuid.Nil {
		ex.ID = uuid.New()
		f.exchange = ex
	}
	return &f.exchange, nil
}

func (f *fakeCatalogStore) UpsertInstrument(_ context.Context, in *domain.Instrument) (bool, error) {
	if existing, ok := f.instruments[in.Symbol]; ok {
		in.ID = existing.ID
		f.instruments[in.Symbol] = in
		f.byExternal[in.ExternalID] = in
		return false, nil
	}
	in.ID = uuid.New()
	f.instruments[in.Symbol] = in
	f.byExternal[in.ExternalID] = in
	return true, nil
}

func (f *fakeCatalogStore) GetInstrumentBySymbol(_ context.Context, symbol string, _ uuid.UUID) (*domain.Instrument, error) {
	return f.instruments[symbol], nil
}

func (f *fakeCatalogStore) GetInstrumentByExternalID(_ context.Context, externalID int32) (*domain.Instrument, error) {
	return f.byExternal[externalID], nil
}

func (f *fakeCatalogStore) ApplyDerivativeFlags(_ context.Context, _ uuid.UUID, flags map[string]domain.DerivativeFlags) error {
	f.flags = flags
	return nil
}

func (f *fakeCatalogStore) UpsertFuture(_ context.Context, fut *domain.Future) error {
	fut.ID = uuid.New()
	f.futures = append(f.futures, fut)
	return nil
}

func (f *fakeCatalogStore) MarkExpiredFuturesInactive(context.Context, time.Time) (int64, error) {
	return f.expired, nil
}

func (f *fakeCatalogStore) UpdateDerivativesEligibility(context.Context) (int64, error) {
	return f.eligible, nil
}

const importMaster = masterHeader + "\n" +
	`2885,RELIANCE,Reliance Industries,RELIANCE,NSE,E,EQUITY,ES,INE002A01018,1,0.05,,,0,` + "\n" +
	`13,NIFTY,Nifty 50,NIFTY 50,NSE,I,INDEX,INDEX,,0,0,,,0,` + "\n" +
	`44900,RELIANCE,Reliance Aug Fut,RELIANCE-Aug2026-FUT,NSE,D,FUTSTK,FF,,250,0.05,2026-08-27,2885,0,` + "\n" +
	`35000,NIFTY,Nifty Aug Fut,NIFTY-Aug2026-FUT,NSE,D,FUTIDX,FF,,75,0.05,2026-08-27,,0,` + "\n" +
	`44903,RELIANCE,Reliance Aug Opt,RELIANCE-OPT,NSE,D,OPTSTK,OP,,250,0.05,2026-08-27,2885,2500,CE` + "\n" +
	`66001,GHOSTCO,Ghost Futures,GHOSTCO-Aug2026-FUT,NSE,D,FUTSTK,FF,,100,0.05,2026-08-27,,0,`

func TestImportFromMaster(t *testing.T) {
	store := newFakeCatalogStore()
	store.expired = 2
	imp := NewImporter(&fakeMasterSource{csv: importMaster}, store, nil, time.UTC)

	result, err := imp.ImportFromMaster(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, 2, result.InstrumentsCreated, "equity and index underlyings")
	assert.Equal(t, 2, result.FuturesUpserted, "stock future via external ID, index future via alias")
	assert.Equal(t, 1, result.FuturesSkipped, "future with unresolvable underlying is skipped")
	assert.Equal(t, int64(2), result.FuturesExpired)
	assert.Equal(t, 5, result.RowsParsed, "option row is filtered before import")

	// Underlying classification.
	rel := store.instruments["RELIANCE"]
	require.NotNil(t, rel)
	assert.Equal(t, domain.SecurityStock, rel.SecurityType)
	assert.True(t, rel.IsTradeable)

	nifty := store.instruments["NIFTY 50"]
	require.NotNil(t, nifty)
	assert.Equal(t, domain.SecurityIndex, nifty.SecurityType)
	assert.False(t, nifty.IsTradeable, "indices are not directly tradeable")

	// Derivative flags reach the store including the filtered option row.
	assert.True(t, store.flags["RELIANCE"].HasFutures)
	assert.True(t, store.flags["RELIANCE"].HasOptions)

	// Futures link to the right underlyings.
	require.Len(t, store.futures, 2)
	byUnderlying := map[uuid.UUID]*domain.Future{}
	for _, fut := range store.futures {
		byUnderlying[fut.UnderlyingID] = fut
	}
	require.Contains(t, byUnderlying, rel.ID)
	require.Contains(t, byUnderlying, nifty.ID)

	stockFut := byUnderlying[rel.ID]
	assert.Equal(t, domain.MonthAug, stockFut.ContractMonth)
	assert.Equal(t, domain.SettlementCash, stockFut.SettlementType)
	assert.Equal(t, int64(250), stockFut.LotSize)

	// The derivative instruments themselves are cataloged.
	deriv := store.instruments["RELIANCE-Aug2026-FUT"]
	require.NotNil(t, deriv)
	assert.Equal(t, domain.SecurityDerivative, deriv.SecurityType)
	assert.Equal(t, domain.SegmentDerivative, deriv.Segment)
}

func TestImportFromMasterRerunUpdatesInsteadOfCreating(t *testing.T) {
	store := newFakeCatalogStore()
	imp := NewImporter(&fakeMasterSource{csv: importMaster}, store, nil, time.UTC)

	_, err := imp.ImportFromMaster(context.Background(), nil)
	require.NoError(t, err)
	result, err := imp.ImportFromMaster(context.Background(), nil)
	require.NoError(t, err)

	assert.Zero(t, result.InstrumentsCreated)
	assert.Equal(t, 2, result.InstrumentsUpdated, "reruns are idempotent upserts")
	assert.Equal(t, 2, result.FuturesUpserted)
}

func TestResolveUnderlyingPrefersExternalID(t *testing.T) {
	store := newFakeCatalogStore()
	ex, _ := store.EnsureExchange(context.Background(), domain.Exchange{Code: "NSE"})

	// Two instruments share the symbol text; the external ID disambiguates.
	target := &domain.Instrument{Symbol: "RELIANCE", ExternalID: 2885}
	store.UpsertInstrument(context.Background(), target)

	imp := NewImporter(&fakeMasterSource{}, store, nil, time.UTC)
	extID := int32(2885)
	row := MasterRow{UnderlyingSymbol: "RELIANCE", UnderlyingSecurityID: &extID}

	got, err := imp.resolveUnderlying(context.Background(), ex, row, map[string]*domain.Instrument{})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, target.ID, got.ID)
}

func TestResolveUnderlyingFallsBackToAlias(t *testing.T) {
	store := newFakeCatalogStore()
	ex, _ := store.EnsureExchange(context.Background(), domain.Exchange{Code: "NSE"})

	idx := &domain.Instrument{Symbol: "NIFTY 50", ExternalID: 13}
	store.UpsertInstrument(context.Background(), idx)

	imp := NewImporter(&fakeMasterSource{}, store, nil, time.UTC)
	row := MasterRow{UnderlyingSymbol: "NIFTY"}

	got, err := imp.resolveUnderlying(context.Background(), ex, row, map[string]*domain.Instrument{})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, idx.ID, got.ID)
}

func TestResolveUnderlyingUnknownReturnsNil(t *testing.T) {
	store := newFakeCatalogStore()
	ex, _ := store.EnsureExchange(context.Background(), domain.Exchange{Code: "NSE"})
	imp := NewImporter(&fakeMasterSource{}, store, nil, time.UTC)

	got, err := imp.resolveUnderlying(context.Background(), ex,
		MasterRow{UnderlyingSymbol: "NOSUCH"}, map[string]*domain.Instrument{})
	require.NoError(t, err)
	assert.Nil(t, got)
}
