package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SecurityType classifies what kind of tradable a row in the catalog is.
type SecurityType string

const (
	SecurityStock      SecurityType = "STOCK"
	SecurityIndex      SecurityType = "INDEX"
	SecurityDerivative SecurityType = "DERIVATIVE"
	SecurityETF        SecurityType = "ETF"
	SecurityBond       SecurityType = "BOND"
)

// Segment is the market segment an instrument trades in.
type Segment string

const (
	SegmentEquity     Segment = "EQUITY"
	SegmentDerivative Segment = "DERIVATIVE"
	SegmentCurrency   Segment = "CURRENCY"
	SegmentCommodity  Segment = "COMMODITY"
	SegmentIndex      Segment = "INDEX"
)

// Exchange is a long-lived catalog row for a trading venue.
type Exchange struct {
	ID                uuid.UUID `db:"id" json:"id"`
	Code              string    `db:"code" json:"code"`
	Name              string    `db:"name" json:"name"`
	Country           string    `db:"country" json:"country"`
	Timezone          string    `db:"timezone" json:"timezone"`
	Currency          string    `db:"currency" json:"currency"`
	TradingHoursStart string    `db:"trading_hours_start" json:"trading_hours_start"`
	TradingHoursEnd   string    `db:"trading_hours_end" json:"trading_hours_end"`
	IsActive          bool      `db:"is_active" json:"is_active"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// Instrument is one tradable symbol on one exchange. Unique by
// (symbol, exchange_id) and independently by the broker-assigned ExternalID.
type Instrument struct {
	ID           uuid.UUID    `db:"id" json:"id"`
	ExchangeID   uuid.UUID    `db:"exchange_id" json:"exchange_id"`
	Symbol       string       `db:"symbol" json:"symbol"`
	Name         string       `db:"name" json:"name"`
	ExternalID   int32        `db:"external_id" json:"external_id"`
	SecurityType SecurityType `db:"security_type" json:"security_type"`
	Segment      Segment      `db:"segment" json:"segment"`

	ISIN     *string          `db:"isin" json:"isin,omitempty"`
	Sector   *string          `db:"sector" json:"sector,omitempty"`
	Industry *string          `db:"industry" json:"industry,omitempty"`
	LotSize  *int64           `db:"lot_size" json:"lot_size,omitempty"`
	TickSize *decimal.Decimal `db:"tick_size" json:"tick_size,omitempty"`

	IsActive               bool `db:"is_active" json:"is_active"`
	IsTradeable            bool `db:"is_tradeable" json:"is_tradeable"`
	IsDerivativesEligible  bool `db:"is_derivatives_eligible" json:"is_derivatives_eligible"`
	HasOptions             bool `db:"has_options" json:"has_options"`
	HasFutures             bool `db:"has_futures" json:"has_futures"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// ContractMonth is the expiry month of a derivative contract.
type ContractMonth string

const (
	MonthJan ContractMonth = "JAN"
	MonthFeb ContractMonth = "FEB"
	MonthMar ContractMonth = "MAR"
	MonthApr ContractMonth = "APR"
	MonthMay ContractMonth = "MAY"
	MonthJun ContractMonth = "JUN"
	MonthJul ContractMonth = "JUL"
	MonthAug ContractMonth = "AUG"
	MonthSep ContractMonth = "SEP"
	MonthOct ContractMonth = "OCT"
	MonthNov ContractMonth = "NOV"
	MonthDec ContractMonth = "DEC"
)

// ContractMonthOf maps a calendar month to its contract month code.
func ContractMonthOf(m time.Month) ContractMonth {
	months := [...]ContractMonth{
		MonthJan, MonthFeb, MonthMar, MonthApr, MonthMay, MonthJun,
		MonthJul, MonthAug, MonthSep, MonthOct, MonthNov, MonthDec,
	}
	return months[int(m)-1]
}

// SettlementType is how a derivative contract settles at expiry.
type SettlementType string

const (
	SettlementCash     SettlementType = "CASH"
	SettlementPhysical SettlementType = "PHYSICAL"
)

// Future is the derivative contract row, one-to-one with an Instrument of
// type DERIVATIVE. Unique by (underlying, contract month, expiry, settlement).
type Future struct {
	ID             uuid.UUID      `db:"id" json:"id"`
	InstrumentID   uuid.UUID      `db:"instrument_id" json:"instrument_id"`
	UnderlyingID   uuid.UUID      `db:"underlying_id" json:"underlying_id"`
	ExpirationDate time.Time      `db:"expiration_date" json:"expiration_date"`
	ContractMonth  ContractMonth  `db:"contract_month" json:"contract_month"`
	SettlementType SettlementType `db:"settlement_type" json:"settlement_type"`
	ContractSize   int64          `db:"contract_size" json:"contract_size"`
	LotSize        int64          `db:"lot_size" json:"lot_size"`

	PreviousContractID *uuid.UUID `db:"previous_contract_id" json:"previous_contract_id,omitempty"`
	NextContractID     *uuid.UUID `db:"next_contract_id" json:"next_contract_id,omitempty"`

	IsActive  bool      `db:"is_active" json:"is_active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// DerivativeFlags accumulates per-underlying derivative availability while
// walking the master file. Applied to underlying instruments only.
type DerivativeFlags struct {
	HasFutures bool
	HasOptions bool
}

// ExchangeSegment and InstrumentKind are the upstream's wire-level
// classification of an instrument.
type (
	ExchangeSegment string
	InstrumentKind  string
)

const (
	ExchSegNSEEquity ExchangeSegment = "NSE_EQ"
	ExchSegIndex     ExchangeSegment = "IDX_I"
	ExchSegNSEFNO    ExchangeSegment = "NSE_FNO"

	KindEquity   InstrumentKind = "EQUITY"
	KindIndex    InstrumentKind = "INDEX"
	KindFutStock InstrumentKind = "FUTSTK"
	KindFutIndex InstrumentKind = "FUTIDX"
)

// Classify maps an instrument's security type to the segment and kind the
// upstream expects on historical requests.
func Classify(t SecurityType) (ExchangeSegment, InstrumentKind) {
	switch t {
	case SecurityIndex:
		return ExchSegIndex, KindIndex
	case SecurityDerivative:
		return ExchSegNSEFNO, KindFutStock
	default:
		return ExchSegNSEEquity, KindEquity
	}
}

// IndexAliases maps common derivative underlying symbols to the symbols the
// index instruments are cataloged under, in both directions.
var IndexAliases = map[string]string{
	"NIFTY":      "NIFTY 50",
	"NIFTY 50":   "NIFTY",
	"BANKNIFTY":  "BANK NIFTY",
	"BANK NIFTY": "BANKNIFTY",
	"FINNIFTY":   "NIFTY FIN SERVICE",
	"MIDCPNIFTY": "NIFTY MID SELECT",
}

// NormalizeSymbol trims and uppercases a raw symbol from the master file.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
