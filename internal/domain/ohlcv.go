package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Timeframe is the bar interval of an OHLCV row.
type Timeframe string

const (
	TimeframeDaily   Timeframe = "daily"
	TimeframeWeekly  Timeframe = "weekly"
	TimeframeMonthly Timeframe = "monthly"
)

// OHLCVBar is one price bar. Primary key (instrument_id, timestamp, timeframe).
type OHLCVBar struct {
	InstrumentID  uuid.UUID        `db:"instrument_id" json:"instrument_id"`
	Timestamp     time.Time        `db:"timestamp" json:"timestamp"`
	Timeframe     Timeframe        `db:"timeframe" json:"timeframe"`
	Open          decimal.Decimal  `db:"open" json:"open"`
	High          decimal.Decimal  `db:"high" json:"high"`
	Low           decimal.Decimal  `db:"low" json:"low"`
	Close         decimal.Decimal  `db:"close" json:"close"`
	AdjustedClose *decimal.Decimal `db:"adjusted_close" json:"adjusted_close,omitempty"`
	Volume        int64            `db:"volume" json:"volume"`
	Source        string           `db:"source" json:"source"`
	QualityScore  float64          `db:"quality_score" json:"quality_score"`
	CreatedAt     time.Time        `db:"created_at" json:"created_at"`
	DeletedAt     *time.Time       `db:"deleted_at" json:"deleted_at,omitempty"`
}

// ValidationError marks a row that failed write-time invariants. Rows carrying
// it are skipped with a warning, never stored.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// Validate enforces the write-time bar invariants:
// high >= max(open, close, low), low <= min(open, close, high),
// all prices positive, volume non-negative.
//
// A flat bar (open == high == low == close) passes; high == low with
// differing open/close cannot satisfy the inequalities and is rejected.
func (b *OHLCVBar) Validate() error {
	if !b.Open.IsPositive() || !b.High.IsPositive() || !b.Low.IsPositive() || !b.Close.IsPositive() {
		return &ValidationError{Field: "price", Reason: "all prices must be positive"}
	}
	if b.Volume < 0 {
		return &ValidationError{Field: "volume", Reason: "volume must be non-negative"}
	}
	maxOCL := decimal.Max(b.Open, b.Close, b.Low)
	if b.High.LessThan(maxOCL) {
		return &ValidationError{Field: "high", Reason: "high below max(open, close, low)"}
	}
	minOCH := decimal.Min(b.Open, b.Close, b.High)
	if b.Low.GreaterThan(minOCH) {
		return &ValidationError{Field: "low", Reason: "low above min(open, close, high)"}
	}
	return nil
}

// DateKey returns the bar date in tz, truncated to midnight. Used as the
// dedup key within a single upstream response.
func (b *OHLCVBar) DateKey(tz *time.Location) time.Time {
	t := b.Timestamp.In(tz)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, tz)
}
