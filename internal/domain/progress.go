package domain

import (
	"time"

	"github.com/google/uuid"
)

// FetchStatus is the per-instrument fetch state.
type FetchStatus string

const (
	FetchPending    FetchStatus = "pending"
	FetchInProgress FetchStatus = "in_progress"
	FetchSuccess    FetchStatus = "success"
	FetchFailed     FetchStatus = "failed"
)

// FetchOperation selects which progress column drives work selection.
type FetchOperation string

const (
	OperationHistorical FetchOperation = "historical"
	OperationDaily      FetchOperation = "daily"
)

// FetchProgress tracks how far ingestion has advanced for one instrument.
// Created lazily on the first attempt; a force refresh resets fields but
// never deletes the row.
type FetchProgress struct {
	InstrumentID        uuid.UUID   `db:"instrument_id" json:"instrument_id"`
	LastHistoricalFetch *time.Time  `db:"last_historical_fetch" json:"last_historical_fetch,omitempty"`
	LastDailyFetch      *time.Time  `db:"last_daily_fetch" json:"last_daily_fetch,omitempty"`
	Status              FetchStatus `db:"status" json:"status"`
	RetryCount          int         `db:"retry_count" json:"retry_count"`
	ErrorMessage        *string     `db:"error_message" json:"error_message,omitempty"`
	UpdatedAt           time.Time   `db:"updated_at" json:"updated_at"`
}
