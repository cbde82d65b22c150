package upstream

import "github.com/akashsinga/quantpulse/internal/domain"

// HistoricalResponse is the upstream's parallel-array bar payload. All six
// arrays must share the same length; Validate enforces it.
type HistoricalResponse struct {
	Open      []float64 `json:"open"`
	High      []float64 `json:"high"`
	Low       []float64 `json:"low"`
	Close     []float64 `json:"close"`
	Volume    []float64 `json:"volume"`
	Timestamp []int64   `json:"timestamp"`
}

// Len returns the number of bars, valid only after Validate.
func (r *HistoricalResponse) Len() int {
	return len(r.Timestamp)
}

// Validate rejects responses whose arrays disagree in length; such a payload
// is malformed as a whole and must not be partially stored.
func (r *HistoricalResponse) Validate() error {
	n := len(r.Timestamp)
	if len(r.Open) != n || len(r.High) != n || len(r.Low) != n ||
		len(r.Close) != n || len(r.Volume) != n {
		return &APIError{
			Kind:    KindMalformed,
			Message: "historical response arrays have differing lengths",
		}
	}
	return nil
}

// OHLC is the end-of-day price tuple for one instrument.
type OHLC struct {
	Open  float64 `json:"open"`
	Close float64 `json:"close"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
}

// EODQuote is one instrument's end-of-day record.
type EODQuote struct {
	OHLC   OHLC  `json:"ohlc"`
	Volume int64 `json:"volume"`
}

// EODResponse maps exchange segment -> external ID (as string) -> quote.
type EODResponse struct {
	Data map[string]map[string]EODQuote `json:"data"`
}

// historicalRequest is the wire body for POST /charts/historical.
type historicalRequest struct {
	SecurityID      string `json:"securityId"`
	ExchangeSegment string `json:"exchangeSegment"`
	Instrument      string `json:"instrument"`
	ExpiryCode      int    `json:"expiryCode"`
	OI              bool   `json:"oi"`
	FromDate        string `json:"fromDate"`
	ToDate          string `json:"toDate"`
}

// errorEnvelope is the upstream's error body shape.
type errorEnvelope struct {
	Status       string `json:"status"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// EODRequest groups external IDs by exchange segment for one quote call.
type EODRequest map[domain.ExchangeSegment][]int32
