package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akashsinga/quantpulse/internal/domain"
)

// openGate never blocks; client tests exercise the HTTP path, not spacing.
type openGate struct {
	acquired atomic.Int64
}

func (g *openGate) Acquire(_ context.Context, _ int, _ time.Duration, _ string) (bool, error) {
	g.acquired.Add(1)
	return true, nil
}

// closedGate simulates a timed-out acquisition.
type closedGate struct{}

func (closedGate) Acquire(_ context.Context, _ int, _ time.Duration, _ string) (bool, error) {
	return false, nil
}

func newTestClient(url string, gate TokenGate) *Client {
	return NewClient(Config{
		AccessToken:   "token",
		ClientID:      "client",
		HistoricalURL: url,
		EODURL:        url,
		MasterURL:     url,
		MaxAttempts:   3,
	}, gate, nil)
}

func TestFetchHistoricalSuccess(t *testing.T) {
	var gotBody historicalRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token", r.Header.Get("access-token"))
		assert.Equal(t, "client", r.Header.Get("client-id"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		json.NewEncoder(w).Encode(HistoricalResponse{
			Open:      []float64{100},
			High:      []float64{110},
			Low:       []float64{95},
			Close:     []float64{105},
			Volume:    []float64{1000},
			Timestamp: []int64{1700000000},
		})
	}))
	defer srv.Close()

	gate := &openGate{}
	c := newTestClient(srv.URL, gate)
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)

	resp, err := c.FetchHistorical(context.Background(), 2885, domain.ExchSegNSEEquity, domain.KindEquity, from, to)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Len())

	assert.Equal(t, "2885", gotBody.SecurityID)
	assert.Equal(t, "NSE_EQ", gotBody.ExchangeSegment)
	assert.Equal(t, "EQUITY", gotBody.Instrument)
	assert.Equal(t, "2026-01-01", gotBody.FromDate)
	assert.Equal(t, "2026-01-31", gotBody.ToDate)
	assert.False(t, gotBody.OI)
	assert.Equal(t, int64(1), gate.acquired.Load(), "every request passes through the gate")
}

func TestFetchHistoricalRejectsInvertedRange(t *testing.T) {
	c := newTestClient("http://unused", &openGate{})
	from := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := c.FetchHistorical(context.Background(), 1, domain.ExchSegNSEEquity, domain.KindEquity, from, to)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "date_range", verr.Field)
}

func TestFetchHistoricalMalformedArrays(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(HistoricalResponse{
			Open:      []float64{100, 101},
			High:      []float64{110},
			Low:       []float64{95},
			Close:     []float64{105},
			Volume:    []float64{1000},
			Timestamp: []int64{1700000000},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, &openGate{})
	_, err := c.FetchHistorical(context.Background(), 1, domain.ExchSegNSEEquity, domain.KindEquity,
		time.Now().AddDate(0, 0, -7), time.Now())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindMalformed, apiErr.Kind)
}

func TestPostJSONRetriesThrottle(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(errorEnvelope{Status: "error", ErrorCode: "DH-904", ErrorMessage: "slow down"})
			return
		}
		json.NewEncoder(w).Encode(HistoricalResponse{
			Open: []float64{1}, High: []float64{1}, Low: []float64{1},
			Close: []float64{1}, Volume: []float64{1}, Timestamp: []int64{1700000000},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, &openGate{})
	resp, err := c.FetchHistorical(context.Background(), 1, domain.ExchSegNSEEquity, domain.KindEquity,
		time.Now().AddDate(0, 0, -7), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Len())
	assert.Equal(t, int64(2), calls.Load(), "throttle is retried with backoff")
}

func TestPostJSONRetryHookInvoked(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(errorEnvelope{Status: "error", ErrorCode: "DH-904", ErrorMessage: "slow down"})
			return
		}
		json.NewEncoder(w).Encode(HistoricalResponse{
			Open: []float64{1}, High: []float64{1}, Low: []float64{1},
			Close: []float64{1}, Volume: []float64{1}, Timestamp: []int64{1700000000},
		})
	}))
	defer srv.Close()

	type retry struct {
		endpoint string
		attempt  int
		wait     time.Duration
	}
	var retries []retry
	c := NewClient(Config{
		AccessToken:   "token",
		ClientID:      "client",
		HistoricalURL: srv.URL,
		MaxAttempts:   3,
		OnRetry: func(_ context.Context, endpoint string, attempt int, wait time.Duration, err error) {
			require.Error(t, err)
			retries = append(retries, retry{endpoint, attempt, wait})
		},
	}, &openGate{}, nil)

	_, err := c.FetchHistorical(context.Background(), 1, domain.ExchSegNSEEquity, domain.KindEquity,
		time.Now().AddDate(0, 0, -7), time.Now())
	require.NoError(t, err)

	require.Len(t, retries, 1, "the hook fires once per backoff, not on success")
	assert.Equal(t, "historical", retries[0].endpoint)
	assert.Equal(t, 1, retries[0].attempt)
	assert.Positive(t, retries[0].wait)
}

func TestPostJSONAuthErrorNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(errorEnvelope{Status: "error", ErrorCode: "DH-901", ErrorMessage: "bad token"})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, &openGate{})
	_, err := c.FetchHistorical(context.Background(), 1, domain.ExchSegNSEEquity, domain.KindEquity,
		time.Now().AddDate(0, 0, -7), time.Now())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindAuth, apiErr.Kind)
	assert.False(t, apiErr.Retryable())
	assert.Equal(t, int64(1), calls.Load(), "auth failures are not retried")
}

func TestPostJSONGateTimeout(t *testing.T) {
	c := newTestClient("http://unused", closedGate{})
	_, err := c.FetchHistorical(context.Background(), 1, domain.ExchSegNSEEquity, domain.KindEquity,
		time.Now().AddDate(0, 0, -7), time.Now())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindRateLimit, apiErr.Kind)
}

func TestFetchTodayEODEmptyRequest(t *testing.T) {
	c := newTestClient("http://unused", &openGate{})
	resp, err := c.FetchTodayEOD(context.Background(), EODRequest{})
	require.NoError(t, err)
	assert.Empty(t, resp.Data)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		status int
		code   string
		want   ErrorKind
	}{
		{429, "", KindRateLimit},
		{200, "DH-904", KindRateLimit},
		{200, "805", KindRateLimit},
		{401, "", KindAuth},
		{403, "", KindAuth},
		{200, "DH-901", KindAuth},
		{200, "DH-808", KindAuth},
		{200, "DH-809", KindAuth},
		{500, "", KindTransient},
		{503, "", KindTransient},
		{400, "", KindMalformed},
		{404, "", KindMalformed},
	}
	for _, tt := range tests {
		got := classify(tt.status, tt.code, "msg")
		assert.Equal(t, tt.want, got.Kind, "status %d code %q", tt.status, tt.code)
	}
}
