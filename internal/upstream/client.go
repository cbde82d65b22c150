package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/akashsinga/quantpulse/internal/domain"
	"github.com/akashsinga/quantpulse/internal/metrics"
)

const (
	requestTimeout  = 30 * time.Second
	defaultAttempts = 3
	backoffBase     = 500 * time.Millisecond
	backoffCap      = 15 * time.Second
)

// TokenGate is the acquisition side of the distributed rate limiter. Every
// upstream HTTP call passes through it before touching the network.
type TokenGate interface {
	Acquire(ctx context.Context, tokens int, timeout time.Duration, clientID string) (bool, error)
}

// Config carries the upstream credential and endpoints.
type Config struct {
	AccessToken    string
	ClientID       string
	HistoricalURL  string
	EODURL         string
	MasterURL      string
	MaxAttempts    int
	AcquireTimeout time.Duration

	// OnRetry, when set, is invoked before each backoff sleep so the caller
	// can surface throttle retries into its own log (the task log, for runs
	// under the orchestrator). The process log warning is emitted either way.
	OnRetry func(ctx context.Context, endpoint string, attempt int, wait time.Duration, err error)
}

// Client issues typed calls against the broker API: auth headers, error
// classification, bounded backoff with jitter, and a circuit breaker in
// front of the transport.
type Client struct {
	cfg     Config
	http    *http.Client
	gate    TokenGate
	breaker *gobreaker.CircuitBreaker
	m       *metrics.Registry
}

// NewClient builds a client. gate may not be nil; the limiter contract is
// fail closed, and so is the client's.
func NewClient(cfg Config, gate TokenGate, m *metrics.Registry) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultAttempts
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 90 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: requestTimeout},
		gate: gate,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "upstream",
			MaxRequests: 2,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).
					Str("from", from.String()).Str("to", to.String()).
					Msg("upstream circuit breaker state change")
			},
		}),
		m: m,
	}
}

// FetchHistorical pulls daily bars for one instrument over [from, to].
func (c *Client) FetchHistorical(ctx context.Context, externalID int32, segment domain.ExchangeSegment, kind domain.InstrumentKind, from, to time.Time) (*HistoricalResponse, error) {
	if from.After(to) {
		return nil, &domain.ValidationError{Field: "date_range", Reason: "from is after to"}
	}

	body := historicalRequest{
		SecurityID:      strconv.FormatInt(int64(externalID), 10),
		ExchangeSegment: string(segment),
		Instrument:      string(kind),
		ExpiryCode:      0,
		OI:              false,
		FromDate:        from.Format("2006-01-02"),
		ToDate:          to.Format("2006-01-02"),
	}

	var resp HistoricalResponse
	if err := c.postJSON(ctx, "historical", c.cfg.HistoricalURL, body, &resp); err != nil {
		return nil, err
	}
	if err := resp.Validate(); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FetchTodayEOD pulls the day's quote for every instrument in the request,
// grouped by exchange segment, in a single upstream call.
func (c *Client) FetchTodayEOD(ctx context.Context, req EODRequest) (*EODResponse, error) {
	if len(req) == 0 {
		return &EODResponse{Data: map[string]map[string]EODQuote{}}, nil
	}

	body := make(map[string][]int32, len(req))
	for seg, ids := range req {
		body[string(seg)] = ids
	}

	var resp EODResponse
	if err := c.postJSON(ctx, "eod", c.cfg.EODURL, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ping issues a minimal historical request as a connection test.
func (c *Client) Ping(ctx context.Context) error {
	to := time.Now()
	from := to.AddDate(0, 0, -7)
	// RELIANCE on NSE; any stable liquid instrument works as a probe.
	_, err := c.FetchHistorical(ctx, 2885, domain.ExchSegNSEEquity, domain.KindEquity, from, to)
	return err
}

// FetchMasterCSV streams the security master file. The caller owns the
// returned reader.
func (c *Client) FetchMasterCSV(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.MasterURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create master request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &APIError{Kind: KindTransient, Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, classify(resp.StatusCode, "", fmt.Sprintf("master download failed with HTTP %d", resp.StatusCode))
	}
	return resp.Body, nil
}

// postJSON runs one gated, breaker-protected, retried POST and decodes the
// response into out. Retries apply only to rate-limit and transient
// failures; auth and malformed errors bubble up unchanged.
func (c *Client) postJSON(ctx context.Context, endpoint, url string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", endpoint, err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		ok, err := c.gate.Acquire(ctx, 1, c.cfg.AcquireTimeout, c.cfg.ClientID)
		if err != nil {
			return err
		}
		if !ok {
			return &APIError{Kind: KindRateLimit, Message: "rate limit acquisition timed out"}
		}

		start := time.Now()
		_, err = c.breaker.Execute(func() (interface{}, error) {
			return nil, c.doOnce(ctx, url, payload, out)
		})
		if c.m != nil {
			c.m.UpstreamLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}

		if err == nil {
			if c.m != nil {
				c.m.UpstreamRequests.WithLabelValues(endpoint, "success").Inc()
			}
			return nil
		}

		var apiErr *APIError
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = &APIError{Kind: KindTransient, Message: "upstream circuit breaker open"}
		}
		if !errors.As(err, &apiErr) || !apiErr.Retryable() {
			if c.m != nil {
				c.m.UpstreamRequests.WithLabelValues(endpoint, "error").Inc()
			}
			return err
		}

		lastErr = err
		if c.m != nil {
			c.m.UpstreamRequests.WithLabelValues(endpoint, string(apiErr.Kind)).Inc()
		}
		if attempt < c.cfg.MaxAttempts {
			wait := backoffWithJitter(attempt)
			log.Warn().Str("endpoint", endpoint).Int("attempt", attempt).
				Dur("backoff", wait).Err(err).
				Msg("upstream request throttled, backing off")
			if c.cfg.OnRetry != nil {
				c.cfg.OnRetry(ctx, endpoint, attempt, wait, err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	return lastErr
}

// doOnce performs a single HTTP round trip and classifies failures.
func (c *Client) doOnce(ctx context.Context, url string, payload []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("access-token", c.cfg.AccessToken)
	req.Header.Set("client-id", c.cfg.ClientID)

	resp, err := c.http.Do(req)
	if err != nil {
		return &APIError{Kind: KindTransient, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &APIError{Kind: KindTransient, Message: fmt.Sprintf("failed to read response: %v", err)}
	}

	// The upstream reports errors both via HTTP status and via an error
	// envelope on 200 responses; check the envelope first.
	var envelope errorEnvelope
	if json.Unmarshal(raw, &envelope) == nil && (envelope.Status == "error" || envelope.ErrorCode != "") {
		return classify(resp.StatusCode, envelope.ErrorCode, envelope.ErrorMessage)
	}
	if resp.StatusCode != http.StatusOK {
		return classify(resp.StatusCode, "", fmt.Sprintf("HTTP %d", resp.StatusCode))
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return &APIError{Kind: KindMalformed, Message: fmt.Sprintf("failed to decode response: %v", err)}
	}
	return nil
}

// backoffWithJitter grows exponentially per attempt with up to 25% random
// jitter, capped.
func backoffWithJitter(attempt int) time.Duration {
	d := backoffBase << uint(attempt-1)
	if d > backoffCap {
		d = backoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 4))
	return d + jitter
}
