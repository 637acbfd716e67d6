package aggregator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Source is one swap-price provider. FetchQuote returns a normalized quote
// or an error (absorbed by the aggregator). FetchExecutionPayload is only
// called for sources whose quote response does not already embed calldata.
type Source interface {
	Name() string
	FeeBps() int64
	FetchQuote(ctx context.Context, req QuoteRequest) (*AggregatorQuote, error)
	FetchExecutionPayload(ctx context.Context, req QuoteRequest, quote *AggregatorQuote) ([]byte, error)
}

// SourceConfig is the per-provider wiring read from the config file.
type SourceConfig struct {
	Name      string  `json:"name" toml:"name"`
	Kind      string  `json:"kind" toml:"kind"`
	ApiUrl    string  `json:"api_url" toml:"api_url"`
	ApiKey    string  `json:"api_key" toml:"api_key"`
	FeeBps    int64   `json:"fee_bps" toml:"fee_bps"`
	Rps       float64 `json:"rps" toml:"rps"`
	TimeoutMs int     `json:"timeout_ms" toml:"timeout_ms"`
}

const defaultSourceTimeout = 5 * time.Second

// httpSource carries the plumbing shared by the concrete provider clients:
// a rate-limited HTTP client and the provider's fee rate.
type httpSource struct {
	name    string
	apiUrl  string
	apiKey  string
	feeBps  int64
	client  *http.Client
	limiter *rate.Limiter
}

func newHTTPSource(cfg SourceConfig) httpSource {
	timeout := defaultSourceTimeout
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	rps := cfg.Rps
	if rps <= 0 {
		rps = 5
	}
	return httpSource{
		name:    cfg.Name,
		apiUrl:  cfg.ApiUrl,
		apiKey:  cfg.ApiKey,
		feeBps:  cfg.FeeBps,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

func (s *httpSource) Name() string  { return s.name }
func (s *httpSource) FeeBps() int64 { return s.feeBps }

// getJSON waits on the source's rate limiter, issues the request and returns
// the raw body. Non-2xx statuses are errors so the aggregator counts them as
// "no quote from this source".
func (s *httpSource) getJSON(ctx context.Context, url string) ([]byte, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Add("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if note := httpStatusNote(resp.StatusCode); note != "" {
			return nil, fmt.Errorf("%s: %s", s.name, note)
		}
		return nil, fmt.Errorf("%s: unexpected status %d", s.name, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return body, nil
}

func httpStatusNote(httpCode int) string {
	// 429 Too Many Requests
	if httpCode == 429 {
		return "Too Many Requests, code:429"
	}
	// 503 Service Unavailable
	if httpCode == 503 {
		return "Service Unavailable, code:503"
	}
	// 504 Gateway Timeout
	if httpCode == 504 {
		return "Gateway Timeout, code:504"
	}
	return ""
}
