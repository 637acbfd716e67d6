package consolidator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	sdkmath "cosmossdk.io/math"
)

// SignerClient talks to the external transaction-submission service that
// custodies the operator key. It implements both SwapExecutor and Treasury;
// the signer is the authenticated channel through which all on-chain effects
// happen, and it applies each request atomically.
type SignerClient struct {
	apiUrl string
	apiKey string
	client *http.Client
}

func NewSignerClient(apiUrl, apiKey string) *SignerClient {
	return &SignerClient{
		apiUrl: apiUrl,
		apiKey: apiKey,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *SignerClient) BalanceOf(ctx context.Context, asset string) (sdkmath.Int, error) {
	body, err := s.do(ctx, http.MethodGet, fmt.Sprintf("/balances/%s", asset), nil)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}

	var data struct {
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return sdkmath.ZeroInt(), fmt.Errorf("malformed balance response: %w", err)
	}
	balance, ok := sdkmath.NewIntFromString(data.Balance)
	if !ok {
		return sdkmath.ZeroInt(), fmt.Errorf("unusable balance %q", data.Balance)
	}
	return balance, nil
}

func (s *SignerClient) Execute(ctx context.Context, payload []byte) error {
	_, err := s.do(ctx, http.MethodPost, "/execute", map[string]any{
		"payload": payload,
	})
	return err
}

func (s *SignerClient) Payout(ctx context.Context, user, feeCollector, asset string, net, fee sdkmath.Int) error {
	_, err := s.do(ctx, http.MethodPost, "/payout", map[string]any{
		"user":          user,
		"fee_collector": feeCollector,
		"asset":         asset,
		"net":           net.String(),
		"fee":           fee.String(),
	})
	return err
}

func (s *SignerClient) Transfer(ctx context.Context, to, asset string, amount sdkmath.Int) error {
	_, err := s.do(ctx, http.MethodPost, "/transfer", map[string]any{
		"to":     to,
		"asset":  asset,
		"amount": amount.String(),
	})
	return err
}

func (s *SignerClient) do(ctx context.Context, method, path string, payload map[string]any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.apiUrl+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Accept", "application/json")
	if payload != nil {
		req.Header.Add("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Add("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("signer: status %d: %s", resp.StatusCode, body)
	}
	return body, nil
}
