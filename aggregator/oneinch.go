package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	sdkmath "cosmossdk.io/math"
)

// oneInchSource quotes against a 1inch-style API. Same two-step shape as
// OpenOcean (quote, then a swap endpoint for calldata) with different field
// names.
type oneInchSource struct {
	httpSource
}

func NewOneInchSource(cfg SourceConfig) Source {
	return &oneInchSource{httpSource: newHTTPSource(cfg)}
}

type oneInchQuoteResponse struct {
	DstAmount string `json:"dstAmount"`
	Gas       int64  `json:"gas"`
}

type oneInchSwapResponse struct {
	Tx struct {
		To   string `json:"to"`
		Data string `json:"data"`
	} `json:"tx"`
}

func (s *oneInchSource) FetchQuote(ctx context.Context, req QuoteRequest) (*AggregatorQuote, error) {
	params := url.Values{}
	params.Add("src", req.SellAsset)
	params.Add("dst", req.BuyAsset)
	params.Add("amount", req.SellAmount.String())

	body, err := s.getJSON(ctx, fmt.Sprintf("%s/swap/v6.0/%s/quote?%s", s.apiUrl, req.Chain, params.Encode()))
	if err != nil {
		return nil, err
	}

	var data oneInchQuoteResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("%s: malformed quote: %w", s.name, err)
	}

	gross, ok := sdkmath.NewIntFromString(data.DstAmount)
	if !ok || !gross.IsPositive() {
		return nil, fmt.Errorf("%s: unusable dst amount %q", s.name, data.DstAmount)
	}

	return &AggregatorQuote{
		Source:      s.name,
		GrossOutput: gross,
		FeeBps:      s.feeBps,
		NetOutput:   NetOfFee(gross, s.feeBps),
		GasEstimate: data.Gas,
	}, nil
}

func (s *oneInchSource) FetchExecutionPayload(ctx context.Context, req QuoteRequest, quote *AggregatorQuote) ([]byte, error) {
	params := url.Values{}
	params.Add("src", req.SellAsset)
	params.Add("dst", req.BuyAsset)
	params.Add("amount", req.SellAmount.String())
	params.Add("from", req.Taker)
	params.Add("slippage", "1")

	body, err := s.getJSON(ctx, fmt.Sprintf("%s/swap/v6.0/%s/swap?%s", s.apiUrl, req.Chain, params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPayload, err)
	}

	var data oneInchSwapResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("%w: %s: malformed swap response", ErrNoPayload, s.name)
	}
	if data.Tx.To == "" || data.Tx.Data == "" {
		return nil, fmt.Errorf("%w: %s: empty swap transaction", ErrNoPayload, s.name)
	}

	return json.Marshal(executionPayload{Target: data.Tx.To, Calldata: data.Tx.Data})
}
