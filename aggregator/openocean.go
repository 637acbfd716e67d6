package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	sdkmath "cosmossdk.io/math"
)

// openOceanSource quotes against an OpenOcean-style API where the quote and
// the tradable transaction live on separate endpoints. FetchExecutionPayload
// issues the second round trip and fails closed if it cannot.
type openOceanSource struct {
	httpSource
}

func NewOpenOceanSource(cfg SourceConfig) Source {
	return &openOceanSource{httpSource: newHTTPSource(cfg)}
}

type openOceanQuoteResponse struct {
	Data struct {
		OutAmount    string `json:"outAmount"`
		EstimatedGas int64  `json:"estimatedGas"`
	} `json:"data"`
}

type openOceanSwapResponse struct {
	Data struct {
		To   string `json:"to"`
		Data string `json:"data"`
	} `json:"data"`
}

func (s *openOceanSource) quoteParams(req QuoteRequest) url.Values {
	params := url.Values{}
	params.Add("chain", req.Chain)
	params.Add("inTokenAddress", req.SellAsset)
	params.Add("outTokenAddress", req.BuyAsset)
	params.Add("amount", req.SellAmount.String())
	if req.Taker != "" {
		params.Add("account", req.Taker)
	}
	return params
}

func (s *openOceanSource) FetchQuote(ctx context.Context, req QuoteRequest) (*AggregatorQuote, error) {
	body, err := s.getJSON(ctx, fmt.Sprintf("%s/v3/quote?%s", s.apiUrl, s.quoteParams(req).Encode()))
	if err != nil {
		return nil, err
	}

	var data openOceanQuoteResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("%s: malformed quote: %w", s.name, err)
	}

	gross, ok := sdkmath.NewIntFromString(data.Data.OutAmount)
	if !ok || !gross.IsPositive() {
		return nil, fmt.Errorf("%s: unusable out amount %q", s.name, data.Data.OutAmount)
	}

	// Payload intentionally left empty; the swap endpoint provides it.
	return &AggregatorQuote{
		Source:      s.name,
		GrossOutput: gross,
		FeeBps:      s.feeBps,
		NetOutput:   NetOfFee(gross, s.feeBps),
		GasEstimate: data.Data.EstimatedGas,
	}, nil
}

func (s *openOceanSource) FetchExecutionPayload(ctx context.Context, req QuoteRequest, quote *AggregatorQuote) ([]byte, error) {
	body, err := s.getJSON(ctx, fmt.Sprintf("%s/v3/swap_quote?%s", s.apiUrl, s.quoteParams(req).Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPayload, err)
	}

	var data openOceanSwapResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("%w: %s: malformed swap response", ErrNoPayload, s.name)
	}
	if data.Data.To == "" || data.Data.Data == "" {
		return nil, fmt.Errorf("%w: %s: empty swap transaction", ErrNoPayload, s.name)
	}

	return json.Marshal(executionPayload{Target: data.Data.To, Calldata: data.Data.Data})
}
