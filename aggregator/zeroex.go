package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	sdkmath "cosmossdk.io/math"
)

// zeroExSource quotes against a 0x-style API. The quote response already
// carries the tradable calldata, so no second round trip is needed.
type zeroExSource struct {
	httpSource
}

func NewZeroExSource(cfg SourceConfig) Source {
	return &zeroExSource{httpSource: newHTTPSource(cfg)}
}

type zeroExQuoteResponse struct {
	BuyAmount    string `json:"buyAmount"`
	To           string `json:"to"`
	Data         string `json:"data"`
	EstimatedGas int64  `json:"estimatedGas,string"`
}

// executionPayload is the opaque envelope handed to the swap executor.
type executionPayload struct {
	Target   string `json:"target"`
	Calldata string `json:"calldata"`
}

func (s *zeroExSource) FetchQuote(ctx context.Context, req QuoteRequest) (*AggregatorQuote, error) {
	params := url.Values{}
	params.Add("chainId", req.Chain)
	params.Add("sellToken", req.SellAsset)
	params.Add("buyToken", req.BuyAsset)
	params.Add("sellAmount", req.SellAmount.String())
	if req.Taker != "" {
		params.Add("takerAddress", req.Taker)
	}

	body, err := s.getJSON(ctx, fmt.Sprintf("%s/swap/v1/quote?%s", s.apiUrl, params.Encode()))
	if err != nil {
		return nil, err
	}

	var data zeroExQuoteResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("%s: malformed quote: %w", s.name, err)
	}

	gross, ok := sdkmath.NewIntFromString(data.BuyAmount)
	if !ok || !gross.IsPositive() {
		return nil, fmt.Errorf("%s: unusable buy amount %q", s.name, data.BuyAmount)
	}

	payload, err := json.Marshal(executionPayload{Target: data.To, Calldata: data.Data})
	if err != nil {
		return nil, err
	}

	return &AggregatorQuote{
		Source:      s.name,
		GrossOutput: gross,
		FeeBps:      s.feeBps,
		NetOutput:   NetOfFee(gross, s.feeBps),
		Payload:     payload,
		GasEstimate: data.EstimatedGas,
	}, nil
}

// FetchExecutionPayload is a passthrough; the quote already embeds calldata.
func (s *zeroExSource) FetchExecutionPayload(_ context.Context, _ QuoteRequest, quote *AggregatorQuote) ([]byte, error) {
	if len(quote.Payload) == 0 {
		return nil, ErrNoPayload
	}
	return quote.Payload, nil
}
