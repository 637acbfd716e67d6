package aggregator

import (
	"errors"

	sdkmath "cosmossdk.io/math"
)

var (
	// ErrNoQuote means no source produced a usable quote for the pair.
	// This is an expected outcome, not a system fault.
	ErrNoQuote = errors.New("no quote available from any source")

	// ErrNoPayload means the chosen source could not materialize calldata.
	ErrNoPayload = errors.New("no execution payload available")
)

type QuoteRequest struct {
	Chain      string      `json:"chain"`
	SellAsset  string      `json:"sell_asset"`
	BuyAsset   string      `json:"buy_asset"`
	SellAmount sdkmath.Int `json:"sell_amount"`
	Taker      string      `json:"taker,omitempty"`
}

// AggregatorQuote is one source's normalized answer. Payload may be empty
// for sources that require a second round trip to obtain calldata.
type AggregatorQuote struct {
	Source      string      `json:"source"`
	GrossOutput sdkmath.Int `json:"gross_output"`
	FeeBps      int64       `json:"fee_bps"`
	NetOutput   sdkmath.Int `json:"net_output"`
	Payload     []byte      `json:"payload,omitempty"`
	GasEstimate int64       `json:"gas_estimate"`
}

type BestQuote struct {
	Best *AggregatorQuote `json:"best"`
	// Candidates is the full ranked list, best first, for auditability.
	Candidates []*AggregatorQuote `json:"candidates"`
	// OperatorMarginBps is the service fee rate minus the winning source's
	// own fee rate.
	OperatorMarginBps int64 `json:"operator_margin_bps"`
}

// NetOfFee applies a source fee in basis points using integer arithmetic.
// The fee itself is truncated toward zero, so net = gross - gross*bps/10000
// keeps the remainder with the output.
func NetOfFee(gross sdkmath.Int, feeBps int64) sdkmath.Int {
	fee := gross.Mul(sdkmath.NewInt(feeBps)).Quo(sdkmath.NewInt(10000))
	return gross.Sub(fee)
}
