package consolidator

import (
	sdkmath "cosmossdk.io/math"
	"github.com/shopspring/decimal"
)

// ScanSummary is what the external wallet-scanning service reports for one
// user across all chains.
type ScanSummary struct {
	TotalRecoverable sdkmath.Int `json:"total_recoverable"`
	TotalGasEstimate sdkmath.Int `json:"total_gas_estimate"`
	ChainCount       int64       `json:"chain_count"`
}

type FeeBreakdown struct {
	Gas     sdkmath.Int `json:"gas"`
	Bridge  sdkmath.Int `json:"bridge"`
	Service sdkmath.Int `json:"service"`
	Swap    sdkmath.Int `json:"swap"`
	Total   sdkmath.Int `json:"total"`
}

type ConsolidationEstimate struct {
	TargetAsset  string       `json:"target_asset"`
	GrossAmount  sdkmath.Int  `json:"gross_amount"`
	Fees         FeeBreakdown `json:"fees"`
	NetAmount    sdkmath.Int  `json:"net_amount"`
	WorthIt      bool         `json:"worth_it"`
	ProfitMargin string       `json:"profit_margin"`
}

// Estimator answers "is this consolidation worth running" before any job is
// created. It is a pure computation over a scan summary.
type Estimator struct {
	serviceFeeBps     int64
	swapFeeBps        int64
	bridgeFeePerChain sdkmath.Int
	minProfitable     sdkmath.Int
}

func NewEstimator(cfg *Config) (*Estimator, error) {
	bridgeFee, err := parseAmount(cfg.Estimate.BridgeFeePerChain, "estimate.bridge_fee_per_chain")
	if err != nil {
		return nil, err
	}
	minProfitable, err := cfg.MinProfitableAmount()
	if err != nil {
		return nil, err
	}
	return &Estimator{
		serviceFeeBps:     cfg.ServiceFeeBps,
		swapFeeBps:        cfg.Estimate.SwapFeeBps,
		bridgeFeePerChain: bridgeFee,
		minProfitable:     minProfitable,
	}, nil
}

// Estimate computes the expected fee breakdown and net proceeds. All bps
// fees truncate toward zero, the same rule settlement applies.
func (e *Estimator) Estimate(scan ScanSummary, targetAsset string) (*ConsolidationEstimate, error) {
	if scan.TotalRecoverable.IsNil() || !scan.TotalRecoverable.IsPositive() {
		return nil, ErrZeroAmount
	}

	gross := scan.TotalRecoverable
	gas := scan.TotalGasEstimate
	if gas.IsNil() {
		gas = sdkmath.ZeroInt()
	}

	bridge := e.bridgeFeePerChain.Mul(sdkmath.NewInt(scan.ChainCount))
	service := gross.Mul(sdkmath.NewInt(e.serviceFeeBps)).Quo(sdkmath.NewInt(10000))
	swap := gross.Mul(sdkmath.NewInt(e.swapFeeBps)).Quo(sdkmath.NewInt(10000))
	total := gas.Add(bridge).Add(service).Add(swap)

	net := gross.Sub(total)
	if net.IsNegative() {
		net = sdkmath.ZeroInt()
	}

	margin := decimal.Zero
	if gross.IsPositive() {
		margin = decimal.NewFromBigInt(net.BigInt(), 0).
			Div(decimal.NewFromBigInt(gross.BigInt(), 0)).
			Round(4)
	}

	return &ConsolidationEstimate{
		TargetAsset: targetAsset,
		GrossAmount: gross,
		Fees: FeeBreakdown{
			Gas:     gas,
			Bridge:  bridge,
			Service: service,
			Swap:    swap,
			Total:   total,
		},
		NetAmount:    net,
		WorthIt:      net.GTE(e.minProfitable),
		ProfitMargin: margin.String(),
	}, nil
}
