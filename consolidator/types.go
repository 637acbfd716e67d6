package consolidator

import (
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/shopspring/decimal"
)

type JobStatus string

const (
	StatusCreated   JobStatus = "created"
	StatusReceiving JobStatus = "receiving"
	StatusSwapping  JobStatus = "swapping"
	StatusSettling  JobStatus = "settling"
	StatusComplete  JobStatus = "complete"
	StatusFailed    JobStatus = "failed"
	StatusRefunded  JobStatus = "refunded"
)

// Terminal reports whether no further transitions are allowed except the
// explicit failed -> refunded one.
func (s JobStatus) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusRefunded
}

// ConsolidationJob is one user's end-to-end consolidation request. Rows are
// append-only: refunded and failed jobs stay queryable forever.
type ConsolidationJob struct {
	JobID          string      `json:"job_id"`
	User           string      `json:"user"`
	TargetAsset    string      `json:"target_asset"`
	ExpectedAmount sdkmath.Int `json:"expected_amount"`
	ReceivedAmount sdkmath.Int `json:"received_amount"`
	SwappedAmount  sdkmath.Int `json:"swapped_amount"`
	NetAmount      sdkmath.Int `json:"net_amount"`
	GasCost        sdkmath.Int `json:"gas_cost"`
	ServiceFee     sdkmath.Int `json:"service_fee"`
	Status         JobStatus   `json:"status"`
	FailReason     string      `json:"fail_reason,omitempty"`
	SourceChains   []string    `json:"source_chains"`
	CreatedAt      time.Time   `json:"created_at"`
	CompletedAt    time.Time   `json:"completed_at"`
}

func (j *ConsolidationJob) hasSourceChain(chain string) bool {
	for _, c := range j.SourceChains {
		if c == chain {
			return true
		}
	}
	return false
}

// settleable returns the amount settlement operates on: the swapped output
// when any swap happened, otherwise the raw received amount.
func (j *ConsolidationJob) settleable() sdkmath.Int {
	if j.SwappedAmount.IsPositive() {
		return j.SwappedAmount
	}
	return j.ReceivedAmount
}

// GasRecord is one sponsorship entry per job. Recovered flips false -> true
// exactly once, after settlement has deducted the cost from proceeds.
type GasRecord struct {
	JobID      string          `json:"job_id"`
	User       string          `json:"user"`
	GasValue   sdkmath.Int     `json:"gas_value"` // native units
	PriceBasis decimal.Decimal `json:"price_basis"`
	UsdCost    decimal.Decimal `json:"usd_cost"`
	Recovered  bool            `json:"recovered"`
	CreatedAt  time.Time       `json:"created_at"`
}

// SponsorshipLimits is process-wide configuration, mutated only through the
// ledger's admin operation.
type SponsorshipLimits struct {
	PerUserCap  sdkmath.Int   `json:"per_user_cap"` // lifetime, native units
	PerJobCap   sdkmath.Int   `json:"per_job_cap"`  // native units
	MinInterval time.Duration `json:"min_interval"`
}

// sponsorshipAccount is a user's running sponsorship counters.
type sponsorshipAccount struct {
	User           string
	TotalSponsored sdkmath.Int
	JobCount       int64
	LastJobAt      time.Time
}

// ConsolidationMessage is the job-scoped payload carried alongside a token
// transfer on the external bridge channel. The format must round-trip
// exactly between chains.
type ConsolidationMessage struct {
	JobID  string      `json:"job_id"`
	Asset  string      `json:"asset"`
	Amount sdkmath.Int `json:"amount"`
}
