package consolidator

import "errors"

// Stable reason codes surfaced to the calling operator layer so it can decide
// whether to retry, refund or alert.
var (
	ErrUnauthorized = errors.New("operator not authorized")
	ErrUnknownJob   = errors.New("unknown job")
	ErrWrongState   = errors.New("operation not valid in current job state")
	ErrInvalidAsset = errors.New("asset not in configured target set")
	ErrZeroAmount   = errors.New("amount must be positive")
	ErrUnknownChain = errors.New("source chain not in job's source set")

	// Swap execution.
	ErrSlippage = errors.New("swap output below minimum")

	// Sponsorship ledger.
	ErrRateLimited      = errors.New("sponsorship rate limit exceeded")
	ErrUserCapExceeded  = errors.New("per-user sponsorship cap exceeded")
	ErrJobCapExceeded   = errors.New("per-job sponsorship cap exceeded")
	ErrPoolExhausted    = errors.New("sponsorship pool exhausted")
	ErrNoGasRecord      = errors.New("no gas record for job")
	ErrAlreadyRecovered = errors.New("gas record already recovered")

	// Cross-chain gateway trust boundary.
	ErrUnsupportedChain = errors.New("unsupported source chain")
	ErrUntrustedSender  = errors.New("sender not trusted for source chain")
)

// Terminal failure reasons recorded on jobs. These are user-visible strings
// and must stay stable.
const (
	ReasonBelowMinimum        = "below minimum"
	ReasonInsufficientForFees = "insufficient for fees"
)
