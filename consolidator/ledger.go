package consolidator

import (
	"fmt"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Ledger tracks the pooled gas-sponsorship balance, per-user counters and
// one GasRecord per sponsored job. A single mutex makes every cap check
// atomic with the counter increment it guards: two concurrent requests for
// the same user can never both pass against a stale counter.
type Ledger struct {
	mu        sync.Mutex
	store     *Store
	limits    SponsorshipLimits
	operators map[string]bool

	nativeDecimals     int32
	settlementDecimals int32

	nowFunc func() time.Time // injectable clock for testing
	logger  *zerolog.Logger
}

func NewLedger(store *Store, limits SponsorshipLimits, operators map[string]bool, cfg SponsorshipConfig, logger *zerolog.Logger) *Ledger {
	nativeDecimals := cfg.NativeDecimals
	if nativeDecimals == 0 {
		nativeDecimals = 18
	}
	settlementDecimals := cfg.SettlementDecimals
	if settlementDecimals == 0 {
		settlementDecimals = 6
	}
	return &Ledger{
		store:              store,
		limits:             limits,
		operators:          operators,
		nativeDecimals:     nativeDecimals,
		settlementDecimals: settlementDecimals,
		nowFunc:            time.Now,
		logger:             logger,
	}
}

func (l *Ledger) authorize(operator string) error {
	if !l.operators[operator] {
		return ErrUnauthorized
	}
	return nil
}

// settlementCost converts a native-unit gas value into settlement-asset
// units using the recorded USD price basis. Truncates toward zero.
func (l *Ledger) settlementCost(gasValue sdkmath.Int, priceBasis decimal.Decimal) sdkmath.Int {
	native := decimal.NewFromBigInt(gasValue.BigInt(), -l.nativeDecimals)
	usd := priceBasis.Mul(native)
	units := usd.Shift(l.settlementDecimals).Truncate(0)
	return sdkmath.NewIntFromBigInt(units.BigInt())
}

// Sponsor grants gas sponsorship for one job. gasValue is the native-unit
// gas value being advanced, priceBasis the native asset's USD price. Returns
// the estimated cost in settlement-asset units.
func (l *Ledger) Sponsor(operator, user, jobID string, gasValue sdkmath.Int, priceBasis decimal.Decimal) (sdkmath.Int, error) {
	if err := l.authorize(operator); err != nil {
		return sdkmath.ZeroInt(), err
	}
	if user == "" {
		return sdkmath.ZeroInt(), fmt.Errorf("sponsored user is unset")
	}
	if !gasValue.IsPositive() {
		return sdkmath.ZeroInt(), ErrZeroAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	acct, err := l.store.GetSponsorshipAccount(user)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}

	now := l.nowFunc()
	if acct.JobCount > 0 && now.Sub(acct.LastJobAt) < l.limits.MinInterval {
		sponsorships.WithLabelValues("rate_limited").Inc()
		return sdkmath.ZeroInt(), ErrRateLimited
	}
	if l.limits.PerJobCap.IsPositive() && gasValue.GT(l.limits.PerJobCap) {
		sponsorships.WithLabelValues("job_cap").Inc()
		return sdkmath.ZeroInt(), ErrJobCapExceeded
	}
	if l.limits.PerUserCap.IsPositive() && acct.TotalSponsored.Add(gasValue).GT(l.limits.PerUserCap) {
		sponsorships.WithLabelValues("user_cap").Inc()
		return sdkmath.ZeroInt(), ErrUserCapExceeded
	}

	pool, recovered, err := l.store.GetLedgerState()
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	if pool.LT(gasValue) {
		sponsorships.WithLabelValues("pool_exhausted").Inc()
		return sdkmath.ZeroInt(), ErrPoolExhausted
	}

	rec := &GasRecord{
		JobID:      jobID,
		User:       user,
		GasValue:   gasValue,
		PriceBasis: priceBasis,
		UsdCost:    priceBasis.Mul(decimal.NewFromBigInt(gasValue.BigInt(), -l.nativeDecimals)),
		CreatedAt:  now,
	}
	if err := l.store.InsertGasRecord(rec); err != nil {
		return sdkmath.ZeroInt(), fmt.Errorf("insert gas record: %w", err)
	}

	acct.TotalSponsored = acct.TotalSponsored.Add(gasValue)
	acct.JobCount++
	acct.LastJobAt = now
	if err := l.store.UpsertSponsorshipAccount(acct); err != nil {
		return sdkmath.ZeroInt(), fmt.Errorf("update sponsorship account: %w", err)
	}
	if err := l.store.SetLedgerState(pool.Sub(gasValue), recovered); err != nil {
		return sdkmath.ZeroInt(), fmt.Errorf("update pool: %w", err)
	}

	sponsorships.WithLabelValues("granted").Inc()
	cost := l.settlementCost(gasValue, priceBasis)
	l.logger.Info().
		Str("job_id", jobID).
		Str("user", user).
		Str("gas_value", gasValue.String()).
		Str("cost", cost.String()).
		Msg("gas sponsorship granted")
	return cost, nil
}

// UpdateCost replaces the pre-execution estimate with actual post-execution
// gas usage. Only allowed while the record is unrecovered. Pool and user
// counters are adjusted by the delta so cap accounting tracks reality.
func (l *Ledger) UpdateCost(operator, jobID string, actualGasValue sdkmath.Int, priceBasis decimal.Decimal) (sdkmath.Int, error) {
	if err := l.authorize(operator); err != nil {
		return sdkmath.ZeroInt(), err
	}
	if !actualGasValue.IsPositive() {
		return sdkmath.ZeroInt(), ErrZeroAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.store.GetGasRecord(jobID)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	if rec.Recovered {
		return sdkmath.ZeroInt(), ErrAlreadyRecovered
	}

	delta := actualGasValue.Sub(rec.GasValue)
	pool, recovered, err := l.store.GetLedgerState()
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	if delta.IsPositive() && pool.LT(delta) {
		return sdkmath.ZeroInt(), ErrPoolExhausted
	}

	acct, err := l.store.GetSponsorshipAccount(rec.User)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	acct.TotalSponsored = acct.TotalSponsored.Add(delta)

	rec.GasValue = actualGasValue
	rec.PriceBasis = priceBasis
	rec.UsdCost = priceBasis.Mul(decimal.NewFromBigInt(actualGasValue.BigInt(), -l.nativeDecimals))

	if err := l.store.UpdateGasRecord(rec); err != nil {
		return sdkmath.ZeroInt(), fmt.Errorf("update gas record: %w", err)
	}
	if err := l.store.UpsertSponsorshipAccount(acct); err != nil {
		return sdkmath.ZeroInt(), fmt.Errorf("update sponsorship account: %w", err)
	}
	if err := l.store.SetLedgerState(pool.Sub(delta), recovered); err != nil {
		return sdkmath.ZeroInt(), fmt.Errorf("update pool: %w", err)
	}

	return l.settlementCost(actualGasValue, priceBasis), nil
}

// MarkRecovered flips a record's recovered flag exactly once and rolls the
// sponsored value back into the pool. A second call is a hard error; it
// protects against double-deduction bugs in the caller.
func (l *Ledger) MarkRecovered(operator, jobID string) error {
	if err := l.authorize(operator); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.markRecoveredLocked(jobID)
}

func (l *Ledger) markRecoveredLocked(jobID string) error {
	rec, err := l.store.GetGasRecord(jobID)
	if err != nil {
		return err
	}
	if rec.Recovered {
		return ErrAlreadyRecovered
	}

	pool, recovered, err := l.store.GetLedgerState()
	if err != nil {
		return err
	}

	rec.Recovered = true
	if err := l.store.UpdateGasRecord(rec); err != nil {
		return fmt.Errorf("update gas record: %w", err)
	}
	if err := l.store.SetLedgerState(pool.Add(rec.GasValue), recovered.Add(rec.GasValue)); err != nil {
		return fmt.Errorf("update pool: %w", err)
	}

	l.logger.Info().
		Str("job_id", jobID).
		Str("gas_value", rec.GasValue.String()).
		Msg("gas sponsorship recovered")
	return nil
}

// AccruedCost returns the job's current gas cost in settlement-asset units,
// zero when the job was never sponsored.
func (l *Ledger) AccruedCost(jobID string) (sdkmath.Int, error) {
	rec, err := l.store.GetGasRecord(jobID)
	if err == ErrNoGasRecord {
		return sdkmath.ZeroInt(), nil
	}
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.settlementCost(rec.GasValue, rec.PriceBasis), nil
}

// Limits returns a copy of the current sponsorship limits.
func (l *Ledger) Limits() SponsorshipLimits {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limits
}

// SetLimits replaces the process-wide limits. Takes effect immediately.
func (l *Ledger) SetLimits(operator string, limits SponsorshipLimits) error {
	if err := l.authorize(operator); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits = limits
	l.logger.Info().
		Str("per_user_cap", limits.PerUserCap.String()).
		Str("per_job_cap", limits.PerJobCap.String()).
		Dur("min_interval", limits.MinInterval).
		Msg("sponsorship limits updated")
	return nil
}

func (l *Ledger) CreditPool(operator string, amount sdkmath.Int) error {
	if err := l.authorize(operator); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return ErrZeroAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	pool, recovered, err := l.store.GetLedgerState()
	if err != nil {
		return err
	}
	return l.store.SetLedgerState(pool.Add(amount), recovered)
}

func (l *Ledger) DebitPool(operator string, amount sdkmath.Int) error {
	if err := l.authorize(operator); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return ErrZeroAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	pool, recovered, err := l.store.GetLedgerState()
	if err != nil {
		return err
	}
	if pool.LT(amount) {
		return ErrPoolExhausted
	}
	return l.store.SetLedgerState(pool.Sub(amount), recovered)
}

// PoolBalance returns the native-unit balance available for sponsorship.
func (l *Ledger) PoolBalance() (sdkmath.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pool, _, err := l.store.GetLedgerState()
	return pool, err
}
