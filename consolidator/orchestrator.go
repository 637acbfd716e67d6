package consolidator

import (
	"context"
	"fmt"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dustpan/consolidator/aggregator"
)

// SwapExecutor submits a chosen route's calldata to the chain. It is the
// transactional boundary for a swap attempt: Execute either applies fully or
// not at all. Balance deltas are the only way to observe the outcome.
type SwapExecutor interface {
	BalanceOf(ctx context.Context, asset string) (sdkmath.Int, error)
	Execute(ctx context.Context, payload []byte) error
}

// Treasury moves settled funds. Payout transfers the net amount to the user
// and the service fee to the fee collector as one atomic step.
type Treasury interface {
	Payout(ctx context.Context, user, feeCollector, asset string, net, fee sdkmath.Int) error
	Transfer(ctx context.Context, to, asset string, amount sdkmath.Int) error
}

// Orchestrator owns the per-job state machine. Mutations on one job are
// serialized by a per-job lock; different jobs proceed fully concurrently.
type Orchestrator struct {
	store    *Store
	ledger   *Ledger
	agg      *aggregator.Aggregator
	executor SwapExecutor
	treasury Treasury
	cfg      *Config

	operators        map[string]bool
	minConsolidation sdkmath.Int

	mu       sync.Mutex
	jobLocks map[string]*sync.Mutex

	nowFunc func() time.Time
	logger  *zerolog.Logger
}

func NewOrchestrator(store *Store, ledger *Ledger, agg *aggregator.Aggregator, executor SwapExecutor, treasury Treasury, cfg *Config, logger *zerolog.Logger) (*Orchestrator, error) {
	minConsolidation, err := cfg.MinConsolidationAmount()
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		store:            store,
		ledger:           ledger,
		agg:              agg,
		executor:         executor,
		treasury:         treasury,
		cfg:              cfg,
		operators:        cfg.OperatorSet(),
		minConsolidation: minConsolidation,
		jobLocks:         make(map[string]*sync.Mutex),
		nowFunc:          time.Now,
		logger:           logger,
	}, nil
}

func (o *Orchestrator) authorize(operator string) error {
	if !o.operators[operator] {
		return ErrUnauthorized
	}
	return nil
}

func (o *Orchestrator) lockJob(jobID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lk, ok := o.jobLocks[jobID]
	if !ok {
		lk = &sync.Mutex{}
		o.jobLocks[jobID] = lk
	}
	return lk
}

// CreateJob registers a new consolidation job. The job id is derived
// deterministically from (user, creation time, per-user sequence) so ids
// never collide without a central counter service.
func (o *Orchestrator) CreateJob(operator, user, targetAsset string, expectedAmount sdkmath.Int, sourceChains []string) (string, error) {
	if err := o.authorize(operator); err != nil {
		return "", err
	}
	if user == "" {
		return "", fmt.Errorf("job owner is unset")
	}
	if !o.cfg.IsTargetAsset(targetAsset) {
		return "", ErrInvalidAsset
	}
	if !expectedAmount.IsPositive() {
		return "", ErrZeroAmount
	}
	if len(sourceChains) == 0 {
		return "", fmt.Errorf("at least one source chain is required")
	}
	for _, chain := range sourceChains {
		if !o.cfg.SupportsChain(chain) {
			return "", fmt.Errorf("%w: %s", ErrUnsupportedChain, chain)
		}
	}

	seq, err := o.store.NextUserSeq(user)
	if err != nil {
		return "", fmt.Errorf("next user sequence: %w", err)
	}

	now := o.nowFunc()
	jobID := deriveJobID(user, now, seq)

	job := &ConsolidationJob{
		JobID:          jobID,
		User:           user,
		TargetAsset:    targetAsset,
		ExpectedAmount: expectedAmount,
		ReceivedAmount: sdkmath.ZeroInt(),
		SwappedAmount:  sdkmath.ZeroInt(),
		NetAmount:      sdkmath.ZeroInt(),
		GasCost:        sdkmath.ZeroInt(),
		ServiceFee:     sdkmath.ZeroInt(),
		Status:         StatusCreated,
		SourceChains:   sourceChains,
		CreatedAt:      now,
	}
	if err := o.store.InsertJob(job); err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}

	jobsCreated.Inc()
	o.logger.Info().
		Str("job_id", jobID).
		Str("user", user).
		Str("target_asset", targetAsset).
		Str("expected_amount", expectedAmount.String()).
		Strs("source_chains", sourceChains).
		Msg("job created")
	return jobID, nil
}

func deriveJobID(user string, createdAt time.Time, seq int64) string {
	seed := fmt.Sprintf("%s:%d:%d", user, createdAt.UnixNano(), seq)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String()
}

// RecordReceipt accumulates a verified cross-chain delivery. Deliveries are
// asynchronous and unordered; any positive amount from a chain in the job's
// source set is accepted while the job is still pre-settlement.
func (o *Orchestrator) RecordReceipt(operator, jobID, sourceChain, asset string, amount sdkmath.Int) error {
	if err := o.authorize(operator); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return ErrZeroAmount
	}

	lk := o.lockJob(jobID)
	lk.Lock()
	defer lk.Unlock()

	job, err := o.store.GetJob(jobID)
	if err != nil {
		return err
	}
	switch job.Status {
	case StatusCreated, StatusReceiving, StatusSwapping:
	default:
		return fmt.Errorf("%w: receipt on %s job", ErrWrongState, job.Status)
	}
	if !job.hasSourceChain(sourceChain) {
		return fmt.Errorf("%w: %s", ErrUnknownChain, sourceChain)
	}

	job.ReceivedAmount = job.ReceivedAmount.Add(amount)
	if job.Status == StatusCreated {
		job.Status = StatusReceiving
	}
	if err := o.store.UpdateJob(job); err != nil {
		return err
	}

	receiptsRecorded.WithLabelValues(sourceChain).Inc()
	o.logger.Info().
		Str("job_id", jobID).
		Str("source_chain", sourceChain).
		Str("asset", asset).
		Str("amount", amount.String()).
		Str("received_total", job.ReceivedAmount.String()).
		Msg("cross-chain receipt recorded")
	return nil
}

// PlanSwap consults the quote aggregator for the best route to the job's
// target asset and materializes its calldata, falling through the ranked
// candidates when the winner cannot produce a payload.
func (o *Orchestrator) PlanSwap(ctx context.Context, operator, jobID, chain, fromAsset string, amount sdkmath.Int) (*aggregator.AggregatorQuote, []byte, error) {
	if err := o.authorize(operator); err != nil {
		return nil, nil, err
	}
	job, err := o.store.GetJob(jobID)
	if err != nil {
		return nil, nil, err
	}

	req := aggregator.QuoteRequest{
		Chain:      chain,
		SellAsset:  fromAsset,
		BuyAsset:   job.TargetAsset,
		SellAmount: amount,
	}
	best, err := o.agg.BestQuote(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	return o.agg.ResolvePayload(ctx, req, best.Candidates)
}

// ExecuteSwap runs the chosen route and applies the balance-delta check.
// The executor is the atomic boundary: when the measured output lands below
// minOutput the attempt is rejected and no job state is written, leaving the
// job in its prior state for retry.
func (o *Orchestrator) ExecuteSwap(ctx context.Context, operator, jobID, fromAsset string, amount, minOutput sdkmath.Int, payload []byte) (sdkmath.Int, error) {
	if err := o.authorize(operator); err != nil {
		return sdkmath.ZeroInt(), err
	}
	if !amount.IsPositive() {
		return sdkmath.ZeroInt(), ErrZeroAmount
	}
	if len(payload) == 0 {
		return sdkmath.ZeroInt(), fmt.Errorf("empty execution payload")
	}

	lk := o.lockJob(jobID)
	lk.Lock()
	defer lk.Unlock()

	job, err := o.store.GetJob(jobID)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	switch job.Status {
	case StatusReceiving, StatusSwapping:
	default:
		return sdkmath.ZeroInt(), fmt.Errorf("%w: swap on %s job", ErrWrongState, job.Status)
	}
	if fromAsset == job.TargetAsset {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: held asset already matches target", ErrInvalidAsset)
	}

	balanceBefore, err := o.executor.BalanceOf(ctx, job.TargetAsset)
	if err != nil {
		return sdkmath.ZeroInt(), fmt.Errorf("balance before swap: %w", err)
	}
	if err := o.executor.Execute(ctx, payload); err != nil {
		swapsExecuted.WithLabelValues("error").Inc()
		return sdkmath.ZeroInt(), fmt.Errorf("swap execution: %w", err)
	}
	balanceAfter, err := o.executor.BalanceOf(ctx, job.TargetAsset)
	if err != nil {
		return sdkmath.ZeroInt(), fmt.Errorf("balance after swap: %w", err)
	}

	amountOut := balanceAfter.Sub(balanceBefore)
	if amountOut.LT(minOutput) {
		swapsExecuted.WithLabelValues("slippage").Inc()
		return sdkmath.ZeroInt(), fmt.Errorf("%w: got %s, want at least %s", ErrSlippage, amountOut, minOutput)
	}

	job.SwappedAmount = job.SwappedAmount.Add(amountOut)
	job.Status = StatusSwapping
	if err := o.store.UpdateJob(job); err != nil {
		return sdkmath.ZeroInt(), err
	}

	swapsExecuted.WithLabelValues("ok").Inc()
	o.logger.Info().
		Str("job_id", jobID).
		Str("from_asset", fromAsset).
		Str("amount_in", amount.String()).
		Str("amount_out", amountOut.String()).
		Msg("swap executed")
	return amountOut, nil
}

// Settle finalizes a job: deducts the service fee and the sponsored gas
// cost, pays out the remainder and marks the gas record recovered. Jobs that
// cannot cover the minimum floor or their own deductions transition to
// failed; that is a recorded outcome, not an error. Re-settling a terminal
// job is rejected with no side effects.
func (o *Orchestrator) Settle(ctx context.Context, operator, jobID string, gasCost sdkmath.Int) (*ConsolidationJob, error) {
	if err := o.authorize(operator); err != nil {
		return nil, err
	}
	if gasCost.IsNegative() {
		return nil, ErrZeroAmount
	}

	lk := o.lockJob(jobID)
	lk.Lock()
	defer lk.Unlock()

	job, err := o.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case StatusReceiving, StatusSwapping:
	default:
		return nil, fmt.Errorf("%w: settle on %s job", ErrWrongState, job.Status)
	}

	total := job.settleable()
	if !total.IsPositive() {
		return nil, fmt.Errorf("%w: nothing received", ErrZeroAmount)
	}

	job.Status = StatusSettling
	job.GasCost = gasCost

	if total.LT(o.minConsolidation) {
		return o.failJob(job, ReasonBelowMinimum)
	}

	fee := total.Mul(sdkmath.NewInt(o.cfg.ServiceFeeBps)).Quo(sdkmath.NewInt(10000))
	deductions := gasCost.Add(fee)
	if total.LTE(deductions) {
		return o.failJob(job, ReasonInsufficientForFees)
	}
	net := total.Sub(deductions)

	// The gas record must still be recoverable before any money moves;
	// finding it already recovered here is a defect in the caller.
	rec, err := o.store.GetGasRecord(jobID)
	if err != nil && err != ErrNoGasRecord {
		return nil, err
	}
	if rec != nil && rec.Recovered {
		return nil, ErrAlreadyRecovered
	}

	if err := o.treasury.Payout(ctx, job.User, o.cfg.FeeCollector, job.TargetAsset, net, fee); err != nil {
		settlements.WithLabelValues("payout_error").Inc()
		return nil, fmt.Errorf("payout: %w", err)
	}

	if rec != nil {
		if err := o.ledger.MarkRecovered(operator, jobID); err != nil {
			// funds already moved; surface loudly rather than hide it
			o.logger.Error().Err(err).Str("job_id", jobID).Msg("gas recovery failed after payout")
			return nil, err
		}
	}

	job.NetAmount = net
	job.ServiceFee = fee
	job.Status = StatusComplete
	job.CompletedAt = o.nowFunc()
	if err := o.store.UpdateJob(job); err != nil {
		return nil, err
	}

	settlements.WithLabelValues("complete").Inc()
	o.logger.Info().
		Str("job_id", jobID).
		Str("total", total.String()).
		Str("service_fee", fee.String()).
		Str("gas_cost", gasCost.String()).
		Str("net_amount", net.String()).
		Msg("job settled")
	return job, nil
}

func (o *Orchestrator) failJob(job *ConsolidationJob, reason string) (*ConsolidationJob, error) {
	job.Status = StatusFailed
	job.FailReason = reason
	job.CompletedAt = o.nowFunc()
	if err := o.store.UpdateJob(job); err != nil {
		return nil, err
	}
	settlements.WithLabelValues("failed").Inc()
	o.logger.Warn().
		Str("job_id", job.JobID).
		Str("reason", reason).
		Msg("job failed at settlement")
	return job, nil
}

// Refund returns a failed job's residual funds to the user in full, with no
// fee deduction. Valid exactly once, only from the failed state.
func (o *Orchestrator) Refund(ctx context.Context, operator, jobID string) (*ConsolidationJob, error) {
	if err := o.authorize(operator); err != nil {
		return nil, err
	}

	lk := o.lockJob(jobID)
	lk.Lock()
	defer lk.Unlock()

	job, err := o.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusFailed {
		return nil, fmt.Errorf("%w: refund on %s job", ErrWrongState, job.Status)
	}

	amount := job.settleable()
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: no residual funds", ErrZeroAmount)
	}

	if err := o.treasury.Transfer(ctx, job.User, job.TargetAsset, amount); err != nil {
		return nil, fmt.Errorf("refund transfer: %w", err)
	}

	job.Status = StatusRefunded
	job.CompletedAt = o.nowFunc()
	if err := o.store.UpdateJob(job); err != nil {
		return nil, err
	}

	refunds.Inc()
	o.logger.Info().
		Str("job_id", jobID).
		Str("amount", amount.String()).
		Msg("job refunded")
	return job, nil
}

// GetJob returns a read-only snapshot.
func (o *Orchestrator) GetJob(jobID string) (*ConsolidationJob, error) {
	return o.store.GetJob(jobID)
}

func (o *Orchestrator) JobsByUser(user string) ([]*ConsolidationJob, error) {
	return o.store.JobsByUser(user)
}
