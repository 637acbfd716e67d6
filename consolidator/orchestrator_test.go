package consolidator

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testOperator = "op-1"
	testUser     = "0xuser"
)

func testLogger() *zerolog.Logger {
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)
	return &logger
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func testConfig() *Config {
	return &Config{
		Operators:        []string{testOperator},
		FeeCollector:     "0xfees",
		ServiceFeeBps:    120,
		MinConsolidation: "10",
		MinProfitable:    "50",
		TargetAssets:     []string{"USDC"},
		SupportedChains:  []string{"1", "137", "42161"},
		TrustedSenders:   map[string]string{"1": "0xbridge"},
		Sponsorship: SponsorshipConfig{
			PerUserCap:         "1000000",
			PerJobCap:          "500000",
			MinIntervalSec:     3600,
			NativeDecimals:     18,
			SettlementDecimals: 6,
		},
		Estimate: EstimateConfig{BridgeFeePerChain: "1", SwapFeeBps: 30},
	}
}

// fakeExecutor simulates the signer's swap surface. Execute credits
// swapDelta to the target asset balance, mimicking an on-chain fill.
type fakeExecutor struct {
	mu        sync.Mutex
	balances  map[string]sdkmath.Int
	swapAsset string
	swapDelta sdkmath.Int
	execErr   error
	execCalls int
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{balances: map[string]sdkmath.Int{}}
}

func (f *fakeExecutor) BalanceOf(_ context.Context, asset string) (sdkmath.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bal, ok := f.balances[asset]
	if !ok {
		return sdkmath.ZeroInt(), nil
	}
	return bal, nil
}

func (f *fakeExecutor) Execute(_ context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execCalls++
	if f.execErr != nil {
		return f.execErr
	}
	bal, ok := f.balances[f.swapAsset]
	if !ok {
		bal = sdkmath.ZeroInt()
	}
	f.balances[f.swapAsset] = bal.Add(f.swapDelta)
	return nil
}

type payout struct {
	user, feeCollector, asset string
	net, fee                  sdkmath.Int
}

type fakeTreasury struct {
	mu        sync.Mutex
	payouts   []payout
	transfers []payout
	payoutErr error
}

func (f *fakeTreasury) Payout(_ context.Context, user, feeCollector, asset string, net, fee sdkmath.Int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.payoutErr != nil {
		return f.payoutErr
	}
	f.payouts = append(f.payouts, payout{user, feeCollector, asset, net, fee})
	return nil
}

func (f *fakeTreasury) Transfer(_ context.Context, to, asset string, amount sdkmath.Int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers = append(f.transfers, payout{user: to, asset: asset, net: amount})
	return nil
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *Store, *Ledger, *fakeExecutor, *fakeTreasury) {
	t.Helper()
	cfg := testConfig()
	store := newTestStore(t)

	limits, err := cfg.SponsorshipLimits()
	require.NoError(t, err)
	ledger := NewLedger(store, limits, cfg.OperatorSet(), cfg.Sponsorship, testLogger())

	executor := newFakeExecutor()
	treasury := &fakeTreasury{}
	orch, err := NewOrchestrator(store, ledger, nil, executor, treasury, cfg, testLogger())
	require.NoError(t, err)
	return orch, store, ledger, executor, treasury
}

func createTestJob(t *testing.T, orch *Orchestrator, expected int64, chains ...string) string {
	t.Helper()
	if len(chains) == 0 {
		chains = []string{"1", "137"}
	}
	jobID, err := orch.CreateJob(testOperator, testUser, "USDC", sdkmath.NewInt(expected), chains)
	require.NoError(t, err)
	return jobID
}

func TestCreateJobValidation(t *testing.T) {
	orch, _, _, _, _ := newTestOrchestrator(t)

	_, err := orch.CreateJob("rando", testUser, "USDC", sdkmath.NewInt(100), []string{"1"})
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = orch.CreateJob(testOperator, testUser, "DOGE", sdkmath.NewInt(100), []string{"1"})
	assert.ErrorIs(t, err, ErrInvalidAsset)

	_, err = orch.CreateJob(testOperator, testUser, "USDC", sdkmath.ZeroInt(), []string{"1"})
	assert.ErrorIs(t, err, ErrZeroAmount)

	_, err = orch.CreateJob(testOperator, testUser, "USDC", sdkmath.NewInt(100), []string{"999"})
	assert.ErrorIs(t, err, ErrUnsupportedChain)

	_, err = orch.CreateJob(testOperator, "", "USDC", sdkmath.NewInt(100), []string{"1"})
	assert.Error(t, err)
}

func TestJobIDsAreDeterministicAndDistinct(t *testing.T) {
	now := time.Now()
	a := deriveJobID(testUser, now, 1)
	b := deriveJobID(testUser, now, 1)
	c := deriveJobID(testUser, now, 2)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	orch, _, _, _, _ := newTestOrchestrator(t)
	first := createTestJob(t, orch, 100)
	second := createTestJob(t, orch, 100)
	assert.NotEqual(t, first, second)
}

func TestReceiptsAccumulateAcrossChains(t *testing.T) {
	orch, _, _, _, _ := newTestOrchestrator(t)
	jobID := createTestJob(t, orch, 100)

	// deliveries arrive unordered from different chains
	require.NoError(t, orch.RecordReceipt(testOperator, jobID, "137", "USDC", sdkmath.NewInt(45)))
	require.NoError(t, orch.RecordReceipt(testOperator, jobID, "1", "USDC", sdkmath.NewInt(60)))

	job, err := orch.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusReceiving, job.Status)
	assert.Equal(t, int64(105), job.ReceivedAmount.Int64())
}

func TestReceiptRejectsUnknownChainAndZeroAmount(t *testing.T) {
	orch, _, _, _, _ := newTestOrchestrator(t)
	jobID := createTestJob(t, orch, 100, "1")

	err := orch.RecordReceipt(testOperator, jobID, "42161", "USDC", sdkmath.NewInt(5))
	assert.ErrorIs(t, err, ErrUnknownChain)

	err = orch.RecordReceipt(testOperator, jobID, "1", "USDC", sdkmath.ZeroInt())
	assert.ErrorIs(t, err, ErrZeroAmount)

	err = orch.RecordReceipt(testOperator, "no-such-job", "1", "USDC", sdkmath.NewInt(5))
	assert.ErrorIs(t, err, ErrUnknownJob)

	job, err := orch.GetJob(jobID)
	require.NoError(t, err)
	assert.True(t, job.ReceivedAmount.IsZero())
}

func TestSettleHappyPath(t *testing.T) {
	orch, _, _, _, treasury := newTestOrchestrator(t)
	jobID := createTestJob(t, orch, 100)

	require.NoError(t, orch.RecordReceipt(testOperator, jobID, "1", "USDC", sdkmath.NewInt(60)))
	require.NoError(t, orch.RecordReceipt(testOperator, jobID, "137", "USDC", sdkmath.NewInt(45)))

	// fee = 105*120/10000 = 1 (truncated), net = 105-2-1 = 102
	job, err := orch.Settle(context.Background(), testOperator, jobID, sdkmath.NewInt(2))
	require.NoError(t, err)

	assert.Equal(t, StatusComplete, job.Status)
	assert.Equal(t, int64(102), job.NetAmount.Int64())
	assert.Equal(t, int64(1), job.ServiceFee.Int64())
	assert.Equal(t, int64(2), job.GasCost.Int64())
	assert.False(t, job.CompletedAt.IsZero())

	require.Len(t, treasury.payouts, 1)
	assert.Equal(t, testUser, treasury.payouts[0].user)
	assert.Equal(t, "0xfees", treasury.payouts[0].feeCollector)
	assert.Equal(t, int64(102), treasury.payouts[0].net.Int64())
	assert.Equal(t, int64(1), treasury.payouts[0].fee.Int64())
}

func TestSettleBelowMinimumFails(t *testing.T) {
	orch, _, _, _, treasury := newTestOrchestrator(t)
	jobID := createTestJob(t, orch, 100)

	require.NoError(t, orch.RecordReceipt(testOperator, jobID, "1", "USDC", sdkmath.NewInt(5)))

	job, err := orch.Settle(context.Background(), testOperator, jobID, sdkmath.ZeroInt())
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, ReasonBelowMinimum, job.FailReason)
	assert.Empty(t, treasury.payouts, "no partial payout on a below-minimum job")
}

func TestSettleInsufficientForFees(t *testing.T) {
	orch, _, _, _, treasury := newTestOrchestrator(t)
	jobID := createTestJob(t, orch, 100)

	require.NoError(t, orch.RecordReceipt(testOperator, jobID, "1", "USDC", sdkmath.NewInt(20)))

	job, err := orch.Settle(context.Background(), testOperator, jobID, sdkmath.NewInt(25))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, ReasonInsufficientForFees, job.FailReason)
	assert.Empty(t, treasury.payouts)
}

func TestSettleTwiceIsRejectedWithoutTransfer(t *testing.T) {
	orch, _, _, _, treasury := newTestOrchestrator(t)
	jobID := createTestJob(t, orch, 100)
	require.NoError(t, orch.RecordReceipt(testOperator, jobID, "1", "USDC", sdkmath.NewInt(105)))

	_, err := orch.Settle(context.Background(), testOperator, jobID, sdkmath.NewInt(2))
	require.NoError(t, err)
	require.Len(t, treasury.payouts, 1)

	_, err = orch.Settle(context.Background(), testOperator, jobID, sdkmath.NewInt(2))
	assert.ErrorIs(t, err, ErrWrongState)
	assert.Len(t, treasury.payouts, 1, "second settle must move no funds")
}

func TestStatusNeverRegresses(t *testing.T) {
	orch, _, _, _, _ := newTestOrchestrator(t)
	jobID := createTestJob(t, orch, 100)
	require.NoError(t, orch.RecordReceipt(testOperator, jobID, "1", "USDC", sdkmath.NewInt(105)))

	_, err := orch.Settle(context.Background(), testOperator, jobID, sdkmath.ZeroInt())
	require.NoError(t, err)

	// a late delivery cannot pull a completed job back to receiving
	err = orch.RecordReceipt(testOperator, jobID, "137", "USDC", sdkmath.NewInt(10))
	assert.ErrorIs(t, err, ErrWrongState)

	job, err := orch.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, job.Status)
}

func TestSettlePayoutFailureRollsBack(t *testing.T) {
	orch, _, _, _, treasury := newTestOrchestrator(t)
	treasury.payoutErr = errors.New("signer unavailable")

	jobID := createTestJob(t, orch, 100)
	require.NoError(t, orch.RecordReceipt(testOperator, jobID, "1", "USDC", sdkmath.NewInt(105)))

	_, err := orch.Settle(context.Background(), testOperator, jobID, sdkmath.NewInt(2))
	require.Error(t, err)

	// job is untouched and retryable
	job, err := orch.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusReceiving, job.Status)
	assert.True(t, job.NetAmount.IsZero())

	treasury.payoutErr = nil
	settled, err := orch.Settle(context.Background(), testOperator, jobID, sdkmath.NewInt(2))
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, settled.Status)
}

func TestExecuteSwapAccumulatesOutput(t *testing.T) {
	orch, _, _, executor, _ := newTestOrchestrator(t)
	jobID := createTestJob(t, orch, 1000)
	require.NoError(t, orch.RecordReceipt(testOperator, jobID, "1", "WBTC", sdkmath.NewInt(1000)))

	executor.swapAsset = "USDC"
	executor.swapDelta = sdkmath.NewInt(980)

	out, err := orch.ExecuteSwap(context.Background(), testOperator, jobID, "WBTC",
		sdkmath.NewInt(1000), sdkmath.NewInt(950), []byte(`{"target":"0x1"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(980), out.Int64())

	job, err := orch.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusSwapping, job.Status)
	assert.Equal(t, int64(980), job.SwappedAmount.Int64())

	// second distinct-asset swap keeps accumulating
	executor.swapDelta = sdkmath.NewInt(20)
	_, err = orch.ExecuteSwap(context.Background(), testOperator, jobID, "WETH",
		sdkmath.NewInt(100), sdkmath.NewInt(10), []byte(`{"target":"0x1"}`))
	require.NoError(t, err)

	job, err = orch.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), job.SwappedAmount.Int64())
}

func TestExecuteSwapSlippageRollsBack(t *testing.T) {
	orch, _, _, executor, _ := newTestOrchestrator(t)
	jobID := createTestJob(t, orch, 1000)
	require.NoError(t, orch.RecordReceipt(testOperator, jobID, "1", "WBTC", sdkmath.NewInt(1000)))

	executor.swapAsset = "USDC"
	executor.swapDelta = sdkmath.NewInt(940)

	_, err := orch.ExecuteSwap(context.Background(), testOperator, jobID, "WBTC",
		sdkmath.NewInt(1000), sdkmath.NewInt(950), []byte(`{"target":"0x1"}`))
	assert.ErrorIs(t, err, ErrSlippage)

	job, err := orch.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusReceiving, job.Status, "job stays in its prior state for retry")
	assert.True(t, job.SwappedAmount.IsZero())
}

func TestExecuteSwapRejectsTargetAsset(t *testing.T) {
	orch, _, _, _, _ := newTestOrchestrator(t)
	jobID := createTestJob(t, orch, 1000)
	require.NoError(t, orch.RecordReceipt(testOperator, jobID, "1", "USDC", sdkmath.NewInt(1000)))

	_, err := orch.ExecuteSwap(context.Background(), testOperator, jobID, "USDC",
		sdkmath.NewInt(1000), sdkmath.NewInt(950), []byte(`{"target":"0x1"}`))
	assert.ErrorIs(t, err, ErrInvalidAsset)
}

func TestSettleUsesSwappedAmountWhenPresent(t *testing.T) {
	orch, _, _, executor, _ := newTestOrchestrator(t)
	jobID := createTestJob(t, orch, 1000)
	require.NoError(t, orch.RecordReceipt(testOperator, jobID, "1", "WBTC", sdkmath.NewInt(1000)))

	executor.swapAsset = "USDC"
	executor.swapDelta = sdkmath.NewInt(500)
	_, err := orch.ExecuteSwap(context.Background(), testOperator, jobID, "WBTC",
		sdkmath.NewInt(1000), sdkmath.NewInt(400), []byte(`{"x":1}`))
	require.NoError(t, err)

	// fee = 500*120/10000 = 6, net = 500-6-4 = 490
	job, err := orch.Settle(context.Background(), testOperator, jobID, sdkmath.NewInt(4))
	require.NoError(t, err)
	assert.Equal(t, int64(490), job.NetAmount.Int64())
}

func TestRefundOnlyFromFailed(t *testing.T) {
	orch, _, _, _, treasury := newTestOrchestrator(t)
	jobID := createTestJob(t, orch, 100)
	require.NoError(t, orch.RecordReceipt(testOperator, jobID, "1", "USDC", sdkmath.NewInt(5)))

	// refund before failure is rejected
	_, err := orch.Refund(context.Background(), testOperator, jobID)
	assert.ErrorIs(t, err, ErrWrongState)

	_, err = orch.Settle(context.Background(), testOperator, jobID, sdkmath.ZeroInt())
	require.NoError(t, err)

	job, err := orch.Refund(context.Background(), testOperator, jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, job.Status)

	// full residual, no fee deduction
	require.Len(t, treasury.transfers, 1)
	assert.Equal(t, int64(5), treasury.transfers[0].net.Int64())
	assert.Equal(t, testUser, treasury.transfers[0].user)

	// exactly one refund
	_, err = orch.Refund(context.Background(), testOperator, jobID)
	assert.ErrorIs(t, err, ErrWrongState)
	assert.Len(t, treasury.transfers, 1)
}

func TestSettleMarksGasRecovered(t *testing.T) {
	orch, store, ledger, _, _ := newTestOrchestrator(t)
	jobID := createTestJob(t, orch, 100)
	require.NoError(t, orch.RecordReceipt(testOperator, jobID, "1", "USDC", sdkmath.NewInt(105)))

	require.NoError(t, ledger.CreditPool(testOperator, sdkmath.NewInt(100000)))
	_, err := ledger.Sponsor(testOperator, testUser, jobID, sdkmath.NewInt(1000), decimal.RequireFromString("2000"))
	require.NoError(t, err)

	_, err = orch.Settle(context.Background(), testOperator, jobID, sdkmath.NewInt(2))
	require.NoError(t, err)

	rec, err := store.GetGasRecord(jobID)
	require.NoError(t, err)
	assert.True(t, rec.Recovered)

	// the ledger refuses a second recovery
	err = ledger.MarkRecovered(testOperator, jobID)
	assert.ErrorIs(t, err, ErrAlreadyRecovered)
}

func TestConcurrentSettleOnlyOneWins(t *testing.T) {
	orch, _, _, _, treasury := newTestOrchestrator(t)
	jobID := createTestJob(t, orch, 100)
	require.NoError(t, orch.RecordReceipt(testOperator, jobID, "1", "USDC", sdkmath.NewInt(105)))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = orch.Settle(context.Background(), testOperator, jobID, sdkmath.NewInt(2))
		}(i)
	}
	wg.Wait()

	var okCount int
	for _, err := range errs {
		if err == nil {
			okCount++
		} else {
			assert.ErrorIs(t, err, ErrWrongState)
		}
	}
	assert.Equal(t, 1, okCount)
	assert.Len(t, treasury.payouts, 1)
}
