package consolidator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dustpan/consolidator/aggregator"
)

// stubSource satisfies aggregator.Source with canned answers. A set payloadErr
// forces the two-round-trip shape: the quote carries no calldata and the
// payload fetch fails.
type stubSource struct {
	name       string
	output     sdkmath.Int
	payloadErr error
}

func (s stubSource) Name() string  { return s.name }
func (s stubSource) FeeBps() int64 { return 0 }

func (s stubSource) FetchQuote(_ context.Context, req aggregator.QuoteRequest) (*aggregator.AggregatorQuote, error) {
	if s.output.IsNil() || s.output.IsZero() {
		return nil, aggregator.ErrNoQuote
	}
	quote := &aggregator.AggregatorQuote{
		Source:      s.name,
		GrossOutput: s.output,
		NetOutput:   s.output,
	}
	if s.payloadErr == nil {
		quote.Payload = []byte(`{"target":"0x1"}`)
	}
	return quote, nil
}

func (s stubSource) FetchExecutionPayload(_ context.Context, _ aggregator.QuoteRequest, q *aggregator.AggregatorQuote) ([]byte, error) {
	if s.payloadErr != nil {
		return nil, s.payloadErr
	}
	return q.Payload, nil
}

func stubQuote(n int64) stubSource {
	return stubSource{name: "stub", output: sdkmath.NewInt(n)}
}

// fakeFeed answers every chain with one fixed USD price.
type fakeFeed struct {
	price decimal.Decimal
}

func (f fakeFeed) NativeUSDPrice(_ context.Context, _ string) (decimal.Decimal, error) {
	return f.price, nil
}

func newTestServer(t *testing.T, sources ...aggregator.Source) (*gin.Engine, *Orchestrator) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := testConfig()
	store := newTestStore(t)
	limits, err := cfg.SponsorshipLimits()
	require.NoError(t, err)
	ledger := NewLedger(store, limits, cfg.OperatorSet(), cfg.Sponsorship, testLogger())

	agg := aggregator.NewAggregator(testLogger(), cfg.ServiceFeeBps, "stub", sources...)

	orch, err := NewOrchestrator(store, ledger, agg, newFakeExecutor(), &fakeTreasury{}, cfg, testLogger())
	require.NoError(t, err)
	gateway := NewGateway(orch, cfg, testLogger())
	estimator, err := NewEstimator(cfg)
	require.NoError(t, err)

	feed := fakeFeed{price: decimal.RequireFromString("2500")}
	srv := NewServer(orch, gateway, ledger, agg, estimator, store, feed, cfg, testLogger())
	return srv.router(), orch
}

func doJSON(t *testing.T, router *gin.Engine, method, path, operator string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if operator != "" {
		req.Header.Set(operatorHeader, operator)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestServerRejectsUnknownOperator(t *testing.T) {
	router, _ := newTestServer(t, stubQuote(1000))

	body := map[string]any{
		"user":            testUser,
		"target_asset":    "USDC",
		"expected_amount": "100",
		"source_chains":   []string{"1"},
	}
	w := doJSON(t, router, http.MethodPost, "/jobs", "", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, router, http.MethodPost, "/jobs", "rando", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestServerJobLifecycle(t *testing.T) {
	router, _ := newTestServer(t, stubQuote(1000))

	w := doJSON(t, router, http.MethodPost, "/jobs", testOperator, map[string]any{
		"user":            testUser,
		"target_asset":    "USDC",
		"expected_amount": "100",
		"source_chains":   []string{"1", "137"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var created struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.JobID)

	w = doJSON(t, router, http.MethodPost, "/jobs/"+created.JobID+"/receipts", testOperator, map[string]any{
		"source_chain": "1",
		"asset":        "USDC",
		"amount":       "105",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodPost, "/jobs/"+created.JobID+"/settle", testOperator, map[string]any{
		"gas_cost": "2",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/jobs/"+created.JobID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got struct {
		Job struct {
			Status    string `json:"status"`
			NetAmount string `json:"net_amount"`
		} `json:"job"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, string(StatusComplete), got.Job.Status)
	assert.Equal(t, "102", got.Job.NetAmount)
}

func TestServerPlanSwap(t *testing.T) {
	router, orch := newTestServer(t, stubQuote(950))
	jobID := createTestJob(t, orch, 1000)
	require.NoError(t, orch.RecordReceipt(testOperator, jobID, "1", "WBTC", sdkmath.NewInt(1000)))

	w := doJSON(t, router, http.MethodPost, "/jobs/"+jobID+"/plan-swap", testOperator, map[string]any{
		"chain":      "1",
		"from_asset": "WBTC",
		"amount":     "1000",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var got struct {
		Quote   *aggregator.AggregatorQuote `json:"quote"`
		Payload []byte                      `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.NotNil(t, got.Quote)
	assert.Equal(t, "stub", got.Quote.Source)
	assert.NotEmpty(t, got.Payload, "payload must be ready for the swap endpoint")
}

func TestServerPlanSwapNoRoute(t *testing.T) {
	router, orch := newTestServer(t, stubSource{name: "stub", output: sdkmath.ZeroInt()})
	jobID := createTestJob(t, orch, 1000)

	w := doJSON(t, router, http.MethodPost, "/jobs/"+jobID+"/plan-swap", testOperator, map[string]any{
		"chain":      "1",
		"from_asset": "WBTC",
		"amount":     "1000",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var got struct {
		Quote *aggregator.AggregatorQuote `json:"quote"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Nil(t, got.Quote)
}

func TestPlanSwapFallsThroughCandidates(t *testing.T) {
	// alpha ranks first but cannot materialize calldata; beta can
	alpha := stubSource{name: "alpha", output: sdkmath.NewInt(990), payloadErr: errors.New("route expired")}
	beta := stubSource{name: "beta", output: sdkmath.NewInt(980)}
	_, orch := newTestServer(t, alpha, beta)

	jobID := createTestJob(t, orch, 1000)
	require.NoError(t, orch.RecordReceipt(testOperator, jobID, "1", "WBTC", sdkmath.NewInt(1000)))

	quote, payload, err := orch.PlanSwap(context.Background(), testOperator, jobID, "1", "WBTC", sdkmath.NewInt(1000))
	require.NoError(t, err)
	assert.Equal(t, "beta", quote.Source)
	assert.NotEmpty(t, payload)
}

func TestServerSettleDefaultsGasCostFromLedger(t *testing.T) {
	router, orch := newTestServer(t, stubQuote(1000))
	jobID := createTestJob(t, orch, 100)
	require.NoError(t, orch.RecordReceipt(testOperator, jobID, "1", "USDC", sdkmath.NewInt(105)))

	w := doJSON(t, router, http.MethodPost, "/admin/pool/credit", testOperator, map[string]any{"amount": "100000"})
	require.Equal(t, http.StatusOK, w.Code)

	// 1000 native wei at this basis converts to 2 settlement units
	w = doJSON(t, router, http.MethodPost, "/sponsorships", testOperator, map[string]any{
		"user":        testUser,
		"job_id":      jobID,
		"gas_value":   "1000",
		"price_basis": "2000000000",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"cost_estimate":"2"}`, w.Body.String())

	// no gas_cost in the request: the ledger's recorded cost applies
	w = doJSON(t, router, http.MethodPost, "/jobs/"+jobID+"/settle", testOperator, map[string]any{})
	require.Equal(t, http.StatusOK, w.Code)

	job, err := orch.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, job.Status)
	assert.Equal(t, int64(2), job.GasCost.Int64())
	assert.Equal(t, int64(102), job.NetAmount.Int64())
}

func TestServerUnknownJobIs404(t *testing.T) {
	router, _ := newTestServer(t, stubQuote(1000))
	w := doJSON(t, router, http.MethodGet, "/jobs/no-such-job", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatusForErrorSeesWrappedSentinels(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusForError(fmt.Errorf("settle: %w", ErrUnknownJob)))
	assert.Equal(t, http.StatusConflict, statusForError(fmt.Errorf("recover: %w", ErrAlreadyRecovered)))
	assert.Equal(t, http.StatusTooManyRequests, statusForError(fmt.Errorf("sponsor: %w", ErrRateLimited)))
	assert.Equal(t, http.StatusUnauthorized, statusForError(fmt.Errorf("admin: %w", ErrUnauthorized)))
	assert.Equal(t, http.StatusBadRequest, statusForError(errors.New("anything else")))
}

func TestServerBestQuote(t *testing.T) {
	router, _ := newTestServer(t, stubQuote(1000))

	w := doJSON(t, router, http.MethodGet,
		"/quotes/best?chain=1&sell_asset=WBTC&buy_asset=USDC&sell_amount=500", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got aggregator.BestQuote
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.NotNil(t, got.Best)
	assert.Equal(t, "stub", got.Best.Source)
}

func TestServerBestQuoteNoLiquidityIsNotAnError(t *testing.T) {
	router, _ := newTestServer(t, stubSource{name: "stub", output: sdkmath.ZeroInt()})

	w := doJSON(t, router, http.MethodGet,
		"/quotes/best?chain=1&sell_asset=WBTC&buy_asset=USDC&sell_amount=500", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got struct {
		Best *aggregator.AggregatorQuote `json:"best"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Nil(t, got.Best)
}

func TestServerEstimate(t *testing.T) {
	router, _ := newTestServer(t, stubQuote(1000))

	w := doJSON(t, router, http.MethodPost, "/estimate", "", map[string]any{
		"total_recoverable":  "10000",
		"total_gas_estimate": "12",
		"chain_count":        3,
		"target_asset":       "USDC",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var got ConsolidationEstimate
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "9835", got.NetAmount.String())
	assert.True(t, got.WorthIt)
}

func TestServerGatewayInbound(t *testing.T) {
	router, orch := newTestServer(t, stubQuote(1000))
	jobID := createTestJob(t, orch, 100, "1")

	payload, err := EncodeMessage(ConsolidationMessage{JobID: jobID, Asset: "USDC", Amount: sdkmath.NewInt(42)})
	require.NoError(t, err)

	w := doJSON(t, router, http.MethodPost, "/gateway/inbound", testOperator, map[string]any{
		"source_chain": "1",
		"sender":       "0xbridge",
		"payload":      payload,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodPost, "/gateway/inbound", testOperator, map[string]any{
		"source_chain": "1",
		"sender":       "0xmallory",
		"payload":      payload,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServerPoolAdmin(t *testing.T) {
	router, _ := newTestServer(t, stubQuote(1000))

	w := doJSON(t, router, http.MethodPost, "/admin/pool/credit", testOperator, map[string]any{"amount": "5000"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"pool_balance":"5000"}`, w.Body.String())

	w = doJSON(t, router, http.MethodPost, "/admin/pool/debit", testOperator, map[string]any{"amount": "2000"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"pool_balance":"3000"}`, w.Body.String())

	w = doJSON(t, router, http.MethodPost, "/admin/pool/debit", testOperator, map[string]any{"amount": "999999"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServerSponsorship(t *testing.T) {
	router, orch := newTestServer(t, stubQuote(1000))
	jobID := createTestJob(t, orch, 100, "1")

	w := doJSON(t, router, http.MethodPost, "/admin/pool/credit", testOperator, map[string]any{"amount": "100000"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodPost, "/sponsorships", testOperator, map[string]any{
		"user":        testUser,
		"job_id":      jobID,
		"gas_value":   "1000",
		"price_basis": "2500",
	})
	require.Equal(t, http.StatusOK, w.Code)

	// immediate second request for the same user trips the interval limit
	w = doJSON(t, router, http.MethodPost, "/sponsorships", testOperator, map[string]any{
		"user":        testUser,
		"job_id":      "another-job",
		"gas_value":   "1000",
		"price_basis": "2500",
	})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestServerSponsorshipPricesFromFeed(t *testing.T) {
	router, orch := newTestServer(t, stubQuote(1000))
	jobID := createTestJob(t, orch, 100, "1")

	w := doJSON(t, router, http.MethodPost, "/admin/pool/credit", testOperator, map[string]any{"amount": "100000"})
	require.Equal(t, http.StatusOK, w.Code)

	// no price_basis: the configured feed supplies the chain's native price
	w = doJSON(t, router, http.MethodPost, "/sponsorships", testOperator, map[string]any{
		"user":      testUser,
		"job_id":    jobID,
		"gas_value": "1000",
		"chain":     "1",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "cost_estimate")

	// neither price_basis nor chain is a caller mistake
	w = doJSON(t, router, http.MethodPost, "/sponsorships", testOperator, map[string]any{
		"user":      "0xother",
		"job_id":    "job-x",
		"gas_value": "1000",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
