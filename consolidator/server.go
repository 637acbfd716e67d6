package consolidator

import (
	"context"
	"errors"
	"net/http"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dustpan/consolidator/aggregator"
)

const operatorHeader = "X-Operator-Key"

// Server exposes the job lifecycle, quote and admin operations to the
// external operator service.
type Server struct {
	orch      *Orchestrator
	gateway   *Gateway
	ledger    *Ledger
	agg       *aggregator.Aggregator
	estimator *Estimator
	store     *Store
	feed      PriceFeed
	operators map[string]bool
	logger    *zerolog.Logger
}

func NewServer(orch *Orchestrator, gateway *Gateway, ledger *Ledger, agg *aggregator.Aggregator, estimator *Estimator, store *Store, feed PriceFeed, cfg *Config, logger *zerolog.Logger) *Server {
	return &Server{
		orch:      orch,
		gateway:   gateway,
		ledger:    ledger,
		agg:       agg,
		estimator: estimator,
		store:     store,
		feed:      feed,
		operators: cfg.OperatorSet(),
		logger:    logger,
	}
}

func (s *Server) router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	// Read-only routes
	router.GET("/jobs/:id", s.getJob)
	router.GET("/jobs", s.getJobsByUser)
	router.GET("/quotes/best", s.getBestQuote)
	router.POST("/estimate", s.postEstimate)
	router.GET("/stats/jobs", s.getJobStats)
	router.GET("/stats/sponsorship", s.getSponsorshipStats)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Mutating routes require a recognized operator identity
	ops := router.Group("/", s.requireOperator)
	ops.POST("/jobs", s.createJob)
	ops.POST("/jobs/:id/receipts", s.recordReceipt)
	ops.POST("/jobs/:id/plan-swap", s.planSwap)
	ops.POST("/jobs/:id/swap", s.executeSwap)
	ops.POST("/jobs/:id/settle", s.settleJob)
	ops.POST("/jobs/:id/refund", s.refundJob)
	ops.POST("/gateway/inbound", s.inboundMessage)
	ops.POST("/sponsorships", s.sponsorGas)
	ops.POST("/admin/limits", s.setLimits)
	ops.POST("/admin/pool/credit", s.creditPool)
	ops.POST("/admin/pool/debit", s.debitPool)
	ops.POST("/admin/trusted-senders", s.setTrustedSender)

	return router
}

func (s *Server) RunWithContext(ctx context.Context, addr string) error {
	gin.SetMode(gin.ReleaseMode)

	srv := &http.Server{
		Addr:    addr,
		Handler: s.router(),
	}

	// Graceful server shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error().Err(err).Msg("server shutdown error")
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// requireOperator rejects requests whose operator header is not in the
// configured identity set before any component is called.
func (s *Server) requireOperator(c *gin.Context) {
	operator := c.GetHeader(operatorHeader)
	if operator == "" || !s.operators[operator] {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "operator not authorized"})
		return
	}
	c.Set("operator", operator)
	c.Next()
}

func (s *Server) operator(c *gin.Context) string {
	return c.GetString("operator")
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrUnknownJob), errors.Is(err, ErrNoGasRecord):
		return http.StatusNotFound
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrAlreadyRecovered):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func respondError(c *gin.Context, err error) {
	c.JSON(statusForError(err), gin.H{"error": err.Error()})
}

func parseAmountParam(s string) (sdkmath.Int, bool) {
	v, ok := sdkmath.NewIntFromString(s)
	if !ok {
		return sdkmath.ZeroInt(), false
	}
	return v, true
}

type createJobRequest struct {
	User           string   `json:"user" binding:"required"`
	TargetAsset    string   `json:"target_asset" binding:"required"`
	ExpectedAmount string   `json:"expected_amount" binding:"required"`
	SourceChains   []string `json:"source_chains" binding:"required"`
}

func (s *Server) createJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	expected, ok := parseAmountParam(req.ExpectedAmount)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid expected_amount"})
		return
	}

	jobID, err := s.orch.CreateJob(s.operator(c), req.User, req.TargetAsset, expected, req.SourceChains)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"job_id": jobID})
}

type receiptRequest struct {
	SourceChain string `json:"source_chain" binding:"required"`
	Asset       string `json:"asset" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
}

func (s *Server) recordReceipt(c *gin.Context) {
	var req receiptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, ok := parseAmountParam(req.Amount)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	if err := s.orch.RecordReceipt(s.operator(c), c.Param("id"), req.SourceChain, req.Asset, amount); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "recorded"})
}

type planSwapRequest struct {
	Chain     string `json:"chain" binding:"required"`
	FromAsset string `json:"from_asset" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
}

// planSwap asks the aggregator for the best executable route to the job's
// target asset. The returned payload feeds the swap endpoint unchanged.
func (s *Server) planSwap(c *gin.Context) {
	var req planSwapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, ok := parseAmountParam(req.Amount)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	quote, payload, err := s.orch.PlanSwap(c.Request.Context(), s.operator(c), c.Param("id"), req.Chain, req.FromAsset, amount)
	if errors.Is(err, aggregator.ErrNoQuote) {
		// expected outcome: nothing can route this pair right now
		c.JSON(http.StatusOK, gin.H{"quote": nil})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quote": quote, "payload": payload})
}

type swapRequest struct {
	FromAsset string `json:"from_asset" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
	MinOutput string `json:"min_output" binding:"required"`
	Payload   []byte `json:"payload" binding:"required"`
}

func (s *Server) executeSwap(c *gin.Context) {
	var req swapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, ok := parseAmountParam(req.Amount)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}
	minOutput, ok := parseAmountParam(req.MinOutput)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid min_output"})
		return
	}

	amountOut, err := s.orch.ExecuteSwap(c.Request.Context(), s.operator(c), c.Param("id"), req.FromAsset, amount, minOutput, req.Payload)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"amount_out": amountOut.String()})
}

type settleRequest struct {
	GasCost string `json:"gas_cost"`
}

func (s *Server) settleJob(c *gin.Context) {
	var req settleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var gasCost sdkmath.Int
	if req.GasCost != "" {
		var ok bool
		gasCost, ok = parseAmountParam(req.GasCost)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid gas_cost"})
			return
		}
	} else {
		// default to the ledger's recorded sponsorship cost for the job
		var err error
		gasCost, err = s.ledger.AccruedCost(c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
	}

	job, err := s.orch.Settle(c.Request.Context(), s.operator(c), c.Param("id"), gasCost)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (s *Server) refundJob(c *gin.Context) {
	job, err := s.orch.Refund(c.Request.Context(), s.operator(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (s *Server) getJob(c *gin.Context) {
	job, err := s.orch.GetJob(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (s *Server) getJobsByUser(c *gin.Context) {
	user := c.Query("user")
	if user == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user is required"})
		return
	}
	jobs, err := s.orch.JobsByUser(user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get jobs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (s *Server) getBestQuote(c *gin.Context) {
	amount, ok := parseAmountParam(c.Query("sell_amount"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sell_amount"})
		return
	}
	req := aggregator.QuoteRequest{
		Chain:      c.Query("chain"),
		SellAsset:  c.Query("sell_asset"),
		BuyAsset:   c.Query("buy_asset"),
		SellAmount: amount,
		Taker:      c.Query("taker"),
	}
	if req.Chain == "" || req.SellAsset == "" || req.BuyAsset == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "chain, sell_asset and buy_asset are required"})
		return
	}

	best, err := s.agg.BestQuote(c.Request.Context(), req)
	if errors.Is(err, aggregator.ErrNoQuote) {
		// expected outcome: the pair cannot be swapped right now
		c.JSON(http.StatusOK, gin.H{"best": nil, "candidates": []any{}})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, best)
}

type estimateRequest struct {
	TotalRecoverable string `json:"total_recoverable" binding:"required"`
	TotalGasEstimate string `json:"total_gas_estimate"`
	ChainCount       int64  `json:"chain_count"`
	TargetAsset      string `json:"target_asset" binding:"required"`
}

func (s *Server) postEstimate(c *gin.Context) {
	var req estimateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	recoverable, ok := parseAmountParam(req.TotalRecoverable)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid total_recoverable"})
		return
	}
	gas := sdkmath.ZeroInt()
	if req.TotalGasEstimate != "" {
		gas, ok = parseAmountParam(req.TotalGasEstimate)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid total_gas_estimate"})
			return
		}
	}

	estimate, err := s.estimator.Estimate(ScanSummary{
		TotalRecoverable: recoverable,
		TotalGasEstimate: gas,
		ChainCount:       req.ChainCount,
	}, req.TargetAsset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, estimate)
}

type inboundRequest struct {
	SourceChain string `json:"source_chain" binding:"required"`
	Sender      string `json:"sender" binding:"required"`
	Payload     []byte `json:"payload" binding:"required"`
}

func (s *Server) inboundMessage(c *gin.Context) {
	var req inboundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.gateway.HandleInbound(req.SourceChain, req.Sender, req.Payload); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

type sponsorRequest struct {
	User     string `json:"user" binding:"required"`
	JobID    string `json:"job_id" binding:"required"`
	GasValue string `json:"gas_value" binding:"required"`
	// PriceBasis overrides the live feed; Chain selects the feed's native
	// asset when no override is given.
	PriceBasis string `json:"price_basis"`
	Chain      string `json:"chain"`
}

func (s *Server) sponsorGas(c *gin.Context) {
	var req sponsorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	gasValue, ok := parseAmountParam(req.GasValue)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid gas_value"})
		return
	}

	var priceBasis decimal.Decimal
	switch {
	case req.PriceBasis != "":
		var err error
		priceBasis, err = decimal.NewFromString(req.PriceBasis)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid price_basis"})
			return
		}
	case req.Chain != "" && s.feed != nil:
		var err error
		priceBasis, err = s.feed.NativeUSDPrice(c.Request.Context(), req.Chain)
		if err != nil {
			respondError(c, err)
			return
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "price_basis or chain is required"})
		return
	}

	cost, err := s.ledger.Sponsor(s.operator(c), req.User, req.JobID, gasValue, priceBasis)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cost_estimate": cost.String()})
}

type limitsRequest struct {
	PerUserCap     string `json:"per_user_cap" binding:"required"`
	PerJobCap      string `json:"per_job_cap" binding:"required"`
	MinIntervalSec int64  `json:"min_interval_sec"`
}

func (s *Server) setLimits(c *gin.Context) {
	var req limitsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	perUser, ok := parseAmountParam(req.PerUserCap)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid per_user_cap"})
		return
	}
	perJob, ok := parseAmountParam(req.PerJobCap)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid per_job_cap"})
		return
	}

	err := s.ledger.SetLimits(s.operator(c), SponsorshipLimits{
		PerUserCap:  perUser,
		PerJobCap:   perJob,
		MinInterval: time.Duration(req.MinIntervalSec) * time.Second,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

type poolRequest struct {
	Amount string `json:"amount" binding:"required"`
}

func (s *Server) creditPool(c *gin.Context) {
	s.adjustPool(c, s.ledger.CreditPool)
}

func (s *Server) debitPool(c *gin.Context) {
	s.adjustPool(c, s.ledger.DebitPool)
}

func (s *Server) adjustPool(c *gin.Context, adjust func(string, sdkmath.Int) error) {
	var req poolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, ok := parseAmountParam(req.Amount)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}
	if err := adjust(s.operator(c), amount); err != nil {
		respondError(c, err)
		return
	}
	balance, err := s.ledger.PoolBalance()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read pool balance"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pool_balance": balance.String()})
}

type trustedSenderRequest struct {
	Chain  string `json:"chain" binding:"required"`
	Sender string `json:"sender" binding:"required"`
}

func (s *Server) setTrustedSender(c *gin.Context) {
	var req trustedSenderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.gateway.SetTrustedSender(s.operator(c), req.Chain, req.Sender); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (s *Server) getJobStats(c *gin.Context) {
	stats, err := s.store.GetJobStats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get stats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": stats})
}

func (s *Server) getSponsorshipStats(c *gin.Context) {
	stats, err := s.store.GetSponsorshipSummary()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get stats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sponsorship": stats})
}
