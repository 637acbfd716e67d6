package aggregator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const defaultOverallTimeout = 10 * time.Second

// Aggregator fans a swap request out to every configured source, ranks the
// answers net of each source's own fee and returns the best executable route.
// It is a pure read with respect to system state.
type Aggregator struct {
	sources       []Source // priority order, used for tie-breaking
	serviceFeeBps int64
	defaultSource string
	timeout       time.Duration
	logger        *zerolog.Logger
}

func NewAggregator(logger *zerolog.Logger, serviceFeeBps int64, defaultSource string, sources ...Source) *Aggregator {
	return &Aggregator{
		sources:       sources,
		serviceFeeBps: serviceFeeBps,
		defaultSource: defaultSource,
		timeout:       defaultOverallTimeout,
		logger:        logger,
	}
}

// SetTimeout bounds the whole fan-out; sources still pending when it expires
// are treated as failed for that call.
func (a *Aggregator) SetTimeout(d time.Duration) {
	if d > 0 {
		a.timeout = d
	}
}

// BestQuote queries every source in parallel. A source failing -- network
// error, bad status, malformed payload, unsupported pair -- is absorbed as
// "no quote from that source" and never fails the aggregate call. ErrNoQuote
// is returned only when every source comes up empty.
func (a *Aggregator) BestQuote(ctx context.Context, req QuoteRequest) (*BestQuote, error) {
	if !req.SellAmount.IsPositive() {
		return nil, fmt.Errorf("sell amount must be positive, got %s", req.SellAmount)
	}
	if len(a.sources) == 0 {
		return nil, ErrNoQuote
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	// One slot per source keeps candidates in priority order without a lock.
	results := make([]*AggregatorQuote, len(a.sources))

	var g errgroup.Group
	for i, src := range a.sources {
		i, src := i, src
		g.Go(func() error {
			quote, err := src.FetchQuote(ctx, req)
			if err != nil {
				a.logger.Debug().Err(err).
					Str("source", src.Name()).
					Str("sell_asset", req.SellAsset).
					Str("buy_asset", req.BuyAsset).
					Msg("source returned no quote")
				return nil
			}
			results[i] = quote
			return nil
		})
	}
	_ = g.Wait()

	candidates := make([]*AggregatorQuote, 0, len(results))
	for _, q := range results {
		if q != nil {
			candidates = append(candidates, q)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoQuote
	}

	// Stable sort: equal net outputs keep the configured priority order.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].NetOutput.GT(candidates[j].NetOutput)
	})

	best := candidates[0]
	a.logger.Info().
		Str("source", best.Source).
		Str("gross_output", best.GrossOutput.String()).
		Str("net_output", best.NetOutput.String()).
		Int("candidates", len(candidates)).
		Msg("best quote selected")

	return &BestQuote{
		Best:              best,
		Candidates:        candidates,
		OperatorMarginBps: a.serviceFeeBps - best.FeeBps,
	}, nil
}

// ExecutionPayload materializes the calldata for a chosen quote. Passthrough
// when the quote already embeds it, otherwise the source's second round trip.
func (a *Aggregator) ExecutionPayload(ctx context.Context, req QuoteRequest, quote *AggregatorQuote) ([]byte, error) {
	if len(quote.Payload) > 0 {
		return quote.Payload, nil
	}
	src := a.sourceByName(quote.Source)
	if src == nil {
		return nil, fmt.Errorf("%w: unknown source %q", ErrNoPayload, quote.Source)
	}
	return src.FetchExecutionPayload(ctx, req, quote)
}

// ResolvePayload walks the ranked candidates until one yields calldata,
// finally falling back to the designated default source with a fresh quote.
func (a *Aggregator) ResolvePayload(ctx context.Context, req QuoteRequest, candidates []*AggregatorQuote) (*AggregatorQuote, []byte, error) {
	for _, q := range candidates {
		payload, err := a.ExecutionPayload(ctx, req, q)
		if err != nil {
			a.logger.Warn().Err(err).Str("source", q.Source).Msg("payload unavailable, trying next candidate")
			continue
		}
		return q, payload, nil
	}

	src := a.sourceByName(a.defaultSource)
	if src == nil {
		return nil, nil, ErrNoPayload
	}
	quote, err := src.FetchQuote(ctx, req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: default source %s: %s", ErrNoPayload, a.defaultSource, err)
	}
	payload, err := src.FetchExecutionPayload(ctx, req, quote)
	if err != nil {
		return nil, nil, err
	}
	return quote, payload, nil
}

func (a *Aggregator) sourceByName(name string) Source {
	for _, src := range a.sources {
		if src.Name() == name {
			return src
		}
	}
	return nil
}

// NewSource builds the adapter matching a configured provider kind.
func NewSource(cfg SourceConfig) (Source, error) {
	switch cfg.Kind {
	case "zeroex":
		return NewZeroExSource(cfg), nil
	case "openocean":
		return NewOpenOceanSource(cfg), nil
	case "oneinch":
		return NewOneInchSource(cfg), nil
	default:
		return nil, fmt.Errorf("unknown quote source kind: %s", cfg.Kind)
	}
}
