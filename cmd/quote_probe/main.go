package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dustpan/consolidator/aggregator"
	"github.com/dustpan/consolidator/consolidator"
)

// quote_probe queries the configured sources for one pair and prints the
// ranked candidate set. Useful when checking source wiring before pointing
// the orchestrator at it.
func main() {
	configPath := flag.String("config", "config.toml", "Path to the config file")
	chain := flag.String("chain", "", "Chain id")
	sellAsset := flag.String("sell", "", "Sell asset address")
	buyAsset := flag.String("buy", "", "Buy asset address")
	sellAmount := flag.String("amount", "", "Sell amount in base units")
	timeoutSec := flag.Int("timeout", 15, "Overall timeout in seconds")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if *chain == "" || *sellAsset == "" || *buyAsset == "" || *sellAmount == "" {
		log.Fatal().Msg("chain, sell, buy and amount are required")
	}
	amount, ok := sdkmath.NewIntFromString(*sellAmount)
	if !ok {
		log.Fatal().Str("amount", *sellAmount).Msg("invalid sell amount")
	}

	cfg := consolidator.MustLoadConfig(*configPath)

	sources := make([]aggregator.Source, 0, len(cfg.Quotes.Sources))
	for _, sc := range cfg.Quotes.Sources {
		src, err := aggregator.NewSource(sc)
		if err != nil {
			log.Fatal().Err(err).Str("source", sc.Name).Send()
		}
		sources = append(sources, src)
	}
	agg := aggregator.NewAggregator(&log.Logger, cfg.ServiceFeeBps, cfg.Quotes.DefaultSource, sources...)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(*timeoutSec)*time.Second)
	defer cancel()

	best, err := agg.BestQuote(ctx, aggregator.QuoteRequest{
		Chain:      *chain,
		SellAsset:  *sellAsset,
		BuyAsset:   *buyAsset,
		SellAmount: amount,
	})
	if err == aggregator.ErrNoQuote {
		log.Warn().Msg("no source returned a quote for this pair")
		return
	}
	if err != nil {
		log.Fatal().Err(err).Msg("quote aggregation failed")
	}

	out, err := json.MarshalIndent(best, "", "  ")
	if err != nil {
		log.Fatal().Err(err).Send()
	}
	os.Stdout.Write(out)
	os.Stdout.Write([]byte("\n"))
}
