package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dustpan/consolidator/aggregator"
	"github.com/dustpan/consolidator/consolidator"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	logLevel := flag.String("log-level", "INFO", "Set the logging level")
	logFormat := flag.String("log-format", "json", "Set the log output format")
	configPath := flag.String("config", "config.toml", "Path to the config file")
	dbPath := flag.String("db", "", "Path to the db file (overrides config)")
	flag.Parse()

	// Set up logging
	if *logFormat == "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		output.FormatLevel = func(i interface{}) string {
			return strings.ToUpper(fmt.Sprintf("| %-6s|", i))
		}
		output.FormatMessage = func(i interface{}) string {
			return fmt.Sprintf("message: %s", i)
		}
		log.Logger = log.Output(output)
	}

	switch strings.TrimSpace(strings.ToUpper(*logLevel)) {
	case "DEBUG":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "INFO":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "WARN":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "ERROR":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	cfg := consolidator.MustLoadConfig(*configPath)
	if *dbPath != "" {
		cfg.DbPath = *dbPath
	}
	if cfg.DbPath == "" {
		cfg.DbPath = "consolidator.db"
	}

	db, err := sql.Open("sqlite3", cfg.DbPath)
	if err != nil {
		log.Fatal().Err(err).Send()
	}
	defer db.Close()

	store := consolidator.NewStore(db)

	limits, err := cfg.SponsorshipLimits()
	if err != nil {
		log.Fatal().Err(err).Send()
	}
	ledger := consolidator.NewLedger(store, limits, cfg.OperatorSet(), cfg.Sponsorship, &log.Logger)

	sources := make([]aggregator.Source, 0, len(cfg.Quotes.Sources))
	for _, sc := range cfg.Quotes.Sources {
		src, err := aggregator.NewSource(sc)
		if err != nil {
			log.Fatal().Err(err).Str("source", sc.Name).Send()
		}
		sources = append(sources, src)
	}
	agg := aggregator.NewAggregator(&log.Logger, cfg.ServiceFeeBps, cfg.Quotes.DefaultSource, sources...)
	if cfg.Quotes.TimeoutMs > 0 {
		agg.SetTimeout(time.Duration(cfg.Quotes.TimeoutMs) * time.Millisecond)
	}

	signer := consolidator.NewSignerClient(cfg.SignerUrl, cfg.SignerKey)
	orch, err := consolidator.NewOrchestrator(store, ledger, agg, signer, signer, cfg, &log.Logger)
	if err != nil {
		log.Fatal().Err(err).Send()
	}
	gateway := consolidator.NewGateway(orch, cfg, &log.Logger)
	estimator, err := consolidator.NewEstimator(cfg)
	if err != nil {
		log.Fatal().Err(err).Send()
	}

	feed := consolidator.NewCoinGeckoFeed("")
	server := consolidator.NewServer(orch, gateway, ledger, agg, estimator, store, feed, cfg, &log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Info().Msg("shutdown signal received")
		cancel()
	}()

	log.Info().Str("addr", *addr).Int("quote_sources", len(sources)).Msg("consolidator started")
	if err := server.RunWithContext(ctx, *addr); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
	log.Info().Msg("consolidator stopped")
}
