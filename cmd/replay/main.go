package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/fzheng/hivemind-sub000/internal/backtest"
	"github.com/fzheng/hivemind-sub000/internal/consensus"
	"github.com/fzheng/hivemind-sub000/internal/cost"
	"github.com/fzheng/hivemind-sub000/internal/database"
	"github.com/fzheng/hivemind-sub000/internal/decision"
	"github.com/fzheng/hivemind-sub000/internal/exchange"
	"github.com/fzheng/hivemind-sub000/internal/regime"
)

// replay feeds a recorded fill file through the consensus detector with a
// pinned clock and reports how many signals the stream would have produced.
// No venue, database, or Redis connection is made.
func main() {
	fillsPath := flag.String("fills", "", "path to a JSON array of fills")
	defaultRho := flag.Float64("rho", 0.3, "pairwise correlation for unknown trader pairs")
	verbose := flag.Bool("v", false, "log every emitted signal")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(zerolog.InfoLevel).With().Timestamp().Logger()

	if *fillsPath == "" {
		logger.Fatal().Msg("-fills is required")
	}
	fills, err := loadFills(*fillsPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load fills")
	}
	if len(fills) == 0 {
		logger.Fatal().Msg("fill file is empty")
	}

	cfg := consensus.DefaultConfig()
	// Recorded streams carry no candle history, so ATR falls back to the
	// hardcoded stop table; strict mode would veto every window.
	cfg.StrictATR = false

	detector, replayer := buildPipeline(cfg, *defaultRho, fills[0].Timestamp, *verbose, logger)

	res, err := replayer.Run(context.Background(), fills)
	if err != nil {
		logger.Fatal().Err(err).Msg("replay failed")
	}
	_ = detector

	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(out))
}

func buildPipeline(cfg consensus.Config, defaultRho float64, start time.Time, verbose bool, logger zerolog.Logger) (*consensus.Detector, *backtest.Replayer) {
	cache := exchange.NewMarketDataCache()

	// Offline mocks back every provider; disconnected venues push the fee,
	// slippage and funding lookups onto their static tables.
	adapters := make(map[exchange.Venue]exchange.Adapter, len(cfg.Venues))
	atrProviders := make(map[exchange.Venue]*cost.ATRProvider, len(cfg.Venues))
	books := make(map[exchange.Venue]cost.BookSource, len(cfg.Venues))
	funding := make(map[exchange.Venue]cost.FundingSource, len(cfg.Venues))
	candles := make(map[exchange.Venue]regime.CandleSource, len(cfg.Venues))
	atrCfg := cost.DefaultATRConfig()
	atrCfg.StrictMode = false
	for _, v := range cfg.Venues {
		mock := exchange.NewMockAdapter(v)
		_ = mock.Disconnect(context.Background())
		adapters[v] = mock
		atrProviders[v] = cost.NewATRProvider(v, mock, zeroATRStore{}, atrCfg, logger)
		books[v] = mock
		funding[v] = mock
		candles[v] = mock
	}

	reference := cfg.Venues[0]
	costs := consensus.CostModel{
		Fees:     cost.NewFeeProvider(adapters, logger),
		Slippage: cost.NewSlippageProvider(books, logger),
		Funding:  cost.NewFundingProvider(funding, logger),
		Hold:     cost.NewHoldTimeEstimator(nil, 8, logger),
	}
	regimes := regime.NewDetector(candles, logger)

	rho := consensus.NewStaticRho(defaultRho)
	decisions := decision.NewLogger(discardRepo{}, logger)

	detector := consensus.NewDetector(cfg, cache, cost.NewATRManager(atrProviders, reference, logger), costs, regimes, rho, flatStats{}, decisions, logger)

	clock := backtest.NewClock(start)
	detector.SetNow(clock.Now)
	replayer := backtest.NewReplayer(detector, clock, logger)
	detector.SetSignalHandler(func(ctx context.Context, s *consensus.Signal) {
		replayer.CountSignal()
		if verbose {
			logger.Info().
				Str("symbol", s.Symbol).
				Str("direction", string(s.Direction)).
				Int("agreeing", s.NAgreeing).
				Float64("effective_k", s.EffectiveK).
				Float64("net_ev", s.NetEV).
				Msg("signal")
		}
	})
	return detector, replayer
}

func loadFills(path string) ([]consensus.Fill, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fills []consensus.Fill
	if err := json.Unmarshal(raw, &fills); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return fills, nil
}

// zeroATRStore reports no precomputed ATR rows.
type zeroATRStore struct{}

func (zeroATRStore) GetLatestATR(ctx context.Context, asset string) (float64, time.Time, error) {
	return 0, time.Time{}, nil
}

// flatStats yields symmetric 1R outcomes when no trader history exists.
type flatStats struct{}

func (flatStats) PooledWinLossR(ctx context.Context, addresses []string) (float64, float64) {
	return 1, 1
}

// discardRepo keeps replay off the database; row IDs stay zero.
type discardRepo struct{}

func (discardRepo) CreateDecisionLog(ctx context.Context, d *database.DecisionLog) error { return nil }
func (discardRepo) UpdateDecisionOutcome(ctx context.Context, decisionID int64, pnl, rMultiple float64, closedAt time.Time) error {
	return nil
}
func (discardRepo) ListDecisionLogs(ctx context.Context, f database.DecisionFilter, limit, offset int) ([]*database.DecisionLog, error) {
	return nil, nil
}
func (discardRepo) GetDecisionStats(ctx context.Context, days int) (*database.DecisionStats, error) {
	return nil, nil
}
