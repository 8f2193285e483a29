package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/fzheng/hivemind-sub000/config"
	"github.com/fzheng/hivemind-sub000/internal/consensus"
	"github.com/fzheng/hivemind-sub000/internal/correlation"
	"github.com/fzheng/hivemind-sub000/internal/cost"
	"github.com/fzheng/hivemind-sub000/internal/database"
	"github.com/fzheng/hivemind-sub000/internal/decision"
	"github.com/fzheng/hivemind-sub000/internal/exchange"
	"github.com/fzheng/hivemind-sub000/internal/executor"
	"github.com/fzheng/hivemind-sub000/internal/feed"
	"github.com/fzheng/hivemind-sub000/internal/regime"
	"github.com/fzheng/hivemind-sub000/internal/risk"
	"github.com/fzheng/hivemind-sub000/internal/sizing"
	"github.com/fzheng/hivemind-sub000/internal/stops"
)

const defaultHoldHours = 8.0

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		println("failed to load configuration:", err.Error())
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	logger.Info().Msg("starting hivemind decision core")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewDB(cfg.Database, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	bus, err := feed.New(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}
	defer bus.Close()

	// Venue adapters share one mid-price cache so consensus evaluation and
	// stop polling read the same marks.
	cache := exchange.NewMarketDataCache()
	manager := exchange.NewManager(db, cfg.Venues.Testnet, logger)
	if cfg.Venues.VenueEnabled(exchange.VenueHyperliquid) {
		manager.Register(exchange.NewHyperliquidAdapter(cfg.Hyperliquid, cache, logger), cfg.Venues.RateDelay(exchange.VenueHyperliquid))
	}
	if cfg.Venues.VenueEnabled(exchange.VenueBybit) {
		manager.Register(exchange.NewBybitAdapter(cfg.Bybit, cache, logger), cfg.Venues.RateDelay(exchange.VenueBybit))
	}
	if cfg.Venues.VenueEnabled(exchange.VenueAster) {
		manager.Register(exchange.NewAsterAdapter(cfg.Aster, cache, logger), cfg.Venues.RateDelay(exchange.VenueAster))
	}
	if err := manager.ConnectAll(ctx); err != nil {
		logger.Fatal().Err(err).Msg("no venue connected")
	}
	defer manager.DisconnectAll(context.Background())

	venues := manager.Venues()
	referenceVenue := cfg.Execution.DefaultVenue
	if len(venues) > 0 && !cfg.Venues.VenueEnabled(referenceVenue) {
		referenceVenue = venues[0]
	}

	adapters := make(map[exchange.Venue]exchange.Adapter, len(venues))
	atrProviders := make(map[exchange.Venue]*cost.ATRProvider, len(venues))
	books := make(map[exchange.Venue]cost.BookSource, len(venues))
	fundingSources := make(map[exchange.Venue]cost.FundingSource, len(venues))
	candleSources := make(map[exchange.Venue]regime.CandleSource, len(venues))
	for _, v := range venues {
		a, err := manager.Get(v)
		if err != nil {
			continue
		}
		adapters[v] = a
		atrProviders[v] = cost.NewATRProvider(v, a, db, cfg.ATR, logger)
		books[v] = a
		fundingSources[v] = a
		candleSources[v] = a
	}

	atrMgr := cost.NewATRManager(atrProviders, referenceVenue, logger)
	costs := consensus.CostModel{
		Fees:     cost.NewFeeProvider(adapters, logger),
		Slippage: cost.NewSlippageProvider(books, logger),
		Funding:  cost.NewFundingProvider(fundingSources, logger),
		Hold:     cost.NewHoldTimeEstimator(db, defaultHoldHours, logger),
	}
	regimes := regime.NewDetector(candleSources, logger)

	correlations := correlation.NewProvider(db, cfg.Correlation, referenceVenue, logger)
	for _, symbol := range cfg.Consensus.Symbols {
		if err := correlations.Load(ctx, symbol, true); err != nil {
			logger.Warn().Err(err).Str("symbol", symbol).Msg("correlation load failed, using defaults")
		}
	}

	decisions := decision.NewLogger(db, logger)
	sizer := sizing.NewSizer(cfg.Kelly, db, logger)
	governor := risk.NewGovernor(ctx, cfg.Risk, db, logger)

	sink := &outcomeFanout{decisions: decisions, governor: governor, bus: bus, log: logger}
	stopMgr := stops.NewManager(cfg.Stops, manager, db, sink, logger)
	if err := stopMgr.Load(ctx); err != nil {
		logger.Error().Err(err).Msg("active stop restore failed")
	}

	exec := executor.New(cfg.Execution, manager, governor, sizer, costs, regimes, decisions, db, stopMgr, logger)

	detector := consensus.NewDetector(cfg.Consensus, cache, atrMgr, costs, regimes, correlations, sizer, decisions, logger)
	detector.SetPublisher(bus)
	detector.SetSignalHandler(exec.HandleSignal)

	go stopMgr.Run(ctx)
	go manager.RunHealthLoop(ctx, time.Duration(cfg.Venues.HealthCheckIntervalSec)*time.Second)
	go serveMetrics(ctx, db, logger)
	go func() {
		if err := bus.ConsumeFills(ctx, detector.OnFill); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("fill consumer stopped")
			stop()
		}
	}()
	go func() {
		err := bus.ConsumeScores(ctx, func(ctx context.Context, s feed.Score) {
			detector.SetTraderScore(s.Trader, s.Score)
		})
		if err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("score consumer stopped")
		}
	}()

	logger.Info().
		Int("venues", len(venues)).
		Strs("symbols", cfg.Consensus.Symbols).
		Bool("real_execution", cfg.Execution.RealExecutionEnabled).
		Msg("decision core running")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.JSONFormat {
		logger = zerolog.New(os.Stdout)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Logger()
}

// outcomeFanout is the closed-position fanout: audit record, loss-streak
// accounting, then the outcome channel for downstream scorers.
type outcomeFanout struct {
	decisions *decision.Logger
	governor  *risk.Governor
	bus       *feed.Feed
	log       zerolog.Logger
}

func (o *outcomeFanout) PositionClosed(ctx context.Context, decisionID int64, pnl, rMultiple float64) {
	if err := o.decisions.UpdateOutcome(ctx, decisionID, pnl, rMultiple); err != nil {
		o.log.Error().Err(err).Int64("decision_id", decisionID).Msg("outcome update failed")
	}
	o.governor.RecordTradeResult(pnl)
	if err := o.bus.PublishOutcome(ctx, feed.Outcome{
		DecisionID: decisionID,
		PnL:        pnl,
		RMultiple:  rMultiple,
		ClosedAt:   time.Now().UTC(),
	}); err != nil {
		o.log.Warn().Err(err).Int64("decision_id", decisionID).Msg("outcome publish failed")
	}
}

func serveMetrics(ctx context.Context, db *database.DB, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.HealthCheck(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	addr := ":9090"
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		addr = v
	}
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server failed")
	}
}
