// Command tradeloop runs the trading engine against a single broker
// gateway in paper, live or backtest mode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rsinha/tradeloop/internal/broker"
	"github.com/rsinha/tradeloop/internal/catalog"
	"github.com/rsinha/tradeloop/internal/config"
	"github.com/rsinha/tradeloop/internal/engine"
	"github.com/rsinha/tradeloop/internal/expiry"
	"github.com/rsinha/tradeloop/internal/fees"
	"github.com/rsinha/tradeloop/internal/market"
	"github.com/rsinha/tradeloop/internal/models"
	"github.com/rsinha/tradeloop/internal/orders"
	"github.com/rsinha/tradeloop/internal/ops"
	"github.com/rsinha/tradeloop/internal/portfolio"
	"github.com/rsinha/tradeloop/internal/quotes"
	"github.com/rsinha/tradeloop/internal/risk"
	sig "github.com/rsinha/tradeloop/internal/signal"
	"github.com/rsinha/tradeloop/internal/statestore"
)

// Exit codes.
const (
	exitOK             = 0
	exitStartupFailure = 1
	exitReconciliation = 2
	exitAuthFailure    = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// Credentials live in the environment; a .env file is a convenience
	// for local runs and is never required.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitStartupFailure
	}

	logger := newLogger(cfg.Environment.LogLevel)
	logger.Info().
		Str("mode", cfg.Environment.Mode).
		Str("config", *configPath).
		Msg("tradeloop starting")

	loc := cfg.Location()

	clock, err := market.NewClock(cfg.Schedule, loc)
	if err != nil {
		logger.Error().Err(err).Msg("market clock init failed")
		return exitStartupFailure
	}

	// Broker stack: REST client wrapped by the token-bucket rate
	// limiter, wrapped by the circuit breaker. Every component above
	// sees only the Broker interface.
	var brk broker.Broker = broker.NewKiteBroker(broker.KiteConfig{
		APIKey:      cfg.Broker.APIKey,
		AccessToken: cfg.Broker.AccessToken,
		BaseURL:     cfg.Broker.BaseURL,
	}, logger)
	brk = broker.NewRateLimitedBroker(brk, float64(cfg.Limits.RatePerSecond), cfg.Limits.RateBurst)
	brk = broker.NewCircuitBreakerBroker(brk, broker.CircuitBreakerSettings{
		FailureThreshold: uint32(cfg.Limits.CBFailureThreshold),
		OpenFor:          time.Duration(cfg.Limits.CBOpenSeconds) * time.Second,
	}, logger)

	cat := catalog.New(brk, nil, cfg.Broker.InstrumentsPath, loc, logger)
	resolver := expiry.NewResolver(cat, loc, logger)
	cache := quotes.New(brk, cfg.QuoteTTL(), cfg.Limits.QuoteCacheSize, logger)
	banList := risk.NewBanList(cfg.Risk.BanListURL, logger)

	feeModel, err := fees.New(cfg.Trading.FeeModel)
	if err != nil {
		logger.Error().Err(err).Msg("fee model init failed")
		return exitStartupFailure
	}

	initialCash, err := models.MoneyFromRupees(cfg.Trading.InitialCapital)
	if err != nil {
		logger.Error().Err(err).Msg("initial capital unparseable")
		return exitStartupFailure
	}
	pf := portfolio.New(initialCash, loc, logger)

	gate := risk.NewGate(risk.Params{
		RiskPctPerTrade: cfg.Risk.RiskPctPerTrade,
		MinRiskReward:   cfg.Risk.MinRiskReward,
		MaxSectorPct:    cfg.Risk.MaxSectorPct,
		AllowAveraging:  cfg.Risk.AllowAveraging,
	}, clock, banList, pf, cat, brk, feeModel, cfg.IsLive(), logger)

	executor := orders.NewExecutor(brk, pf, gate, cache, feeModel, cfg.IsLive(),
		cfg.OrderTimeout(), cfg.Trading.SlippageBps, logger)

	sizer := risk.NewSizer(risk.SizerParams{
		RiskPctPerTrade: cfg.Risk.RiskPctPerTrade,
		MaxPositionPct:  cfg.Risk.MaxPositionPct,
	})

	// Strategies register here; the engine ships none of its own. With
	// an empty set the aggregator never passes and the loop only
	// monitors existing positions.
	aggregator := sig.NewAggregator(nil, cfg.Trading.MinConfidence, cfg.Trading.MinAgreeing, logger)

	store := statestore.New(cfg.Storage.Path, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if code := restoreState(ctx, cfg, store, pf, executor, logger); code != exitOK {
		return code
	}

	startupCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	if err := cat.Refresh(startupCtx); err != nil && !cat.Ready() {
		cancel()
		logger.Error().Err(err).Msg("instruments catalog unavailable, refusing to trade")
		if errors.Is(err, broker.ErrTokenExpired) {
			return exitAuthFailure
		}
		return exitStartupFailure
	}
	if err := banList.Refresh(startupCtx); err != nil {
		logger.Warn().Err(err).Msg("initial ban list fetch failed, starting with empty list")
	}
	cancel()

	eng := engine.New(engine.Deps{
		Config:     cfg,
		Clock:      clock,
		Catalog:    cat,
		Portfolio:  pf,
		Quotes:     cache,
		Executor:   executor,
		Aggregator: aggregator,
		Sizer:      sizer,
		BanList:    banList,
		Resolver:   resolver,
		Store:      store,
		Logger:     logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })

	if cfg.Ops.ListenAddr != "" {
		opsSrv := ops.NewServer(cfg.Ops.ListenAddr, cfg.Environment.Mode, pf, clock, cat, logger)
		g.Go(func() error { return opsSrv.Run(gctx) })
	}

	if cfg.Broker.StreamingEnabled && cfg.IsLive() {
		ticker := broker.NewTicker(broker.TickerConfig{
			URL:         cfg.Broker.StreamingURL,
			APIKey:      cfg.Broker.APIKey,
			AccessToken: cfg.Broker.AccessToken,
		}, cat.All(), cache.Put, logger)
		g.Go(func() error { return ticker.Run(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("engine stopped with error")
		if models.IsKind(err, models.KindReconciliationRequired) {
			return exitReconciliation
		}
		return exitStartupFailure
	}

	logger.Info().Msg("tradeloop stopped")
	return exitOK
}

// restoreState loads the snapshot and, in live mode, reconciles orders
// left open by the previous run before any trading starts.
func restoreState(ctx context.Context, cfg *config.Config, store *statestore.Store, pf *portfolio.Portfolio, executor *orders.Executor, logger zerolog.Logger) int {
	if cfg.IsPaper() && cfg.Trading.PaperResetOnStart {
		if err := store.Reset(); err != nil {
			logger.Error().Err(err).Msg("paper state reset failed")
			return exitStartupFailure
		}
	}
	if !store.Exists() {
		logger.Info().Str("path", store.Path()).Msg("no prior state, starting fresh")
		return exitOK
	}

	state, err := store.Load()
	if err != nil {
		logger.Error().Err(err).Msg("state snapshot unusable, aborting startup")
		return exitStartupFailure
	}
	if err := pf.Restore(state.Portfolio); err != nil {
		logger.Error().Err(err).Msg("portfolio restore failed ledger validation, aborting startup")
		return exitStartupFailure
	}
	executor.RestoreOpenOrders(state.OpenOrders)

	// Paper snapshots are the sole source of truth; only live mode
	// reconciles against the broker.
	if cfg.IsLive() && len(state.OpenOrders) > 0 {
		rctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		unresolved, err := executor.ReconcileOpen(rctx)
		if err != nil {
			logger.Error().Err(err).Msg("startup reconciliation failed")
			if errors.Is(err, broker.ErrTokenExpired) {
				return exitAuthFailure
			}
			return exitReconciliation
		}
		if len(unresolved) > 0 {
			logger.Error().Int("orders", len(unresolved)).Msg("orders still unresolved after reconciliation")
			return exitReconciliation
		}
	}
	return exitOK
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
}
