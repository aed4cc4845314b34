// Package engine runs the trading loop: quote refresh, position
// monitoring, exit checks, entry scanning and state persistence,
// coordinated across parallel workers.
package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rsinha/tradeloop/internal/catalog"
	"github.com/rsinha/tradeloop/internal/config"
	"github.com/rsinha/tradeloop/internal/expiry"
	"github.com/rsinha/tradeloop/internal/market"
	"github.com/rsinha/tradeloop/internal/models"
	"github.com/rsinha/tradeloop/internal/orders"
	"github.com/rsinha/tradeloop/internal/portfolio"
	"github.com/rsinha/tradeloop/internal/quotes"
	"github.com/rsinha/tradeloop/internal/risk"
	"github.com/rsinha/tradeloop/internal/signal"
	"github.com/rsinha/tradeloop/internal/statestore"
)

// Engine owns the trading loop and its workers.
type Engine struct {
	cfg        *config.Config
	clock      *market.Clock
	catalog    *catalog.Catalog
	pf         *portfolio.Portfolio
	cache      *quotes.Cache
	executor   *orders.Executor
	aggregator *signal.Aggregator
	sizer      *risk.Sizer
	banList    *risk.BanList
	resolver   *expiry.Resolver
	store      *statestore.Store

	loc    *time.Location
	logger zerolog.Logger
	now    func() time.Time

	// persistMu serializes persist between the tick loop and the
	// scheduler's end-of-day job.
	persistMu   sync.Mutex
	lastPersist time.Time

	// exitPending guards against re-submitting an exit for a position
	// whose exit order is already in flight this session.
	exitPending map[string]bool
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Config     *config.Config
	Clock      *market.Clock
	Catalog    *catalog.Catalog
	Portfolio  *portfolio.Portfolio
	Quotes     *quotes.Cache
	Executor   *orders.Executor
	Aggregator *signal.Aggregator
	Sizer      *risk.Sizer
	BanList    *risk.BanList
	Resolver   *expiry.Resolver
	Store      *statestore.Store
	Logger     zerolog.Logger
}

// New assembles the engine.
func New(d Deps) *Engine {
	return &Engine{
		cfg:         d.Config,
		clock:       d.Clock,
		catalog:     d.Catalog,
		pf:          d.Portfolio,
		cache:       d.Quotes,
		executor:    d.Executor,
		aggregator:  d.Aggregator,
		sizer:       d.Sizer,
		banList:     d.BanList,
		resolver:    d.Resolver,
		store:       d.Store,
		loc:         d.Config.Location(),
		logger:      d.Logger.With().Str("component", "engine").Logger(),
		now:         time.Now,
		exitPending: make(map[string]bool),
	}
}

// Run drives the loop until the context is cancelled. The full tick
// runs every tick_interval; a lighter monitor pass (exits only) runs
// every monitor_interval. Scheduled jobs (catalog refresh, ban list)
// run on their own worker. Run always writes a final snapshot on the
// way out.
func (e *Engine) Run(ctx context.Context) error {
	if !e.catalog.Ready() {
		return models.Errf(models.KindValidation, "refusing to trade without an instruments catalog")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.runScheduler(gctx) })

	g.Go(func() error {
		tick := time.NewTicker(e.cfg.TickInterval())
		monitor := time.NewTicker(e.cfg.MonitorInterval())
		defer tick.Stop()
		defer monitor.Stop()

		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-tick.C:
				if err := e.Tick(gctx, true); err != nil {
					return err
				}
			case <-monitor.C:
				if err := e.Tick(gctx, false); err != nil {
					return err
				}
			}
		}
	})

	err := g.Wait()

	// Final snapshot. Open orders in RECONCILIATION_REQUIRED are
	// written so the next startup can resolve them.
	if saveErr := e.persist(true); saveErr != nil {
		e.logger.Error().Err(saveErr).Msg("final state persist failed")
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Tick runs one pass. scanEntries distinguishes the full tick from the
// monitor sub-tick. Errors local to one order or signal are logged and
// swallowed; only state-integrity failures propagate and stop the
// loop.
func (e *Engine) Tick(ctx context.Context, scanEntries bool) error {
	now := e.now().In(e.loc)
	switch e.clock.Phase(now) {
	case market.PhaseClosedHoliday, market.PhasePreOpen, market.PhaseClosed:
		return nil
	}

	snap := e.pf.Snapshot()

	if err := e.refreshMarks(ctx, snap); err != nil {
		e.logger.Warn().Err(err).Msg("quote refresh failed, monitoring on stale marks")
	}
	snap = e.pf.Snapshot()

	if err := e.checkExits(ctx, now, snap); err != nil {
		return err
	}

	// No fresh entries once the flatten window opens: the loop would
	// otherwise force-close intraday positions and open new ones in the
	// same pass.
	if scanEntries && e.clock.CanEnter(now) && !e.clock.InFlattenWindow(now) {
		if err := e.scanEntries(ctx, snap); err != nil {
			return err
		}
	}

	if err := e.persist(false); err != nil {
		e.logger.Error().Err(err).Msg("state persist failed")
	}
	return nil
}

// refreshMarks pulls quotes for every open position and marks the
// portfolio.
func (e *Engine) refreshMarks(ctx context.Context, snap portfolio.Snapshot) error {
	if len(snap.Positions) == 0 {
		return nil
	}
	qualified := make([]string, 0, len(snap.Positions))
	bySymbol := make(map[string]string, len(snap.Positions))
	for sym, pos := range snap.Positions {
		q := string(pos.Exchange) + ":" + sym
		qualified = append(qualified, q)
		bySymbol[q] = sym
	}
	sort.Strings(qualified)

	fetched, err := e.cache.MGet(ctx, qualified)
	if err != nil {
		return err
	}
	marks := make(map[string]models.Money, len(fetched))
	for q, quote := range fetched {
		marks[bySymbol[q]] = quote.LTP
	}
	e.pf.MarkPrices(marks)
	return nil
}

// checkExits walks open positions in symbol order and submits at most
// one exit per position. Checks run in priority order: stop-loss,
// take-profit, expiry-day flatten, strategy-requested exit. First
// match wins.
func (e *Engine) checkExits(ctx context.Context, now time.Time, snap portfolio.Snapshot) error {
	if !e.clock.CanExit(now) {
		return nil
	}
	symbols := make([]string, 0, len(snap.Positions))
	for sym := range snap.Positions {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	inFlatten := e.clock.InFlattenWindow(now)

	for _, sym := range symbols {
		pos := snap.Positions[sym]
		if e.exitPending[sym] {
			continue
		}
		mark := pos.Mark
		if mark == 0 {
			continue // no quote yet this session
		}

		reason := ""
		switch {
		case pos.StopHit(mark):
			reason = "stop_loss"
		case pos.TargetHit(mark):
			reason = "take_profit"
		case inFlatten && e.mustFlatten(sym, pos):
			reason = "expiry_flatten"
		case e.strategyExit(ctx, sym, pos):
			reason = "strategy_exit"
		}
		if reason == "" {
			continue
		}

		if err := e.submitExit(ctx, sym, pos, reason); err != nil {
			if models.IsKind(err, models.KindStateIntegrity) {
				return err
			}
			e.logger.Warn().Err(err).Str("symbol", sym).Str("reason", reason).Msg("exit order failed")
		}
	}
	return nil
}

// mustFlatten reports whether a position must be force-closed in the
// flatten window: derivatives expiring today and intraday products at
// session end.
func (e *Engine) mustFlatten(sym string, pos models.Position) bool {
	if pos.Product == models.ProductIntraday {
		return true
	}
	return e.resolver.ExpiresToday(sym)
}

// strategyExit asks the aggregator whether the strategies now vote
// against the position's direction with conviction.
func (e *Engine) strategyExit(ctx context.Context, sym string, pos models.Position) bool {
	inst, ok := e.catalog.Find(sym)
	if !ok || inst.Underlying == "" {
		return false
	}
	spot, _ := e.cache.Get(inst.QualifiedSymbol())
	agg, pass := e.aggregator.Aggregate(ctx, signal.View{
		Underlying: inst.Underlying,
		Spot:       spot,
		HasOpen:    true,
	})
	if !pass {
		return false
	}
	if pos.IsLong() {
		return agg.Direction == models.DirectionShort
	}
	return agg.Direction == models.DirectionLong
}

func (e *Engine) submitExit(ctx context.Context, sym string, pos models.Position, reason string) error {
	inst, err := e.catalog.Resolve(sym)
	if err != nil {
		return err
	}
	side := models.SideSell
	if pos.IsShort() {
		side = models.SideBuy
	}
	e.exitPending[sym] = true
	defer delete(e.exitPending, sym)

	e.logger.Info().
		Str("symbol", sym).
		Str("reason", reason).
		Int64("qty", pos.AbsQty()).
		Str("side", string(side)).
		Msg("submitting exit")

	_, err = e.executor.Execute(ctx, orders.Request{
		OrderRequest: models.OrderRequest{
			Symbol:      sym,
			Exchange:    pos.Exchange,
			Side:        side,
			Quantity:    pos.AbsQty(),
			Product:     pos.Product,
			StrategyTag: reason,
			IsExit:      true,
		},
		Instrument: inst,
	})
	return err
}

// scanEntries runs the aggregator per allowed underlying and turns
// passing signals into sized, gated orders. Per-signal failures are
// logged and skipped.
func (e *Engine) scanEntries(ctx context.Context, snap portfolio.Snapshot) error {
	equity := snap.Equity()
	for _, underlying := range e.cfg.UnderlyingSet() {
		inst, ok := e.selectInstrument(underlying)
		if !ok {
			e.logger.Debug().Str("underlying", underlying).Msg("no tradable instrument in catalog")
			continue
		}
		if _, held := snap.Positions[inst.Symbol]; held {
			continue
		}

		quote, ok := e.cache.Get(inst.QualifiedSymbol())
		if !ok {
			fetched, err := e.cache.MGet(ctx, []string{inst.QualifiedSymbol()})
			if err != nil || len(fetched) == 0 {
				e.logger.Debug().Str("symbol", inst.Symbol).Msg("no quote for entry candidate")
				continue
			}
			quote = fetched[inst.QualifiedSymbol()]
		}

		agg, pass := e.aggregator.Aggregate(ctx, signal.View{
			Underlying: underlying,
			Spot:       quote,
		})
		if !pass {
			continue
		}

		if err := e.enter(ctx, inst, quote, agg, equity); err != nil {
			if models.IsKind(err, models.KindStateIntegrity) {
				return err
			}
			e.logger.Info().Err(err).Str("symbol", inst.Symbol).Msg("entry not taken")
		}
	}
	return nil
}

func (e *Engine) enter(ctx context.Context, inst models.Instrument, quote models.Quote, agg models.AggregatedSignal, equity models.Money) error {
	side := models.SideBuy
	if agg.Direction == models.DirectionShort {
		side = models.SideSell
	}
	entry := quote.LTP

	stop, target := exitLevels(entry, side, e.cfg.Trading.StopLossPct, e.cfg.Trading.TakeProfitPct, inst.TickSize)

	qty := e.sizer.Size(risk.SizeInput{
		Entry:      entry,
		StopLoss:   stop,
		Equity:     equity,
		LotSize:    inst.LotSize,
		Confidence: agg.Confidence,
	})
	if qty == 0 {
		e.logger.Debug().Str("symbol", inst.Symbol).Msg("sized to zero, signal dropped")
		return nil
	}

	intraday := inst.Type == models.TypeEquity
	exchange, product, err := inst.RouteOrder(intraday)
	if err != nil {
		return models.WrapErr(models.KindValidation, err, "route order")
	}

	e.logger.Info().
		Str("symbol", inst.Symbol).
		Str("side", string(side)).
		Int64("qty", qty).
		Float64("confidence", agg.Confidence).
		Strs("reasons", agg.Reasons).
		Msg("entry signal")

	_, err = e.executor.Execute(ctx, orders.Request{
		OrderRequest: models.OrderRequest{
			Symbol:      inst.Symbol,
			Exchange:    exchange,
			Side:        side,
			Quantity:    qty,
			Product:     product,
			StrategyTag: "aggregated",
		},
		Instrument: inst,
		StopLoss:   stop,
		TakeProfit: target,
	})
	return err
}

// exitLevels places the default stop and target around the entry,
// aligned to the tick.
func exitLevels(entry models.Money, side models.Side, stopPct, targetPct float64, tick models.Money) (models.Money, models.Money) {
	stopDist := models.PercentOf(entry, stopPct)
	targetDist := models.PercentOf(entry, targetPct)
	var stop, target models.Money
	if side == models.SideBuy {
		stop, target = entry-stopDist, entry+targetDist
	} else {
		stop, target = entry+stopDist, entry-targetDist
	}
	if tick > 0 {
		stop = models.RoundToTick(stop, tick)
		target = models.RoundToTick(target, tick)
	}
	return stop, target
}

// selectInstrument picks what to trade for an underlying: the symbol
// itself when it is a listed equity, otherwise the nearest-expiry
// future. Options remain strategy territory; the default scan trades
// the linear instrument.
func (e *Engine) selectInstrument(underlying string) (models.Instrument, bool) {
	if inst, ok := e.catalog.Find(underlying); ok && inst.Type == models.TypeEquity {
		return inst, true
	}
	var best models.Instrument
	found := false
	today := e.now().In(e.loc)
	for _, inst := range e.catalog.All() {
		if inst.Type != models.TypeFuture || inst.Underlying != underlying {
			continue
		}
		if inst.Expiry.Before(today) {
			continue
		}
		if !found || inst.Expiry.Before(best.Expiry) {
			best = inst
			found = true
		}
	}
	return best, found
}

// persist writes a snapshot, throttled to persist_interval unless
// forced.
func (e *Engine) persist(force bool) error {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	now := e.now()
	if !force && now.Sub(e.lastPersist) < e.cfg.PersistInterval() {
		return nil
	}
	if err := e.store.Save(e.pf.Snapshot(), e.executor.OpenOrders()); err != nil {
		return err
	}
	e.lastPersist = now
	return nil
}
