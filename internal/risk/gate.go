package risk

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/rsinha/tradeloop/internal/broker"
	"github.com/rsinha/tradeloop/internal/fees"
	"github.com/rsinha/tradeloop/internal/market"
	"github.com/rsinha/tradeloop/internal/models"
	"github.com/rsinha/tradeloop/internal/portfolio"
)

// Reason codes attached to RISK_REJECTED errors so tests and logs can
// distinguish which check fired.
const (
	ReasonMarketClosed     = "MARKET_CLOSED"
	ReasonBanned           = "SYMBOL_BANNED"
	ReasonDuplicate        = "DUPLICATE_POSITION"
	ReasonIndexCap         = "INDEX_CAP"
	ReasonRiskCap          = "RISK_CAP_EXCEEDED"
	ReasonRiskReward       = "RISK_REWARD_TOO_LOW"
	ReasonSectorCap        = "SECTOR_CAP_EXCEEDED"
	ReasonInsufficientCash = "INSUFFICIENT_CASH"
	ReasonMargin           = "INSUFFICIENT_MARGIN"
)

// Candidate is one proposed trade presented to the gate.
type Candidate struct {
	Instrument models.Instrument
	Side       models.Side
	Quantity   int64
	Entry      models.Money
	StopLoss   models.Money
	TakeProfit models.Money
	IsExit     bool
}

// Params are the gate thresholds, taken from config.RiskConfig.
type Params struct {
	RiskPctPerTrade float64
	MinRiskReward   float64
	MaxSectorPct    float64
	AllowAveraging  bool
}

// Lookup resolves open-position symbols back to their catalog records
// for the underlying and sector checks.
type Lookup interface {
	Find(symbol string) (models.Instrument, bool)
}

// Gate runs the ordered pre-trade checks. It holds no mutable trade
// state of its own; every evaluation reads a fresh portfolio snapshot.
type Gate struct {
	params  Params
	clock   *market.Clock
	banList *BanList
	pf      *portfolio.Portfolio
	catalog Lookup
	brk     broker.Broker
	fees    fees.Model
	live    bool
	logger  zerolog.Logger
	now     func() time.Time
}

// NewGate wires the gate to its collaborators. A nil clock disables
// the session-hours check.
func NewGate(params Params, clock *market.Clock, banList *BanList, pf *portfolio.Portfolio, catalog Lookup, brk broker.Broker, feeModel fees.Model, live bool, logger zerolog.Logger) *Gate {
	return &Gate{
		params:  params,
		clock:   clock,
		banList: banList,
		pf:      pf,
		catalog: catalog,
		brk:     brk,
		fees:    feeModel,
		live:    live,
		logger:  logger.With().Str("component", "riskgate").Logger(),
		now:     time.Now,
	}
}

func reject(reason, symbol, detail string) error {
	msg := reason
	if detail != "" {
		msg += ": " + detail
	}
	return &models.EngineError{
		Kind:    models.KindRiskRejected,
		Message: msg,
		Symbol:  symbol,
	}
}

// Check evaluates the candidate against the ordered checks and returns
// the first failure, or nil for PASS. Exits skip every check except
// validation; a position already held must always be closable.
func (g *Gate) Check(ctx context.Context, c Candidate) error {
	if c.Quantity <= 0 {
		return models.Errf(models.KindValidation, "quantity must be positive, got %d", c.Quantity)
	}
	if c.IsExit {
		return nil
	}

	// 1. Mode/hours.
	if g.clock != nil && !g.clock.CanEnter(g.now()) {
		return reject(ReasonMarketClosed, c.Instrument.Symbol, "entries disallowed outside open session")
	}

	// 2. Regulatory ban list.
	if g.banList.IsBanned(c.Instrument.Underlying) || g.banList.IsBanned(c.Instrument.Symbol) {
		return reject(ReasonBanned, c.Instrument.Symbol, "F&O ban list")
	}

	snap := g.pf.Snapshot()

	// 3. Duplicate position. Averaging is opt-in.
	if _, held := snap.Positions[c.Instrument.Symbol]; held && !g.params.AllowAveraging {
		return reject(ReasonDuplicate, c.Instrument.Symbol, "position already open")
	}

	// 4. One structure per underlying index.
	if c.Instrument.Type.IsDerivative() {
		for sym := range snap.Positions {
			if sym == c.Instrument.Symbol {
				continue
			}
			held, ok := g.catalog.Find(sym)
			if ok && held.Underlying == c.Instrument.Underlying {
				return reject(ReasonIndexCap, c.Instrument.Symbol,
					"active structure on "+c.Instrument.Underlying+" via "+sym)
			}
		}
	}

	equity := snap.Equity()

	// 5. Per-trade risk cap.
	if c.StopLoss != 0 {
		stopDistance := (c.Entry - c.StopLoss).Abs()
		atRisk := stopDistance.MulQty(c.Quantity)
		limit := models.Money(math.Round(float64(equity) * g.params.RiskPctPerTrade))
		if atRisk > limit {
			return reject(ReasonRiskCap, c.Instrument.Symbol, "")
		}
	}

	// 6. Risk-reward, sign-adjusted for shorts.
	if c.StopLoss != 0 && c.TakeProfit != 0 {
		var reward, riskDist models.Money
		if c.Side == models.SideBuy {
			reward = c.TakeProfit - c.Entry
			riskDist = c.Entry - c.StopLoss
		} else {
			reward = c.Entry - c.TakeProfit
			riskDist = c.StopLoss - c.Entry
		}
		if riskDist <= 0 || float64(reward)/float64(riskDist) < g.params.MinRiskReward {
			return reject(ReasonRiskReward, c.Instrument.Symbol, "")
		}
	}

	// 7. Sector/correlation notional cap.
	if sector := c.Instrument.Sector; sector != "" {
		notional := c.Entry.MulQty(c.Quantity)
		for sym, pos := range snap.Positions {
			held, ok := g.catalog.Find(sym)
			if !ok || held.Sector != sector {
				continue
			}
			mark := pos.Mark
			if mark == 0 {
				mark = pos.AvgEntryPrice
			}
			notional += pos.MarkValue(mark).Abs()
		}
		limit := models.Money(math.Round(float64(equity) * g.params.MaxSectorPct))
		if notional > limit {
			return reject(ReasonSectorCap, c.Instrument.Symbol, "sector "+sector)
		}
	}

	// 8. Cash or margin.
	return g.checkFunding(ctx, c, snap)
}

// checkFunding verifies affordability. Equity longs settle against
// cash; F&O entries check SPAN+exposure margin with the broker in live
// mode. A margin API failure comes back transient so the caller can
// retry the signal next tick.
func (g *Gate) checkFunding(ctx context.Context, c Candidate, snap portfolio.Snapshot) error {
	if c.Instrument.Type == models.TypeEquity && c.Side == models.SideBuy {
		cost := c.Entry.MulQty(c.Quantity) + g.fees.Fee(c.Side, c.Entry, c.Quantity)
		if cost > snap.Cash {
			return reject(ReasonInsufficientCash, c.Instrument.Symbol, "")
		}
		return nil
	}

	if !c.Instrument.Type.IsDerivative() {
		return nil
	}

	if !g.live {
		// Paper mode approximates margin with cash. Short premium is a
		// credit so only the fee side is bounded by cash.
		required := g.fees.Fee(c.Side, c.Entry, c.Quantity)
		if c.Side == models.SideBuy {
			required += c.Entry.MulQty(c.Quantity)
		}
		if required > snap.Cash {
			return reject(ReasonInsufficientCash, c.Instrument.Symbol, "")
		}
		return nil
	}

	exchange, product, err := c.Instrument.RouteOrder(false)
	if err != nil {
		return models.WrapErr(models.KindValidation, err, "route order")
	}
	required, err := g.brk.MarginFor(ctx, models.OrderRequest{
		Symbol:   c.Instrument.Symbol,
		Exchange: exchange,
		Side:     c.Side,
		Quantity: c.Quantity,
		Product:  product,
	})
	if err != nil {
		return models.WrapErr(models.KindTransientBroker, err, "margin query")
	}
	available, err := g.brk.AvailableMargin(ctx)
	if err != nil {
		return models.WrapErr(models.KindTransientBroker, err, "available margin query")
	}
	if required > available {
		g.logger.Warn().
			Str("symbol", c.Instrument.Symbol).
			Str("required", required.String()).
			Str("available", available.String()).
			Msg("margin check failed")
		return reject(ReasonMargin, c.Instrument.Symbol, "")
	}
	return nil
}
