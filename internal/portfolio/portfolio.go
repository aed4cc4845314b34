// Package portfolio implements the ledger: cash, positions and the
// trade history. It is the only component allowed to mutate cash and
// positions, and every mutation happens under one portfolio-wide lock.
//
// ApplyFill is the single entry point for money movement. It is called
// by the order executor after — and only after — the broker confirms a
// terminal fill. Fees are deducted from cash on open and on close,
// symmetrically: a round trip at an unchanged price realizes exactly
// minus the fees, never zero.
package portfolio

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/rsinha/tradeloop/internal/models"
)

// Fill is a confirmed execution handed to ApplyFill. Quantity and
// price come from the broker's terminal event, never from the request.
type Fill struct {
	ClientOrderID string
	Symbol        string
	Exchange      models.Exchange
	Side          models.Side
	Quantity      int64
	Price         models.Money
	Fees          models.Money
	Product       models.Product
	StrategyTag   string
	ExecutedAt    time.Time
}

// Stats summarizes closed trades for the session.
type Stats struct {
	TotalTrades   int          `json:"total_trades"`
	WinningTrades int          `json:"winning_trades"`
	LosingTrades  int          `json:"losing_trades"`
	WinRate       float64      `json:"win_rate"`
	TotalPnL      models.Money `json:"total_pnl"`
	MaxDrawdown   models.Money `json:"max_drawdown"`
	CurrentStreak int          `json:"current_streak"`
}

// Snapshot is an immutable copy of the ledger for readers. Open orders
// are owned by the executor and merged in by the state store.
type Snapshot struct {
	InitialCash    models.Money               `json:"initial_cash"`
	Cash           models.Money               `json:"cash"`
	Positions      map[string]models.Position `json:"positions"`
	Trades         []models.Trade             `json:"trades"`
	RealizedPnLDay models.Money               `json:"realized_pnl_day"`
	DailyPnL       map[string]models.Money    `json:"daily_pnl"`
	Stats          Stats                      `json:"stats"`
	AsOf           time.Time                  `json:"as_of"`
}

// Equity returns cash plus the mark value of all open positions.
func (s Snapshot) Equity() models.Money {
	total := s.Cash
	for _, p := range s.Positions {
		mark := p.Mark
		if mark == 0 {
			mark = p.AvgEntryPrice
		}
		total += p.MarkValue(mark)
	}
	return total
}

// Portfolio is the ledger.
type Portfolio struct {
	mu sync.Mutex

	initialCash models.Money
	cash        models.Money
	positions   map[string]models.Position
	trades      []models.Trade
	dailyPnL    map[string]models.Money
	stats       Stats

	// appliedOrders makes ApplyFill idempotent per client order id:
	// re-applying a confirmed fill is a no-op returning the original
	// trade.
	appliedOrders map[string]string // client_order_id -> trade_id
	tradesByID    map[string]models.Trade

	loc    *time.Location
	logger zerolog.Logger
}

// New creates a portfolio seeded with the given cash.
func New(initialCash models.Money, loc *time.Location, logger zerolog.Logger) *Portfolio {
	if loc == nil {
		loc = time.Local
	}
	return &Portfolio{
		initialCash:   initialCash,
		cash:          initialCash,
		positions:     make(map[string]models.Position),
		dailyPnL:      make(map[string]models.Money),
		appliedOrders: make(map[string]string),
		tradesByID:    make(map[string]models.Trade),
		loc:           loc,
		logger:        logger.With().Str("component", "portfolio").Logger(),
	}
}

// ApplyFill applies one confirmed fill to the ledger and returns the
// resulting trade record. Calling it twice with the same client order
// id returns the original trade without mutating anything.
func (p *Portfolio) ApplyFill(fill Fill) (models.Trade, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if fill.Quantity <= 0 {
		return models.Trade{}, models.Errf(models.KindValidation, "fill for %s has non-positive quantity %d", fill.Symbol, fill.Quantity)
	}
	if fill.Price <= 0 {
		return models.Trade{}, models.Errf(models.KindValidation, "fill for %s has non-positive price %s", fill.Symbol, fill.Price)
	}
	if fill.ClientOrderID == "" {
		return models.Trade{}, models.Errf(models.KindValidation, "fill for %s missing client order id", fill.Symbol)
	}
	if tradeID, seen := p.appliedOrders[fill.ClientOrderID]; seen {
		p.logger.Warn().
			Str("symbol", fill.Symbol).
			Str("client_order_id", fill.ClientOrderID).
			Msg("duplicate ApplyFill ignored")
		return p.tradesByID[tradeID], nil
	}

	prior, hasPrior := p.positions[fill.Symbol]

	var trade models.Trade
	switch {
	case !hasPrior:
		trade = p.openPosition(fill)
	case sameDirection(prior, fill.Side):
		trade = p.averagePosition(prior, fill)
	case fill.Quantity <= prior.AbsQty():
		trade = p.reducePosition(prior, fill)
	default:
		trade = p.reversePosition(prior, fill)
	}

	p.trades = append(p.trades, trade)
	p.appliedOrders[fill.ClientOrderID] = trade.TradeID
	p.tradesByID[trade.TradeID] = trade
	if trade.RealizedPnL != 0 {
		day := fill.ExecutedAt.In(p.loc).Format("2006-01-02")
		p.dailyPnL[day] += trade.RealizedPnL
		p.updateStats(trade.RealizedPnL)
	}

	if err := p.checkLedger(); err != nil {
		return models.Trade{}, err
	}

	p.logger.Info().
		Str("symbol", fill.Symbol).
		Str("client_order_id", fill.ClientOrderID).
		Str("side", string(fill.Side)).
		Int64("qty", fill.Quantity).
		Str("price", fill.Price.String()).
		Str("fees", fill.Fees.String()).
		Str("realized_pnl", trade.RealizedPnL.String()).
		Str("cash", p.cash.String()).
		Msg("fill applied")
	return trade, nil
}

func sameDirection(prior models.Position, side models.Side) bool {
	return (prior.IsLong() && side == models.SideBuy) || (prior.IsShort() && side == models.SideSell)
}

// openPosition handles a fill with no prior position.
func (p *Portfolio) openPosition(fill Fill) models.Trade {
	gross := fill.Price.MulQty(fill.Quantity)
	pos := models.Position{
		Symbol:        fill.Symbol,
		Exchange:      fill.Exchange,
		AvgEntryPrice: fill.Price,
		EntryTime:     fill.ExecutedAt,
		StrategyTag:   fill.StrategyTag,
		Product:       fill.Product,
	}

	var net models.Money
	if fill.Side == models.SideBuy {
		net = gross + fill.Fees
		p.cash -= net
		pos.SignedQty = fill.Quantity
		pos.InvestedAmount = net
	} else {
		net = gross - fill.Fees
		p.cash += net
		pos.SignedQty = -fill.Quantity
		pos.InvestedAmount = net // net credit received
	}
	p.positions[fill.Symbol] = pos

	return p.newTrade(fill, gross, net, 0)
}

// averagePosition adds to an existing position on the same side. The
// new average entry is the fee-inclusive VWAP. Stop and target are NOT
// recomputed here; that is the caller's decision.
func (p *Portfolio) averagePosition(prior models.Position, fill Fill) models.Trade {
	gross := fill.Price.MulQty(fill.Quantity)

	var net models.Money
	if fill.Side == models.SideBuy {
		net = gross + fill.Fees
		p.cash -= net
		prior.SignedQty += fill.Quantity
	} else {
		net = gross - fill.Fees
		p.cash += net
		prior.SignedQty -= fill.Quantity
	}
	prior.InvestedAmount += net
	prior.AvgEntryPrice = models.Money(decimal.NewFromInt(int64(prior.InvestedAmount)).
		Div(decimal.NewFromInt(prior.AbsQty())).Round(0).IntPart())
	p.positions[fill.Symbol] = prior

	return p.newTrade(fill, gross, net, 0)
}

// reducePosition closes part or all of a position. The released share
// of the fee-inclusive basis is proportional to the quantity closed.
func (p *Portfolio) reducePosition(prior models.Position, fill Fill) models.Trade {
	gross := fill.Price.MulQty(fill.Quantity)
	released := prorate(prior.InvestedAmount, fill.Quantity, prior.AbsQty())

	var net, realized models.Money
	if prior.IsLong() {
		// Selling down a long: proceeds net of fees vs released basis.
		net = gross - fill.Fees
		p.cash += net
		realized = net - released
		prior.SignedQty -= fill.Quantity
	} else {
		// Buying back a short: released credit vs buyback cost.
		net = gross + fill.Fees
		p.cash -= net
		realized = released - net
		prior.SignedQty += fill.Quantity
	}
	prior.InvestedAmount -= released

	if prior.SignedQty == 0 {
		delete(p.positions, fill.Symbol)
	} else {
		p.positions[fill.Symbol] = prior
	}

	return p.newTrade(fill, gross, net, realized)
}

// reversePosition closes the entire prior position and opens the
// opposite side with the remainder, atomically. Fees are prorated
// between the closing and opening legs by quantity.
func (p *Portfolio) reversePosition(prior models.Position, fill Fill) models.Trade {
	closeQty := prior.AbsQty()
	openQty := fill.Quantity - closeQty
	closeFees := prorate(fill.Fees, closeQty, fill.Quantity)
	openFees := fill.Fees - closeFees

	closeTrade := p.reducePosition(prior, Fill{
		ClientOrderID: fill.ClientOrderID,
		Symbol:        fill.Symbol,
		Exchange:      fill.Exchange,
		Side:          fill.Side,
		Quantity:      closeQty,
		Price:         fill.Price,
		Fees:          closeFees,
		Product:       fill.Product,
		StrategyTag:   fill.StrategyTag,
		ExecutedAt:    fill.ExecutedAt,
	})
	openTrade := p.openPosition(Fill{
		ClientOrderID: fill.ClientOrderID,
		Symbol:        fill.Symbol,
		Exchange:      fill.Exchange,
		Side:          fill.Side,
		Quantity:      openQty,
		Price:         fill.Price,
		Fees:          openFees,
		Product:       fill.Product,
		StrategyTag:   fill.StrategyTag,
		ExecutedAt:    fill.ExecutedAt,
	})

	// One trade record for the one broker fill.
	return models.Trade{
		TradeID:       closeTrade.TradeID,
		ClientOrderID: fill.ClientOrderID,
		Symbol:        fill.Symbol,
		Side:          fill.Side,
		Quantity:      fill.Quantity,
		Price:         fill.Price,
		GrossValue:    closeTrade.GrossValue + openTrade.GrossValue,
		Fees:          fill.Fees,
		NetValue:      closeTrade.NetValue + openTrade.NetValue,
		ExecutedAt:    fill.ExecutedAt,
		RealizedPnL:   closeTrade.RealizedPnL,
		StrategyTag:   fill.StrategyTag,
	}
}

func (p *Portfolio) newTrade(fill Fill, gross, net, realized models.Money) models.Trade {
	return models.Trade{
		TradeID:       uuid.NewString(),
		ClientOrderID: fill.ClientOrderID,
		Symbol:        fill.Symbol,
		Side:          fill.Side,
		Quantity:      fill.Quantity,
		Price:         fill.Price,
		GrossValue:    gross,
		Fees:          fill.Fees,
		NetValue:      net,
		ExecutedAt:    fill.ExecutedAt,
		RealizedPnL:   realized,
		StrategyTag:   fill.StrategyTag,
	}
}

// prorate returns amount * part / whole, rounded to the nearest paisa
// with exact decimal arithmetic.
func prorate(amount models.Money, part, whole int64) models.Money {
	if whole == 0 || part == 0 {
		return 0
	}
	if part == whole {
		return amount
	}
	return models.Money(decimal.NewFromInt(int64(amount)).
		Mul(decimal.NewFromInt(part)).
		Div(decimal.NewFromInt(whole)).
		Round(0).IntPart())
}

// checkLedger verifies the ledger equation: cash equals initial cash
// plus the signed net value of every applied trade. A violation is a
// state-integrity failure and terminates the process upstream.
func (p *Portfolio) checkLedger() error {
	var flow models.Money
	for _, t := range p.trades {
		flow += t.SignedNetValue()
	}
	if p.initialCash+flow != p.cash {
		return models.Errf(models.KindStateIntegrity,
			"ledger equation violated: initial %s + flow %s != cash %s",
			p.initialCash, flow, p.cash)
	}
	return nil
}

func (p *Portfolio) updateStats(pnl models.Money) {
	s := &p.stats
	s.TotalTrades++
	s.TotalPnL += pnl
	if pnl > 0 {
		s.WinningTrades++
		if s.CurrentStreak >= 0 {
			s.CurrentStreak++
		} else {
			s.CurrentStreak = 1
		}
	} else {
		s.LosingTrades++
		if s.CurrentStreak <= 0 {
			s.CurrentStreak--
		} else {
			s.CurrentStreak = -1
		}
		if pnl < s.MaxDrawdown {
			s.MaxDrawdown = pnl
		}
	}
	if s.TotalTrades > 0 {
		s.WinRate = float64(s.WinningTrades) / float64(s.TotalTrades)
	}
}

// MarkPrices updates the in-memory marks used by monitoring. It never
// changes cash or invested amounts.
func (p *Portfolio) MarkPrices(marks map[string]models.Money) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for symbol, price := range marks {
		if pos, ok := p.positions[symbol]; ok && price > 0 {
			pos.Mark = price
			p.positions[symbol] = pos
		}
	}
}

// SetExitLevels updates the stop-loss and take-profit of an open
// position. Zero leaves the corresponding level unchanged.
func (p *Portfolio) SetExitLevels(symbol string, stop, target models.Money) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[symbol]
	if !ok {
		return models.Errf(models.KindValidation, "no position for %s", symbol)
	}
	if stop != 0 {
		pos.StopLoss = stop
	}
	if target != 0 {
		pos.TakeProfit = target
	}
	p.positions[symbol] = pos
	return nil
}

// RenameSymbol carries a position forward under its canonical catalog
// symbol after a fuzzy resolve.
func (p *Portfolio) RenameSymbol(from, to string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if from == to {
		return nil
	}
	pos, ok := p.positions[from]
	if !ok {
		return models.Errf(models.KindValidation, "no position for %s", from)
	}
	if _, clash := p.positions[to]; clash {
		return models.Errf(models.KindValidation, "cannot rename %s: position for %s already exists", from, to)
	}
	pos.Symbol = to
	p.positions[to] = pos
	delete(p.positions, from)
	p.logger.Info().Str("from", from).Str("to", to).Msg("position carried forward under canonical symbol")
	return nil
}

// Position returns a copy of the position for symbol.
func (p *Portfolio) Position(symbol string) (models.Position, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[symbol]
	return pos, ok
}

// Cash returns the current cash balance.
func (p *Portfolio) Cash() models.Money {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cash
}

// Snapshot returns an immutable deep copy for readers.
func (p *Portfolio) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	positions := make(map[string]models.Position, len(p.positions))
	for k, v := range p.positions {
		positions[k] = v
	}
	trades := make([]models.Trade, len(p.trades))
	copy(trades, p.trades)
	daily := make(map[string]models.Money, len(p.dailyPnL))
	for k, v := range p.dailyPnL {
		daily[k] = v
	}

	today := time.Now().In(p.loc).Format("2006-01-02")
	return Snapshot{
		InitialCash:    p.initialCash,
		Cash:           p.cash,
		Positions:      positions,
		Trades:         trades,
		RealizedPnLDay: p.dailyPnL[today],
		DailyPnL:       daily,
		Stats:          p.stats,
		AsOf:           time.Now(),
	}
}

// Restore replaces the ledger with a persisted snapshot. Applied-order
// ids from persisted trades are re-registered so replayed confirmations
// stay idempotent across restarts.
func (p *Portfolio) Restore(snap Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var flow models.Money
	for _, t := range snap.Trades {
		flow += t.SignedNetValue()
	}
	if snap.InitialCash+flow != snap.Cash {
		return models.Errf(models.KindStateIntegrity,
			"snapshot ledger equation violated: initial %s + flow %s != cash %s",
			snap.InitialCash, flow, snap.Cash)
	}

	p.initialCash = snap.InitialCash
	p.cash = snap.Cash
	p.positions = make(map[string]models.Position, len(snap.Positions))
	for k, v := range snap.Positions {
		p.positions[k] = v
	}
	p.trades = make([]models.Trade, len(snap.Trades))
	copy(p.trades, snap.Trades)
	p.dailyPnL = make(map[string]models.Money, len(snap.DailyPnL))
	for k, v := range snap.DailyPnL {
		p.dailyPnL[k] = v
	}
	p.stats = snap.Stats
	p.appliedOrders = make(map[string]string, len(snap.Trades))
	p.tradesByID = make(map[string]models.Trade, len(snap.Trades))
	for _, t := range snap.Trades {
		p.appliedOrders[t.ClientOrderID] = t.TradeID
		p.tradesByID[t.TradeID] = t
	}
	return nil
}

// String implements fmt.Stringer for debug logs.
func (p *Portfolio) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("cash=%s positions=%d trades=%d", p.cash, len(p.positions), len(p.trades))
}
