// Package orders implements the order executor: the only path from a
// trade decision to a ledger mutation. The placement protocol is
// strict: place first, confirm the terminal fill from the broker, and
// only then touch cash. Cash is never debited optimistically.
package orders

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rsinha/tradeloop/internal/broker"
	"github.com/rsinha/tradeloop/internal/fees"
	"github.com/rsinha/tradeloop/internal/models"
	"github.com/rsinha/tradeloop/internal/portfolio"
	"github.com/rsinha/tradeloop/internal/quotes"
	"github.com/rsinha/tradeloop/internal/risk"
)

// Polling cadence for order confirmation.
const (
	pollInitial    = 200 * time.Millisecond
	pollMax        = 2 * time.Second
	cancelVerifyIn = 2 * time.Second
)

// Request is one trade decision handed to Execute. Instrument comes
// from the catalog; StopLoss/TakeProfit are applied to the position
// after an entry fill confirms.
type Request struct {
	models.OrderRequest
	Instrument models.Instrument
	StopLoss   models.Money
	TakeProfit models.Money
}

// Gater is the slice of the risk gate the executor calls.
type Gater interface {
	Check(ctx context.Context, c risk.Candidate) error
}

// Executor places, confirms and applies orders. Calls are parallel
// across symbols and serialized per symbol; the risk gate runs under
// the per-symbol lock so its duplicate-position check sees any fill a
// concurrent Execute on the same symbol just applied.
type Executor struct {
	brk     broker.Broker
	pf      *portfolio.Portfolio
	gate    Gater
	cache   *quotes.Cache
	fees    fees.Model
	live    bool
	timeout time.Duration
	slipBps int

	mu         sync.Mutex
	symLocks   map[string]*sync.Mutex
	openOrders map[string]models.Order // client_order_id -> order

	logger zerolog.Logger
	now    func() time.Time
}

// NewExecutor wires the executor.
func NewExecutor(brk broker.Broker, pf *portfolio.Portfolio, gate Gater, cache *quotes.Cache, feeModel fees.Model, live bool, timeout time.Duration, slippageBps int, logger zerolog.Logger) *Executor {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Executor{
		brk:        brk,
		pf:         pf,
		gate:       gate,
		cache:      cache,
		fees:       feeModel,
		live:       live,
		timeout:    timeout,
		slipBps:    slippageBps,
		symLocks:   make(map[string]*sync.Mutex),
		openOrders: make(map[string]models.Order),
		logger:     logger.With().Str("component", "executor").Logger(),
		now:        time.Now,
	}
}

func (e *Executor) symLock(symbol string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.symLocks[symbol]
	if !ok {
		l = &sync.Mutex{}
		e.symLocks[symbol] = l
	}
	return l
}

// Execute runs one order through validation, the risk gate, placement
// and confirmation, and applies the confirmed fill to the portfolio.
// The returned trade carries the broker's filled quantity and average
// price, not the requested values.
func (e *Executor) Execute(ctx context.Context, req Request) (models.Trade, error) {
	if err := e.validate(&req); err != nil {
		return models.Trade{}, err
	}

	entry := req.LimitPrice
	if entry == 0 {
		if q, ok := e.cache.Get(req.Instrument.QualifiedSymbol()); ok {
			entry = q.LTP
		}
	}

	// The gate's duplicate-position check reads the portfolio, so it
	// must run under the symbol lock: a check done before the lock can
	// pass for two concurrent entries on the same symbol.
	lock := e.symLock(req.Symbol)
	lock.Lock()
	defer lock.Unlock()

	if err := e.gate.Check(ctx, risk.Candidate{
		Instrument: req.Instrument,
		Side:       req.Side,
		Quantity:   req.Quantity,
		Entry:      entry,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		IsExit:     req.IsExit,
	}); err != nil {
		return models.Trade{}, err
	}

	if !e.live {
		return e.executePaper(req)
	}
	return e.executeLive(ctx, req)
}

func (e *Executor) validate(req *Request) error {
	if req.Instrument.Symbol == "" || req.Symbol == "" {
		return models.Errf(models.KindValidation, "order request missing symbol")
	}
	if req.Symbol != req.Instrument.Symbol {
		return models.Errf(models.KindValidation, "request symbol %s does not match instrument %s", req.Symbol, req.Instrument.Symbol)
	}
	if req.Quantity <= 0 {
		return models.Errf(models.KindValidation, "quantity must be positive, got %d", req.Quantity)
	}
	if req.Side != models.SideBuy && req.Side != models.SideSell {
		return models.Errf(models.KindValidation, "invalid side %q", req.Side)
	}
	if req.Exchange == "" {
		req.Exchange = req.Instrument.Exchange
	}
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}
	return nil
}

// executeLive is the live protocol: place, poll to terminal, apply.
// Confirmation ignores caller cancellation; once an order is with the
// broker its outcome must be known before this returns.
func (e *Executor) executeLive(ctx context.Context, req Request) (models.Trade, error) {
	log := e.logger.With().
		Str("symbol", req.Symbol).
		Str("client_order_id", req.ClientOrderID).
		Str("side", string(req.Side)).
		Int64("qty", req.Quantity).
		Logger()

	brokerID, err := e.brk.PlaceOrder(ctx, req.OrderRequest)
	if err != nil {
		log.Error().Err(err).Msg("order placement failed")
		return models.Trade{}, broker.Classify(err)
	}

	order := models.Order{
		ClientOrderID: req.ClientOrderID,
		BrokerOrderID: brokerID,
		Symbol:        req.Symbol,
		Exchange:      req.Exchange,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Product:       req.Product,
		State:         models.OrderPlaced,
		PlacedAt:      e.now(),
		StrategyTag:   req.StrategyTag,
		IsExit:        req.IsExit,
	}
	e.trackOrder(order)
	log.Info().Str("broker_order_id", brokerID).Msg("order placed")

	// The order is live at the broker; finish confirmation even if the
	// caller's context is cancelled mid-poll.
	confirmCtx := context.WithoutCancel(ctx)
	event, err := e.pollTerminal(confirmCtx, brokerID, e.timeout)
	if err == nil {
		return e.settleTerminal(req, order, event, log)
	}

	// Timeout with no terminal state: cancel, then verify.
	log.Warn().Msg("confirmation timeout, cancelling order")
	cancelErr := e.brk.CancelOrder(confirmCtx, brokerID)
	event, pollErr := e.pollTerminal(confirmCtx, brokerID, cancelVerifyIn)
	if pollErr == nil {
		if event.State == models.OrderFilled {
			// Filled while the cancel was in flight. A fill is a fill.
			return e.settleTerminal(req, order, event, log)
		}
		e.untrackOrder(req.ClientOrderID)
		log.Warn().Str("state", string(event.State)).Msg("order cancelled after timeout")
		return models.Trade{}, &models.EngineError{
			Kind:          models.KindOrderTimeout,
			Message:       "TIMED_OUT_CANCELLED",
			Symbol:        req.Symbol,
			ClientOrderID: req.ClientOrderID,
		}
	}

	// Still not terminal and the cancel did not verify. Park the order
	// for reconciliation; cash has not been touched.
	log.Error().
		AnErr("cancel_err", cancelErr).
		AnErr("poll_err", pollErr).
		Msg("CRITICAL: order state unknown, reconciliation required")
	return models.Trade{}, &models.EngineError{
		Kind:          models.KindReconciliationRequired,
		Message:       "order state unknown after cancel attempt",
		Symbol:        req.Symbol,
		ClientOrderID: req.ClientOrderID,
	}
}

// pollTerminal polls order history with doubling backoff until a
// terminal event or the window closes.
func (e *Executor) pollTerminal(ctx context.Context, brokerID string, window time.Duration) (models.OrderEvent, error) {
	deadline := e.now().Add(window)
	backoff := pollInitial
	for {
		events, err := e.brk.OrderHistory(ctx, brokerID)
		if err == nil {
			if last, ok := broker.LastEvent(events); ok && last.State.IsTerminal() {
				return last, nil
			}
		} else {
			e.logger.Debug().Err(err).Str("broker_order_id", brokerID).Msg("order history poll failed")
		}

		remaining := deadline.Sub(e.now())
		if remaining <= 0 {
			return models.OrderEvent{}, models.Errf(models.KindOrderTimeout, "no terminal state within %s", window)
		}
		if backoff > remaining {
			backoff = remaining
		}
		select {
		case <-ctx.Done():
			return models.OrderEvent{}, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < pollMax {
			backoff *= 2
			if backoff > pollMax {
				backoff = pollMax
			}
		}
	}
}

// settleTerminal applies a FILLED event to the ledger or maps a broker
// rejection to a typed error. Rejections leave the portfolio untouched,
// which is correct because cash was never debited at placement.
func (e *Executor) settleTerminal(req Request, order models.Order, event models.OrderEvent, log zerolog.Logger) (models.Trade, error) {
	defer e.untrackOrder(req.ClientOrderID)

	switch event.State {
	case models.OrderFilled:
		fee := e.fees.Fee(req.Side, event.AvgPrice, event.FilledQty)
		trade, err := e.pf.ApplyFill(portfolio.Fill{
			ClientOrderID: req.ClientOrderID,
			Symbol:        req.Symbol,
			Exchange:      req.Exchange,
			Side:          req.Side,
			Quantity:      event.FilledQty,
			Price:         event.AvgPrice,
			Fees:          fee,
			Product:       req.Product,
			StrategyTag:   req.StrategyTag,
			ExecutedAt:    event.At,
		})
		if err != nil {
			return models.Trade{}, err
		}
		e.applyExitLevels(req)
		log.Info().
			Int64("filled_qty", event.FilledQty).
			Str("avg_price", event.AvgPrice.String()).
			Str("fees", fee.String()).
			Msg("order filled")
		return trade, nil

	case models.OrderRejected:
		log.Warn().Str("reason", event.Reason).Msg("order rejected")
		return models.Trade{}, &models.EngineError{
			Kind:          models.KindOrderRejected,
			Message:       event.Reason,
			Symbol:        req.Symbol,
			ClientOrderID: req.ClientOrderID,
		}

	case models.OrderCancelled:
		log.Warn().Str("reason", event.Reason).Msg("order cancelled by broker")
		return models.Trade{}, &models.EngineError{
			Kind:          models.KindOrderRejected,
			Message:       "cancelled: " + event.Reason,
			Symbol:        req.Symbol,
			ClientOrderID: req.ClientOrderID,
		}

	default:
		return models.Trade{}, models.Errf(models.KindStateIntegrity, "unexpected terminal state %q", event.State)
	}
}

// executePaper synthesizes an immediate fill at the cached quote with
// the configured slippage, tick-aligned and bounded by the book when
// depth is available. Fees use the same model as live so paper P&L is
// comparable.
func (e *Executor) executePaper(req Request) (models.Trade, error) {
	qualified := req.Instrument.QualifiedSymbol()
	quote, ok := e.cache.Get(qualified)
	if !ok {
		return models.Trade{}, models.Errf(models.KindValidation, "no quote for %s, cannot simulate fill", qualified)
	}

	price := e.simFillPrice(req, quote)
	fee := e.fees.Fee(req.Side, price, req.Quantity)
	trade, err := e.pf.ApplyFill(portfolio.Fill{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Exchange:      req.Exchange,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Price:         price,
		Fees:          fee,
		Product:       req.Product,
		StrategyTag:   req.StrategyTag,
		ExecutedAt:    e.now(),
	})
	if err != nil {
		return models.Trade{}, err
	}
	e.applyExitLevels(req)
	e.logger.Info().
		Str("symbol", req.Symbol).
		Str("client_order_id", req.ClientOrderID).
		Str("side", string(req.Side)).
		Int64("qty", req.Quantity).
		Str("price", price.String()).
		Str("fees", fee.String()).
		Msg("paper fill")
	return trade, nil
}

// simFillPrice applies adverse slippage to the LTP, aligns to the tick
// and clamps inside the spread when the quote carries depth.
func (e *Executor) simFillPrice(req Request, quote models.Quote) models.Money {
	price := quote.LTP
	slip := models.PercentOf(price, float64(e.slipBps)/10_000)
	if req.Side == models.SideBuy {
		price += slip
	} else {
		price -= slip
	}

	tick := req.Instrument.TickSize
	if tick > 0 {
		price = models.RoundToTick(price, tick)
	}

	if quote.HasDepth() {
		if req.Side == models.SideBuy && price > quote.Ask {
			price = quote.Ask
		}
		if req.Side == models.SideSell && price < quote.Bid {
			price = quote.Bid
		}
	}
	if price <= 0 {
		price = tick
	}
	return price
}

// applyExitLevels records stop/target on the position after an entry
// fill. Exits and flat books are no-ops.
func (e *Executor) applyExitLevels(req Request) {
	if req.IsExit || (req.StopLoss == 0 && req.TakeProfit == 0) {
		return
	}
	if err := e.pf.SetExitLevels(req.Symbol, req.StopLoss, req.TakeProfit); err != nil {
		e.logger.Warn().Err(err).Str("symbol", req.Symbol).Msg("exit levels not applied")
	}
}

func (e *Executor) trackOrder(order models.Order) {
	e.mu.Lock()
	e.openOrders[order.ClientOrderID] = order
	e.mu.Unlock()
}

func (e *Executor) untrackOrder(clientOrderID string) {
	e.mu.Lock()
	delete(e.openOrders, clientOrderID)
	e.mu.Unlock()
}

// OpenOrders returns the orders with unknown terminal state, for the
// state snapshot.
func (e *Executor) OpenOrders() []models.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Order, 0, len(e.openOrders))
	for _, o := range e.openOrders {
		out = append(out, o)
	}
	return out
}

// RestoreOpenOrders seeds the open-orders map from a loaded snapshot.
func (e *Executor) RestoreOpenOrders(orders []models.Order) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, o := range orders {
		e.openOrders[o.ClientOrderID] = o
	}
}

// ReconcileOpen resolves orders left open by a previous run: each one
// is polled to a terminal state and fills are applied to the ledger.
// Orders still non-terminal stay parked and are reported back.
func (e *Executor) ReconcileOpen(ctx context.Context) ([]models.Order, error) {
	open := e.OpenOrders()
	var unresolved []models.Order
	for _, order := range open {
		log := e.logger.With().
			Str("client_order_id", order.ClientOrderID).
			Str("broker_order_id", order.BrokerOrderID).
			Str("symbol", order.Symbol).
			Logger()

		if order.BrokerOrderID == "" {
			// Never reached the broker; nothing to reconcile.
			e.untrackOrder(order.ClientOrderID)
			log.Info().Msg("dropping open order that was never placed")
			continue
		}

		event, err := e.pollTerminal(ctx, order.BrokerOrderID, cancelVerifyIn)
		if err != nil {
			log.Error().Err(err).Msg("reconciliation: order still non-terminal")
			unresolved = append(unresolved, order)
			continue
		}
		if event.State == models.OrderFilled {
			fee := e.fees.Fee(order.Side, event.AvgPrice, event.FilledQty)
			if _, err := e.pf.ApplyFill(portfolio.Fill{
				ClientOrderID: order.ClientOrderID,
				Symbol:        order.Symbol,
				Exchange:      order.Exchange,
				Side:          order.Side,
				Quantity:      event.FilledQty,
				Price:         event.AvgPrice,
				Fees:          fee,
				Product:       order.Product,
				StrategyTag:   order.StrategyTag,
				ExecutedAt:    event.At,
			}); err != nil {
				return unresolved, err
			}
			log.Info().Int64("filled_qty", event.FilledQty).Msg("reconciled fill applied")
		} else {
			log.Info().Str("state", string(event.State)).Msg("reconciled terminal state, no fill")
		}
		e.untrackOrder(order.ClientOrderID)
	}
	return unresolved, nil
}
