package orders

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/rsinha/tradeloop/internal/broker"
	"github.com/rsinha/tradeloop/internal/fees"
	"github.com/rsinha/tradeloop/internal/models"
	"github.com/rsinha/tradeloop/internal/portfolio"
	"github.com/rsinha/tradeloop/internal/quotes"
	"github.com/rsinha/tradeloop/internal/risk"
)

// fakeBroker scripts order lifecycle behavior per test.
type fakeBroker struct {
	mu sync.Mutex

	placeID    string
	placeErr   error
	placed     []models.OrderRequest
	histories  [][]models.OrderEvent // consumed one per OrderHistory call; last repeats
	historyErr error
	cancelErr  error
	cancelled  []string
	// afterCancel replaces the history script once CancelOrder is called.
	afterCancel []models.OrderEvent
}

func (f *fakeBroker) Instruments(context.Context, models.Exchange) ([]models.Instrument, error) {
	return nil, nil
}
func (f *fakeBroker) Quotes(context.Context, []string) (map[string]models.Quote, error) {
	return map[string]models.Quote{}, nil
}
func (f *fakeBroker) PlaceOrder(_ context.Context, req models.OrderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, req)
	return f.placeID, f.placeErr
}
func (f *fakeBroker) OrderHistory(context.Context, string) ([]models.OrderEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	if len(f.cancelled) > 0 && f.afterCancel != nil {
		return f.afterCancel, nil
	}
	if len(f.histories) == 0 {
		return nil, nil
	}
	events := f.histories[0]
	if len(f.histories) > 1 {
		f.histories = f.histories[1:]
	}
	return events, nil
}
func (f *fakeBroker) CancelOrder(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return f.cancelErr
}
func (f *fakeBroker) Positions(context.Context) ([]broker.BrokerPosition, error) { return nil, nil }
func (f *fakeBroker) MarginFor(context.Context, models.OrderRequest) (models.Money, error) {
	return 0, nil
}
func (f *fakeBroker) AvailableMargin(context.Context) (models.Money, error) { return 0, nil }

// passGate approves everything; rejectGate returns a fixed error.
type passGate struct{}

func (passGate) Check(context.Context, risk.Candidate) error { return nil }

type rejectGate struct{ err error }

func (g rejectGate) Check(context.Context, risk.Candidate) error { return g.err }

var niftyOption = models.Instrument{
	Token:      12345,
	Symbol:     "NIFTY24DEC24000CE",
	Exchange:   models.ExchangeNFO,
	Type:       models.TypeOptionCall,
	Underlying: "NIFTY",
	LotSize:    50,
	TickSize:   5,
}

func newFixture(t *testing.T, brk broker.Broker, gate Gater, live bool, timeout time.Duration) (*Executor, *portfolio.Portfolio, *quotes.Cache) {
	t.Helper()
	pf := portfolio.New(10_000_000, time.UTC, zerolog.Nop())
	cache := quotes.New(brk, time.Minute, 16, zerolog.Nop())
	feeModel, err := fees.New("flat")
	require.NoError(t, err)
	exec := NewExecutor(brk, pf, gate, cache, feeModel, live, timeout, 10, zerolog.Nop())
	return exec, pf, cache
}

func entryRequest() Request {
	return Request{
		OrderRequest: models.OrderRequest{
			Symbol:   niftyOption.Symbol,
			Exchange: models.ExchangeNFO,
			Side:     models.SideBuy,
			Quantity: 50,
			Product:  models.ProductNormal,
		},
		Instrument: niftyOption,
		StopLoss:   9_000,
		TakeProfit: 12_500,
	}
}

func TestExecuteLiveFill(t *testing.T) {
	brk := &fakeBroker{
		placeID: "BRK-1",
		histories: [][]models.OrderEvent{
			{{OrderID: "BRK-1", State: models.OrderPlaced}},
			{
				{OrderID: "BRK-1", State: models.OrderPlaced},
				{OrderID: "BRK-1", State: models.OrderFilled, FilledQty: 50, AvgPrice: 10_050, At: time.Now()},
			},
		},
	}
	exec, pf, _ := newFixture(t, brk, passGate{}, true, 5*time.Second)

	trade, err := exec.Execute(context.Background(), entryRequest())
	require.NoError(t, err)

	// Broker's terminal event wins over the request.
	assert.Equal(t, int64(50), trade.Quantity)
	assert.Equal(t, models.Money(10_050), trade.Price)

	pos, ok := pf.Position(niftyOption.Symbol)
	require.True(t, ok)
	assert.Equal(t, int64(50), pos.SignedQty)
	assert.Equal(t, models.Money(9_000), pos.StopLoss)
	assert.Equal(t, models.Money(12_500), pos.TakeProfit)
	assert.Empty(t, exec.OpenOrders())
}

func TestExecuteLiveRejectedNoPhantomCash(t *testing.T) {
	brk := &fakeBroker{
		placeID: "BRK-2",
		histories: [][]models.OrderEvent{
			{{OrderID: "BRK-2", State: models.OrderRejected, Reason: "insufficient margin"}},
		},
	}
	exec, pf, _ := newFixture(t, brk, passGate{}, true, 5*time.Second)
	cashBefore := pf.Cash()

	_, err := exec.Execute(context.Background(), entryRequest())
	require.Error(t, err)
	assert.Equal(t, models.KindOrderRejected, models.KindOf(err))

	assert.Equal(t, cashBefore, pf.Cash())
	_, held := pf.Position(niftyOption.Symbol)
	assert.False(t, held)
	assert.Empty(t, exec.OpenOrders())
}

func TestExecuteLiveTimeoutCancelled(t *testing.T) {
	// Polling never sees a terminal state; the cancel succeeds and the
	// verification poll confirms CANCELLED.
	brk := &fakeBroker{
		placeID: "BRK-3",
		histories: [][]models.OrderEvent{
			{{OrderID: "BRK-3", State: models.OrderPlaced}},
		},
		afterCancel: []models.OrderEvent{
			{OrderID: "BRK-3", State: models.OrderCancelled},
		},
	}
	exec, pf, _ := newFixture(t, brk, passGate{}, true, 400*time.Millisecond)
	cashBefore := pf.Cash()

	_, err := exec.Execute(context.Background(), entryRequest())
	require.Error(t, err)
	assert.Equal(t, models.KindOrderTimeout, models.KindOf(err))
	assert.Contains(t, err.Error(), "TIMED_OUT_CANCELLED")

	assert.Equal(t, []string{"BRK-3"}, brk.cancelled)
	assert.Equal(t, cashBefore, pf.Cash())
	assert.Empty(t, exec.OpenOrders())
}

func TestExecuteLiveFilledDuringCancel(t *testing.T) {
	// The fill lands while the cancel is in flight: treated as FILLED.
	brk := &fakeBroker{
		placeID: "BRK-4",
		histories: [][]models.OrderEvent{
			{{OrderID: "BRK-4", State: models.OrderPlaced}},
		},
		afterCancel: []models.OrderEvent{
			{OrderID: "BRK-4", State: models.OrderFilled, FilledQty: 50, AvgPrice: 10_000, At: time.Now()},
		},
	}
	exec, pf, _ := newFixture(t, brk, passGate{}, true, 400*time.Millisecond)

	trade, err := exec.Execute(context.Background(), entryRequest())
	require.NoError(t, err)
	assert.Equal(t, int64(50), trade.Quantity)

	pos, ok := pf.Position(niftyOption.Symbol)
	require.True(t, ok)
	assert.Equal(t, int64(50), pos.SignedQty)
}

func TestExecuteLiveReconciliationRequired(t *testing.T) {
	// Neither the poll nor the cancel resolves the order: it stays
	// parked in open orders for the next startup.
	brk := &fakeBroker{
		placeID: "BRK-5",
		histories: [][]models.OrderEvent{
			{{OrderID: "BRK-5", State: models.OrderPlaced}},
		},
	}
	exec, pf, _ := newFixture(t, brk, passGate{}, true, 300*time.Millisecond)
	cashBefore := pf.Cash()

	_, err := exec.Execute(context.Background(), entryRequest())
	require.Error(t, err)
	assert.Equal(t, models.KindReconciliationRequired, models.KindOf(err))
	assert.Equal(t, cashBefore, pf.Cash())

	open := exec.OpenOrders()
	require.Len(t, open, 1)
	assert.Equal(t, "BRK-5", open[0].BrokerOrderID)
}

func TestExecuteRiskRejectedBeforePlacement(t *testing.T) {
	brk := &fakeBroker{placeID: "BRK-6"}
	gateErr := &models.EngineError{Kind: models.KindRiskRejected, Message: risk.ReasonInsufficientCash}
	exec, pf, _ := newFixture(t, brk, rejectGate{err: gateErr}, true, time.Second)
	cashBefore := pf.Cash()

	_, err := exec.Execute(context.Background(), entryRequest())
	require.Error(t, err)
	assert.Equal(t, models.KindRiskRejected, models.KindOf(err))
	assert.Empty(t, brk.placed, "rejected order must never reach the broker")
	assert.Equal(t, cashBefore, pf.Cash())
}

func TestExecutePaperFill(t *testing.T) {
	brk := &fakeBroker{}
	exec, pf, cache := newFixture(t, brk, passGate{}, false, time.Second)

	cache.Put(models.Quote{
		Symbol:   niftyOption.Symbol,
		Exchange: models.ExchangeNFO,
		LTP:      10_000,
		Bid:      9_995,
		Ask:      10_005,
		At:       time.Now(),
	})

	trade, err := exec.Execute(context.Background(), entryRequest())
	require.NoError(t, err)
	assert.Empty(t, brk.placed, "paper mode never places broker orders")

	// 10 bps slippage on 10,000 is 10 paise, tick-aligned to 5, capped
	// at the ask.
	assert.Equal(t, models.Money(10_005), trade.Price)

	pos, ok := pf.Position(niftyOption.Symbol)
	require.True(t, ok)
	assert.Equal(t, int64(50), pos.SignedQty)
	assert.Equal(t, models.Money(9_000), pos.StopLoss)
}

func TestExecutePaperNoQuote(t *testing.T) {
	exec, pf, _ := newFixture(t, &fakeBroker{}, passGate{}, false, time.Second)
	cashBefore := pf.Cash()

	_, err := exec.Execute(context.Background(), entryRequest())
	require.Error(t, err)
	assert.Equal(t, models.KindValidation, models.KindOf(err))
	assert.Equal(t, cashBefore, pf.Cash())
}

func TestExecuteValidation(t *testing.T) {
	exec, _, _ := newFixture(t, &fakeBroker{}, passGate{}, false, time.Second)

	bad := entryRequest()
	bad.Quantity = 0
	_, err := exec.Execute(context.Background(), bad)
	assert.Equal(t, models.KindValidation, models.KindOf(err))

	bad = entryRequest()
	bad.Symbol = "SOMETHING_ELSE"
	_, err = exec.Execute(context.Background(), bad)
	assert.Equal(t, models.KindValidation, models.KindOf(err))

	bad = entryRequest()
	bad.Side = "HOLD"
	_, err = exec.Execute(context.Background(), bad)
	assert.Equal(t, models.KindValidation, models.KindOf(err))
}

func TestReconcileOpenAppliesFill(t *testing.T) {
	brk := &fakeBroker{
		histories: [][]models.OrderEvent{
			{{OrderID: "BRK-7", State: models.OrderFilled, FilledQty: 50, AvgPrice: 10_000, At: time.Now()}},
		},
	}
	exec, pf, _ := newFixture(t, brk, passGate{}, true, time.Second)

	exec.RestoreOpenOrders([]models.Order{{
		ClientOrderID: "c-7",
		BrokerOrderID: "BRK-7",
		Symbol:        niftyOption.Symbol,
		Exchange:      models.ExchangeNFO,
		Side:          models.SideBuy,
		Quantity:      50,
		Product:       models.ProductNormal,
		State:         models.OrderPlaced,
	}})

	unresolved, err := exec.ReconcileOpen(context.Background())
	require.NoError(t, err)
	assert.Empty(t, unresolved)
	assert.Empty(t, exec.OpenOrders())

	pos, ok := pf.Position(niftyOption.Symbol)
	require.True(t, ok)
	assert.Equal(t, int64(50), pos.SignedQty)
}

// staticCatalog satisfies risk.Lookup for gate wiring in tests.
type staticCatalog map[string]models.Instrument

func (c staticCatalog) Find(symbol string) (models.Instrument, bool) {
	inst, ok := c[symbol]
	return inst, ok
}

func TestConcurrentExecutesSameSymbolOnlyOneOpens(t *testing.T) {
	// Two concurrent entries on one symbol run through the real risk
	// gate: exactly one fills, the other is turned away as a duplicate.
	// The gate check runs under the per-symbol lock, so the loser always
	// sees the winner's position.
	brk := &fakeBroker{}
	pf := portfolio.New(10_000_000, time.UTC, zerolog.Nop())
	cache := quotes.New(brk, time.Minute, 16, zerolog.Nop())
	feeModel, err := fees.New("flat")
	require.NoError(t, err)
	gate := risk.NewGate(risk.Params{
		RiskPctPerTrade: 0.01,
		MinRiskReward:   1.5,
	}, nil, risk.NewBanList("", zerolog.Nop()), pf,
		staticCatalog{niftyOption.Symbol: niftyOption}, brk, feeModel, false, zerolog.Nop())
	exec := NewExecutor(brk, pf, gate, cache, feeModel, false, time.Second, 10, zerolog.Nop())

	cache.Put(models.Quote{
		Symbol:   niftyOption.Symbol,
		Exchange: models.ExchangeNFO,
		LTP:      10_000,
		At:       time.Now(),
	})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := entryRequest()
			req.ClientOrderID = "conc-" + string(rune('a'+i))
			_, errs[i] = exec.Execute(context.Background(), req)
		}(i)
	}
	wg.Wait()

	var rejected []error
	for _, e := range errs {
		if e != nil {
			rejected = append(rejected, e)
		}
	}
	require.Len(t, rejected, 1, "exactly one of the two entries must be rejected")
	assert.Equal(t, models.KindRiskRejected, models.KindOf(rejected[0]))
	assert.Contains(t, rejected[0].Error(), risk.ReasonDuplicate)

	pos, ok := pf.Position(niftyOption.Symbol)
	require.True(t, ok)
	assert.Equal(t, int64(50), pos.SignedQty, "only one entry may open the position")
}
