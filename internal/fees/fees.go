// Package fees implements the transaction-cost models applied to every
// fill, paper or live. The same model instance serves both modes so
// strategy P&L stays comparable.
//
// The preset formulas follow the standard Indian discount-broker
// schedule: brokerage (flat or turnover-capped), STT, exchange
// transaction charges, SEBI fee, 18% GST on the service components,
// and buy-side stamp duty. All percentage math is exact decimal over
// paise, rounded to the nearest paisa at the end.
package fees

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/rsinha/tradeloop/internal/models"
)

// Model computes the total fee for one fill.
type Model interface {
	// Name identifies the preset in logs and the snapshot.
	Name() string
	// Fee returns the all-in cost for a fill of qty units at price.
	Fee(side models.Side, price models.Money, qty int64) models.Money
}

// New returns the preset registered under name.
func New(name string) (Model, error) {
	switch name {
	case "flat":
		return Flat{PerTrade: 20}, nil
	case "zero":
		return Flat{PerTrade: 0}, nil
	case "equity_intraday":
		return schedule{
			name:          "equity_intraday",
			brokeragePct:  dec("0.0003"), // 0.03% capped at ₹20
			brokerageCap:  2000,
			sttBuyPct:     decimal.Zero,
			sttSellPct:    dec("0.00025"), // 0.025% sell side
			exchangePct:   dec("0.0000297"),
			stampBuyPct:   dec("0.00003"),
		}, nil
	case "equity_delivery":
		return schedule{
			name:          "equity_delivery",
			brokeragePct:  decimal.Zero, // zero-brokerage delivery
			brokerageCap:  0,
			sttBuyPct:     dec("0.001"), // 0.1% both sides
			sttSellPct:    dec("0.001"),
			exchangePct:   dec("0.0000297"),
			stampBuyPct:   dec("0.00015"),
		}, nil
	case "index_options":
		return schedule{
			name:          "index_options",
			brokerageFlat: 2000, // ₹20 per executed order
			sttBuyPct:     decimal.Zero,
			sttSellPct:    dec("0.001"), // 0.1% of premium, sell side
			exchangePct:   dec("0.0003503"),
			stampBuyPct:   dec("0.00003"),
		}, nil
	default:
		return nil, fmt.Errorf("unknown fee model %q", name)
	}
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic("fees: bad rate constant " + s)
	}
	return d
}

// Flat charges a fixed amount of paise per fill regardless of size.
// Used by tests and as a conservative paper default.
type Flat struct {
	PerTrade models.Money
}

// Name implements Model.
func (f Flat) Name() string { return "flat" }

// Fee implements Model.
func (f Flat) Fee(models.Side, models.Money, int64) models.Money { return f.PerTrade }

// sebiPct is the SEBI turnover fee, ₹10 per crore.
var sebiPct = dec("0.000001")

// gstPct is applied to brokerage + exchange + SEBI components.
var gstPct = dec("0.18")

type schedule struct {
	name          string
	brokerageFlat models.Money    // flat per order, paise
	brokeragePct  decimal.Decimal // pct of turnover
	brokerageCap  models.Money    // cap on pct brokerage, paise (0 = no cap)
	sttBuyPct     decimal.Decimal
	sttSellPct    decimal.Decimal
	exchangePct   decimal.Decimal
	stampBuyPct   decimal.Decimal
}

func (s schedule) Name() string { return s.name }

func (s schedule) Fee(side models.Side, price models.Money, qty int64) models.Money {
	turnover := decimal.NewFromInt(int64(price.MulQty(qty)))

	brokerage := decimal.NewFromInt(int64(s.brokerageFlat))
	if s.brokeragePct.IsPositive() {
		b := turnover.Mul(s.brokeragePct)
		if s.brokerageCap > 0 {
			limit := decimal.NewFromInt(int64(s.brokerageCap))
			if b.GreaterThan(limit) {
				b = limit
			}
		}
		brokerage = brokerage.Add(b)
	}

	stt := decimal.Zero
	if side == models.SideBuy {
		stt = turnover.Mul(s.sttBuyPct)
	} else {
		stt = turnover.Mul(s.sttSellPct)
	}

	exchange := turnover.Mul(s.exchangePct)
	sebi := turnover.Mul(sebiPct)
	gst := brokerage.Add(exchange).Add(sebi).Mul(gstPct)

	stamp := decimal.Zero
	if side == models.SideBuy {
		stamp = turnover.Mul(s.stampBuyPct)
	}

	total := brokerage.Add(stt).Add(exchange).Add(sebi).Add(gst).Add(stamp)
	return models.Money(total.Round(0).IntPart())
}
