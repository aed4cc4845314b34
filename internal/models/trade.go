package models

import "time"

// Trade is an immutable execution record appended to the session
// history by the portfolio after a confirmed fill.
type Trade struct {
	TradeID       string    `json:"trade_id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Quantity      int64     `json:"quantity"`
	Price         Money     `json:"price"`
	GrossValue    Money     `json:"gross_value"`
	Fees          Money     `json:"fees"`
	NetValue      Money     `json:"net_value"`
	ExecutedAt    time.Time `json:"executed_at"`
	// RealizedPnL is set on closing trades; zero for opening trades.
	RealizedPnL Money `json:"realized_pnl"`
	StrategyTag string `json:"strategy_tag,omitempty"`
}

// SignedNetValue returns the cash-flow sign convention used by the
// ledger equation: buys consume cash (negative), sells release it.
func (t Trade) SignedNetValue() Money {
	if t.Side == SideBuy {
		return -t.NetValue
	}
	return t.NetValue
}
