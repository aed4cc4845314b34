package models

import (
	"time"
)

// Side is the direction of an order.
type Side string

// Order sides.
const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Product is the broker product an order is booked under.
type Product string

// Products. NORMAL is used for positional F&O, INTRADAY (MIS) for
// same-day equity, DELIVERY (CNC) for positional equity.
const (
	ProductIntraday Product = "INTRADAY"
	ProductDelivery Product = "DELIVERY"
	ProductNormal   Product = "NORMAL"
)

// OrderState is the lifecycle state of an order. Transitions are
// monotonic: once terminal an order is immutable.
type OrderState string

// Order states.
const (
	OrderPendingPlacement OrderState = "PENDING_PLACEMENT"
	OrderPlaced           OrderState = "PLACED"
	OrderPartiallyFilled  OrderState = "PARTIALLY_FILLED"
	OrderFilled           OrderState = "FILLED"
	OrderRejected         OrderState = "REJECTED"
	OrderCancelled        OrderState = "CANCELLED"
	OrderTimedOut         OrderState = "TIMED_OUT"
)

// IsTerminal reports whether the state admits no further transitions.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderRejected, OrderCancelled, OrderTimedOut:
		return true
	}
	return false
}

// OrderRequest is what callers hand the executor. ClientOrderID is
// generated before placement and is the correlation id across logs,
// the open-orders map and the state snapshot.
type OrderRequest struct {
	ClientOrderID string   `json:"client_order_id"`
	Symbol        string   `json:"symbol"`
	Exchange      Exchange `json:"exchange"`
	Side          Side     `json:"side"`
	Quantity      int64    `json:"quantity"`
	Product       Product  `json:"product"`
	LimitPrice    Money    `json:"limit_price,omitempty"` // zero means market
	StrategyTag   string   `json:"strategy_tag,omitempty"`
	// Exit orders bypass entry-side risk gating and are allowed during
	// PRE_CLOSE and the flatten window.
	IsExit bool `json:"is_exit,omitempty"`
}

// Order is the tracked lifecycle of one placed order.
type Order struct {
	ClientOrderID string     `json:"client_order_id"`
	BrokerOrderID string     `json:"broker_order_id,omitempty"`
	Symbol        string     `json:"symbol"`
	Exchange      Exchange   `json:"exchange"`
	Side          Side       `json:"side"`
	Quantity      int64      `json:"quantity"`
	Product       Product    `json:"product"`
	State         OrderState `json:"state"`
	FilledQty     int64      `json:"filled_qty"`
	AvgFillPrice  Money      `json:"avg_fill_price"`
	PlacedAt      time.Time  `json:"placed_at,omitempty"`
	TerminalAt    time.Time  `json:"terminal_at,omitempty"`
	Rejection     string     `json:"rejection,omitempty"`
	StrategyTag   string     `json:"strategy_tag,omitempty"`
	IsExit        bool       `json:"is_exit,omitempty"`
}

// OrderEvent is one entry from the broker's order history. The most
// recent event carries the current state and, when filled, the fill
// quantity and average price.
type OrderEvent struct {
	OrderID   string     `json:"order_id"`
	State     OrderState `json:"state"`
	FilledQty int64      `json:"filled_qty"`
	AvgPrice  Money      `json:"avg_price"`
	Reason    string     `json:"reason,omitempty"`
	At        time.Time  `json:"at"`
}
