// Package broker provides access to the broker gateway: instrument
// catalog dumps, batched quotes, order placement and confirmation,
// positions and margin queries. The concrete client is wrapped by a
// token-bucket rate limiter and a circuit breaker; callers always hold
// the wrapped interface.
package broker

import (
	"context"

	"github.com/rsinha/tradeloop/internal/models"
)

// Broker defines the interface for interacting with the brokerage.
type Broker interface {
	// Instruments returns the full catalog dump for an exchange.
	Instruments(ctx context.Context, exchange models.Exchange) ([]models.Instrument, error)

	// Quotes returns quotes for a batch of exchange-qualified symbols
	// ("NFO:NIFTY24DEC24000CE"). Prefer batches; single-symbol calls
	// burn the same rate-limit token.
	Quotes(ctx context.Context, symbols []string) (map[string]models.Quote, error)

	// PlaceOrder submits an order and returns the broker order id.
	// Cash is never touched here; the portfolio is mutated only after
	// a confirmed terminal fill.
	PlaceOrder(ctx context.Context, req models.OrderRequest) (string, error)

	// OrderHistory returns the event trail for an order, oldest first.
	// The last event carries the current state and, if filled, the
	// filled quantity and average price.
	OrderHistory(ctx context.Context, brokerOrderID string) ([]models.OrderEvent, error)

	// CancelOrder requests cancellation. Best effort: the terminal
	// state must be verified via OrderHistory afterwards.
	CancelOrder(ctx context.Context, brokerOrderID string) error

	// Positions returns the broker's authoritative position view.
	// Consulted only at startup reconciliation in live mode.
	Positions(ctx context.Context) ([]BrokerPosition, error)

	// MarginFor returns the margin the broker requires for the order.
	MarginFor(ctx context.Context, req models.OrderRequest) (models.Money, error)

	// AvailableMargin returns the free margin on the account.
	AvailableMargin(ctx context.Context) (models.Money, error)
}

// BrokerPosition is the broker-side view of one open position.
type BrokerPosition struct {
	Symbol    string          `json:"symbol"`
	Exchange  models.Exchange `json:"exchange"`
	SignedQty int64           `json:"signed_qty"`
	AvgPrice  models.Money    `json:"avg_price"`
	Product   models.Product  `json:"product"`
}

// LastEvent returns the most recent event from a history trail, or a
// zero event when the trail is empty.
func LastEvent(events []models.OrderEvent) (models.OrderEvent, bool) {
	if len(events) == 0 {
		return models.OrderEvent{}, false
	}
	return events[len(events)-1], true
}
