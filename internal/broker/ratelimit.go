package broker

import (
	"context"

	"github.com/rsinha/tradeloop/internal/models"
	"golang.org/x/time/rate"
)

// RateLimitedBroker wraps a Broker with a process-global token bucket.
// Every call, read or write, waits for a token; the wait respects the
// caller's deadline, so a saturated bucket surfaces as RATE_LIMITED
// instead of blocking a tick indefinitely.
type RateLimitedBroker struct {
	broker  Broker
	limiter *rate.Limiter
}

// Compile-time interface check.
var _ Broker = (*RateLimitedBroker)(nil)

// NewRateLimitedBroker wraps broker with a token bucket of the given
// sustained rate and burst.
func NewRateLimitedBroker(broker Broker, perSecond float64, burst int) *RateLimitedBroker {
	if perSecond <= 0 {
		perSecond = 3
	}
	if burst <= 0 {
		burst = 10
	}
	return &RateLimitedBroker{
		broker:  broker,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (r *RateLimitedBroker) wait(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return models.WrapErr(models.KindRateLimited, err, "rate limiter wait exceeded deadline")
	}
	return nil
}

// Instruments waits for a token then delegates.
func (r *RateLimitedBroker) Instruments(ctx context.Context, exchange models.Exchange) ([]models.Instrument, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.broker.Instruments(ctx, exchange)
}

// Quotes waits for a token then delegates. One token per batch.
func (r *RateLimitedBroker) Quotes(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.broker.Quotes(ctx, symbols)
}

// PlaceOrder waits for a token then delegates.
func (r *RateLimitedBroker) PlaceOrder(ctx context.Context, req models.OrderRequest) (string, error) {
	if err := r.wait(ctx); err != nil {
		return "", err
	}
	return r.broker.PlaceOrder(ctx, req)
}

// OrderHistory waits for a token then delegates.
func (r *RateLimitedBroker) OrderHistory(ctx context.Context, brokerOrderID string) ([]models.OrderEvent, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.broker.OrderHistory(ctx, brokerOrderID)
}

// CancelOrder waits for a token then delegates.
func (r *RateLimitedBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if err := r.wait(ctx); err != nil {
		return err
	}
	return r.broker.CancelOrder(ctx, brokerOrderID)
}

// Positions waits for a token then delegates.
func (r *RateLimitedBroker) Positions(ctx context.Context) ([]BrokerPosition, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.broker.Positions(ctx)
}

// MarginFor waits for a token then delegates.
func (r *RateLimitedBroker) MarginFor(ctx context.Context, req models.OrderRequest) (models.Money, error) {
	if err := r.wait(ctx); err != nil {
		return 0, err
	}
	return r.broker.MarginFor(ctx, req)
}

// AvailableMargin waits for a token then delegates.
func (r *RateLimitedBroker) AvailableMargin(ctx context.Context) (models.Money, error) {
	if err := r.wait(ctx); err != nil {
		return 0, err
	}
	return r.broker.AvailableMargin(ctx)
}
