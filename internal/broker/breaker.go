package broker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rsinha/tradeloop/internal/models"
	"github.com/sony/gobreaker"
)

// CircuitBreakerBroker wraps a Broker with circuit breaker
// functionality. Consecutive transient failures open the circuit; a
// half-open probe admits a few requests before fully resetting.
// Permanent rejections (4xx semantics) do not count as failures.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// Compile-time interface check.
var _ Broker = (*CircuitBreakerBroker)(nil)

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests      uint32        // Max requests when half-open
	Interval         time.Duration // Reset counts interval
	OpenFor          time.Duration // Open circuit duration
	FailureThreshold uint32        // Consecutive failures before tripping
}

// NewCircuitBreakerBroker creates a CircuitBreakerBroker.
func NewCircuitBreakerBroker(broker Broker, settings CircuitBreakerSettings, logger zerolog.Logger) *CircuitBreakerBroker {
	if settings.MaxRequests == 0 {
		settings.MaxRequests = 3
	}
	if settings.Interval <= 0 {
		settings.Interval = time.Minute
	}
	if settings.OpenFor <= 0 {
		settings.OpenFor = time.Minute
	}
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = 5
	}

	gbSettings := gobreaker.Settings{
		Name:        "broker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// A broker that answers "no" is healthy. Only transport
			// and 5xx failures count toward tripping.
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.Permanent() {
				return true
			}
			return models.KindOf(err) == models.KindOrderRejected
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// execBreaker is a generic helper for circuit breaker wrapper methods.
func execBreaker[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	res, err := cb.Execute(func() (interface{}, error) { return fn() })
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, models.WrapErr(models.KindTransientBroker, err, "circuit breaker open")
		}
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// Instruments wraps the underlying broker call with the breaker.
func (c *CircuitBreakerBroker) Instruments(ctx context.Context, exchange models.Exchange) ([]models.Instrument, error) {
	return execBreaker(c.breaker, func() ([]models.Instrument, error) { return c.broker.Instruments(ctx, exchange) })
}

// Quotes wraps the underlying broker call with the breaker.
func (c *CircuitBreakerBroker) Quotes(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	return execBreaker(c.breaker, func() (map[string]models.Quote, error) { return c.broker.Quotes(ctx, symbols) })
}

// PlaceOrder wraps the underlying broker call with the breaker.
func (c *CircuitBreakerBroker) PlaceOrder(ctx context.Context, req models.OrderRequest) (string, error) {
	return execBreaker(c.breaker, func() (string, error) { return c.broker.PlaceOrder(ctx, req) })
}

// OrderHistory wraps the underlying broker call with the breaker.
func (c *CircuitBreakerBroker) OrderHistory(ctx context.Context, brokerOrderID string) ([]models.OrderEvent, error) {
	return execBreaker(c.breaker, func() ([]models.OrderEvent, error) { return c.broker.OrderHistory(ctx, brokerOrderID) })
}

// CancelOrder wraps the underlying broker call with the breaker.
func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	_, err := execBreaker(c.breaker, func() (struct{}, error) { return struct{}{}, c.broker.CancelOrder(ctx, brokerOrderID) })
	return err
}

// Positions wraps the underlying broker call with the breaker.
func (c *CircuitBreakerBroker) Positions(ctx context.Context) ([]BrokerPosition, error) {
	return execBreaker(c.breaker, func() ([]BrokerPosition, error) { return c.broker.Positions(ctx) })
}

// MarginFor wraps the underlying broker call with the breaker.
func (c *CircuitBreakerBroker) MarginFor(ctx context.Context, req models.OrderRequest) (models.Money, error) {
	return execBreaker(c.breaker, func() (models.Money, error) { return c.broker.MarginFor(ctx, req) })
}

// AvailableMargin wraps the underlying broker call with the breaker.
func (c *CircuitBreakerBroker) AvailableMargin(ctx context.Context) (models.Money, error) {
	return execBreaker(c.breaker, func() (models.Money, error) { return c.broker.AvailableMargin(ctx) })
}
