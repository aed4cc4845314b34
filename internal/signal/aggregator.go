// Package signal aggregates per-strategy votes into one decision per
// underlying. Strategy implementations live outside the engine; they
// plug in through the Strategy interface.
package signal

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rsinha/tradeloop/internal/models"
)

// View is the market context handed to each strategy.
type View struct {
	Underlying string
	Spot       models.Quote
	HasOpen    bool // an open position exists on this underlying
}

// Strategy is one vote source. Evaluate must be side-effect free and
// fast; it runs inside the tick.
type Strategy interface {
	Name() string
	Evaluate(ctx context.Context, view View) models.StrategySignal
}

// Weighted pairs a strategy with its vote weight.
type Weighted struct {
	Strategy Strategy
	Weight   float64
}

// Aggregator folds weighted strategy votes into an AggregatedSignal.
type Aggregator struct {
	strategies    []Weighted
	minConfidence float64
	minAgreeing   int
	logger        zerolog.Logger
}

// NewAggregator creates an aggregator over the given strategies.
func NewAggregator(strategies []Weighted, minConfidence float64, minAgreeing int, logger zerolog.Logger) *Aggregator {
	if minAgreeing <= 0 {
		minAgreeing = 2
	}
	return &Aggregator{
		strategies:    strategies,
		minConfidence: minConfidence,
		minAgreeing:   minAgreeing,
		logger:        logger.With().Str("component", "aggregator").Logger(),
	}
}

// Aggregate runs every strategy and combines the votes: the weighted
// sum of direction times strength, normalized by total weight, gives a
// score in [-1, 1]. Direction is its sign, confidence its magnitude.
// Returns false when confidence is under the threshold or too few
// strategies agree with the winning direction.
func (a *Aggregator) Aggregate(ctx context.Context, view View) (models.AggregatedSignal, bool) {
	var score, totalWeight float64
	var longVotes, shortVotes int
	var reasons []string

	for _, w := range a.strategies {
		if w.Weight <= 0 {
			continue
		}
		sig := w.Strategy.Evaluate(ctx, view)
		if sig.Strength < 0 {
			sig.Strength = 0
		}
		if sig.Strength > 1 {
			sig.Strength = 1
		}
		score += float64(sig.Direction) * sig.Strength * w.Weight
		totalWeight += w.Weight
		switch {
		case sig.Direction > 0:
			longVotes++
		case sig.Direction < 0:
			shortVotes++
		}
		if sig.Reason != "" && sig.Direction != models.DirectionFlat {
			reasons = append(reasons, w.Strategy.Name()+": "+sig.Reason)
		}
	}
	if totalWeight == 0 {
		return models.AggregatedSignal{Underlying: view.Underlying}, false
	}

	score /= totalWeight
	direction := models.DirectionFlat
	agreeing := 0
	switch {
	case score > 0:
		direction = models.DirectionLong
		agreeing = longVotes
	case score < 0:
		direction = models.DirectionShort
		agreeing = shortVotes
	}

	agg := models.AggregatedSignal{
		Underlying: view.Underlying,
		Direction:  direction,
		Confidence: abs(score),
		Agreeing:   agreeing,
		Reasons:    reasons,
	}

	if direction == models.DirectionFlat || agg.Confidence < a.minConfidence || agreeing < a.minAgreeing {
		a.logger.Debug().
			Str("underlying", view.Underlying).
			Int("direction", direction).
			Float64("confidence", agg.Confidence).
			Int("agreeing", agreeing).
			Msg("aggregated signal dropped")
		return agg, false
	}
	return agg, true
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
