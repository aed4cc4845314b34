package risk

import (
	"math"

	"github.com/rsinha/tradeloop/internal/models"
)

// SizerParams are the sizing knobs, taken from config.RiskConfig.
type SizerParams struct {
	RiskPctPerTrade float64
	MaxPositionPct  float64
}

// Sizer converts a signal into a lot-aligned quantity.
type Sizer struct {
	params SizerParams
}

// NewSizer creates a sizer with the given parameters.
func NewSizer(params SizerParams) *Sizer {
	return &Sizer{params: params}
}

// SizeInput is everything sizing needs for one candidate.
type SizeInput struct {
	Entry      models.Money
	StopLoss   models.Money
	Equity     models.Money
	LotSize    int64
	Confidence float64 // aggregated signal confidence in [0,1]
	ATR        models.Money
}

// Size returns the quantity to trade, or zero when the lot-aligned
// result is under one lot. Policy: risk budget divided by stop
// distance, scaled by confidence, floored to the lot size, then capped
// by the max position value and, when an ATR is supplied, by its
// inverse.
func (s *Sizer) Size(in SizeInput) int64 {
	if in.Entry <= 0 || in.Equity <= 0 {
		return 0
	}
	stopDistance := (in.Entry - in.StopLoss).Abs()
	if in.StopLoss == 0 || stopDistance == 0 {
		return 0
	}
	lot := in.LotSize
	if lot <= 0 {
		lot = 1
	}

	baseRisk := float64(in.Equity) * s.params.RiskPctPerTrade
	rawQty := baseRisk / float64(stopDistance)

	confidence := math.Max(0, math.Min(1, in.Confidence))
	scaled := rawQty * (0.5 + 0.5*confidence)

	// Cap by position value before lot alignment so the caps compose.
	maxByValue := s.params.MaxPositionPct * float64(in.Equity) / float64(in.Entry)
	if scaled > maxByValue {
		scaled = maxByValue
	}
	if in.ATR > 0 {
		// Volatility-inverse cap: the risk budget measured against the
		// instrument's typical daily range.
		maxByVol := baseRisk / float64(in.ATR)
		if scaled > maxByVol {
			scaled = maxByVol
		}
	}

	qty := int64(math.Floor(scaled/float64(lot))) * lot
	if qty < lot {
		return 0
	}
	return qty
}
