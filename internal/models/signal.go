package models

// Direction of a strategy signal.
const (
	DirectionLong  = 1
	DirectionFlat  = 0
	DirectionShort = -1
)

// StrategySignal is the vote one strategy casts for an underlying.
// Strength is in [0,1]; Reason is free text for the trade log.
type StrategySignal struct {
	Strategy  string  `json:"strategy"`
	Direction int     `json:"direction"`
	Strength  float64 `json:"strength"`
	Reason    string  `json:"reason,omitempty"`
}

// AggregatedSignal is the single decision produced from all strategy
// votes for one underlying. Confidence is in [0,1].
type AggregatedSignal struct {
	Underlying string   `json:"underlying"`
	Direction  int      `json:"direction"`
	Confidence float64  `json:"confidence"`
	Agreeing   int      `json:"agreeing"`
	Reasons    []string `json:"reasons,omitempty"`
}
