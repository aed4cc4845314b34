package models

import "time"

// Quote is one market data observation for an instrument.
type Quote struct {
	Symbol   string    `json:"symbol"`
	Exchange Exchange  `json:"exchange"`
	LTP      Money     `json:"ltp"`
	Bid      Money     `json:"bid,omitempty"`
	Ask      Money     `json:"ask,omitempty"`
	Volume   int64     `json:"volume,omitempty"`
	At       time.Time `json:"at"`
}

// HasDepth reports whether the quote carries a usable bid/ask.
func (q Quote) HasDepth() bool {
	return q.Bid > 0 && q.Ask > 0 && q.Ask >= q.Bid
}
