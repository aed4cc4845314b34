package models

import (
	"fmt"
	"time"
)

// Position is one open position in the ledger. SignedQty > 0 is long,
// < 0 is short; a live position is never zero.
//
// InvestedAmount is the fee-inclusive basis: for longs the total cost
// paid (price + fees), for shorts the net credit received (proceeds −
// fees). Averaging accumulates it; closing scales it down pro rata.
type Position struct {
	Symbol         string    `json:"symbol"`
	Exchange       Exchange  `json:"exchange"`
	SignedQty      int64     `json:"signed_qty"`
	AvgEntryPrice  Money     `json:"avg_entry_price"`
	InvestedAmount Money     `json:"invested_amount"`
	StopLoss       Money     `json:"stop_loss,omitempty"`
	TakeProfit     Money     `json:"take_profit,omitempty"`
	EntryTime      time.Time `json:"entry_time"`
	StrategyTag    string    `json:"strategy_tag,omitempty"`
	Product        Product   `json:"product"`

	// Mark is the last LTP applied by MarkPrices. Monitoring state
	// only, never persisted as part of the ledger.
	Mark Money `json:"-"`
}

// IsLong reports whether the position is long.
func (p Position) IsLong() bool { return p.SignedQty > 0 }

// IsShort reports whether the position is short.
func (p Position) IsShort() bool { return p.SignedQty < 0 }

// AbsQty returns the unsigned quantity.
func (p Position) AbsQty() int64 {
	if p.SignedQty < 0 {
		return -p.SignedQty
	}
	return p.SignedQty
}

// MarkValue returns the signed value of the position at the given
// price: positive for longs, negative for shorts.
func (p Position) MarkValue(price Money) Money {
	return price.MulQty(p.SignedQty)
}

// UnrealizedPnL returns the open PnL at the given mark, relative to the
// fee-inclusive basis.
func (p Position) UnrealizedPnL(mark Money) Money {
	if p.IsLong() {
		return mark.MulQty(p.SignedQty) - p.InvestedAmount
	}
	// Short: credit received minus what it would cost to buy back.
	return p.InvestedAmount - mark.MulQty(p.AbsQty())
}

// StopHit reports whether the mark has crossed the stop-loss.
func (p Position) StopHit(mark Money) bool {
	if p.StopLoss == 0 {
		return false
	}
	if p.IsLong() {
		return mark <= p.StopLoss
	}
	return mark >= p.StopLoss
}

// TargetHit reports whether the mark has crossed the take-profit.
func (p Position) TargetHit(mark Money) bool {
	if p.TakeProfit == 0 {
		return false
	}
	if p.IsLong() {
		return mark >= p.TakeProfit
	}
	return mark <= p.TakeProfit
}

// Validate checks the position invariants: non-zero quantity, lot
// alignment, and stop/target ordering around the entry price.
func (p Position) Validate(lotSize int64) error {
	if p.SignedQty == 0 {
		return fmt.Errorf("position %s has zero quantity", p.Symbol)
	}
	if lotSize > 0 && p.AbsQty()%lotSize != 0 {
		return fmt.Errorf("position %s qty %d not a multiple of lot size %d", p.Symbol, p.AbsQty(), lotSize)
	}
	if p.IsLong() {
		if p.StopLoss != 0 && p.StopLoss >= p.AvgEntryPrice {
			return fmt.Errorf("long %s stop %s not below entry %s", p.Symbol, p.StopLoss, p.AvgEntryPrice)
		}
		if p.TakeProfit != 0 && p.TakeProfit <= p.AvgEntryPrice {
			return fmt.Errorf("long %s target %s not above entry %s", p.Symbol, p.TakeProfit, p.AvgEntryPrice)
		}
	} else {
		if p.StopLoss != 0 && p.StopLoss <= p.AvgEntryPrice {
			return fmt.Errorf("short %s stop %s not above entry %s", p.Symbol, p.StopLoss, p.AvgEntryPrice)
		}
		if p.TakeProfit != 0 && p.TakeProfit >= p.AvgEntryPrice {
			return fmt.Errorf("short %s target %s not below entry %s", p.Symbol, p.TakeProfit, p.AvgEntryPrice)
		}
	}
	return nil
}
