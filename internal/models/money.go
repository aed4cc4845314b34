// Package models defines the core domain types shared across the engine:
// money, instruments, orders, positions, trades, quotes and signals.
package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Money is an exact amount in paise (1 INR = 100 paise). All ledger
// arithmetic is integer arithmetic; floats never touch cash.
type Money int64

var paisePerRupee = decimal.NewFromInt(100)

// MoneyFromRupees parses a rupee string (e.g. "2050.05") into paise.
// Fractions smaller than a paisa are rejected rather than rounded.
func MoneyFromRupees(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse rupees %q: %w", s, err)
	}
	p := d.Mul(paisePerRupee)
	if !p.Equal(p.Truncate(0)) {
		return 0, fmt.Errorf("amount %q is not a whole number of paise", s)
	}
	return Money(p.IntPart()), nil
}

// MoneyFromFloat converts a broker-supplied rupee float into paise,
// rounding to the nearest paisa. Broker wire formats carry prices as
// floating point; decimal conversion keeps 2050.05 from becoming 205004.
func MoneyFromFloat(rupees float64) Money {
	return Money(decimal.NewFromFloat(rupees).Mul(paisePerRupee).Round(0).IntPart())
}

// Rupees returns the amount as an exact decimal rupee value.
func (m Money) Rupees() decimal.Decimal {
	return decimal.NewFromInt(int64(m)).Div(paisePerRupee)
}

// Float64 returns the rupee value as a float for display and marks only.
func (m Money) Float64() float64 {
	return m.Rupees().InexactFloat64()
}

// String formats the amount in rupees with two decimal places.
func (m Money) String() string {
	return m.Rupees().StringFixed(2)
}

// MulQty multiplies a per-unit price by a quantity of units.
func (m Money) MulQty(qty int64) Money {
	return m * Money(qty)
}

// Abs returns the absolute value.
func (m Money) Abs() Money {
	if m < 0 {
		return -m
	}
	return m
}

// RoundToTick rounds m to the nearest multiple of tick. A zero or
// negative tick leaves m unchanged.
func RoundToTick(m, tick Money) Money {
	if tick <= 0 {
		return m
	}
	half := tick / 2
	if m >= 0 {
		return ((m + half) / tick) * tick
	}
	return -(((-m + half) / tick) * tick)
}

// PercentOf returns pct (e.g. 0.01 for 1%) of m, rounded to the nearest
// paisa using exact decimal arithmetic.
func PercentOf(m Money, pct float64) Money {
	return Money(decimal.NewFromInt(int64(m)).Mul(decimal.NewFromFloat(pct)).Round(0).IntPart())
}
