package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMoneyFromRupees(t *testing.T) {
	tests := []struct {
		in   string
		want Money
	}{
		{"0", 0},
		{"1", 100},
		{"2050.05", 205_005},
		{"0.05", 5},
		{"-15.50", -1_550},
		{"100000", 10_000_000},
	}
	for _, tt := range tests {
		got, err := MoneyFromRupees(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := MoneyFromRupees("0.001")
	assert.Error(t, err, "sub-paisa fractions are rejected")
	_, err = MoneyFromRupees("abc")
	assert.Error(t, err)
}

func TestMoneyFromFloat(t *testing.T) {
	// 2050.05 is not exactly representable in binary; the decimal
	// conversion must still land on 205005 paise.
	assert.Equal(t, Money(205_005), MoneyFromFloat(2050.05))
	assert.Equal(t, Money(5), MoneyFromFloat(0.05))
	assert.Equal(t, Money(0), MoneyFromFloat(0))
	assert.Equal(t, Money(-1_550), MoneyFromFloat(-15.50))
}

func TestMoneyString(t *testing.T) {
	assert.Equal(t, "2050.05", Money(205_005).String())
	assert.Equal(t, "0.00", Money(0).String())
	assert.Equal(t, "-0.05", Money(-5).String())
}

func TestRoundToTick(t *testing.T) {
	tests := []struct {
		m, tick, want Money
	}{
		{10_003, 5, 10_005},
		{10_002, 5, 10_000},
		{10_000, 5, 10_000},
		{-10_003, 5, -10_005},
		{-10_002, 5, -10_000},
		{10_003, 0, 10_003}, // no tick, unchanged
		{7, 10, 10},
		{4, 10, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RoundToTick(tt.m, tt.tick), "round %d to %d", tt.m, tt.tick)
	}
}

func TestPercentOf(t *testing.T) {
	assert.Equal(t, Money(1_000), PercentOf(100_000, 0.01))
	assert.Equal(t, Money(10), PercentOf(10_000, 0.001)) // 10 bps
	assert.Equal(t, Money(0), PercentOf(0, 0.5))
	assert.Equal(t, Money(-500), PercentOf(-100_000, 0.005))
	// Rounds to the nearest paisa rather than truncating.
	assert.Equal(t, Money(3), PercentOf(333, 0.01))
}

func TestMulQtyAndAbs(t *testing.T) {
	assert.Equal(t, Money(750_000), Money(10_000).MulQty(75))
	assert.Equal(t, Money(-750_000), Money(10_000).MulQty(-75))
	assert.Equal(t, Money(5), Money(-5).Abs())
	assert.Equal(t, Money(5), Money(5).Abs())
}
