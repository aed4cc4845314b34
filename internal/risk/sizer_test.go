package risk

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultSizer() *Sizer {
	return NewSizer(SizerParams{RiskPctPerTrade: 0.01, MaxPositionPct: 0.25})
}

func TestSizeBasicRiskBudget(t *testing.T) {
	// Equity 1,00,000 rupees, 1% risk = ₹1,000 budget. Stop distance
	// ₹4 gives raw 250; full confidence keeps the full size and the
	// position value (₹10,000) stays under the 25% cap.
	qty := defaultSizer().Size(SizeInput{
		Entry:      4_000, // 40.00
		StopLoss:   3_600, // 36.00
		Equity:     10_000_000,
		LotSize:    1,
		Confidence: 1.0,
	})
	assert.Equal(t, int64(250), qty)
}

func TestSizeConfidenceScaling(t *testing.T) {
	in := SizeInput{
		Entry:      4_000,
		StopLoss:   3_600,
		Equity:     10_000_000,
		LotSize:    1,
		Confidence: 0,
	}
	// Zero confidence halves the raw quantity: 250 * 0.5.
	assert.Equal(t, int64(125), defaultSizer().Size(in))

	in.Confidence = 0.8 // 250 * 0.9 = 225
	assert.Equal(t, int64(225), defaultSizer().Size(in))
}

func TestSizeLotAlignment(t *testing.T) {
	// Raw 250 scaled by 0.5+0.5*0.7=0.85 -> 212.5, floored to lots of 75
	// gives 150.
	qty := defaultSizer().Size(SizeInput{
		Entry:      4_000,
		StopLoss:   3_600,
		Equity:     10_000_000,
		LotSize:    75,
		Confidence: 0.7,
	})
	assert.Equal(t, int64(150), qty)
	assert.Zero(t, qty%75)
}

func TestSizeDropsBelowOneLot(t *testing.T) {
	qty := defaultSizer().Size(SizeInput{
		Entry:      40_000,
		StopLoss:   39_600,
		Equity:     100_000, // tiny account: raw qty 2.5
		LotSize:    75,
		Confidence: 1.0,
	})
	assert.Zero(t, qty)
}

func TestSizeMaxPositionValueCap(t *testing.T) {
	// A tight stop would size huge; the 25% position-value cap binds:
	// 0.25 * 10,000,000 / 40,000 = 62.5 -> 62.
	qty := defaultSizer().Size(SizeInput{
		Entry:      40_000,
		StopLoss:   39_990, // 10 paise stop
		Equity:     10_000_000,
		LotSize:    1,
		Confidence: 1.0,
	})
	assert.Equal(t, int64(62), qty)
}

func TestSizeATRCap(t *testing.T) {
	// Volatility cap: budget 100,000 / ATR 1,000 = 100 < raw 250.
	qty := defaultSizer().Size(SizeInput{
		Entry:      4_000,
		StopLoss:   3_600,
		Equity:     10_000_000,
		LotSize:    1,
		Confidence: 1.0,
		ATR:        1_000,
	})
	assert.Equal(t, int64(100), qty)
}

func TestSizeDegenerateInputs(t *testing.T) {
	s := defaultSizer()
	assert.Zero(t, s.Size(SizeInput{Entry: 0, StopLoss: 1, Equity: 1_000_000, Confidence: 1}))
	assert.Zero(t, s.Size(SizeInput{Entry: 40_000, StopLoss: 0, Equity: 1_000_000, Confidence: 1}))
	assert.Zero(t, s.Size(SizeInput{Entry: 40_000, StopLoss: 40_000, Equity: 1_000_000, Confidence: 1}))
	assert.Zero(t, s.Size(SizeInput{Entry: 40_000, StopLoss: 39_600, Equity: 0, Confidence: 1}))
}

func TestParseBanList(t *testing.T) {
	body := "SYMBOL,DATE\nGRANULES,2025-10-14\nSAIL , 2025-10-14\n\n# comment\nmanappuram\n"
	banned := parseBanList(body)

	assert.True(t, banned["GRANULES"])
	assert.True(t, banned["SAIL"])
	assert.True(t, banned["MANAPPURAM"])
	assert.False(t, banned["SYMBOL"])
	assert.False(t, banned[""])
	assert.Len(t, banned, 3)
}

func TestBanListEmptyURLNeverBans(t *testing.T) {
	b := NewBanList("", zerolog.Nop())
	require.NoError(t, b.Refresh(context.Background()))
	assert.False(t, b.IsBanned("TCS"))
}
