package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/rsinha/tradeloop/internal/config"
)

var ist = time.FixedZone("IST", 5*3600+1800)

func newTestClock(t *testing.T) *Clock {
	t.Helper()
	clock, err := NewClock(config.ScheduleConfig{
		TradingStart:                    "09:15",
		TradingEnd:                      "15:30",
		Holidays:                        []string{"2025-10-21"}, // Diwali
		PreCloseMinutes:                 10,
		ExpiryFlattenBeforeCloseMinutes: 15,
	}, ist)
	require.NoError(t, err)
	return clock
}

func at(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.ParseInLocation("2006-01-02 15:04:05", value, ist)
	require.NoError(t, err)
	return ts
}

func TestClockPhases(t *testing.T) {
	clock := newTestClock(t)

	tests := []struct {
		name string
		when string
		want Phase
	}{
		{"before open", "2025-10-14 08:00:00", PhasePreOpen},
		{"at open", "2025-10-14 09:15:00", PhaseOpen},
		{"mid session", "2025-10-14 12:00:00", PhaseOpen},
		{"pre-close start", "2025-10-14 15:20:00", PhasePreClose},
		{"last session second", "2025-10-14 15:29:59", PhasePreClose},
		{"at close", "2025-10-14 15:30:00", PhaseClosed},
		{"evening", "2025-10-14 18:00:00", PhaseClosed},
		{"saturday", "2025-10-18 12:00:00", PhaseClosedHoliday},
		{"sunday", "2025-10-19 12:00:00", PhaseClosedHoliday},
		{"holiday", "2025-10-21 12:00:00", PhaseClosedHoliday},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, clock.Phase(at(t, tt.when)))
		})
	}
}

func TestClockEntryExitWindows(t *testing.T) {
	clock := newTestClock(t)

	// Entries stop at pre-close; exits run to the last session second.
	assert.True(t, clock.CanEnter(at(t, "2025-10-14 12:00:00")))
	assert.False(t, clock.CanEnter(at(t, "2025-10-14 15:20:00")))
	assert.False(t, clock.CanEnter(at(t, "2025-10-14 15:30:00")))

	assert.True(t, clock.CanExit(at(t, "2025-10-14 15:20:00")))
	assert.True(t, clock.CanExit(at(t, "2025-10-14 15:29:59")))
	assert.False(t, clock.CanExit(at(t, "2025-10-14 15:30:00")))
	assert.False(t, clock.CanExit(at(t, "2025-10-19 12:00:00")))
}

func TestClockFlattenWindow(t *testing.T) {
	clock := newTestClock(t)

	// 15-minute window: 15:15:00 inclusive to 15:30:00 exclusive.
	assert.False(t, clock.InFlattenWindow(at(t, "2025-10-14 15:14:59")))
	assert.True(t, clock.InFlattenWindow(at(t, "2025-10-14 15:15:00")))
	assert.True(t, clock.InFlattenWindow(at(t, "2025-10-14 15:20:00")))
	assert.True(t, clock.InFlattenWindow(at(t, "2025-10-14 15:29:59")))
	assert.False(t, clock.InFlattenWindow(at(t, "2025-10-14 15:30:00")))
	assert.False(t, clock.InFlattenWindow(at(t, "2025-10-19 15:20:00")))
}

func TestClockNextOpen(t *testing.T) {
	clock := newTestClock(t)

	// From a Tuesday evening: Wednesday's open.
	next := clock.NextOpen(at(t, "2025-10-14 18:00:00"))
	assert.Equal(t, at(t, "2025-10-15 09:15:00"), next)

	// From before the open the same day.
	next = clock.NextOpen(at(t, "2025-10-14 08:00:00"))
	assert.Equal(t, at(t, "2025-10-14 09:15:00"), next)

	// Friday evening skips the weekend; Monday 2025-10-20 trades, the
	// 21st is the listed holiday.
	next = clock.NextOpen(at(t, "2025-10-17 16:00:00"))
	assert.Equal(t, at(t, "2025-10-20 09:15:00"), next)

	// Monday evening skips the holiday to Wednesday.
	next = clock.NextOpen(at(t, "2025-10-20 16:00:00"))
	assert.Equal(t, at(t, "2025-10-22 09:15:00"), next)
}

func TestClockSameSessionDay(t *testing.T) {
	clock := newTestClock(t)
	assert.True(t, clock.SameSessionDay(at(t, "2025-10-14 09:20:00"), at(t, "2025-10-14 15:00:00")))
	assert.False(t, clock.SameSessionDay(at(t, "2025-10-14 23:59:59"), at(t, "2025-10-15 00:00:01")))
}
