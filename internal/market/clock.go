// Package market models the exchange session: trading phases, holiday
// calendar and the expiry-day flatten window.
package market

import (
	"fmt"
	"time"

	"github.com/rsinha/tradeloop/internal/config"
)

// Phase is the state of the trading session at an instant.
type Phase string

// Session phases. The session opens at trading_start inclusive and
// closes at trading_end exclusive; 15:29:59 is inside the session,
// 15:30:00 is not.
const (
	PhaseClosedHoliday Phase = "CLOSED_HOLIDAY"
	PhasePreOpen       Phase = "PRE_OPEN"
	PhaseOpen          Phase = "OPEN"
	PhasePreClose      Phase = "PRE_CLOSE"
	PhaseClosed        Phase = "CLOSED"
)

// Clock answers session-phase questions against the configured
// calendar. All methods interpret the given instant in the exchange
// timezone.
type Clock struct {
	loc        *time.Location
	startHour  int
	startMin   int
	endHour    int
	endMin     int
	holidays   map[string]bool
	preClose   time.Duration
	flattenWin time.Duration
}

// NewClock builds a clock from the schedule configuration. The trading
// window has already been validated by config.Load.
func NewClock(cfg config.ScheduleConfig, loc *time.Location) (*Clock, error) {
	start, err := time.Parse("15:04", cfg.TradingStart)
	if err != nil {
		return nil, fmt.Errorf("trading_start: %w", err)
	}
	end, err := time.Parse("15:04", cfg.TradingEnd)
	if err != nil {
		return nil, fmt.Errorf("trading_end: %w", err)
	}
	holidays := make(map[string]bool, len(cfg.Holidays))
	for _, h := range cfg.Holidays {
		holidays[h] = true
	}
	return &Clock{
		loc:        loc,
		startHour:  start.Hour(),
		startMin:   start.Minute(),
		endHour:    end.Hour(),
		endMin:     end.Minute(),
		holidays:   holidays,
		preClose:   time.Duration(cfg.PreCloseMinutes) * time.Minute,
		flattenWin: time.Duration(cfg.ExpiryFlattenBeforeCloseMinutes) * time.Minute,
	}, nil
}

// IsTradingDay reports whether the instant falls on a weekday that is
// not a listed holiday.
func (c *Clock) IsTradingDay(t time.Time) bool {
	t = t.In(c.loc)
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !c.holidays[t.Format("2006-01-02")]
}

// OpenAt returns the session open on the instant's date.
func (c *Clock) OpenAt(t time.Time) time.Time {
	t = t.In(c.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), c.startHour, c.startMin, 0, 0, c.loc)
}

// CloseAt returns the session close on the instant's date.
func (c *Clock) CloseAt(t time.Time) time.Time {
	t = t.In(c.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), c.endHour, c.endMin, 0, 0, c.loc)
}

// Phase returns the session phase at the instant.
func (c *Clock) Phase(t time.Time) Phase {
	t = t.In(c.loc)
	if !c.IsTradingDay(t) {
		return PhaseClosedHoliday
	}
	open := c.OpenAt(t)
	close := c.CloseAt(t)
	switch {
	case t.Before(open):
		return PhasePreOpen
	case !t.Before(close):
		return PhaseClosed
	case !t.Before(close.Add(-c.preClose)):
		return PhasePreClose
	default:
		return PhaseOpen
	}
}

// CanEnter reports whether new positions may be opened. Entries stop at
// the pre-close boundary; only exits run after that.
func (c *Clock) CanEnter(t time.Time) bool {
	return c.Phase(t) == PhaseOpen
}

// CanExit reports whether exit orders may be placed. Exits are allowed
// through the pre-close window up to the last session second.
func (c *Clock) CanExit(t time.Time) bool {
	p := c.Phase(t)
	return p == PhaseOpen || p == PhasePreClose
}

// InFlattenWindow reports whether the instant is inside the expiry-day
// forced-flatten window: the final configured minutes before close.
// Whether a given position actually expires today is the caller's
// question; the clock only supplies the time window.
func (c *Clock) InFlattenWindow(t time.Time) bool {
	t = t.In(c.loc)
	if !c.IsTradingDay(t) {
		return false
	}
	close := c.CloseAt(t)
	return !t.Before(close.Add(-c.flattenWin)) && t.Before(close)
}

// NextOpen returns the next session open strictly after the instant,
// skipping weekends and holidays.
func (c *Clock) NextOpen(t time.Time) time.Time {
	t = t.In(c.loc)
	candidate := c.OpenAt(t)
	if !t.Before(candidate) || !c.IsTradingDay(t) {
		candidate = c.OpenAt(t.AddDate(0, 0, 1))
	}
	for !c.IsTradingDay(candidate) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

// SameSessionDay reports whether two instants fall on the same exchange
// date. Daily counters reset when this turns false.
func (c *Clock) SameSessionDay(a, b time.Time) bool {
	a, b = a.In(c.loc), b.In(c.loc)
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
