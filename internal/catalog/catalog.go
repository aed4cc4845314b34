// Package catalog maintains the daily-refreshed instruments catalog:
// the mapping from trading symbol to exchange, lot size, tick size,
// expiry and instrument type.
package catalog

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rsinha/tradeloop/internal/broker"
	"github.com/rsinha/tradeloop/internal/expiry"
	"github.com/rsinha/tradeloop/internal/models"
)

// ErrNotFound is returned when a symbol cannot be resolved, exactly or
// fuzzily.
type ErrNotFound struct {
	Symbol string
}

// Error implements the error interface.
func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("instrument %q not in catalog", e.Symbol)
}

// Catalog is the in-memory instruments catalog. The instrument set is
// replaced wholesale on refresh; lookups see either the old or the new
// set, never a mix.
type Catalog struct {
	mu          sync.RWMutex
	bySymbol    map[string]models.Instrument
	instruments []models.Instrument
	refreshedAt time.Time

	brk       broker.Broker
	exchanges []models.Exchange
	localPath string // CSV override for offline runs
	loc       *time.Location
	logger    zerolog.Logger
	now       func() time.Time
}

// New creates an empty catalog that refreshes from the broker. A
// non-empty localPath makes Refresh read a CSV dump instead.
func New(brk broker.Broker, exchanges []models.Exchange, localPath string, loc *time.Location, logger zerolog.Logger) *Catalog {
	if len(exchanges) == 0 {
		exchanges = []models.Exchange{models.ExchangeNSE, models.ExchangeNFO}
	}
	return &Catalog{
		bySymbol:  make(map[string]models.Instrument),
		brk:       brk,
		exchanges: exchanges,
		localPath: localPath,
		loc:       loc,
		logger:    logger.With().Str("component", "catalog").Logger(),
		now:       time.Now,
	}
}

// Refresh replaces the catalog. On failure the previous catalog is
// retained and a warning is logged; the error is still returned so the
// startup path can refuse to trade with no catalog at all.
func (c *Catalog) Refresh(ctx context.Context) error {
	instruments, err := c.fetch(ctx)
	if err != nil {
		c.mu.RLock()
		have := len(c.instruments)
		c.mu.RUnlock()
		if have > 0 {
			c.logger.Warn().Err(err).Int("retained", have).Msg("catalog refresh failed, retaining previous catalog")
		} else {
			c.logger.Error().Err(err).Msg("catalog refresh failed with no previous catalog")
		}
		return err
	}

	bySymbol := make(map[string]models.Instrument, len(instruments))
	for _, inst := range instruments {
		bySymbol[inst.Symbol] = inst
	}

	c.mu.Lock()
	c.instruments = instruments
	c.bySymbol = bySymbol
	c.refreshedAt = c.now()
	c.mu.Unlock()

	c.logger.Info().Int("instruments", len(instruments)).Msg("catalog refreshed")
	return nil
}

func (c *Catalog) fetch(ctx context.Context) ([]models.Instrument, error) {
	if c.localPath != "" {
		data, err := os.ReadFile(c.localPath)
		if err != nil {
			return nil, fmt.Errorf("read instruments file: %w", err)
		}
		return broker.ParseInstrumentsCSV(data)
	}

	var all []models.Instrument
	for _, exchange := range c.exchanges {
		instruments, err := c.brk.Instruments(ctx, exchange)
		if err != nil {
			return nil, err
		}
		all = append(all, instruments...)
	}
	return all, nil
}

// Ready reports whether a catalog is loaded. The engine refuses to
// trade without one.
func (c *Catalog) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.instruments) > 0
}

// RefreshedAt returns when the current catalog was loaded.
func (c *Catalog) RefreshedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshedAt
}

// Find returns the instrument for an exact symbol match.
func (c *Catalog) Find(symbol string) (models.Instrument, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inst, ok := c.bySymbol[symbol]
	return inst, ok
}

// All returns a copy of the full instrument list.
func (c *Catalog) All() []models.Instrument {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Instrument, len(c.instruments))
	copy(out, c.instruments)
	return out
}

// Resolve returns the instrument for a symbol. When the exact match
// fails, the symbol is parsed into (underlying, expiry, strike, type)
// and the catalog is searched by those attributes; the first match
// wins and the equivalence is logged. Renamed contracts resolve to
// their canonical catalog symbol this way.
func (c *Catalog) Resolve(symbol string) (models.Instrument, error) {
	if inst, ok := c.Find(symbol); ok {
		return inst, nil
	}

	candidates := expiry.ParseCandidates(symbol, c.now().In(c.loc), c.loc)
	if len(candidates) == 0 {
		return models.Instrument{}, &ErrNotFound{Symbol: symbol}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, want := range candidates {
		for _, inst := range c.instruments {
			if inst.Type != want.Type {
				continue
			}
			if inst.Underlying != want.Underlying {
				continue
			}
			if want.Strike != 0 && inst.Strike != want.Strike {
				continue
			}
			if !want.Expiry.IsZero() && !inst.ExpiresOn(want.Expiry) {
				continue
			}
			c.logger.Info().
				Str("symbol", symbol).
				Str("canonical", inst.Symbol).
				Str("underlying", want.Underlying).
				Str("strike", want.Strike.String()).
				Time("expiry", want.Expiry).
				Msg("fuzzy symbol resolve")
			return inst, nil
		}
	}
	return models.Instrument{}, &ErrNotFound{Symbol: symbol}
}
