package expiry

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rsinha/tradeloop/internal/models"
)

// ErrUnknownExpiry means neither the catalog nor symbol parsing could
// produce an expiry date. The flatten state machine treats such an
// instrument as never expiring.
var ErrUnknownExpiry = errors.New("expiry unresolvable")

// Lookup is the slice of the instruments catalog the resolver needs.
type Lookup interface {
	Find(symbol string) (models.Instrument, bool)
}

// Resolver resolves expiry dates: catalog first, symbol parsing as
// fallback.
type Resolver struct {
	catalog Lookup
	loc     *time.Location
	logger  zerolog.Logger
	now     func() time.Time
}

// NewResolver creates a resolver over the given catalog.
func NewResolver(catalog Lookup, loc *time.Location, logger zerolog.Logger) *Resolver {
	return &Resolver{
		catalog: catalog,
		loc:     loc,
		logger:  logger.With().Str("component", "expiry").Logger(),
		now:     time.Now,
	}
}

// Resolve returns the expiry date for a symbol. Equities and unknown
// symbols that parse as nothing return ErrUnknownExpiry; the caller
// must log loudly and treat the instrument as never expiring.
func (r *Resolver) Resolve(symbol string) (time.Time, error) {
	if inst, ok := r.catalog.Find(symbol); ok {
		if !inst.HasExpiry() {
			return time.Time{}, ErrUnknownExpiry
		}
		return inst.Expiry, nil
	}

	parsed, err := ParseSymbol(symbol, r.now().In(r.loc), r.loc)
	if err != nil {
		r.logger.Error().
			Str("symbol", symbol).
			Msg("expiry unresolvable from catalog and symbol; treating as never-expiring")
		return time.Time{}, ErrUnknownExpiry
	}
	r.logger.Warn().
		Str("symbol", symbol).
		Time("expiry", parsed.Expiry).
		Msg("expiry resolved by symbol parse; catalog miss")
	return parsed.Expiry, nil
}

// ExpiresToday reports whether the symbol expires on the resolver's
// current date. Unresolvable expiries report false.
func (r *Resolver) ExpiresToday(symbol string) bool {
	expiry, err := r.Resolve(symbol)
	if err != nil {
		return false
	}
	now := r.now().In(r.loc)
	ey, em, ed := expiry.Date()
	ny, nm, nd := now.Date()
	return ey == ny && em == nm && ed == nd
}
