package models

import (
	"fmt"
	"time"
)

// Exchange identifies the venue an instrument trades on.
type Exchange string

// Supported exchanges. Derivatives trade on the F&O segments (NFO/BFO),
// cash equity on NSE/BSE.
const (
	ExchangeNSE Exchange = "NSE"
	ExchangeBSE Exchange = "BSE"
	ExchangeNFO Exchange = "NFO"
	ExchangeBFO Exchange = "BFO"
)

// InstrumentType classifies an instrument.
type InstrumentType string

// Instrument types as reported by the broker catalog.
const (
	TypeEquity     InstrumentType = "EQUITY"
	TypeFuture     InstrumentType = "FUTURE"
	TypeOptionCall InstrumentType = "OPTION_CALL"
	TypeOptionPut  InstrumentType = "OPTION_PUT"
)

// IsDerivative reports whether the type settles on an expiry date.
func (t InstrumentType) IsDerivative() bool {
	return t == TypeFuture || t == TypeOptionCall || t == TypeOptionPut
}

// IsOption reports whether the type is an option leg.
func (t InstrumentType) IsOption() bool {
	return t == TypeOptionCall || t == TypeOptionPut
}

// Instrument is one tradable contract from the broker catalog.
type Instrument struct {
	// Token is the broker's numeric instrument id, used by the
	// streaming feed to key binary tick packets.
	Token      uint32         `json:"token,omitempty"`
	Symbol     string         `json:"symbol"`
	Exchange   Exchange       `json:"exchange"`
	Type       InstrumentType `json:"type"`
	Underlying string         `json:"underlying"`
	LotSize    int64          `json:"lot_size"`
	TickSize   Money          `json:"tick_size"`
	Expiry     time.Time      `json:"expiry,omitempty"` // zero for equity
	Strike     Money          `json:"strike,omitempty"` // zero for non-options
	Sector     string         `json:"sector,omitempty"`
}

// HasExpiry reports whether the instrument carries an expiry date.
func (i Instrument) HasExpiry() bool {
	return !i.Expiry.IsZero()
}

// ExpiresOn reports whether the instrument expires on the given date
// (compared in the date's location).
func (i Instrument) ExpiresOn(day time.Time) bool {
	if !i.HasExpiry() {
		return false
	}
	ey, em, ed := i.Expiry.Date()
	dy, dm, dd := day.Date()
	return ey == dy && em == dm && ed == dd
}

// RouteOrder returns the exchange and product an order for this
// instrument must be routed with. Routing is derived from the catalog
// record, never from string heuristics on the symbol: mis-routing
// (e.g. an NFO option sent to NSE) is rejected by the broker.
func (i Instrument) RouteOrder(intraday bool) (Exchange, Product, error) {
	switch i.Type {
	case TypeEquity:
		if i.Exchange != ExchangeNSE && i.Exchange != ExchangeBSE {
			return "", "", fmt.Errorf("equity %s on non-cash exchange %s", i.Symbol, i.Exchange)
		}
		if intraday {
			return i.Exchange, ProductIntraday, nil
		}
		return i.Exchange, ProductDelivery, nil
	case TypeFuture, TypeOptionCall, TypeOptionPut:
		if i.Exchange != ExchangeNFO && i.Exchange != ExchangeBFO {
			return "", "", fmt.Errorf("derivative %s on non-F&O exchange %s", i.Symbol, i.Exchange)
		}
		return i.Exchange, ProductNormal, nil
	default:
		return "", "", fmt.Errorf("unknown instrument type %q for %s", i.Type, i.Symbol)
	}
}

// QualifiedSymbol returns the exchange-qualified form used as the quote
// cache key, e.g. "NFO:NIFTY25OCT1425550PE".
func (i Instrument) QualifiedSymbol() string {
	return string(i.Exchange) + ":" + i.Symbol
}
