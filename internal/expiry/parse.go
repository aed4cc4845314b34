// Package expiry resolves derivative expiry dates. The instruments
// catalog is the primary source; symbol parsing is the fallback for
// contracts the catalog does not know.
package expiry

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rsinha/tradeloop/internal/models"
)

// ParsedSymbol is the decomposition of a derivative trading symbol.
type ParsedSymbol struct {
	Underlying string
	Expiry     time.Time
	Strike     models.Money
	Type       models.InstrumentType
}

var (
	// Weekly options, legacy month-code form: UNDERLYING + YY + code +
	// DD + STRIKE + CE/PE. The code is 1-9 for Jan-Sep, then O, N, D.
	weeklyRe = regexp.MustCompile(`^([A-Z&\-]+?)(\d{2})([1-9OND])(\d{2})(\d+)(CE|PE)$`)

	// Monthly/new-weekly form with explicit day:
	// UNDERLYING + YY + MMM + DD + STRIKE + CE/PE.
	monthlyDayRe = regexp.MustCompile(`^([A-Z&\-]+?)(\d{2})(JAN|FEB|MAR|APR|MAY|JUN|JUL|AUG|SEP|OCT|NOV|DEC)(\d{2})(\d+)(CE|PE)$`)

	// Monthly form without a day: UNDERLYING + YY + MMM + STRIKE +
	// CE/PE. Expiry is the last occurrence of the underlying's expiry
	// weekday in that month.
	monthlyRe = regexp.MustCompile(`^([A-Z&\-]+?)(\d{2})(JAN|FEB|MAR|APR|MAY|JUN|JUL|AUG|SEP|OCT|NOV|DEC)(\d+)(CE|PE)$`)

	// Monthly futures: UNDERLYING + YY + MMM + FUT.
	futureRe = regexp.MustCompile(`^([A-Z&\-]+?)(\d{2})(JAN|FEB|MAR|APR|MAY|JUN|JUL|AUG|SEP|OCT|NOV|DEC)FUT$`)
)

var monthCodes = map[string]time.Month{
	"1": time.January, "2": time.February, "3": time.March,
	"4": time.April, "5": time.May, "6": time.June,
	"7": time.July, "8": time.August, "9": time.September,
	"O": time.October, "N": time.November, "D": time.December,
}

var monthNames = map[string]time.Month{
	"JAN": time.January, "FEB": time.February, "MAR": time.March,
	"APR": time.April, "MAY": time.May, "JUN": time.June,
	"JUL": time.July, "AUG": time.August, "SEP": time.September,
	"OCT": time.October, "NOV": time.November, "DEC": time.December,
}

// ExpiryWeekday returns the weekly expiry weekday for an underlying.
func ExpiryWeekday(underlying string) time.Weekday {
	switch strings.ToUpper(underlying) {
	case "BANKNIFTY":
		return time.Wednesday
	case "FINNIFTY":
		return time.Tuesday
	default:
		return time.Thursday
	}
}

// lastWeekdayOfMonth returns the last occurrence of wd in the month.
func lastWeekdayOfMonth(year int, month time.Month, wd time.Weekday, loc *time.Location) time.Time {
	// Day 0 of the next month is the last day of this one.
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, loc)
	offset := (int(last.Weekday()) - int(wd) + 7) % 7
	return last.AddDate(0, 0, -offset)
}

// resolveYear applies the rollover rule: a parsed month strictly
// earlier than the current month belongs to next year. Two-digit years
// are anchored to the current century.
func resolveYear(yy int, month time.Month, now time.Time) int {
	century := (now.Year() / 100) * 100
	year := century + yy
	if year == now.Year() && month < now.Month() {
		year++
	}
	return year
}

// ParseCandidates returns every plausible decomposition of a
// derivative symbol, most specific first. The monthly form with an
// embedded day is ambiguous against the leading strike digits
// ("...OCT25550PE" can be Oct-25 strike 550 or monthly strike 25550),
// so both readings are returned; callers holding a catalog validate
// candidates against real instruments.
func ParseCandidates(symbol string, now time.Time, loc *time.Location) []ParsedSymbol {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	var out []ParsedSymbol

	if m := futureRe.FindStringSubmatch(symbol); m != nil {
		yy, _ := strconv.Atoi(m[2])
		month := monthNames[m[3]]
		year := resolveYear(yy, month, now)
		return []ParsedSymbol{{
			Underlying: m[1],
			Expiry:     lastWeekdayOfMonth(year, month, ExpiryWeekday(m[1]), loc),
			Type:       models.TypeFuture,
		}}
	}

	if m := monthlyDayRe.FindStringSubmatch(symbol); m != nil {
		yy, _ := strconv.Atoi(m[2])
		month := monthNames[m[3]]
		day, _ := strconv.Atoi(m[4])
		// A zero strike means the leading digits were really part of
		// the strike, not a day: "OCT26000" is strike 26000, not the
		// 26th with strike 000.
		if day >= 1 && day <= 31 && strikeToMoney(m[5]) > 0 {
			year := resolveYear(yy, month, now)
			out = append(out, ParsedSymbol{
				Underlying: m[1],
				Expiry:     time.Date(year, month, day, 0, 0, 0, 0, loc),
				Strike:     strikeToMoney(m[5]),
				Type:       optionType(m[6]),
			})
		}
	}

	if m := monthlyRe.FindStringSubmatch(symbol); m != nil {
		yy, _ := strconv.Atoi(m[2])
		month := monthNames[m[3]]
		year := resolveYear(yy, month, now)
		out = append(out, ParsedSymbol{
			Underlying: m[1],
			Expiry:     lastWeekdayOfMonth(year, month, ExpiryWeekday(m[1]), loc),
			Strike:     strikeToMoney(m[4]),
			Type:       optionType(m[5]),
		})
	}

	if m := weeklyRe.FindStringSubmatch(symbol); m != nil {
		yy, _ := strconv.Atoi(m[2])
		month := monthCodes[m[3]]
		day, _ := strconv.Atoi(m[4])
		if day >= 1 && day <= 31 {
			year := resolveYear(yy, month, now)
			out = append(out, ParsedSymbol{
				Underlying: m[1],
				Expiry:     time.Date(year, month, day, 0, 0, 0, 0, loc),
				Strike:     strikeToMoney(m[5]),
				Type:       optionType(m[6]),
			})
		}
	}

	return out
}

// ParseSymbol returns the most specific decomposition of a derivative
// symbol, or an error when no format matches.
func ParseSymbol(symbol string, now time.Time, loc *time.Location) (ParsedSymbol, error) {
	candidates := ParseCandidates(symbol, now, loc)
	if len(candidates) == 0 {
		return ParsedSymbol{}, fmt.Errorf("symbol %q does not match any derivative format", symbol)
	}
	return candidates[0], nil
}

func strikeToMoney(s string) models.Money {
	v, _ := strconv.ParseInt(s, 10, 64)
	return models.Money(v * 100) // strikes are whole rupees
}

func optionType(suffix string) models.InstrumentType {
	if suffix == "PE" {
		return models.TypeOptionPut
	}
	return models.TypeOptionCall
}
