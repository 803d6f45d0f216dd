// fxmath.go holds the fixed-precision FX arithmetic shared by the broker
// client and the orchestrator: pip sizing, spread and profit calculation,
// and half-up price rounding. Binary floats are never compared or rounded
// directly — everything goes through shopspring/decimal.
package types

import (
	"strings"

	"github.com/shopspring/decimal"
)

var (
	pipJPY    = decimal.RequireFromString("0.01")
	pipNonJPY = decimal.RequireFromString("0.0001")
	pipsQuant = int32(1) // pips are reported to 0.1
)

// NormalizePair maps a plan-file pair spelling to the canonical "XXX/YYY"
// form: "eur_usd" and "EURUSD" both become "EUR/USD".
func NormalizePair(raw string) string {
	p := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(raw), "_", "/"))
	if !strings.Contains(p, "/") && len(p) == 6 {
		p = p[:3] + "/" + p[3:]
	}
	return p
}

// PipValue returns the conventional pip size for a pair: 0.01 for JPY-quoted
// pairs, 0.0001 otherwise.
func PipValue(pair string) decimal.Decimal {
	if strings.Contains(strings.ToUpper(pair), "JPY") {
		return pipJPY
	}
	return pipNonJPY
}

// PipValueForDecimals derives the pip size from an instrument's price
// decimals: one order of magnitude above the smallest displayed increment.
// Returns zero for non-positive decimals; callers fall back to PipValue.
func PipValueForDecimals(decimals int) decimal.Decimal {
	if decimals <= 0 {
		return decimal.Zero
	}
	return decimal.New(1, int32(-(decimals - 1)))
}

// SpreadPips converts an ask-bid difference into pips, rounded half-up to
// 0.1. Returns false for a zero or crossed quote.
func SpreadPips(pair string, bid, ask decimal.Decimal) (decimal.Decimal, bool) {
	if bid.IsZero() || ask.IsZero() || bid.GreaterThan(ask) {
		return decimal.Zero, false
	}
	pip := PipValue(pair)
	return ask.Sub(bid).Div(pip).Round(pipsQuant), true
}

// PipsProfit computes the signed profit in pips for a round trip, rounded
// half-up to 0.1. A zero entry or exit yields zero (price unknown).
func PipsProfit(pair string, entry, exit decimal.Decimal, side Side) decimal.Decimal {
	if entry.IsZero() || exit.IsZero() {
		return decimal.Zero
	}
	diff := exit.Sub(entry)
	if side == Sell {
		diff = entry.Sub(exit)
	}
	return diff.Div(PipValue(pair)).Round(pipsQuant)
}

// RoundPrice quantizes a price half-up to the instrument's decimals,
// as required for bracket order prices.
func RoundPrice(price decimal.Decimal, decimals int) decimal.Decimal {
	return price.Round(int32(decimals))
}
