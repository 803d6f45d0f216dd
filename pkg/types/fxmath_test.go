package types

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestNormalizePair(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"EUR/USD": "EUR/USD",
		"eur_usd": "EUR/USD",
		"EURUSD":  "EUR/USD",
		" usdjpy": "USD/JPY",
	}
	for in, want := range cases {
		if got := NormalizePair(in); got != want {
			t.Errorf("NormalizePair(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPipValue(t *testing.T) {
	t.Parallel()
	if got := PipValue("USD/JPY"); !got.Equal(d("0.01")) {
		t.Errorf("JPY pip = %s, want 0.01", got)
	}
	if got := PipValue("EUR/USD"); !got.Equal(d("0.0001")) {
		t.Errorf("non-JPY pip = %s, want 0.0001", got)
	}
	if got := PipValue("cad/jpy"); !got.Equal(d("0.01")) {
		t.Errorf("lowercase JPY pip = %s, want 0.01", got)
	}
}

func TestPipValueForDecimals(t *testing.T) {
	t.Parallel()
	if got := PipValueForDecimals(5); !got.Equal(d("0.0001")) {
		t.Errorf("decimals=5 pip = %s, want 0.0001", got)
	}
	if got := PipValueForDecimals(3); !got.Equal(d("0.01")) {
		t.Errorf("decimals=3 pip = %s, want 0.01", got)
	}
	if got := PipValueForDecimals(0); !got.IsZero() {
		t.Errorf("decimals=0 pip = %s, want 0", got)
	}
}

func TestSpreadPips(t *testing.T) {
	t.Parallel()
	got, ok := SpreadPips("EUR/USD", d("1.10000"), d("1.10012"))
	if !ok {
		t.Fatal("expected valid spread")
	}
	if !got.Equal(d("1.2")) {
		t.Errorf("spread = %s, want 1.2", got)
	}

	// Crossed or zero quotes are rejected.
	if _, ok := SpreadPips("EUR/USD", d("1.2"), d("1.1")); ok {
		t.Error("crossed quote accepted")
	}
	if _, ok := SpreadPips("EUR/USD", decimal.Zero, d("1.1")); ok {
		t.Error("zero bid accepted")
	}
}

func TestPipsProfitSignAndSymmetry(t *testing.T) {
	t.Parallel()
	entry, exit := d("1.10000"), d("1.10100")

	buy := PipsProfit("EUR/USD", entry, exit, Buy)
	if !buy.Equal(d("10")) {
		t.Errorf("buy profit = %s, want 10", buy)
	}
	sell := PipsProfit("EUR/USD", entry, exit, Sell)
	if !sell.Equal(d("-10")) {
		t.Errorf("sell profit = %s, want -10", sell)
	}

	// pips(entry, exit) == -pips(exit, entry) and pips(p, p) == 0.
	if !PipsProfit("EUR/USD", exit, entry, Buy).Equal(buy.Neg()) {
		t.Error("profit not antisymmetric")
	}
	if !PipsProfit("EUR/USD", entry, entry, Buy).IsZero() {
		t.Error("flat round trip not zero")
	}
}

func TestPipsProfitJPY(t *testing.T) {
	t.Parallel()
	got := PipsProfit("USD/JPY", d("150.000"), d("150.250"), Buy)
	if !got.Equal(d("25")) {
		t.Errorf("JPY profit = %s, want 25", got)
	}
}

func TestPipsProfitUnknownPrice(t *testing.T) {
	t.Parallel()
	if !PipsProfit("EUR/USD", decimal.Zero, d("1.1"), Buy).IsZero() {
		t.Error("zero entry should yield zero pips")
	}
}

func TestRoundPriceHalfUp(t *testing.T) {
	t.Parallel()
	if got := RoundPrice(d("1.100005"), 5); !got.Equal(d("1.10001")) {
		t.Errorf("RoundPrice = %s, want 1.10001 (half-up)", got)
	}
	if got := RoundPrice(d("150.1250"), 3); !got.Equal(d("150.125")) {
		t.Errorf("RoundPrice = %s, want 150.125", got)
	}
}

func TestExternalReference(t *testing.T) {
	t.Parallel()
	tr := Trade{ID: 1}
	now := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	if got := tr.ExternalReference("entry", now); got != "20250101_trade_1_entry_v1" {
		t.Errorf("ExternalReference = %q", got)
	}
	if got := tr.ExternalReference("exit", now); got != "20250101_trade_1_exit_v1" {
		t.Errorf("ExternalReference = %q", got)
	}
}

func TestSideOpposite(t *testing.T) {
	t.Parallel()
	if Buy.Opposite() != Sell || Sell.Opposite() != Buy {
		t.Error("Opposite mismatch")
	}
}

func TestTradeAmount(t *testing.T) {
	t.Parallel()
	tr := Trade{LotSize: d("0.1")}
	if !tr.Amount().Equal(d("1000")) {
		t.Errorf("Amount = %s, want 1000", tr.Amount())
	}
}

func TestTradeStatusActive(t *testing.T) {
	t.Parallel()
	active := []TradeStatus{StatusPending, StatusEntrySubmitted, StatusEntered, StatusExitSubmitted}
	for _, s := range active {
		if !s.Active() {
			t.Errorf("%s should be active", s)
		}
	}
	terminal := []TradeStatus{StatusClosed, StatusSkippedSpread, StatusEntryFailedUnknown, StatusClosedPreClosed}
	for _, s := range terminal {
		if s.Active() {
			t.Errorf("%s should be terminal", s)
		}
	}
	if !StatusClosedPriceUnknown.Closed() || StatusPending.Closed() {
		t.Error("Closed() classification wrong")
	}
}
