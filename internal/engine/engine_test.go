package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"saxo-fx-bot/internal/broker"
	"saxo-fx-bot/internal/config"
	"saxo-fx-bot/internal/dispatch"
	"saxo-fx-bot/internal/notify"
	"saxo-fx-bot/internal/schedule"
	"saxo-fx-bot/internal/store"
	"saxo-fx-bot/pkg/types"
)

func newBareEngine(t *testing.T) *Engine {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &Engine{
		store:  store.New(filepath.Join(t.TempDir(), "trade_status.json"), logger),
		logger: logger,
	}
}

// newWiredEngine builds an engine against an httptest gateway, with a short
// fill timeout so confirmation fallbacks run immediately.
func newWiredEngine(t *testing.T, handler http.Handler) *Engine {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{
		API: config.APIConfig{BaseURL: srv.URL},
		Orders: config.OrderConfig{
			StopLossPips:   1.0,
			TakeProfitPips: 40.0,
			ExitRetryCount: 1,
			FillTimeout:    20 * time.Millisecond,
		},
	}
	client := broker.New(cfg, broker.StaticCodeProvider("unused"), logger)
	client.Session().SetTokens("tok", "refresh")
	client.Session().SetAccount("acct", "client")

	return &Engine{
		cfg:      cfg,
		client:   client,
		registry: dispatch.NewRegistry(logger),
		sched:    schedule.New(0, logger),
		store:    store.New(filepath.Join(t.TempDir(), "trade_status.json"), logger),
		notifier: notify.Nop{},
		logger:   logger,
		loc:      time.UTC,
	}
}

func wiredTrade() *types.Trade {
	return &types.Trade{
		ID:        1,
		Pair:      "USD/JPY",
		Side:      types.Buy,
		LotSize:   decimal.NewFromFloat(0.1),
		UIC:       21,
		AssetType: "FxSpot",
		Decimals:  3,
		Status:    types.StatusPending,
	}
}

// writeJSON mirrors the live gateway, which always sends a JSON content
// type; without it resty declines to unmarshal the response body.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func encodePosition(w http.ResponseWriter, positionID, sourceOrderID string, amount int) {
	writeJSON(w, map[string]any{"Data": []map[string]any{{
		"PositionId": positionID,
		"PositionBase": map[string]any{
			"Uic":           21,
			"Amount":        amount,
			"OpenPrice":     150.1,
			"SourceOrderId": sourceOrderID,
		},
	}}})
}

func encodeAuditFill(w http.ResponseWriter, price float64) {
	writeJSON(w, map[string]any{"Data": []map[string]any{{
		"Status":       "FinalFill",
		"AveragePrice": price,
		"FillAmount":   1000,
		"ActivityTime": "2025-03-14T07:00:00Z",
	}}})
}

func TestRestoreStateMergesSameDaySnapshot(t *testing.T) {
	t.Parallel()
	e := newBareEngine(t)

	price := decimal.NullDecimal{Decimal: decimal.RequireFromString("1.10012"), Valid: true}
	saved := &types.Trade{
		ID:             1,
		Pair:           "EUR/USD",
		Status:         types.StatusEntered,
		EntryOrderID:   "o-5",
		PositionID:     "p-5",
		EntryFillPrice: price,
	}
	if err := e.store.Save("2025-03-14", []*types.Trade{saved}); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	plan := []*types.Trade{
		{ID: 1, Pair: "EUR/USD", Status: types.StatusPending},
		{ID: 2, Pair: "USD/JPY", Status: types.StatusPending},
	}
	if err := e.restoreState("2025-03-14", plan); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if plan[0].Status != types.StatusEntered {
		t.Errorf("trade 1 status = %q, want entered", plan[0].Status)
	}
	if plan[0].EntryOrderID != "o-5" || plan[0].PositionID != "p-5" {
		t.Errorf("trade 1 ids = %q/%q, want o-5/p-5", plan[0].EntryOrderID, plan[0].PositionID)
	}
	if !plan[0].EntryFillPrice.Valid || !plan[0].EntryFillPrice.Decimal.Equal(price.Decimal) {
		t.Errorf("trade 1 fill price = %+v", plan[0].EntryFillPrice)
	}
	if plan[1].Status != types.StatusPending {
		t.Errorf("trade 2 status = %q, want pending", plan[1].Status)
	}
}

func TestRestoreStateIgnoresPairMismatch(t *testing.T) {
	t.Parallel()
	e := newBareEngine(t)

	saved := &types.Trade{ID: 1, Pair: "GBP/USD", Status: types.StatusEntered, EntryOrderID: "o-9"}
	if err := e.store.Save("2025-03-14", []*types.Trade{saved}); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	plan := []*types.Trade{{ID: 1, Pair: "EUR/USD", Status: types.StatusPending}}
	if err := e.restoreState("2025-03-14", plan); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if plan[0].Status != types.StatusPending || plan[0].EntryOrderID != "" {
		t.Errorf("mismatched pair merged anyway: %+v", plan[0])
	}
}

func TestRunExitClosesUnconfirmedEntry(t *testing.T) {
	t.Parallel()

	var closed atomic.Bool
	var closePosted atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/port/v1/positions", func(w http.ResponseWriter, r *http.Request) {
		if closed.Load() {
			writeJSON(w, map[string]any{"Data": []any{}})
			return
		}
		encodePosition(w, "p-1", "o-1", 1000)
	})
	mux.HandleFunc("/port/v1/orders", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"Data": []any{}})
	})
	mux.HandleFunc("/trade/v2/orders", func(w http.ResponseWriter, r *http.Request) {
		closePosted.Add(1)
		closed.Store(true)
		writeJSON(w, map[string]string{"OrderId": "ex-1"})
	})
	mux.HandleFunc("/cs/v1/audit/orderactivities", func(w http.ResponseWriter, r *http.Request) {
		encodeAuditFill(w, 150.2)
	})

	e := newWiredEngine(t, mux)
	tr := wiredTrade()
	tr.Status = types.StatusEntrySubmitted
	tr.EntryOrderID = "o-1"
	tr.Exit = "00:00"
	e.trades = []*types.Trade{tr}

	day := time.Now().In(time.UTC)
	e.runExit(context.Background(), day, day.Format(time.DateOnly), tr)
	e.confirmWG.Wait()

	// An entry still unconfirmed at exit time must not leave its open
	// position on the book.
	if closePosted.Load() == 0 {
		t.Fatal("no close order was posted for the unconfirmed entry")
	}
	if got := e.status(tr); got != types.StatusClosedPriceUnknown {
		t.Fatalf("status = %q, want closed (price-unknown)", got)
	}
}

func TestSubmitEntryFallsBackToFlatOrder(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var bodies []types.OrderRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/trade/v2/orders", func(w http.ResponseWriter, r *http.Request) {
		var req types.OrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode order body: %v", err)
		}
		mu.Lock()
		bodies = append(bodies, req)
		mu.Unlock()
		if len(req.Orders) > 0 {
			writeJSON(w, map[string]any{
				"ErrorInfo": map[string]string{"ErrorCode": "IllegalRelatedOrders", "Message": "related orders rejected"},
			})
			return
		}
		writeJSON(w, map[string]string{"OrderId": "o-7"})
	})
	mux.HandleFunc("/port/v1/positions", func(w http.ResponseWriter, r *http.Request) {
		encodePosition(w, "p-7", "o-7", 1000)
	})
	mux.HandleFunc("/cs/v1/audit/orderactivities", func(w http.ResponseWriter, r *http.Request) {
		encodeAuditFill(w, 150.104)
	})

	e := newWiredEngine(t, mux)
	tr := wiredTrade()
	e.trades = []*types.Trade{tr}

	snap := types.PriceSnapshot{
		Bid: decimal.RequireFromString("150.100"),
		Ask: decimal.RequireFromString("150.104"),
	}
	day := time.Now().In(time.UTC)
	e.submitEntry(context.Background(), day.Format(time.DateOnly), tr, time.Now(), snap)
	e.confirmWG.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 2 {
		t.Fatalf("order posts = %d, want 2 (bracket then flat)", len(bodies))
	}
	if len(bodies[0].Orders) == 0 || len(bodies[1].Orders) != 0 {
		t.Fatalf("expected bracket first and flat second, got %d then %d legs", len(bodies[0].Orders), len(bodies[1].Orders))
	}
	if tr.EntryOrderID != "o-7" {
		t.Errorf("entry order id = %q, want o-7", tr.EntryOrderID)
	}
	if got := e.status(tr); got != types.StatusEntered {
		t.Errorf("status = %q, want entered", got)
	}
}

func TestConfirmExitFillRecoversPriceFromAudit(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/port/v1/positions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"Data": []any{}})
	})
	mux.HandleFunc("/cs/v1/audit/orderactivities", func(w http.ResponseWriter, r *http.Request) {
		encodeAuditFill(w, 150.25)
	})

	e := newWiredEngine(t, mux)
	tr := wiredTrade()
	tr.Status = types.StatusExitSubmitted
	tr.EntryFillPrice = decimal.NullDecimal{Decimal: decimal.RequireFromString("150.00"), Valid: true}
	tr.ExitOrderID = "ex-1"
	e.trades = []*types.Trade{tr}

	// The position-closed event carries no execution price; it lands in the
	// backlog and resolves the waiter immediately.
	e.registry.Dispatch(types.Event{Kind: types.EventPositionClosed, UIC: 21, PositionID: "p-1"})

	day := time.Now().In(time.UTC)
	e.confirmExitFill(context.Background(), day.Format(time.DateOnly), tr, "ex-1")

	if !tr.ExitFillPrice.Valid || tr.ExitFillPrice.Decimal.String() != "150.25" {
		t.Fatalf("exit fill price = %+v, want 150.25 from the audit trail", tr.ExitFillPrice)
	}
	if got := e.status(tr); got != types.StatusClosed {
		t.Fatalf("status = %q, want closed", got)
	}
	if tr.PipsProfit.String() != "25" {
		t.Errorf("pips = %s, want 25", tr.PipsProfit)
	}
}

func TestSpreadGuardDisabledByZeroLimit(t *testing.T) {
	t.Parallel()

	var entryPosted atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/port/v1/positions", func(w http.ResponseWriter, r *http.Request) {
		if entryPosted.Load() == 0 {
			writeJSON(w, map[string]any{"Data": []any{}})
			return
		}
		encodePosition(w, "p-9", "o-9", 1000)
	})
	mux.HandleFunc("/port/v1/orders", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"Data": []any{}})
	})
	mux.HandleFunc("/trade/v1/infoprices/list", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"Data": []map[string]any{{
			"Uic":              21,
			"Quote":            map[string]float64{"Bid": 150.000, "Ask": 150.080},
			"DisplayAndFormat": map[string]int{"Decimals": 3},
		}}})
	})
	mux.HandleFunc("/trade/v2/orders", func(w http.ResponseWriter, r *http.Request) {
		entryPosted.Add(1)
		writeJSON(w, map[string]string{"OrderId": "o-9"})
	})
	mux.HandleFunc("/cs/v1/audit/orderactivities", func(w http.ResponseWriter, r *http.Request) {
		encodeAuditFill(w, 150.08)
	})

	e := newWiredEngine(t, mux)
	e.cfg.Orders.SpreadPipsLimit = 0
	tr := wiredTrade()
	day := time.Now().In(time.UTC)
	tr.Entry = day.Format("15:04:05")
	e.trades = []*types.Trade{tr}

	// 8 pips of spread, limit 0: the guard is off, the entry goes through.
	e.runEntry(context.Background(), day, day.Format(time.DateOnly), tr)
	e.confirmWG.Wait()

	if entryPosted.Load() == 0 {
		t.Fatal("entry was not submitted with the spread guard disabled")
	}
	if got := e.status(tr); got != types.StatusEntered {
		t.Fatalf("status = %q, want entered", got)
	}
}

func TestAllSettled(t *testing.T) {
	t.Parallel()
	e := newBareEngine(t)

	e.trades = []*types.Trade{
		{ID: 1, Status: types.StatusClosed},
		{ID: 2, Status: types.StatusSkippedSpread},
	}
	if !e.allSettled() {
		t.Error("terminal statuses reported unsettled")
	}

	e.trades = append(e.trades, &types.Trade{ID: 3, Status: types.StatusEntered})
	if e.allSettled() {
		t.Error("active trade reported settled")
	}
}
