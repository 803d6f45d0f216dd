package store

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"saxo-fx-bot/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trade_status.json")
	return New(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func sampleTrade() *types.Trade {
	return &types.Trade{
		ID:             3,
		Pair:           "EUR/USD",
		Side:           types.Buy,
		LotSize:        decimal.NewFromFloat(0.5),
		Entry:          "09:30",
		Exit:           "15:00",
		UIC:            21,
		AssetType:      "FxSpot",
		Decimals:       5,
		Status:         types.StatusEntered,
		EntryOrderID:   "o-77",
		EntryFillPrice: decimal.NullDecimal{Decimal: decimal.RequireFromString("1.10012"), Valid: true},
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.Save("2025-03-14", []*types.Trade{sampleTrade()}); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := s.Load("2025-03-14")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got, ok := loaded[3]
	if !ok {
		t.Fatalf("trade 3 missing from %v", loaded)
	}
	if got.Status != types.StatusEntered {
		t.Errorf("status = %q, want entered", got.Status)
	}
	if got.EntryOrderID != "o-77" {
		t.Errorf("entry order id = %q, want o-77", got.EntryOrderID)
	}
	if !got.EntryFillPrice.Valid || !got.EntryFillPrice.Decimal.Equal(decimal.RequireFromString("1.10012")) {
		t.Errorf("entry fill price = %+v, want 1.10012", got.EntryFillPrice)
	}
	if !got.LotSize.Equal(decimal.NewFromFloat(0.5)) {
		t.Errorf("lot size = %s, want 0.5", got.LotSize)
	}
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	loaded, err := s.Load("2025-03-14")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("loaded = %v, want empty", loaded)
	}
}

func TestLoadDiscardsOtherDay(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.Save("2025-03-13", []*types.Trade{sampleTrade()}); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := s.Load("2025-03-14")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("previous-day state leaked: %v", loaded)
	}
	if _, err := os.Stat(s.path); !os.IsNotExist(err) {
		t.Fatal("stale state file not removed")
	}
}

func TestLoadDiscardsCorruptFile(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := os.WriteFile(s.path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}
	loaded, err := s.Load("2025-03-14")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("corrupt state produced trades: %v", loaded)
	}
}

func TestSaveLeavesNoTempFile(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.Save("2025-03-14", []*types.Trade{sampleTrade()}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := os.Stat(s.path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("temp file left behind after save")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.Save("2025-03-14", []*types.Trade{sampleTrade()}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Delete(); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}
