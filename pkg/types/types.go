// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — trade plan entries,
// the trade state machine, normalized ENS events, and the Saxo OpenAPI
// request/response shapes. It has no dependencies on internal packages,
// so it can be imported by any layer.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of a trade: Buy or Sell.
// The values match the Saxo OpenAPI BuySell field verbatim.
type Side string

const (
	Buy  Side = "Buy"
	Sell Side = "Sell"
)

// Opposite returns the closing direction for a position opened on s.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// TradeStatus is the per-trade state machine state.
//
// Happy path: Pending → EntrySubmitted → Entered → ExitSubmitted → Closed.
// Everything else is a terminal outcome recorded for the daily summary.
type TradeStatus string

const (
	StatusPending        TradeStatus = "pending"
	StatusEntrySubmitted TradeStatus = "entry-submitted"
	StatusEntered        TradeStatus = "entered"
	StatusExitSubmitted  TradeStatus = "exit-submitted"
	StatusClosed         TradeStatus = "closed"

	StatusClosedPriceUnknown TradeStatus = "closed (price-unknown)"
	StatusClosedPreClosed    TradeStatus = "closed (pre-closed)"

	StatusSkippedTimePast       TradeStatus = "skipped (time-past)"
	StatusSkippedUICMissing     TradeStatus = "skipped (uic-missing)"
	StatusSkippedSpread         TradeStatus = "skipped (spread)"
	StatusSkippedExisting       TradeStatus = "skipped (existing)"
	StatusSkippedPreCheckFailed TradeStatus = "skipped (pre-check-failed)"

	StatusEntryFailedOrderError   TradeStatus = "entry-failed (order-error)"
	StatusEntryFailedUnknown      TradeStatus = "entry-failed (unknown)"
	StatusEntryFailedTimeExceeded TradeStatus = "entry-failed (time-exceeded)"
	StatusEntryFailedUnconfirmed  TradeStatus = "entry-failed (unconfirmed)"

	StatusExitFailedOrderError  TradeStatus = "exit-failed (order-error)"
	StatusExitFailedUnconfirmed TradeStatus = "exit-failed (unconfirmed)"
)

// Active reports whether the trade still needs orchestrator attention.
func (s TradeStatus) Active() bool {
	switch s {
	case StatusPending, StatusEntrySubmitted, StatusEntered, StatusExitSubmitted:
		return true
	}
	return false
}

// Closed reports whether the trade reached a closed terminal state
// (including price-unknown and pre-closed variants).
func (s TradeStatus) Closed() bool {
	switch s {
	case StatusClosed, StatusClosedPriceUnknown, StatusClosedPreClosed:
		return true
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Trade plan
// ————————————————————————————————————————————————————————————————————————

// Trade is one plan entry — the unit of work the orchestrator drives through
// entry and exit. Instrument fields (UIC, AssetType, Decimals) are enriched
// at load time from /ref/v1/instruments; runtime fields are filled as the
// state machine advances and are persisted across restarts.
type Trade struct {
	ID       int             `json:"id"`
	Pair     string          `json:"pair"` // normalized, e.g. "EUR/USD"
	Side     Side            `json:"side"`
	LotSize  decimal.Decimal `json:"lot_size"`
	Entry    string          `json:"entry_time"` // wall-clock HH:MM[:SS]
	Exit     string          `json:"exit_time"`
	Weekdays []time.Weekday  `json:"allowed_weekdays,omitempty"`

	// Instrument enrichment.
	UIC       int    `json:"uic,omitempty"`
	AssetType string `json:"asset_type,omitempty"`
	Decimals  int    `json:"decimals,omitempty"`

	// Runtime state.
	Status               TradeStatus         `json:"status"`
	EntryOrderID         string              `json:"entry_order_id,omitempty"`
	ExitOrderID          string              `json:"exit_order_id,omitempty"`
	PositionID           string              `json:"position_id,omitempty"`
	EntryFillPrice       decimal.NullDecimal `json:"entry_fill_price,omitempty"`
	ExitFillPrice        decimal.NullDecimal `json:"exit_fill_price,omitempty"`
	EntryFilledAmount    decimal.NullDecimal `json:"entry_filled_amount,omitempty"`
	EntryTimestampActual string              `json:"entry_timestamp_actual,omitempty"`
	ExitTimestampActual  string              `json:"exit_timestamp_actual,omitempty"`
	PipsProfit           decimal.Decimal     `json:"pips_profit"`
}

// Amount converts the lot size to base-currency units (1 lot = 10000).
func (t *Trade) Amount() decimal.Decimal {
	return t.LotSize.Mul(decimal.NewFromInt(10000))
}

// Label is the short human identifier used in logs and notifications.
func (t *Trade) Label() string {
	return fmt.Sprintf("trade %d (%s %s)", t.ID, t.Pair, t.Side)
}

// ExternalReference builds the idempotency tag attached to orders for this
// trade: {YYYYMMDD}_trade_{id}_{entry|exit}_v1. The date is taken in the
// engine's configured location so a restart within the same trading day
// reproduces the same tag.
func (t *Trade) ExternalReference(kind string, now time.Time) string {
	return fmt.Sprintf("%s_trade_%d_%s_v1", now.Format("20060102"), t.ID, kind)
}

// ————————————————————————————————————————————————————————————————————————
// Normalized ENS events
// ————————————————————————————————————————————————————————————————————————

// EventKind classifies a normalized ENS activity.
type EventKind string

const (
	EventOrderFill         EventKind = "order_fill"
	EventOrderStatusChange EventKind = "order_status_change"
	EventPositionClosed    EventKind = "position_closed"
)

// Event is the internal normalized form of an ENS order or position activity.
// The stream layer produces these; the dispatch registry routes them to
// whichever workflow is waiting.
type Event struct {
	Kind           EventKind
	OrderID        string
	UIC            int
	PositionID     string
	Status         string // lowercased broker status, e.g. "filled", "cancelled"
	ExecutionPrice decimal.NullDecimal
	ExecutionTime  string
	FilledAmount   decimal.NullDecimal
	Amount         decimal.NullDecimal
}

// ————————————————————————————————————————————————————————————————————————
// REST shapes (Saxo OpenAPI)
// ————————————————————————————————————————————————————————————————————————

// Quote is the bid/ask pair from /trade/v1/infoprices.
type Quote struct {
	Bid *float64 `json:"Bid"`
	Ask *float64 `json:"Ask"`
}

// DisplayAndFormat carries instrument price formatting metadata.
type DisplayAndFormat struct {
	Decimals      int `json:"Decimals"`
	PriceDecimals int `json:"PriceDecimals,omitempty"`
}

// PriceInfo is one instrument's entry from /trade/v1/infoprices/list.
type PriceInfo struct {
	UIC              int               `json:"Uic"`
	Quote            Quote             `json:"Quote"`
	DisplayAndFormat *DisplayAndFormat `json:"DisplayAndFormat,omitempty"`
}

// PriceSnapshot is the engine-facing view of a quote: fixed-precision bid/ask
// plus the instrument's display decimals.
type PriceSnapshot struct {
	Bid      decimal.Decimal
	Ask      decimal.Decimal
	Decimals int
}

// Mid returns the midpoint of the snapshot.
func (p PriceSnapshot) Mid() decimal.Decimal {
	return p.Bid.Add(p.Ask).Div(decimal.NewFromInt(2))
}

// Instrument is one /ref/v1/instruments match.
type Instrument struct {
	Symbol     string `json:"Symbol"`
	Identifier int    `json:"Identifier"`
	AssetType  string `json:"AssetType"`
	Format     struct {
		Decimals int `json:"Decimals"`
	} `json:"Format"`
}

// InstrumentInfo is the cached pair → instrument mapping.
type InstrumentInfo struct {
	UIC       int
	AssetType string
	Symbol    string
	Decimals  int
}

// OrderDuration is the Saxo order duration clause.
type OrderDuration struct {
	DurationType string `json:"DurationType"`
}

// RelatedOrder is one attached bracket order (Stop for SL, Limit for TP).
type RelatedOrder struct {
	UIC           int             `json:"Uic"`
	AssetType     string          `json:"AssetType"`
	BuySell       Side            `json:"BuySell"`
	Amount        float64         `json:"Amount"`
	OrderType     string          `json:"OrderType"` // "Stop" or "Limit"
	OrderPrice    decimal.Decimal `json:"OrderPrice"`
	OrderDuration OrderDuration   `json:"OrderDuration"`
	ManualOrder   bool            `json:"ManualOrder"`
}

// OrderRequest is the POST /trade/v2/orders body.
type OrderRequest struct {
	AccountKey        string         `json:"AccountKey"`
	UIC               int            `json:"Uic"`
	AssetType         string         `json:"AssetType"`
	Amount            float64        `json:"Amount"`
	AmountType        string         `json:"AmountType"`
	BuySell           Side           `json:"BuySell"`
	OrderType         string         `json:"OrderType"`
	ToOpenClose       string         `json:"ToOpenClose,omitempty"`
	OrderDuration     OrderDuration  `json:"OrderDuration"`
	ManualOrder       bool           `json:"ManualOrder"`
	ExternalReference string         `json:"ExternalReference"`
	Orders            []RelatedOrder `json:"Orders,omitempty"`
}

// ErrorInfo is the 2xx-with-error payload the order endpoints can return.
type ErrorInfo struct {
	ErrorCode string `json:"ErrorCode"`
	Message   string `json:"Message"`
}

// RelatedOrderResult is one attached order's entry in an order response.
type RelatedOrderResult struct {
	OrderID   string     `json:"OrderId"`
	Status    string     `json:"Status,omitempty"`
	OrderType string     `json:"OrderType,omitempty"`
	ErrorInfo *ErrorInfo `json:"ErrorInfo,omitempty"`
}

// OrderResponse is the POST /trade/v2/orders response.
type OrderResponse struct {
	OrderID   string               `json:"OrderId"`
	ErrorInfo *ErrorInfo           `json:"ErrorInfo,omitempty"`
	Orders    []RelatedOrderResult `json:"Orders,omitempty"`
}

// WorkingOrder is one /port/v1/orders entry.
type WorkingOrder struct {
	OrderID           string `json:"OrderId"`
	Status            string `json:"Status"`
	UIC               int    `json:"Uic"`
	OrderType         string `json:"OpenOrderType,omitempty"`
	ExternalReference string `json:"ExternalReference,omitempty"`
}

// PositionDetails is the engine-facing extraction of a /port/v1/positions row.
type PositionDetails struct {
	PositionID    string
	OpenPrice     decimal.Decimal
	Amount        decimal.Decimal
	SourceOrderID string
	ExecutionTime string
}

// Flat reports whether the position amount is zero.
func (p *PositionDetails) Flat() bool {
	return p == nil || p.Amount.IsZero()
}

// ExistingExposure is the result of the pre-entry guard: a position or a
// working order already present on the instrument.
type ExistingExposure struct {
	Kind     string // "position" or "pending_order"
	OrderID  string
	Position *PositionDetails
}

// FoundOrder is a find-by-external-reference probe result.
type FoundOrder struct {
	OrderID string
	Status  string
}
