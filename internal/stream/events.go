package stream

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"

	"saxo-fx-bot/pkg/types"
)

// reconnectReasons are control payload reasons that invalidate the current
// subscription or session.
var reconnectReasons = map[string]bool{
	"SubscriptionPermanentlyDisabled": true,
	"SessionLimitExceeded":            true,
	"SubscriptionDisabled":            true,
}

var reconnectMessageTypes = map[string]bool{
	"disconnect":          true,
	"reset":               true,
	"reset-subscriptions": true,
}

// terminalOrderStatuses map order activity statuses to a status-change event.
var terminalOrderStatuses = map[string]bool{
	"Canceled":  true,
	"Cancelled": true,
	"Rejected":  true,
	"Expired":   true,
}

type controlMessage struct {
	MessageType string `json:"MessageType"`
	Reason      string `json:"Reason"`
	Heartbeats  []struct {
		OriginatingReferenceID string `json:"OriginatingReferenceId"`
		Reason                 string `json:"Reason"`
	} `json:"Heartbeats"`
}

// needsReconnect inspects a control payload (heartbeat, reset, disconnect)
// and reports whether the connection must be rebuilt. The payload may be a
// single object or an array of them.
func needsReconnect(payload []byte) bool {
	var msgs []controlMessage
	if err := json.Unmarshal(payload, &msgs); err != nil {
		var one controlMessage
		if err := json.Unmarshal(payload, &one); err != nil {
			return false
		}
		msgs = []controlMessage{one}
	}
	for _, m := range msgs {
		if reconnectReasons[m.Reason] || reconnectMessageTypes[strings.ToLower(m.MessageType)] {
			return true
		}
		for _, hb := range m.Heartbeats {
			if reconnectReasons[hb.Reason] {
				return true
			}
		}
	}
	return false
}

// activity is the raw ENS order/position activity shape. The same payload
// schema carries both kinds; which fields are set tells them apart.
type activity struct {
	ActivityType   string           `json:"ActivityType"`
	OrderID        string           `json:"OrderId"`
	UIC            int              `json:"Uic"`
	Status         string           `json:"Status"`
	SubStatus      string           `json:"SubStatus"`
	Amount         *decimal.Decimal `json:"Amount"`
	FilledAmount   *decimal.Decimal `json:"FilledAmount"`
	ExecutionPrice *decimal.Decimal `json:"ExecutionPrice"`
	AveragePrice   *decimal.Decimal `json:"AveragePrice"`
	ActivityTime   string           `json:"ActivityTime"`
	PositionID     string           `json:"PositionId"`
	PositionEvent  string           `json:"PositionEvent"`
}

// normalizeActivities turns an ENS payload into zero or more dispatchable
// events:
//
//   - order Fill/FinalFill with SubStatus Confirmed, complete (FinalFill or
//     FilledAmount ≥ Amount) → order_fill
//   - order Canceled/Rejected/Expired → order_status_change
//   - position deleted or amount zero → position_closed
//
// Partial fills and intermediate order states produce nothing; the final
// event for the same order follows.
func normalizeActivities(payload []byte) []types.Event {
	var acts []activity
	if err := json.Unmarshal(payload, &acts); err != nil {
		// Not a bare array: either a {"Data": [...]} wrapper or one object.
		var wrapped struct {
			Data []activity `json:"Data"`
		}
		if err := json.Unmarshal(payload, &wrapped); err == nil && len(wrapped.Data) > 0 {
			acts = wrapped.Data
		} else {
			var one activity
			if err := json.Unmarshal(payload, &one); err != nil {
				return nil
			}
			acts = []activity{one}
		}
	}

	var events []types.Event
	for _, a := range acts {
		if ev, ok := normalizeActivity(a); ok {
			events = append(events, ev)
		}
	}
	return events
}

func normalizeActivity(a activity) (types.Event, bool) {
	isPosition := strings.EqualFold(a.ActivityType, "Positions") ||
		(a.ActivityType == "" && a.PositionID != "" && a.OrderID == "")
	if isPosition {
		closed := strings.EqualFold(a.PositionEvent, "deleted") ||
			(a.Amount != nil && a.Amount.IsZero())
		if !closed {
			return types.Event{}, false
		}
		return types.Event{
			Kind:           types.EventPositionClosed,
			UIC:            a.UIC,
			PositionID:     a.PositionID,
			Status:         "closed",
			ExecutionPrice: nullDec(a.ExecutionPrice),
			ExecutionTime:  a.ActivityTime,
			Amount:         nullDec(a.Amount),
		}, true
	}
	if a.OrderID == "" {
		return types.Event{}, false
	}

	switch {
	case (a.Status == "Fill" || a.Status == "FinalFill") && a.SubStatus == "Confirmed":
		complete := a.Status == "FinalFill" ||
			(a.FilledAmount != nil && a.Amount != nil && a.FilledAmount.GreaterThanOrEqual(*a.Amount))
		if !complete {
			return types.Event{}, false
		}
		price := a.ExecutionPrice
		if price == nil {
			price = a.AveragePrice
		}
		return types.Event{
			Kind:           types.EventOrderFill,
			OrderID:        a.OrderID,
			UIC:            a.UIC,
			PositionID:     a.PositionID,
			Status:         strings.ToLower(a.Status),
			ExecutionPrice: nullDec(price),
			ExecutionTime:  a.ActivityTime,
			FilledAmount:   nullDec(a.FilledAmount),
			Amount:         nullDec(a.Amount),
		}, true

	case terminalOrderStatuses[a.Status]:
		return types.Event{
			Kind:          types.EventOrderStatusChange,
			OrderID:       a.OrderID,
			UIC:           a.UIC,
			Status:        strings.ToLower(a.Status),
			ExecutionTime: a.ActivityTime,
		}, true
	}
	return types.Event{}, false
}

func nullDec(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}
