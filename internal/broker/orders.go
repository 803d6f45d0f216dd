package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"saxo-fx-bot/pkg/types"
)

// workingStatuses are the order states that count as live exposure.
var workingStatuses = map[string]bool{
	"Working": true,
	"Placed":  true,
	"Queued":  true,
}

// floatAmount renders a decimal amount for the order payload.
func floatAmount(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// PlaceMarketOrderWithBrackets submits a market entry with attached
// stop-loss (Stop) and take-profit (Limit) orders. Bracket prices are
// anchored on the current quote: the ask for a Buy, the bid for a Sell,
// offset by the configured pip distances and rounded to the instrument's
// display decimals. The attached order ids are memoized per uic so the exit
// workflow can cancel them without a listing round-trip.
//
// This call is not retried: an ambiguous outcome returns ErrAmbiguous and
// the caller must probe by external reference.
func (c *Client) PlaceMarketOrderWithBrackets(
	ctx context.Context,
	trade *types.Trade,
	snap types.PriceSnapshot,
	slPips, tpPips float64,
	extRef string,
) (*types.OrderResponse, error) {
	pip := types.PipValueForDecimals(trade.Decimals)
	if pip.IsZero() {
		pip = types.PipValue(trade.Pair)
	}

	anchor := snap.Ask
	if trade.Side == types.Sell {
		anchor = snap.Bid
	}

	amount := floatAmount(trade.Amount())
	closing := trade.Side.Opposite()
	logArgs := []any{"trade", trade.Label(), "anchor", anchor}

	// A zero pip distance disables that leg; a Stop at the anchor price
	// would stop the position out immediately.
	var related []types.RelatedOrder
	if slPips > 0 {
		dist := decimal.NewFromFloat(slPips).Mul(pip)
		price := anchor.Sub(dist)
		if trade.Side == types.Sell {
			price = anchor.Add(dist)
		}
		price = types.RoundPrice(price, trade.Decimals)
		logArgs = append(logArgs, "sl", price)
		related = append(related, types.RelatedOrder{
			UIC:           trade.UIC,
			AssetType:     trade.AssetType,
			BuySell:       closing,
			Amount:        amount,
			OrderType:     "Stop",
			OrderPrice:    price,
			OrderDuration: types.OrderDuration{DurationType: "GoodTillCancel"},
			ManualOrder:   false,
		})
	}
	if tpPips > 0 {
		dist := decimal.NewFromFloat(tpPips).Mul(pip)
		price := anchor.Add(dist)
		if trade.Side == types.Sell {
			price = anchor.Sub(dist)
		}
		price = types.RoundPrice(price, trade.Decimals)
		logArgs = append(logArgs, "tp", price)
		related = append(related, types.RelatedOrder{
			UIC:           trade.UIC,
			AssetType:     trade.AssetType,
			BuySell:       closing,
			Amount:        amount,
			OrderType:     "Limit",
			OrderPrice:    price,
			OrderDuration: types.OrderDuration{DurationType: "GoodTillCancel"},
			ManualOrder:   false,
		})
	}
	if len(related) == 0 {
		return c.PlaceMarketOrder(ctx, trade, extRef)
	}

	req := &types.OrderRequest{
		AccountKey:        c.session.AccountKey(),
		UIC:               trade.UIC,
		AssetType:         trade.AssetType,
		Amount:            amount,
		AmountType:        "Quantity",
		BuySell:           trade.Side,
		OrderType:         "Market",
		OrderDuration:     types.OrderDuration{DurationType: "DayOrder"},
		ManualOrder:       false,
		ExternalReference: extRef,
		Orders:            related,
	}

	resp, err := c.submitOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	if ids := relatedOrderIDs(resp); len(ids) > 0 {
		c.rememberBrackets(trade.UIC, ids)
	}
	c.logger.Info("entry order placed", append(logArgs, "order_id", resp.OrderID)...)
	return resp, nil
}

// PlaceMarketOrder submits a plain market order without brackets: the path
// when both bracket legs are disabled, and the fallback when the gateway
// rejects the attached orders.
func (c *Client) PlaceMarketOrder(ctx context.Context, trade *types.Trade, extRef string) (*types.OrderResponse, error) {
	req := &types.OrderRequest{
		AccountKey:        c.session.AccountKey(),
		UIC:               trade.UIC,
		AssetType:         trade.AssetType,
		Amount:            floatAmount(trade.Amount()),
		AmountType:        "Quantity",
		BuySell:           trade.Side,
		OrderType:         "Market",
		OrderDuration:     types.OrderDuration{DurationType: "DayOrder"},
		ManualOrder:       false,
		ExternalReference: extRef,
	}
	return c.submitOrder(ctx, req)
}

// ClosePositionMarket submits the closing market order for a trade. The
// position is re-checked immediately before submission: a nil or flat
// position returns (nil, true, nil) — someone else already closed it.
// The close amount is capped at what is actually still open.
func (c *Client) ClosePositionMarket(ctx context.Context, trade *types.Trade, extRef string) (*types.OrderResponse, bool, error) {
	pos, err := c.PositionByUIC(ctx, trade.UIC)
	if err != nil {
		return nil, false, fmt.Errorf("pre-close position check: %w", err)
	}
	if pos.Flat() {
		return nil, true, nil
	}

	amount := decimal.Min(pos.Amount.Abs(), trade.Amount())
	req := &types.OrderRequest{
		AccountKey:        c.session.AccountKey(),
		UIC:               trade.UIC,
		AssetType:         trade.AssetType,
		Amount:            floatAmount(amount),
		AmountType:        "Quantity",
		BuySell:           trade.Side.Opposite(),
		OrderType:         "Market",
		ToOpenClose:       "ToClose",
		OrderDuration:     types.OrderDuration{DurationType: "DayOrder"},
		ManualOrder:       false,
		ExternalReference: extRef,
	}
	resp, err := c.submitOrder(ctx, req)
	if err != nil {
		return nil, false, err
	}
	c.logger.Info("exit order placed", "trade", trade.Label(), "order_id", resp.OrderID, "amount", amount)
	return resp, false, nil
}

// submitOrder is the single retry-unsafe POST in the client. A 2xx body
// carrying ErrorInfo is surfaced as an error, never retried.
func (c *Client) submitOrder(ctx context.Context, req *types.OrderRequest) (*types.OrderResponse, error) {
	var out types.OrderResponse
	if err := c.do(ctx, apiRequest{
		method:    http.MethodPost,
		path:      "/trade/v2/orders",
		body:      req,
		result:    &out,
		retrySafe: false,
	}); err != nil {
		return nil, err
	}
	if out.ErrorInfo != nil {
		return nil, fmt.Errorf("order rejected: %s: %s", out.ErrorInfo.ErrorCode, out.ErrorInfo.Message)
	}
	if out.OrderID == "" {
		return nil, fmt.Errorf("%w: order response carried no order id", ErrAmbiguous)
	}
	return &out, nil
}

func relatedOrderIDs(resp *types.OrderResponse) []string {
	var ids []string
	for _, ro := range resp.Orders {
		if ro.OrderID != "" && ro.ErrorInfo == nil {
			ids = append(ids, ro.OrderID)
		}
	}
	return ids
}

func (c *Client) rememberBrackets(uic int, ids []string) {
	c.bracketMu.Lock()
	defer c.bracketMu.Unlock()
	c.bracketByUIC[uic] = ids
}

// DropBracketOrder removes one order from the bracket memo: a cancelled or
// expired bracket no longer needs cancelling at exit time.
func (c *Client) DropBracketOrder(uic int, orderID string) {
	c.bracketMu.Lock()
	defer c.bracketMu.Unlock()
	ids := c.bracketByUIC[uic]
	for i, id := range ids {
		if id == orderID {
			c.bracketByUIC[uic] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

func (c *Client) takeBrackets(uic int) []string {
	c.bracketMu.Lock()
	defer c.bracketMu.Unlock()
	ids := c.bracketByUIC[uic]
	delete(c.bracketByUIC, uic)
	return ids
}

// ————————————————————————————————————————————————————————————————————————
// Working orders
// ————————————————————————————————————————————————————————————————————————

// listOrders returns every order the gateway reports, in any status.
func (c *Client) listOrders(ctx context.Context) ([]types.WorkingOrder, error) {
	var out struct {
		Data []types.WorkingOrder `json:"Data"`
	}
	q := url.Values{
		"ClientKey":  {c.session.ClientKey()},
		"AccountKey": {c.session.AccountKey()},
	}
	err := c.do(ctx, apiRequest{
		method:    http.MethodGet,
		path:      "/port/v1/orders",
		query:     q,
		result:    &out,
		retrySafe: true,
	})
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return out.Data, nil
}

// ListWorkingOrders returns the live orders on an instrument. uic 0 lists
// all working orders on the account.
func (c *Client) ListWorkingOrders(ctx context.Context, uic int) ([]types.WorkingOrder, error) {
	orders, err := c.listOrders(ctx)
	if err != nil {
		return nil, err
	}
	var live []types.WorkingOrder
	for _, o := range orders {
		if !workingStatuses[o.Status] {
			continue
		}
		if uic != 0 && o.UIC != uic {
			continue
		}
		live = append(live, o)
	}
	return live, nil
}

// CancelOrder cancels one order. An already-gone order is not an error.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	q := url.Values{"AccountKey": {c.session.AccountKey()}}
	err := c.do(ctx, apiRequest{
		method:    http.MethodDelete,
		path:      "/trade/v2/orders/" + orderID,
		query:     q,
		retrySafe: true,
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// CancelRelatedOrdersForUIC clears the TP/SL brackets on an instrument
// before the exit order goes in. Two-phase: cancel the memoized bracket ids,
// re-list, retry whatever survived; if orders still remain after that,
// cancel every working order on the uic as a last resort. A bracket that
// filled in the meantime simply disappears from the listing.
func (c *Client) CancelRelatedOrdersForUIC(ctx context.Context, uic int) error {
	for _, id := range c.takeBrackets(uic) {
		if err := c.CancelOrder(ctx, id); err != nil {
			c.logger.Warn("bracket cancel failed", "uic", uic, "order_id", id, "error", err)
		}
	}

	remaining, err := c.ListWorkingOrders(ctx, uic)
	if err != nil {
		return fmt.Errorf("re-list after bracket cancel: %w", err)
	}
	for _, o := range remaining {
		if err := c.CancelOrder(ctx, o.OrderID); err != nil {
			c.logger.Warn("second-phase cancel failed", "uic", uic, "order_id", o.OrderID, "error", err)
		}
	}
	if len(remaining) == 0 {
		return nil
	}

	time.Sleep(500 * time.Millisecond)
	stillThere, err := c.ListWorkingOrders(ctx, uic)
	if err != nil {
		return fmt.Errorf("verify after cancel: %w", err)
	}
	if len(stillThere) == 0 {
		return nil
	}

	c.logger.Warn("orders survived two-phase cancel, cancelling all on instrument", "uic", uic, "count", len(stillThere))
	var lastErr error
	for _, o := range stillThere {
		if err := c.CancelOrder(ctx, o.OrderID); err != nil {
			lastErr = err
		}
	}
	if lastErr != nil {
		return fmt.Errorf("cancel all on uic %d: %w", uic, lastErr)
	}
	return nil
}

// FindOrderByExternalReference probes the order book for the given
// idempotency tag. Used after an ambiguous order submission to decide
// whether the order actually reached the gateway. Every status counts: a
// market order may have filled during the ambiguous round-trip, and reporting
// it absent would leave the resulting position untracked.
func (c *Client) FindOrderByExternalReference(ctx context.Context, extRef string) (*types.FoundOrder, error) {
	orders, err := c.listOrders(ctx)
	if err != nil {
		return nil, err
	}
	for _, o := range orders {
		if strings.EqualFold(o.ExternalReference, extRef) {
			return &types.FoundOrder{OrderID: o.OrderID, Status: o.Status}, nil
		}
	}
	return nil, nil
}

// CheckExistingPositionsAndOrders is the pre-entry guard: any open position
// or working order on the instrument means this trade must not enter.
func (c *Client) CheckExistingPositionsAndOrders(ctx context.Context, uic int) (*types.ExistingExposure, error) {
	pos, err := c.PositionByUIC(ctx, uic)
	if err != nil {
		return nil, err
	}
	if !pos.Flat() {
		return &types.ExistingExposure{Kind: "position", Position: pos}, nil
	}
	orders, err := c.ListWorkingOrders(ctx, uic)
	if err != nil {
		return nil, err
	}
	if len(orders) > 0 {
		return &types.ExistingExposure{Kind: "pending_order", OrderID: orders[0].OrderID}, nil
	}
	return nil, nil
}
