package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"saxo-fx-bot/internal/broker"
	"saxo-fx-bot/internal/config"
	"saxo-fx-bot/internal/dispatch"
	"saxo-fx-bot/internal/metrics"
	"saxo-fx-bot/internal/notify"
	"saxo-fx-bot/internal/schedule"
	"saxo-fx-bot/internal/store"
	"saxo-fx-bot/pkg/types"
)

// entrySubmitWindow bounds how long after the scheduled moment entry
// submission may still be attempted; a fill minutes late is a different
// trade than the one planned.
const entrySubmitWindow = 3 * time.Second

const (
	positionBackfillAttempts = 5
	confirmFlatInterval      = time.Second
	confirmFlatTimeout       = 60 * time.Second
)

// Engine owns the trading day: it enriches the plan, restores state, walks
// each trade through entry and exit at its scheduled time, and reports the
// outcome. Entry and exit actions are serialized; fill confirmations run as
// tracked goroutines beside the main loop.
type Engine struct {
	cfg      *config.Config
	client   *broker.Client
	registry *dispatch.Registry
	sched    *schedule.Scheduler
	store    *store.Store
	notifier notify.Notifier
	logger   *slog.Logger
	loc      *time.Location

	mu     sync.Mutex // guards trades and halted
	trades []*types.Trade
	halted bool

	confirmWG sync.WaitGroup
}

func New(
	cfg *config.Config,
	client *broker.Client,
	registry *dispatch.Registry,
	sched *schedule.Scheduler,
	st *store.Store,
	notifier notify.Notifier,
	loc *time.Location,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		cfg:      cfg,
		client:   client,
		registry: registry,
		sched:    sched,
		store:    st,
		notifier: notifier,
		loc:      loc,
		logger:   logger.With("component", "engine"),
	}
}

// Run executes one trading day and returns when every trade has reached a
// terminal state or ctx is cancelled. Confirmation goroutines are awaited
// before return in both cases.
func (e *Engine) Run(ctx context.Context) error {
	defer e.confirmWG.Wait()

	day := time.Now().In(e.loc)
	date := day.Format(time.DateOnly)

	trades, err := LoadPlan(e.cfg.PlanPath, day)
	if err != nil {
		return err
	}
	if len(trades) == 0 {
		e.logger.Info("no trades planned for today", "date", date)
		e.notify(ctx, fmt.Sprintf("📋 No trades planned for %s", date))
		return nil
	}

	if err := e.enrichInstruments(ctx, trades); err != nil {
		return err
	}
	if err := e.restoreState(date, trades); err != nil {
		return err
	}
	e.mu.Lock()
	e.trades = trades
	e.mu.Unlock()
	e.saveState(date)
	e.resumeConfirmations(ctx, date, trades)

	e.startupReport(ctx, date, trades)

	for _, t := range trades {
		if ctx.Err() != nil {
			break
		}
		if e.isHalted() {
			e.logger.Warn("trading halted, remaining trades untouched", "trade", t.Label())
			break
		}
		e.runTrade(ctx, day, date, t)
	}

	e.confirmWG.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	e.summaryReport(ctx, date)
	if e.allSettled() {
		if err := e.store.Delete(); err != nil {
			e.logger.Warn("state file delete failed", "error", err)
		}
	}
	return nil
}

// enrichInstruments resolves every planned pair to its uic, asset type and
// display decimals. A pair the broker does not know is skipped, not fatal.
func (e *Engine) enrichInstruments(ctx context.Context, trades []*types.Trade) error {
	cache := make(map[string]*types.InstrumentInfo)
	for _, t := range trades {
		info, seen := cache[t.Pair]
		if !seen {
			var err error
			info, err = e.client.LookupInstrument(ctx, t.Pair)
			if err != nil {
				return fmt.Errorf("instrument lookup %s: %w", t.Pair, err)
			}
			cache[t.Pair] = info
		}
		if info == nil {
			t.Status = types.StatusSkippedUICMissing
			e.logger.Warn("instrument unknown, trade skipped", "trade", t.Label())
			e.notify(ctx, fmt.Sprintf("⚠️ %s skipped: instrument %s not found", t.Label(), t.Pair))
			continue
		}
		t.UIC = info.UIC
		t.AssetType = info.AssetType
		t.Decimals = info.Decimals
	}
	return nil
}

// restoreState merges a same-day snapshot into the plan so a restart
// resumes in-flight trades instead of re-entering them.
func (e *Engine) restoreState(date string, trades []*types.Trade) error {
	saved, err := e.store.Load(date)
	if err != nil {
		return err
	}
	for _, t := range trades {
		prev, ok := saved[t.ID]
		if !ok || prev.Pair != t.Pair {
			continue
		}
		t.Status = prev.Status
		t.EntryOrderID = prev.EntryOrderID
		t.ExitOrderID = prev.ExitOrderID
		t.PositionID = prev.PositionID
		t.EntryFillPrice = prev.EntryFillPrice
		t.ExitFillPrice = prev.ExitFillPrice
		t.EntryFilledAmount = prev.EntryFilledAmount
		t.EntryTimestampActual = prev.EntryTimestampActual
		t.ExitTimestampActual = prev.ExitTimestampActual
		t.PipsProfit = prev.PipsProfit
		if t.Status != types.StatusPending {
			e.logger.Info("trade state restored", "trade", t.Label(), "status", t.Status)
		}
	}
	return nil
}

// resumeConfirmations restarts fill watchers for trades restored mid-flight.
// A restart kills the goroutine that was awaiting the fill, so a restored
// submitted trade would otherwise sit unconfirmed forever.
func (e *Engine) resumeConfirmations(ctx context.Context, date string, trades []*types.Trade) {
	for _, t := range trades {
		switch t.Status {
		case types.StatusEntrySubmitted:
			if t.EntryOrderID == "" {
				continue
			}
			e.logger.Info("resuming entry confirmation", "trade", t.Label(), "order_id", t.EntryOrderID)
			e.confirmWG.Add(1)
			go func() {
				defer e.confirmWG.Done()
				e.confirmEntryFill(ctx, date, t, t.EntryOrderID)
			}()
		case types.StatusExitSubmitted:
			if t.ExitOrderID == "" {
				continue
			}
			e.logger.Info("resuming exit confirmation", "trade", t.Label(), "order_id", t.ExitOrderID)
			e.confirmWG.Add(1)
			go func() {
				defer e.confirmWG.Done()
				e.confirmExitFill(ctx, date, t, t.ExitOrderID)
			}()
		}
	}
}

// runTrade walks one trade through entry and exit.
func (e *Engine) runTrade(ctx context.Context, day time.Time, date string, t *types.Trade) {
	if status := e.status(t); !status.Active() {
		return
	}

	if e.status(t) == types.StatusPending {
		e.runEntry(ctx, day, date, t)
	}

	// The entry confirmation may still be in flight; the exit wait below
	// gives it until the exit moment to land.
	switch e.status(t) {
	case types.StatusEntrySubmitted, types.StatusEntered, types.StatusExitSubmitted:
		e.runExit(ctx, day, date, t)
	}
}

func (e *Engine) runEntry(ctx context.Context, day time.Time, date string, t *types.Trade) {
	target, ok := schedule.At(day, t.Entry, e.loc)
	if !ok {
		e.setStatus(date, t, types.StatusSkippedPreCheckFailed)
		return
	}
	if time.Now().After(target.Add(entrySubmitWindow)) {
		e.setStatus(date, t, types.StatusSkippedTimePast)
		e.logger.Info("entry time already past", "trade", t.Label(), "target", target.Format(time.TimeOnly))
		return
	}

	tokenOK := true
	if _, err := e.sched.WaitUntil(ctx, target, func(pctx context.Context) {
		if !e.client.ValidateToken(pctx) {
			tokenOK = false
		}
	}); err != nil {
		return
	}
	if !tokenOK {
		e.setStatus(date, t, types.StatusSkippedPreCheckFailed)
		e.notify(ctx, fmt.Sprintf("⚠️ %s skipped: token validation failed before entry", t.Label()))
		return
	}

	if exposure, err := e.client.CheckExistingPositionsAndOrders(ctx, t.UIC); err != nil {
		e.setStatus(date, t, types.StatusSkippedPreCheckFailed)
		e.logger.Error("pre-entry exposure check failed", "trade", t.Label(), "error", err)
		return
	} else if exposure != nil {
		e.setStatus(date, t, types.StatusSkippedExisting)
		e.notify(ctx, fmt.Sprintf("⚠️ %s skipped: existing %s on %s", t.Label(), exposure.Kind, t.Pair))
		return
	}

	snap, ok := e.fetchQuote(ctx, t)
	if !ok {
		e.setStatus(date, t, types.StatusSkippedPreCheckFailed)
		return
	}
	spread, usable := types.SpreadPips(t.Pair, snap.Bid, snap.Ask)
	if !usable {
		e.setStatus(date, t, types.StatusSkippedSpread)
		e.logger.Warn("unusable quote", "trade", t.Label(), "bid", snap.Bid, "ask", snap.Ask)
		return
	}
	// A zero limit disables the guard.
	limit := decimal.NewFromFloat(e.cfg.Orders.SpreadPipsLimit)
	if limit.IsPositive() && spread.GreaterThan(limit) {
		e.setStatus(date, t, types.StatusSkippedSpread)
		e.notify(ctx, fmt.Sprintf("⚠️ %s skipped: spread %s pips over limit %s", t.Label(), spread, limit))
		return
	}

	e.submitEntry(ctx, date, t, target, snap)
}

func (e *Engine) fetchQuote(ctx context.Context, t *types.Trade) (types.PriceSnapshot, bool) {
	snaps, err := e.client.FetchPriceInfos(ctx, []int{t.UIC})
	if err != nil {
		e.logger.Error("price fetch failed", "trade", t.Label(), "error", err)
		return types.PriceSnapshot{}, false
	}
	snap, ok := snaps[t.UIC]
	if !ok {
		e.logger.Warn("no quote for instrument", "trade", t.Label(), "uic", t.UIC)
		return types.PriceSnapshot{}, false
	}
	return snap, true
}

// submitEntry places the entry order within the submit window. An ambiguous
// outcome is resolved by the external-reference probe; if the probe finds
// nothing the order is NOT re-submitted — the day halts instead, because a
// blind resubmit risks a duplicate position.
func (e *Engine) submitEntry(ctx context.Context, date string, t *types.Trade, target time.Time, snap types.PriceSnapshot) {
	extRef := t.ExternalReference("entry", time.Now().In(e.loc))
	deadline := target.Add(entrySubmitWindow)
	attempts := 1 + e.cfg.Orders.EntryRetryCount

	for attempt := 0; attempt < attempts; attempt++ {
		if time.Now().After(deadline) {
			e.setStatus(date, t, types.StatusEntryFailedTimeExceeded)
			metrics.OrderFailures.WithLabelValues("entry").Inc()
			e.notify(ctx, fmt.Sprintf("❌ %s entry abandoned: submit window exceeded", t.Label()))
			return
		}

		resp, err := e.client.PlaceMarketOrderWithBrackets(ctx, t, snap,
			e.cfg.Orders.StopLossPips, e.cfg.Orders.TakeProfitPips, extRef)
		if err != nil && !errors.Is(err, broker.ErrAmbiguous) {
			// The gateway rejected the bracket variant outright; a plain
			// market order may still go through.
			e.logger.Warn("bracket order rejected, retrying without brackets", "trade", t.Label(), "error", err)
			resp, err = e.client.PlaceMarketOrder(ctx, t, extRef)
		}
		if err == nil {
			e.recordEntrySubmitted(ctx, date, t, resp.OrderID)
			return
		}

		if errors.Is(err, broker.ErrAmbiguous) {
			found, probeErr := e.client.FindOrderByExternalReference(ctx, extRef)
			if probeErr == nil && found != nil {
				e.logger.Warn("ambiguous submit resolved by probe", "trade", t.Label(), "order_id", found.OrderID)
				e.recordEntrySubmitted(ctx, date, t, found.OrderID)
				return
			}
			e.setStatus(date, t, types.StatusEntryFailedUnknown)
			e.halt()
			metrics.OrderFailures.WithLabelValues("entry").Inc()
			e.notify(ctx, fmt.Sprintf("🛑 %s entry outcome unknown — trading halted. Check the account manually.", t.Label()))
			return
		}

		e.logger.Error("entry order rejected", "trade", t.Label(), "attempt", attempt+1, "error", err)
		if attempt == attempts-1 {
			e.setStatus(date, t, types.StatusEntryFailedOrderError)
			metrics.OrderFailures.WithLabelValues("entry").Inc()
			e.notify(ctx, fmt.Sprintf("❌ %s entry failed: %v", t.Label(), err))
		}
	}
}

func (e *Engine) recordEntrySubmitted(ctx context.Context, date string, t *types.Trade, orderID string) {
	e.mu.Lock()
	t.EntryOrderID = orderID
	e.mu.Unlock()
	e.setStatus(date, t, types.StatusEntrySubmitted)
	metrics.OrdersPlaced.WithLabelValues("entry").Inc()

	e.confirmWG.Add(1)
	go func() {
		defer e.confirmWG.Done()
		e.confirmEntryFill(ctx, date, t, orderID)
	}()
}

// confirmEntryFill waits for the stream fill event, falling back to the
// order audit trail on timeout.
func (e *Engine) confirmEntryFill(ctx context.Context, date string, t *types.Trade, orderID string) {
	ev, ok := e.awaitEvent(ctx, dispatch.Expectation{
		Kinds:   []types.EventKind{types.EventOrderFill},
		UIC:     t.UIC,
		OrderID: orderID,
	}, e.cfg.Orders.FillTimeout)

	e.mu.Lock()
	if ok {
		t.EntryFillPrice = ev.ExecutionPrice
		t.EntryFilledAmount = ev.FilledAmount
		t.EntryTimestampActual = ev.ExecutionTime
		t.PositionID = ev.PositionID
	}
	e.mu.Unlock()

	if !ok {
		fill, err := e.client.CheckOrderStatusViaAudit(ctx, orderID)
		if err != nil || fill == nil {
			if e.status(t) == types.StatusEntrySubmitted {
				e.setStatus(date, t, types.StatusEntryFailedUnconfirmed)
				e.notify(ctx, fmt.Sprintf("❌ %s entry fill unconfirmed after %s", t.Label(), e.cfg.Orders.FillTimeout))
			}
			return
		}
		e.mu.Lock()
		t.EntryFillPrice = fill.AveragePrice
		t.EntryFilledAmount = fill.Amount
		t.EntryTimestampActual = fill.ActivityTime
		e.mu.Unlock()
	}

	e.backfillPositionID(ctx, t, orderID)
	// The exit workflow may already have moved the trade on while this
	// confirmation was pending; never regress its status.
	if e.status(t) != types.StatusEntrySubmitted {
		return
	}
	e.setStatus(date, t, types.StatusEntered)

	price := "?"
	e.mu.Lock()
	if t.EntryFillPrice.Valid {
		price = t.EntryFillPrice.Decimal.String()
	}
	e.mu.Unlock()
	e.notify(ctx, fmt.Sprintf("✅ %s entered at %s", t.Label(), price))
}

// backfillPositionID polls the positions endpoint when the fill event did
// not carry a position id.
func (e *Engine) backfillPositionID(ctx context.Context, t *types.Trade, orderID string) {
	e.mu.Lock()
	have := t.PositionID != ""
	e.mu.Unlock()
	if have {
		return
	}
	for attempt := 0; attempt < positionBackfillAttempts; attempt++ {
		pos, err := e.client.PositionByOrderID(ctx, orderID)
		if err == nil && pos != nil {
			e.mu.Lock()
			t.PositionID = pos.PositionID
			if !t.EntryFillPrice.Valid {
				t.EntryFillPrice = decimal.NullDecimal{Decimal: pos.OpenPrice, Valid: true}
			}
			e.mu.Unlock()
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
	e.logger.Warn("position id not found after fill", "trade", t.Label(), "order_id", orderID)
}

func (e *Engine) runExit(ctx context.Context, day time.Time, date string, t *types.Trade) {
	target, ok := schedule.At(day, t.Exit, e.loc)
	if !ok {
		e.setStatus(date, t, types.StatusExitFailedOrderError)
		return
	}

	tokenOK := true
	if _, err := e.sched.WaitUntil(ctx, target, func(pctx context.Context) {
		if !e.client.ValidateToken(pctx) {
			tokenOK = false
		}
	}); err != nil {
		return
	}
	if !tokenOK {
		e.logger.Warn("token validation failed before exit, proceeding anyway", "trade", t.Label())
	}

	// The entry confirmation ran concurrently with the wait; act on what it
	// concluded. A trade still unconfirmed at exit time is not abandoned:
	// the position book decides whether there is anything to close.
	switch e.status(t) {
	case types.StatusEntered, types.StatusExitSubmitted:
	case types.StatusEntrySubmitted:
		e.logger.Warn("exit time reached with entry still unconfirmed", "trade", t.Label())
	default:
		e.logger.Info("no confirmed position to exit", "trade", t.Label(), "status", e.status(t))
		return
	}

	pos, err := e.client.PositionByUIC(ctx, t.UIC)
	if err != nil {
		e.logger.Error("exit position check failed", "trade", t.Label(), "error", err)
	} else if pos.Flat() {
		if e.status(t) == types.StatusEntrySubmitted {
			// Nothing open; leave settlement to the pending confirmation.
			e.logger.Info("no position for unconfirmed entry", "trade", t.Label())
			return
		}
		e.finishPreClosed(ctx, date, t)
		return
	}

	if err := e.client.CancelRelatedOrdersForUIC(ctx, t.UIC); err != nil {
		e.logger.Warn("bracket cancel incomplete, closing anyway", "trade", t.Label(), "error", err)
	}

	e.submitExit(ctx, date, t)
}

func (e *Engine) submitExit(ctx context.Context, date string, t *types.Trade) {
	extRef := t.ExternalReference("exit", time.Now().In(e.loc))
	attempts := e.cfg.Orders.ExitRetryCount
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}

		resp, alreadyFlat, err := e.client.ClosePositionMarket(ctx, t, extRef)
		if alreadyFlat {
			e.finishPreClosed(ctx, date, t)
			return
		}
		if err == nil {
			e.recordExitSubmitted(ctx, date, t, resp.OrderID)
			return
		}

		if errors.Is(err, broker.ErrAmbiguous) {
			found, probeErr := e.client.FindOrderByExternalReference(ctx, extRef)
			if probeErr == nil && found != nil {
				e.recordExitSubmitted(ctx, date, t, found.OrderID)
				return
			}
			// ClosePositionMarket re-checks the position on the next
			// attempt, so a retry here cannot double-close.
		}
		e.logger.Error("exit order failed", "trade", t.Label(), "attempt", attempt+1, "error", err)
	}

	e.setStatus(date, t, types.StatusExitFailedOrderError)
	metrics.OrderFailures.WithLabelValues("exit").Inc()
	e.notify(ctx, fmt.Sprintf("🛑 %s could not be closed — position may still be open. Check the account.", t.Label()))
}

func (e *Engine) recordExitSubmitted(ctx context.Context, date string, t *types.Trade, orderID string) {
	e.mu.Lock()
	t.ExitOrderID = orderID
	e.mu.Unlock()
	e.setStatus(date, t, types.StatusExitSubmitted)
	metrics.OrdersPlaced.WithLabelValues("exit").Inc()

	e.confirmWG.Add(1)
	go func() {
		defer e.confirmWG.Done()
		e.confirmExitFill(ctx, date, t, orderID)
	}()
}

// confirmExitFill waits for the close fill (or the position-closed event),
// falls back to the audit trail, then verifies the book is actually flat.
func (e *Engine) confirmExitFill(ctx context.Context, date string, t *types.Trade, orderID string) {
	ev, ok := e.awaitEvent(ctx, dispatch.Expectation{
		Kinds:   []types.EventKind{types.EventOrderFill, types.EventPositionClosed},
		UIC:     t.UIC,
		OrderID: orderID,
	}, e.cfg.Orders.FillTimeout)

	e.mu.Lock()
	if ok && ev.ExecutionPrice.Valid {
		t.ExitFillPrice = ev.ExecutionPrice
		t.ExitTimestampActual = ev.ExecutionTime
	}
	priceKnown := t.ExitFillPrice.Valid
	e.mu.Unlock()

	// A position-closed event carries no execution price; the audit trail
	// can still recover it.
	if !priceKnown {
		if fill, err := e.client.CheckOrderStatusViaAudit(ctx, orderID); err == nil && fill != nil {
			e.mu.Lock()
			t.ExitFillPrice = fill.AveragePrice
			t.ExitTimestampActual = fill.ActivityTime
			e.mu.Unlock()
		}
	}

	if !e.confirmFlat(ctx, t.UIC) {
		e.setStatus(date, t, types.StatusExitFailedUnconfirmed)
		e.notify(ctx, fmt.Sprintf("🛑 %s exit submitted but position still open after %s — check the account.", t.Label(), confirmFlatTimeout))
		return
	}

	e.finishClosed(ctx, date, t)
}

// confirmFlat polls the position book until the instrument is flat.
func (e *Engine) confirmFlat(ctx context.Context, uic int) bool {
	deadline := time.Now().Add(confirmFlatTimeout)
	for time.Now().Before(deadline) {
		pos, err := e.client.PositionByUIC(ctx, uic)
		if err == nil && pos.Flat() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(confirmFlatInterval):
		}
	}
	return false
}

// finishClosed settles a trade whose exit went through: pips are computable
// only when both fill prices are known.
func (e *Engine) finishClosed(ctx context.Context, date string, t *types.Trade) {
	e.mu.Lock()
	entryKnown, exitKnown := t.EntryFillPrice.Valid, t.ExitFillPrice.Valid
	if entryKnown && exitKnown {
		t.PipsProfit = types.PipsProfit(t.Pair, t.EntryFillPrice.Decimal, t.ExitFillPrice.Decimal, t.Side)
	}
	e.mu.Unlock()

	if entryKnown && exitKnown {
		e.setStatus(date, t, types.StatusClosed)
		e.mu.Lock()
		pips := t.PipsProfit
		exit := t.ExitFillPrice.Decimal
		e.mu.Unlock()
		e.notify(ctx, fmt.Sprintf("✅ %s closed at %s (%s pips)", t.Label(), exit, pips))
		return
	}
	e.setStatus(date, t, types.StatusClosedPriceUnknown)
	e.notify(ctx, fmt.Sprintf("✅ %s closed, fill price unavailable", t.Label()))
}

// finishPreClosed settles a trade whose position disappeared before the
// scheduled exit — a bracket fill or a manual close.
func (e *Engine) finishPreClosed(ctx context.Context, date string, t *types.Trade) {
	e.setStatus(date, t, types.StatusClosedPreClosed)
	e.notify(ctx, fmt.Sprintf("ℹ️ %s already closed before scheduled exit (TP/SL or manual)", t.Label()))
}

// awaitEvent registers a waiter and blocks until the event, the timeout, or
// cancellation. The waiter is always unregistered.
func (e *Engine) awaitEvent(ctx context.Context, exp dispatch.Expectation, timeout time.Duration) (types.Event, bool) {
	ch, cancel := e.registry.Register(exp)
	defer cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-ch:
		return ev, true
	case <-timer.C:
		return types.Event{}, false
	case <-ctx.Done():
		return types.Event{}, false
	}
}

// ————————————————————————————————————————————————————————————————————————
// State and reporting helpers
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) status(t *types.Trade) types.TradeStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return t.Status
}

func (e *Engine) setStatus(date string, t *types.Trade, status types.TradeStatus) {
	e.mu.Lock()
	t.Status = status
	e.mu.Unlock()
	e.logger.Info("trade status", "trade", t.Label(), "status", status)
	e.saveState(date)
}

func (e *Engine) saveState(date string) {
	e.mu.Lock()
	trades := make([]*types.Trade, len(e.trades))
	copy(trades, e.trades)
	e.mu.Unlock()
	if err := e.store.Save(date, trades); err != nil {
		e.logger.Error("state save failed", "error", err)
	}
}

func (e *Engine) halt() {
	e.mu.Lock()
	e.halted = true
	e.mu.Unlock()
}

func (e *Engine) isHalted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted
}

func (e *Engine) allSettled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.trades {
		if t.Status.Active() {
			return false
		}
	}
	return true
}

func (e *Engine) notify(ctx context.Context, message string) {
	if err := e.notifier.Notify(ctx, message); err != nil {
		e.logger.Warn("notification failed", "error", err)
	}
}

func (e *Engine) startupReport(ctx context.Context, date string, trades []*types.Trade) {
	var b strings.Builder
	fmt.Fprintf(&b, "📋 Trading day %s — %d trades\n", date, len(trades))
	for _, t := range trades {
		fmt.Fprintf(&b, "• #%d %s %s %s lot, entry %s exit %s (%s)\n",
			t.ID, t.Pair, t.Side, t.LotSize, t.Entry, t.Exit, t.Status)
	}
	fmt.Fprintf(&b, "SL %.1f pips / TP %.1f pips, spread limit %.1f pips",
		e.cfg.Orders.StopLossPips, e.cfg.Orders.TakeProfitPips, e.cfg.Orders.SpreadPipsLimit)

	if bal, err := e.client.FetchAccountBalance(ctx); err == nil {
		fmt.Fprintf(&b, "\nBalance: %s %s", bal.CashBalance, bal.Currency)
	} else {
		e.logger.Warn("startup balance fetch failed", "error", err)
	}
	e.notify(ctx, b.String())
}

func (e *Engine) summaryReport(ctx context.Context, date string) {
	e.mu.Lock()
	trades := make([]*types.Trade, len(e.trades))
	copy(trades, e.trades)
	e.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "📊 Summary %s\n", date)
	total := decimal.Zero
	for _, t := range trades {
		entry, exit := "-", "-"
		if t.EntryFillPrice.Valid {
			entry = t.EntryFillPrice.Decimal.String()
		}
		if t.ExitFillPrice.Valid {
			exit = t.ExitFillPrice.Decimal.String()
		}
		fmt.Fprintf(&b, "• #%d %s %s: %s | %s → %s | %s pips\n",
			t.ID, t.Pair, t.Side, t.Status, entry, exit, t.PipsProfit)
		total = total.Add(t.PipsProfit)
	}
	fmt.Fprintf(&b, "Total: %s pips", total)

	if bal, err := e.client.FetchAccountBalance(ctx); err == nil {
		fmt.Fprintf(&b, "\nClosing balance: %s %s", bal.CashBalance, bal.Currency)
	}
	e.notify(ctx, b.String())
}
