package dispatch

import (
	"io"
	"log/slog"
	"testing"

	"saxo-fx-bot/pkg/types"
)

func newTestRegistry() *Registry {
	return NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func fillEvent(uic int, orderID, status string) types.Event {
	return types.Event{Kind: types.EventOrderFill, UIC: uic, OrderID: orderID, Status: status}
}

func TestDispatchResolvesMatchingWaiter(t *testing.T) {
	t.Parallel()
	r := newTestRegistry()

	ch, cancel := r.Register(Expectation{
		Kinds:   []types.EventKind{types.EventOrderFill},
		UIC:     21,
		OrderID: "o-1",
	})
	defer cancel()

	r.Dispatch(fillEvent(21, "o-1", "filled"))

	select {
	case ev := <-ch:
		if ev.OrderID != "o-1" {
			t.Fatalf("order id = %q, want o-1", ev.OrderID)
		}
	default:
		t.Fatal("waiter not resolved")
	}
	if r.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", r.Pending())
	}
}

func TestRegisterDrainsBacklogFirst(t *testing.T) {
	t.Parallel()
	r := newTestRegistry()

	// The fill arrives before anyone waits for it.
	r.Dispatch(fillEvent(21, "o-1", "finalfill"))

	ch, cancel := r.Register(Expectation{
		Kinds:   []types.EventKind{types.EventOrderFill},
		UIC:     21,
		OrderID: "o-1",
	})
	defer cancel()

	select {
	case ev := <-ch:
		if ev.Status != "finalfill" {
			t.Fatalf("status = %q, want finalfill", ev.Status)
		}
	default:
		t.Fatal("backlogged event not delivered at register")
	}
}

func TestOrderFillRequiresFillStatus(t *testing.T) {
	t.Parallel()
	r := newTestRegistry()

	ch, cancel := r.Register(Expectation{
		Kinds:   []types.EventKind{types.EventOrderFill},
		UIC:     21,
		OrderID: "o-1",
	})
	defer cancel()

	r.Dispatch(fillEvent(21, "o-1", "working"))
	select {
	case ev := <-ch:
		t.Fatalf("non-fill status resolved the waiter: %+v", ev)
	default:
	}
}

func TestOrderEventsMatchOnOrderID(t *testing.T) {
	t.Parallel()
	r := newTestRegistry()

	ch, cancel := r.Register(Expectation{
		Kinds:   []types.EventKind{types.EventOrderStatusChange},
		UIC:     21,
		OrderID: "o-1",
	})
	defer cancel()

	r.Dispatch(types.Event{Kind: types.EventOrderStatusChange, UIC: 21, OrderID: "o-2", Status: "cancelled"})
	select {
	case <-ch:
		t.Fatal("mismatched order id resolved the waiter")
	default:
	}

	r.Dispatch(types.Event{Kind: types.EventOrderStatusChange, UIC: 21, OrderID: "o-1", Status: "cancelled"})
	select {
	case ev := <-ch:
		if ev.Status != "cancelled" {
			t.Fatalf("status = %q, want cancelled", ev.Status)
		}
	default:
		t.Fatal("matching status change not delivered")
	}
}

func TestPositionClosedMatchesOnUICAlone(t *testing.T) {
	t.Parallel()
	r := newTestRegistry()

	ch, cancel := r.Register(Expectation{
		Kinds: []types.EventKind{types.EventPositionClosed},
		UIC:   21,
	})
	defer cancel()

	r.Dispatch(types.Event{Kind: types.EventPositionClosed, UIC: 42, PositionID: "p-9"})
	select {
	case <-ch:
		t.Fatal("wrong uic resolved the waiter")
	default:
	}

	r.Dispatch(types.Event{Kind: types.EventPositionClosed, UIC: 21, PositionID: "p-1"})
	select {
	case ev := <-ch:
		if ev.PositionID != "p-1" {
			t.Fatalf("position id = %q, want p-1", ev.PositionID)
		}
	default:
		t.Fatal("position close not delivered")
	}
}

func TestMultipleKindsAccepted(t *testing.T) {
	t.Parallel()
	r := newTestRegistry()

	ch, cancel := r.Register(Expectation{
		Kinds:   []types.EventKind{types.EventOrderFill, types.EventPositionClosed},
		UIC:     21,
		OrderID: "o-1",
	})
	defer cancel()

	r.Dispatch(types.Event{Kind: types.EventPositionClosed, UIC: 21})
	select {
	case ev := <-ch:
		if ev.Kind != types.EventPositionClosed {
			t.Fatalf("kind = %q, want position_closed", ev.Kind)
		}
	default:
		t.Fatal("position close did not resolve multi-kind waiter")
	}
}

func TestBacklogEvictsOldestFirst(t *testing.T) {
	t.Parallel()
	r := newTestRegistry()

	for i := 0; i < backlogLimit+1; i++ {
		r.Dispatch(fillEvent(1000+i, "o", "filled"))
	}

	// The first event (uic 1000) was evicted; the second survives.
	ch, _ := r.Register(Expectation{
		Kinds:   []types.EventKind{types.EventOrderFill},
		UIC:     1000,
		OrderID: "o",
	})
	select {
	case ev := <-ch:
		t.Fatalf("evicted event still delivered: %+v", ev)
	default:
	}

	ch2, _ := r.Register(Expectation{
		Kinds:   []types.EventKind{types.EventOrderFill},
		UIC:     1001,
		OrderID: "o",
	})
	select {
	case <-ch2:
	default:
		t.Fatal("surviving backlog event not delivered")
	}
}

func TestCancelRemovesWaiter(t *testing.T) {
	t.Parallel()
	r := newTestRegistry()

	_, cancel := r.Register(Expectation{
		Kinds:   []types.EventKind{types.EventOrderFill},
		UIC:     21,
		OrderID: "o-1",
	})
	if r.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", r.Pending())
	}
	cancel()
	if r.Pending() != 0 {
		t.Fatalf("pending = %d after cancel, want 0", r.Pending())
	}
	cancel() // idempotent
}
