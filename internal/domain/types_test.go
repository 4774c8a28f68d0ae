package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestNewSymbolZeroPads(t *testing.T) {
	s, err := NewSymbol("5930")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s != Symbol("005930") {
		t.Fatalf("got %q, want 005930", s)
	}

	full, err := NewSymbol("005930")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s != full {
		t.Fatalf("5930 and 005930 must be the same Symbol, got %q != %q", s, full)
	}
}

func TestNewSymbolRejectsNonNumeric(t *testing.T) {
	if _, err := NewSymbol("ABCDEF"); err == nil {
		t.Fatal("expected error for non-numeric symbol")
	}
	if _, err := NewSymbol(""); err == nil {
		t.Fatal("expected error for empty symbol")
	}
	if _, err := NewSymbol("1234567"); err == nil {
		t.Fatal("expected error for 7-digit symbol")
	}
}

func TestOrderStatusMonotoneTransitions(t *testing.T) {
	cases := []struct {
		from, to OrderStatus
		want     bool
	}{
		{OrderStatusPending, OrderStatusSubmitted, true},
		{OrderStatusSubmitted, OrderStatusPartial, true},
		{OrderStatusPartial, OrderStatusPartial, true},
		{OrderStatusPartial, OrderStatusFilled, true},
		{OrderStatusFilled, OrderStatusPartial, false},
		{OrderStatusCancelled, OrderStatusFilled, false},
		{OrderStatusSubmitted, OrderStatusPending, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransitionTo(c.to); got != c.want {
			t.Errorf("%s -> %s: got %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestFillDedupKeyPrefersExecID(t *testing.T) {
	f := Fill{ExecID: "EX1", OrderNo: "O1", Price: decimal.NewFromInt(100), Quantity: 10}
	if f.DedupKey() != "exec:EX1" {
		t.Fatalf("got %q", f.DedupKey())
	}

	g := Fill{OrderNo: "O1", Price: decimal.NewFromInt(100), Quantity: 10, ExecutedAt: time.Unix(0, 0)}
	h := Fill{OrderNo: "O1", Price: decimal.NewFromInt(100), Quantity: 10, ExecutedAt: time.Unix(0, 0)}
	if g.DedupKey() != h.DedupKey() {
		t.Fatalf("identical synthetic fills must produce the same dedup key")
	}
}

func TestPendingExitStaleness(t *testing.T) {
	now := time.Now()
	p := PendingExit{RequestedAt: now.Add(-73 * time.Hour)}
	if !p.Stale(now) {
		t.Fatal("expected pending exit older than 72h to be stale")
	}
	p2 := PendingExit{RequestedAt: now.Add(-1 * time.Hour)}
	if p2.Stale(now) {
		t.Fatal("expected recent pending exit to not be stale")
	}
}

func TestUpdateHighestPriceOnlyRatchetsUp(t *testing.T) {
	p := Position{HighestPrice: decimal.NewFromInt(100)}
	if p.UpdateHighestPrice(decimal.NewFromInt(90)) {
		t.Fatal("must not update on a lower price")
	}
	if !p.UpdateHighestPrice(decimal.NewFromInt(110)) {
		t.Fatal("must update on a higher price")
	}
	if !p.HighestPrice.Equal(decimal.NewFromInt(110)) {
		t.Fatalf("got %s", p.HighestPrice)
	}
}
