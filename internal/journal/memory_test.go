package journal

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kis-trend-atr/engine/internal/domain"
)

func newOrder(key string, status domain.OrderStatus) domain.OrderState {
	now := time.Now()
	return domain.OrderState{
		IdempotencyKey: key,
		Mode:           "PAPER",
		Symbol:         mustSymbol("005930"),
		Side:           domain.SideBuy,
		RequestedQty:   10,
		Status:         status,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func mustSymbol(raw string) domain.Symbol {
	s, err := domain.NewSymbol(raw)
	if err != nil {
		panic(err)
	}
	return s
}

func TestMemoryJournalUpsertThenGet(t *testing.T) {
	j := NewMemoryJournal()
	ctx := context.Background()

	order := newOrder("key-1", domain.OrderStatusSubmitted)
	if err := j.Upsert(ctx, order); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := j.Get(ctx, "key-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Status != domain.OrderStatusSubmitted {
		t.Errorf("expected SUBMITTED order, got %+v", got)
	}
}

func TestMemoryJournalGetMissingReturnsNil(t *testing.T) {
	j := NewMemoryJournal()
	got, err := j.Get(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Error("expected nil for unknown key")
	}
}

func TestMemoryJournalRejectsNonMonotoneTransition(t *testing.T) {
	j := NewMemoryJournal()
	ctx := context.Background()

	_ = j.Upsert(ctx, newOrder("key-2", domain.OrderStatusFilled))
	err := j.Upsert(ctx, newOrder("key-2", domain.OrderStatusSubmitted))
	if err == nil {
		t.Fatal("expected error transitioning FILLED -> SUBMITTED")
	}
}

func TestMemoryJournalAllowsPartialToPartial(t *testing.T) {
	j := NewMemoryJournal()
	ctx := context.Background()

	first := newOrder("key-3", domain.OrderStatusPartial)
	first.FilledQty = 3
	if err := j.Upsert(ctx, first); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	second := newOrder("key-3", domain.OrderStatusPartial)
	second.FilledQty = 6
	if err := j.Upsert(ctx, second); err != nil {
		t.Fatalf("expected PARTIAL -> PARTIAL to be allowed, got %v", err)
	}
}

func TestMemoryJournalNonTerminalForModeExcludesTerminal(t *testing.T) {
	j := NewMemoryJournal()
	ctx := context.Background()

	_ = j.Upsert(ctx, newOrder("submitted", domain.OrderStatusSubmitted))
	_ = j.Upsert(ctx, newOrder("filled", domain.OrderStatusFilled))

	rows, err := j.NonTerminalForMode(ctx, "PAPER")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 1 || rows[0].IdempotencyKey != "submitted" {
		t.Errorf("expected only the submitted order, got %+v", rows)
	}
}

func TestMemoryJournalNonTerminalForModeExcludesOtherModes(t *testing.T) {
	j := NewMemoryJournal()
	ctx := context.Background()

	paper := newOrder("paper-order", domain.OrderStatusSubmitted)
	paper.Mode = "PAPER"
	real := newOrder("real-order", domain.OrderStatusSubmitted)
	real.Mode = "REAL"
	_ = j.Upsert(ctx, paper)
	_ = j.Upsert(ctx, real)

	rows, err := j.NonTerminalForMode(ctx, "REAL")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 1 || rows[0].IdempotencyKey != "real-order" {
		t.Errorf("expected only the REAL order, got %+v", rows)
	}
}

func TestMemoryJournalRecordFillDedupsByExecID(t *testing.T) {
	j := NewMemoryJournal()
	ctx := context.Background()

	fill := domain.Fill{
		ExecID: "exec-1", OrderNo: "order-1", Symbol: mustSymbol("005930"),
		Side: domain.SideBuy, Price: decimal.NewFromInt(1000), Quantity: 5,
		ExecutedAt: time.Now(),
	}
	if err := j.RecordFill(ctx, "key-1", fill); err != nil {
		t.Fatalf("first record: %v", err)
	}
	if err := j.RecordFill(ctx, "key-1", fill); err != nil {
		t.Fatalf("second record: %v", err)
	}

	fills, err := j.FillsFor(ctx, "key-1")
	if err != nil {
		t.Fatalf("fills for: %v", err)
	}
	if len(fills) != 1 {
		t.Errorf("expected exactly 1 deduplicated fill, got %d", len(fills))
	}
}

func TestMemoryJournalFillsForPreservesOrder(t *testing.T) {
	j := NewMemoryJournal()
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 3; i++ {
		fill := domain.Fill{
			ExecID: "exec-" + string(rune('a'+i)), OrderNo: "order-1", Symbol: mustSymbol("005930"),
			Side: domain.SideBuy, Price: decimal.NewFromInt(1000), Quantity: 1,
			ExecutedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := j.RecordFill(ctx, "key-ordered", fill); err != nil {
			t.Fatalf("record fill %d: %v", i, err)
		}
	}

	fills, _ := j.FillsFor(ctx, "key-ordered")
	if len(fills) != 3 {
		t.Fatalf("expected 3 fills, got %d", len(fills))
	}
	for i, f := range fills {
		want := "exec-" + string(rune('a'+i))
		if f.ExecID != want {
			t.Errorf("expected fills in recorded order, index %d = %s, want %s", i, f.ExecID, want)
		}
	}
}
