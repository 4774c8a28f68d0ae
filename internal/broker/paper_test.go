package broker

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/kis-trend-atr/engine/internal/domain"
)

func sym(t *testing.T, raw string) domain.Symbol {
	t.Helper()
	s, err := domain.NewSymbol(raw)
	if err != nil {
		t.Fatalf("NewSymbol(%q): %v", raw, err)
	}
	return s
}

func TestPaperBrokerBuyThenSellRoundTrips(t *testing.T) {
	pb := NewPaperBroker(decimal.NewFromInt(1_000_000))
	symbol := sym(t, "005930")
	ctx := context.Background()

	resp, err := pb.PlaceOrder(ctx, Order{
		Symbol: symbol, Side: domain.SideBuy, Type: OrderTypeLimit,
		Quantity: 10, Price: decimal.NewFromInt(1000),
	})
	if err != nil {
		t.Fatalf("buy order: %v", err)
	}

	result, err := pb.WaitForExecution(ctx, resp.OrderNo, 10, 0, 0)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if result.Status != WaitSuccess || result.ExecQty != 10 {
		t.Errorf("expected immediate SUCCESS fill of 10, got %+v", result)
	}

	bal, err := pb.GetAccountBalance(ctx)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if len(bal.Holdings) != 1 || bal.Holdings[0].Quantity != 10 {
		t.Errorf("expected holding of 10 shares, got %+v", bal.Holdings)
	}
	wantCash := decimal.NewFromInt(1_000_000 - 10_000)
	if !bal.Cash.Equal(wantCash) {
		t.Errorf("expected cash %s after buy, got %s", wantCash, bal.Cash)
	}

	sellResp, err := pb.PlaceOrder(ctx, Order{
		Symbol: symbol, Side: domain.SideSell, Type: OrderTypeLimit,
		Quantity: 10, Price: decimal.NewFromInt(1100),
	})
	if err != nil {
		t.Fatalf("sell order: %v", err)
	}
	_, _ = pb.WaitForExecution(ctx, sellResp.OrderNo, 10, 0, 0)

	bal2, _ := pb.GetAccountBalance(ctx)
	if len(bal2.Holdings) != 0 {
		t.Errorf("expected holding fully closed, got %+v", bal2.Holdings)
	}
}

func TestPaperBrokerRejectsInsufficientFunds(t *testing.T) {
	pb := NewPaperBroker(decimal.NewFromInt(100))
	symbol := sym(t, "005930")

	_, err := pb.PlaceOrder(context.Background(), Order{
		Symbol: symbol, Side: domain.SideBuy, Type: OrderTypeLimit,
		Quantity: 10, Price: decimal.NewFromInt(1000),
	})
	if err == nil {
		t.Fatal("expected insufficient funds rejection")
	}
}

func TestPaperBrokerRejectsOversell(t *testing.T) {
	pb := NewPaperBroker(decimal.NewFromInt(1_000_000))
	symbol := sym(t, "005930")
	ctx := context.Background()

	resp, _ := pb.PlaceOrder(ctx, Order{
		Symbol: symbol, Side: domain.SideBuy, Type: OrderTypeLimit,
		Quantity: 5, Price: decimal.NewFromInt(1000),
	})
	_, _ = pb.WaitForExecution(ctx, resp.OrderNo, 5, 0, 0)

	_, err := pb.PlaceOrder(ctx, Order{
		Symbol: symbol, Side: domain.SideSell, Type: OrderTypeLimit,
		Quantity: 10, Price: decimal.NewFromInt(1000),
	})
	if err == nil {
		t.Fatal("expected oversell rejection")
	}
}

func TestPaperBrokerWeightedAverageEntryOnScaleIn(t *testing.T) {
	pb := NewPaperBroker(decimal.NewFromInt(1_000_000))
	symbol := sym(t, "005930")
	ctx := context.Background()

	r1, _ := pb.PlaceOrder(ctx, Order{Symbol: symbol, Side: domain.SideBuy, Type: OrderTypeLimit, Quantity: 10, Price: decimal.NewFromInt(1000)})
	_, _ = pb.WaitForExecution(ctx, r1.OrderNo, 10, 0, 0)

	r2, _ := pb.PlaceOrder(ctx, Order{Symbol: symbol, Side: domain.SideBuy, Type: OrderTypeLimit, Quantity: 5, Price: decimal.NewFromInt(1300)})
	_, _ = pb.WaitForExecution(ctx, r2.OrderNo, 5, 0, 0)

	bal, _ := pb.GetAccountBalance(ctx)
	want := decimal.NewFromInt(1000*10 + 1300*5).Div(decimal.NewFromInt(15))
	if !bal.Holdings[0].AveragePrice.Equal(want) {
		t.Errorf("expected weighted-average entry %s, got %s", want, bal.Holdings[0].AveragePrice)
	}
}

func TestPaperBrokerCurrentPriceRequiresSeed(t *testing.T) {
	pb := NewPaperBroker(decimal.NewFromInt(1_000_000))
	symbol := sym(t, "005930")
	if _, err := pb.GetCurrentPrice(context.Background(), symbol); err == nil {
		t.Fatal("expected error for unseeded symbol price")
	}

	pb.SetPrice(symbol, decimal.NewFromInt(1500))
	q, err := pb.GetCurrentPrice(context.Background(), symbol)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !q.Price.Equal(decimal.NewFromInt(1500)) {
		t.Errorf("expected seeded price 1500, got %s", q.Price)
	}
}

func TestPaperBrokerCancelAlreadyFilledOrderFails(t *testing.T) {
	pb := NewPaperBroker(decimal.NewFromInt(1_000_000))
	symbol := sym(t, "005930")
	ctx := context.Background()

	resp, _ := pb.PlaceOrder(ctx, Order{Symbol: symbol, Side: domain.SideBuy, Type: OrderTypeLimit, Quantity: 1, Price: decimal.NewFromInt(100)})
	if err := pb.CancelOrder(ctx, resp.OrderNo); err == nil {
		t.Error("expected cancel of an already-filled paper order to fail")
	}
}
