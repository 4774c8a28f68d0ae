// Package broker - paper.go implements an in-memory simulated broker.
//
// The simulator fills every order immediately at the requested price
// and uses the same Broker interface as KISClient, so engine logic is
// identical between PAPER and REAL — adapted from the teacher's
// internal/broker/paper.go, generalized to the KIS-shaped order
// lifecycle (order -> SUBMITTED -> immediate terminal fill, surfaced
// through GetOrderStatus/WaitForExecution rather than a single
// GetOrderStatus(orderID) call).
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kis-trend-atr/engine/internal/domain"
	"github.com/kis-trend-atr/engine/internal/kst"
)

// PaperBroker simulates broker operations for DRY_RUN/PAPER modes.
type PaperBroker struct {
	mu       sync.Mutex
	cash     decimal.Decimal
	holdings map[domain.Symbol]*Holding
	orders   map[string]ExecutedOrder
	prices   map[domain.Symbol]decimal.Decimal
	nextID   int
	mode     Mode
}

// NewPaperBroker creates a simulated broker seeded with initialCapital.
func NewPaperBroker(initialCapital decimal.Decimal) *PaperBroker {
	return &PaperBroker{
		cash:     initialCapital,
		holdings: make(map[domain.Symbol]*Holding),
		orders:   make(map[string]ExecutedOrder),
		prices:   make(map[domain.Symbol]decimal.Decimal),
		mode:     ModePaper,
	}
}

func (pb *PaperBroker) Mode() Mode { return pb.mode }

// SetPrice seeds the simulator's view of a symbol's current price, used
// by market orders and by GetCurrentPrice when no live feed is wired.
func (pb *PaperBroker) SetPrice(symbol domain.Symbol, price decimal.Decimal) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.prices[symbol] = price
}

func (pb *PaperBroker) GetAccessToken(_ context.Context) (Token, error) {
	return Token{Value: "paper-token", ExpiresAt: kst.SystemClock{}.Now().Add(24 * time.Hour)}, nil
}

func (pb *PaperBroker) GetDailyOHLCV(_ context.Context, symbol domain.Symbol, from, to time.Time) ([]domain.Bar, error) {
	return nil, fmt.Errorf("paper broker: GetDailyOHLCV requires a historical data source, none wired")
}

func (pb *PaperBroker) GetCurrentPrice(_ context.Context, symbol domain.Symbol) (Quote, error) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	price, ok := pb.prices[symbol]
	if !ok {
		return Quote{}, fmt.Errorf("%w: no seeded price for %s", domain.ErrData, symbol)
	}
	return Quote{Symbol: symbol, Price: price, FetchedAt: kst.SystemClock{}.Now()}, nil
}

// PlaceOrder fills immediately at order.Price (or the seeded current
// price for market orders).
func (pb *PaperBroker) PlaceOrder(_ context.Context, order Order) (OrderResponse, error) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	pb.nextID++
	orderNo := fmt.Sprintf("PAPER-%d", pb.nextID)

	fillPrice := order.Price
	if order.Type == OrderTypeMarket {
		if seeded, ok := pb.prices[order.Symbol]; ok {
			fillPrice = seeded
		}
	}

	switch order.Side {
	case domain.SideBuy:
		cost := fillPrice.Mul(decimal.NewFromInt(int64(order.Quantity)))
		if cost.GreaterThan(pb.cash) {
			return OrderResponse{}, fmt.Errorf("%w: insufficient funds for %s x%d", domain.ErrReject, order.Symbol, order.Quantity)
		}
		pb.cash = pb.cash.Sub(cost)
		if h, exists := pb.holdings[order.Symbol]; exists {
			totalQty := h.Quantity + order.Quantity
			h.AveragePrice = h.AveragePrice.Mul(decimal.NewFromInt(int64(h.Quantity))).
				Add(fillPrice.Mul(decimal.NewFromInt(int64(order.Quantity)))).
				Div(decimal.NewFromInt(int64(totalQty)))
			h.Quantity = totalQty
		} else {
			pb.holdings[order.Symbol] = &Holding{
				Symbol: order.Symbol, Quantity: order.Quantity,
				AveragePrice: fillPrice, CurrentPrice: fillPrice,
			}
		}
	case domain.SideSell:
		h, exists := pb.holdings[order.Symbol]
		if !exists || h.Quantity < order.Quantity {
			return OrderResponse{}, fmt.Errorf("%w: insufficient holdings for %s x%d", domain.ErrReject, order.Symbol, order.Quantity)
		}
		proceeds := fillPrice.Mul(decimal.NewFromInt(int64(order.Quantity)))
		pb.cash = pb.cash.Add(proceeds)
		h.Quantity -= order.Quantity
		if h.Quantity == 0 {
			delete(pb.holdings, order.Symbol)
		}
	}

	pb.orders[orderNo] = ExecutedOrder{
		OrderNo: orderNo, Symbol: order.Symbol, Side: order.Side,
		FilledQty: order.Quantity, RemainingQty: 0, AvgPrice: fillPrice,
	}

	return OrderResponse{OrderNo: orderNo, Timestamp: kst.SystemClock{}.Now()}, nil
}

func (pb *PaperBroker) CancelOrder(_ context.Context, orderNo string) error {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	o, exists := pb.orders[orderNo]
	if !exists {
		return fmt.Errorf("paper broker: order %s not found", orderNo)
	}
	if o.RemainingQty == 0 {
		return fmt.Errorf("paper broker: order %s already filled, cannot cancel", orderNo)
	}
	return nil
}

func (pb *PaperBroker) GetOrderStatus(_ context.Context) ([]ExecutedOrder, error) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	out := make([]ExecutedOrder, 0, len(pb.orders))
	for _, o := range pb.orders {
		out = append(out, o)
	}
	return out, nil
}

// WaitForExecution returns immediately: the simulator fills synchronously
// inside PlaceOrder, so there is never anything left to wait for.
func (pb *PaperBroker) WaitForExecution(ctx context.Context, orderNo string, expectedQty int, timeout, pollInterval time.Duration) (ExecutionResult, error) {
	pb.mu.Lock()
	o, exists := pb.orders[orderNo]
	pb.mu.Unlock()
	if !exists {
		return ExecutionResult{}, fmt.Errorf("paper broker: order %s not found", orderNo)
	}
	return ExecutionResult{Status: WaitSuccess, ExecQty: o.FilledQty, ExecPrice: o.AvgPrice}, nil
}

func (pb *PaperBroker) GetAccountBalance(_ context.Context) (AccountBalance, error) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	holdings := make([]Holding, 0, len(pb.holdings))
	equity := pb.cash
	for _, h := range pb.holdings {
		price := h.AveragePrice
		if seeded, ok := pb.prices[h.Symbol]; ok {
			price = seeded
		}
		h.CurrentPrice = price
		h.PnL = price.Sub(h.AveragePrice).Mul(decimal.NewFromInt(int64(h.Quantity)))
		holdings = append(holdings, *h)
		equity = equity.Add(price.Mul(decimal.NewFromInt(int64(h.Quantity))))
	}

	return AccountBalance{Holdings: holdings, Cash: pb.cash, TotalEquity: equity}, nil
}
