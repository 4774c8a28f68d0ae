// Package broker defines the broker abstraction layer that insulates the
// engine from KIS (Korea Investment & Securities) wire details.
//
// Design rules (from the teacher's internal/broker/broker.go):
//   - Only one broker is active at a time.
//   - No strategy logic inside broker.
//   - Broker layer must be stateless — all state lives in store/journal.
//   - Broker APIs are used only for execution and account state.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kis-trend-atr/engine/internal/domain"
)

// Mode selects which KIS environment a client talks to. A client built
// for one mode never silently upgrades to the other.
type Mode string

const (
	ModePaper Mode = "PAPER"
	ModeReal  Mode = "REAL"
)

// OrderType mirrors the KIS order-division codes the strategy needs.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// Order is a request to place a new order.
type Order struct {
	Symbol   domain.Symbol
	Side     domain.Side
	Type     OrderType
	Quantity int
	Price    decimal.Decimal // zero for market orders
	Tag      string          // correlation id, for broker-side order notes
}

// OrderResponse is returned immediately after order submission.
type OrderResponse struct {
	OrderNo   string
	Timestamp time.Time
}

// ExecutedOrder is one row of the per-day execution report KIS exposes
// through getOrderStatus — one call returns every order for the trading
// day, each with its own accumulated fill state.
type ExecutedOrder struct {
	OrderNo      string
	Symbol       domain.Symbol
	Side         domain.Side
	FilledQty    int
	RemainingQty int
	AvgPrice     decimal.Decimal
	Rejected     bool
	RejectReason string
}

// WaitOutcome is the terminal status WaitForExecution settles on.
type WaitOutcome string

const (
	WaitSuccess   WaitOutcome = "SUCCESS"
	WaitPartial   WaitOutcome = "PARTIAL"
	WaitCancelled WaitOutcome = "CANCELLED"
	WaitFailed    WaitOutcome = "FAILED"
)

// ExecutionResult is returned by WaitForExecution.
type ExecutionResult struct {
	Status    WaitOutcome
	ExecQty   int
	ExecPrice decimal.Decimal
	Fills     []domain.Fill
}

// Quote is a current-price snapshot.
type Quote struct {
	Symbol     domain.Symbol
	Price      decimal.Decimal
	Open       decimal.Decimal
	High       decimal.Decimal
	Low        decimal.Decimal
	Volume     int64
	ChangeRate decimal.Decimal
	FetchedAt  time.Time
}

// Holding is one row of the account's current holdings.
type Holding struct {
	Symbol       domain.Symbol
	Quantity     int
	AveragePrice decimal.Decimal
	CurrentPrice decimal.Decimal
	PnL          decimal.Decimal
}

// AccountBalance is the broker's view of account state, used by the risk
// manager and the reconciler.
type AccountBalance struct {
	Holdings    []Holding
	Cash        decimal.Decimal
	TotalEquity decimal.Decimal
	TotalPnL    decimal.Decimal
}

// Token is an access token with an expiry the client uses to decide when
// to renew — renewal happens at now >= expiry - 10min (spec §4.2).
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// ExpiringSoon reports whether now is within the renewal window.
func (t Token) ExpiringSoon(now time.Time) bool {
	return !now.Before(t.ExpiresAt.Add(-10 * time.Minute))
}

// Broker is the only contract between the trading engine and any KIS
// client implementation (REST paper/real client or an in-memory
// simulator). Implementations must be safe for concurrent use — the
// executor calls into a shared instance across every symbol goroutine.
type Broker interface {
	Mode() Mode

	// GetAccessToken returns a cached token, renewing when it is within
	// 10 minutes of expiry.
	GetAccessToken(ctx context.Context) (Token, error)

	// GetDailyOHLCV returns ascending, deduplicated daily bars for symbol
	// across [from, to]. Implementations page internally (≤100/page).
	GetDailyOHLCV(ctx context.Context, symbol domain.Symbol, from, to time.Time) ([]domain.Bar, error)

	// GetCurrentPrice returns a live quote for symbol.
	GetCurrentPrice(ctx context.Context, symbol domain.Symbol) (Quote, error)

	// PlaceOrder submits a new order. Returns a typed error (see
	// internal/domain/errors.go) on rejection; never retries internally.
	PlaceOrder(ctx context.Context, order Order) (OrderResponse, error)

	// CancelOrder cancels an existing pending/open order.
	CancelOrder(ctx context.Context, orderNo string) error

	// GetOrderStatus returns every order placed this trading day.
	GetOrderStatus(ctx context.Context) ([]ExecutedOrder, error)

	// WaitForExecution polls GetOrderStatus until expectedQty is filled,
	// timeout elapses, or the order terminates. On timeout with
	// remaining quantity it issues CancelOrder and classifies the
	// outcome as PARTIAL (some fills) or CANCELLED (none).
	WaitForExecution(ctx context.Context, orderNo string, expectedQty int, timeout, pollInterval time.Duration) (ExecutionResult, error)

	// GetAccountBalance returns current holdings, cash and equity.
	GetAccountBalance(ctx context.Context) (AccountBalance, error)
}

// Registry maps broker names to their factory functions. New broker
// implementations register here via init().
var Registry = map[string]func(cfg ClientConfig) (Broker, error){}

// New creates a broker instance by name using the registry.
func New(name string, cfg ClientConfig) (Broker, error) {
	factory, ok := Registry[name]
	if !ok {
		return nil, fmt.Errorf("broker: unknown broker %q, registered: %v", name, registeredNames())
	}
	return factory(cfg)
}

func registeredNames() []string {
	names := make([]string, 0, len(Registry))
	for name := range Registry {
		names = append(names, name)
	}
	return names
}
