package executor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kis-trend-atr/engine/internal/broker"
	"github.com/kis-trend-atr/engine/internal/config"
	"github.com/kis-trend-atr/engine/internal/domain"
	"github.com/kis-trend-atr/engine/internal/eventbus"
	"github.com/kis-trend-atr/engine/internal/journal"
	"github.com/kis-trend-atr/engine/internal/kst"
	"github.com/kis-trend-atr/engine/internal/marketclock"
	"github.com/kis-trend-atr/engine/internal/risk"
	"github.com/kis-trend-atr/engine/internal/store"
	"github.com/kis-trend-atr/engine/internal/strategy"
	"github.com/kis-trend-atr/engine/internal/syncer"
)

type fakeBroker struct {
	bars       []domain.Bar
	quote      broker.Quote
	balance    broker.AccountBalance
	orderNo    string
	execResult broker.ExecutionResult
}

func (f *fakeBroker) Mode() broker.Mode { return broker.ModePaper }
func (f *fakeBroker) GetAccessToken(ctx context.Context) (broker.Token, error) {
	return broker.Token{}, nil
}
func (f *fakeBroker) GetDailyOHLCV(ctx context.Context, symbol domain.Symbol, from, to time.Time) ([]domain.Bar, error) {
	return f.bars, nil
}
func (f *fakeBroker) GetCurrentPrice(ctx context.Context, symbol domain.Symbol) (broker.Quote, error) {
	return f.quote, nil
}
func (f *fakeBroker) PlaceOrder(ctx context.Context, order broker.Order) (broker.OrderResponse, error) {
	return broker.OrderResponse{OrderNo: f.orderNo}, nil
}
func (f *fakeBroker) CancelOrder(ctx context.Context, orderNo string) error { return nil }
func (f *fakeBroker) GetOrderStatus(ctx context.Context) ([]broker.ExecutedOrder, error) {
	return nil, nil
}
func (f *fakeBroker) WaitForExecution(ctx context.Context, orderNo string, expectedQty int, timeout, pollInterval time.Duration) (broker.ExecutionResult, error) {
	return f.execResult, nil
}
func (f *fakeBroker) GetAccountBalance(ctx context.Context) (broker.AccountBalance, error) {
	return f.balance, nil
}

func testExecutor(t *testing.T, fb *fakeBroker) (*Executor, *eventbus.Bus) {
	t.Helper()
	cfg := config.Defaults()
	calendar := marketclock.NewCalendarFromHolidays(nil)
	j := journal.NewMemoryJournal()
	s := syncer.New(fb, calendar, j, "PAPER", 5*time.Second, 10*time.Millisecond, zerolog.Nop())
	riskMgr := risk.NewManager(cfg.Risk, domain.RiskState{}, zerolog.Nop())
	bus := eventbus.New()
	memStore := newTestStore()

	ex := New("005930", fb, calendar, memStore, nil, s, riskMgr, bus, cfg.Strategy, cfg.Pacing, nil, nil, zerolog.Nop())
	return ex, bus
}

type testStoreImpl struct {
	positions map[domain.Symbol]domain.Position
	pending   map[domain.Symbol]domain.PendingExit
}

func newTestStore() *testStoreImpl {
	return &testStoreImpl{positions: map[domain.Symbol]domain.Position{}, pending: map[domain.Symbol]domain.PendingExit{}}
}
func (m *testStoreImpl) Load(ctx context.Context, symbol domain.Symbol) (*domain.Position, error) {
	p, ok := m.positions[symbol]
	if !ok {
		return nil, nil
	}
	return &p, nil
}
func (m *testStoreImpl) Save(ctx context.Context, position domain.Position) error {
	m.positions[position.Symbol] = position
	return nil
}
func (m *testStoreImpl) Clear(ctx context.Context, symbol domain.Symbol) error {
	delete(m.positions, symbol)
	return nil
}
func (m *testStoreImpl) SavePendingExit(ctx context.Context, p domain.PendingExit) error {
	m.pending[p.Symbol] = p
	return nil
}
func (m *testStoreImpl) LoadPendingExit(ctx context.Context, symbol domain.Symbol) (*domain.PendingExit, error) {
	p, ok := m.pending[symbol]
	if !ok {
		return nil, nil
	}
	return &p, nil
}
func (m *testStoreImpl) ClearPendingExit(ctx context.Context, symbol domain.Symbol) error {
	delete(m.pending, symbol)
	return nil
}
func (m *testStoreImpl) AllPositions(ctx context.Context) ([]domain.Position, error) {
	out := make([]domain.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	return out, nil
}

var _ store.Store = (*testStoreImpl)(nil)

func TestHandleBuy_OpensNewPositionOnSuccessfulFill(t *testing.T) {
	fb := &fakeBroker{
		balance: broker.AccountBalance{Cash: decimal.NewFromInt(10_000_000)},
		orderNo: "ORD-1",
		execResult: broker.ExecutionResult{
			Status: broker.WaitSuccess, ExecQty: 10, ExecPrice: decimal.NewFromInt(50000),
		},
	}
	ex, bus := testExecutor(t, fb)
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)
	ex.lastBalance = fb.balance

	signal := strategy.Signal{
		Type: strategy.SignalBuy, Price: decimal.NewFromInt(50000),
		StopLoss: decimal.NewFromInt(48000), ATR: decimal.NewFromInt(1000),
	}
	ex.handleBuy(context.Background(), signal, time.Now())

	if ex.position == nil {
		t.Fatal("expected position to be opened")
	}
	if ex.position.Quantity != 10 {
		t.Errorf("expected quantity 10, got %d", ex.position.Quantity)
	}
	if !ex.position.EntryPrice.Equal(decimal.NewFromInt(50000)) {
		t.Errorf("expected entry price 50000, got %s", ex.position.EntryPrice)
	}
}

func TestHandleBuy_GatedOffSkipsSubmission(t *testing.T) {
	fb := &fakeBroker{balance: broker.AccountBalance{Cash: decimal.NewFromInt(10_000_000)}}
	ex, _ := testExecutor(t, fb)
	ex.SetAllowNewEntries(false)

	signal := strategy.Signal{Type: strategy.SignalBuy, Price: decimal.NewFromInt(50000)}
	ex.handleBuy(context.Background(), signal, time.Now())

	if ex.position != nil {
		t.Error("expected no position opened when gated off")
	}
}

func TestHandleSell_FullFillClosesPositionAndRecordsPnL(t *testing.T) {
	fb := &fakeBroker{
		orderNo: "ORD-2",
		execResult: broker.ExecutionResult{
			Status: broker.WaitSuccess, ExecQty: 10, ExecPrice: decimal.NewFromInt(52000),
		},
	}
	ex, bus := testExecutor(t, fb)
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	ex.position = &domain.Position{
		Symbol: "005930", EntryPrice: decimal.NewFromInt(50000), Quantity: 10,
		State: domain.StateEntered,
	}

	signal := strategy.Signal{Type: strategy.SignalSell, ExitReason: domain.ExitATRTakeProfit}
	ex.handleSell(context.Background(), signal, time.Now())

	if ex.position != nil {
		t.Error("expected position cleared after full fill")
	}

	stored, _ := ex.store.Load(context.Background(), "005930")
	if stored != nil {
		t.Error("expected store cleared after full exit")
	}
}

func TestHandleSell_PartialFillReducesQuantity(t *testing.T) {
	fb := &fakeBroker{
		orderNo:    "ORD-3",
		execResult: broker.ExecutionResult{Status: broker.WaitPartial, ExecQty: 4, ExecPrice: decimal.NewFromInt(49000)},
	}
	ex, _ := testExecutor(t, fb)
	ex.position = &domain.Position{
		Symbol: "005930", EntryPrice: decimal.NewFromInt(50000), Quantity: 10,
		State: domain.StateEntered,
	}

	signal := strategy.Signal{Type: strategy.SignalSell, ExitReason: domain.ExitATRStopLoss}
	ex.handleSell(context.Background(), signal, time.Now())

	if ex.position == nil || ex.position.Quantity != 6 {
		t.Errorf("expected remaining quantity 6, got %+v", ex.position)
	}
}

type memTradeLog struct {
	trades []domain.ClosedTrade
}

func (m *memTradeLog) Append(ctx context.Context, trade domain.ClosedTrade) error {
	m.trades = append(m.trades, trade)
	return nil
}
func (m *memTradeLog) All(ctx context.Context) ([]domain.ClosedTrade, error) {
	return m.trades, nil
}

func TestHandleSell_FullFillAppendsClosedTradeToTradeLog(t *testing.T) {
	fb := &fakeBroker{
		orderNo: "ORD-4",
		execResult: broker.ExecutionResult{
			Status: broker.WaitSuccess, ExecQty: 10, ExecPrice: decimal.NewFromInt(52000),
		},
	}
	ex, _ := testExecutor(t, fb)
	tl := &memTradeLog{}
	ex.tradeLog = tl
	ex.position = &domain.Position{
		Symbol: "005930", EntryPrice: decimal.NewFromInt(50000), Quantity: 10,
		StrategyID: "trend_atr_v1", SignalID: "sig-1", State: domain.StateEntered,
	}

	signal := strategy.Signal{Type: strategy.SignalSell, ExitReason: domain.ExitATRTakeProfit}
	ex.handleSell(context.Background(), signal, time.Now())

	if len(tl.trades) != 1 {
		t.Fatalf("expected 1 closed trade recorded, got %d", len(tl.trades))
	}
	got := tl.trades[0]
	if got.Quantity != 10 || !got.PnL.Equal(decimal.NewFromInt(20000)) {
		t.Errorf("expected qty 10 pnl 20000, got qty=%d pnl=%s", got.Quantity, got.PnL)
	}
	if got.StrategyID != "trend_atr_v1" || got.SignalID != "sig-1" {
		t.Errorf("expected strategy/signal ids carried through, got %+v", got)
	}
}

func TestHandleSell_PartialFillAppendsClosedTradeForFilledPortion(t *testing.T) {
	fb := &fakeBroker{
		orderNo:    "ORD-5",
		execResult: broker.ExecutionResult{Status: broker.WaitPartial, ExecQty: 4, ExecPrice: decimal.NewFromInt(49000)},
	}
	ex, _ := testExecutor(t, fb)
	tl := &memTradeLog{}
	ex.tradeLog = tl
	ex.position = &domain.Position{
		Symbol: "005930", EntryPrice: decimal.NewFromInt(50000), Quantity: 10,
		State: domain.StateEntered,
	}

	signal := strategy.Signal{Type: strategy.SignalSell, ExitReason: domain.ExitATRStopLoss}
	ex.handleSell(context.Background(), signal, time.Now())

	if len(tl.trades) != 1 || tl.trades[0].Quantity != 4 {
		t.Fatalf("expected 1 closed trade for the 4-share partial fill, got %+v", tl.trades)
	}
}

func TestHandleSell_PendingExitBackoffBlocksRetryTooSoon(t *testing.T) {
	fb := &fakeBroker{}
	ex, _ := testExecutor(t, fb)
	now := kst.SystemClock{}.Now()
	ex.position = &domain.Position{Symbol: "005930", EntryPrice: decimal.NewFromInt(50000), Quantity: 10, State: domain.StateEntered}
	ex.pendingExit = &domain.PendingExit{Symbol: "005930", Reason: domain.ExitATRStopLoss, RequestedAt: now}

	signal := strategy.Signal{Type: strategy.SignalSell, ExitReason: domain.ExitATRStopLoss}
	ex.handleSell(context.Background(), signal, now)

	// No order should be placed since the backoff window has not elapsed;
	// position must remain unchanged.
	if ex.position.Quantity != 10 {
		t.Errorf("expected no change while pending-exit retry not due, got %+v", ex.position)
	}
}

func TestIntervalFor_NearStopUsesShortInterval(t *testing.T) {
	ex, _ := testExecutor(t, &fakeBroker{})
	signal := strategy.Signal{NearStopPct: decimal.NewFromInt(90)}
	got := ex.intervalFor(signal)
	want := time.Duration(ex.pacing.NearStopLossExecutionIntervalSeconds) * time.Second
	if got != want {
		t.Errorf("expected near-stop interval %s, got %s", want, got)
	}
}

func TestIntervalFor_DefaultWhenFarFromStop(t *testing.T) {
	ex, _ := testExecutor(t, &fakeBroker{})
	signal := strategy.Signal{NearStopPct: decimal.NewFromInt(10)}
	got := ex.intervalFor(signal)
	want := time.Duration(ex.pacing.DefaultExecutionIntervalSeconds) * time.Second
	if got != want {
		t.Errorf("expected default interval %s, got %s", want, got)
	}
}
