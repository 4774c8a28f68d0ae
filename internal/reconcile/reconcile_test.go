package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kis-trend-atr/engine/internal/broker"
	"github.com/kis-trend-atr/engine/internal/config"
	"github.com/kis-trend-atr/engine/internal/domain"
	"github.com/kis-trend-atr/engine/internal/journal"
	"github.com/kis-trend-atr/engine/internal/store"
)

// fakeBroker is a scripted broker.Broker double returning a fixed
// account balance (or error) for GetAccountBalance only — the other
// methods are unused by the reconciler.
type fakeBroker struct {
	balance broker.AccountBalance
	err     error
}

func (f *fakeBroker) Mode() broker.Mode { return broker.ModeReal }
func (f *fakeBroker) GetAccessToken(ctx context.Context) (broker.Token, error) {
	return broker.Token{}, nil
}
func (f *fakeBroker) GetDailyOHLCV(ctx context.Context, symbol domain.Symbol, from, to time.Time) ([]domain.Bar, error) {
	return nil, nil
}
func (f *fakeBroker) GetCurrentPrice(ctx context.Context, symbol domain.Symbol) (broker.Quote, error) {
	return broker.Quote{}, nil
}
func (f *fakeBroker) PlaceOrder(ctx context.Context, order broker.Order) (broker.OrderResponse, error) {
	return broker.OrderResponse{}, nil
}
func (f *fakeBroker) CancelOrder(ctx context.Context, orderNo string) error { return nil }
func (f *fakeBroker) GetOrderStatus(ctx context.Context) ([]broker.ExecutedOrder, error) {
	return nil, nil
}
func (f *fakeBroker) WaitForExecution(ctx context.Context, orderNo string, expectedQty int, timeout, pollInterval time.Duration) (broker.ExecutionResult, error) {
	return broker.ExecutionResult{}, nil
}
func (f *fakeBroker) GetAccountBalance(ctx context.Context) (broker.AccountBalance, error) {
	return f.balance, f.err
}

// memStore is a minimal in-memory store.Store double for tests; the
// production stores are FileStore and PostgresStore, neither of which
// is convenient to spin up here.
type memStore struct {
	positions map[domain.Symbol]domain.Position
	pending   map[domain.Symbol]domain.PendingExit
}

func newMemStore() *memStore {
	return &memStore{positions: map[domain.Symbol]domain.Position{}, pending: map[domain.Symbol]domain.PendingExit{}}
}

func (m *memStore) Load(ctx context.Context, symbol domain.Symbol) (*domain.Position, error) {
	p, ok := m.positions[symbol]
	if !ok {
		return nil, nil
	}
	return &p, nil
}
func (m *memStore) Save(ctx context.Context, position domain.Position) error {
	m.positions[position.Symbol] = position
	return nil
}
func (m *memStore) Clear(ctx context.Context, symbol domain.Symbol) error {
	delete(m.positions, symbol)
	return nil
}
func (m *memStore) SavePendingExit(ctx context.Context, p domain.PendingExit) error {
	m.pending[p.Symbol] = p
	return nil
}
func (m *memStore) LoadPendingExit(ctx context.Context, symbol domain.Symbol) (*domain.PendingExit, error) {
	p, ok := m.pending[symbol]
	if !ok {
		return nil, nil
	}
	return &p, nil
}
func (m *memStore) ClearPendingExit(ctx context.Context, symbol domain.Symbol) error {
	delete(m.pending, symbol)
	return nil
}
func (m *memStore) AllPositions(ctx context.Context) ([]domain.Position, error) {
	out := make([]domain.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	return out, nil
}

var _ store.Store = (*memStore)(nil)

func testPosition(symbol domain.Symbol, qty int) domain.Position {
	return domain.Position{
		Symbol:     symbol,
		Side:       domain.SideBuy,
		EntryPrice: decimal.NewFromInt(10000),
		Quantity:   qty,
		ATRAtEntry: decimal.NewFromInt(200),
		StopLoss:   decimal.NewFromInt(9500),
		State:      domain.StateEntered,
	}
}

func TestReconcileSymbol_DryRunTrustsStoreWithoutBrokerCall(t *testing.T) {
	s := newMemStore()
	pos := testPosition("005930", 10)
	if err := s.Save(context.Background(), pos); err != nil {
		t.Fatalf("save: %v", err)
	}
	fb := &fakeBroker{err: context.DeadlineExceeded} // would fail if ever called
	r := New(fb, s, journal.NewMemoryJournal(), config.ModeDryRun, zerolog.Nop())

	res, err := r.ReconcileSymbol(context.Background(), "005930")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != domain.ReconcileMatched {
		t.Errorf("expected MATCHED, got %s", res.Outcome)
	}
}

func TestReconcileSymbol_DryRunNoStoredPositionIsNoPosition(t *testing.T) {
	r := New(&fakeBroker{}, newMemStore(), journal.NewMemoryJournal(), config.ModePaper, zerolog.Nop())

	res, err := r.ReconcileSymbol(context.Background(), "005930")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != domain.ReconcileNoPosition {
		t.Errorf("expected NO_POSITION, got %s", res.Outcome)
	}
}

func TestReconcileSymbol_RealModeMatchedQuantity(t *testing.T) {
	s := newMemStore()
	pos := testPosition("005930", 10)
	_ = s.Save(context.Background(), pos)
	fb := &fakeBroker{balance: broker.AccountBalance{
		Holdings: []broker.Holding{{Symbol: "005930", Quantity: 10, AveragePrice: decimal.NewFromInt(10000)}},
	}}
	r := New(fb, s, journal.NewMemoryJournal(), config.ModeReal, zerolog.Nop())

	res, err := r.ReconcileSymbol(context.Background(), "005930")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != domain.ReconcileMatched {
		t.Errorf("expected MATCHED, got %s", res.Outcome)
	}
}

func TestReconcileSymbol_RealModeQuantityAdjusted(t *testing.T) {
	s := newMemStore()
	_ = s.Save(context.Background(), testPosition("005930", 10))
	fb := &fakeBroker{balance: broker.AccountBalance{
		Holdings: []broker.Holding{{Symbol: "005930", Quantity: 7, AveragePrice: decimal.NewFromInt(10000)}},
	}}
	r := New(fb, s, journal.NewMemoryJournal(), config.ModeReal, zerolog.Nop())

	res, err := r.ReconcileSymbol(context.Background(), "005930")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != domain.ReconcileQtyAdjusted {
		t.Errorf("expected QTY_ADJUSTED, got %s", res.Outcome)
	}
	if res.Position == nil || res.Position.Quantity != 7 {
		t.Errorf("expected adjusted position quantity 7, got %+v", res.Position)
	}

	stored, _ := s.Load(context.Background(), "005930")
	if stored.Quantity != 7 {
		t.Errorf("expected store to persist adjusted quantity, got %d", stored.Quantity)
	}
}

func TestReconcileSymbol_RealModeStoredInvalidClearsStore(t *testing.T) {
	s := newMemStore()
	_ = s.Save(context.Background(), testPosition("005930", 10))
	fb := &fakeBroker{balance: broker.AccountBalance{}}
	r := New(fb, s, journal.NewMemoryJournal(), config.ModeReal, zerolog.Nop())

	res, err := r.ReconcileSymbol(context.Background(), "005930")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != domain.ReconcileStoredInvalid {
		t.Errorf("expected STORED_INVALID, got %s", res.Outcome)
	}

	stored, _ := s.Load(context.Background(), "005930")
	if stored != nil {
		t.Errorf("expected store cleared, got %+v", stored)
	}
}

func TestReconcileSymbol_RealModeUntrackedHoldingRecoversPosition(t *testing.T) {
	s := newMemStore()
	fb := &fakeBroker{balance: broker.AccountBalance{
		Holdings: []broker.Holding{{Symbol: "005930", Quantity: 5, AveragePrice: decimal.NewFromInt(50000), CurrentPrice: decimal.NewFromInt(51000)}},
	}}
	r := New(fb, s, journal.NewMemoryJournal(), config.ModeReal, zerolog.Nop())

	res, err := r.ReconcileSymbol(context.Background(), "005930")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != domain.ReconcileUntrackedHolding {
		t.Errorf("expected UNTRACKED_HOLDING, got %s", res.Outcome)
	}
	if res.Position == nil || res.Position.Quantity != 5 {
		t.Errorf("expected recovered position with qty 5, got %+v", res.Position)
	}

	stored, _ := s.Load(context.Background(), "005930")
	if stored == nil {
		t.Error("expected store to now hold the recovered position")
	}
}

func TestReconcileSymbol_RealModeAutoRecoveredWhenJournalShowsFilledBuy(t *testing.T) {
	s := newMemStore()
	fb := &fakeBroker{balance: broker.AccountBalance{
		Holdings: []broker.Holding{{Symbol: "005930", Quantity: 5, AveragePrice: decimal.NewFromInt(50000), CurrentPrice: decimal.NewFromInt(51000)}},
	}}
	j := journal.NewMemoryJournal()
	now := time.Now()
	if err := j.Upsert(context.Background(), domain.OrderState{
		IdempotencyKey: "key-1", Symbol: "005930", Side: domain.SideBuy,
		RequestedQty: 5, FilledQty: 5, Status: domain.OrderStatusFilled,
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	r := New(fb, s, j, config.ModeReal, zerolog.Nop())

	res, err := r.ReconcileSymbol(context.Background(), "005930")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != domain.ReconcileAutoRecoveredFromAPI {
		t.Errorf("expected AUTO_RECOVERED_FROM_API, got %s", res.Outcome)
	}
	if res.Position == nil || res.Position.Quantity != 5 {
		t.Errorf("expected recovered position with qty 5, got %+v", res.Position)
	}
}

func TestReconcileSymbol_RealModeAPIFailure(t *testing.T) {
	s := newMemStore()
	_ = s.Save(context.Background(), testPosition("005930", 10))
	fb := &fakeBroker{err: context.DeadlineExceeded}
	r := New(fb, s, journal.NewMemoryJournal(), config.ModeReal, zerolog.Nop())

	res, err := r.ReconcileSymbol(context.Background(), "005930")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != domain.ReconcileAPIFailed {
		t.Errorf("expected API_FAILED, got %s", res.Outcome)
	}
}

func TestReconcileAll_RealModeCriticalMismatchForUntrackedSymbol(t *testing.T) {
	s := newMemStore()
	_ = s.Save(context.Background(), testPosition("005930", 10))
	fb := &fakeBroker{balance: broker.AccountBalance{
		Holdings: []broker.Holding{
			{Symbol: "005930", Quantity: 10, AveragePrice: decimal.NewFromInt(10000)},
			{Symbol: "000660", Quantity: 3, AveragePrice: decimal.NewFromInt(20000)},
		},
	}}
	r := New(fb, s, journal.NewMemoryJournal(), config.ModeReal, zerolog.Nop())

	results, err := r.ReconcileAll(context.Background(), []domain.Symbol{"005930"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}

	var sawMatched, sawCritical bool
	for _, res := range results {
		switch res.Symbol {
		case "005930":
			sawMatched = res.Outcome == domain.ReconcileMatched
		case "000660":
			sawCritical = res.Outcome == domain.ReconcileCriticalMismatch
		}
	}
	if !sawMatched {
		t.Error("expected 005930 to reconcile as MATCHED")
	}
	if !sawCritical {
		t.Error("expected untracked 000660 holding to reconcile as CRITICAL_MISMATCH")
	}
}

func TestReconcileAll_DryRunDelegatesPerSymbol(t *testing.T) {
	s := newMemStore()
	_ = s.Save(context.Background(), testPosition("005930", 10))
	r := New(&fakeBroker{}, s, journal.NewMemoryJournal(), config.ModeDryRun, zerolog.Nop())

	results, err := r.ReconcileAll(context.Background(), []domain.Symbol{"005930", "000660"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Outcome != domain.ReconcileMatched {
		t.Errorf("expected 005930 MATCHED, got %s", results[0].Outcome)
	}
	if results[1].Outcome != domain.ReconcileNoPosition {
		t.Errorf("expected 000660 NO_POSITION, got %s", results[1].Outcome)
	}
}
