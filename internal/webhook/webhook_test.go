package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kis-trend-atr/engine/internal/domain"
)

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestServer() *Server {
	return NewServer(Config{
		Port:    0, // not used in tests (we use httptest)
		Path:    "/webhook/kis/execution",
		Enabled: true,
	}, zerolog.Nop())
}

func postJSON(s *Server, body interface{}) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/webhook/kis/execution", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.handlePostback(w, req)
	return w
}

func TestPostback_FullyFilled(t *testing.T) {
	s := newTestServer()

	var received OrderUpdate
	var mu sync.Mutex
	s.OnOrderUpdate(func(u OrderUpdate) {
		mu.Lock()
		received = u
		mu.Unlock()
	})

	notice := KISExecutionNotice{
		OrderNo:     "ORD-123456",
		Symbol:      "005930",
		SideCode:    "02", // buy
		OrderQty:    "10",
		FilledQty:   "10",
		FilledPrice: "52000",
		ExecutedYN:  "1",
		Tag:         "sig-trend-atr-005930",
	}

	resp := postJSON(s, notice)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	mu.Lock()
	defer mu.Unlock()
	if received.OrderNo != "ORD-123456" {
		t.Errorf("expected order no ORD-123456, got %s", received.OrderNo)
	}
	if received.Status != domain.OrderStatusFilled {
		t.Errorf("expected FILLED, got %s", received.Status)
	}
	if received.Symbol != "005930" {
		t.Errorf("expected symbol 005930, got %s", received.Symbol)
	}
	if received.Side != domain.SideBuy {
		t.Errorf("expected BUY, got %s", received.Side)
	}
	if received.FilledQty != 10 || received.RemainingQty != 0 {
		t.Errorf("expected filled=10 remaining=0, got filled=%d remaining=%d", received.FilledQty, received.RemainingQty)
	}
	if !received.AvgPrice.Equal(mustDecimal("52000")) {
		t.Errorf("expected avg price 52000, got %s", received.AvgPrice)
	}
	if received.Tag != "sig-trend-atr-005930" {
		t.Errorf("expected tag carried through, got %s", received.Tag)
	}
}

func TestPostback_Rejected(t *testing.T) {
	s := newTestServer()

	var received OrderUpdate
	var mu sync.Mutex
	s.OnOrderUpdate(func(u OrderUpdate) {
		mu.Lock()
		received = u
		mu.Unlock()
	})

	notice := KISExecutionNotice{
		OrderNo:      "ORD-789",
		Symbol:       "000660",
		SideCode:     "02",
		OrderQty:     "5",
		RejectedYN:   "Y",
		RejectReason: "insufficient margin",
	}

	resp := postJSON(s, notice)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	mu.Lock()
	defer mu.Unlock()
	if received.Status != domain.OrderStatusFailed {
		t.Errorf("expected FAILED, got %s", received.Status)
	}
	if !received.Rejected {
		t.Error("expected Rejected=true")
	}
	if received.RejectReason != "insufficient margin" {
		t.Errorf("expected reject reason carried through, got %s", received.RejectReason)
	}
}

func TestPostback_Cancelled(t *testing.T) {
	s := newTestServer()

	var received OrderUpdate
	var mu sync.Mutex
	s.OnOrderUpdate(func(u OrderUpdate) {
		mu.Lock()
		received = u
		mu.Unlock()
	})

	notice := KISExecutionNotice{
		OrderNo:     "ORD-CXL-100",
		Symbol:      "035720",
		SideCode:    "01", // sell
		OrderQty:    "20",
		FilledQty:   "0",
		CancelledYN: "Y",
	}

	resp := postJSON(s, notice)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	mu.Lock()
	defer mu.Unlock()
	if received.Status != domain.OrderStatusCancelled {
		t.Errorf("expected CANCELLED, got %s", received.Status)
	}
	if received.Side != domain.SideSell {
		t.Errorf("expected SELL, got %s", received.Side)
	}
}

func TestPostback_PartialFill(t *testing.T) {
	s := newTestServer()

	var received OrderUpdate
	var mu sync.Mutex
	s.OnOrderUpdate(func(u OrderUpdate) {
		mu.Lock()
		received = u
		mu.Unlock()
	})

	notice := KISExecutionNotice{
		OrderNo:     "ORD-PART-200",
		Symbol:      "005380",
		SideCode:    "02",
		OrderQty:    "100",
		FilledQty:   "40",
		FilledPrice: "165025",
		ExecutedYN:  "1",
	}

	resp := postJSON(s, notice)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	mu.Lock()
	defer mu.Unlock()
	if received.Status != domain.OrderStatusPartial {
		t.Errorf("expected PARTIAL, got %s", received.Status)
	}
	if received.FilledQty != 40 || received.RemainingQty != 60 {
		t.Errorf("expected filled=40 remaining=60, got filled=%d remaining=%d", received.FilledQty, received.RemainingQty)
	}
}

func TestPostback_AcceptedNotYetFilled(t *testing.T) {
	s := newTestServer()

	var received OrderUpdate
	var mu sync.Mutex
	s.OnOrderUpdate(func(u OrderUpdate) {
		mu.Lock()
		received = u
		mu.Unlock()
	})

	notice := KISExecutionNotice{
		OrderNo:    "ORD-PND-400",
		Symbol:     "000270",
		SideCode:   "02",
		OrderQty:   "30",
		ExecutedYN: "2",
	}

	resp := postJSON(s, notice)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	mu.Lock()
	defer mu.Unlock()
	if received.Status != domain.OrderStatusSubmitted {
		t.Errorf("expected SUBMITTED, got %s", received.Status)
	}
}

func TestPostback_InvalidJSON(t *testing.T) {
	s := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/webhook/kis/execution",
		bytes.NewReader([]byte(`{not valid json`)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.handlePostback(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid JSON, got %d", w.Code)
	}
}

func TestPostback_MissingOrderNo(t *testing.T) {
	s := newTestServer()

	notice := KISExecutionNotice{
		Symbol:   "005930",
		SideCode: "02",
	}

	resp := postJSON(s, notice)
	if resp.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing ODNO, got %d", resp.Code)
	}
}

func TestPostback_InvalidSymbolRejectedAsBadRequest(t *testing.T) {
	s := newTestServer()

	notice := KISExecutionNotice{
		OrderNo: "ORD-1",
		Symbol:  "not-numeric",
	}

	resp := postJSON(s, notice)
	if resp.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid symbol, got %d", resp.Code)
	}
}

func TestPostback_WrongMethod(t *testing.T) {
	s := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/webhook/kis/execution", nil)
	w := httptest.NewRecorder()
	s.handlePostback(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET, got %d", w.Code)
	}
}

func TestPostback_MultipleHandlers(t *testing.T) {
	s := newTestServer()

	var wg sync.WaitGroup
	count := 0
	var mu sync.Mutex

	for i := 0; i < 3; i++ {
		wg.Add(1)
		s.OnOrderUpdate(func(_ OrderUpdate) {
			mu.Lock()
			count++
			mu.Unlock()
			wg.Done()
		})
	}

	notice := KISExecutionNotice{
		OrderNo:    "ORD-MULTI-600",
		Symbol:     "006400",
		SideCode:   "02",
		OrderQty:   "100",
		FilledQty:  "100",
		ExecutedYN: "1",
	}

	postJSON(s, notice)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if count != 3 {
		t.Errorf("expected 3 handler invocations, got %d", count)
	}
}

func TestRecentUpdates(t *testing.T) {
	s := newTestServer()

	for i := 1; i <= 5; i++ {
		notice := KISExecutionNotice{
			OrderNo:    fmt.Sprintf("ORD-%d", i),
			Symbol:     "005930",
			SideCode:   "02",
			OrderQty:   "10",
			FilledQty:  "10",
			ExecutedYN: "1",
		}
		postJSON(s, notice)
	}

	recent := s.RecentUpdates(3)
	if len(recent) != 3 {
		t.Fatalf("expected 3 recent updates, got %d", len(recent))
	}
	if recent[0].OrderNo != "ORD-3" {
		t.Errorf("expected first recent to be ORD-3, got %s", recent[0].OrderNo)
	}
	if recent[2].OrderNo != "ORD-5" {
		t.Errorf("expected last recent to be ORD-5, got %s", recent[2].OrderNo)
	}
}

type fakeJournal struct {
	mu    sync.Mutex
	fills map[string][]domain.Fill
}

func newFakeJournal() *fakeJournal { return &fakeJournal{fills: map[string][]domain.Fill{}} }

func (f *fakeJournal) Upsert(ctx context.Context, order domain.OrderState) error { return nil }
func (f *fakeJournal) Get(ctx context.Context, idempotencyKey string) (*domain.OrderState, error) {
	return nil, nil
}
func (f *fakeJournal) NonTerminalForMode(ctx context.Context, mode string) ([]domain.OrderState, error) {
	return nil, nil
}
func (f *fakeJournal) RecordFill(ctx context.Context, idempotencyKey string, fill domain.Fill) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fills[idempotencyKey] = append(f.fills[idempotencyKey], fill)
	return nil
}
func (f *fakeJournal) FillsFor(ctx context.Context, idempotencyKey string) ([]domain.Fill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fills[idempotencyKey], nil
}

func TestFastPath_RecordsFillWhenJournalWired(t *testing.T) {
	s := newTestServer()
	fj := newFakeJournal()
	s.WireJournal(fj, func(orderNo string) (string, bool) {
		if orderNo == "ORD-FP-1" {
			return "idem-key-1", true
		}
		return "", false
	})

	notice := KISExecutionNotice{
		OrderNo:     "ORD-FP-1",
		Symbol:      "005930",
		SideCode:    "02",
		OrderQty:    "10",
		FilledQty:   "10",
		FilledPrice: "52000",
		ExecutedYN:  "1",
	}
	postJSON(s, notice)

	fills, _ := fj.FillsFor(context.Background(), "idem-key-1")
	if len(fills) != 1 {
		t.Fatalf("expected 1 fast-path fill recorded, got %d", len(fills))
	}
	if fills[0].Quantity != 10 {
		t.Errorf("expected fill qty 10, got %d", fills[0].Quantity)
	}
}

func TestFastPath_UnresolvedOrderNoSkipsJournal(t *testing.T) {
	s := newTestServer()
	fj := newFakeJournal()
	s.WireJournal(fj, func(orderNo string) (string, bool) { return "", false })

	notice := KISExecutionNotice{
		OrderNo:     "ORD-UNKNOWN",
		Symbol:      "005930",
		SideCode:    "02",
		OrderQty:    "10",
		FilledQty:   "10",
		FilledPrice: "52000",
		ExecutedYN:  "1",
	}
	postJSON(s, notice)

	fills, _ := fj.FillsFor(context.Background(), "idem-key-1")
	if len(fills) != 0 {
		t.Errorf("expected no fills recorded for an unresolved order number, got %d", len(fills))
	}
}

func TestServerStartShutdown(t *testing.T) {
	s := NewServer(Config{
		Port:    18923, // unlikely to be in use
		Path:    "/webhook/kis/execution",
		Enabled: true,
	}, zerolog.Nop())

	if err := s.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get("http://localhost:18923/health")
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health check expected 200, got %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}
