// Package webhook provides an HTTP server to receive KIS execution-notice
// postbacks, an optional low-latency alternative to polling
// GetOrderStatus through Broker.WaitForExecution.
//
// KIS exposes its own execution notices (체결통보) over an authenticated
// WebSocket, not plain HTTP webhooks — deployments that front that feed
// with a relay/gateway (common when running multiple engine instances
// behind one KIS session) can forward each notice here as a JSON POST in
// the same field-naming convention the REST client already parses in
// internal/broker/kis.go's GetOrderStatus, so one mapping vocabulary
// covers both push and poll delivery.
//
// The server never replaces polling: a notice merely shortens the time
// to learn about a fill. WaitForExecution's own poll loop remains the
// authoritative source, so every mapped update here is fed to the
// journal as a best-effort optimization, never a requirement.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kis-trend-atr/engine/internal/domain"
	"github.com/kis-trend-atr/engine/internal/journal"
)

// ────────────────────────────────────────────────────────────────────
// Configuration
// ────────────────────────────────────────────────────────────────────

// Config holds webhook server settings.
type Config struct {
	Port    int    `json:"port"`
	Path    string `json:"path"`
	Enabled bool   `json:"enabled"`
}

// ────────────────────────────────────────────────────────────────────
// KIS execution-notice payload
// ────────────────────────────────────────────────────────────────────

// KISExecutionNotice is the JSON body a relay forwards for one order
// state change, field-named after KIS's own 체결통보 push schema (the
// same abbreviations GetOrderStatus's REST response uses).
type KISExecutionNotice struct {
	OrderNo      string `json:"ODNO"`          // broker order number
	Symbol       string `json:"PDNO"`          // 6-digit KRX code
	SideCode     string `json:"SELN_BYOV_CLS"` // "01" sell, "02" buy
	OrderQty     string `json:"ORD_QTY"`
	FilledQty    string `json:"CNTG_QTY"`
	FilledPrice  string `json:"CNTG_UNPR"`
	ExecutedYN   string `json:"CNTG_YN"` // "1" executed this notice, "2" accepted only
	CancelledYN  string `json:"CNCL_YN"`
	RejectedYN   string `json:"RFUS_YN"`
	RejectReason string `json:"RFUS_RSON"`
	Tag          string `json:"ORD_TMD_CNO"` // our outbound Order.Tag (signal id), echoed back
}

// ────────────────────────────────────────────────────────────────────
// Broker-agnostic order update
// ────────────────────────────────────────────────────────────────────

// OrderUpdate is the parsed, typed representation of one execution
// notice. Callbacks receive this instead of the raw wire payload.
type OrderUpdate struct {
	OrderNo      string
	Tag          string // the signal id supplied as Order.Tag at submission
	Symbol       domain.Symbol
	Side         domain.Side
	Status       domain.OrderStatus
	OrderQty     int
	FilledQty    int
	RemainingQty int
	AvgPrice     decimal.Decimal
	Rejected     bool
	RejectReason string
	ReceivedAt   time.Time
}

// OrderUpdateHandler is invoked for every successfully parsed notice.
type OrderUpdateHandler func(update OrderUpdate)

// ────────────────────────────────────────────────────────────────────
// Server
// ────────────────────────────────────────────────────────────────────

// ResolveIdempotencyKey maps a broker order number back to the journal
// row it belongs to, so the fast path can call Journal.RecordFill
// without the notice itself carrying the idempotency key. Implementations
// typically scan NonTerminalForMode once per process and cache the
// order-number -> key mapping as orders are submitted.
type ResolveIdempotencyKey func(orderNo string) (key string, ok bool)

// Server is the HTTP execution-notice receiver.
type Server struct {
	cfg      Config
	logger   zerolog.Logger
	srv      *http.Server
	mu       sync.RWMutex
	handlers []OrderUpdateHandler
	updates  []OrderUpdate // ring buffer of recent updates, for status/debug

	journal    journal.Journal
	resolveKey ResolveIdempotencyKey
}

// NewServer creates a webhook server. It does not start listening until
// Start is called.
func NewServer(cfg Config, logger zerolog.Logger) *Server {
	return &Server{cfg: cfg, logger: logger}
}

// WireJournal enables the fast path: every executed/partial notice whose
// order number resolves to a journal row has its fill recorded
// immediately, ahead of the next WaitForExecution poll. Optional — a
// Server with no journal wired just invokes its registered handlers.
func (s *Server) WireJournal(j journal.Journal, resolve ResolveIdempotencyKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = j
	s.resolveKey = resolve
}

// OnOrderUpdate registers a handler called for every parsed notice.
// Multiple handlers may be registered.
func (s *Server) OnOrderUpdate(h OrderUpdateHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// RecentUpdates returns a copy of the last n order updates.
func (s *Server) RecentUpdates(n int) []OrderUpdate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n > len(s.updates) {
		n = len(s.updates)
	}
	out := make([]OrderUpdate, n)
	copy(out, s.updates[len(s.updates)-n:])
	return out
}

// Start begins listening for postback HTTP requests. Returns
// immediately; the server runs in a background goroutine.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	path := s.cfg.Path
	if path == "" {
		path = "/webhook/kis/execution"
	}
	mux.HandleFunc(path, s.handlePostback)

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, `{"status":"ok"}`)
	})

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Str("path", path).Msg("webhook server starting")

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("webhook server error")
		}
	}()

	return nil
}

// Shutdown gracefully stops the webhook server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info().Msg("webhook server shutting down")
	return s.srv.Shutdown(ctx)
}

// ────────────────────────────────────────────────────────────────────
// HTTP handler
// ────────────────────────────────────────────────────────────────────

func (s *Server) handlePostback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var notice KISExecutionNotice
	if err := json.NewDecoder(r.Body).Decode(&notice); err != nil {
		s.logger.Warn().Err(err).Msg("invalid execution notice payload")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if notice.OrderNo == "" {
		s.logger.Warn().Msg("execution notice missing ODNO")
		http.Error(w, "missing ODNO", http.StatusBadRequest)
		return
	}

	update, err := mapNotice(notice)
	if err != nil {
		s.logger.Warn().Err(err).Str("odno", notice.OrderNo).Msg("failed to map execution notice")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	s.logger.Info().Str("order_no", update.OrderNo).Str("symbol", string(update.Symbol)).
		Str("status", string(update.Status)).Int("filled", update.FilledQty).Int("qty", update.OrderQty).
		Msg("execution notice received")

	s.mu.Lock()
	s.updates = append(s.updates, update)
	if len(s.updates) > 100 {
		s.updates = s.updates[len(s.updates)-100:]
	}
	handlers := make([]OrderUpdateHandler, len(s.handlers))
	copy(handlers, s.handlers)
	j, resolve := s.journal, s.resolveKey
	s.mu.Unlock()

	for _, h := range handlers {
		h(update)
	}

	s.fastPathRecordFill(r.Context(), j, resolve, update)

	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, `{"received":true}`)
}

// fastPathRecordFill writes update's fill into the journal ahead of the
// next poll cycle, best-effort: any failure here is logged and otherwise
// ignored, since WaitForExecution's own polling will eventually observe
// the same fill through GetOrderStatus regardless.
func (s *Server) fastPathRecordFill(ctx context.Context, j journal.Journal, resolve ResolveIdempotencyKey, update OrderUpdate) {
	if j == nil || resolve == nil || update.FilledQty == 0 {
		return
	}
	key, ok := resolve(update.OrderNo)
	if !ok {
		return
	}
	fill := domain.Fill{
		OrderNo:    update.OrderNo,
		Symbol:     update.Symbol,
		Side:       update.Side,
		Price:      update.AvgPrice,
		Quantity:   update.FilledQty,
		ExecutedAt: update.ReceivedAt,
	}
	if err := j.RecordFill(ctx, key, fill); err != nil {
		s.logger.Warn().Err(err).Str("order_no", update.OrderNo).Msg("fast-path fill record failed")
	}
}

// ────────────────────────────────────────────────────────────────────
// Notice mapping
// ────────────────────────────────────────────────────────────────────

func mapNotice(n KISExecutionNotice) (OrderUpdate, error) {
	symbol, err := domain.NewSymbol(n.Symbol)
	if err != nil {
		return OrderUpdate{}, fmt.Errorf("webhook: %w", err)
	}

	side := domain.SideBuy
	if n.SideCode == "01" {
		side = domain.SideSell
	}

	orderQty, _ := strconv.Atoi(n.OrderQty)
	filledQty, _ := strconv.Atoi(n.FilledQty)
	avgPrice, _ := decimal.NewFromString(n.FilledPrice)
	remaining := orderQty - filledQty
	if remaining < 0 {
		remaining = 0
	}

	update := OrderUpdate{
		OrderNo:      n.OrderNo,
		Tag:          n.Tag,
		Symbol:       symbol,
		Side:         side,
		OrderQty:     orderQty,
		FilledQty:    filledQty,
		RemainingQty: remaining,
		AvgPrice:     avgPrice,
		Rejected:     n.RejectedYN == "Y",
		RejectReason: n.RejectReason,
		ReceivedAt:   time.Now(),
	}
	update.Status = mapNoticeStatus(n, update)
	return update, nil
}

// mapNoticeStatus classifies a notice onto domain.OrderStatus. Rejection
// and cancellation take priority over fill state; a notice can only be
// PARTIAL if some but not all of the order quantity has filled.
func mapNoticeStatus(n KISExecutionNotice, update OrderUpdate) domain.OrderStatus {
	switch {
	case n.RejectedYN == "Y":
		return domain.OrderStatusFailed
	case n.CancelledYN == "Y":
		return domain.OrderStatusCancelled
	case update.FilledQty > 0 && update.RemainingQty == 0:
		return domain.OrderStatusFilled
	case update.FilledQty > 0:
		return domain.OrderStatusPartial
	case n.ExecutedYN == "2":
		return domain.OrderStatusSubmitted
	default:
		return domain.OrderStatusPending
	}
}
