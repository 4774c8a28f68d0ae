// Package syncer implements order synchronization (§4.7): every order
// placement blocks until the broker confirms a terminal fill state
// before the caller is allowed to treat a position as open or closed.
// No signal is ever translated into a position update on the strength
// of the submission response alone — only a confirmed execution
// authorizes that.
//
// Grounded on original_source's order_synchronizer.py: market-hours
// gating before submission, a SHA-256 idempotency key to block
// duplicate submissions of the same logical intent, and a wait-for-
// execution step that the caller's position state transitions on.
package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kis-trend-atr/engine/internal/broker"
	"github.com/kis-trend-atr/engine/internal/domain"
	"github.com/kis-trend-atr/engine/internal/journal"
	"github.com/kis-trend-atr/engine/internal/kst"
	"github.com/kis-trend-atr/engine/internal/marketclock"
)

// ResultType is the outcome category of a synchronized order.
type ResultType string

const (
	ResultSuccess      ResultType = "SUCCESS"
	ResultPartial      ResultType = "PARTIAL"
	ResultFailed       ResultType = "FAILED"
	ResultCancelled    ResultType = "CANCELLED"
	ResultMarketClosed ResultType = "MARKET_CLOSED"
)

// Result is the fully-confirmed outcome of a synchronized order: success
// is true only once the broker has reported a completed fill.
type Result struct {
	Success   bool
	Type      ResultType
	OrderNo   string
	ExecQty   int
	ExecPrice decimal.Decimal
	Message   string
}

// Synchronizer serializes order submission through market-hours gating,
// idempotency-key deduplication, and a blocking wait for execution,
// journaling every state transition along the way.
type Synchronizer struct {
	broker           broker.Broker
	calendar         *marketclock.Calendar
	journal          journal.Journal
	mode             string
	executionTimeout time.Duration
	pollInterval     time.Duration
	logger           zerolog.Logger
}

// New builds a Synchronizer. mode is the engine's execution mode
// ("PAPER", "REAL", "DRY_RUN") and is mixed into the idempotency key so
// the same signal in different modes never collides.
func New(b broker.Broker, calendar *marketclock.Calendar, j journal.Journal, mode string, executionTimeout, pollInterval time.Duration, logger zerolog.Logger) *Synchronizer {
	return &Synchronizer{
		broker:           b,
		calendar:         calendar,
		journal:          j,
		mode:             mode,
		executionTimeout: executionTimeout,
		pollInterval:     pollInterval,
		logger:           logger,
	}
}

// inFlightStatuses are the statuses that block a duplicate submission of
// the same idempotency key.
var inFlightStatuses = map[domain.OrderStatus]bool{
	domain.OrderStatusPending:   true,
	domain.OrderStatusSubmitted: true,
	domain.OrderStatusPartial:   true,
	domain.OrderStatusFilled:    true,
}

// idempotencyKey delegates to domain.IdempotencyKey, defaulting an empty
// signalID to the current KST minute so a caller that never computed one
// (tests, DRY_RUN replay) still gets a well-formed key.
func idempotencyKey(mode string, side domain.Side, symbol domain.Symbol, qty int, signalID string) string {
	if signalID == "" {
		signalID = kst.SystemClock{}.Now().Format("200601021504")
	}
	return domain.IdempotencyKey(mode, side, symbol, qty, signalID)
}

// ExecuteBuy synchronously places a market buy order and blocks until
// the broker reports a terminal fill state. skipMarketCheck is for
// tests and DRY_RUN replay only.
func (s *Synchronizer) ExecuteBuy(ctx context.Context, symbol domain.Symbol, qty int, signalID string, skipMarketCheck bool) (Result, error) {
	return s.execute(ctx, domain.SideBuy, symbol, qty, signalID, skipMarketCheck, false)
}

// ExecuteSell synchronously places a market sell order. isEmergency
// triples the execution timeout and allows submission during the
// close-auction window, where normal entries are blocked — matching the
// original's "liquidation is always allowed, new risk is not" policy.
func (s *Synchronizer) ExecuteSell(ctx context.Context, symbol domain.Symbol, qty int, signalID string, skipMarketCheck, isEmergency bool) (Result, error) {
	return s.execute(ctx, domain.SideSell, symbol, qty, signalID, skipMarketCheck, isEmergency)
}

func (s *Synchronizer) execute(ctx context.Context, side domain.Side, symbol domain.Symbol, qty int, signalID string, skipMarketCheck, isEmergency bool) (Result, error) {
	if !skipMarketCheck {
		tradeable, reason := s.calendar.Tradeable(kst.SystemClock{}.Now())
		if !tradeable {
			allowedForExit := isEmergency && s.calendar.Status(kst.SystemClock{}.Now()) == marketclock.StatusCloseAuction
			if side == domain.SideSell && allowedForExit {
				s.logger.Warn().Str("symbol", string(symbol)).Msg("emergency sell during close auction")
			} else {
				return Result{Success: false, Type: ResultMarketClosed, Message: reason}, nil
			}
		}
	}

	key := idempotencyKey(s.mode, side, symbol, qty, signalID)
	existing, err := s.journal.Get(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("syncer: journal lookup: %w", err)
	}
	if existing != nil && inFlightStatuses[existing.Status] {
		return Result{
			Success: false,
			Type:    ResultFailed,
			OrderNo: existing.BrokerOrderID,
			ExecQty: existing.FilledQty,
			Message: fmt.Sprintf("duplicate order blocked: idempotency key already %s", existing.Status),
		}, nil
	}

	now := kst.SystemClock{}.Now()
	state := domain.OrderState{
		IdempotencyKey: key,
		Mode:           s.mode,
		Symbol:         symbol,
		Side:           side,
		RequestedQty:   qty,
		Status:         domain.OrderStatusPending,
		SignalID:       signalID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.journal.Upsert(ctx, state); err != nil {
		return Result{}, fmt.Errorf("syncer: upsert pending: %w", err)
	}

	order := broker.Order{Symbol: symbol, Side: side, Type: broker.OrderTypeMarket, Quantity: qty, Tag: signalID}
	resp, err := s.broker.PlaceOrder(ctx, order)
	if err != nil {
		state.Status = domain.OrderStatusFailed
		state.UpdatedAt = kst.SystemClock{}.Now()
		_ = s.journal.Upsert(ctx, state)
		return Result{Success: false, Type: ResultFailed, Message: fmt.Sprintf("order submission failed: %v", err)}, nil
	}

	state.Status = domain.OrderStatusSubmitted
	state.BrokerOrderID = resp.OrderNo
	state.UpdatedAt = kst.SystemClock{}.Now()
	if err := s.journal.Upsert(ctx, state); err != nil {
		return Result{}, fmt.Errorf("syncer: upsert submitted: %w", err)
	}

	timeout := s.executionTimeout
	if isEmergency {
		timeout *= 3
	}

	s.logger.Info().Str("symbol", string(symbol)).Str("order_no", resp.OrderNo).
		Dur("timeout", timeout).Msg("waiting for execution confirmation")

	exec, err := s.broker.WaitForExecution(ctx, resp.OrderNo, qty, timeout, s.pollInterval)
	if err != nil {
		return Result{}, fmt.Errorf("syncer: wait for execution: %w", err)
	}

	for _, fill := range exec.Fills {
		if err := s.journal.RecordFill(ctx, key, fill); err != nil {
			s.logger.Warn().Err(err).Str("order_no", resp.OrderNo).Msg("failed to record fill")
		}
	}

	return s.finalize(ctx, state, exec)
}

func (s *Synchronizer) finalize(ctx context.Context, state domain.OrderState, exec broker.ExecutionResult) (Result, error) {
	state.FilledQty = exec.ExecQty
	state.UpdatedAt = kst.SystemClock{}.Now()

	switch exec.Status {
	case broker.WaitSuccess:
		state.Status = domain.OrderStatusFilled
		if err := s.journal.Upsert(ctx, state); err != nil {
			return Result{}, fmt.Errorf("syncer: upsert filled: %w", err)
		}
		return Result{
			Success: true, Type: ResultSuccess, OrderNo: state.BrokerOrderID,
			ExecQty: exec.ExecQty, ExecPrice: exec.ExecPrice, Message: "fully filled",
		}, nil

	case broker.WaitPartial:
		state.Status = domain.OrderStatusPartial
		if err := s.journal.Upsert(ctx, state); err != nil {
			return Result{}, fmt.Errorf("syncer: upsert partial: %w", err)
		}
		return Result{
			Success: false, Type: ResultPartial, OrderNo: state.BrokerOrderID,
			ExecQty: exec.ExecQty, ExecPrice: exec.ExecPrice, Message: "partially filled, remainder cancelled",
		}, nil

	case broker.WaitCancelled:
		state.Status = domain.OrderStatusCancelled
		if err := s.journal.Upsert(ctx, state); err != nil {
			return Result{}, fmt.Errorf("syncer: upsert cancelled: %w", err)
		}
		return Result{
			Success: false, Type: ResultCancelled, OrderNo: state.BrokerOrderID,
			ExecQty: exec.ExecQty, ExecPrice: exec.ExecPrice, Message: "unfilled, cancelled",
		}, nil

	default:
		state.Status = domain.OrderStatusFailed
		if err := s.journal.Upsert(ctx, state); err != nil {
			return Result{}, fmt.Errorf("syncer: upsert failed: %w", err)
		}
		return Result{Success: false, Type: ResultFailed, OrderNo: state.BrokerOrderID, Message: "execution failed"}, nil
	}
}
