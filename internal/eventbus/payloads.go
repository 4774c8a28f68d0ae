package eventbus

import (
	"github.com/shopspring/decimal"

	"github.com/kis-trend-atr/engine/internal/domain"
	"github.com/kis-trend-atr/engine/internal/reconcile"
	"github.com/kis-trend-atr/engine/internal/strategy"
	"github.com/kis-trend-atr/engine/internal/syncer"
)

// SignalComputedPayload backs the SignalComputed event.
type SignalComputedPayload struct {
	Signal strategy.Signal
}

// OrderPayload backs OrderRequested, OrderSubmitted, OrderFilled,
// OrderPartial and OrderCancelled — the synchronizer's Result plus the
// side and quantity it acted on.
type OrderPayload struct {
	Side   domain.Side
	Qty    int
	Result syncer.Result
}

// PositionPayload backs PositionOpened and PositionClosed.
type PositionPayload struct {
	Position domain.Position
	PnL      decimal.Decimal // zero on PositionOpened
	Reason   domain.ExitReason
}

// RiskCheckFailedPayload backs RiskCheckFailed.
type RiskCheckFailedPayload struct {
	Rule    string
	Message string
}

// KillSwitchTrippedPayload backs KillSwitchTripped.
type KillSwitchTrippedPayload struct {
	Reason string
}

// ReconcileOutcomePayload backs the ReconcileOutcome event.
type ReconcileOutcomePayload struct {
	Result reconcile.Result
}

// NetworkUnavailablePayload backs NetworkUnavailable.
type NetworkUnavailablePayload struct {
	Reason           string
	ConsecutiveFails int
}
