// Package domain defines the shared data model for the trading engine:
// symbols, bars, positions, orders, fills and the other value types that
// flow between the strategy, risk, broker, store and journal layers.
//
// Design rules:
//   - No component constructs ad-hoc maps at a package boundary; every
//     broker/store/journal exchange uses a typed struct from this package.
//   - All monetary fields are decimal.Decimal; this package does not
//     round them.
//   - All timestamps are time.Time anchored to kst.Location.
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Symbol is a 6-digit, zero-padded KRX ticker code. Two Symbols are equal
// iff their zero-padded string forms are equal — "5930" and "005930" are
// the same Symbol.
type Symbol string

// NewSymbol zero-pads raw into a canonical 6-digit Symbol.
func NewSymbol(raw string) (Symbol, error) {
	if len(raw) == 0 || len(raw) > 6 {
		return "", fmt.Errorf("domain: invalid symbol %q: must be 1-6 digits", raw)
	}
	for _, r := range raw {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("domain: invalid symbol %q: must be numeric", raw)
		}
	}
	return Symbol(fmt.Sprintf("%06s", raw)), nil
}

func (s Symbol) String() string { return string(s) }

// Side is the direction of an order or position. This engine is long-only
// per spec (no short selling), so Side is effectively always Long/Buy for
// entries, but the type is retained so exits are explicit about direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Bar is one OHLCV candle for a Symbol on a given KST calendar date.
// Bars for a symbol are strictly date-ordered and unique per date.
type Bar struct {
	Symbol Symbol
	Date   time.Time // KST calendar date, time-of-day truncated
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume int64
}

// TrendState is the strategy's own state-machine position, independent of
// the broker/store reconciliation state in ReconcileOutcome.
type TrendState string

const (
	StateWait    TrendState = "WAIT"
	StateEntered TrendState = "ENTERED"
)

// ExitReason enumerates the only reasons a position may be closed. There
// is deliberately no time-based "EOD_CLOSE" reason: exits are driven
// exclusively by price conditions (see strategy.Evaluate).
type ExitReason string

const (
	ExitATRStopLoss    ExitReason = "ATR_STOP_LOSS"
	ExitATRTakeProfit  ExitReason = "ATR_TAKE_PROFIT"
	ExitTrailingStop   ExitReason = "TRAILING_STOP"
	ExitTrendBroken    ExitReason = "TREND_BROKEN"
	ExitGapProtection  ExitReason = "GAP_PROTECTION"
	ExitManual         ExitReason = "MANUAL_EXIT"
	ExitKillSwitch     ExitReason = "KILL_SWITCH"
)

// Position is a held multi-day trend position. ATRAtEntry and StopLoss are
// frozen the instant the position opens — no component may recompute them
// while the position is open (the one invariant this engine exists to
// enforce: see strategy.Evaluate).
type Position struct {
	Symbol         Symbol
	Side           Side
	EntryPrice     decimal.Decimal
	Quantity       int
	ATRAtEntry     decimal.Decimal // frozen at entry, never recomputed
	StopLoss       decimal.Decimal
	TakeProfit     decimal.Decimal // zero value means trailing-only
	TrailingStop   decimal.Decimal
	HighestPrice   decimal.Decimal
	EntryDate      time.Time
	EntryTime      time.Time
	State          TrendState
	StrategyID     string
	SignalID       string
}

// UpdateHighestPrice raises HighestPrice if current exceeds it. Returns
// true if it changed. Trailing stop is never lowered — only ratcheted up
// by the caller once HighestPrice moves.
func (p *Position) UpdateHighestPrice(current decimal.Decimal) bool {
	if current.GreaterThan(p.HighestPrice) {
		p.HighestPrice = current
		return true
	}
	return false
}

// PendingExit tracks a sticky retry of an exit signal that has not yet
// been confirmed filled. It is re-attempted on every tick until it
// succeeds or goes stale (72h per spec).
type PendingExit struct {
	Symbol      Symbol
	Reason      ExitReason
	RequestedAt time.Time
	Attempts    int
	LastError   string
}

// Stale reports whether the pending exit has exceeded the 72h staleness
// window measured from now.
func (p PendingExit) Stale(now time.Time) bool {
	return now.Sub(p.RequestedAt) > 72*time.Hour
}

// OrderStatus is the canonical status of a broker order, used both by the
// order-state journal and by the synchronizer's terminal-outcome mapping.
// Status transitions are monotone except PARTIAL -> PARTIAL (repeated
// partial fills are allowed to update FilledQty without advancing state).
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusSubmitted OrderStatus = "SUBMITTED"
	OrderStatusPartial   OrderStatus = "PARTIAL"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusFailed    OrderStatus = "FAILED"
)

// terminalOrderStatuses is the set of statuses past which no transition
// is legal.
var terminalOrderStatuses = map[OrderStatus]bool{
	OrderStatusFilled:    true,
	OrderStatusCancelled: true,
	OrderStatusFailed:    true,
}

// IsTerminal reports whether s is a terminal order status.
func (s OrderStatus) IsTerminal() bool { return terminalOrderStatuses[s] }

// CanTransitionTo enforces the journal's monotone status rule.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	if s == next && s == OrderStatusPartial {
		return true // PARTIAL -> PARTIAL allowed (qty update)
	}
	if s.IsTerminal() {
		return false
	}
	order := map[OrderStatus]int{
		OrderStatusPending:   0,
		OrderStatusSubmitted: 1,
		OrderStatusPartial:   2,
		OrderStatusFilled:    3,
		OrderStatusCancelled: 3,
		OrderStatusFailed:    3,
	}
	return order[next] >= order[s]
}

// OrderState is a journal row: one per idempotency key, keyed content-
// addressably so a resubmission of the same logical intent never double
// places.
type OrderState struct {
	IdempotencyKey string
	Mode           string
	Symbol         Symbol
	Side           Side
	RequestedQty   int
	FilledQty      int
	Status         OrderStatus
	BrokerOrderID  string
	SignalID       string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Fill is a single broker execution report. Dedup key is ExecID when the
// broker supplies one, otherwise the (OrderNo, ExecutedAt, Price, Qty)
// tuple.
type Fill struct {
	ExecID      string
	OrderNo     string
	Symbol      Symbol
	Side        Side
	Price       decimal.Decimal
	Quantity    int
	ExecutedAt  time.Time
}

// DedupKey returns the key used to suppress duplicate fill processing.
func (f Fill) DedupKey() string {
	if f.ExecID != "" {
		return "exec:" + f.ExecID
	}
	return fmt.Sprintf("synth:%s:%d:%s:%d", f.OrderNo, f.ExecutedAt.UnixNano(), f.Price.String(), f.Quantity)
}

// DailyPnL tracks realized/unrealized P&L for a single KST calendar date.
// Reset occurs at the KST date boundary (see risk.Manager.rollDailyLocked).
type DailyPnL struct {
	Date          time.Time
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	ConsecutiveLosses int
}

// Total returns realized + unrealized P&L.
func (d DailyPnL) Total() decimal.Decimal {
	return d.RealizedPnL.Add(d.UnrealizedPnL)
}

// KillSwitchState is the kill switch's own state machine, independent of
// TrendState: off (normal), armed (a trip condition was observed but the
// grace window hasn't elapsed), tripped (trading halted).
type KillSwitchState string

const (
	KillSwitchOff     KillSwitchState = "off"
	KillSwitchArmed   KillSwitchState = "armed"
	KillSwitchTripped KillSwitchState = "tripped"
)

// RiskState is the risk manager's persisted state, one row for the whole
// account (not per-symbol).
type RiskState struct {
	CumulativeDrawdownPct decimal.Decimal
	PeakEquity            decimal.Decimal
	KillSwitch            KillSwitchState
	KillSwitchReason      string
	KillSwitchArmedAt     time.Time
	KillSwitchTrippedAt   time.Time
}

// AccountSnapshot is a cached view of broker account state, refreshed on
// a ≥60s TTL per spec (the broker is never polled on every tick).
type AccountSnapshot struct {
	Equity        decimal.Decimal
	AvailableCash decimal.Decimal
	FetchedAt     time.Time
}

// Stale reports whether the snapshot is older than the given TTL.
func (a AccountSnapshot) Stale(now time.Time, ttl time.Duration) bool {
	return now.Sub(a.FetchedAt) >= ttl
}

// UniverseSelection is one day's selected trading universe.
type UniverseSelection struct {
	Date            time.Time
	Method          string
	Symbols         []Symbol
	HoldingsFirst   []Symbol // symbols already held, always retained
	EntryCandidates []Symbol // Symbols minus HoldingsFirst

	SavedAt                 time.Time // when this selection was last (re)computed
	MarketOpenRefreshedFlag bool      // true once the one-time post-open recompute has run today
}

// ReconcileOutcome classifies the three-way merge between the stored
// position, the broker's reported holding, and the journal's in-flight
// order state (§4.8). Independent of TrendState and KillSwitchState.
type ReconcileOutcome string

const (
	ReconcileNoPosition           ReconcileOutcome = "NO_POSITION"
	ReconcileMatched              ReconcileOutcome = "MATCHED"
	ReconcileQtyAdjusted          ReconcileOutcome = "QTY_ADJUSTED"
	ReconcileAutoRecoveredFromAPI ReconcileOutcome = "AUTO_RECOVERED_FROM_API"
	ReconcileUntrackedHolding     ReconcileOutcome = "UNTRACKED_HOLDING"
	ReconcileStoredInvalid        ReconcileOutcome = "STORED_INVALID"
	ReconcileCriticalMismatch     ReconcileOutcome = "CRITICAL_MISMATCH"
	ReconcileAPIFailed            ReconcileOutcome = "API_FAILED"
)

// ClosedTrade is one append-only row of realized trade history: written
// once per full or partial exit fill, used by the analytics package to
// compute win rate, drawdown, Sharpe ratio and per-strategy breakdowns.
// Unlike Position (mutable, one row per open symbol), ClosedTrade rows
// accumulate forever and are never updated in place.
type ClosedTrade struct {
	Symbol     Symbol
	StrategyID string
	SignalID   string
	Side       Side
	Quantity   int
	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal
	EntryTime  time.Time
	ExitTime   time.Time
	ExitReason ExitReason
	PnL        decimal.Decimal
}
