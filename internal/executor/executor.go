// Package executor orchestrates one symbol end-to-end: fetch bars and
// quote, run the strategy, gate through risk, submit via the
// synchronizer, and persist the result — the tick algorithm of §4.9.
//
// Grounded on the teacher's per-tick loop in registerMarketJobs
// (cmd/engine/main.go): fetch funds/holdings → run each strategy →
// validate through risk → place order → poll for fill → update
// tracking state. The Go port narrows that shared, multi-symbol loop
// into one object per symbol holding its own Strategy/PendingExit
// state, since no two symbols may share strategy state (§5).
package executor

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kis-trend-atr/engine/internal/broker"
	"github.com/kis-trend-atr/engine/internal/config"
	"github.com/kis-trend-atr/engine/internal/domain"
	"github.com/kis-trend-atr/engine/internal/eventbus"
	"github.com/kis-trend-atr/engine/internal/kst"
	"github.com/kis-trend-atr/engine/internal/marketclock"
	"github.com/kis-trend-atr/engine/internal/risk"
	"github.com/kis-trend-atr/engine/internal/store"
	"github.com/kis-trend-atr/engine/internal/strategy"
	"github.com/kis-trend-atr/engine/internal/syncer"
)

// emergencyReasons are the exit reasons the synchronizer submits with
// the tripled timeout and close-auction carve-out.
var emergencyReasons = map[domain.ExitReason]bool{
	domain.ExitATRStopLoss:   true,
	domain.ExitGapProtection: true,
	domain.ExitKillSwitch:    true,
}

// Executor drives one symbol's tick loop. Not safe for concurrent use
// from more than one goroutine — the scheduler runs exactly one
// goroutine per Executor.
type Executor struct {
	symbol   domain.Symbol
	broker   broker.Broker
	calendar *marketclock.Calendar
	store    store.Store
	tradeLog store.TradeLog
	sync     *syncer.Synchronizer
	risk     *risk.Manager
	bus      *eventbus.Bus
	cfg      config.StrategyConfig
	pacing   config.PacingConfig
	calendarEvents *strategy.EventCalendar
	rampUp   *RampUpState
	logger   zerolog.Logger

	position        *domain.Position
	pendingExit     *domain.PendingExit
	allowNewEntries bool
	lastSkipLogAt   time.Time
	alertedBuckets  map[string]bool
	lastBalance     broker.AccountBalance
}

// New builds an Executor for symbol, loading any previously stored
// position and pending exit.
func New(
	symbol domain.Symbol,
	b broker.Broker,
	calendar *marketclock.Calendar,
	s store.Store,
	tradeLog store.TradeLog,
	sync *syncer.Synchronizer,
	riskMgr *risk.Manager,
	bus *eventbus.Bus,
	cfg config.StrategyConfig,
	pacing config.PacingConfig,
	calendarEvents *strategy.EventCalendar,
	rampUp *RampUpState,
	logger zerolog.Logger,
) *Executor {
	return &Executor{
		symbol: symbol, broker: b, calendar: calendar, store: s, tradeLog: tradeLog, sync: sync,
		risk: riskMgr, bus: bus, cfg: cfg, pacing: pacing, calendarEvents: calendarEvents, rampUp: rampUp,
		logger: logger, allowNewEntries: true, alertedBuckets: make(map[string]bool),
	}
}

// TickResult reports what one RunOnce call did, and how long the
// scheduler should sleep before the next tick for this symbol.
type TickResult struct {
	NextInterval time.Duration
	Err          error
}

// Hydrate loads the symbol's stored position and pending exit. Call
// once at startup after reconciliation.
func (e *Executor) Hydrate(ctx context.Context) error {
	pos, err := e.store.Load(ctx, e.symbol)
	if err != nil {
		return err
	}
	e.position = pos

	pending, err := e.store.LoadPendingExit(ctx, e.symbol)
	if err != nil {
		return err
	}
	e.pendingExit = pending
	return nil
}

// SetAllowNewEntries gates new BUY signals — cleared by a reconcile
// outcome other than NO_POSITION/MATCHED and restored by a subsequent
// clean reconciliation (§4.8).
func (e *Executor) SetAllowNewEntries(allow bool) { e.allowNewEntries = allow }

// Flush persists the in-memory position and pending exit back to the
// store, used on clean shutdown so a restart resumes from exactly what
// was in memory rather than whatever was last written mid-tick.
func (e *Executor) Flush(ctx context.Context) error {
	if e.position != nil {
		if err := e.store.Save(ctx, *e.position); err != nil {
			return err
		}
	}
	if e.pendingExit != nil {
		if err := e.store.SavePendingExit(ctx, *e.pendingExit); err != nil {
			return err
		}
	}
	return nil
}

// RunOnce executes a single tick for this symbol.
func (e *Executor) RunOnce(ctx context.Context, cb *risk.CircuitBreaker) TickResult {
	now := kst.SystemClock{}.Now()

	snap, err := e.broker.GetAccountBalance(ctx)
	if err == nil {
		e.lastBalance = snap
		e.risk.UpdateAccountSnapshot(domain.AccountSnapshot{
			Equity: snap.TotalEquity, AvailableCash: snap.Cash, FetchedAt: now,
		})
	}

	if d := e.risk.CheckKillSwitch(); !d.Passed {
		if e.position != nil {
			_ = e.store.Save(ctx, *e.position)
		}
		e.bus.Publish(eventbus.Event{Type: eventbus.KillSwitchTripped, Symbol: e.symbol, At: now,
			Payload: eventbus.KillSwitchTrippedPayload{Reason: d.Reason}})
		return TickResult{NextInterval: e.closedInterval()}
	}

	if e.position == nil {
		if tradeable, reason := e.calendar.Tradeable(now); !tradeable {
			if now.Sub(e.lastSkipLogAt) > 5*time.Minute {
				e.logger.Info().Str("symbol", string(e.symbol)).Str("reason", reason).Msg("market not tradeable, skipping")
				e.lastSkipLogAt = now
			}
			return TickResult{NextInterval: e.closedInterval()}
		}
	}

	bars, err := e.broker.GetDailyOHLCV(ctx, e.symbol, now.AddDate(0, -6, 0), now)
	if err != nil {
		return TickResult{NextInterval: e.defaultInterval(), Err: err}
	}
	if len(bars) == 0 {
		return TickResult{NextInterval: e.defaultInterval(), Err: errNoBars}
	}

	quote, err := e.broker.GetCurrentPrice(ctx, e.symbol)
	if err != nil || !quote.Price.IsPositive() {
		return TickResult{NextInterval: e.defaultInterval(), Err: errBadQuote}
	}

	if cb != nil && cb.NetworkUnavailable() {
		e.logger.Warn().Str("symbol", string(e.symbol)).Msg("network unavailable, refusing action this tick")
		return TickResult{NextInterval: e.defaultInterval()}
	}

	signal := strategy.Evaluate(bars, quote.Price, quote.Open, e.position, e.cfg, e.calendarEvents)
	e.bus.Publish(eventbus.Event{Type: eventbus.SignalComputed, Symbol: e.symbol, At: now,
		Payload: eventbus.SignalComputedPayload{Signal: signal}})

	switch signal.Type {
	case strategy.SignalBuy:
		e.handleBuy(ctx, signal, now)
	case strategy.SignalSell:
		e.handleSell(ctx, signal, now)
	default:
		e.handleHold(signal, now)
	}

	return TickResult{NextInterval: e.intervalFor(signal)}
}

func (e *Executor) handleBuy(ctx context.Context, signal strategy.Signal, now time.Time) {
	if !e.allowNewEntries {
		e.logger.Info().Str("symbol", string(e.symbol)).Msg("new entries gated off, skipping BUY signal")
		return
	}
	if d := e.risk.CheckOrderAllowed(false); !d.Passed {
		e.bus.Publish(eventbus.Event{Type: eventbus.RiskCheckFailed, Symbol: e.symbol, At: now,
			Payload: eventbus.RiskCheckFailedPayload{Rule: "order_allowed", Message: d.Reason}})
		return
	}

	qty := e.positionSize(signal)
	if qty <= 0 {
		return
	}

	signalID := domain.SignalID(e.symbol, domain.SideBuy, signal.Price.String(), now)
	result, err := e.sync.ExecuteBuy(ctx, e.symbol, qty, signalID, false)
	e.bus.Publish(eventbus.Event{Type: eventbus.OrderSubmitted, Symbol: e.symbol, At: now,
		Payload: eventbus.OrderPayload{Side: domain.SideBuy, Qty: qty, Result: result}})
	if err != nil || !result.Success {
		return
	}

	if e.position == nil {
		pos := domain.Position{
			Symbol: e.symbol, Side: domain.SideBuy, EntryPrice: result.ExecPrice,
			Quantity: result.ExecQty, ATRAtEntry: signal.ATR, StopLoss: signal.StopLoss,
			TakeProfit: signal.TakeProfit, TrailingStop: signal.TrailingStop,
			HighestPrice: signal.HighestPrice, EntryDate: now, EntryTime: now,
			State: domain.StateEntered, SignalID: signalID,
		}
		e.position = &pos
	} else if e.cfg.AllowScaleIn {
		e.position.EntryPrice = weightedAverage(e.position.EntryPrice, e.position.Quantity, result.ExecPrice, result.ExecQty)
		e.position.Quantity += result.ExecQty
	}

	_ = e.store.Save(ctx, *e.position)
	e.risk.RecordTradePnL(decimal.Zero)
	e.bus.Publish(eventbus.Event{Type: eventbus.PositionOpened, Symbol: e.symbol, At: now,
		Payload: eventbus.PositionPayload{Position: *e.position}})
}

func (e *Executor) handleSell(ctx context.Context, signal strategy.Signal, now time.Time) {
	if e.position == nil {
		return
	}
	if e.pendingExit != nil && !e.retryDue(now) {
		return
	}

	emergency := emergencyReasons[signal.ExitReason]
	signalID := domain.SignalID(e.symbol, domain.SideSell, signal.Price.String(), now)
	result, err := e.sync.ExecuteSell(ctx, e.symbol, e.position.Quantity, signalID, false, emergency)
	e.bus.Publish(eventbus.Event{Type: eventbus.OrderSubmitted, Symbol: e.symbol, At: now,
		Payload: eventbus.OrderPayload{Side: domain.SideSell, Qty: e.position.Quantity, Result: result}})

	switch {
	case err != nil:
		e.setPendingExit(ctx, signal.ExitReason, now, err.Error())

	case result.Type == syncer.ResultMarketClosed:
		e.setPendingExit(ctx, signal.ExitReason, now, "market closed")

	case result.Success && result.ExecQty >= e.position.Quantity:
		pnl := result.ExecPrice.Sub(e.position.EntryPrice).Mul(decimal.NewFromInt(int64(e.position.Quantity)))
		e.risk.RecordTradePnL(pnl)
		e.bus.Publish(eventbus.Event{Type: eventbus.PositionClosed, Symbol: e.symbol, At: now,
			Payload: eventbus.PositionPayload{Position: *e.position, PnL: pnl, Reason: signal.ExitReason}})
		e.appendClosedTrade(ctx, result.ExecPrice, e.position.Quantity, now, signal)
		_ = e.store.Clear(ctx, e.symbol)
		e.clearPendingExit(ctx)
		e.position = nil

	case result.Type == syncer.ResultPartial && result.ExecQty > 0:
		pnl := result.ExecPrice.Sub(e.position.EntryPrice).Mul(decimal.NewFromInt(int64(result.ExecQty)))
		e.risk.RecordTradePnL(pnl)
		e.appendClosedTrade(ctx, result.ExecPrice, result.ExecQty, now, signal)
		e.position.Quantity -= result.ExecQty
		_ = e.store.Save(ctx, *e.position)
		e.bus.Publish(eventbus.Event{Type: eventbus.OrderPartial, Symbol: e.symbol, At: now,
			Payload: eventbus.OrderPayload{Side: domain.SideSell, Qty: result.ExecQty, Result: result}})
		e.clearPendingExit(ctx)

	default:
		e.setPendingExit(ctx, signal.ExitReason, now, result.Message)
	}
}

func (e *Executor) handleHold(signal strategy.Signal, now time.Time) {
	if e.position == nil {
		return
	}
	bucket := nearThresholdBucket(signal.NearStopPct, signal.NearTPPct)
	if bucket == "" {
		return
	}
	key := string(e.symbol) + ":" + bucket
	if e.alertedBuckets[key] {
		return
	}
	e.alertedBuckets[key] = true
	e.logger.Info().Str("symbol", string(e.symbol)).Str("bucket", bucket).Msg("near-threshold alert")
}

func (e *Executor) retryDue(now time.Time) bool {
	backoff := time.Duration(5) * time.Minute
	return now.After(e.pendingExit.RequestedAt.Add(backoff))
}

func (e *Executor) setPendingExit(ctx context.Context, reason domain.ExitReason, now time.Time, lastErr string) {
	if e.pendingExit == nil {
		e.pendingExit = &domain.PendingExit{Symbol: e.symbol, Reason: reason, RequestedAt: now, Attempts: 1, LastError: lastErr}
	} else {
		e.pendingExit.RequestedAt = now
		e.pendingExit.Attempts++
		e.pendingExit.LastError = lastErr
	}
	_ = e.store.SavePendingExit(ctx, *e.pendingExit)
}

// appendClosedTrade records one realized exit (full or partial) to the
// trade log for analytics/reporting. qty is the quantity actually filled
// by this exit, which may be less than the position's full size on a
// partial fill. Best-effort: a logging failure here must never block the
// exit itself, which has already reached the broker.
func (e *Executor) appendClosedTrade(ctx context.Context, exitPrice decimal.Decimal, qty int, now time.Time, signal strategy.Signal) {
	if e.tradeLog == nil {
		return
	}
	pnl := exitPrice.Sub(e.position.EntryPrice).Mul(decimal.NewFromInt(int64(qty)))
	trade := domain.ClosedTrade{
		Symbol:     e.symbol,
		StrategyID: e.position.StrategyID,
		SignalID:   e.position.SignalID,
		Side:       domain.SideSell,
		Quantity:   qty,
		EntryPrice: e.position.EntryPrice,
		ExitPrice:  exitPrice,
		EntryTime:  e.position.EntryTime,
		ExitTime:   now,
		ExitReason: signal.ExitReason,
		PnL:        pnl,
	}
	if err := e.tradeLog.Append(ctx, trade); err != nil {
		e.logger.Warn().Err(err).Str("symbol", string(e.symbol)).Msg("trade log append failed")
	}
}

func (e *Executor) clearPendingExit(ctx context.Context) {
	if e.pendingExit == nil {
		return
	}
	_ = e.store.ClearPendingExit(ctx, e.symbol)
	e.pendingExit = nil
}

// positionSize sizes a new entry as 95% of available cash divided by the
// signal price, scaled by the REAL-mode ramp-up factor. The signal's stop
// distance and the account's max-loss percentage do not enter the size.
func (e *Executor) positionSize(signal strategy.Signal) int {
	if !e.lastBalance.Cash.IsPositive() || !signal.Price.IsPositive() {
		return 0
	}
	maxSpend := e.lastBalance.Cash.Mul(decimal.NewFromFloat(0.95))
	qty := maxSpend.Div(signal.Price).Mul(e.rampUp.consume()).IntPart()
	if qty <= 0 {
		return 0
	}
	return int(qty)
}

func (e *Executor) defaultInterval() time.Duration {
	return time.Duration(e.pacing.DefaultExecutionIntervalSeconds) * time.Second
}

func (e *Executor) closedInterval() time.Duration {
	return time.Duration(e.pacing.ClosedMarketSleepSeconds) * time.Second
}

func (e *Executor) intervalFor(signal strategy.Signal) time.Duration {
	threshold := decimal.NewFromFloat(e.pacing.NearStopLossThresholdPct)
	if signal.NearStopPct.GreaterThanOrEqual(threshold) {
		return time.Duration(e.pacing.NearStopLossExecutionIntervalSeconds) * time.Second
	}
	interval := e.defaultInterval()
	floor := 15 * time.Second
	if interval < floor {
		return floor
	}
	return interval
}

func weightedAverage(priceA decimal.Decimal, qtyA int, priceB decimal.Decimal, qtyB int) decimal.Decimal {
	totalQty := qtyA + qtyB
	if totalQty == 0 {
		return priceA
	}
	weighted := priceA.Mul(decimal.NewFromInt(int64(qtyA))).Add(priceB.Mul(decimal.NewFromInt(int64(qtyB))))
	return weighted.Div(decimal.NewFromInt(int64(totalQty)))
}

// nearThresholdBucket returns a coarse alert bucket ("stop_90", "tp_90",
// ...) so the executor emits at most one alert per bucket per position,
// not one per tick.
func nearThresholdBucket(nearStopPct, nearTPPct decimal.Decimal) string {
	ninety := decimal.NewFromInt(90)
	if nearStopPct.GreaterThanOrEqual(ninety) {
		return "stop_90"
	}
	if nearTPPct.GreaterThanOrEqual(ninety) {
		return "tp_90"
	}
	return ""
}
