// Package strategy - trendatr.go implements the multi-day trend-ATR
// strategy (spec §4.6): a pure function of (bars, tick price, open
// price, position) -> Signal. Hold-until-exit, never time-based: there
// is deliberately no end-of-day forced liquidation anywhere in this
// file. ATR is fixed at entry and never recomputed while a position is
// open — the one invariant this strategy exists to enforce.
//
// Grounded on the teacher's trend_follow.go (entry/exit decision shape,
// ATR stop-loss calculation) generalized from AI-score gates to the
// pure ATR/ADX/SMA rule this engine trades on.
package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kis-trend-atr/engine/internal/config"
	"github.com/kis-trend-atr/engine/internal/domain"
	"github.com/kis-trend-atr/engine/internal/indicators"
)

// Trend is the strategy's read of market direction, distinct from
// domain.TrendState (the position's own WAIT/ENTERED state machine).
type Trend string

const (
	TrendUp       Trend = "UP"
	TrendDown     Trend = "DOWN"
	TrendSideways Trend = "SIDEWAYS"
)

// Type is the kind of decision a Signal carries.
type Type string

const (
	SignalBuy  Type = "BUY"
	SignalSell Type = "SELL"
	SignalHold Type = "HOLD"
)

// GapInfo explains a gap-protection evaluation, present on a Signal only
// when gap protection is enabled and an open price was supplied.
type GapInfo struct {
	OpenPrice      decimal.Decimal
	ReferencePrice decimal.Decimal
	ReferenceType  string
	GapLossPct     decimal.Decimal
}

// Signal is the strategy's decision for one symbol on one evaluation.
type Signal struct {
	Type         Type
	Price        decimal.Decimal
	StopLoss     decimal.Decimal
	TakeProfit   decimal.Decimal // zero value means trailing-only
	TrailingStop decimal.Decimal
	HighestPrice decimal.Decimal // updated highest price, for the caller to persist
	ExitReason   domain.ExitReason
	ReasonCode   string
	ATR          decimal.Decimal
	Trend        Trend
	NearStopPct  decimal.Decimal
	NearTPPct    decimal.Decimal
	Gap          *GapInfo
}

// EventCalendar reports whether a date falls on a configured high-risk
// event (earnings, FOMC, etc.) on which the strategy refuses new entries.
type EventCalendar struct {
	dates map[string]struct{}
}

// NewEventCalendar builds a calendar from "YYYY-MM-DD" dates.
func NewEventCalendar(dates []string) *EventCalendar {
	m := make(map[string]struct{}, len(dates))
	for _, d := range dates {
		m[d] = struct{}{}
	}
	return &EventCalendar{dates: m}
}

// IsHighRisk reports whether date (any location) falls on a configured
// high-risk event date.
func (c *EventCalendar) IsHighRisk(date time.Time) bool {
	if c == nil {
		return false
	}
	_, ok := c.dates[date.Format("2006-01-02")]
	return ok
}

// Evaluate is the strategy's single entry point. bars must be
// date-ordered ascending and contain no gaps. position is nil when no
// position is currently open (WAIT state); non-nil means ENTERED.
func Evaluate(
	bars []domain.Bar,
	tickPrice decimal.Decimal,
	openPrice decimal.Decimal,
	position *domain.Position,
	cfg config.StrategyConfig,
	calendar *EventCalendar,
) Signal {
	if position != nil {
		return evaluateExit(bars, tickPrice, openPrice, position, cfg)
	}
	return evaluateEntry(bars, tickPrice, cfg, calendar)
}

func evaluateEntry(bars []domain.Bar, tickPrice decimal.Decimal, cfg config.StrategyConfig, calendar *EventCalendar) Signal {
	if len(bars) < cfg.TrendMAPeriod {
		return Signal{Type: SignalHold, Price: tickPrice, Trend: TrendSideways,
			ReasonCode: fmt.Sprintf("insufficient history: %d bars < ma_period %d", len(bars), cfg.TrendMAPeriod)}
	}

	atrSeries := indicators.ATR(bars, cfg.ATRPeriod)
	latestATR := atrSeries[len(atrSeries)-1]
	if math.IsNaN(latestATR) {
		return Signal{Type: SignalHold, Price: tickPrice, Trend: TrendSideways, ReasonCode: "ATR not yet computed"}
	}

	lookback := cfg.ATRPeriod * 2
	if indicators.IsSpiking(atrSeries, len(atrSeries)-1, lookback, cfg.ATRSpikeThreshold) {
		return Signal{Type: SignalHold, Price: tickPrice, ATR: decimal.NewFromFloat(latestATR), Trend: TrendSideways,
			ReasonCode: fmt.Sprintf("ATR spiking relative to %d-bar average", lookback)}
	}

	adxSeries := indicators.ADX(bars, cfg.ADXPeriod)
	latestADX := adxSeries[len(adxSeries)-1]
	if math.IsNaN(latestADX) || latestADX < cfg.ADXThreshold {
		return Signal{Type: SignalHold, Price: tickPrice, ATR: decimal.NewFromFloat(latestATR), Trend: TrendSideways,
			ReasonCode: fmt.Sprintf("trend strength insufficient: ADX %.1f < %.1f", latestADX, cfg.ADXThreshold)}
	}

	smaSeries := indicators.SMA(bars, cfg.TrendMAPeriod)
	latestSMA := smaSeries[len(smaSeries)-1]
	latestClose, _ := bars[len(bars)-1].Close.Float64()

	trend := TrendDown
	if latestClose > latestSMA {
		trend = TrendUp
	}
	if trend != TrendUp {
		return Signal{Type: SignalHold, Price: tickPrice, ATR: decimal.NewFromFloat(latestATR), Trend: trend,
			ReasonCode: "trend is not UP"}
	}

	if len(bars) < 2 {
		return Signal{Type: SignalHold, Price: tickPrice, ATR: decimal.NewFromFloat(latestATR), Trend: trend,
			ReasonCode: "no previous bar for breakout check"}
	}
	prevHigh := bars[len(bars)-2].High
	if tickPrice.LessThanOrEqual(prevHigh) {
		return Signal{Type: SignalHold, Price: tickPrice, ATR: decimal.NewFromFloat(latestATR), Trend: trend,
			ReasonCode: fmt.Sprintf("no breakout: %s <= previous high %s", tickPrice, prevHigh)}
	}

	if calendar.IsHighRisk(bars[len(bars)-1].Date) {
		return Signal{Type: SignalHold, Price: tickPrice, ATR: decimal.NewFromFloat(latestATR), Trend: trend,
			ReasonCode: "high-risk event date"}
	}

	atr := decimal.NewFromFloat(latestATR)
	entry := tickPrice
	atrStop := entry.Sub(atr.Mul(decimal.NewFromFloat(cfg.ATRMultiplierSL)))
	maxLossStop := entry.Mul(decimal.NewFromFloat(1).Sub(decimal.NewFromFloat(cfg.MaxLossPct / 100)))
	stopLoss := decimalMax(atrStop, maxLossStop, decimal.Zero)
	takeProfit := entry.Add(atr.Mul(decimal.NewFromFloat(cfg.ATRMultiplierTP)))

	return Signal{
		Type:         SignalBuy,
		Price:        entry,
		StopLoss:     stopLoss,
		TakeProfit:   takeProfit,
		TrailingStop: stopLoss,
		HighestPrice: entry,
		ATR:          atr,
		Trend:        trend,
		ReasonCode:   fmt.Sprintf("uptrend (ADX %.1f) breakout above %s", latestADX, prevHigh),
	}
}

func evaluateExit(bars []domain.Bar, tickPrice, openPrice decimal.Decimal, position *domain.Position, cfg config.StrategyConfig) Signal {
	atr := position.ATRAtEntry
	trend := TrendSideways
	if len(bars) >= cfg.TrendMAPeriod {
		sma := indicators.SMA(bars, cfg.TrendMAPeriod)
		latestClose, _ := bars[len(bars)-1].Close.Float64()
		if latestClose > sma[len(sma)-1] {
			trend = TrendUp
		} else {
			trend = TrendDown
		}
	}

	base := Signal{
		Price:        tickPrice,
		StopLoss:     position.StopLoss,
		TakeProfit:   position.TakeProfit,
		TrailingStop: position.TrailingStop,
		HighestPrice: position.HighestPrice,
		ATR:          atr,
		Trend:        trend,
		NearStopPct:  nearStopPct(position, tickPrice),
		NearTPPct:    nearTPPct(position, tickPrice),
	}

	// 1. Gap protection.
	if cfg.EnableGapProtection && openPrice.IsPositive() {
		reference := gapReference(position, bars, cfg.GapReference)
		if reference.IsPositive() {
			gapLossPct := reference.Sub(openPrice).Div(reference).Mul(decimal.NewFromInt(100))
			base.Gap = &GapInfo{OpenPrice: openPrice, ReferencePrice: reference, ReferenceType: cfg.GapReference, GapLossPct: gapLossPct}
			if gapLossPct.Add(decimal.NewFromFloat(cfg.GapEpsilonPct)).GreaterThanOrEqual(decimal.NewFromFloat(cfg.MaxGapLossPct)) {
				base.Type = SignalSell
				base.ExitReason = domain.ExitGapProtection
				base.ReasonCode = fmt.Sprintf("gap protection: open %s gapped %.2f%% below %s reference %s",
					openPrice, mustFloat(gapLossPct), cfg.GapReference, reference)
				return base
			}
		}
	}

	// 2. ATR stop-loss.
	if tickPrice.LessThanOrEqual(position.StopLoss) {
		base.Type = SignalSell
		base.ExitReason = domain.ExitATRStopLoss
		base.ReasonCode = fmt.Sprintf("ATR stop-loss hit: %s <= %s", tickPrice, position.StopLoss)
		return base
	}

	// 3. ATR take-profit.
	if position.TakeProfit.IsPositive() && tickPrice.GreaterThanOrEqual(position.TakeProfit) {
		base.Type = SignalSell
		base.ExitReason = domain.ExitATRTakeProfit
		base.ReasonCode = fmt.Sprintf("ATR take-profit hit: %s >= %s", tickPrice, position.TakeProfit)
		return base
	}

	// 4. Trailing stop, gated by the activation threshold. Ratchets up,
	// never down.
	if cfg.EnableTrailingStop {
		pnlPct := tickPrice.Sub(position.EntryPrice).Div(position.EntryPrice).Mul(decimal.NewFromInt(100))
		if pnlPct.GreaterThanOrEqual(decimal.NewFromFloat(cfg.TrailingStopActivationPct)) {
			if tickPrice.GreaterThan(base.HighestPrice) {
				base.HighestPrice = tickPrice
				newTrailing := base.HighestPrice.Sub(atr.Mul(decimal.NewFromFloat(cfg.TrailingStopATRMultiplier)))
				if newTrailing.GreaterThan(base.TrailingStop) {
					base.TrailingStop = newTrailing
				}
			}
			if base.TrailingStop.IsPositive() && tickPrice.LessThanOrEqual(base.TrailingStop) {
				base.Type = SignalSell
				base.ExitReason = domain.ExitTrailingStop
				base.ReasonCode = fmt.Sprintf("trailing stop hit: %s <= %s (highest %s)", tickPrice, base.TrailingStop, base.HighestPrice)
				return base
			}
		}
	}

	// 5. Trend reversal, config-gated.
	if cfg.EnableTrendReversalExit && len(bars) >= cfg.TrendMAPeriod+1 {
		if broken, reason := detectTrendReversal(bars, cfg); broken {
			base.Type = SignalSell
			base.ExitReason = domain.ExitTrendBroken
			base.ReasonCode = reason
			return base
		}
	}

	base.Type = SignalHold
	base.ReasonCode = "no exit condition met"
	return base
}

// detectTrendReversal mirrors the original's MA cross-down / ADX
// collapse check: either the close crosses below the SMA, or ADX falls
// below 20 having been at or above 25 on the previous bar.
func detectTrendReversal(bars []domain.Bar, cfg config.StrategyConfig) (bool, string) {
	sma := indicators.SMA(bars, cfg.TrendMAPeriod)
	adx := indicators.ADX(bars, cfg.ADXPeriod)

	n := len(bars)
	latestClose, _ := bars[n-1].Close.Float64()
	prevClose, _ := bars[n-2].Close.Float64()
	latestSMA, prevSMA := sma[n-1], sma[n-2]

	if !math.IsNaN(prevSMA) && !math.IsNaN(latestSMA) && prevClose > prevSMA && latestClose < latestSMA {
		return true, "MA cross-down: trend broken"
	}

	if n-1 < len(adx) && n-2 < len(adx) {
		latestADX, prevADX := adx[n-1], adx[n-2]
		if !math.IsNaN(latestADX) && !math.IsNaN(prevADX) && latestADX < 20 && prevADX >= 25 {
			return true, "ADX collapse: trend weakening"
		}
	}

	return false, ""
}

func gapReference(position *domain.Position, bars []domain.Bar, referenceType string) decimal.Decimal {
	switch referenceType {
	case "stop":
		return position.StopLoss
	case "prev_close":
		if len(bars) == 0 {
			return position.EntryPrice
		}
		return bars[len(bars)-1].Close
	default:
		return position.EntryPrice
	}
}

func nearStopPct(position *domain.Position, current decimal.Decimal) decimal.Decimal {
	if !position.EntryPrice.IsPositive() || !position.StopLoss.IsPositive() {
		return decimal.Zero
	}
	total := position.EntryPrice.Sub(position.StopLoss)
	if !total.IsPositive() {
		return decimal.NewFromInt(100)
	}
	progress := position.EntryPrice.Sub(current)
	return progress.Div(total).Mul(decimal.NewFromInt(100))
}

func nearTPPct(position *domain.Position, current decimal.Decimal) decimal.Decimal {
	if !position.EntryPrice.IsPositive() || !position.TakeProfit.IsPositive() {
		return decimal.Zero
	}
	total := position.TakeProfit.Sub(position.EntryPrice)
	if !total.IsPositive() {
		return decimal.NewFromInt(100)
	}
	progress := current.Sub(position.EntryPrice)
	return progress.Div(total).Mul(decimal.NewFromInt(100))
}

func decimalMax(values ...decimal.Decimal) decimal.Decimal {
	max := values[0]
	for _, v := range values[1:] {
		if v.GreaterThan(max) {
			max = v
		}
	}
	return max
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
