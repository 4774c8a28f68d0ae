// Package analytics computes performance metrics from closed trade records.
//
// It provides:
//   - Win rate, total/average/expectancy P&L
//   - Maximum drawdown (absolute and percentage), including a
//     per-strategy and per-symbol breakdown
//   - Sharpe ratio (annualized, assuming 252 trading days)
//   - Profit factor (gross profits / gross losses)
//   - Average hold time, min/max hold days
//   - Human-readable formatted report
//
// Grounded on original_source's performance/performance_tracker.py
// (PerformanceSummary: win/loss counts, avg_win/avg_loss, expectancy,
// total_return_pct) and report/trade_reporter.py (StockPerformance,
// per-entity drawdown), neither of which the distilled spec carries —
// both are read-only aggregates over the store's closed-trade history,
// so kept as a supplementary `cmd/engine report` surface rather than a
// spec invariant.
//
// All functions are stateless and work on slices of domain.ClosedTrade,
// read via store.TradeLog.All. Money fields arrive as decimal.Decimal but
// the statistics here (Sharpe, drawdown, averages) are computed in
// float64 per spec's "ratios computed in IEEE-754 double" precision
// rule; nothing downstream re-enters money arithmetic, so the precision
// loss from InexactFloat64 is confined to report output.
package analytics

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/kis-trend-atr/engine/internal/domain"
)

// PerformanceReport holds all computed performance metrics.
type PerformanceReport struct {
	// Overall trade stats.
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	WinRate       float64 // percentage (0-100)

	// P&L.
	TotalPnL    float64
	AveragePnL  float64
	GrossProfit float64
	GrossLoss   float64
	AverageWin  float64 // mean P&L of winning trades only
	AverageLoss float64 // mean |P&L| of losing trades only
	MaxWin      float64
	MaxLoss     float64 // reported as a positive magnitude
	Expectancy  float64 // winRate*avgWin - (1-winRate)*avgLoss, per trade

	// Equity.
	InitialCapital float64
	CurrentEquity  float64
	TotalReturnPct float64

	// Risk metrics.
	MaxDrawdown    float64 // absolute drawdown
	MaxDrawdownPct float64 // percentage drawdown from peak
	SharpeRatio    float64 // annualized
	ProfitFactor   float64 // gross profit / gross loss

	// Time metrics.
	AverageHoldDays float64
	MaxHoldDays     int
	MinHoldDays     int

	// Breakdowns.
	StrategyReports map[string]*StrategyReport
	SymbolReports   map[domain.Symbol]*SymbolReport
}

// StrategyReport holds per-strategy performance metrics.
type StrategyReport struct {
	StrategyID      string
	TotalTrades     int
	WinningTrades   int
	LosingTrades    int
	WinRate         float64
	TotalPnL        float64
	AveragePnL      float64
	MaxDrawdown     float64
	MaxDrawdownPct  float64
	SharpeRatio     float64
	AverageHoldDays float64
}

// SymbolReport holds per-symbol performance metrics, grounded on
// original_source's StockPerformance — the teacher's analytics package
// only ever broke trades down by strategy, never by instrument.
type SymbolReport struct {
	Symbol        domain.Symbol
	TotalTrades   int
	WinningTrades int
	WinRate       float64
	TotalPnL      float64
	MaxDrawdown   float64
}

// EquityCurvePoint represents a point on the equity curve.
type EquityCurvePoint struct {
	Date     time.Time
	Equity   float64
	Drawdown float64
}

// Analyze computes the full performance report from a slice of closed trades.
// Trades should have ExitTime set. initialCapital is the starting equity.
// Returns an empty report (not nil) if no trades are provided.
func Analyze(trades []domain.ClosedTrade, initialCapital float64) *PerformanceReport {
	report := &PerformanceReport{
		StrategyReports: make(map[string]*StrategyReport),
		SymbolReports:   make(map[domain.Symbol]*SymbolReport),
		InitialCapital:  initialCapital,
		CurrentEquity:   initialCapital,
	}

	if len(trades) == 0 {
		return report
	}

	// Sort by exit time for sequential analysis.
	sorted := make([]domain.ClosedTrade, len(trades))
	copy(sorted, trades)
	sort.Slice(sorted, func(i, j int) bool {
		return exitTime(sorted[i]).Before(exitTime(sorted[j]))
	})

	strategyPnLs := make(map[string][]float64)
	var totalHoldDays float64
	var pnls []float64
	report.MinHoldDays = math.MaxInt32

	for _, t := range sorted {
		pnl := t.PnL.InexactFloat64()
		pnls = append(pnls, pnl)
		report.TotalTrades++
		report.TotalPnL += pnl

		if pnl > 0 {
			report.WinningTrades++
			report.GrossProfit += pnl
			if pnl > report.MaxWin {
				report.MaxWin = pnl
			}
		} else if pnl < 0 {
			report.LosingTrades++
			report.GrossLoss += math.Abs(pnl)
			if math.Abs(pnl) > report.MaxLoss {
				report.MaxLoss = math.Abs(pnl)
			}
		}

		// Hold time.
		holdDays := holdDaysForTrade(t)
		totalHoldDays += float64(holdDays)
		if holdDays > report.MaxHoldDays {
			report.MaxHoldDays = holdDays
		}
		if holdDays < report.MinHoldDays {
			report.MinHoldDays = holdDays
		}

		// Per-strategy stats.
		sr, ok := report.StrategyReports[t.StrategyID]
		if !ok {
			sr = &StrategyReport{StrategyID: t.StrategyID}
			report.StrategyReports[t.StrategyID] = sr
		}
		sr.TotalTrades++
		sr.TotalPnL += pnl
		sr.AverageHoldDays += float64(holdDays)
		if pnl > 0 {
			sr.WinningTrades++
		} else if pnl < 0 {
			sr.LosingTrades++
		}
		strategyPnLs[t.StrategyID] = append(strategyPnLs[t.StrategyID], pnl)

		// Per-symbol stats.
		sym, ok := report.SymbolReports[t.Symbol]
		if !ok {
			sym = &SymbolReport{Symbol: t.Symbol}
			report.SymbolReports[t.Symbol] = sym
		}
		sym.TotalTrades++
		sym.TotalPnL += pnl
		if pnl > 0 {
			sym.WinningTrades++
		}
	}

	if report.TotalTrades == 0 {
		report.MinHoldDays = 0
		return report
	}

	report.WinRate = float64(report.WinningTrades) / float64(report.TotalTrades) * 100
	report.AveragePnL = report.TotalPnL / float64(report.TotalTrades)
	report.AverageHoldDays = totalHoldDays / float64(report.TotalTrades)

	if report.WinningTrades > 0 {
		report.AverageWin = report.GrossProfit / float64(report.WinningTrades)
	}
	if report.LosingTrades > 0 {
		report.AverageLoss = report.GrossLoss / float64(report.LosingTrades)
	}
	winProb := report.WinRate / 100
	report.Expectancy = winProb*report.AverageWin - (1-winProb)*report.AverageLoss

	if report.GrossLoss > 0 {
		report.ProfitFactor = report.GrossProfit / report.GrossLoss
	} else if report.GrossProfit > 0 {
		report.ProfitFactor = math.Inf(1)
	}

	// Max drawdown from the overall equity curve.
	report.MaxDrawdown, report.MaxDrawdownPct, report.CurrentEquity = maxDrawdown(initialCapital, pnls)
	if initialCapital > 0 {
		report.TotalReturnPct = (report.CurrentEquity - initialCapital) / initialCapital * 100
	}

	report.SharpeRatio = round4(computeSharpeRatio(pnls))

	// Per-strategy drawdown/Sharpe/win rate, computed the same way as
	// the overall figures instead of left unset.
	for id, sr := range report.StrategyReports {
		if sr.TotalTrades == 0 {
			continue
		}
		sr.WinRate = float64(sr.WinningTrades) / float64(sr.TotalTrades) * 100
		sr.AveragePnL = sr.TotalPnL / float64(sr.TotalTrades)
		sr.AverageHoldDays = sr.AverageHoldDays / float64(sr.TotalTrades)
		sr.MaxDrawdown, sr.MaxDrawdownPct, _ = maxDrawdown(0, strategyPnLs[id])
		sr.SharpeRatio = round4(computeSharpeRatio(strategyPnLs[id]))
	}

	for sym, sr := range report.SymbolReports {
		if sr.TotalTrades == 0 {
			continue
		}
		sr.WinRate = float64(sr.WinningTrades) / float64(sr.TotalTrades) * 100
		var symPnLs []float64
		for _, t := range sorted {
			if t.Symbol == sym {
				symPnLs = append(symPnLs, t.PnL.InexactFloat64())
			}
		}
		sr.MaxDrawdown, _, _ = maxDrawdown(0, symPnLs)
	}

	return report
}

// maxDrawdown replays an equity curve starting from startEquity through
// pnls in order, returning the largest peak-to-trough drop (absolute and
// as a percentage of the peak at the time) plus the final equity value.
func maxDrawdown(startEquity float64, pnls []float64) (maxDD, maxDDPct, finalEquity float64) {
	equity := startEquity
	peak := equity
	for _, pnl := range pnls {
		equity += pnl
		if equity > peak {
			peak = equity
		}
		dd := peak - equity
		if dd > maxDD {
			maxDD = dd
			if peak > 0 {
				maxDDPct = (dd / peak) * 100
			}
		}
	}
	return maxDD, maxDDPct, equity
}

// EquityCurve generates the equity curve from trades sorted by exit date.
func EquityCurve(trades []domain.ClosedTrade, initialCapital float64) []EquityCurvePoint {
	if len(trades) == 0 {
		return nil
	}

	sorted := make([]domain.ClosedTrade, len(trades))
	copy(sorted, trades)
	sort.Slice(sorted, func(i, j int) bool {
		return exitTime(sorted[i]).Before(exitTime(sorted[j]))
	})

	equity := initialCapital
	peak := equity
	points := make([]EquityCurvePoint, 0, len(sorted)+1)

	// Starting point.
	points = append(points, EquityCurvePoint{
		Date:   sorted[0].EntryTime,
		Equity: equity,
	})

	for _, t := range sorted {
		equity += t.PnL.InexactFloat64()
		if equity > peak {
			peak = equity
		}
		dd := peak - equity
		points = append(points, EquityCurvePoint{
			Date:     exitTime(t),
			Equity:   equity,
			Drawdown: dd,
		})
	}

	return points
}

// FormatReport returns a human-readable text summary of the performance report.
func FormatReport(report *PerformanceReport) string {
	if report == nil || report.TotalTrades == 0 {
		return "No closed trades to analyze."
	}

	var b strings.Builder

	b.WriteString("═══════════════════════════════════════════════════\n")
	b.WriteString("              PERFORMANCE REPORT\n")
	b.WriteString("═══════════════════════════════════════════════════\n\n")

	b.WriteString("── TRADE SUMMARY ──\n")
	fmt.Fprintf(&b, "  Total trades:    %d\n", report.TotalTrades)
	fmt.Fprintf(&b, "  Winning trades:  %d (%.1f%%)\n", report.WinningTrades, report.WinRate)
	fmt.Fprintf(&b, "  Losing trades:   %d\n", report.LosingTrades)
	b.WriteString("\n")

	b.WriteString("── PROFIT & LOSS ──\n")
	fmt.Fprintf(&b, "  Total P&L:       ₩%.2f\n", report.TotalPnL)
	fmt.Fprintf(&b, "  Average P&L:     ₩%.2f\n", report.AveragePnL)
	fmt.Fprintf(&b, "  Average win:     ₩%.2f\n", report.AverageWin)
	fmt.Fprintf(&b, "  Average loss:    ₩%.2f\n", report.AverageLoss)
	fmt.Fprintf(&b, "  Expectancy:      ₩%.2f / trade\n", report.Expectancy)
	fmt.Fprintf(&b, "  Gross profit:    ₩%.2f\n", report.GrossProfit)
	fmt.Fprintf(&b, "  Gross loss:      ₩%.2f\n", report.GrossLoss)
	fmt.Fprintf(&b, "  Profit factor:   %.4f\n", report.ProfitFactor)
	b.WriteString("\n")

	b.WriteString("── EQUITY ──\n")
	fmt.Fprintf(&b, "  Initial capital: ₩%.2f\n", report.InitialCapital)
	fmt.Fprintf(&b, "  Current equity:  ₩%.2f\n", report.CurrentEquity)
	fmt.Fprintf(&b, "  Total return:    %.2f%%\n", report.TotalReturnPct)
	b.WriteString("\n")

	b.WriteString("── RISK METRICS ──\n")
	fmt.Fprintf(&b, "  Max drawdown:    ₩%.2f (%.2f%%)\n", report.MaxDrawdown, report.MaxDrawdownPct)
	fmt.Fprintf(&b, "  Sharpe ratio:    %.4f\n", report.SharpeRatio)
	b.WriteString("\n")

	b.WriteString("── HOLD TIME ──\n")
	fmt.Fprintf(&b, "  Average:         %.1f days\n", report.AverageHoldDays)
	fmt.Fprintf(&b, "  Min:             %d days\n", report.MinHoldDays)
	fmt.Fprintf(&b, "  Max:             %d days\n", report.MaxHoldDays)
	b.WriteString("\n")

	if len(report.StrategyReports) > 1 {
		b.WriteString("── STRATEGY BREAKDOWN ──\n")
		for _, sr := range report.StrategyReports {
			fmt.Fprintf(&b, "  [%s]\n", sr.StrategyID)
			fmt.Fprintf(&b, "    Trades: %d | Win rate: %.1f%% | P&L: ₩%.2f | Sharpe: %.4f | DD: ₩%.2f (%.2f%%)\n",
				sr.TotalTrades, sr.WinRate, sr.TotalPnL, sr.SharpeRatio, sr.MaxDrawdown, sr.MaxDrawdownPct)
		}
		b.WriteString("\n")
	}

	if len(report.SymbolReports) > 1 {
		b.WriteString("── SYMBOL BREAKDOWN ──\n")
		symbols := make([]domain.Symbol, 0, len(report.SymbolReports))
		for sym := range report.SymbolReports {
			symbols = append(symbols, sym)
		}
		sort.Slice(symbols, func(i, j int) bool { return symbols[i] < symbols[j] })
		for _, sym := range symbols {
			sr := report.SymbolReports[sym]
			fmt.Fprintf(&b, "  [%s] Trades: %d | Win rate: %.1f%% | P&L: ₩%.2f | DD: ₩%.2f\n",
				sr.Symbol, sr.TotalTrades, sr.WinRate, sr.TotalPnL, sr.MaxDrawdown)
		}
		b.WriteString("\n")
	}

	b.WriteString("═══════════════════════════════════════════════════\n")

	return b.String()
}

// ────────────────────────────────────────────────────────────────────
// Helpers
// ────────────────────────────────────────────────────────────────────

// exitTime safely extracts the exit time from a trade record.
func exitTime(t domain.ClosedTrade) time.Time {
	if !t.ExitTime.IsZero() {
		return t.ExitTime
	}
	return t.EntryTime // fallback if exit time not set
}

// holdDaysForTrade calculates the number of calendar days a trade was held.
func holdDaysForTrade(t domain.ClosedTrade) int {
	exit := exitTime(t)
	days := int(exit.Sub(t.EntryTime).Hours() / 24)
	if days < 0 {
		days = 0
	}
	return days
}

// computeSharpeRatio calculates the annualized Sharpe ratio from a slice of P&L values.
// Assumes zero risk-free rate and 252 trading days per year.
func computeSharpeRatio(pnls []float64) float64 {
	if len(pnls) < 2 {
		return 0
	}

	var sum float64
	for _, p := range pnls {
		sum += p
	}
	mean := sum / float64(len(pnls))

	var variance float64
	for _, p := range pnls {
		diff := p - mean
		variance += diff * diff
	}
	variance /= float64(len(pnls) - 1) // sample variance
	stdDev := math.Sqrt(variance)

	if stdDev == 0 {
		return 0
	}

	return (mean / stdDev) * math.Sqrt(252)
}

// round4 rounds a ratio to 4 decimal places for display, per spec's
// "ratios computed in IEEE-754 double then rounded to 4 decimal places
// for display" precision rule.
func round4(v float64) float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return v
	}
	return math.Round(v*10000) / 10000
}
