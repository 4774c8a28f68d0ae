package main

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/relvacode/iso8601"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/kis-trend-atr/engine/internal/analytics"
	"github.com/kis-trend-atr/engine/internal/broker"
	"github.com/kis-trend-atr/engine/internal/config"
	"github.com/kis-trend-atr/engine/internal/domain"
	"github.com/kis-trend-atr/engine/internal/kst"
	"github.com/kis-trend-atr/engine/internal/logging"
	"github.com/kis-trend-atr/engine/internal/strategy"
)

var (
	btSymbol string
	btFrom   string
	btTo     string
)

var backtestCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Replay the trend-ATR strategy over historical daily bars",
	RunE:  runBacktest,
}

func init() {
	backtestCmd.Flags().StringVar(&btSymbol, "symbol", "", "6-digit KRX code to replay (required)")
	backtestCmd.Flags().StringVar(&btFrom, "interval", "", "ISO-8601 range-start date, e.g. 2024-01-01 (reuses --interval as the range-start flag)")
	backtestCmd.Flags().StringVar(&btTo, "to", "", "ISO-8601 range-end date (defaults to today)")
	backtestCmd.Flags().IntVar(&maxRuns, "max-runs", 0, "cap the number of bars replayed (0 = all available history)")
	rootCmd.AddCommand(backtestCmd)
}

func runBacktest(cmd *cobra.Command, args []string) error {
	if btSymbol == "" {
		return fmt.Errorf("--symbol is required")
	}
	symbol, err := domain.NewSymbol(btSymbol)
	if err != nil {
		return fmt.Errorf("--symbol: %w", err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(os.Stdout, levelFromEnv())
	ctx := cmd.Context()

	from, to, err := parseRange(btFrom, btTo)
	if err != nil {
		return err
	}

	b, err := backtestDataBroker(cfg)
	if err != nil {
		return err
	}

	bars, err := b.GetDailyOHLCV(ctx, symbol, from, to)
	if err != nil {
		return fmt.Errorf("fetch daily bars: %w", err)
	}
	if maxRuns > 0 && len(bars) > maxRuns {
		bars = bars[len(bars)-maxRuns:]
	}

	trades := simulate(symbol, bars, cfg.Strategy, cfg.Capital)
	report := analytics.Analyze(trades, cfg.Capital)
	fmt.Println(analytics.FormatReport(report))
	logger.Info().Int("bars", len(bars)).Int("trades", len(trades)).Msg("backtest complete")
	return nil
}

// parseRange resolves --interval/--to into a [from, to) date range,
// defaulting to the trailing two years through today when either is
// omitted.
func parseRange(fromStr, toStr string) (time.Time, time.Time, error) {
	to := kst.SystemClock{}.Now()
	from := to.AddDate(-2, 0, 0)
	var err error
	if fromStr != "" {
		from, err = iso8601.ParseString(fromStr)
		if err != nil {
			return from, to, fmt.Errorf("--interval (range start): %w", err)
		}
	}
	if toStr != "" {
		to, err = iso8601.ParseString(toStr)
		if err != nil {
			return from, to, fmt.Errorf("--to: %w", err)
		}
	}
	return from, to, nil
}

// simulate replays bars bar-by-bar against the pure strategy.Evaluate
// function, holding at most one position at a time (§4.6), and records
// every exit as a domain.ClosedTrade.
func simulate(symbol domain.Symbol, bars []domain.Bar, cfg config.StrategyConfig, initialCapital float64) []domain.ClosedTrade {
	var trades []domain.ClosedTrade
	var position *domain.Position
	cash := decimal.NewFromFloat(initialCapital)

	for i := cfg.TrendMAPeriod; i < len(bars); i++ {
		window := bars[:i+1]
		bar := bars[i]
		signal := strategy.Evaluate(window, bar.Close, bar.Open, position, cfg, nil)

		switch {
		case signal.Type == strategy.SignalBuy && position == nil:
			maxSpend := cash.Mul(decimal.NewFromFloat(0.95))
			qty := int(maxSpend.Div(signal.Price).IntPart())
			if qty <= 0 {
				continue
			}
			cash = cash.Sub(signal.Price.Mul(decimal.NewFromInt(int64(qty))))
			position = &domain.Position{
				Symbol: symbol, Side: domain.SideBuy, EntryPrice: signal.Price, Quantity: qty,
				ATRAtEntry: signal.ATR, StopLoss: signal.StopLoss, TakeProfit: signal.TakeProfit,
				TrailingStop: signal.TrailingStop, HighestPrice: signal.Price,
				EntryDate: bar.Date, EntryTime: bar.Date, State: domain.StateEntered,
				StrategyID: "trend_atr", SignalID: uuid.NewString(),
			}
		case signal.Type == strategy.SignalSell && position != nil:
			proceeds := signal.Price.Mul(decimal.NewFromInt(int64(position.Quantity)))
			cash = cash.Add(proceeds)
			pnl := signal.Price.Sub(position.EntryPrice).Mul(decimal.NewFromInt(int64(position.Quantity)))
			trades = append(trades, domain.ClosedTrade{
				Symbol: symbol, StrategyID: position.StrategyID, SignalID: position.SignalID,
				Side: domain.SideSell, Quantity: position.Quantity,
				EntryPrice: position.EntryPrice, ExitPrice: signal.Price,
				EntryTime: position.EntryTime, ExitTime: bar.Date,
				ExitReason: signal.ExitReason, PnL: pnl,
			})
			position = nil
		default:
			if position != nil {
				position.UpdateHighestPrice(bar.Close)
			}
		}
	}
	return trades
}

// backtestDataBroker builds a read-only KIS client for historical data
// only — backtest never places orders, so it always points at the paper
// base URL regardless of the configured execution mode.
func backtestDataBroker(cfg *config.Config) (broker.Broker, error) {
	clientCfg := broker.ClientConfig{
		AppKey: cfg.Broker.AppKey, AppSecret: cfg.Broker.AppSecret,
		BaseURL: cfg.Broker.PaperBaseURL, Mode: broker.ModePaper,
		RateLimitPerSec: cfg.Broker.RateLimitPerSec,
	}
	b, err := broker.New("kis", clientCfg)
	if err != nil {
		return nil, fmt.Errorf("build historical data client: %w", err)
	}
	return b, nil
}
