package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kis-trend-atr/engine/internal/config"
	"github.com/kis-trend-atr/engine/internal/domain"
	"github.com/kis-trend-atr/engine/internal/logging"
	"github.com/kis-trend-atr/engine/internal/scheduler"
)

var (
	confirmRealTrading    bool
	maxRuns               int
	tickSymbol            string
	tickInterval          time.Duration
	realFirstOrderPercent float64
	realLimitSymbolsFirst int
)

var tradeCmd = &cobra.Command{
	Use:   "trade",
	Short: "Run the live scheduler loop against the configured broker",
	RunE:  runTrade,
}

func init() {
	tradeCmd.Flags().BoolVar(&confirmRealTrading, "confirm-real-trading", false,
		"second factor required, alongside config enable_real_trading, to run execution_mode=REAL")
	tradeCmd.Flags().StringVar(&tickSymbol, "symbol", "",
		"if set, run only this symbol's tick loop directly instead of the full scheduled universe")
	tradeCmd.Flags().DurationVar(&tickInterval, "interval", 0,
		"tick interval for --symbol mode (0 = use the symbol's own pacing config)")
	tradeCmd.Flags().IntVar(&maxRuns, "max-runs", 0,
		"stop after this many ticks in --symbol mode; ignored otherwise (0 = run until signalled)")
	tradeCmd.Flags().Float64Var(&realFirstOrderPercent, "real-first-order-percent", 100,
		"scale the first REAL-mode order's quantity to this percent of its computed size")
	tradeCmd.Flags().IntVar(&realLimitSymbolsFirst, "real-limit-symbols-first-day", 0,
		"cap the number of fixed-universe symbols eligible for REAL trading (0 = no cap)")
	rootCmd.AddCommand(tradeCmd)
}

func runTrade(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	mode := config.ConfirmRealTrading(cfg, confirmRealTrading)
	if cfg.ExecutionMode == config.ModeReal && mode != config.ModeReal {
		fmt.Fprintln(os.Stderr, "REAL mode requested but the double-gate was not satisfied (config enable_real_trading and --confirm-real-trading must both be set) — falling back to DRY_RUN")
	}

	logger := logging.New(os.Stdout, levelFromEnv())
	ctx := cmd.Context()

	rampUp := applyRealModeRampUp(cfg, mode, realLimitSymbolsFirst, realFirstOrderPercent)

	e, err := buildEngine(ctx, cfg, logger, mode)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	e.rampUp = rampUp
	defer e.Close()

	if err := reconcileAll(ctx, e); err != nil {
		return fmt.Errorf("startup reconcile: %w", err)
	}

	if e.webhook != nil {
		if err := e.webhook.Start(); err != nil {
			return fmt.Errorf("start webhook server: %w", err)
		}
		defer e.webhook.Shutdown(ctx)
	}

	if tickSymbol != "" {
		return runSingleSymbol(ctx, e, tickSymbol)
	}

	lockPath := cfg.Paths.LockFilePath
	if lockPath == "" {
		lockPath = "data/engine.lock"
	}
	lock, err := scheduler.NewInstanceLock(lockPath)
	if err != nil {
		return fmt.Errorf("build instance lock: %w", err)
	}

	sched := scheduler.New(mode, e.selector, e.broker, e.cb, lock, cfg.Risk.MaxOpenPositions,
		newExecutorFactory(e), logging.Component(logger, "scheduler"))

	return sched.Run(ctx)
}

// runSingleSymbol drives one symbol's tick loop directly, bypassing the
// scheduler's universe fan-out — a manual/debug path for operating on a
// single code, bounded by --max-runs ticks at --interval.
func runSingleSymbol(ctx context.Context, e *engine, code string) error {
	symbol, err := domain.NewSymbol(code)
	if err != nil {
		return fmt.Errorf("--symbol: %w", err)
	}

	ex := newExecutorFactory(e)(symbol)
	if err := ex.Hydrate(ctx); err != nil {
		return fmt.Errorf("hydrate %s: %w", symbol, err)
	}

	runs := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		result := ex.RunOnce(ctx, e.cb)
		if result.Err != nil {
			e.logger.Error().Err(result.Err).Str("symbol", symbol.String()).Msg("tick failed")
		}
		runs++
		if maxRuns > 0 && runs >= maxRuns {
			return ex.Flush(ctx)
		}

		interval := tickInterval
		if interval <= 0 {
			interval = result.NextInterval
		}
		if interval <= 0 {
			interval = 15 * time.Second
		}
		select {
		case <-ctx.Done():
			return ex.Flush(context.Background())
		case <-time.After(interval):
		}
	}
}
