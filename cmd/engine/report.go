package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kis-trend-atr/engine/internal/analytics"
	"github.com/kis-trend-atr/engine/internal/config"
)

// reportCmd surfaces internal/analytics over whatever closed trades
// store.TradeLog has recorded so far — beyond spec.md's minimal CLI
// surface, added per the analytics/reporting supplement.
var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print a performance report over recorded closed trades",
	RunE:  runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)
}

func runReport(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := cmd.Context()

	_, tradeLog, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build store: %w", err)
	}
	if closeStore != nil {
		defer closeStore()
	}

	trades, err := tradeLog.All(ctx)
	if err != nil {
		return fmt.Errorf("load closed trades: %w", err)
	}

	report := analytics.Analyze(trades, cfg.Capital)
	fmt.Println(analytics.FormatReport(report))
	return nil
}
