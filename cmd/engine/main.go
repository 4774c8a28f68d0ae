// Command engine is the entry point for the KIS trend-ATR trading
// engine.
//
// It:
//  1. Loads configuration
//  2. Builds the broker, store, journal, risk, universe and scheduler
//     components for the active execution mode
//  3. Runs the per-symbol trend-ATR strategy against the daily universe
//  4. Routes every signal through risk checks and the order synchronizer
//  5. Persists position/order/trade state durably across restarts
//
// Subcommands:
//   - trade:    run the live scheduler loop (DRY_RUN | PAPER | REAL)
//   - backtest: replay the strategy over historical daily bars
//   - verify:   validate configuration and broker connectivity, exit
//   - report:   print an analytics summary from recorded closed trades
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "engine",
	Short: "KIS trend-ATR trading engine",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config/config.json", "path to configuration file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
