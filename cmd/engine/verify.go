package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kis-trend-atr/engine/internal/config"
	"github.com/kis-trend-atr/engine/internal/logging"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Validate configuration and broker connectivity without trading",
	RunE:  runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}
	logger := logging.New(os.Stdout, levelFromEnv())
	logger.Info().Str("execution_mode", string(cfg.ExecutionMode)).Msg("config valid")

	ctx := cmd.Context()
	b, err := buildBroker(cfg, cfg.ExecutionMode)
	if err != nil {
		return fmt.Errorf("broker build failed: %w", err)
	}
	if _, err := b.GetAccessToken(ctx); err != nil {
		return fmt.Errorf("broker connectivity check failed: %w", err)
	}
	logger.Info().Msg("broker connectivity OK")

	if cfg.DatabaseURL != "" {
		st, tradeLog, closeStore, err := buildStore(ctx, cfg)
		if err != nil {
			return fmt.Errorf("store connectivity check failed: %w", err)
		}
		_ = st
		_ = tradeLog
		if closeStore != nil {
			closeStore()
		}
		logger.Info().Msg("database connectivity OK")
	}

	fmt.Println("OK")
	return nil
}
