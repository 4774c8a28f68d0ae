package main

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/kis-trend-atr/engine/internal/config"
	"github.com/kis-trend-atr/engine/internal/executor"
)

// levelFromEnv lets ENGINE_LOG_LEVEL override the default info level
// without a dedicated flag — matching the rest of the config package's
// env-override convention.
func levelFromEnv() zerolog.Level {
	if v := os.Getenv("ENGINE_LOG_LEVEL"); v != "" {
		if lvl, err := zerolog.ParseLevel(v); err == nil {
			return lvl
		}
	}
	return zerolog.InfoLevel
}

// applyRealModeRampUp narrows the engine's first REAL-mode run per
// --real-limit-symbols-first-day (caps how many fixed-universe symbols
// are eligible at all) and returns the RampUpState
// --real-first-order-percent installs to scale the first order's size.
// Both are no-ops outside REAL mode.
func applyRealModeRampUp(cfg *config.Config, mode config.ExecutionMode, limitSymbols int, firstOrderPercent float64) *executor.RampUpState {
	if mode != config.ModeReal {
		return nil
	}
	if limitSymbols > 0 && limitSymbols < len(cfg.Universe.FixedSymbols) {
		cfg.Universe.FixedSymbols = cfg.Universe.FixedSymbols[:limitSymbols]
	}
	if limitSymbols > 0 && limitSymbols < cfg.Risk.MaxOpenPositions {
		cfg.Risk.MaxOpenPositions = limitSymbols
	}
	return executor.NewRampUpState(firstOrderPercent)
}
