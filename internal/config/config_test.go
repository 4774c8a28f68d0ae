package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write test config: %v", err)
	}
	return path
}

func TestLoadValid(t *testing.T) {
	path := writeTestConfig(t, `{
		"execution_mode": "PAPER",
		"capital": 500000,
		"database_url": "postgres://localhost/test"
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ExecutionMode != ModePaper {
		t.Errorf("expected PAPER, got %s", cfg.ExecutionMode)
	}
	if cfg.Capital != 500000 {
		t.Errorf("expected 500000, got %f", cfg.Capital)
	}
	// Defaults should have been preserved for fields absent from the file.
	if cfg.Strategy.ATRPeriod != 14 {
		t.Errorf("expected default atr_period 14, got %d", cfg.Strategy.ATRPeriod)
	}
}

func TestRejectsInvalidExecutionMode(t *testing.T) {
	path := writeTestConfig(t, `{"execution_mode": "BOGUS", "capital": 500000}`)
	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid execution_mode")
	}
}

func TestRejectsZeroCapital(t *testing.T) {
	path := writeTestConfig(t, `{"execution_mode": "PAPER", "capital": 0}`)
	if _, err := Load(path); err == nil {
		t.Error("expected error for zero capital")
	}
}

func TestRejectsBadGapReference(t *testing.T) {
	path := writeTestConfig(t, `{
		"execution_mode": "PAPER",
		"capital": 500000,
		"strategy": {"gap_reference": "yesterday"}
	}`)
	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid gap_reference")
	}
}

func TestEnvOverride(t *testing.T) {
	path := writeTestConfig(t, `{"execution_mode": "PAPER", "capital": 500000}`)

	os.Setenv("ENGINE_EXECUTION_MODE", "DRY_RUN")
	defer os.Unsetenv("ENGINE_EXECUTION_MODE")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ExecutionMode != ModeDryRun {
		t.Errorf("expected env override to DRY_RUN, got %s", cfg.ExecutionMode)
	}
}

// ────────────────────────────────────────────────────────────────────
// REAL mode validation tests
// ────────────────────────────────────────────────────────────────────

func validRealConfig() Config {
	cfg := Defaults()
	cfg.ExecutionMode = ModeReal
	cfg.EnableRealTrading = true
	cfg.Capital = 500000
	cfg.Risk.MaxOpenPositions = 5
	cfg.Risk.DailyMaxLossPercent = 1.5
	cfg.Broker.AppKey = "key"
	cfg.Broker.AppSecret = "secret"
	cfg.DatabaseURL = "postgres://localhost/test"
	return cfg
}

func TestRealMode_RequiresEnableRealTrading(t *testing.T) {
	cfg := validRealConfig()
	cfg.EnableRealTrading = false

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error when enable_real_trading is false")
	}
	if !strings.Contains(err.Error(), "enable_real_trading") {
		t.Errorf("error should mention enable_real_trading, got: %v", err)
	}
}

func TestRealMode_RequiresAppCredentials(t *testing.T) {
	cfg := validRealConfig()
	cfg.Broker.AppKey = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error when app_key is missing")
	}
}

func TestRealMode_MaxPositionsCap(t *testing.T) {
	cfg := validRealConfig()
	cfg.Risk.MaxOpenPositions = 10

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error when max_open_positions > 5 in REAL mode")
	}
	if !strings.Contains(err.Error(), "max_open_positions") {
		t.Errorf("error should mention max_open_positions, got: %v", err)
	}
}

func TestRealMode_MaxDailyLossCap(t *testing.T) {
	cfg := validRealConfig()
	cfg.Risk.DailyMaxLossPercent = 5.0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error when daily_max_loss_percent > 2 in REAL mode")
	}
}

func TestRealMode_RequiresDatabaseURL(t *testing.T) {
	cfg := validRealConfig()
	cfg.DatabaseURL = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error when database_url is empty in REAL mode")
	}
}

func TestRealMode_ValidConfigPasses(t *testing.T) {
	cfg := validRealConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid real config should pass validation, got: %v", err)
	}
}

func TestPaperMode_SkipsRealChecks(t *testing.T) {
	cfg := Defaults()
	cfg.ExecutionMode = ModePaper
	cfg.Capital = 500000
	cfg.Risk.MaxOpenPositions = 10
	cfg.Risk.DailyMaxLossPercent = 10.0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("paper mode should not enforce real mode caps, got: %v", err)
	}
}

func TestConfirmRealTradingRequiresBothGates(t *testing.T) {
	cfg := validRealConfig()

	if got := ConfirmRealTrading(&cfg, false); got != ModeDryRun {
		t.Fatalf("missing CLI confirmation must fall back to DRY_RUN, got %s", got)
	}

	cfg.EnableRealTrading = false
	if got := ConfirmRealTrading(&cfg, true); got != ModeDryRun {
		t.Fatalf("missing env gate must fall back to DRY_RUN, got %s", got)
	}

	cfg.EnableRealTrading = true
	if got := ConfirmRealTrading(&cfg, true); got != ModeReal {
		t.Fatalf("both gates satisfied should allow REAL, got %s", got)
	}
}
