// Package config provides application-wide configuration management.
// All configuration is loaded from a JSON file plus environment-variable
// and .env overrides. Nothing in the strategy/risk/broker layers hardcodes
// a threshold — every tunable in the table below flows from here.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// ExecutionMode controls whether the engine submits real orders.
type ExecutionMode string

const (
	ModeDryRun ExecutionMode = "DRY_RUN"
	ModePaper  ExecutionMode = "PAPER"
	ModeReal   ExecutionMode = "REAL"
)

// Config holds all system configuration. Loaded once at startup and
// passed as read-only (or behind the hot-reload watcher) to components.
type Config struct {
	ExecutionMode     ExecutionMode `json:"execution_mode"`
	EnableRealTrading bool          `json:"enable_real_trading"`
	KillSwitch        bool          `json:"kill_switch"`

	Capital float64 `json:"capital"`

	Strategy StrategyConfig `json:"strategy"`
	Risk     RiskConfig     `json:"risk"`
	Broker   BrokerConfig   `json:"broker"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
	Pacing   PacingConfig   `json:"pacing"`
	Universe UniverseConfig `json:"universe"`
	Paths    PathsConfig    `json:"paths"`
	Webhook  WebhookConfig  `json:"webhook"`

	DatabaseURL        string `json:"database_url"`
	MarketCalendarPath string `json:"market_calendar_path"`

	EnforceSingleInstance bool `json:"enforce_single_instance"`
	EnforceMarketHours    bool `json:"enforce_market_hours"`
}

// StrategyConfig holds the indicator windows and entry/exit thresholds of
// the trend-ATR strategy (spec §6 config table).
type StrategyConfig struct {
	ATRPeriod     int `json:"atr_period"`
	TrendMAPeriod int `json:"trend_ma_period"`
	ADXPeriod     int `json:"adx_period"`

	ATRMultiplierSL float64 `json:"atr_multiplier_sl"`
	ATRMultiplierTP float64 `json:"atr_multiplier_tp"`
	MaxLossPct      float64 `json:"max_loss_pct"`

	ATRSpikeThreshold float64 `json:"atr_spike_threshold"`
	ADXThreshold      float64 `json:"adx_threshold"`

	EnableTrailingStop        bool    `json:"enable_trailing_stop"`
	TrailingStopATRMultiplier float64 `json:"trailing_stop_atr_multiplier"`
	TrailingStopActivationPct float64 `json:"trailing_stop_activation_pct"`

	EnableGapProtection bool    `json:"enable_gap_protection"`
	MaxGapLossPct       float64 `json:"max_gap_loss_pct"`
	GapReference        string  `json:"gap_reference"` // entry | stop | prev_close
	GapEpsilonPct       float64 `json:"gap_epsilon_pct"`

	EnableTrendReversalExit bool `json:"enable_trend_reversal_exit"`

	// AllowScaleIn enables weighted-average pyramiding on a repeat BUY
	// signal while ENTERED. The strategy as specified never emits BUY
	// while ENTERED, so this only matters for a future extension and is
	// off unless explicitly toggled (spec §9 Open Questions).
	AllowScaleIn bool `json:"allow_scale_in"`
}

// RiskConfig defines hard risk guardrails (spec §4.5/§6).
type RiskConfig struct {
	DailyMaxLossPercent       float64 `json:"daily_max_loss_percent"`
	DailyMaxTrades            int     `json:"daily_max_trades"`
	MaxConsecutiveLosses      int     `json:"max_consecutive_losses"`
	MaxCumulativeDrawdownPct  float64 `json:"max_cumulative_drawdown_pct"`
	CumulativeDrawdownWarnPct float64 `json:"cumulative_drawdown_warning_pct"`
	MaxOpenPositions          int     `json:"max_open_positions"`
	AccountSnapshotTTLSeconds int     `json:"account_snapshot_ttl_seconds"`
}

// CircuitBreakerConfig sets the thresholds of the transport-failure
// breaker (risk.CircuitBreaker): consecutive or hourly broker-call
// failures trip it for CooldownMinutes, independent of the trade-loss
// kill switch in RiskConfig.
type CircuitBreakerConfig struct {
	MaxConsecutiveFailures int `json:"max_consecutive_failures"`
	MaxFailuresPerHour     int `json:"max_failures_per_hour"`
	CooldownMinutes        int `json:"cooldown_minutes"`
}

// BrokerConfig holds the KIS client's connection and pacing settings.
type BrokerConfig struct {
	AppKey       string `json:"app_key"`
	AppSecret    string `json:"app_secret"`
	PaperBaseURL string `json:"paper_base_url"`
	RealBaseURL  string `json:"real_base_url"`
	WebSocketURL string `json:"websocket_url"`

	APITimeoutSeconds int `json:"api_timeout_seconds"`
	RateLimitPerSec   int `json:"rate_limit_per_sec"`

	OrderExecutionTimeoutSeconds int `json:"order_execution_timeout_seconds"`
	OrderCheckIntervalSeconds    int `json:"order_check_interval_seconds"`

	PendingExitBackoffMinutes int `json:"pending_exit_backoff_minutes"`
	PendingExitMaxAgeHours    int `json:"pending_exit_max_age_hours"`
}

// PacingConfig controls per-symbol tick intervals (spec §4.9/§4.11).
type PacingConfig struct {
	DefaultExecutionIntervalSeconds      int     `json:"default_execution_interval_seconds"`
	NearStopLossExecutionIntervalSeconds int     `json:"near_stoploss_execution_interval_seconds"`
	NearStopLossThresholdPct             float64 `json:"near_stoploss_threshold_pct"`
	ClosedMarketSleepSeconds             int     `json:"closed_market_sleep_seconds"`
}

// UniverseConfig controls daily universe selection (spec §4.10).
type UniverseConfig struct {
	SelectionMethod string   `json:"selection_method"` // fixed | volume_top | atr_filter | combined
	FixedSymbols    []string `json:"fixed_symbols"`
	UniverseSize    int      `json:"universe_size"`
	MaxPositions    int      `json:"max_positions"`
	MinVolume       float64  `json:"min_volume"`
	MinMarketCap    float64  `json:"min_market_cap"`
	MinATRPct       float64  `json:"min_atr_pct"`
	MaxATRPct       float64  `json:"max_atr_pct"`
	MaxDailyMovePct float64  `json:"max_daily_move_pct"`
}

// PathsConfig defines filesystem paths for durable state.
type PathsConfig struct {
	PositionsDir string `json:"positions_dir"`
	UniverseDir  string `json:"universe_dir"`
	LockFilePath string `json:"lock_file_path"`
	LogDir       string `json:"log_dir"`
}

// WebhookConfig holds settings for the order postback HTTP server.
type WebhookConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

// Defaults returns the conservative defaults from spec §6's config table.
func Defaults() Config {
	return Config{
		ExecutionMode:     ModeDryRun,
		EnableRealTrading: false,
		KillSwitch:        false,
		Capital:           10_000_000,
		Strategy: StrategyConfig{
			ATRPeriod: 14, TrendMAPeriod: 50, ADXPeriod: 14,
			ATRMultiplierSL: 2.0, ATRMultiplierTP: 3.0, MaxLossPct: 5.0,
			ATRSpikeThreshold: 2.5, ADXThreshold: 25,
			EnableTrailingStop: true, TrailingStopATRMultiplier: 2.0, TrailingStopActivationPct: 1.0,
			EnableGapProtection: true, MaxGapLossPct: 2.0, GapReference: "entry", GapEpsilonPct: 0.001,
			EnableTrendReversalExit: true,
			AllowScaleIn:            false,
		},
		Risk: RiskConfig{
			DailyMaxLossPercent: 2.0, DailyMaxTrades: 3, MaxConsecutiveLosses: 2,
			MaxCumulativeDrawdownPct: 15, CumulativeDrawdownWarnPct: 10,
			MaxOpenPositions: 5, AccountSnapshotTTLSeconds: 60,
		},
		Broker: BrokerConfig{
			APITimeoutSeconds: 15, RateLimitPerSec: 20,
			OrderExecutionTimeoutSeconds: 45, OrderCheckIntervalSeconds: 2,
			PendingExitBackoffMinutes: 5, PendingExitMaxAgeHours: 72,
		},
		CircuitBreaker: CircuitBreakerConfig{
			MaxConsecutiveFailures: 5, MaxFailuresPerHour: 10, CooldownMinutes: 15,
		},
		Pacing: PacingConfig{
			DefaultExecutionIntervalSeconds: 60, NearStopLossExecutionIntervalSeconds: 15,
			NearStopLossThresholdPct: 70, ClosedMarketSleepSeconds: 300,
		},
		Universe: UniverseConfig{
			SelectionMethod: "fixed", UniverseSize: 10, MaxPositions: 5, MaxDailyMovePct: 28,
		},
		EnforceSingleInstance: true,
		EnforceMarketHours:    true,
	}
}

// Load reads configuration from a JSON file over the conservative
// defaults, then applies .env and process environment-variable
// overrides, then validates.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config: read file %s: %w", absPath, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse json: %w", err)
	}

	// .env is loaded best-effort: absence is not an error, it just means
	// overrides come from the real process environment only.
	_ = godotenv.Load(filepath.Join(filepath.Dir(absPath), ".env"))

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ENGINE_EXECUTION_MODE"); v != "" {
		cfg.ExecutionMode = ExecutionMode(v)
	}
	if v := os.Getenv("ENGINE_ENABLE_REAL_TRADING"); v == "true" {
		cfg.EnableRealTrading = true
	}
	if v := os.Getenv("ENGINE_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("ENGINE_APP_KEY"); v != "" {
		cfg.Broker.AppKey = v
	}
	if v := os.Getenv("ENGINE_APP_SECRET"); v != "" {
		cfg.Broker.AppSecret = v
	}
}

// Validate checks that all required configuration fields are present and
// sane. REAL-mode promotion's CLI half of the double-gate is enforced
// separately by ConfirmRealTrading, since Validate has no access to the
// process's CLI flags.
func (c *Config) Validate() error {
	switch c.ExecutionMode {
	case ModeDryRun, ModePaper, ModeReal:
	default:
		return fmt.Errorf("execution_mode must be DRY_RUN, PAPER or REAL, got %q", c.ExecutionMode)
	}
	if c.Capital <= 0 {
		return fmt.Errorf("capital must be positive, got %f", c.Capital)
	}
	if c.Risk.MaxOpenPositions <= 0 {
		return fmt.Errorf("risk.max_open_positions must be positive, got %d", c.Risk.MaxOpenPositions)
	}
	if c.Risk.DailyMaxLossPercent <= 0 || c.Risk.DailyMaxLossPercent > 100 {
		return fmt.Errorf("risk.daily_max_loss_percent must be in (0, 100], got %f", c.Risk.DailyMaxLossPercent)
	}
	if c.Risk.MaxCumulativeDrawdownPct <= 0 || c.Risk.MaxCumulativeDrawdownPct > 100 {
		return fmt.Errorf("risk.max_cumulative_drawdown_pct must be in (0, 100], got %f", c.Risk.MaxCumulativeDrawdownPct)
	}
	if c.Strategy.GapReference != "entry" && c.Strategy.GapReference != "stop" && c.Strategy.GapReference != "prev_close" {
		return fmt.Errorf("strategy.gap_reference must be one of entry|stop|prev_close, got %q", c.Strategy.GapReference)
	}
	if c.DatabaseURL == "" && c.ExecutionMode == ModeReal {
		return fmt.Errorf("database_url is required in REAL mode")
	}

	if c.ExecutionMode == ModeReal {
		if err := c.validateRealMode(); err != nil {
			return fmt.Errorf("real mode: %w", err)
		}
	}
	return nil
}

// validateRealMode enforces extra safety checks for real-money trading,
// mirroring the teacher's validateLiveMode safety caps.
func (c *Config) validateRealMode() error {
	if !c.EnableRealTrading {
		return fmt.Errorf("enable_real_trading must be true (second factor) to run execution_mode=REAL")
	}
	if c.Broker.AppKey == "" || c.Broker.AppSecret == "" {
		return fmt.Errorf("broker.app_key and broker.app_secret are required for REAL mode")
	}
	if c.Risk.MaxOpenPositions > 5 {
		return fmt.Errorf("risk.max_open_positions cannot exceed 5 in REAL mode (got %d)", c.Risk.MaxOpenPositions)
	}
	if c.Risk.DailyMaxLossPercent > 2.0 {
		return fmt.Errorf("risk.daily_max_loss_percent cannot exceed 2%% in REAL mode (got %.1f%%)", c.Risk.DailyMaxLossPercent)
	}
	return nil
}

// ConfirmRealTrading is the CLI half of the REAL-mode double-gate: the
// engine refuses to run in REAL mode unless the operator also passed
// --confirm-real-trading on the command line. Falling short of either
// gate falls back to DRY_RUN per spec §9.
func ConfirmRealTrading(cfg *Config, cliConfirmed bool) ExecutionMode {
	if cfg.ExecutionMode == ModeReal && (!cfg.EnableRealTrading || !cliConfirmed) {
		return ModeDryRun
	}
	return cfg.ExecutionMode
}
