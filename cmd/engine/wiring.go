package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kis-trend-atr/engine/internal/broker"
	"github.com/kis-trend-atr/engine/internal/config"
	"github.com/kis-trend-atr/engine/internal/domain"
	"github.com/kis-trend-atr/engine/internal/eventbus"
	"github.com/kis-trend-atr/engine/internal/executor"
	"github.com/kis-trend-atr/engine/internal/journal"
	"github.com/kis-trend-atr/engine/internal/logging"
	"github.com/kis-trend-atr/engine/internal/marketclock"
	"github.com/kis-trend-atr/engine/internal/metrics"
	"github.com/kis-trend-atr/engine/internal/reconcile"
	"github.com/kis-trend-atr/engine/internal/risk"
	"github.com/kis-trend-atr/engine/internal/store"
	"github.com/kis-trend-atr/engine/internal/syncer"
	"github.com/kis-trend-atr/engine/internal/universe"
	"github.com/kis-trend-atr/engine/internal/webhook"
)

// engine bundles every component one CLI command needs, assembled once
// from a loaded *config.Config. Not every command uses every field —
// backtest and verify ignore the scheduler/webhook, for instance — but
// building them all in one place keeps the wiring rules (which store
// backs which mode, which broker backs which mode) in exactly one spot.
type engine struct {
	cfg      *config.Config
	mode     config.ExecutionMode
	logger   zerolog.Logger
	broker   broker.Broker
	store    store.Store
	tradeLog store.TradeLog
	journal  journal.Journal
	calendar *marketclock.Calendar
	riskMgr  *risk.Manager
	cb       *risk.CircuitBreaker
	bus      *eventbus.Bus
	sink     *metrics.Sink
	selector *universe.Selector
	sync     *syncer.Synchronizer
	webhook  *webhook.Server
	rampUp   *executor.RampUpState

	closers []func()
}

// Close releases every resource buildEngine opened (the Postgres
// connection pools of the store and journal, when configured).
func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

// buildEngine wires every component for execution mode mode (the
// caller's resolution of cfg.ExecutionMode through
// config.ConfirmRealTrading).
func buildEngine(ctx context.Context, cfg *config.Config, logger zerolog.Logger, mode config.ExecutionMode) (*engine, error) {
	e := &engine{cfg: cfg, mode: mode, logger: logger}

	calendar, err := buildCalendar(cfg)
	if err != nil {
		return nil, err
	}
	e.calendar = calendar

	b, err := buildBroker(cfg, mode)
	if err != nil {
		return nil, err
	}
	e.broker = b

	st, tradeLog, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	e.store, e.tradeLog = st, tradeLog
	if closeStore != nil {
		e.closers = append(e.closers, closeStore)
	}

	j, closeJournal, err := buildJournal(ctx, cfg)
	if err != nil {
		return nil, err
	}
	e.journal = j
	if closeJournal != nil {
		e.closers = append(e.closers, closeJournal)
	}

	e.riskMgr = risk.NewManager(cfg.Risk, domain.RiskState{}, logging.Component(logger, "risk"))
	e.cb = risk.NewCircuitBreaker(cfg.CircuitBreaker, logging.Component(logger, "circuit-breaker"))

	e.bus = eventbus.New()
	e.sink = metrics.NewSink(e.bus)

	e.sync = syncer.New(b, calendar, j, string(mode),
		time.Duration(cfg.Broker.OrderExecutionTimeoutSeconds)*time.Second,
		time.Duration(cfg.Broker.OrderCheckIntervalSeconds)*time.Second,
		logging.Component(logger, "syncer"))

	pool, err := buildUniverse(ctx, cfg, b, calendar)
	if err != nil {
		return nil, err
	}
	e.selector = pool

	if cfg.Webhook.Enabled {
		e.webhook = webhook.NewServer(webhook.Config{
			Port: cfg.Webhook.Port, Path: cfg.Webhook.Path, Enabled: cfg.Webhook.Enabled,
		}, logging.Component(logger, "webhook"))
		e.webhook.WireJournal(j, resolveIdempotencyKeyFor(j, mode))
	}

	return e, nil
}

func buildCalendar(cfg *config.Config) (*marketclock.Calendar, error) {
	if cfg.MarketCalendarPath == "" {
		return marketclock.NewCalendarFromHolidays(nil), nil
	}
	cal, err := marketclock.NewCalendar(cfg.MarketCalendarPath)
	if err != nil {
		return nil, fmt.Errorf("load market calendar: %w", err)
	}
	return cal, nil
}

func buildBroker(cfg *config.Config, mode config.ExecutionMode) (broker.Broker, error) {
	if mode != config.ModeReal {
		return broker.NewPaperBroker(decimal.NewFromFloat(cfg.Capital)), nil
	}
	clientCfg := broker.ClientConfig{
		AppKey:          cfg.Broker.AppKey,
		AppSecret:       cfg.Broker.AppSecret,
		BaseURL:         cfg.Broker.RealBaseURL,
		Mode:            broker.ModeReal,
		RateLimitPerSec: cfg.Broker.RateLimitPerSec,
		HTTPTimeout:     time.Duration(cfg.Broker.APITimeoutSeconds) * time.Second,
	}
	b, err := broker.New("kis", clientCfg)
	if err != nil {
		return nil, fmt.Errorf("build KIS broker: %w", err)
	}
	return b, nil
}

// buildStore picks the Postgres-backed store/trade log when a database
// URL is configured (required in REAL mode, optional elsewhere), and a
// filesystem pair otherwise. Both halves share one connection pool when
// Postgres-backed, per store.PostgresStore.Pool.
func buildStore(ctx context.Context, cfg *config.Config) (store.Store, store.TradeLog, func(), error) {
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("build postgres store: %w", err)
		}
		tradeLog := store.NewPostgresTradeLog(pg.Pool())
		return pg, tradeLog, func() { pg.Pool().Close() }, nil
	}

	positionsDir := cfg.Paths.PositionsDir
	if positionsDir == "" {
		positionsDir = "data/positions"
	}
	fs, err := store.NewFileStore(positionsDir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build file store: %w", err)
	}
	tradeLogPath := cfg.Paths.LogDir
	if tradeLogPath == "" {
		tradeLogPath = "data/logs"
	}
	tl, err := store.NewFileTradeLog(tradeLogPath + "/closed_trades.jsonl")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build file trade log: %w", err)
	}
	return fs, tl, nil, nil
}

func buildJournal(ctx context.Context, cfg *config.Config) (journal.Journal, func(), error) {
	if cfg.DatabaseURL != "" {
		pj, err := journal.NewPostgresJournal(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("build postgres journal: %w", err)
		}
		return pj, pj.Close, nil
	}
	return journal.NewMemoryJournal(), nil, nil
}

// buildUniverse wires the broker-backed CandidateSource and a universe
// cache rooted under cfg.Paths.UniverseDir.
func buildUniverse(ctx context.Context, cfg *config.Config, b broker.Broker, calendar *marketclock.Calendar) (*universe.Selector, error) {
	pool := make([]domain.Symbol, 0, len(cfg.Universe.FixedSymbols))
	for _, code := range cfg.Universe.FixedSymbols {
		sym, err := domain.NewSymbol(code)
		if err != nil {
			return nil, fmt.Errorf("universe.fixed_symbols: %w", err)
		}
		pool = append(pool, sym)
	}
	source := universe.NewBrokerSource(b, pool, cfg.Strategy.TrendMAPeriod*2)

	universeDir := cfg.Paths.UniverseDir
	if universeDir == "" {
		universeDir = "data/universe"
	}
	cache, err := universe.NewFileCache(universeDir)
	if err != nil {
		return nil, fmt.Errorf("build universe cache: %w", err)
	}
	return universe.New(source, cache, cfg.Universe, calendar), nil
}

// resolveIdempotencyKeyFor builds a webhook.ResolveIdempotencyKey that
// scans the journal's non-terminal rows for one matching BrokerOrderID.
// Acceptable because the fast path only runs against however many
// orders are in flight at once (at most max_open_positions), never the
// full trade history.
func resolveIdempotencyKeyFor(j journal.Journal, mode config.ExecutionMode) webhook.ResolveIdempotencyKey {
	return func(orderNo string) (string, bool) {
		rows, err := j.NonTerminalForMode(context.Background(), string(mode))
		if err != nil {
			return "", false
		}
		for _, row := range rows {
			if row.BrokerOrderID == orderNo {
				return row.IdempotencyKey, true
			}
		}
		return "", false
	}
}

// reconcileAll reconciles every configured fixed-universe symbol against
// the broker's actual holdings before the scheduler starts, per §4.8.
func reconcileAll(ctx context.Context, e *engine) error {
	r := reconcile.New(e.broker, e.store, e.journal, e.mode, logging.Component(e.logger, "reconcile"))
	for _, code := range e.cfg.Universe.FixedSymbols {
		sym, err := domain.NewSymbol(code)
		if err != nil {
			continue
		}
		result, err := r.ReconcileSymbol(ctx, sym)
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", sym, err)
		}
		if len(result.Warnings) > 0 {
			e.logger.Warn().Str("symbol", sym.String()).Strs("warnings", result.Warnings).Msg("reconcile warnings")
		}
	}
	return nil
}

// newExecutorFactory returns the per-symbol constructor the scheduler
// calls on first sight of a new run_symbol.
func newExecutorFactory(e *engine) func(symbol domain.Symbol) *executor.Executor {
	return func(symbol domain.Symbol) *executor.Executor {
		return executor.New(
			symbol, e.broker, e.calendar, e.store, e.tradeLog, e.sync, e.riskMgr, e.bus,
			e.cfg.Strategy, e.cfg.Pacing, nil, e.rampUp,
			logging.ForSymbol(logging.Component(e.logger, "executor"), symbol.String()),
		)
	}
}
