// Package scheduler fans the per-symbol executors out into their own
// goroutines, refreshes the daily universe, and owns the process-wide
// single-instance lock and shutdown sequence (§4.11/§5).
//
// Job shape is generalized from the teacher's nightly/market-hour/weekly
// Job/JobType split: there, a Scheduler held a flat []Job slice and ran
// each type in sequence on its own cron-like trigger. Here there is
// exactly one recurring job per symbol (the trend-ATR tick), so the
// fan-out collapses to one goroutine per symbol plus one orchestrator
// goroutine that recomputes the universe and fans allow/disallow flags
// out to each executor — matching §5's "one orchestrator goroutine and
// one goroutine per symbol" concurrency model.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kis-trend-atr/engine/internal/broker"
	"github.com/kis-trend-atr/engine/internal/config"
	"github.com/kis-trend-atr/engine/internal/domain"
	"github.com/kis-trend-atr/engine/internal/executor"
	"github.com/kis-trend-atr/engine/internal/risk"
	"github.com/kis-trend-atr/engine/internal/universe"
)

// realModeCountdown is how long the scheduler warns before it starts
// submitting live orders, giving an operator a last chance to Ctrl-C.
const realModeCountdown = 10 * time.Second

// universeRefreshInterval bounds how often the orchestrator re-checks
// the daily universe cache and recomputes run_symbols — the universe
// itself only changes once per day, but holdings can change every tick.
const universeRefreshInterval = 1 * time.Minute

// Scheduler owns the per-symbol executor fan-out for one run of the
// engine.
type Scheduler struct {
	mode     config.ExecutionMode
	selector *universe.Selector
	broker   broker.Broker
	cb       *risk.CircuitBreaker
	lock     *InstanceLock
	logger   zerolog.Logger

	maxPositions int

	mu        sync.Mutex
	executors map[domain.Symbol]*executor.Executor
	newExec   func(symbol domain.Symbol) *executor.Executor
}

// New builds a Scheduler. newExec constructs one Executor per symbol on
// first sight, wired to the caller's shared dependencies (broker, store,
// syncer, risk manager, event bus) — kept as a factory so the scheduler
// itself stays free of construction detail for any one dependency.
func New(
	mode config.ExecutionMode,
	selector *universe.Selector,
	b broker.Broker,
	cb *risk.CircuitBreaker,
	lock *InstanceLock,
	maxPositions int,
	newExec func(symbol domain.Symbol) *executor.Executor,
	logger zerolog.Logger,
) *Scheduler {
	return &Scheduler{
		mode: mode, selector: selector, broker: b, cb: cb, lock: lock,
		maxPositions: maxPositions, newExec: newExec, logger: logger,
		executors: make(map[domain.Symbol]*executor.Executor),
	}
}

// Run acquires the single-instance lock, fans executors out per symbol,
// and blocks until ctx is cancelled or a SIGINT/SIGTERM arrives. On
// return, every executor's position has been flushed to the store and
// the lock has been released.
func (s *Scheduler) Run(ctx context.Context) error {
	acquired, err := s.lock.Acquire()
	if err != nil {
		return fmt.Errorf("scheduler: acquire instance lock: %w", err)
	}
	if !acquired {
		return fmt.Errorf("scheduler: another instance is already running")
	}
	defer s.lock.Release()

	if s.mode == config.ModeReal {
		s.warnRealMode()
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(runCtx)
	spawn := func(ex *executor.Executor) { group.Go(func() error { return s.runExecutorLoop(groupCtx, ex) }) }

	holdings, err := s.currentHoldings(runCtx)
	if err != nil {
		return fmt.Errorf("scheduler: initial holdings: %w", err)
	}
	selection, err := s.selector.Select(runCtx, holdings)
	if err != nil {
		return fmt.Errorf("scheduler: initial universe selection: %w", err)
	}
	s.applySelection(selection, spawn)

	group.Go(func() error { return s.runOrchestrator(groupCtx, spawn) })

	err = group.Wait()
	s.flushAll(context.Background())
	if err != nil && groupCtx.Err() != nil {
		// Cancellation (ctx done / signal) is a clean shutdown, not a
		// failure to report to the caller.
		return nil
	}
	return err
}

// warnRealMode prints the live-trading countdown (§4.11).
func (s *Scheduler) warnRealMode() {
	s.logger.Warn().Msg("REAL mode: live orders will be submitted")
	for remaining := realModeCountdown; remaining > 0; remaining -= time.Second {
		s.logger.Warn().Msgf("starting in %s — Ctrl-C to abort", remaining)
		time.Sleep(time.Second)
	}
}

// runOrchestrator periodically recomputes holdings and the daily
// universe, spawning executors for any newly-added entry candidate and
// updating every executor's allow-new-entries flag per §4.10 step 6.
func (s *Scheduler) runOrchestrator(ctx context.Context, spawn func(*executor.Executor)) error {
	ticker := time.NewTicker(universeRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			holdings, err := s.currentHoldings(ctx)
			if err != nil {
				s.logger.Error().Err(err).Msg("orchestrator: refresh holdings failed")
				continue
			}
			selection, err := s.selector.Select(ctx, holdings)
			if err != nil {
				s.logger.Error().Err(err).Msg("orchestrator: refresh universe failed")
				continue
			}
			s.applySelection(selection, spawn)
		}
	}
}

// applySelection enforces step 6 (len(holdings) < max_positions) and
// updates every known executor's allow-new-entries flag. Any run_symbol
// not yet seen gets a fresh Executor, hydrated and started in its own
// goroutine via spawn.
func (s *Scheduler) applySelection(selection domain.UniverseSelection, spawn func(*executor.Executor)) {
	allow, reason := universe.AllowNewEntries(selection, s.maxPositions)
	if !allow {
		s.logger.Warn().Str("reason", reason).Msg("new entries disallowed")
	}

	runSymbols := append(append([]domain.Symbol{}, selection.HoldingsFirst...), selection.EntryCandidates...)

	s.mu.Lock()
	var fresh []*executor.Executor
	for _, sym := range runSymbols {
		ex, ok := s.executors[sym]
		if !ok {
			ex = s.newExec(sym)
			s.executors[sym] = ex
			fresh = append(fresh, ex)
		}
		held := containsSymbol(selection.HoldingsFirst, sym)
		ex.SetAllowNewEntries(allow || held)
	}
	s.mu.Unlock()

	for _, ex := range fresh {
		spawn(ex)
	}
}

// runExecutorLoop runs one symbol's tick loop until ctx is cancelled,
// sleeping whatever RunOnce reports as its next interval (§4.11, §5's
// "ticks are serial; no two ticks for the same symbol are in flight").
func (s *Scheduler) runExecutorLoop(ctx context.Context, ex *executor.Executor) error {
	if err := ex.Hydrate(ctx); err != nil {
		s.logger.Error().Err(err).Msg("executor: hydrate failed")
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		result := ex.RunOnce(ctx, s.cb)
		if result.Err != nil {
			s.logger.Error().Err(result.Err).Msg("executor: tick failed")
		}

		interval := result.NextInterval
		if interval <= 0 {
			interval = 15 * time.Second
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

// currentHoldings returns every symbol the broker's account balance
// reports with a positive quantity.
func (s *Scheduler) currentHoldings(ctx context.Context) ([]domain.Symbol, error) {
	balance, err := s.broker.GetAccountBalance(ctx)
	if err != nil {
		return nil, err
	}
	holdings := make([]domain.Symbol, 0, len(balance.Holdings))
	for _, h := range balance.Holdings {
		if h.Quantity > 0 {
			holdings = append(holdings, h.Symbol)
		}
	}
	return holdings, nil
}

// flushAll persists every executor's in-memory position back to the
// store on shutdown, per §4.11's "flush each executor's position to C3".
func (s *Scheduler) flushAll(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for symbol, ex := range s.executors {
		if err := ex.Flush(ctx); err != nil {
			s.logger.Error().Err(err).Str("symbol", symbol.String()).Msg("flush on shutdown failed")
		}
	}
}

func containsSymbol(symbols []domain.Symbol, target domain.Symbol) bool {
	for _, s := range symbols {
		if s == target {
			return true
		}
	}
	return false
}
