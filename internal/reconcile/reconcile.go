// Package reconcile implements the startup and post-failure position
// reconciler (C8/§4.8): a three-way merge between the locally stored
// position, the broker's actual account holding, and the journal's
// in-flight order state, producing one of the outcomes in
// domain.ReconcileOutcome.
//
// Grounded on original_source's PositionResynchronizer
// (order_synchronizer.py): DRY_RUN/PAPER modes trust the local store
// exclusively (no broker account to check against); REAL mode always
// treats the broker's holdings as ground truth and repairs the local
// store to match.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kis-trend-atr/engine/internal/broker"
	"github.com/kis-trend-atr/engine/internal/config"
	"github.com/kis-trend-atr/engine/internal/domain"
	"github.com/kis-trend-atr/engine/internal/journal"
	"github.com/kis-trend-atr/engine/internal/kst"
	"github.com/kis-trend-atr/engine/internal/store"
)

// recoveryLookback is how far back RecentFilledBuy searches for the
// journal evidence that distinguishes AUTO_RECOVERED_FROM_API from a
// genuine UNTRACKED_HOLDING — reuses the same 72h window
// domain.PendingExit.Stale treats as "still actionable."
const recoveryLookback = 72 * time.Hour

// Result is the outcome of reconciling one symbol.
type Result struct {
	Symbol   domain.Symbol
	Outcome  domain.ReconcileOutcome
	Position *domain.Position // nil unless Outcome leaves a valid position in place
	Warnings []string
}

// Reconciler merges store/broker/journal state on startup and after any
// broker-transport recovery.
type Reconciler struct {
	broker  broker.Broker
	store   store.Store
	journal journal.Journal
	mode    config.ExecutionMode
	logger  zerolog.Logger
}

// New builds a Reconciler. journal is consulted only for the no-store/
// holding-exists branch, to tell a lost-write position apart from a
// genuinely untracked one (§4.8).
func New(b broker.Broker, s store.Store, j journal.Journal, mode config.ExecutionMode, logger zerolog.Logger) *Reconciler {
	return &Reconciler{broker: b, store: s, journal: j, mode: mode, logger: logger}
}

// ReconcileSymbol reconciles the stored position for symbol against the
// broker's holdings. In PAPER/DRY_RUN mode there is no external account
// to check against, so the stored position (if any) is trusted as-is.
func (r *Reconciler) ReconcileSymbol(ctx context.Context, symbol domain.Symbol) (Result, error) {
	stored, err := r.store.Load(ctx, symbol)
	if err != nil {
		return Result{}, fmt.Errorf("reconcile: load stored position: %w", err)
	}

	if r.mode != config.ModeReal {
		if stored == nil {
			return Result{Symbol: symbol, Outcome: domain.ReconcileNoPosition}, nil
		}
		return Result{Symbol: symbol, Outcome: domain.ReconcileMatched, Position: stored}, nil
	}

	balance, err := r.broker.GetAccountBalance(ctx)
	if err != nil {
		return Result{
			Symbol:   symbol,
			Outcome:  domain.ReconcileAPIFailed,
			Warnings: []string{fmt.Sprintf("account balance fetch failed: %v", err)},
		}, nil
	}

	var holding *broker.Holding
	for i := range balance.Holdings {
		if balance.Holdings[i].Symbol == symbol && balance.Holdings[i].Quantity > 0 {
			holding = &balance.Holdings[i]
			break
		}
	}

	return r.merge(ctx, symbol, stored, holding)
}

func (r *Reconciler) merge(ctx context.Context, symbol domain.Symbol, stored *domain.Position, holding *broker.Holding) (Result, error) {
	switch {
	case stored == nil && holding == nil:
		return Result{Symbol: symbol, Outcome: domain.ReconcileNoPosition}, nil

	case stored == nil && holding != nil:
		recovered := recoverPositionFromHolding(symbol, *holding)
		if err := r.store.Save(ctx, recovered); err != nil {
			return Result{}, fmt.Errorf("reconcile: save recovered position: %w", err)
		}

		since := kst.SystemClock{}.Now().Add(-recoveryLookback)
		fill, err := r.journal.RecentFilledBuy(ctx, symbol, since)
		if err != nil {
			return Result{}, fmt.Errorf("reconcile: journal lookup: %w", err)
		}
		if fill != nil {
			msg := fmt.Sprintf("auto-recovered from API: %s qty=%d avg=%s, journal shows filled buy %s at %s",
				symbol, holding.Quantity, holding.AveragePrice, fill.IdempotencyKey, fill.UpdatedAt)
			r.logger.Warn().Str("symbol", string(symbol)).Msg(msg)
			return Result{
				Symbol: symbol, Outcome: domain.ReconcileAutoRecoveredFromAPI,
				Position: &recovered, Warnings: []string{msg},
			}, nil
		}

		msg := fmt.Sprintf("untracked holding found: %s qty=%d avg=%s", symbol, holding.Quantity, holding.AveragePrice)
		r.logger.Warn().Str("symbol", string(symbol)).Msg(msg)
		return Result{
			Symbol: symbol, Outcome: domain.ReconcileUntrackedHolding,
			Position: &recovered, Warnings: []string{msg},
		}, nil

	case stored != nil && holding == nil:
		if err := r.store.Clear(ctx, symbol); err != nil {
			return Result{}, fmt.Errorf("reconcile: clear invalid stored position: %w", err)
		}
		msg := fmt.Sprintf("stored position invalid: %s has no matching broker holding", symbol)
		r.logger.Warn().Str("symbol", string(symbol)).Msg(msg)
		return Result{Symbol: symbol, Outcome: domain.ReconcileStoredInvalid, Warnings: []string{msg}}, nil

	default:
		if holding.Quantity == stored.Quantity {
			return Result{Symbol: symbol, Outcome: domain.ReconcileMatched, Position: stored}, nil
		}
		adjusted := *stored
		adjusted.Quantity = holding.Quantity
		if err := r.store.Save(ctx, adjusted); err != nil {
			return Result{}, fmt.Errorf("reconcile: save quantity-adjusted position: %w", err)
		}
		msg := fmt.Sprintf("quantity adjusted: %s stored=%d broker=%d", symbol, stored.Quantity, holding.Quantity)
		r.logger.Warn().Str("symbol", string(symbol)).Msg(msg)
		return Result{
			Symbol: symbol, Outcome: domain.ReconcileQtyAdjusted,
			Position: &adjusted, Warnings: []string{msg},
		}, nil
	}
}

// ReconcileAll reconciles the stored position for every symbol held
// locally and every symbol the broker reports, in REAL mode — the
// startup sweep the engine runs before accepting new signals. A symbol
// the broker shows but the store never tracked is detected here, not
// just in the single-symbol path.
func (r *Reconciler) ReconcileAll(ctx context.Context, trackedSymbols []domain.Symbol) ([]Result, error) {
	if r.mode != config.ModeReal {
		results := make([]Result, 0, len(trackedSymbols))
		for _, sym := range trackedSymbols {
			res, err := r.ReconcileSymbol(ctx, sym)
			if err != nil {
				return nil, err
			}
			results = append(results, res)
		}
		return results, nil
	}

	balance, err := r.broker.GetAccountBalance(ctx)
	if err != nil {
		results := make([]Result, 0, len(trackedSymbols))
		for _, sym := range trackedSymbols {
			results = append(results, Result{
				Symbol: sym, Outcome: domain.ReconcileAPIFailed,
				Warnings: []string{fmt.Sprintf("account balance fetch failed: %v", err)},
			})
		}
		return results, nil
	}

	holdingBySymbol := make(map[domain.Symbol]broker.Holding, len(balance.Holdings))
	for _, h := range balance.Holdings {
		if h.Quantity > 0 {
			holdingBySymbol[h.Symbol] = h
		}
	}

	seen := make(map[domain.Symbol]bool, len(trackedSymbols))
	results := make([]Result, 0, len(trackedSymbols)+len(holdingBySymbol))

	for _, sym := range trackedSymbols {
		seen[sym] = true
		stored, err := r.store.Load(ctx, sym)
		if err != nil {
			return nil, fmt.Errorf("reconcile: load stored position %s: %w", sym, err)
		}
		h, ok := holdingBySymbol[sym]
		var hp *broker.Holding
		if ok {
			hp = &h
		}
		res, err := r.merge(ctx, sym, stored, hp)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}

	// Broker holdings for symbols the local tracker never saw at all —
	// the original's "다른 종목 보유" critical-mismatch case, generalized
	// to a full-account sweep instead of a single tracked symbol.
	for sym, h := range holdingBySymbol {
		if seen[sym] {
			continue
		}
		if len(trackedSymbols) > 0 {
			msg := fmt.Sprintf("critical mismatch: broker holds untracked %s qty=%d while engine tracks %v", sym, h.Quantity, trackedSymbols)
			r.logger.Error().Str("symbol", string(sym)).Msg(msg)
			results = append(results, Result{Symbol: sym, Outcome: domain.ReconcileCriticalMismatch, Warnings: []string{msg}})
			continue
		}
		res, err := r.merge(ctx, sym, nil, &h)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}

	return results, nil
}

// recoverPositionFromHolding rebuilds a minimal position record from a
// broker holding when no local record exists, estimating the ATR-
// derived fields the strategy would have set at entry since they cannot
// be recovered exactly. Grounded on the original's
// _sync_db_positions_from_api fallback arithmetic (1% of price as a
// stand-in ATR, 5% below price as a stand-in stop).
func recoverPositionFromHolding(symbol domain.Symbol, h broker.Holding) domain.Position {
	base := h.AveragePrice
	if !base.IsPositive() {
		base = h.CurrentPrice
	}
	atr := base.Mul(decimal.NewFromFloat(0.01))
	stop := base.Mul(decimal.NewFromFloat(0.95))
	now := kst.SystemClock{}.Now()

	return domain.Position{
		Symbol:       symbol,
		Side:         domain.SideBuy,
		EntryPrice:   base,
		Quantity:     h.Quantity,
		ATRAtEntry:   atr,
		StopLoss:     stop,
		TrailingStop: stop,
		HighestPrice: decimalMax(h.CurrentPrice, base),
		EntryDate:    now,
		EntryTime:    now,
		State:        domain.StateEntered,
		StrategyID:   "recovered-from-broker",
	}
}

func decimalMax(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}
