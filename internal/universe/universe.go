// Package universe selects the daily trading universe (§4.10): once per
// KST date, recomputed after the market opens when the Selector has a
// calendar (see Selector.Select), with a holdings-first policy that never drops a symbol the engine is
// already long regardless of what the selection method would otherwise
// pick.
//
// Grounded on original_source's universe_selector.py: four selection
// methods (fixed, volume_top, atr_filter, combined), a cache file keyed
// by KST calendar date to make restarts deterministic, and a
// fixed-universe fallback on any selection failure.
package universe

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kis-trend-atr/engine/internal/broker"
	"github.com/kis-trend-atr/engine/internal/config"
	"github.com/kis-trend-atr/engine/internal/domain"
	"github.com/kis-trend-atr/engine/internal/kst"
	"github.com/kis-trend-atr/engine/internal/marketclock"
)

// CandidateSource supplies the raw data the selector needs to score
// candidates, decoupled from any one broker implementation.
type CandidateSource interface {
	// CandidatePool returns the codes to scan for volume_top/atr_filter.
	CandidatePool(ctx context.Context) ([]domain.Symbol, error)
	Snapshot(ctx context.Context, symbol domain.Symbol) (Snapshot, error)
	DailyBars(ctx context.Context, symbol domain.Symbol) ([]domain.Bar, error)
}

// Snapshot is one symbol's current-session data used by the safety
// filters and the volume_top ranking.
type Snapshot struct {
	Symbol        domain.Symbol
	TradeValue    decimal.Decimal
	MarketCap     decimal.Decimal
	Suspended     bool
	Management    bool
	PctFromOpen   decimal.Decimal
}

// Cache persists today's selection so a restart mid-session reuses it
// instead of re-selecting (the original's universe_cache.json).
type Cache interface {
	Load(ctx context.Context, date string) (*domain.UniverseSelection, error)
	Save(ctx context.Context, selection domain.UniverseSelection) error
}

// Selector picks the daily universe per §4.10.
type Selector struct {
	source   CandidateSource
	cache    Cache
	cfg      config.UniverseConfig
	calendar *marketclock.Calendar
}

// New builds a Selector. calendar drives the one cache-refresh condition
// this selector implements: a single post-open recompute, so opening-
// session data (volume, gaps) replaces whatever premarket snapshot seeded
// the original selection. A nil calendar disables the refresh and the
// selector behaves as select-once-per-date, matching the teacher.
func New(source CandidateSource, cache Cache, cfg config.UniverseConfig, calendar *marketclock.Calendar) *Selector {
	return &Selector{source: source, cache: cache, cfg: cfg, calendar: calendar}
}

// Select returns today's universe, given the symbols currently held.
// Holdings are always retained (holdings-first) regardless of what the
// configured selection method would otherwise produce.
//
// Cache-refresh policy (§4.10 step 2): the cached selection is reused
// unless it has not yet been refreshed today and the market has since
// reached OPEN — in that case it is recomputed exactly once and
// MarketOpenRefreshedFlag is set so later ticks the same day reuse it.
func (s *Selector) Select(ctx context.Context, holdings []domain.Symbol) (domain.UniverseSelection, error) {
	now := kst.SystemClock{}.Now()
	dateKey := kst.DateString(now)

	cached, err := s.cache.Load(ctx, dateKey)
	if err == nil && cached != nil && !s.needsMarketOpenRefresh(*cached, now) {
		return s.finalizeWithHoldings(*cached, holdings), nil
	}

	selected, selErr := s.selectByMethod(ctx)
	if selErr != nil {
		selected, selErr = s.selectFixed()
		if selErr != nil {
			if cached != nil {
				return s.finalizeWithHoldings(*cached, holdings), nil
			}
			return domain.UniverseSelection{}, fmt.Errorf("universe: selection failed and fixed fallback unavailable: %w", selErr)
		}
	}

	result := domain.UniverseSelection{
		Date: now, Method: s.cfg.SelectionMethod, Symbols: selected, SavedAt: now,
	}
	if cached != nil {
		result.MarketOpenRefreshedFlag = true
	}
	if err := s.cache.Save(ctx, result); err != nil {
		return domain.UniverseSelection{}, fmt.Errorf("universe: save cache: %w", err)
	}
	return s.finalizeWithHoldings(result, holdings), nil
}

// needsMarketOpenRefresh reports whether the cached selection predates
// the market's OPEN transition for today and has not yet taken its one
// post-open recompute.
func (s *Selector) needsMarketOpenRefresh(cached domain.UniverseSelection, now time.Time) bool {
	if s.calendar == nil || cached.MarketOpenRefreshedFlag {
		return false
	}
	return s.calendar.Status(now) == marketclock.StatusOpen
}

func (s *Selector) finalizeWithHoldings(result domain.UniverseSelection, holdings []domain.Symbol) domain.UniverseSelection {
	held := make(map[domain.Symbol]bool, len(holdings))
	for _, h := range holdings {
		held[h] = true
	}

	result.HoldingsFirst = holdings
	var candidates []domain.Symbol
	for _, sym := range result.Symbols {
		if !held[sym] {
			candidates = append(candidates, sym)
		}
	}
	result.EntryCandidates = candidates
	return result
}

func (s *Selector) selectByMethod(ctx context.Context) ([]domain.Symbol, error) {
	switch s.cfg.SelectionMethod {
	case "fixed":
		return s.selectFixed()
	case "volume_top":
		return s.selectVolumeTop(ctx, s.cfg.UniverseSize)
	case "atr_filter":
		return s.selectATRFilter(ctx)
	case "combined":
		return s.selectCombined(ctx)
	default:
		return nil, fmt.Errorf("universe: unsupported selection_method %q", s.cfg.SelectionMethod)
	}
}

func (s *Selector) selectFixed() ([]domain.Symbol, error) {
	out := make([]domain.Symbol, 0, len(s.cfg.FixedSymbols))
	for _, raw := range s.cfg.FixedSymbols {
		sym, err := domain.NewSymbol(raw)
		if err != nil {
			continue
		}
		out = append(out, sym)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("universe: fixed selection produced zero symbols")
	}
	return capAt(out, s.cfg.MaxPositions), nil
}

func (s *Selector) selectVolumeTop(ctx context.Context, limit int) ([]domain.Symbol, error) {
	pool, err := s.source.CandidatePool(ctx)
	if err != nil {
		return nil, fmt.Errorf("universe: candidate pool: %w", err)
	}

	type ranked struct {
		symbol     domain.Symbol
		tradeValue decimal.Decimal
	}
	var rows []ranked
	for _, sym := range pool {
		snap, err := s.source.Snapshot(ctx, sym)
		if err != nil || !s.passesSafetyFilters(snap) {
			continue
		}
		rows = append(rows, ranked{symbol: sym, tradeValue: snap.TradeValue})
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].tradeValue.GreaterThan(rows[j].tradeValue) })

	top := limit
	if s.cfg.MaxPositions > top {
		top = s.cfg.MaxPositions
	}
	if top > len(rows) {
		top = len(rows)
	}

	out := make([]domain.Symbol, 0, top)
	for _, r := range rows[:top] {
		out = append(out, r.symbol)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("universe: volume_top produced zero symbols")
	}
	return capAt(out, s.cfg.MaxPositions), nil
}

func (s *Selector) selectATRFilter(ctx context.Context) ([]domain.Symbol, error) {
	pool, err := s.source.CandidatePool(ctx)
	if err != nil {
		return nil, fmt.Errorf("universe: candidate pool: %w", err)
	}

	var out []domain.Symbol
	for _, sym := range pool {
		ratio, err := s.atrRatioPct(ctx, sym)
		if err != nil {
			continue
		}
		if ratio.GreaterThanOrEqual(decimal.NewFromFloat(s.cfg.MinATRPct)) &&
			ratio.LessThanOrEqual(decimal.NewFromFloat(s.cfg.MaxATRPct)) {
			out = append(out, sym)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("universe: atr_filter produced zero symbols")
	}
	return capAt(out, s.cfg.MaxPositions), nil
}

func (s *Selector) selectCombined(ctx context.Context) ([]domain.Symbol, error) {
	firstStage, err := s.selectVolumeTop(ctx, s.cfg.MaxPositions*3)
	if err != nil {
		return nil, err
	}

	var out []domain.Symbol
	for _, sym := range firstStage {
		ratio, err := s.atrRatioPct(ctx, sym)
		if err != nil {
			continue
		}
		if ratio.GreaterThanOrEqual(decimal.NewFromFloat(s.cfg.MinATRPct)) &&
			ratio.LessThanOrEqual(decimal.NewFromFloat(s.cfg.MaxATRPct)) {
			out = append(out, sym)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("universe: combined selection produced zero symbols")
	}
	return capAt(out, s.cfg.MaxPositions), nil
}

// universeATRPeriod is the true-range lookback for the atr_filter and
// combined selection methods — a coarse daily-bar screen, independent
// of the strategy's configurable ATRPeriod.
const universeATRPeriod = 14

// atrRatioPct computes ATR/close*100 over the symbol's recent daily
// bars, matching the original's simple true-range average (not the
// indicators package's Wilder-smoothed ATR — this is a coarse screen,
// not the strategy's frozen-at-entry ATR).
func (s *Selector) atrRatioPct(ctx context.Context, symbol domain.Symbol) (decimal.Decimal, error) {
	bars, err := s.source.DailyBars(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	period := universeATRPeriod
	if len(bars) < period+1 {
		return decimal.Zero, fmt.Errorf("universe: insufficient bars for ATR ratio")
	}
	if !bars[len(bars)-1].Close.IsPositive() {
		return decimal.Zero, fmt.Errorf("universe: non-positive close")
	}

	trueRanges := make([]decimal.Decimal, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		hl := bars[i].High.Sub(bars[i].Low)
		hc := bars[i].High.Sub(bars[i-1].Close).Abs()
		lc := bars[i].Low.Sub(bars[i-1].Close).Abs()
		trueRanges = append(trueRanges, decimalMax(decimalMax(hl, hc), lc))
	}
	if len(trueRanges) < period {
		return decimal.Zero, fmt.Errorf("universe: insufficient true ranges")
	}

	sum := decimal.Zero
	for _, tr := range trueRanges[len(trueRanges)-period:] {
		sum = sum.Add(tr)
	}
	atr := sum.Div(decimal.NewFromInt(int64(period)))
	return atr.Div(bars[len(bars)-1].Close).Mul(decimal.NewFromInt(100)), nil
}

func (s *Selector) passesSafetyFilters(snap Snapshot) bool {
	if snap.TradeValue.LessThan(decimal.NewFromFloat(s.cfg.MinVolume)) {
		return false
	}
	if snap.MarketCap.IsPositive() && snap.MarketCap.LessThan(decimal.NewFromFloat(s.cfg.MinMarketCap)) {
		return false
	}
	if snap.Suspended || snap.Management {
		return false
	}
	maxMove := s.cfg.MaxDailyMovePct
	if maxMove <= 0 {
		maxMove = 28
	}
	if snap.PctFromOpen.Abs().GreaterThanOrEqual(decimal.NewFromFloat(maxMove)) {
		return false
	}
	return true
}

func capAt(symbols []domain.Symbol, max int) []domain.Symbol {
	if max <= 0 || len(symbols) <= max {
		return symbols
	}
	return symbols[:max]
}

func decimalMax(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// AllowNewEntries reports whether an entry candidate may open a new
// position, enforcing len(holdings) < max_positions (§4.10 step 6).
func AllowNewEntries(selection domain.UniverseSelection, maxPositions int) (bool, string) {
	if maxPositions > 0 && len(selection.HoldingsFirst) >= maxPositions {
		return false, fmt.Sprintf("max_positions reached: %d/%d held", len(selection.HoldingsFirst), maxPositions)
	}
	return true, ""
}

// BrokerCandidateSource adapts a broker.Broker to CandidateSource for a
// fixed, pre-supplied candidate pool (the yaml/restricted-pool modes —
// market-wide scanning is out of scope, §9 Non-goals).
type BrokerCandidateSource struct {
	Broker     broker.Broker
	Candidates []domain.Symbol
}

func (b *BrokerCandidateSource) CandidatePool(ctx context.Context) ([]domain.Symbol, error) {
	return b.Candidates, nil
}

func (b *BrokerCandidateSource) Snapshot(ctx context.Context, symbol domain.Symbol) (Snapshot, error) {
	quote, err := b.Broker.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return Snapshot{}, err
	}
	if !quote.Price.IsPositive() {
		return Snapshot{}, fmt.Errorf("universe: non-positive price for %s", symbol)
	}
	tradeValue := quote.Price.Mul(decimal.NewFromInt(quote.Volume))
	pct := decimal.Zero
	if quote.Open.IsPositive() {
		pct = quote.Price.Sub(quote.Open).Div(quote.Open).Mul(decimal.NewFromInt(100))
	}
	return Snapshot{Symbol: symbol, TradeValue: tradeValue, PctFromOpen: pct}, nil
}

func (b *BrokerCandidateSource) DailyBars(ctx context.Context, symbol domain.Symbol) ([]domain.Bar, error) {
	now := kst.SystemClock{}.Now()
	return b.Broker.GetDailyOHLCV(ctx, symbol, now.AddDate(0, -2, 0), now)
}
