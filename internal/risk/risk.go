// Package risk implements the account-level risk guards (§4.5): kill
// switch, daily loss limit, consecutive-loss gate, and cumulative
// drawdown. Risk rules are implemented in Go and cannot be overridden by
// the strategy — every BUY signal passes through CheckOrderAllowed
// before an order is ever placed, and closing positions are never
// blocked.
package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kis-trend-atr/engine/internal/config"
	"github.com/kis-trend-atr/engine/internal/domain"
)

// Decision is the outcome of an order-admission or kill-switch check.
type Decision struct {
	Passed     bool
	Reason     string
	ShouldExit bool // true when the condition also demands a clean engine shutdown
}

func allow() Decision { return Decision{Passed: true} }

func deny(reason string, shouldExit bool) Decision {
	return Decision{Passed: false, Reason: reason, ShouldExit: shouldExit}
}

// Manager is the final gatekeeper before any order is placed. It is
// deliberately strict: a rule trips even if the strategy is confident.
type Manager struct {
	mu sync.Mutex

	cfg    config.RiskConfig
	state  domain.RiskState
	daily  domain.DailyPnL
	snap   domain.AccountSnapshot
	logger zerolog.Logger

	snapshotTTL     time.Duration
	startingCapital decimal.Decimal
}

// NewManager builds a Manager seeded from persisted RiskState (empty on
// a fresh account) and the risk configuration.
func NewManager(cfg config.RiskConfig, initial domain.RiskState, logger zerolog.Logger) *Manager {
	if initial.KillSwitch == "" {
		initial.KillSwitch = domain.KillSwitchOff
	}
	ttl := time.Duration(cfg.AccountSnapshotTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Manager{
		cfg:         cfg,
		state:       initial,
		logger:      logger,
		snapshotTTL: ttl,
	}
}

// UpdateRiskConfig replaces the risk configuration atomically, for
// config hot-reload without restarting.
func (m *Manager) UpdateRiskConfig(cfg config.RiskConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

// State returns a copy of the persisted risk state, for C3 to write
// through after every mutating call.
func (m *Manager) State() domain.RiskState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// DailyPnL returns a copy of the current day's realized/unrealized P&L.
func (m *Manager) DailyPnL() domain.DailyPnL {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.daily
}

// CheckOrderAllowed evaluates whether a new order may be submitted.
// isClosingPosition bypasses every rule, the kill switch included
// (closing is always allowed so a position can never get stuck open).
func (m *Manager) CheckOrderAllowed(isClosingPosition bool) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	if isClosingPosition {
		return allow()
	}

	if m.state.KillSwitch == domain.KillSwitchTripped {
		return deny("kill switch tripped: "+m.state.KillSwitchReason, true)
	}

	if m.cfg.MaxConsecutiveLosses > 0 && m.daily.ConsecutiveLosses >= m.cfg.MaxConsecutiveLosses {
		return deny("consecutive losses reached limit", false)
	}

	if m.startingCapital.IsPositive() {
		dailyPct := m.daily.Total().Div(m.startingCapital).Mul(decimal.NewFromInt(100))
		maxLoss := decimal.NewFromFloat(m.cfg.DailyMaxLossPercent).Neg()
		if dailyPct.LessThanOrEqual(maxLoss) {
			return deny("daily realized loss reached limit", false)
		}
	}

	if decimal.NewFromFloat(m.cfg.MaxCumulativeDrawdownPct).LessThanOrEqual(m.state.CumulativeDrawdownPct) {
		m.tripKillSwitch("cumulative drawdown reached max_cumulative_drawdown_pct")
		return deny("kill switch tripped: cumulative drawdown limit", true)
	}

	return allow()
}

// CheckKillSwitch is a read-only view of the current trip state, for
// status reporting and the scheduler's shutdown check.
func (m *Manager) CheckKillSwitch() Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.KillSwitch == domain.KillSwitchTripped {
		return deny("kill switch tripped: "+m.state.KillSwitchReason, true)
	}
	return allow()
}

// RecordTradePnL updates realized P&L, the win/loss streak, peak equity
// and cumulative drawdown for a single closed trade. May arm or trip the
// kill switch.
func (m *Manager) RecordTradePnL(pnl decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollDailyLocked(time.Now())

	m.daily.RealizedPnL = m.daily.RealizedPnL.Add(pnl)
	if pnl.IsNegative() {
		m.daily.ConsecutiveLosses++
	} else {
		m.daily.ConsecutiveLosses = 0
	}

	if m.snap.Equity.IsPositive() {
		if m.snap.Equity.GreaterThan(m.state.PeakEquity) {
			m.state.PeakEquity = m.snap.Equity
		}
		m.recomputeDrawdownLocked()
	}

	if m.cfg.MaxConsecutiveLosses > 0 && m.daily.ConsecutiveLosses >= m.cfg.MaxConsecutiveLosses {
		m.logger.Warn().Int("consecutive_losses", m.daily.ConsecutiveLosses).
			Msg("consecutive loss limit reached, new entries blocked for the rest of the day")
	}
}

// UpdateAccountSnapshot refreshes equity-derived metrics from a freshly
// fetched broker balance, respecting the ≥60s TTL so the risk manager
// never forces an extra broker call. Synchronizes starting_capital once
// per KST calendar date from live equity.
func (m *Manager) UpdateAccountSnapshot(snap domain.AccountSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.snap.FetchedAt.IsZero() && snap.FetchedAt.Sub(m.snap.FetchedAt) < m.snapshotTTL {
		return
	}
	m.snap = snap

	m.rollDailyLocked(snap.FetchedAt)

	if m.startingCapital.IsZero() {
		m.startingCapital = snap.Equity
	}
	if snap.Equity.GreaterThan(m.state.PeakEquity) {
		m.state.PeakEquity = snap.Equity
	}
	m.recomputeDrawdownLocked()

	if decimal.NewFromFloat(m.cfg.MaxCumulativeDrawdownPct).LessThanOrEqual(m.state.CumulativeDrawdownPct) {
		m.tripKillSwitch("cumulative drawdown reached max_cumulative_drawdown_pct")
	} else if decimal.NewFromFloat(m.cfg.CumulativeDrawdownWarnPct).LessThanOrEqual(m.state.CumulativeDrawdownPct) {
		m.armKillSwitch("cumulative drawdown reached cumulative_drawdown_warning_pct")
	}
}

// recomputeDrawdownLocked recomputes cumulative_drawdown_pct =
// (peak_equity - current_equity) / peak_equity * 100. Caller holds m.mu.
func (m *Manager) recomputeDrawdownLocked() {
	if !m.state.PeakEquity.IsPositive() {
		m.state.CumulativeDrawdownPct = decimal.Zero
		return
	}
	drawdown := m.state.PeakEquity.Sub(m.snap.Equity).Div(m.state.PeakEquity).Mul(decimal.NewFromInt(100))
	if drawdown.IsNegative() {
		drawdown = decimal.Zero
	}
	m.state.CumulativeDrawdownPct = drawdown
}

// rollDailyLocked resets the daily P&L counters at the KST calendar date
// boundary. Caller holds m.mu.
func (m *Manager) rollDailyLocked(now time.Time) {
	kst := now.In(kstLocation())
	today := time.Date(kst.Year(), kst.Month(), kst.Day(), 0, 0, 0, 0, kst.Location())
	if m.daily.Date.IsZero() {
		m.daily.Date = today
		return
	}
	if !today.Equal(m.daily.Date) {
		m.daily = domain.DailyPnL{Date: today}
		m.startingCapital = decimal.Zero
	}
}

func (m *Manager) armKillSwitch(reason string) {
	if m.state.KillSwitch == domain.KillSwitchTripped {
		return
	}
	if m.state.KillSwitch != domain.KillSwitchArmed {
		m.state.KillSwitch = domain.KillSwitchArmed
		m.state.KillSwitchReason = reason
		m.state.KillSwitchArmedAt = time.Now()
		m.logger.Warn().Str("reason", reason).Msg("kill switch armed")
	}
}

func (m *Manager) tripKillSwitch(reason string) {
	if m.state.KillSwitch == domain.KillSwitchTripped {
		return
	}
	m.state.KillSwitch = domain.KillSwitchTripped
	m.state.KillSwitchReason = reason
	m.state.KillSwitchTrippedAt = time.Now()
	m.logger.Error().Str("reason", reason).Msg("kill switch tripped, new entries blocked")
}

// ManualReset clears an armed or tripped kill switch. Used by an
// operator-driven recovery path, never called automatically.
func (m *Manager) ManualReset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.KillSwitch = domain.KillSwitchOff
	m.state.KillSwitchReason = ""
	m.state.KillSwitchArmedAt = time.Time{}
	m.state.KillSwitchTrippedAt = time.Time{}
	m.logger.Info().Msg("kill switch manually reset")
}

func kstLocation() *time.Location {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		return time.FixedZone("KST", 9*60*60)
	}
	return loc
}
