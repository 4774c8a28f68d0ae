package executor

import (
	"sync"

	"github.com/shopspring/decimal"
)

// RampUpState scales the very first REAL-mode order this process places
// down to a configured fraction of its normal size (--real-first-order-percent),
// a last-chance safety net for a broker integration's first live fill.
// Shared across every symbol's Executor — "first" means process-wide,
// not per-symbol, since the risk is an untested order path, not any one
// symbol.
type RampUpState struct {
	mu      sync.Mutex
	percent decimal.Decimal // e.g. 0.25 for 25%; zero means disabled
	spent   bool
}

// NewRampUpState builds a RampUpState that scales the first order to
// percent (0-100]. A percent of 0 or >=100 disables scaling entirely.
func NewRampUpState(percent float64) *RampUpState {
	if percent <= 0 || percent >= 100 {
		return nil
	}
	return &RampUpState{percent: decimal.NewFromFloat(percent).Div(decimal.NewFromInt(100))}
}

// consume returns the scale factor to apply to the next order's
// quantity: percent on the first call, 1 (no scaling) on every call
// after. Safe for concurrent use across multiple symbols' executors.
func (r *RampUpState) consume() decimal.Decimal {
	if r == nil {
		return decimal.NewFromInt(1)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.spent {
		return decimal.NewFromInt(1)
	}
	r.spent = true
	return r.percent
}
