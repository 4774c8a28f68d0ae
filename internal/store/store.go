// Package store persists open positions and pending exits (C3). Every
// write is atomic (write-temp + rename per symbol) so a crash mid-write
// yields either the previous or the new state, never a torn file —
// generalized from the teacher's internal/storage.Store interface
// (candle/trade/signal rows) down to the position-keyed-by-symbol shape
// the spec requires, with a FileStore default and an optional
// Postgres-backed implementation for multi-instance deployments.
package store

import (
	"context"
	"time"

	"github.com/kis-trend-atr/engine/internal/domain"
)

// Store is the position persistence contract (§4.3).
type Store interface {
	Load(ctx context.Context, symbol domain.Symbol) (*domain.Position, error)
	Save(ctx context.Context, position domain.Position) error
	Clear(ctx context.Context, symbol domain.Symbol) error

	SavePendingExit(ctx context.Context, p domain.PendingExit) error
	LoadPendingExit(ctx context.Context, symbol domain.Symbol) (*domain.PendingExit, error)
	ClearPendingExit(ctx context.Context, symbol domain.Symbol) error

	// AllPositions returns every currently stored open position, used by
	// the reconciler and by clean shutdown.
	AllPositions(ctx context.Context) ([]domain.Position, error)
}

// isStale reports whether a loaded pending-exit record should be
// discarded: either it was read from the wrong symbol's slot (corrupt
// write) or it has aged past the 72h staleness window.
func isStale(p *domain.PendingExit, symbol domain.Symbol, now time.Time) bool {
	if p == nil {
		return false
	}
	if p.Symbol != symbol {
		return true
	}
	return p.Stale(now)
}
