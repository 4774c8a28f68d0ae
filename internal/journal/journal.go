// Package journal implements the order-state journal (C4): a single
// table keyed by idempotency_key, write-through on every submission,
// partial fill, cancel and terminal state. On startup the engine queries
// every non-terminal row for the current mode to feed the reconciler
// (§4.8). Grounded on the teacher's internal/storage/postgres.go stub
// (never implemented there), generalized to the idempotency-keyed shape
// the spec requires.
package journal

import (
	"context"
	"time"

	"github.com/kis-trend-atr/engine/internal/domain"
)

// Journal is the order-state persistence contract (§4.4).
type Journal interface {
	// Upsert writes the current state of order, keyed by its
	// IdempotencyKey. Enforces domain.CanTransitionTo at the row level —
	// a non-monotone transition is rejected with domain.ErrStateConflict.
	Upsert(ctx context.Context, order domain.OrderState) error

	// Get returns the journal row for a given idempotency key, or nil if
	// no submission has ever been made for that key — this is the
	// at-most-once check the syncer consults before placing an order.
	Get(ctx context.Context, idempotencyKey string) (*domain.OrderState, error)

	// NonTerminalForMode returns every row whose status is not terminal
	// for the given execution mode, used to seed the reconciler on
	// startup.
	NonTerminalForMode(ctx context.Context, mode string) ([]domain.OrderState, error)

	// RecordFill appends a deduplicated fill (by Fill.DedupKey) against
	// an order's idempotency key.
	RecordFill(ctx context.Context, idempotencyKey string, fill domain.Fill) error

	// FillsFor returns every recorded fill for an idempotency key, in
	// the order they were recorded.
	FillsFor(ctx context.Context, idempotencyKey string) ([]domain.Fill, error)

	// RecentFilledBuy returns the most recent FILLED BUY row for symbol
	// with UpdatedAt at or after since, or nil if none exists. Used by
	// the reconciler (§4.8) to tell a genuine untracked holding apart
	// from a position whose store write was lost after the broker
	// confirmed the fill.
	RecentFilledBuy(ctx context.Context, symbol domain.Symbol, since time.Time) (*domain.OrderState, error)
}
