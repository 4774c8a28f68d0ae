package journal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kis-trend-atr/engine/internal/domain"
)

// MemoryJournal is an in-process Journal used by tests and by DRY_RUN
// mode, where no database is configured.
type MemoryJournal struct {
	mu     sync.Mutex
	orders map[string]domain.OrderState
	fills  map[string][]domain.Fill
	seen   map[string]struct{} // dedup keys already recorded
}

// NewMemoryJournal creates an empty in-memory journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{
		orders: make(map[string]domain.OrderState),
		fills:  make(map[string][]domain.Fill),
		seen:   make(map[string]struct{}),
	}
}

func (mj *MemoryJournal) Upsert(_ context.Context, order domain.OrderState) error {
	mj.mu.Lock()
	defer mj.mu.Unlock()

	if existing, ok := mj.orders[order.IdempotencyKey]; ok {
		if !existing.Status.CanTransitionTo(order.Status) {
			return fmt.Errorf("%w: order %s cannot transition %s -> %s",
				domain.ErrStateConflict, order.IdempotencyKey, existing.Status, order.Status)
		}
	}
	mj.orders[order.IdempotencyKey] = order
	return nil
}

func (mj *MemoryJournal) Get(_ context.Context, idempotencyKey string) (*domain.OrderState, error) {
	mj.mu.Lock()
	defer mj.mu.Unlock()
	o, ok := mj.orders[idempotencyKey]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (mj *MemoryJournal) NonTerminalForMode(_ context.Context, mode string) ([]domain.OrderState, error) {
	mj.mu.Lock()
	defer mj.mu.Unlock()

	var out []domain.OrderState
	for _, o := range mj.orders {
		if o.Status.IsTerminal() {
			continue
		}
		if o.Mode == "" || o.Mode == mode {
			out = append(out, o)
		}
	}
	return out, nil
}

func (mj *MemoryJournal) RecordFill(_ context.Context, idempotencyKey string, fill domain.Fill) error {
	mj.mu.Lock()
	defer mj.mu.Unlock()

	key := fill.DedupKey()
	if _, dup := mj.seen[key]; dup {
		return nil
	}
	mj.seen[key] = struct{}{}
	mj.fills[idempotencyKey] = append(mj.fills[idempotencyKey], fill)
	return nil
}

func (mj *MemoryJournal) FillsFor(_ context.Context, idempotencyKey string) ([]domain.Fill, error) {
	mj.mu.Lock()
	defer mj.mu.Unlock()
	out := make([]domain.Fill, len(mj.fills[idempotencyKey]))
	copy(out, mj.fills[idempotencyKey])
	return out, nil
}

func (mj *MemoryJournal) RecentFilledBuy(_ context.Context, symbol domain.Symbol, since time.Time) (*domain.OrderState, error) {
	mj.mu.Lock()
	defer mj.mu.Unlock()

	var best *domain.OrderState
	for _, o := range mj.orders {
		if o.Symbol != symbol || o.Side != domain.SideBuy || o.Status != domain.OrderStatusFilled {
			continue
		}
		if o.UpdatedAt.Before(since) {
			continue
		}
		if best == nil || o.UpdatedAt.After(best.UpdatedAt) {
			o := o
			best = &o
		}
	}
	return best, nil
}
