// Package journal - postgres.go implements Journal against Postgres
// using pgx/v5, filling in the concern the teacher's
// internal/storage/postgres.go left as a stub.
package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kis-trend-atr/engine/internal/domain"
)

// PostgresJournal implements Journal against Postgres.
type PostgresJournal struct {
	pool *pgxpool.Pool
}

// NewPostgresJournal connects to connStr and verifies reachability.
func NewPostgresJournal(ctx context.Context, connStr string) (*PostgresJournal, error) {
	if connStr == "" {
		return nil, fmt.Errorf("postgres journal: connection string is required")
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("postgres journal: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres journal: ping: %w", err)
	}
	return &PostgresJournal{pool: pool}, nil
}

// Close releases the connection pool.
func (pj *PostgresJournal) Close() { pj.pool.Close() }

func (pj *PostgresJournal) Upsert(ctx context.Context, order domain.OrderState) error {
	existing, err := pj.Get(ctx, order.IdempotencyKey)
	if err != nil {
		return err
	}
	if existing != nil && !existing.Status.CanTransitionTo(order.Status) {
		return fmt.Errorf("%w: order %s cannot transition %s -> %s",
			domain.ErrStateConflict, order.IdempotencyKey, existing.Status, order.Status)
	}

	_, err = pj.pool.Exec(ctx, `
		INSERT INTO order_journal (idempotency_key, mode, symbol, side, requested_qty,
			filled_qty, status, broker_order_id, signal_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (idempotency_key) DO UPDATE SET
			filled_qty=$6, status=$7, broker_order_id=$8, updated_at=$11`,
		order.IdempotencyKey, order.Mode, order.Symbol.String(), string(order.Side), order.RequestedQty,
		order.FilledQty, string(order.Status), order.BrokerOrderID, order.SignalID,
		order.CreatedAt, order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres journal: upsert %s: %w", order.IdempotencyKey, err)
	}
	return nil
}

func (pj *PostgresJournal) Get(ctx context.Context, idempotencyKey string) (*domain.OrderState, error) {
	row := pj.pool.QueryRow(ctx, `
		SELECT idempotency_key, mode, symbol, side, requested_qty, filled_qty, status,
		       broker_order_id, signal_id, created_at, updated_at
		FROM order_journal WHERE idempotency_key = $1`, idempotencyKey)

	var o domain.OrderState
	var symbolStr, side, status string
	err := row.Scan(&o.IdempotencyKey, &o.Mode, &symbolStr, &side, &o.RequestedQty, &o.FilledQty,
		&status, &o.BrokerOrderID, &o.SignalID, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres journal: get %s: %w", idempotencyKey, err)
	}
	o.Symbol, _ = domain.NewSymbol(symbolStr)
	o.Side = domain.Side(side)
	o.Status = domain.OrderStatus(status)
	return &o, nil
}

func (pj *PostgresJournal) NonTerminalForMode(ctx context.Context, mode string) ([]domain.OrderState, error) {
	rows, err := pj.pool.Query(ctx, `
		SELECT idempotency_key, mode, symbol, side, requested_qty, filled_qty, status,
		       broker_order_id, signal_id, created_at, updated_at
		FROM order_journal
		WHERE mode = $1 AND status NOT IN ('FILLED','CANCELLED','FAILED')`, mode)
	if err != nil {
		return nil, fmt.Errorf("postgres journal: non-terminal for mode %s: %w", mode, err)
	}
	defer rows.Close()

	var out []domain.OrderState
	for rows.Next() {
		var o domain.OrderState
		var symbolStr, side, status string
		if err := rows.Scan(&o.IdempotencyKey, &o.Mode, &symbolStr, &side, &o.RequestedQty, &o.FilledQty,
			&status, &o.BrokerOrderID, &o.SignalID, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres journal: scan: %w", err)
		}
		o.Symbol, _ = domain.NewSymbol(symbolStr)
		o.Side = domain.Side(side)
		o.Status = domain.OrderStatus(status)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (pj *PostgresJournal) RecordFill(ctx context.Context, idempotencyKey string, fill domain.Fill) error {
	_, err := pj.pool.Exec(ctx, `
		INSERT INTO order_fills (idempotency_key, dedup_key, order_no, symbol, side,
			price, quantity, executed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (dedup_key) DO NOTHING`,
		idempotencyKey, fill.DedupKey(), fill.OrderNo, fill.Symbol.String(),
		string(fill.Side), fill.Price, fill.Quantity, fill.ExecutedAt)
	if err != nil {
		return fmt.Errorf("postgres journal: record fill for %s: %w", idempotencyKey, err)
	}
	return nil
}

func (pj *PostgresJournal) FillsFor(ctx context.Context, idempotencyKey string) ([]domain.Fill, error) {
	rows, err := pj.pool.Query(ctx, `
		SELECT order_no, symbol, side, price, quantity, executed_at
		FROM order_fills WHERE idempotency_key = $1 ORDER BY executed_at ASC`, idempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("postgres journal: fills for %s: %w", idempotencyKey, err)
	}
	defer rows.Close()

	var out []domain.Fill
	for rows.Next() {
		var f domain.Fill
		var symbolStr, side string
		if err := rows.Scan(&f.OrderNo, &symbolStr, &side, &f.Price, &f.Quantity, &f.ExecutedAt); err != nil {
			return nil, fmt.Errorf("postgres journal: scan fill: %w", err)
		}
		f.Symbol, _ = domain.NewSymbol(symbolStr)
		f.Side = domain.Side(side)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (pj *PostgresJournal) RecentFilledBuy(ctx context.Context, symbol domain.Symbol, since time.Time) (*domain.OrderState, error) {
	row := pj.pool.QueryRow(ctx, `
		SELECT idempotency_key, mode, symbol, side, requested_qty, filled_qty, status,
		       broker_order_id, signal_id, created_at, updated_at
		FROM order_journal
		WHERE symbol = $1 AND side = 'BUY' AND status = 'FILLED' AND updated_at >= $2
		ORDER BY updated_at DESC LIMIT 1`, symbol.String(), since)

	var o domain.OrderState
	var symbolStr, side, status string
	err := row.Scan(&o.IdempotencyKey, &o.Mode, &symbolStr, &side, &o.RequestedQty, &o.FilledQty,
		&status, &o.BrokerOrderID, &o.SignalID, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres journal: recent filled buy %s: %w", symbol, err)
	}
	o.Symbol, _ = domain.NewSymbol(symbolStr)
	o.Side = domain.Side(side)
	o.Status = domain.OrderStatus(status)
	return &o, nil
}
