// Package store - postgres.go provides a pgx-backed Store for
// multi-instance or durable deployments, filling in the teacher's
// internal/storage/postgres.go stub (every method there returned "not
// yet implemented") with real queries against the position/pending_exit
// tables.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kis-trend-atr/engine/internal/domain"
	"github.com/kis-trend-atr/engine/internal/kst"
)

// PostgresStore implements Store against Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to connStr and pings the server; it does not
// check that the schema's tables exist.
func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	if connStr == "" {
		return nil, fmt.Errorf("postgres store: connection string is required")
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("postgres store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Pool returns the underlying connection pool, so a PostgresTradeLog can
// share it instead of opening a second pool against the same database.
func (p *PostgresStore) Pool() *pgxpool.Pool {
	return p.pool
}

// Close releases the connection pool.
func (ps *PostgresStore) Close() { ps.pool.Close() }

func (ps *PostgresStore) Load(ctx context.Context, symbol domain.Symbol) (*domain.Position, error) {
	row := ps.pool.QueryRow(ctx, `
		SELECT symbol, side, entry_price, quantity, atr_at_entry, stop_loss,
		       take_profit, trailing_stop, highest_price, entry_date, entry_time,
		       state, strategy_id, signal_id
		FROM positions WHERE symbol = $1`, symbol.String())

	var pos domain.Position
	var symbolStr, side, state string
	err := row.Scan(&symbolStr, &side, &pos.EntryPrice, &pos.Quantity, &pos.ATRAtEntry,
		&pos.StopLoss, &pos.TakeProfit, &pos.TrailingStop, &pos.HighestPrice,
		&pos.EntryDate, &pos.EntryTime, &state, &pos.StrategyID, &pos.SignalID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: load position %s: %w", symbol, err)
	}
	pos.Symbol, _ = domain.NewSymbol(symbolStr)
	pos.Side = domain.Side(side)
	pos.State = domain.TrendState(state)
	return &pos, nil
}

func (ps *PostgresStore) Save(ctx context.Context, position domain.Position) error {
	_, err := ps.pool.Exec(ctx, `
		INSERT INTO positions (symbol, side, entry_price, quantity, atr_at_entry,
			stop_loss, take_profit, trailing_stop, highest_price, entry_date,
			entry_time, state, strategy_id, signal_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (symbol) DO UPDATE SET
			side=$2, entry_price=$3, quantity=$4, atr_at_entry=$5, stop_loss=$6,
			take_profit=$7, trailing_stop=$8, highest_price=$9, entry_date=$10,
			entry_time=$11, state=$12, strategy_id=$13, signal_id=$14`,
		position.Symbol.String(), string(position.Side), position.EntryPrice,
		position.Quantity, position.ATRAtEntry, position.StopLoss, position.TakeProfit,
		position.TrailingStop, position.HighestPrice, position.EntryDate, position.EntryTime,
		string(position.State), position.StrategyID, position.SignalID)
	if err != nil {
		return fmt.Errorf("postgres store: save position %s: %w", position.Symbol, err)
	}
	return nil
}

func (ps *PostgresStore) Clear(ctx context.Context, symbol domain.Symbol) error {
	_, err := ps.pool.Exec(ctx, `DELETE FROM positions WHERE symbol = $1`, symbol.String())
	if err != nil {
		return fmt.Errorf("postgres store: clear position %s: %w", symbol, err)
	}
	return nil
}

func (ps *PostgresStore) SavePendingExit(ctx context.Context, p domain.PendingExit) error {
	_, err := ps.pool.Exec(ctx, `
		INSERT INTO pending_exits (symbol, reason, requested_at, attempts, last_error)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (symbol) DO UPDATE SET
			reason=$2, requested_at=$3, attempts=$4, last_error=$5`,
		p.Symbol.String(), string(p.Reason), p.RequestedAt, p.Attempts, p.LastError)
	if err != nil {
		return fmt.Errorf("postgres store: save pending exit %s: %w", p.Symbol, err)
	}
	return nil
}

func (ps *PostgresStore) LoadPendingExit(ctx context.Context, symbol domain.Symbol) (*domain.PendingExit, error) {
	row := ps.pool.QueryRow(ctx, `
		SELECT symbol, reason, requested_at, attempts, last_error
		FROM pending_exits WHERE symbol = $1`, symbol.String())

	var p domain.PendingExit
	var symbolStr, reason string
	err := row.Scan(&symbolStr, &reason, &p.RequestedAt, &p.Attempts, &p.LastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: load pending exit %s: %w", symbol, err)
	}
	p.Symbol, _ = domain.NewSymbol(symbolStr)
	p.Reason = domain.ExitReason(reason)

	now := kst.SystemClock{}.Now()
	if isStale(&p, symbol, now) {
		_ = ps.ClearPendingExit(ctx, symbol)
		return nil, nil
	}
	return &p, nil
}

func (ps *PostgresStore) ClearPendingExit(ctx context.Context, symbol domain.Symbol) error {
	_, err := ps.pool.Exec(ctx, `DELETE FROM pending_exits WHERE symbol = $1`, symbol.String())
	if err != nil {
		return fmt.Errorf("postgres store: clear pending exit %s: %w", symbol, err)
	}
	return nil
}

func (ps *PostgresStore) AllPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := ps.pool.Query(ctx, `
		SELECT symbol, side, entry_price, quantity, atr_at_entry, stop_loss,
		       take_profit, trailing_stop, highest_price, entry_date, entry_time,
		       state, strategy_id, signal_id
		FROM positions`)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		var pos domain.Position
		var symbolStr, side, state string
		if err := rows.Scan(&symbolStr, &side, &pos.EntryPrice, &pos.Quantity, &pos.ATRAtEntry,
			&pos.StopLoss, &pos.TakeProfit, &pos.TrailingStop, &pos.HighestPrice,
			&pos.EntryDate, &pos.EntryTime, &state, &pos.StrategyID, &pos.SignalID); err != nil {
			return nil, fmt.Errorf("postgres store: scan position: %w", err)
		}
		pos.Symbol, _ = domain.NewSymbol(symbolStr)
		pos.Side = domain.Side(side)
		pos.State = domain.TrendState(state)
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

// PostgresTradeLog implements TradeLog against a `closed_trades` table —
// the Postgres-backed counterpart to FileTradeLog for multi-instance
// deployments that already run PostgresStore.
type PostgresTradeLog struct {
	pool *pgxpool.Pool
}

// NewPostgresTradeLog shares a connection pool with an existing
// PostgresStore-backed deployment.
func NewPostgresTradeLog(pool *pgxpool.Pool) *PostgresTradeLog {
	return &PostgresTradeLog{pool: pool}
}

func (pt *PostgresTradeLog) Append(ctx context.Context, trade domain.ClosedTrade) error {
	_, err := pt.pool.Exec(ctx, `
		INSERT INTO closed_trades (symbol, strategy_id, signal_id, side, quantity,
			entry_price, exit_price, entry_time, exit_time, exit_reason, pnl)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		trade.Symbol.String(), trade.StrategyID, trade.SignalID, string(trade.Side),
		trade.Quantity, trade.EntryPrice, trade.ExitPrice, trade.EntryTime, trade.ExitTime,
		string(trade.ExitReason), trade.PnL)
	if err != nil {
		return fmt.Errorf("postgres tradelog: append %s: %w", trade.Symbol, err)
	}
	return nil
}

func (pt *PostgresTradeLog) All(ctx context.Context) ([]domain.ClosedTrade, error) {
	rows, err := pt.pool.Query(ctx, `
		SELECT symbol, strategy_id, signal_id, side, quantity, entry_price,
		       exit_price, entry_time, exit_time, exit_reason, pnl
		FROM closed_trades ORDER BY exit_time ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres tradelog: list: %w", err)
	}
	defer rows.Close()

	var trades []domain.ClosedTrade
	for rows.Next() {
		var t domain.ClosedTrade
		var symbolStr, side, reason string
		if err := rows.Scan(&symbolStr, &t.StrategyID, &t.SignalID, &side, &t.Quantity,
			&t.EntryPrice, &t.ExitPrice, &t.EntryTime, &t.ExitTime, &reason, &t.PnL); err != nil {
			return nil, fmt.Errorf("postgres tradelog: scan: %w", err)
		}
		t.Symbol, _ = domain.NewSymbol(symbolStr)
		t.Side = domain.Side(side)
		t.ExitReason = domain.ExitReason(reason)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

var _ TradeLog = (*PostgresTradeLog)(nil)
