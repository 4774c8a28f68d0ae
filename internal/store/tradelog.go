package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/kis-trend-atr/engine/internal/domain"
)

// TradeLog is an append-only record of realized trade history, kept
// separate from Store's mutable open-position rows. Generalized from
// the teacher's internal/storage.TradeRecord (a Postgres row per trade,
// open or closed) down to append-only closed-trade rows — the spec's
// position lifecycle is already covered by Store, so TradeLog only
// needs to capture history for reporting.
type TradeLog interface {
	Append(ctx context.Context, trade domain.ClosedTrade) error
	All(ctx context.Context) ([]domain.ClosedTrade, error)
}

// FileTradeLog appends one JSON line per trade to a single file, so a
// reader can stream it without loading the whole history into memory.
// Every append is flushed and fsynced before returning.
type FileTradeLog struct {
	path string
	mu   sync.Mutex
}

// NewFileTradeLog opens (creating if absent) a trade log at path.
func NewFileTradeLog(path string) (*FileTradeLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("tradelog: create dir: %w", err)
	}
	return &FileTradeLog{path: path}, nil
}

func (t *FileTradeLog) Append(_ context.Context, trade domain.ClosedTrade) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("tradelog: open: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("tradelog: marshal: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("tradelog: write: %w", err)
	}
	return f.Sync()
}

func (t *FileTradeLog) All(_ context.Context) ([]domain.ClosedTrade, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.Open(t.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tradelog: open: %w", err)
	}
	defer f.Close()

	var trades []domain.ClosedTrade
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var trade domain.ClosedTrade
		if err := json.Unmarshal(line, &trade); err != nil {
			return nil, fmt.Errorf("tradelog: parse row: %w", err)
		}
		trades = append(trades, trade)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("tradelog: scan: %w", err)
	}
	return trades, nil
}

var _ TradeLog = (*FileTradeLog)(nil)
