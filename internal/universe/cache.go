package universe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kis-trend-atr/engine/internal/domain"
)

// cacheRecord is the on-disk shape: Method/Symbols/SavedAt/
// MarketOpenRefreshedFlag are cached, but HoldingsFirst/EntryCandidates
// are recomputed fresh against current holdings on every Select call
// (the original's cache never freezes which symbols are currently
// owned).
type cacheRecord struct {
	Date                    string          `json:"date"`
	Method                  string          `json:"method"`
	Symbols                 []domain.Symbol `json:"symbols"`
	SavedAt                 time.Time       `json:"saved_at"`
	MarketOpenRefreshedFlag bool            `json:"market_open_refreshed_flag"`
}

// FileCache persists one JSON file per KST calendar date under dir,
// written via temp-file-then-rename like internal/store.FileStore, so a
// restart mid-session reuses today's selection instead of re-selecting.
type FileCache struct {
	dir string
	mu  sync.Mutex
}

// NewFileCache creates a FileCache rooted at dir, creating it if absent.
func NewFileCache(dir string) (*FileCache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("universe: create cache dir: %w", err)
	}
	return &FileCache{dir: dir}, nil
}

func (c *FileCache) path(date string) string {
	return filepath.Join(c.dir, fmt.Sprintf("universe_%s.json", date))
}

func (c *FileCache) Load(_ context.Context, date string) (*domain.UniverseSelection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path(date))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("universe: load cache %s: %w", date, err)
	}

	var rec cacheRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("universe: parse cache %s: %w", date, err)
	}

	return &domain.UniverseSelection{
		Method: rec.Method, Symbols: rec.Symbols,
		SavedAt: rec.SavedAt, MarketOpenRefreshedFlag: rec.MarketOpenRefreshedFlag,
	}, nil
}

func (c *FileCache) Save(_ context.Context, selection domain.UniverseSelection) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := cacheRecord{
		Date:                    dateKeyFor(selection),
		Method:                  selection.Method,
		Symbols:                 selection.Symbols,
		SavedAt:                 selection.SavedAt,
		MarketOpenRefreshedFlag: selection.MarketOpenRefreshedFlag,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("universe: marshal cache: %w", err)
	}

	path := c.path(rec.Date)
	tmp, err := os.CreateTemp(c.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("universe: create temp cache file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("universe: write temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("universe: close temp cache file: %w", err)
	}
	return os.Rename(tmpName, path)
}

func dateKeyFor(selection domain.UniverseSelection) string {
	if selection.Date.IsZero() {
		return ""
	}
	return selection.Date.Format("2006-01-02")
}

// MemCache is an in-process Cache for tests and single-process runs
// that don't need durability across restarts.
type MemCache struct {
	mu      sync.Mutex
	records map[string]domain.UniverseSelection
}

func NewMemCache() *MemCache {
	return &MemCache{records: map[string]domain.UniverseSelection{}}
}

func (m *MemCache) Load(_ context.Context, date string) (*domain.UniverseSelection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[date]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemCache) Save(_ context.Context, selection domain.UniverseSelection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[dateKeyFor(selection)] = selection
	return nil
}

var _ Cache = (*FileCache)(nil)
var _ Cache = (*MemCache)(nil)
