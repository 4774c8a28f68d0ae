package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/kis-trend-atr/engine/internal/domain"
	"github.com/kis-trend-atr/engine/internal/kst"
)

// FileStore persists one position_<code>.json file per symbol under dir,
// plus a pending_exit_<code>.json file for an outstanding exit retry. Every write goes
// through a temp file in the same directory followed by os.Rename, so a
// crash mid-write can never leave a torn file on disk.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a FileStore rooted at dir, creating it if absent.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("filestore: create dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (fs *FileStore) positionPath(symbol domain.Symbol) string {
	return filepath.Join(fs.dir, fmt.Sprintf("position_%s.json", symbol.String()))
}

func (fs *FileStore) pendingExitPath(symbol domain.Symbol) string {
	return filepath.Join(fs.dir, fmt.Sprintf("pending_exit_%s.json", symbol.String()))
}

// atomicWriteJSON marshals v and writes it via temp-file-then-rename.
func atomicWriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func (fs *FileStore) Load(_ context.Context, symbol domain.Symbol) (*domain.Position, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := os.ReadFile(fs.positionPath(symbol))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: load position %s: %w", symbol, err)
	}

	var pos domain.Position
	if err := json.Unmarshal(data, &pos); err != nil {
		return nil, fmt.Errorf("filestore: parse position %s: %w", symbol, err)
	}
	return &pos, nil
}

func (fs *FileStore) Save(_ context.Context, position domain.Position) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return atomicWriteJSON(fs.positionPath(position.Symbol), position)
}

func (fs *FileStore) Clear(_ context.Context, symbol domain.Symbol) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	err := os.Remove(fs.positionPath(symbol))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (fs *FileStore) SavePendingExit(_ context.Context, p domain.PendingExit) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return atomicWriteJSON(fs.pendingExitPath(p.Symbol), p)
}

// LoadPendingExit validates symbol match and the 72h staleness window,
// discarding (returning nil, nil) on either failure per spec §4.3.
func (fs *FileStore) LoadPendingExit(_ context.Context, symbol domain.Symbol) (*domain.PendingExit, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := os.ReadFile(fs.pendingExitPath(symbol))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: load pending exit %s: %w", symbol, err)
	}

	var p domain.PendingExit
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("filestore: parse pending exit %s: %w", symbol, err)
	}

	now := kst.SystemClock{}.Now()
	if isStale(&p, symbol, now) {
		_ = os.Remove(fs.pendingExitPath(symbol))
		return nil, nil
	}
	return &p, nil
}

func (fs *FileStore) ClearPendingExit(_ context.Context, symbol domain.Symbol) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	err := os.Remove(fs.pendingExitPath(symbol))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// AllPositions scans dir for every position_*.json file.
func (fs *FileStore) AllPositions(_ context.Context) ([]domain.Position, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, fmt.Errorf("filestore: list dir: %w", err)
	}

	var positions []domain.Position
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || len(name) < 14 || name[:9] != "position_" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(fs.dir, name))
		if err != nil {
			continue
		}
		var pos domain.Position
		if err := json.Unmarshal(data, &pos); err != nil {
			continue
		}
		positions = append(positions, pos)
	}
	return positions, nil
}
