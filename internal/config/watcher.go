// Package config - watcher.go provides config file hot-reload support.
//
// The watcher polls the config file for changes (stat-based, every 5
// seconds) and notifies registered callbacks when risk, strategy or
// pacing parameters change. Broker credentials, database URL, execution mode
// and other structural settings require an engine restart.
package config

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Watcher monitors the config file for changes and invokes callbacks
// when risk/strategy fields change. Stat-based polling, no fsnotify
// dependency required.
type Watcher struct {
	path     string
	logger   zerolog.Logger
	mu       sync.RWMutex
	current  *Config
	lastMod  time.Time
	onChange []func(old, new *Config)
	done     chan struct{}
	stopped  bool
}

// NewWatcher creates a watcher for the given config file path. initial is
// the currently loaded config. The watcher does not start until Start()
// is called.
func NewWatcher(path string, initial *Config, logger zerolog.Logger) *Watcher {
	return &Watcher{
		path:    path,
		logger:  logger,
		current: initial,
		done:    make(chan struct{}),
	}
}

// OnChange registers a callback invoked when the config file changes and
// the new config passes validation with a materially different risk,
// strategy or pacing section. Multiple callbacks may be registered.
func (w *Watcher) OnChange(fn func(old, new *Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Start begins polling the config file for changes in a background
// goroutine. Returns an error if the initial file stat fails.
func (w *Watcher) Start() error {
	info, err := os.Stat(w.path)
	if err != nil {
		return err
	}
	w.lastMod = info.ModTime()
	w.logger.Info().Str("path", w.path).Msg("watching config file for changes")

	go w.pollLoop()
	return nil
}

// Stop stops the watcher. Safe to call multiple times.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.stopped = true
		close(w.done)
		w.logger.Info().Msg("config watcher stopped")
	}
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func (w *Watcher) pollLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.checkForChanges()
		}
	}
}

func (w *Watcher) checkForChanges() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Warn().Err(err).Msg("config stat failed")
		return
	}
	if !info.ModTime().After(w.lastMod) {
		return
	}
	w.lastMod = info.ModTime()

	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warn().Err(err).Msg("config read failed")
		return
	}

	newCfg := Defaults()
	if err := json.Unmarshal(data, &newCfg); err != nil {
		w.logger.Warn().Err(err).Msg("config parse failed, keeping old config")
		return
	}
	if err := newCfg.Validate(); err != nil {
		w.logger.Warn().Err(err).Msg("config validation failed, keeping old config")
		return
	}

	w.mu.RLock()
	oldCfg := w.current
	w.mu.RUnlock()

	if !reloadableChanged(oldCfg, &newCfg) {
		w.logger.Debug().Msg("config file changed but no reloadable field changed, skipping")
		return
	}
	w.logChanges(oldCfg, &newCfg)

	w.mu.Lock()
	w.current = &newCfg
	callbacks := make([]func(old, new *Config), len(w.onChange))
	copy(callbacks, w.onChange)
	w.mu.Unlock()

	for _, fn := range callbacks {
		fn(oldCfg, &newCfg)
	}
}

// reloadableChanged reports whether any hot-reloadable field (risk,
// strategy and pacing sections) differs. Broker/database/execution-mode changes are
// intentionally ignored here — they require a restart.
func reloadableChanged(old, new *Config) bool {
	return old.Risk != new.Risk || old.Strategy != new.Strategy || old.Pacing != new.Pacing
}

func (w *Watcher) logChanges(old, new *Config) {
	if old.Risk != new.Risk {
		w.logger.Info().
			Float64("max_cumulative_drawdown_pct", new.Risk.MaxCumulativeDrawdownPct).
			Int("max_open_positions", new.Risk.MaxOpenPositions).
			Msg("risk config reloaded")
	}
	if old.Strategy != new.Strategy {
		w.logger.Info().
			Float64("atr_spike_threshold", new.Strategy.ATRSpikeThreshold).
			Float64("adx_threshold", new.Strategy.ADXThreshold).
			Msg("strategy config reloaded")
	}
	if old.Pacing != new.Pacing {
		w.logger.Info().
			Int("default_execution_interval_seconds", new.Pacing.DefaultExecutionIntervalSeconds).
			Msg("pacing config reloaded")
	}
}
