// Package logging provides the process-wide structured logger.
//
// Every component constructor that needs to log takes a *zerolog.Logger
// (never a package-level global), the same dependency-injection shape the
// teacher uses with *log.Logger — generalized from the standard library
// logger to zerolog sub-loggers so fields like symbol/strategy_id/mode
// are structured rather than interpolated into a message string.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the root logger. Pretty-prints to a terminal, emits
// line-delimited JSON otherwise (systemd/container log collection).
func New(w io.Writer, level zerolog.Level) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if f, ok := w.(*os.File); ok && isTerminal(f) {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Component returns a sub-logger tagged with the owning component's name,
// e.g. logging.Component(root, "syncer").
func Component(root zerolog.Logger, name string) zerolog.Logger {
	return root.With().Str("component", name).Logger()
}

// ForSymbol further tags a component logger with the symbol it is
// operating on — used by the per-symbol executor so every log line from a
// symbol's goroutine is attributable without string formatting.
func ForSymbol(l zerolog.Logger, symbol string) zerolog.Logger {
	return l.With().Str("symbol", symbol).Logger()
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
