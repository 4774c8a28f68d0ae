package domain

import "errors"

// Error taxonomy used at every component boundary. Components wrap these
// with fmt.Errorf("...: %w", ErrX) rather than inventing ad-hoc sentinel
// strings, so callers can errors.Is against a stable contract.
var (
	// ErrTransport covers network/timeout failures talking to the broker.
	ErrTransport = errors.New("broker transport error")

	// ErrAuth covers token expiry/rejection by the broker's auth server.
	ErrAuth = errors.New("broker auth error")

	// ErrReject covers the broker rejecting an order outright (bad qty,
	// insufficient funds, symbol halted, etc).
	ErrReject = errors.New("broker rejected order")

	// ErrMarketClosed is returned when an order is attempted outside
	// tradeable hours and no override (emergency sell) applies.
	ErrMarketClosed = errors.New("market is closed")

	// ErrDuplicate is returned when an idempotency key already has a
	// non-failed journal row — the synchronizer must not resubmit.
	ErrDuplicate = errors.New("duplicate order intent")

	// ErrData covers malformed or missing market data (gaps in bar
	// history, NaN indicators, stale quotes).
	ErrData = errors.New("invalid or missing market data")

	// ErrStateConflict covers reconciliation conflicts between the local
	// store, broker holdings and the order journal that cannot be
	// resolved automatically (see reconcile.CRITICAL_MISMATCH).
	ErrStateConflict = errors.New("position state conflict")

	// ErrFatal covers conditions that should stop the engine entirely
	// (corrupt store file, failed single-instance lock).
	ErrFatal = errors.New("fatal engine error")
)
