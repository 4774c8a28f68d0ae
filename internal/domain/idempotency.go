package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/kis-trend-atr/engine/internal/kst"
)

// SignalID encodes symbol:side:price:YYYYMMDDHHMM so that two signals
// computed in the same KST minute for the same symbol/side/price collapse
// to the same identity — this is what makes the idempotency key
// minute-granular rather than instant-granular.
func SignalID(symbol Symbol, side Side, price string, at time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%s", symbol, side, price, at.In(kst.Location).Format("200601021504"))
}

// IdempotencyKey is SHA-256(mode|side|symbol|requested_qty|signal_id).
// Mode distinguishes PAPER/REAL so a paper-mode rehearsal never collides
// with a real submission of the same intent.
func IdempotencyKey(mode string, side Side, symbol Symbol, requestedQty int, signalID string) string {
	raw := fmt.Sprintf("%s|%s|%s|%d|%s", mode, side, symbol, requestedQty, signalID)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
