// Package eventbus is an in-process typed publish/subscribe bus (§4.12).
// Executors, the synchronizer and the risk manager publish; sinks like
// the metrics exporter and the audit log subscribe. No publisher ever
// blocks on or awaits a subscriber — a slow or absent sink only ever
// drops its own events, never stalls the core trading loop.
//
// Grounded on internal/dashboard/broadcaster.go's client
// register/unregister/broadcast channel shape, generalized from
// WebSocket client fan-out to typed Go channels keyed by Type.
package eventbus

import (
	"sync"
	"time"

	"github.com/kis-trend-atr/engine/internal/domain"
)

// Type identifies the shape of Event.Payload.
type Type string

const (
	SignalComputed    Type = "SIGNAL_COMPUTED"
	OrderRequested    Type = "ORDER_REQUESTED"
	OrderSubmitted    Type = "ORDER_SUBMITTED"
	OrderFilled       Type = "ORDER_FILLED"
	OrderPartial      Type = "ORDER_PARTIAL"
	OrderCancelled    Type = "ORDER_CANCELLED"
	PositionOpened    Type = "POSITION_OPENED"
	PositionClosed    Type = "POSITION_CLOSED"
	RiskCheckFailed   Type = "RISK_CHECK_FAILED"
	KillSwitchTripped Type = "KILL_SWITCH_TRIPPED"
	ReconcileOutcome  Type = "RECONCILE_OUTCOME"
	NetworkUnavailable Type = "NETWORK_UNAVAILABLE"
)

// Event is one published occurrence. Payload's concrete type depends on
// Type — see the New* constructors below for the pairing.
type Event struct {
	Type      Type
	Symbol    domain.Symbol
	At        time.Time
	Payload   interface{}
}

// subscriberBuffer is the per-subscriber channel depth; a subscriber
// that falls this far behind starts losing events rather than
// backpressuring the publisher.
const subscriberBuffer = 256

// Bus fans out published events to every current subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// New builds an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[chan Event]struct{})}
}

// Subscribe returns a channel that receives every event published after
// this call. Call Unsubscribe when done to release it.
func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch. Safe to call more than once.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
}

// Publish fans event out to every subscriber without blocking; a
// subscriber whose buffer is full simply misses this event.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// SubscriberCount reports the number of active subscribers, used by
// tests and the dashboard status endpoint.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
