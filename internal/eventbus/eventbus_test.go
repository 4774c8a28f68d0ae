package eventbus

import (
	"testing"
	"time"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New()
	a := b.Subscribe()
	c := b.Subscribe()
	defer b.Unsubscribe(a)
	defer b.Unsubscribe(c)

	b.Publish(Event{Type: SignalComputed, Symbol: "005930", At: time.Now()})

	select {
	case ev := <-a:
		if ev.Type != SignalComputed {
			t.Errorf("expected SignalComputed, got %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber a did not receive event")
	}
	select {
	case ev := <-c:
		if ev.Type != SignalComputed {
			t.Errorf("expected SignalComputed, got %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber c did not receive event")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch := b.Subscribe()
	b.Unsubscribe(ch)

	if b.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers after unsubscribe, got %d", b.SubscriberCount())
	}

	// Publishing after unsubscribe must not panic or block.
	b.Publish(Event{Type: NetworkUnavailable})
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	b := New()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+10; i++ {
			b.Publish(Event{Type: OrderFilled})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber buffer")
	}
}

func TestDoubleUnsubscribeIsSafe(t *testing.T) {
	b := New()
	ch := b.Subscribe()
	b.Unsubscribe(ch)
	b.Unsubscribe(ch) // must not panic on double-close
}
