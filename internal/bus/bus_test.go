package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("tg.", 10)
	defer unsub()

	b.Publish(Event{Kind: "tg.message", Timestamp: time.Now(), Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != "tg.message" {
			t.Errorf("got kind %q, want tg.message", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("sync.", 10)
	defer unsub()

	b.Publish(Event{Kind: "tg.message"})
	b.Publish(Event{Kind: "sync.backfill_done"})

	select {
	case evt := <-ch:
		if evt.Kind != "sync.backfill_done" {
			t.Errorf("got kind %q, want sync.backfill_done", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure the transport event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}
}

func TestPublishOrder(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("tg.", 10)
	defer unsub()

	// Single-goroutine publishes must arrive in order; the sync engine
	// depends on this for arrival-order application.
	for _, kind := range []string{"tg.a", "tg.b", "tg.c"} {
		b.Publish(Event{Kind: kind})
	}
	for _, want := range []string{"tg.a", "tg.b", "tg.c"} {
		evt := <-ch
		if evt.Kind != want {
			t.Fatalf("got %q, want %q", evt.Kind, want)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("tg.", 10)
	unsub()

	b.Publish(Event{Kind: "tg.message"})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected.
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	// Fill buffer.
	b.Publish(Event{Kind: "test.one"})
	// This should be dropped (non-blocking).
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
}
