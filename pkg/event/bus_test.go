package event

import (
	"errors"
	"testing"
	"time"
)

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestBusFansOut(t *testing.T) {
	bus := NewBus()
	a, cancelA := bus.Subscribe()
	defer cancelA()
	b, cancelB := bus.Subscribe()
	defer cancelB()

	if err := bus.Publish(New(TypeOutput, "a1", map[string]string{"payload": "hi"})); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for _, ch := range []<-chan Event{a, b} {
		evt := recvEvent(t, ch)
		if evt.Type != TypeOutput || evt.AgentID != "a1" {
			t.Fatalf("event = %+v", evt)
		}
		if evt.ID == "" || evt.Timestamp.IsZero() {
			t.Fatalf("event not normalized: %+v", evt)
		}
	}
}

func TestBusPublishValidates(t *testing.T) {
	bus := NewBus()
	if err := bus.Publish(Event{}); err == nil {
		t.Fatal("expected error for empty type")
	}
	if err := bus.Publish(Event{Type: "bogus"}); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus(WithBufferSize(1))
	sub, cancel := bus.Subscribe()
	defer cancel()

	for i := 0; i < 3; i++ {
		if err := bus.Publish(New(TypeHeartbeat, "a1", nil)); err != nil {
			t.Fatalf("publish #%d: %v", i, err)
		}
	}
	if got := bus.Dropped(); got != 2 {
		t.Fatalf("dropped = %d want 2", got)
	}
	recvEvent(t, sub)
}

func TestBusCancelStopsDelivery(t *testing.T) {
	bus := NewBus()
	sub, cancel := bus.Subscribe()
	if bus.Subscribers() != 1 {
		t.Fatalf("subscribers = %d", bus.Subscribers())
	}

	cancel()
	cancel() // second cancel is a no-op

	if bus.Subscribers() != 0 {
		t.Fatalf("subscribers after cancel = %d", bus.Subscribers())
	}
	if _, ok := <-sub; ok {
		t.Fatal("channel should be closed")
	}
	if err := bus.Publish(New(TypeState, "a1", nil)); err != nil {
		t.Fatalf("publish after cancel: %v", err)
	}
}

func TestBusClose(t *testing.T) {
	bus := NewBus()
	sub, cancel := bus.Subscribe()
	defer cancel()

	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-sub; ok {
		t.Fatal("subscriber channel should be closed")
	}
	if err := bus.Publish(New(TypeOutput, "a1", nil)); !errors.Is(err, ErrClosed) {
		t.Fatalf("publish after close: %v", err)
	}
	if err := bus.Close(); !errors.Is(err, ErrClosed) {
		t.Fatalf("second close: %v", err)
	}

	late, lateCancel := bus.Subscribe()
	defer lateCancel()
	if _, ok := <-late; ok {
		t.Fatal("subscription after close should be closed immediately")
	}
}

func TestBusNil(t *testing.T) {
	var bus *Bus
	if err := bus.Publish(New(TypeOutput, "a1", nil)); err == nil {
		t.Fatal("expected error on nil bus")
	}
}
