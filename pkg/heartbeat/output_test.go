package heartbeat

import (
	"testing"
	"time"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	q.Push(OutputMessage, "one")
	q.Push(OutputError, "two")
	q.Push(OutputMessage, "three")

	if got := q.Len(); got != 3 {
		t.Fatalf("Len = %d, want 3", got)
	}

	want := []Output{
		{Kind: OutputMessage, Payload: "one"},
		{Kind: OutputError, Payload: "two"},
		{Kind: OutputMessage, Payload: "three"},
	}
	for i, w := range want {
		got, ok := q.Poll(time.Second)
		if !ok {
			t.Fatalf("Poll %d returned nothing", i)
		}
		if got != w {
			t.Fatalf("Poll %d = %+v, want %+v", i, got, w)
		}
	}
	if got := q.Len(); got != 0 {
		t.Fatalf("Len after drain = %d, want 0", got)
	}
}

func TestQueuePollTimesOut(t *testing.T) {
	q := NewQueue()
	start := time.Now()
	if _, ok := q.Poll(30 * time.Millisecond); ok {
		t.Fatal("Poll on empty queue returned an entry")
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("Poll returned after %v, want it to wait out the timeout", elapsed)
	}
}

func TestQueuePollWakesOnPush(t *testing.T) {
	q := NewQueue()
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Push(OutputMessage, "late")
	}()

	out, ok := q.Poll(2 * time.Second)
	if !ok {
		t.Fatal("Poll missed the pushed entry")
	}
	if out.Payload != "late" {
		t.Fatalf("Payload = %q, want %q", out.Payload, "late")
	}
}

func TestQueuePollZeroTimeout(t *testing.T) {
	q := NewQueue()
	q.Push(OutputMessage, "ready")

	out, ok := q.Poll(0)
	if !ok || out.Payload != "ready" {
		t.Fatalf("Poll(0) = %+v, %v", out, ok)
	}
	if _, ok := q.Poll(0); ok {
		t.Fatal("Poll(0) on empty queue returned an entry")
	}
}

func TestBeatRingEvictsOldest(t *testing.T) {
	ring := newBeatRing(3)
	for i := 1; i <= 5; i++ {
		ring.add(Beat{ID: uint64(i)})
	}

	snap := ring.snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot len = %d, want 3", len(snap))
	}
	for i, want := range []uint64{3, 4, 5} {
		if snap[i].ID != want {
			t.Fatalf("snapshot[%d].ID = %d, want %d", i, snap[i].ID, want)
		}
	}

	last, ok := ring.last()
	if !ok || last.ID != 5 {
		t.Fatalf("last = %+v, %v", last, ok)
	}
}

func TestBeatRingEmpty(t *testing.T) {
	ring := newBeatRing(2)
	if _, ok := ring.last(); ok {
		t.Fatal("last on empty ring reported an entry")
	}
	if got := ring.snapshot(); len(got) != 0 {
		t.Fatalf("snapshot len = %d, want 0", len(got))
	}
}
