package call

import (
	"testing"
	"time"
)

func recvOne[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatal("subscriber channel closed")
		}
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast value")
	}
	panic("unreachable")
}

func TestBroadcastReplaysLastValue(t *testing.T) {
	b := NewBroadcast[State]()
	defer b.Close()

	b.Publish(StateIdle)
	b.Publish(StateRinging)

	ch, cancel := b.Subscribe()
	defer cancel()
	if got := recvOne(t, ch); got != StateRinging {
		t.Errorf("replay = %q, want %q", got, StateRinging)
	}

	b.Publish(StateConnected)
	if got := recvOne(t, ch); got != StateConnected {
		t.Errorf("live value = %q, want %q", got, StateConnected)
	}
}

func TestBroadcastDeliversToAllSubscribers(t *testing.T) {
	b := NewBroadcast[int]()
	defer b.Close()

	ch1, cancel1 := b.Subscribe()
	defer cancel1()
	ch2, cancel2 := b.Subscribe()
	defer cancel2()

	b.Publish(7)
	if got := recvOne(t, ch1); got != 7 {
		t.Errorf("sub1 got %d", got)
	}
	if got := recvOne(t, ch2); got != 7 {
		t.Errorf("sub2 got %d", got)
	}
}

func TestBroadcastCancelStopsDelivery(t *testing.T) {
	b := NewBroadcast[int]()
	defer b.Close()

	ch, cancel := b.Subscribe()
	cancel()
	cancel()

	if _, open := <-ch; open {
		t.Error("cancelled subscriber channel still open")
	}
	b.Publish(1)
}

func TestBroadcastCloseClosesSubscribers(t *testing.T) {
	b := NewBroadcast[int]()
	ch, _ := b.Subscribe()
	b.Close()
	b.Close()

	if _, open := <-ch; open {
		t.Error("subscriber channel open after Close")
	}
	b.Publish(2)

	late, cancel := b.Subscribe()
	defer cancel()
	if _, open := <-late; open {
		t.Error("post-close subscription delivered a value")
	}
}

func TestBroadcastLast(t *testing.T) {
	b := NewBroadcast[string]()
	defer b.Close()

	if _, ok := b.Last(); ok {
		t.Error("Last reported a value before any publish")
	}
	b.Publish("x")
	if v, ok := b.Last(); !ok || v != "x" {
		t.Errorf("Last = %q,%v", v, ok)
	}
}

func TestBroadcastDropsWhenSubscriberFull(t *testing.T) {
	b := NewBroadcast[int]()
	defer b.Close()

	ch, cancel := b.Subscribe()
	defer cancel()

	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish(i)
	}
	// The engine must never have blocked; the buffer holds the oldest
	// values and Last holds the newest.
	if v, _ := b.Last(); v != subscriberBuffer+9 {
		t.Errorf("Last = %d, want %d", v, subscriberBuffer+9)
	}
	if got := recvOne(t, ch); got != 0 {
		t.Errorf("first buffered value = %d, want 0", got)
	}
}
