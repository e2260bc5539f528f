package call

import "sync"

// Broadcast fans one value stream out to any number of subscribers with
// last-value replay: a new subscriber immediately receives the most
// recently published value. It is scoped to its owning Controller, not
// process-global.
type Broadcast[T any] struct {
	mu      sync.Mutex
	last    T
	hasLast bool
	subs    map[int]chan T
	nextID  int
	closed  bool
}

const subscriberBuffer = 32

func NewBroadcast[T any]() *Broadcast[T] {
	return &Broadcast[T]{subs: make(map[int]chan T)}
}

// Publish delivers v to every subscriber and records it for replay.
// Slow subscribers that have fallen subscriberBuffer values behind miss
// intermediate values rather than blocking the engine.
func (b *Broadcast[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.last = v
	b.hasLast = true
	for _, ch := range b.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel func must
// be called to release it.
func (b *Broadcast[T]) Subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	if b.hasLast {
		ch <- b.last
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Last returns the most recently published value, if any.
func (b *Broadcast[T]) Last() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last, b.hasLast
}

// Close ends the broadcast and closes every subscriber channel.
func (b *Broadcast[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
