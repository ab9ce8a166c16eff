package bus

import (
	"context"
	"sync"
)

// Bus is a single-producer, multi-consumer ring buffer. Every published
// event gets a sequence number starting at 1; a receiver is just a cursor
// into that sequence.
type Bus[E any] struct {
	mu     sync.Mutex
	slots  []E
	head   uint64 // seq of the newest event; 0 when nothing was published
	closed bool
	notify chan struct{}
	subs   int
}

// New creates a bus holding at most capacity events.
// A non-positive capacity selects DefaultCapacity.
func New[E any](capacity int) *Bus[E] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus[E]{
		slots:  make([]E, capacity),
		notify: make(chan struct{}),
	}
}

// Publish appends an event, overwriting the oldest slot when the ring is
// full, and wakes every waiting receiver. It returns the event's sequence
// number, or false if the bus was already closed.
func (b *Bus[E]) Publish(e E) (uint64, bool) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, false
	}
	b.slots[b.head%uint64(len(b.slots))] = e
	b.head++
	seq := b.head
	wake := b.notify
	b.notify = make(chan struct{})
	b.mu.Unlock()

	close(wake)
	return seq, true
}

// Close marks the producer side as gone. Receivers drain what is retained
// and then observe ErrClosed. Close is idempotent.
func (b *Bus[E]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.notify)
}

// Subscribe returns a receiver that sees only events published from now on.
func (b *Bus[E]) Subscribe() *Receiver[E] {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs++
	return &Receiver[E]{bus: b, next: b.head + 1, last: b.head}
}

// SubscribeFrom returns a receiver positioned after afterSeq, so retained
// events with a larger sequence number are delivered first. If afterSeq
// has already been overwritten the first read reports the gap as lag.
func (b *Bus[E]) SubscribeFrom(afterSeq uint64) *Receiver[E] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if afterSeq > b.head {
		afterSeq = b.head
	}
	b.subs++
	return &Receiver[E]{bus: b, next: afterSeq + 1, last: afterSeq}
}

// Published returns the sequence number of the newest event.
func (b *Bus[E]) Published() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.head
}

// Subscribers returns the number of open receivers.
func (b *Bus[E]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs
}

// Capacity returns the ring size.
func (b *Bus[E]) Capacity() int {
	return len(b.slots)
}

// Closed reports whether Close has been called.
func (b *Bus[E]) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// oldestLocked returns the smallest sequence number still in the ring.
func (b *Bus[E]) oldestLocked() uint64 {
	capacity := uint64(len(b.slots))
	if b.head <= capacity {
		return 1
	}
	return b.head - capacity + 1
}

// Receiver reads events from a Bus in publish order. A Receiver is not
// safe for concurrent use by multiple goroutines.
type Receiver[E any] struct {
	bus    *Bus[E]
	next   uint64
	last   uint64
	closed bool
}

// Next returns the next event without blocking. Errors are ErrEmpty when
// nothing is ready, a *LagError when events were overwritten before they
// were read, and ErrClosed when the bus is closed and drained.
func (r *Receiver[E]) Next() (E, error) {
	var zero E
	b := r.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if r.closed {
		return zero, ErrClosed
	}
	if oldest := b.oldestLocked(); r.next < oldest && r.next <= b.head {
		skipped := oldest - r.next
		r.next = oldest
		return zero, &LagError{Skipped: skipped}
	}
	if r.next <= b.head {
		e := b.slots[(r.next-1)%uint64(len(b.slots))]
		r.last = r.next
		r.next++
		return e, nil
	}
	if b.closed {
		return zero, ErrClosed
	}
	return zero, ErrEmpty
}

// Wait returns a channel that is closed once Next would not return
// ErrEmpty. It is meant for select loops that also watch timers.
func (r *Receiver[E]) Wait() <-chan struct{} {
	b := r.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if r.closed || b.closed || r.next <= b.head {
		return closedSignal
	}
	return b.notify
}

// Recv blocks until an event, a lag indication, closure or ctx is done.
func (r *Receiver[E]) Recv(ctx context.Context) (E, error) {
	for {
		e, err := r.Next()
		if err != ErrEmpty {
			return e, err
		}
		select {
		case <-ctx.Done():
			var zero E
			return zero, ctx.Err()
		case <-r.Wait():
		}
	}
}

// LastSeq returns the sequence number of the last event returned by Next.
func (r *Receiver[E]) LastSeq() uint64 {
	r.bus.mu.Lock()
	defer r.bus.mu.Unlock()
	return r.last
}

// Close releases the subscription. Close is idempotent.
func (r *Receiver[E]) Close() {
	b := r.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	b.subs--
}
