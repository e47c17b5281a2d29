package audio

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrBusClosed is returned by [Bus.Push] and [Bus.Pop] once the bus has been
// closed. Frames still queued at close time are discarded.
var ErrBusClosed = errors.New("audio: bus closed")

// ErrOutOfOrder is returned by [Bus.Push] when a frame's timestamp precedes
// the previously accepted frame.
var ErrOutOfOrder = errors.New("audio: frame out of order")

// OverflowPolicy selects what [Bus.Push] does when the bus is full.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest queued frame to make room. Used for
	// inbound audio, where stale frames are worthless.
	DropOldest OverflowPolicy = iota

	// Block suspends the producer until the consumer frees a slot. Used for
	// outbound audio, where a dropped frame is an audible gap in the answer.
	Block
)

// String returns the human-readable name of the policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case Block:
		return "block"
	default:
		return "unknown"
	}
}

// BusOption is a functional option for [NewBus].
type BusOption func(*Bus)

// WithOnDrop registers fn to be called, outside the bus lock, for every frame
// evicted under [DropOldest].
func WithOnDrop(fn func(Frame)) BusOption {
	return func(b *Bus) { b.onDrop = fn }
}

// Bus is a bounded, timestamp-ordered FIFO of audio frames with one consumer.
// It decouples transport timing from pipeline timing for a single session and
// is never shared between sessions.
//
// All methods are safe for concurrent use. Push and Pop block according to the
// overflow policy and are released by context cancellation or [Bus.Close].
type Bus struct {
	mu     sync.Mutex
	ring   []Frame
	head   int
	n      int
	last   Frame
	seen   bool
	closed bool
	policy OverflowPolicy
	onDrop func(Frame)

	readable chan struct{}
	writable chan struct{}
	done     chan struct{}

	dropped atomic.Uint64
}

// NewBus returns a bus holding at most capacity frames. capacity values
// below 1 are raised to 1.
func NewBus(capacity int, policy OverflowPolicy, opts ...BusOption) *Bus {
	if capacity < 1 {
		capacity = 1
	}
	b := &Bus{
		ring:     make([]Frame, capacity),
		policy:   policy,
		readable: make(chan struct{}, 1),
		writable: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Push appends f to the bus. Under [DropOldest] it never blocks. Under
// [Block] it waits for a free slot, returning ctx.Err() if ctx ends first.
func (b *Bus) Push(ctx context.Context, f Frame) error {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return ErrBusClosed
		}
		if b.seen && f.Timestamp < b.last.Timestamp {
			b.mu.Unlock()
			return ErrOutOfOrder
		}

		if b.n < len(b.ring) {
			b.enqueue(f)
			b.mu.Unlock()
			notify(b.readable)
			return nil
		}

		if b.policy == DropOldest {
			evicted := b.dequeue()
			b.enqueue(f)
			b.mu.Unlock()
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop(evicted)
			}
			notify(b.readable)
			return nil
		}
		b.mu.Unlock()

		select {
		case <-b.writable:
		case <-b.done:
			return ErrBusClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Pop removes and returns the oldest frame, waiting until one is available.
// It returns [ErrBusClosed] once the bus is closed, even if frames remain.
func (b *Bus) Pop(ctx context.Context) (Frame, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return Frame{}, ErrBusClosed
		}
		if b.n > 0 {
			f := b.dequeue()
			b.mu.Unlock()
			notify(b.writable)
			return f, nil
		}
		b.mu.Unlock()

		select {
		case <-b.readable:
		case <-b.done:
			return Frame{}, ErrBusClosed
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}

// Flush discards all queued frames and returns how many were removed.
func (b *Bus) Flush() int {
	b.mu.Lock()
	n := b.n
	for b.n > 0 {
		b.dequeue()
	}
	b.mu.Unlock()
	if n > 0 {
		notify(b.writable)
	}
	return n
}

// Close releases every blocked producer and consumer and discards queued
// frames. It is safe to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for b.n > 0 {
		b.dequeue()
	}
	close(b.done)
}

// Done returns a channel that is closed when the bus is closed.
func (b *Bus) Done() <-chan struct{} { return b.done }

// Len returns the number of queued frames.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

// Cap returns the bus capacity in frames.
func (b *Bus) Cap() int { return len(b.ring) }

// Policy returns the overflow policy the bus was created with.
func (b *Bus) Policy() OverflowPolicy { return b.policy }

// Dropped returns the number of frames evicted under [DropOldest].
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// enqueue and dequeue must be called with b.mu held.
func (b *Bus) enqueue(f Frame) {
	b.ring[(b.head+b.n)%len(b.ring)] = f
	b.n++
	b.last = f
	b.seen = true
}

func (b *Bus) dequeue() Frame {
	f := b.ring[b.head]
	b.ring[b.head] = Frame{}
	b.head = (b.head + 1) % len(b.ring)
	b.n--
	return f
}

// notify leaves a wake-up token in ch without blocking.
func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
