// Package mock provides an in-memory transport.Connection for tests.
//
// Microphone audio is injected with [Conn.Push]; frames the session sends are
// recorded and can be inspected with [Conn.Sent] or awaited with
// [Conn.WaitSent]. [Conn.Drop] simulates the peer vanishing, and a Conn from
// [NewPending] stays unready until [Conn.Open].
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/transport"
)

// Conn is a mock implementation of transport.Connection.
type Conn struct {
	id    string
	in    chan audio.Frame
	ready chan struct{}

	mu        sync.Mutex
	sent      []audio.Frame
	sendErr   error
	err       error
	closed    bool
	closes    int
	done      chan struct{}
	sentCond  chan struct{}
	closeOnce sync.Once
	readyOnce sync.Once
}

var _ transport.Connection = (*Conn)(nil)

// New returns an open, ready Conn with the given id and inbound buffer size.
func New(id string, buffer int) *Conn {
	c := NewPending(id, buffer)
	c.Open()
	return c
}

// NewPending is like [New] but Ready stays open until [Conn.Open].
func NewPending(id string, buffer int) *Conn {
	return &Conn{
		id:       id,
		in:       make(chan audio.Frame, buffer),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		sentCond: make(chan struct{}),
	}
}

// Open marks the connection ready. Later calls do nothing.
func (c *Conn) Open() {
	c.readyOnce.Do(func() { close(c.ready) })
}

// ID implements transport.Connection.
func (c *Conn) ID() string { return c.id }

// Ready implements transport.Connection.
func (c *Conn) Ready() <-chan struct{} { return c.ready }

// Inbound implements transport.Connection.
func (c *Conn) Inbound() <-chan audio.Frame { return c.in }

// Done implements transport.Connection.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err implements transport.Connection.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send records f. It fails with transport.ErrTransportLost once the
// connection has ended, or with the error installed by [Conn.FailSends].
func (c *Conn) Send(ctx context.Context, f audio.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("mock: send: %w", transport.ErrTransportLost)
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, f)
	close(c.sentCond)
	c.sentCond = make(chan struct{})
	return nil
}

// Close implements transport.Connection.
func (c *Conn) Close() error {
	c.end(nil)
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	return nil
}

// Drop ends the connection as if the peer vanished.
func (c *Conn) Drop() {
	c.end(fmt.Errorf("mock: peer dropped: %w", transport.ErrTransportLost))
}

func (c *Conn) end(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.err = err
		c.mu.Unlock()
		close(c.in)
		close(c.done)
	})
}

// Push injects a microphone frame. It blocks while the inbound buffer is full
// and returns false once the connection has ended.
func (c *Conn) Push(f audio.Frame) (ok bool) {
	defer func() {
		// The inbound channel is closed by end.
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.in <- f:
		return true
	case <-c.done:
		return false
	}
}

// FailSends makes every later Send return err.
func (c *Conn) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// Sent returns a copy of every frame sent so far.
func (c *Conn) Sent() []audio.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]audio.Frame, len(c.sent))
	copy(out, c.sent)
	return out
}

// CloseCount returns how many times Close was called.
func (c *Conn) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// WaitSent blocks until at least n frames have been sent or timeout
// elapses, and reports whether the count was reached.
func (c *Conn) WaitSent(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		c.mu.Lock()
		if len(c.sent) >= n {
			c.mu.Unlock()
			return true
		}
		wait := c.sentCond
		c.mu.Unlock()
		select {
		case <-wait:
		case <-deadline:
			return false
		}
	}
}
