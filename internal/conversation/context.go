// Package conversation holds the ordered turn history of one voice session.
//
// A [Context] is written by exactly one goroutine (the session's turn loop)
// and may be read concurrently by observers such as the admin listing.
// Turns are numbered from 1 without gaps and are never reordered or removed;
// windowing for the model happens at read time via [Context.Window].
package conversation

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

// Role identifies who produced a [Turn].
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the two conversation roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// ErrInvalidRole is returned by [Context.Append] for any role other than
// [RoleUser] or [RoleAssistant].
var ErrInvalidRole = errors.New("conversation: invalid role")

// ErrEmptyContent is returned by [Context.Append] for blank turn text.
var ErrEmptyContent = errors.New("conversation: empty content")

// Turn is one committed contribution to the conversation.
type Turn struct {
	Role    Role
	Content string

	// Seq is the 1-based position of the turn in its session.
	Seq int

	// At is the commit time.
	At time.Time
}

// Message converts t to the form sent to an LLM provider.
func (t Turn) Message() llm.Message {
	return llm.Message{Role: llm.Role(t.Role), Content: t.Content}
}

// Context is the append-only turn log of one session.
//
// All methods are safe for concurrent use.
type Context struct {
	now func() time.Time

	mu    sync.RWMutex
	turns []Turn
}

// Option configures a [Context].
type Option func(*Context)

// WithClock overrides the commit-time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(c *Context) { c.now = now }
}

// New returns an empty Context.
func New(opts ...Option) *Context {
	c := &Context{now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Append commits a turn and returns it with its sequence number assigned.
func (c *Context) Append(role Role, content string) (Turn, error) {
	if !role.Valid() {
		return Turn{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if content == "" {
		return Turn{}, ErrEmptyContent
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	t := Turn{
		Role:    role,
		Content: content,
		Seq:     len(c.turns) + 1,
		At:      c.now(),
	}
	c.turns = append(c.turns, t)
	return t, nil
}

// Window returns a copy of the trailing n turns, oldest first. A
// non-positive n returns every turn.
func (c *Context) Window(n int) []Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	start := 0
	if n > 0 && len(c.turns) > n {
		start = len(c.turns) - n
	}
	out := make([]Turn, len(c.turns)-start)
	copy(out, c.turns[start:])
	return out
}

// Snapshot returns a copy of every committed turn.
func (c *Context) Snapshot() []Turn {
	return c.Window(0)
}

// Len returns the number of committed turns.
func (c *Context) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.turns)
}

// Last returns the most recent turn, or false when the context is empty.
func (c *Context) Last() (Turn, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.turns) == 0 {
		return Turn{}, false
	}
	return c.turns[len(c.turns)-1], true
}

// Messages converts turns to LLM messages, preserving order.
func Messages(turns []Turn) []llm.Message {
	out := make([]llm.Message, len(turns))
	for i, t := range turns {
		out[i] = t.Message()
	}
	return out
}
