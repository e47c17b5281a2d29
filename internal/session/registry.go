package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/observe"
)

var (
	// ErrCapacityExceeded is returned by Register when the registry holds the
	// maximum number of sessions. The caller must refuse the new connection.
	ErrCapacityExceeded = errors.New("session: capacity exceeded")

	// ErrDuplicateSession is returned by Register for an id already present.
	ErrDuplicateSession = errors.New("session: duplicate session id")
)

// Tracker is the part of the [Registry] a [Controller] uses. Tests substitute
// counting implementations.
type Tracker interface {
	Register(c *Controller) error
	Unregister(id string) bool
}

// Info is the metadata of a registered session.
type Info struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	Turns     int       `json:"turns"`
}

// Registry tracks the live sessions of the process and enforces the
// concurrent-session limit. Every method is serialised by one mutex.
type Registry struct {
	max     int
	metrics *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*Controller
}

var _ Tracker = (*Registry)(nil)

// RegistryOption configures a [Registry].
type RegistryOption func(*Registry)

// WithRegistryMetrics records the active-sessions gauge on m.
func WithRegistryMetrics(m *observe.Metrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

// NewRegistry returns a Registry admitting at most limit sessions. A limit
// below 1 is treated as 1.
func NewRegistry(limit int, opts ...RegistryOption) *Registry {
	r := &Registry{
		max:      max(limit, 1),
		sessions: make(map[string]*Controller),
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Register admits c.
func (r *Registry) Register(c *Controller) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[c.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, c.ID())
	}
	if len(r.sessions) >= r.max {
		return fmt.Errorf("%w: limit %d", ErrCapacityExceeded, r.max)
	}
	r.sessions[c.ID()] = c
	r.metrics.ActiveSessions.Add(context.Background(), 1)
	return nil
}

// Unregister removes the session with id and reports whether it was present.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	r.metrics.ActiveSessions.Add(context.Background(), -1)
	return true
}

// Get returns the session with id.
func (r *Registry) Get(id string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.sessions[id]
	return c, ok
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Max returns the concurrent-session limit.
func (r *Registry) Max() int { return r.max }

// List returns the metadata of every registered session, oldest first.
func (r *Registry) List() []Info {
	out := make([]Info, 0, r.Count())
	for _, c := range r.snapshot() {
		out = append(out, c.Info())
	}
	slices.SortFunc(out, func(a, b Info) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// Shutdown terminates every registered session concurrently and waits until
// each has released its resources or ctx ends.
func (r *Registry) Shutdown(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range r.snapshot() {
		g.Go(func() error {
			c.Shutdown()
			if err := c.Wait(ctx); err != nil {
				return fmt.Errorf("session: shutdown %s: %w", c.ID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *Registry) snapshot() []*Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Controller, 0, len(r.sessions))
	for _, c := range r.sessions {
		out = append(out, c)
	}
	return out
}
