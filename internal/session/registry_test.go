package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/conversation"
)

// stub returns a controller carrying only what the registry reads.
func stub(id string) *Controller {
	return &Controller{id: id, createdAt: time.Now(), convo: conversation.New()}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	t.Parallel()
	r := NewRegistry(2)
	a := stub("a")
	if err := r.Register(a); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, ok := r.Get("a")
	if !ok || got != a {
		t.Errorf("Get(a) = %v, %v", got, ok)
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("Get(missing) reported present")
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d, want 1", r.Count())
	}
}

func TestRegistry_Capacity(t *testing.T) {
	t.Parallel()
	r := NewRegistry(2)
	for _, id := range []string{"a", "b"} {
		if err := r.Register(stub(id)); err != nil {
			t.Fatalf("Register(%s): %v", id, err)
		}
	}
	if err := r.Register(stub("c")); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("Register(c) = %v, want ErrCapacityExceeded", err)
	}
	if r.Count() != 2 {
		t.Errorf("Count = %d, want 2", r.Count())
	}
	for _, id := range []string{"a", "b"} {
		if _, ok := r.Get(id); !ok {
			t.Errorf("%s evicted by refused registration", id)
		}
	}

	r.Unregister("a")
	if err := r.Register(stub("c")); err != nil {
		t.Errorf("Register(c) after Unregister = %v", err)
	}
}

func TestRegistry_Duplicate(t *testing.T) {
	t.Parallel()
	r := NewRegistry(4)
	first := stub("a")
	if err := r.Register(first); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(stub("a")); !errors.Is(err, ErrDuplicateSession) {
		t.Errorf("Register(dup) = %v, want ErrDuplicateSession", err)
	}
	if got, _ := r.Get("a"); got != first {
		t.Error("duplicate replaced the original")
	}
}

func TestRegistry_UnregisterIdempotent(t *testing.T) {
	t.Parallel()
	r := NewRegistry(4)
	_ = r.Register(stub("a"))

	if !r.Unregister("a") {
		t.Error("first Unregister = false, want true")
	}
	for range 3 {
		if r.Unregister("a") {
			t.Error("repeated Unregister = true, want false")
		}
	}
	if r.Count() != 0 {
		t.Errorf("Count = %d, want 0", r.Count())
	}
}

func TestRegistry_MinimumLimit(t *testing.T) {
	t.Parallel()
	if got := NewRegistry(0).Max(); got != 1 {
		t.Errorf("Max = %d, want 1", got)
	}
}

func TestRegistry_List(t *testing.T) {
	t.Parallel()
	r := NewRegistry(4)
	older := stub("older")
	older.createdAt = time.Now().Add(-time.Minute)
	_ = r.Register(stub("newer"))
	_ = r.Register(older)

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("List len = %d, want 2", len(list))
	}
	if list[0].ID != "older" || list[1].ID != "newer" {
		t.Errorf("List order = %s, %s; want oldest first", list[0].ID, list[1].ID)
	}
	if list[0].State != "initializing" {
		t.Errorf("State = %q, want initializing", list[0].State)
	}
}

func TestRegistry_Shutdown(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(4)
	var sessions []*Controller
	for _, id := range []string{"a", "b", "c"} {
		h := newHarness(id, reg)
		c, err := Create(context.Background(), h.deps, h.conn)
		if err != nil {
			t.Fatalf("Create(%s): %v", id, err)
		}
		sessions = append(sessions, c)
	}
	for _, c := range sessions {
		waitListening(t, c)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := reg.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if reg.Count() != 0 {
		t.Errorf("Count = %d, want 0", reg.Count())
	}
	for _, c := range sessions {
		select {
		case <-c.Done():
		default:
			t.Errorf("%s not done after registry shutdown", c.ID())
		}
		if c.State() != StateTerminated {
			t.Errorf("%s state = %s, want terminated", c.ID(), c.State())
		}
	}
}
