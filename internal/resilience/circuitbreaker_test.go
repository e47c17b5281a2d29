package resilience

import (
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/provider"
)

var (
	errTest      = provider.Transient("test", errors.New("test error"))
	errPermanent = provider.Permanent("test", errors.New("bad request"))
)

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg CircuitBreakerConfig) (*CircuitBreaker, *clock) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker(cfg)
	cb.now = clk.Now
	return cb, clk
}

func fail() error    { return errTest }
func succeed() error { return nil }

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "stt"})
	if cb.cfg.MaxFailures != 5 {
		t.Errorf("MaxFailures = %d, want 5", cb.cfg.MaxFailures)
	}
	if cb.cfg.ResetTimeout != 30*time.Second {
		t.Errorf("ResetTimeout = %v, want 30s", cb.cfg.ResetTimeout)
	}
	if cb.cfg.HalfOpenMax != 1 {
		t.Errorf("HalfOpenMax = %d, want 1", cb.cfg.HalfOpenMax)
	}
	if cb.State() != StateClosed {
		t.Errorf("State = %v, want closed", cb.State())
	}
	if cb.Name() != "stt" {
		t.Errorf("Name = %q, want stt", cb.Name())
	}
}

func TestCircuitBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(CircuitBreakerConfig{MaxFailures: 3})
	for range 2 {
		_ = cb.Execute(fail)
	}
	if cb.State() != StateClosed {
		t.Fatalf("State after 2 failures = %v, want closed", cb.State())
	}
	_ = cb.Execute(fail)
	if cb.State() != StateOpen {
		t.Fatalf("State after 3 failures = %v, want open", cb.State())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Execute = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn ran while the breaker was open")
	}
}

func TestCircuitBreaker_SuccessClearsRun(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(CircuitBreakerConfig{MaxFailures: 3})
	for _, fn := range []func() error{fail, fail, succeed, fail, fail} {
		_ = cb.Execute(fn)
	}
	if cb.State() != StateClosed {
		t.Errorf("State = %v, want closed; the run was broken by a success", cb.State())
	}
}

func TestCircuitBreaker_PermanentErrorsPassThrough(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(CircuitBreakerConfig{MaxFailures: 1})
	for range 4 {
		if err := cb.Execute(func() error { return errPermanent }); !errors.Is(err, errPermanent) {
			t.Fatalf("Execute = %v, want the permanent error unchanged", err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("State = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_CustomIsFailure(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(CircuitBreakerConfig{
		MaxFailures: 1,
		IsFailure:   func(err error) bool { return errors.Is(err, errPermanent) },
	})
	_ = cb.Execute(fail)
	if cb.State() != StateClosed {
		t.Fatalf("State = %v, want closed for an error IsFailure ignores", cb.State())
	}
	_ = cb.Execute(func() error { return errPermanent })
	if cb.State() != StateOpen {
		t.Errorf("State = %v, want open", cb.State())
	}
}

func TestCircuitBreaker_Recovery(t *testing.T) {
	t.Parallel()

	cb, clk := newTestBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute, HalfOpenMax: 2})
	_ = cb.Execute(fail)

	clk.Advance(59 * time.Second)
	if !errors.Is(cb.Execute(succeed), ErrCircuitOpen) {
		t.Fatal("call admitted before the reset timeout")
	}
	clk.Advance(time.Second)
	if cb.State() != StateHalfOpen {
		t.Fatalf("State = %v, want half-open", cb.State())
	}

	if err := cb.Execute(succeed); err != nil {
		t.Fatalf("first probe: %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("State after one of two probes = %v, want half-open", cb.State())
	}
	if err := cb.Execute(succeed); err != nil {
		t.Fatalf("second probe: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("State = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	t.Parallel()

	cb, clk := newTestBreaker(CircuitBreakerConfig{MaxFailures: 3, ResetTimeout: time.Minute})
	for range 3 {
		_ = cb.Execute(fail)
	}
	clk.Advance(time.Minute)

	if err := cb.Execute(fail); !errors.Is(err, errTest) {
		t.Fatalf("probe = %v, want the probe's error", err)
	}
	if cb.State() != StateOpen {
		t.Fatalf("State = %v, want open", cb.State())
	}
	// The timeout restarts from the failed probe.
	clk.Advance(30 * time.Second)
	if cb.State() != StateOpen {
		t.Errorf("State = %v, want open until a full timeout passes", cb.State())
	}
}

func TestCircuitBreaker_ProbeSlots(t *testing.T) {
	t.Parallel()

	cb, clk := newTestBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Second})
	_ = cb.Execute(fail)
	clk.Advance(time.Second)

	inProbe := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(func() error {
			close(inProbe)
			<-release
			return nil
		})
	}()
	<-inProbe

	if err := cb.Execute(succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second concurrent probe = %v, want ErrCircuitOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe = %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("State = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_PermanentProbeFreesSlot(t *testing.T) {
	t.Parallel()

	cb, clk := newTestBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Second})
	_ = cb.Execute(fail)
	clk.Advance(time.Second)

	_ = cb.Execute(func() error { return errPermanent })
	if cb.State() != StateHalfOpen {
		t.Fatalf("State = %v, want half-open", cb.State())
	}
	if err := cb.Execute(succeed); err != nil {
		t.Errorf("next probe = %v, want admitted", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("State = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	t.Parallel()

	var (
		mu  sync.Mutex
		got []string
	)
	cb, clk := newTestBreaker(CircuitBreakerConfig{
		Name:         "llm",
		MaxFailures:  1,
		ResetTimeout: time.Second,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			got = append(got, name+":"+from.String()+"->"+to.String())
			mu.Unlock()
		},
	})
	_ = cb.Execute(fail)
	clk.Advance(time.Second)
	_ = cb.Execute(succeed)
	_ = cb.Execute(fail)
	cb.Reset()
	cb.Reset()

	mu.Lock()
	defer mu.Unlock()
	want := []string{
		"llm:closed->open",
		"llm:open->half-open",
		"llm:half-open->closed",
		"llm:closed->open",
		"llm:open->closed",
	}
	if !slices.Equal(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	for s, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(-1):     "unknown",
		State(99):     "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
