package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/pkg/audio"
	llmmock "github.com/MrWong99/parley/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/parley/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/parley/pkg/provider/tts/mock"
	"github.com/MrWong99/parley/pkg/transport/mock"
)

const (
	testRate  = 16000
	testFrame = 20 * time.Millisecond
)

func testConfig() config.Session {
	s := config.DefaultSession()
	s.RetryBaseDelayMs = 1
	s.RetryMaxDelayMs = 2
	s.VADMinSpeechMs = 60
	s.VADMinSilenceMs = 200
	s.MinUtteranceMs = 300
	s.InboundBufferFrames = 256
	return s
}

// eventRecorder is an EventSink that keeps every event.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Emit(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// countingTracker counts Unregister calls on top of a real Registry.
type countingTracker struct {
	*Registry

	mu          sync.Mutex
	unregisters int
}

func (c *countingTracker) Unregister(id string) bool {
	c.mu.Lock()
	c.unregisters++
	c.mu.Unlock()
	return c.Registry.Unregister(id)
}

func (c *countingTracker) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unregisters
}

// harness wires one session to mocks.
type harness struct {
	conn   *mock.Conn
	stt    *sttmock.Provider
	llm    *llmmock.Provider
	tts    *ttsmock.Provider
	events *eventRecorder
	deps   Deps
}

func newHarness(id string, reg Tracker) *harness {
	h := &harness{
		conn:   mock.New(id, 512),
		stt:    &sttmock.Provider{Text: "what's the weather like"},
		llm:    &llmmock.Provider{Reply: "It is sunny."},
		tts:    &ttsmock.Provider{},
		events: &eventRecorder{},
	}
	h.deps = Deps{
		Config:   testConfig(),
		Agent:    config.AgentConfig{Greeting: "Hello there."},
		STT:      h.stt,
		LLM:      h.llm,
		TTS:      h.tts,
		Registry: reg,
		Events:   h.events,
	}
	return h
}

// start creates the session and shuts it down at the end of the test.
func (h *harness) start(t *testing.T) *Controller {
	t.Helper()
	c, err := Create(context.Background(), h.deps, h.conn)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() {
		c.Shutdown()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := c.Wait(ctx); err != nil {
			t.Errorf("session %s did not end: %v", c.ID(), err)
		}
	})
	return c
}

func waitListening(t *testing.T, c *Controller) {
	t.Helper()
	select {
	case <-c.Listening():
	case <-time.After(3 * time.Second):
		t.Fatalf("session %s never started listening (state %s)", c.ID(), c.State())
	}
}

func waitDone(t *testing.T, c *Controller) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("session %s not done (state %s)", c.ID(), c.State())
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func frame(ts time.Duration, sample int16) audio.Frame {
	pcm := make([]int16, audio.Format{SampleRate: testRate, Channels: 1}.FrameBytes(testFrame)/2)
	for i := range pcm {
		pcm[i] = sample
	}
	return audio.Frame{Data: audio.Int16ToBytes(pcm), SampleRate: testRate, Channels: 1, Timestamp: ts}
}

// say pushes speech over [from, from+d) followed by 400ms of silence and
// returns the timestamp after the silence.
func say(t *testing.T, conn *mock.Conn, from, d time.Duration) time.Duration {
	t.Helper()
	ts := from
	for ; ts < from+d; ts += testFrame {
		if !conn.Push(frame(ts, 8000)) {
			t.Fatal("connection closed while speaking")
		}
	}
	for end := ts + 400*time.Millisecond; ts < end; ts += testFrame {
		if !conn.Push(frame(ts, 0)) {
			t.Fatal("connection closed while speaking")
		}
	}
	return ts
}

func hasTurns(c *Controller, n int) func() bool {
	return func() bool { return len(c.Turns()) >= n }
}
