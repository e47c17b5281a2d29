package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/session"
	llmmock "github.com/MrWong99/parley/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/parley/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/parley/pkg/provider/tts/mock"
)

// testConfig returns a config with every default applied and a static
// greeting so sessions never consult the LLM on start.
func testConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{ListenAddr: "127.0.0.1:0"},
		Providers: config.ProvidersConfig{
			STT: config.ProviderEntry{Name: "mock"},
			LLM: config.ProviderEntry{Name: "mock"},
			TTS: config.ProviderEntry{Name: "mock"},
		},
		Agent: config.AgentConfig{Greeting: "Hi."},
	}
	config.ApplyDefaults(cfg)
	cfg.Session.RetryBaseDelayMs = 1
	cfg.Session.RetryMaxDelayMs = 2
	return cfg
}

func testProviders() *app.Providers {
	return &app.Providers{
		STT: &sttmock.Provider{Text: "hello"},
		LLM: &llmmock.Provider{Reply: "Hello!"},
		TTS: &ttsmock.Provider{},
	}
}

// fakeStore is an in-memory app.EventStore.
type fakeStore struct {
	mu      sync.Mutex
	events  []session.Event
	pingErr error
}

func (s *fakeStore) Append(_ context.Context, events []session.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (s *fakeStore) Events(_ context.Context, id string) ([]session.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []session.Event
	for _, e := range s.events {
		if e.SessionID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeStore) Ping(context.Context) error { return s.pingErr }

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) (*app.App, *httptest.Server) {
	t.Helper()
	a, err := app.New(context.Background(), cfg, testProviders(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
		srv.Close()
	})
	return a, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + config.DefaultWebSocketPath
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.CloseNow() })
	return c
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

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()
	_, err := app.New(context.Background(), testConfig(), &app.Providers{STT: &sttmock.Provider{}})
	if err == nil {
		t.Fatal("New with missing providers = nil error, want error")
	}
}

func TestWebSocketSession_Lifecycle(t *testing.T) {
	t.Parallel()
	store := &fakeStore{}
	a, srv := newApp(t, testConfig(), app.WithEventStore(store))

	client := dial(t, srv)

	// The greeting arrives as binary PCM.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	typ, data, err := client.Read(ctx)
	if err != nil {
		t.Fatalf("Read greeting: %v", err)
	}
	if typ != websocket.MessageBinary || len(data) == 0 {
		t.Errorf("greeting message = %v/%d bytes, want binary audio", typ, len(data))
	}

	var list struct {
		Sessions []session.Info `json:"sessions"`
		Active   int            `json:"active"`
		Max      int            `json:"max"`
	}
	if code := getJSON(t, srv.URL+"/api/sessions", &list); code != http.StatusOK {
		t.Fatalf("GET /api/sessions = %d, want 200", code)
	}
	if list.Active != 1 || len(list.Sessions) != 1 {
		t.Fatalf("active sessions = %d, want 1", list.Active)
	}
	if list.Max != config.DefaultSession().MaxConcurrentSessions {
		t.Errorf("max = %d, want %d", list.Max, config.DefaultSession().MaxConcurrentSessions)
	}
	id := list.Sessions[0].ID

	var info session.Info
	if code := getJSON(t, srv.URL+"/api/sessions/"+id, &info); code != http.StatusOK {
		t.Fatalf("GET /api/sessions/{id} = %d, want 200", code)
	}
	if info.State != session.StateActive.String() {
		t.Errorf("state = %q, want %q", info.State, session.StateActive.String())
	}

	c, ok := a.Registry().Get(id)
	if !ok {
		t.Fatalf("Registry().Get(%q) not found", id)
	}
	_ = client.Close(websocket.StatusNormalClosure, "bye")

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	if err := c.Wait(sctx); err != nil {
		t.Fatalf("session did not end after client close: %v", err)
	}
	if got := a.Registry().Count(); got != 0 {
		t.Errorf("sessions after close = %d, want 0", got)
	}
	if err := a.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	var events []struct {
		Type string `json:"type"`
	}
	if code := getJSON(t, srv.URL+"/api/sessions/"+id+"/events", &events); code != http.StatusOK {
		t.Fatalf("GET events = %d, want 200", code)
	}
	if len(events) < 2 {
		t.Fatalf("events = %d, want at least 2", len(events))
	}
	if events[0].Type != string(session.EventSessionStarted) {
		t.Errorf("first event = %q, want %q", events[0].Type, session.EventSessionStarted)
	}
	if last := events[len(events)-1].Type; last != string(session.EventSessionEnded) {
		t.Errorf("last event = %q, want %q", last, session.EventSessionEnded)
	}
}

func TestWebSocket_CapacityRefusal(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Session.MaxConcurrentSessions = 1
	a, srv := newApp(t, cfg)

	dial(t, srv)
	waitFor(t, "first session", func() bool { return a.Registry().Count() == 1 })

	second := dial(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		_, _, err := second.Read(ctx)
		if err == nil {
			continue
		}
		if got := websocket.CloseStatus(err); got != websocket.StatusTryAgainLater {
			t.Errorf("close status = %v (%v), want %v", got, err, websocket.StatusTryAgainLater)
		}
		break
	}
	if got := a.Registry().Count(); got != 1 {
		t.Errorf("sessions = %d, want 1", got)
	}
}

func TestShutdown_TerminatesSessionsAndRefusesNew(t *testing.T) {
	t.Parallel()
	a, srv := newApp(t, testConfig())

	dial(t, srv)
	dial(t, srv)
	waitFor(t, "two sessions", func() bool { return a.Registry().Count() == 2 })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := a.Registry().Count(); got != 0 {
		t.Errorf("sessions after Shutdown = %d, want 0", got)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown = %v, want nil", err)
	}

	if code := getJSON(t, srv.URL+"/readyz", nil); code != http.StatusServiceUnavailable {
		t.Errorf("/readyz while draining = %d, want 503", code)
	}

	late := dial(t, srv)
	rctx, rcancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer rcancel()
	_, _, err := late.Read(rctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusTryAgainLater {
		t.Errorf("late connection close status = %v (%v), want %v", got, err, websocket.StatusTryAgainLater)
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	t.Parallel()
	a, err := app.New(context.Background(), testConfig(), testProviders())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	waitFor(t, "server up", func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Serve = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}

func TestSessionEndpoints_NotFound(t *testing.T) {
	t.Parallel()
	_, srv := newApp(t, testConfig())

	for _, path := range []string{"/api/sessions/nope", "/api/sessions/nope/events"} {
		if code := getJSON(t, srv.URL+path, nil); code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, code)
		}
	}
}

func TestReadyz_ReportsEventStore(t *testing.T) {
	t.Parallel()
	store := &fakeStore{pingErr: errors.New("connection refused")}
	_, srv := newApp(t, testConfig(), app.WithEventStore(store))

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/readyz = %d, want 503", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(body.Checks["events"], "fail") {
		t.Errorf("events check = %q, want fail", body.Checks["events"])
	}
}

func TestMetricsRoute(t *testing.T) {
	t.Parallel()
	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# parley metrics\n"))
	})
	_, srv := newApp(t, testConfig(), app.WithMetrics(observe.DefaultMetrics(), h))

	resp, err := http.Get(srv.URL + config.DefaultMetricsPath)
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d, want 200", resp.StatusCode)
	}
}

func TestWebRTCRoute_DisabledByDefault(t *testing.T) {
	t.Parallel()
	_, srv := newApp(t, testConfig())

	resp, err := http.Post(srv.URL+config.DefaultOfferPath, "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST offer: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("offer route status = %d, want 404 when webrtc is disabled", resp.StatusCode)
	}

	cfg := testConfig()
	cfg.Transport.WebRTC.Enabled = true
	_, rtcSrv := newApp(t, cfg)
	resp, err = http.Post(rtcSrv.URL+config.DefaultOfferPath, "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST offer: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty offer status = %d, want 400", resp.StatusCode)
	}
}
