// Package app wires the parley subsystems into a running server.
//
// The App owns the full lifecycle: New builds the session registry, event
// log, health checks and HTTP routes, Serve accepts connections until its
// context ends, and Shutdown drains everything in order.
//
// For testing, inject doubles via functional options (WithEventStore,
// WithMetrics, WithCheckers). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/eventlog"
	"github.com/MrWong99/parley/internal/eventlog/postgres"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/transport"
	"github.com/MrWong99/parley/pkg/transport/webrtc"
	"github.com/MrWong99/parley/pkg/transport/websocket"
)

// ErrDraining is returned to transports that connect after shutdown began.
var ErrDraining = errors.New("app: server is draining")

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

// EventStore persists lifecycle events and reads them back per session.
type EventStore interface {
	eventlog.Store
	Events(ctx context.Context, sessionID string) ([]session.Event, error)
	Ping(ctx context.Context) error
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics        *observe.Metrics
	metricsHandler http.Handler
	checkers       []health.Checker

	registry *session.Registry
	health   *health.Handler
	events   session.EventSink
	store    EventStore
	writer   *eventlog.Writer
	server   *http.Server

	stopWriter context.CancelFunc
	writerDone chan struct{}

	// closers are called in reverse order during Shutdown.
	closers []func() error

	draining    atomic.Bool
	stopOnce    sync.Once
	shutdownErr error
}

// Option is a functional option for New.
type Option func(*App)

// WithEventStore injects an event store instead of connecting to
// events.postgres_dsn.
func WithEventStore(s EventStore) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics sets the metric instruments and the handler serving them.
// A nil handler leaves the metrics route unregistered.
func WithMetrics(m *observe.Metrics, h http.Handler) Option {
	return func(a *App) {
		a.metrics = m
		a.metricsHandler = h
	}
}

// WithCheckers adds readiness checks next to the backend probes derived
// from the config.
func WithCheckers(c ...health.Checker) Option {
	return func(a *App) { a.checkers = append(a.checkers, c...) }
}

// New creates an App. The providers come from [BuildProviders] or test
// doubles.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT == nil || providers.LLM == nil || providers.TTS == nil {
		return nil, errors.New("app: stt, llm and tts providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Event log ─────────────────────────────────────────────────────
	if err := a.initEvents(ctx); err != nil {
		return nil, fmt.Errorf("app: init events: %w", err)
	}

	// ── 2. Session registry ──────────────────────────────────────────────
	a.registry = session.NewRegistry(cfg.Session.MaxConcurrentSessions, session.WithRegistryMetrics(a.metrics))

	// ── 3. Health ────────────────────────────────────────────────────────
	checks := append(readinessProbes(cfg, nil), breakerChecks(providers)...)
	if a.store != nil {
		checks = append(checks, health.Checker{Name: "events", Check: a.store.Ping})
	}
	a.health = health.New(append(checks, a.checkers...)...)

	// ── 4. HTTP server ───────────────────────────────────────────────────
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
	}
	return a, nil
}

// initEvents connects the event store when one is configured and starts
// the writer feeding it.
func (a *App) initEvents(ctx context.Context) error {
	sinks := session.MultiSink{session.LogSink{Logger: slog.Default()}}

	if a.store == nil && a.cfg.Events.PostgresDSN != "" {
		store, err := postgres.New(ctx, a.cfg.Events.PostgresDSN)
		if err != nil {
			return err
		}
		a.store = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
		slog.Info("event log connected", "backend", "postgres")
	}

	if a.store != nil {
		a.writer = eventlog.NewWriter(a.store, a.cfg.Events.BufferSize)
		wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		a.stopWriter = cancel
		a.writerDone = make(chan struct{})
		go func() {
			defer close(a.writerDone)
			_ = a.writer.Run(wctx)
		}()
		sinks = append(sinks, a.writer)
	}

	a.events = sinks
	return nil
}

// Registry exposes the live sessions.
func (a *App) Registry() *session.Registry { return a.registry }

// Handler returns the complete HTTP surface wrapped in the observability
// middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET "+a.cfg.Observability.MetricsPath, a.metricsHandler)
	}

	format := audio.Format{SampleRate: a.cfg.Session.SampleRate, Channels: 1}
	frame := a.cfg.Session.FrameDuration()

	if ws := a.cfg.Transport.WebSocket; ws.Enabled {
		mux.Handle("GET "+ws.Path, websocket.Handler(websocket.Config{
			Format:         format,
			FrameDuration:  frame,
			OriginPatterns: ws.AllowedOrigins,
		}, a.accept))
	}
	if rtc := a.cfg.Transport.WebRTC; rtc.Enabled {
		mux.Handle("POST "+rtc.OfferPath, webrtc.Handler(webrtc.Config{
			Format:        format,
			FrameDuration: frame,
			ICEServers:    rtc.ICEServers,
		}, a.accept))
	}

	mux.HandleFunc("GET /api/sessions", a.listSessions)
	mux.HandleFunc("GET /api/sessions/{id}", a.getSession)
	mux.HandleFunc("GET /api/sessions/{id}/events", a.sessionEvents)

	return observe.Middleware(a.metrics)(mux)
}

// accept starts a session on a freshly connected transport.
func (a *App) accept(ctx context.Context, conn transport.Connection) error {
	if a.draining.Load() {
		a.metrics.RecordRejected(ctx, "draining")
		return ErrDraining
	}
	_, err := session.Create(ctx, session.Deps{
		Config:   a.cfg.Session,
		Agent:    a.cfg.Agent,
		STT:      a.providers.STT,
		LLM:      a.providers.LLM,
		TTS:      a.providers.TTS,
		Registry: a.registry,
		Events:   a.events,
		Metrics:  a.metrics,
	}, conn)
	return err
}

// Run listens on the configured address and serves until ctx ends, then
// shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx ends or the server fails.
// Either way Shutdown runs before Serve returns.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	slog.Info("server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return a.Shutdown(sctx)
	})
	return g.Wait()
}

// Shutdown stops accepting sessions, terminates the live ones, flushes the
// event log and releases every resource. Safe to call more than once;
// later calls return the first result.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.draining.Store(true)
		a.health.SetDraining(true)

		var errs []error
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: http shutdown: %w", err))
		}

		n := a.registry.Count()
		if err := a.registry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: %w", err))
		}
		slog.Info("sessions terminated", "count", n)

		if a.writer != nil {
			a.stopWriter()
			select {
			case <-a.writerDone:
			case <-ctx.Done():
				errs = append(errs, errors.New("app: event log flush timed out"))
			}
			if d := a.writer.Dropped(); d > 0 {
				slog.Warn("event log dropped events", "count", d)
			}
		}

		for _, c := range slices.Backward(a.closers) {
			if err := c(); err != nil {
				errs = append(errs, err)
			}
		}
		a.shutdownErr = errors.Join(errs...)
	})
	return a.shutdownErr
}
