// Package websocket implements transport.Connection over a WebSocket carrying
// raw PCM.
//
// Wire protocol: binary messages in both directions hold signed 16-bit
// little-endian mono PCM at the client's sample rate, announced with the
// sample_rate query parameter on the upgrade request (default 16000).
// Message boundaries carry no meaning; the server reframes audio to the
// pipeline format. Text messages from the client are ignored.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/transport"
)

const (
	defaultClientRate = 16000
	readLimit         = 1 << 20
	inboundBuffer     = 64
)

// Config configures accepted connections.
type Config struct {
	// Format is the pipeline PCM format frames are delivered and expected in.
	Format audio.Format

	// FrameDuration is the length of each inbound frame.
	FrameDuration time.Duration

	// OriginPatterns lists host patterns allowed to open connections.
	// Empty means same-origin only.
	OriginPatterns []string
}

// Conn is a PCM-over-WebSocket connection.
type Conn struct {
	id     string
	ws     *websocket.Conn
	cfg    Config
	client audio.Format

	in     chan audio.Frame
	ready  chan struct{}
	done   chan struct{}
	cancel context.CancelFunc

	once sync.Once
	mu   sync.Mutex
	err  error
}

var _ transport.Connection = (*Conn)(nil)

// Accept upgrades the request and starts reading audio.
func Accept(w http.ResponseWriter, r *http.Request, cfg Config) (*Conn, error) {
	rate := defaultClientRate
	if v := r.URL.Query().Get("sample_rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 8000 || n > 192000 {
			http.Error(w, "invalid sample_rate", http.StatusBadRequest)
			return nil, fmt.Errorf("websocket: invalid sample_rate %q", v)
		}
		rate = n
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: cfg.OriginPatterns,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket: accept: %w", err)
	}
	ws.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:     uuid.NewString(),
		ws:     ws,
		cfg:    cfg,
		client: audio.Format{SampleRate: rate, Channels: 1},
		in:     make(chan audio.Frame, inboundBuffer),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	// The upgrade completed, so the socket already carries audio.
	close(c.ready)
	go c.readLoop(ctx)
	return c, nil
}

// ID implements transport.Connection.
func (c *Conn) ID() string { return c.id }

// Ready implements transport.Connection. It is closed at accept.
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

// ClientFormat returns the PCM format on the wire.
func (c *Conn) ClientFormat() audio.Format { return c.client }

// Send converts f to the client format and writes it as one binary message.
func (c *Conn) Send(ctx context.Context, f audio.Frame) error {
	select {
	case <-c.done:
		return fmt.Errorf("websocket: send: %w", transport.ErrTransportLost)
	default:
	}
	src := audio.Format{SampleRate: f.SampleRate, Channels: f.Channels}
	pcm := audio.ConvertPCM(f.Data, src, c.client)
	if err := c.ws.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lost := fmt.Errorf("websocket: write: %w: %w", transport.ErrTransportLost, err)
		c.finish(lost)
		return lost
	}
	return nil
}

// Close sends a normal closure and ends the connection.
func (c *Conn) Close() error {
	c.finish(nil)
	return nil
}

// CloseWith ends the connection with a specific close status, e.g. to refuse
// a session at capacity.
func (c *Conn) CloseWith(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		c.record(nil)
		go c.closeHandshake(code, reason)
	})
}

func (c *Conn) finish(err error) {
	c.once.Do(func() {
		c.record(err)
		if err != nil {
			_ = c.ws.CloseNow()
			c.cancel()
			return
		}
		go c.closeHandshake(websocket.StatusNormalClosure, "session ended")
	})
}

// record stores the end reason and releases Done waiters. Must run inside
// c.once.
func (c *Conn) record(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	close(c.done)
}

// closeHandshake waits for the peer to acknowledge the close, then stops the
// read loop.
func (c *Conn) closeHandshake(code websocket.StatusCode, reason string) {
	_ = c.ws.Close(code, reason)
	c.cancel()
}

func (c *Conn) readLoop(ctx context.Context) {
	defer close(c.in)
	framer := audio.NewFramer(c.cfg.Format, c.cfg.FrameDuration, 0)
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			c.finish(classifyReadErr(ctx, err))
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		pcm := audio.ConvertPCM(data, c.client, c.cfg.Format)
		for _, f := range framer.Write(pcm) {
			select {
			case c.in <- f:
			case <-ctx.Done():
				return
			}
		}
	}
}

// classifyReadErr maps a read failure to the connection's end reason.
func classifyReadErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return nil
	}
	return fmt.Errorf("websocket: read: %w: %w", transport.ErrTransportLost, err)
}

// Handler upgrades requests and hands each connection to accept. The
// handler returns when the connection ends. A refusal by accept closes the
// socket with status 1013 (try again later) and the refusal text.
func Handler(cfg Config, accept transport.AcceptFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := Accept(w, r, cfg)
		if err != nil {
			slog.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
			return
		}
		log := slog.With("session_id", c.ID(), "remote_addr", r.RemoteAddr, "client_rate", c.client.SampleRate)
		if err := accept(context.WithoutCancel(r.Context()), c); err != nil {
			log.Warn("connection refused", "error", err)
			c.CloseWith(websocket.StatusTryAgainLater, truncateReason(err.Error()))
			return
		}
		log.Info("websocket connected")
		<-c.Done()
		if err := c.Err(); err != nil && !errors.Is(err, transport.ErrTransportLost) {
			log.Warn("websocket closed with error", "error", err)
		}
	})
}

// truncateReason keeps a close reason within the 123-byte protocol limit.
func truncateReason(s string) string {
	if len(s) > 120 {
		return s[:120]
	}
	return s
}
