package websocket

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/transport"
)

var pipelineFormat = audio.Format{SampleRate: 16000, Channels: 1}

func testConfig() Config {
	return Config{Format: pipelineFormat, FrameDuration: 20 * time.Millisecond}
}

// startServer serves Handler and returns the ws:// URL plus a channel
// receiving every accepted connection.
func startServer(t *testing.T, accept func(transport.Connection) error) string {
	t.Helper()
	h := Handler(testConfig(), func(_ context.Context, c transport.Connection) error {
		return accept(c)
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.CloseNow() })
	return c
}

func TestConn_ReadyAtAccept(t *testing.T) {
	t.Parallel()
	conns := make(chan transport.Connection, 1)
	url := startServer(t, func(c transport.Connection) error {
		conns <- c
		return nil
	})
	dial(t, url)

	select {
	case c := <-conns:
		select {
		case <-c.Ready():
		default:
			t.Error("Ready not closed for an accepted connection")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connection never accepted")
	}
}

func TestConn_InboundIsReframed(t *testing.T) {
	t.Parallel()
	conns := make(chan transport.Connection, 1)
	url := startServer(t, func(c transport.Connection) error {
		conns <- c
		return nil
	})
	client := dial(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	// 50 ms of audio in one message: two whole 20 ms frames plus a remainder.
	if err := client.Write(ctx, websocket.MessageBinary, make([]byte, pipelineFormat.FrameBytes(50*time.Millisecond))); err != nil {
		t.Fatalf("Write: %v", err)
	}

	c := <-conns
	for i := range 2 {
		select {
		case f := <-c.Inbound():
			if want := time.Duration(i) * 20 * time.Millisecond; f.Timestamp != want {
				t.Errorf("frame %d timestamp = %v, want %v", i, f.Timestamp, want)
			}
			if f.Duration() != 20*time.Millisecond {
				t.Errorf("frame %d duration = %v, want 20ms", i, f.Duration())
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for frame %d", i)
		}
	}
}

func TestConn_SendConvertsToClientRate(t *testing.T) {
	t.Parallel()
	conns := make(chan transport.Connection, 1)
	url := startServer(t, func(c transport.Connection) error {
		conns <- c
		return nil
	})
	client := dial(t, url+"?sample_rate=48000")
	c := <-conns

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	frame := audio.Frame{
		Data:       make([]byte, pipelineFormat.FrameBytes(20*time.Millisecond)),
		SampleRate: pipelineFormat.SampleRate,
		Channels:   1,
	}
	if err := c.Send(ctx, frame); err != nil {
		t.Fatalf("Send: %v", err)
	}

	typ, data, err := client.Read(ctx)
	if err != nil {
		t.Fatalf("client Read: %v", err)
	}
	if typ != websocket.MessageBinary {
		t.Errorf("message type = %v, want binary", typ)
	}
	if want := (audio.Format{SampleRate: 48000, Channels: 1}).FrameBytes(20 * time.Millisecond); len(data) != want {
		t.Errorf("payload = %d bytes, want %d", len(data), want)
	}
}

func TestConn_PeerCloseIsOrderly(t *testing.T) {
	t.Parallel()
	conns := make(chan transport.Connection, 1)
	url := startServer(t, func(c transport.Connection) error {
		conns <- c
		return nil
	})
	client := dial(t, url)
	c := <-conns

	_ = client.Close(websocket.StatusNormalClosure, "bye")

	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("Done not closed after peer close")
	}
	if err := c.Err(); err != nil {
		t.Errorf("Err = %v, want nil for orderly close", err)
	}
	if err := c.Send(context.Background(), audio.Frame{}); !errors.Is(err, transport.ErrTransportLost) {
		t.Errorf("Send after close = %v, want ErrTransportLost", err)
	}
}

func TestConn_AbruptDropIsTransportLost(t *testing.T) {
	t.Parallel()
	conns := make(chan transport.Connection, 1)
	url := startServer(t, func(c transport.Connection) error {
		conns <- c
		return nil
	})
	client := dial(t, url)
	c := <-conns

	_ = client.CloseNow()

	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("Done not closed after drop")
	}
	if err := c.Err(); !errors.Is(err, transport.ErrTransportLost) {
		t.Errorf("Err = %v, want ErrTransportLost", err)
	}
}

func TestHandler_RefusalClosesWithTryAgainLater(t *testing.T) {
	t.Parallel()
	url := startServer(t, func(transport.Connection) error {
		return errors.New("session capacity exceeded")
	})
	client := dial(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := client.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusTryAgainLater {
		t.Errorf("close status = %v (err %v), want %v", got, err, websocket.StatusTryAgainLater)
	}
}

func TestAccept_RejectsBadSampleRate(t *testing.T) {
	t.Parallel()
	url := startServer(t, func(transport.Connection) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, url+"?sample_rate=abc", nil)
	if err == nil {
		t.Fatal("Dial succeeded, want rejection")
	}
	if resp == nil || resp.StatusCode != 400 {
		t.Errorf("response = %v, want 400", resp)
	}
}
