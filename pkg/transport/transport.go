// Package transport defines the browser-facing audio connection consumed by a
// voice session.
//
// A [Connection] delivers microphone audio as fixed-duration PCM frames in
// the pipeline format and accepts reply frames in the same format. Codec and
// resampling concerns stay inside the transport implementations
// (see the websocket and webrtc sub-packages).
package transport

import (
	"context"
	"errors"

	"github.com/MrWong99/parley/pkg/audio"
)

// ErrTransportLost reports that the peer went away or the link failed. It is
// fatal to the session using the connection.
var ErrTransportLost = errors.New("transport: connection lost")

// Connection is one client's bidirectional audio link.
//
// Implementations must be safe for concurrent use: Inbound is drained by one
// goroutine while Send is called by another.
type Connection interface {
	// ID identifies the connection. It becomes the session id.
	ID() string

	// Ready is closed once the link can carry audio both ways. Frames sent
	// before then may be lost.
	Ready() <-chan struct{}

	// Inbound delivers microphone frames with increasing timestamps. It is
	// closed when the connection ends.
	Inbound() <-chan audio.Frame

	// Send transmits one reply frame. It returns an error matching
	// [ErrTransportLost] once the connection has ended.
	Send(ctx context.Context, f audio.Frame) error

	// Done is closed when the connection ends for any reason.
	Done() <-chan struct{}

	// Err returns why the connection ended: nil after a local Close or an
	// orderly close by the peer, an error matching [ErrTransportLost]
	// otherwise. Only meaningful after Done is closed.
	Err() error

	// Close ends the connection. It is safe to call more than once.
	Close() error
}

// AcceptFunc hands a freshly established connection to its owner, usually
// the session layer. A non-nil error means the connection was refused; the
// transport then closes it and reports the refusal to the client.
type AcceptFunc func(ctx context.Context, conn Connection) error
