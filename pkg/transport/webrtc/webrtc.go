// Package webrtc implements transport.Connection over a WebRTC peer
// connection carrying one bidirectional Opus audio track.
//
// Signalling is a single HTTP exchange: the browser POSTs its SDP offer as
// JSON ({"type":"offer","sdp":"..."}) and receives the answer once ICE
// gathering has finished, so no trickle channel is needed.
package webrtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/transport"
)

const inboundBuffer = 64

// Config configures peer connections.
type Config struct {
	// Format is the pipeline PCM format frames are delivered and expected in.
	Format audio.Format

	// FrameDuration is the length of each inbound frame.
	FrameDuration time.Duration

	// ICEServers lists STUN/TURN URLs handed to every peer connection.
	ICEServers []string

	// API overrides the pion API, e.g. to set a UDP mux or NAT mapping. Nil
	// uses the pion defaults.
	API *pion.API
}

// Conn is a WebRTC audio connection.
type Conn struct {
	id    string
	cfg   Config
	pc    *pion.PeerConnection
	track *pion.TrackLocalStaticSample
	enc   *opusEncoder
	log   *slog.Logger

	in        chan audio.Frame
	ready     chan struct{}
	done      chan struct{}
	once      sync.Once
	inOnce    sync.Once
	readyOnce sync.Once
	tracked   atomic.Bool

	sendMu   sync.Mutex
	outFrame *audio.Framer

	mu  sync.Mutex
	err error
}

var _ transport.Connection = (*Conn)(nil)

// Answer creates a peer connection for offer and returns it with the SDP
// answer to send back. The returned Conn delivers audio once the browser's
// track arrives.
func Answer(ctx context.Context, offer pion.SessionDescription, cfg Config) (*Conn, *pion.SessionDescription, error) {
	if offer.Type != pion.SDPTypeOffer {
		return nil, nil, fmt.Errorf("webrtc: expected offer, got %q", offer.Type)
	}

	var iceServers []pion.ICEServer
	if len(cfg.ICEServers) > 0 {
		iceServers = []pion.ICEServer{{URLs: cfg.ICEServers}}
	}
	pcCfg := pion.Configuration{ICEServers: iceServers}

	var (
		pc  *pion.PeerConnection
		err error
	)
	if cfg.API != nil {
		pc, err = cfg.API.NewPeerConnection(pcCfg)
	} else {
		pc, err = pion.NewPeerConnection(pcCfg)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("webrtc: new peer connection: %w", err)
	}

	c, err := newConn(pc, cfg)
	if err != nil {
		_ = pc.Close()
		return nil, nil, err
	}

	answer, err := c.negotiate(ctx, offer)
	if err != nil {
		c.finish(nil)
		return nil, nil, err
	}
	return c, answer, nil
}

func newConn(pc *pion.PeerConnection, cfg Config) (*Conn, error) {
	enc, err := newOpusEncoder()
	if err != nil {
		return nil, err
	}
	track, err := pion.NewTrackLocalStaticSample(
		pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: opusSampleRate, Channels: 2},
		"audio", "parley",
	)
	if err != nil {
		return nil, fmt.Errorf("webrtc: create local track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("webrtc: add track: %w", err)
	}

	id := uuid.NewString()
	c := &Conn{
		id:       id,
		cfg:      cfg,
		pc:       pc,
		track:    track,
		enc:      enc,
		log:      slog.With("session_id", id, "transport", "webrtc"),
		in:       make(chan audio.Frame, inboundBuffer),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		outFrame: audio.NewFramer(opusFormat, opusFrameMs*time.Millisecond, 0),
	}

	// RTCP must be drained for interceptors such as NACK to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	pc.OnTrack(func(remote *pion.TrackRemote, _ *pion.RTPReceiver) {
		if !c.claimTrack(remote.Kind()) {
			c.log.Debug("ignoring extra track", "kind", remote.Kind().String())
			return
		}
		c.log.Info("remote audio track", "codec", remote.Codec().MimeType)
		go c.readTrack(remote)
	})
	pc.OnConnectionStateChange(func(s pion.PeerConnectionState) {
		c.log.Debug("peer connection state", "state", s.String())
		switch s {
		case pion.PeerConnectionStateConnected:
			c.readyOnce.Do(func() { close(c.ready) })
		case pion.PeerConnectionStateFailed, pion.PeerConnectionStateDisconnected:
			c.finish(fmt.Errorf("webrtc: peer %s: %w", s, transport.ErrTransportLost))
		case pion.PeerConnectionStateClosed:
			c.finish(nil)
		}
	})
	return c, nil
}

func (c *Conn) negotiate(ctx context.Context, offer pion.SessionDescription) (*pion.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("webrtc: set remote description: %w", err)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("webrtc: create answer: %w", err)
	}
	gathered := pion.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("webrtc: set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return nil, fmt.Errorf("webrtc: ice gathering: %w", ctx.Err())
	}
	return c.pc.LocalDescription(), nil
}

// claimTrack reports whether a remote track of kind should be read. Only the
// first audio track is; a second one would restart inbound timestamps.
func (c *Conn) claimTrack(kind pion.RTPCodecType) bool {
	return kind == pion.RTPCodecTypeAudio && c.tracked.CompareAndSwap(false, true)
}

// readTrack decodes the browser's Opus track into pipeline frames.
func (c *Conn) readTrack(remote *pion.TrackRemote) {
	defer c.inOnce.Do(func() { close(c.in) })

	dec, err := newOpusDecoder()
	if err != nil {
		c.finish(err)
		return
	}
	framer := audio.NewFramer(c.cfg.Format, c.cfg.FrameDuration, 0)
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			c.finish(fmt.Errorf("webrtc: read rtp: %w: %w", transport.ErrTransportLost, err))
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		pcm, err := dec.decode(pkt.Payload)
		if err != nil {
			c.log.Debug("dropping undecodable packet", "error", err)
			continue
		}
		for _, f := range framer.Write(audio.ConvertPCM(pcm, opusFormat, c.cfg.Format)) {
			select {
			case c.in <- f:
			case <-c.done:
				return
			}
		}
	}
}

// ID implements transport.Connection.
func (c *Conn) ID() string { return c.id }

// Ready implements transport.Connection. It is closed when the peer
// connection first reaches the connected state.
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

// Send encodes f into 20 ms Opus packets on the outbound track. Audio that
// does not fill a whole packet is held until the next call.
func (c *Conn) Send(ctx context.Context, f audio.Frame) error {
	select {
	case <-c.done:
		return fmt.Errorf("webrtc: send: %w", transport.ErrTransportLost)
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	src := audio.Format{SampleRate: f.SampleRate, Channels: f.Channels}
	for _, pf := range c.outFrame.Write(audio.ConvertPCM(f.Data, src, opusFormat)) {
		packet, err := c.enc.encode(pf.Data)
		if err != nil {
			return err
		}
		if err := c.track.WriteSample(media.Sample{Data: packet, Duration: opusFrameMs * time.Millisecond}); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			return fmt.Errorf("webrtc: write sample: %w: %w", transport.ErrTransportLost, err)
		}
	}
	return nil
}

// Close tears down the peer connection.
func (c *Conn) Close() error {
	c.finish(nil)
	return nil
}

func (c *Conn) finish(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		go func() {
			if cerr := c.pc.Close(); cerr != nil {
				c.log.Debug("close peer connection", "error", cerr)
			}
		}()
	})
}
