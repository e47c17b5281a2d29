// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider turns one complete reply into a stream of PCM audio. The
// stream is opened with [Provider.Synthesize]; audio chunks arrive on
// [Stream.Audio] as the backend produces them so playback can begin before
// synthesis finishes.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"sync/atomic"

	"github.com/MrWong99/parley/pkg/audio"
)

// Voice selects and tunes the synthesis voice.
type Voice struct {
	// ID is the provider-specific voice identifier. Providers pass it through
	// unvalidated so that self-hosted models with their own voice catalogues
	// (e.g., Kokoro's "af_heart") work unchanged.
	ID string

	// Speed adjusts speaking rate. Zero uses the provider default.
	Speed float64
}

// Stream is an in-flight synthesis.
type Stream struct {
	// Audio emits raw PCM chunks of arbitrary size in Format. The provider
	// closes it when synthesis completes, fails or ctx is cancelled.
	Audio <-chan []byte

	// Format describes the PCM on Audio.
	Format audio.Format

	// err stores the error that caused Audio to close early.
	err atomic.Pointer[error]
}

// NewStream returns a Stream reading from ch. Providers keep the send side
// and close it when done.
func NewStream(ch <-chan []byte, format audio.Format) *Stream {
	return &Stream{Audio: ch, Format: format}
}

// Err returns the error that caused Audio to close prematurely, or nil if
// the stream completed. Only meaningful after Audio is closed.
func (s *Stream) Err() error {
	if p := s.err.Load(); p != nil {
		return *p
	}
	return nil
}

// SetErr records a mid-stream failure. Providers call it before closing
// Audio.
func (s *Stream) SetErr(err error) {
	s.err.Store(&err)
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize starts synthesising text with voice. A non-nil error means the
	// stream could not be opened and is classified with provider.Transient or
	// provider.Permanent. Failures after the stream opened are reported by
	// [Stream.Err] once Audio closes.
	Synthesize(ctx context.Context, text string, voice Voice) (*Stream, error)
}
