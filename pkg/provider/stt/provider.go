// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider turns one bounded utterance of PCM audio into text. The
// pipeline segments speech with voice activity detection first, so providers
// see whole utterances rather than a live stream. This keeps every call
// independently retryable.
//
// Implementations must be safe for concurrent use and must classify every
// returned error with provider.Transient or provider.Permanent.
package stt

import "context"

// Hints carries the audio format and recognition hints for one call.
type Hints struct {
	// SampleRate of the PCM in Hz.
	SampleRate int

	// Channels in the PCM; 1 for mono.
	Channels int

	// Language is an ISO-639-1 code (e.g., "en"). Empty lets the provider
	// auto-detect the language, if supported.
	Language string

	// Prompt is optional text that biases recognition (vocabulary, spelling).
	Prompt string
}

// Provider is the abstraction over any speech-to-text backend.
type Provider interface {
	// Transcribe converts signed 16-bit little-endian PCM to text.
	// An empty string with a nil error means the audio contained no speech.
	Transcribe(ctx context.Context, pcm []byte, hints Hints) (string, error)
}
