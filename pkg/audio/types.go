// Package audio defines the PCM frame type that flows between transports and
// the conversation pipeline, the bounded [Bus] that carries those frames, and
// helpers for converting between sample formats.
//
// All PCM in this package is signed 16-bit little-endian, interleaved when
// multi-channel.
package audio

import "time"

// Frame represents a single fixed-duration slice of PCM audio.
// Frames are the atomic unit of audio transport: captured by a transport,
// consumed by voice activity detection and transcription, produced by
// synthesis and played back by the transport.
type Frame struct {
	// PCM audio data.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for WebRTC Opus, 16000 for STT).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of f derived from its byte length.
// A frame with an unknown format has zero duration.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / (2 * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// End returns the stream time just past the last sample of f.
func (f Frame) End() time.Duration {
	return f.Timestamp + f.Duration()
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// FrameBytes returns the byte length of one frame of duration d in format f.
func (f Format) FrameBytes(d time.Duration) int {
	samples := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return samples * 2 * f.Channels
}
