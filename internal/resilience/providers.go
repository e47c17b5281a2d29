package resilience

import (
	"context"

	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// STTFallback is a speech-to-text provider failing over across backends.
type STTFallback struct {
	*FallbackGroup[stt.Provider]
}

// LLMFallback is a language model failing over across backends.
type LLMFallback struct {
	*FallbackGroup[llm.Provider]
}

// TTSFallback is a speech synthesiser failing over across backends. Only
// opening the stream fails over; errors once audio flows are the caller's.
type TTSFallback struct {
	*FallbackGroup[tts.Provider]
}

var (
	_ stt.Provider = STTFallback{}
	_ llm.Provider = LLMFallback{}
	_ tts.Provider = TTSFallback{}
)

// NewSTTFallback returns an STTFallback with primary as its first backend.
func NewSTTFallback(primary stt.Provider, name string, cfg FallbackConfig) STTFallback {
	return STTFallback{NewFallbackGroup(primary, name, cfg)}
}

// NewLLMFallback returns an LLMFallback with primary as its first backend.
func NewLLMFallback(primary llm.Provider, name string, cfg FallbackConfig) LLMFallback {
	return LLMFallback{NewFallbackGroup(primary, name, cfg)}
}

// NewTTSFallback returns a TTSFallback with primary as its first backend.
func NewTTSFallback(primary tts.Provider, name string, cfg FallbackConfig) TTSFallback {
	return TTSFallback{NewFallbackGroup(primary, name, cfg)}
}

// Transcribe implements stt.Provider on the first backend that succeeds.
func (f STTFallback) Transcribe(ctx context.Context, pcm []byte, hints stt.Hints) (string, error) {
	return ExecuteWithResult(f.FallbackGroup, func(p stt.Provider) (string, error) {
		return p.Transcribe(ctx, pcm, hints)
	})
}

// Generate implements llm.Provider on the first backend that succeeds.
func (f LLMFallback) Generate(ctx context.Context, req llm.Request) (string, error) {
	return ExecuteWithResult(f.FallbackGroup, func(p llm.Provider) (string, error) {
		return p.Generate(ctx, req)
	})
}

// Synthesize implements tts.Provider on the first backend that opens a
// stream.
func (f TTSFallback) Synthesize(ctx context.Context, text string, voice tts.Voice) (*tts.Stream, error) {
	return ExecuteWithResult(f.FallbackGroup, func(p tts.Provider) (*tts.Stream, error) {
		return p.Synthesize(ctx, text, voice)
	})
}
