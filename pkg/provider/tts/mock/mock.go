// Package mock provides a test double for the tts.Provider interface.
//
// Each scripted Result either fails the stream open (OpenErr), or opens a
// stream that emits Chunks and then closes, optionally recording StreamErr
// as the mid-stream failure.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// Result is one scripted outcome of Synthesize.
type Result struct {
	// OpenErr, if non-nil, is returned from Synthesize.
	OpenErr error

	// Chunks are emitted on the stream in order.
	Chunks [][]byte

	// StreamErr, if non-nil, is recorded on the stream after Chunks.
	StreamErr error
}

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	Ctx   context.Context
	Text  string
	Voice tts.Voice
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Format of emitted audio. Zero means 16 kHz mono.
	Format audio.Format

	// Script holds per-call outcomes consumed in order.
	Script []Result

	// Default is used once Script is exhausted. A zero Default emits a single
	// 100 ms chunk of silence.
	Default *Result

	// Calls records every invocation of Synthesize in order.
	Calls []SynthesizeCall
}

var _ tts.Provider = (*Provider)(nil)

// Synthesize records the call and returns a stream driven by the next
// scripted result.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) (*tts.Stream, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, SynthesizeCall{Ctx: ctx, Text: text, Voice: voice})
	format := p.Format
	if format.SampleRate == 0 {
		format = audio.Format{SampleRate: 16000, Channels: 1}
	}
	var r Result
	switch {
	case len(p.Script) > 0:
		r = p.Script[0]
		p.Script = p.Script[1:]
	case p.Default != nil:
		r = *p.Default
	default:
		r = Result{Chunks: [][]byte{make([]byte, format.FrameBytes(100*time.Millisecond))}}
	}
	p.mu.Unlock()

	if r.OpenErr != nil {
		return nil, r.OpenErr
	}

	ch := make(chan []byte, len(r.Chunks))
	s := tts.NewStream(ch, format)
	go func() {
		defer close(ch)
		for _, c := range r.Chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				s.SetErr(ctx.Err())
				return
			}
		}
		if r.StreamErr != nil {
			s.SetErr(r.StreamErr)
		}
	}()
	return s, nil
}

// Texts returns the text of every Synthesize call in order.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Calls))
	for i, c := range p.Calls {
		out[i] = c.Text
	}
	return out
}

// CallCount returns the number of Synthesize invocations so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}
