// Package mock provides a test double for the stt.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/stt"
)

// Result is one scripted outcome of Transcribe.
type Result struct {
	Text string
	Err  error
}

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	Ctx   context.Context
	PCM   []byte
	Hints stt.Hints
}

// Provider is a mock implementation of stt.Provider.
// Scripted results are consumed first, one per call; afterwards every call
// returns Text and Err.
type Provider struct {
	mu sync.Mutex

	// Script holds per-call outcomes consumed in order.
	Script []Result

	// Text is returned once Script is exhausted.
	Text string

	// Err, if non-nil, is returned once Script is exhausted.
	Err error

	// TranscribeFunc, if set, replaces all other response fields.
	TranscribeFunc func(ctx context.Context, pcm []byte, hints stt.Hints) (string, error)

	// Calls records every invocation of Transcribe in order.
	Calls []TranscribeCall
}

var _ stt.Provider = (*Provider)(nil)

// Transcribe records the call and returns the next scripted result.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, hints stt.Hints) (string, error) {
	buf := make([]byte, len(pcm))
	copy(buf, pcm)

	p.mu.Lock()
	p.Calls = append(p.Calls, TranscribeCall{Ctx: ctx, PCM: buf, Hints: hints})
	if fn := p.TranscribeFunc; fn != nil {
		p.mu.Unlock()
		return fn(ctx, pcm, hints)
	}
	if len(p.Script) > 0 {
		r := p.Script[0]
		p.Script = p.Script[1:]
		p.mu.Unlock()
		return r.Text, r.Err
	}
	text, err := p.Text, p.Err
	p.mu.Unlock()
	return text, err
}

// CallCount returns the number of Transcribe invocations so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}
