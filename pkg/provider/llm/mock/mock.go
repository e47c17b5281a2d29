// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify the requests the pipeline sends and to
// feed controlled replies or failures without a live LLM backend.
//
// Example:
//
//	p := &mock.Provider{
//	    Script: []mock.Result{{Err: provider.Transient("mock", errors.New("503"))}},
//	    Reply:  "Hello!",
//	}
//	text, err := p.Generate(ctx, req) // fails once, then "Hello!"
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

// Result is one scripted outcome of Generate.
type Result struct {
	Text string
	Err  error
}

// GenerateCall records a single invocation of Generate.
type GenerateCall struct {
	// Ctx is the context passed to Generate.
	Ctx context.Context
	// Req is the Request passed to Generate.
	Req llm.Request
}

// Provider is a mock implementation of llm.Provider.
// Scripted results are consumed first, one per call. Once the script is
// exhausted every call returns Reply and Err.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Script holds per-call outcomes consumed in order.
	Script []Result

	// Reply is returned once Script is exhausted.
	Reply string

	// Err, if non-nil, is returned once Script is exhausted.
	Err error

	// GenerateFunc, if set, replaces all other response fields.
	GenerateFunc func(ctx context.Context, req llm.Request) (string, error)

	// --- Call records (read after test) ---

	// Calls records every invocation of Generate in order.
	Calls []GenerateCall
}

var _ llm.Provider = (*Provider)(nil)

// Generate records the call and returns the next scripted result.
func (p *Provider) Generate(ctx context.Context, req llm.Request) (string, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, GenerateCall{Ctx: ctx, Req: req})
	if fn := p.GenerateFunc; fn != nil {
		p.mu.Unlock()
		return fn(ctx, req)
	}
	if len(p.Script) > 0 {
		r := p.Script[0]
		p.Script = p.Script[1:]
		p.mu.Unlock()
		return r.Text, r.Err
	}
	text, err := p.Reply, p.Err
	p.mu.Unlock()
	return text, err
}

// CallCount returns the number of Generate invocations so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// LastRequest returns the Request of the most recent call and whether any
// call was made.
func (p *Provider) LastRequest() (llm.Request, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Calls) == 0 {
		return llm.Request{}, false
	}
	return p.Calls[len(p.Calls)-1].Req, true
}
